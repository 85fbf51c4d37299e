package chainreg

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/chainwatch/chainaccess"
	"github.com/lightningnetwork/chainwatch/chainio"
	"github.com/lightningnetwork/lnd/fn/v2"
)

// ConfidenceHorizon is the depth up to which confidence events are sent for
// a transaction paying to a watched script.
const ConfidenceHorizon = 144

// EventSink receives the notifications of a chain backend.
type EventSink interface {
	Notify(ev chainio.Event) error
}

// watchSet is the set of outpoints and scripts a backend reports
// transactions for, together with the heights watched transactions were
// mined at.
type watchSet struct {
	mu sync.Mutex

	// outpoints maps a watched outpoint to the script it pays to.
	outpoints map[wire.OutPoint][]byte
	scripts   [][]byte

	// mined maps a transaction paying to a watched script to the height
	// of its block.
	mined map[chainhash.Hash]int32
}

func newWatchSet() *watchSet {
	return &watchSet{
		outpoints: make(map[wire.OutPoint][]byte),
		mined:     make(map[chainhash.Hash]int32),
	}
}

// add registers an outpoint and a script. It returns false if both were
// watched already.
func (w *watchSet) add(op wire.OutPoint, pkScript []byte) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	_, known := w.outpoints[op]
	w.outpoints[op] = bytes.Clone(pkScript)

	for _, script := range w.scripts {
		if bytes.Equal(script, pkScript) {
			return !known
		}
	}
	if len(pkScript) > 0 {
		w.scripts = append(w.scripts, bytes.Clone(pkScript))
		return true
	}

	return !known
}

// snapshot returns a copy of the watched outpoints and their scripts.
func (w *watchSet) snapshot() map[wire.OutPoint][]byte {
	w.mu.Lock()
	defer w.mu.Unlock()

	outpoints := make(map[wire.OutPoint][]byte, len(w.outpoints))
	for op, script := range w.outpoints {
		outpoints[op] = script
	}

	return outpoints
}

// classify returns the event type of a relevant transaction. A transaction
// spending a watched outpoint is sent, one paying to a watched script is
// received.
func (w *watchSet) classify(tx *wire.MsgTx) fn.Option[chainio.EventType] {
	w.mu.Lock()
	defer w.mu.Unlock()

	for _, in := range tx.TxIn {
		if _, ok := w.outpoints[in.PreviousOutPoint]; ok {
			return fn.Some(chainio.EventTxSent)
		}
	}

	if w.paysWatched(tx) {
		return fn.Some(chainio.EventTxReceived)
	}

	return fn.None[chainio.EventType]()
}

// paysWatched must be called with the mutex held.
func (w *watchSet) paysWatched(tx *wire.MsgTx) bool {
	for _, out := range tx.TxOut {
		for _, script := range w.scripts {
			if bytes.Equal(out.PkScript, script) {
				return true
			}
		}
	}

	return false
}

// connect records the watched transactions mined at height and returns the
// confidence events of every tracked transaction. Transactions past the
// horizon are no longer tracked.
func (w *watchSet) connect(height int32,
	txs []*wire.MsgTx) []chainio.Event {

	w.mu.Lock()
	defer w.mu.Unlock()

	for _, tx := range txs {
		if w.paysWatched(tx) {
			w.mined[tx.TxHash()] = height
		}
	}

	events := make([]chainio.Event, 0, len(w.mined))
	for txid, minedHeight := range w.mined {
		depth := height - minedHeight + 1
		if depth > ConfidenceHorizon {
			delete(w.mined, txid)
			continue
		}

		events = append(events, chainio.NewConfidenceEvent(txid, depth))
	}

	return events
}

// disconnect forgets transactions mined at or above height.
func (w *watchSet) disconnect(height int32) {
	w.mu.Lock()
	defer w.mu.Unlock()

	for txid, minedHeight := range w.mined {
		if minedHeight >= height {
			delete(w.mined, txid)
		}
	}
}

// notifier turns backend callbacks into dispatcher events.
type notifier struct {
	sink    EventSink
	watches *watchSet
}

// notify hands one event to the sink. A stopped sink only drops the event.
func (n *notifier) notify(ev chainio.Event) {
	err := n.sink.Notify(ev)
	switch {
	case err == nil:
		return

	case errors.Is(err, chainio.ErrDispatcherStopped):
		log.Debugf("Dropping %v event, dispatcher stopped", ev.Type)

	default:
		log.Errorf("Unable to deliver %v event: %v", ev.Type, err)
	}
}

// connectBlock reports a new block, the relevant transactions it carries
// and the changed depths of watched transactions.
func (n *notifier) connectBlock(height int32, hash chainhash.Hash,
	txs []*wire.MsgTx) {

	log.Debugf("Block connected: height=%d, hash=%v, relevant_txs=%d",
		height, hash, len(txs))

	for _, tx := range txs {
		n.relevantTx(tx, fn.Some(hash))
	}

	n.notify(chainio.NewBlockEvent(height, hash))

	for _, ev := range n.watches.connect(height, txs) {
		n.notify(ev)
	}
}

// disconnectBlock forgets the depths recorded for the block.
func (n *notifier) disconnectBlock(height int32, hash chainhash.Hash) {
	log.Debugf("Block disconnected: height=%d, hash=%v", height, hash)

	n.watches.disconnect(height)
}

// relevantTx reports a transaction touching the watch set.
func (n *notifier) relevantTx(tx *wire.MsgTx,
	block fn.Option[chainhash.Hash]) {

	n.watches.classify(tx).WhenSome(func(typ chainio.EventType) {
		n.notify(chainio.NewTxEvent(typ, tx, block))
	})
}

// callWithContext runs f and returns early once ctx is done. A deadline
// maps to chainaccess.ErrTimeout.
func callWithContext[T any](ctx context.Context, f func() (T, error)) (T,
	error) {

	type result struct {
		val T
		err error
	}

	done := make(chan result, 1)
	go func() {
		val, err := f()
		done <- result{val: val, err: err}
	}()

	select {
	case res := <-done:
		return res.val, res.err

	case <-ctx.Done():
		var zero T
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return zero, fmt.Errorf("%w: %w", chainaccess.ErrTimeout,
				ctx.Err())
		}

		return zero, ctx.Err()
	}
}
