package chainio

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btclog/v2"
	"github.com/lightningnetwork/chainwatch/broadcast"
	"github.com/lightningnetwork/chainwatch/chainaccess"
	"github.com/lightningnetwork/chainwatch/chanwatch"
	"github.com/lightningnetwork/chainwatch/lnutils"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/lightningnetwork/lnd/queue"
	"github.com/lightningnetwork/lnd/ticker"
	"golang.org/x/sync/errgroup"
)

const (
	// DefaultRefreshInterval is the period of the refresh tick that runs
	// when no block arrives.
	DefaultRefreshInterval = 5 * time.Minute

	// DefaultRefreshTimeout bounds one round of confirmation refreshes.
	DefaultRefreshTimeout = 60 * time.Second

	// DefaultMaxConcurrentRefresh is the number of channels refreshed in
	// parallel.
	DefaultMaxConcurrentRefresh = 4

	// DefaultEventBuffer is the number of events buffered before the
	// queue spills into its overflow list.
	DefaultEventBuffer = 100
)

var (
	// ErrDispatcherStopped is returned by Notify once the dispatcher was
	// stopped.
	ErrDispatcherStopped = errors.New("dispatcher stopped")

	// ErrUnknownEvent is returned for an event with an unknown type.
	ErrUnknownEvent = errors.New("unknown event type")
)

// Refresher re-derives the confirmation of a channel's funding transaction.
type Refresher interface {
	RefreshChannel(ctx context.Context, peer chanwatch.PeerID) error
}

// Rejecter resolves a broadcast waiting for a reject message.
type Rejecter interface {
	Signal(txid chainhash.Hash, result broadcast.Result) bool
}

// Config holds the dispatcher's dependencies.
type Config struct {
	// Registry holds the channels events are matched against.
	Registry *chanwatch.Registry

	// Refresher is asked to re-derive unpublished channels.
	Refresher Refresher

	// Rejecter receives reject messages.
	Rejecter Rejecter

	// RefreshTicker drives the periodic refresh.
	RefreshTicker ticker.Ticker

	// RefreshTimeout bounds a refresh round.
	RefreshTimeout time.Duration

	// MaxConcurrentRefresh limits the channels refreshed in parallel.
	MaxConcurrentRefresh int

	// OnEscalation, if set, is called when handling an event hit an
	// exhausted chain access failure budget.
	OnEscalation func(err error)
}

// Dispatcher is the single ingress of chain backend notifications. Events
// are queued by Notify and handled one at a time, in order, by a single
// goroutine. Handling an event never fetches from the chain: confirmation
// refreshes are handed to a separate worker so a reject is never queued
// behind a block download.
type Dispatcher struct {
	started sync.Once
	stopped sync.Once

	cfg Config

	events *queue.ConcurrentQueue

	// refreshReqs carries refresh requests to refreshWorker. A nil
	// request refreshes every unpublished channel.
	refreshReqs chan []chanwatch.PeerID

	// sawBlock is set by a block event and cleared by the next refresh
	// tick, which is skipped then. Only accessed by dispatchEvents.
	sawBlock bool

	cancel context.CancelFunc

	wg   sync.WaitGroup
	quit chan struct{}
}

// NewDispatcher creates a dispatcher. Zero policy values are replaced by the
// defaults.
func NewDispatcher(cfg Config) *Dispatcher {
	if cfg.RefreshTicker == nil {
		cfg.RefreshTicker = ticker.New(DefaultRefreshInterval)
	}
	if cfg.RefreshTimeout == 0 {
		cfg.RefreshTimeout = DefaultRefreshTimeout
	}
	if cfg.MaxConcurrentRefresh <= 0 {
		cfg.MaxConcurrentRefresh = DefaultMaxConcurrentRefresh
	}

	return &Dispatcher{
		cfg:         cfg,
		events:      queue.NewConcurrentQueue(DefaultEventBuffer),
		refreshReqs: make(chan []chanwatch.PeerID, DefaultEventBuffer),
		quit:        make(chan struct{}),
	}
}

// Start launches the event loop.
func (d *Dispatcher) Start() error {
	d.started.Do(func() {
		clog.Info("Event dispatcher starting")

		ctx, cancel := context.WithCancel(context.Background())
		d.cancel = cancel

		d.events.Start()
		d.cfg.RefreshTicker.Resume()

		d.wg.Add(2)
		go d.dispatchEvents(ctx)
		go d.refreshWorker(ctx)
	})

	return nil
}

// Stop shuts the event loop down. Queued events that were not handled yet
// are dropped.
func (d *Dispatcher) Stop() {
	d.stopped.Do(func() {
		clog.Info("Event dispatcher stopping")
		defer clog.Debug("Event dispatcher stopped")

		close(d.quit)
		if d.cancel != nil {
			d.cancel()
		}
		d.wg.Wait()

		d.cfg.RefreshTicker.Stop()
		d.events.Stop()
	})
}

// Notify queues an event. It does not wait for the event to be handled. The
// dispatcher must be started.
func (d *Dispatcher) Notify(ev Event) error {
	select {
	case d.events.ChanIn() <- ev:
		return nil

	case <-d.quit:
		return ErrDispatcherStopped
	}
}

// dispatchEvents handles queued events and refresh ticks.
//
// NOTE: Must be run as a goroutine.
func (d *Dispatcher) dispatchEvents(ctx context.Context) {
	defer d.wg.Done()

	for {
		select {
		case item, ok := <-d.events.ChanOut():
			if !ok {
				return
			}

			//nolint:forcetypeassert
			ev := item.(Event)
			d.report(d.handleEvent(ctx, ev))

		case <-d.cfg.RefreshTicker.Ticks():
			if d.sawBlock {
				d.sawBlock = false
				continue
			}

			clog.Debug("Refresh tick without new block")
			d.requestRefresh(nil)

		case <-d.quit:
			return
		}
	}
}

// report logs a failed event and hands escalations to the host.
func (d *Dispatcher) report(err error) {
	if err == nil {
		return
	}

	clog.Errorf("Event handling failed: %v", err)

	if chainaccess.IsEscalation(err) && d.cfg.OnEscalation != nil {
		d.cfg.OnEscalation(err)
	}
}

// handleEvent routes one event.
func (d *Dispatcher) handleEvent(ctx context.Context, ev Event) error {
	ctx = btclog.WithCtx(ctx, "event", ev.Type)

	switch ev.Type {
	case EventNewBlock:
		d.sawBlock = true

		ev.BlockHash.WhenSome(func(hash chainhash.Hash) {
			clog.DebugS(ctx, "New block",
				lnutils.LogHash("block", hash),
				"height", ev.Height)
		})

		d.requestRefresh(nil)

		return nil

	case EventConfidenceChanged:
		d.handleConfidence(ctx, ev)

		return nil

	case EventTxReceived, EventTxSent:
		d.handleTx(ctx, ev)

		return nil

	case EventReject:
		resolved := d.cfg.Rejecter.Signal(
			ev.Txid, broadcast.ResultReject,
		)
		clog.InfoS(ctx, "Reject message received",
			lnutils.LogHash("txid", ev.Txid),
			"reason", ev.Reason, "pending", resolved)

		return nil

	default:
		return fmt.Errorf("%w: %v", ErrUnknownEvent, ev.Type)
	}
}

// handleTx marks funding outputs spent by the transaction's first input and
// commit slots matching its txid.
func (d *Dispatcher) handleTx(ctx context.Context, ev Event) {
	tx := ev.Tx
	if tx == nil {
		return
	}
	txid := tx.TxHash()

	var (
		firstInput = fn.None[wire.OutPoint]()
		funding    []chanwatch.PeerID
		commits    []chanwatch.PeerID
	)
	if len(tx.TxIn) > 0 {
		firstInput = fn.Some(tx.TxIn[0].PreviousOutPoint)
	}

	d.cfg.Registry.UpdateAll(func(rec *chanwatch.ChannelRecord) bool {
		if rec.FundingOutpoint == (wire.OutPoint{}) {
			return false
		}

		spendsFunding := fn.MapOptionZ(firstInput,
			func(op wire.OutPoint) bool {
				return op == rec.FundingOutpoint
			},
		)
		if spendsFunding {
			rec.SetFundingSpent(ev.BlockHash)
			funding = append(funding, rec.PeerID)

			return true
		}

		side := rec.CommitByTxid(txid)
		if side.IsNone() {
			return false
		}

		rec.Commits[side.UnsafeFromSome()].State =
			chanwatch.SpentStateSpent
		commits = append(commits, rec.PeerID)

		return true
	})

	ctx = btclog.WithCtx(ctx, lnutils.LogHash("txid", txid))
	for _, peer := range funding {
		clog.InfoS(ctx, "Funding output spent",
			lnutils.LogPeer("peer", peer))
	}
	for _, peer := range commits {
		clog.InfoS(ctx, "Commitment transaction seen",
			lnutils.LogPeer("peer", peer))
	}
	if len(funding) == 0 && len(commits) == 0 {
		clog.TraceS(ctx, "Transaction matches no channel",
			"tx", lnutils.SpewLogClosure(tx))
	}
}

// handleConfidence raises the confirmation of the channel funded by the
// transaction and requests a refresh while it is unpublished.
func (d *Dispatcher) handleConfidence(ctx context.Context, ev Event) {
	var stale []chanwatch.PeerID
	d.cfg.Registry.UpdateAll(func(rec *chanwatch.ChannelRecord) bool {
		if rec.FundingOutpoint == (wire.OutPoint{}) ||
			rec.FundingOutpoint.Hash != ev.Txid {

			return false
		}

		rec.SetConfirmation(ev.Depth)
		if !rec.Published() {
			stale = append(stale, rec.PeerID)
		}

		return true
	})

	clog.DebugS(ctx, "Confidence changed", lnutils.LogHash("txid", ev.Txid),
		"depth", ev.Depth, "refresh", len(stale))

	if len(stale) > 0 {
		d.requestRefresh(stale)
	}
}

// requestRefresh hands a refresh to the worker without waiting. A request
// that does not fit is dropped, the stale channels are unpublished and so
// covered by the next block or tick.
func (d *Dispatcher) requestRefresh(peers []chanwatch.PeerID) {
	select {
	case d.refreshReqs <- peers:
	default:
		clog.Debugf("Refresh queue full, dropping request for %d "+
			"channels", len(peers))
	}
}

// refreshWorker runs the requested refreshes. Requests that piled up while
// a round was running are merged into the next one.
//
// NOTE: Must be run as a goroutine.
func (d *Dispatcher) refreshWorker(ctx context.Context) {
	defer d.wg.Done()

	for {
		select {
		case peers := <-d.refreshReqs:
			d.report(d.refreshChannels(ctx, d.mergePending(peers)))

		case <-d.quit:
			return
		}
	}
}

// mergePending drains the queued requests into peers. The result is nil if
// any of them asks for every channel.
func (d *Dispatcher) mergePending(peers []chanwatch.PeerID) []chanwatch.PeerID {
	all := peers == nil
	for {
		select {
		case more := <-d.refreshReqs:
			all = all || more == nil
			if !all {
				peers = append(peers, more...)
			}

		default:
			if all {
				return nil
			}

			return peers
		}
	}
}

// refreshChannels re-derives the given channels concurrently. With no peers
// given every unpublished channel whose funding output is not spent is
// refreshed.
func (d *Dispatcher) refreshChannels(ctx context.Context,
	peers []chanwatch.PeerID) error {

	if peers == nil {
		peers = d.unpublished()
	}
	if len(peers) == 0 {
		return nil
	}

	clog.DebugS(ctx, "Refreshing unpublished channels",
		"count", len(peers))

	ctx, cancel := context.WithTimeout(ctx, d.cfg.RefreshTimeout)
	defer cancel()

	eg, ctx := errgroup.WithContext(ctx)
	eg.SetLimit(d.cfg.MaxConcurrentRefresh)

	seen := make(map[chanwatch.PeerID]struct{}, len(peers))
	for _, peer := range peers {
		if _, ok := seen[peer]; ok {
			continue
		}
		seen[peer] = struct{}{}

		eg.Go(func() error {
			return d.refresh(ctx, peer)
		})
	}

	return eg.Wait()
}

// unpublished returns the channels a block may have changed.
func (d *Dispatcher) unpublished() []chanwatch.PeerID {
	var peers []chanwatch.PeerID
	for _, rec := range d.cfg.Registry.Channels() {
		if rec.FundingOutpoint == (wire.OutPoint{}) || rec.Published() ||
			rec.FundingState == chanwatch.SpentStateSpent {

			continue
		}

		peers = append(peers, rec.PeerID)
	}

	return peers
}

// refresh re-derives one channel. Only escalations are returned.
func (d *Dispatcher) refresh(ctx context.Context,
	peer chanwatch.PeerID) error {

	err := d.cfg.Refresher.RefreshChannel(ctx, peer)
	switch {
	case err == nil:
		return nil

	case chainaccess.IsEscalation(err):
		return fmt.Errorf("refresh of %v: %w", peer, err)

	case errors.Is(err, chanwatch.ErrChannelNotFound):
		return nil

	default:
		clog.WarnS(ctx, "Channel refresh failed", err,
			lnutils.LogPeer("peer", peer))

		return nil
	}
}
