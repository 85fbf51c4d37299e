package broadcast

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btclog/v2"
	"github.com/lightningnetwork/chainwatch/chainaccess"
	"github.com/lightningnetwork/chainwatch/lnutils"
	"github.com/lightningnetwork/lnd/clock"
)

const (
	// DefaultRejectWait is the time a broadcast waits for a reject message
	// before the attempt counts as a success.
	DefaultRejectWait = 2 * time.Second

	// DefaultMaxAttempts is the number of submissions made for one
	// transaction.
	DefaultMaxAttempts = 3
)

var (
	// ErrRejected is returned when a peer rejected the transaction and it
	// was not found in the mempool afterwards.
	ErrRejected = errors.New("transaction rejected by peer")

	// ErrBroadcastFailed is returned when every attempt failed and the
	// transaction was not found in the mempool afterwards.
	ErrBroadcastFailed = errors.New("broadcast failed")

	// ErrBroadcastInProgress is returned when the same transaction is
	// already being broadcast.
	ErrBroadcastInProgress = errors.New("broadcast already in progress")
)

// Result is the outcome of a single broadcast attempt as signalled by the
// network.
type Result uint8

const (
	// ResultNone means no reject arrived, the attempt succeeded.
	ResultNone Result = iota

	// ResultRetry asks for another attempt.
	ResultRetry

	// ResultReject means a peer rejected the transaction.
	ResultReject
)

// String returns a human readable result.
func (r Result) String() string {
	switch r {
	case ResultNone:
		return "none"

	case ResultRetry:
		return "retry"

	case ResultReject:
		return "reject"

	default:
		return fmt.Sprintf("unknown(%d)", uint8(r))
	}
}

// Network is the part of the chain access the engine publishes through.
type Network interface {
	// BroadcastTx submits the transaction.
	BroadcastTx(ctx context.Context, tx *wire.MsgTx) error

	// FetchMempoolTx asks a peer for a transaction in its mempool.
	FetchMempoolTx(ctx context.Context,
		txid chainhash.Hash) (*wire.MsgTx, error)
}

// Config holds the engine's dependencies and retry policy.
type Config struct {
	// Network is used for submission and the final mempool check.
	Network Network

	// Clock times the reject wait.
	Clock clock.Clock

	// RejectWait is how long an attempt waits for a reject.
	RejectWait time.Duration

	// MaxAttempts bounds the number of submissions.
	MaxAttempts int
}

// rendezvous pairs a broadcast in flight with the reject notifications
// for its txid. The channel holds at most one pending result, later
// signals are dropped.
type rendezvous struct {
	result chan Result
}

// Engine broadcasts transactions and correlates them with asynchronous
// reject messages.
type Engine struct {
	cfg Config

	pending lnutils.SyncMap[chainhash.Hash, *rendezvous]
}

// NewEngine creates a broadcast engine. Zero policy values are replaced by
// the defaults.
func NewEngine(cfg Config) *Engine {
	if cfg.Clock == nil {
		cfg.Clock = clock.NewDefaultClock()
	}
	if cfg.RejectWait == 0 {
		cfg.RejectWait = DefaultRejectWait
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}

	return &Engine{cfg: cfg}
}

// Broadcast submits tx and returns its txid once no reject arrived within the
// wait window. Ambiguous failures are retried, a reject is not. When no
// attempt succeeded the mempool is asked once before the broadcast is
// declared failed.
func (e *Engine) Broadcast(ctx context.Context,
	tx *wire.MsgTx) (chainhash.Hash, error) {

	txid := tx.TxHash()
	ctx = btclog.WithCtx(ctx, lnutils.LogHash("txid", txid))

	rv := &rendezvous{result: make(chan Result, 1)}
	if _, loaded := e.pending.LoadOrStore(txid, rv); loaded {
		return chainhash.Hash{}, fmt.Errorf("%w: %v",
			ErrBroadcastInProgress, txid)
	}
	defer e.pending.Delete(txid)

	log.TraceS(ctx, "Broadcasting transaction",
		"tx", lnutils.SpewLogClosure(tx))

	var rejected bool

attempts:
	for attempt := 1; attempt <= e.cfg.MaxAttempts; attempt++ {
		result, err := e.attempt(ctx, tx, rv)
		switch {
		case errors.Is(err, context.Canceled),
			errors.Is(err, context.DeadlineExceeded):

			return chainhash.Hash{}, err

		case errors.Is(err, chainaccess.ErrTxRejected):
			log.WarnS(ctx, "Transaction refused on submission", err)
			rejected = true

			break attempts

		case err != nil:
			log.WarnS(ctx, "Broadcast attempt failed", err,
				"attempt", attempt)

			continue
		}

		switch result {
		case ResultNone:
			log.InfoS(ctx, "Transaction broadcast",
				"attempt", attempt)

			return txid, nil

		case ResultReject:
			log.WarnS(ctx, "Transaction rejected by peer", nil,
				"attempt", attempt)
			rejected = true

			break attempts

		default:
			log.DebugS(ctx, "Broadcast retry requested",
				"attempt", attempt)
		}
	}

	// The transaction may have made it to the network regardless.
	if _, err := e.cfg.Network.FetchMempoolTx(ctx, txid); err == nil {
		log.InfoS(ctx, "Transaction found in mempool")

		return txid, nil
	}

	if rejected {
		return chainhash.Hash{}, fmt.Errorf("%w: %v", ErrRejected, txid)
	}

	return chainhash.Hash{}, fmt.Errorf("%w: %v after %d attempts",
		ErrBroadcastFailed, txid, e.cfg.MaxAttempts)
}

// attempt submits tx once and waits for a result on the rendezvous.
func (e *Engine) attempt(ctx context.Context, tx *wire.MsgTx,
	rv *rendezvous) (Result, error) {

	// A result signalled for an earlier attempt does not apply.
	select {
	case <-rv.result:
	default:
	}

	if err := e.cfg.Network.BroadcastTx(ctx, tx); err != nil {
		return ResultRetry, err
	}

	timeout := e.cfg.Clock.TickAfter(e.cfg.RejectWait)

	select {
	case result := <-rv.result:
		return result, nil

	case <-timeout:
		return ResultNone, nil

	case <-ctx.Done():
		return ResultNone, ctx.Err()
	}
}

// Signal resolves the broadcast in flight for txid. It returns false if no
// broadcast is waiting, including one that already timed out.
func (e *Engine) Signal(txid chainhash.Hash, result Result) bool {
	rv, ok := e.pending.Load(txid)
	if !ok {
		log.Debugf("Dropping %v signal for %v, no broadcast pending",
			result, txid)

		return false
	}

	select {
	case rv.result <- result:
		return true

	default:
		return false
	}
}
