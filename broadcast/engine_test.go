package broadcast

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/chainwatch/blockcache"
	"github.com/lightningnetwork/chainwatch/chainaccess"
	"github.com/lightningnetwork/chainwatch/lnmock"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/stretchr/testify/require"
)

var testTime = time.Date(2024, time.March, 1, 12, 0, 0, 0, time.UTC)

type engineHarness struct {
	t      *testing.T
	chain  *lnmock.MockChain
	clock  *clock.TestClock
	ticks  chan time.Duration
	engine *Engine
	tx     *wire.MsgTx
}

func newEngineHarness(t *testing.T) *engineHarness {
	t.Helper()

	chain := lnmock.NewMockChain()
	facade := chainaccess.New(chainaccess.DefaultConfig(
		chain, blockcache.NewBlockCache(1_000_000, 1_000),
	))

	ticks := make(chan time.Duration)
	testClock := clock.NewTestClockWithTickSignal(testTime, ticks)

	return &engineHarness{
		t:     t,
		chain: chain,
		clock: testClock,
		ticks: ticks,
		engine: NewEngine(Config{
			Network: facade,
			Clock:   testClock,
		}),
		tx: lnmock.NewSpendTx(wire.OutPoint{
			Hash: chainhash.Hash{0x42},
		}),
	}
}

type broadcastResult struct {
	txid chainhash.Hash
	err  error
}

// start runs a broadcast in the background.
func (h *engineHarness) start() <-chan broadcastResult {
	done := make(chan broadcastResult, 1)
	go func() {
		txid, err := h.engine.Broadcast(context.Background(), h.tx)
		done <- broadcastResult{txid: txid, err: err}
	}()

	return done
}

// waitTick blocks until the engine started waiting for a reject.
func (h *engineHarness) waitTick() {
	h.t.Helper()

	select {
	case d := <-h.ticks:
		require.Equal(h.t, DefaultRejectWait, d)

	case <-time.After(5 * time.Second):
		h.t.Fatal("engine did not start waiting")
	}
}

// expire lets the current reject wait time out.
func (h *engineHarness) expire() {
	h.clock.SetTime(h.clock.Now().Add(DefaultRejectWait))
}

func (h *engineHarness) result(done <-chan broadcastResult) broadcastResult {
	h.t.Helper()

	select {
	case res := <-done:
		return res

	case <-time.After(5 * time.Second):
		h.t.Fatal("broadcast did not finish")
		return broadcastResult{}
	}
}

// TestBroadcastNoReject asserts a wait without reject is a success after a
// single submission.
func TestBroadcastNoReject(t *testing.T) {
	t.Parallel()

	h := newEngineHarness(t)
	done := h.start()

	h.waitTick()
	h.expire()

	res := h.result(done)
	require.NoError(t, res.err)
	require.Equal(t, h.tx.TxHash(), res.txid)
	require.Len(t, h.chain.Broadcasts(), 1)
	require.Zero(t, h.chain.MempoolCalls())
	require.Zero(t, h.engine.pending.Len())

	// A late reject finds nothing to resolve.
	require.False(t, h.engine.Signal(h.tx.TxHash(), ResultReject))
}

// TestBroadcastReject asserts a reject is not retried and only the mempool
// is asked afterwards.
func TestBroadcastReject(t *testing.T) {
	t.Parallel()

	h := newEngineHarness(t)
	done := h.start()

	h.waitTick()
	require.True(t, h.engine.Signal(h.tx.TxHash(), ResultReject))

	res := h.result(done)
	require.ErrorIs(t, res.err, ErrRejected)
	require.Len(t, h.chain.Broadcasts(), 1)
	require.Equal(t, 1, h.chain.MempoolCalls())
	require.Zero(t, h.engine.pending.Len())
}

// TestBroadcastRejectFoundInMempool asserts a rejected transaction that is
// in the mempool anyway counts as broadcast.
func TestBroadcastRejectFoundInMempool(t *testing.T) {
	t.Parallel()

	h := newEngineHarness(t)
	h.chain.AddMempoolTx(h.tx)
	done := h.start()

	h.waitTick()
	require.True(t, h.engine.Signal(h.tx.TxHash(), ResultReject))

	res := h.result(done)
	require.NoError(t, res.err)
	require.Equal(t, h.tx.TxHash(), res.txid)
}

// TestBroadcastRetryBound asserts a submission that always fails is made
// exactly the configured number of times, followed by one mempool check.
func TestBroadcastRetryBound(t *testing.T) {
	t.Parallel()

	h := newEngineHarness(t)
	h.chain.SetBroadcastHook(func(*wire.MsgTx) error {
		return lnmock.ErrMockBroadcast
	})

	_, err := h.engine.Broadcast(context.Background(), h.tx)
	require.ErrorIs(t, err, ErrBroadcastFailed)
	require.Len(t, h.chain.Broadcasts(), DefaultMaxAttempts)
	require.Equal(t, 1, h.chain.MempoolCalls())
}

// TestBroadcastRetryResult asserts retry signals consume attempts like
// submission failures.
func TestBroadcastRetryResult(t *testing.T) {
	t.Parallel()

	h := newEngineHarness(t)
	done := h.start()

	for i := 0; i < DefaultMaxAttempts; i++ {
		h.waitTick()
		require.True(t, h.engine.Signal(h.tx.TxHash(), ResultRetry))
	}

	res := h.result(done)
	require.ErrorIs(t, res.err, ErrBroadcastFailed)
	require.Len(t, h.chain.Broadcasts(), DefaultMaxAttempts)
	require.Equal(t, 1, h.chain.MempoolCalls())
}

// TestBroadcastRefusedOnSubmission asserts a synchronous refusal is handled
// like a reject message.
func TestBroadcastRefusedOnSubmission(t *testing.T) {
	t.Parallel()

	h := newEngineHarness(t)
	h.chain.SetBroadcastHook(func(*wire.MsgTx) error {
		return fmt.Errorf("%w: insufficient fee",
			chainaccess.ErrTxRejected)
	})

	_, err := h.engine.Broadcast(context.Background(), h.tx)
	require.ErrorIs(t, err, ErrRejected)
	require.Len(t, h.chain.Broadcasts(), 1)
	require.Equal(t, 1, h.chain.MempoolCalls())
}

// TestBroadcastInProgress asserts a second broadcast of the same
// transaction is refused while the first one waits.
func TestBroadcastInProgress(t *testing.T) {
	t.Parallel()

	h := newEngineHarness(t)
	done := h.start()
	h.waitTick()

	_, err := h.engine.Broadcast(context.Background(), h.tx)
	require.ErrorIs(t, err, ErrBroadcastInProgress)

	h.expire()
	require.NoError(t, h.result(done).err)
	require.Len(t, h.chain.Broadcasts(), 1)
}

// TestBroadcastCancelled asserts a cancelled caller ends the broadcast
// without the mempool check.
func TestBroadcastCancelled(t *testing.T) {
	t.Parallel()

	h := newEngineHarness(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := h.engine.Broadcast(ctx, h.tx)
		done <- err
	}()

	h.waitTick()
	cancel()

	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)

	case <-time.After(5 * time.Second):
		t.Fatal("broadcast did not finish")
	}
	require.Zero(t, h.chain.MempoolCalls())
}

func TestSignalUnknown(t *testing.T) {
	t.Parallel()

	h := newEngineHarness(t)
	require.False(t, h.engine.Signal(chainhash.Hash{0x01}, ResultReject))
	require.Equal(t, "reject", ResultReject.String())
}
