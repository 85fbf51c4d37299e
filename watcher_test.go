package chainwatch

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/chainwatch/broadcast"
	"github.com/lightningnetwork/chainwatch/chainaccess"
	"github.com/lightningnetwork/chainwatch/chainio"
	"github.com/lightningnetwork/chainwatch/chainreg"
	"github.com/lightningnetwork/chainwatch/chanwatch"
	"github.com/lightningnetwork/chainwatch/lnmock"
	"github.com/lightningnetwork/chainwatch/lnwire"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/lightningnetwork/lnd/ticker"
	"github.com/stretchr/testify/require"
)

const (
	testAmount  = 100_000
	testTimeout = 5 * time.Second
)

var testStartTime = time.Date(2024, time.June, 1, 0, 0, 0, 0, time.UTC)

type watcherHarness struct {
	t *testing.T

	chain       *lnmock.MockChain
	clock       *clock.TestClock
	ticks       chan time.Duration
	escalations chan error
	watcher     *Watcher
}

func newWatcherHarness(t *testing.T,
	modify ...func(cfg *WatcherConfig)) *watcherHarness {

	t.Helper()

	h := &watcherHarness{
		t:           t,
		chain:       lnmock.NewMockChain(),
		ticks:       make(chan time.Duration),
		escalations: make(chan error, 10),
	}
	h.clock = clock.NewTestClockWithTickSignal(testStartTime, h.ticks)

	cfg := DefaultWatcherConfig(func(chainreg.EventSink) (
		chainaccess.ChainSource, error) {

		return h.chain, nil
	})
	cfg.Clock = h.clock
	cfg.RefreshTicker = ticker.NewForce(time.Hour)
	cfg.OnEscalation = func(err error) {
		h.escalations <- err
	}
	for _, m := range modify {
		m(cfg)
	}

	watcher, err := NewWatcher(cfg)
	require.NoError(t, err)
	require.NoError(t, watcher.Start())
	t.Cleanup(func() {
		require.NoError(t, watcher.Stop())
	})
	h.watcher = watcher

	return h
}

// fundChannel mines a funding transaction for the seed in a new block
// followed by extra empty blocks and returns it.
func (h *watcherHarness) fundChannel(seed byte, extra int) *wire.MsgTx {
	tx := lnmock.NewFundingTx(seed, lnmock.P2WSHScript(seed), testAmount)
	h.chain.AddBlock(tx)
	h.chain.AddBlocks(extra)

	return tx
}

// channelParams returns the parameters of the channel funded by tx, mined
// at the given height.
func (h *watcherHarness) channelParams(seed byte, tx *wire.MsgTx,
	minedHeight int32, lastConfirm int32) *ChannelParams {

	var minedHash []byte
	if minedHeight > 0 {
		minedHash = hashToBytes(h.chain.HashAt(minedHeight))
	}

	return &ChannelParams{
		PeerID:      testPeerID(seed),
		FundingTxid: hashToBytes(tx.TxHash()),
		OutputIndex: 0,
		WatchScript: lnmock.P2WSHScript(seed),
		MinedHash:   minedHash,
		LastConfirm: lastConfirm,
	}
}

func (h *watcherHarness) channel(seed byte) *chanwatch.ChannelRecord {
	h.t.Helper()

	rec, err := h.watcher.Channel(testPeerID(seed))
	require.NoError(h.t, err)

	return rec
}

func testPeerID(seed byte) []byte {
	peer := make([]byte, 33)
	peer[0] = 0x02
	peer[1] = seed

	return peer
}

// TestDisplayByteOrder asserts hashes cross the watcher in display byte
// order.
func TestDisplayByteOrder(t *testing.T) {
	t.Parallel()

	h := newWatcherHarness(t)
	h.chain.AddBlocks(2)

	height, tip, err := h.watcher.GetBlockCount(context.Background())
	require.NoError(t, err)
	require.EqualValues(t, 2, height)
	require.Equal(t, h.chain.HashAt(2).String(), hex.EncodeToString(tip))

	genesis := h.watcher.GetGenesisHash()
	require.Equal(t, h.chain.GenesisHash().String(),
		hex.EncodeToString(genesis))

	hash, err := hashFromBytes(tip)
	require.NoError(t, err)
	require.Equal(t, h.chain.HashAt(2), hash)

	bestHeight, best, err := h.watcher.BestBlock(context.Background())
	require.NoError(t, err)
	require.Equal(t, height, bestHeight)
	require.Equal(t, h.chain.HashAt(2), best)
	require.Equal(t, hashToBytes(best), tip)
}

// TestInvalidIdentifiers asserts malformed peer ids, hashes and raw
// transactions are refused before any chain access.
func TestInvalidIdentifiers(t *testing.T) {
	t.Parallel()

	h := newWatcherHarness(t)
	ctx := context.Background()

	_, err := h.watcher.SetChannel(ctx, &ChannelParams{
		PeerID:      []byte{0x02},
		FundingTxid: make([]byte, 32),
	})
	require.ErrorIs(t, err, ErrInvalidPeerID)

	_, err = h.watcher.SetChannel(ctx, &ChannelParams{
		PeerID:      testPeerID(1),
		FundingTxid: make([]byte, 31),
	})
	require.ErrorIs(t, err, ErrInvalidHash)

	_, err = h.watcher.CheckUnspent(ctx, nil, []byte{0x01}, 0)
	require.ErrorIs(t, err, ErrInvalidHash)

	_, err = h.watcher.CheckBroadcast(ctx, []byte{0x02, 0x03},
		make([]byte, 32))
	require.ErrorIs(t, err, ErrInvalidPeerID)

	_, err = h.watcher.BroadcastRawTx(ctx, []byte{0xde, 0xad})
	require.ErrorIs(t, err, ErrInvalidTx)

	require.ErrorIs(t, h.watcher.SetCreationHash(nil), ErrInvalidHash)
	require.ErrorIs(t, h.watcher.DelChannel(nil), ErrInvalidPeerID)

	require.Zero(t, h.chain.TotalFetches())
}

// TestChannelLifecycle walks a channel from registration over an unspent
// check to the spend of its funding output.
func TestChannelLifecycle(t *testing.T) {
	t.Parallel()

	h := newWatcherHarness(t)
	ctx := context.Background()

	fundingTx := h.fundChannel(1, 2)
	params := h.channelParams(1, fundingTx, 1, 0)

	ok, err := h.watcher.SetChannel(ctx, params)
	require.NoError(t, err)
	require.True(t, ok)

	rec := h.channel(1)
	require.EqualValues(t, 3, rec.Confirmation)
	require.EqualValues(t, 1, rec.Coordinate.Height)
	require.Equal(t, h.chain.HashAt(1), rec.MinedBlockHash)
	require.Equal(t, chanwatch.SpentStateFail, rec.FundingState)

	fundingOp := wire.OutPoint{Hash: fundingTx.TxHash()}
	require.Equal(t, []wire.OutPoint{fundingOp}, h.chain.Watches())
	require.Equal(t, [][]byte{lnmock.P2WSHScript(1)},
		h.chain.WatchScripts())

	state, err := h.watcher.CheckUnspent(
		ctx, params.PeerID, params.FundingTxid, 0,
	)
	require.NoError(t, err)
	require.Equal(t, chanwatch.SpentStateUnspent, state)

	// While the tip does not move the answer comes from the record.
	fetches := h.chain.TotalFetches()
	state, err = h.watcher.CheckUnspent(
		ctx, params.PeerID, params.FundingTxid, 0,
	)
	require.NoError(t, err)
	require.Equal(t, chanwatch.SpentStateUnspent, state)
	require.Equal(t, fetches, h.chain.TotalFetches())

	// A spend mined on top is found by the next check.
	h.chain.AddBlock(lnmock.NewSpendTx(fundingOp))

	state, err = h.watcher.CheckUnspent(
		ctx, params.PeerID, params.FundingTxid, 0,
	)
	require.NoError(t, err)
	require.Equal(t, chanwatch.SpentStateSpent, state)

	rec = h.channel(1)
	require.Equal(t, chanwatch.SpentStateSpent, rec.FundingState)
	require.Equal(t, fn.Some(h.chain.HashAt(4)), rec.SpentBlockHash)
}

// TestSetChannelSpendWindow asserts SetChannel looks for a funding spend in
// the blocks mined since the last confirmation the caller saw.
func TestSetChannelSpendWindow(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		lastConfirm int32
		spent       bool
	}{
		{
			name:        "spend inside window",
			lastConfirm: 0,
			spent:       true,
		},
		{
			name:        "spend already seen",
			lastConfirm: 3,
			spent:       false,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			h := newWatcherHarness(t)

			fundingTx := h.fundChannel(2, 0)
			h.chain.AddBlock(lnmock.NewSpendTx(wire.OutPoint{
				Hash: fundingTx.TxHash(),
			}))
			h.chain.AddBlocks(1)

			ok, err := h.watcher.SetChannel(
				context.Background(),
				h.channelParams(2, fundingTx, 1, tc.lastConfirm),
			)
			require.NoError(t, err)
			require.True(t, ok)

			rec := h.channel(2)
			require.EqualValues(t, 3, rec.Confirmation)
			require.Equal(t, tc.spent,
				rec.FundingState == chanwatch.SpentStateSpent)
		})
	}
}

// TestSetChannelIdempotent asserts setting the same channel twice leaves the
// record unchanged.
func TestSetChannelIdempotent(t *testing.T) {
	t.Parallel()

	h := newWatcherHarness(t)
	ctx := context.Background()

	fundingTx := h.fundChannel(3, 1)
	params := h.channelParams(3, fundingTx, 1, 2)

	_, err := h.watcher.SetChannel(ctx, params)
	require.NoError(t, err)
	first := h.channel(3)

	_, err = h.watcher.SetChannel(ctx, params)
	require.NoError(t, err)
	require.Equal(t, first, h.channel(3))
}

// TestSetChannelUnknownMinedBlock asserts a mined hash the chain does not
// know registers the channel without confirmation.
func TestSetChannelUnknownMinedBlock(t *testing.T) {
	t.Parallel()

	h := newWatcherHarness(t)

	fundingTx := h.fundChannel(4, 1)
	params := h.channelParams(4, fundingTx, 0, 0)
	params.MinedHash = hashToBytes(chainhash.Hash{0x99})

	ok, err := h.watcher.SetChannel(context.Background(), params)
	require.NoError(t, err)
	require.True(t, ok)

	rec := h.channel(4)
	require.EqualValues(t, -1, rec.Confirmation)
	require.EqualValues(t, -1, rec.Coordinate.Height)
}

// TestTxConfirmationOutputCheck asserts a funding output paying the wrong
// amount yields no confirmation.
func TestTxConfirmationOutputCheck(t *testing.T) {
	t.Parallel()

	h := newWatcherHarness(t)
	ctx := context.Background()

	fundingTx := h.fundChannel(5, 2)
	txid := hashToBytes(fundingTx.TxHash())
	script := lnmock.P2WSHScript(5)

	conf, err := h.watcher.GetTxConfirmation(
		ctx, txid, 0, script, testAmount+1,
	)
	require.NoError(t, err)
	require.Zero(t, conf)

	conf, err = h.watcher.GetTxConfirmation(
		ctx, txid, 0, script, testAmount,
	)
	require.NoError(t, err)
	require.EqualValues(t, 3, conf)

	conf, err = h.watcher.GetTxConfirmation(ctx, txid, -1, nil, 0)
	require.NoError(t, err)
	require.EqualValues(t, 3, conf)

	// Below the creation block nothing is found.
	require.NoError(t, h.watcher.SetCreationHash(
		hashToBytes(h.chain.HashAt(2)),
	))
	conf, err = h.watcher.GetTxConfirmation(ctx, txid, -1, nil, 0)
	require.NoError(t, err)
	require.Zero(t, conf)
}

// TestShortChannelParam asserts a registered channel is located on chain and
// its short channel id resolves back to the funding transaction.
func TestShortChannelParam(t *testing.T) {
	t.Parallel()

	h := newWatcherHarness(t)
	ctx := context.Background()

	fundingTx := h.fundChannel(6, 5)
	params := h.channelParams(6, fundingTx, 1, 0)

	_, err := h.watcher.SetChannel(ctx, params)
	require.NoError(t, err)

	param, err := h.watcher.GetShortChannelParam(ctx, params.PeerID)
	require.NoError(t, err)
	require.True(t, param.IsSome())

	p := param.UnsafeFromSome()
	require.EqualValues(t, 1, p.Height)
	require.EqualValues(t, 1, p.BlockIndex)
	require.EqualValues(t, 0, p.OutputIndex)
	require.Equal(t, params.MinedHash, p.MinedHash)

	scid, err := lnwire.NewShortChanID(
		p.Height, p.BlockIndex, p.OutputIndex,
	)
	require.NoError(t, err)

	txid, err := h.watcher.GetTxidFromShortChannelID(ctx, scid.ToUint64())
	require.NoError(t, err)
	require.Equal(t, fn.Some(params.FundingTxid), txid)

	// An unknown peer has no parameters.
	param, err = h.watcher.GetShortChannelParam(ctx, testPeerID(0x77))
	require.NoError(t, err)
	require.True(t, param.IsNone())
}

// TestSearches asserts outpoint and output script searches return the raw
// matching transactions.
func TestSearches(t *testing.T) {
	t.Parallel()

	h := newWatcherHarness(t)
	ctx := context.Background()

	fundingTx := h.fundChannel(7, 0)
	op := wire.OutPoint{Hash: fundingTx.TxHash()}
	spendTx := lnmock.NewSpendTx(op)
	h.chain.AddBlock(spendTx)
	h.chain.AddBlocks(1)

	spend, err := h.watcher.SearchOutpoint(
		ctx, 3, hashToBytes(op.Hash), op.Index,
	)
	require.NoError(t, err)
	require.True(t, spend.IsSome())
	require.EqualValues(t, 2, spend.UnsafeFromSome().Height)

	rawSpend, err := serializeTx(spendTx)
	require.NoError(t, err)
	require.Equal(t, rawSpend, spend.UnsafeFromSome().RawTx)

	// The spend lies outside a window of one block.
	spend, err = h.watcher.SearchOutpoint(
		ctx, 1, hashToBytes(op.Hash), op.Index,
	)
	require.NoError(t, err)
	require.True(t, spend.IsNone())

	rawTxs, err := h.watcher.SearchByOutputScripts(
		ctx, 3, [][]byte{lnmock.P2WSHScript(7)},
	)
	require.NoError(t, err)

	rawFunding, err := serializeTx(fundingTx)
	require.NoError(t, err)
	require.Equal(t, [][]byte{rawFunding}, rawTxs)
}

// TestCommitTracking asserts a commitment transaction reported by the
// backend marks its slot, which then answers broadcast checks.
func TestCommitTracking(t *testing.T) {
	t.Parallel()

	h := newWatcherHarness(t)
	ctx := context.Background()

	fundingTx := h.fundChannel(8, 0)
	params := h.channelParams(8, fundingTx, 1, 0)
	_, err := h.watcher.SetChannel(ctx, params)
	require.NoError(t, err)

	commitTx := lnmock.NewSpendTx(wire.OutPoint{Hash: chainhash.Hash{0x08}})
	commitTxid := hashToBytes(commitTx.TxHash())

	err = h.watcher.SetCommitTxid(
		params.PeerID, chanwatch.CommitSide(9), 1, commitTxid,
	)
	require.Error(t, err)

	err = h.watcher.SetCommitTxid(
		params.PeerID, chanwatch.CommitRemote, 12, commitTxid,
	)
	require.NoError(t, err)

	slot := h.channel(8).Commits[chanwatch.CommitRemote]
	require.EqualValues(t, 12, slot.CommitNumber)
	require.Equal(t, chanwatch.SpentStateFail, slot.State)

	require.NoError(t, h.watcher.Notify(chainio.NewTxEvent(
		chainio.EventTxSent, commitTx, fn.None[chainhash.Hash](),
	)))
	require.Eventually(t, func() bool {
		slot := h.channel(8).Commits[chanwatch.CommitRemote]
		return slot.State == chanwatch.SpentStateSpent
	}, testTimeout, 10*time.Millisecond)

	known, err := h.watcher.CheckBroadcast(ctx, params.PeerID, commitTxid)
	require.NoError(t, err)
	require.True(t, known)
	require.Zero(t, h.chain.MempoolCalls())

	// An unknown peer's commit slot can not be set.
	err = h.watcher.SetCommitTxid(
		testPeerID(0x55), chanwatch.CommitLocal, 1, commitTxid,
	)
	require.ErrorIs(t, err, chanwatch.ErrChannelNotFound)
}

// TestDelChannel asserts a deleted channel is gone and deleting twice is
// harmless.
func TestDelChannel(t *testing.T) {
	t.Parallel()

	h := newWatcherHarness(t)

	fundingTx := h.fundChannel(9, 0)
	params := h.channelParams(9, fundingTx, 1, 0)
	_, err := h.watcher.SetChannel(context.Background(), params)
	require.NoError(t, err)

	require.NoError(t, h.watcher.DelChannel(params.PeerID))
	require.NoError(t, h.watcher.DelChannel(params.PeerID))

	_, err = h.watcher.Channel(params.PeerID)
	require.ErrorIs(t, err, chanwatch.ErrChannelNotFound)
}

// TestFundingSpendNotification asserts a spend reported by the backend
// marks the funding output spent without a scan.
func TestFundingSpendNotification(t *testing.T) {
	t.Parallel()

	h := newWatcherHarness(t)
	ctx := context.Background()

	fundingTx := h.fundChannel(10, 0)
	params := h.channelParams(10, fundingTx, 1, 1)
	_, err := h.watcher.SetChannel(ctx, params)
	require.NoError(t, err)

	spendTx := lnmock.NewSpendTx(wire.OutPoint{Hash: fundingTx.TxHash()})
	require.NoError(t, h.watcher.Notify(chainio.NewTxEvent(
		chainio.EventTxSent, spendTx, fn.None[chainhash.Hash](),
	)))

	require.Eventually(t, func() bool {
		return h.channel(10).FundingState == chanwatch.SpentStateSpent
	}, testTimeout, 10*time.Millisecond)

	fetches := h.chain.TotalFetches()
	state, err := h.watcher.CheckUnspent(
		ctx, nil, params.FundingTxid, params.OutputIndex,
	)
	require.NoError(t, err)
	require.Equal(t, chanwatch.SpentStateSpent, state)
	require.Equal(t, fetches, h.chain.TotalFetches())
}

// TestBroadcastRawTx asserts a submission refused right away still counts
// as broadcast once the transaction is in the mempool.
func TestBroadcastRawTx(t *testing.T) {
	t.Parallel()

	h := newWatcherHarness(t)

	tx := lnmock.NewSpendTx(wire.OutPoint{Hash: chainhash.Hash{0x0b}})
	rawTx, err := serializeTx(tx)
	require.NoError(t, err)

	h.chain.SetBroadcastHook(func(*wire.MsgTx) error {
		return fmt.Errorf("%w: already have transaction",
			chainaccess.ErrTxRejected)
	})
	h.chain.AddMempoolTx(tx)

	txid, err := h.watcher.BroadcastRawTx(context.Background(), rawTx)
	require.NoError(t, err)
	require.Equal(t, hashToBytes(tx.TxHash()), txid)
	require.Len(t, h.chain.Broadcasts(), 1)
}

// TestBroadcastRejectEvent asserts a reject message delivered by the
// backend fails the broadcast waiting for it.
func TestBroadcastRejectEvent(t *testing.T) {
	t.Parallel()

	h := newWatcherHarness(t)

	tx := lnmock.NewSpendTx(wire.OutPoint{Hash: chainhash.Hash{0x0c}})
	rawTx, err := serializeTx(tx)
	require.NoError(t, err)

	errChan := make(chan error, 1)
	go func() {
		_, err := h.watcher.BroadcastRawTx(context.Background(), rawTx)
		errChan <- err
	}()

	select {
	case <-h.ticks:
	case <-time.After(testTimeout):
		t.Fatal("broadcast did not start waiting")
	}

	require.NoError(t, h.watcher.Notify(
		chainio.NewRejectEvent(tx.TxHash(), "insufficient fee"),
	))

	select {
	case err := <-errChan:
		require.ErrorIs(t, err, broadcast.ErrRejected)
	case <-time.After(testTimeout):
		t.Fatal("broadcast did not finish")
	}
}

// TestRejectDuringSlowFetch asserts a reject is delivered to the waiting
// broadcast while a block refresh is stuck on a slow download.
func TestRejectDuringSlowFetch(t *testing.T) {
	t.Parallel()

	h := newWatcherHarness(t)
	ctx := context.Background()

	fundingTx := h.fundChannel(12, 1)
	params := h.channelParams(12, fundingTx, 0, 0)
	ok, err := h.watcher.SetChannel(ctx, params)
	require.NoError(t, err)
	require.True(t, ok)

	gate := make(chan struct{})
	fetching := make(chan struct{}, 1)
	h.chain.SetFetchHook(func(chainhash.Hash) error {
		select {
		case fetching <- struct{}{}:
		default:
		}
		<-gate

		return nil
	})
	t.Cleanup(func() { close(gate) })

	h.chain.AddBlocks(1)
	require.NoError(t, h.watcher.Notify(
		chainio.NewBlockEvent(3, h.chain.HashAt(3)),
	))

	select {
	case <-fetching:
	case <-time.After(testTimeout):
		t.Fatal("block refresh did not fetch")
	}

	tx := lnmock.NewSpendTx(wire.OutPoint{Hash: chainhash.Hash{0x0d}})
	rawTx, err := serializeTx(tx)
	require.NoError(t, err)

	errChan := make(chan error, 1)
	go func() {
		_, err := h.watcher.BroadcastRawTx(ctx, rawTx)
		errChan <- err
	}()

	select {
	case <-h.ticks:
	case <-time.After(testTimeout):
		t.Fatal("broadcast did not start waiting")
	}

	require.NoError(t, h.watcher.Notify(
		chainio.NewRejectEvent(tx.TxHash(), "mempool min fee not met"),
	))

	select {
	case err := <-errChan:
		require.ErrorIs(t, err, broadcast.ErrRejected)
	case <-time.After(testTimeout):
		t.Fatal("reject not delivered during a slow fetch")
	}
}

// TestEscalation asserts exhausted failure budgets reach the caller of a
// query and the escalation handler of background work.
func TestEscalation(t *testing.T) {
	t.Parallel()

	h := newWatcherHarness(t, func(cfg *WatcherConfig) {
		cfg.Fetch.DownloadFailureLimit = 0
		cfg.Fetch.PeerFailureLimit = 0
	})
	ctx := context.Background()

	fundingTx := h.fundChannel(11, 1)
	params := h.channelParams(11, fundingTx, 0, 0)

	// Without a mined block no block is fetched.
	ok, err := h.watcher.SetChannel(ctx, params)
	require.NoError(t, err)
	require.True(t, ok)

	errFetch := errors.New("peer went away")
	h.chain.SetFetchHook(func(chainhash.Hash) error {
		return errFetch
	})

	_, err = h.watcher.GetTxConfirmation(
		ctx, params.FundingTxid, -1, nil, 0,
	)
	require.ErrorIs(t, err, chainaccess.ErrChainUnavailable)

	h.chain.AddBlocks(1)
	require.NoError(t, h.watcher.Notify(
		chainio.NewBlockEvent(3, h.chain.HashAt(3)),
	))

	select {
	case err := <-h.escalations:
		require.ErrorIs(t, err, chainaccess.ErrChainUnavailable)
	case <-time.After(testTimeout):
		t.Fatal("escalation not reported")
	}

	// Losing every peer escalates once the budget is gone.
	h.chain.SetPeers(0)
	ok, err = h.watcher.SetChannel(ctx, params)
	require.ErrorIs(t, err, chainaccess.ErrTooManyPeerFailures)
	require.False(t, ok)
}
