package chainscan

import (
	"context"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btclog/v2"
	"github.com/lightningnetwork/chainwatch/chanwatch"
	"github.com/lightningnetwork/chainwatch/lnutils"
	"github.com/lightningnetwork/lnd/fn/v2"
)

// cachedState returns what the record already knows about op. An unspent
// funding output is only trusted while the tip has not moved since it was
// determined.
func cachedState(rec *chanwatch.ChannelRecord, op wire.OutPoint,
	tip fn.Option[chainhash.Hash]) chanwatch.SpentState {

	if rec.FundingOutpoint == op {
		switch rec.FundingState {
		case chanwatch.SpentStateSpent:
			return chanwatch.SpentStateSpent

		case chanwatch.SpentStateUnspent:
			fresh := fn.MapOptionZ(tip, func(h chainhash.Hash) bool {
				return h == rec.ScanTop
			})
			if fresh {
				return chanwatch.SpentStateUnspent
			}
		}

		return chanwatch.SpentStateFail
	}

	return fn.MapOptionZ(rec.CommitByTxid(op.Hash),
		func(side chanwatch.CommitSide) chanwatch.SpentState {
			return rec.Commits[side].State
		},
	)
}

// spends returns true if any input of any transaction of the block spends
// op.
func spends(block *wire.MsgBlock, op wire.OutPoint) bool {
	for _, tx := range block.Transactions {
		for _, txIn := range tx.TxIn {
			if txIn.PreviousOutPoint == op {
				return true
			}
		}
	}

	return false
}

// CheckUnspent determines whether op is spent. Known channel state answers
// first: the given peer's record, then every registered channel. Otherwise
// the chain is scanned. A scan for a channel's funding output resumes from
// where an earlier interrupted scan stopped and persists its result on the
// channel.
func (s *Scanner) CheckUnspent(ctx context.Context,
	peer fn.Option[chanwatch.PeerID],
	op wire.OutPoint) (chanwatch.SpentState, error) {

	ctx = btclog.WithCtx(ctx, lnutils.LogOutPoint("outpoint", op))

	tipHeight, tipHash, haveTip, err := s.tip(ctx)
	if err != nil {
		return chanwatch.SpentStateFail, err
	}

	tip := fn.None[chainhash.Hash]()
	if haveTip {
		tip = fn.Some(tipHash)
	}

	if peer.IsSome() {
		rec, err := s.cfg.Registry.Fetch(peer.UnsafeFromSome())
		if err != nil {
			log.DebugS(ctx, "Unspent check for unknown peer",
				lnutils.LogPeer("peer", peer.UnsafeFromSome()))

			return chanwatch.SpentStateFail, nil
		}

		if state := cachedState(rec, op, tip); state !=
			chanwatch.SpentStateFail {

			return state, nil
		}
	}

	for _, rec := range s.cfg.Registry.Channels() {
		state := cachedState(rec, op, tip)
		if state != chanwatch.SpentStateFail {
			log.TraceS(ctx, "Unspent state from channel record",
				lnutils.LogPeer("peer", rec.PeerID))

			return state, nil
		}
	}

	if !haveTip {
		return chanwatch.SpentStateFail, nil
	}

	owner := s.cfg.Registry.FindByFunding(op)
	if owner.IsNone() {
		return s.scanUnbound(ctx, tipHeight, tipHash, op)
	}

	return s.scanChannel(ctx, owner.UnsafeFromSome(), tipHeight, tipHash)
}

// scanUnbound walks from the tip down to the scan boundary looking for a
// spend of op.
func (s *Scanner) scanUnbound(ctx context.Context, tipHeight int32,
	tipHash chainhash.Hash, op wire.OutPoint) (chanwatch.SpentState,
	error) {

	state := chanwatch.SpentStateUnspent
	err := s.walkBack(ctx, tipHeight, tipHash, -1,
		func(_ chainhash.Hash, _ int32, block *wire.MsgBlock) bool {
			if spends(block, op) {
				state = chanwatch.SpentStateSpent
				return true
			}

			return false
		},
	)
	if err != nil {
		return chanwatch.SpentStateFail, scanErr(err)
	}

	log.DebugS(ctx, "Unbound unspent scan done",
		btclog.Fmt("state", "%v", state))

	return state, nil
}

// scanChannel scans for a spend of the channel's funding output. Blocks
// between the tip and the top of the last scan are checked first. If an
// earlier scan was interrupted the walk then continues at its checkpoint,
// otherwise the rest of the chain was already found clean.
func (s *Scanner) scanChannel(ctx context.Context,
	rec *chanwatch.ChannelRecord, tipHeight int32,
	tipHash chainhash.Hash) (chanwatch.SpentState, error) {

	op := rec.FundingOutpoint
	ctx = btclog.WithCtx(ctx, lnutils.LogPeer("peer", rec.PeerID))

	verifiedTop, verifiedHeight := rec.ScanTop, rec.ScanTopHeight
	rec.Checkpoint.WhenSome(func(cp chanwatch.ScanCheckpoint) {
		verifiedTop, verifiedHeight = cp.Top, cp.TopHeight
	})

	// A published channel was checked when its depth was last derived,
	// only the blocks since then need a look.
	maxDepth := int32(-1)
	if rec.Published() {
		lastTip := rec.Coordinate.Height + rec.Confirmation - 1
		maxDepth = max(
			tipHeight-lastTip+s.cfg.UnspentDepthOffset, 1,
		)
	}

	var (
		hash, height = tipHash, tipHeight

		// Only a walk whose every block above the current one was
		// checked in this run or a resumed one may leave a
		// checkpoint.
		canCheckpoint = verifiedTop == (chainhash.Hash{})
		resumed       bool
	)
	for {
		if !resumed && verifiedTop != (chainhash.Hash{}) &&
			hash == verifiedTop {

			if rec.Checkpoint.IsNone() {
				return s.markUnspent(
					ctx, rec.PeerID, tipHash, tipHeight,
				)
			}

			cp := rec.Checkpoint.UnsafeFromSome()
			log.DebugS(ctx, "Resuming unspent scan",
				lnutils.LogHash("checkpoint", cp.Hash),
				slogHeight(cp.Height))

			hash, height = cp.Hash, cp.Height
			resumed, canCheckpoint = true, true

			continue
		}

		// Reaching the height of the previous top without meeting it
		// means a reorg took it off the chain. Everything above was
		// checked in this run, the walk goes on as a fresh one.
		if !resumed && verifiedTop != (chainhash.Hash{}) &&
			height <= verifiedHeight {

			log.InfoS(ctx, "Previous unspent scan top orphaned",
				lnutils.LogHash("top", verifiedTop),
				slogHeight(verifiedHeight))

			verifiedTop, canCheckpoint = chainhash.Hash{}, true
			s.updateChannel(rec.PeerID, func(r *chanwatch.ChannelRecord) {
				r.DropScanTop()
			})
		}

		if maxDepth >= 0 && tipHeight-height >= maxDepth {
			return s.markUnspent(ctx, rec.PeerID, tipHash, tipHeight)
		}

		block, err := s.cfg.Chain.FetchBlock(ctx, hash)
		if err != nil {
			if canCheckpoint {
				s.saveCheckpoint(ctx, rec.PeerID,
					chanwatch.ScanCheckpoint{
						Hash:      hash,
						Height:    height,
						Top:       tipHash,
						TopHeight: tipHeight,
					},
				)
			}
			log.WarnS(ctx, "Unspent scan interrupted", err,
				lnutils.LogHash("block", hash),
				slogHeight(height))

			return chanwatch.SpentStateFail, scanErr(err)
		}

		if spends(block, op) {
			log.InfoS(ctx, "Funding output spent",
				lnutils.LogHash("block", hash),
				slogHeight(height))

			s.updateChannel(rec.PeerID, func(r *chanwatch.ChannelRecord) {
				r.SetFundingSpent(fn.Some(hash))
			})

			return chanwatch.SpentStateSpent, nil
		}

		if hash == rec.MinedBlockHash || s.atBoundary(hash, block) {
			return s.markUnspent(ctx, rec.PeerID, tipHash, tipHeight)
		}

		hash, height = block.Header.PrevBlock, height-1
	}
}

// markUnspent records a completed clean scan from tip.
func (s *Scanner) markUnspent(ctx context.Context, peer chanwatch.PeerID,
	tip chainhash.Hash, tipHeight int32) (chanwatch.SpentState, error) {

	log.DebugS(ctx, "Funding output unspent", lnutils.LogHash("tip", tip))

	s.updateChannel(peer, func(r *chanwatch.ChannelRecord) {
		r.SetFundingUnspent(tip, tipHeight)
	})

	return chanwatch.SpentStateUnspent, nil
}

// saveCheckpoint persists where an interrupted scan resumes.
func (s *Scanner) saveCheckpoint(ctx context.Context, peer chanwatch.PeerID,
	cp chanwatch.ScanCheckpoint) {

	log.DebugS(ctx, "Saving unspent scan checkpoint",
		lnutils.LogHash("checkpoint", cp.Hash), slogHeight(cp.Height))

	s.updateChannel(peer, func(r *chanwatch.ChannelRecord) {
		r.Checkpoint = fn.Some(cp)
	})
}
