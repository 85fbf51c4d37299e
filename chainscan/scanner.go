package chainscan

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sync/atomic"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btclog/v2"
	"github.com/lightningnetwork/chainwatch/chainaccess"
	"github.com/lightningnetwork/chainwatch/chanwatch"
	"github.com/lightningnetwork/chainwatch/lnutils"
	"github.com/lightningnetwork/chainwatch/lnwire"
	"github.com/lightningnetwork/lnd/fn/v2"
)

const (
	// FundingScriptLen is the length of a P2WSH funding output script.
	FundingScriptLen = 34

	// DefaultUnspentDepthOffset is added to the depth bound of an unspent
	// scan of a published channel to tolerate a recomputed height.
	DefaultUnspentDepthOffset = 5

	// NoOutputIndex asks TxConfirmation not to validate any output.
	NoOutputIndex = -1
)

// ChainView is the part of the chain access facade the scanner walks the
// chain with.
type ChainView interface {
	// CurrentHeight returns the height and hash of the chain tip.
	CurrentHeight(ctx context.Context) (int32, chainhash.Hash, error)

	// GenesisHash returns the hash of the first block.
	GenesisHash() chainhash.Hash

	// FetchBlock returns the block with the given hash.
	FetchBlock(ctx context.Context, hash chainhash.Hash) (*wire.MsgBlock,
		error)

	// CachedTx returns a transaction already seen in a fetched block.
	CachedTx(txid chainhash.Hash) (*wire.MsgTx, bool)
}

// Config holds the scanner's dependencies.
type Config struct {
	// Chain is used for every block access.
	Chain ChainView

	// Registry holds the channels whose records the scans update.
	Registry *chanwatch.Registry

	// UnspentDepthOffset widens the depth bound of a published channel's
	// unspent scan.
	UnspentDepthOffset int32
}

// OutpointSpend is a transaction found spending a searched outpoint.
type OutpointSpend struct {
	Tx        *wire.MsgTx
	Height    int32
	BlockHash chainhash.Hash
}

// ShortChannelParam locates a published channel's funding output.
type ShortChannelParam struct {
	chanwatch.Coordinate

	MinedHash chainhash.Hash
}

// Scanner answers confirmation, spend and broadcast queries by walking the
// chain backwards from the tip.
type Scanner struct {
	cfg Config

	creationHash atomic.Pointer[chainhash.Hash]
}

// New creates a scanner.
func New(cfg Config) *Scanner {
	if cfg.UnspentDepthOffset == 0 {
		cfg.UnspentDepthOffset = DefaultUnspentDepthOffset
	}

	return &Scanner{cfg: cfg}
}

// SetCreationHash sets the oldest block a walk ever visits.
func (s *Scanner) SetCreationHash(hash chainhash.Hash) {
	log.Infof("Scan boundary set to block %v", hash)

	s.creationHash.Store(&hash)
}

// CreationHash returns the scan boundary, the zero hash if none is set.
func (s *Scanner) CreationHash() chainhash.Hash {
	hash := s.creationHash.Load()
	if hash == nil {
		return chainhash.Hash{}
	}

	return *hash
}

// atBoundary returns true if no walk goes past the given block.
func (s *Scanner) atBoundary(hash chainhash.Hash,
	block *wire.MsgBlock) bool {

	creation := s.CreationHash()
	if creation != (chainhash.Hash{}) && hash == creation {
		return true
	}

	return block.Header.PrevBlock == (chainhash.Hash{})
}

// slogHeight returns a log attribute for a block height.
func slogHeight(height int32) slog.Attr {
	return slog.Int("height", int(height))
}

// slogConf returns a log attribute for a confirmation depth.
func slogConf(conf int32) slog.Attr {
	return slog.Int("conf", int(conf))
}

// scanErr decides what a failed fetch means for a query: escalations and a
// cancelled caller are returned, anything else ends the walk with an
// ordinary negative answer.
func scanErr(err error) error {
	if chainaccess.IsEscalation(err) || errors.Is(err, context.Canceled) {
		return err
	}

	return nil
}

// blockVisitor inspects a block during a walk and reports whether the walk
// is done.
type blockVisitor func(hash chainhash.Hash, height int32,
	block *wire.MsgBlock) bool

// walkBack visits up to maxBlocks blocks, all if maxBlocks is negative,
// starting at the tip and stopping after the boundary block. The returned
// error is the failed fetch, if any.
func (s *Scanner) walkBack(ctx context.Context, tipHeight int32,
	tipHash chainhash.Hash, maxBlocks int32, visit blockVisitor) error {

	hash, height := tipHash, tipHeight
	for i := int32(0); maxBlocks < 0 || i < maxBlocks; i++ {
		block, err := s.cfg.Chain.FetchBlock(ctx, hash)
		if err != nil {
			log.WarnS(ctx, "Walk stopped at unavailable block", err,
				lnutils.LogHash("block", hash),
				slogHeight(height))

			return err
		}

		if visit(hash, height, block) || s.atBoundary(hash, block) {
			return nil
		}

		hash, height = block.Header.PrevBlock, height-1
	}

	return nil
}

// tip returns the chain tip. Failures other than escalations are logged and
// reported as no tip.
func (s *Scanner) tip(ctx context.Context) (int32, chainhash.Hash, bool,
	error) {

	height, hash, err := s.cfg.Chain.CurrentHeight(ctx)
	if err != nil {
		log.WarnS(ctx, "Unable to get chain tip", err)

		return 0, chainhash.Hash{}, false, scanErr(err)
	}

	return height, hash, true, nil
}

// channelFor returns the record of the channel funded by txid, preferring
// the given peer.
func (s *Scanner) channelFor(peer fn.Option[chanwatch.PeerID],
	txid chainhash.Hash) fn.Option[*chanwatch.ChannelRecord] {

	fundedBy := func(rec *chanwatch.ChannelRecord) bool {
		return rec.FundingOutpoint.Hash == txid
	}

	if peer.IsSome() {
		rec, err := s.cfg.Registry.Fetch(peer.UnsafeFromSome())
		if err != nil || !fundedBy(rec) {
			return fn.None[*chanwatch.ChannelRecord]()
		}

		return fn.Some(rec)
	}

	for _, rec := range s.cfg.Registry.Channels() {
		if fundedBy(rec) {
			return fn.Some(rec)
		}
	}

	return fn.None[*chanwatch.ChannelRecord]()
}

// validOutput checks the output of a funding transaction against the
// expected script and amount.
func validOutput(tx *wire.MsgTx, outputIndex int32, script []byte,
	amount int64) bool {

	if outputIndex < 0 || int(outputIndex) >= len(tx.TxOut) {
		return false
	}
	out := tx.TxOut[outputIndex]

	return out.Value == amount && len(script) == FundingScriptLen &&
		bytes.Equal(out.PkScript, script)
}

// TxConfirmation returns the confirmation depth of txid, 0 if the
// transaction was not found or its output did not match. When outputIndex is
// not NoOutputIndex the output must pay amount to script. If the transaction
// funds a registered channel, the channel's mined block and confirmation are
// updated.
func (s *Scanner) TxConfirmation(ctx context.Context,
	peer fn.Option[chanwatch.PeerID], txid chainhash.Hash, outputIndex int32,
	script []byte, amount int64) (int32, error) {

	ctx = btclog.WithCtx(ctx, lnutils.LogHash("txid", txid))

	tipHeight, tipHash, ok, err := s.tip(ctx)
	if !ok {
		return 0, err
	}

	channel := s.channelFor(peer, txid)

	// A published channel's depth follows from its height.
	published := fn.MapOptionZ(channel, (*chanwatch.ChannelRecord).Published)
	if published {
		rec := channel.UnsafeFromSome()
		conf := tipHeight - rec.Coordinate.Height + 1
		s.updateChannel(rec.PeerID, func(r *chanwatch.ChannelRecord) {
			r.SetConfirmation(conf)
		})

		log.TraceS(ctx, "Confirmation from coordinate",
			slogConf(conf))

		return conf, nil
	}

	var (
		conf    int32
		depth   int32
		stopped bool
	)
	err = s.walkBack(ctx, tipHeight, tipHash, -1,
		func(hash chainhash.Hash, height int32,
			block *wire.MsgBlock) bool {

			defer func() { depth++ }()

			for idx, tx := range block.Transactions {
				if tx.TxHash() != txid {
					continue
				}

				if outputIndex != NoOutputIndex &&
					!validOutput(tx, outputIndex, script, amount) {

					log.WarnS(ctx, "Funding output mismatch",
						nil, slogHeight(height))

					stopped = true
					return true
				}

				conf = depth + 1
				channel.WhenSome(func(rec *chanwatch.ChannelRecord) {
					s.updateChannel(rec.PeerID,
						func(r *chanwatch.ChannelRecord) {
							r.SetMinedBlock(
								hash, height,
								int32(idx),
							)
							r.ResetConfirmation(conf)
						},
					)
				})

				return true
			}

			// Below the channel's mined block there is nothing
			// left to find.
			minedHere := fn.MapOptionZ(channel,
				func(rec *chanwatch.ChannelRecord) bool {
					return rec.MinedBlockHash == hash
				},
			)
			if minedHere {
				stopped = true
			}

			return minedHere
		},
	)
	if err != nil {
		return 0, scanErr(err)
	}

	if conf == 0 && !stopped {
		log.DebugS(ctx, "Transaction not found down to scan boundary")
	}

	return conf, nil
}

// SearchOutpoint looks for a transaction whose first input spends op in the
// last depth blocks.
func (s *Scanner) SearchOutpoint(ctx context.Context, depth int32,
	op wire.OutPoint) (fn.Option[OutpointSpend], error) {

	none := fn.None[OutpointSpend]()
	if depth <= 0 {
		return none, nil
	}

	tipHeight, tipHash, ok, err := s.tip(ctx)
	if !ok {
		return none, err
	}

	result := none
	err = s.walkBack(ctx, tipHeight, tipHash, depth,
		func(hash chainhash.Hash, height int32,
			block *wire.MsgBlock) bool {

			for _, tx := range block.Transactions {
				if len(tx.TxIn) == 0 ||
					tx.TxIn[0].PreviousOutPoint != op {

					continue
				}

				result = fn.Some(OutpointSpend{
					Tx:        tx,
					Height:    height,
					BlockHash: hash,
				})

				return true
			}

			return false
		},
	)
	if err != nil {
		return none, scanErr(err)
	}

	log.DebugS(ctx, "Outpoint search done", lnutils.LogOutPoint("op", op),
		btclog.Fmt("found", "%v", result.IsSome()))

	return result, nil
}

// SearchByOutputScripts returns the transactions of the last depth blocks
// whose first output pays to one of the scripts.
func (s *Scanner) SearchByOutputScripts(ctx context.Context, depth int32,
	scripts [][]byte) ([]*wire.MsgTx, error) {

	if depth <= 0 || len(scripts) == 0 {
		return nil, nil
	}

	tipHeight, tipHash, ok, err := s.tip(ctx)
	if !ok {
		return nil, err
	}

	var txs []*wire.MsgTx
	err = s.walkBack(ctx, tipHeight, tipHash, depth,
		func(_ chainhash.Hash, _ int32, block *wire.MsgBlock) bool {
			for _, tx := range block.Transactions {
				if len(tx.TxOut) == 0 {
					continue
				}

				pkScript := tx.TxOut[0].PkScript
				for _, script := range scripts {
					if bytes.Equal(pkScript, script) {
						txs = append(txs, tx)
						break
					}
				}
			}

			return false
		},
	)

	// Whatever was found before a failed fetch is still returned.
	if err != nil {
		if err := scanErr(err); err != nil {
			return nil, err
		}
	}

	return txs, nil
}

// CheckBroadcast returns true if the transaction is known to be on chain or
// in the network.
func (s *Scanner) CheckBroadcast(ctx context.Context,
	peer fn.Option[chanwatch.PeerID], txid chainhash.Hash) (bool, error) {

	ctx = btclog.WithCtx(ctx, lnutils.LogHash("txid", txid))

	var known bool
	peer.WhenSome(func(p chanwatch.PeerID) {
		rec, err := s.cfg.Registry.Fetch(p)
		if err != nil {
			return
		}

		if rec.FundingOutpoint.Hash == txid && rec.Confirmation > 0 {
			known = true
			return
		}

		rec.CommitByTxid(txid).WhenSome(func(side chanwatch.CommitSide) {
			known = rec.Commits[side].State ==
				chanwatch.SpentStateSpent
		})
	})
	if known {
		log.DebugS(ctx, "Broadcast known from channel record")
		return true, nil
	}

	if _, ok := s.cfg.Chain.CachedTx(txid); ok {
		log.DebugS(ctx, "Broadcast known from tx cache")
		return true, nil
	}

	tipHeight, tipHash, ok, err := s.tip(ctx)
	if !ok {
		return false, err
	}

	err = s.walkBack(ctx, tipHeight, tipHash, -1,
		func(_ chainhash.Hash, _ int32, block *wire.MsgBlock) bool {
			for _, tx := range block.Transactions {
				if tx.TxHash() == txid {
					known = true
					return true
				}
			}

			return false
		},
	)
	if err != nil {
		return false, scanErr(err)
	}

	log.DebugS(ctx, "Broadcast check done",
		btclog.Fmt("found", "%v", known))

	return known, nil
}

// ShortChannelParam returns the on-chain location of the peer's funding
// output once the channel is published. An unpublished channel is located
// by a confirmation scan first.
func (s *Scanner) ShortChannelParam(ctx context.Context,
	peer chanwatch.PeerID) (fn.Option[ShortChannelParam], error) {

	none := fn.None[ShortChannelParam]()

	rec, err := s.cfg.Registry.Fetch(peer)
	if err != nil {
		return none, nil
	}

	if !rec.Published() && rec.FundingOutpoint != (wire.OutPoint{}) {
		_, err := s.TxConfirmation(
			ctx, fn.Some(peer), rec.FundingOutpoint.Hash,
			NoOutputIndex, nil, 0,
		)
		if err != nil {
			return none, err
		}

		rec, err = s.cfg.Registry.Fetch(peer)
		if err != nil {
			return none, nil
		}
	}

	if !rec.Published() {
		log.DebugS(ctx, "Channel not published yet",
			lnutils.LogPeer("peer", peer))

		return none, nil
	}

	return fn.Some(ShortChannelParam{
		Coordinate: rec.Coordinate,
		MinedHash:  rec.MinedBlockHash,
	}), nil
}

// TxidFromShortChannelID returns the txid of the transaction the short
// channel id points at.
func (s *Scanner) TxidFromShortChannelID(ctx context.Context,
	scid lnwire.ShortChannelID) (fn.Option[chainhash.Hash], error) {

	none := fn.None[chainhash.Hash]()

	tipHeight, tipHash, ok, err := s.tip(ctx)
	if !ok {
		return none, err
	}

	blocks := tipHeight - int32(scid.BlockHeight) + 1
	if blocks <= 0 {
		return none, nil
	}

	result := none
	err = s.walkBack(ctx, tipHeight, tipHash, blocks,
		func(_ chainhash.Hash, height int32,
			block *wire.MsgBlock) bool {

			if height != int32(scid.BlockHeight) {
				return false
			}

			if int(scid.TxIndex) < len(block.Transactions) {
				txid := block.Transactions[scid.TxIndex].TxHash()
				result = fn.Some(txid)
			}

			return true
		},
	)
	if err != nil {
		return none, scanErr(err)
	}

	return result, nil
}

// RefreshChannel recomputes the confirmation of the peer's funding
// transaction.
func (s *Scanner) RefreshChannel(ctx context.Context,
	peer chanwatch.PeerID) error {

	rec, err := s.cfg.Registry.Fetch(peer)
	if err != nil {
		return err
	}

	if rec.FundingOutpoint == (wire.OutPoint{}) {
		return nil
	}

	_, err = s.TxConfirmation(
		ctx, fn.Some(peer), rec.FundingOutpoint.Hash, NoOutputIndex,
		nil, 0,
	)

	return err
}

// updateChannel applies f to the peer's record. A channel deleted while a
// scan was running is skipped.
func (s *Scanner) updateChannel(peer chanwatch.PeerID,
	f func(rec *chanwatch.ChannelRecord)) {

	err := s.cfg.Registry.Update(peer, f)
	if err != nil {
		log.Debugf("Channel of peer %v gone, dropping update: %v", peer,
			err)
	}
}
