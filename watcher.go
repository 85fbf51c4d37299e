package chainwatch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btclog/v2"
	"github.com/lightningnetwork/chainwatch/blockcache"
	"github.com/lightningnetwork/chainwatch/broadcast"
	"github.com/lightningnetwork/chainwatch/chainaccess"
	"github.com/lightningnetwork/chainwatch/chainio"
	"github.com/lightningnetwork/chainwatch/chainreg"
	"github.com/lightningnetwork/chainwatch/chainscan"
	"github.com/lightningnetwork/chainwatch/chanwatch"
	"github.com/lightningnetwork/chainwatch/lncfg"
	"github.com/lightningnetwork/chainwatch/lnutils"
	"github.com/lightningnetwork/chainwatch/lnwire"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/lightningnetwork/lnd/ticker"
)

var (
	// ErrInvalidPeerID is returned for a peer id that is not a 33 byte
	// public key.
	ErrInvalidPeerID = errors.New("invalid peer id")

	// ErrInvalidHash is returned for a hash that is not 32 bytes long.
	ErrInvalidHash = errors.New("invalid hash")

	// ErrInvalidTx is returned for a raw transaction that does not
	// decode.
	ErrInvalidTx = errors.New("invalid raw transaction")
)

// lifecycle is implemented by chain sources that need to be started.
type lifecycle interface {
	Start() error
	Stop() error
}

// WatcherConfig holds the dependencies and policies of a Watcher.
type WatcherConfig struct {
	// NewSource creates the chain source. The source delivers its
	// notifications to sink.
	NewSource func(sink chainreg.EventSink) (chainaccess.ChainSource,
		error)

	// Fetch is the chain access policy.
	Fetch *lncfg.Fetch

	// Cache holds the cache capacities.
	Cache *lncfg.Cache

	// Broadcast is the broadcast retry policy.
	Broadcast *lncfg.Broadcast

	// Refresh is the confirmation refresh policy.
	Refresh *lncfg.Refresh

	// Clock times the broadcast reject wait. The system clock is used if
	// nil.
	Clock clock.Clock

	// RefreshTicker drives the periodic refresh. A ticker with the
	// configured interval is used if nil.
	RefreshTicker ticker.Ticker

	// OnEscalation is called when an event could not be handled because
	// the chain backend is unavailable.
	OnEscalation func(err error)
}

// DefaultWatcherConfig returns a config with the default policies for the
// given source constructor.
func DefaultWatcherConfig(newSource func(
	sink chainreg.EventSink) (chainaccess.ChainSource, error)) *WatcherConfig {

	cfg := DefaultConfig()

	return &WatcherConfig{
		NewSource: newSource,
		Fetch:     cfg.Fetch,
		Cache:     cfg.Cache,
		Broadcast: cfg.Broadcast,
		Refresh:   cfg.Refresh,
	}
}

// ShortChannelParam is the on-chain location of a published channel's
// funding output.
type ShortChannelParam struct {
	Height      int32
	BlockIndex  int32
	OutputIndex int32

	// MinedHash is the block containing the funding transaction, in
	// display byte order.
	MinedHash []byte
}

// OutpointSpend is a transaction spending a searched outpoint.
type OutpointSpend struct {
	Height int32
	RawTx  []byte
}

// ChannelParams describes a channel handed to SetChannel.
type ChannelParams struct {
	// PeerID is the 33 byte public key of the channel peer.
	PeerID []byte

	// ShortChannelID is the channel's short channel id, zero if it is
	// not yet known.
	ShortChannelID uint64

	// FundingTxid is the funding transaction id in display byte order.
	FundingTxid []byte

	// OutputIndex is the index of the funding output.
	OutputIndex uint32

	// WatchScript is the funding output script.
	WatchScript []byte

	// MinedHash is the block containing the funding transaction in
	// display byte order. It may be empty or all zero if unknown.
	MinedHash []byte

	// LastConfirm is the last confirmation the caller saw.
	LastConfirm int32
}

// Watcher is the query and registration interface of the chain watching
// backend. Hashes cross it as byte slices in display byte order, the
// reverse of their internal order.
type Watcher struct {
	started sync.Once
	stopped sync.Once

	cfg *WatcherConfig

	registry    *chanwatch.Registry
	source      chainaccess.ChainSource
	chain       *chainaccess.Facade
	scanner     *chainscan.Scanner
	broadcaster *broadcast.Engine
	dispatcher  *chainio.Dispatcher
}

// A compile time check to ensure Watcher can receive backend notifications.
var _ chainreg.EventSink = (*Watcher)(nil)

// NewWatcher creates a watcher and its chain source.
func NewWatcher(cfg *WatcherConfig) (*Watcher, error) {
	w := &Watcher{
		cfg:      cfg,
		registry: chanwatch.NewRegistry(),
	}

	source, err := cfg.NewSource(w)
	if err != nil {
		return nil, fmt.Errorf("unable to create chain source: %w", err)
	}
	w.source = source

	cache := blockcache.NewBlockCache(cfg.Cache.BlockSize, cfg.Cache.TxEntries)
	w.chain = chainaccess.New(chainaccess.Config{
		Source:               source,
		Cache:                cache,
		FetchTimeout:         cfg.Fetch.Timeout,
		MaxFetchRetries:      cfg.Fetch.MaxRetries,
		DownloadFailureLimit: cfg.Fetch.DownloadFailureLimit,
		PeerFailureLimit:     cfg.Fetch.PeerFailureLimit,
		MempoolTimeout:       cfg.Fetch.MempoolTimeout,
	})

	w.scanner = chainscan.New(chainscan.Config{
		Chain:    w.chain,
		Registry: w.registry,
	})

	w.broadcaster = broadcast.NewEngine(broadcast.Config{
		Network:     w.chain,
		Clock:       cfg.Clock,
		RejectWait:  cfg.Broadcast.RejectWait,
		MaxAttempts: cfg.Broadcast.MaxAttempts,
	})

	refreshTicker := cfg.RefreshTicker
	if refreshTicker == nil {
		refreshTicker = ticker.New(cfg.Refresh.Interval)
	}
	w.dispatcher = chainio.NewDispatcher(chainio.Config{
		Registry:             w.registry,
		Refresher:            w.scanner,
		Rejecter:             w.broadcaster,
		RefreshTicker:        refreshTicker,
		RefreshTimeout:       cfg.Refresh.Timeout,
		MaxConcurrentRefresh: cfg.Refresh.MaxConcurrent,
		OnEscalation:         cfg.OnEscalation,
	})

	return w, nil
}

// Start starts event dispatching and then the chain source.
func (w *Watcher) Start() error {
	var startErr error
	w.started.Do(func() {
		log.Info("Watcher starting")

		if err := w.dispatcher.Start(); err != nil {
			startErr = err
			return
		}

		if src, ok := w.source.(lifecycle); ok {
			if err := src.Start(); err != nil {
				w.dispatcher.Stop()
				startErr = fmt.Errorf("unable to start chain "+
					"source: %w", err)
			}
		}
	})

	return startErr
}

// Stop stops the chain source and then event dispatching.
func (w *Watcher) Stop() error {
	var stopErr error
	w.stopped.Do(func() {
		log.Info("Watcher shutting down...")

		if src, ok := w.source.(lifecycle); ok {
			stopErr = src.Stop()
		}
		w.dispatcher.Stop()

		log.Info("Watcher shutdown complete")
	})

	return stopErr
}

// Notify hands a chain backend notification to the dispatcher.
func (w *Watcher) Notify(ev chainio.Event) error {
	return w.dispatcher.Notify(ev)
}

// SetCreationHash sets the oldest block any scan walks back to.
func (w *Watcher) SetCreationHash(hash []byte) error {
	h, err := hashFromBytes(hash)
	if err != nil {
		return err
	}

	w.scanner.SetCreationHash(h)

	return nil
}

// BestBlock returns the height and hash of the chain tip.
func (w *Watcher) BestBlock(ctx context.Context) (int32, chainhash.Hash,
	error) {

	return w.chain.CurrentHeight(ctx)
}

// GetBlockCount returns the height and hash of the chain tip, the hash in
// display byte order.
func (w *Watcher) GetBlockCount(ctx context.Context) (int32, []byte, error) {
	height, hash, err := w.BestBlock(ctx)
	if err != nil {
		return 0, nil, err
	}

	return height, hashToBytes(hash), nil
}

// GetGenesisHash returns the hash of the genesis block.
func (w *Watcher) GetGenesisHash() []byte {
	return hashToBytes(w.chain.GenesisHash())
}

// GetTxConfirmation returns the confirmation depth of a transaction, 0 if
// it was not found or the output at outputIndex does not pay amount to
// script. An outputIndex of -1 skips the output check.
func (w *Watcher) GetTxConfirmation(ctx context.Context, txid []byte,
	outputIndex int32, script []byte, amount int64) (int32, error) {

	hash, err := hashFromBytes(txid)
	if err != nil {
		return 0, err
	}

	return w.scanner.TxConfirmation(
		ctx, fn.None[chanwatch.PeerID](), hash, outputIndex, script,
		amount,
	)
}

// GetShortChannelParam returns the location of the peer's funding output
// once the channel is published.
func (w *Watcher) GetShortChannelParam(ctx context.Context,
	peerID []byte) (fn.Option[ShortChannelParam], error) {

	peer, err := peerFromBytes(peerID)
	if err != nil {
		return fn.None[ShortChannelParam](), err
	}

	param, err := w.scanner.ShortChannelParam(ctx, peer)
	if err != nil {
		return fn.None[ShortChannelParam](), err
	}

	return fn.MapOption(func(p chainscan.ShortChannelParam) ShortChannelParam {
		return ShortChannelParam{
			Height:      p.Height,
			BlockIndex:  p.BlockIndex,
			OutputIndex: p.OutputIndex,
			MinedHash:   hashToBytes(p.MinedHash),
		}
	})(param), nil
}

// GetTxidFromShortChannelID returns the id of the transaction a short
// channel id points at.
func (w *Watcher) GetTxidFromShortChannelID(ctx context.Context,
	scid uint64) (fn.Option[[]byte], error) {

	txid, err := w.scanner.TxidFromShortChannelID(
		ctx, lnwire.NewShortChanIDFromInt(scid),
	)
	if err != nil {
		return fn.None[[]byte](), err
	}

	return fn.MapOption(hashToBytes)(txid), nil
}

// SearchOutpoint looks for a transaction in the last depth blocks whose
// first input spends the outpoint.
func (w *Watcher) SearchOutpoint(ctx context.Context, depth int32,
	txid []byte, outputIndex uint32) (fn.Option[OutpointSpend], error) {

	none := fn.None[OutpointSpend]()

	hash, err := hashFromBytes(txid)
	if err != nil {
		return none, err
	}

	spend, err := w.scanner.SearchOutpoint(
		ctx, depth, wire.OutPoint{Hash: hash, Index: outputIndex},
	)
	if err != nil || spend.IsNone() {
		return none, err
	}

	found := spend.UnsafeFromSome()
	rawTx, err := serializeTx(found.Tx)
	if err != nil {
		return none, err
	}

	return fn.Some(OutpointSpend{
		Height: found.Height,
		RawTx:  rawTx,
	}), nil
}

// SearchByOutputScripts returns the raw transactions of the last depth
// blocks whose first output pays to one of the scripts.
func (w *Watcher) SearchByOutputScripts(ctx context.Context, depth int32,
	scripts [][]byte) ([][]byte, error) {

	txs, err := w.scanner.SearchByOutputScripts(ctx, depth, scripts)
	if err != nil {
		return nil, err
	}

	rawTxs := make([][]byte, 0, len(txs))
	for _, tx := range txs {
		rawTx, err := serializeTx(tx)
		if err != nil {
			return nil, err
		}
		rawTxs = append(rawTxs, rawTx)
	}

	return rawTxs, nil
}

// BroadcastRawTx broadcasts a signed transaction and returns its txid.
func (w *Watcher) BroadcastRawTx(ctx context.Context,
	rawTx []byte) ([]byte, error) {

	var tx wire.MsgTx
	if err := tx.Deserialize(bytes.NewReader(rawTx)); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidTx, err)
	}

	txid, err := w.broadcaster.Broadcast(ctx, &tx)
	if err != nil {
		return nil, err
	}

	return hashToBytes(txid), nil
}

// CheckBroadcast returns true if the transaction is on chain or in the
// network. peerID may be nil.
func (w *Watcher) CheckBroadcast(ctx context.Context, peerID,
	txid []byte) (bool, error) {

	peer, err := optionalPeer(peerID)
	if err != nil {
		return false, err
	}

	hash, err := hashFromBytes(txid)
	if err != nil {
		return false, err
	}

	return w.scanner.CheckBroadcast(ctx, peer, hash)
}

// CheckUnspent determines whether an outpoint is spent. peerID may be nil.
func (w *Watcher) CheckUnspent(ctx context.Context, peerID, txid []byte,
	outputIndex uint32) (chanwatch.SpentState, error) {

	peer, err := optionalPeer(peerID)
	if err != nil {
		return chanwatch.SpentStateFail, err
	}

	hash, err := hashFromBytes(txid)
	if err != nil {
		return chanwatch.SpentStateFail, err
	}

	return w.scanner.CheckUnspent(
		ctx, peer, wire.OutPoint{Hash: hash, Index: outputIndex},
	)
}

// SetChannel registers a channel or updates a registered one and starts
// watching its funding output. The funding output is searched for a spend
// in the blocks mined since the caller last saw the channel.
func (w *Watcher) SetChannel(ctx context.Context,
	params *ChannelParams) (bool, error) {

	peer, err := peerFromBytes(params.PeerID)
	if err != nil {
		return false, err
	}

	txid, err := hashFromBytes(params.FundingTxid)
	if err != nil {
		return false, err
	}

	var minedHash chainhash.Hash
	if len(params.MinedHash) != 0 {
		minedHash, err = hashFromBytes(params.MinedHash)
		if err != nil {
			return false, err
		}
	}

	op := wire.OutPoint{Hash: txid, Index: params.OutputIndex}
	scid := lnwire.NewShortChanIDFromInt(params.ShortChannelID)

	ctx = btclog.WithCtx(ctx, lnutils.LogPeer("peer", peer),
		lnutils.LogOutPoint("funding", op))

	var minedHeight int32
	if minedHash != (chainhash.Hash{}) {
		minedHeight, err = w.chain.BlockHeight(ctx, minedHash)
		if err != nil {
			log.WarnS(ctx, "Unable to look up mined block height",
				err, lnutils.LogHash("block", minedHash))

			minedHeight = 0
		}
	}

	tipHeight, _, err := w.chain.CurrentHeight(ctx)
	switch {
	case chainaccess.IsEscalation(err):
		return false, err

	case err != nil:
		log.WarnS(ctx, "Unable to get chain tip", err)
		minedHeight = 0
	}

	// The last confirmation may equal the current one, so the window
	// reaches one block further back.
	spend := fn.None[chainscan.OutpointSpend]()
	if minedHeight > 0 {
		depth := tipHeight - minedHeight + 1 - params.LastConfirm + 1
		spend, err = w.scanner.SearchOutpoint(ctx, depth, op)
		if err != nil {
			return false, err
		}
	}

	rec := w.registry.Upsert(peer, func(rec *chanwatch.ChannelRecord) {
		rec.Initialize(op, params.WatchScript, scid)
		spend.WhenSome(func(s chainscan.OutpointSpend) {
			rec.SetFundingSpent(fn.Some(s.BlockHash))
		})
		rec.SetMinedBlock(minedHash, minedHeight, -1)
		if minedHeight > 0 {
			rec.SetConfirmation(tipHeight - minedHeight + 1)
		}
	})

	log.DebugS(ctx, "Channel set",
		btclog.Fmt("short_chan_id", "%v", scid),
		btclog.Fmt("record", "%v", rec),
		btclog.Fmt("funding_spent", "%v", spend.IsSome()))

	err = w.chain.RegisterWatch(ctx, op, params.WatchScript)
	if err != nil {
		return false, fmt.Errorf("unable to watch funding output: %w",
			err)
	}

	return true, nil
}

// DelChannel removes the peer's channel. Removing an unknown channel is not
// an error.
func (w *Watcher) DelChannel(peerID []byte) error {
	peer, err := peerFromBytes(peerID)
	if err != nil {
		return err
	}

	w.registry.Delete(peer)

	return nil
}

// SetCommitTxid starts watching a commitment transaction of the peer's
// channel.
func (w *Watcher) SetCommitTxid(peerID []byte, side chanwatch.CommitSide,
	commitNumber uint64, txid []byte) error {

	peer, err := peerFromBytes(peerID)
	if err != nil {
		return err
	}

	hash, err := hashFromBytes(txid)
	if err != nil {
		return err
	}

	var setErr error
	err = w.registry.Update(peer, func(rec *chanwatch.ChannelRecord) {
		setErr = rec.SetCommitTxid(side, commitNumber, hash)
	})
	if err != nil {
		return err
	}

	return setErr
}

// Channel returns a copy of the peer's channel record.
func (w *Watcher) Channel(peerID []byte) (*chanwatch.ChannelRecord, error) {
	peer, err := peerFromBytes(peerID)
	if err != nil {
		return nil, err
	}

	return w.registry.Fetch(peer)
}

// hashFromBytes parses a hash given in display byte order.
func hashFromBytes(b []byte) (chainhash.Hash, error) {
	if len(b) != chainhash.HashSize {
		return chainhash.Hash{}, fmt.Errorf("%w: length %d",
			ErrInvalidHash, len(b))
	}

	var hash chainhash.Hash
	for i := range b {
		hash[i] = b[chainhash.HashSize-1-i]
	}

	return hash, nil
}

// hashToBytes returns the hash in display byte order.
func hashToBytes(hash chainhash.Hash) []byte {
	b := make([]byte, chainhash.HashSize)
	for i := range hash {
		b[i] = hash[chainhash.HashSize-1-i]
	}

	return b
}

// peerFromBytes parses a 33 byte peer id.
func peerFromBytes(b []byte) (chanwatch.PeerID, error) {
	var peer chanwatch.PeerID
	if len(b) != len(peer) {
		return peer, fmt.Errorf("%w: length %d", ErrInvalidPeerID,
			len(b))
	}
	copy(peer[:], b)

	return peer, nil
}

// optionalPeer parses a peer id that may be absent.
func optionalPeer(b []byte) (fn.Option[chanwatch.PeerID], error) {
	if len(b) == 0 {
		return fn.None[chanwatch.PeerID](), nil
	}

	peer, err := peerFromBytes(b)
	if err != nil {
		return fn.None[chanwatch.PeerID](), err
	}

	return fn.Some(peer), nil
}

func serializeTx(tx *wire.MsgTx) ([]byte, error) {
	var buf bytes.Buffer
	if err := tx.Serialize(&buf); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}
