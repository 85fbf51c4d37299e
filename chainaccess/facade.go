package chainaccess

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/chainwatch/blockcache"
)

const (
	// DefaultFetchTimeout is the time a single peer gets to answer a block
	// request.
	DefaultFetchTimeout = 15 * time.Second

	// DefaultMaxFetchRetries is the number of attempts made for one block
	// as long as every attempt times out.
	DefaultMaxFetchRetries = 10

	// DefaultMaxPeers is the number of outbound peers a light client
	// usually keeps.
	DefaultMaxPeers = 8

	// DefaultDownloadFailureLimit is the number of failed block downloads
	// tolerated before the chain is declared unavailable.
	DefaultDownloadFailureLimit = 2 * DefaultMaxPeers

	// DefaultPeerFailureLimit is the number of consecutive queries that
	// found no peer tolerated before giving up.
	DefaultPeerFailureLimit = 6

	// DefaultMempoolTimeout is the time a peer gets to answer a mempool
	// query.
	DefaultMempoolTimeout = 15 * time.Second
)

// Config houses the dependencies and the policy knobs of the Facade.
type Config struct {
	// Source is the chain-sync engine.
	Source ChainSource

	// Cache is consulted before any block is requested from the network.
	Cache *blockcache.BlockCache

	// FetchTimeout bounds a single block request.
	FetchTimeout time.Duration

	// MaxFetchRetries is the number of attempts for one block, only
	// timeouts are retried.
	MaxFetchRetries int

	// DownloadFailureLimit is the number of failed downloads after which
	// FetchBlock returns ErrChainUnavailable.
	DownloadFailureLimit int32

	// PeerFailureLimit is the number of consecutive no-peer results
	// after which CurrentHeight returns ErrTooManyPeerFailures.
	PeerFailureLimit int32

	// MempoolTimeout bounds a mempool query.
	MempoolTimeout time.Duration
}

// DefaultConfig returns a Config with the default policy for the given source
// and cache.
func DefaultConfig(source ChainSource, cache *blockcache.BlockCache) Config {
	return Config{
		Source:               source,
		Cache:                cache,
		FetchTimeout:         DefaultFetchTimeout,
		MaxFetchRetries:      DefaultMaxFetchRetries,
		DownloadFailureLimit: DefaultDownloadFailureLimit,
		PeerFailureLimit:     DefaultPeerFailureLimit,
		MempoolTimeout:       DefaultMempoolTimeout,
	}
}

// Facade is the policy layer on top of a ChainSource. It rotates requests
// over the connected peers, retries timed out block downloads and turns a
// sustained failure rate into ErrChainUnavailable.
type Facade struct {
	cfg Config

	// peerIdx is the round robin cursor.
	peerIdx atomic.Uint32

	// peerFailures counts consecutive CurrentHeight calls that found no
	// peer.
	peerFailures atomic.Int32

	// downloadFailures counts failed block downloads since the last
	// successful one.
	downloadFailures atomic.Int32
}

// New creates a new Facade.
func New(cfg Config) *Facade {
	return &Facade{cfg: cfg}
}

// CurrentHeight returns the height and hash of the chain tip.
func (f *Facade) CurrentHeight(ctx context.Context) (int32, chainhash.Hash,
	error) {

	if f.cfg.Source.PeerCount() == 0 {
		n := f.peerFailures.Add(1)
		if n > f.cfg.PeerFailureLimit {
			log.Errorf("No peer for %d consecutive queries", n)

			return 0, chainhash.Hash{}, fmt.Errorf("%w: %d "+
				"consecutive failures", ErrTooManyPeerFailures,
				n)
		}

		log.Warnf("No peer connected (failure %d of %d)", n,
			f.cfg.PeerFailureLimit)

		return 0, chainhash.Hash{}, ErrNoPeer
	}
	f.peerFailures.Store(0)

	height, hash, err := f.cfg.Source.BestBlock(ctx)
	if err != nil {
		return 0, chainhash.Hash{}, fmt.Errorf("unable to get best "+
			"block: %w", err)
	}

	return height, hash, nil
}

// GenesisHash returns the genesis hash of the chain.
func (f *Facade) GenesisHash() chainhash.Hash {
	return f.cfg.Source.GenesisHash()
}

// BlockHeight returns the height of the block with the given hash.
func (f *Facade) BlockHeight(ctx context.Context,
	hash chainhash.Hash) (int32, error) {

	if hash == (chainhash.Hash{}) {
		return 0, ErrInvalidHash
	}

	return f.cfg.Source.BlockHeight(ctx, hash)
}

// BroadcastTx submits the transaction to the network.
func (f *Facade) BroadcastTx(ctx context.Context, tx *wire.MsgTx) error {
	return f.cfg.Source.BroadcastTx(ctx, tx)
}

// RegisterWatch asks the backend to report activity on the outpoint and
// script.
func (f *Facade) RegisterWatch(ctx context.Context, op wire.OutPoint,
	pkScript []byte) error {

	return f.cfg.Source.RegisterWatch(ctx, op, pkScript)
}

// CachedTx returns a transaction from the tx cache without touching the
// network.
func (f *Facade) CachedTx(txid chainhash.Hash) (*wire.MsgTx, bool) {
	return f.cfg.Cache.LookupTx(txid)
}

// FetchBlock returns the block with the given hash, from the cache if
// possible. Errors are either transient (ErrFetchFailed) or escalations
// (ErrChainUnavailable), see IsEscalation.
func (f *Facade) FetchBlock(ctx context.Context,
	hash chainhash.Hash) (*wire.MsgBlock, error) {

	if hash == (chainhash.Hash{}) {
		return nil, ErrInvalidHash
	}

	return f.cfg.Cache.GetBlock(&hash,
		func(h *chainhash.Hash) (*wire.MsgBlock, error) {
			return f.fetchFromPeers(ctx, *h)
		},
	)
}

// fetchFromPeers downloads a block, moving to the next peer after each timed
// out attempt.
func (f *Facade) fetchFromPeers(ctx context.Context,
	hash chainhash.Hash) (*wire.MsgBlock, error) {

	var lastErr error

attempts:
	for attempt := 1; attempt <= f.cfg.MaxFetchRetries; attempt++ {
		peer, err := f.nextPeer()
		if err != nil {
			lastErr = err
			break
		}

		block, err := f.fetchOnce(ctx, peer, hash)
		switch {
		case err == nil && (block == nil ||
			len(block.Transactions) == 0):

			lastErr = ErrUnusableBlock
			break attempts

		case err == nil:
			f.downloadFailures.Store(0)
			log.Tracef("Fetched block %v from peer %d", hash, peer)

			return block, nil

		// The caller gave up, this is not a chain failure.
		case ctx.Err() != nil:
			return nil, ctx.Err()

		case isTimeout(err):
			log.Debugf("Block %v request to peer %d timed out "+
				"(attempt %d of %d)", hash, peer, attempt,
				f.cfg.MaxFetchRetries)
			lastErr = err

		default:
			lastErr = err
			break attempts
		}
	}

	return nil, f.recordDownloadFailure(hash, lastErr)
}

// fetchOnce issues a single block request bounded by the fetch timeout.
func (f *Facade) fetchOnce(ctx context.Context, peer int,
	hash chainhash.Hash) (*wire.MsgBlock, error) {

	ctx, cancel := context.WithTimeout(ctx, f.cfg.FetchTimeout)
	defer cancel()

	return f.cfg.Source.FetchBlock(ctx, peer, hash)
}

// recordDownloadFailure bumps the download failure counter and picks the
// error class to return.
func (f *Facade) recordDownloadFailure(hash chainhash.Hash,
	cause error) error {

	n := f.downloadFailures.Add(1)
	if n > f.cfg.DownloadFailureLimit {
		log.Errorf("Giving up on chain backend after %d failed "+
			"downloads, last block %v: %v", n, hash, cause)

		return fmt.Errorf("%w: %d failed downloads: %w",
			ErrChainUnavailable, n, cause)
	}

	log.Warnf("Unable to fetch block %v (failure %d of %d): %v", hash,
		n, f.cfg.DownloadFailureLimit, cause)

	return fmt.Errorf("%w: block %v: %w", ErrFetchFailed, hash, cause)
}

// FetchMempoolTx returns a transaction from the tx cache, or asks one peer
// for it. A result from the peer is stored in the tx cache.
func (f *Facade) FetchMempoolTx(ctx context.Context,
	txid chainhash.Hash) (*wire.MsgTx, error) {

	if tx, ok := f.cfg.Cache.LookupTx(txid); ok {
		return tx, nil
	}

	peer, err := f.nextPeer()
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, f.cfg.MempoolTimeout)
	defer cancel()

	tx, err := f.cfg.Source.FetchMempoolTx(ctx, peer, txid)
	switch {
	case errors.Is(err, ErrTxNotFound):
		return nil, err

	case err != nil:
		return nil, fmt.Errorf("%w: mempool query for %v: %w",
			ErrTxNotFound, txid, err)
	}

	f.cfg.Cache.AddTx(tx)

	return tx, nil
}

// nextPeer returns the index of the peer the next request goes to.
func (f *Facade) nextPeer() (int, error) {
	n := f.cfg.Source.PeerCount()
	if n <= 0 {
		return 0, ErrNoPeer
	}

	idx := f.peerIdx.Add(1) - 1

	return int(idx % uint32(n)), nil
}

// isTimeout returns true for errors caused by a request deadline.
func isTimeout(err error) bool {
	return errors.Is(err, ErrTimeout) ||
		errors.Is(err, context.DeadlineExceeded)
}
