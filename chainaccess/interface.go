package chainaccess

import (
	"context"
	"errors"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

var (
	// ErrNoPeer is returned when the chain backend currently has no
	// connected peer to answer a query.
	ErrNoPeer = errors.New("no peer connected")

	// ErrTooManyPeerFailures is returned once the number of consecutive
	// queries that found no peer exceeds the configured limit.
	ErrTooManyPeerFailures = errors.New("too many peer failures")

	// ErrInvalidHash is returned when the zero hash is passed where a
	// block hash is expected.
	ErrInvalidHash = errors.New("invalid block hash")

	// ErrTimeout is returned by a ChainSource when a single peer request
	// timed out.
	ErrTimeout = errors.New("peer request timed out")

	// ErrFetchFailed is returned when a block could not be downloaded but
	// the download failure budget is not exhausted yet.
	ErrFetchFailed = errors.New("block fetch failed")

	// ErrChainUnavailable is returned once the number of failed block
	// downloads exceeds the configured limit. The chain backend should be
	// considered unusable by the caller.
	ErrChainUnavailable = errors.New("chain backend unavailable")

	// ErrUnusableBlock is returned when a peer answers with a block that
	// carries no transactions.
	ErrUnusableBlock = errors.New("block has no transactions")

	// ErrTxNotFound is returned when a transaction is not known to the
	// queried peer.
	ErrTxNotFound = errors.New("transaction not found")

	// ErrTxRejected is returned by a ChainSource when the backend refused
	// a submitted transaction right away.
	ErrTxRejected = errors.New("transaction rejected")
)

// IsEscalation returns true if the error signals that a failure budget was
// exhausted and the current operation chain must be abandoned.
func IsEscalation(err error) bool {
	return errors.Is(err, ErrChainUnavailable) ||
		errors.Is(err, ErrTooManyPeerFailures)
}

// ChainSource is the chain-sync engine the facade sits on top of. It keeps
// the header chain and the peer connections, and answers single requests
// against a specific peer.
type ChainSource interface {
	// BestBlock returns the height and hash of the current chain tip.
	BestBlock(ctx context.Context) (int32, chainhash.Hash, error)

	// GenesisHash returns the hash of the genesis block of the chain.
	GenesisHash() chainhash.Hash

	// PeerCount returns the number of currently connected peers.
	PeerCount() int

	// FetchBlock requests the block with the given hash from the peer
	// with the given index. The request must honour the context deadline
	// and return an error wrapping ErrTimeout or
	// context.DeadlineExceeded when it expires.
	FetchBlock(ctx context.Context, peer int,
		hash chainhash.Hash) (*wire.MsgBlock, error)

	// FetchMempoolTx asks the peer with the given index for a transaction
	// in its mempool. ErrTxNotFound is returned if the peer does not know
	// the transaction.
	FetchMempoolTx(ctx context.Context, peer int,
		txid chainhash.Hash) (*wire.MsgTx, error)

	// BlockHeight returns the height of the block with the given hash
	// from the local header chain.
	BlockHeight(ctx context.Context, hash chainhash.Hash) (int32, error)

	// BroadcastTx hands the transaction to the network. A nil error only
	// means the transaction was submitted, rejections are reported
	// asynchronously. A refusal known at submission time wraps
	// ErrTxRejected.
	BroadcastTx(ctx context.Context, tx *wire.MsgTx) error

	// RegisterWatch asks the backend to report transactions spending the
	// outpoint or paying to the script.
	RegisterWatch(ctx context.Context, op wire.OutPoint,
		pkScript []byte) error
}
