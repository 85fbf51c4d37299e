package blockcache

import (
	"errors"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightninglabs/neutrino/cache"
	"github.com/lightninglabs/neutrino/cache/lru"
	"github.com/lightningnetwork/chainwatch/multimutex"
)

// cacheableBlock wraps a block so it can be stored in the LRU cache. Its size
// is the serialized size of the block so the cache capacity is in bytes.
type cacheableBlock struct {
	*wire.MsgBlock
}

// Size returns the serialized size of the block.
func (c *cacheableBlock) Size() (uint64, error) {
	return uint64(c.SerializeSize()), nil
}

// cacheableTx wraps a transaction for the LRU cache. Every transaction counts
// as one element so the capacity of the tx cache is an entry count.
type cacheableTx struct {
	*wire.MsgTx
}

// Size returns 1, every transaction is one entry.
func (c *cacheableTx) Size() (uint64, error) {
	return 1, nil
}

// BlockCache is an LRU block cache, paired with an LRU index of the
// transactions of every block that went through it.
type BlockCache struct {
	Cache     *lru.Cache[chainhash.Hash, *cacheableBlock]
	TxCache   *lru.Cache[chainhash.Hash, *cacheableTx]
	HashMutex *multimutex.Mutex[chainhash.Hash]
}

// NewBlockCache creates a new BlockCache with the given block capacity in
// bytes and transaction capacity in entries.
func NewBlockCache(blockCapacity, txCapacity uint64) *BlockCache {
	return &BlockCache{
		Cache: lru.NewCache[chainhash.Hash, *cacheableBlock](
			blockCapacity,
		),
		TxCache: lru.NewCache[chainhash.Hash, *cacheableTx](
			txCapacity,
		),
		HashMutex: multimutex.NewMutex[chainhash.Hash](),
	}
}

// GetBlock first checks to see if the BlockCache already contains the block
// with the given hash. If it does then the block is fetched from the cache and
// returned. Otherwise the getBlockImpl function is used in order to fetch the
// new block and then it is stored in the block cache and returned. Only one
// fetch per hash is in flight at any time.
func (bc *BlockCache) GetBlock(hash *chainhash.Hash,
	getBlockImpl func(hash *chainhash.Hash) (*wire.MsgBlock,
		error)) (*wire.MsgBlock, error) {

	bc.HashMutex.Lock(*hash)
	defer bc.HashMutex.Unlock(*hash)

	// Check if the block corresponding to the given hash is already
	// stored in the blockCache and return it if it is.
	cacheBlock, err := bc.Cache.Get(*hash)
	if err != nil && !errors.Is(err, cache.ErrElementNotFound) {
		return nil, err
	}
	if cacheBlock != nil {
		return cacheBlock.MsgBlock, nil
	}

	// Fetch the block from the chain backends.
	block, err := getBlockImpl(hash)
	if err != nil {
		return nil, err
	}

	bc.add(*hash, block)

	return block, nil
}

// add inserts the block and all of its transactions. A block larger than the
// whole cache is not retained, the caller still gets it back from GetBlock.
func (bc *BlockCache) add(hash chainhash.Hash, block *wire.MsgBlock) {
	for _, tx := range block.Transactions {
		_, _ = bc.TxCache.Put(tx.TxHash(), &cacheableTx{MsgTx: tx})
	}

	_, err := bc.Cache.Put(hash, &cacheableBlock{MsgBlock: block})
	if err != nil {
		log.Debugf("Block %v not cached: %v", hash, err)
		return
	}

	log.Tracef("Cached block %v with %d transactions", hash,
		len(block.Transactions))
}

// LookupBlock returns the block with the given hash if it is cached.
func (bc *BlockCache) LookupBlock(hash chainhash.Hash) (*wire.MsgBlock, bool) {
	cacheBlock, err := bc.Cache.Get(hash)
	if err != nil || cacheBlock == nil {
		return nil, false
	}

	return cacheBlock.MsgBlock, true
}

// LookupTx returns the transaction with the given txid if it is cached.
func (bc *BlockCache) LookupTx(txid chainhash.Hash) (*wire.MsgTx, bool) {
	cacheTx, err := bc.TxCache.Get(txid)
	if err != nil || cacheTx == nil {
		return nil, false
	}

	return cacheTx.MsgTx, true
}

// AddTx stores a single transaction, for example one obtained from a peer's
// mempool.
func (bc *BlockCache) AddTx(tx *wire.MsgTx) {
	_, _ = bc.TxCache.Put(tx.TxHash(), &cacheableTx{MsgTx: tx})
}
