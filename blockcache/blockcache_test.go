package blockcache

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightninglabs/neutrino/cache"
	"github.com/stretchr/testify/require"
)

type mockChainBackend struct {
	blocks         map[chainhash.Hash]*wire.MsgBlock
	chainCallCount int

	sync.Mutex
}

func newMockChain() *mockChainBackend {
	return &mockChainBackend{
		blocks: make(map[chainhash.Hash]*wire.MsgBlock),
	}
}

// addBlock creates a block carrying a single transaction tagged with the
// nonce, stores it and returns it.
func (m *mockChainBackend) addBlock(nonce uint32) *wire.MsgBlock {
	tx := wire.NewMsgTx(2)
	tx.AddTxIn(&wire.TxIn{
		PreviousOutPoint: wire.OutPoint{Index: nonce},
	})
	tx.AddTxOut(&wire.TxOut{Value: int64(nonce)})

	block := &wire.MsgBlock{
		Header:       wire.BlockHeader{Nonce: nonce},
		Transactions: []*wire.MsgTx{tx},
	}

	m.Lock()
	m.blocks[block.BlockHash()] = block
	m.Unlock()

	return block
}

func (m *mockChainBackend) GetBlock(blockHash *chainhash.Hash) (
	*wire.MsgBlock, error) {

	m.Lock()
	defer m.Unlock()
	m.chainCallCount++

	block, ok := m.blocks[*blockHash]
	if !ok {
		return nil, fmt.Errorf("block not found")
	}

	return block, nil
}

func (m *mockChainBackend) calls() int {
	m.Lock()
	defer m.Unlock()

	return m.chainCallCount
}

func (m *mockChainBackend) resetChainCallCount() {
	m.Lock()
	defer m.Unlock()

	m.chainCallCount = 0
}

// TestBlockCacheGetBlock tests that the block Cache works correctly as a LRU
// block Cache for the given max capacity.
func TestBlockCacheGetBlock(t *testing.T) {
	t.Parallel()

	mc := newMockChain()
	getBlockImpl := mc.GetBlock

	block1 := mc.addBlock(1)
	block2 := mc.addBlock(2)
	block3 := mc.addBlock(3)

	// Determine the size of one of the blocks.
	sz, _ := (&cacheableBlock{MsgBlock: block1}).Size()

	// A new Cache is set up with a capacity of 2 blocks.
	bc := NewBlockCache(2*sz, 100)

	blockhash1 := block1.BlockHash()
	blockhash2 := block2.BlockHash()
	blockhash3 := block3.BlockHash()

	// We expect the initial Cache to be empty.
	require.Equal(t, 0, bc.Cache.Len())

	// After calling getBlock for block1, it is expected that the Cache
	// will have a size of 1 and will contain block1. One chain backends
	// call is expected to fetch the block.
	_, err := bc.GetBlock(&blockhash1, getBlockImpl)
	require.NoError(t, err)
	require.Equal(t, 1, bc.Cache.Len())
	require.Equal(t, 1, mc.calls())
	mc.resetChainCallCount()

	// The transactions of the block are indexed as a side effect.
	tx, ok := bc.LookupTx(block1.Transactions[0].TxHash())
	require.True(t, ok)
	require.Equal(t, block1.Transactions[0], tx)

	_, err = bc.GetBlock(&blockhash2, getBlockImpl)
	require.NoError(t, err)
	require.Equal(t, 2, bc.Cache.Len())
	require.Equal(t, 1, mc.calls())
	mc.resetChainCallCount()

	// getBlock is called again for block1 to make block2 the LRU block.
	// No call to the chain backend is expected since block 1 is already
	// in the Cache.
	_, err = bc.GetBlock(&blockhash1, getBlockImpl)
	require.NoError(t, err)
	require.Equal(t, 2, bc.Cache.Len())
	require.Equal(t, 0, mc.calls())

	// Since the Cache is now at its max capacity, it is expected that when
	// getBlock is called for a new block then the LRU block will be
	// evicted. It is expected that block2 will be evicted.
	_, err = bc.GetBlock(&blockhash3, getBlockImpl)
	require.NoError(t, err)
	require.Equal(t, 2, bc.Cache.Len())
	require.Equal(t, 1, mc.calls())

	_, err = bc.Cache.Get(blockhash1)
	require.NoError(t, err)

	_, err = bc.Cache.Get(blockhash2)
	require.True(t, errors.Is(err, cache.ErrElementNotFound))

	_, ok = bc.LookupBlock(blockhash3)
	require.True(t, ok)
}

// TestBlockCacheFetchError makes sure a failed fetch leaves nothing behind.
func TestBlockCacheFetchError(t *testing.T) {
	t.Parallel()

	mc := newMockChain()
	bc := NewBlockCache(1<<20, 10)

	missing := chainhash.Hash{9}
	_, err := bc.GetBlock(&missing, mc.GetBlock)
	require.Error(t, err)
	require.Equal(t, 0, bc.Cache.Len())

	_, ok := bc.LookupBlock(missing)
	require.False(t, ok)
}

// TestBlockCacheConcurrentGetBlock tests that concurrent callers asking for
// the same hash only trigger a single backend fetch.
func TestBlockCacheConcurrentGetBlock(t *testing.T) {
	t.Parallel()

	mc := newMockChain()
	bc := NewBlockCache(1<<20, 10)

	block := mc.addBlock(7)
	hash := block.BlockHash()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()

			_, err := bc.GetBlock(&hash, mc.GetBlock)
			require.NoError(t, err)
		}()
	}
	wg.Wait()

	require.Equal(t, 1, mc.calls())
}

// TestTxCacheBound checks that the tx index is bounded by entry count.
func TestTxCacheBound(t *testing.T) {
	t.Parallel()

	bc := NewBlockCache(1<<20, 2)

	var txids []chainhash.Hash
	for i := 0; i < 3; i++ {
		tx := wire.NewMsgTx(2)
		tx.AddTxOut(&wire.TxOut{Value: int64(i)})
		bc.AddTx(tx)
		txids = append(txids, tx.TxHash())
	}

	require.Equal(t, 2, bc.TxCache.Len())

	_, ok := bc.LookupTx(txids[0])
	require.False(t, ok)

	_, ok = bc.LookupTx(txids[2])
	require.True(t, ok)
}
