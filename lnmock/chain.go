package lnmock

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

var (
	// ErrMockNotFound is returned by MockChain for unknown blocks and
	// transactions.
	ErrMockNotFound = errors.New("mock: not found")

	// ErrMockBroadcast is a generic submission failure.
	ErrMockBroadcast = errors.New("mock: broadcast failed")
)

// MockChain is an in-memory chain-sync engine. It keeps a linear chain of
// blocks, counts every request and lets tests inject failures.
type MockChain struct {
	mu sync.Mutex

	blocks []*wire.MsgBlock
	byHash map[chainhash.Hash]int32

	peers int

	// fetchHook, if set, runs before every block request. A non-nil
	// error fails the request.
	fetchHook func(hash chainhash.Hash) error

	// broadcastHook, if set, is the result of every BroadcastTx call.
	broadcastHook func(tx *wire.MsgTx) error

	fetchCalls   map[chainhash.Hash]int
	fetchPeers   []int
	mempool      map[chainhash.Hash]*wire.MsgTx
	mempoolCalls int
	broadcasts   []*wire.MsgTx
	watches      []wire.OutPoint
	watchScripts [][]byte
	totalFetches int
}

// NewMockChain creates a chain holding only a genesis block and a single
// connected peer.
func NewMockChain() *MockChain {
	m := &MockChain{
		byHash:     make(map[chainhash.Hash]int32),
		fetchCalls: make(map[chainhash.Hash]int),
		mempool:    make(map[chainhash.Hash]*wire.MsgTx),
		peers:      1,
	}
	m.appendBlock(nil)

	return m
}

// coinbase returns a unique coinbase transaction for the given height.
func coinbase(height int32) *wire.MsgTx {
	var script [4]byte
	binary.LittleEndian.PutUint32(script[:], uint32(height))

	tx := wire.NewMsgTx(1)
	tx.AddTxIn(&wire.TxIn{
		PreviousOutPoint: wire.OutPoint{
			Index: wire.MaxPrevOutIndex,
		},
		SignatureScript: script[:],
	})
	tx.AddTxOut(&wire.TxOut{Value: 50_0000_0000})

	return tx
}

// appendBlock links a new block with a coinbase followed by txs to the tip.
// The caller must hold the mutex unless the chain is still private.
func (m *MockChain) appendBlock(txs []*wire.MsgTx) *wire.MsgBlock {
	height := int32(len(m.blocks))

	var prev chainhash.Hash
	if height > 0 {
		prev = m.blocks[height-1].BlockHash()
	}

	block := &wire.MsgBlock{
		Header: wire.BlockHeader{
			Version:   1,
			PrevBlock: prev,
			Nonce:     uint32(height),
		},
		Transactions: append([]*wire.MsgTx{coinbase(height)}, txs...),
	}

	m.blocks = append(m.blocks, block)
	m.byHash[block.BlockHash()] = height

	return block
}

// AddBlock mines a new block with the given transactions on top of the tip.
func (m *MockChain) AddBlock(txs ...*wire.MsgTx) *wire.MsgBlock {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.appendBlock(txs)
}

// AddBlocks mines n empty blocks.
func (m *MockChain) AddBlocks(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i := 0; i < n; i++ {
		m.appendBlock(nil)
	}
}

// BlockAt returns the block at the given height.
func (m *MockChain) BlockAt(height int32) *wire.MsgBlock {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.blocks[height]
}

// HashAt returns the hash of the block at the given height.
func (m *MockChain) HashAt(height int32) chainhash.Hash {
	return m.BlockAt(height).BlockHash()
}

// SetPeers sets the number of connected peers.
func (m *MockChain) SetPeers(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.peers = n
}

// SetFetchHook installs a function run before every block request.
func (m *MockChain) SetFetchHook(hook func(hash chainhash.Hash) error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.fetchHook = hook
}

// SetBroadcastHook installs the function deciding the result of BroadcastTx.
func (m *MockChain) SetBroadcastHook(hook func(tx *wire.MsgTx) error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.broadcastHook = hook
}

// AddMempoolTx makes the transaction visible to mempool queries.
func (m *MockChain) AddMempoolTx(tx *wire.MsgTx) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.mempool[tx.TxHash()] = tx
}

// FetchCalls returns the number of requests made for the given block.
func (m *MockChain) FetchCalls(hash chainhash.Hash) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.fetchCalls[hash]
}

// TotalFetches returns the number of block requests made so far.
func (m *MockChain) TotalFetches() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.totalFetches
}

// FetchPeers returns the peer index used by every block request in order.
func (m *MockChain) FetchPeers() []int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return append([]int(nil), m.fetchPeers...)
}

// MempoolCalls returns the number of mempool queries made so far.
func (m *MockChain) MempoolCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.mempoolCalls
}

// Broadcasts returns the transactions passed to BroadcastTx.
func (m *MockChain) Broadcasts() []*wire.MsgTx {
	m.mu.Lock()
	defer m.mu.Unlock()

	return append([]*wire.MsgTx(nil), m.broadcasts...)
}

// Watches returns the outpoints registered for watching.
func (m *MockChain) Watches() []wire.OutPoint {
	m.mu.Lock()
	defer m.mu.Unlock()

	return append([]wire.OutPoint(nil), m.watches...)
}

// BestBlock returns the height and hash of the tip.
func (m *MockChain) BestBlock(_ context.Context) (int32, chainhash.Hash,
	error) {

	m.mu.Lock()
	defer m.mu.Unlock()

	height := int32(len(m.blocks) - 1)

	return height, m.blocks[height].BlockHash(), nil
}

// GenesisHash returns the hash of the first block.
func (m *MockChain) GenesisHash() chainhash.Hash {
	return m.HashAt(0)
}

// PeerCount returns the configured number of peers.
func (m *MockChain) PeerCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.peers
}

// FetchBlock returns a block, running the fetch hook first.
func (m *MockChain) FetchBlock(ctx context.Context, peer int,
	hash chainhash.Hash) (*wire.MsgBlock, error) {

	m.mu.Lock()
	m.totalFetches++
	m.fetchCalls[hash]++
	m.fetchPeers = append(m.fetchPeers, peer)
	hook := m.fetchHook
	m.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if hook != nil {
		if err := hook(hash); err != nil {
			return nil, err
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	height, ok := m.byHash[hash]
	if !ok {
		return nil, fmt.Errorf("%w: block %v", ErrMockNotFound, hash)
	}

	return m.blocks[height], nil
}

// FetchMempoolTx looks the transaction up in the mock mempool.
func (m *MockChain) FetchMempoolTx(_ context.Context, _ int,
	txid chainhash.Hash) (*wire.MsgTx, error) {

	m.mu.Lock()
	defer m.mu.Unlock()

	m.mempoolCalls++

	tx, ok := m.mempool[txid]
	if !ok {
		return nil, fmt.Errorf("%w: tx %v", ErrMockNotFound, txid)
	}

	return tx, nil
}

// BlockHeight returns the height of a known block.
func (m *MockChain) BlockHeight(_ context.Context,
	hash chainhash.Hash) (int32, error) {

	m.mu.Lock()
	defer m.mu.Unlock()

	height, ok := m.byHash[hash]
	if !ok {
		return 0, fmt.Errorf("%w: block %v", ErrMockNotFound, hash)
	}

	return height, nil
}

// BroadcastTx records the transaction and returns the broadcast hook result.
func (m *MockChain) BroadcastTx(_ context.Context, tx *wire.MsgTx) error {
	m.mu.Lock()
	m.broadcasts = append(m.broadcasts, tx)
	hook := m.broadcastHook
	m.mu.Unlock()

	if hook != nil {
		return hook(tx)
	}

	return nil
}

// RegisterWatch records the watch request.
func (m *MockChain) RegisterWatch(_ context.Context, op wire.OutPoint,
	pkScript []byte) error {

	m.mu.Lock()
	defer m.mu.Unlock()

	m.watches = append(m.watches, op)
	m.watchScripts = append(m.watchScripts, pkScript)

	return nil
}

// WatchScripts returns the scripts registered for watching.
func (m *MockChain) WatchScripts() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()

	return append([][]byte(nil), m.watchScripts...)
}
