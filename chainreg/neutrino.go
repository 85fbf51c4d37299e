package chainreg

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/rpcclient"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcwallet/walletdb"
	"github.com/lightninglabs/neutrino"
	"github.com/lightninglabs/neutrino/cache"
	"github.com/lightninglabs/neutrino/cache/lru"
	"github.com/lightninglabs/neutrino/headerfs"
	"github.com/lightninglabs/neutrino/pushtx"
	"github.com/lightningnetwork/chainwatch/chainaccess"
	"github.com/lightningnetwork/chainwatch/chainio"
	"github.com/lightningnetwork/chainwatch/lncfg"

	// Register the bolt walletdb driver the header database is opened
	// with.
	_ "github.com/btcsuite/btcwallet/walletdb/bdb"
)

// boltBackendName is the walletdb driver of the header database.
const boltBackendName = "bdb"

// neutrinoNode is the part of the neutrino ChainService the backend uses.
type neutrinoNode interface {
	BestBlock() (*headerfs.BlockStamp, error)
	GetBlock(blockHash chainhash.Hash,
		options ...neutrino.QueryOption) (*btcutil.Block, error)
	GetBlockHeight(hash *chainhash.Hash) (int32, error)
	Peers() []*neutrino.ServerPeer
	SendTransaction(tx *wire.MsgTx) error
}

// rescanUpdater extends a running rescan's watch list.
type rescanUpdater interface {
	Update(options ...neutrino.UpdateOption) error
}

// mempoolTx is an unconfirmed transaction in the LRU cache. Every
// transaction counts as one entry.
type mempoolTx struct {
	*wire.MsgTx
}

// Size returns 1.
func (m *mempoolTx) Size() (uint64, error) {
	return 1, nil
}

// NeutrinoBackend is a ChainSource on top of the neutrino light client.
// Watched outpoints and scripts feed a rescan whose filtered blocks become
// dispatcher events.
//
// Neutrino picks the peer for every query itself, so the peer index of a
// request is ignored. It offers no mempool query either: transactions it
// relayed successfully are kept in an LRU cache that answers
// FetchMempoolTx.
type NeutrinoBackend struct {
	started sync.Once
	stopped sync.Once

	params *chaincfg.Params

	cs   *neutrino.ChainService
	node neutrinoNode

	mempool *lru.Cache[chainhash.Hash, *mempoolTx]

	rescanMtx sync.Mutex
	rescan    rescanUpdater

	notifier

	wg   sync.WaitGroup
	quit chan struct{}
}

// A compile time check to ensure NeutrinoBackend implements the ChainSource
// interface.
var _ chainaccess.ChainSource = (*NeutrinoBackend)(nil)

// NewNeutrinoBackend creates a backend on a started chain service.
func NewNeutrinoBackend(cs *neutrino.ChainService, params *chaincfg.Params,
	mempoolSize uint64, sink EventSink) *NeutrinoBackend {

	b := newNeutrinoBackend(cs, params, mempoolSize, sink)
	b.cs = cs

	return b
}

func newNeutrinoBackend(node neutrinoNode, params *chaincfg.Params,
	mempoolSize uint64, sink EventSink) *NeutrinoBackend {

	return &NeutrinoBackend{
		params:  params,
		node:    node,
		mempool: lru.NewCache[chainhash.Hash, *mempoolTx](mempoolSize),
		notifier: notifier{
			sink:    sink,
			watches: newWatchSet(),
		},
		quit: make(chan struct{}),
	}
}

// NewNeutrinoChainService opens the header database below dataDir and
// starts a light client on it. The returned cleanup stops the client and
// closes the database.
func NewNeutrinoChainService(cfg *lncfg.Neutrino, dataDir string,
	params *chaincfg.Params) (*neutrino.ChainService, func(), error) {

	// We append the normalized network name here to match the behavior
	// of btcwallet.
	dbPath := filepath.Join(dataDir, lncfg.NormalizeNetwork(params.Name))
	if err := os.MkdirAll(dbPath, 0700); err != nil {
		return nil, nil, err
	}

	dbName := filepath.Join(dbPath, lncfg.NeutrinoDBName)
	db, err := walletdb.Create(
		boltBackendName, dbName, !cfg.SyncFreelist, cfg.DBTimeout,
		false,
	)
	if err != nil {
		return nil, nil, fmt.Errorf("unable to create neutrino "+
			"database: %w", err)
	}

	config := neutrino.Config{
		DataDir:          dbPath,
		Database:         db,
		ChainParams:      *params,
		AddPeers:         cfg.AddPeers,
		ConnectPeers:     cfg.ConnectPeers,
		BroadcastTimeout: cfg.BroadcastTimeout,
		PersistToDisk:    cfg.PersistFilters,
	}

	neutrino.MaxPeers = cfg.MaxPeers

	cs, err := neutrino.NewChainService(config)
	if err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("unable to create neutrino light "+
			"client: %w", err)
	}

	if err := cs.Start(); err != nil {
		db.Close()
		return nil, nil, err
	}

	cleanUp := func() {
		if err := cs.Stop(); err != nil {
			log.Infof("Unable to stop neutrino light client: %v", err)
		}
		db.Close()
	}

	return cs, cleanUp, nil
}

// Start launches the rescan from the current tip with everything watched so
// far.
func (b *NeutrinoBackend) Start() error {
	var startErr error
	b.started.Do(func() {
		log.Info("Neutrino backend starting")

		if b.cs == nil {
			return
		}

		startingPoint, err := b.cs.BestBlock()
		if err != nil {
			startErr = err
			return
		}

		// Watches registered from here on wait for the rescan and are
		// added through an update.
		b.rescanMtx.Lock()
		defer b.rescanMtx.Unlock()

		inputs, addrs, err := b.watchList(b.watches.snapshot())
		if err != nil {
			startErr = err
			return
		}

		// A rescan needs at least one item to watch, so we'll add a
		// zero outpoint that won't actually be matched.
		if len(inputs) == 0 {
			inputs = append(inputs, neutrino.InputWithScript{})
		}

		rescanOptions := []neutrino.RescanOption{
			neutrino.StartBlock(startingPoint),
			neutrino.QuitChan(b.quit),
			neutrino.NotificationHandlers(
				rpcclient.NotificationHandlers{
					OnFilteredBlockConnected:    b.onFilteredBlockConnected,
					OnFilteredBlockDisconnected: b.onFilteredBlockDisconnected,
				},
			),
			neutrino.WatchInputs(inputs...),
		}
		if len(addrs) > 0 {
			rescanOptions = append(
				rescanOptions, neutrino.WatchAddrs(addrs...),
			)
		}

		rescan := neutrino.NewRescan(
			&neutrino.RescanChainSource{
				ChainService: b.cs,
			},
			rescanOptions...,
		)
		errChan := rescan.Start()
		b.rescan = rescan

		b.wg.Add(1)
		go b.monitorRescan(errChan)
	})

	return startErr
}

// Stop ends the rescan.
func (b *NeutrinoBackend) Stop() error {
	b.stopped.Do(func() {
		log.Info("Neutrino backend stopping")

		close(b.quit)
		b.wg.Wait()

		b.rescanMtx.Lock()
		rescan, ok := b.rescan.(*neutrino.Rescan)
		b.rescanMtx.Unlock()
		if ok {
			rescan.WaitForShutdown()
		}
	})

	return nil
}

// monitorRescan logs a rescan that ended with an error.
//
// NOTE: Must be run as a goroutine.
func (b *NeutrinoBackend) monitorRescan(errChan <-chan error) {
	defer b.wg.Done()

	select {
	case err := <-errChan:
		if err != nil {
			log.Errorf("Rescan ended: %v", err)
		}

	case <-b.quit:
	}
}

// watchList converts watched outpoints into rescan inputs and their scripts
// into addresses.
func (b *NeutrinoBackend) watchList(
	outpoints map[wire.OutPoint][]byte) ([]neutrino.InputWithScript,
	[]btcutil.Address, error) {

	var (
		inputs []neutrino.InputWithScript
		addrs  []btcutil.Address
	)
	for op, pkScript := range outpoints {
		inputs = append(inputs, neutrino.InputWithScript{
			OutPoint: op,
			PkScript: pkScript,
		})

		scriptAddrs, err := scriptAddrs(pkScript, b.params)
		if err != nil {
			return nil, nil, err
		}
		addrs = append(addrs, scriptAddrs...)
	}

	return inputs, addrs, nil
}

// BestBlock returns the tip of the header chain.
func (b *NeutrinoBackend) BestBlock(ctx context.Context) (int32,
	chainhash.Hash, error) {

	best, err := callWithContext(ctx, b.node.BestBlock)
	if err != nil {
		return 0, chainhash.Hash{}, err
	}

	return best.Height, best.Hash, nil
}

// GenesisHash returns the genesis hash of the configured network.
func (b *NeutrinoBackend) GenesisHash() chainhash.Hash {
	return *b.params.GenesisHash
}

// PeerCount returns the number of connected peers.
func (b *NeutrinoBackend) PeerCount() int {
	return len(b.node.Peers())
}

// FetchBlock downloads the block from a peer of neutrino's choice.
func (b *NeutrinoBackend) FetchBlock(ctx context.Context, _ int,
	hash chainhash.Hash) (*wire.MsgBlock, error) {

	block, err := callWithContext(ctx, func() (*btcutil.Block, error) {
		return b.node.GetBlock(hash)
	})
	if err != nil {
		return nil, err
	}

	return block.MsgBlock(), nil
}

// FetchMempoolTx returns a transaction this backend relayed.
func (b *NeutrinoBackend) FetchMempoolTx(_ context.Context, _ int,
	txid chainhash.Hash) (*wire.MsgTx, error) {

	tx, err := b.mempool.Get(txid)
	if errors.Is(err, cache.ErrElementNotFound) {
		return nil, fmt.Errorf("%w: %v", chainaccess.ErrTxNotFound, txid)
	}
	if err != nil {
		return nil, err
	}

	return tx.MsgTx, nil
}

// BlockHeight looks the height up in the header chain.
func (b *NeutrinoBackend) BlockHeight(ctx context.Context,
	hash chainhash.Hash) (int32, error) {

	return callWithContext(ctx, func() (int32, error) {
		return b.node.GetBlockHeight(&hash)
	})
}

// BroadcastTx hands the transaction to neutrino and returns. Neutrino waits
// for reject messages of its peers, a rejection is reported as a reject
// event once it arrives.
func (b *NeutrinoBackend) BroadcastTx(_ context.Context, tx *wire.MsgTx) error {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()

		b.handleSendResult(tx, b.node.SendTransaction(tx))
	}()

	return nil
}

// handleSendResult caches a relayed transaction or reports its rejection.
func (b *NeutrinoBackend) handleSendResult(tx *wire.MsgTx, err error) {
	txid := tx.TxHash()

	var broadcastErr *pushtx.BroadcastError
	switch {
	case err == nil:
		log.Debugf("Transaction %v relayed", txid)

	case errors.As(err, &broadcastErr) &&
		(broadcastErr.Code == pushtx.Mempool ||
			broadcastErr.Code == pushtx.Confirmed):

		log.Debugf("Transaction %v already known: %v", txid, err)

	case errors.As(err, &broadcastErr) &&
		(broadcastErr.Code == pushtx.Invalid ||
			broadcastErr.Code == pushtx.InsufficientFee):

		log.Infof("Transaction %v rejected: %v", txid, err)
		b.notify(chainio.NewRejectEvent(txid, broadcastErr.Reason))

		return

	default:
		log.Warnf("Unable to relay transaction %v: %v", txid, err)
		return
	}

	_, _ = b.mempool.Put(txid, &mempoolTx{MsgTx: tx})
}

// RegisterWatch adds the outpoint and the script's address to the rescan.
func (b *NeutrinoBackend) RegisterWatch(_ context.Context, op wire.OutPoint,
	pkScript []byte) error {

	inputs, addrs, err := b.watchList(map[wire.OutPoint][]byte{
		op: pkScript,
	})
	if err != nil {
		return err
	}

	b.rescanMtx.Lock()
	added := b.watches.add(op, pkScript)
	rescan := b.rescan
	b.rescanMtx.Unlock()

	// The watch list is handed to the rescan on start.
	if !added || rescan == nil {
		return nil
	}

	log.Debugf("Watching outpoint %v, addresses %v", op, addrs)

	updates := []neutrino.UpdateOption{neutrino.AddInputs(inputs...)}
	if len(addrs) > 0 {
		updates = append(updates, neutrino.AddAddrs(addrs...))
	}

	return rescan.Update(updates...)
}

// onFilteredBlockConnected is the rescan's OnFilteredBlockConnected
// callback.
func (b *NeutrinoBackend) onFilteredBlockConnected(height int32,
	header *wire.BlockHeader, txns []*btcutil.Tx) {

	txs := make([]*wire.MsgTx, 0, len(txns))
	for _, tx := range txns {
		txs = append(txs, tx.MsgTx())
	}

	b.connectBlock(height, header.BlockHash(), txs)
}

// onFilteredBlockDisconnected is the rescan's OnFilteredBlockDisconnected
// callback.
func (b *NeutrinoBackend) onFilteredBlockDisconnected(height int32,
	header *wire.BlockHeader) {

	b.disconnectBlock(height, header.BlockHash())
}
