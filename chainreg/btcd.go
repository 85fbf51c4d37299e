package chainreg

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/rpcclient"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/chainwatch/chainaccess"
	"github.com/lightningnetwork/chainwatch/lncfg"
	"github.com/lightningnetwork/lnd/fn/v2"
)

// DefaultMinOutboundPeers is the number of outbound peers below which a
// warning about the backend's connectivity is logged.
const DefaultMinOutboundPeers = 6

// btcdClient is the part of the btcd websocket client the backend uses.
type btcdClient interface {
	GetBestBlock() (*chainhash.Hash, int32, error)
	GetBlock(blockHash *chainhash.Hash) (*wire.MsgBlock, error)
	GetBlockHeaderVerbose(
		blockHash *chainhash.Hash) (*btcjson.GetBlockHeaderVerboseResult,
		error)
	GetRawTransaction(txHash *chainhash.Hash) (*btcutil.Tx, error)
	GetPeerInfo() ([]btcjson.GetPeerInfoResult, error)
	SendRawTransaction(tx *wire.MsgTx,
		allowHighFees bool) (*chainhash.Hash, error)
	LoadTxFilter(reload bool, addresses []btcutil.Address,
		outPoints []wire.OutPoint) error
}

// BtcdBackend is a ChainSource talking to a btcd full node over websocket
// RPC. The node is the only peer: every peer index maps to it.
type BtcdBackend struct {
	started sync.Once
	stopped sync.Once

	params *chaincfg.Params

	// conn is set when the backend owns a live connection, client is
	// what every query goes through.
	conn   *rpcclient.Client
	client btcdClient

	notifier
}

// A compile time check to ensure BtcdBackend implements the ChainSource
// interface.
var _ chainaccess.ChainSource = (*BtcdBackend)(nil)

// NewBtcdConnConfig builds the websocket connection config from the btcd
// options. The certificate is read from disk unless given raw.
func NewBtcdConnConfig(cfg *lncfg.Btcd,
	params *chaincfg.Params) (*rpcclient.ConnConfig, error) {

	var (
		rpcCert []byte
		err     error
	)
	if cfg.RawRPCCert != "" {
		rpcCert, err = hex.DecodeString(cfg.RawRPCCert)
		if err != nil {
			return nil, fmt.Errorf("invalid raw rpc cert: %w", err)
		}
	} else {
		rpcCert, err = os.ReadFile(lncfg.CleanAndExpandPath(cfg.RPCCert))
		if err != nil {
			return nil, fmt.Errorf("unable to read rpc cert: %w", err)
		}
	}

	// If the specified host for the btcd RPC server already has a port
	// specified, then we use that directly. Otherwise, we assume the
	// default port according to the selected chain parameters.
	btcdHost := cfg.RPCHost
	if !strings.Contains(btcdHost, ":") {
		btcdHost = fmt.Sprintf("%v:%v", btcdHost, defaultRPCPort(params))
	}

	return &rpcclient.ConnConfig{
		Host:                 btcdHost,
		Endpoint:             "ws",
		User:                 cfg.RPCUser,
		Pass:                 cfg.RPCPass,
		Certificates:         rpcCert,
		DisableTLS:           false,
		DisableConnectOnNew:  true,
		DisableAutoReconnect: false,
	}, nil
}

// defaultRPCPort returns btcd's default RPC port for the network.
func defaultRPCPort(params *chaincfg.Params) string {
	switch params.Net {
	case wire.TestNet3, wire.TestNet:
		return "18334"

	case wire.SimNet:
		return "18556"

	default:
		return "8334"
	}
}

// NewBtcdBackend creates a backend on a new, not yet connected websocket
// client. Notifications go to sink once Start connected it.
func NewBtcdBackend(connCfg *rpcclient.ConnConfig, params *chaincfg.Params,
	sink EventSink) (*BtcdBackend, error) {

	b := newBtcdBackend(nil, params, sink)

	ntfnCallbacks := &rpcclient.NotificationHandlers{
		OnFilteredBlockConnected:    b.onFilteredBlockConnected,
		OnFilteredBlockDisconnected: b.onFilteredBlockDisconnected,
		OnRelevantTxAccepted:        b.onRelevantTxAccepted,
	}

	conn, err := rpcclient.New(connCfg, ntfnCallbacks)
	if err != nil {
		return nil, err
	}
	b.conn = conn
	b.client = conn

	return b, nil
}

func newBtcdBackend(client btcdClient, params *chaincfg.Params,
	sink EventSink) *BtcdBackend {

	return &BtcdBackend{
		params: params,
		client: client,
		notifier: notifier{
			sink:    sink,
			watches: newWatchSet(),
		},
	}
}

// Start connects to btcd and registers for block notifications.
func (b *BtcdBackend) Start() error {
	var startErr error
	b.started.Do(func() {
		log.Info("Btcd backend starting")

		if b.conn == nil {
			return
		}

		if err := b.conn.Connect(20); err != nil {
			startErr = err
			return
		}
		if err := b.conn.NotifyBlocks(); err != nil {
			startErr = err
			return
		}

		if err := checkOutboundPeers(b.client); err != nil {
			log.Warnf("Unable to query btcd peers: %v", err)
		}
	})

	return startErr
}

// Stop disconnects from btcd.
func (b *BtcdBackend) Stop() error {
	b.stopped.Do(func() {
		log.Info("Btcd backend stopping")

		if b.conn != nil {
			b.conn.Shutdown()
			b.conn.WaitForShutdown()
		}
	})

	return nil
}

// BestBlock returns the node's chain tip.
func (b *BtcdBackend) BestBlock(ctx context.Context) (int32, chainhash.Hash,
	error) {

	type tip struct {
		hash   *chainhash.Hash
		height int32
	}

	best, err := callWithContext(ctx, func() (tip, error) {
		hash, height, err := b.client.GetBestBlock()
		return tip{hash: hash, height: height}, err
	})
	if err != nil {
		return 0, chainhash.Hash{}, err
	}

	return best.height, *best.hash, nil
}

// GenesisHash returns the genesis hash of the configured network.
func (b *BtcdBackend) GenesisHash() chainhash.Hash {
	return *b.params.GenesisHash
}

// PeerCount returns 1 while the node answers, the node stands in for the
// peer set.
func (b *BtcdBackend) PeerCount() int {
	if b.conn != nil && b.conn.Disconnected() {
		return 0
	}

	return 1
}

// FetchBlock requests the block from the node.
func (b *BtcdBackend) FetchBlock(ctx context.Context, _ int,
	hash chainhash.Hash) (*wire.MsgBlock, error) {

	return callWithContext(ctx, func() (*wire.MsgBlock, error) {
		return b.client.GetBlock(&hash)
	})
}

// FetchMempoolTx asks the node for the transaction. Without a transaction
// index only unconfirmed transactions are found.
func (b *BtcdBackend) FetchMempoolTx(ctx context.Context, _ int,
	txid chainhash.Hash) (*wire.MsgTx, error) {

	tx, err := callWithContext(ctx, func() (*btcutil.Tx, error) {
		return b.client.GetRawTransaction(&txid)
	})
	if isRPCCode(err, btcjson.ErrRPCNoTxInfo) {
		return nil, fmt.Errorf("%w: %v", chainaccess.ErrTxNotFound, txid)
	}
	if err != nil {
		return nil, err
	}

	return tx.MsgTx(), nil
}

// BlockHeight looks the block header up on the node.
func (b *BtcdBackend) BlockHeight(ctx context.Context,
	hash chainhash.Hash) (int32, error) {

	header, err := callWithContext(ctx,
		func() (*btcjson.GetBlockHeaderVerboseResult, error) {
			return b.client.GetBlockHeaderVerbose(&hash)
		},
	)
	if err != nil {
		return 0, err
	}

	return header.Height, nil
}

// BroadcastTx submits the transaction. Policy rejections are known right
// away and wrap chainaccess.ErrTxRejected.
func (b *BtcdBackend) BroadcastTx(ctx context.Context, tx *wire.MsgTx) error {
	_, err := callWithContext(ctx, func() (*chainhash.Hash, error) {
		return b.client.SendRawTransaction(tx, false)
	})

	return mapBtcdSendErr(err)
}

// mapBtcdSendErr classifies a sendrawtransaction error. A transaction the
// node already has counts as submitted.
func mapBtcdSendErr(err error) error {
	switch {
	case err == nil:
		return nil

	case isRPCCode(err, btcjson.ErrRPCTxAlreadyInChain):
		log.Debugf("Transaction already known to btcd: %v", err)
		return nil

	case isRPCCode(err, btcjson.ErrRPCTxError),
		isRPCCode(err, btcjson.ErrRPCTxRejected):

		return fmt.Errorf("%w: %w", chainaccess.ErrTxRejected, err)

	default:
		return err
	}
}

// isRPCCode returns true if err is a btcd RPC error with the given code.
func isRPCCode(err error, code btcjson.RPCErrorCode) bool {
	var rpcErr *btcjson.RPCError
	if !errors.As(err, &rpcErr) {
		return false
	}

	return rpcErr.Code == code
}

// RegisterWatch adds the outpoint and the script's address to the node's
// transaction filter.
func (b *BtcdBackend) RegisterWatch(ctx context.Context, op wire.OutPoint,
	pkScript []byte) error {

	if !b.watches.add(op, pkScript) {
		return nil
	}

	addrs, err := scriptAddrs(pkScript, b.params)
	if err != nil {
		return err
	}

	log.Debugf("Watching outpoint %v, addresses %v", op, addrs)

	_, err = callWithContext(ctx, func() (struct{}, error) {
		return struct{}{}, b.client.LoadTxFilter(
			false, addrs, []wire.OutPoint{op},
		)
	})

	return err
}

// scriptAddrs returns the addresses a watch script pays to.
func scriptAddrs(pkScript []byte,
	params *chaincfg.Params) ([]btcutil.Address, error) {

	if len(pkScript) == 0 {
		return nil, nil
	}

	_, addrs, _, err := txscript.ExtractPkScriptAddrs(pkScript, params)
	if err != nil {
		return nil, fmt.Errorf("unable to parse watch script: %w", err)
	}

	return addrs, nil
}

// onFilteredBlockConnected implements the OnFilteredBlockConnected callback
// for rpcclient.
func (b *BtcdBackend) onFilteredBlockConnected(height int32,
	header *wire.BlockHeader, txns []*btcutil.Tx) {

	txs := make([]*wire.MsgTx, 0, len(txns))
	for _, tx := range txns {
		txs = append(txs, tx.MsgTx())
	}

	b.connectBlock(height, header.BlockHash(), txs)
}

// onFilteredBlockDisconnected implements the OnFilteredBlockDisconnected
// callback for rpcclient.
func (b *BtcdBackend) onFilteredBlockDisconnected(height int32,
	header *wire.BlockHeader) {

	b.disconnectBlock(height, header.BlockHash())
}

// onRelevantTxAccepted implements the OnRelevantTxAccepted callback for
// rpcclient. It is called for unconfirmed transactions matching the filter.
func (b *BtcdBackend) onRelevantTxAccepted(transaction []byte) {
	var tx wire.MsgTx
	if err := tx.Deserialize(bytes.NewReader(transaction)); err != nil {
		log.Errorf("Unable to decode relevant transaction: %v", err)
		return
	}

	b.relevantTx(&tx, fn.None[chainhash.Hash]())
}

// checkOutboundPeers logs a warning if the node has fewer than
// DefaultMinOutboundPeers outbound peers.
func checkOutboundPeers(client btcdClient) error {
	peers, err := client.GetPeerInfo()
	if err != nil {
		return err
	}

	var outboundPeers int
	for _, peer := range peers {
		if !peer.Inbound {
			outboundPeers++
		}
	}

	if outboundPeers < DefaultMinOutboundPeers {
		log.Warnf("The chain backend has an insufficient number "+
			"of connected outbound peers (%d connected, expected "+
			"minimum is %d) which can be a security issue. "+
			"Connect to more trusted nodes manually if necessary.",
			outboundPeers, DefaultMinOutboundPeers)
	}

	return nil
}
