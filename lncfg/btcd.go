package lncfg

import (
	"errors"

	"github.com/btcsuite/btcd/btcutil"
)

var (
	// DefaultBtcdDir is the default data directory of btcd.
	DefaultBtcdDir = btcutil.AppDataDir("btcd", false)

	defaultBtcdRPCHost = "localhost"
)

// Btcd holds the configuration options for the connection to a btcd node.
//
//nolint:lll
type Btcd struct {
	Dir        string `long:"dir" description:"The base directory that contains the node's data, logs, configuration file, etc."`
	RPCHost    string `long:"rpchost" description:"The daemon's rpc listening address. If a port is omitted, then the default port for the selected chain parameters will be used."`
	RPCUser    string `long:"rpcuser" description:"Username for RPC connections"`
	RPCPass    string `long:"rpcpass" default-mask:"-" description:"Password for RPC connections"`
	RPCCert    string `long:"rpccert" description:"File containing the daemon's certificate file"`
	RawRPCCert string `long:"rawrpccert" description:"The raw bytes of the daemon's PEM-encoded certificate chain which will be used to authenticate the RPC connection."`
}

// DefaultBtcd returns the btcd options with the default host and
// certificate location.
func DefaultBtcd() *Btcd {
	return &Btcd{
		Dir:     DefaultBtcdDir,
		RPCHost: defaultBtcdRPCHost,
	}
}

// Validate checks that credentials were given.
//
// NOTE: Part of the Validator interface.
func (b *Btcd) Validate() error {
	if b.RPCUser == "" || b.RPCPass == "" {
		return errors.New("btcd.rpcuser and btcd.rpcpass must be set")
	}

	if b.RPCCert == "" && b.RawRPCCert == "" {
		return errors.New("either btcd.rpccert or btcd.rawrpccert " +
			"must be set")
	}

	return nil
}
