package chainreg

import (
	"fmt"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/lightningnetwork/chainwatch/chainaccess"
	"github.com/lightningnetwork/chainwatch/lncfg"
)

// Backend is a chain source with a lifecycle.
type Backend interface {
	chainaccess.ChainSource

	// Start connects the backend and starts delivering notifications.
	Start() error

	// Stop disconnects the backend.
	Stop() error
}

// Config houses the fields needed to create a chain backend.
type Config struct {
	// Backend is the name of the backend, one of lncfg.BtcdBackendName
	// and lncfg.NeutrinoBackendName.
	Backend string

	// ChainDir is the directory the backend keeps its data in.
	ChainDir string

	// ActiveNetParams is the network the backend operates on.
	ActiveNetParams *chaincfg.Params

	// BtcdMode defines settings for connecting to a btcd node.
	BtcdMode *lncfg.Btcd

	// NeutrinoMode defines settings for the neutrino light client.
	NeutrinoMode *lncfg.Neutrino

	// Sink receives the backend's notifications.
	Sink EventSink
}

// NewBackend creates the configured chain backend. The returned cleanup
// releases what was opened for the backend and must only be called once the
// backend was stopped.
func NewBackend(cfg *Config) (Backend, func(), error) {
	log.Infof("Creating %v chain backend on %v", cfg.Backend,
		cfg.ActiveNetParams.Name)

	switch cfg.Backend {
	case lncfg.BtcdBackendName:
		connCfg, err := NewBtcdConnConfig(
			cfg.BtcdMode, cfg.ActiveNetParams,
		)
		if err != nil {
			return nil, nil, err
		}

		backend, err := NewBtcdBackend(
			connCfg, cfg.ActiveNetParams, cfg.Sink,
		)
		if err != nil {
			return nil, nil, err
		}

		return backend, func() {}, nil

	case lncfg.NeutrinoBackendName:
		cs, cleanUp, err := NewNeutrinoChainService(
			cfg.NeutrinoMode, cfg.ChainDir, cfg.ActiveNetParams,
		)
		if err != nil {
			return nil, nil, err
		}

		backend := NewNeutrinoBackend(
			cs, cfg.ActiveNetParams, cfg.NeutrinoMode.MempoolCacheSize,
			cfg.Sink,
		)

		return backend, cleanUp, nil

	default:
		return nil, nil, fmt.Errorf("unknown chain backend %q",
			cfg.Backend)
	}
}

// ParamsForNetwork returns the chain parameters of a network name.
func ParamsForNetwork(network string) (*chaincfg.Params, error) {
	switch network {
	case "mainnet":
		return &chaincfg.MainNetParams, nil

	case "testnet", "testnet3":
		return &chaincfg.TestNet3Params, nil

	case "regtest":
		return &chaincfg.RegressionNetParams, nil

	case "simnet":
		return &chaincfg.SimNetParams, nil

	case "signet":
		return &chaincfg.SigNetParams, nil

	default:
		return nil, fmt.Errorf("unknown network %q", network)
	}
}
