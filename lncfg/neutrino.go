package lncfg

import (
	"fmt"
	"time"
)

const (
	// DefaultNeutrinoMaxPeers is the number of outbound peers the light
	// client keeps.
	DefaultNeutrinoMaxPeers = 8

	// DefaultNeutrinoBroadcastTimeout bounds how long the light client
	// waits for peers to request a broadcast transaction.
	DefaultNeutrinoBroadcastTimeout = time.Second

	// DefaultNeutrinoMempoolCacheSize is the number of unconfirmed
	// relevant transactions remembered by the light client backend.
	DefaultNeutrinoMempoolCacheSize = 1000

	// NeutrinoDBName is the file name of the header database.
	NeutrinoDBName = "neutrino.db"
)

// Neutrino holds the configuration options for the neutrino light client.
//
//nolint:lll
type Neutrino struct {
	AddPeers         []string      `short:"a" long:"addpeer" description:"Add a peer to connect with at startup"`
	ConnectPeers     []string      `long:"connect" description:"Connect only to the specified peers at startup"`
	MaxPeers         int           `long:"maxpeers" description:"Max number of inbound and outbound peers"`
	BroadcastTimeout time.Duration `long:"broadcasttimeout" description:"The amount of time to wait before giving up on a transaction broadcast attempt."`
	PersistFilters   bool          `long:"persistfilters" description:"Whether compact filters fetched from the P2P network should be persisted to disk."`
	SyncFreelist     bool          `long:"syncfreelist" description:"Whether the header database syncs its freelist to disk."`
	DBTimeout        time.Duration `long:"dbtimeout" description:"The time to wait for the header database to be opened."`
	MempoolCacheSize uint64        `long:"mempoolcachesize" description:"The number of unconfirmed relevant transactions kept to answer mempool queries."`
}

// DefaultNeutrino returns the neutrino options with their defaults.
func DefaultNeutrino() *Neutrino {
	return &Neutrino{
		MaxPeers:         DefaultNeutrinoMaxPeers,
		BroadcastTimeout: DefaultNeutrinoBroadcastTimeout,
		DBTimeout:        time.Minute,
		MempoolCacheSize: DefaultNeutrinoMempoolCacheSize,
	}
}

// Validate checks the peer limit and cache size.
//
// NOTE: Part of the Validator interface.
func (n *Neutrino) Validate() error {
	if n.MaxPeers <= 0 {
		return fmt.Errorf("a non-zero number must be set for " +
			"neutrino.maxpeers")
	}

	if n.MempoolCacheSize == 0 {
		return fmt.Errorf("neutrino.mempoolcachesize must be positive")
	}

	return nil
}
