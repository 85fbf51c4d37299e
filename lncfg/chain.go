package lncfg

import (
	"fmt"
	"time"
)

const (
	// DefaultBlockCacheSize is the byte capacity of the block cache.
	DefaultBlockCacheSize uint64 = 20 * 1024 * 1024

	// DefaultTxCacheSize is the entry capacity of the transaction cache.
	DefaultTxCacheSize uint64 = 50_000
)

// Fetch holds the chain access policy.
//
//nolint:lll
type Fetch struct {
	Timeout              time.Duration `long:"timeout" description:"The time a single peer gets to answer a block request."`
	MaxRetries           int           `long:"maxretries" description:"The number of attempts made for one block while every attempt times out."`
	DownloadFailureLimit int32         `long:"downloadfailurelimit" description:"The number of failed block downloads tolerated before the chain backend is considered unavailable."`
	PeerFailureLimit     int32         `long:"peerfailurelimit" description:"The number of consecutive queries without a connected peer tolerated before giving up."`
	MempoolTimeout       time.Duration `long:"mempooltimeout" description:"The time a peer gets to answer a mempool query."`
}

// Validate checks that every limit is usable.
//
// NOTE: Part of the Validator interface.
func (f *Fetch) Validate() error {
	switch {
	case f.Timeout <= 0:
		return fmt.Errorf("fetch.timeout must be positive, got %v",
			f.Timeout)

	case f.MaxRetries < 1:
		return fmt.Errorf("fetch.maxretries must be at least 1, got %d",
			f.MaxRetries)

	case f.DownloadFailureLimit < 0:
		return fmt.Errorf("fetch.downloadfailurelimit must not be "+
			"negative, got %d", f.DownloadFailureLimit)

	case f.PeerFailureLimit < 0:
		return fmt.Errorf("fetch.peerfailurelimit must not be "+
			"negative, got %d", f.PeerFailureLimit)

	case f.MempoolTimeout <= 0:
		return fmt.Errorf("fetch.mempooltimeout must be positive, "+
			"got %v", f.MempoolTimeout)
	}

	return nil
}

// Cache holds the capacities of the block and transaction caches.
//
//nolint:lll
type Cache struct {
	BlockSize uint64 `long:"blocksize" description:"The maximum capacity of the block cache in bytes."`
	TxEntries uint64 `long:"txentries" description:"The maximum number of transactions kept in the transaction cache."`
}

// Validate checks that both caches can hold something.
//
// NOTE: Part of the Validator interface.
func (c *Cache) Validate() error {
	if c.BlockSize == 0 || c.TxEntries == 0 {
		return fmt.Errorf("cache.blocksize and cache.txentries must " +
			"be positive")
	}

	return nil
}

// Broadcast holds the retry policy of transaction broadcasts.
//
//nolint:lll
type Broadcast struct {
	RejectWait  time.Duration `long:"rejectwait" description:"The time an attempt waits for a reject message before it counts as a success."`
	MaxAttempts int           `long:"maxattempts" description:"The number of submissions made for one transaction."`
}

// Validate checks the retry policy.
//
// NOTE: Part of the Validator interface.
func (b *Broadcast) Validate() error {
	if b.RejectWait <= 0 {
		return fmt.Errorf("broadcast.rejectwait must be positive, "+
			"got %v", b.RejectWait)
	}

	if b.MaxAttempts < 1 {
		return fmt.Errorf("broadcast.maxattempts must be at least 1, "+
			"got %d", b.MaxAttempts)
	}

	return nil
}

// Refresh holds the policy of the confirmation refresh of unpublished
// channels.
//
//nolint:lll
type Refresh struct {
	Interval      time.Duration `long:"interval" description:"The period of the refresh that runs when no block arrives."`
	Timeout       time.Duration `long:"timeout" description:"The time one refresh round may take."`
	MaxConcurrent int           `long:"maxconcurrent" description:"The number of channels refreshed in parallel."`
}

// Validate checks the refresh policy.
//
// NOTE: Part of the Validator interface.
func (r *Refresh) Validate() error {
	if r.Interval <= 0 || r.Timeout <= 0 {
		return fmt.Errorf("refresh.interval and refresh.timeout must " +
			"be positive")
	}

	if r.MaxConcurrent < 1 {
		return fmt.Errorf("refresh.maxconcurrent must be at least 1, "+
			"got %d", r.MaxConcurrent)
	}

	return nil
}
