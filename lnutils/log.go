package lnutils

import (
	"log/slog"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btclog/v2"
	"github.com/davecgh/go-spew/spew"
)

// LogClosure is used to provide a closure over expensive logging operations so
// don't have to be performed when the logging level doesn't warrant it.
type LogClosure func() string

// String invokes the underlying function and returns the result.
func (c LogClosure) String() string {
	return c()
}

// NewLogClosure returns a new closure over a function that returns a string
// which itself provides a Stringer interface so that it can be used with the
// logging system.
func NewLogClosure(c func() string) LogClosure {
	return LogClosure(c)
}

// SpewLogClosure takes an interface and returns the string of it created from
// `spew.Sdump` in a LogClosure.
func SpewLogClosure(a any) LogClosure {
	return func() string {
		return spew.Sdump(a)
	}
}

// LogPeer returns a slog attribute for a peer identifier, abbreviated to its
// first six bytes.
func LogPeer(key string, peer [33]byte) slog.Attr {
	return btclog.Hex6(key, peer[:])
}

// LogHash returns a slog attribute for a block or transaction hash in its
// usual display form.
func LogHash(key string, hash chainhash.Hash) slog.Attr {
	return btclog.Fmt(key, "%v", hash)
}

// LogOutPoint returns a slog attribute for an outpoint.
func LogOutPoint(key string, op wire.OutPoint) slog.Attr {
	return btclog.Fmt(key, "%v", op)
}
