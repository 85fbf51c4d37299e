package build

import (
	"context"

	"github.com/btcsuite/btclog/v2"
)

// ShutdownLogger is a logger that requests a shutdown after every critical
// log line. The watcher logs an unavailable chain at the critical level, so
// this is how the daemon stops once the chain backend is gone.
type ShutdownLogger struct {
	btclog.Logger
	shutdown func()
}

// NewShutdownLogger wraps logger so that critical lines call shutdown.
func NewShutdownLogger(logger btclog.Logger, shutdown func()) *ShutdownLogger {
	return &ShutdownLogger{
		Logger:   logger,
		shutdown: shutdown,
	}
}

func (s *ShutdownLogger) requestShutdown() {
	s.Logger.Info("Sending request for shutdown")
	s.shutdown()
}

// Criticalf logs at LevelCritical and requests a shutdown.
//
// NOTE: part of the btclog.Logger interface.
func (s *ShutdownLogger) Criticalf(format string, params ...interface{}) {
	s.Logger.Criticalf(format, params...)
	s.requestShutdown()
}

// Critical logs at LevelCritical and requests a shutdown.
//
// NOTE: part of the btclog.Logger interface.
func (s *ShutdownLogger) Critical(v ...interface{}) {
	s.Logger.Critical(v...)
	s.requestShutdown()
}

// CriticalS writes a structured line at LevelCritical and requests a
// shutdown.
//
// NOTE: part of the btclog.Logger interface.
func (s *ShutdownLogger) CriticalS(ctx context.Context, msg string, err error,
	attr ...interface{}) {

	s.Logger.CriticalS(ctx, msg, err, attr...)
	s.requestShutdown()
}
