package chainwatch

import (
	"github.com/btcsuite/btcd/rpcclient"
	btclogv1 "github.com/btcsuite/btclog"
	"github.com/btcsuite/btclog/v2"
	"github.com/lightninglabs/neutrino"
	"github.com/lightningnetwork/chainwatch/blockcache"
	"github.com/lightningnetwork/chainwatch/broadcast"
	"github.com/lightningnetwork/chainwatch/build"
	"github.com/lightningnetwork/chainwatch/chainaccess"
	"github.com/lightningnetwork/chainwatch/chainio"
	"github.com/lightningnetwork/chainwatch/chainreg"
	"github.com/lightningnetwork/chainwatch/chainscan"
	"github.com/lightningnetwork/chainwatch/chanwatch"
	"github.com/lightningnetwork/chainwatch/signal"
)

// Subsystem defines the logging code for the watcher.
const Subsystem = "CHWT"

// log is the watcher's logger. It is disabled until SetupLoggers is called.
var log = build.NewSubLogger(Subsystem, nil)

// SetupLoggers initializes all package-global logger variables.
func SetupLoggers(root *build.SubLoggerManager, shutdown func()) {
	// Define a subsystem logger for the watcher itself and register it
	// with the root logger.
	log = build.NewSubLogger(Subsystem, genSubLogger(root, shutdown))
	SetSubLogger(root, Subsystem, log)

	AddSubLogger(root, chainaccess.Subsystem, shutdown,
		chainaccess.UseLogger)
	AddSubLogger(root, blockcache.Subsystem, shutdown,
		blockcache.UseLogger)
	AddSubLogger(root, chanwatch.Subsystem, shutdown, chanwatch.UseLogger)
	AddSubLogger(root, chainscan.Subsystem, shutdown, chainscan.UseLogger)
	AddSubLogger(root, broadcast.Subsystem, shutdown, broadcast.UseLogger)
	AddSubLogger(root, chainio.Subsystem, shutdown, chainio.UseLogger)
	AddSubLogger(root, chainreg.Subsystem, shutdown, chainreg.UseLogger)
	AddSubLogger(root, signal.Subsystem, shutdown, signal.UseLogger)

	AddV1SubLogger(root, "BTCN", shutdown, neutrino.UseLogger)
	AddV1SubLogger(root, "RPCC", shutdown, rpcclient.UseLogger)
}

// AddSubLogger is a helper method to conveniently create and register the
// logger of one or more sub systems.
func AddSubLogger(root *build.SubLoggerManager, subsystem string,
	shutdown func(), useLoggers ...func(btclog.Logger)) {

	// genSubLogger will return a callback for creating a logger instance,
	// which we will give to the root logger.
	genLogger := genSubLogger(root, shutdown)

	// Create and register just a single logger to prevent them from
	// overwriting each other internally.
	logger := build.NewSubLogger(subsystem, genLogger)
	SetSubLogger(root, subsystem, logger, useLoggers...)
}

// SetSubLogger is a helper method to conveniently register the logger of a
// sub system.
func SetSubLogger(root *build.SubLoggerManager, subsystem string,
	logger btclog.Logger, useLoggers ...func(btclog.Logger)) {

	root.RegisterSubLogger(subsystem, logger)
	for _, useLogger := range useLoggers {
		useLogger(logger)
	}
}

// AddV1SubLogger registers the logger of a sub system that still expects a
// btclog v1 logger.
func AddV1SubLogger(root *build.SubLoggerManager, subsystem string,
	shutdown func(), useLoggers ...func(btclogv1.Logger)) {

	logger := build.NewSubLogger(subsystem, genSubLogger(root, shutdown))
	root.RegisterSubLogger(subsystem, logger)

	for _, useLogger := range useLoggers {
		useLogger(logger)
	}
}

// genSubLogger creates a logger for a subsystem. A critical log line written
// through it calls shutdown.
func genSubLogger(root *build.SubLoggerManager,
	shutdown func()) func(string) btclog.Logger {

	return func(tag string) btclog.Logger {
		return root.GenSubLogger(tag, shutdown)
	}
}
