package chainwatch

import (
	"context"
	"fmt"

	"github.com/lightningnetwork/chainwatch/build"
	"github.com/lightningnetwork/chainwatch/lnutils"
	"github.com/lightningnetwork/chainwatch/signal"
)

// Main is the true entry point of the chainwatch daemon. It sets up logging,
// starts the watcher on the configured backend and blocks until a shutdown
// is requested through the interceptor.
func Main(cfg *Config, interceptor signal.Interceptor) error {
	if err := cfg.InitLogging(interceptor.RequestShutdown); err != nil {
		return err
	}
	defer func() {
		log.Info("Shutdown complete")
		if err := cfg.LogRotator.Close(); err != nil {
			fmt.Printf("unable to close log rotator: %v\n", err)
		}
	}()

	// Show version at startup.
	log.Infof("Version: %s commit=%s, build=%s, debuglevel=%s",
		build.Version(), build.Commit, build.Deployment, cfg.DebugLevel)
	log.Infof("Active chain: %v (network=%v, backend=%v)",
		cfg.ActiveNetParams.Name, cfg.Network, cfg.Backend)

	// A critical log line requests the shutdown, the chain backend is
	// gone for good.
	onEscalation := func(err error) {
		log.Criticalf("Chain backend unavailable: %v", err)
	}

	watcher, cleanUp, err := NewWatcherFromConfig(cfg, onEscalation)
	if err != nil {
		log.Errorf("Unable to create watcher: %v", err)
		return err
	}
	defer cleanUp()

	if err := watcher.Start(); err != nil {
		log.Errorf("Unable to start watcher: %v", err)
		return err
	}
	defer func() {
		if err := watcher.Stop(); err != nil {
			log.Errorf("Unable to stop watcher: %v", err)
		}
	}()

	ctx := context.Background()
	height, hash, err := watcher.BestBlock(ctx)
	if err != nil {
		log.Warnf("Unable to query chain tip: %v", err)
	} else {
		log.InfoS(ctx, "Watching chain", lnutils.LogHash("tip", hash),
			"height", height)
	}

	// Wait for shutdown signal from either a graceful stop or from the
	// interrupt handler.
	<-interceptor.ShutdownChannel()

	return nil
}
