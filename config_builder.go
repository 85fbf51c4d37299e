package chainwatch

import (
	"fmt"

	"github.com/lightningnetwork/chainwatch/chainaccess"
	"github.com/lightningnetwork/chainwatch/chainreg"
	"github.com/lightningnetwork/chainwatch/lnutils"
)

// NewWatcherFromConfig creates a watcher on top of the chain backend selected
// by the config. The returned cleanup releases the backend's resources and
// must be called after the watcher was stopped.
func NewWatcherFromConfig(cfg *Config,
	onEscalation func(error)) (*Watcher, func(), error) {

	if err := lnutils.CreateDir(cfg.ChainDir, 0700); err != nil {
		return nil, nil, fmt.Errorf("unable to create chain dir: %w",
			err)
	}

	cleanUp := func() {}
	newSource := func(sink chainreg.EventSink) (chainaccess.ChainSource,
		error) {

		backend, backendCleanUp, err := chainreg.NewBackend(
			&chainreg.Config{
				Backend:         cfg.Backend,
				ChainDir:        cfg.ChainDir,
				ActiveNetParams: cfg.ActiveNetParams,
				BtcdMode:        cfg.BtcdMode,
				NeutrinoMode:    cfg.NeutrinoMode,
				Sink:            sink,
			},
		)
		if err != nil {
			return nil, err
		}
		cleanUp = backendCleanUp

		return backend, nil
	}

	watcherCfg := DefaultWatcherConfig(newSource)
	watcherCfg.Fetch = cfg.Fetch
	watcherCfg.Cache = cfg.Cache
	watcherCfg.Broadcast = cfg.Broadcast
	watcherCfg.Refresh = cfg.Refresh
	watcherCfg.OnEscalation = onEscalation

	watcher, err := NewWatcher(watcherCfg)
	if err != nil {
		cleanUp()
		return nil, nil, err
	}

	return watcher, cleanUp, nil
}
