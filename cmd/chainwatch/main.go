package main

import (
	"context"
	"fmt"
	"os"

	"github.com/lightningnetwork/chainwatch"
	"github.com/lightningnetwork/chainwatch/build"
	"github.com/urfave/cli"
)

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "[chainwatch] %v\n", err)
	os.Exit(1)
}

// getWatcher loads the config named by the global flags and starts a watcher
// on the configured backend. Log output only goes to the log file.
func getWatcher(ctx *cli.Context) (*chainwatch.Watcher, func()) {
	args := []string{"--logging.console.disable"}
	for _, name := range []string{
		"chainwatchdir", "configfile", "network", "backend",
		"debuglevel",
	} {
		if ctx.GlobalIsSet(name) {
			args = append(args, fmt.Sprintf("--%s=%s", name,
				ctx.GlobalString(name)))
		}
	}

	cfg, err := chainwatch.LoadConfig(args)
	if err != nil {
		fatal(err)
	}

	if err := cfg.InitLogging(func() {}); err != nil {
		fatal(err)
	}

	watcher, cleanUpBackend, err := chainwatch.NewWatcherFromConfig(
		cfg, nil,
	)
	if err != nil {
		fatal(err)
	}

	if err := watcher.Start(); err != nil {
		cleanUpBackend()
		fatal(err)
	}

	cleanUp := func() {
		if err := watcher.Stop(); err != nil {
			fmt.Fprintf(os.Stderr, "unable to stop watcher: %v\n",
				err)
		}
		cleanUpBackend()
		_ = cfg.LogRotator.Close()
	}

	return watcher, cleanUp
}

func getContext() context.Context {
	return context.Background()
}

func main() {
	app := cli.NewApp()
	app.Name = "chainwatch"
	app.Version = build.Version() + " commit=" + build.Commit
	app.Usage = "query the chain through the chainwatch backend"
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "chainwatchdir",
			Value: chainwatch.DefaultChainwatchDir,
			Usage: "The path to chainwatch's base directory.",
		},
		cli.StringFlag{
			Name:  "configfile",
			Value: chainwatch.DefaultConfigFile,
			Usage: "The path to chainwatch's configuration file.",
		},
		cli.StringFlag{
			Name:  "network, n",
			Usage: "The network to query, one of mainnet, testnet, " +
				"regtest, simnet and signet.",
		},
		cli.StringFlag{
			Name:  "backend",
			Usage: "The chain backend to use, btcd or neutrino.",
		},
		cli.StringFlag{
			Name:  "debuglevel",
			Usage: "The log level written to the log file.",
		},
	}
	app.Commands = []cli.Command{
		getBlockCountCommand,
		getGenesisHashCommand,
		getConfirmationCommand,
		getScidTxidCommand,
		searchOutpointCommand,
		searchScriptsCommand,
		checkUnspentCommand,
		checkBroadcastCommand,
		broadcastCommand,
	}

	if err := app.Run(os.Args); err != nil {
		fatal(err)
	}
}
