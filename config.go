package chainwatch

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	flags "github.com/jessevdk/go-flags"
	"github.com/lightningnetwork/chainwatch/broadcast"
	"github.com/lightningnetwork/chainwatch/build"
	"github.com/lightningnetwork/chainwatch/chainaccess"
	"github.com/lightningnetwork/chainwatch/chainio"
	"github.com/lightningnetwork/chainwatch/chainreg"
	"github.com/lightningnetwork/chainwatch/lncfg"
)

const (
	defaultDataDirname     = "data"
	defaultChainSubDirname = "chain"
	defaultLogDirname      = "logs"
	defaultLogFilename     = "chainwatch.log"
	defaultLogLevel        = "info"
	defaultNetwork         = "testnet"
	defaultRPCCertFilename = "rpc.cert"
)

var (
	// DefaultChainwatchDir is the default directory where chainwatch
	// tries to find its configuration file and store its data.
	DefaultChainwatchDir = btcutil.AppDataDir("chainwatch", false)

	// DefaultConfigFile is the default full path of chainwatch's
	// configuration file.
	DefaultConfigFile = filepath.Join(
		DefaultChainwatchDir, lncfg.DefaultConfigFilename,
	)

	defaultDataDir = filepath.Join(DefaultChainwatchDir, defaultDataDirname)
	defaultLogDir  = filepath.Join(DefaultChainwatchDir, defaultLogDirname)
)

// Config defines the configuration options for chainwatch.
//
// See LoadConfig for further details regarding the configuration loading+
// parsing process.
//
//nolint:lll
type Config struct {
	ShowVersion bool `short:"V" long:"version" description:"Display version information and exit"`

	ChainwatchDir string `long:"chainwatchdir" description:"The base directory that contains chainwatch's data, logs, configuration file, etc. This option overwrites all other directory options."`
	ConfigFile    string `short:"C" long:"configfile" description:"Path to configuration file"`
	DataDir       string `short:"b" long:"datadir" description:"The directory to store chainwatch's data within"`
	LogDir        string `long:"logdir" description:"Directory to log output."`

	DebugLevel string `short:"d" long:"debuglevel" description:"Logging level for all subsystems {trace, debug, info, warn, error, critical} -- You may also specify <global-level>,<subsystem>=<level>,<subsystem2>=<level>,... to set the log level for individual subsystems -- Use show to list available subsystems"`

	Network string `long:"network" description:"The network to watch" choice:"mainnet" choice:"testnet" choice:"testnet3" choice:"regtest" choice:"simnet" choice:"signet"`
	Backend string `long:"backend" description:"The chain backend to use" choice:"btcd" choice:"neutrino"`

	BtcdMode     *lncfg.Btcd     `group:"btcd" namespace:"btcd"`
	NeutrinoMode *lncfg.Neutrino `group:"neutrino" namespace:"neutrino"`

	Fetch     *lncfg.Fetch     `group:"fetch" namespace:"fetch"`
	Cache     *lncfg.Cache     `group:"cache" namespace:"cache"`
	Broadcast *lncfg.Broadcast `group:"broadcast" namespace:"broadcast"`
	Refresh   *lncfg.Refresh   `group:"refresh" namespace:"refresh"`

	LogConfig *build.LogConfig `group:"logging" namespace:"logging"`

	// ChainDir is the directory the chain backend keeps its data in.
	ChainDir string

	// ActiveNetParams contains parameters of the target chain.
	ActiveNetParams *chaincfg.Params

	// LogRotator is the rotating log file writer, set up by
	// InitLogging.
	LogRotator *build.RotatingLogWriter

	// SubLogMgr is the root logger all subsystem loggers are derived
	// from, set up by InitLogging.
	SubLogMgr *build.SubLoggerManager
}

// DefaultConfig returns all default values for the Config struct.
func DefaultConfig() Config {
	return Config{
		ChainwatchDir: DefaultChainwatchDir,
		ConfigFile:    DefaultConfigFile,
		DataDir:       defaultDataDir,
		LogDir:        defaultLogDir,
		DebugLevel:    defaultLogLevel,
		Network:       defaultNetwork,
		Backend:       lncfg.DefaultBackend,
		BtcdMode:      lncfg.DefaultBtcd(),
		NeutrinoMode:  lncfg.DefaultNeutrino(),
		Fetch: &lncfg.Fetch{
			Timeout:              chainaccess.DefaultFetchTimeout,
			MaxRetries:           chainaccess.DefaultMaxFetchRetries,
			DownloadFailureLimit: chainaccess.DefaultDownloadFailureLimit,
			PeerFailureLimit:     chainaccess.DefaultPeerFailureLimit,
			MempoolTimeout:       chainaccess.DefaultMempoolTimeout,
		},
		Cache: &lncfg.Cache{
			BlockSize: lncfg.DefaultBlockCacheSize,
			TxEntries: lncfg.DefaultTxCacheSize,
		},
		Broadcast: &lncfg.Broadcast{
			RejectWait:  broadcast.DefaultRejectWait,
			MaxAttempts: broadcast.DefaultMaxAttempts,
		},
		Refresh: &lncfg.Refresh{
			Interval:      chainio.DefaultRefreshInterval,
			Timeout:       chainio.DefaultRefreshTimeout,
			MaxConcurrent: chainio.DefaultMaxConcurrentRefresh,
		},
		LogConfig: build.DefaultLogConfig(),
	}
}

// LoadConfig initializes and parses the config using a config file and command
// line options.
//
// The configuration proceeds as follows:
//  1. Start with a default config with sane settings
//  2. Pre-parse the command line to check for an alternative config file
//  3. Load configuration file overwriting defaults with any specified options
//  4. Parse CLI options and overwrite/add any specified options
func LoadConfig(args []string) (*Config, error) {
	// Pre-parse the command line options to pick up an alternative config
	// file.
	preCfg := DefaultConfig()
	if _, err := flags.NewParser(&preCfg, flags.Default).ParseArgs(
		args,
	); err != nil {
		return nil, err
	}

	// Show the version and exit if the version flag was specified.
	appName := filepath.Base(os.Args[0])
	appName = strings.TrimSuffix(appName, filepath.Ext(appName))
	usageMessage := fmt.Sprintf("Use %s -h to show usage", appName)
	if preCfg.ShowVersion {
		fmt.Println(appName, "version", build.Version(),
			"commit="+build.Commit)
		os.Exit(0)
	}

	// If the config file path has not been modified by the user, then we'll
	// use the default config file path. However, if the user has modified
	// their chainwatchdir, then we should assume they intend to use the
	// config file within it.
	configFileDir := lncfg.CleanAndExpandPath(preCfg.ChainwatchDir)
	configFilePath := lncfg.CleanAndExpandPath(preCfg.ConfigFile)
	if configFileDir != DefaultChainwatchDir &&
		configFilePath == DefaultConfigFile {

		configFilePath = filepath.Join(
			configFileDir, lncfg.DefaultConfigFilename,
		)
	}

	// Next, load any additional configuration options from the file.
	var configFileError error
	cfg := preCfg
	if err := flags.IniParse(configFilePath, &cfg); err != nil {
		// If it's a parsing related error, then we'll return
		// immediately, otherwise we can proceed as possibly the config
		// file doesn't exist which is OK.
		var iniErr *flags.IniError
		if errors.As(err, &iniErr) {
			return nil, err
		}

		configFileError = err
	}

	// Finally, parse the remaining command line options again to ensure
	// they take precedence.
	if _, err := flags.NewParser(&cfg, flags.Default).ParseArgs(
		args,
	); err != nil {
		return nil, err
	}

	// Make sure everything we just loaded makes sense.
	cleanCfg, err := ValidateConfig(cfg, usageMessage)
	if err != nil {
		return nil, err
	}

	// Warn about missing config file only after all other configuration is
	// done. This prevents the warning on help messages and invalid
	// options.
	if configFileError != nil {
		log.Warnf("%v", configFileError)
	}

	return cleanCfg, nil
}

// ValidateConfig check the given configuration to be sane. This makes sure no
// illegal values or combination of values are set. All file system paths are
// normalized. The cleaned up config is returned on success.
func ValidateConfig(cfg Config, usageMessage string) (*Config, error) {
	// If the provided chainwatch directory is not the default, we'll
	// modify the path to all of the files and directories that will live
	// within it.
	chainwatchDir := lncfg.CleanAndExpandPath(cfg.ChainwatchDir)
	if chainwatchDir != DefaultChainwatchDir {
		cfg.DataDir = filepath.Join(chainwatchDir, defaultDataDirname)
		cfg.LogDir = filepath.Join(chainwatchDir, defaultLogDirname)
	}

	// As soon as we're done parsing configuration options, ensure all paths
	// to directories and files are cleaned and expanded before attempting
	// to use them later on.
	cfg.DataDir = lncfg.CleanAndExpandPath(cfg.DataDir)
	cfg.LogDir = lncfg.CleanAndExpandPath(cfg.LogDir)
	cfg.BtcdMode.Dir = lncfg.CleanAndExpandPath(cfg.BtcdMode.Dir)
	cfg.BtcdMode.RPCCert = lncfg.CleanAndExpandPath(cfg.BtcdMode.RPCCert)

	params, err := chainreg.ParamsForNetwork(cfg.Network)
	if err != nil {
		return nil, mkErr("%v: %v", err, usageMessage)
	}
	cfg.ActiveNetParams = params

	validators := []lncfg.Validator{
		cfg.Fetch, cfg.Cache, cfg.Broadcast, cfg.Refresh, cfg.LogConfig,
	}

	switch cfg.Backend {
	case lncfg.BtcdBackendName:
		// The certificate of a local btcd is found in its home
		// directory.
		if cfg.BtcdMode.RPCCert == "" && cfg.BtcdMode.RawRPCCert == "" {
			cfg.BtcdMode.RPCCert = filepath.Join(
				cfg.BtcdMode.Dir, defaultRPCCertFilename,
			)
		}
		validators = append(validators, cfg.BtcdMode)

	case lncfg.NeutrinoBackendName:
		validators = append(validators, cfg.NeutrinoMode)

		// Neutrino reports a reject only once its broadcast timeout
		// passed, a broadcast must wait longer than that.
		if cfg.Broadcast.RejectWait <= cfg.NeutrinoMode.BroadcastTimeout {
			return nil, mkErr("broadcast.rejectwait (%v) must "+
				"exceed neutrino.broadcasttimeout (%v)",
				cfg.Broadcast.RejectWait,
				cfg.NeutrinoMode.BroadcastTimeout)
		}

	default:
		return nil, mkErr("unknown backend %q: %v", cfg.Backend,
			usageMessage)
	}

	if err := lncfg.Validate(validators...); err != nil {
		return nil, mkErr("%v", err)
	}

	// The backend data and the logs are kept per network.
	cfg.ChainDir = filepath.Join(cfg.DataDir, defaultChainSubDirname)
	cfg.LogDir = filepath.Join(
		cfg.LogDir, lncfg.NormalizeNetwork(cfg.ActiveNetParams.Name),
	)

	return &cfg, nil
}

// InitLogging creates the root logger writing to the console and the log
// file, registers every subsystem with it and applies the debug level.
// shutdown is called when a critical error is logged.
func (c *Config) InitLogging(shutdown func()) error {
	c.LogRotator = build.NewRotatingLogWriter()
	c.SubLogMgr = build.NewSubLoggerManager(
		build.NewDefaultLogHandlers(c.LogConfig, c.LogRotator)...,
	)

	// Special show command to list supported subsystems and exit.
	SetupLoggers(c.SubLogMgr, shutdown)
	if c.DebugLevel == "show" {
		fmt.Println("Supported subsystems",
			c.SubLogMgr.SupportedSubsystems())
		os.Exit(0)
	}

	err := c.LogRotator.InitLogRotator(
		c.LogConfig.File, filepath.Join(c.LogDir, defaultLogFilename),
	)
	if err != nil {
		return mkErr("log rotation setup failed: %v", err)
	}

	// Parse, validate, and set debug log level(s).
	err = build.ParseAndSetDebugLevels(c.DebugLevel, c.SubLogMgr)
	if err != nil {
		return mkErr("%v", err)
	}

	return nil
}

// mkErr creates a new error from the given message and arguments, prefixed
// with the name of the config stage it happened in.
func mkErr(format string, args ...interface{}) error {
	return fmt.Errorf("loadConfig: "+format, args...)
}
