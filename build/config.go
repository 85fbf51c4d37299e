package build

import (
	"fmt"

	"github.com/btcsuite/btclog/v2"
)

const (
	callSiteOff   = "off"
	callSiteShort = "short"
	callSiteLong  = "long"

	// handlerSkipDepth is the call-site skip depth of handlers wrapped in a
	// handlerSet, one deeper than the btclog default.
	handlerSkipDepth = 7

	// DefaultMaxLogFiles is the number of rotated log files kept by
	// default.
	DefaultMaxLogFiles = 10

	// DefaultMaxLogFileSize is the default size in MB at which the log file
	// is rotated.
	DefaultMaxLogFileSize = 20
)

// callSiteFlags maps the call-site option onto the btclog caller flags.
var callSiteFlags = map[string]uint32{
	callSiteShort: btclog.Lshortfile,
	callSiteLong:  btclog.Llongfile,
}

// LogConfig holds the options of the console and file loggers.
//
//nolint:lll
type LogConfig struct {
	Console *ConsoleLoggerConfig `group:"console" namespace:"console" description:"The logger writing to the terminal."`
	File    *FileLoggerConfig    `group:"file" namespace:"file" description:"The logger writing to the chainwatch log file."`
}

// DefaultLogConfig returns the default logging options: both loggers enabled,
// console on stdout and a gzip compressed rotating log file.
func DefaultLogConfig() *LogConfig {
	return &LogConfig{
		Console: &ConsoleLoggerConfig{
			LoggerConfig: LoggerConfig{
				CallSite: callSiteOff,
			},
		},
		File: &FileLoggerConfig{
			LoggerConfig: LoggerConfig{
				CallSite: callSiteOff,
			},
			Compressor:     Gzip,
			MaxLogFiles:    DefaultMaxLogFiles,
			MaxLogFileSize: DefaultMaxLogFileSize,
		},
	}
}

// Validate checks the rotation options, the flag parser only enforces the
// choice lists.
func (c *LogConfig) Validate() error {
	switch {
	case !SupportedLogCompressor(c.File.Compressor):
		return fmt.Errorf("invalid log compressor: %v",
			c.File.Compressor)

	case c.File.MaxLogFiles < 0:
		return fmt.Errorf("logging.file.max-files must not be "+
			"negative, got %d", c.File.MaxLogFiles)

	case c.File.MaxLogFileSize < 0:
		return fmt.Errorf("logging.file.max-file-size must not be "+
			"negative, got %d", c.File.MaxLogFileSize)
	}

	return nil
}

// LoggerConfig holds the options shared by every logger.
//
//nolint:lll
type LoggerConfig struct {
	Disable      bool   `long:"disable" description:"Disable this logger."`
	NoTimestamps bool   `long:"no-timestamps" description:"Omit timestamps from log lines."`
	CallSite     string `long:"call-site" description:"Include the call-site of each log line." choice:"off" choice:"short" choice:"long"`
}

// HandlerOptions translates the options into btclog handler options.
func (cfg *LoggerConfig) HandlerOptions() []btclog.HandlerOption {
	opts := []btclog.HandlerOption{
		btclog.WithCallSiteSkipDepth(handlerSkipDepth),
	}

	if cfg.NoTimestamps {
		opts = append(opts, btclog.WithNoTimestamp())
	}

	if flags, ok := callSiteFlags[cfg.CallSite]; ok {
		opts = append(opts, btclog.WithCallerFlags(flags))
	}

	return opts
}

// ConsoleLoggerConfig holds the console logger options.
//
//nolint:lll
type ConsoleLoggerConfig struct {
	LoggerConfig
	Style  bool `long:"style" description:"Style the output with color and fonts."`
	Stderr bool `long:"stderr" description:"Write log lines to stderr instead of stdout."`
}

// FileLoggerConfig holds the log file options.
//
//nolint:lll
type FileLoggerConfig struct {
	LoggerConfig
	Compressor     string `long:"compressor" description:"Compression algorithm used for rotated log files." choice:"gzip" choice:"zstd"`
	MaxLogFiles    int    `long:"max-files" description:"Maximum number of rotated log files to keep (0 for no rotation)."`
	MaxLogFileSize int    `long:"max-file-size" description:"Log file size in MB at which the file is rotated."`
}
