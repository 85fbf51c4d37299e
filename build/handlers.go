package build

import (
	"fmt"
	"io"
	"os"

	btclogv1 "github.com/btcsuite/btclog"
	"github.com/btcsuite/btclog/v2"
)

const (
	ansiReset  = "\033[0m"
	ansiBold   = "\033[1m"
	ansiFaint  = "\033[2m"
	ansiRed    = "\033[31m"
	ansiYellow = "\033[33m"
	ansiBlue   = "\033[34m"
	ansiCyan   = "\033[36m"
)

// levelStyles are the console colors of each level. Info is left plain.
var levelStyles = map[btclogv1.Level][]string{
	btclogv1.LevelTrace:    {ansiFaint},
	btclogv1.LevelDebug:    {ansiBlue},
	btclogv1.LevelWarn:     {ansiYellow},
	btclogv1.LevelError:    {ansiRed},
	btclogv1.LevelCritical: {ansiBold, ansiRed},
}

// styleString wraps s in the given ANSI styles.
func styleString(s string, styles ...string) string {
	if len(styles) == 0 {
		return s
	}

	var prefix string
	for _, style := range styles {
		prefix += style
	}

	return prefix + s + ansiReset
}

// styledOptions returns the handler options coloring the level, the call
// site and attribute keys of a console line.
func styledOptions() []btclog.HandlerOption {
	return []btclog.HandlerOption{
		btclog.WithStyledLevel(func(level btclogv1.Level) string {
			return styleString(
				fmt.Sprintf("[%s]", level), levelStyles[level]...,
			)
		}),
		btclog.WithStyledCallSite(func(file string, line int) string {
			return styleString(fmt.Sprintf("%s:%d", file, line),
				ansiFaint)
		}),
		btclog.WithStyledKeys(func(key string) string {
			return styleString(key, ansiCyan)
		}),
	}
}

// NewDefaultLogHandlers builds the enabled console and log file handlers. The
// file handler is skipped when no rotator is given.
func NewDefaultLogHandlers(cfg *LogConfig,
	rotator *RotatingLogWriter) []btclog.Handler {

	var handlers []btclog.Handler

	if !cfg.Console.Disable {
		var out io.Writer = os.Stdout
		if cfg.Console.Stderr {
			out = os.Stderr
		}

		opts := cfg.Console.HandlerOptions()
		if cfg.Console.Style {
			opts = append(opts, styledOptions()...)
		}

		handlers = append(handlers, btclog.NewDefaultHandler(
			out, opts...,
		))
	}

	if !cfg.File.Disable && rotator != nil {
		handlers = append(handlers, btclog.NewDefaultHandler(
			rotator, cfg.File.HandlerOptions()...,
		))
	}

	return handlers
}
