package build

import (
	"fmt"
	"strings"

	"github.com/btcsuite/btclog/v2"
)

// NewSubLogger constructs a new subsystem log from the given generator. If no
// generator is supplied the returned logger is disabled, which is what the
// package level init functions rely on before the root logger is set up.
func NewSubLogger(subsystem string,
	genSubLogger func(string) btclog.Logger) btclog.Logger {

	if genSubLogger == nil {
		return btclog.Disabled
	}

	return genSubLogger(subsystem)
}

// SubLoggers is a type that holds a map of subsystem loggers keyed by their
// subsystem name.
type SubLoggers map[string]btclog.Logger

// LeveledSubLogger provides the ability to retrieve the subsystem loggers of
// a logger and set their log levels individually or all at once.
type LeveledSubLogger interface {
	// SubLoggers returns the map of all registered subsystem loggers.
	SubLoggers() SubLoggers

	// SupportedSubsystems returns a slice of strings containing the names
	// of the supported subsystems. Should ideally correspond to the keys
	// of the subsystem logger map and be sorted.
	SupportedSubsystems() []string

	// SetLogLevel assigns an individual subsystem logger a new log level.
	SetLogLevel(subsystemID string, logLevel string)

	// SetLogLevels assigns all subsystem loggers the same new log level.
	SetLogLevels(logLevel string)
}

// ParseAndSetDebugLevels applies a debug level string to logger. The string
// is either a single level for every subsystem or a comma separated list of
// subsystem=level pairs, optionally led by a global level, for example
// "info,CHAC=debug,CSCN=trace".
func ParseAndSetDebugLevels(level string, logger LeveledSubLogger) error {
	pairs := strings.Split(level, ",")

	// A leading entry without a subsystem applies to all of them.
	if !strings.Contains(pairs[0], "=") {
		if !validLogLevel(pairs[0]) {
			return invalidLevelErr(pairs[0])
		}

		logger.SetLogLevels(pairs[0])
		pairs = pairs[1:]
	}

	subLoggers := logger.SubLoggers()
	for _, pair := range pairs {
		subsysID, logLevel, ok := strings.Cut(pair, "=")
		switch {
		case !ok:
			return fmt.Errorf("the specified debug level contains "+
				"an invalid subsystem/level pair [%v]", pair)

		case strings.Contains(logLevel, "="):
			return fmt.Errorf("the specified debug level has an "+
				"invalid format [%v] -- use format "+
				"subsystem1=level1,subsystem2=level2", pair)
		}

		if _, exists := subLoggers[subsysID]; !exists {
			return fmt.Errorf("the specified subsystem [%v] is "+
				"invalid -- supported subsystems are %v",
				subsysID, logger.SupportedSubsystems())
		}

		if !validLogLevel(logLevel) {
			return invalidLevelErr(logLevel)
		}

		logger.SetLogLevel(subsysID, logLevel)
	}

	return nil
}

func invalidLevelErr(level string) error {
	return fmt.Errorf("the specified debug level [%v] is invalid", level)
}

// validLogLevel returns whether logLevel names a btclog level.
func validLogLevel(logLevel string) bool {
	_, ok := btclog.LevelFromString(logLevel)

	return ok
}
