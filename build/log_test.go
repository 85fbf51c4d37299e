package build

import (
	"sort"
	"testing"

	"github.com/stretchr/testify/require"
)

// mockSubLogger records the levels applied through the LeveledSubLogger
// interface.
type mockSubLogger struct {
	levels map[string]string
}

func newMockSubLogger(subsystems ...string) *mockSubLogger {
	m := &mockSubLogger{levels: make(map[string]string)}
	for _, s := range subsystems {
		m.levels[s] = ""
	}

	return m
}

func (m *mockSubLogger) SubLoggers() SubLoggers {
	loggers := make(SubLoggers)
	for s := range m.levels {
		loggers[s] = nil
	}

	return loggers
}

func (m *mockSubLogger) SupportedSubsystems() []string {
	var subsystems []string
	for s := range m.levels {
		subsystems = append(subsystems, s)
	}
	sort.Strings(subsystems)

	return subsystems
}

func (m *mockSubLogger) SetLogLevel(subsystemID string, logLevel string) {
	m.levels[subsystemID] = logLevel
}

func (m *mockSubLogger) SetLogLevels(logLevel string) {
	for s := range m.levels {
		m.levels[s] = logLevel
	}
}

// TestParseAndSetDebugLevels tests that we can properly set the log levels for
// all and individual subsystems.
func TestParseAndSetDebugLevels(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name           string
		debugLevel     string
		expErr         string
		expectedLevels map[string]string
	}{
		{
			name:       "no subsystem",
			debugLevel: "debug",
			expectedLevels: map[string]string{
				"CHAC": "debug",
				"CSCN": "debug",
			},
		},
		{
			name:       "global and one subsystem",
			debugLevel: "info,CSCN=trace",
			expectedLevels: map[string]string{
				"CHAC": "info",
				"CSCN": "trace",
			},
		},
		{
			name:       "only one subsystem",
			debugLevel: "CHAC=warn",
			expectedLevels: map[string]string{
				"CHAC": "warn",
				"CSCN": "",
			},
		},
		{
			name:       "invalid global level",
			debugLevel: "loud",
			expErr:     "the specified debug level [loud] is invalid",
		},
		{
			name:       "unknown subsystem",
			debugLevel: "info,FOO=debug",
			expErr:     "the specified subsystem [FOO] is invalid",
		},
		{
			name:       "malformed pair",
			debugLevel: "info,CHAC=debug=trace",
			expErr:     "invalid format",
		},
		{
			name:       "invalid subsystem level",
			debugLevel: "CHAC=loud",
			expErr:     "the specified debug level [loud] is invalid",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			logger := newMockSubLogger("CHAC", "CSCN")
			err := ParseAndSetDebugLevels(tc.debugLevel, logger)
			if tc.expErr != "" {
				require.ErrorContains(t, err, tc.expErr)
				return
			}

			require.NoError(t, err)
			require.Equal(t, tc.expectedLevels, logger.levels)
		})
	}
}

// TestSupportedLogCompressor checks the set of accepted compressors.
func TestSupportedLogCompressor(t *testing.T) {
	t.Parallel()

	require.True(t, SupportedLogCompressor(Gzip))
	require.True(t, SupportedLogCompressor(Zstd))
	require.False(t, SupportedLogCompressor("bzip2"))

	cfg := DefaultLogConfig()
	require.NoError(t, cfg.Validate())

	cfg.File.Compressor = "lz4"
	require.Error(t, cfg.Validate())

	cfg = DefaultLogConfig()
	cfg.File.MaxLogFiles = -1
	require.Error(t, cfg.Validate())

	cfg = DefaultLogConfig()
	cfg.File.MaxLogFileSize = -1
	require.Error(t, cfg.Validate())
}

// TestDefaultLogHandlers checks disabled loggers and a missing rotator drop
// their handlers.
func TestDefaultLogHandlers(t *testing.T) {
	t.Parallel()

	cfg := DefaultLogConfig()
	require.Len(t, NewDefaultLogHandlers(cfg, NewRotatingLogWriter()), 2)
	require.Len(t, NewDefaultLogHandlers(cfg, nil), 1)

	cfg.Console.Disable = true
	cfg.Console.Stderr = true
	require.Len(t, NewDefaultLogHandlers(cfg, NewRotatingLogWriter()), 1)

	cfg.File.Disable = true
	require.Empty(t, NewDefaultLogHandlers(cfg, NewRotatingLogWriter()))
}
