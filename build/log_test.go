package build

import (
	"bytes"
	"testing"

	"github.com/btcsuite/btclog/v2"
	"github.com/stretchr/testify/require"
)

// TestParseAndSetDebugLevels checks global and per subsystem level parsing.
func TestParseAndSetDebugLevels(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	mgr := NewSubLoggerManager(btclog.NewDefaultHandler(&buf))
	for _, subsystem := range []string{"ESCR", "VALT"} {
		mgr.RegisterSubLogger(subsystem, mgr.GenSubLogger(subsystem))
	}
	require.Equal(t, []string{"ESCR", "VALT"}, mgr.SupportedSubsystems())

	require.NoError(t, ParseAndSetDebugLevels("debug,VALT=error", mgr))
	require.Equal(t, btclog.LevelDebug, mgr.SubLoggers()["ESCR"].Level())
	require.Equal(t, btclog.LevelError, mgr.SubLoggers()["VALT"].Level())

	testCases := []string{
		"loud",
		"debug,VALT",
		"debug,KEYS=info",
		"VALT=loud",
	}
	for _, level := range testCases {
		require.Error(t, ParseAndSetDebugLevels(level, mgr), level)
	}
}

// TestLogConfigValidate checks the compressor and rotation checks.
func TestLogConfigValidate(t *testing.T) {
	t.Parallel()

	cfg := DefaultLogConfig()
	require.NoError(t, cfg.Validate())

	cfg.File.Compressor = "lz4"
	require.Error(t, cfg.Validate())

	cfg.File.Compressor = Zstd
	cfg.File.MaxLogFiles = -1
	require.Error(t, cfg.Validate())

	require.Equal(t, []string{Gzip, Zstd}, SupportedLogCompressors())
}
