package escrowd

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// TestValidateConfig checks that paths follow the escrow directory and are
// namespaced by network.
func TestValidateConfig(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	cfg := DefaultConfig()
	cfg.EscrowDir = dir
	cfg.Chain.Network = "regtest"

	clean, err := ValidateConfig(cfg, "")
	require.NoError(t, err)

	require.Equal(t, filepath.Join(dir, "data", "regtest"), clean.DataDir)
	require.Equal(t, filepath.Join(dir, "logs", "regtest"), clean.LogDir)
	require.Equal(
		t, filepath.Join(dir, "data", "regtest", "escrow.db"),
		clean.DBPath(),
	)
	require.Equal(
		t, filepath.Join(dir, "data", "regtest", "audit.jsonl"),
		clean.AuditFile,
	)
	require.Equal(
		t, filepath.Join(dir, "logs", "regtest", "escrowd.log"),
		clean.LogFile(),
	)
}

// TestValidateConfigRejects checks that invalid sub configs are refused.
func TestValidateConfigRejects(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.EscrowDir = t.TempDir()
	cfg.Chain.Network = "moonnet"

	_, err := ValidateConfig(cfg, "")
	require.Error(t, err)

	cfg = DefaultConfig()
	cfg.EscrowDir = t.TempDir()
	cfg.Escrow.CSVDelay = 0

	_, err = ValidateConfig(cfg, "")
	require.Error(t, err)
}

// TestLoadConfig checks that the config file overrides the defaults and the
// overrides take precedence over the file.
func TestLoadConfig(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	conf := "[chain]\nchain.network=signet\n\n" +
		"[escrow]\nescrow.csvdelay=288\n\n" +
		"[fee]\nfee.feerate=15\n"
	err := os.WriteFile(
		filepath.Join(dir, "escrowd.conf"), []byte(conf), 0600,
	)
	require.NoError(t, err)

	cfg, err := LoadConfig(dir, "", func(c *Config) {
		c.Fee.FeeRate = 25
	})
	require.NoError(t, err)
	require.Equal(t, "signet", cfg.Chain.Network)
	require.EqualValues(t, 288, cfg.Escrow.CSVDelay)
	require.EqualValues(t, 25, cfg.Fee.FeeRate)
	require.Equal(t, filepath.Join(dir, "data", "signet"), cfg.DataDir)

	// A missing file leaves the defaults in place.
	cfg, err = LoadConfig(t.TempDir(), "")
	require.NoError(t, err)
	require.Equal(t, "testnet", cfg.Chain.Network)

	bad := filepath.Join(t.TempDir(), "bad.conf")
	require.NoError(t, os.WriteFile(bad, []byte("[chain\n"), 0600))
	_, err = LoadConfig("", bad)
	require.Error(t, err)
}
