package app

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("RECONCILE_CRON", "")
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "missing.env"))
	require.NoError(t, err)
	require.Equal(t, ":8080", cfg.AppAddr)
	require.Equal(t, 3, cfg.LedgerTxRetries)
	require.False(t, cfg.LedgerEnforceAvailability)
	require.True(t, cfg.ReconcileOnStart)
	require.Empty(t, cfg.ReconcileCron)
}

func TestLoadConfigReadsEnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.env")
	require.NoError(t, os.WriteFile(path, []byte("LEDGER_ENFORCE_AVAILABILITY=true\nRECONCILE_CRON=*/30 * * * *\n"), 0o600))
	t.Cleanup(func() {
		_ = os.Unsetenv("LEDGER_ENFORCE_AVAILABILITY")
		_ = os.Unsetenv("RECONCILE_CRON")
	})

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	require.True(t, cfg.LedgerEnforceAvailability)
	require.Equal(t, "*/30 * * * *", cfg.ReconcileCron)
}

func TestConfigValidateRejectsBadCron(t *testing.T) {
	cfg := &Config{LedgerTxRetries: 3, RateLimitPerMinute: 60, ReconcileCron: "every minute"}
	require.Error(t, cfg.Validate())

	cfg.ReconcileCron = "0 3 * * *"
	require.NoError(t, cfg.Validate())

	cfg.LedgerTxRetries = 0
	require.Error(t, cfg.Validate())
}

func TestParseLevel(t *testing.T) {
	require.Equal(t, slog.LevelDebug, parseLevel(&Config{LogLevel: "DEBUG"}))
	require.Equal(t, slog.LevelInfo, parseLevel(nil))
}
