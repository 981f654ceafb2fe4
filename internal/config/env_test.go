package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// clearEnv unsets k for the test and restores it afterwards.
func clearEnv(t *testing.T, keys ...string) {
	t.Helper()
	for _, k := range keys {
		t.Setenv(k, "")
		require.NoError(t, os.Unsetenv(k))
	}
}

func TestLoadEnvReadsPrefixedVariables(t *testing.T) {
	clearEnv(t, "SUPERTASK_STORE_ADDRESS", "SUPERTASK_ADMIN_TOKEN", "SUPERTASK_ALERTS_TOKEN")
	t.Setenv("SUPERTASK_STORE_ADDRESS", "postgresql://u:p@db/jobs")
	t.Setenv("SUPERTASK_ADMIN_TOKEN", "t0k")

	o, err := LoadEnv("", false)
	require.NoError(t, err)
	require.Equal(t, "postgresql://u:p@db/jobs", o.StoreAddress)
	require.Equal(t, "t0k", o.AdminToken)
	require.Empty(t, o.AlertsToken)

	cfg := &Config{Store: StoreConfig{Address: "memory://"}, Admin: AdminConfig{Addr: "127.0.0.1:9000"}}
	o.Apply(cfg)
	require.Equal(t, "postgresql://u:p@db/jobs", cfg.Store.Address)
	require.Equal(t, "t0k", cfg.Admin.Token)
	require.Equal(t, "127.0.0.1:9000", cfg.Admin.Addr, "empty overrides keep the file value")
}

func TestLoadEnvFileDoesNotOverrideProcessEnv(t *testing.T) {
	clearEnv(t, "SUPERTASK_ALERTS_TOKEN", "SUPERTASK_ADMIN_TOKEN")
	t.Setenv("SUPERTASK_ADMIN_TOKEN", "from-process")

	path := filepath.Join(t.TempDir(), "supertask.env")
	require.NoError(t, os.WriteFile(path, []byte("SUPERTASK_ALERTS_TOKEN=from-file\nSUPERTASK_ADMIN_TOKEN=from-file\n"), 0o600))

	o, err := LoadEnv(path, false)
	require.NoError(t, err)
	require.Equal(t, "from-file", o.AlertsToken)
	require.Equal(t, "from-process", o.AdminToken)
}

func TestLoadEnvMissingFile(t *testing.T) {
	missing := filepath.Join(t.TempDir(), ".env")

	_, err := LoadEnv(missing, true)
	require.NoError(t, err)

	_, err = LoadEnv(missing, false)
	require.Error(t, err)
	require.Contains(t, err.Error(), "load env file")
}
