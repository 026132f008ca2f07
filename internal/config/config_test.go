package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "stoneforge.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, ""))
	require.NoError(t, err)
	require.Equal(t, ".stoneforge/stoneforge.db", cfg.DBPath)
	require.Equal(t, 30000, cfg.Sync.PollIntervalMs)
	require.Equal(t, "bidirectional", cfg.Sync.DefaultDirection)
	require.Equal(t, "LAST_WRITE_WINS", cfg.Sync.ConflictStrategy)
	require.Empty(t, cfg.Warnings)
}

func TestLoadFullFile(t *testing.T) {
	path := writeConfig(t, `
db_path: /var/lib/sf/sf.db
export_dir: /var/lib/sf
actor: el-ops1
sync:
  poll_interval_ms: 5000
  default_direction: push
  providers:
    memory:
      token: secret
      default_project: sandbox
    tracker:
      provider: tracker
      api_base_url: https://tracker.example.com
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "/var/lib/sf/sf.db", cfg.DBPath)
	require.Equal(t, "el-ops1", cfg.Actor)
	require.Equal(t, 5000, cfg.Sync.PollIntervalMs)
	require.Equal(t, "push", cfg.Sync.DefaultDirection)

	pcs := cfg.ProviderConfigs()
	require.Len(t, pcs, 2)
	require.Equal(t, "secret", pcs["memory"].Token)
	require.Equal(t, "sandbox", pcs["memory"].DefaultProject)
	// The map key fills a missing provider field.
	require.Equal(t, "memory", pcs["memory"].Name)
	require.Equal(t, "https://tracker.example.com", pcs["tracker"].APIBaseURL)
}

func TestLoadWarnsAndDefaultsOnBadEnums(t *testing.T) {
	path := writeConfig(t, `
sync:
  poll_interval_ms: -5
  default_direction: sideways
  conflict_strategy: coin-flip
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 30000, cfg.Sync.PollIntervalMs)
	require.Equal(t, "bidirectional", cfg.Sync.DefaultDirection)
	require.Equal(t, "LAST_WRITE_WINS", cfg.Sync.ConflictStrategy)
	require.Len(t, cfg.Warnings, 3)
}

func TestConflictStrategyCanonicalized(t *testing.T) {
	cfg, err := Load(writeConfig(t, "sync:\n  conflict_strategy: remote-wins\n"))
	require.NoError(t, err)
	require.Equal(t, "REMOTE_WINS", cfg.Sync.ConflictStrategy)
	require.Empty(t, cfg.Warnings)
}

func TestLoadMissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}

func TestEnvOverridesFile(t *testing.T) {
	path := writeConfig(t, "sync:\n  poll_interval_ms: 5000\n")
	t.Setenv("STONEFORGE_SYNC_POLL_INTERVAL_MS", "750")
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 750, cfg.Sync.PollIntervalMs)
}

func TestDumpRedactsTokens(t *testing.T) {
	cfg, err := Load(writeConfig(t, "sync:\n  providers:\n    memory:\n      token: hunter2\n"))
	require.NoError(t, err)
	out, err := cfg.Dump()
	require.NoError(t, err)
	require.NotContains(t, out, "hunter2")
	require.Contains(t, out, "[redacted]")
	// The original is untouched.
	require.Equal(t, "hunter2", cfg.Sync.Providers["memory"].Token)
}

func TestPollIntervalDuration(t *testing.T) {
	s := SyncSettings{PollIntervalMs: 1500, CallTimeoutMs: 200}
	require.Equal(t, "1.5s", s.PollInterval().String())
	require.Equal(t, "200ms", s.CallTimeout().String())
}
