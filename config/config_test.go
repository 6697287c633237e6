package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestParseAppliesDefaults(t *testing.T) {
	cfg, err := Parse([]byte("remote:\n  base_url: https://api.example.com\n"))
	require.NoError(t, err)
	require.Equal(t, BackendMemory, cfg.Storage.Backend)
	require.Equal(t, 3, cfg.Processor.MaxConcurrentGroups)
	require.Equal(t, 5, cfg.Processor.MaxAttempts)
	require.Equal(t, time.Second, cfg.Processor.BackoffBase.Std())
	require.Equal(t, 30*time.Second, cfg.Processor.BackoffCap.Std())
	require.Equal(t, 15*time.Second, cfg.Remote.Timeout.Std())
}

func TestParseOverrides(t *testing.T) {
	doc := `
storage:
  backend: file
  path: /tmp/outbox
processor:
  max_concurrent_groups: 2
  backoff_base: 500ms
  backoff_cap: 10s
triggers:
  drain_interval: 1m
  connectivity_url: wss://probe.example.com/ws
`
	cfg, err := Parse([]byte(doc))
	require.NoError(t, err)
	require.Equal(t, BackendFile, cfg.Storage.Backend)
	require.Equal(t, "/tmp/outbox", cfg.Storage.Path)
	require.Equal(t, 2, cfg.Processor.MaxConcurrentGroups)
	require.Equal(t, 500*time.Millisecond, cfg.Processor.BackoffBase.Std())
	require.Equal(t, 10*time.Second, cfg.Processor.BackoffCap.Std())
	require.Equal(t, time.Minute, cfg.Triggers.DrainInterval.Std())
	require.Equal(t, "wss://probe.example.com/ws", cfg.Triggers.ConnectivityURL)
}

func TestLoadAppliesEnvironmentOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "outbox.yaml")
	doc := "storage:\n  backend: memory\nremote:\n  base_url: https://file.example.com\n"
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))

	t.Setenv("OUTBOX_STORAGE_BACKEND", "file")
	t.Setenv("OUTBOX_STORAGE_PATH", "/var/lib/outboxd")
	t.Setenv("OUTBOX_REMOTE_BASE_URL", "https://env.example.com")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, BackendFile, cfg.Storage.Backend)
	require.Equal(t, "/var/lib/outboxd", cfg.Storage.Path)
	require.Equal(t, "https://env.example.com", cfg.Remote.BaseURL)
}

func TestValidateRejectsIncompleteBackends(t *testing.T) {
	_, err := Parse([]byte("storage:\n  backend: file\n"))
	require.Error(t, err)

	_, err = Parse([]byte("storage:\n  backend: postgres\n"))
	require.Error(t, err)

	_, err = Parse([]byte("storage:\n  backend: etcd\n"))
	require.Error(t, err)
}

func TestValidateRejectsInvertedBackoff(t *testing.T) {
	doc := `
processor:
  backoff_base: 10s
  backoff_cap: 1s
`
	_, err := Parse([]byte(doc))
	require.Error(t, err)
}
