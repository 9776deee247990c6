package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/h8rt3rmin8r/faceforge/internal/model"
)

func TestLoadDefaultsWithoutFile(t *testing.T) {
	home := t.TempDir()
	t.Setenv("FACEFORGE_HOME", home)

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, home, cfg.Home)
	assert.Equal(t, model.ProviderFS, cfg.Storage.Routing.DefaultProvider)
	assert.Nil(t, cfg.Storage.Routing.S3MinSizeBytes)
	assert.Equal(t, 2*time.Second, cfg.Storage.S3.ProbeTimeout)
	assert.Equal(t, filepath.Join(home, "db", "core.sqlite3"), cfg.DBPath())
	assert.Equal(t, filepath.Join(home, "logs", "core.log"), cfg.LogPath())
}

func TestLoadFileThenEnv(t *testing.T) {
	home := t.TempDir()
	path := filepath.Join(home, "core.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
home: `+home+`
storage:
  routing:
    default_provider: S3
    kind_map:
      Thumbnail: fs
    s3_min_size_bytes: 1048576
  s3:
    enabled: true
    endpoint_url: http://127.0.0.1:9000
    access_key: minio
    secret_key: minio123
    probe_timeout: 500ms
extraction:
  workers: 3
  queue_size: 10
  timeout: 5s
`), 0o644))
	t.Setenv("FACEFORGE_S3_BUCKET", "from-env")
	t.Setenv("FACEFORGE_JOB_WORKERS", "4")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, model.ProviderS3, cfg.Storage.Routing.DefaultProvider)
	assert.Equal(t, map[string]string{"thumbnail": "fs"}, cfg.Storage.Routing.KindMap)
	require.NotNil(t, cfg.Storage.Routing.S3MinSizeBytes)
	assert.Equal(t, int64(1048576), *cfg.Storage.Routing.S3MinSizeBytes)
	assert.Equal(t, "from-env", cfg.Storage.S3.Bucket)
	assert.Equal(t, 500*time.Millisecond, cfg.Storage.S3.ProbeTimeout)
	assert.True(t, cfg.Storage.S3.Configured())
	assert.Equal(t, 3, cfg.Extraction.Workers)
	assert.Equal(t, 5*time.Second, cfg.Extraction.Timeout)
	assert.Equal(t, 4, cfg.Jobs.Workers)

	assert.Equal(t, "********", cfg.Redacted().Storage.S3.SecretKey)
	assert.Equal(t, "minio123", cfg.Storage.S3.SecretKey)
}

func TestLoadWithHomeReadsThatHome(t *testing.T) {
	t.Setenv("FACEFORGE_HOME", t.TempDir())
	home := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(home, "config"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(home, "config", "core.yaml"), []byte("addr: 127.0.0.1:9999\nhome: /elsewhere\n"), 0o644))

	cfg, err := LoadWithHome("", home)
	require.NoError(t, err)
	assert.Equal(t, home, cfg.Home)
	assert.Equal(t, "127.0.0.1:9999", cfg.Addr)
}

func TestLoadRejectsInvalid(t *testing.T) {
	home := t.TempDir()
	t.Setenv("FACEFORGE_HOME", home)

	t.Run("unknown provider", func(t *testing.T) {
		t.Setenv("FACEFORGE_DEFAULT_PROVIDER", "ftp")
		_, err := Load("")
		assert.True(t, errors.Is(err, model.ErrInvalidInput))
	})
	t.Run("bad bool", func(t *testing.T) {
		t.Setenv("FACEFORGE_S3_ENABLED", "maybe")
		_, err := Load("")
		assert.Error(t, err)
	})
	t.Run("explicit file missing", func(t *testing.T) {
		_, err := Load(filepath.Join(home, "nope.yaml"))
		assert.Error(t, err)
	})
}

func TestSetupLoggerWithWriters(t *testing.T) {
	var stderr, file bytes.Buffer
	logger := SetupLoggerWithWriters(&stderr, &file, slog.LevelInfo)

	logger.Debug("hidden")
	logger.Info("stored", "asset_id", "abc")

	assert.Contains(t, stderr.String(), "stored")
	assert.NotContains(t, stderr.String(), "hidden")

	var line map[string]any
	require.NoError(t, json.Unmarshal(file.Bytes(), &line))
	assert.Equal(t, "stored", line["msg"])
	assert.Equal(t, "abc", line["asset_id"])
}

func TestSetupLoggerWritesRotatingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "core.log")
	logger, cleanup := SetupLogger(path, slog.LevelInfo)
	logger.Info("hello")
	require.NoError(t, cleanup())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"msg":"hello"`)
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("warning"))
	assert.Equal(t, slog.LevelError, ParseLevel("error"))
	assert.Equal(t, slog.LevelInfo, ParseLevel(""))
}
