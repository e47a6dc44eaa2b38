package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shizukutanaka/okura/internal/status"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "okura.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
log:
  level: debug
backup:
  backup_dir: /srv/backups
  db_dir: /srv/db
  share_files_with_checksum: true
  max_background_copies: 4
  rate_limit: 1048576
restore:
  rate_limit: 2097152
api:
  enabled: true
  listen_addr: ":9000"
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "/srv/backups", cfg.Backup.BackupDir)
	assert.True(t, cfg.Backup.ShareFilesWithChecksum)
	assert.Equal(t, 4, cfg.Backup.MaxBackgroundCopies)
	assert.Equal(t, int64(1048576), cfg.Backup.RateLimit)
	assert.Equal(t, int64(2097152), cfg.Restore.RateLimit)
	assert.Equal(t, ":9000", cfg.API.ListenAddr)

	// Untouched keys keep their defaults.
	assert.True(t, cfg.Backup.ShareTableFiles)
	assert.Equal(t, 20, cfg.API.RateLimit)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.True(t, status.IsIOError(err))
}

func TestLoadMalformedYAML(t *testing.T) {
	path := writeConfig(t, "backup: [not a map\n")
	_, err := Load(path)
	assert.True(t, status.IsInvalidArgument(err))
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		cfg := Default()
		cfg.Backup.BackupDir = "/srv/backups"
		return cfg
	}

	assert.NoError(t, base().Validate())

	cfg := base()
	cfg.Backup.BackupDir = ""
	assert.True(t, status.IsInvalidArgument(cfg.Validate()))

	cfg = base()
	cfg.Backup.MaxBackgroundCopies = 0
	assert.True(t, status.IsInvalidArgument(cfg.Validate()))

	cfg = base()
	cfg.Backup.RateLimit = -1
	assert.True(t, status.IsInvalidArgument(cfg.Validate()))

	cfg = base()
	cfg.API.Enabled = true
	cfg.API.ListenAddr = ""
	assert.True(t, status.IsInvalidArgument(cfg.Validate()))
}
