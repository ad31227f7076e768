package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rowjay/bchain/internal/apperr"
)

const sample = `
global:
  log_level: debug
  command_timeout: 5m
repository:
  backend: local
  local:
    path: /var/backups/bchain
backup:
  type: incremental
  encrypt: true
  passphrase_file: /etc/bchain/passphrase
  compression: lz4
vault:
  enabled: true
  approle_dir: /run/approle
services:
  postgres:
    kind: postgres
    container: dev-postgres
    username: ${BCHAIN_TEST_PG_USER}
  redis:
    kind: redis
    restore_path: /data/dump.rdb
  env:
    kind: file
    path: /srv/app/.env
`

func writeConfig(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadFile(t *testing.T) {
	t.Setenv("BCHAIN_TEST_PG_USER", "backup_user")
	cfg, err := Load(writeConfig(t, "bchain.yaml", sample))
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Global.LogLevel)
	assert.Equal(t, 5*time.Minute, cfg.Global.CommandTimeout)
	assert.Equal(t, 2*time.Hour, cfg.Global.OperationTimeout)
	assert.Equal(t, "incremental", cfg.Backup.Type)
	assert.Equal(t, "lz4", cfg.Backup.Compression)
	assert.Equal(t, "gpg", cfg.Backup.Cipher)
	assert.Equal(t, 4, cfg.Backup.MaxParallelism)
	assert.Equal(t, "/etc/bchain/passphrase", cfg.Restore.PassphraseFile)
	assert.Equal(t, "/run/approle/role-id", cfg.Vault.RoleIDFile)
	assert.Equal(t, "/run/approle/secret-id", cfg.Vault.SecretIDFile)
	assert.Equal(t, []string{"env", "postgres", "redis"}, cfg.ServiceNames())
	assert.Equal(t, "backup_user", cfg.Services["postgres"].Username)
	assert.Equal(t, "dev-postgres", cfg.Services["postgres"].Container)
	assert.NotEmpty(t, cfg.Global.LockFile)
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("BCHAIN_BACKUP_COMPRESSION", "gzip")
	cfg, err := Load(writeConfig(t, "bchain.yaml", sample))
	require.NoError(t, err)
	assert.Equal(t, "gzip", cfg.Backup.Compression)
}

func TestLoadRejectsInvalid(t *testing.T) {
	body := `
repository:
  backend: ftp
services:
  cache:
    kind: memcached
`
	_, err := Load(writeConfig(t, "bchain.yaml", body))
	require.Error(t, err)
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
	assert.Contains(t, err.Error(), "repository.backend")
	assert.Contains(t, err.Error(), "services.cache.kind")
}

func TestLoadSealedConfig(t *testing.T) {
	dir := t.TempDir()
	plainPath := filepath.Join(dir, "bchain.yaml")
	require.NoError(t, os.WriteFile(plainPath, []byte(sample), 0o600))
	passPath := filepath.Join(dir, "config-pass")
	require.NoError(t, os.WriteFile(passPath, []byte("s3cret\n"), 0o600))
	sealedPath := filepath.Join(dir, "bchain.yaml.enc")

	require.NoError(t, EncryptConfigFile(plainPath, sealedPath, passPath))

	_, err := Load(sealedPath)
	require.Error(t, err)

	t.Setenv("BCHAIN_CONFIG_PASSPHRASE_FILE", passPath)
	cfg, err := Load(sealedPath)
	require.NoError(t, err)
	assert.Equal(t, "incremental", cfg.Backup.Type)
	assert.Len(t, cfg.Services, 3)
}

func TestConfigTypeFromPath(t *testing.T) {
	assert.Equal(t, "toml", configTypeFromPath("bchain.toml.enc"))
	assert.Equal(t, "json", configTypeFromPath("x/bchain.json.encrypted"))
	assert.Equal(t, "yaml", configTypeFromPath("bchain.yml.enc"))
}
