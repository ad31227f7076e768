package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/rowjay/bchain/internal/cryptoutil"
)

const (
	envPrefix = "BCHAIN"
	appName   = "bchain"
)

// Load reads configuration from a file (optionally sealed), env vars, and defaults.
func Load(path string) (*Config, error) {
	vp := viper.New()
	vp.SetEnvPrefix(envPrefix)
	vp.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	vp.AutomaticEnv()

	setDefaults(vp)

	resolved, err := resolveConfigPath(path)
	if err != nil {
		return nil, err
	}

	if resolved != "" {
		data, readErr := os.ReadFile(resolved)
		if readErr != nil {
			return nil, fmt.Errorf("read config: %w", readErr)
		}
		if isEncryptedPath(resolved) {
			vp.SetConfigType(configTypeFromPath(resolved))
			passFile := os.Getenv("BCHAIN_CONFIG_PASSPHRASE_FILE")
			if passFile == "" {
				return nil, errors.New("config file is sealed but BCHAIN_CONFIG_PASSPHRASE_FILE is not set")
			}
			pass, passErr := cryptoutil.ReadPassphraseFile(passFile)
			if passErr != nil {
				return nil, passErr
			}
			plain, decErr := cryptoutil.OpenConfig(data, pass)
			if decErr != nil {
				return nil, fmt.Errorf("decrypt config: %w", decErr)
			}
			if err := vp.ReadConfig(bytes.NewReader(plain)); err != nil {
				return nil, fmt.Errorf("parse config: %w", err)
			}
		} else {
			vp.SetConfigFile(resolved)
			if err := vp.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := vp.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	expandEnv(&cfg)
	applyPostLoadDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func resolveConfigPath(path string) (string, error) {
	if path != "" {
		if _, err := os.Stat(path); err != nil {
			return "", fmt.Errorf("config file: %w", err)
		}
		return path, nil
	}
	if envPath := os.Getenv("BCHAIN_CONFIG"); envPath != "" {
		return envPath, nil
	}

	candidates := []string{
		appName + ".yaml",
		appName + ".yml",
		appName + ".toml",
		appName + ".json",
	}
	for _, c := range candidates {
		if _, err := os.Stat(c); err == nil {
			return c, nil
		}
	}

	configDir, err := os.UserConfigDir()
	if err == nil {
		base := filepath.Join(configDir, appName)
		for _, c := range candidates {
			p := filepath.Join(base, c)
			if _, err := os.Stat(p); err == nil {
				return p, nil
			}
		}
		for _, c := range candidates[:3] {
			p := filepath.Join(base, c+".enc")
			if _, err := os.Stat(p); err == nil {
				return p, nil
			}
		}
	}

	return "", nil
}

func isEncryptedPath(path string) bool {
	return strings.HasSuffix(path, ".enc") || strings.HasSuffix(path, ".encrypted")
}

func configTypeFromPath(path string) string {
	trimmed := strings.TrimSuffix(strings.TrimSuffix(path, ".enc"), ".encrypted")
	switch filepath.Ext(trimmed) {
	case ".toml":
		return "toml"
	case ".json":
		return "json"
	default:
		return "yaml"
	}
}

func setDefaults(vp *viper.Viper) {
	vp.SetDefault("global.log_level", "info")
	vp.SetDefault("global.log_format", "auto")
	vp.SetDefault("global.operation_timeout", "2h")
	vp.SetDefault("global.command_timeout", "30m")
	vp.SetDefault("repository.backend", "local")
	vp.SetDefault("repository.local.path", "./backups")
	vp.SetDefault("backup.type", "full")
	vp.SetDefault("backup.cipher", "gpg")
	vp.SetDefault("backup.compression", "zstd")
	vp.SetDefault("backup.max_parallelism", 4)
	vp.SetDefault("backup.retry_count", 3)
	vp.SetDefault("backup.retry_backoff", "2s")
	vp.SetDefault("restore.max_parallelism", 2)
	vp.SetDefault("vault.mount", "secret")
	vp.SetDefault("vault.auth_mount", "approle")
	vp.SetDefault("vault.timeout", "10s")
	vp.SetDefault("schedule.timezone", "")
}

func applyPostLoadDefaults(cfg *Config) {
	if cfg.Global.OperationTimeout == 0 {
		cfg.Global.OperationTimeout = 2 * time.Hour
	}
	if cfg.Global.CommandTimeout == 0 {
		cfg.Global.CommandTimeout = 30 * time.Minute
	}
	if cfg.Global.LockFile == "" {
		cfg.Global.LockFile = filepath.Join(os.TempDir(), appName+".lock")
	}
	if cfg.Backup.MaxParallelism <= 0 {
		cfg.Backup.MaxParallelism = 4
	}
	if cfg.Restore.MaxParallelism <= 0 {
		cfg.Restore.MaxParallelism = 2
	}
	if cfg.Backup.RetryBackoff == 0 {
		cfg.Backup.RetryBackoff = 2 * time.Second
	}
	if cfg.Restore.PassphraseFile == "" {
		cfg.Restore.PassphraseFile = cfg.Backup.PassphraseFile
	}
	if cfg.Vault.AppRoleDir != "" {
		if cfg.Vault.RoleIDFile == "" {
			cfg.Vault.RoleIDFile = filepath.Join(cfg.Vault.AppRoleDir, "role-id")
		}
		if cfg.Vault.SecretIDFile == "" {
			cfg.Vault.SecretIDFile = filepath.Join(cfg.Vault.AppRoleDir, "secret-id")
		}
	}
	if cfg.Vault.Address == "" {
		cfg.Vault.Address = os.Getenv("VAULT_ADDR")
	}
	if cfg.Services == nil {
		cfg.Services = map[string]ServiceConfig{}
	}
	cfg.Global.LogFormat = strings.ToLower(cfg.Global.LogFormat)
	cfg.Backup.Type = strings.ToLower(cfg.Backup.Type)
	cfg.Backup.Compression = strings.ToLower(cfg.Backup.Compression)
	cfg.Backup.Cipher = strings.ToLower(cfg.Backup.Cipher)
	cfg.Repository.Backend = strings.ToLower(cfg.Repository.Backend)
}

func expandEnv(cfg *Config) {
	cfg.Repository.S3.AccessKey = os.ExpandEnv(cfg.Repository.S3.AccessKey)
	cfg.Repository.S3.SecretKey = os.ExpandEnv(cfg.Repository.S3.SecretKey)
	cfg.Repository.S3.SessionToken = os.ExpandEnv(cfg.Repository.S3.SessionToken)
	cfg.Vault.Token = os.ExpandEnv(cfg.Vault.Token)
	cfg.Vault.Address = os.ExpandEnv(cfg.Vault.Address)
	for name, svc := range cfg.Services {
		svc.Username = os.ExpandEnv(svc.Username)
		svc.Password = os.ExpandEnv(svc.Password)
		svc.Host = os.ExpandEnv(svc.Host)
		for k, v := range svc.Env {
			svc.Env[k] = os.ExpandEnv(v)
		}
		cfg.Services[name] = svc
	}
	cfg.Notifications = expandNotificationEnv(cfg.Notifications)
}

func expandNotificationEnv(cfg NotificationsConfig) NotificationsConfig {
	for i := range cfg.Webhooks {
		cfg.Webhooks[i].URL = os.ExpandEnv(cfg.Webhooks[i].URL)
	}
	for i := range cfg.Mattermost {
		cfg.Mattermost[i].URL = os.ExpandEnv(cfg.Mattermost[i].URL)
	}
	for i := range cfg.Matrix {
		cfg.Matrix[i].ServerURL = os.ExpandEnv(cfg.Matrix[i].ServerURL)
		cfg.Matrix[i].AccessToken = os.ExpandEnv(cfg.Matrix[i].AccessToken)
		cfg.Matrix[i].RoomID = os.ExpandEnv(cfg.Matrix[i].RoomID)
	}
	return cfg
}
