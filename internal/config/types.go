package config

import (
	"sort"
	"time"
)

// Config is the root configuration schema.
type Config struct {
	Global        GlobalConfig             `mapstructure:"global"`
	Repository    RepositoryConfig         `mapstructure:"repository"`
	Backup        BackupConfig             `mapstructure:"backup"`
	Restore       RestoreConfig            `mapstructure:"restore"`
	Vault         VaultConfig              `mapstructure:"vault"`
	Services      map[string]ServiceConfig `mapstructure:"services"`
	Notifications NotificationsConfig      `mapstructure:"notifications"`
	Schedule      ScheduleConfig           `mapstructure:"schedule"`
}

type GlobalConfig struct {
	LogLevel          string        `mapstructure:"log_level"`
	LogFormat         string        `mapstructure:"log_format"` // json, console or auto
	LockFile          string        `mapstructure:"lock_file"`
	OperationTimeout  time.Duration `mapstructure:"operation_timeout"`
	CommandTimeout    time.Duration `mapstructure:"command_timeout"`
	AllowMissingTools bool          `mapstructure:"allow_missing_tools"`
}

type RepositoryConfig struct {
	Backend    string     `mapstructure:"backend"` // local, s3
	Prefix     string     `mapstructure:"prefix"`
	StagingDir string     `mapstructure:"staging_dir"`
	Local      LocalStore `mapstructure:"local"`
	S3         S3Store    `mapstructure:"s3"`
}

type LocalStore struct {
	Path string `mapstructure:"path"`
}

type S3Store struct {
	Endpoint        string `mapstructure:"endpoint"`
	Region          string `mapstructure:"region"`
	Bucket          string `mapstructure:"bucket"`
	AccessKey       string `mapstructure:"access_key"`
	SecretKey       string `mapstructure:"secret_key"`
	UseSSL          bool   `mapstructure:"use_ssl"`
	ForcePathStyle  bool   `mapstructure:"force_path_style"`
	SessionToken    string `mapstructure:"session_token"`
	TLSInsecureSkip bool   `mapstructure:"tls_insecure_skip"`
}

type BackupConfig struct {
	Type           string        `mapstructure:"type"` // full, incremental
	Services       []string      `mapstructure:"services"`
	Encrypt        bool          `mapstructure:"encrypt"`
	Cipher         string        `mapstructure:"cipher"` // gpg, dare
	PassphraseFile string        `mapstructure:"passphrase_file"`
	Compression    string        `mapstructure:"compression"` // none, gzip, zstd, lz4
	MaxParallelism int           `mapstructure:"max_parallelism"`
	RetryCount     int           `mapstructure:"retry_count"`
	RetryBackoff   time.Duration `mapstructure:"retry_backoff"`
	VerifyAfter    bool          `mapstructure:"verify_after"`
	Retention      Retention     `mapstructure:"retention"`
}

type Retention struct {
	KeepLast int `mapstructure:"keep_last"`
	KeepDays int `mapstructure:"keep_days"`
}

type RestoreConfig struct {
	Services       []string `mapstructure:"services"`
	PassphraseFile string   `mapstructure:"passphrase_file"`
	MaxParallelism int      `mapstructure:"max_parallelism"`
	DropExisting   bool     `mapstructure:"drop_existing"`
}

type VaultConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	Address       string        `mapstructure:"address"`
	Token         string        `mapstructure:"token"`
	TokenFile     string        `mapstructure:"token_file"`
	AppRoleDir    string        `mapstructure:"approle_dir"` // holds role-id and secret-id
	RoleIDFile    string        `mapstructure:"role_id_file"`
	SecretIDFile  string        `mapstructure:"secret_id_file"`
	AuthMount     string        `mapstructure:"auth_mount"`
	Mount         string        `mapstructure:"mount"`
	PathPrefix    string        `mapstructure:"path_prefix"`
	CACert        string        `mapstructure:"ca_cert"`
	TLSSkipVerify bool          `mapstructure:"tls_skip_verify"`
	Timeout       time.Duration `mapstructure:"timeout"`
}

// ServiceConfig describes one data store to back up. Connection fields are
// fallbacks; secrets resolved from Vault take precedence.
type ServiceConfig struct {
	Kind           string            `mapstructure:"kind"` // postgres, mysql, mongodb, redis, file, command
	Container      string            `mapstructure:"container"`
	Host           string            `mapstructure:"host"`
	Port           int               `mapstructure:"port"`
	Username       string            `mapstructure:"username"`
	Password       string            `mapstructure:"password"`
	Database       string            `mapstructure:"database"`
	SecretPath     string            `mapstructure:"secret_path"`
	Path           string            `mapstructure:"path"`
	RestorePath    string            `mapstructure:"restore_path"`
	Filename       string            `mapstructure:"filename"`
	DumpCommand    []string          `mapstructure:"dump_command"`
	RestoreCommand []string          `mapstructure:"restore_command"`
	Env            map[string]string `mapstructure:"env"`
}

type NotificationsConfig struct {
	Webhooks   []WebhookConfig  `mapstructure:"webhooks"`
	Mattermost []MattermostHook `mapstructure:"mattermost"`
	Matrix     []MatrixConfig   `mapstructure:"matrix"`
}

type WebhookConfig struct {
	Name    string            `mapstructure:"name"`
	URL     string            `mapstructure:"url"`
	Headers map[string]string `mapstructure:"headers"`
}

type MattermostHook struct {
	Name string `mapstructure:"name"`
	URL  string `mapstructure:"url"`
}

type MatrixConfig struct {
	Name        string `mapstructure:"name"`
	ServerURL   string `mapstructure:"server_url"`
	AccessToken string `mapstructure:"access_token"`
	RoomID      string `mapstructure:"room_id"`
}

type ScheduleConfig struct {
	WindowStart string `mapstructure:"window_start"` // HH:MM
	WindowEnd   string `mapstructure:"window_end"`
	Timezone    string `mapstructure:"timezone"`
}

// ServiceNames returns the configured service names in sorted order.
func (c *Config) ServiceNames() []string {
	names := make([]string, 0, len(c.Services))
	for name := range c.Services {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
