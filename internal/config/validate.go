package config

import (
	"fmt"
	"strings"

	"github.com/rowjay/bchain/internal/apperr"
)

var knownKinds = map[string]bool{
	"postgres": true, "mysql": true, "mongodb": true, "redis": true, "file": true, "command": true,
}

// Validate checks the configuration for values no operation can work with.
func (c *Config) Validate() error {
	var problems []string
	add := func(format string, args ...any) { problems = append(problems, fmt.Sprintf(format, args...)) }

	switch c.Repository.Backend {
	case "local":
		if c.Repository.Local.Path == "" {
			add("repository.local.path is required")
		}
	case "s3":
		if c.Repository.S3.Endpoint == "" || c.Repository.S3.Bucket == "" {
			add("repository.s3.endpoint and repository.s3.bucket are required")
		}
	default:
		add("repository.backend %q is not one of local, s3", c.Repository.Backend)
	}
	switch c.Backup.Type {
	case "full", "incremental":
	default:
		add("backup.type %q is not one of full, incremental", c.Backup.Type)
	}
	switch c.Backup.Compression {
	case "", "none", "gzip", "zstd", "lz4":
	default:
		add("backup.compression %q is not one of none, gzip, zstd, lz4", c.Backup.Compression)
	}
	switch c.Backup.Cipher {
	case "gpg", "dare":
	default:
		add("backup.cipher %q is not one of gpg, dare", c.Backup.Cipher)
	}
	if c.Backup.Encrypt && c.Backup.PassphraseFile == "" {
		add("backup.encrypt requires backup.passphrase_file")
	}
	switch c.Global.LogFormat {
	case "", "auto", "json", "console":
	default:
		add("global.log_format %q is not one of auto, json, console", c.Global.LogFormat)
	}
	for _, name := range c.ServiceNames() {
		svc := c.Services[name]
		if !knownKinds[svc.Kind] {
			add("services.%s.kind %q is not supported", name, svc.Kind)
			continue
		}
		switch svc.Kind {
		case "file":
			if svc.Path == "" {
				add("services.%s.path is required for kind file", name)
			}
		case "command":
			if len(svc.DumpCommand) == 0 {
				add("services.%s.dump_command is required for kind command", name)
			}
		}
	}
	for _, name := range c.Backup.Services {
		if _, ok := c.Services[name]; !ok {
			add("backup.services names unknown service %q", name)
		}
	}
	if c.Backup.Retention.KeepLast < 0 || c.Backup.Retention.KeepDays < 0 {
		add("backup.retention values must be non-negative")
	}
	if len(problems) > 0 {
		return apperr.New(apperr.KindValidation, "invalid configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}
