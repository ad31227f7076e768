package secrets

import (
	"context"
	"fmt"
	"strconv"

	"github.com/rs/zerolog"

	"github.com/rowjay/bchain/internal/apperr"
	"github.com/rowjay/bchain/internal/config"
)

// Credentials are what a dump or restore tool needs to reach a data store.
type Credentials struct {
	Username string
	Password string
	Database string
	Host     string
	Port     int
	Extra    map[string]string
}

// String never includes the password.
func (c Credentials) String() string {
	pw := ""
	if c.Password != "" {
		pw = "***"
	}
	return fmt.Sprintf("{user=%s password=%s database=%s host=%s port=%d}", c.Username, pw, c.Database, c.Host, c.Port)
}

// MarshalZerologObject keeps passwords out of structured logs.
func (c Credentials) MarshalZerologObject(e *zerolog.Event) {
	e.Str("username", c.Username).Str("database", c.Database).Str("host", c.Host).Bool("has_password", c.Password != "")
}

// Resolver fetches credentials for a configured service.
type Resolver interface {
	Resolve(ctx context.Context, service string) (Credentials, error)
}

// Static resolves from the services section of the config.
type Static struct {
	Services map[string]config.ServiceConfig
}

func (s Static) Resolve(_ context.Context, service string) (Credentials, error) {
	svc, ok := s.Services[service]
	if !ok {
		return Credentials{}, apperr.New(apperr.KindCredentialUnavailable, "no configuration for service").WithService(service)
	}
	return fromConfig(svc), nil
}

func fromConfig(svc config.ServiceConfig) Credentials {
	return Credentials{
		Username: svc.Username,
		Password: svc.Password,
		Database: svc.Database,
		Host:     svc.Host,
		Port:     svc.Port,
	}
}

// merge fills empty fields of c from fallback.
func merge(c, fallback Credentials) Credentials {
	if c.Username == "" {
		c.Username = fallback.Username
	}
	if c.Password == "" {
		c.Password = fallback.Password
	}
	if c.Database == "" {
		c.Database = fallback.Database
	}
	if c.Host == "" {
		c.Host = fallback.Host
	}
	if c.Port == 0 {
		c.Port = fallback.Port
	}
	return c
}

func fromSecretData(data map[string]any) Credentials {
	var c Credentials
	c.Extra = map[string]string{}
	for k, v := range data {
		s := fmt.Sprint(v)
		switch k {
		case "username", "user":
			c.Username = s
		case "password":
			c.Password = s
		case "database", "db", "dbname":
			c.Database = s
		case "host":
			c.Host = s
		case "port":
			c.Port, _ = strconv.Atoi(s)
		default:
			c.Extra[k] = s
		}
	}
	return c
}

// New builds the resolver for cfg: Vault when enabled, config otherwise.
func New(cfg *config.Config) (Resolver, error) {
	if !cfg.Vault.Enabled {
		return Static{Services: cfg.Services}, nil
	}
	return NewVault(cfg.Vault, cfg.Services, cfg.Backup.RetryCount, cfg.Backup.RetryBackoff)
}
