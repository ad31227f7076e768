package db

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/rowjay/bchain/internal/config"
	"github.com/rowjay/bchain/internal/secrets"
)

// Kind is the closed set of service kinds a driver exists for.
type Kind string

const (
	KindPostgres Kind = "postgres"
	KindMySQL    Kind = "mysql"
	KindMongoDB  Kind = "mongodb"
	KindRedis    Kind = "redis"
	KindFile     Kind = "file"
	KindCommand  Kind = "command"
)

func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(s) {
	case "postgres", "postgresql":
		return KindPostgres, nil
	case "mysql", "mariadb":
		return KindMySQL, nil
	case "mongodb", "mongo":
		return KindMongoDB, nil
	case "redis":
		return KindRedis, nil
	case "file":
		return KindFile, nil
	case "command":
		return KindCommand, nil
	default:
		return "", fmt.Errorf("unsupported service kind: %s", s)
	}
}

// Driver dumps one service into a file and restores it from a stream.
type Driver interface {
	Kind() Kind
	// Tools lists the executables Dump and Restore need on PATH.
	Tools() []string
	// LogicalPath is the file name the dump is recorded under.
	LogicalPath() string
	Dump(ctx context.Context, creds secrets.Credentials, target string) error
	Restore(ctx context.Context, creds secrets.Credentials, src io.Reader) error
}

type Options struct {
	Timeout      time.Duration
	DropExisting bool
}

// NewDriver returns the driver for service configured as svc.
func NewDriver(service string, svc config.ServiceConfig, opts Options) (Driver, error) {
	kind, err := ParseKind(svc.Kind)
	if err != nil {
		return nil, err
	}
	r := runner{service: service, container: svc.Container, timeout: opts.Timeout, env: svc.Env}
	switch kind {
	case KindPostgres:
		return &Postgres{runner: r, svc: svc, logical: logicalName(service, svc, "_all.sql")}, nil
	case KindMySQL:
		return &MySQL{runner: r, svc: svc, logical: logicalName(service, svc, "_all.sql")}, nil
	case KindMongoDB:
		return &Mongo{runner: r, svc: svc, drop: opts.DropExisting, logical: logicalName(service, svc, "_dump.archive")}, nil
	case KindRedis:
		return &Redis{runner: r, svc: svc, logical: logicalName(service, svc, "_dump.rdb")}, nil
	case KindFile:
		if svc.Path == "" {
			return nil, fmt.Errorf("service %s: path is required for kind file", service)
		}
		return &File{runner: r, svc: svc, overwrite: opts.DropExisting, logical: logicalName(service, svc, "_"+filepath.Base(svc.Path))}, nil
	case KindCommand:
		if len(svc.DumpCommand) == 0 {
			return nil, fmt.Errorf("service %s: dump_command is required for kind command", service)
		}
		return &Command{runner: r, svc: svc, logical: logicalName(service, svc, ".dump")}, nil
	}
	return nil, fmt.Errorf("unsupported service kind: %s", kind)
}

func logicalName(service string, svc config.ServiceConfig, suffix string) string {
	if svc.Filename != "" {
		return svc.Filename
	}
	return service + suffix
}

func portOrDefault(port int, def int) string {
	if port == 0 {
		return fmt.Sprint(def)
	}
	return fmt.Sprint(port)
}
