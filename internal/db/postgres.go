package db

import (
	"context"
	"io"

	"github.com/rowjay/bchain/internal/apperr"
	"github.com/rowjay/bchain/internal/config"
	"github.com/rowjay/bchain/internal/secrets"
)

// Postgres dumps the whole cluster with pg_dumpall and replays it with psql.
type Postgres struct {
	runner
	svc     config.ServiceConfig
	logical string
}

func (p *Postgres) Kind() Kind          { return KindPostgres }
func (p *Postgres) LogicalPath() string { return p.logical }
func (p *Postgres) Tools() []string     { return p.tools("pg_dumpall", "psql") }

func (p *Postgres) Dump(ctx context.Context, creds secrets.Credentials, target string) error {
	return p.dumpTo(ctx, target, invocation{
		argv: []string{"pg_dumpall", "--clean", "--if-exists"},
		env:  buildPostgresEnv(creds),
	})
}

func (p *Postgres) Restore(ctx context.Context, creds secrets.Credentials, src io.Reader) error {
	env := buildPostgresEnv(creds)
	// pg_dumpall output reconnects per database; start from the maintenance db.
	env["PGDATABASE"] = "postgres"
	return p.run(ctx, apperr.KindRestoreFailed, invocation{
		argv:   []string{"psql", "--quiet", "--no-psqlrc", "-v", "ON_ERROR_STOP=1"},
		env:    env,
		stdin:  src,
		stdout: io.Discard,
	})
}

func buildPostgresEnv(creds secrets.Credentials) map[string]string {
	env := map[string]string{}
	if creds.Host != "" {
		env["PGHOST"] = creds.Host
		env["PGPORT"] = portOrDefault(creds.Port, 5432)
	}
	if creds.Username != "" {
		env["PGUSER"] = creds.Username
	}
	if creds.Password != "" {
		env["PGPASSWORD"] = creds.Password
	}
	if creds.Database != "" {
		env["PGDATABASE"] = creds.Database
	}
	if mode := creds.Extra["sslmode"]; mode != "" {
		env["PGSSLMODE"] = mode
	}
	return env
}
