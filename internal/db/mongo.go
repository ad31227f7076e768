package db

import (
	"context"
	"io"

	"github.com/rowjay/bchain/internal/apperr"
	"github.com/rowjay/bchain/internal/config"
	"github.com/rowjay/bchain/internal/secrets"
)

const mongoPasswordEnv = "BCHAIN_MONGO_PASSWORD"

// Mongo streams a mongodump archive and restores it with mongorestore. The
// tools only take passwords as flags, so a shell inside the tool's
// environment expands it from a variable.
type Mongo struct {
	runner
	svc     config.ServiceConfig
	drop    bool
	logical string
}

func (m *Mongo) Kind() Kind          { return KindMongoDB }
func (m *Mongo) LogicalPath() string { return m.logical }
func (m *Mongo) Tools() []string     { return m.tools("sh", "mongodump", "mongorestore") }

func (m *Mongo) Dump(ctx context.Context, creds secrets.Credentials, target string) error {
	return m.dumpTo(ctx, target, invocation{
		argv: shellWrap("mongodump", append([]string{"--archive", "--quiet"}, mongoConnArgs(creds)...), creds),
		env:  mongoEnv(creds),
	})
}

func (m *Mongo) Restore(ctx context.Context, creds secrets.Credentials, src io.Reader) error {
	args := []string{"--archive", "--quiet"}
	if m.drop {
		args = append(args, "--drop")
	}
	return m.run(ctx, apperr.KindRestoreFailed, invocation{
		argv:   shellWrap("mongorestore", append(args, mongoConnArgs(creds)...), creds),
		env:    mongoEnv(creds),
		stdin:  src,
		stdout: io.Discard,
	})
}

func mongoConnArgs(creds secrets.Credentials) []string {
	var args []string
	if creds.Host != "" {
		args = append(args, "--host", creds.Host, "--port", portOrDefault(creds.Port, 27017))
	}
	if creds.Username != "" {
		authDB := creds.Extra["auth_database"]
		if authDB == "" {
			authDB = "admin"
		}
		args = append(args, "--username", creds.Username, "--authenticationDatabase", authDB)
	}
	return args
}

func mongoEnv(creds secrets.Credentials) map[string]string {
	if creds.Password == "" {
		return nil
	}
	return map[string]string{mongoPasswordEnv: creds.Password}
}

// shellWrap runs tool through sh so the password flag is filled from the
// environment inside the executing namespace.
func shellWrap(tool string, args []string, creds secrets.Credentials) []string {
	script := `exec "$0" "$@"`
	if creds.Password != "" {
		script = `exec "$0" "$@" --password="$` + mongoPasswordEnv + `"`
	}
	return append([]string{"sh", "-c", script, tool}, args...)
}
