package db

import (
	"context"
	"io"

	"github.com/rowjay/bchain/internal/apperr"
	"github.com/rowjay/bchain/internal/config"
	"github.com/rowjay/bchain/internal/secrets"
)

// MySQL dumps every database with mysqldump and replays it with mysql.
type MySQL struct {
	runner
	svc     config.ServiceConfig
	logical string
}

func (m *MySQL) Kind() Kind          { return KindMySQL }
func (m *MySQL) LogicalPath() string { return m.logical }
func (m *MySQL) Tools() []string     { return m.tools("mysqldump", "mysql") }

func (m *MySQL) Dump(ctx context.Context, creds secrets.Credentials, target string) error {
	args := append([]string{"mysqldump"}, mysqlConnArgs(creds)...)
	args = append(args, "--all-databases", "--no-tablespaces", "--single-transaction", "--routines", "--events", "--triggers")
	return m.dumpTo(ctx, target, invocation{argv: args, env: buildMySQLEnv(creds)})
}

func (m *MySQL) Restore(ctx context.Context, creds secrets.Credentials, src io.Reader) error {
	args := append([]string{"mysql"}, mysqlConnArgs(creds)...)
	return m.run(ctx, apperr.KindRestoreFailed, invocation{
		argv:   args,
		env:    buildMySQLEnv(creds),
		stdin:  src,
		stdout: io.Discard,
	})
}

func mysqlConnArgs(creds secrets.Credentials) []string {
	var args []string
	if creds.Host != "" {
		args = append(args, "--host", creds.Host, "--port", portOrDefault(creds.Port, 3306), "--protocol", "tcp")
	}
	if creds.Username != "" {
		args = append(args, "--user", creds.Username)
	}
	return args
}

func buildMySQLEnv(creds secrets.Credentials) map[string]string {
	env := map[string]string{}
	if creds.Password != "" {
		env["MYSQL_PWD"] = creds.Password
	}
	return env
}
