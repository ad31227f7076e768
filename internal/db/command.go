package db

import (
	"context"
	"io"
	"strconv"

	"github.com/rowjay/bchain/internal/apperr"
	"github.com/rowjay/bchain/internal/config"
	"github.com/rowjay/bchain/internal/secrets"
)

// Command runs operator supplied argv for services without a built-in
// driver, e.g. a tar of a data volume. The dump command writes to stdout and
// the restore command reads from stdin. Credentials arrive as BCHAIN_* vars.
type Command struct {
	runner
	svc     config.ServiceConfig
	logical string
}

func (c *Command) Kind() Kind          { return KindCommand }
func (c *Command) LogicalPath() string { return c.logical }

func (c *Command) Tools() []string {
	tools := []string{c.svc.DumpCommand[0]}
	if len(c.svc.RestoreCommand) > 0 {
		tools = append(tools, c.svc.RestoreCommand[0])
	}
	return c.tools(tools...)
}

func (c *Command) Dump(ctx context.Context, creds secrets.Credentials, target string) error {
	return c.dumpTo(ctx, target, invocation{argv: c.svc.DumpCommand, env: credentialEnv(creds)})
}

func (c *Command) Restore(ctx context.Context, creds secrets.Credentials, src io.Reader) error {
	if len(c.svc.RestoreCommand) == 0 {
		return apperr.New(apperr.KindRestoreFailed, "restore_command is not configured").WithService(c.service)
	}
	return c.run(ctx, apperr.KindRestoreFailed, invocation{
		argv:   c.svc.RestoreCommand,
		env:    credentialEnv(creds),
		stdin:  src,
		stdout: io.Discard,
	})
}

func credentialEnv(creds secrets.Credentials) map[string]string {
	env := map[string]string{}
	set := func(k, v string) {
		if v != "" {
			env[k] = v
		}
	}
	set("BCHAIN_USERNAME", creds.Username)
	set("BCHAIN_PASSWORD", creds.Password)
	set("BCHAIN_DATABASE", creds.Database)
	set("BCHAIN_HOST", creds.Host)
	if creds.Port != 0 {
		env["BCHAIN_PORT"] = strconv.Itoa(creds.Port)
	}
	return env
}
