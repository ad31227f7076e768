package db

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/rowjay/bchain/internal/apperr"
	"github.com/rowjay/bchain/internal/config"
	"github.com/rowjay/bchain/internal/secrets"
)

// Redis takes an RDB snapshot with redis-cli. Restoring places the snapshot
// at restore_path; the server loads it on its next start.
type Redis struct {
	runner
	svc     config.ServiceConfig
	logical string
}

func (r *Redis) Kind() Kind          { return KindRedis }
func (r *Redis) LogicalPath() string { return r.logical }
func (r *Redis) Tools() []string     { return r.tools("redis-cli") }

func (r *Redis) Dump(ctx context.Context, creds secrets.Credentials, target string) error {
	args := []string{"redis-cli"}
	if creds.Host != "" {
		args = append(args, "-h", creds.Host, "-p", portOrDefault(creds.Port, 6379))
	}
	if creds.Username != "" {
		args = append(args, "--user", creds.Username)
	}
	args = append(args, "--rdb", "-")
	env := map[string]string{}
	if creds.Password != "" {
		env["REDISCLI_AUTH"] = creds.Password
	}
	return r.dumpTo(ctx, target, invocation{argv: args, env: env})
}

func (r *Redis) Restore(ctx context.Context, _ secrets.Credentials, src io.Reader) error {
	dest := r.svc.RestorePath
	if dest == "" {
		return apperr.New(apperr.KindRestoreFailed, "restore_path is not configured").WithService(r.service).
			WithHint("set services.<name>.restore_path to the server's dump.rdb location")
	}
	if r.container != "" {
		return r.run(ctx, apperr.KindRestoreFailed, invocation{
			argv:  []string{"sh", "-c", `cat > "$0"`, dest},
			stdin: src,
		})
	}
	return writeFileAtomic(dest, src, true)
}

// writeFileAtomic writes src next to dest and renames it into place.
func writeFileAtomic(dest string, src io.Reader, overwrite bool) error {
	if !overwrite {
		if _, err := os.Stat(dest); err == nil {
			return fmt.Errorf("%s already exists; enable restore.drop_existing to overwrite", dest)
		}
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o750); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(dest), ".bchain-restore-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := io.Copy(tmp, src); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), dest)
}
