package db

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/rowjay/bchain/internal/apperr"
	"github.com/rowjay/bchain/internal/config"
	"github.com/rowjay/bchain/internal/secrets"
)

// File copies a single file such as an .env or an SQLite database.
type File struct {
	runner
	svc       config.ServiceConfig
	overwrite bool
	logical   string
}

func (f *File) Kind() Kind          { return KindFile }
func (f *File) LogicalPath() string { return f.logical }

func (f *File) Tools() []string {
	if f.container != "" {
		return []string{"docker"}
	}
	return nil
}

func (f *File) Dump(ctx context.Context, _ secrets.Credentials, target string) error {
	if f.container != "" {
		return f.dumpTo(ctx, target, invocation{argv: []string{"cat", f.svc.Path}})
	}
	in, err := os.Open(f.svc.Path)
	if err != nil {
		return apperr.Wrap(apperr.KindDumpFailed, err, "open source file").WithService(f.service).WithPath(f.svc.Path)
	}
	defer in.Close()
	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o600)
	if err != nil {
		return fmt.Errorf("create %s: %w", target, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		_ = os.Remove(target)
		return apperr.Wrap(apperr.KindDumpFailed, err, "copy source file").WithService(f.service).WithPath(f.svc.Path)
	}
	return out.Close()
}

func (f *File) Restore(ctx context.Context, _ secrets.Credentials, src io.Reader) error {
	dest := f.svc.RestorePath
	if dest == "" {
		dest = f.svc.Path
	}
	if f.container != "" {
		return f.run(ctx, apperr.KindRestoreFailed, invocation{
			argv:  []string{"sh", "-c", `cat > "$0"`, dest},
			stdin: src,
		})
	}
	if err := writeFileAtomic(dest, src, f.overwrite); err != nil {
		return apperr.Wrap(apperr.KindRestoreFailed, err, "write restored file").WithService(f.service).WithPath(dest)
	}
	return nil
}
