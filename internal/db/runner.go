package db

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/rowjay/bchain/internal/apperr"
	"github.com/rowjay/bchain/internal/util"
)

// runner executes tools either on the host or inside a container through
// docker exec. Secrets travel in the environment, never in argv.
type runner struct {
	service   string
	container string
	timeout   time.Duration
	env       map[string]string
}

type invocation struct {
	argv   []string
	env    map[string]string
	stdin  io.Reader
	stdout io.Writer
}

// command returns the executable and arguments for inv.
func (r runner) command(inv invocation) (string, []string) {
	if r.container == "" {
		return inv.argv[0], inv.argv[1:]
	}
	args := []string{"exec", "-i"}
	for _, k := range sortedKeys(inv.env) {
		// Docker copies the value from its own environment when only the
		// name is given.
		args = append(args, "-e", k)
	}
	args = append(args, r.container)
	return "docker", append(args, inv.argv...)
}

// tools returns the host executables needed for argv0.
func (r runner) tools(argv0 ...string) []string {
	if r.container != "" {
		return []string{"docker"}
	}
	return argv0
}

func (r runner) run(ctx context.Context, kind apperr.Kind, inv invocation) error {
	merged := map[string]string{}
	for k, v := range r.env {
		merged[k] = v
	}
	for k, v := range inv.env {
		merged[k] = v
	}
	inv.env = merged

	name, args := r.command(inv)
	if err := util.RequireBinary(name); err != nil {
		var appErr *apperr.Error
		if errors.As(err, &appErr) {
			return appErr.WithService(r.service)
		}
		return err
	}

	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}
	cmd := util.Command(ctx, name, args, inv.env)
	cmd.Stdin = inv.stdin
	cmd.Stdout = inv.stdout
	stderr := util.NewTailBuffer(util.DefaultTail)
	cmd.Stderr = stderr
	cmd.WaitDelay = 5 * time.Second

	err := cmd.Run()
	if err == nil {
		return nil
	}
	tail := strings.TrimSpace(stderr.String())
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return apperr.Wrap(kind, err, "%s timed out after %s", inv.argv[0], r.timeout).WithService(r.service).
			WithHint("raise global.command_timeout or check the service is responsive")
	case ctx.Err() != nil:
		return ctx.Err()
	}
	return apperr.Wrap(kind, err, "%s exited with status %d: %s", inv.argv[0], util.ExitCode(err), tail).WithService(r.service)
}

// dumpTo runs inv with stdout redirected into a new file at target. The
// file is removed when the tool fails.
func (r runner) dumpTo(ctx context.Context, target string, inv invocation) error {
	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o600)
	if err != nil {
		return fmt.Errorf("create %s: %w", target, err)
	}
	inv.stdout = out
	runErr := r.run(ctx, apperr.KindDumpFailed, inv)
	closeErr := out.Close()
	if runErr == nil {
		runErr = closeErr
	}
	if runErr != nil {
		_ = os.Remove(target)
	}
	return runErr
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
