package util

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"sync"

	"github.com/rowjay/bchain/internal/apperr"
)

// RequireBinary verifies the binary is on PATH.
func RequireBinary(name string) error {
	if _, err := exec.LookPath(name); err != nil {
		return apperr.Wrap(apperr.KindToolUnavailable, err, "required binary not found: %s", name).
			WithHint(fmt.Sprintf("install %s or add it to PATH", name))
	}
	return nil
}

// Command builds an exec.Cmd inheriting the process env plus env. Keys are
// applied in sorted order so the resulting env is deterministic.
func Command(ctx context.Context, name string, args []string, env map[string]string) *exec.Cmd {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Env = os.Environ()
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		cmd.Env = append(cmd.Env, k+"="+env[k])
	}
	return cmd
}

// ExitCode extracts the process exit status from err, or -1.
func ExitCode(err error) int {
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

// DefaultTail bounds captured stderr.
const DefaultTail = 16 << 10

// TailBuffer keeps the last max bytes written to it.
type TailBuffer struct {
	mu      sync.Mutex
	max     int
	buf     []byte
	dropped int64
}

func NewTailBuffer(max int) *TailBuffer {
	if max <= 0 {
		max = DefaultTail
	}
	return &TailBuffer{max: max}
}

func (t *TailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.max; over > 0 {
		t.dropped += int64(over)
		t.buf = append(t.buf[:0], t.buf[over:]...)
	}
	return len(p), nil
}

func (t *TailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.dropped > 0 {
		return fmt.Sprintf("...(%d bytes truncated)\n%s", t.dropped, t.buf)
	}
	return string(t.buf)
}
