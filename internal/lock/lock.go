package lock

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gofrs/flock"
	"github.com/rs/zerolog"

	"github.com/rowjay/bchain/internal/apperr"
)

// Holder is what a running process records in the lock file.
type Holder struct {
	PID       int
	Operation string
	Started   time.Time
}

func (h Holder) String() string {
	if h.PID == 0 {
		return "unknown holder"
	}
	return fmt.Sprintf("pid %d (%s since %s)", h.PID, h.Operation, h.Started.Format(time.RFC3339))
}

type Lock struct {
	file *flock.Flock
	path string
}

// Acquire obtains the run lock at path for operation. The kernel releases
// the advisory lock when a process dies; holder details left behind by such
// a process are reported and overwritten.
func Acquire(path, operation string, log zerolog.Logger) (*Lock, error) {
	if path == "" {
		path = filepath.Join(os.TempDir(), "bchain.lock")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("create lock directory: %w", err)
	}
	fl := flock.New(path)
	ok, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("lock %s: %w", path, err)
	}
	if !ok {
		holder, _ := ReadHolder(path)
		return nil, apperr.New(apperr.KindConcurrentRun, "another run holds the lock: %s", holder).WithPath(path).
			WithHint(fmt.Sprintf("wait for %s to finish or inspect %s; do not retry blindly", holder, path))
	}

	if prev, err := ReadHolder(path); err == nil && prev.PID != 0 {
		log.Warn().Str("lock_file", path).Int("stale_pid", prev.PID).Str("stale_operation", prev.Operation).
			Time("stale_since", prev.Started).Msg("reclaiming lock left by a run that did not exit cleanly")
	}

	content := fmt.Sprintf("%d\n%s\n%s\n", os.Getpid(), operation, time.Now().UTC().Format(time.RFC3339))
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		_ = fl.Unlock()
		return nil, fmt.Errorf("record lock holder: %w", err)
	}
	return &Lock{file: fl, path: path}, nil
}

// Release clears the holder record and frees the lock.
func (l *Lock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	_ = os.Truncate(l.path, 0)
	return l.file.Unlock()
}

// ReadHolder parses the holder record at path. An empty file yields a zero Holder.
func ReadHolder(path string) (Holder, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Holder{}, err
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) == 0 || lines[0] == "" {
		return Holder{}, nil
	}
	var h Holder
	if h.PID, err = strconv.Atoi(strings.TrimSpace(lines[0])); err != nil {
		return Holder{}, fmt.Errorf("malformed lock file %s", path)
	}
	if len(lines) > 1 {
		h.Operation = strings.TrimSpace(lines[1])
	}
	if len(lines) > 2 {
		h.Started, _ = time.Parse(time.RFC3339, strings.TrimSpace(lines[2]))
	}
	return h, nil
}
