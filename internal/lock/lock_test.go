package lock

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rowjay/bchain/internal/apperr"
)

func TestAcquireExclusive(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run", "bchain.lock")

	first, err := Acquire(path, "backup", zerolog.Nop())
	require.NoError(t, err)

	holder, err := ReadHolder(path)
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), holder.PID)
	assert.Equal(t, "backup", holder.Operation)

	_, err = Acquire(path, "prune", zerolog.Nop())
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperr.ErrConcurrentRun))
	assert.Contains(t, apperr.HintOf(err), path)

	require.NoError(t, first.Release())
	holder, err = ReadHolder(path)
	require.NoError(t, err)
	assert.Zero(t, holder.PID)

	second, err := Acquire(path, "delete", zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, second.Release())
}

func TestAcquireReclaimsStaleRecord(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bchain.lock")
	require.NoError(t, os.WriteFile(path, []byte("999999\nbackup\n2025-01-01T02:00:00Z\n"), 0o600))

	var buf bytes.Buffer
	l, err := Acquire(path, "backup", zerolog.New(&buf))
	require.NoError(t, err)
	defer l.Release()

	assert.Contains(t, buf.String(), "reclaiming lock")
	assert.Contains(t, buf.String(), "999999")
}

func TestReleaseNil(t *testing.T) {
	var l *Lock
	assert.NoError(t, l.Release())
}
