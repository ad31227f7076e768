package restore

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rowjay/bchain/internal/apperr"
	"github.com/rowjay/bchain/internal/backup"
	"github.com/rowjay/bchain/internal/config"
	"github.com/rowjay/bchain/internal/cryptoutil"
	"github.com/rowjay/bchain/internal/manifest"
	"github.com/rowjay/bchain/internal/secrets"
	"github.com/rowjay/bchain/internal/storage"
)

type stepClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Minute)
	return c.t
}

type fixture struct {
	root    string
	sources map[string]string
	cfg     *config.Config
	store   *manifest.Store
	backup  *backup.Orchestrator
	restore *Orchestrator
}

// newFixture configures services whose dump cats a source file and whose
// restore writes stdin back over it.
func newFixture(t *testing.T, services ...string) *fixture {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	root := t.TempDir()
	f := &fixture{root: root, sources: map[string]string{}}
	svcs := map[string]config.ServiceConfig{}
	for _, name := range services {
		src := filepath.Join(root, name+".data")
		require.NoError(t, os.WriteFile(src, []byte("rows of "+name+"\n"), 0o644))
		f.sources[name] = src
		svcs[name] = config.ServiceConfig{
			Kind:           "command",
			DumpCommand:    []string{"sh", "-c", `cat "$0"`, src},
			RestoreCommand: []string{"sh", "-c", `cat > "$0"`, src},
		}
	}
	f.cfg = &config.Config{
		Global:     config.GlobalConfig{LockFile: filepath.Join(root, "run.lock"), CommandTimeout: 30 * time.Second},
		Repository: config.RepositoryConfig{Local: config.LocalStore{Path: filepath.Join(root, "repo")}, StagingDir: filepath.Join(root, "staging")},
		Backup:     config.BackupConfig{Compression: "lz4", MaxParallelism: 2},
		Restore:    config.RestoreConfig{MaxParallelism: 2},
		Services:   svcs,
	}
	f.store = manifest.NewStore(storage.NewLocal(f.cfg.Repository.Local.Path), "")
	resolver := secrets.Static{Services: svcs}
	orch, err := backup.New(f.cfg, f.store, resolver, zerolog.Nop())
	require.NoError(t, err)
	orch.Now = (&stepClock{t: time.Date(2025, 6, 1, 3, 0, 0, 0, time.UTC)}).Now
	f.backup = orch
	f.restore = New(f.cfg, f.store, resolver, zerolog.Nop())
	return f
}

func (f *fixture) run(t *testing.T, typ manifest.Type) *manifest.Manifest {
	t.Helper()
	m, err := f.backup.Run(context.Background(), backup.Request{Type: typ})
	require.NoError(t, err)
	return m
}

func (f *fixture) read(t *testing.T, service string) string {
	t.Helper()
	data, err := os.ReadFile(f.sources[service])
	require.NoError(t, err)
	return string(data)
}

func (f *fixture) write(t *testing.T, service, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(f.sources[service], []byte(content), 0o644))
}

func TestRestoreFidelity(t *testing.T) {
	f := newFixture(t, "postgres", "mysql", "mongodb")
	full := f.run(t, manifest.TypeFull)
	f.write(t, "mysql", "rows of mysql, second day\n")
	inc := f.run(t, manifest.TypeIncremental)

	for _, svc := range []string{"postgres", "mysql", "mongodb"} {
		f.write(t, svc, "damaged\n")
	}
	report, err := f.restore.Restore(context.Background(), Request{BackupID: inc.BackupID})
	require.NoError(t, err)
	assert.Empty(t, report.Failed())
	assert.Len(t, report.Services, 3)
	assert.Equal(t, "rows of postgres\n", f.read(t, "postgres"))
	assert.Equal(t, "rows of mysql, second day\n", f.read(t, "mysql"))
	assert.Equal(t, "rows of mongodb\n", f.read(t, "mongodb"))

	// A backup right after restoring stores nothing new.
	after := f.run(t, manifest.TypeIncremental)
	assert.Empty(t, after.Inline())
	e, _ := after.Entry("postgres", "postgres/postgres.dump")
	assert.Equal(t, full.BackupID, e.Storage.BackupID)

	staged, err := os.ReadDir(f.cfg.Repository.StagingDir)
	require.NoError(t, err)
	assert.Empty(t, staged, "temp files are removed")
}

func TestRestoreSelectedServices(t *testing.T) {
	f := newFixture(t, "a", "b")
	m := f.run(t, manifest.TypeFull)
	f.write(t, "a", "changed a\n")
	f.write(t, "b", "changed b\n")

	_, err := f.restore.Restore(context.Background(), Request{BackupID: m.BackupID, Services: []string{"B"}})
	require.NoError(t, err)
	assert.Equal(t, "changed a\n", f.read(t, "a"))
	assert.Equal(t, "rows of b\n", f.read(t, "b"))
}

func TestRestoreRejectsBeforeTouchingAnything(t *testing.T) {
	f := newFixture(t, "a")
	m := f.run(t, manifest.TypeFull)
	f.write(t, "a", "current\n")

	_, err := f.restore.Restore(context.Background(), Request{BackupID: "2025-06-01"})
	assert.True(t, errors.Is(err, apperr.ErrInvalidBackupID))

	_, err = f.restore.Restore(context.Background(), Request{BackupID: "20000101_000000"})
	assert.True(t, errors.Is(err, apperr.ErrInvalidBackupID))

	_, err = f.restore.Restore(context.Background(), Request{BackupID: m.BackupID, Services: []string{"a", "ghost"}})
	require.Error(t, err)
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))

	assert.Equal(t, "current\n", f.read(t, "a"))
}

func TestRestoreEncryptedNeedsPassphrase(t *testing.T) {
	f := newFixture(t, "a", "b")
	pass := filepath.Join(f.root, "pass")
	require.NoError(t, os.WriteFile(pass, []byte("pw\n"), 0o600))
	f.cfg.Backup.Encrypt = true
	f.cfg.Backup.PassphraseFile = pass
	f.backup.Cipher = &cryptoutil.DARE{Iterations: 1000}
	m := f.run(t, manifest.TypeFull)
	f.write(t, "a", "current\n")

	_, err := f.restore.Restore(context.Background(), Request{BackupID: m.BackupID})
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperr.ErrDecryption))
	assert.Contains(t, err.Error(), "a/a.dump")
	assert.Contains(t, err.Error(), "b/b.dump")
	assert.Equal(t, "current\n", f.read(t, "a"))

	_, err = f.restore.Restore(context.Background(), Request{BackupID: m.BackupID, PassphraseFile: pass})
	require.NoError(t, err)
	assert.Equal(t, "rows of a\n", f.read(t, "a"))
}

func TestRestoreFailureIsIsolated(t *testing.T) {
	f := newFixture(t, "a", "b")
	m := f.run(t, manifest.TypeFull)
	svc := f.cfg.Services["a"]
	svc.RestoreCommand = []string{"sh", "-c", "cat >/dev/null; echo 'permission denied for database' >&2; exit 1"}
	f.cfg.Services["a"] = svc
	f.write(t, "b", "changed\n")

	report, err := f.restore.Restore(context.Background(), Request{BackupID: m.BackupID})
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperr.ErrRestoreFailed))
	assert.Equal(t, apperr.ExitFailure, apperr.ExitCode(err))
	assert.Contains(t, err.Error(), "permission denied")
	require.NotNil(t, report)
	assert.Equal(t, []string{"a"}, report.Failed())
	assert.Equal(t, "rows of b\n", f.read(t, "b"))
}

func TestRestoreDetectsTamperedArtifact(t *testing.T) {
	f := newFixture(t, "a")
	f.cfg.Backup.Compression = "none"
	m := f.run(t, manifest.TypeFull)
	e := m.Files[0]
	p := filepath.Join(f.cfg.Repository.Local.Path, m.BackupID, filepath.FromSlash(e.Storage.StoredPath))
	require.NoError(t, os.WriteFile(p, []byte("tampered\n"), 0o600))
	f.write(t, "a", "current\n")

	report, err := f.restore.Restore(context.Background(), Request{BackupID: m.BackupID})
	require.Error(t, err)
	assert.Equal(t, []string{"a"}, report.Failed())
	assert.True(t, errors.Is(report.Services[0].Err, apperr.ErrChecksumMismatch))
	assert.Equal(t, "current\n", f.read(t, "a"), "restore tool never ran")
}

func TestRestoreBrokenChainIsIsolated(t *testing.T) {
	f := newFixture(t, "a", "b")
	full := f.run(t, manifest.TypeFull)
	f.write(t, "a", "a v2\n")
	f.run(t, manifest.TypeIncremental)
	f.write(t, "a", "a v3\n")
	inc := f.run(t, manifest.TypeIncremental)
	b, _ := inc.Entry("b", "b/b.dump")
	require.Equal(t, full.BackupID, b.Storage.BackupID)

	require.NoError(t, os.Remove(filepath.Join(f.cfg.Repository.Local.Path, full.BackupID, storage.ManifestName)))
	f.write(t, "a", "garbage\n")
	f.write(t, "b", "current b\n")

	report, err := f.restore.Restore(context.Background(), Request{BackupID: inc.BackupID})
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperr.ErrRestoreFailed))
	require.NotNil(t, report)
	assert.Equal(t, []string{"b"}, report.Failed())
	for _, s := range report.Services {
		if s.Service == "b" {
			assert.True(t, errors.Is(s.Err, apperr.ErrChainBroken))
		}
	}
	assert.Equal(t, "a v3\n", f.read(t, "a"))
	assert.Equal(t, "current b\n", f.read(t, "b"))
}
