package backup

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/rowjay/bchain/internal/apperr"
	"github.com/rowjay/bchain/internal/chain"
	"github.com/rowjay/bchain/internal/checksum"
	"github.com/rowjay/bchain/internal/compress"
	"github.com/rowjay/bchain/internal/config"
	"github.com/rowjay/bchain/internal/cryptoutil"
	"github.com/rowjay/bchain/internal/db"
	"github.com/rowjay/bchain/internal/lock"
	"github.com/rowjay/bchain/internal/manifest"
	"github.com/rowjay/bchain/internal/secrets"
	"github.com/rowjay/bchain/internal/util"
	"github.com/rowjay/bchain/internal/version"
)

// Request selects what a run backs up. Empty Services means backup.services
// from the config, or every configured service when that is empty too.
type Request struct {
	Type     manifest.Type
	Services []string
}

// DriverFactory builds the dump driver for a configured service.
type DriverFactory func(service string, svc config.ServiceConfig) (db.Driver, error)

// Orchestrator runs one backup at a time against a repository.
type Orchestrator struct {
	Cfg     *config.Config
	Store   *manifest.Store
	Secrets secrets.Resolver
	Drivers DriverFactory
	// Cipher is required when backup.encrypt is set.
	Cipher cryptoutil.Cipher
	Log    zerolog.Logger
	Now    func() time.Time
}

// New wires an Orchestrator with the drivers and cipher selected by cfg.
func New(cfg *config.Config, store *manifest.Store, resolver secrets.Resolver, log zerolog.Logger) (*Orchestrator, error) {
	o := &Orchestrator{
		Cfg:     cfg,
		Store:   store,
		Secrets: resolver,
		Log:     log,
		Now:     time.Now,
		Drivers: func(service string, svc config.ServiceConfig) (db.Driver, error) {
			return db.NewDriver(service, svc, db.Options{Timeout: cfg.Global.CommandTimeout})
		},
	}
	if cfg.Backup.Encrypt {
		c, err := cryptoutil.New(cfg.Backup.Cipher, cfg.Global.CommandTimeout)
		if err != nil {
			return nil, err
		}
		o.Cipher = c
	}
	return o, nil
}

type job struct {
	service string
	svc     config.ServiceConfig
	driver  db.Driver
}

// Run produces one backup. On any service failure nothing of this run is
// kept and no manifest is written.
func (o *Orchestrator) Run(ctx context.Context, req Request) (*manifest.Manifest, error) {
	jobs, err := o.plan(req)
	if err != nil {
		return nil, err
	}
	compression, err := compress.Normalize(o.Cfg.Backup.Compression)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindValidation, err, "invalid backup.compression")
	}
	if o.Cfg.Backup.Encrypt {
		if o.Cipher == nil {
			return nil, apperr.New(apperr.KindValidation, "backup.encrypt is set but no cipher is configured")
		}
		if err := o.Cipher.Available(); err != nil {
			return nil, err
		}
		if err := cryptoutil.CheckPassphraseFile(o.Cfg.Backup.PassphraseFile); err != nil {
			return nil, err
		}
	}

	guard, err := lock.Acquire(o.Cfg.Global.LockFile, "backup", o.Log)
	if err != nil {
		return nil, err
	}
	defer guard.Release()

	start := o.now()
	window, err := util.ParseWindow(o.Cfg.Schedule.WindowStart, o.Cfg.Schedule.WindowEnd, o.Cfg.Schedule.Timezone)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindValidation, err, "invalid schedule")
	}
	if !window.Contains(start) {
		return nil, apperr.New(apperr.KindValidation, "current time is outside the backup window %s", window).
			WithHint("run inside schedule.window_start/window_end or clear the window")
	}

	resolver := chain.NewResolver(o.Store)
	requested := req.Type
	if requested == "" {
		requested = manifest.TypeFull
	}
	backupType := requested
	var parent string
	if requested == manifest.TypeIncremental {
		head, err := resolver.Head(ctx)
		if err != nil {
			return nil, fmt.Errorf("find chain head: %w", err)
		}
		if head == "" {
			o.Log.Warn().Msg("no valid backup to build on, running a full backup instead of incremental")
			backupType = manifest.TypeFull
		}
		parent = head
	}

	id := manifest.NewID(start)
	taken, err := o.Store.DirExists(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("check backup directory: %w", err)
	}
	if taken {
		return nil, apperr.New(apperr.KindValidation, "backup directory already exists").WithBackup(id).
			WithHint("backup ids have one-second resolution; wait a second and re-run")
	}
	log := o.Log.With().Str("backup_id", id).Str("type", string(backupType)).Logger()
	if parent != "" {
		log = log.With().Str("parent", parent).Logger()
	}
	log.Info().Int("services", len(jobs)).Msg("backup started")

	staging, err := o.stagingDir(id)
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(staging)

	entries := make([]manifest.FileEntry, len(jobs))
	var storedMu sync.Mutex
	stored := false

	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(o.parallelism())
	for i, j := range jobs {
		eg.Go(func() error {
			entry, uploaded, err := o.process(egCtx, resolver, log, id, parent, staging, compression, j)
			if uploaded {
				storedMu.Lock()
				stored = true
				storedMu.Unlock()
			}
			if err != nil {
				return attachService(err, j.service)
			}
			entries[i] = entry
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		if stored {
			o.discard(id, log)
		}
		log.Error().Err(err).Msg("backup aborted")
		return nil, err
	}

	m := &manifest.Manifest{
		BackupID:        id,
		BackupType:      backupType,
		CreatedAt:       start.UTC(),
		DurationSeconds: o.now().Sub(start).Seconds(),
		ToolVersion:     version.Version,
		Files:           entries,
	}
	if backupType == manifest.TypeIncremental {
		m.SetParent(parent)
	}
	if requested != backupType {
		m.RequestedType = requested
	}
	if o.Cfg.Backup.Encrypt {
		m.Encrypted = true
		m.EncryptionAlgorithm = manifest.AlgorithmAES256
		m.EncryptionMethod = o.Cipher.Method()
	}
	sort.SliceStable(m.Files, func(a, b int) bool {
		if m.Files[a].Service != m.Files[b].Service {
			return m.Files[a].Service < m.Files[b].Service
		}
		return m.Files[a].LogicalPath < m.Files[b].LogicalPath
	})
	for _, f := range m.Files {
		if f.Storage.Kind == manifest.StorageInline {
			m.TotalSizeBytes += f.SizeBytes
			m.StoredSizeBytes += f.Storage.StoredSizeBytes
		}
	}

	if err := o.Store.Write(ctx, m); err != nil {
		o.discard(id, log)
		return nil, err
	}
	log.Info().
		Int("files", len(m.Files)).
		Int("inline", len(m.Inline())).
		Str("size", humanize.Bytes(uint64(m.TotalSizeBytes))).
		Str("stored", humanize.Bytes(uint64(m.StoredSizeBytes))).
		Dur("duration", time.Duration(m.DurationSeconds*float64(time.Second))).
		Msg("backup completed")
	return m, nil
}

// plan resolves the requested services to drivers, failing before any work
// for unknown names or kinds.
func (o *Orchestrator) plan(req Request) ([]job, error) {
	names := req.Services
	if len(names) == 0 {
		names = o.Cfg.Backup.Services
	}
	if len(names) == 0 {
		names = o.Cfg.ServiceNames()
	}
	if len(names) == 0 {
		return nil, apperr.New(apperr.KindValidation, "no services configured").
			WithHint("add at least one entry under services in the config")
	}
	seen := map[string]bool{}
	var jobs []job
	for _, name := range names {
		name = strings.ToLower(strings.TrimSpace(name))
		if seen[name] {
			continue
		}
		seen[name] = true
		svc, ok := o.Cfg.Services[name]
		if !ok {
			return nil, apperr.New(apperr.KindValidation, "unknown service %q", name).WithService(name).
				WithHint("configured services: " + strings.Join(o.Cfg.ServiceNames(), ", "))
		}
		driver, err := o.Drivers(name, svc)
		if err != nil {
			return nil, apperr.Wrap(apperr.KindValidation, err, "cannot build driver").WithService(name)
		}
		jobs = append(jobs, job{service: name, svc: svc, driver: driver})
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].service < jobs[j].service })
	return jobs, nil
}

// process dumps one service and stores it or references an identical
// ancestor copy. uploaded reports whether an object may have been written.
func (o *Orchestrator) process(ctx context.Context, resolver *chain.Resolver, log zerolog.Logger, id, parent, staging, compression string, j job) (manifest.FileEntry, bool, error) {
	started := time.Now()
	log = log.With().Str("service", j.service).Logger()

	creds, err := o.Secrets.Resolve(ctx, j.service)
	if err != nil {
		if apperr.KindOf(err) == "" {
			err = apperr.Wrap(apperr.KindCredentialUnavailable, err, "resolve credentials")
		}
		return manifest.FileEntry{}, false, err
	}

	logical := j.driver.LogicalPath()
	stagePath := filepath.Join(staging, j.service, filepath.FromSlash(logical))
	if err := os.MkdirAll(filepath.Dir(stagePath), 0o700); err != nil {
		return manifest.FileEntry{}, false, fmt.Errorf("create staging dir: %w", err)
	}
	log.Debug().Msg("dumping")
	if err := j.driver.Dump(ctx, creds, stagePath); err != nil {
		return manifest.FileEntry{}, false, err
	}
	sum, size, err := checksum.SumFile(stagePath)
	if err != nil {
		return manifest.FileEntry{}, false, fmt.Errorf("checksum dump: %w", err)
	}

	entry := manifest.FileEntry{
		Service:     j.service,
		Kind:        string(j.driver.Kind()),
		LogicalPath: path.Join(j.service, logical),
		Checksum:    sum,
		SizeBytes:   size,
	}
	ref, found, err := resolver.Resolve(ctx, chain.Candidate{
		Service:     j.service,
		LogicalPath: entry.LogicalPath,
		Checksum:    sum,
		Size:        size,
	}, parent)
	if err != nil {
		return manifest.FileEntry{}, false, fmt.Errorf("resolve against chain: %w", err)
	}
	if found {
		_ = os.Remove(stagePath)
		entry.Storage = ref
		log.Info().Str("holder", ref.BackupID).Str("stored_path", ref.StoredPath).
			Dur("duration", time.Since(started)).Msg("unchanged, referencing ancestor copy")
		return entry, false, nil
	}

	final := stagePath
	if compression != compress.TypeNone {
		final, err = compressFile(ctx, compression, stagePath)
		if err != nil {
			return manifest.FileEntry{}, false, fmt.Errorf("compress dump: %w", err)
		}
	}
	if o.Cfg.Backup.Encrypt {
		final, err = o.Cipher.Encrypt(ctx, final, o.Cfg.Backup.PassphraseFile)
		if err != nil {
			return manifest.FileEntry{}, false, err
		}
	}
	storedPath := entry.LogicalPath + strings.TrimPrefix(final, stagePath)

	f, err := os.Open(final)
	if err != nil {
		return manifest.FileEntry{}, false, err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return manifest.FileEntry{}, false, err
	}
	if err := o.Store.PutObject(ctx, id, storedPath, f, info.Size()); err != nil {
		return manifest.FileEntry{}, true, fmt.Errorf("store %s: %w", storedPath, err)
	}
	entry.Storage = manifest.Storage{
		Kind:            manifest.StorageInline,
		BackupID:        id,
		StoredPath:      storedPath,
		Encrypted:       o.Cfg.Backup.Encrypt,
		Compression:     compression,
		StoredSizeBytes: info.Size(),
	}
	log.Info().Str("stored_path", storedPath).
		Str("size", humanize.Bytes(uint64(size))).
		Str("stored", humanize.Bytes(uint64(info.Size()))).
		Dur("duration", time.Since(started)).Msg("service stored")
	return entry, true, nil
}

// discard removes whatever this run already stored. It runs detached from
// the run context, which is usually cancelled by then.
func (o *Orchestrator) discard(id string, log zerolog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	objects, err := o.Store.Objects(ctx, id)
	if err != nil {
		log.Error().Err(err).Msg("cannot list partial backup for cleanup")
		return
	}
	for _, obj := range objects {
		if err := o.Store.Storage().Delete(ctx, obj.Key); err != nil {
			log.Error().Err(err).Str("key", obj.Key).Msg("cannot remove partial artifact")
		}
	}
	log.Info().Int("objects", len(objects)).Msg("removed partial backup")
}

func (o *Orchestrator) stagingDir(id string) (string, error) {
	base := o.Cfg.Repository.StagingDir
	if base == "" {
		base = os.TempDir()
	}
	if err := os.MkdirAll(base, 0o700); err != nil {
		return "", fmt.Errorf("create staging area: %w", err)
	}
	dir, err := os.MkdirTemp(base, "bchain-"+id+"-")
	if err != nil {
		return "", fmt.Errorf("create staging area: %w", err)
	}
	return dir, nil
}

func (o *Orchestrator) parallelism() int {
	if o.Cfg.Backup.MaxParallelism > 0 {
		return o.Cfg.Backup.MaxParallelism
	}
	return 1
}

func (o *Orchestrator) now() time.Time {
	if o.Now != nil {
		return o.Now()
	}
	return time.Now()
}

// attachService makes sure a failure names the service it belongs to.
func attachService(err error, service string) error {
	var appErr *apperr.Error
	if errors.As(err, &appErr) {
		if appErr.Service == "" {
			appErr.Service = service
		}
		return err
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	return fmt.Errorf("service %s: %w", service, err)
}

// compressFile writes a compressed sibling of src and removes src.
func compressFile(ctx context.Context, kind, src string) (string, error) {
	dst := src + compress.Extension(kind)
	in, err := os.Open(src)
	if err != nil {
		return "", err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o600)
	if err != nil {
		return "", err
	}
	fail := func(err error) (string, error) {
		_ = out.Close()
		_ = os.Remove(dst)
		return "", err
	}
	w, err := compress.WrapWriter(kind, out)
	if err != nil {
		return fail(err)
	}
	if _, err := util.CopyContext(ctx, w, in); err != nil {
		_ = w.Close()
		return fail(err)
	}
	if err := w.Close(); err != nil {
		return fail(err)
	}
	if err := out.Close(); err != nil {
		_ = os.Remove(dst)
		return "", err
	}
	if err := os.Remove(src); err != nil {
		return "", err
	}
	return dst, nil
}
