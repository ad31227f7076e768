package restore

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/rowjay/bchain/internal/apperr"
	"github.com/rowjay/bchain/internal/artifact"
	"github.com/rowjay/bchain/internal/chain"
	"github.com/rowjay/bchain/internal/checksum"
	"github.com/rowjay/bchain/internal/config"
	"github.com/rowjay/bchain/internal/cryptoutil"
	"github.com/rowjay/bchain/internal/db"
	"github.com/rowjay/bchain/internal/manifest"
	"github.com/rowjay/bchain/internal/secrets"
)

type Request struct {
	BackupID       string
	Services       []string
	PassphraseFile string
}

// ServiceResult is the outcome of restoring one service.
type ServiceResult struct {
	Service  string
	Files    int
	Duration time.Duration
	Err      error
}

type Report struct {
	BackupID string
	Services []ServiceResult
}

// Failed returns the services whose restore failed.
func (r *Report) Failed() []string {
	var out []string
	for _, s := range r.Services {
		if s.Err != nil {
			out = append(out, s.Service)
		}
	}
	return out
}

type DriverFactory func(service string, svc config.ServiceConfig) (db.Driver, error)

// Orchestrator restores services from a backup, each service in isolation.
type Orchestrator struct {
	Cfg     *config.Config
	Store   *manifest.Store
	Secrets secrets.Resolver
	Drivers DriverFactory
	Log     zerolog.Logger
}

func New(cfg *config.Config, store *manifest.Store, resolver secrets.Resolver, log zerolog.Logger) *Orchestrator {
	return &Orchestrator{
		Cfg:     cfg,
		Store:   store,
		Secrets: resolver,
		Log:     log,
		Drivers: func(service string, svc config.ServiceConfig) (db.Driver, error) {
			return db.NewDriver(service, svc, db.Options{Timeout: cfg.Global.CommandTimeout, DropExisting: cfg.Restore.DropExisting})
		},
	}
}

type located struct {
	entry  manifest.FileEntry
	holder *manifest.Manifest
	stored manifest.FileEntry
}

type plan struct {
	service string
	driver  db.Driver
	files   []located
	// err is set when the service's artifacts cannot be located; the
	// service is reported failed without running its restore tool.
	err error
}

// Restore validates the whole request before touching any service, then
// restores the selected services in parallel. A failing service does not
// stop the others; the returned error lists every failure.
func (o *Orchestrator) Restore(ctx context.Context, req Request) (*Report, error) {
	if _, err := manifest.ParseID(req.BackupID); err != nil {
		return nil, err
	}
	m, err := o.Store.Read(ctx, req.BackupID)
	if err != nil {
		return nil, err
	}
	log := o.Log.With().Str("backup_id", m.BackupID).Logger()

	plans, err := o.plan(ctx, m, req.Services)
	if err != nil {
		return nil, err
	}
	passphrase := req.PassphraseFile
	if passphrase == "" {
		passphrase = o.Cfg.Restore.PassphraseFile
	}
	var encrypted []string
	for _, p := range plans {
		for _, f := range p.files {
			if f.stored.Storage.Encrypted {
				encrypted = append(encrypted, f.entry.LogicalPath)
			}
		}
	}
	if len(encrypted) > 0 {
		if passphrase == "" {
			return nil, apperr.New(apperr.KindDecryption, "encrypted files need a passphrase: %s", strings.Join(encrypted, ", ")).
				WithBackup(m.BackupID).WithHint("re-run with --passphrase-file pointing at a 0600 file")
		}
		if err := cryptoutil.CheckPassphraseFile(passphrase); err != nil {
			return nil, err
		}
	}

	report := &Report{BackupID: m.BackupID, Services: make([]ServiceResult, len(plans))}
	var eg errgroup.Group
	eg.SetLimit(o.parallelism())
	for i, p := range plans {
		eg.Go(func() error {
			started := time.Now()
			svcLog := log.With().Str("service", p.service).Logger()
			err := p.err
			if err == nil {
				svcLog.Info().Int("files", len(p.files)).Msg("restoring service")
				err = o.restoreService(ctx, svcLog, p, passphrase)
			}
			report.Services[i] = ServiceResult{Service: p.service, Files: len(p.files), Duration: time.Since(started), Err: err}
			if err != nil {
				svcLog.Error().Err(err).Msg("service restore failed")
			} else {
				svcLog.Info().Dur("duration", time.Since(started)).Msg("service restored")
			}
			return nil
		})
	}
	_ = eg.Wait()

	if failed := report.Failed(); len(failed) > 0 {
		e := apperr.New(apperr.KindRestoreFailed, "%d of %d services failed: %s", len(failed), len(plans), strings.Join(failed, ", ")).
			WithBackup(m.BackupID).
			WithHint("re-run with --services " + strings.Join(failed, ",") + " after fixing the cause")
		for _, s := range report.Services {
			if s.Err != nil {
				e.Err = s.Err
				break
			}
		}
		return report, e
	}
	return report, nil
}

// plan maps the requested services to drivers and physical artifacts.
func (o *Orchestrator) plan(ctx context.Context, m *manifest.Manifest, requested []string) ([]plan, error) {
	available := m.Services()
	services := available
	if len(requested) > 0 {
		inManifest := map[string]bool{}
		for _, s := range available {
			inManifest[s] = true
		}
		services = nil
		seen := map[string]bool{}
		for _, s := range requested {
			s = strings.ToLower(strings.TrimSpace(s))
			if seen[s] {
				continue
			}
			seen[s] = true
			if !inManifest[s] {
				return nil, apperr.New(apperr.KindValidation, "service %q is not in backup", s).WithBackup(m.BackupID).
					WithHint("services in this backup: " + strings.Join(available, ", "))
			}
			services = append(services, s)
		}
	}
	sort.Strings(services)

	resolver := chain.NewResolver(o.Store)
	var plans []plan
	for _, service := range services {
		svc, ok := o.Cfg.Services[service]
		if !ok {
			return nil, apperr.New(apperr.KindValidation, "service is not configured").WithService(service).
				WithHint("add services." + service + " to the config to restore it")
		}
		driver, err := o.Drivers(service, svc)
		if err != nil {
			return nil, apperr.Wrap(apperr.KindValidation, err, "cannot build driver").WithService(service)
		}
		p := plan{service: service, driver: driver}
		for _, entry := range m.Files {
			if entry.Service != service {
				continue
			}
			loc, err := resolver.Locate(ctx, m.BackupID, entry)
			if err != nil {
				p.err = err
				break
			}
			holder, err := resolver.Manifest(ctx, loc.BackupID)
			if err != nil {
				p.err = apperr.Wrap(apperr.KindChainBroken, err, "holder %s is unreadable", loc.BackupID).
					WithBackup(m.BackupID).WithService(service)
				break
			}
			p.files = append(p.files, located{entry: entry, holder: holder, stored: loc.Entry})
		}
		plans = append(plans, p)
	}
	return plans, nil
}

func (o *Orchestrator) restoreService(ctx context.Context, log zerolog.Logger, p plan, passphrase string) error {
	creds, err := o.Secrets.Resolve(ctx, p.service)
	if err != nil {
		if apperr.KindOf(err) == "" {
			err = apperr.Wrap(apperr.KindCredentialUnavailable, err, "resolve credentials").WithService(p.service)
		}
		return err
	}
	for _, f := range p.files {
		if err := o.restoreFile(ctx, log, p, f, creds, passphrase); err != nil {
			return err
		}
	}
	return nil
}

// restoreFile materializes one artifact into a private temp file, checks it
// against the manifest and feeds it to the service's restore tool.
func (o *Orchestrator) restoreFile(ctx context.Context, log zerolog.Logger, p plan, f located, creds secrets.Credentials, passphrase string) error {
	if dir := o.Cfg.Repository.StagingDir; dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create staging area: %w", err)
		}
	}
	tmp, err := os.CreateTemp(o.Cfg.Repository.StagingDir, "bchain-restore-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())
	defer tmp.Close()
	if err := tmp.Chmod(0o600); err != nil {
		return err
	}

	rc, err := artifact.Open(ctx, o.Store, f.holder, f.stored, passphrase, o.Cfg.Global.CommandTimeout)
	if err != nil {
		return attach(err, f)
	}
	hasher := checksum.NewWriter()
	_, err = io.Copy(io.MultiWriter(tmp, hasher), rc)
	_ = rc.Close()
	if err != nil {
		return attach(err, f)
	}
	if hasher.Sum() != f.entry.Checksum || hasher.Size() != f.entry.SizeBytes {
		return apperr.New(apperr.KindChecksumMismatch, "restored bytes do not match the manifest").
			WithBackup(f.holder.BackupID).WithService(p.service).WithPath(f.entry.LogicalPath)
	}
	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		return err
	}
	log.Debug().Str("logical_path", f.entry.LogicalPath).Str("holder", f.holder.BackupID).Msg("checksum verified, running restore tool")
	return p.driver.Restore(ctx, creds, tmp)
}

func attach(err error, f located) error {
	if apperr.KindOf(err) != "" {
		return err
	}
	return apperr.Wrap(apperr.KindRestoreFailed, err, "read stored artifact").
		WithBackup(f.holder.BackupID).WithService(f.entry.Service).WithPath(f.stored.Storage.StoredPath)
}

func (o *Orchestrator) parallelism() int {
	if o.Cfg.Restore.MaxParallelism > 0 {
		return o.Cfg.Restore.MaxParallelism
	}
	return 1
}
