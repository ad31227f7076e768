package app

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/rowjay/bchain/internal/apperr"
	"github.com/rowjay/bchain/internal/backup"
	"github.com/rowjay/bchain/internal/chain"
	"github.com/rowjay/bchain/internal/config"
	"github.com/rowjay/bchain/internal/lock"
	"github.com/rowjay/bchain/internal/manifest"
	"github.com/rowjay/bchain/internal/notify"
	"github.com/rowjay/bchain/internal/restore"
	"github.com/rowjay/bchain/internal/secrets"
	"github.com/rowjay/bchain/internal/storage"
	"github.com/rowjay/bchain/internal/verify"
)

// App composes the orchestrators behind the CLI and reports every run to
// the configured notifier.
type App struct {
	Cfg      *config.Config
	Store    *manifest.Store
	Secrets  secrets.Resolver
	Log      zerolog.Logger
	Notifier notify.Notifier

	Backups  *backup.Orchestrator
	Verifier *verify.Engine
	Restorer *restore.Orchestrator

	Now func() time.Time
}

func New(cfg *config.Config, store storage.Storage, resolver secrets.Resolver, log zerolog.Logger, notifier notify.Notifier) (*App, error) {
	ms := manifest.NewStore(store, cfg.Repository.Prefix)
	backups, err := backup.New(cfg, ms, resolver, log)
	if err != nil {
		return nil, err
	}
	return &App{
		Cfg:      cfg,
		Store:    ms,
		Secrets:  resolver,
		Log:      log,
		Notifier: notifier,
		Backups:  backups,
		Verifier: verify.New(ms, log, cfg.Backup.MaxParallelism, cfg.Global.CommandTimeout),
		Restorer: restore.New(cfg, ms, resolver, log),
		Now:      time.Now,
	}, nil
}

type BackupResult struct {
	Manifest *manifest.Manifest
	// Verification is set when backup.verify_after is enabled.
	Verification *verify.Report
	Pruned       []string
}

func (a *App) Backup(ctx context.Context, req backup.Request) (*BackupResult, error) {
	start := time.Now()
	var opErr error
	res := &BackupResult{}
	defer func() {
		event := notify.NewEvent("backup", start, opErr)
		event.Services = req.Services
		if res.Manifest != nil {
			event.BackupID = res.Manifest.BackupID
			event.Services = res.Manifest.Services()
			event.Message = fmt.Sprintf("%s backup of %d services", res.Manifest.BackupType, len(event.Services))
		} else {
			event.Message = "backup"
		}
		a.notify(event)
	}()

	m, err := a.Backups.Run(ctx, req)
	if err != nil {
		opErr = err
		return nil, err
	}
	res.Manifest = m

	if a.Cfg.Backup.VerifyAfter {
		report, err := a.Verifier.Verify(ctx, m.BackupID, verify.Options{PassphraseFile: a.Cfg.Backup.PassphraseFile})
		if err != nil {
			opErr = err
			return res, err
		}
		res.Verification = report
		if !report.OK {
			opErr = apperr.New(apperr.KindVerificationFailed, "fresh backup failed verification: %d files, %d issues", report.Failed, len(report.Issues)).
				WithBackup(m.BackupID)
			return res, opErr
		}
	}

	if a.Cfg.Backup.Retention.KeepLast > 0 || a.Cfg.Backup.Retention.KeepDays > 0 {
		pruned, err := a.Prune(ctx, false)
		if err != nil {
			a.Log.Warn().Err(err).Msg("retention pass failed")
		} else {
			res.Pruned = pruned.Deleted
		}
	}
	return res, nil
}

func (a *App) Verify(ctx context.Context, id string, opts verify.Options) (*verify.Report, error) {
	start := time.Now()
	report, err := a.Verifier.Verify(ctx, id, opts)
	opErr := err
	if err == nil && !report.OK {
		opErr = apperr.New(apperr.KindVerificationFailed, "%d of %d files failed, %d issues", report.Failed, report.Total, len(report.Issues)).
			WithBackup(id)
	}
	event := notify.NewEvent("verify", start, opErr)
	event.BackupID = id
	event.Message = "verification"
	a.notify(event)
	return report, opErr
}

// VerifyAll verifies every backup in the repository, newest first. Every
// backup is checked even after a failure; the error names all that failed.
func (a *App) VerifyAll(ctx context.Context, opts verify.Options) ([]*verify.Report, error) {
	ids, err := a.Store.IDs(ctx)
	if err != nil {
		return nil, err
	}
	var reports []*verify.Report
	var failed []string
	var cause error
	for _, id := range ids {
		report, err := a.Verify(ctx, id, opts)
		if report != nil {
			reports = append(reports, report)
		}
		if err != nil {
			failed = append(failed, id)
			if cause == nil && !errors.Is(err, apperr.ErrVerificationFailed) {
				cause = err
			}
		}
	}
	if len(failed) > 0 {
		return reports, apperr.Wrap(apperr.KindVerificationFailed, cause, "%d of %d backups failed verification: %s",
			len(failed), len(ids), strings.Join(failed, ", "))
	}
	return reports, nil
}

func (a *App) Restore(ctx context.Context, req restore.Request) (*restore.Report, error) {
	start := time.Now()
	report, err := a.Restorer.Restore(ctx, req)
	event := notify.NewEvent("restore", start, err)
	event.BackupID = req.BackupID
	event.Services = req.Services
	event.Message = "restore"
	a.notify(event)
	return report, err
}

// List yields backup summaries newest first.
func (a *App) List(ctx context.Context) iter.Seq2[manifest.Summary, error] {
	return a.Store.List(ctx)
}

// Delete removes one backup. Backups whose files are referenced by another
// backup are refused.
func (a *App) Delete(ctx context.Context, id string) error {
	if _, err := manifest.ParseID(id); err != nil {
		return err
	}
	guard, err := lock.Acquire(a.Cfg.Global.LockFile, "delete", a.Log)
	if err != nil {
		return err
	}
	defer guard.Release()

	deps, err := chain.NewResolver(a.Store).Dependents(ctx, id)
	if err != nil {
		return apperr.Wrap(apperr.KindBackupInUse, err, "cannot prove the backup is unreferenced").WithBackup(id).
			WithHint("fix or delete the unreadable backup first")
	}
	if len(deps) > 0 {
		return apperr.New(apperr.KindBackupInUse, "needed by %s", strings.Join(deps, ", ")).WithBackup(id)
	}
	if err := a.Store.Delete(ctx, id); err != nil {
		return err
	}
	a.Log.Info().Str("backup_id", id).Msg("backup deleted")
	return nil
}

type PruneResult struct {
	Deleted []string
	Orphans []string
	Kept    []string
}

// Prune applies backup.retention. Backups a kept backup depends on are kept
// too. Directories without a manifest are leftovers of aborted runs and are
// removed.
func (a *App) Prune(ctx context.Context, dryRun bool) (*PruneResult, error) {
	guard, err := lock.Acquire(a.Cfg.Global.LockFile, "prune", a.Log)
	if err != nil {
		return nil, err
	}
	defer guard.Release()

	dirs, err := a.Store.Directories(ctx)
	if err != nil {
		return nil, err
	}
	resolver := chain.NewResolver(a.Store)
	policy := a.Cfg.Backup.Retention
	cutoff := a.now().AddDate(0, 0, -policy.KeepDays)

	res := &PruneResult{}
	keep := map[string]bool{}
	var candidates []string
	rank := 0
	for _, dir := range dirs {
		if !dir.HasManifest {
			res.Orphans = append(res.Orphans, dir.ID)
			continue
		}
		m, err := resolver.Manifest(ctx, dir.ID)
		if err != nil {
			a.Log.Warn().Err(err).Str("backup_id", dir.ID).Msg("keeping unreadable backup")
			keep[dir.ID] = true
			continue
		}
		rank++
		retained := policy.KeepLast == 0 && policy.KeepDays == 0
		if policy.KeepLast > 0 && rank <= policy.KeepLast {
			retained = true
		}
		if policy.KeepDays > 0 && m.CreatedAt.After(cutoff) {
			retained = true
		}
		if retained {
			keep[dir.ID] = true
		} else {
			candidates = append(candidates, dir.ID)
		}
	}

	// Everything a kept backup resolves through stays: its parents and the
	// holders of its references, transitively.
	queue := make([]string, 0, len(keep))
	for id := range keep {
		queue = append(queue, id)
	}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		m, err := resolver.Manifest(ctx, id)
		if err != nil {
			continue
		}
		deps := []string{m.Parent()}
		for _, f := range m.Files {
			if f.Storage.Kind == manifest.StorageReference {
				deps = append(deps, f.Storage.BackupID)
			}
		}
		for _, dep := range deps {
			if dep != "" && !keep[dep] {
				keep[dep] = true
				queue = append(queue, dep)
			}
		}
	}

	for _, id := range candidates {
		if keep[id] {
			continue
		}
		res.Deleted = append(res.Deleted, id)
	}
	for id := range keep {
		res.Kept = append(res.Kept, id)
	}
	sort.Sort(sort.Reverse(sort.StringSlice(res.Kept)))

	if dryRun {
		return res, nil
	}
	// Newest first so an interrupted prune never leaves a dangling chain.
	for _, id := range res.Deleted {
		if err := a.Store.Delete(ctx, id); err != nil {
			return res, fmt.Errorf("prune %s: %w", id, err)
		}
		a.Log.Info().Str("backup_id", id).Msg("pruned backup")
	}
	for _, id := range res.Orphans {
		if err := a.Store.Delete(ctx, id); err != nil {
			return res, fmt.Errorf("remove orphan %s: %w", id, err)
		}
		a.Log.Info().Str("backup_id", id).Msg("removed directory without manifest")
	}
	return res, nil
}

func (a *App) notify(event notify.Event) {
	if a.Notifier == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := a.Notifier.Notify(ctx, event); err != nil {
		a.Log.Warn().Err(err).Str("operation", event.Operation).Msg("notification failed")
	}
}

func (a *App) now() time.Time {
	if a.Now != nil {
		return a.Now()
	}
	return time.Now()
}
