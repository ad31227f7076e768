package verify

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/rowjay/bchain/internal/apperr"
	"github.com/rowjay/bchain/internal/artifact"
	"github.com/rowjay/bchain/internal/chain"
	"github.com/rowjay/bchain/internal/checksum"
	"github.com/rowjay/bchain/internal/cryptoutil"
	"github.com/rowjay/bchain/internal/manifest"
	"github.com/rowjay/bchain/internal/storage"
)

type Status string

const (
	StatusOK                 Status = "ok"
	StatusMissing            Status = "missing"
	StatusChecksumMismatch   Status = "checksum_mismatch"
	StatusChainBroken        Status = "chain_broken"
	StatusDecryptFailed      Status = "decrypt_failed"
	StatusPassphraseRequired Status = "passphrase_required"
	StatusError              Status = "error"
)

// FileResult is the outcome for one manifest entry.
type FileResult struct {
	Service     string `json:"service"`
	LogicalPath string `json:"logical_path"`
	Status      Status `json:"status"`
	// Holder is the backup physically holding the bytes.
	Holder     string `json:"holder,omitempty"`
	StoredPath string `json:"stored_path,omitempty"`
	Expected   string `json:"expected"`
	Actual     string `json:"actual,omitempty"`
	Detail     string `json:"detail,omitempty"`
}

// Report is deterministic for identical repository contents.
type Report struct {
	BackupID string        `json:"backup_id"`
	Type     manifest.Type `json:"backup_type"`
	Parent   string        `json:"parent_backup_id,omitempty"`
	Files    []FileResult  `json:"files"`
	Issues   []string      `json:"issues,omitempty"`
	Verified int           `json:"verified"`
	Failed   int           `json:"failed"`
	Total    int           `json:"total"`
	OK       bool          `json:"ok"`
}

type Options struct {
	PassphraseFile string
}

// Engine checks stored backups against their manifests. It never writes.
type Engine struct {
	Store       *manifest.Store
	Log         zerolog.Logger
	Parallelism int
	// CommandTimeout bounds each external decryption.
	CommandTimeout time.Duration
}

func New(store *manifest.Store, log zerolog.Logger, parallelism int, commandTimeout time.Duration) *Engine {
	return &Engine{Store: store, Log: log, Parallelism: parallelism, CommandTimeout: commandTimeout}
}

// Verify recomputes every entry's checksum from the stored bytes. Damage is
// reported in the Report; the error is reserved for conditions that prevent
// producing one.
func (e *Engine) Verify(ctx context.Context, id string, opts Options) (*Report, error) {
	m, err := e.Store.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	if opts.PassphraseFile != "" {
		if err := cryptoutil.CheckPassphraseFile(opts.PassphraseFile); err != nil {
			return nil, err
		}
	}
	log := e.Log.With().Str("backup_id", id).Logger()
	report := &Report{BackupID: id, Type: m.BackupType, Parent: m.Parent(), Total: len(m.Files)}
	resolver := chain.NewResolver(e.Store)

	if m.Parent() != "" {
		if _, err := resolver.Walk(ctx, id); err != nil {
			report.Issues = append(report.Issues, "parent chain broken: "+err.Error())
		}
	}

	objects, err := e.Store.Objects(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("list backup directory: %w", err)
	}
	present := map[string]bool{}
	for _, obj := range objects {
		if obj.IsManifest {
			continue
		}
		present[strings.TrimPrefix(obj.Key, e.Store.Dir(id)+"/")] = true
	}
	inline := m.Inline()
	claimed := map[string]bool{}
	for _, f := range inline {
		claimed[f.Storage.StoredPath] = true
	}
	var unclaimed []string
	for p := range present {
		if !claimed[p] {
			unclaimed = append(unclaimed, p)
		}
	}
	sort.Strings(unclaimed)
	for _, p := range unclaimed {
		report.Issues = append(report.Issues, "unclaimed object in backup directory: "+p)
	}
	if len(present) != len(inline) {
		report.Issues = append(report.Issues, fmt.Sprintf("backup directory holds %d objects, manifest lists %d inline files", len(present), len(inline)))
	}

	report.Files = make([]FileResult, len(m.Files))
	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(max(e.Parallelism, 1))
	for i, entry := range m.Files {
		eg.Go(func() error {
			res, err := e.check(egCtx, resolver, m, entry, present, opts.PassphraseFile)
			if err != nil {
				return err
			}
			report.Files[i] = res
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}

	for _, res := range report.Files {
		if res.Status == StatusOK {
			report.Verified++
		} else {
			report.Failed++
			log.Warn().Str("service", res.Service).Str("logical_path", res.LogicalPath).
				Str("status", string(res.Status)).Str("detail", res.Detail).Msg("file failed verification")
		}
	}
	report.OK = report.Failed == 0 && len(report.Issues) == 0
	log.Info().Int("verified", report.Verified).Int("failed", report.Failed).Int("issues", len(report.Issues)).
		Bool("ok", report.OK).Msg("verification finished")
	return report, nil
}

// check verifies one entry. Only missing tools and cancellation are errors.
func (e *Engine) check(ctx context.Context, resolver *chain.Resolver, m *manifest.Manifest, entry manifest.FileEntry, present map[string]bool, passphraseFile string) (FileResult, error) {
	res := FileResult{Service: entry.Service, LogicalPath: entry.LogicalPath, Expected: entry.Checksum}
	fail := func(status Status, detail string) (FileResult, error) {
		res.Status = status
		res.Detail = detail
		return res, nil
	}

	loc, err := resolver.Locate(ctx, m.BackupID, entry)
	if err != nil {
		if errors.Is(err, apperr.ErrChainBroken) {
			return fail(StatusChainBroken, err.Error())
		}
		return res, err
	}
	res.Holder = loc.BackupID
	res.StoredPath = loc.Entry.Storage.StoredPath

	if loc.BackupID == m.BackupID {
		if !present[loc.Entry.Storage.StoredPath] {
			return fail(StatusMissing, "stored file is absent")
		}
	} else {
		ok, err := e.Store.ObjectExists(ctx, loc.BackupID, loc.Entry.Storage.StoredPath)
		if err != nil {
			return fail(StatusError, err.Error())
		}
		if !ok {
			return fail(StatusChainBroken, fmt.Sprintf("referenced bytes are absent from %s", loc.BackupID))
		}
	}
	if loc.Entry.Storage.Encrypted && passphraseFile == "" {
		return fail(StatusPassphraseRequired, "stored file is encrypted; pass --passphrase-file")
	}

	holder := m
	if loc.BackupID != m.BackupID {
		if holder, err = resolver.Manifest(ctx, loc.BackupID); err != nil {
			return fail(StatusChainBroken, err.Error())
		}
	}
	rc, err := artifact.Open(ctx, e.Store, holder, loc.Entry, passphraseFile, e.CommandTimeout)
	if err != nil {
		return e.classify(ctx, res, err)
	}
	defer rc.Close()
	sum, size, err := checksum.Sum(rc)
	if err != nil {
		return e.classify(ctx, res, err)
	}
	res.Actual = sum
	if sum != entry.Checksum || size != entry.SizeBytes {
		return fail(StatusChecksumMismatch, fmt.Sprintf("recomputed %d bytes with a different digest", size))
	}
	res.Status = StatusOK
	return res, nil
}

func (e *Engine) classify(ctx context.Context, res FileResult, err error) (FileResult, error) {
	if ctx.Err() != nil {
		return res, ctx.Err()
	}
	res.Detail = err.Error()
	switch {
	case apperr.KindOf(err) == apperr.KindToolUnavailable:
		return res, err
	case apperr.KindOf(err) == apperr.KindDecryption:
		res.Status = StatusDecryptFailed
	case apperr.KindOf(err) == apperr.KindChecksumMismatch:
		res.Status = StatusChecksumMismatch
	case storage.IsNotExist(err):
		res.Status = StatusMissing
	case apperr.KindOf(err) == "":
		// Decoders fail on damaged bytes before any digest exists.
		res.Status = StatusChecksumMismatch
	default:
		res.Status = StatusError
	}
	return res, nil
}
