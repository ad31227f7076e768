package chain

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rowjay/bchain/internal/apperr"
	"github.com/rowjay/bchain/internal/checksum"
	"github.com/rowjay/bchain/internal/manifest"
	"github.com/rowjay/bchain/internal/storage"
)

type fixture struct {
	t     *testing.T
	ctx   context.Context
	store *manifest.Store
}

func newFixture(t *testing.T) *fixture {
	return &fixture{t: t, ctx: context.Background(), store: manifest.NewStore(storage.NewLocal(t.TempDir()), "backups")}
}

func sum(t *testing.T, body string) string {
	s, _, err := checksum.Sum(strings.NewReader(body))
	require.NoError(t, err)
	return s
}

func (f *fixture) inline(id, service, body string) manifest.FileEntry {
	path := service + ".dump"
	require.NoError(f.t, f.store.PutObject(f.ctx, id, path, strings.NewReader(body), int64(len(body))))
	return manifest.FileEntry{
		Service:     service,
		LogicalPath: path,
		Checksum:    sum(f.t, body),
		SizeBytes:   int64(len(body)),
		Storage:     manifest.Storage{Kind: manifest.StorageInline, BackupID: id, StoredPath: path},
	}
}

func (f *fixture) write(id, parent string, files ...manifest.FileEntry) {
	m := &manifest.Manifest{
		BackupID:   id,
		BackupType: manifest.TypeFull,
		CreatedAt:  time.Now().UTC(),
		Files:      files,
	}
	if parent != "" {
		m.BackupType = manifest.TypeIncremental
		m.SetParent(parent)
	}
	require.NoError(f.t, f.store.Write(f.ctx, m))
}

func reference(e manifest.FileEntry, holder string) manifest.FileEntry {
	e.Storage = manifest.Storage{Kind: manifest.StorageReference, BackupID: holder, StoredPath: e.Storage.StoredPath}
	return e
}

func TestResolveReferencesTransitively(t *testing.T) {
	f := newFixture(t)
	pg := f.inline("20250101_020000", "postgres", "pg-v1")
	f.write("20250101_020000", "", pg)
	f.write("20250102_020000", "20250101_020000", reference(pg, "20250101_020000"))

	r := NewResolver(f.store)
	desc, ok, err := r.Resolve(f.ctx, Candidate{Service: "postgres", LogicalPath: pg.LogicalPath, Checksum: pg.Checksum, Size: pg.SizeBytes}, "20250102_020000")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, manifest.StorageReference, desc.Kind)
	assert.Equal(t, "20250101_020000", desc.BackupID)
	assert.Equal(t, pg.Storage.StoredPath, desc.StoredPath)
}

func TestResolvePrefersNearestAncestor(t *testing.T) {
	f := newFixture(t)
	old := f.inline("20250101_020000", "redis", "same")
	f.write("20250101_020000", "", old)
	changed := f.inline("20250102_020000", "redis", "other")
	f.write("20250102_020000", "20250101_020000", changed)
	again := f.inline("20250103_020000", "redis", "same")
	f.write("20250103_020000", "20250102_020000", again)

	r := NewResolver(f.store)
	desc, ok, err := r.Resolve(f.ctx, Candidate{Service: "redis", LogicalPath: old.LogicalPath, Checksum: old.Checksum, Size: old.SizeBytes}, "20250103_020000")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "20250103_020000", desc.BackupID)
}

func TestResolveInlineWhenChangedOrHolderGone(t *testing.T) {
	f := newFixture(t)
	pg := f.inline("20250101_020000", "postgres", "pg-v1")
	f.write("20250101_020000", "", pg)
	r := NewResolver(f.store)

	_, ok, err := r.Resolve(f.ctx, Candidate{Service: "postgres", LogicalPath: pg.LogicalPath, Checksum: sum(t, "pg-v2"), Size: 5}, "20250101_020000")
	require.NoError(t, err)
	assert.False(t, ok)

	_, ok, err = r.Resolve(f.ctx, Candidate{Service: "postgres", LogicalPath: pg.LogicalPath, Checksum: pg.Checksum, Size: pg.SizeBytes}, "")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, f.store.DeleteObject(f.ctx, "20250101_020000", pg.Storage.StoredPath))
	_, ok, err = r.Resolve(f.ctx, Candidate{Service: "postgres", LogicalPath: pg.LogicalPath, Checksum: pg.Checksum, Size: pg.SizeBytes}, "20250101_020000")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestWalkDetectsMissingAncestor(t *testing.T) {
	f := newFixture(t)
	pg := f.inline("20250102_020000", "postgres", "x")
	f.write("20250102_020000", "20250101_020000", pg)

	_, err := NewResolver(f.store).Walk(f.ctx, "20250102_020000")
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperr.ErrChainBroken))
}

func TestWalkDetectsCycle(t *testing.T) {
	f := newFixture(t)
	a := f.inline("20250101_020000", "postgres", "x")
	b := f.inline("20250102_020000", "postgres", "y")
	// Two incrementals pointing at each other form a cycle.
	f.write("20250101_020000", "20250102_020000", a)
	f.write("20250102_020000", "20250101_020000", b)

	_, err := NewResolver(f.store).Walk(f.ctx, "20250102_020000")
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperr.ErrChainBroken))
}

func TestLocateAndDependents(t *testing.T) {
	f := newFixture(t)
	pg := f.inline("20250101_020000", "postgres", "pg")
	mongo := f.inline("20250101_020000", "mongodb", "mongo")
	f.write("20250101_020000", "", pg, mongo)
	f.write("20250102_020000", "20250101_020000", reference(pg, "20250101_020000"), f.inline("20250102_020000", "mongodb", "mongo2"))

	r := NewResolver(f.store)
	loc, err := r.Locate(f.ctx, "20250102_020000", reference(pg, "20250101_020000"))
	require.NoError(t, err)
	assert.Equal(t, "20250101_020000", loc.BackupID)
	assert.Equal(t, manifest.StorageInline, loc.Entry.Storage.Kind)

	deps, err := r.Dependents(f.ctx, "20250101_020000")
	require.NoError(t, err)
	assert.Equal(t, []string{"20250102_020000"}, deps)

	deps, err = r.Dependents(f.ctx, "20250102_020000")
	require.NoError(t, err)
	assert.Empty(t, deps)

	head, err := r.Head(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, "20250102_020000", head)
}

func TestDependentsIncludeChildrenWithoutReferences(t *testing.T) {
	f := newFixture(t)
	f.write("20250101_020000", "", f.inline("20250101_020000", "postgres", "pg"))
	f.write("20250102_020000", "20250101_020000", f.inline("20250102_020000", "postgres", "pg2"))
	f.write("20250103_020000", "", f.inline("20250103_020000", "postgres", "pg3"))

	r := NewResolver(f.store)
	deps, err := r.Dependents(f.ctx, "20250101_020000")
	require.NoError(t, err)
	assert.Equal(t, []string{"20250102_020000"}, deps)

	deps, err = r.Dependents(f.ctx, "20250103_020000")
	require.NoError(t, err)
	assert.Empty(t, deps)
}

func TestHeadSkipsBrokenChains(t *testing.T) {
	f := newFixture(t)
	f.write("20250101_020000", "", f.inline("20250101_020000", "postgres", "pg"))
	f.write("20250103_020000", "20250102_020000", f.inline("20250103_020000", "postgres", "pg2"))

	head, err := NewResolver(f.store).Head(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, "20250101_020000", head)

	empty := newFixture(t)
	head, err = NewResolver(empty.store).Head(empty.ctx)
	require.NoError(t, err)
	assert.Empty(t, head)
}
