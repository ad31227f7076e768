package manifest

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rowjay/bchain/internal/apperr"
	"github.com/rowjay/bchain/internal/storage"
)

const sumA = "sha256:ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad"

func fullManifest(id string) *Manifest {
	return &Manifest{
		BackupID:        id,
		BackupType:      TypeFull,
		CreatedAt:       time.Date(2025, 1, 1, 2, 0, 0, 0, time.UTC),
		DurationSeconds: 1.5,
		TotalSizeBytes:  3,
		StoredSizeBytes: 3,
		Files: []FileEntry{{
			Service:     "postgres",
			Kind:        "postgres",
			LogicalPath: "postgres_all.sql",
			Checksum:    sumA,
			SizeBytes:   3,
			Storage:     Storage{Kind: StorageInline, BackupID: id, StoredPath: "postgres_all.sql", StoredSizeBytes: 3},
		}},
	}
}

func incrementalManifest(id, parent string) *Manifest {
	m := fullManifest(id)
	m.BackupType = TypeIncremental
	m.SetParent(parent)
	m.TotalSizeBytes = 0
	m.StoredSizeBytes = 0
	m.Files[0].Storage = Storage{Kind: StorageReference, BackupID: parent, StoredPath: "postgres_all.sql"}
	return m
}

func TestIDs(t *testing.T) {
	when := time.Date(2025, 1, 2, 2, 0, 0, 0, time.FixedZone("X", 3600))
	assert.Equal(t, "20250102_010000", NewID(when))

	assert.True(t, ValidID("20250101_020000"))
	assert.False(t, ValidID("2025-01-01"))
	assert.False(t, ValidID("20251301_020000"))

	_, err := ParseID("../etc")
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperr.ErrInvalidBackupID))
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(m *Manifest)
	}{
		{"empty files", func(m *Manifest) { m.Files = nil }},
		{"full with parent", func(m *Manifest) { m.SetParent("20241231_020000") }},
		{"incremental without parent", func(m *Manifest) { m.BackupType = TypeIncremental }},
		{"own parent", func(m *Manifest) { m.BackupType = TypeIncremental; m.SetParent(m.BackupID) }},
		{"bad checksum", func(m *Manifest) { m.Files[0].Checksum = "md5:00" }},
		{"escaping path", func(m *Manifest) { m.Files[0].LogicalPath = "../x" }},
		{"algorithm without encryption", func(m *Manifest) { m.EncryptionAlgorithm = AlgorithmAES256 }},
		{"reference in full", func(m *Manifest) {
			m.Files[0].Storage = Storage{Kind: StorageReference, BackupID: "20241231_020000", StoredPath: "x"}
		}},
		{"duplicate entry", func(m *Manifest) { m.Files = append(m.Files, m.Files[0]) }},
		{"missing created_at", func(m *Manifest) { m.CreatedAt = time.Time{} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := fullManifest("20250101_020000")
			tt.mutate(m)
			err := m.Validate()
			require.Error(t, err)
			assert.Equal(t, apperr.KindManifestCorrupt, apperr.KindOf(err))
		})
	}

	require.NoError(t, fullManifest("20250101_020000").Validate())
	require.NoError(t, incrementalManifest("20250102_020000", "20250101_020000").Validate())
}

func TestReferenceJSONIsMinimal(t *testing.T) {
	m := incrementalManifest("20250102_020000", "20250101_020000")
	data, err := json.Marshal(m.Files[0].Storage)
	require.NoError(t, err)
	assert.JSONEq(t, `{"kind":"reference","backup_id":"20250101_020000","stored_path":"postgres_all.sql"}`, string(data))

	full, err := json.Marshal(fullManifest("20250101_020000"))
	require.NoError(t, err)
	assert.Contains(t, string(full), `"parent_backup_id":null`)
}

func TestStoreWriteLoad(t *testing.T) {
	ctx := context.Background()
	store := NewStore(storage.NewLocal(t.TempDir()), "backups")

	m := fullManifest("20250101_020000")
	require.NoError(t, store.Write(ctx, m))

	err := store.Write(ctx, m)
	require.Error(t, err)
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))

	loaded, err := store.Load(ctx, "20250101_020000")
	require.NoError(t, err)
	assert.Equal(t, m.Files, loaded.Files)
	assert.Equal(t, "backups/20250101_020000/manifest.json", store.ManifestKey(m.BackupID))
}

func TestStoreLoadErrors(t *testing.T) {
	ctx := context.Background()
	local := storage.NewLocal(t.TempDir())
	store := NewStore(local, "")

	_, err := store.Load(ctx, "20250101_020000")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.Equal(t, apperr.KindInvalidBackupID, apperr.KindOf(err))

	require.NoError(t, local.Put(ctx, "20250103_020000/manifest.json", strings.NewReader("{not json"), -1, nil))
	_, err = store.Load(ctx, "20250103_020000")
	assert.Equal(t, apperr.KindManifestCorrupt, apperr.KindOf(err))

	other, err := json.Marshal(fullManifest("20250101_020000"))
	require.NoError(t, err)
	require.NoError(t, local.Put(ctx, "20250104_020000/manifest.json", strings.NewReader(string(other)), -1, nil))
	_, err = store.Load(ctx, "20250104_020000")
	assert.Equal(t, apperr.KindManifestCorrupt, apperr.KindOf(err))
}

func TestStoreReadChecksParent(t *testing.T) {
	ctx := context.Background()
	store := NewStore(storage.NewLocal(t.TempDir()), "")

	require.NoError(t, store.Write(ctx, incrementalManifest("20250102_020000", "20250101_020000")))

	_, err := store.Read(ctx, "20250102_020000")
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperr.ErrChainBroken))

	require.NoError(t, store.Write(ctx, fullManifest("20250101_020000")))
	_, err = store.Read(ctx, "20250102_020000")
	require.NoError(t, err)
}

func TestStoreListDescendingAndRestartable(t *testing.T) {
	ctx := context.Background()
	local := storage.NewLocal(t.TempDir())
	store := NewStore(local, "repo")

	require.NoError(t, store.Write(ctx, fullManifest("20250101_020000")))
	require.NoError(t, store.Write(ctx, incrementalManifest("20250102_020000", "20250101_020000")))
	require.NoError(t, store.Write(ctx, fullManifest("20250103_020000")))
	// Orphan directory without a manifest is not listed.
	require.NoError(t, local.Put(ctx, "repo/20250104_020000/postgres_all.sql", strings.NewReader("x"), 1, nil))

	seq := store.List(ctx)
	collect := func() []string {
		var ids []string
		for s, err := range seq {
			require.NoError(t, err)
			ids = append(ids, s.BackupID)
		}
		return ids
	}
	want := []string{"20250103_020000", "20250102_020000", "20250101_020000"}
	assert.Equal(t, want, collect())
	assert.Equal(t, want, collect())

	for s := range seq {
		assert.Equal(t, "20250103_020000", s.BackupID)
		break
	}

	dirs, err := store.Directories(ctx)
	require.NoError(t, err)
	require.Len(t, dirs, 4)
	assert.Equal(t, "20250104_020000", dirs[0].ID)
	assert.False(t, dirs[0].HasManifest)
}

func TestStoreDeleteRemovesDirectory(t *testing.T) {
	ctx := context.Background()
	store := NewStore(storage.NewLocal(t.TempDir()), "")
	m := fullManifest("20250101_020000")
	require.NoError(t, store.PutObject(ctx, m.BackupID, "postgres_all.sql", strings.NewReader("abc"), 3))
	require.NoError(t, store.Write(ctx, m))

	require.NoError(t, store.Delete(ctx, m.BackupID))
	exists, err := store.DirExists(ctx, m.BackupID)
	require.NoError(t, err)
	assert.False(t, exists)

	err = store.Delete(ctx, m.BackupID)
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestParseType(t *testing.T) {
	typ, err := ParseType("Incremental")
	require.NoError(t, err)
	assert.Equal(t, TypeIncremental, typ)

	typ, err = ParseType("")
	require.NoError(t, err)
	assert.Equal(t, TypeFull, typ)

	_, err = ParseType("differential")
	assert.Error(t, err)
}
