package manifest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/rowjay/bchain/internal/apperr"
	"github.com/rowjay/bchain/internal/storage"
)

// ErrNotFound is wrapped by errors for ids with no manifest.
var ErrNotFound = errors.New("manifest not found")

// Summary is one row of the backup listing.
type Summary struct {
	BackupID        string
	Type            Type
	CreatedAt       time.Time
	Encrypted       bool
	Parent          string
	Files           int
	TotalSizeBytes  int64
	StoredSizeBytes int64
}

// Store reads and writes backup directories under a repository prefix:
// <prefix>/<backup_id>/manifest.json plus the stored artifacts next to it.
type Store struct {
	storage storage.Storage
	prefix  string
}

func NewStore(st storage.Storage, prefix string) *Store {
	return &Store{storage: st, prefix: strings.Trim(prefix, "/")}
}

// Storage exposes the underlying repository backend.
func (s *Store) Storage() storage.Storage { return s.storage }

// Dir returns the key of a backup directory.
func (s *Store) Dir(id string) string {
	if s.prefix == "" {
		return id
	}
	return path.Join(s.prefix, id)
}

// ObjectKey returns the repository key of a stored artifact.
func (s *Store) ObjectKey(id, storedPath string) string {
	return path.Join(s.Dir(id), storedPath)
}

// ManifestKey returns the key of a backup's manifest.
func (s *Store) ManifestKey(id string) string {
	return s.ObjectKey(id, storage.ManifestName)
}

// Write stores m atomically. An existing manifest is never overwritten.
func (s *Store) Write(ctx context.Context, m *Manifest) error {
	if err := m.Validate(); err != nil {
		return err
	}
	key := s.ManifestKey(m.BackupID)
	exists, err := s.storage.Exists(ctx, key)
	if err != nil {
		return fmt.Errorf("check manifest %s: %w", m.BackupID, err)
	}
	if exists {
		return apperr.New(apperr.KindValidation, "manifest already exists").WithBackup(m.BackupID).
			WithHint("backup ids are unique per second; wait and re-run")
	}
	payload, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}
	payload = append(payload, '\n')
	if err := s.storage.Put(ctx, key, bytes.NewReader(payload), int64(len(payload)), map[string]string{"bchain-manifest": "true"}); err != nil {
		return fmt.Errorf("write manifest %s: %w", m.BackupID, err)
	}
	return nil
}

// Load decodes and structurally validates the manifest of id.
func (s *Store) Load(ctx context.Context, id string) (*Manifest, error) {
	if _, err := ParseID(id); err != nil {
		return nil, err
	}
	rc, err := s.storage.Get(ctx, s.ManifestKey(id))
	if err != nil {
		if storage.IsNotExist(err) {
			return nil, apperr.Wrap(apperr.KindInvalidBackupID, ErrNotFound, "backup does not exist").WithBackup(id).
				WithHint("run 'bchain list' to see available backups")
		}
		return nil, fmt.Errorf("open manifest %s: %w", id, err)
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("read manifest %s: %w", id, err)
	}
	var m Manifest
	dec := json.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&m); err != nil {
		return nil, apperr.Wrap(apperr.KindManifestCorrupt, err, "manifest is not valid JSON").WithBackup(id)
	}
	if m.BackupID != id {
		return nil, apperr.New(apperr.KindManifestCorrupt, "manifest names backup %q", m.BackupID).WithBackup(id)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Read loads id and, for incrementals, checks the parent manifest resolves.
func (s *Store) Read(ctx context.Context, id string) (*Manifest, error) {
	m, err := s.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	if parent := m.Parent(); parent != "" {
		if _, err := s.Load(ctx, parent); err != nil {
			return nil, apperr.Wrap(apperr.KindChainBroken, err, "parent %s is missing or corrupt", parent).WithBackup(id)
		}
	}
	return m, nil
}

// Exists reports whether a manifest for id is present.
func (s *Store) Exists(ctx context.Context, id string) (bool, error) {
	return s.storage.Exists(ctx, s.ManifestKey(id))
}

// DirExists reports whether anything is stored under the backup directory.
func (s *Store) DirExists(ctx context.Context, id string) (bool, error) {
	objects, err := s.Objects(ctx, id)
	if err != nil {
		return false, err
	}
	return len(objects) > 0, nil
}

// Objects lists everything stored under the backup directory of id.
func (s *Store) Objects(ctx context.Context, id string) ([]storage.ObjectInfo, error) {
	return s.storage.List(ctx, s.Dir(id))
}

// Open returns the stored artifact of id at storedPath.
func (s *Store) Open(ctx context.Context, id, storedPath string) (io.ReadCloser, error) {
	return s.storage.Get(ctx, s.ObjectKey(id, storedPath))
}

// ObjectExists reports whether the artifact is present.
func (s *Store) ObjectExists(ctx context.Context, id, storedPath string) (bool, error) {
	return s.storage.Exists(ctx, s.ObjectKey(id, storedPath))
}

// PutObject stores an artifact into the backup directory of id.
func (s *Store) PutObject(ctx context.Context, id, storedPath string, r io.Reader, size int64) error {
	return s.storage.Put(ctx, s.ObjectKey(id, storedPath), r, size, map[string]string{"bchain-backup": id})
}

// DeleteObject removes one artifact.
func (s *Store) DeleteObject(ctx context.Context, id, storedPath string) error {
	return s.storage.Delete(ctx, s.ObjectKey(id, storedPath))
}

// Delete removes a backup directory, manifest first so the backup stops
// being visible before its artifacts go away.
func (s *Store) Delete(ctx context.Context, id string) error {
	if _, err := ParseID(id); err != nil {
		return err
	}
	objects, err := s.Objects(ctx, id)
	if err != nil {
		return err
	}
	if len(objects) == 0 {
		return apperr.Wrap(apperr.KindInvalidBackupID, ErrNotFound, "backup does not exist").WithBackup(id)
	}
	sort.SliceStable(objects, func(i, j int) bool { return objects[i].IsManifest && !objects[j].IsManifest })
	for _, obj := range objects {
		if err := s.storage.Delete(ctx, obj.Key); err != nil && !storage.IsNotExist(err) {
			return fmt.Errorf("delete %s: %w", obj.Key, err)
		}
	}
	return nil
}

// Directory is a backup directory found in the repository.
type Directory struct {
	ID          string
	HasManifest bool
	Objects     []storage.ObjectInfo
}

// Directories scans the repository and returns backup directories in
// backup_id descending order. Names that are not backup ids are skipped.
func (s *Store) Directories(ctx context.Context) ([]Directory, error) {
	objects, err := s.storage.List(ctx, s.prefix)
	if err != nil {
		return nil, fmt.Errorf("list repository: %w", err)
	}
	byID := map[string]*Directory{}
	for _, obj := range objects {
		rel := obj.Key
		if s.prefix != "" {
			rel = strings.TrimPrefix(rel, s.prefix+"/")
		}
		id, rest, ok := strings.Cut(rel, "/")
		if !ok || !ValidID(id) {
			continue
		}
		dir := byID[id]
		if dir == nil {
			dir = &Directory{ID: id}
			byID[id] = dir
		}
		if rest == storage.ManifestName {
			dir.HasManifest = true
		}
		dir.Objects = append(dir.Objects, obj)
	}
	out := make([]Directory, 0, len(byID))
	for _, dir := range byID {
		out = append(out, *dir)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out, nil
}

// IDs returns the ids of backups that have a manifest, newest first.
func (s *Store) IDs(ctx context.Context) ([]string, error) {
	dirs, err := s.Directories(ctx)
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, d := range dirs {
		if d.HasManifest {
			ids = append(ids, d.ID)
		}
	}
	return ids, nil
}

// List yields backups newest first. Each iteration rescans the repository
// and loads manifests one at a time, so the sequence is lazy and can be
// ranged over repeatedly. Corrupt manifests are yielded with their error.
func (s *Store) List(ctx context.Context) iter.Seq2[Summary, error] {
	return func(yield func(Summary, error) bool) {
		ids, err := s.IDs(ctx)
		if err != nil {
			yield(Summary{}, err)
			return
		}
		for _, id := range ids {
			m, err := s.Load(ctx, id)
			if err != nil {
				if !yield(Summary{BackupID: id}, err) {
					return
				}
				continue
			}
			if !yield(Summarize(m), nil) {
				return
			}
		}
	}
}

// Summarize builds the listing row for m.
func Summarize(m *Manifest) Summary {
	return Summary{
		BackupID:        m.BackupID,
		Type:            m.BackupType,
		CreatedAt:       m.CreatedAt,
		Encrypted:       m.Encrypted,
		Parent:          m.Parent(),
		Files:           len(m.Files),
		TotalSizeBytes:  m.TotalSizeBytes,
		StoredSizeBytes: m.StoredSizeBytes,
	}
}
