package chain

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rowjay/bchain/internal/apperr"
	"github.com/rowjay/bchain/internal/manifest"
)

// Candidate is a freshly dumped file about to be stored.
type Candidate struct {
	Service     string
	LogicalPath string
	Checksum    string
	Size        int64
}

// Located is the physical copy an entry resolves to.
type Located struct {
	BackupID string
	Entry    manifest.FileEntry
}

// Resolver walks backup chains by id, loading manifests on demand. A
// Resolver caches what it loads and is meant to live for one operation.
type Resolver struct {
	store *manifest.Store

	mu    sync.Mutex
	cache map[string]*manifest.Manifest
}

func NewResolver(store *manifest.Store) *Resolver {
	return &Resolver{store: store, cache: map[string]*manifest.Manifest{}}
}

func (r *Resolver) load(ctx context.Context, id string) (*manifest.Manifest, error) {
	r.mu.Lock()
	m, ok := r.cache[id]
	r.mu.Unlock()
	if ok {
		return m, nil
	}
	m, err := r.store.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	r.cache[id] = m
	r.mu.Unlock()
	return m, nil
}

// Manifest returns the manifest of id through the resolver's cache.
func (r *Resolver) Manifest(ctx context.Context, id string) (*manifest.Manifest, error) {
	return r.load(ctx, id)
}

// Walk returns the manifests from id back to its full backup, nearest first.
// Errors loading id itself are returned as is; a missing or corrupt ancestor
// or a cycle is a chain_broken error.
func (r *Resolver) Walk(ctx context.Context, id string) ([]*manifest.Manifest, error) {
	head, err := r.load(ctx, id)
	if err != nil {
		return nil, err
	}
	chain := []*manifest.Manifest{head}
	seen := map[string]bool{id: true}
	current := head
	for current.BackupType == manifest.TypeIncremental {
		parent := current.Parent()
		if seen[parent] {
			return nil, apperr.New(apperr.KindChainBroken, "cycle through %s", parent).WithBackup(id)
		}
		seen[parent] = true
		next, err := r.load(ctx, parent)
		if err != nil {
			return nil, apperr.Wrap(apperr.KindChainBroken, err, "ancestor %s is missing or corrupt", parent).WithBackup(id)
		}
		if next.BackupID >= current.BackupID {
			return nil, apperr.New(apperr.KindChainBroken, "ancestor %s is not older than %s", next.BackupID, current.BackupID).WithBackup(id)
		}
		chain = append(chain, next)
		current = next
	}
	return chain, nil
}

// Resolve decides how a candidate is stored in a backup whose parent is
// parentID. The nearest ancestor holding an identical copy that still exists
// wins and the returned descriptor points at the backup physically holding
// the bytes. ok is false when the candidate must be stored inline.
func (r *Resolver) Resolve(ctx context.Context, c Candidate, parentID string) (manifest.Storage, bool, error) {
	if parentID == "" {
		return manifest.Storage{}, false, nil
	}
	ancestors, err := r.Walk(ctx, parentID)
	if err != nil {
		return manifest.Storage{}, false, err
	}
	for _, anc := range ancestors {
		entry, found := anc.Entry(c.Service, c.LogicalPath)
		if !found || entry.Checksum != c.Checksum || entry.SizeBytes != c.Size {
			continue
		}
		loc, err := r.Locate(ctx, anc.BackupID, entry)
		if err != nil {
			if errors.Is(err, apperr.ErrChainBroken) {
				continue
			}
			return manifest.Storage{}, false, err
		}
		exists, err := r.store.ObjectExists(ctx, loc.BackupID, loc.Entry.Storage.StoredPath)
		if err != nil {
			return manifest.Storage{}, false, fmt.Errorf("stat %s/%s: %w", loc.BackupID, loc.Entry.Storage.StoredPath, err)
		}
		if !exists {
			continue
		}
		return manifest.Storage{
			Kind:       manifest.StorageReference,
			BackupID:   loc.BackupID,
			StoredPath: loc.Entry.Storage.StoredPath,
		}, true, nil
	}
	return manifest.Storage{}, false, nil
}

// Locate follows entry, found in backup id, to its inline copy.
func (r *Resolver) Locate(ctx context.Context, id string, entry manifest.FileEntry) (Located, error) {
	seen := map[string]bool{id: true}
	holder := id
	current := entry
	for current.Storage.Kind == manifest.StorageReference {
		target := current.Storage.BackupID
		if seen[target] {
			return Located{}, apperr.New(apperr.KindChainBroken, "reference cycle through %s", target).
				WithBackup(id).WithService(entry.Service).WithPath(entry.LogicalPath)
		}
		seen[target] = true
		m, err := r.load(ctx, target)
		if err != nil {
			return Located{}, apperr.Wrap(apperr.KindChainBroken, err, "referenced backup %s is missing or corrupt", target).
				WithBackup(id).WithService(entry.Service).WithPath(entry.LogicalPath)
		}
		next, ok := findStored(m, current.Storage.StoredPath)
		if !ok {
			return Located{}, apperr.New(apperr.KindChainBroken, "backup %s has no entry stored at %s", target, current.Storage.StoredPath).
				WithBackup(id).WithService(entry.Service).WithPath(entry.LogicalPath)
		}
		if next.Checksum != entry.Checksum {
			return Located{}, apperr.New(apperr.KindChainBroken, "backup %s holds different content at %s", target, current.Storage.StoredPath).
				WithBackup(id).WithService(entry.Service).WithPath(entry.LogicalPath)
		}
		holder = target
		current = next
	}
	return Located{BackupID: holder, Entry: current}, nil
}

func findStored(m *manifest.Manifest, storedPath string) (manifest.FileEntry, bool) {
	for _, f := range m.Files {
		if f.Storage.StoredPath == storedPath {
			return f, true
		}
	}
	return manifest.FileEntry{}, false
}

// Dependents returns the backups that need id: its direct children and the
// backups holding a reference into its inline files.
func (r *Resolver) Dependents(ctx context.Context, id string) ([]string, error) {
	ids, err := r.store.IDs(ctx)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, other := range ids {
		if other == id {
			continue
		}
		m, err := r.load(ctx, other)
		if err != nil {
			return nil, fmt.Errorf("cannot rule out references from %s: %w", other, err)
		}
		if m.Parent() == id {
			out = append(out, other)
			continue
		}
		for _, f := range m.Files {
			if f.Storage.Kind == manifest.StorageReference && f.Storage.BackupID == id {
				out = append(out, other)
				break
			}
		}
	}
	return out, nil
}

// Head returns the newest backup whose chain is intact, or "" when none is.
func (r *Resolver) Head(ctx context.Context) (string, error) {
	ids, err := r.store.IDs(ctx)
	if err != nil {
		return "", err
	}
	for _, id := range ids {
		if _, err := r.Walk(ctx, id); err == nil {
			return id, nil
		}
	}
	return "", nil
}
