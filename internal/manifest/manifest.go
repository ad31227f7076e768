package manifest

import (
	"encoding/json"
	"path"
	"strings"
	"time"

	"github.com/rowjay/bchain/internal/apperr"
	"github.com/rowjay/bchain/internal/checksum"
)

type Type string

const (
	TypeFull        Type = "full"
	TypeIncremental Type = "incremental"
)

// ParseType accepts "full" or "incremental" in any case.
func ParseType(s string) (Type, error) {
	switch Type(strings.ToLower(strings.TrimSpace(s))) {
	case TypeFull, "":
		return TypeFull, nil
	case TypeIncremental:
		return TypeIncremental, nil
	default:
		return "", apperr.New(apperr.KindValidation, "unknown backup type %q (want full or incremental)", s)
	}
}

type StorageKind string

const (
	StorageInline    StorageKind = "inline"
	StorageReference StorageKind = "reference"
)

const AlgorithmAES256 = "AES256"

// Manifest is the single source of truth for what a backup holds and how it
// relates to its ancestors. It is immutable once written.
type Manifest struct {
	BackupID            string      `json:"backup_id"`
	BackupType          Type        `json:"backup_type"`
	ParentBackupID      *string     `json:"parent_backup_id"`
	RequestedType       Type        `json:"requested_type,omitempty"`
	CreatedAt           time.Time   `json:"created_at"`
	DurationSeconds     float64     `json:"duration_seconds"`
	Encrypted           bool        `json:"encrypted"`
	EncryptionAlgorithm string      `json:"encryption_algorithm,omitempty"`
	EncryptionMethod    string      `json:"encryption_method,omitempty"`
	TotalSizeBytes      int64       `json:"total_size_bytes"`
	StoredSizeBytes     int64       `json:"stored_size_bytes"`
	ToolVersion         string      `json:"tool_version,omitempty"`
	Files               []FileEntry `json:"files"`
}

type FileEntry struct {
	Service     string  `json:"service"`
	Kind        string  `json:"kind,omitempty"`
	LogicalPath string  `json:"logical_path"`
	Checksum    string  `json:"checksum"`
	SizeBytes   int64   `json:"size_bytes"`
	Storage     Storage `json:"storage"`
}

// Storage describes where an entry's bytes live. Inline entries are held by
// the manifest's own backup; references name the ancestor that holds them.
type Storage struct {
	Kind            StorageKind `json:"kind"`
	BackupID        string      `json:"backup_id"`
	StoredPath      string      `json:"stored_path"`
	Encrypted       bool        `json:"encrypted"`
	Compression     string      `json:"compression,omitempty"`
	StoredSizeBytes int64       `json:"stored_size_bytes,omitempty"`
}

// MarshalJSON writes references without the inline-only fields.
func (s Storage) MarshalJSON() ([]byte, error) {
	if s.Kind == StorageReference {
		return json.Marshal(struct {
			Kind       StorageKind `json:"kind"`
			BackupID   string      `json:"backup_id"`
			StoredPath string      `json:"stored_path"`
		}{s.Kind, s.BackupID, s.StoredPath})
	}
	type plain Storage
	return json.Marshal(plain(s))
}

// Parent returns the parent id or "".
func (m *Manifest) Parent() string {
	if m.ParentBackupID == nil {
		return ""
	}
	return *m.ParentBackupID
}

// SetParent sets the parent id; "" clears it.
func (m *Manifest) SetParent(id string) {
	if id == "" {
		m.ParentBackupID = nil
		return
	}
	m.ParentBackupID = &id
}

// Entry returns the entry for service and logical path.
func (m *Manifest) Entry(service, logicalPath string) (FileEntry, bool) {
	for _, f := range m.Files {
		if f.Service == service && f.LogicalPath == logicalPath {
			return f, true
		}
	}
	return FileEntry{}, false
}

// Services returns the distinct services in manifest order.
func (m *Manifest) Services() []string {
	seen := map[string]bool{}
	var out []string
	for _, f := range m.Files {
		if !seen[f.Service] {
			seen[f.Service] = true
			out = append(out, f.Service)
		}
	}
	return out
}

// Inline returns the entries whose bytes are held by this backup.
func (m *Manifest) Inline() []FileEntry {
	var out []FileEntry
	for _, f := range m.Files {
		if f.Storage.Kind == StorageInline {
			out = append(out, f)
		}
	}
	return out
}

// Validate checks structural completeness. It does not touch storage.
func (m *Manifest) Validate() error {
	corrupt := func(format string, args ...any) error {
		return apperr.New(apperr.KindManifestCorrupt, format, args...).WithBackup(m.BackupID)
	}
	if !ValidID(m.BackupID) {
		return corrupt("backup_id %q is malformed", m.BackupID)
	}
	switch m.BackupType {
	case TypeFull:
		if m.ParentBackupID != nil {
			return corrupt("full backup must not have a parent")
		}
	case TypeIncremental:
		if m.ParentBackupID == nil {
			return corrupt("incremental backup requires parent_backup_id")
		}
		if *m.ParentBackupID == m.BackupID {
			return corrupt("backup is its own parent")
		}
		if !ValidID(*m.ParentBackupID) {
			return corrupt("parent_backup_id %q is malformed", *m.ParentBackupID)
		}
	default:
		return corrupt("unknown backup_type %q", m.BackupType)
	}
	if m.RequestedType != "" && m.RequestedType != TypeFull && m.RequestedType != TypeIncremental {
		return corrupt("unknown requested_type %q", m.RequestedType)
	}
	if m.CreatedAt.IsZero() {
		return corrupt("created_at is missing")
	}
	if m.DurationSeconds < 0 {
		return corrupt("duration_seconds is negative")
	}
	if m.Encrypted != (m.EncryptionAlgorithm != "") {
		return corrupt("encryption_algorithm must be present iff encrypted")
	}
	if m.TotalSizeBytes < 0 || m.StoredSizeBytes < 0 {
		return corrupt("sizes must be non-negative")
	}
	if len(m.Files) == 0 {
		return corrupt("files is empty")
	}
	type key struct{ service, path string }
	seen := map[key]bool{}
	for i, f := range m.Files {
		if f.Service == "" {
			return corrupt("files[%d]: service is empty", i)
		}
		if !validLogicalPath(f.LogicalPath) {
			return corrupt("files[%d]: logical_path %q is not a clean relative path", i, f.LogicalPath)
		}
		k := key{f.Service, f.LogicalPath}
		if seen[k] {
			return corrupt("files[%d]: duplicate entry %s/%s", i, f.Service, f.LogicalPath)
		}
		seen[k] = true
		if !checksum.Valid(f.Checksum) {
			return corrupt("files[%d]: checksum %q is malformed", i, f.Checksum)
		}
		if f.SizeBytes < 0 {
			return corrupt("files[%d]: size_bytes is negative", i)
		}
		if !validLogicalPath(f.Storage.StoredPath) {
			return corrupt("files[%d]: stored_path %q is not a clean relative path", i, f.Storage.StoredPath)
		}
		switch f.Storage.Kind {
		case StorageInline:
			if f.Storage.BackupID != m.BackupID {
				return corrupt("files[%d]: inline entry names backup %q", i, f.Storage.BackupID)
			}
			if f.Storage.Encrypted && !m.Encrypted {
				return corrupt("files[%d]: encrypted entry in unencrypted manifest", i)
			}
		case StorageReference:
			if m.BackupType != TypeIncremental {
				return corrupt("files[%d]: reference in a full backup", i)
			}
			if f.Storage.BackupID == m.BackupID || !ValidID(f.Storage.BackupID) {
				return corrupt("files[%d]: reference target %q is invalid", i, f.Storage.BackupID)
			}
		default:
			return corrupt("files[%d]: unknown storage kind %q", i, f.Storage.Kind)
		}
	}
	return nil
}

func validLogicalPath(p string) bool {
	if p == "" || strings.HasPrefix(p, "/") || strings.Contains(p, `\`) {
		return false
	}
	clean := path.Clean(p)
	return clean == p && clean != "." && clean != ".." && !strings.HasPrefix(clean, "../")
}
