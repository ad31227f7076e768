package storage

import (
	"context"
	"errors"
	"io"
	"os"
	"path"
	"time"

	"github.com/minio/minio-go/v7"
)

// ManifestName is the object name of a backup's manifest inside its directory.
const ManifestName = "manifest.json"

type ObjectInfo struct {
	Key        string
	Size       int64
	Modified   time.Time
	ETag       string
	Metadata   map[string]string
	IsManifest bool
}

// Storage is the repository holding backup directories. Keys are slash separated.
type Storage interface {
	Put(ctx context.Context, key string, reader io.Reader, size int64, metadata map[string]string) error
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	Stat(ctx context.Context, key string) (ObjectInfo, error)
	List(ctx context.Context, prefix string) ([]ObjectInfo, error)
	Delete(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)
}

// IsNotExist reports whether err means the object is absent on any backend.
func IsNotExist(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, os.ErrNotExist) {
		return true
	}
	code := minio.ToErrorResponse(err).Code
	return code == "NoSuchKey" || code == "NotFound"
}

func isManifestKey(key string) bool {
	return path.Base(key) == ManifestName
}
