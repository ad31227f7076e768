package storage

import (
	"fmt"

	"github.com/rowjay/bchain/internal/config"
)

func New(cfg config.RepositoryConfig) (Storage, error) {
	switch cfg.Backend {
	case "local", "":
		if cfg.Local.Path == "" {
			return nil, fmt.Errorf("repository.local.path is required")
		}
		return NewLocal(cfg.Local.Path), nil
	case "s3":
		if cfg.S3.Endpoint == "" || cfg.S3.Bucket == "" {
			return nil, fmt.Errorf("s3 endpoint and bucket are required")
		}
		return NewS3(cfg.S3)
	default:
		return nil, fmt.Errorf("unsupported repository backend: %s", cfg.Backend)
	}
}
