package storage

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/rowjay/bchain/internal/config"
)

// S3 keeps the repository in an S3 compatible bucket, typically a MinIO
// instance next to the services. A single PUT is atomic for readers, so a
// manifest is either fully visible or absent.
type S3 struct {
	Client *minio.Client
	Bucket string
}

// NewS3 builds a client for cfg. IP and localhost endpoints always use path
// style addressing; force_path_style extends that to DNS names.
func NewS3(cfg config.S3Store) (*S3, error) {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if cfg.TLSInsecureSkip {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	lookup := minio.BucketLookupAuto
	if cfg.ForcePathStyle {
		lookup = minio.BucketLookupPath
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:        credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, cfg.SessionToken),
		Secure:       cfg.UseSSL,
		Region:       cfg.Region,
		Transport:    transport,
		BucketLookup: lookup,
	})
	if err != nil {
		return nil, fmt.Errorf("s3 client for %s: %w", cfg.Endpoint, err)
	}
	return &S3{Client: client, Bucket: cfg.Bucket}, nil
}

func (s *S3) Put(ctx context.Context, key string, reader io.Reader, size int64, metadata map[string]string) error {
	contentType := "application/octet-stream"
	if isManifestKey(key) {
		contentType = "application/json"
	}
	_, err := s.Client.PutObject(ctx, s.Bucket, key, reader, size, minio.PutObjectOptions{UserMetadata: metadata, ContentType: contentType})
	if err != nil {
		return fmt.Errorf("put s3://%s/%s: %w", s.Bucket, key, err)
	}
	return nil
}

func (s *S3) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	obj, err := s.Client.GetObject(ctx, s.Bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, err
	}
	// GetObject is lazy; a missing key only shows up on the first call.
	if _, err := obj.Stat(); err != nil {
		_ = obj.Close()
		return nil, err
	}
	return obj, nil
}

func (s *S3) Stat(ctx context.Context, key string) (ObjectInfo, error) {
	stat, err := s.Client.StatObject(ctx, s.Bucket, key, minio.StatObjectOptions{})
	if err != nil {
		return ObjectInfo{}, err
	}
	info := objectInfo(stat)
	info.Key = key
	return info, nil
}

// List returns every object below prefix. The prefix names a directory, so
// "backups" does not match "backups-old/...".
func (s *S3) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	ch := s.Client.ListObjects(ctx, s.Bucket, minio.ListObjectsOptions{Prefix: dirPrefix(prefix), Recursive: true})
	infos := []ObjectInfo{}
	for obj := range ch {
		if obj.Err != nil {
			return nil, fmt.Errorf("list s3://%s/%s: %w", s.Bucket, prefix, obj.Err)
		}
		infos = append(infos, objectInfo(obj))
	}
	return infos, nil
}

func (s *S3) Delete(ctx context.Context, key string) error {
	return s.Client.RemoveObject(ctx, s.Bucket, key, minio.RemoveObjectOptions{})
}

func (s *S3) Exists(ctx context.Context, key string) (bool, error) {
	_, err := s.Client.StatObject(ctx, s.Bucket, key, minio.StatObjectOptions{})
	switch {
	case err == nil:
		return true, nil
	case IsNotExist(err):
		return false, nil
	default:
		return false, err
	}
}

// Ping checks the bucket is reachable with the configured credentials.
func (s *S3) Ping(ctx context.Context) error {
	ok, err := s.Client.BucketExists(ctx, s.Bucket)
	if err != nil {
		return err
	}
	if !ok {
		return &BucketMissingError{Bucket: s.Bucket}
	}
	return nil
}

type BucketMissingError struct {
	Bucket string
}

func (e *BucketMissingError) Error() string { return "bucket " + e.Bucket + " does not exist" }

func dirPrefix(prefix string) string {
	prefix = strings.TrimLeft(prefix, "/")
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return prefix
}

func objectInfo(obj minio.ObjectInfo) ObjectInfo {
	return ObjectInfo{
		Key:        obj.Key,
		Size:       obj.Size,
		Modified:   obj.LastModified,
		ETag:       obj.ETag,
		Metadata:   obj.UserMetadata,
		IsManifest: isManifestKey(obj.Key),
	}
}
