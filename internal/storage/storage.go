// Package storage provides the pluggable blob store recordings are
// persisted to: a local filesystem store for development and an S3 store
// (presigned URLs) for production. The upload protocol is identical in
// shape for both; only URL generation differs.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/leadline/leadline/internal/config"
)

// ErrNotFound is returned when a key does not exist in the store.
// A recording record that points at a missing object is treated as
// corrupted storage by the API layer, not as a plain 404.
var ErrNotFound = errors.New("storage: object not found")

// PresignTTL is how long a presigned upload URL stays valid.
const PresignTTL = 15 * time.Minute

// ObjectInfo describes a stored object.
type ObjectInfo struct {
	Size int64
}

// PresignedUpload is the target handed to a device for a direct upload.
type PresignedUpload struct {
	UploadURL string // where the device PUTs the file bytes
	Key       string // object key the device confirms with afterwards
	PublicURL string // where the stored object can be fetched from later
}

// Store is a blob store for recording files.
type Store interface {
	// Put writes an object under key, returning the number of bytes stored.
	Put(ctx context.Context, key string, r io.Reader) (int64, error)

	// Stat returns object metadata, or ErrNotFound.
	Stat(ctx context.Context, key string) (ObjectInfo, error)

	// Open returns a reader over [offset, offset+length) of the object.
	// A negative length reads to the end. Returns ErrNotFound if the key
	// does not exist.
	Open(ctx context.Context, key string, offset, length int64) (io.ReadCloser, error)

	// Delete removes an object. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// PresignPut returns an upload target for a direct device upload of
	// the given key.
	PresignPut(ctx context.Context, key, contentType string) (*PresignedUpload, error)
}

// NewFromConfig creates the Store selected by the storage-backend setting.
func NewFromConfig(cfg *config.Config) (Store, error) {
	switch cfg.StorageBackend {
	case "filesystem":
		return NewFilesystemStore(cfg.DataDir, cfg.PublicBaseURL)
	case "s3":
		return NewS3Store(context.Background(), S3Config{
			Bucket:    cfg.S3Bucket,
			Region:    cfg.S3Region,
			Endpoint:  cfg.S3Endpoint,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
		})
	default:
		return nil, fmt.Errorf("unknown storage backend: %s", cfg.StorageBackend)
	}
}
