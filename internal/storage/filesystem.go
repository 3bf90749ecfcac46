package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// FilesystemStore keeps recording objects as plain files under
// <dataDir>/recordings. Presigned uploads point back at the backend's own
// raw-upload endpoint, so devices speak the same protocol against both
// backends.
type FilesystemStore struct {
	root    string
	baseURL string
}

// NewFilesystemStore creates a filesystem store rooted under dataDir.
func NewFilesystemStore(dataDir, publicBaseURL string) (*FilesystemStore, error) {
	root := filepath.Join(dataDir, "recordings")
	if err := os.MkdirAll(root, 0750); err != nil {
		return nil, fmt.Errorf("creating recordings directory: %w", err)
	}
	return &FilesystemStore{
		root:    root,
		baseURL: strings.TrimSuffix(publicBaseURL, "/"),
	}, nil
}

// path resolves a key to an on-disk path, rejecting traversal outside the root.
func (s *FilesystemStore) path(key string) (string, error) {
	clean := filepath.Clean("/" + key)
	p := filepath.Join(s.root, clean)
	if !strings.HasPrefix(p, s.root+string(os.PathSeparator)) && p != s.root {
		return "", fmt.Errorf("invalid object key %q", key)
	}
	return p, nil
}

// Put writes an object under key, creating parent directories as needed.
// The write goes through a temp file and rename so a partially written
// object is never visible under its final key.
func (s *FilesystemStore) Put(ctx context.Context, key string, r io.Reader) (int64, error) {
	p, err := s.path(key)
	if err != nil {
		return 0, err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0750); err != nil {
		return 0, fmt.Errorf("creating object directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(p), ".put-*")
	if err != nil {
		return 0, fmt.Errorf("creating temp file: %w", err)
	}
	tmpName := tmp.Name()

	n, err := io.Copy(tmp, r)
	if err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return 0, fmt.Errorf("writing object: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return 0, fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmpName, p); err != nil {
		os.Remove(tmpName)
		return 0, fmt.Errorf("renaming object into place: %w", err)
	}
	return n, nil
}

// Stat returns object metadata, or ErrNotFound.
func (s *FilesystemStore) Stat(ctx context.Context, key string) (ObjectInfo, error) {
	p, err := s.path(key)
	if err != nil {
		return ObjectInfo{}, err
	}
	info, err := os.Stat(p)
	if os.IsNotExist(err) {
		return ObjectInfo{}, ErrNotFound
	}
	if err != nil {
		return ObjectInfo{}, fmt.Errorf("stat object: %w", err)
	}
	return ObjectInfo{Size: info.Size()}, nil
}

// Open returns a reader over the requested byte window of the object.
func (s *FilesystemStore) Open(ctx context.Context, key string, offset, length int64) (io.ReadCloser, error) {
	p, err := s.path(key)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(p)
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("opening object: %w", err)
	}

	if offset > 0 {
		if _, err := f.Seek(offset, io.SeekStart); err != nil {
			f.Close()
			return nil, fmt.Errorf("seeking object: %w", err)
		}
	}
	if length < 0 {
		return f, nil
	}
	return &limitedReadCloser{Reader: io.LimitReader(f, length), closer: f}, nil
}

// Delete removes an object; a missing key is not an error.
func (s *FilesystemStore) Delete(ctx context.Context, key string) error {
	p, err := s.path(key)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing object: %w", err)
	}
	return nil
}

// PresignPut returns an upload target that proxies through the backend's
// raw-upload endpoint. There are no credentials to scope locally, so the
// URL is simply the endpoint for the key.
func (s *FilesystemStore) PresignPut(ctx context.Context, key, contentType string) (*PresignedUpload, error) {
	return &PresignedUpload{
		UploadURL: s.baseURL + "/api/v1/uploads/" + key,
		Key:       key,
		PublicURL: s.baseURL + "/api/v1/objects/" + key,
	}, nil
}

// limitedReadCloser couples a LimitReader with the underlying file's Close.
type limitedReadCloser struct {
	io.Reader
	closer io.Closer
}

func (l *limitedReadCloser) Close() error {
	return l.closer.Close()
}
