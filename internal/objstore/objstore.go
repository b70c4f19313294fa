// Package objstore defines the object-store collaborator interface. Upload
// registration only records a pre-obtained storage reference; the core never
// writes document bytes itself.
package objstore

import (
	"context"
	"io"
	"os"
	"path/filepath"
)

// Store streams document bytes for a stored reference.
type Store interface {
	StreamDownload(ctx context.Context, storageRef string) (io.ReadCloser, error)
	PutRef(ctx context.Context, data io.Reader) (string, error)
}

// FSStore keeps objects under a root directory. Used in development and
// tests; production deployments substitute the real backend.
type FSStore struct {
	Root string
}

func (s FSStore) StreamDownload(_ context.Context, storageRef string) (io.ReadCloser, error) {
	return os.Open(filepath.Join(s.Root, filepath.Clean("/"+storageRef)))
}

func (s FSStore) PutRef(_ context.Context, data io.Reader) (string, error) {
	f, err := os.CreateTemp(s.Root, "obj-*")
	if err != nil {
		return "", err
	}
	defer f.Close()
	if _, err := io.Copy(f, data); err != nil {
		os.Remove(f.Name())
		return "", err
	}
	rel, err := filepath.Rel(s.Root, f.Name())
	if err != nil {
		return "", err
	}
	return rel, nil
}
