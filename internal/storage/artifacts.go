package storage

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// ArtifactStore keeps binary artifacts (UI screenshots) on disk, keyed by
// name. Implements trace.ArtifactStore for export bundling.
type ArtifactStore struct {
	dir string
}

// NewArtifactStore creates the artifact directory if needed.
func NewArtifactStore(dir string) (*ArtifactStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create artifact directory: %w", err)
	}
	return &ArtifactStore{dir: dir}, nil
}

// Save stores an artifact and returns its key.
func (a *ArtifactStore) Save(key string, r io.Reader) error {
	path, err := a.path(key)
	if err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create artifact %s: %w", key, err)
	}
	defer f.Close()

	if _, err := io.Copy(f, r); err != nil {
		return fmt.Errorf("write artifact %s: %w", key, err)
	}
	return nil
}

// OpenArtifact implements trace.ArtifactStore.
func (a *ArtifactStore) OpenArtifact(key string) (io.ReadCloser, error) {
	path, err := a.path(key)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open artifact %s: %w", key, err)
	}
	return f, nil
}

// path rejects keys that escape the artifact directory.
func (a *ArtifactStore) path(key string) (string, error) {
	if key == "" || strings.Contains(key, "..") || strings.ContainsAny(key, `/\`) {
		return "", fmt.Errorf("invalid artifact key: %q", key)
	}
	return filepath.Join(a.dir, key), nil
}
