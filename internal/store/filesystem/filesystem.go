// Package filesystem provides a BlobStorage implementation backed by the local
// filesystem. It stores ciphertext payloads as immutable blob files.
package filesystem

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/haukened/goneshare/internal/domain"
	"github.com/haukened/goneshare/internal/store"
)

// Ensure BlobStore implements store.BlobStorage
var _ store.BlobStorage = (*BlobStore)(nil)

const blobExt = ".blob"

// BlobStore implements store.BlobStorage using the local filesystem.
// Files are named by the storage pointer (with a fixed suffix) to simplify lookup.
type BlobStore struct {
	root string
}

// New returns a filesystem-backed blob store rooted at dir. The directory
// must already exist with secure permissions (0700 recommended).
func New(root string) (*BlobStore, error) {
	fi, err := os.Stat(root)
	if err != nil {
		return nil, err
	}
	if !fi.IsDir() {
		return nil, errors.New("blob root is not a directory")
	}
	return &BlobStore{root: root}, nil
}

func (b *BlobStore) path(key string) string { return filepath.Join(b.root, key+blobExt) }

// Put writes data to a new file for key and fsyncs it. Existing blobs are
// never overwritten.
func (b *BlobStore) Put(_ context.Context, key string, data []byte) error {
	if err := validateKey(key); err != nil {
		return err
	}
	p := b.path(key)
	// #nosec G304: path is constructed from a fixed root plus a validated key with a fixed suffix; no traversal possible.
	f, err := os.OpenFile(p, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return domain.Unavailable("blob put", err)
	}
	if _, err = f.Write(data); err == nil {
		err = f.Sync()
	}
	if cErr := f.Close(); err == nil {
		err = cErr
	}
	if err != nil {
		// delete partial file on error
		_ = os.Remove(p)
		return domain.Unavailable("blob put", err)
	}
	return nil
}

// Get reads the whole blob for key.
func (b *BlobStore) Get(_ context.Context, key string) ([]byte, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(b.path(key)) // #nosec G304 path constructed internally
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("blob get: %w", domain.ErrBlobMissing)
		}
		return nil, domain.Unavailable("blob get", err)
	}
	return data, nil
}

// Delete removes the blob file for key. Missing files are not an error.
func (b *BlobStore) Delete(_ context.Context, key string) error {
	if key == "" {
		return nil
	}
	if err := validateKey(key); err != nil {
		return err
	}
	if err := os.Remove(b.path(key)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return domain.Unavailable("blob delete", err)
	}
	return nil
}

// List returns the keys of blobs last modified before t. Higher layers derive
// orphans by diffing against the index's storage pointers.
func (b *BlobStore) List(_ context.Context, t time.Time) ([]string, error) {
	entries, err := os.ReadDir(b.root)
	if err != nil {
		return nil, domain.Unavailable("blob list", err)
	}
	var keys []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if filepath.Ext(name) != blobExt {
			continue
		}
		info, err := e.Info()
		if err != nil || !info.ModTime().Before(t) {
			continue
		}
		keys = append(keys, name[:len(name)-len(blobExt)])
	}
	return keys, nil
}

// validateKey enforces that the key is a canonical share id. This both
// prevents path traversal (no separators, fixed length) and guarantees
// uniform filenames.
func validateKey(key string) error {
	if _, err := domain.ParseID(key); err != nil {
		return fmt.Errorf("invalid blob key: %w", err)
	}
	return nil
}
