// Package blob persists deliverable file bytes under opaque handles. The
// lifecycle core only ever records the handle; the billy filesystem keeps the
// backend swappable (osfs on disk, memfs in tests).
package blob

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/memfs"
	"github.com/go-git/go-billy/v5/osfs"
)

type Store struct {
	fs billy.Filesystem
}

// NewOS stores blobs on disk under root.
func NewOS(root string) *Store {
	return &Store{fs: osfs.New(root)}
}

// NewMemory is the in-memory backend used by tests.
func NewMemory() *Store {
	return &Store{fs: memfs.New()}
}

// Save writes the full reader under handle, replacing any previous content.
func (s *Store) Save(handle string, r io.Reader) (int64, error) {
	name := filepath.Base(handle)
	f, err := s.fs.Create(name)
	if err != nil {
		return 0, fmt.Errorf("blob create %s: %w", name, err)
	}
	n, err := io.Copy(f, r)
	if err != nil {
		f.Close()
		return n, fmt.Errorf("blob write %s: %w", name, err)
	}
	if err := f.Close(); err != nil {
		return n, fmt.Errorf("blob close %s: %w", name, err)
	}
	return n, nil
}

// Open returns the stored bytes for handle.
func (s *Store) Open(handle string) (io.ReadCloser, error) {
	f, err := s.fs.Open(filepath.Base(handle))
	if err != nil {
		return nil, fmt.Errorf("blob open %s: %w", handle, err)
	}
	return f, nil
}

// Rename moves src over dst, replacing dst if it exists.
func (s *Store) Rename(src, dst string) error {
	dstName := filepath.Base(dst)
	if err := s.fs.Remove(dstName); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("blob replace %s: %w", dstName, err)
	}
	if err := s.fs.Rename(filepath.Base(src), dstName); err != nil {
		return fmt.Errorf("blob rename %s: %w", dstName, err)
	}
	return nil
}

// Remove deletes the stored bytes for handle. Removing a missing handle is
// not an error.
func (s *Store) Remove(handle string) error {
	name := filepath.Base(handle)
	if err := s.fs.Remove(name); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("blob remove %s: %w", name, err)
	}
	return nil
}
