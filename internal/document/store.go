package document

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"
)

// ErrInvalidLocator means a locator does not name a stored document
var ErrInvalidLocator = errors.New("invalid document locator")

// Store keeps rendered documents
type Store interface {
	// Put stores data under name and returns its locator
	Put(ctx context.Context, name string, data []byte) (string, error)
	// Open returns the content behind a locator
	Open(ctx context.Context, locator string) (io.ReadCloser, error)
}

// FileStore keeps documents as files in one directory. Writes go to a
// temporary file that is renamed into place.
type FileStore struct {
	fs  afero.Fs
	dir string
}

// NewFileStore creates the directory if needed
func NewFileStore(fs afero.Fs, dir string) (*FileStore, error) {
	if err := fs.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create document dir: %w", err)
	}
	return &FileStore{fs: fs, dir: dir}, nil
}

// NewOSFileStore stores documents on the local filesystem
func NewOSFileStore(dir string) (*FileStore, error) {
	return NewFileStore(afero.NewOsFs(), dir)
}

// Put implements Store. The locator is the file name.
func (s *FileStore) Put(_ context.Context, name string, data []byte) (string, error) {
	if err := checkName(name); err != nil {
		return "", err
	}

	tmp, err := afero.TempFile(s.fs, s.dir, "."+name+".*")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		s.fs.Remove(tmpName)
		return "", fmt.Errorf("write document: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		s.fs.Remove(tmpName)
		return "", fmt.Errorf("sync document: %w", err)
	}
	if err := tmp.Close(); err != nil {
		s.fs.Remove(tmpName)
		return "", fmt.Errorf("close document: %w", err)
	}
	if err := s.fs.Rename(tmpName, filepath.Join(s.dir, name)); err != nil {
		s.fs.Remove(tmpName)
		return "", fmt.Errorf("move document into place: %w", err)
	}
	return name, nil
}

// Open implements Store
func (s *FileStore) Open(_ context.Context, locator string) (io.ReadCloser, error) {
	if err := checkName(locator); err != nil {
		return nil, err
	}
	f, err := s.fs.Open(filepath.Join(s.dir, locator))
	if err != nil {
		return nil, fmt.Errorf("open document %s: %w", locator, err)
	}
	return f, nil
}

func checkName(name string) error {
	if name == "" || name != filepath.Base(name) || strings.HasPrefix(name, ".") {
		return fmt.Errorf("%w: %q", ErrInvalidLocator, name)
	}
	return nil
}
