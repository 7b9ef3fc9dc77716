package cache

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
)

const (
	filePerm os.FileMode = 0666
	dirPerm  os.FileMode = 0700

	recordExt = ".json"
	tmpExt    = ".tmp"
)

var (
	// ErrInvalidKey represents a key that can not be mapped onto a file name
	ErrInvalidKey = errors.New("invalid store key")
)

// NewFileStore returns a Store that keeps each value in its own file inside dir
func NewFileStore(dir string) (*FileStore, error) {
	if dir == "" {
		return nil, errors.New("cache dir not provided")
	}
	err := os.MkdirAll(dir, dirPerm)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create cache dir")
	}

	return &FileStore{dir: dir}, nil
}

// FileStore is a Store backed by a directory on the filesystem
type FileStore struct {
	dir string
}

// Get implements Store
func (s *FileStore) Get(_ context.Context, key string) ([]byte, error) {
	p, err := s.path(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrEntryNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to read cache file")
	}
	return data, nil
}

// Set writes the value to a temporary file first so readers never see a
// partially written record
func (s *FileStore) Set(_ context.Context, key string, value []byte) error {
	p, err := s.path(key)
	if err != nil {
		return err
	}
	tmp := p + "." + generateID(10) + tmpExt
	err = os.WriteFile(tmp, value, filePerm)
	if err != nil {
		return errors.Wrap(err, "failed to write cache file")
	}
	err = os.Rename(tmp, p)
	if err != nil {
		_ = os.Remove(tmp)
		return errors.Wrap(err, "failed to move cache file in place")
	}
	return nil
}

// Delete implements Store
func (s *FileStore) Delete(_ context.Context, key string) error {
	p, err := s.path(key)
	if err != nil {
		return err
	}
	err = os.Remove(p)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return errors.Wrap(err, "failed to delete cache file")
	}
	return nil
}

// Keys implements Store
func (s *FileStore) Keys(_ context.Context) ([]string, error) {
	files, err := listFiles(s.dir)
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(files))
	for _, f := range files {
		if !strings.HasSuffix(f, recordExt) {
			continue
		}
		keys = append(keys, strings.TrimSuffix(f, recordExt))
	}
	return keys, nil
}

func (s *FileStore) path(key string) (string, error) {
	if key == "" || key == "." || key == ".." || strings.ContainsAny(key, `/\`) {
		return "", errors.Wrapf(ErrInvalidKey, "key %q", key)
	}
	return filepath.Join(s.dir, key+recordExt), nil
}

// listFiles returns the names of the regular files in dir
func listFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list cache dir")
	}
	files := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.Type().IsRegular() {
			files = append(files, e.Name())
		}
	}
	return files, nil
}
