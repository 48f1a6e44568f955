package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// FileSystemPackageStore keeps package archives under a root directory
type FileSystemPackageStore struct {
	rootDir string
}

// NewFileSystemPackageStore creates the root directory if needed
func NewFileSystemPackageStore(rootDir string) (*FileSystemPackageStore, error) {
	if err := os.MkdirAll(rootDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create root directory: %w", err)
	}
	return &FileSystemPackageStore{rootDir: rootDir}, nil
}

func (s *FileSystemPackageStore) path(name string) (string, error) {
	clean := filepath.Clean("/" + name)
	if clean == "/" || strings.Contains(name, "..") {
		return "", fmt.Errorf("invalid package name: %q", name)
	}
	return filepath.Join(s.rootDir, clean), nil
}

// Put implements PackageStore.Put. The file is written under a temporary name
// and renamed so readers never see a partial archive.
func (s *FileSystemPackageStore) Put(ctx context.Context, name string, content io.Reader) error {
	dst, err := s.path(name)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return fmt.Errorf("failed to create package directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(dst), ".upload-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, content); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write package: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write package: %w", err)
	}

	if err := os.Rename(tmp.Name(), dst); err != nil {
		return fmt.Errorf("failed to store package: %w", err)
	}
	return nil
}

// Get implements PackageStore.Get
func (s *FileSystemPackageStore) Get(ctx context.Context, name string) (io.ReadCloser, error) {
	src, err := s.path(name)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(src)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("package %s: %w", name, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open package: %w", err)
	}
	return f, nil
}

// Delete implements PackageStore.Delete
func (s *FileSystemPackageStore) Delete(ctx context.Context, name string) error {
	src, err := s.path(name)
	if err != nil {
		return err
	}

	if err := os.Remove(src); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to delete package: %w", err)
	}
	return nil
}
