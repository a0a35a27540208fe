package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"time"
)

// FileBackend stores one file per entry under dir/<namespace>/<sha256(key)>.
type FileBackend struct {
	dir string
}

// NewFileBackend creates a file backend rooted at dir.
func NewFileBackend(dir string) (*FileBackend, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating cache dir: %w", err)
	}
	return &FileBackend{dir: dir}, nil
}

func (b *FileBackend) Get(_ context.Context, namespace, key string) ([]byte, bool, error) {
	data, err := os.ReadFile(b.path(namespace, key))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("reading cache file: %w", err)
	}
	return data, true, nil
}

func (b *FileBackend) Set(_ context.Context, namespace, key string, value []byte) error {
	path := b.path(namespace, key)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	// Write then rename so concurrent readers never see a partial file.
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	if _, err := tmp.Write(value); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("writing cache file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}

func (b *FileBackend) Delete(_ context.Context, namespace, key string) error {
	err := os.Remove(b.path(namespace, key))
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

func (b *FileBackend) Close() error { return nil }

// Count returns the number of stored entries across all namespaces.
func (b *FileBackend) Count(ctx context.Context) (int64, error) {
	var n int64
	err := b.walk(ctx, func(string, fs.FileInfo) error {
		n++
		return nil
	})
	return n, err
}

// Prune removes entries whose files are older than olderThan.
func (b *FileBackend) Prune(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().Add(-olderThan)
	var n int64
	err := b.walk(ctx, func(path string, info fs.FileInfo) error {
		if info.ModTime().After(cutoff) {
			return nil
		}
		if err := os.Remove(path); err != nil {
			return err
		}
		n++
		return nil
	})
	return n, err
}

func (b *FileBackend) walk(ctx context.Context, fn func(string, fs.FileInfo) error) error {
	return filepath.WalkDir(b.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() || d.Name()[0] == '.' {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		return fn(path, info)
	})
}

func (b *FileBackend) path(namespace, key string) string {
	h := sha256.Sum256([]byte(key))
	return filepath.Join(b.dir, url.PathEscape(namespace), hex.EncodeToString(h[:]))
}
