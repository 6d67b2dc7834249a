package blob

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/memfs"
	"github.com/go-git/go-billy/v5/osfs"
	"github.com/go-git/go-billy/v5/util"
)

// BillyStore keeps blobs as files on a billy filesystem.
type BillyStore struct {
	fs billy.Filesystem
}

// NewFS returns a store rooted at dir on the local disk.
func NewFS(dir string) (*BillyStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("blob: create root %q: %w", dir, err)
	}
	return &BillyStore{fs: osfs.New(dir, osfs.WithBoundOS())}, nil
}

// NewMemory returns a store that lives in memory. Content is lost on exit.
func NewMemory() *BillyStore {
	return &BillyStore{fs: memfs.New()}
}

// NewBilly wraps an arbitrary billy filesystem.
func NewBilly(fs billy.Filesystem) *BillyStore {
	return &BillyStore{fs: fs}
}

func (s *BillyStore) Put(ctx context.Context, key string, data []byte, _ string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	key, err := cleanKey(key)
	if err != nil {
		return err
	}
	if dir := path.Dir(key); dir != "." {
		if err := s.fs.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("blob: mkdir %q: %w", dir, err)
		}
	}
	if err := util.WriteFile(s.fs, key, data, 0o644); err != nil {
		return fmt.Errorf("blob: write %q: %w", key, err)
	}
	return nil
}

func (s *BillyStore) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	key, err := cleanKey(key)
	if err != nil {
		return nil, err
	}
	data, err := util.ReadFile(s.fs, key)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("blob: read %q: %w", key, err)
	}
	return data, nil
}

func (s *BillyStore) DeletePrefix(ctx context.Context, prefix string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	prefix, err := cleanKey(prefix)
	if err != nil {
		return err
	}
	if err := util.RemoveAll(s.fs, prefix); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("blob: remove %q: %w", prefix, err)
	}
	return nil
}
