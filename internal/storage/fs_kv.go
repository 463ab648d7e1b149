package storage

import (
	"context"
	"encoding/base64"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// FSStore keeps one file per key under base. File names are the base64url
// form of the key, so no key can escape the directory.
type FSStore struct{ base string }

func NewFSStore(base string) (*FSStore, error) {
	if base == "" {
		base = "./data"
	}
	if err := os.MkdirAll(base, 0o755); err != nil {
		return nil, err
	}
	return &FSStore{base: base}, nil
}

const fsSuffix = ".kv"

func (s *FSStore) path(key string) string {
	return filepath.Join(s.base, base64.RawURLEncoding.EncodeToString([]byte(key))+fsSuffix)
}

func (s *FSStore) Get(_ context.Context, key string) ([]byte, error) {
	if key == "" {
		return nil, errors.New("empty key")
	}
	b, err := os.ReadFile(s.path(key))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	return b, err
}

// Set replaces the whole value via write-then-rename.
func (s *FSStore) Set(_ context.Context, key string, value []byte) error {
	if key == "" {
		return errors.New("empty key")
	}
	dst := s.path(key)
	f, err := os.CreateTemp(s.base, ".tmp-*")
	if err != nil {
		return err
	}
	tmp := f.Name()
	if _, err := f.Write(value); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, dst)
}

func (s *FSStore) Delete(_ context.Context, key string) error {
	err := os.Remove(s.path(key))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

func (s *FSStore) ListKeys(_ context.Context, prefix string) ([]string, error) {
	entries, err := os.ReadDir(s.base)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, fsSuffix) {
			continue
		}
		raw, err := base64.RawURLEncoding.DecodeString(strings.TrimSuffix(name, fsSuffix))
		if err != nil {
			continue
		}
		if k := string(raw); strings.HasPrefix(k, prefix) {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out, nil
}
