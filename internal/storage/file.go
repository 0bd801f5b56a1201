package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path"

	"github.com/spf13/afero"
)

// File stores each key as one file inside a directory of an afero filesystem.
type File struct {
	fs  afero.Fs
	dir string
}

// NewFile creates the directory if needed and returns a file-backed Storage.
func NewFile(fs afero.Fs, dir string) (*File, error) {
	if err := fs.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create storage directory %s: %w", dir, err)
	}
	return &File{fs: fs, dir: dir}, nil
}

// maxHexKey keeps hex file names, plus the ".json.tmp" suffix, under the common 255 byte limit.
const maxHexKey = 240

// Keys are hex encoded so arbitrary scope identifiers are safe file names. Keys too long
// for that are named by their SHA-256 instead.
func (f *File) path(key string) string {
	name := hex.EncodeToString([]byte(key))
	if len(name) > maxHexKey {
		sum := sha256.Sum256([]byte(key))
		name = "h_" + hex.EncodeToString(sum[:])
	}
	return path.Join(f.dir, name+".json")
}

func (f *File) Get(_ context.Context, key string) (string, error) {
	data, err := afero.ReadFile(f.fs, f.path(key))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("read %s: %w", key, err)
	}
	return string(data), nil
}

func (f *File) Set(_ context.Context, key, value string) error {
	target := f.path(key)
	tmp := target + ".tmp"
	if err := afero.WriteFile(f.fs, tmp, []byte(value), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", key, err)
	}
	if err := f.fs.Rename(tmp, target); err != nil {
		_ = f.fs.Remove(tmp)
		return fmt.Errorf("rename %s: %w", key, err)
	}
	return nil
}

func (f *File) Delete(_ context.Context, key string) error {
	err := f.fs.Remove(f.path(key))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}
