package imagegen

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	"image/png"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "golang.org/x/image/webp"
)

const tmpSuffix = ".tmp"

// SavedImage describes one image written by the Store.
type SavedImage struct {
	Path string
	Size int64
}

// Store persists generated images as PNG files named <uuid>.png under a
// single directory.
//
// Thread Safety: Store is safe for concurrent use; every Save writes a new
// file.
type Store struct {
	dir string
}

// NewStore creates the storage directory if needed and returns a Store.
func NewStore(dir string) (*Store, error) {
	if dir == "" {
		return nil, fmt.Errorf("imagegen: storage directory cannot be empty")
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("imagegen: failed to create storage directory: %w", err)
	}
	return &Store{dir: dir}, nil
}

// Dir returns the storage directory.
func (s *Store) Dir() string {
	return s.dir
}

// Save writes data as a new PNG file. PNG input is written unchanged; JPEG,
// GIF and WebP input is decoded and re-encoded.
func (s *Store) Save(data []byte) (*SavedImage, error) {
	pngData, err := toPNG(data)
	if err != nil {
		return nil, err
	}

	path := filepath.Join(s.dir, uuid.NewString()+".png")
	tmp := path + tmpSuffix
	if err := os.WriteFile(tmp, pngData, 0644); err != nil {
		return nil, fmt.Errorf("imagegen: failed to write image: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return nil, fmt.Errorf("imagegen: failed to finalize image: %w", err)
	}

	return &SavedImage{Path: path, Size: int64(len(pngData))}, nil
}

// Remove deletes the given image files. Missing files are ignored; the first
// other error is returned after every path has been attempted.
func (s *Store) Remove(paths []string) error {
	var firstErr error
	for _, p := range paths {
		if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// CleanupTemp removes temporary files left behind by interrupted writes that
// are older than maxAge. It returns the number of files removed.
func (s *Store) CleanupTemp(maxAge time.Duration) (int, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0, fmt.Errorf("imagegen: failed to read storage directory: %w", err)
	}

	cutoff := time.Now().Add(-maxAge)
	removed := 0
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), tmpSuffix) {
			continue
		}
		info, err := entry.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(s.dir, entry.Name())); err == nil {
			removed++
		}
	}
	return removed, nil
}

func toPNG(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("imagegen: image data is empty")
	}
	if DetectContentType(data) == "image/png" {
		return data, nil
	}

	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("imagegen: unsupported image data: %w", err)
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("imagegen: failed to encode %s as png: %w", format, err)
	}
	return buf.Bytes(), nil
}
