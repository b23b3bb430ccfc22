// Package fsimage loads a host directory into the in-memory file system.
//
// Every regular file under the directory whose slash-separated relative
// path matches the include pattern is created at "/<relative path>".
// Zstandard-compressed files are decompressed on the way in and lose their
// ".zst" suffix.
package fsimage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/charlievieth/fastwalk"
	"github.com/gabriel-vasile/mimetype"
	"github.com/klauspost/compress/zstd"

	"github.com/GriffinCanCode/exokern/internal/memfs"
)

// File describes one loaded file.
type File struct {
	Path       string `json:"path"`
	Size       int    `json:"size"`
	MIME       string `json:"mime"`
	Compressed bool   `json:"compressed,omitempty"`
	Executable bool   `json:"executable,omitempty"`
}

const zstdMIME = "application/zstd"

// Load walks dir and creates every matching file in fs, in path order.
func Load(ctx context.Context, fs *memfs.FS, dir, include string) ([]File, error) {
	if include == "" {
		include = "**"
	}
	if !doublestar.ValidatePattern(include) {
		return nil, fmt.Errorf("invalid include pattern %q", include)
	}

	paths, err := walk(ctx, dir, include)
	if err != nil {
		return nil, err
	}

	dec, err := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(memfs.MaxFileSize))
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}
	defer dec.Close()

	files := make([]File, 0, len(paths))
	for _, rel := range paths {
		if err := ctx.Err(); err != nil {
			return files, err
		}
		f, err := loadFile(fs, dec, dir, rel)
		if err != nil {
			return files, err
		}
		files = append(files, f)
	}
	return files, nil
}

// walk returns the slash-separated relative paths of matching regular files.
func walk(ctx context.Context, dir, include string) ([]string, error) {
	var (
		mu    sync.Mutex
		paths []string
	)
	conf := fastwalk.Config{Follow: false}
	err := fastwalk.Walk(&conf, dir, func(p string, d os.DirEntry, err error) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}

		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if !doublestar.MatchUnvalidated(include, rel) {
			return nil
		}
		mu.Lock()
		paths = append(paths, rel)
		mu.Unlock()
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk %s: %w", dir, err)
	}
	sort.Strings(paths)
	return paths, nil
}

func loadFile(fs *memfs.FS, dec *zstd.Decoder, dir, rel string) (File, error) {
	data, err := os.ReadFile(filepath.Join(dir, filepath.FromSlash(rel)))
	if err != nil {
		return File{}, fmt.Errorf("failed to read %s: %w", rel, err)
	}

	f := File{Path: "/" + rel}
	mtype := mimetype.Detect(data)
	if mtype.Is(zstdMIME) || strings.HasSuffix(rel, ".zst") {
		if data, err = dec.DecodeAll(data, nil); err != nil {
			return File{}, fmt.Errorf("failed to decompress %s: %w", rel, err)
		}
		f.Path = strings.TrimSuffix(f.Path, ".zst")
		f.Compressed = true
		mtype = mimetype.Detect(data)
	}
	f.Size = len(data)
	f.MIME = mtype.String()
	for m := mtype; m != nil; m = m.Parent() {
		if m.Is("application/x-elf") {
			f.Executable = true
		}
	}

	if err := fs.Create(f.Path, data); err != nil {
		return File{}, err
	}
	return f, nil
}
