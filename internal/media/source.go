// Package media enumerates local photos and extracts their capture time.
package media

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rwcarlsen/goexif/exif"
	"golang.org/x/text/unicode/norm"
)

// Sentinel errors for Describe.
var (
	ErrUnsupported = errors.New("media: unsupported file type")
	ErrNotRegular  = errors.New("media: not a regular file")
	ErrTooLarge    = errors.New("media: file exceeds size limit")
)

// Item is one upload candidate. Path is NFC-normalized and used for
// identity; FSPath is the name as found on disk and used for I/O.
type Item struct {
	Path        string
	FSPath      string
	CaptureTime time.Time
	Size        int64
}

// Source lists candidate photos under a set of roots.
type Source struct {
	extensions map[string]bool
	maxSize    int64 // 0 = unlimited
	logger     *slog.Logger
}

// NewSource creates a Source accepting the given extensions (matched
// case-insensitively, with leading dot).
func NewSource(extensions []string, maxSize int64, logger *slog.Logger) *Source {
	if logger == nil {
		logger = slog.Default()
	}

	exts := make(map[string]bool, len(extensions))
	for _, e := range extensions {
		exts[strings.ToLower(e)] = true
	}

	return &Source{extensions: exts, maxSize: maxSize, logger: logger}
}

// Supported reports whether path has an accepted extension.
func (s *Source) Supported(path string) bool {
	return s.extensions[strings.ToLower(filepath.Ext(path))]
}

// ListCandidates walks root recursively and returns supported files in
// lexical path order. A missing root yields no items.
func (s *Source) ListCandidates(ctx context.Context, root string) ([]Item, error) {
	if _, err := os.Stat(root); errors.Is(err, fs.ErrNotExist) {
		s.logger.Debug("media root missing", slog.String("root", root))
		return nil, nil
	}

	var items []Item

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		if err != nil {
			// Unreadable subtrees are skipped, not fatal.
			s.logger.Warn("media: skipping unreadable path",
				slog.String("path", path), slog.String("error", err.Error()))

			if d != nil && d.IsDir() {
				return fs.SkipDir
			}

			return nil
		}

		if d.IsDir() || !s.Supported(path) {
			return nil
		}

		item, err := s.describe(path)
		if err != nil {
			s.logger.Warn("media: skipping file",
				slog.String("path", path), slog.String("error", err.Error()))

			return nil
		}

		items = append(items, item)

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("media: walking %s: %w", root, err)
	}

	sort.Slice(items, func(i, j int) bool { return items[i].Path < items[j].Path })

	return items, nil
}

// ListAll lists candidates under each root in order, concatenated.
func (s *Source) ListAll(ctx context.Context, roots []string) ([]Item, error) {
	var all []Item

	for _, root := range roots {
		items, err := s.ListCandidates(ctx, root)
		if err != nil {
			return nil, err
		}

		all = append(all, items...)
	}

	return all, nil
}

// Describe validates an explicitly supplied path and returns its Item.
func (s *Source) Describe(path string) (Item, error) {
	if !s.Supported(path) {
		return Item{}, fmt.Errorf("%w: %s", ErrUnsupported, path)
	}

	return s.describe(path)
}

func (s *Source) describe(path string) (Item, error) {
	info, err := os.Stat(path)
	if err != nil {
		return Item{}, fmt.Errorf("media: stat %s: %w", path, err)
	}

	if !info.Mode().IsRegular() {
		return Item{}, fmt.Errorf("%w: %s", ErrNotRegular, path)
	}

	if s.maxSize > 0 && info.Size() > s.maxSize {
		return Item{}, fmt.Errorf("%w: %s (%d bytes)", ErrTooLarge, path, info.Size())
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return Item{}, fmt.Errorf("media: resolving %s: %w", path, err)
	}

	return Item{
		Path:        norm.NFC.String(abs),
		FSPath:      abs,
		CaptureTime: s.captureTime(abs, info.ModTime()),
		Size:        info.Size(),
	}, nil
}

// captureTime returns the EXIF capture time, or fallback when the file has
// no usable EXIF data. The result is truncated to seconds.
func (s *Source) captureTime(path string, fallback time.Time) time.Time {
	f, err := os.Open(path)
	if err != nil {
		return fallback.Truncate(time.Second)
	}
	defer f.Close()

	x, err := exif.Decode(f)
	if err != nil {
		s.logger.Debug("media: no exif data, using mtime", slog.String("path", path))
		return fallback.Truncate(time.Second)
	}

	t, err := x.DateTime()
	if err != nil {
		return fallback.Truncate(time.Second)
	}

	return t.Truncate(time.Second)
}

// ReadFile returns the bytes of an item.
func ReadFile(item Item) ([]byte, error) {
	data, err := os.ReadFile(item.FSPath)
	if err != nil {
		return nil, fmt.Errorf("media: reading %s: %w", item.Path, err)
	}

	return data, nil
}

// ContentType guesses the upload MIME type from the extension.
func ContentType(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".png":
		return "image/png"
	case ".heic":
		return "image/heic"
	case ".gif":
		return "image/gif"
	default:
		return "image/jpeg"
	}
}
