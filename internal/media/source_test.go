package media

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/text/unicode/norm"
)

func testLogger(t *testing.T) *slog.Logger {
	t.Helper()

	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func writeFile(t *testing.T, path string, size int, mtime time.Time) {
	t.Helper()

	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, make([]byte, size), 0o600))
	require.NoError(t, os.Chtimes(path, mtime, mtime))
}

func TestListCandidates_FiltersAndOrders(t *testing.T) {
	root := t.TempDir()
	mtime := time.Date(2023, 7, 4, 12, 30, 15, 500, time.UTC)

	writeFile(t, filepath.Join(root, "100CAMERA", "R0010002.JPG"), 10, mtime)
	writeFile(t, filepath.Join(root, "100CAMERA", "R0010001.jpg"), 10, mtime)
	writeFile(t, filepath.Join(root, "100CAMERA", "R0010003.MP4"), 10, mtime)
	writeFile(t, filepath.Join(root, "a.jpeg"), 10, mtime)
	writeFile(t, filepath.Join(root, "notes.txt"), 10, mtime)

	s := NewSource([]string{".jpg", ".jpeg"}, 0, testLogger(t))

	items, err := s.ListCandidates(context.Background(), root)
	require.NoError(t, err)
	require.Len(t, items, 3)

	assert.Equal(t, filepath.Join(root, "100CAMERA", "R0010001.jpg"), items[0].Path)
	assert.Equal(t, filepath.Join(root, "100CAMERA", "R0010002.JPG"), items[1].Path)
	assert.Equal(t, filepath.Join(root, "a.jpeg"), items[2].Path)

	// No EXIF in these files: capture time falls back to mtime, whole seconds.
	assert.True(t, items[0].CaptureTime.Equal(mtime.Truncate(time.Second)))
	assert.Equal(t, int64(10), items[0].Size)
}

func TestListCandidates_MissingRoot(t *testing.T) {
	s := NewSource([]string{".jpg"}, 0, testLogger(t))

	items, err := s.ListCandidates(context.Background(), filepath.Join(t.TempDir(), "DCIM"))
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestListCandidates_SkipsOversize(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "small.jpg"), 10, time.Now())
	writeFile(t, filepath.Join(root, "big.jpg"), 100, time.Now())

	s := NewSource([]string{".jpg"}, 50, testLogger(t))

	items, err := s.ListCandidates(context.Background(), root)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "small.jpg", filepath.Base(items[0].Path))
}

func TestListCandidates_Canceled(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "a.jpg"), 1, time.Now())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	s := NewSource([]string{".jpg"}, 0, testLogger(t))
	_, err := s.ListCandidates(ctx, root)
	require.ErrorIs(t, err, context.Canceled)
}

func TestListAll_RootOrder(t *testing.T) {
	dcim := filepath.Join(t.TempDir(), "DCIM")
	pics := filepath.Join(t.TempDir(), "Pictures")
	writeFile(t, filepath.Join(dcim, "z.jpg"), 1, time.Now())
	writeFile(t, filepath.Join(pics, "a.jpg"), 1, time.Now())

	s := NewSource([]string{".jpg"}, 0, testLogger(t))

	items, err := s.ListAll(context.Background(), []string{dcim, pics})
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "z.jpg", filepath.Base(items[0].Path))
	assert.Equal(t, "a.jpg", filepath.Base(items[1].Path))
}

func TestDescribe(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "ok.JPG"), 3, time.Now())
	writeFile(t, filepath.Join(dir, "clip.mp4"), 3, time.Now())

	s := NewSource([]string{".jpg"}, 0, testLogger(t))

	item, err := s.Describe(filepath.Join(dir, "ok.JPG"))
	require.NoError(t, err)
	assert.Equal(t, int64(3), item.Size)

	_, err = s.Describe(filepath.Join(dir, "clip.mp4"))
	require.ErrorIs(t, err, ErrUnsupported)

	_, err = s.Describe(filepath.Join(dir, "missing.jpg"))
	require.ErrorIs(t, err, os.ErrNotExist)

	require.NoError(t, os.Mkdir(filepath.Join(dir, "folder.jpg"), 0o755))
	_, err = s.Describe(filepath.Join(dir, "folder.jpg"))
	require.ErrorIs(t, err, ErrNotRegular)
}

func TestDescribe_NormalizesIdentityPath(t *testing.T) {
	dir := t.TempDir()
	nfd := norm.NFD.String("café.jpg")
	writeFile(t, filepath.Join(dir, nfd), 1, time.Now())

	s := NewSource([]string{".jpg"}, 0, testLogger(t))

	item, err := s.Describe(filepath.Join(dir, nfd))
	require.NoError(t, err)
	assert.Equal(t, norm.NFC.String(filepath.Join(dir, "café.jpg")), item.Path)
	assert.Equal(t, filepath.Join(dir, nfd), item.FSPath)

	data, err := ReadFile(item)
	require.NoError(t, err)
	assert.Len(t, data, 1)
}

func TestContentType(t *testing.T) {
	assert.Equal(t, "image/jpeg", ContentType("a.JPG"))
	assert.Equal(t, "image/png", ContentType("a.png"))
}
