package ingest

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/text/encoding/charmap"

	"lineinspect/internal/models"
	"lineinspect/internal/sessionstore"
)

type zipEntry struct {
	name    string
	body    []byte
	nonUTF8 bool
	stored  bool
}

func buildZip(t *testing.T, entries ...zipEntry) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, e := range entries {
		method := zip.Deflate
		if e.stored {
			method = zip.Store
		}
		w, err := zw.CreateHeader(&zip.FileHeader{Name: e.name, Method: method, NonUTF8: e.nonUTF8})
		require.NoError(t, err)
		_, err = w.Write(e.body)
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func newPipeline(t *testing.T, limit int64) (*Pipeline, *sessionstore.Store) {
	t.Helper()
	root := t.TempDir()
	store, err := sessionstore.New(filepath.Join(root, "sessions"))
	require.NoError(t, err)
	p, err := NewPipeline(store, Options{
		StagingDir:    filepath.Join(root, "staging"),
		MaxBatchBytes: limit,
		Concurrency:   2,
	}, nil)
	require.NoError(t, err)
	return p, store
}

func dirNames(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

func TestClassify(t *testing.T) {
	cases := []struct {
		name, contentType string
		kind              Kind
		ext               string
	}{
		{"a.JPG", "", KindImage, ".jpg"},
		{"b.jpeg", "application/octet-stream", KindImage, ".jpeg"},
		{"scan.TIFF", "", KindImage, ".tiff"},
		{"frame.raw", "", KindImage, ".raw"},
		{"bundle.Zip", "", KindArchive, ".zip"},
		{"noext", "image/png", KindImage, ".png"},
		{"noext", "application/x-zip-compressed", KindArchive, ".zip"},
		{"noext", "", KindReject, ""},
		{"notes.txt", "image/png", KindReject, ".txt"},
		{"photo.gif", "image/gif", KindReject, ".gif"},
	}
	for _, tc := range cases {
		kind, ext := Classify(tc.name, tc.contentType)
		require.Equal(t, tc.kind, kind, tc.name)
		require.Equal(t, tc.ext, ext, tc.name)
	}
}

func TestCleanName(t *testing.T) {
	require.Equal(t, "photo A.JPG", CleanName(`C:\Users\me\photo A.JPG`))
	require.Equal(t, "b.png", CleanName("dir/b.png"))
	require.Equal(t, "", CleanName("/"))
	// NFD "й" becomes the single NFC code point.
	require.Equal(t, "\u0439.jpg", CleanName("\u0438\u0306.jpg"))
}

func TestBatchRejectsOversizeUpload(t *testing.T) {
	p, store := newPipeline(t, 10)
	b, err := p.NewBatch()
	require.NoError(t, err)

	require.NoError(t, b.Add("a.jpg", "", strings.NewReader("12345")))
	err = b.Add("b.jpg", "", strings.NewReader("1234567890"))
	require.ErrorIs(t, err, ErrBatchTooLarge)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)

	require.NoError(t, b.Discard())
	require.Empty(t, dirNames(t, p.opts.StagingDir))
	ids, err := store.ListSessionIDs()
	require.NoError(t, err)
	require.Empty(t, ids)
}

func TestBatchCountsRejectedBytes(t *testing.T) {
	p, _ := newPipeline(t, 8)
	b, err := p.NewBatch()
	require.NoError(t, err)
	defer b.Discard()

	require.NoError(t, b.Add("readme.txt", "text/plain", strings.NewReader("hello")))
	require.Equal(t, 0, b.Len())
	require.Equal(t, []Rejection{{Name: "readme.txt", Reason: ErrUnsupportedFile.Error()}}, b.Rejected())
	require.Equal(t, []string{}, dirNames(t, b.Dir()))

	err = b.Add("a.png", "", strings.NewReader("world"))
	require.ErrorIs(t, err, ErrBatchTooLarge)
}

func TestExpandArchiveNestedAndLegacyNames(t *testing.T) {
	inner := buildZip(t,
		zipEntry{name: "deep.png", body: []byte("png")},
		zipEntry{name: "notes.txt", body: []byte("skip")},
	)
	legacy, err := charmap.CodePage866.NewEncoder().String("опора.jpg")
	require.NoError(t, err)
	outer := buildZip(t,
		zipEntry{name: "photos/", body: nil},
		zipEntry{name: "photos/a.JPG", body: []byte("a")},
		zipEntry{name: legacy, body: []byte("b"), nonUTF8: true},
		zipEntry{name: "__MACOSX/photos/._a.JPG", body: []byte("junk")},
		zipEntry{name: "inner.zip", body: inner},
	)

	dir := t.TempDir()
	src := filepath.Join(dir, "outer.zip")
	require.NoError(t, os.WriteFile(src, outer, 0o644))
	bud := newBudget(1 << 20)

	got, err := expandArchive(context.Background(), src, 3, filepath.Join(dir, "work"), bud)
	require.NoError(t, err)
	require.Len(t, got, 3)
	require.Equal(t, "photos/a.JPG", got[0].OriginalName)
	require.Equal(t, "опора.jpg", got[1].OriginalName)
	require.Equal(t, "inner.zip/deep.png", got[2].OriginalName)
	require.True(t, strings.HasPrefix(got[0].Handle, "000003-000000-"))
	require.True(t, strings.HasSuffix(got[0].Handle, ".jpg"))
	require.True(t, strings.HasPrefix(got[2].Handle, "000003-000002-"))

	for _, e := range got {
		_, err := os.Stat(e.Path)
		require.NoError(t, err)
	}
	// Only extracted images remain in the work dir.
	require.Len(t, dirNames(t, filepath.Join(dir, "work")), 3)
}

func TestExpandArchiveStopsAtMaxDepth(t *testing.T) {
	level := buildZip(t, zipEntry{name: "bottom.jpg", body: []byte("x")})
	for i := 0; i < MaxArchiveDepth; i++ {
		level = buildZip(t,
			zipEntry{name: "level.jpg", body: []byte("y")},
			zipEntry{name: "next.zip", body: level},
		)
	}
	dir := t.TempDir()
	src := filepath.Join(dir, "top.zip")
	require.NoError(t, os.WriteFile(src, level, 0o644))

	got, err := expandArchive(context.Background(), src, 0, filepath.Join(dir, "work"), newBudget(1<<20))
	require.NoError(t, err)
	names := make([]string, 0, len(got))
	for _, e := range got {
		names = append(names, e.OriginalName)
	}
	require.Equal(t, []string{
		"level.jpg",
		"next.zip/level.jpg",
		"next.zip/next.zip/level.jpg",
	}, names)
}

func TestExpandArchiveMalformed(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "broken.zip")
	require.NoError(t, os.WriteFile(src, []byte("definitely not a zip"), 0o644))
	work := filepath.Join(dir, "work")

	got, err := expandArchive(context.Background(), src, 0, work, newBudget(1<<20))
	require.Error(t, err)
	require.Nil(t, got)
	_, statErr := os.Stat(work)
	require.True(t, errors.Is(statErr, os.ErrNotExist))
}

func TestExpandArchiveBudgetReleasedOnFailure(t *testing.T) {
	body := bytes.Repeat([]byte("0"), 4096)
	archive := buildZip(t,
		zipEntry{name: "a.jpg", body: body},
		zipEntry{name: "b.jpg", body: body},
	)
	dir := t.TempDir()
	src := filepath.Join(dir, "bomb.zip")
	require.NoError(t, os.WriteFile(src, archive, 0o644))

	bud := newBudget(6000)
	require.NoError(t, bud.add(100))
	_, err := expandArchive(context.Background(), src, 0, filepath.Join(dir, "work"), bud)
	require.ErrorIs(t, err, ErrBatchTooLarge)
	require.Equal(t, int64(100), bud.Used())
}

func TestReconcileAssignsDenseNames(t *testing.T) {
	dir := t.TempDir()
	files := map[string]string{
		"000000-000000-aaaa.jpg": "first",
		"000001-000000-bbbb.png": "second",
		"000002-000000-cccc.jpg": "third",
		"stray.txt":              "drop me",
		sessionstore.ResultsFile: "",
	}
	for name, body := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644))
	}
	require.NoError(t, os.Mkdir(filepath.Join(dir, "leftover"), 0o755))

	rec, err := Reconcile(dir, []Provenance{
		{Handle: "000000-000000-aaaa.jpg", OriginalName: "IMG.jpg", Source: models.SourceDirect},
		{Handle: "000002-000000-cccc.jpg", OriginalName: "IMG.jpg", Source: models.SourceDirect},
	})
	require.NoError(t, err)

	require.ElementsMatch(t, []string{"0.jpg", "1.png", "2.jpg", sessionstore.ResultsFile}, dirNames(t, dir))
	require.ElementsMatch(t, []string{"stray.txt", "leftover"}, rec.Removed)
	require.Equal(t, map[string]string{
		"IMG.jpg":     "0.jpg",
		"1.png":       "1.png",
		"IMG (1).jpg": "2.jpg",
	}, rec.Mapping)

	data, err := os.ReadFile(filepath.Join(dir, "2.jpg"))
	require.NoError(t, err)
	require.Equal(t, "third", string(data))
	require.Equal(t, int64(len("third")), rec.Files[2].Size)
	require.Equal(t, models.SourceDirect, rec.Files[0].Source)
}

func TestReconcileDoesNotClobberExistingCanonicalNames(t *testing.T) {
	dir := t.TempDir()
	// "1.jpg" sorts first and must become 0.jpg while "2.jpg" becomes 1.jpg.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "1.jpg"), []byte("one"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "2.jpg"), []byte("two"), 0o644))

	rec, err := Reconcile(dir, nil)
	require.NoError(t, err)
	require.Len(t, rec.Files, 2)

	zero, err := os.ReadFile(filepath.Join(dir, "0.jpg"))
	require.NoError(t, err)
	one, err := os.ReadFile(filepath.Join(dir, "1.jpg"))
	require.NoError(t, err)
	require.Equal(t, "one", string(zero))
	require.Equal(t, "two", string(one))
}

func TestIngestZipAndDirectImage(t *testing.T) {
	p, store := newPipeline(t, 1<<20)
	archive := buildZip(t,
		zipEntry{name: "a.jpg", body: []byte("a")},
		zipEntry{name: "b.jpg", body: []byte("bb")},
		zipEntry{name: "c.jpg", body: []byte("ccc")},
	)
	b, err := p.NewBatch()
	require.NoError(t, err)
	require.NoError(t, b.Add("line.zip", "application/zip", bytes.NewReader(archive)))
	require.NoError(t, b.Add("tower.png", "image/png", strings.NewReader("pngdata")))

	res, err := p.Ingest(context.Background(), b)
	require.NoError(t, err)
	require.Equal(t, 4, res.TotalFiles)
	require.Empty(t, res.Rejected)

	files, err := store.ListFiles(res.SessionID)
	require.NoError(t, err)
	names := make([]string, 0, len(files))
	for _, f := range files {
		names = append(names, f.Name)
	}
	require.Equal(t, []string{"0.jpg", "1.jpg", "2.jpg", "3.png"}, names)

	meta, err := store.ReadMetadata(res.SessionID)
	require.NoError(t, err)
	require.Equal(t, map[string]string{
		"a.jpg":     "0.jpg",
		"b.jpg":     "1.jpg",
		"c.jpg":     "2.jpg",
		"tower.png": "3.png",
	}, meta.FilenameMapping)
	require.Equal(t, models.SourceArchive, meta.Files[0].Source)
	require.Equal(t, models.SourceDirect, meta.Files[3].Source)
	require.False(t, meta.UploadTime.IsZero())

	require.Empty(t, dirNames(t, p.opts.StagingDir))
	require.False(t, store.HasResults(res.SessionID))
}

func TestIngestKeepsDirectOriginalNames(t *testing.T) {
	p, store := newPipeline(t, 1<<20)
	b, err := p.NewBatch()
	require.NoError(t, err)
	require.NoError(t, b.Add("photo A.JPG", "image/jpeg", strings.NewReader("a")))
	require.NoError(t, b.Add("B.png", "image/png", strings.NewReader("b")))

	res, err := p.Ingest(context.Background(), b)
	require.NoError(t, err)

	meta, err := store.ReadMetadata(res.SessionID)
	require.NoError(t, err)
	require.Len(t, meta.FilenameMapping, 2)
	require.Equal(t, "0.jpg", meta.FilenameMapping["photo A.JPG"])
	require.Equal(t, "1.png", meta.FilenameMapping["B.png"])
}

func TestIngestTextOnlyBatchCreatesNoSession(t *testing.T) {
	p, store := newPipeline(t, 1<<20)
	b, err := p.NewBatch()
	require.NoError(t, err)
	require.NoError(t, b.Add("readme.txt", "text/plain", strings.NewReader("hello")))

	res, err := p.Ingest(context.Background(), b)
	require.ErrorIs(t, err, ErrNoSupportedFiles)
	require.Len(t, res.Rejected, 1)

	ids, err := store.ListSessionIDs()
	require.NoError(t, err)
	require.Empty(t, ids)
	require.Empty(t, dirNames(t, p.opts.StagingDir))
}

func TestIngestArchiveWithoutImagesFreesSession(t *testing.T) {
	p, store := newPipeline(t, 1<<20)
	b, err := p.NewBatch()
	require.NoError(t, err)
	require.NoError(t, b.Add("docs.zip", "", bytes.NewReader(buildZip(t, zipEntry{name: "a.txt", body: []byte("x")}))))

	_, err = p.Ingest(context.Background(), b)
	require.ErrorIs(t, err, ErrNoSupportedFiles)

	id, err := store.Create()
	require.NoError(t, err)
	require.Equal(t, int64(0), id)
}

func TestIngestDropsBrokenArchive(t *testing.T) {
	p, _ := newPipeline(t, 1<<20)
	b, err := p.NewBatch()
	require.NoError(t, err)
	require.NoError(t, b.Add("broken.zip", "", strings.NewReader("garbage")))
	require.NoError(t, b.Add("good.jpg", "", strings.NewReader("jpg")))
	require.NoError(t, b.Add("notes.txt", "", strings.NewReader("txt")))

	res, err := p.Ingest(context.Background(), b)
	require.NoError(t, err)
	require.Equal(t, 1, res.TotalFiles)
	require.Len(t, res.Rejected, 2)
	require.Equal(t, "notes.txt", res.Rejected[0].Name)
	require.Equal(t, "broken.zip", res.Rejected[1].Name)
	require.Contains(t, res.Rejected[1].Reason, "extract broken.zip")
	require.Equal(t, "0.jpg", res.Session.FilenameMapping["good.jpg"])
}

func TestCleanStagingRemovesStaleBatches(t *testing.T) {
	p, _ := newPipeline(t, 1<<20)
	stale, err := p.NewBatch()
	require.NoError(t, err)
	fresh, err := p.NewBatch()
	require.NoError(t, err)
	old := time.Now().Add(-48 * time.Hour)
	require.NoError(t, os.Chtimes(stale.Dir(), old, old))

	n, err := p.CleanStaging(24 * time.Hour)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, []string{filepath.Base(fresh.Dir())}, dirNames(t, p.opts.StagingDir))
}

func TestIngestArchiveOverCapRejectsBatch(t *testing.T) {
	p, store := newPipeline(t, 64<<10)
	b, err := p.NewBatch()
	require.NoError(t, err)
	// compresses to a few hundred bytes but expands past the cap
	bomb := buildZip(t, zipEntry{name: "big.jpg", body: bytes.Repeat([]byte{0}, 256<<10)})
	require.NoError(t, b.Add("bomb.zip", "", bytes.NewReader(bomb)))
	require.NoError(t, b.Add("ok.jpg", "", strings.NewReader("jpg")))

	res, err := p.Ingest(context.Background(), b)
	require.Nil(t, res)
	require.ErrorIs(t, err, ErrBatchTooLarge)
	var verr *ValidationError
	require.True(t, errors.As(err, &verr))

	ids, err := store.ListSessionIDs()
	require.NoError(t, err)
	require.Empty(t, ids)
	_, statErr := os.Stat(b.Dir())
	require.True(t, os.IsNotExist(statErr))
}

func TestIngestStoredArchiveUnderCap(t *testing.T) {
	p, _ := newPipeline(t, 1000)
	b, err := p.NewBatch()
	require.NoError(t, err)
	archive := buildZip(t, zipEntry{name: "a.jpg", body: bytes.Repeat([]byte("a"), 450), stored: true})
	require.Greater(t, len(archive), 450)
	require.NoError(t, b.Add("span.zip", "", bytes.NewReader(archive)))
	require.NoError(t, b.Add("tower.jpg", "", bytes.NewReader(bytes.Repeat([]byte("t"), 300))))
	require.Less(t, b.BytesUsed(), int64(1000))

	res, err := p.Ingest(context.Background(), b)
	require.NoError(t, err)
	require.Equal(t, 2, res.TotalFiles)
	require.Equal(t, int64(750), b.BytesUsed())
}
