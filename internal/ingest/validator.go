package ingest

import (
	"errors"
	"fmt"
	"mime"
	"path"
	"path/filepath"
	"strings"
	"sync/atomic"

	"github.com/dustin/go-humanize"
	"golang.org/x/text/unicode/norm"

	"lineinspect/internal/models"
)

// Kind is the validator's verdict for one candidate file.
type Kind int

const (
	KindReject Kind = iota
	KindImage
	KindArchive
)

func (k Kind) String() string {
	switch k {
	case KindImage:
		return "image"
	case KindArchive:
		return "archive"
	default:
		return "reject"
	}
}

var (
	ErrBatchTooLarge    = errors.New("upload batch exceeds the size limit")
	ErrNoSupportedFiles = errors.New("no supported image files in upload")
	ErrUnsupportedFile  = errors.New("unsupported file type")
)

// ValidationError is a user-correctable problem with the uploaded batch.
type ValidationError struct {
	Name string
	Err  error
}

func (e *ValidationError) Error() string {
	if e.Name == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s: %v", e.Name, e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// ExtractionError reports an archive whose contents were dropped.
type ExtractionError struct {
	Archive string
	Err     error
}

func (e *ExtractionError) Error() string {
	return fmt.Sprintf("extract %s: %v", e.Archive, e.Err)
}

func (e *ExtractionError) Unwrap() error { return e.Err }

// Rejection is one file left out of the session, reported back to the client.
type Rejection struct {
	Name   string `json:"name"`
	Reason string `json:"reason"`
}

var mimeExts = map[string]string{
	"image/jpeg":                   ".jpg",
	"image/jpg":                    ".jpg",
	"image/png":                    ".png",
	"image/tiff":                   ".tiff",
	"application/zip":              ".zip",
	"application/x-zip-compressed": ".zip",
}

// Classify decides whether a candidate file is an image, an archive or a
// reject. The extension wins; the declared content type is only consulted for
// names without one. The returned extension is lower-cased.
func Classify(name, contentType string) (Kind, string) {
	ext := strings.ToLower(filepath.Ext(name))
	if ext == "" && contentType != "" {
		if mt, _, err := mime.ParseMediaType(contentType); err == nil {
			ext = mimeExts[strings.ToLower(mt)]
		}
	}
	switch {
	case models.IsImageExt(ext):
		return KindImage, ext
	case models.IsArchiveExt(ext):
		return KindArchive, ext
	default:
		return KindReject, ext
	}
}

// CleanName reduces a client supplied name to its base name in NFC form.
// Browsers on Windows sometimes send full paths with backslashes.
func CleanName(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	name = path.Base(strings.TrimSpace(name))
	if name == "." || name == "/" {
		return ""
	}
	return norm.NFC.String(name)
}

// budget tracks the aggregate byte count of a batch. Direct uploads and
// archive extraction share it, so it is safe for concurrent use.
type budget struct {
	limit int64
	used  atomic.Int64
}

func newBudget(limit int64) *budget {
	return &budget{limit: limit}
}

func (b *budget) add(n int64) error {
	if b.used.Add(n) > b.limit {
		return &ValidationError{Err: fmt.Errorf("%w (limit %s)", ErrBatchTooLarge, humanize.IBytes(uint64(b.limit)))}
	}
	return nil
}

// release returns bytes that were counted but not kept.
func (b *budget) release(n int64) {
	b.used.Add(-n)
}

func (b *budget) Used() int64 { return b.used.Load() }

// budgetWriter fails the write that pushes the batch over its limit.
type budgetWriter struct {
	b *budget
}

func (w budgetWriter) Write(p []byte) (int, error) {
	if err := w.b.add(int64(len(p))); err != nil {
		return 0, err
	}
	return len(p), nil
}
