package ingest

import (
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// staged is one accepted upload waiting in the batch staging directory.
type staged struct {
	Index        int
	OriginalName string
	Path         string
	Ext          string
	Kind         Kind
	Size         int64
}

// Batch collects the files of one upload request in a private staging
// directory while enforcing the aggregate size cap.
type Batch struct {
	dir      string
	budget   *budget
	files    []staged
	rejected []Rejection
	uploads  int
}

// NewBatch creates a staging directory for one upload under stagingRoot.
func NewBatch(stagingRoot string, limit int64) (*Batch, error) {
	if limit <= 0 {
		return nil, errors.New("batch size limit must be positive")
	}
	dir := filepath.Join(stagingRoot, "batch-"+uuid.NewString())
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create staging dir: %w", err)
	}
	return &Batch{dir: dir, budget: newBudget(limit)}, nil
}

// Dir returns the staging directory of the batch.
func (b *Batch) Dir() string { return b.dir }

// Len returns the number of accepted uploads (images and archives).
func (b *Batch) Len() int { return len(b.files) }

// Rejected returns the files refused so far.
func (b *Batch) Rejected() []Rejection { return b.rejected }

// BytesUsed returns the bytes counted against the cap so far.
func (b *Batch) BytesUsed() int64 { return b.budget.Used() }

// Add streams one uploaded file into staging. Unsupported files are drained
// without touching disk and recorded as rejected. Crossing the size cap
// returns a ValidationError wrapping ErrBatchTooLarge; the caller must then
// Discard the batch.
func (b *Batch) Add(name, contentType string, r io.Reader) error {
	idx := b.uploads
	b.uploads++

	original := CleanName(name)
	kind, ext := Classify(original, contentType)
	if kind == KindReject {
		if _, err := io.Copy(budgetWriter{b.budget}, r); err != nil {
			return err
		}
		b.rejected = append(b.rejected, Rejection{Name: original, Reason: ErrUnsupportedFile.Error()})
		return nil
	}

	handle := fmt.Sprintf("%06d-%06d-%s%s", idx, 0, uuid.NewString(), ext)
	dst := filepath.Join(b.dir, handle)
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o644)
	if err != nil {
		return fmt.Errorf("stage %s: %w", original, err)
	}
	n, err := io.Copy(io.MultiWriter(budgetWriter{b.budget}, out), r)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(dst)
		var verr *ValidationError
		if errors.As(err, &verr) {
			return err
		}
		return fmt.Errorf("stage %s: %w", original, err)
	}

	b.files = append(b.files, staged{
		Index:        idx,
		OriginalName: original,
		Path:         dst,
		Ext:          ext,
		Kind:         kind,
		Size:         n,
	})
	return nil
}

// AddMultipart stages every file part named field, in the order the client
// sent them. Other parts are skipped.
func (b *Batch) AddMultipart(mr *multipart.Reader, field string) error {
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read multipart: %w", err)
		}
		if part.FormName() != field || part.FileName() == "" {
			_ = part.Close()
			continue
		}
		err = b.Add(part.FileName(), part.Header.Get("Content-Type"), part)
		_ = part.Close()
		if err != nil {
			return err
		}
	}
}

// Discard removes everything staged for the batch.
func (b *Batch) Discard() error {
	b.files = nil
	if err := os.RemoveAll(b.dir); err != nil {
		return fmt.Errorf("remove staging dir: %w", err)
	}
	return nil
}
