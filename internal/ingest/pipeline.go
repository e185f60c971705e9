package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"lineinspect/internal/models"
	"lineinspect/internal/sessionstore"
)

const defaultConcurrency = 4

// Options configures a Pipeline.
type Options struct {
	StagingDir    string
	MaxBatchBytes int64
	Concurrency   int
}

// Pipeline turns staged batches into sessions.
type Pipeline struct {
	store  *sessionstore.Store
	opts   Options
	logger *slog.Logger
	now    func() time.Time
}

// Result is what the upload endpoint reports back.
type Result struct {
	SessionID  int64           `json:"sessionId"`
	TotalFiles int             `json:"totalFiles"`
	Rejected   []Rejection     `json:"rejected"`
	Session    *models.Session `json:"-"`
}

func NewPipeline(store *sessionstore.Store, opts Options, logger *slog.Logger) (*Pipeline, error) {
	if store == nil {
		return nil, errors.New("session store is required")
	}
	if opts.StagingDir == "" {
		return nil, errors.New("staging dir is required")
	}
	if opts.MaxBatchBytes <= 0 {
		return nil, errors.New("max batch bytes must be positive")
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = defaultConcurrency
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if err := os.MkdirAll(opts.StagingDir, 0o755); err != nil {
		return nil, fmt.Errorf("create staging dir: %w", err)
	}
	return &Pipeline{store: store, opts: opts, logger: logger, now: time.Now}, nil
}

// NewBatch opens a staging area for one upload request.
func (p *Pipeline) NewBatch() (*Batch, error) {
	return NewBatch(p.opts.StagingDir, p.opts.MaxBatchBytes)
}

// Ingest creates a session from a staged batch: images are moved and archives
// expanded concurrently, then the reconciler assigns canonical names once all
// of that work has settled, and metadata is persisted. The batch is always
// discarded. When nothing survives, the session is removed again and a
// ValidationError wrapping ErrNoSupportedFiles is returned together with a
// Result carrying only the rejections.
func (p *Pipeline) Ingest(ctx context.Context, b *Batch) (*Result, error) {
	defer func() {
		if err := b.Discard(); err != nil {
			p.logger.Warn("discard staging failed", "dir", b.Dir(), "error", err)
		}
	}()

	rejected := append([]Rejection{}, b.Rejected()...)
	if b.Len() == 0 {
		return &Result{SessionID: -1, Rejected: rejected}, &ValidationError{Err: ErrNoSupportedFiles}
	}

	id, err := p.store.Create()
	if err != nil {
		return nil, err
	}
	uploadTime := p.now().UTC()
	dir := p.store.Dir(id)
	logger := p.logger.With("session_id", id)

	var (
		mu         sync.Mutex
		provenance []Provenance
		ioErr      error
		wg         sync.WaitGroup
	)
	extractErrs := make([]error, len(b.files))
	sem := make(chan struct{}, p.opts.Concurrency)

	for i, f := range b.files {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int, f staged) {
			defer wg.Done()
			defer func() { <-sem }()

			switch f.Kind {
			case KindImage:
				handle := filepath.Base(f.Path)
				if err := moveFile(f.Path, filepath.Join(dir, handle)); err != nil {
					mu.Lock()
					ioErr = errors.Join(ioErr, err)
					mu.Unlock()
					return
				}
				mu.Lock()
				provenance = append(provenance, Provenance{
					Handle:       handle,
					OriginalName: f.OriginalName,
					Source:       models.SourceDirect,
				})
				mu.Unlock()
			case KindArchive:
				// extracted bytes take the place of the compressed ones
				b.budget.release(f.Size)
				workDir := filepath.Join(b.Dir(), fmt.Sprintf("work-%06d", f.Index))
				entries, err := expandArchive(ctx, f.Path, f.Index, workDir, b.budget)
				_ = os.Remove(f.Path)
				if err != nil {
					extractErrs[i] = &ExtractionError{Archive: f.OriginalName, Err: err}
					return
				}
				local := make([]Provenance, 0, len(entries))
				for _, e := range entries {
					if err := moveFile(e.Path, filepath.Join(dir, e.Handle)); err != nil {
						mu.Lock()
						ioErr = errors.Join(ioErr, err)
						mu.Unlock()
						return
					}
					local = append(local, Provenance{
						Handle:       e.Handle,
						OriginalName: e.OriginalName,
						Source:       models.SourceArchive,
						Archive:      f.OriginalName,
					})
				}
				_ = os.RemoveAll(workDir)
				mu.Lock()
				provenance = append(provenance, local...)
				mu.Unlock()
			}
		}(i, f)
	}
	wg.Wait()

	for _, err := range extractErrs {
		if err == nil {
			continue
		}
		// the cap and cancellation fail the whole batch, not just the archive
		var verr *ValidationError
		if errors.As(err, &verr) {
			p.discardSession(logger, id)
			return nil, verr
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			p.discardSession(logger, id)
			return nil, err
		}
		var xerr *ExtractionError
		if errors.As(err, &xerr) {
			logger.Warn("archive dropped", "archive", xerr.Archive, "error", xerr.Err)
			rejected = append(rejected, Rejection{Name: xerr.Archive, Reason: xerr.Error()})
		}
	}
	if ioErr != nil {
		p.discardSession(logger, id)
		return nil, fmt.Errorf("populate session %d: %w", id, ioErr)
	}

	rec, err := Reconcile(dir, provenance)
	if err != nil {
		p.discardSession(logger, id)
		return nil, err
	}
	if len(rec.Files) == 0 {
		p.discardSession(logger, id)
		return &Result{SessionID: -1, Rejected: rejected}, &ValidationError{Err: ErrNoSupportedFiles}
	}

	meta := models.Metadata{
		FilenameMapping: rec.Mapping,
		UploadTime:      uploadTime,
		Files:           rec.Files,
	}
	if err := p.store.WriteMetadata(id, meta); err != nil {
		p.discardSession(logger, id)
		return nil, err
	}

	logger.Info("session created", "files", len(rec.Files), "rejected", len(rejected))
	return &Result{
		SessionID:  id,
		TotalFiles: len(rec.Files),
		Rejected:   rejected,
		Session: &models.Session{
			ID:              id,
			Files:           rec.Files,
			FilenameMapping: rec.Mapping,
			UploadTime:      uploadTime,
		},
	}, nil
}

func (p *Pipeline) discardSession(logger *slog.Logger, id int64) {
	if err := p.store.Discard(id); err != nil {
		logger.Error("discard session failed", "error", err)
	}
}

// moveFile renames src to dst, copying when the staging area and the
// sessions root live on different devices.
func moveFile(src, dst string) error {
	err := os.Rename(src, dst)
	if err == nil {
		return nil
	}
	var linkErr *os.LinkError
	if !errors.As(err, &linkErr) || !errors.Is(linkErr.Err, syscall.EXDEV) {
		return fmt.Errorf("move %s: %w", filepath.Base(src), err)
	}
	if err := copyFile(src, dst); err != nil {
		_ = os.Remove(dst)
		return fmt.Errorf("copy %s across devices: %w", filepath.Base(src), err)
	}
	return os.Remove(src)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Close()
}
