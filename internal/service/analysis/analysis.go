// Package analysis answers status and results queries for a session, falling
// back from the local results slot to the AI service.
package analysis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"

	"lineinspect/internal/models"
	"lineinspect/internal/service/ai"
	"lineinspect/internal/sessionstore"
)

var ErrResultsNotAvailable = errors.New("analysis results not available")

// Collaborator is the read side of the AI service.
type Collaborator interface {
	Status(ctx context.Context, sessionID int64) (map[string]any, error)
	Results(ctx context.Context, sessionID int64) (json.RawMessage, error)
	SegmentationStatus(ctx context.Context, sessionID int64) (map[string]any, error)
}

// StatusCache holds recent collaborator status answers.
type StatusCache interface {
	LoadStatus(ctx context.Context, sessionID int64) (map[string]any, bool)
	StoreStatus(ctx context.Context, sessionID int64, status map[string]any) error
}

type Service struct {
	store  *sessionstore.Store
	ai     Collaborator
	cache  StatusCache
	logger *slog.Logger
}

// NewService builds the query service. cache may be nil.
func NewService(store *sessionstore.Store, collaborator Collaborator, cache StatusCache, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Service{store: store, ai: collaborator, cache: cache, logger: logger}
}

// Status reports analysis progress. Local results win; otherwise the
// collaborator answer is passed through, degraded to pending when it does not
// know the session and to processing when it cannot be reached.
func (s *Service) Status(ctx context.Context, sessionID int64) (map[string]any, error) {
	if !s.store.Exists(sessionID) {
		return nil, sessionstore.ErrSessionNotFound
	}
	if s.store.HasResults(sessionID) {
		return statusDoc(models.StatusCompleted), nil
	}
	if s.cache != nil {
		if cached, ok := s.cache.LoadStatus(ctx, sessionID); ok {
			return cached, nil
		}
	}

	doc, err := s.ai.Status(ctx, sessionID)
	switch {
	case err == nil:
		if doc == nil {
			doc = statusDoc(models.StatusProcessing)
		}
		if s.cache != nil {
			if err := s.cache.StoreStatus(ctx, sessionID, doc); err != nil {
				s.logger.Debug("cache status failed", "session_id", sessionID, "error", err)
			}
		}
		return doc, nil
	case errors.Is(err, ai.ErrNotFound):
		return statusDoc(models.StatusPending), nil
	default:
		s.logger.Warn("status query failed", "session_id", sessionID, "error", err)
		return statusDoc(models.StatusProcessing), nil
	}
}

// Results returns the stored results verbatim, or the collaborator's copy.
func (s *Service) Results(ctx context.Context, sessionID int64) (json.RawMessage, error) {
	data, err := s.store.ReadResults(sessionID)
	if err == nil {
		return data, nil
	}
	if !errors.Is(err, sessionstore.ErrResultsPending) {
		return nil, err
	}
	remote, err := s.ai.Results(ctx, sessionID)
	if err != nil {
		s.logger.Debug("remote results unavailable", "session_id", sessionID, "error", err)
		return nil, ErrResultsNotAvailable
	}
	if len(remote) == 0 || !json.Valid(remote) {
		return nil, ErrResultsNotAvailable
	}
	return remote, nil
}

func (s *Service) SegmentationStatus(ctx context.Context, sessionID int64) (map[string]any, error) {
	if !s.store.Exists(sessionID) {
		return nil, sessionstore.ErrSessionNotFound
	}
	doc, err := s.ai.SegmentationStatus(ctx, sessionID)
	if err != nil || doc == nil {
		if err != nil {
			s.logger.Debug("segmentation status failed", "session_id", sessionID, "error", err)
		}
		return statusDoc(models.StatusProcessing), nil
	}
	return doc, nil
}

// Summary counts detections per image and class, naming each image by what
// the user uploaded.
func (s *Service) Summary(ctx context.Context, sessionID int64) (*models.SessionSummary, error) {
	session, err := s.store.Load(sessionID)
	if err != nil {
		return nil, err
	}
	raw, err := s.Results(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	var results models.Results
	if err := json.Unmarshal(raw, &results); err != nil {
		return nil, fmt.Errorf("decode results of session %d: %w", sessionID, err)
	}
	return summarize(session, &results), nil
}

func summarize(session *models.Session, results *models.Results) *models.SessionSummary {
	originals := make(map[string]string, len(session.FilenameMapping))
	for original, canonical := range session.FilenameMapping {
		originals[canonical] = original
	}

	summary := &models.SessionSummary{
		SessionID:   session.ID,
		TotalImages: len(session.Files),
		TotalBytes:  session.TotalBytes(),
		Classes:     make(map[string]int),
		Images:      make([]models.ImageSummary, 0, len(session.Files)),
	}
	seen := make(map[string]bool, len(session.Files))
	for _, f := range session.Files {
		seen[f.Name] = true
		summary.Images = append(summary.Images, imageSummary(f.Name, originalName(f, originals), results.Detections[f.Name]))
	}
	// detections for files not in the listing still count
	var extra []string
	for name := range results.Detections {
		if !seen[name] {
			extra = append(extra, name)
		}
	}
	sort.Strings(extra)
	for _, name := range extra {
		summary.Images = append(summary.Images, imageSummary(name, originals[name], results.Detections[name]))
	}

	for _, img := range summary.Images {
		summary.TotalObjects += img.Objects
		for class, n := range img.Classes {
			summary.Classes[class] += n
		}
	}
	return summary
}

func imageSummary(name, original string, detections []models.Detection) models.ImageSummary {
	if original == "" {
		original = name
	}
	img := models.ImageSummary{
		Name:         name,
		OriginalName: original,
		Objects:      len(detections),
		Classes:      make(map[string]int),
	}
	for _, d := range detections {
		img.Classes[d.Class]++
	}
	return img
}

func originalName(f models.FileInfo, originals map[string]string) string {
	if f.OriginalName != "" {
		return f.OriginalName
	}
	return originals[f.Name]
}

func statusDoc(status models.AnalysisStatus) map[string]any {
	return map[string]any{"status": string(status)}
}
