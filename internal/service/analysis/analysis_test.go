package analysis

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"lineinspect/internal/models"
	"lineinspect/internal/service/ai"
	"lineinspect/internal/sessionstore"
)

type fakeCollaborator struct {
	status      map[string]any
	statusErr   error
	statusCalls int
	results     json.RawMessage
	resultsErr  error
	seg         map[string]any
	segErr      error
}

func (f *fakeCollaborator) Status(ctx context.Context, id int64) (map[string]any, error) {
	f.statusCalls++
	return f.status, f.statusErr
}

func (f *fakeCollaborator) Results(ctx context.Context, id int64) (json.RawMessage, error) {
	return f.results, f.resultsErr
}

func (f *fakeCollaborator) SegmentationStatus(ctx context.Context, id int64) (map[string]any, error) {
	return f.seg, f.segErr
}

type memoryCache struct {
	docs map[int64]map[string]any
}

func (m *memoryCache) LoadStatus(ctx context.Context, id int64) (map[string]any, bool) {
	doc, ok := m.docs[id]
	return doc, ok
}

func (m *memoryCache) StoreStatus(ctx context.Context, id int64, doc map[string]any) error {
	m.docs[id] = doc
	return nil
}

func newSession(t *testing.T) (*sessionstore.Store, int64) {
	t.Helper()
	store, err := sessionstore.New(t.TempDir())
	require.NoError(t, err)
	id, err := store.Create()
	require.NoError(t, err)
	return store, id
}

func TestStatusUnknownSession(t *testing.T) {
	store, _ := newSession(t)
	svc := NewService(store, &fakeCollaborator{}, nil, nil)
	_, err := svc.Status(context.Background(), 99)
	require.ErrorIs(t, err, sessionstore.ErrSessionNotFound)
}

func TestStatusLocalResultsWin(t *testing.T) {
	store, id := newSession(t)
	_, err := store.WriteResultsOnce(id, []byte(`{"detections":{}}`))
	require.NoError(t, err)
	collab := &fakeCollaborator{status: map[string]any{"status": "processing"}}

	doc, err := NewService(store, collab, nil, nil).Status(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, "completed", doc["status"])
	require.Zero(t, collab.statusCalls)
}

func TestStatusDegradesOnCollaboratorErrors(t *testing.T) {
	store, id := newSession(t)
	ctx := context.Background()

	notFound := &fakeCollaborator{statusErr: &ai.StatusError{Op: "status", StatusCode: 404}}
	doc, err := NewService(store, notFound, nil, nil).Status(ctx, id)
	require.NoError(t, err)
	require.Equal(t, "pending", doc["status"])

	down := &fakeCollaborator{statusErr: ai.ErrUnavailable}
	doc, err = NewService(store, down, nil, nil).Status(ctx, id)
	require.NoError(t, err)
	require.Equal(t, "processing", doc["status"])
}

func TestStatusPassesThroughAndCaches(t *testing.T) {
	store, id := newSession(t)
	collab := &fakeCollaborator{status: map[string]any{"status": "processing", "progress": 40.0}}
	cache := &memoryCache{docs: map[int64]map[string]any{}}
	svc := NewService(store, collab, cache, nil)

	for i := 0; i < 2; i++ {
		doc, err := svc.Status(context.Background(), id)
		require.NoError(t, err)
		require.Equal(t, 40.0, doc["progress"])
	}
	require.Equal(t, 1, collab.statusCalls)
}

func TestResultsFallbacks(t *testing.T) {
	store, id := newSession(t)
	ctx := context.Background()

	_, err := NewService(store, &fakeCollaborator{resultsErr: ai.ErrUnavailable}, nil, nil).Results(ctx, id)
	require.ErrorIs(t, err, ErrResultsNotAvailable)

	remote := json.RawMessage(`{"detections":{"0.jpg":[]}}`)
	got, err := NewService(store, &fakeCollaborator{results: remote}, nil, nil).Results(ctx, id)
	require.NoError(t, err)
	require.JSONEq(t, string(remote), string(got))

	_, err = store.WriteResultsOnce(id, []byte(`{"detections":{}}`))
	require.NoError(t, err)
	got, err = NewService(store, &fakeCollaborator{results: remote}, nil, nil).Results(ctx, id)
	require.NoError(t, err)
	require.JSONEq(t, `{"detections":{}}`, string(got))

	_, err = NewService(store, &fakeCollaborator{}, nil, nil).Results(ctx, 42)
	require.ErrorIs(t, err, sessionstore.ErrSessionNotFound)
}

func TestStoredResultsSurviveCollaboratorOutage(t *testing.T) {
	store, id := newSession(t)
	ctx := context.Background()
	stored := `{"detections":{"0.jpg":[{"class":"insulator","confidence":0.9,"bbox":[0,0,1,1]}]}}`
	_, err := store.WriteResultsOnce(id, []byte(stored))
	require.NoError(t, err)

	down := &fakeCollaborator{
		statusErr:  ai.ErrUnavailable,
		resultsErr: ai.ErrUnavailable,
	}
	svc := NewService(store, down, nil, nil)
	for i := 0; i < 2; i++ {
		got, err := svc.Results(ctx, id)
		require.NoError(t, err)
		require.JSONEq(t, stored, string(got))
	}
	doc, err := svc.Status(ctx, id)
	require.NoError(t, err)
	require.Equal(t, "completed", doc["status"])
	require.Zero(t, down.statusCalls)
}

func TestSegmentationStatus(t *testing.T) {
	store, id := newSession(t)
	ctx := context.Background()

	doc, err := NewService(store, &fakeCollaborator{segErr: errors.New("boom")}, nil, nil).SegmentationStatus(ctx, id)
	require.NoError(t, err)
	require.Equal(t, "processing", doc["status"])

	doc, err = NewService(store, &fakeCollaborator{seg: map[string]any{"status": "done"}}, nil, nil).SegmentationStatus(ctx, id)
	require.NoError(t, err)
	require.Equal(t, "done", doc["status"])
}

func TestSummaryReattachesOriginalNames(t *testing.T) {
	store, id := newSession(t)
	dir := store.Dir(id)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "0.jpg"), []byte("aaaa"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "1.png"), []byte("bb"), 0o644))
	require.NoError(t, store.WriteMetadata(id, models.Metadata{
		FilenameMapping: map[string]string{"tower/north.jpg": "0.jpg", "span.png": "1.png"},
		UploadTime:      time.Now().UTC(),
	}))
	_, err := store.WriteResultsOnce(id, []byte(`{"detections":{
		"0.jpg":[{"class":"insulator","confidence":0.9,"bbox":[0,0,1,1]},{"class":"nest","confidence":0.7,"bbox":[1,1,2,2]}],
		"1.png":[{"class":"insulator","confidence":0.8,"bbox":[0,0,1,1]}]
	}}`))
	require.NoError(t, err)

	summary, err := NewService(store, &fakeCollaborator{}, nil, nil).Summary(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, 2, summary.TotalImages)
	require.Equal(t, 3, summary.TotalObjects)
	require.Equal(t, int64(6), summary.TotalBytes)
	require.Equal(t, map[string]int{"insulator": 2, "nest": 1}, summary.Classes)
	require.Len(t, summary.Images, 2)
	require.Equal(t, "tower/north.jpg", summary.Images[0].OriginalName)
	require.Equal(t, 2, summary.Images[0].Objects)
	require.Equal(t, "span.png", summary.Images[1].OriginalName)
}

func TestSummaryWithoutResults(t *testing.T) {
	store, id := newSession(t)
	require.NoError(t, store.WriteMetadata(id, models.Metadata{UploadTime: time.Now().UTC()}))
	_, err := NewService(store, &fakeCollaborator{resultsErr: ai.ErrNotFound}, nil, nil).Summary(context.Background(), id)
	require.ErrorIs(t, err, ErrResultsNotAvailable)
}
