package catalog

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"lineinspect/internal/config"
	"lineinspect/internal/models"
	"lineinspect/internal/storage"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	cfg := &config.Config{
		Databases: map[string]config.DatabaseConfig{
			"sqlite3": {DSN: ":memory:"},
		},
	}
	db, err := storage.Open("sqlite3", cfg)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := storage.Migrate(db, "sqlite3"); err != nil {
		t.Fatalf("migrate db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func testSession(id int64, uploaded time.Time) *models.Session {
	return &models.Session{
		ID:         id,
		UploadTime: uploaded,
		Files: []models.FileInfo{
			{Name: "10.jpg", Size: 30, Extension: ".jpg", OriginalName: "k.jpg", Source: models.SourceDirect},
			{Name: "0.jpg", Size: 10, Extension: ".jpg", OriginalName: "a.jpg", Source: models.SourceArchive},
			{Name: "1.png", Size: 20, Extension: ".png", OriginalName: "b.png", Source: models.SourceDirect},
		},
		FilenameMapping: map[string]string{"a.jpg": "0.jpg", "b.png": "1.png", "k.jpg": "10.jpg"},
	}
}

func TestRecordAndGetSession(t *testing.T) {
	ctx := context.Background()
	svc := NewService(openTestDB(t))
	uploaded := time.Date(2025, 3, 1, 9, 30, 0, 0, time.UTC)
	require.NoError(t, svc.RecordSession(ctx, testSession(4, uploaded)))

	rec, err := svc.GetSession(ctx, 4)
	require.NoError(t, err)
	require.Equal(t, int64(4), rec.ID)
	require.Equal(t, 3, rec.TotalFiles)
	require.Equal(t, int64(60), rec.TotalBytes)
	require.Equal(t, models.StatusPending, rec.AnalysisStatus)
	require.True(t, rec.UploadTime.Equal(uploaded))

	files, err := svc.Files(ctx, 4)
	require.NoError(t, err)
	require.Len(t, files, 3)
	require.Equal(t, "0.jpg", files[0].Name)
	require.Equal(t, "1.png", files[1].Name)
	require.Equal(t, "10.jpg", files[2].Name)
	require.Equal(t, models.SourceArchive, files[0].Source)

	_, err = svc.GetSession(ctx, 99)
	require.True(t, errors.Is(err, ErrNotFound))
}

func TestRecordSessionReplacesStaleRow(t *testing.T) {
	ctx := context.Background()
	svc := NewService(openTestDB(t))
	require.NoError(t, svc.RecordSession(ctx, testSession(1, time.Now())))
	require.NoError(t, svc.MarkFailed(ctx, 1, 5, errors.New("boom")))

	fresh := &models.Session{ID: 1, UploadTime: time.Now(), Files: []models.FileInfo{{Name: "0.raw", Size: 1, Extension: ".raw"}}}
	require.NoError(t, svc.RecordSession(ctx, fresh))

	rec, err := svc.GetSession(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, models.StatusPending, rec.AnalysisStatus)
	require.Equal(t, 1, rec.TotalFiles)
	require.Empty(t, rec.LastError)

	files, err := svc.Files(ctx, 1)
	require.NoError(t, err)
	require.Len(t, files, 1)
}

func TestStatusTransitionsAndUnfinished(t *testing.T) {
	ctx := context.Background()
	svc := NewService(openTestDB(t))
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	for id := int64(0); id < 4; id++ {
		require.NoError(t, svc.RecordSession(ctx, testSession(id, base.Add(time.Duration(id)*time.Hour))))
	}
	require.NoError(t, svc.MarkDispatched(ctx, 1, 2))
	require.NoError(t, svc.MarkFailed(ctx, 2, 5, errors.New("collaborator down")))
	require.NoError(t, svc.MarkCompleted(ctx, 3))

	rec, err := svc.GetSession(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, models.StatusDispatched, rec.AnalysisStatus)
	require.Equal(t, 2, rec.DispatchAttempts)

	rec, err = svc.GetSession(ctx, 2)
	require.NoError(t, err)
	require.Equal(t, models.StatusFailed, rec.AnalysisStatus)
	require.Equal(t, "collaborator down", rec.LastError)

	ids, err := svc.Unfinished(ctx)
	require.NoError(t, err)
	require.Equal(t, []int64{0, 1}, ids)

	require.ErrorIs(t, svc.MarkCompleted(ctx, 42), ErrNotFound)
}

func TestListSessionsNewestFirst(t *testing.T) {
	ctx := context.Background()
	svc := NewService(openTestDB(t))
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	for id := int64(0); id < 3; id++ {
		require.NoError(t, svc.RecordSession(ctx, testSession(id, base.Add(time.Duration(id)*time.Minute))))
	}

	all, err := svc.ListSessions(ctx, 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	require.Equal(t, int64(2), all[0].ID)

	limited, err := svc.ListSessions(ctx, 2)
	require.NoError(t, err)
	require.Len(t, limited, 2)
	require.Equal(t, int64(1), limited[1].ID)
}
