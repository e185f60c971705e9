// Package catalog indexes sessions and their analysis progress in SQL so the
// service can list sessions and resume unfinished dispatches after a restart.
package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"lineinspect/internal/models"
)

var ErrNotFound = errors.New("session not in catalog")

type Service struct {
	db *sql.DB
}

func NewService(db *sql.DB) *Service {
	return &Service{db: db}
}

// RecordSession stores a freshly ingested session and its files. A stale row
// left by a previous session with the same id is replaced.
func (s *Service) RecordSession(ctx context.Context, session *models.Session) error {
	if session == nil {
		return errors.New("session is required")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin record session: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM session_files WHERE session_id = ?`, session.ID); err != nil {
		return fmt.Errorf("clear session files: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, session.ID); err != nil {
		return fmt.Errorf("clear session: %w", err)
	}
	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO sessions (id, upload_time, total_files, total_bytes, analysis_status, dispatch_attempts, last_error, updated_at)
		 VALUES (?, ?, ?, ?, ?, 0, '', ?)`,
		session.ID, session.UploadTime.UTC(), len(session.Files), session.TotalBytes(), string(models.StatusPending), now,
	); err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	for _, f := range session.Files {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO session_files (session_id, canonical_name, original_name, size, extension, source) VALUES (?, ?, ?, ?, ?, ?)`,
			session.ID, f.Name, f.OriginalName, f.Size, f.Extension, string(f.Source),
		); err != nil {
			return fmt.Errorf("insert session file %s: %w", f.Name, err)
		}
	}
	return tx.Commit()
}

const selectSession = `SELECT id, upload_time, total_files, total_bytes, analysis_status, dispatch_attempts, last_error, updated_at FROM sessions`

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (models.SessionRecord, error) {
	var (
		rec    models.SessionRecord
		status string
	)
	err := row.Scan(&rec.ID, &rec.UploadTime, &rec.TotalFiles, &rec.TotalBytes, &status, &rec.DispatchAttempts, &rec.LastError, &rec.UpdatedAt)
	rec.AnalysisStatus = models.AnalysisStatus(status)
	return rec, err
}

// ListSessions returns the most recent sessions first. A non-positive limit
// returns all of them.
func (s *Service) ListSessions(ctx context.Context, limit int) ([]models.SessionRecord, error) {
	query := selectSession + ` ORDER BY upload_time DESC, id DESC`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var records []models.SessionRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func (s *Service) GetSession(ctx context.Context, id int64) (*models.SessionRecord, error) {
	rec, err := scanRecord(s.db.QueryRowContext(ctx, selectSession+` WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get session: %w", err)
	}
	return &rec, nil
}

// Files returns the catalogued files of a session in canonical order.
func (s *Service) Files(ctx context.Context, id int64) ([]models.FileInfo, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT canonical_name, original_name, size, extension, source FROM session_files WHERE session_id = ?`,
		id,
	)
	if err != nil {
		return nil, fmt.Errorf("list session files: %w", err)
	}
	defer rows.Close()

	var files []models.FileInfo
	for rows.Next() {
		var (
			f      models.FileInfo
			source string
		)
		if err := rows.Scan(&f.Name, &f.OriginalName, &f.Size, &f.Extension, &source); err != nil {
			return nil, fmt.Errorf("scan session file: %w", err)
		}
		f.Source = models.Source(source)
		files = append(files, f)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sortCanonical(files)
	return files, nil
}

// Unfinished returns sessions whose analysis has not completed or failed.
func (s *Service) Unfinished(ctx context.Context) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM sessions WHERE analysis_status IN (?, ?, ?) ORDER BY id`,
		string(models.StatusPending), string(models.StatusDispatched), string(models.StatusProcessing),
	)
	if err != nil {
		return nil, fmt.Errorf("list unfinished sessions: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan session id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// MarkDispatched records a successful notification after attempts tries.
func (s *Service) MarkDispatched(ctx context.Context, id int64, attempts int) error {
	return s.update(ctx, id, models.StatusDispatched, attempts, "")
}

// MarkFailed records a dispatch that ran out of attempts.
func (s *Service) MarkFailed(ctx context.Context, id int64, attempts int, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	return s.update(ctx, id, models.StatusFailed, attempts, msg)
}

func (s *Service) MarkCompleted(ctx context.Context, id int64) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET analysis_status = ?, last_error = '', updated_at = ? WHERE id = ?`,
		string(models.StatusCompleted), now, id,
	)
	if err != nil {
		return fmt.Errorf("mark completed: %w", err)
	}
	return requireRow(res)
}

func (s *Service) update(ctx context.Context, id int64, status models.AnalysisStatus, attempts int, lastErr string) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET analysis_status = ?, dispatch_attempts = ?, last_error = ?, updated_at = ? WHERE id = ?`,
		string(status), attempts, lastErr, now, id,
	)
	if err != nil {
		return fmt.Errorf("update session %d: %w", id, err)
	}
	return requireRow(res)
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func sortCanonical(files []models.FileInfo) {
	index := func(name string) int {
		n, err := strconv.Atoi(strings.TrimSuffix(name, filepath.Ext(name)))
		if err != nil {
			return int(^uint(0) >> 1)
		}
		return n
	}
	sort.SliceStable(files, func(i, j int) bool {
		return index(files[i].Name) < index(files[j].Name)
	})
}
