// Package sessionstore keeps one directory per upload session: canonical image
// files, metadata.json and the results.json slot written by the analysis path.
package sessionstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/gofrs/flock"

	"lineinspect/internal/models"
)

const (
	MetadataFile = "metadata.json"
	ResultsFile  = "results.json"
	lockFile     = ".lock"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrFileNotFound    = errors.New("file not found")
	ErrResultsPending  = errors.New("results not yet available")
)

// IsNotFound reports whether err means a session or file does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrSessionNotFound) || errors.Is(err, ErrFileNotFound)
}

// IsReserved reports whether name is a bookkeeping file rather than an image.
func IsReserved(name string) bool {
	return name == MetadataFile || name == ResultsFile || strings.HasPrefix(name, ".")
}

// Store is the on-disk session repository rooted at one directory.
type Store struct {
	root string

	mu   sync.Mutex // serializes id allocation inside the process
	lock *flock.Flock
	next int64
}

// New opens (and creates if needed) a store under root.
func New(root string) (*Store, error) {
	if strings.TrimSpace(root) == "" {
		return nil, errors.New("sessions root is required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create sessions root: %w", err)
	}
	return &Store{
		root: root,
		lock: flock.New(filepath.Join(root, lockFile)),
	}, nil
}

// Root returns the sessions directory.
func (s *Store) Root() string { return s.root }

// Dir returns the directory of a session id without checking it exists.
func (s *Store) Dir(id int64) string {
	return filepath.Join(s.root, strconv.FormatInt(id, 10))
}

// Create allocates the next free session id, creates its directory and the
// empty results placeholder. Allocation is exclusive across goroutines (mutex)
// and processes (flock); os.Mkdir settles any remaining conflict.
func (s *Store) Create() (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.lock.Lock(); err != nil {
		return 0, fmt.Errorf("lock sessions root: %w", err)
	}
	defer s.lock.Unlock()

	for id := s.next; ; id++ {
		dir := s.Dir(id)
		err := os.Mkdir(dir, 0o755)
		if errors.Is(err, os.ErrExist) {
			continue
		}
		if err != nil {
			return 0, fmt.Errorf("create session %d: %w", id, err)
		}
		f, err := os.OpenFile(filepath.Join(dir, ResultsFile), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
		if err != nil {
			_ = os.RemoveAll(dir)
			return 0, fmt.Errorf("create results placeholder: %w", err)
		}
		_ = f.Close()
		s.next = id + 1
		return id, nil
	}
}

// Discard removes a session that never got any files and frees its id.
func (s *Store) Discard(id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.RemoveAll(s.Dir(id)); err != nil {
		return fmt.Errorf("discard session %d: %w", id, err)
	}
	if id < s.next {
		s.next = id
	}
	return nil
}

// Exists reports whether the session directory is present.
func (s *Store) Exists(id int64) bool {
	if id < 0 {
		return false
	}
	info, err := os.Stat(s.Dir(id))
	return err == nil && info.IsDir()
}

// ListSessionIDs returns all session ids in ascending order.
func (s *Store) ListSessionIDs() ([]int64, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("read sessions root: %w", err)
	}
	ids := make([]int64, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		id, err := strconv.ParseInt(e.Name(), 10, 64)
		if err != nil || id < 0 {
			continue
		}
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

// WriteMetadata persists the filename mapping, upload time and file list.
func (s *Store) WriteMetadata(id int64, meta models.Metadata) error {
	if !s.Exists(id) {
		return ErrSessionNotFound
	}
	if meta.FilenameMapping == nil {
		meta.FilenameMapping = map[string]string{}
	}
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	return writeAtomic(s.Dir(id), MetadataFile, data)
}

// ReadMetadata loads metadata.json for a session.
func (s *Store) ReadMetadata(id int64) (*models.Metadata, error) {
	if !s.Exists(id) {
		return nil, ErrSessionNotFound
	}
	data, err := os.ReadFile(filepath.Join(s.Dir(id), MetadataFile))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrFileNotFound
		}
		return nil, fmt.Errorf("read metadata: %w", err)
	}
	var meta models.Metadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}
	return &meta, nil
}

// Load rebuilds the session view from metadata.json, falling back to a
// directory listing for sessions written without a file list.
func (s *Store) Load(id int64) (*models.Session, error) {
	meta, err := s.ReadMetadata(id)
	if err != nil {
		return nil, err
	}
	files := meta.Files
	if len(files) == 0 {
		files, err = s.ListFiles(id)
		if err != nil {
			return nil, err
		}
	}
	return &models.Session{
		ID:              id,
		Files:           files,
		FilenameMapping: meta.FilenameMapping,
		UploadTime:      meta.UploadTime,
	}, nil
}

// ListFiles returns the canonical image files of a session ordered by index.
func (s *Store) ListFiles(id int64) ([]models.FileInfo, error) {
	if !s.Exists(id) {
		return nil, ErrSessionNotFound
	}
	entries, err := os.ReadDir(s.Dir(id))
	if err != nil {
		return nil, fmt.Errorf("read session %d: %w", id, err)
	}
	files := make([]models.FileInfo, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || IsReserved(e.Name()) {
			continue
		}
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if !models.IsImageExt(ext) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		files = append(files, models.FileInfo{Name: e.Name(), Size: info.Size(), Extension: ext})
	}
	sort.SliceStable(files, func(i, j int) bool {
		return canonicalIndex(files[i].Name) < canonicalIndex(files[j].Name)
	})
	return files, nil
}

// Open returns a reader for one file of a session. Names are confined to the
// session directory; metadata.json is readable, results.json is not.
func (s *Store) Open(id int64, name string) (*os.File, os.FileInfo, error) {
	if !s.Exists(id) {
		return nil, nil, ErrSessionNotFound
	}
	if name == "" || name != filepath.Base(name) || name == ResultsFile || strings.HasPrefix(name, ".") {
		return nil, nil, ErrFileNotFound
	}
	f, err := os.Open(filepath.Join(s.Dir(id), name))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil, ErrFileNotFound
		}
		return nil, nil, fmt.Errorf("open %s: %w", name, err)
	}
	info, err := f.Stat()
	if err != nil || info.IsDir() {
		f.Close()
		return nil, nil, ErrFileNotFound
	}
	return f, info, nil
}

// ReadResults returns the cached collaborator results. A missing session is
// ErrSessionNotFound; an empty or placeholder slot is ErrResultsPending.
func (s *Store) ReadResults(id int64) ([]byte, error) {
	if !s.Exists(id) {
		return nil, ErrSessionNotFound
	}
	data, err := os.ReadFile(filepath.Join(s.Dir(id), ResultsFile))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrResultsPending
		}
		return nil, fmt.Errorf("read results: %w", err)
	}
	if isEmptyPayload(data) {
		return nil, ErrResultsPending
	}
	return data, nil
}

// HasResults reports whether the results slot is populated.
func (s *Store) HasResults(id int64) bool {
	_, err := s.ReadResults(id)
	return err == nil
}

// WriteResultsOnce fills the results slot if it is still empty. It reports
// whether this call performed the write; later calls are no-ops.
func (s *Store) WriteResultsOnce(id int64, payload []byte) (bool, error) {
	if !s.Exists(id) {
		return false, ErrSessionNotFound
	}
	if isEmptyPayload(payload) || !json.Valid(payload) {
		return false, errors.New("results payload must be non-empty JSON")
	}
	dir := s.Dir(id)
	lk := flock.New(filepath.Join(dir, lockFile))
	if err := lk.Lock(); err != nil {
		return false, fmt.Errorf("lock session %d: %w", id, err)
	}
	defer lk.Unlock()

	current, err := os.ReadFile(filepath.Join(dir, ResultsFile))
	if err == nil && !isEmptyPayload(current) {
		return false, nil
	}
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return false, fmt.Errorf("read results: %w", err)
	}
	if err := writeAtomic(dir, ResultsFile, payload); err != nil {
		return false, err
	}
	return true, nil
}

func writeAtomic(dir, name string, data []byte) error {
	tmp, err := os.CreateTemp(dir, "."+name+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp %s: %w", name, err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close %s: %w", name, err)
	}
	if err := os.Rename(tmpPath, filepath.Join(dir, name)); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("replace %s: %w", name, err)
	}
	return nil
}

// isEmptyPayload treats "", whitespace, "{}" and "null" as an unpopulated slot.
func isEmptyPayload(data []byte) bool {
	trimmed := strings.TrimSpace(string(data))
	return trimmed == "" || trimmed == "{}" || trimmed == "null"
}

func canonicalIndex(name string) int64 {
	base := strings.TrimSuffix(name, filepath.Ext(name))
	n, err := strconv.ParseInt(base, 10, 64)
	if err != nil {
		return int64(^uint64(0) >> 1)
	}
	return n
}
