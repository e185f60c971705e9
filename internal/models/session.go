package models

import "time"

// Source records how a file entered a session.
type Source string

const (
	SourceDirect  Source = "direct"
	SourceArchive Source = "archive"
)

// Session is one upload batch and its canonical file set.
type Session struct {
	ID              int64             `json:"id"`
	Files           []FileInfo        `json:"files"`
	FilenameMapping map[string]string `json:"filename_mapping"`
	UploadTime      time.Time         `json:"upload_time"`
}

// TotalBytes sums the sizes of all canonical files.
func (s *Session) TotalBytes() int64 {
	var total int64
	for _, f := range s.Files {
		total += f.Size
	}
	return total
}

// FileInfo describes one canonical file inside a session.
type FileInfo struct {
	Name         string `json:"name"`
	Size         int64  `json:"size"`
	Extension    string `json:"extension,omitempty"`
	OriginalName string `json:"original_name,omitempty"`
	Source       Source `json:"source,omitempty"`
}

// Metadata is the on-disk shape of metadata.json.
type Metadata struct {
	FilenameMapping map[string]string `json:"filename_mapping"`
	UploadTime      time.Time         `json:"upload_time"`
	Files           []FileInfo        `json:"files,omitempty"`
}

// SessionRecord is the catalog row kept for each session.
type SessionRecord struct {
	ID               int64          `json:"id"`
	UploadTime       time.Time      `json:"upload_time"`
	TotalFiles       int            `json:"total_files"`
	TotalBytes       int64          `json:"total_bytes"`
	AnalysisStatus   AnalysisStatus `json:"analysis_status"`
	DispatchAttempts int            `json:"dispatch_attempts"`
	LastError        string         `json:"last_error,omitempty"`
	UpdatedAt        time.Time      `json:"updated_at"`
}
