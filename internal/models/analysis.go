package models

// AnalysisStatus is the lifecycle of the collaborator's work on a session.
type AnalysisStatus string

const (
	StatusPending    AnalysisStatus = "pending"
	StatusDispatched AnalysisStatus = "dispatched"
	StatusProcessing AnalysisStatus = "processing"
	StatusCompleted  AnalysisStatus = "completed"
	StatusFailed     AnalysisStatus = "failed"
)

// Detection is one object found by the collaborator. BBox is [x1, y1, x2, y2].
type Detection struct {
	Class      string    `json:"class"`
	Confidence float64   `json:"confidence"`
	BBox       []float64 `json:"bbox"`
}

// Results is the subset of the collaborator results payload the server reads.
type Results struct {
	Detections     map[string][]Detection `json:"detections"`
	ImageMapping   map[string]string      `json:"image_mapping,omitempty"`
	ProcessingInfo map[string]any         `json:"processing_info,omitempty"`
}

// ImageSummary re-attaches detections to the name the user uploaded.
type ImageSummary struct {
	Name         string         `json:"name"`
	OriginalName string         `json:"original_name"`
	Objects      int            `json:"objects"`
	Classes      map[string]int `json:"classes"`
}

// SessionSummary aggregates detections over a whole session.
type SessionSummary struct {
	SessionID    int64          `json:"session_id"`
	TotalImages  int            `json:"total_images"`
	TotalObjects int            `json:"total_objects"`
	TotalBytes   int64          `json:"total_bytes"`
	Classes      map[string]int `json:"classes"`
	Images       []ImageSummary `json:"images"`
}
