package api

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/dustin/go-humanize"
	"github.com/gin-gonic/gin"

	"lineinspect/internal/auth"
	"lineinspect/internal/ingest"
	"lineinspect/internal/models"
	"lineinspect/internal/service/analysis"
	"lineinspect/internal/service/catalog"
	"lineinspect/internal/sessionstore"
)

const (
	uploadField      = "files"
	maxCallbackBytes = 64 << 20
	defaultListLimit = 100
)

// Dispatcher receives sessions ready for analysis.
type Dispatcher interface {
	Enqueue(sessionID int64)
	Completed(ctx context.Context, sessionID int64)
	Stats() (running, idle int)
}

// Catalog is the SQL index of sessions.
type Catalog interface {
	RecordSession(ctx context.Context, session *models.Session) error
	ListSessions(ctx context.Context, limit int) ([]models.SessionRecord, error)
	GetSession(ctx context.Context, id int64) (*models.SessionRecord, error)
	Files(ctx context.Context, id int64) ([]models.FileInfo, error)
}

// HealthChecker reports the AI service health.
type HealthChecker interface {
	Health(ctx context.Context) (map[string]any, error)
}

// Deps are the services behind the HTTP surface. Catalog and Health may be nil.
type Deps struct {
	Pipeline   *ingest.Pipeline
	Store      *sessionstore.Store
	Analysis   *analysis.Service
	Catalog    Catalog
	Dispatcher Dispatcher
	Auth       *auth.Service
	Health     HealthChecker
	Logger     *slog.Logger
}

// Handler wires HTTP routes to ingestion and the session query services.
type Handler struct {
	pipeline   *ingest.Pipeline
	store      *sessionstore.Store
	analysis   *analysis.Service
	catalog    Catalog
	dispatcher Dispatcher
	auth       *auth.Service
	health     HealthChecker
	logger     *slog.Logger
}

// NewHandler constructs a Handler instance.
func NewHandler(deps Deps) *Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	authSvc := deps.Auth
	if authSvc == nil {
		authSvc = auth.NewService("")
	}
	return &Handler{
		pipeline:   deps.Pipeline,
		store:      deps.Store,
		analysis:   deps.Analysis,
		catalog:    deps.Catalog,
		dispatcher: deps.Dispatcher,
		auth:       authSvc,
		health:     deps.Health,
		logger:     logger,
	}
}

// RegisterRoutes attaches all HTTP routes to the router.
func (h *Handler) RegisterRoutes(router *gin.Engine) {
	router.POST("/upload", h.upload)
	router.GET("/health", h.healthCheck)

	sessions := router.Group("/sessions")
	sessions.GET("", h.listSessions)
	sessions.GET("/:sessionId", h.getSession)
	sessions.GET("/:sessionId/files", h.listFiles)
	sessions.GET("/:sessionId/files/:filename", h.getFile)

	results := router.Group("/analysis/:sessionId")
	results.GET("/status", h.analysisStatus)
	results.GET("/results", h.analysisResults)
	results.GET("/segmentation-status", h.segmentationStatus)
	results.GET("/summary", h.analysisSummary)
	results.POST("/results", h.auth.Middleware(), h.resultsCallback)
}

func (h *Handler) upload(c *gin.Context) {
	mr, err := c.Request.MultipartReader()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid multipart form"})
		return
	}
	batch, err := h.pipeline.NewBatch()
	if err != nil {
		h.internalError(c, "open staging failed", err)
		return
	}
	if err := batch.AddMultipart(mr, uploadField); err != nil {
		if derr := batch.Discard(); derr != nil {
			h.logger.Warn("discard staging failed", "error", derr)
		}
		var verr *ingest.ValidationError
		if errors.As(err, &verr) {
			h.logger.Info("upload rejected", "error", err, "bytes", humanize.IBytes(uint64(batch.BytesUsed())))
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid multipart form"})
		return
	}

	res, err := h.pipeline.Ingest(c.Request.Context(), batch)
	if err != nil {
		var verr *ingest.ValidationError
		if errors.As(err, &verr) {
			body := gin.H{"error": err.Error()}
			if res != nil {
				body["rejected"] = res.Rejected
			}
			c.JSON(http.StatusBadRequest, body)
			return
		}
		h.internalError(c, "ingest failed", err)
		return
	}

	if h.catalog != nil {
		if err := h.catalog.RecordSession(c.Request.Context(), res.Session); err != nil {
			h.logger.Warn("catalog record failed", "session_id", res.SessionID, "error", err)
		}
	}
	c.JSON(http.StatusOK, res)
	if h.dispatcher != nil {
		h.dispatcher.Enqueue(res.SessionID)
	}
}

func (h *Handler) listSessions(c *gin.Context) {
	limit := defaultListLimit
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		limit = n
	}
	if h.catalog == nil {
		records, err := h.scanSessions(limit)
		if err != nil {
			h.internalError(c, "list sessions failed", err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"sessions": records})
		return
	}
	records, err := h.catalog.ListSessions(c.Request.Context(), limit)
	if err != nil {
		h.internalError(c, "list sessions failed", err)
		return
	}
	if records == nil {
		records = make([]models.SessionRecord, 0)
	}
	c.JSON(http.StatusOK, gin.H{"sessions": records})
}

// scanSessions lists sessions from disk, newest first, when no catalog is wired.
func (h *Handler) scanSessions(limit int) ([]models.SessionRecord, error) {
	ids, err := h.store.ListSessionIDs()
	if err != nil {
		return nil, err
	}
	records := make([]models.SessionRecord, 0, len(ids))
	for i := len(ids) - 1; i >= 0 && len(records) < limit; i-- {
		session, err := h.store.Load(ids[i])
		if err != nil {
			continue
		}
		status := models.StatusPending
		if h.store.HasResults(ids[i]) {
			status = models.StatusCompleted
		}
		records = append(records, models.SessionRecord{
			ID:             session.ID,
			UploadTime:     session.UploadTime,
			TotalFiles:     len(session.Files),
			TotalBytes:     session.TotalBytes(),
			AnalysisStatus: status,
		})
	}
	return records, nil
}

func (h *Handler) getSession(c *gin.Context) {
	sessionID, ok := sessionParam(c)
	if !ok {
		return
	}
	session, err := h.store.Load(sessionID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	h.catalogFiles(c.Request.Context(), session)
	body := gin.H{
		"id":               session.ID,
		"upload_time":      session.UploadTime,
		"filename_mapping": session.FilenameMapping,
		"files":            session.Files,
		"total_bytes":      session.TotalBytes(),
	}
	if h.catalog != nil {
		if record, err := h.catalog.GetSession(c.Request.Context(), sessionID); err == nil {
			body["analysis"] = record
		}
	}
	c.JSON(http.StatusOK, body)
}

// catalogFiles swaps in the catalogued file list when the session metadata
// carried none and the files were only listed from disk.
func (h *Handler) catalogFiles(ctx context.Context, session *models.Session) {
	if h.catalog == nil {
		return
	}
	for _, f := range session.Files {
		if f.Source != "" {
			return
		}
	}
	files, err := h.catalog.Files(ctx, session.ID)
	if err != nil {
		h.logger.Warn("catalog files lookup failed", "session_id", session.ID, "error", err)
		return
	}
	if len(files) > 0 {
		session.Files = files
	}
}

type fileEntry struct {
	Name string `json:"name"`
	Size int64  `json:"size"`
}

func (h *Handler) listFiles(c *gin.Context) {
	sessionID, ok := sessionParam(c)
	if !ok {
		return
	}
	files, err := h.store.ListFiles(sessionID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	entries := make([]fileEntry, 0, len(files))
	for _, f := range files {
		entries = append(entries, fileEntry{Name: f.Name, Size: f.Size})
	}
	c.JSON(http.StatusOK, entries)
}

func (h *Handler) getFile(c *gin.Context) {
	sessionID, ok := sessionParam(c)
	if !ok {
		return
	}
	f, info, err := h.store.Open(sessionID, c.Param("filename"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	defer f.Close()
	http.ServeContent(c.Writer, c.Request, info.Name(), info.ModTime(), f)
}

func (h *Handler) analysisStatus(c *gin.Context) {
	sessionID, ok := sessionParam(c)
	if !ok {
		return
	}
	status, err := h.analysis.Status(c.Request.Context(), sessionID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

func (h *Handler) analysisResults(c *gin.Context) {
	sessionID, ok := sessionParam(c)
	if !ok {
		return
	}
	data, err := h.analysis.Results(c.Request.Context(), sessionID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.Data(http.StatusOK, "application/json; charset=utf-8", data)
}

func (h *Handler) segmentationStatus(c *gin.Context) {
	sessionID, ok := sessionParam(c)
	if !ok {
		return
	}
	status, err := h.analysis.SegmentationStatus(c.Request.Context(), sessionID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

func (h *Handler) analysisSummary(c *gin.Context) {
	sessionID, ok := sessionParam(c)
	if !ok {
		return
	}
	summary, err := h.analysis.Summary(c.Request.Context(), sessionID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, summary)
}

// resultsCallback lets the AI service push results instead of being polled.
// Only the first payload for a session is kept.
func (h *Handler) resultsCallback(c *gin.Context) {
	sessionID, ok := sessionParam(c)
	if !ok {
		return
	}
	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, maxCallbackBytes+1))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "read body failed"})
		return
	}
	if len(payload) > maxCallbackBytes {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "payload too large"})
		return
	}
	if !h.store.Exists(sessionID) {
		h.writeError(c, sessionstore.ErrSessionNotFound)
		return
	}
	wrote, err := h.store.WriteResultsOnce(sessionID, payload)
	if err != nil {
		if sessionstore.IsNotFound(err) {
			h.writeError(c, err)
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if wrote {
		h.logger.Info("results received", "session_id", sessionID, "bytes", len(payload))
		if h.dispatcher != nil {
			h.dispatcher.Completed(c.Request.Context(), sessionID)
		}
	}
	c.JSON(http.StatusOK, gin.H{"stored": wrote})
}

func (h *Handler) healthCheck(c *gin.Context) {
	body := gin.H{"status": "ok"}
	if h.health != nil {
		aiHealth, err := h.health.Health(c.Request.Context())
		if err != nil {
			body["ai"] = gin.H{"status": "unreachable", "error": err.Error()}
		} else {
			body["ai"] = aiHealth
		}
	}
	if h.dispatcher != nil {
		running, idle := h.dispatcher.Stats()
		body["workers"] = gin.H{"running": running, "idle": idle}
	}
	c.JSON(http.StatusOK, body)
}

func sessionParam(c *gin.Context) (int64, bool) {
	sessionID, err := strconv.ParseInt(c.Param("sessionId"), 10, 64)
	if err != nil || sessionID < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid session id"})
		return 0, false
	}
	return sessionID, true
}

func (h *Handler) writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, sessionstore.ErrSessionNotFound), errors.Is(err, catalog.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
	case errors.Is(err, sessionstore.ErrFileNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "file not found"})
	case errors.Is(err, analysis.ErrResultsNotAvailable):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	default:
		h.internalError(c, "request failed", err)
	}
}

func (h *Handler) internalError(c *gin.Context, msg string, err error) {
	h.logger.Error(msg, "path", c.FullPath(), "error", err)
	c.JSON(http.StatusInternalServerError, gin.H{"error": msg})
}
