package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"lineinspect/internal/redis"
)

const (
	defaultAttempts       = 5
	defaultBackoff        = 500 * time.Millisecond
	maxBackoff            = time.Minute
	defaultPollInterval   = 5 * time.Second
	defaultResultsTimeout = time.Hour
	defaultCallTimeout    = 30 * time.Second
	defaultQueueSize      = 64
)

var errResultsTimeout = errors.New("results not collected before timeout")

// Analyzer is the part of the AI collaborator the dispatcher drives.
type Analyzer interface {
	Analyze(ctx context.Context, sessionID int64) (map[string]any, error)
	Status(ctx context.Context, sessionID int64) (map[string]any, error)
	Results(ctx context.Context, sessionID int64) (json.RawMessage, error)
}

// ResultsStore is the per-session results slot.
type ResultsStore interface {
	HasResults(sessionID int64) bool
	WriteResultsOnce(sessionID int64, payload []byte) (bool, error)
}

// Tracker records dispatch progress, usually in the catalog.
type Tracker interface {
	MarkDispatched(ctx context.Context, sessionID int64, attempts int) error
	MarkFailed(ctx context.Context, sessionID int64, attempts int, cause error) error
	MarkCompleted(ctx context.Context, sessionID int64) error
}

// StatusInvalidator drops cached status answers once results land.
type StatusInvalidator interface {
	InvalidateStatus(ctx context.Context, sessionID int64) error
}

type Options struct {
	MinWorkers  int
	MaxWorkers  int
	QueueSize   int
	IdleTimeout time.Duration

	Attempts       int           // notify tries per session
	Backoff        time.Duration // first retry delay, doubled per attempt
	PollInterval   time.Duration
	ResultsTimeout time.Duration
	CallTimeout    time.Duration // per collaborator request
}

func (o Options) withDefaults() Options {
	if o.MaxWorkers <= 0 {
		o.MaxWorkers = 4
	}
	if o.QueueSize <= 0 {
		o.QueueSize = defaultQueueSize
	}
	if o.Attempts <= 0 {
		o.Attempts = defaultAttempts
	}
	if o.Backoff <= 0 {
		o.Backoff = defaultBackoff
	}
	if o.PollInterval <= 0 {
		o.PollInterval = defaultPollInterval
	}
	if o.ResultsTimeout <= 0 {
		o.ResultsTimeout = defaultResultsTimeout
	}
	if o.CallTimeout <= 0 {
		o.CallTimeout = defaultCallTimeout
	}
	return o
}

// Deps are the collaborators of a Manager. Analyzer and Results are required.
type Deps struct {
	Analyzer    Analyzer
	Results     ResultsStore
	Tracker     Tracker
	Invalidator StatusInvalidator
	Redis       *redis.Client // completion events, optional
	Logger      *slog.Logger
}

// Manager hands sessions to the AI collaborator in the background: it
// notifies, retries with backoff, then collects results into the session.
type Manager struct {
	analyzer    Analyzer
	results     ResultsStore
	tracker     Tracker
	invalidator StatusInvalidator
	events      *completionEvents
	logger      *slog.Logger
	opts        Options
	now         func() time.Time

	ctx        context.Context
	cancel     context.CancelFunc
	dispatcher *Dispatcher

	mu     sync.Mutex
	timers map[*time.Timer]int64 // timer -> session
	closed bool
}

func NewManager(deps Deps, opts Options) (*Manager, error) {
	if deps.Analyzer == nil {
		return nil, errors.New("worker: analyzer required")
	}
	if deps.Results == nil {
		return nil, errors.New("worker: results store required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	logger = logger.With("component", "dispatcher")
	opts = opts.withDefaults()

	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		analyzer:    deps.Analyzer,
		results:     deps.Results,
		tracker:     deps.Tracker,
		invalidator: deps.Invalidator,
		events:      newCompletionEvents(deps.Redis, logger),
		logger:      logger,
		opts:        opts,
		now:         time.Now,
		ctx:         ctx,
		cancel:      cancel,
		timers:      make(map[*time.Timer]int64),
	}
	m.dispatcher = NewDispatcher(opts.MinWorkers, opts.MaxWorkers, opts.QueueSize, m, opts.IdleTimeout)
	m.events.startListener(ctx, func(evt completionMessage) {
		m.invalidate(evt.SessionID)
	})
	return m, nil
}

// Enqueue schedules analysis of a freshly ingested session. It never blocks.
func (m *Manager) Enqueue(sessionID int64) {
	m.submit(Job{Type: Notify, SessionID: sessionID, Attempt: 1})
}

// Resume re-enqueues sessions whose analysis was interrupted by a restart.
// Sessions whose results already landed are only marked completed.
func (m *Manager) Resume(ctx context.Context, sessionIDs []int64) {
	for _, id := range sessionIDs {
		if ctx.Err() != nil {
			return
		}
		if m.results.HasResults(id) {
			m.Completed(ctx, id)
			continue
		}
		m.Enqueue(id)
	}
	if len(sessionIDs) > 0 {
		m.logger.Info("resumed unfinished sessions", "count", len(sessionIDs))
	}
}

// Completed records that results for a session were written, by the
// collector or by the collaborator's callback. Pending retries and polls of
// the session are dropped.
func (m *Manager) Completed(ctx context.Context, sessionID int64) {
	m.cancelSession(sessionID)
	m.track(ctx, sessionID, func(ctx context.Context, t Tracker) error {
		return t.MarkCompleted(ctx, sessionID)
	})
	m.invalidate(sessionID)
	m.events.publishCompletion(ctx, sessionID)
}

// Stats reports the worker pool size.
func (m *Manager) Stats() (running, idle int) {
	return m.dispatcher.pool.stats()
}

func (m *Manager) cancelSession(sessionID int64) {
	m.mu.Lock()
	for t, id := range m.timers {
		if id == sessionID {
			t.Stop()
			delete(m.timers, t)
		}
	}
	m.mu.Unlock()
	m.dispatcher.CancelSession(sessionID)
}

// Close stops pending timers and the worker pool. Jobs not yet run are dropped;
// Resume picks their sessions up on the next start.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	for t := range m.timers {
		t.Stop()
	}
	m.timers = nil
	m.mu.Unlock()

	m.cancel()
	m.dispatcher.Stop()
}

func (m *Manager) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func (m *Manager) submit(job Job) {
	if m.isClosed() {
		return
	}
	select {
	case m.dispatcher.JobQueue <- job:
	default:
		// queue full; hand off so neither callers nor workers block
		go func() {
			select {
			case m.dispatcher.JobQueue <- job:
			case <-m.ctx.Done():
			}
		}()
	}
}

// schedule re-submits job after delay.
func (m *Manager) schedule(delay time.Duration, job Job) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	var t *time.Timer
	t = time.AfterFunc(delay, func() {
		m.mu.Lock()
		delete(m.timers, t)
		m.mu.Unlock()
		m.submit(job)
	})
	m.timers[t] = job.SessionID
}

func (m *Manager) handleNotify(job Job) {
	logger := m.logger.With("session_id", job.SessionID, "attempt", job.Attempt)
	ctx, cancel := context.WithTimeout(m.ctx, m.opts.CallTimeout)
	_, err := m.analyzer.Analyze(ctx, job.SessionID)
	cancel()

	if err == nil {
		logger.Info("analysis requested")
		m.schedule(m.opts.PollInterval, Job{
			Type:      Collect,
			SessionID: job.SessionID,
			Attempt:   job.Attempt,
			Deadline:  m.now().Add(m.opts.ResultsTimeout),
		})
		m.track(m.ctx, job.SessionID, func(ctx context.Context, t Tracker) error {
			return t.MarkDispatched(ctx, job.SessionID, job.Attempt)
		})
		return
	}
	if m.ctx.Err() != nil {
		return
	}
	if job.Attempt >= m.opts.Attempts {
		logger.Error("analysis request failed, giving up", "error", err)
		m.track(m.ctx, job.SessionID, func(ctx context.Context, t Tracker) error {
			return t.MarkFailed(ctx, job.SessionID, job.Attempt, err)
		})
		return
	}
	delay := backoffDelay(m.opts.Backoff, job.Attempt)
	logger.Warn("analysis request failed, retrying", "error", err, "retry_in", delay)
	next := job
	next.Attempt++
	m.schedule(delay, next)
}

func (m *Manager) handleCollect(job Job) {
	logger := m.logger.With("session_id", job.SessionID)
	if m.results.HasResults(job.SessionID) {
		m.Completed(m.ctx, job.SessionID)
		return
	}

	ctx, cancel := context.WithTimeout(m.ctx, m.opts.CallTimeout)
	status, err := m.analyzer.Status(ctx, job.SessionID)
	cancel()
	if err != nil {
		m.debug("status poll failed", "session_id", job.SessionID, "error", err)
	} else {
		switch state := statusOf(status); state {
		case "completed":
			if m.collectResults(logger, job) {
				return
			}
		case "failed", "error":
			logger.Error("analysis failed remotely", "status", state)
			m.track(m.ctx, job.SessionID, func(ctx context.Context, t Tracker) error {
				return t.MarkFailed(ctx, job.SessionID, job.Attempt, fmt.Errorf("analysis %s", state))
			})
			return
		}
	}
	if m.ctx.Err() != nil {
		return
	}

	if !job.Deadline.IsZero() && !m.now().Before(job.Deadline) {
		logger.Warn("results collection timed out")
		m.track(m.ctx, job.SessionID, func(ctx context.Context, t Tracker) error {
			return t.MarkFailed(ctx, job.SessionID, job.Attempt, errResultsTimeout)
		})
		return
	}
	m.schedule(m.opts.PollInterval, job)
}

// collectResults fetches and stores results. It reports whether the job is done.
func (m *Manager) collectResults(logger *slog.Logger, job Job) bool {
	ctx, cancel := context.WithTimeout(m.ctx, m.opts.CallTimeout)
	payload, err := m.analyzer.Results(ctx, job.SessionID)
	cancel()
	if err != nil {
		logger.Warn("fetch results failed", "error", err)
		return false
	}
	wrote, err := m.results.WriteResultsOnce(job.SessionID, payload)
	if err != nil {
		logger.Error("store results failed", "error", err)
		m.track(m.ctx, job.SessionID, func(ctx context.Context, t Tracker) error {
			return t.MarkFailed(ctx, job.SessionID, job.Attempt, err)
		})
		return true
	}
	if wrote {
		logger.Info("results stored", "bytes", len(payload))
	}
	m.Completed(m.ctx, job.SessionID)
	return true
}

func (m *Manager) track(ctx context.Context, sessionID int64, fn func(context.Context, Tracker) error) {
	if m.tracker == nil {
		return
	}
	if err := fn(ctx, m.tracker); err != nil {
		m.logger.Warn("update catalog failed", "session_id", sessionID, "error", err)
	}
}

func (m *Manager) invalidate(sessionID int64) {
	if m.invalidator == nil {
		return
	}
	if err := m.invalidator.InvalidateStatus(m.ctx, sessionID); err != nil {
		m.debug("invalidate status failed", "session_id", sessionID, "error", err)
	}
}

// backoffDelay is base·2^(attempt-1), capped at one minute.
func backoffDelay(base time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maxBackoff {
			return maxBackoff
		}
	}
	if delay > maxBackoff {
		return maxBackoff
	}
	return delay
}

func statusOf(doc map[string]any) string {
	s, _ := doc["status"].(string)
	return strings.ToLower(strings.TrimSpace(s))
}
