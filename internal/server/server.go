// Package server exposes the job runner and stored checkpoints over HTTP.
package server

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"

	"github.com/danielpatrickdp/chunkforge/internal/checkpoint"
	"github.com/danielpatrickdp/chunkforge/internal/delta"
	"github.com/danielpatrickdp/chunkforge/internal/jobs"
	"github.com/danielpatrickdp/chunkforge/internal/logging"
	"github.com/danielpatrickdp/chunkforge/internal/orchestrator"
	"github.com/danielpatrickdp/chunkforge/internal/prose"
	"github.com/danielpatrickdp/chunkforge/internal/state"
)

// #region interfaces
// JobService is the part of *jobs.Runner the handlers use.
type JobService interface {
	Start(params state.UserParams) (string, error)
	StartResume(sessionID string) (string, error)
	Status(jobID string) (jobs.StatusReport, error)
	Cancel(jobID string) error
}

// LogReader lists a session's durable log.
type LogReader interface {
	List(sessionID string) ([]logging.Entry, error)
}

// #endregion interfaces

// #region server
// Server holds the dependencies of the HTTP handlers.
type Server struct {
	jobs    JobService
	store   checkpoint.Writer
	log     LogReader
	metrics http.Handler
	logger  *slog.Logger
}

// Option configures optional routes.
type Option func(*Server)

// WithSessionLog enables GET /sessions/:id/log.
func WithSessionLog(l LogReader) Option { return func(s *Server) { s.log = l } }

// WithMetrics mounts h at GET /metrics.
func WithMetrics(h http.Handler) Option { return func(s *Server) { s.metrics = h } }

// WithLogger sets the request logger.
func WithLogger(l *slog.Logger) Option { return func(s *Server) { s.logger = l } }

// New creates a server over the job service and checkpoint store.
func New(js JobService, store checkpoint.Writer, opts ...Option) *Server {
	s := &Server{jobs: js, store: store, logger: slog.Default()}
	for _, o := range opts {
		o(s)
	}
	s.logger = s.logger.With(slog.String("component", "server"))
	return s
}

// Router builds the gin engine with every route registered.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), s.requestLog())

	r.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	r.POST("/jobs", s.handleStart)
	r.GET("/jobs/:id", s.handleStatus)
	r.POST("/jobs/:id/cancel", s.handleCancel)
	r.POST("/sessions/:id/resume", s.handleResume)
	r.GET("/sessions/:id/checkpoints", s.handleCheckpoints)
	r.GET("/sessions/:id/prose", s.handleProse)
	if s.log != nil {
		r.GET("/sessions/:id/log", s.handleLog)
	}
	if s.metrics != nil {
		r.GET("/metrics", gin.WrapH(s.metrics))
	}
	return r
}

func (s *Server) requestLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug("request",
			slog.String("method", c.Request.Method),
			slog.String("path", c.FullPath()),
			slog.Int("status", c.Writer.Status()),
			slog.Duration("elapsed", time.Since(start)))
	}
}

// #endregion server

// #region job-handlers
func (s *Server) handleStart(c *gin.Context) {
	var params state.UserParams
	if err := c.ShouldBindJSON(&params); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}
	jobID, err := s.jobs.Start(params)
	if err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		s.logger.Error("start job failed", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to start job"})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"job_id": jobID})
}

func (s *Server) handleResume(c *gin.Context) {
	jobID, err := s.jobs.StartResume(c.Param("id"))
	switch {
	case errors.Is(err, orchestrator.ErrNothingToResume):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, jobs.ErrSessionBusy):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case err != nil:
		s.logger.Error("resume job failed", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to resume session"})
	default:
		c.JSON(http.StatusAccepted, gin.H{"job_id": jobID})
	}
}

func (s *Server) handleStatus(c *gin.Context) {
	rep, err := s.jobs.Status(c.Param("id"))
	switch {
	case errors.Is(err, jobs.ErrJobNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case err != nil:
		s.logger.Error("job status failed", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read job status"})
	default:
		c.JSON(http.StatusOK, rep)
	}
}

func (s *Server) handleCancel(c *gin.Context) {
	err := s.jobs.Cancel(c.Param("id"))
	switch {
	case errors.Is(err, jobs.ErrJobNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, jobs.ErrJobFinished):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusAccepted, gin.H{"status": "cancelling"})
	}
}

// #endregion job-handlers

// #region session-handlers
// CheckpointSummary is the listing form of a checkpoint without prose or snapshot.
type CheckpointSummary struct {
	ChunkIndex          int              `json:"chunk_index"`
	ChunkWordCount      int              `json:"chunk_word_count"`
	CumulativeWordCount int              `json:"cumulative_word_count"`
	ProtocolVersion     int              `json:"protocol_version"`
	Delta               delta.StateDelta `json:"delta"`
	Warnings            []string         `json:"warnings,omitempty"`
	CreatedAt           time.Time        `json:"created_at"`
}

func (s *Server) handleCheckpoints(c *gin.Context) {
	cps, ok := s.listCheckpoints(c)
	if !ok {
		return
	}
	if c.Query("full") == "true" {
		c.JSON(http.StatusOK, cps)
		return
	}
	out := make([]CheckpointSummary, len(cps))
	for i, cp := range cps {
		out[i] = CheckpointSummary{
			ChunkIndex:          cp.ChunkIndex,
			ChunkWordCount:      cp.ChunkWordCount,
			CumulativeWordCount: cp.CumulativeWordCount,
			ProtocolVersion:     cp.ProtocolVersion,
			Delta:               cp.Delta,
			CreatedAt:           cp.CreatedAt,
		}
		for _, w := range cp.Warnings {
			out[i].Warnings = append(out[i].Warnings, w.String())
		}
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) handleProse(c *gin.Context) {
	cps, ok := s.listCheckpoints(c)
	if !ok {
		return
	}
	chunks := make([]string, len(cps))
	for i, cp := range cps {
		chunks[i] = cp.Prose
	}
	c.String(http.StatusOK, prose.Join(chunks))
}

func (s *Server) handleLog(c *gin.Context) {
	entries, err := s.log.List(c.Param("id"))
	if err != nil {
		s.logger.Error("session log failed", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read session log"})
		return
	}
	c.JSON(http.StatusOK, entries)
}

func (s *Server) listCheckpoints(c *gin.Context) ([]checkpoint.Checkpoint, bool) {
	id := c.Param("id")
	cps, err := s.store.List(id)
	if err != nil {
		s.logger.Error("list checkpoints failed", slog.String("session_id", id), slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list checkpoints"})
		return nil, false
	}
	if len(cps) == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return nil, false
	}
	return cps, true
}

// #endregion session-handlers
