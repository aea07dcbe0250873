// Package readapi serves the correlator's read model over HTTP.
//
// All routes are GET and side-effect free:
//
//	/healthz               liveness plus connection phase
//	/batch/current         the active batch, or the newest resolved one
//	/batch/:id             one batch by id
//	/history               resolved batches, oldest first
//	/connection            connection state
//	/metrics               counter snapshot
//	/jobs/:id/artifact     artifact bytes (in memory or archived), or a redirect to its URL
package readapi

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/pithecene-io/genstream/log"
	"github.com/pithecene-io/genstream/runtime"
	"github.com/pithecene-io/genstream/types"
)

// DefaultShutdownTimeout bounds graceful shutdown.
const DefaultShutdownTimeout = 5 * time.Second

// Source provides the read model. *runtime.Coordinator satisfies it.
type Source interface {
	Snapshot() runtime.Snapshot
	LatestBatch() (types.Batch, bool)
	Job(jobID string) (types.Job, bool)
}

// ArtifactReader resolves artifact URLs that point into an archive.
// *lode.Archive satisfies it.
type ArtifactReader interface {
	ReadArtifact(ctx context.Context, url string) (data []byte, ok bool, err error)
}

// Server is the read-only HTTP surface.
type Server struct {
	source    Source
	artifacts ArtifactReader
	logger    *log.Logger
	engine    *gin.Engine
}

// New builds the router. A nil logger discards request logs.
func New(source Source, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.NewNop()
	}
	s := &Server{source: source, logger: logger}

	engine := gin.New()
	engine.Use(gin.Recovery(), s.requestLogger())
	engine.GET("/healthz", s.handleHealth)
	engine.GET("/batch/current", s.handleCurrent)
	engine.GET("/batch/:id", s.handleBatch)
	engine.GET("/history", s.handleHistory)
	engine.GET("/connection", s.handleConnection)
	engine.GET("/metrics", s.handleMetrics)
	engine.GET("/jobs/:id/artifact", s.handleArtifact)
	s.engine = engine
	return s
}

// SetArtifactReader lets /jobs/:id/artifact serve archived bytes for
// artifacts whose in-memory bytes are gone, e.g. after a reload.
func (s *Server) SetArtifactReader(r ArtifactReader) {
	s.artifacts = r
}

// Handler exposes the router for embedding and tests.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Serve accepts connections on ln until ctx is done, then shuts down.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), DefaultShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// ListenAndServe listens on addr and serves until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	s.logger.Info("read API listening", map[string]any{"addr": ln.Addr().String()})
	return s.Serve(ctx, ln)
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug("read API request", map[string]any{
			"method":      c.Request.Method,
			"path":        c.FullPath(),
			"status":      c.Writer.Status(),
			"duration_ms": time.Since(start).Milliseconds(),
		})
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	snap := s.source.Snapshot()
	c.JSON(http.StatusOK, gin.H{
		"status":     "ok",
		"session_id": snap.SessionID,
		"connection": snap.Connection.Phase,
	})
}

func (s *Server) handleCurrent(c *gin.Context) {
	b, ok := s.source.LatestBatch()
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no batch"})
		return
	}
	c.JSON(http.StatusOK, batchView(b))
}

func (s *Server) handleBatch(c *gin.Context) {
	id := c.Param("id")
	snap := s.source.Snapshot()
	if snap.Current != nil && snap.Current.BatchID == id {
		c.JSON(http.StatusOK, batchView(*snap.Current))
		return
	}
	for i := range snap.History {
		if snap.History[i].BatchID == id {
			c.JSON(http.StatusOK, batchView(snap.History[i]))
			return
		}
	}
	c.JSON(http.StatusNotFound, gin.H{"error": "unknown batch", "batch_id": id})
}

func (s *Server) handleHistory(c *gin.Context) {
	history := s.source.Snapshot().History
	out := make([]BatchView, len(history))
	for i := range history {
		out[i] = batchView(history[i])
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) handleConnection(c *gin.Context) {
	c.JSON(http.StatusOK, s.source.Snapshot().Connection)
}

func (s *Server) handleMetrics(c *gin.Context) {
	snap := s.source.Snapshot()
	c.JSON(http.StatusOK, gin.H{
		"metrics":          snap.Metrics,
		"fallback_pending": snap.FallbackPending,
	})
}

func (s *Server) handleArtifact(c *gin.Context) {
	id := c.Param("id")
	job, ok := s.source.Job(id)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown job", "job_id": id})
		return
	}
	a := job.Artifact
	switch {
	case a.HasData():
		c.Data(http.StatusOK, a.ContentType, a.Data)
	case a != nil && a.URL != "":
		if s.artifacts != nil {
			data, ok, err := s.artifacts.ReadArtifact(c.Request.Context(), a.URL)
			if ok && err != nil {
				s.logger.Warn("archived artifact unreadable", map[string]any{
					"job_id": id,
					"error":  err.Error(),
				})
				c.JSON(http.StatusBadGateway, gin.H{"error": "archived artifact unreadable", "job_id": id})
				return
			}
			if ok {
				c.Data(http.StatusOK, a.ContentType, data)
				return
			}
		}
		c.Redirect(http.StatusFound, a.URL)
	default:
		c.JSON(http.StatusNotFound, gin.H{"error": "artifact pending", "job_id": id, "status": job.Status})
	}
}

// BatchView is a batch plus its derived counters.
type BatchView struct {
	types.Batch
	Complete bool              `json:"complete"`
	Counts   types.BatchCounts `json:"counts"`
	Outcome  string            `json:"outcome,omitempty"`
}

func batchView(b types.Batch) BatchView {
	v := BatchView{Batch: b, Complete: b.IsComplete(), Counts: b.Counts()}
	if v.Complete {
		v.Outcome = v.Counts.Outcome()
	}
	return v
}
