// Package server exposes runs of a Polis over HTTP/JSON and streams their
// progress over websockets.
package server

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"trafficevo/internal/metrics"
	"trafficevo/internal/model"
	"trafficevo/internal/platform"
)

const (
	writeWait  = 10 * time.Second
	pingPeriod = 30 * time.Second
	pongWait   = 60 * time.Second
)

type Server struct {
	polis    *platform.Polis
	metrics  *metrics.Collectors
	log      *slog.Logger
	engine   *gin.Engine
	upgrader websocket.Upgrader
}

// RunRequest is the body of POST /runs. With Wait set the call blocks until
// the run has finished.
type RunRequest struct {
	RunID           string          `json:"run_id"`
	Config          model.RunConfig `json:"config"`
	IntersectionIDs []string        `json:"intersection_ids"`
	Wait            bool            `json:"wait"`
}

func New(polis *platform.Polis, collectors *metrics.Collectors, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	gin.SetMode(gin.ReleaseMode)
	s := &Server{
		polis:   polis,
		metrics: collectors,
		log:     logger,
		engine:  gin.New(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
		},
	}
	s.engine.Use(gin.Recovery())
	s.routes()
	return s
}

func (s *Server) Handler() http.Handler { return s.engine }

func (s *Server) routes() {
	r := s.engine
	r.GET("/health", s.health)
	if s.metrics != nil {
		r.GET("/metrics", gin.WrapH(s.metrics.Handler()))
	}
	r.GET("/runs", s.listRuns)
	r.POST("/runs", s.createRun)
	r.GET("/runs/:id", s.getRun)
	r.POST("/runs/:id/cancel", s.cancelRun)
	r.GET("/runs/:id/diagnostics", s.diagnostics)
	r.GET("/runs/:id/flagged", s.flagged)
	r.GET("/runs/:id/lineage", s.lineage)
	r.GET("/runs/:id/sets/:set", s.programSet)
	r.GET("/runs/:id/stream", s.stream)
}

// ListenAndServe serves on addr until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.engine, ReadHeaderTimeout: 10 * time.Second}
	errc := make(chan error, 1)
	go func() {
		s.log.Info("http server started", "addr", addr)
		errc <- srv.ListenAndServe()
	}()
	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	}
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":      "healthy",
		"evaluators":  s.polis.Evaluators(),
		"active_runs": len(s.polis.ActiveRuns()),
	})
}

func (s *Server) listRuns(c *gin.Context) {
	runs, err := s.polis.Runs(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"runs": runs})
}

func (s *Server) createRun(c *gin.Context) {
	var body RunRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	req := platform.RunRequest{RunID: body.RunID, Config: body.Config, IntersectionIDs: body.IntersectionIDs}

	if !body.Wait {
		run, err := s.polis.StartRun(c.Request.Context(), req)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"run": run})
		return
	}

	outcome, err := s.polis.RunEvolution(c.Request.Context(), req)
	switch {
	case err == nil:
		c.JSON(http.StatusCreated, gin.H{"run": outcome.Run})
	case outcome.Run.ID == "":
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error(), "run": outcome.Run})
	}
}

func (s *Server) getRun(c *gin.Context) {
	run, err := s.polis.Run(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"run": run})
}

func (s *Server) cancelRun(c *gin.Context) {
	if err := s.polis.CancelRun(c.Param("id")); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"ok": true})
}

func (s *Server) diagnostics(c *gin.Context) {
	diagnostics, err := s.polis.Diagnostics(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"diagnostics": diagnostics})
}

func (s *Server) flagged(c *gin.Context) {
	flagged, err := s.polis.Flagged(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"flagged": flagged})
}

func (s *Server) lineage(c *gin.Context) {
	lineage, err := s.polis.Lineage(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"lineage": lineage})
}

func (s *Server) programSet(c *gin.Context) {
	record, err := s.polis.ProgramSet(c.Request.Context(), c.Param("id"), c.Param("set"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, record)
}

func (s *Server) fail(c *gin.Context, err error) {
	if errors.Is(err, platform.ErrRunNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	s.log.Error("request failed", "path", c.FullPath(), "error", err)
	c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
}
