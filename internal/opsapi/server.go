// Package opsapi serves the operator endpoints: health, job status and
// cancellation, fan-out summaries and account status.
package opsapi

import (
	"context"
	"crypto/subtle"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"igpilot/internal/fault"
	"igpilot/internal/model"
	"igpilot/internal/session"
	"igpilot/internal/storage"
	"igpilot/internal/task/scheduler"
	"igpilot/pkg/logx"
)

type Config struct {
	Addr string
	// Token, when set, is required as "Authorization: Bearer <token>" on POST
	// routes and on the profiling endpoints.
	Token string
	// Pprof mounts net/http/pprof under /debug/pprof.
	Pprof bool
}

type Jobs interface {
	Status(ctx context.Context, id string) (scheduler.Status, error)
	Cancel(ctx context.Context, id string) (model.JobState, error)
	Retry(ctx context.Context, id string) (*model.Job, error)
	Aggregate(ctx context.Context, parentID string) (scheduler.SearchSummary, error)
}

type Sessions interface {
	CheckStatus(ctx context.Context, accountID int64) (session.Status, error)
	Clear(ctx context.Context, accountID int64) error
}

type Deps struct {
	Jobs     Jobs
	Sessions Sessions
	// Health reports readiness and a detail payload for /healthz.
	Health func() (bool, any)
}

type Server struct {
	cfg  Config
	log  logx.Logger
	deps Deps
	eng  *gin.Engine
	srv  *http.Server
}

func New(cfg Config, log logx.Logger, deps Deps) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	gin.SetMode(gin.ReleaseMode)
	s := &Server{cfg: cfg, log: log, deps: deps, eng: gin.New()}
	s.eng.Use(gin.Recovery(), s.accessLog())
	s.routes()
	return s
}

func (s *Server) routes() {
	s.eng.GET("/healthz", s.healthz)

	jobs := s.eng.Group("/jobs")
	jobs.GET("/:id", s.jobStatus)
	jobs.POST("/:id/cancel", s.auth(), s.jobCancel)
	jobs.POST("/:id/retry", s.auth(), s.jobRetry)

	s.eng.GET("/searches/:parent", s.searchSummary)

	accounts := s.eng.Group("/accounts")
	accounts.GET("/:id/status", s.accountStatus)
	accounts.POST("/:id/clear", s.auth(), s.accountClear)

	if s.cfg.Pprof {
		s.mountPprof(s.eng.Group("/debug/pprof", s.auth()))
	}
}

// Handler exposes the router; tests drive it with httptest.
func (s *Server) Handler() http.Handler { return s.eng }

// Run serves until ctx ends. An empty Addr disables the server.
func (s *Server) Run(ctx context.Context) error {
	if strings.TrimSpace(s.cfg.Addr) == "" {
		<-ctx.Done()
		return nil
	}
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	s.srv = &http.Server{Handler: s.eng, ReadHeaderTimeout: 5 * time.Second}
	s.log.Info("ops api listening", logx.String("addr", ln.Addr().String()))

	errCh := make(chan error, 1)
	go func() { errCh <- s.srv.Serve(ln) }()
	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		return s.srv.Shutdown(sctx)
	}
}

func (s *Server) accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.Debug("ops request",
			logx.String("method", c.Request.Method),
			logx.String("path", c.FullPath()),
			logx.Int("status", c.Writer.Status()),
			logx.Duration("took", time.Since(start)),
		)
	}
}

func (s *Server) auth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.cfg.Token == "" {
			c.Next()
			return
		}
		got := strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
		if subtle.ConstantTimeCompare([]byte(got), []byte(s.cfg.Token)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Next()
	}
}

func (s *Server) healthz(c *gin.Context) {
	if s.deps.Health == nil {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
		return
	}
	ok, detail := s.deps.Health()
	if !ok {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "detail": detail})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "detail": detail})
}

func (s *Server) jobStatus(c *gin.Context) {
	st, err := s.deps.Jobs.Status(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

func (s *Server) jobCancel(c *gin.Context) {
	state, err := s.deps.Jobs.Cancel(c.Request.Context(), c.Param("id"))
	if errors.Is(err, scheduler.ErrFinished) {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error(), "state": state})
		return
	}
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": c.Param("id"), "state": state})
}

func (s *Server) jobRetry(c *gin.Context) {
	j, err := s.deps.Jobs.Retry(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"id": j.ID, "retry_of": j.RetryOf, "attempt": j.Attempt, "scheduled_at": j.ScheduledAt})
}

func (s *Server) searchSummary(c *gin.Context) {
	sum, err := s.deps.Jobs.Aggregate(c.Request.Context(), c.Param("parent"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, sum)
}

func (s *Server) accountStatus(c *gin.Context) {
	id, ok := accountID(c)
	if !ok {
		return
	}
	st, err := s.deps.Sessions.CheckStatus(c.Request.Context(), id)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

func (s *Server) accountClear(c *gin.Context) {
	id, ok := accountID(c)
	if !ok {
		return
	}
	if err := s.deps.Sessions.Clear(c.Request.Context(), id); err != nil {
		s.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func accountID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid account id"})
		return 0, false
	}
	return id, true
}

func (s *Server) fail(c *gin.Context, err error) {
	if errors.Is(err, storage.ErrNotFound) {
		err = fault.Wrap(fault.ClassNotFound, "", err)
	}
	code := statusFor(err)
	if code >= http.StatusInternalServerError {
		s.log.Warn("ops request failed", logx.String("path", c.FullPath()), logx.Err(err))
	}
	c.JSON(code, gin.H{"error": fault.Message(err), "class": fault.ClassOf(err)})
}

func statusFor(err error) int {
	switch fault.ClassOf(err) {
	case fault.ClassNotFound:
		return http.StatusNotFound
	case fault.ClassInvalid:
		return http.StatusBadRequest
	case fault.ClassChallenge, fault.ClassBanned:
		return http.StatusConflict
	case fault.ClassTransient, fault.ClassCancelled:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}
