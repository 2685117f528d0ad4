// Package adminapi serves the administrative HTTP API: job CRUD, history,
// health and Prometheus metrics.
package adminapi

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/pprof"
	"time"

	"github.com/labstack/echo/v4"

	"jobsched/internal/job"
	"jobsched/internal/monitor"
	"jobsched/internal/task/pool"
	"jobsched/internal/task/scheduler"
	logx "jobsched/pkg/logx"
)

type Config struct {
	Addr            string
	RateLimit       int
	RateLimitWindow time.Duration
	// JWTSecret enables HS256 bearer auth on /jobs when set.
	JWTSecret    string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	Pprof        bool
}

func (c Config) withDefaults() Config {
	if c.Addr == "" {
		c.Addr = "127.0.0.1:3000"
	}
	if c.RateLimitWindow <= 0 {
		c.RateLimitWindow = time.Minute
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 15 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 30 * time.Second
	}
	return c
}

// Store is the part of the job store the API reads and writes.
type Store interface {
	Create(ctx context.Context, spec job.Spec) (job.Job, error)
	Get(ctx context.Context, id int64) (job.Job, error)
	List(ctx context.Context, f job.Filter) ([]job.Job, error)
	Overdue(ctx context.Context) ([]job.Job, error)
	Update(ctx context.Context, id int64, p job.Patch) (job.Job, error)
	Delete(ctx context.Context, id int64) error
	ListHistory(ctx context.Context, jobID int64, limit int) ([]job.History, error)
	Counts(ctx context.Context) (map[job.Status]int64, int64, error)
}

// Types reports which job types have a registered handler.
type Types interface {
	Has(typ string) bool
	Types() []string
}

type Deps struct {
	Store   Store
	Types   Types
	Monitor *monitor.Monitor
	// Checks are probed by /health; any failure turns it 503.
	Checks    map[string]func(context.Context) error
	Pool      func() pool.Snapshot
	Scheduler func() scheduler.Snapshot
}

type Server struct {
	cfg     Config
	deps    Deps
	log     logx.Logger
	e       *echo.Echo
	started time.Time
}

func New(cfg Config, deps Deps, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	if deps.Monitor == nil {
		deps.Monitor = monitor.New(log, nil)
	}
	s := &Server{cfg: cfg.withDefaults(), deps: deps, log: log, started: time.Now()}
	s.e = s.routes()
	return s
}

// Handler exposes the router for tests and embedding.
func (s *Server) Handler() http.Handler { return s.e }

func (s *Server) routes() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = s.handleError

	e.Use(recoverer(s.log))
	e.Use(requestID())
	e.Use(accessLog(s.log))

	e.GET("/health", s.health)
	e.GET("/metrics", s.metrics)

	jobs := e.Group("/jobs")
	if s.cfg.RateLimit > 0 {
		jobs.Use(rateLimit(s.cfg.RateLimit, s.cfg.RateLimitWindow))
	}
	if s.cfg.JWTSecret != "" {
		jobs.Use(bearerAuth([]byte(s.cfg.JWTSecret)))
	}
	jobs.POST("", s.createJob)
	jobs.GET("", s.listJobs)
	jobs.GET("/overdue", s.overdueJobs)
	jobs.GET("/:id", s.getJob)
	jobs.PATCH("/:id", s.updateJob)
	jobs.DELETE("/:id", s.deleteJob)
	jobs.GET("/:id/history", s.jobHistory)

	if s.cfg.Pprof {
		g := e.Group("/debug/pprof")
		g.GET("/cmdline", echo.WrapHandler(http.HandlerFunc(pprof.Cmdline)))
		g.GET("/profile", echo.WrapHandler(http.HandlerFunc(pprof.Profile)))
		g.GET("/symbol", echo.WrapHandler(http.HandlerFunc(pprof.Symbol)))
		g.GET("/trace", echo.WrapHandler(http.HandlerFunc(pprof.Trace)))
		g.GET("/*", echo.WrapHandler(http.HandlerFunc(pprof.Index)))
	}
	return e
}

// ListenAndServe binds cfg.Addr and serves until ctx ends.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx ends, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.e,
		ReadTimeout:       s.cfg.ReadTimeout,
		ReadHeaderTimeout: s.cfg.ReadTimeout,
		WriteTimeout:      s.cfg.WriteTimeout,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	s.log.Info("admin api listening", logx.String("addr", ln.Addr().String()))

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	err := srv.Shutdown(sctx)
	<-errCh
	s.log.Info("admin api stopped")
	return err
}
