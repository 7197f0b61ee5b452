// Package httpapi is the operator HTTP surface: delivery commands, the
// task queue listing, health probes, Prometheus metrics and optional
// pprof.
package httpapi

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"promobot/internal/delivery"
	"promobot/internal/metrics"
	"promobot/internal/retry"
	"promobot/internal/storage"
	"promobot/internal/task/queue"
	logx "promobot/pkg/logx"
)

type Config struct {
	Addr  string
	Token string // bearer token for /v1; empty disables auth
	Pprof bool

	// ProbeHost and ProbePort are dialed by /v1/connectivity, normally the
	// gateway's API endpoint.
	ProbeHost string
	ProbePort int

	ReadHeaderTimeout time.Duration
	ShutdownTimeout   time.Duration
}

// Operator runs delivery commands. *delivery.Commands implements it.
type Operator interface {
	StartOne(ctx context.Context, actor delivery.Actor, campaignID string) (queue.Task, error)
	StartAll(ctx context.Context, actor delivery.Actor) (delivery.StartAllReport, error)
	Sweep(ctx context.Context, actor delivery.Actor) (int, error)
}

type TaskLister interface {
	List(ctx context.Context, status queue.Status, limit int) ([]queue.Task, error)
}

type Pinger interface {
	Ping(ctx context.Context) error
}

// AuditLister backs /v1/audit. storage.Store implements it.
type AuditLister interface {
	ListAudit(ctx context.Context, limit int) ([]storage.AuditEntry, error)
}

type Deps struct {
	Ops     Operator
	Tasks   TaskLister
	Store   Pinger
	Audit   AuditLister // optional
	Metrics *metrics.Metrics
	Log     logx.Logger
	// Probe defaults to retry.CheckConnectivity.
	Probe func(ctx context.Context, host string, port int, timeout time.Duration) bool
}

type Server struct {
	cfg Config
	ops Operator
	tsk TaskLister
	db  Pinger
	aud AuditLister
	m   *metrics.Metrics
	log logx.Logger

	probe func(ctx context.Context, host string, port int, timeout time.Duration) bool
}

func New(cfg Config, d Deps) *Server {
	if cfg.ReadHeaderTimeout <= 0 {
		cfg.ReadHeaderTimeout = 5 * time.Second
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 5 * time.Second
	}
	probe := d.Probe
	if probe == nil {
		probe = retry.CheckConnectivity
	}
	return &Server{
		cfg:   cfg,
		ops:   d.Ops,
		tsk:   d.Tasks,
		db:    d.Store,
		aud:   d.Audit,
		m:     d.Metrics,
		log:   d.Log.With(logx.Component("httpapi")),
		probe: probe,
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, s.recoverer, s.instrument)

	s.mountHealth(r)
	r.Method(http.MethodGet, "/metrics", s.m.Handler())
	if s.cfg.Pprof {
		r.Mount("/debug", middleware.Profiler())
	}

	r.Route("/v1", func(r chi.Router) {
		r.Use(s.bearer)
		r.Post("/campaigns/{id}/deliver", s.deliverOne)
		r.Post("/campaigns/deliver-all", s.deliverAll)
		r.Post("/campaigns/sweep", s.sweep)
		r.Get("/tasks", s.listTasks)
		r.Get("/connectivity", s.connectivity)
		r.Get("/audit", s.listAudit)
	})
	return r
}

// Run serves until ctx ends, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Handler:           s.Router(),
		ReadHeaderTimeout: s.cfg.ReadHeaderTimeout,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	s.log.Info("http listening", logx.String("addr", ln.Addr().String()), logx.Bool("pprof", s.cfg.Pprof))

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		s.log.Warn("http shutdown", logx.Err(err))
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
