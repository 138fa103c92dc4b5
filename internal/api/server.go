// Package api serves the local management API.
//
// JSON endpoints under /api wrap the engine operations, /api/ws/events
// streams hub events to websocket clients by topic, and /metrics exposes
// the Prometheus registry.
package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/net/netutil"

	"grimm.is/fwguard/internal/engine"
	"grimm.is/fwguard/internal/events"
	"grimm.is/fwguard/internal/firewall"
	"grimm.is/fwguard/internal/guard"
	"grimm.is/fwguard/internal/i18n"
	"grimm.is/fwguard/internal/identity"
	"grimm.is/fwguard/internal/logging"
	"grimm.is/fwguard/internal/metrics"
	"grimm.is/fwguard/internal/program"
	"grimm.is/fwguard/internal/ratelimit"
)

// Backend is the engine surface the API exposes.
type Backend interface {
	LoadRules(ctx context.Context) (guard.Report, error)
	GetPrograms(ctx context.Context) ([]program.SetView, error)
	GetLog(ctx context.Context, set uuid.UUID) ([]program.LogEntry, error)
	AddProgram(ctx context.Context, id identity.ID, set uuid.UUID) (uuid.UUID, error)
	UpdateProgram(ctx context.Context, set uuid.UUID, cfg program.Config) error
	MergePrograms(ctx context.Context, to, from uuid.UUID) error
	SplitPrograms(ctx context.Context, from uuid.UUID, id identity.ID) (uuid.UUID, error)
	RemoveProgram(ctx context.Context, set uuid.UUID, id *identity.ID) error
	CleanUpPrograms(ctx context.Context) (int, error)
	GetRules(ctx context.Context, sets ...uuid.UUID) (map[uuid.UUID][]program.RuleView, error)
	UpdateRule(ctx context.Context, rule firewall.Rule, expiration uint64) (bool, error)
	RemoveRule(ctx context.Context, guid string) (bool, error)
	SetRuleApproval(ctx context.Context, mode guard.ApprovalMode, guid string) (int, error)
	CleanUpRules(ctx context.Context, all bool) (int, error)
	BlockInternet(ctx context.Context, block bool) (bool, error)
	ClearLog(ctx context.Context) error
	GetConnections(ctx context.Context) ([]engine.Connection, error)
	IsGuardEnabled(ctx context.Context) (bool, error)
	GuardMode(ctx context.Context) (guard.Mode, error)
	SetGuard(ctx context.Context, enabled bool, mode string) error
}

// ServerConfig holds HTTP server limits.
type ServerConfig struct {
	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	MaxHeaderBytes    int
	MaxBodyBytes      int64
	MaxConns          int
}

// DefaultServerConfig returns the limits used by the daemon.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    1 << 16,
		MaxBodyBytes:      1 << 20,
		MaxConns:          64,
	}
}

// Options wires a Server. Backend is required.
type Options struct {
	Backend Backend
	// Hub feeds the websocket event stream; nil disables it.
	Hub *events.Hub
	// Gatherer backs /metrics; nil uses the default registry.
	Gatherer prometheus.Gatherer
	// Limiter throttles mutating requests per client; nil disables it.
	Limiter *ratelimit.Limiter
	// TokenHash is a bcrypt hash; when set, mutating requests need the
	// matching bearer token.
	TokenHash string
	Config  ServerConfig
	Version string
	Logger  *logging.Logger
	Metrics *metrics.Registry
}

// Server serves the local management API.
type Server struct {
	backend Backend
	ws      *WSManager
	limiter *ratelimit.Limiter
	auth    *tokenAuth
	cfg     ServerConfig
	version string
	logger  *logging.Logger
	metrics *metrics.Registry
	started time.Time

	mux     *http.ServeMux
	handler http.Handler
}

// NewServer builds the router.
func NewServer(opts Options) (*Server, error) {
	if opts.Backend == nil {
		return nil, errors.New("api: backend is required")
	}
	if opts.Config == (ServerConfig{}) {
		opts.Config = DefaultServerConfig()
	}
	if opts.Logger == nil {
		opts.Logger = logging.Default()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.Get()
	}
	if opts.Gatherer == nil {
		opts.Gatherer = prometheus.DefaultGatherer
	}

	s := &Server{
		backend: opts.Backend,
		limiter: opts.Limiter,
		auth:    newTokenAuth(opts.TokenHash),
		cfg:     opts.Config,
		version: opts.Version,
		logger:  opts.Logger.WithComponent("api"),
		metrics: opts.Metrics,
		started: time.Now(),
	}
	if opts.Hub != nil {
		s.ws = NewWSManager(opts.Hub, opts.Logger)
	}
	s.initRoutes(opts.Gatherer)
	return s, nil
}

func (s *Server) initRoutes(g prometheus.Gatherer) {
	mux := http.NewServeMux()
	s.mux = mux

	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.HandleFunc("GET /api/ws/events", s.handleEventsWS)

	s.route("GET /api/programs", s.handleGetPrograms)
	s.route("POST /api/programs", s.handleAddProgram)
	s.route("POST /api/programs/cleanup", s.handleCleanUpPrograms)
	s.route("PUT /api/programs/{set}", s.handleUpdateProgram)
	s.route("DELETE /api/programs/{set}", s.handleRemoveProgram)
	s.route("POST /api/programs/{set}/merge", s.handleMergePrograms)
	s.route("POST /api/programs/{set}/split", s.handleSplitPrograms)
	s.route("GET /api/programs/{set}/log", s.handleGetLog)
	s.route("GET /api/programs/{set}/rules", s.handleGetSetRules)

	s.route("GET /api/rules", s.handleGetRules)
	s.route("PUT /api/rules", s.handleUpdateRule)
	s.route("DELETE /api/rules/{guid}", s.handleRemoveRule)
	s.route("POST /api/rules/approval", s.handleApproval)
	s.route("POST /api/rules/cleanup", s.handleCleanUpRules)
	s.route("POST /api/rules/reload", s.handleReload)
	s.route("POST /api/block", s.handleBlockInternet)

	s.route("DELETE /api/log", s.handleClearLog)
	s.route("GET /api/connections", s.handleGetConnections)
	s.route("GET /api/guard", s.handleGetGuard)
	s.route("PUT /api/guard", s.handleSetGuard)

	s.handler = accessLog(s.logger, i18n.Middleware(mux))
}

// route registers h with a request counter, a body limit and, for
// mutating methods, the token check and the rate limiter.
func (s *Server) route(pattern string, h http.HandlerFunc) {
	method, _, _ := strings.Cut(pattern, " ")
	var handler http.Handler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
		rw := &accessLogWriter{ResponseWriter: w}
		h(rw, r)
		if rw.status == 0 {
			rw.status = http.StatusOK
		}
		s.metrics.RecordRequest(pattern, rw.status)
	})
	if method != http.MethodGet {
		if s.auth != nil {
			handler = s.auth.middleware(handler)
		}
		if s.limiter != nil {
			handler = s.limiter.Middleware(getClientIP, handler)
		}
	}
	s.mux.Handle(pattern, handler)
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

// ListenAndServe serves on addr until ctx ends, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx ends.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	if s.cfg.MaxConns > 0 {
		ln = netutil.LimitListener(ln, s.cfg.MaxConns)
	}
	srv := &http.Server{
		Handler:           s,
		ReadHeaderTimeout: s.cfg.ReadHeaderTimeout,
		ReadTimeout:       s.cfg.ReadTimeout,
		WriteTimeout:      s.cfg.WriteTimeout,
		IdleTimeout:       s.cfg.IdleTimeout,
		MaxHeaderBytes:    s.cfg.MaxHeaderBytes,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	s.logger.Info("api listening", "addr", ln.Addr().String())

	select {
	case err := <-errCh:
		s.Close()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	s.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("api shutdown: %w", err)
	}
	return nil
}

// Close disconnects websocket clients.
func (s *Server) Close() {
	if s.ws != nil {
		s.ws.Close()
	}
}
