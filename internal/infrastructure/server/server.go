package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/klauspost/compress/gzhttp"
	"go.uber.org/zap"
	"golang.org/x/net/netutil"
	"golang.org/x/sync/errgroup"

	apihttp "github.com/GriffinCanCode/rpc-discovery/internal/api/http"
	"github.com/GriffinCanCode/rpc-discovery/internal/api/middleware"
	"github.com/GriffinCanCode/rpc-discovery/internal/api/rpc"
	"github.com/GriffinCanCode/rpc-discovery/internal/api/ws"
	"github.com/GriffinCanCode/rpc-discovery/internal/domain/health"
	"github.com/GriffinCanCode/rpc-discovery/internal/domain/service"
	"github.com/GriffinCanCode/rpc-discovery/internal/infrastructure/config"
	"github.com/GriffinCanCode/rpc-discovery/internal/infrastructure/logging"
	"github.com/GriffinCanCode/rpc-discovery/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/rpc-discovery/internal/infrastructure/tracing"
	"github.com/GriffinCanCode/rpc-discovery/internal/infrastructure/transport"
	"github.com/GriffinCanCode/rpc-discovery/internal/shared/id"
)

const shutdownTimeout = 10 * time.Second

// Server wraps the RPC and HTTP servers and dependencies
type Server struct {
	config   *config.Config
	logger   *logging.Logger
	metrics  *monitoring.Metrics
	tracer   *tracing.Tracer
	identity id.KeyPair
	registry *service.Registry
	throttle *middleware.Throttle
	rpc      *rpc.Server
	router   *gin.Engine
	http     *http.Server

	rpcLis  net.Listener
	httpLis net.Listener
}

// New builds every component and opens the registry. Nothing listens until
// Listen or Run.
func New(ctx context.Context, cfg *config.Config) (_ *Server, err error) {
	logCfg := logging.Config{
		Level:       cfg.Logging.Level,
		Development: cfg.Logging.Development,
		Fields:      map[string]string{"service": "rpc-discovery"},
	}
	if cfg.Logging.Output != "" {
		logCfg.OutputPaths = []string{cfg.Logging.Output}
	}
	logger, err := logging.New(logCfg)
	if err != nil {
		return nil, err
	}

	logger.Info("Initializing rpc-discovery",
		zap.String("storage", cfg.Storage.Path),
		zap.String("rpc_addr", cfg.Server.RPCAddr),
		zap.String("http_addr", cfg.Server.HTTPAddr),
	)

	var metrics *monitoring.Metrics
	if cfg.Metrics.Enabled {
		metrics = monitoring.NewMetrics(nil)
		logger.Info("Performance monitoring initialized")
	}

	tracer := tracing.New("rpc-discovery", logger.Logger)
	defer func() {
		if err != nil {
			tracer.Close()
		}
	}()

	identity, generated, err := loadIdentity(cfg.Identity.Seed, cfg.Storage.Path)
	if err != nil {
		return nil, fmt.Errorf("identity: %w", err)
	}
	if generated {
		logger.Info("Generated RPC identity", zap.String("public_key", identity.Public.String()))
	}

	policy := &config.Policy{}
	if cfg.Gate.PolicyFile != "" {
		if policy, err = config.LoadPolicy(cfg.Gate.PolicyFile); err != nil {
			return nil, err
		}
		logger.Info("Loaded access policy",
			zap.String("file", cfg.Gate.PolicyFile),
			zap.Int("allow", len(policy.Allow)),
			zap.Int("methods", len(policy.Methods)),
			zap.Int("peers", len(policy.Peers)),
		)
	}

	allowed, err := cfg.Gate.DecodeAllowedKeys()
	if err != nil {
		return nil, err
	}
	allow := middleware.NewAllowSet(append(allowed, policy.Allow...)...)
	if allow.Len() == 0 {
		logger.Warn("No RPC keys allowed, every mutation will be refused")
	}

	var observer middleware.Observer
	if metrics != nil {
		observer = metrics
	}
	throttle := middleware.NewThrottle(middleware.Limits{
		MaxConnections: cfg.Gate.MaxConns,
		Global:         middleware.Limit{Rate: cfg.Gate.RPS, Burst: cfg.Gate.Burst},
		MaxConcurrent:  cfg.Gate.MaxConcurrent,
	}, logger.Logger, observer)
	for method, l := range policy.Methods {
		throttle.SetMethodLimit(method, middleware.Limit{Rate: l.Rate, Burst: l.Burst})
	}

	opts := service.Options{
		Dir:         cfg.Storage.Path,
		Local:       identity.Public,
		MaxParallel: cfg.Storage.MaxParallel,
		Logger:      logger.Logger,
	}
	if metrics != nil {
		opts.Recorder = metrics
	}
	if cfg.Health.Enabled {
		book := transport.NewAddressBook(policy.Peers)
		opts.Dialer = transport.NewDialer(identity, book, logger.Logger)
		opts.Health = health.Options{
			Frequency: cfg.Health.Frequency,
			MaxTime:   cfg.Health.MaxTime,
		}
	}
	registry, err := service.New(opts)
	if err != nil {
		return nil, err
	}
	if err := registry.Open(ctx); err != nil {
		return nil, fmt.Errorf("open registry: %w", err)
	}

	rpcServer := rpc.NewServer(rpc.ServerOptions{
		Identity: identity,
		Allow:    allow,
		Throttle: throttle,
		Tracer:   tracer,
		Logger:   logger.Logger,
	})
	rpc.RegisterRegistry(rpcServer, registry)

	router := newRouter(cfg, logger, metrics, tracer, registry, throttle)

	s := &Server{
		config:   cfg,
		logger:   logger,
		metrics:  metrics,
		tracer:   tracer,
		identity: identity,
		registry: registry,
		throttle: throttle,
		rpc:      rpcServer,
		router:   router,
		http: &http.Server{
			Handler:           compress(router),
			ReadHeaderTimeout: 10 * time.Second,
		},
	}

	info, err := registry.Info()
	if err != nil {
		registry.Close()
		return nil, err
	}
	logger.Info("Server initialized successfully",
		zap.String("log_key", info.LogKey.String()),
		zap.String("view_key", info.ViewKey.String()),
		zap.String("rpc_public_key", identity.Public.String()),
		zap.Int("entries", info.Entries),
		zap.Bool("health", registry.HealthEnabled()),
	)
	return s, nil
}

func newRouter(cfg *config.Config, logger *logging.Logger, metrics *monitoring.Metrics, tracer *tracing.Tracer, registry *service.Registry, throttle *middleware.Throttle) *gin.Engine {
	if !cfg.Logging.Development {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()

	router.Use(gin.Recovery())
	router.Use(tracing.HTTPMiddleware(tracer))
	if metrics != nil {
		router.Use(monitoring.Middleware(metrics))
	}
	router.Use(middleware.CORS(middleware.DefaultCORSConfig()))
	if cfg.RateLimit.Enabled {
		logger.Info("Rate limiting enabled",
			zap.Int("rps", cfg.RateLimit.RequestsPerSecond),
			zap.Int("burst", cfg.RateLimit.Burst),
		)
		router.Use(middleware.RateLimit(middleware.RateLimitConfig{
			RequestsPerSecond: cfg.RateLimit.RequestsPerSecond,
			Burst:             cfg.RateLimit.Burst,
			MaxClients:        cfg.RateLimit.MaxClients,
		}))
	}

	handlers := apihttp.NewHandlers(registry, metrics, throttle, logger.Logger)
	handlers.Register(router)

	var wsObserver ws.Observer
	if metrics != nil {
		wsObserver = metrics
		router.GET("/metrics", gin.WrapH(metrics.Handler()))
	}
	router.GET("/health/stream", ws.NewHandler(registry, wsObserver, logger.Logger).HandleConnection)

	return router
}

// compress gzips responses except WebSocket upgrades, which need the raw
// connection.
func compress(h http.Handler) http.Handler {
	gz := gzhttp.GzipHandler(h)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if websocket.IsWebSocketUpgrade(r) {
			h.ServeHTTP(w, r)
			return
		}
		gz.ServeHTTP(w, r)
	})
}

// Listen binds the RPC and HTTP addresses.
func (s *Server) Listen() error {
	rpcLis, err := net.Listen("tcp", s.config.Server.RPCAddr)
	if err != nil {
		return fmt.Errorf("listen rpc: %w", err)
	}
	httpLis, err := net.Listen("tcp", s.config.Server.HTTPAddr)
	if err != nil {
		rpcLis.Close()
		return fmt.Errorf("listen http: %w", err)
	}
	if n := s.config.Server.HTTPMaxConns; n > 0 {
		httpLis = netutil.LimitListener(httpLis, n)
	}
	s.rpcLis, s.httpLis = rpcLis, httpLis
	return nil
}

// Serve blocks until both servers stop. Listen must have succeeded.
func (s *Server) Serve() error {
	var g errgroup.Group
	g.Go(func() error {
		return s.rpc.Serve(s.rpcLis)
	})
	g.Go(func() error {
		s.logger.Info("Starting HTTP server", zap.String("addr", s.httpLis.Addr().String()))
		if err := s.http.Serve(s.httpLis); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	return g.Wait()
}

// Run listens and serves.
func (s *Server) Run() error {
	if err := s.Listen(); err != nil {
		return err
	}
	return s.Serve()
}

// RPCAddr is the bound RPC address, once listening.
func (s *Server) RPCAddr() net.Addr { return s.rpcLis.Addr() }

// HTTPAddr is the bound HTTP address, once listening.
func (s *Server) HTTPAddr() net.Addr { return s.httpLis.Addr() }

// PublicKey is the RPC identity.
func (s *Server) PublicKey() id.Key { return s.identity.Public }

// Registry exposes the running registry.
func (s *Server) Registry() *service.Registry { return s.registry }

// Close gracefully shuts down the server
func (s *Server) Close() error {
	s.logger.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	var errs []error
	if err := s.http.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}

	stopped := make(chan struct{})
	go func() {
		s.rpc.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-ctx.Done():
		s.logger.Warn("RPC graceful stop timed out, forcing")
		s.rpc.Stop()
	}

	if err := s.registry.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close registry: %w", err))
	}
	s.tracer.Close()
	s.logger.Info("Shutdown complete")

	// Sync logger before exit
	s.logger.Sync()
	return errors.Join(errs...)
}
