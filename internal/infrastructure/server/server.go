package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"

	apihttp "github.com/GriffinCanCode/kcpu/internal/api/http"
	"github.com/GriffinCanCode/kcpu/internal/api/middleware"
	"github.com/GriffinCanCode/kcpu/internal/api/ws"
	"github.com/GriffinCanCode/kcpu/internal/domain/kloader"
	"github.com/GriffinCanCode/kcpu/internal/domain/library"
	"github.com/GriffinCanCode/kcpu/internal/infrastructure/config"
	"github.com/GriffinCanCode/kcpu/internal/infrastructure/logging"
	"github.com/GriffinCanCode/kcpu/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/kcpu/internal/infrastructure/tracing"
)

// HealthService is the service name reported on the gRPC health server.
const HealthService = "kcpu.Loader"

const shutdownTimeout = 10 * time.Second

// Server wraps the HTTP and health servers and their dependencies
type Server struct {
	config  *config.Config
	router  *gin.Engine
	grpc    *grpc.Server
	health  *health.Server
	loader  *kloader.Loader
	library *library.Library
	backend *Backend
	tracer  *tracing.Tracer
	logger  *logging.Logger
	metrics *monitoring.Metrics
}

// NewServer creates a new server instance. A nil backend is opened from
// cfg.Device.
func NewServer(cfg *config.Config, backend *Backend, logger *logging.Logger) (*Server, error) {
	if logger == nil {
		logger = logging.NewNop()
	}

	logger.Info("Initializing kcpu server",
		zap.String("port", cfg.Server.Port),
		zap.String("grpc_port", cfg.Server.GRPCPort),
		zap.String("backend", cfg.Device.Backend),
	)

	layout, err := config.LoadLayout(cfg.Device.PlatformFile)
	if err != nil {
		return nil, err
	}

	if backend == nil {
		switch cfg.Device.Backend {
		case config.BackendDevMem:
			backend, err = DevMemBackend(cfg.Device.DevMemPath, layout)
			if err != nil {
				return nil, fmt.Errorf("failed to open device: %w", err)
			}
		default:
			backend = SimBackend(layout)
		}
	}

	metrics := monitoring.NewMetrics()

	loader, err := kloader.New(backend.Memory, backend.Device, kloader.Config{
		Layout:         layout,
		HandoffTimeout: cfg.Device.HandoffTimeout,
		HaltTimeout:    cfg.Device.HaltTimeout,
		Poll:           cfg.Device.Poll,
	})
	if err != nil {
		backend.Close()
		return nil, err
	}
	loader.WithLogger(logger.Logger).WithMetrics(metrics)

	var lib *library.Library
	if cfg.Library.Dir != "" {
		lib, err = library.Open(cfg.Library.Dir, layout)
		if err != nil {
			backend.Close()
			return nil, err
		}
	}

	tracer := tracing.New("kcpu", logger.Logger)

	if !cfg.Logging.Development {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(tracing.HTTPMiddleware(tracer))
	router.Use(monitoring.Middleware(metrics))
	router.Use(middleware.CORS(middleware.DefaultCORSConfig()))
	if cfg.RateLimit.Enabled {
		logger.Info("Rate limiting enabled",
			zap.Int("rps", cfg.RateLimit.RequestsPerSecond),
			zap.Int("burst", cfg.RateLimit.Burst),
		)
		rl := middleware.DefaultRateLimitConfig()
		rl.RequestsPerSecond = cfg.RateLimit.RequestsPerSecond
		rl.Burst = cfg.RateLimit.Burst
		router.Use(middleware.RateLimit(rl))
	}

	apihttp.NewHandlers(loader, lib, metrics, logger.Logger).Register(router)
	router.GET("/kernel/events", ws.NewHandler(loader, metrics, logger.Logger).HandleConnection)
	router.GET("/metrics", gin.WrapH(metrics.Handler()))

	hs := health.NewServer()
	gs := grpc.NewServer(
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    60 * time.Second,
			Timeout: 20 * time.Second,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             30 * time.Second,
			PermitWithoutStream: false,
		}),
		grpc.UnaryInterceptor(tracing.GRPCUnaryInterceptor(tracer)),
		grpc.StreamInterceptor(tracing.GRPCStreamInterceptor(tracer)),
	)
	healthpb.RegisterHealthServer(gs, hs)

	s := &Server{
		config:  cfg,
		router:  router,
		grpc:    gs,
		health:  hs,
		loader:  loader,
		library: lib,
		backend: backend,
		tracer:  tracer,
		logger:  logger,
		metrics: metrics,
	}
	s.setServing(!loader.Faulted())

	logger.Info("Server initialized successfully")
	return s, nil
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Loader returns the kernel loader the server drives.
func (s *Server) Loader() *kloader.Loader {
	return s.loader
}

// Health returns the gRPC health server.
func (s *Server) Health() *health.Server {
	return s.health
}

func (s *Server) setServing(ok bool) {
	st := healthpb.HealthCheckResponse_SERVING
	if !ok {
		st = healthpb.HealthCheckResponse_NOT_SERVING
	}
	s.health.SetServingStatus("", st)
	s.health.SetServingStatus(HealthService, st)
}

// watchHealth keeps the health status in line with the loader's fault state.
func (s *Server) watchHealth(ctx context.Context) {
	events, cancel := s.loader.Subscribe()
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-events:
			if !ok {
				return
			}
			s.setServing(!s.loader.Faulted())
		}
	}
}

// Boot loads and starts the startup kernel from the library, or the idle
// kernel when none is configured.
func (s *Server) Boot(ctx context.Context) error {
	lc := s.config.Library
	if lc.StartupKernel == "" || s.library == nil {
		if !lc.IdleOnBoot {
			return nil
		}
		s.logger.Info("Starting idle kernel")
		return s.loader.StartIdle(ctx)
	}

	buf, err := s.library.Get(lc.StartupKernel)
	if err != nil {
		return fmt.Errorf("startup kernel: %w", err)
	}
	if _, err := s.loader.Load(ctx, buf); err != nil {
		return fmt.Errorf("startup kernel %s: %w", lc.StartupKernel, err)
	}
	ep, err := s.loader.Find(lc.StartupSymbol)
	if err != nil {
		return fmt.Errorf("startup kernel %s: %w", lc.StartupKernel, err)
	}

	s.logger.Info("Starting startup kernel",
		zap.String("kernel", lc.StartupKernel),
		zap.String("entry", ep.Name()),
		logging.Addr("addr", ep.Addr()),
	)
	return s.loader.StartUser(ctx, ep)
}

// Run listens on the configured addresses and serves until ctx ends.
func (s *Server) Run(ctx context.Context) error {
	httpAddr := net.JoinHostPort(s.config.Server.Host, s.config.Server.Port)
	httpLn, err := net.Listen("tcp", httpAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", httpAddr, err)
	}

	var grpcLn net.Listener
	if s.config.Server.GRPCPort != "" {
		grpcAddr := net.JoinHostPort(s.config.Server.Host, s.config.Server.GRPCPort)
		grpcLn, err = net.Listen("tcp", grpcAddr)
		if err != nil {
			httpLn.Close()
			return fmt.Errorf("listen %s: %w", grpcAddr, err)
		}
	}
	return s.Serve(ctx, httpLn, grpcLn)
}

// Serve serves HTTP on httpLn and gRPC health on grpcLn (if not nil) until
// ctx ends or a server fails, then shuts everything down. The coprocessor is
// always stopped on the way out.
func (s *Server) Serve(ctx context.Context, httpLn, grpcLn net.Listener) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go s.watchHealth(ctx)

	hs := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 2)
	go func() {
		s.logger.Info("Starting HTTP server", zap.String("addr", httpLn.Addr().String()))
		if err := hs.Serve(httpLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()
	if grpcLn != nil {
		go func() {
			s.logger.Info("Starting health server", zap.String("addr", grpcLn.Addr().String()))
			if err := s.grpc.Serve(grpcLn); err != nil {
				errCh <- fmt.Errorf("grpc server: %w", err)
			}
		}()
	}

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
	}

	s.logger.Info("Shutting down server...")
	s.health.Shutdown()

	shutdownCtx, done := context.WithTimeout(context.Background(), shutdownTimeout)
	defer done()

	if err := hs.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("HTTP shutdown failed", zap.Error(err))
	}
	s.grpc.GracefulStop()

	return errors.Join(runErr, s.Close(shutdownCtx))
}

// Close stops the coprocessor and releases the backend.
func (s *Server) Close(ctx context.Context) error {
	var errs []error
	if err := s.loader.Stop(ctx); err != nil {
		s.logger.Error("Failed to stop coprocessor", zap.Error(err))
		errs = append(errs, fmt.Errorf("stop coprocessor: %w", err))
	}
	if err := s.backend.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close backend: %w", err))
	}
	s.tracer.Close()
	_ = s.logger.Sync()
	return errors.Join(errs...)
}
