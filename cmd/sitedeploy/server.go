package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/artpar/sitedeploy/internal/shell/api"
	"github.com/artpar/sitedeploy/internal/shell/capture"
	"github.com/artpar/sitedeploy/internal/shell/deploy"
	"github.com/artpar/sitedeploy/internal/shell/docker"
	"github.com/artpar/sitedeploy/internal/shell/ledger"
	"github.com/artpar/sitedeploy/internal/shell/localbuild"
	"github.com/artpar/sitedeploy/internal/shell/portpool"
	"github.com/artpar/sitedeploy/internal/shell/store"
	"github.com/artpar/sitedeploy/internal/shell/workers"
)

// =============================================================================
// Exit Codes
// =============================================================================

const (
	ExitSuccess         = 0
	ExitConfigError     = 1
	ExitDatabaseError   = 2
	ExitDockerError     = 3
	ExitHTTPServerError = 4
)

// reconcileTimeout bounds the startup scan of existing deploy containers.
const reconcileTimeout = 30 * time.Second

// =============================================================================
// Server
// =============================================================================

// Server represents the sitedeploy application server.
type Server struct {
	config        *Config
	httpServer    *http.Server
	store         store.Store
	docker        docker.Client
	reconciler    *docker.Reconciler
	captureWorker *workers.CaptureWorker
	logger        *slog.Logger
}

// NewServer creates a new server with the given config.
func NewServer(cfg *Config, logger *slog.Logger) (*Server, error) {
	if cfg.Database.DSN != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(cfg.Database.DSN), 0o755); err != nil {
			return nil, &ServerError{Op: "NewServer", Err: err, ExitCode: ExitDatabaseError}
		}
	}

	// Connect to database
	s, err := store.NewSQLiteStore(cfg.Database.DSN)
	if err != nil {
		return nil, &ServerError{
			Op:       "NewServer",
			Err:      err,
			ExitCode: ExitDatabaseError,
		}
	}

	// Connect to Docker; an unreachable daemon is not fatal
	d, err := docker.NewDockerClient(cfg.Docker.Host)
	if err != nil {
		s.Close()
		return nil, &ServerError{
			Op:       "NewServer",
			Err:      err,
			ExitCode: ExitDockerError,
		}
	}

	ports, err := portpool.New(portpool.PortRange{
		Start: cfg.Deploy.PortRangeStart,
		End:   cfg.Deploy.PortRangeEnd,
	}, logger)
	if err != nil {
		s.Close()
		d.Close()
		return nil, &ServerError{
			Op:       "NewServer",
			Err:      err,
			ExitCode: ExitConfigError,
		}
	}

	rollbackMode, err := deploy.ParseRollbackMode(cfg.Deploy.RollbackMode)
	if err != nil {
		s.Close()
		d.Close()
		return nil, &ServerError{
			Op:       "NewServer",
			Err:      err,
			ExitCode: ExitConfigError,
		}
	}

	orch := docker.NewOrchestrator(d, ports, docker.OrchestratorConfig{
		OutputRoot:  cfg.Deploy.OutputRoot,
		LabelPrefix: cfg.Deploy.LabelPrefix,
		PublicHost:  cfg.Deploy.PublicHost,
		MemoryLimit: cfg.Deploy.MemoryLimit,
		CPULimit:    cfg.Deploy.CPULimit,
		StopTimeout: cfg.Deploy.StopTimeout,
	}, logger)

	deps := deploy.Deps{
		Orchestrator: orch,
		Ledger:       ledger.New(s, logger),
		Ports:        ports,
	}
	if cfg.Local.Enabled {
		deps.Builder = localbuild.NewBuilder(localbuild.BuilderConfig{
			InstallTimeout: cfg.Local.InstallTimeout,
			BuildTimeout:   cfg.Local.BuildTimeout,
		}, logger)
		deps.Publisher = localbuild.NewPublisher(cfg.Local.PublishRoot, cfg.Local.PublicURL, s, logger)
		logger.Info("local publish fallback enabled", "publish_root", cfg.Local.PublishRoot)
	}

	svc := deploy.NewService(deps, deploy.Config{
		RollbackMode: rollbackMode,
		OutputRoot:   cfg.Deploy.OutputRoot,
	}, logger)

	apiCfg := api.Config{
		Service:        svc,
		Logger:         logger,
		OutputRoot:     cfg.Deploy.OutputRoot,
		PreviewBaseURL: cfg.Capture.PreviewBaseURL,
	}
	if cfg.Local.Enabled {
		apiCfg.PublishRoot = cfg.Local.PublishRoot
	}

	// Create capture gate and worker
	var captureWorker *workers.CaptureWorker
	if cfg.Capture.Enabled {
		gate := capture.NewGate(s, logger)
		captureWorker = workers.NewCaptureWorker(workers.LogCapturer{Logger: logger}, s, gate, workers.CaptureWorkerConfig{
			QueueSize: cfg.Capture.QueueSize,
			Timeout:   cfg.Capture.Timeout,
		}, logger)
		apiCfg.Gate = gate
		apiCfg.Captures = captureWorker
	}

	// Create HTTP server
	httpServer := &http.Server{
		Addr:         cfg.Server.Address(),
		Handler:      api.NewHandler(apiCfg).Routes(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	return &Server{
		config:        cfg,
		httpServer:    httpServer,
		store:         s,
		docker:        d,
		reconciler:    docker.NewReconciler(d, orch, logger),
		captureWorker: captureWorker,
		logger:        logger,
	}, nil
}

// Start starts the server and blocks until shutdown.
func (s *Server) Start(ctx context.Context) error {
	// Setup signal handling
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	// Rebuild port and container state before accepting deploys
	s.reconcile(ctx)

	if s.captureWorker != nil {
		s.captureWorker.Start()
	}

	// Start HTTP server in goroutine
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("starting HTTP server",
			"address", s.config.Server.Address())
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// Wait for shutdown signal or error
	select {
	case sig := <-sigCh:
		s.logger.Info("received shutdown signal", "signal", sig)
	case err := <-errCh:
		s.Shutdown(context.Background())
		return &ServerError{
			Op:       "Start",
			Err:      err,
			ExitCode: ExitHTTPServerError,
		}
	case <-ctx.Done():
		s.logger.Info("context cancelled")
	}

	return s.Shutdown(context.Background())
}

// reconcile adopts deploy containers left by a previous process.
func (s *Server) reconcile(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, reconcileTimeout)
	defer cancel()
	s.reconciler.Reconcile(ctx)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("initiating graceful shutdown")

	// Create shutdown context with timeout
	shutdownCtx, cancel := context.WithTimeout(ctx, s.config.Server.ShutdownTimeout)
	defer cancel()

	// Shutdown HTTP server
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("HTTP server shutdown error", "error", err)
	}

	// Stop capture worker
	if s.captureWorker != nil {
		s.captureWorker.Stop()
	}

	// Close Docker client
	if err := s.docker.Close(); err != nil {
		s.logger.Error("Docker client close error", "error", err)
	}

	// Close database
	if err := s.store.Close(); err != nil {
		s.logger.Error("database close error", "error", err)
	}

	s.logger.Info("shutdown complete")
	return nil
}

// =============================================================================
// Server Error
// =============================================================================

// ServerError represents an error during server operation.
type ServerError struct {
	Op       string
	Err      error
	ExitCode int
}

func (e *ServerError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *ServerError) Unwrap() error {
	return e.Err
}
