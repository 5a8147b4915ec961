// Package server is the HTTP surface: cookie auth, novel CRUD and
// upload, pipeline job control, and the role-play query endpoints.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"airp/internal/auth"
	"airp/internal/config"
	"airp/internal/db"
	"airp/internal/home"
	"airp/internal/jobs"
	"airp/internal/novels"
	"airp/internal/pipeline"
	"airp/internal/providers"
	"airp/internal/rp"
)

// Config holds server construction inputs.
type Config struct {
	ConfigManager *config.Manager
	Logger        *slog.Logger
}

// Server wires the services together and serves HTTP.
type Server struct {
	cfgMgr *config.Manager
	logger *slog.Logger

	home     *home.Dir
	database *db.DB
	auth     *auth.Service
	novels   *novels.Service
	sched    *jobs.Scheduler
	rpCache  *rp.Cache

	httpServer *http.Server

	mu      sync.RWMutex
	running bool
}

// New opens the workspace and database and builds all services. The
// scheduler fails over orphaned jobs here, before any request lands.
func New(cfg Config) (*Server, error) {
	if cfg.ConfigManager == nil {
		return nil, errors.New("config manager is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	conf := cfg.ConfigManager.Get()

	dir, err := home.New(conf.HomeDir)
	if err != nil {
		return nil, err
	}
	if err := dir.EnsureExists(); err != nil {
		return nil, err
	}
	database, err := db.Open(dir.DBPath())
	if err != nil {
		return nil, err
	}

	s := &Server{
		cfgMgr:   cfg.ConfigManager,
		logger:   cfg.Logger,
		home:     dir,
		database: database,
		auth:     auth.NewService(database, conf.Server.UserSessionDays, conf.Server.GuestSessionDays),
		novels:   novels.NewService(database, dir),
	}

	runner := pipeline.NewRunner(dir, conf.PipelineSettings(),
		conf.ChatConfig(), conf.EmbeddingConfig(), cfg.Logger)
	s.sched, err = jobs.NewScheduler(database, dir, runner, s.novels, cfg.Logger)
	if err != nil {
		database.Close()
		return nil, err
	}

	s.rpCache = rp.NewCache(s.buildRPService)
	s.sched.OnFinished(s.rpCache.Invalidate)

	// Retrieval tunables are hot-reloadable; drop cached services so
	// the next query rebuilds with current settings.
	cfg.ConfigManager.OnChange(func(*config.Config) {
		s.rpCache.Close()
		cfg.Logger.Info("config reloaded, retrieval services reset")
	})

	s.httpServer = &http.Server{
		Addr:         conf.Server.Addr,
		Handler:      s.routes(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	return s, nil
}

// buildRPService opens one novel's retrieval stack from its artifacts.
func (s *Server) buildRPService(novelID string) (*rp.Service, error) {
	paths, err := s.novels.Paths(novelID)
	if err != nil {
		return nil, err
	}
	conf := s.cfgMgr.Get()
	embed := providers.NewEmbeddingClient(conf.EmbeddingConfig())
	chat := providers.NewChatClient(conf.ChatConfig())
	return rp.NewService(paths, conf.RPSettings(), embed, chat, s.logger)
}

// Start serves HTTP until the context is cancelled.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return errors.New("server already running")
	}
	s.running = true
	s.mu.Unlock()

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("starting HTTP server", "addr", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			_ = s.shutdown()
			return fmt.Errorf("HTTP server error: %w", err)
		}
	}
	return s.shutdown()
}

func (s *Server) shutdown() error {
	s.logger.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("HTTP server shutdown error", "error", err)
	}

	// Let an in-flight pipeline job finish its current database writes.
	s.sched.Wait()
	s.rpCache.Close()
	if err := s.database.Close(); err != nil {
		s.logger.Error("database close error", "error", err)
	}

	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
	s.logger.Info("server stopped")
	return nil
}

// Addr returns the configured listen address.
func (s *Server) Addr() string {
	return s.httpServer.Addr
}

// Handler exposes the route tree, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}
