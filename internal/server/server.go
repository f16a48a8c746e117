// Package server wires the daemon together and runs its HTTP surface.
package server

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/orchardstore/orchard/internal/api"
	"github.com/orchardstore/orchard/internal/appstate"
	"github.com/orchardstore/orchard/internal/bridge"
	"github.com/orchardstore/orchard/internal/catalog"
	"github.com/orchardstore/orchard/internal/config"
	"github.com/orchardstore/orchard/internal/imagecache"
	"github.com/orchardstore/orchard/internal/logging"
	"github.com/orchardstore/orchard/internal/metacache"
	"github.com/orchardstore/orchard/internal/monitoring"
	"github.com/orchardstore/orchard/internal/probe"
	"github.com/orchardstore/orchard/internal/storage"
	"github.com/orchardstore/orchard/internal/updater"
)

// Server is the assembled daemon.
type Server struct {
	router    *gin.Engine
	http      *http.Server
	store     *appstate.Store
	refresher *appstate.Refresher
	storage   *storage.Store
	logger    *logging.Logger
	config    *config.Config
	metrics   *monitoring.Metrics
}

// New builds the daemon from configuration.
func New(cfg *config.Config) (*Server, error) {
	var logger *logging.Logger
	if cfg.Logging.Development {
		logger = logging.NewDevelopment()
	} else {
		logger = logging.NewDefault()
	}

	logger.Info("Initializing orchard daemon",
		zap.String("port", cfg.Server.Port),
		zap.String("bridge", cfg.Bridge.Command))

	metrics := monitoring.NewMetrics()

	storagePath := cfg.Storage.Path
	if storagePath == "" {
		storagePath = filepath.Join(defaultDataDir(), "cache.db")
	}
	store, err := storage.Open(storagePath, logger.Named("storage"))
	if err != nil {
		return nil, fmt.Errorf("opening cache storage: %w", err)
	}

	cache := metacache.New(store, map[string]time.Duration{
		catalog.SectionAppOfTheDay: 12 * time.Hour,
	}, logger.Named("metacache"))

	sessions := bridge.NewSessionManager(metrics, logger.Named("sessions"))
	pm := bridge.NewFlatpak(cfg.Bridge.Command, sessions, metrics, logger.Named("bridge"))

	appStore := appstate.NewStore()
	refresher := appstate.NewRefresher(pm, appStore, cache, logger.Named("refresh"))

	orchestrator := updater.New(pm, appStore, cache, metrics, logger.Named("updater"))
	orchestrator.SetOnFinished(func(ctx context.Context) {
		if err := refresher.Refresh(ctx); err != nil {
			logger.Warn("Post-update refresh failed", zap.Error(err))
		}
	})

	prober := probe.New(pm, cfg.Bridge.ProbeWindow, logger.Named("probe"))

	imageCfg := imagecache.DefaultConfig(cfg.ImageCache.Dir)
	if cfg.ImageCache.MaxConcurrent > 0 {
		imageCfg.MaxConcurrent = cfg.ImageCache.MaxConcurrent
	}
	if cfg.ImageCache.MaxRetries >= 0 {
		imageCfg.MaxRetries = cfg.ImageCache.MaxRetries
	}
	if cfg.ImageCache.RetryBackoff > 0 {
		imageCfg.RetryBackoff = cfg.ImageCache.RetryBackoff
	}
	if cfg.ImageCache.StartSpacing > 0 {
		imageCfg.StartSpacing = cfg.ImageCache.StartSpacing
	}
	images := imagecache.NewManager(imageCfg, nil, metrics, logger.Named("images"))

	catalogClient := catalog.New(cfg.Catalog.BaseURL, cfg.Catalog.Timeout, cache, logger.Named("catalog"))

	handlers := &api.Handlers{
		Store:        appStore,
		Refresher:    refresher,
		Bridge:       pm,
		Orchestrator: orchestrator,
		Prober:       prober,
		Catalog:      catalogClient,
		Images:       images,
		Logger:       logger.Named("api"),
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestLogger(logger.Named("http")))
	router.Use(metricsMiddleware(metrics))
	router.Use(cors.New(cors.Config{
		AllowAllOrigins: true,
		AllowMethods:    []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders:    []string{"Content-Type"},
	}))

	handlers.Register(router)
	router.GET("/ws", handlers.HandleFeed)
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(metrics.Registry(), promhttp.HandlerOpts{})))
	router.GET("/health", func(c *gin.Context) {
		metrics.UpdateUptime()
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	return &Server{
		router:    router,
		store:     appStore,
		refresher: refresher,
		storage:   store,
		logger:    logger,
		config:    cfg,
		metrics:   metrics,
	}, nil
}

// Run starts the periodic refresh loop and serves HTTP until ctx is
// canceled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	// Initial refresh so the UI has state on first paint. Failure is not
	// fatal: the daemon stays usable and retries on the ticker.
	if err := s.refresher.Refresh(ctx); err != nil {
		s.logger.Warn("Initial refresh failed", zap.Error(err))
	}

	go s.refreshLoop(ctx)

	addr := s.config.Server.Host + ":" + s.config.Server.Port
	s.http = &http.Server{Addr: addr, Handler: s.router}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("HTTP server listening", zap.String("addr", addr))
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.http.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn("HTTP shutdown error", zap.Error(err))
	}
	if err := s.storage.Close(); err != nil {
		s.logger.Warn("Storage close error", zap.Error(err))
	}
	s.logger.Info("Daemon stopped")
	return nil
}

func (s *Server) refreshLoop(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := s.refresher.Refresh(ctx); err != nil {
				s.logger.Warn("Periodic refresh failed", zap.Error(err))
			}
		case <-ctx.Done():
			return
		}
	}
}

func requestLogger(logger *logging.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("duration", time.Since(start)))
	}
}

func metricsMiddleware(m *monitoring.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		m.RequestsTotal.WithLabelValues(c.Request.Method, path, fmt.Sprint(c.Writer.Status())).Inc()
		m.RequestDuration.WithLabelValues(c.Request.Method, path).Observe(time.Since(start).Seconds())
	}
}

func defaultDataDir() string {
	dir, err := os.UserCacheDir()
	if err != nil {
		return "."
	}
	return filepath.Join(dir, "orchard")
}
