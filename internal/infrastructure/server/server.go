// Package server exposes a running kernel over HTTP: the environment
// table, the frame allocator, the file system and Prometheus metrics.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/exokern/internal/env"
	"github.com/GriffinCanCode/exokern/internal/infrastructure/config"
	"github.com/GriffinCanCode/exokern/internal/infrastructure/logging"
	"github.com/GriffinCanCode/exokern/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/exokern/internal/kernel"
	"github.com/GriffinCanCode/exokern/internal/mem"
	"github.com/GriffinCanCode/exokern/internal/memfs"
)

const shutdownTimeout = 5 * time.Second

// Kernel is the read-only view of a kernel the server needs.
type Kernel interface {
	ID() string
	Envs() []env.Info
	Env(id env.ID) (env.Info, error)
	Mappings(id env.ID) ([]kernel.Mapping, error)
	Pages() mem.Stats
	Metrics() *monitoring.Metrics
}

// Files lists the file system.
type Files interface {
	List() []memfs.Info
}

// Server wraps the HTTP router and its dependencies
type Server struct {
	router *gin.Engine
	kernel Kernel
	files  Files
	logger *logging.Logger
	config config.ServerConfig
}

// New creates a status server. files may be nil.
func New(cfg config.ServerConfig, k Kernel, files Files, logger *logging.Logger, development bool) *Server {
	if !development {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(monitoring.Middleware(k.Metrics()))
	if len(cfg.CORSOrigins) > 0 {
		router.Use(CORS(cfg.CORSOrigins))
	}
	if cfg.RateLimit > 0 {
		router.Use(RateLimit(cfg.RateLimit, cfg.Burst))
	}

	s := &Server{
		router: router,
		kernel: k,
		files:  files,
		logger: logger,
		config: cfg,
	}

	router.GET("/health", s.health)
	router.GET("/envs", s.listEnvs)
	router.GET("/envs/:id", s.getEnv)
	router.GET("/envs/:id/pages", s.envPages)
	router.GET("/pages", s.pages)
	router.GET("/files", s.listFiles)
	router.GET("/stats", s.stats)
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(k.Metrics().Registry(), promhttp.HandlerOpts{})))

	return s
}

// Handler returns the router.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Addr returns the listen address.
func (s *Server) Addr() string {
	return net.JoinHostPort(s.config.Host, s.config.Port)
}

// Run serves until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.Addr(),
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		s.logger.Info("Starting status server", zap.String("addr", srv.Addr))
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("status server: %w", err)
	case <-ctx.Done():
	}

	s.logger.Info("Shutting down status server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shut down status server: %w", err)
	}
	return nil
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"kernel": s.kernel.ID(),
		"envs":   len(s.kernel.Envs()),
	})
}

func (s *Server) listEnvs(c *gin.Context) {
	envs := s.kernel.Envs()
	c.JSON(http.StatusOK, gin.H{
		"envs":  envs,
		"count": len(envs),
	})
}

// envID parses the id in hex, as the console prints it.
func envID(c *gin.Context) (env.ID, bool) {
	raw, err := strconv.ParseUint(c.Param("id"), 16, 32)
	if err != nil || raw == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid environment id"})
		return 0, false
	}
	return env.ID(raw), true
}

func (s *Server) getEnv(c *gin.Context) {
	id, ok := envID(c)
	if !ok {
		return
	}
	info, err := s.kernel.Env(id)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, info)
}

func (s *Server) envPages(c *gin.Context) {
	id, ok := envID(c)
	if !ok {
		return
	}
	pages, err := s.kernel.Mappings(id)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"pages": pages,
		"count": len(pages),
	})
}

func (s *Server) pages(c *gin.Context) {
	c.JSON(http.StatusOK, s.kernel.Pages())
}

func (s *Server) listFiles(c *gin.Context) {
	if s.files == nil {
		c.JSON(http.StatusOK, gin.H{"files": []memfs.Info{}, "count": 0})
		return
	}
	files := s.files.List()
	c.JSON(http.StatusOK, gin.H{
		"files": files,
		"count": len(files),
	})
}

// stats counts environments by status next to the frame arena and the
// kernel counters.
func (s *Server) stats(c *gin.Context) {
	byStatus := map[string]int{}
	envs := s.kernel.Envs()
	for _, e := range envs {
		byStatus[e.State]++
	}
	c.JSON(http.StatusOK, gin.H{
		"envs":     len(envs),
		"byStatus": byStatus,
		"pages":    s.kernel.Pages(),
		"counters": s.kernel.Metrics().Snapshot(),
	})
}
