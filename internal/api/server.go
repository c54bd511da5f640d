// Package api serves a read-only status API over stored artifacts and live
// replay sessions.
package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/stagehand-project/stagehand/internal/config"
	"github.com/stagehand-project/stagehand/internal/db"
	intnet "github.com/stagehand-project/stagehand/internal/network"
	"github.com/stagehand-project/stagehand/internal/protocol"
	"github.com/stagehand-project/stagehand/internal/replay"
	"github.com/stagehand-project/stagehand/internal/script"
	"github.com/stagehand-project/stagehand/internal/util"
)

// ArtifactReader is the part of the artifact store the API reads from.
type ArtifactReader interface {
	List(ctx context.Context) ([]db.ArtifactInfo, error)
	Info(ctx context.Context, name string) (db.ArtifactInfo, error)
	Load(ctx context.Context, name string) (*script.Artifact, error)
}

// SessionLister reports live replay sessions. *replay.Host implements it.
type SessionLister interface {
	Active() []replay.Info
}

// Server is the REST API server.
type Server struct {
	cfg       config.APIConfig
	artifacts ArtifactReader
	sessions  SessionLister
	codecs    *protocol.Registry
	version   string
	started   time.Time
	diskPath  string

	httpServer *http.Server
	router     *gin.Engine
}

// NewServer creates a new API server. sessions may be nil when no replay
// listener runs in this process.
func NewServer(cfg config.APIConfig, artifacts ArtifactReader, sessions SessionLister, version string) *Server {
	if zerolog.GlobalLevel() <= zerolog.DebugLevel {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	s := &Server{
		cfg:       cfg,
		artifacts: artifacts,
		sessions:  sessions,
		codecs:    protocol.DefaultRegistry(),
		version:   version,
		started:   time.Now(),
		diskPath:  ".",
	}
	s.router = s.buildRouter()
	return s
}

// WithDiskPath selects the directory whose disk /api/system reports.
func (s *Server) WithDiskPath(path string) *Server {
	if path != "" {
		s.diskPath = path
	}
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start listens on the configured address and serves until ctx is done.
func (s *Server) Start(ctx context.Context) error {
	lc := intnet.ReuseAddrListenConfig()
	ln, err := lc.Listen(ctx, "tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("API server error: %w", err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is done.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.httpServer = &http.Server{
		Handler:      s.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	log.Info().Str("addr", ln.Addr().String()).Msg("status API starting")

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	var err error
	if s.cfg.UseTLS {
		err = s.serveTLS(ln)
	} else {
		err = s.httpServer.Serve(ln)
	}
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("API server error: %w", err)
	}
	return nil
}

// serveTLS serves HTTPS, generating a self-signed certificate for the
// listen address on first use.
func (s *Server) serveTLS(ln net.Listener) error {
	hosts := []string{"localhost", "127.0.0.1"}
	if host, _, err := net.SplitHostPort(s.cfg.ListenAddr); err == nil && host != "" && host != "0.0.0.0" {
		hosts = append(hosts, host)
	}
	if _, err := util.EnsureSelfSignedCert(s.cfg.CertFile, s.cfg.KeyFile, hosts); err != nil {
		return err
	}
	return s.httpServer.ServeTLS(ln, s.cfg.CertFile, s.cfg.KeyFile)
}

// buildRouter creates the Gin router with all routes and middleware.
func (s *Server) buildRouter() *gin.Engine {
	router := gin.New()

	router.Use(gin.Recovery())
	router.Use(RequestLogger())
	router.Use(SecurityHeaders())

	allowedOrigins := s.cfg.AllowedOrigins
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}
	router.Use(cors.New(cors.Config{
		AllowOrigins:     allowedOrigins,
		AllowMethods:     []string{"GET", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}))

	router.Use(NewRateLimiter(s.cfg.RateLimitRPS).Middleware())

	api := router.Group("/api")
	{
		api.GET("/ping", s.handlePing)
		api.GET("/system", s.handleSystem)
		api.GET("/artifacts", s.handleListArtifacts)
		api.GET("/artifacts/:name", s.handleGetArtifact)
		api.GET("/artifacts/:name/entries/:export", s.handleGetEntry)
		api.GET("/sessions", s.handleSessions)
	}

	router.NoRoute(func(c *gin.Context) {
		if strings.HasPrefix(c.Request.URL.Path, "/api/") {
			c.JSON(http.StatusNotFound, gin.H{"error": "endpoint not found"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"message": "stagehand status API, see /api/ping"})
	})

	return router
}

// Stop gracefully stops the API server.
func (s *Server) Stop() error {
	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}
