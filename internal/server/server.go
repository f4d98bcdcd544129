package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/antigravity-tools/cloudcode-gateway/internal/cloudcode"
	"github.com/antigravity-tools/cloudcode-gateway/internal/config"
	"github.com/antigravity-tools/cloudcode-gateway/internal/format"
	"github.com/antigravity-tools/cloudcode-gateway/internal/stats"
	"github.com/antigravity-tools/cloudcode-gateway/internal/token"
	"github.com/antigravity-tools/cloudcode-gateway/internal/utils"
)

// Server wires the gateway's HTTP surface to the pool, translators, and
// upstream client.
type Server struct {
	cfg      *config.Config
	engine   *gin.Engine
	manager  *token.Manager
	upstream *cloudcode.UpstreamClient
	resolver *cloudcode.ProjectResolver
	router   *format.Router
	stats    *stats.Store
}

// New assembles the server. statsStore may be nil.
func New(cfg *config.Config, manager *token.Manager, upstream *cloudcode.UpstreamClient, resolver *cloudcode.ProjectResolver, statsStore *stats.Store) *Server {
	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}
	s := &Server{
		cfg:      cfg,
		engine:   gin.New(),
		manager:  manager,
		upstream: upstream,
		resolver: resolver,
		router:   format.NewRouter(cfg.Models.Custom),
		stats:    statsStore,
	}
	s.setupRoutes()
	return s
}

// Engine exposes the underlying router, mainly for tests.
func (s *Server) Engine() *gin.Engine { return s.engine }

func (s *Server) setupRoutes() {
	e := s.engine
	e.Use(gin.Recovery())
	e.Use(CORSMiddleware())
	e.Use(RequestTimeoutMiddleware(time.Duration(s.cfg.Server.RequestTimeoutSecs) * time.Second))
	e.Use(BodyLimitMiddleware())
	e.Use(RequestLoggingMiddleware())
	e.Use(AuthMiddleware(s.cfg.Auth.Mode, s.cfg.Auth.APIKey))

	e.GET("/health", s.handleHealth)
	e.GET("/healthz", s.handleHealth)
	e.GET("/account-limits", s.handleAccountLimits)
	e.GET("/api/stats", s.handleStats)

	e.POST("/v1/messages", s.handleMessages)
	e.POST("/v1/chat/completions", s.handleChatCompletions)
	e.POST("/v1/completions", s.handleLegacyCompletions)
	e.GET("/v1/models", s.handleListModels)
	e.POST("/v1/images/generations", s.handleImageGenerations)

	// Native Gemini dialect is not implemented; respond honestly instead
	// of mistranslating.
	e.Any("/v1beta/models/:action", s.handleGeminiStub)
}

// Run serves until ctx is cancelled, then drains connections.
func (s *Server) Run(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:              s.cfg.Addr(),
		Handler:           s.engine,
		ReadHeaderTimeout: 30 * time.Second,
		// Long write timeout: model responses stream for minutes.
		WriteTimeout: 15 * time.Minute,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		utils.Info("[Server] Listening on %s", s.cfg.Addr())
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	utils.Info("[Server] Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}
