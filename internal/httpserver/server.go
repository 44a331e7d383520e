package httpserver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"malvin-lite/internal/credit"
	"malvin-lite/internal/metrics"
	"malvin-lite/internal/orchestrator"
	"malvin-lite/internal/repo"
	"malvin-lite/internal/userconfig"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Credits is the ledger surface exposed over HTTP.
type Credits interface {
	CreditInfo(ctx context.Context, phone string) (*credit.Info, error)
	OpenAccount(ctx context.Context, username, phone string) (*repo.Account, error)
	TopUp(ctx context.Context, phone string, amount int64) (*repo.Account, error)
}

// Configs is the user config surface exposed over HTTP.
type Configs interface {
	Get(ctx context.Context, userID string, overrides userconfig.Patch) (*repo.UserConfig, error)
	Update(ctx context.Context, userID string, patch userconfig.Patch) (*repo.UserConfig, error)
}

// Sessions reports session state.
type Sessions interface {
	Status(ctx context.Context) (orchestrator.Status, error)
}

// Pairer links a new WhatsApp session.
type Pairer interface {
	Pair(ctx context.Context, sessionID string) error
}

// Handlers groups optional HTTP handlers to mount.
type Handlers struct {
	TopUpWebhook http.Handler
}

// Dependencies exposes core services to handlers. Nil members disable their routes.
type Dependencies struct {
	Credits  Credits
	Configs  Configs
	Sessions Sessions
	Pairer   Pairer
	Store    interface{ Ping(ctx context.Context) error }
}

// Server wraps an http.Server with the dashboard routes.
type Server struct {
	httpServer *http.Server
	engine     *gin.Engine
	logger     *slog.Logger
	metrics    *metrics.Metrics
	deps       Dependencies
}

// New creates a server listening on addr with health, metrics and dashboard endpoints.
func New(addr string, logger *slog.Logger, metricRegistry *metrics.Metrics, handlers Handlers, deps Dependencies) *Server {
	gin.SetMode(gin.ReleaseMode)

	server := &Server{
		logger:  logger.With("component", "http"),
		metrics: metricRegistry,
		deps:    deps,
	}

	engine := gin.New()
	engine.Use(gin.Recovery(), server.requestLogger())
	engine.GET("/healthz", server.handleHealth)
	engine.GET("/metrics", gin.WrapH(promhttp.Handler()))
	if handlers.TopUpWebhook != nil {
		engine.POST("/webhook/topup", gin.WrapH(handlers.TopUpWebhook))
	}

	api := engine.Group("/api")
	if deps.Credits != nil {
		api.GET("/credits/:phone", server.handleCreditInfo)
		api.POST("/credits/:phone/topup", server.handleTopUp)
		api.POST("/accounts", server.handleOpenAccount)
	}
	if deps.Configs != nil {
		api.GET("/config/:userId", server.handleGetConfig)
		api.PATCH("/config/:userId", server.handleUpdateConfig)
	}
	if deps.Sessions != nil {
		api.GET("/sessions", server.handleSessions)
	}
	if deps.Pairer != nil {
		api.POST("/sessions/:id/pair", server.handlePair)
	}

	server.engine = engine
	server.httpServer = &http.Server{
		Addr:              addr,
		Handler:           engine,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return server
}

// Handler returns the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.engine }

// Start begins listening for incoming HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server listening", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server listen: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		started := time.Now()
		c.Next()
		s.logger.Debug("http request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"latency", time.Since(started),
		)
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	if s.deps.Store != nil {
		if err := s.deps.Store.Ping(c.Request.Context()); err != nil {
			s.logger.Warn("health check: storage unreachable", "error", err)
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "storage": err.Error()})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleCreditInfo(c *gin.Context) {
	info, err := s.deps.Credits.CreditInfo(c.Request.Context(), c.Param("phone"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"phone":          info.Phone,
		"balance":        credit.FormatCredits(info.Balance),
		"balanceUnits":   info.Balance,
		"lastChargeTime": info.LastChargeTime,
		"remaining":      info.Remaining,
		"remainingText":  info.Remaining.String(),
		"metering":       info.Metering,
	})
}

type topUpRequest struct {
	Amount int64 `json:"amount" binding:"required,gt=0"`
}

func (s *Server) handleTopUp(c *gin.Context) {
	var req topUpRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	acc, err := s.deps.Credits.TopUp(c.Request.Context(), c.Param("phone"), req.Amount)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, acc)
}

type openAccountRequest struct {
	Username    string `json:"username" binding:"required,max=64"`
	PhoneNumber string `json:"phoneNumber" binding:"required,numeric,min=5,max=20"`
}

func (s *Server) handleOpenAccount(c *gin.Context) {
	var req openAccountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	acc, err := s.deps.Credits.OpenAccount(c.Request.Context(), req.Username, req.PhoneNumber)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, acc)
}

func (s *Server) handleGetConfig(c *gin.Context) {
	cfg, err := s.deps.Configs.Get(c.Request.Context(), c.Param("userId"), userconfig.Patch{})
	if err != nil {
		// The fallback config is still usable; report that it is not persisted.
		c.Header("X-Config-Source", "fallback")
	}
	c.JSON(http.StatusOK, cfg)
}

func (s *Server) handleUpdateConfig(c *gin.Context) {
	var patch userconfig.Patch
	if err := c.ShouldBindJSON(&patch); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	cfg, err := s.deps.Configs.Update(c.Request.Context(), c.Param("userId"), patch)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, cfg)
}

func (s *Server) handleSessions(c *gin.Context) {
	status, err := s.deps.Sessions.Status(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

func (s *Server) handlePair(c *gin.Context) {
	id := c.Param("id")
	// Pairing outlives the request; QR codes are written to the log.
	if err := s.deps.Pairer.Pair(context.WithoutCancel(c.Request.Context()), id); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"session": id, "status": "pairing"})
}

func (s *Server) fail(c *gin.Context, err error) {
	switch {
	case errors.Is(err, repo.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	case errors.Is(err, credit.ErrInvalidAmount):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		s.logger.Error("request failed", "path", c.FullPath(), "error", err)
		s.metrics.IncError("http")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
