// Package server exposes the engine over HTTP: the webhook receiver, manual
// sync triggers and health checks.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/synclayer/stripe-sync/internal/config"
	"github.com/synclayer/stripe-sync/internal/db"
	"github.com/synclayer/stripe-sync/internal/stripeclient"
	"github.com/synclayer/stripe-sync/internal/sync"
)

// Server hosts the HTTP surface in front of one Engine.
type Server struct {
	engine *sync.Engine
	db     db.DB
	logger *zap.Logger
	http   *http.Server
}

// New builds the server and its routes.
func New(cfg *config.Config, engine *sync.Engine, database db.DB, logger *zap.Logger) *Server {
	if cfg.Stage == config.StageProd {
		gin.SetMode(gin.ReleaseMode)
	}
	s := &Server{
		engine: engine,
		db:     database,
		logger: logger,
	}

	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/health", s.handleHealth)
	router.POST("/webhooks/stripe", s.handleWebhook)
	router.POST("/sync", s.handleSync)
	router.GET("/sync/status", s.handleSyncStatus)

	s.http = &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Run serves until the listener fails or Shutdown is called.
func (s *Server) Run() error {
	s.logger.Info("http server listening", zap.String("addr", s.http.Addr))
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) handleHealth(c *gin.Context) {
	if err := s.db.Ping(c.Request.Context()); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// handleWebhook receives raw provider deliveries. Bad signatures get a 400 so
// the provider stops resending them; transient failures get a 500 so it
// redelivers.
func (s *Server) handleWebhook(c *gin.Context) {
	payload, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable body"})
		return
	}
	signature := c.GetHeader("Stripe-Signature")

	if err := s.engine.ProcessWebhook(c.Request.Context(), payload, signature); err != nil {
		if stripeclient.IsSignatureError(err) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid signature"})
			return
		}
		s.logger.Error("webhook processing failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "processing failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"received": true})
}

type syncRequest struct {
	Object     string `json:"object"`
	CreatedGTE int64  `json:"created_gte"`
	CreatedLTE int64  `json:"created_lte"`
}

// handleSync triggers a backfill run and blocks until it finishes. A second
// trigger while a run is open answers 409.
func (s *Server) handleSync(c *gin.Context) {
	var req syncRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}

	summaries, err := s.engine.ProcessUntilDone(c.Request.Context(), sync.SyncParams{
		Object:      req.Object,
		CreatedGTE:  req.CreatedGTE,
		CreatedLTE:  req.CreatedLTE,
		TriggeredBy: "http",
	})
	if err != nil {
		var concurrent *sync.ConcurrentRunError
		if errors.As(err, &concurrent) {
			c.JSON(http.StatusConflict, gin.H{"error": concurrent.Error()})
			return
		}
		s.logger.Error("sync run failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	results := make(map[string]gin.H, len(summaries))
	for kind, summary := range summaries {
		results[string(kind)] = gin.H{"synced": summary.Synced, "errors": summary.Errors}
	}
	c.JSON(http.StatusOK, gin.H{"results": results})
}

func (s *Server) handleSyncStatus(c *gin.Context) {
	status, found, err := s.engine.SyncStatus(c.Request.Context())
	if err != nil {
		s.logger.Error("reading sync status", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"error": "no sync runs yet"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"run_id":          status.RunID.String(),
		"account_id":      status.AccountID,
		"status":          status.Status,
		"started_at":      status.StartedAt,
		"closed_at":       status.ClosedAt,
		"processed_total": status.ProcessedTotal,
	})
}
