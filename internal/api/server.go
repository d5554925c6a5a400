// Package api is the HTTP surface: user-scoped preference and channel
// management, the outgoing-email intake hook, and admin operations. Every
// /api/v1 route is guarded by a shared X-API-Key.
package api

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"pushbridge/internal/config"
	logx "pushbridge/pkg/logx"
)

const shutdownGrace = 5 * time.Second

type Server struct {
	srv *http.Server
	log logx.Logger
}

func NewServer(cfg config.ServerConfig, apiKey func() string, h *Handlers, log logx.Logger) *Server {
	read, _ := config.ParseDurationField("server.read_timeout", cfg.ReadTimeout)
	write, _ := config.ParseDurationField("server.write_timeout", cfg.WriteTimeout)
	idle, _ := config.ParseDurationField("server.idle_timeout", cfg.IdleTimeout)

	return &Server{
		srv: &http.Server{
			Addr:         cfg.ListenAddr(),
			Handler:      newRouter(apiKey, h, log),
			ReadTimeout:  read,
			WriteTimeout: write,
			IdleTimeout:  idle,
		},
		log: log,
	}
}

func newRouter(apiKey func() string, h *Handlers, log logx.Logger) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), requestLog(log))

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	v1 := r.Group("/api/v1")
	v1.Use(requireKey(apiKey))
	{
		v1.GET("/users/:id/preferences", h.GetPreferences)
		v1.PUT("/users/:id/preferences", h.PutPreferences)

		v1.POST("/users/:id/telegram/link", h.RequestTelegramLink)
		v1.POST("/users/:id/telegram/unlink", h.UnlinkTelegram)
		v1.POST("/telegram/verify", h.VerifyTelegramLink)

		v1.GET("/users/:id/push/subscriptions", h.ListSubscriptions)
		v1.POST("/users/:id/push/subscriptions", h.SaveSubscription)
		v1.DELETE("/users/:id/push/subscriptions", h.DeleteSubscription)

		v1.POST("/users/:id/test", h.SendTest)
		v1.POST("/hooks/outgoing-email", h.OutgoingEmail)

		v1.PUT("/admin/users/:id", h.UpsertUser)
		v1.GET("/admin/status", h.AdminStatus)
		v1.GET("/admin/deliveries", h.AdminDeliveries)
		v1.POST("/admin/maintenance", h.RunMaintenance)
	}

	return r
}

// Run serves until ctx is cancelled, then drains with a bounded grace period.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("http server listening", logx.String("addr", s.srv.Addr))
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	sctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := s.srv.Shutdown(sctx); err != nil {
		s.log.Warn("http shutdown incomplete", logx.Err(err))
		return err
	}
	s.log.Info("http server stopped")
	return nil
}

// requireKey authenticates /api/v1 requests against the configured shared
// key. The key is read per request so config reloads apply immediately.
func requireKey(apiKey func() string) gin.HandlerFunc {
	return func(c *gin.Context) {
		want := apiKey()
		got := c.GetHeader("X-API-Key")
		if want == "" || subtle.ConstantTimeCompare([]byte(got), []byte(want)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid api key"})
			return
		}
		c.Next()
	}
}

func requestLog(log logx.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Debug("http request",
			logx.String("method", c.Request.Method),
			logx.String("path", c.FullPath()),
			logx.Int("status", c.Writer.Status()),
			logx.Duration("took", time.Since(start)))
	}
}
