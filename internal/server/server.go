// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

// Package internal_server is the HTTP surface: the signed carrier webhook,
// the per-call media websocket, the synthesized-audio file route and health.
// Webhooks are acknowledged before any session work runs.
package internal_server

import (
	"context"
	"crypto/subtle"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	internal_config "github.com/rapidaai/voice-gateway/internal/config"
	internal_session "github.com/rapidaai/voice-gateway/internal/session"
	internal_telnyx "github.com/rapidaai/voice-gateway/internal/telnyx"
	internal_webhook "github.com/rapidaai/voice-gateway/internal/webhook"
	"github.com/rapidaai/voice-gateway/pkg/commons"
)

const (
	maxWebhookBody  = 1 << 20
	shutdownTimeout = 10 * time.Second
)

// CallRouter is the session-manager surface the server drives; satisfied by
// *internal_session.Manager.
type CallRouter interface {
	HandleWebhook(ctx context.Context, eventType string, payload *internal_telnyx.CallPayload)
	AttachMedia(callControlID string, conn internal_session.MediaConn) error
	ActiveCount() int
}

// Server owns the router and the listener lifecycle.
type Server struct {
	logger   commons.Logger
	cfg      *internal_config.Config
	verifier *internal_webhook.Verifier
	manager  CallRouter
	engine   *gin.Engine
	upgrader websocket.Upgrader
}

// NewServer builds the router. Call Run to serve.
func NewServer(logger commons.Logger, cfg *internal_config.Config, verifier *internal_webhook.Verifier, manager CallRouter) *Server {
	gin.SetMode(gin.ReleaseMode)
	s := &Server{
		logger:   logger,
		cfg:      cfg,
		verifier: verifier,
		manager:  manager,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The carrier is not a browser; there is no origin to trust.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}

	engine := gin.New()
	engine.Use(gin.Recovery())

	engine.POST("/v1/telnyx/webhook", s.handleWebhook)
	engine.GET("/v1/telnyx/media/:call_control_id", s.handleMedia)
	engine.GET("/healthz", s.handleHealth)
	engine.Static("/audio", cfg.AudioStorageDir)

	s.engine = engine
	return s
}

// Handler exposes the router; used by tests and by Run.
func (s *Server) Handler() http.Handler { return s.engine }

// handleWebhook verifies the signature on the raw body, acknowledges, and
// hands the event to the session manager off the request path.
func (s *Server) handleWebhook(c *gin.Context) {
	raw, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxWebhookBody))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable_body"})
		return
	}

	scheme := internal_webhook.SchemeHMACSHA256
	signature := c.GetHeader("telnyx-signature-ed25519")
	if s.cfg.TelnyxPublicKey != "" && signature != "" {
		scheme = internal_webhook.SchemeEd25519
	} else if signature == "" {
		signature = c.GetHeader("telnyx-signature")
	}

	result := s.verifier.Verify(internal_webhook.Request{
		RawBody:   raw,
		Signature: signature,
		Timestamp: c.GetHeader("telnyx-timestamp"),
		Scheme:    scheme,
	})
	if result.Skipped {
		s.logger.Warnw("webhook signature verification skipped")
	}
	if !result.Valid {
		s.logger.Warnw("webhook rejected",
			"reason", result.Reason,
			"remote", c.ClientIP(),
		)
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid_signature"})
		return
	}

	data, payload, err := internal_telnyx.ParseWebhook(raw)
	if err != nil {
		// Signed but unparseable; acknowledge so the carrier stops retrying.
		s.logger.Warnw("webhook body unparseable", "error", err)
		c.JSON(http.StatusOK, gin.H{"ok": true})
		return
	}

	c.JSON(http.StatusOK, gin.H{"ok": true})

	go s.manager.HandleWebhook(context.Background(), data.EventType, payload)
}

// handleMedia authenticates the stream token and upgrades to the media
// websocket. Token comparison happens before the upgrade so a bad token costs
// one HTTP response, not a socket.
func (s *Server) handleMedia(c *gin.Context) {
	callControlID := c.Param("call_control_id")
	token := c.Query("token")
	if subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.MediaStreamToken)) != 1 {
		s.logger.Warnw("media socket rejected, bad token",
			"call_control_id", callControlID,
			"remote", c.ClientIP(),
		)
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid_token"})
		return
	}

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warnw("media socket upgrade failed",
			"call_control_id", callControlID,
			"error", err,
		)
		return
	}

	if err := s.manager.AttachMedia(callControlID, conn); err != nil {
		s.logger.Warnw("media socket for unknown call",
			"call_control_id", callControlID,
			"error", err,
		)
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "no active session"),
			time.Now().Add(time.Second))
		_ = conn.Close()
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":       "ok",
		"active_calls": s.manager.ActiveCount(),
	})
}

// Run serves until ctx is cancelled, then drains connections.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.cfg.Port),
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Infow("http server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}
