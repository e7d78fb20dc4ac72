// Package server exposes the sync engine over HTTP: the Gmail push webhook,
// manual sync triggers and the connect flows.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/nhle/mailsync/internal/connect"
	"github.com/nhle/mailsync/internal/model"
	"github.com/nhle/mailsync/internal/source"
	"github.com/nhle/mailsync/internal/store"
	"github.com/nhle/mailsync/internal/sync"
)

// maxPushBody bounds webhook request bodies.
const maxPushBody = 1 << 20

// PushHandler turns decoded push notifications into sync jobs.
type PushHandler interface {
	HandleGmailPushNotification(ctx context.Context, n *sync.PushNotification) (*sync.PushResult, error)
}

// Connector runs the connect flows.
type Connector interface {
	StartGmailConnect(ctx context.Context, userID, redirectTo string, syncStartAt *time.Time) (string, error)
	ConnectGmailCallback(ctx context.Context, code, state string) (*connect.Result, error)
	ConnectFastmail(ctx context.Context, userID, apiKey string, backfillStart *time.Time) (*connect.Result, error)
	RevokeConnection(ctx context.Context, id string) error
}

// Server is the HTTP surface.
type Server struct {
	engine  *gin.Engine
	store   store.Store
	push    PushHandler
	queue   sync.SyncEnqueuer
	connect Connector
	log     *logrus.Entry
}

// New creates a Server and registers its routes.
func New(st store.Store, push PushHandler, queue sync.SyncEnqueuer, conn Connector) *Server {
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		engine:  gin.New(),
		store:   st,
		push:    push,
		queue:   queue,
		connect: conn,
		log:     logrus.WithField("pkg", "server"),
	}

	s.engine.Use(gin.Recovery(), s.logRequests)

	s.engine.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	s.engine.POST("/webhooks/gmail", s.handleGmailPush)

	link := s.engine.Group("/connect")
	{
		link.GET("/gmail", s.handleGmailStart)
		link.GET("/gmail/callback", s.handleGmailCallback)
		link.POST("/fastmail", s.handleConnectFastmail)
	}

	conns := s.engine.Group("/connections")
	{
		conns.POST("/:id/sync", s.handleManualSync)
		conns.DELETE("/:id", s.handleRevoke)
	}

	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Run serves on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.WithField("addr", addr).Info("Listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("serving http: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down http server: %w", err)
	}
	return nil
}

func (s *Server) logRequests(c *gin.Context) {
	start := time.Now()
	c.Next()
	s.log.WithFields(logrus.Fields{
		"method":   c.Request.Method,
		"path":     c.FullPath(),
		"status":   c.Writer.Status(),
		"duration": time.Since(start).String(),
	}).Debug("Handled request")
}

func (s *Server) handleGmailPush(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxPushBody))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "reading body"})
		return
	}

	n, err := sync.DecodePushEnvelope(body)
	if err != nil {
		s.log.WithError(err).Warn("Rejected push notification")
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	res, err := s.push.HandleGmailPushNotification(c.Request.Context(), n)
	if err != nil {
		s.log.WithError(err).Error("Failed to handle push notification")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "handling notification"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"skipped":  res.Skipped,
		"enqueued": len(res.Enqueued),
	})
}

func (s *Server) handleManualSync(c *gin.Context) {
	conn, err := s.store.GetConnection(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	if !conn.Active() {
		c.JSON(http.StatusConflict, gin.H{"error": fmt.Sprintf("connection is %s", conn.Status)})
		return
	}

	err = s.queue.EnqueueSync(c.Request.Context(), model.SyncJob{
		ConnectionID: conn.ID,
		Reason:       model.SyncReasonManual,
	})
	if err != nil {
		s.writeError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"connectionId": conn.ID})
}

func (s *Server) handleGmailStart(c *gin.Context) {
	var syncStart *time.Time
	if raw := c.Query("sync_start_at"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid sync_start_at format (use RFC3339)"})
			return
		}
		syncStart = &t
	}

	authURL, err := s.connect.StartGmailConnect(c.Request.Context(), c.Query("user_id"), c.Query("redirect_to"), syncStart)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.Redirect(http.StatusFound, authURL)
}

func (s *Server) handleGmailCallback(c *gin.Context) {
	if oauthErr := c.Query("error"); oauthErr != "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": oauthErr})
		return
	}

	res, err := s.connect.ConnectGmailCallback(c.Request.Context(), c.Query("code"), c.Query("state"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	if res.RedirectTo == "" {
		c.JSON(http.StatusOK, res)
		return
	}
	c.Redirect(http.StatusFound, res.RedirectTo)
}

func (s *Server) handleConnectFastmail(c *gin.Context) {
	var req struct {
		UserID            string     `json:"userId" binding:"required"`
		APIKey            string     `json:"apiKey" binding:"required"`
		BackfillStartDate *time.Time `json:"backfillStartDate"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	res, err := s.connect.ConnectFastmail(c.Request.Context(), req.UserID, req.APIKey, req.BackfillStartDate)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, res)
}

func (s *Server) handleRevoke(c *gin.Context) {
	if err := s.connect.RevokeConnection(c.Request.Context(), c.Param("id")); err != nil {
		s.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// writeError maps engine errors onto status codes.
func (s *Server) writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, store.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, connect.ErrInvalidInput),
		errors.Is(err, model.ErrOAuthStateNotFound),
		errors.Is(err, model.ErrOAuthStateExpired):
		status = http.StatusBadRequest
	case source.IsCredentialError(err):
		status = http.StatusUnauthorized
	case source.IsProtocolError(err), source.IsProviderAPIError(err):
		status = http.StatusBadGateway
	}

	if status == http.StatusInternalServerError {
		s.log.WithError(err).WithField("path", c.FullPath()).Error("Request failed")
	}
	c.JSON(status, gin.H{"error": err.Error()})
}
