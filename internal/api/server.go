// Package api serves the local HTTP API the POS UI talks to: record and
// settings CRUD through the outbox interceptor, sync control and status,
// Prometheus metrics and a websocket stream of sync events.
package api

import (
	"context"
	stderrors "errors"
	"net/http"
	"time"

	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"

	"github.com/kimhsiao/possync/internal/app"
	apperrors "github.com/kimhsiao/possync/internal/errors"
	"github.com/kimhsiao/possync/internal/logging"
	"github.com/kimhsiao/possync/internal/models"
)

const shutdownTimeout = 5 * time.Second

// Server is the local API over one App.
type Server struct {
	app    *app.App
	hub    *Hub
	log    *logging.Logger
	router *gin.Engine
}

// NewServer builds the router and attaches the event hub to the engine.
func NewServer(a *app.App) *Server {
	log := a.Logger().Named("api")
	s := &Server{
		app: a,
		hub: NewHub(log.Named("ws")),
		log: log,
	}
	a.SetEventHandler(s.hub)
	s.router = s.routes()
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler { return s.router }

// Hub returns the websocket hub.
func (s *Server) Hub() *Hub { return s.hub }

func (s *Server) routes() *gin.Engine {
	r := gin.New()
	r.Use(ginzap.Ginzap(s.log.Zap(), time.RFC3339, true))
	r.Use(ginzap.RecoveryWithZap(s.log.Zap(), true))

	r.GET("/api/health", s.health)

	records := r.Group("/api/records/:store")
	{
		records.GET("", s.listRecords)
		records.POST("", s.addRecord)
		records.GET("/:id", s.getRecord)
		records.PUT("/:id", s.updateRecord)
		records.DELETE("/:id", s.deleteRecord)
	}

	settings := r.Group("/api/settings")
	{
		settings.POST("", s.saveSettings)
		settings.GET("/:key", s.getSettings)
		settings.PUT("/:key", s.putSettings)
	}

	syncGroup := r.Group("/api/sync")
	{
		syncGroup.POST("", s.triggerSync)
		syncGroup.GET("/status", s.syncStatus)
		syncGroup.GET("/errors", s.syncErrors)
	}
	r.POST("/api/connectivity", s.setConnectivity)

	if m := s.app.Metrics(); m != nil {
		r.GET("/metrics", gin.WrapH(m.Handler()))
	}
	r.GET("/ws", gin.WrapF(s.hub.ServeWS))
	return r
}

// Run serves on addr until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("local API listening", map[string]interface{}{"addr": addr})
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		s.hub.Close()
		if stderrors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	s.hub.Close()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	s.log.Info("local API stopped")
	return nil
}

// errorBody is the JSON shape of every failed response.
type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// statusFor maps an error code to an HTTP status.
func statusFor(code apperrors.ErrorCode) int {
	switch code {
	case apperrors.ErrNotFound:
		return http.StatusNotFound
	case apperrors.ErrInvalid, apperrors.ErrValidation:
		return http.StatusBadRequest
	case apperrors.ErrStorageUnavailable, apperrors.ErrSyncOffline:
		return http.StatusServiceUnavailable
	case apperrors.ErrSyncNotConfigured, apperrors.ErrSyncInProgress:
		return http.StatusConflict
	case apperrors.ErrSyncPartial, apperrors.ErrSyncFailed:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) fail(c *gin.Context, err error) {
	code := apperrors.CodeOf(err)
	if code == "" {
		code = apperrors.ErrInternal
	}
	status := statusFor(code)
	if status >= http.StatusInternalServerError && status != http.StatusServiceUnavailable {
		s.log.ErrorWithCode("request failed", string(code), err, map[string]interface{}{"path": c.FullPath()})
	}
	c.JSON(status, errorBody{Error: errorDetail{Code: string(code), Message: apperrors.Message(err)}})
}

func (s *Server) badRequest(c *gin.Context, err error) {
	s.fail(c, apperrors.Wrap(apperrors.ErrInvalid, "invalid request body", err))
}

func (s *Server) health(c *gin.Context) {
	storeState := "ok"
	if s.app.StoreErr() != nil {
		storeState = "unavailable"
	}
	c.JSON(http.StatusOK, gin.H{
		"status":     "ok",
		"service":    "possync",
		"store":      storeState,
		"configured": s.app.Engine().Configured(),
		"online":     s.app.Scheduler().IsOnline(),
	})
}

func (s *Server) listRecords(c *gin.Context) {
	recs, err := s.app.CRUD().GetAll(c.Request.Context(), c.Param("store"))
	if err != nil {
		s.fail(c, err)
		return
	}
	if recs == nil {
		recs = []models.Record{}
	}
	c.JSON(http.StatusOK, recs)
}

func (s *Server) addRecord(c *gin.Context) {
	var rec models.Record
	if err := c.ShouldBindJSON(&rec); err != nil {
		s.badRequest(c, err)
		return
	}
	id, err := s.app.CRUD().Add(c.Request.Context(), c.Param("store"), rec)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"id": id})
}

func (s *Server) getRecord(c *gin.Context) {
	rec, err := s.app.CRUD().Get(c.Request.Context(), c.Param("store"), models.RecordID(c.Param("id")))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (s *Server) updateRecord(c *gin.Context) {
	var rec models.Record
	if err := c.ShouldBindJSON(&rec); err != nil {
		s.badRequest(c, err)
		return
	}
	if err := s.app.CRUD().Update(c.Request.Context(), c.Param("store"), models.RecordID(c.Param("id")), rec); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": c.Param("id")})
}

func (s *Server) deleteRecord(c *gin.Context) {
	if err := s.app.CRUD().Delete(c.Request.Context(), c.Param("store"), models.RecordID(c.Param("id"))); err != nil {
		s.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) getSettings(c *gin.Context) {
	rec, err := s.app.GetSettings(c.Request.Context(), c.Param("key"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (s *Server) putSettings(c *gin.Context) {
	var rec models.Record
	if err := c.ShouldBindJSON(&rec); err != nil {
		s.badRequest(c, err)
		return
	}
	key := c.Param("key")
	if _, err := s.app.SaveSettings(c.Request.Context(), map[string]models.Record{key: rec}); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"key": key})
}

// saveSettings writes several sections. The write is not atomic: on failure
// the response still lists the sections that were saved.
func (s *Server) saveSettings(c *gin.Context) {
	var sections map[string]models.Record
	if err := c.ShouldBindJSON(&sections); err != nil {
		s.badRequest(c, err)
		return
	}
	saved, err := s.app.SaveSettings(c.Request.Context(), sections)
	if saved == nil {
		saved = []string{}
	}
	if err != nil {
		code := apperrors.CodeOf(err)
		if code == "" {
			code = apperrors.ErrInternal
		}
		c.JSON(statusFor(code), gin.H{
			"saved": saved,
			"error": errorDetail{Code: string(code), Message: apperrors.Message(err)},
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"saved": saved})
}

// triggerSync starts a pass in the background, or with ?wait=true runs it
// and returns the result.
func (s *Server) triggerSync(c *gin.Context) {
	if c.Query("wait") != "true" {
		started := s.app.Scheduler().TriggerSync()
		c.JSON(http.StatusAccepted, gin.H{"started": started})
		return
	}

	result, err := s.app.Scheduler().SyncNow(c.Request.Context())
	status := http.StatusOK
	if err != nil && (result == nil || !result.Success) {
		status = statusFor(apperrors.CodeOf(err))
	}
	c.JSON(status, result)
}

func (s *Server) syncStatus(c *gin.Context) {
	status := s.app.Scheduler().GetStatus(c.Request.Context())
	var lastErr string
	if err := s.app.Engine().LastError(); err != nil {
		lastErr = apperrors.Message(err)
	}
	c.JSON(http.StatusOK, gin.H{
		"scheduler":  status,
		"configured": s.app.Engine().Configured(),
		"last_error": lastErr,
	})
}

func (s *Server) syncErrors(c *gin.Context) {
	c.JSON(http.StatusOK, s.app.Engine().GetErrorHistory())
}

// setConnectivity lets the UI forward browser online/offline events.
func (s *Server) setConnectivity(c *gin.Context) {
	var body struct {
		Online *bool `json:"online"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		s.badRequest(c, err)
		return
	}
	if body.Online == nil {
		s.fail(c, apperrors.New(apperrors.ErrInvalid, "online is required"))
		return
	}
	s.app.Scheduler().SetOnlineStatus(*body.Online)
	c.JSON(http.StatusOK, gin.H{"online": *body.Online})
}
