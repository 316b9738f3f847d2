package app

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"canvasledger/internal/auth"
	"canvasledger/internal/clock"
	"canvasledger/internal/rbac"
	"canvasledger/internal/readpath"
	"canvasledger/internal/util"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	userIDKey = "canvas.user_id"
	roleKey   = "canvas.role"
)

type HTTPOptions struct {
	// AuthSecret verifies bearer tokens. When empty the caller is trusted
	// to send X-User-Id.
	AuthSecret string
	CORSOrigin string
	// Gatherer backs /metrics. Nil disables the endpoint.
	Gatherer prometheus.Gatherer
	Logger   *slog.Logger
	Clock    clock.Clock
}

type HTTPServer struct {
	service *Service
	opts    HTTPOptions
	engine  *gin.Engine
}

func NewHTTPServer(service *Service, opts HTTPOptions) *HTTPServer {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Clock == nil {
		opts.Clock = clock.System()
	}
	if opts.CORSOrigin == "" {
		opts.CORSOrigin = "*"
	}
	s := &HTTPServer{service: service, opts: opts}
	s.engine = s.routes()
	return s
}

func (s *HTTPServer) Handler() http.Handler {
	return s.engine
}

func (s *HTTPServer) routes() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), s.requestLog(), s.cors())

	r.GET("/api/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})
	r.GET("/api/ready", s.handleReady)
	if s.opts.Gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.opts.Gatherer, promhttp.HandlerOpts{})))
	}

	api := r.Group("/api", s.requireUser())
	read, draw := allow(rbac.ActionRead), allow(rbac.ActionDraw)
	rooms := api.Group("/rooms/:roomId")
	rooms.POST("/strokes", draw, s.handleSubmit)
	rooms.GET("/strokes", read, s.handleStrokes)
	rooms.POST("/undo", draw, s.handleUndo)
	rooms.POST("/redo", draw, s.handleRedo)
	rooms.POST("/clear", draw, s.handleClear)
	rooms.GET("/undo-redo-status", read, s.handleStatus)

	admin := api.Group("/admin", allow(rbac.ActionAdmin))
	admin.POST("/rebuild", s.handleRebuild)
	admin.POST("/clear-all", s.handleClearAll)

	r.NoRoute(func(c *gin.Context) {
		writeError(c, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	})
	return r
}

func (s *HTTPServer) handleReady(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	ready := true
	checks := map[string]any{}
	for name, err := range s.service.Ready(ctx) {
		if err != nil {
			ready = false
			checks[name] = gin.H{"status": "error", "error": err.Error()}
			continue
		}
		checks[name] = gin.H{"status": "ok"}
	}
	status, code := "ready", http.StatusOK
	if !ready {
		status, code = "not_ready", http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{"ok": ready, "status": status, "checks": checks})
}

func (s *HTTPServer) handleSubmit(c *gin.Context) {
	var body struct {
		Payload       json.RawMessage `json:"payload"`
		Timestamp     int64           `json:"ts"`
		SkipUndoStack bool            `json:"skipUndoStack"`
	}
	if !decodeBody(c, &body) {
		return
	}
	result, err := s.service.SubmitStroke(c.Request.Context(), SubmitInput{
		RoomID:        c.Param("roomId"),
		UserID:        c.GetString(userIDKey),
		Payload:       body.Payload,
		Timestamp:     body.Timestamp,
		SkipUndoStack: body.SkipUndoStack,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, result)
}

func (s *HTTPServer) handleStrokes(c *gin.Context) {
	q := readpath.Query{RoomID: c.Param("roomId")}
	var ok bool
	if q.Start, ok = int64Query(c, "start"); !ok {
		return
	}
	if q.End, ok = int64Query(c, "end"); !ok {
		return
	}
	strokes, err := s.service.GetVisibleStrokes(c.Request.Context(), q)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"roomId": q.RoomID, "history": q.History(), "strokes": strokes})
}

func (s *HTTPServer) handleUndo(c *gin.Context) {
	res, err := s.service.Undo(c.Request.Context(), c.Param("roomId"), c.GetString(userIDKey))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *HTTPServer) handleRedo(c *gin.Context) {
	res, err := s.service.Redo(c.Request.Context(), c.Param("roomId"), c.GetString(userIDKey))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *HTTPServer) handleClear(c *gin.Context) {
	ts, err := s.service.ClearRoom(c.Request.Context(), c.Param("roomId"), c.GetString(userIDKey))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"clearedAt": ts})
}

func (s *HTTPServer) handleClearAll(c *gin.Context) {
	ts, err := s.service.ClearAll(c.Request.Context(), c.GetString(userIDKey))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"clearedAt": ts})
}

func (s *HTTPServer) handleStatus(c *gin.Context) {
	status, err := s.service.GetUndoRedoStatus(c.Request.Context(), c.Param("roomId"), c.GetString(userIDKey))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

func (s *HTTPServer) handleRebuild(c *gin.Context) {
	var body struct {
		RoomID string `json:"roomId"`
	}
	if !decodeBody(c, &body) {
		return
	}
	if err := s.service.Rebuild(c.Request.Context(), strings.TrimSpace(body.RoomID)); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "roomId": body.RoomID})
}

// requireUser resolves the caller from a bearer token, or from the
// X-User-Id and X-User-Role headers when no secret is configured.
func (s *HTTPServer) requireUser() gin.HandlerFunc {
	secret := []byte(s.opts.AuthSecret)
	return func(c *gin.Context) {
		var userID, role string
		if len(secret) == 0 {
			userID = strings.TrimSpace(c.GetHeader("X-User-Id"))
			role = strings.TrimSpace(c.GetHeader("X-User-Role"))
		} else if token, ok := auth.BearerToken(c.GetHeader("Authorization")); ok {
			claims, err := auth.ParseToken(secret, token, time.UnixMilli(s.opts.Clock.NowMs()))
			if err != nil {
				respondError(c, err)
				return
			}
			userID, role = claims.Sub, claims.Role
		}
		if userID == "" {
			writeError(c, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
			return
		}
		c.Set(userIDKey, userID)
		c.Set(roleKey, rbac.Normalize(strings.ToLower(role)))
		c.Next()
	}
}

func allow(action rbac.Action) gin.HandlerFunc {
	return func(c *gin.Context) {
		role, _ := c.Get(roleKey)
		r, _ := role.(rbac.Role)
		if !rbac.Can(r, action) {
			writeError(c, http.StatusForbidden, "FORBIDDEN", "Forbidden", gin.H{"action": action})
			return
		}
		c.Next()
	}
}

func (s *HTTPServer) requestLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" || len(requestID) > 128 {
			requestID = util.NewID("req")
		}
		c.Header("X-Request-ID", requestID)

		started := time.Now()
		c.Next()

		s.opts.Logger.Info("http request",
			"request_id", requestID,
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration_ms", time.Since(started).Milliseconds(),
		)
	}
}

func (s *HTTPServer) cors() gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.Writer.Header()
		header.Set("Access-Control-Allow-Origin", s.opts.CORSOrigin)
		header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID, X-User-Id, X-User-Role")
		header.Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
		header.Set("Cache-Control", "no-store")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

func respondError(c *gin.Context, err error) {
	status, code, message, details := mapError(err)
	writeError(c, status, code, message, details)
}

func writeError(c *gin.Context, status int, code, message string, details any) {
	response := gin.H{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	c.AbortWithStatusJSON(status, response)
}

// decodeBody accepts an empty body as the zero value.
func decodeBody(c *gin.Context, target any) bool {
	if c.Request.Body == nil || c.Request.ContentLength == 0 {
		return true
	}
	if err := json.NewDecoder(c.Request.Body).Decode(target); err != nil && !errors.Is(err, io.EOF) {
		writeError(c, http.StatusBadRequest, "INVALID_BODY", "invalid JSON body", nil)
		return false
	}
	return true
}

func int64Query(c *gin.Context, name string) (*int64, bool) {
	raw, ok := c.GetQuery(name)
	if !ok || strings.TrimSpace(raw) == "" {
		return nil, true
	}
	v, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_QUERY", name+" must be an integer", nil)
		return nil, false
	}
	return &v, true
}
