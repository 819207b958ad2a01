// Package server exposes a Counter, and optionally a Gate, over HTTP.
package server

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/ineyio/genquota"
)

const timeFormat = time.RFC3339Nano

// DefaultMaxBodyBytes is the default request body cap.
const DefaultMaxBodyBytes int64 = 32 << 20

// Server is the HTTP API.
type Server struct {
	counter *genquota.Counter
	gate    *genquota.Gate
	logger  *slog.Logger

	metricsPath    string
	metricsHandler http.Handler
	maxBodyBytes   int64

	upgrader     websocket.Upgrader
	pingInterval time.Duration

	engine *gin.Engine
}

// Option configures a Server.
type Option func(*Server)

// WithGate enables POST /v1/generations.
func WithGate(g *genquota.Gate) Option {
	return func(s *Server) { s.gate = g }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithMetrics serves h at path.
func WithMetrics(path string, h http.Handler) Option {
	return func(s *Server) {
		s.metricsPath = path
		s.metricsHandler = h
	}
}

// WithMaxBodyBytes caps the size of request bodies (default 32 MiB).
// Zero or less disables the cap.
func WithMaxBodyBytes(n int64) Option {
	return func(s *Server) { s.maxBodyBytes = n }
}

// WithCheckOrigin sets the websocket origin check. By default only
// same-origin upgrades are accepted.
func WithCheckOrigin(fn func(r *http.Request) bool) Option {
	return func(s *Server) { s.upgrader.CheckOrigin = fn }
}

// WithPingInterval sets how often the watch stream pings idle clients
// (default 30s).
func WithPingInterval(d time.Duration) Option {
	return func(s *Server) { s.pingInterval = d }
}

// New creates a Server for counter.
func New(counter *genquota.Counter, opts ...Option) *Server {
	s := &Server{
		counter:      counter,
		logger:       slog.Default(),
		pingInterval: 30 * time.Second,
		maxBodyBytes: DefaultMaxBodyBytes,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
	for _, opt := range opts {
		opt(s)
	}

	gin.SetMode(gin.ReleaseMode)
	e := gin.New()
	e.Use(gin.Recovery(), requestLogger(s.logger))

	e.GET("/healthz", s.handleHealth)
	if s.metricsHandler != nil && s.metricsPath != "" {
		e.GET(s.metricsPath, gin.WrapH(s.metricsHandler))
	}

	v1 := e.Group("/v1")
	v1.GET("/quota", s.handleReadState)
	v1.POST("/quota/consume", s.handleConsume)
	v1.GET("/quota/watch", s.handleWatch)
	if s.gate != nil {
		v1.POST("/generations", s.handleGenerate)
	}

	s.engine = e
	return s
}

// Handler returns the root http.Handler.
func (s *Server) Handler() http.Handler { return s.engine }

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleReadState(c *gin.Context) {
	st, err := s.counter.ReadState(c.Request.Context())
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

func (s *Server) handleConsume(c *gin.Context) {
	grant, err := s.counter.TryConsume(c.Request.Context())
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, grant)
}

type generationResponse struct {
	Image      string         `json:"image"`
	Model      string         `json:"model,omitempty"`
	Generator  string         `json:"generator"`
	Grant      genquota.Grant `json:"grant"`
	DurationMS int64          `json:"duration_ms"`
}

func (s *Server) handleGenerate(c *gin.Context) {
	if s.maxBodyBytes > 0 {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, s.maxBodyBytes)
	}

	var req genquota.GenerationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, errorBody{
				Error:   "request_too_large",
				Message: fmt.Sprintf("request body exceeds %d bytes", tooLarge.Limit),
			})
			return
		}
		c.AbortWithStatusJSON(http.StatusBadRequest, errorBody{
			Error:   "invalid_request",
			Message: err.Error(),
		})
		return
	}

	res, err := s.gate.Generate(c.Request.Context(), req)
	if err != nil {
		abortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, generationResponse{
		Image:      res.Image.DataURI,
		Model:      res.Image.Model,
		Generator:  res.Generator,
		Grant:      res.Grant,
		DurationMS: res.Duration.Milliseconds(),
	})
}
