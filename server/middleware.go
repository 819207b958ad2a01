package server

import (
	"context"
	"log/slog"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const headerRequestID = "X-Request-ID"

type loggerKey struct{}

// requestLogger tags every request with an ID and logs it once served.
// The request-scoped logger is stored in the request context.
func requestLogger(base *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		req := c.Request

		rid := req.Header.Get(headerRequestID)
		if rid == "" {
			rid = uuid.NewString()
		}
		c.Header(headerRequestID, rid)

		logger := base.With(
			"request_id", rid,
			"method", req.Method,
			"path", req.URL.Path,
			"remote_ip", c.ClientIP(),
		)
		c.Request = req.WithContext(context.WithValue(req.Context(), loggerKey{}, logger))

		c.Next()

		status := c.Writer.Status()
		duration := time.Since(start)
		if status >= 500 || len(c.Errors) > 0 {
			logger.Error("http request failed",
				"status", status,
				"duration_ms", duration.Milliseconds(),
				"error", c.Errors.String(),
			)
			return
		}
		logger.Info("http request served",
			"status", status,
			"duration_ms", duration.Milliseconds(),
		)
	}
}

// loggerFrom returns the request-scoped logger, or fallback outside a request.
func loggerFrom(ctx context.Context, fallback *slog.Logger) *slog.Logger {
	if l, ok := ctx.Value(loggerKey{}).(*slog.Logger); ok {
		return l
	}
	return fallback
}
