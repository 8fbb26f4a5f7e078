package main

import (
	"context"
	"io"
	"log"
	"log/slog"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
)

// requestLogger emits one slog line per HTTP request. Health probes are
// skipped, and the user id resolved by the auth middleware is attached when
// the request carried a valid token.
func requestLogger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		if path == "/api/health" {
			return
		}

		status := c.Writer.Status()
		fields := []any{
			"status", status,
			"method", c.Request.Method,
			"path", path,
			"ip", c.ClientIP(),
			"latency_ms", time.Since(start).Milliseconds(),
		}
		if userID := c.GetString("user_id"); userID != "" {
			fields = append(fields, "user_id", userID)
		}
		if len(c.Errors) > 0 {
			fields = append(fields, "errors", c.Errors.String())
		}

		switch {
		case status >= 500:
			logger.Error("request", fields...)
		case status >= 400:
			logger.Warn("request", fields...)
		default:
			logger.Debug("request", fields...)
		}
	}
}

// newServerErrorLog adapts net/http's error logging onto slog. Handshake
// errors for hosts outside the certificate policy are dropped.
func newServerErrorLog(logger *slog.Logger) *log.Logger {
	return log.New(&handshakeNoiseFilter{
		next: &slogLineWriter{logger: logger, level: slog.LevelWarn},
	}, "", 0)
}

type handshakeNoiseFilter struct {
	next io.Writer
}

func (f *handshakeNoiseFilter) Write(p []byte) (int, error) {
	msg := string(p)
	if strings.Contains(msg, "TLS handshake error") && strings.Contains(msg, "not configured") {
		return len(p), nil
	}
	return f.next.Write(p)
}

type slogLineWriter struct {
	logger *slog.Logger
	level  slog.Level
}

func (w *slogLineWriter) Write(p []byte) (int, error) {
	msg := strings.TrimSpace(string(p))
	if msg != "" {
		w.logger.Log(context.Background(), w.level, "http server", "message", msg)
	}
	return len(p), nil
}
