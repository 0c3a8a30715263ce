// Package logging configures logrus for the server and provides gin middleware.
package logging

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"runtime/debug"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/router-for-me/cliproxy-console/internal/config"
	log "github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

var fileWriter *lumberjack.Logger

// Setup applies level, formatter and output settings from cfg. It may be
// called again on config reload.
func Setup(cfg *config.Config) error {
	log.SetFormatter(&log.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05",
	})
	level := log.InfoLevel
	if cfg != nil && cfg.Debug {
		level = log.DebugLevel
	}
	log.SetLevel(level)

	if cfg == nil || !cfg.LoggingToFile {
		closeFileWriter()
		log.SetOutput(os.Stdout)
		return nil
	}
	if err := os.MkdirAll(cfg.LogsDir, 0o755); err != nil {
		return fmt.Errorf("logging: create %s failed: %w", cfg.LogsDir, err)
	}
	closeFileWriter()
	fileWriter = &lumberjack.Logger{
		Filename:   filepath.Join(cfg.LogsDir, "main.log"),
		MaxSize:    cfg.LogsMaxSizeMB,
		MaxBackups: cfg.LogsMaxBackups,
		MaxAge:     cfg.LogsMaxAgeDays,
		Compress:   true,
	}
	log.SetOutput(io.MultiWriter(os.Stdout, fileWriter))
	return nil
}

func closeFileWriter() {
	if fileWriter == nil {
		return
	}
	if err := fileWriter.Close(); err != nil {
		log.Errorf("logging: close log file error: %v", err)
	}
	fileWriter = nil
}

// GinLogger writes one log line per request.
func GinLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		c.Next()

		status := c.Writer.Status()
		entry := log.WithFields(log.Fields{
			"status":  status,
			"method":  c.Request.Method,
			"path":    path,
			"latency": time.Since(start).Round(time.Microsecond).String(),
			"client":  c.ClientIP(),
		})
		if len(c.Errors) > 0 {
			entry = entry.WithField("errors", strings.TrimSpace(c.Errors.String()))
		}
		switch {
		case status >= http.StatusInternalServerError:
			entry.Error("request")
		case status >= http.StatusBadRequest:
			entry.Warn("request")
		default:
			entry.Debug("request")
		}
	}
}

// GinRecovery turns panics into 500 responses and logs the stack.
func GinRecovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if rec := recover(); rec != nil {
				log.WithField("panic", rec).Errorf("recovered panic on %s %s\n%s", c.Request.Method, c.Request.URL.Path, debug.Stack())
				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
			}
		}()
		c.Next()
	}
}
