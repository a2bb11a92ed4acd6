package log

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/gammadia/autogrid/server/flags"
	"github.com/gin-gonic/gin"
	"github.com/spf13/viper"
)

// gopls keeps importing the wrong package for a package-global 'log', hence
// this dedicated package.

// Base is a bare logger without attributes
var Base *slog.Logger

// logger is the server logger with default attributes
var logger *slog.Logger

func Init() error {
	var logLevel slog.Level
	if err := logLevel.UnmarshalText([]byte(viper.GetString(flags.LogLevel))); err != nil {
		return fmt.Errorf("failed to parse log level: %w", err)
	}

	options := slog.HandlerOptions{
		AddSource: viper.GetBool(flags.LogSource),
		Level:     logLevel,
	}

	switch format := viper.GetString(flags.LogFormat); format {
	case "json":
		Base = slog.New(slog.NewJSONHandler(os.Stdout, &options))
	case "text":
		Base = slog.New(slog.NewTextHandler(os.Stdout, &options))
	default:
		return fmt.Errorf("unknown log format '%s'", format)
	}

	logger = Base.With("component", "server")
	slog.SetDefault(Base)
	return nil
}

// Requests logs every HTTP request once it has been served. Server errors are
// logged as errors, client errors as warnings.
func Requests() gin.HandlerFunc {
	requests := Base.With("component", "http")
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		level := slog.LevelDebug
		switch {
		case status >= 500:
			level = slog.LevelError
		case status >= 400:
			level = slog.LevelWarn
		}
		requests.Log(c.Request.Context(), level, "Request served",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", status,
			"duration", time.Since(start),
			"client", c.ClientIP(),
		)
	}
}

// Proxies for slog.Logger methods

func Debug(msg string, args ...any) {
	logger.Debug(msg, args...)
}

func DebugContext(ctx context.Context, msg string, args ...any) {
	logger.DebugContext(ctx, msg, args...)
}

func Info(msg string, args ...any) {
	logger.Info(msg, args...)
}

func Warn(msg string, args ...any) {
	logger.Warn(msg, args...)
}

func Error(msg string, args ...any) {
	logger.Error(msg, args...)
}

func ErrorContext(ctx context.Context, msg string, args ...any) {
	logger.ErrorContext(ctx, msg, args...)
}

func With(args ...any) *slog.Logger {
	return logger.With(args...)
}
