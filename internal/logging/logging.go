// Package logging provides structured logging functionality.
package logging

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

// LogConfig holds logging configuration.
type LogConfig struct {
	Level      string
	Console    bool
	File       bool
	FilePath   string
	MaxSize    int // megabytes
	MaxBackups int
	MaxAge     int // days
}

// DefaultLogConfig returns the default logging configuration.
func DefaultLogConfig() LogConfig {
	home, _ := os.UserHomeDir()
	return LogConfig{
		Level:      "info",
		Console:    true,
		File:       true,
		FilePath:   filepath.Join(home, ".config", "ticketwatch", "logs", "ticketwatch.log"),
		MaxSize:    100,
		MaxBackups: 7,
		MaxAge:     30,
	}
}

// NewLogger creates a new logger with default configuration.
func NewLogger() zerolog.Logger {
	return NewLoggerWithConfig(DefaultLogConfig())
}

// NewLoggerWithConfig creates a new logger with the specified configuration.
func NewLoggerWithConfig(cfg LogConfig) zerolog.Logger {
	var writers []io.Writer

	if cfg.Console {
		writers = append(writers, zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		})
	}

	// File writer with rotation
	if cfg.File {
		logDir := filepath.Dir(cfg.FilePath)
		if err := os.MkdirAll(logDir, 0755); err == nil {
			writers = append(writers, &lumberjack.Logger{
				Filename:   cfg.FilePath,
				MaxSize:    cfg.MaxSize,
				MaxBackups: cfg.MaxBackups,
				MaxAge:     cfg.MaxAge,
				Compress:   true,
			})
		}
	}

	var writer io.Writer
	switch len(writers) {
	case 0:
		writer = os.Stdout
	case 1:
		writer = writers[0]
	default:
		writer = zerolog.MultiLevelWriter(writers...)
	}

	zerolog.SetGlobalLevel(parseLevel(cfg.Level))

	return zerolog.New(writer).
		With().
		Timestamp().
		Caller().
		Logger()
}

func parseLevel(level string) zerolog.Level {
	switch level {
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// SetDebugLevel sets the global log level to debug.
func SetDebugLevel() {
	zerolog.SetGlobalLevel(zerolog.DebugLevel)
}

// ContextKey is the type for context keys.
type ContextKey string

// LoggerKey is the context key for the logger.
const LoggerKey ContextKey = "logger"

// WithLogger adds a logger to the context.
func WithLogger(ctx context.Context, logger zerolog.Logger) context.Context {
	return context.WithValue(ctx, LoggerKey, logger)
}

// FromContext retrieves the logger from context.
func FromContext(ctx context.Context) zerolog.Logger {
	if logger, ok := ctx.Value(LoggerKey).(zerolog.Logger); ok {
		return logger
	}
	return zerolog.Nop()
}

// WithTicket adds a ticket ID to the logger context.
func WithTicket(logger zerolog.Logger, ticketID string) zerolog.Logger {
	return logger.With().Str("ticket_id", ticketID).Logger()
}

// WithAlert adds an alert ID to the logger context.
func WithAlert(logger zerolog.Logger, alertID string) zerolog.Logger {
	return logger.With().Str("alert_id", alertID).Logger()
}

// WithEscalation adds an escalation ID to the logger context.
func WithEscalation(logger zerolog.Logger, escalationID string) zerolog.Logger {
	return logger.With().Str("escalation_id", escalationID).Logger()
}

// WithEntry adds a purchase queue entry ID to the logger context.
func WithEntry(logger zerolog.Logger, entryID string) zerolog.Logger {
	return logger.With().Str("entry_id", entryID).Logger()
}

// LogAlertMatch logs an alert match event.
func LogAlertMatch(logger zerolog.Logger, alertID, ticketID string, price, score float64, reason string) {
	logger.Info().
		Str("event", "alert_match").
		Str("alert_id", alertID).
		Str("ticket_id", ticketID).
		Float64("price", price).
		Float64("score", score).
		Str("reason", reason).
		Msg("Alert matched")
}

// LogDelivery logs a channel delivery outcome.
func LogDelivery(logger zerolog.Logger, escalationID, channel, status string, err error) {
	event := logger.Info().
		Str("event", "delivery").
		Str("escalation_id", escalationID).
		Str("channel", channel).
		Str("status", status)

	if err != nil {
		event.Err(err).Msg("Delivery failed")
	} else {
		event.Msg("Delivery recorded")
	}
}

// LogPurchase logs a purchase attempt outcome.
func LogPurchase(logger zerolog.Logger, entryID, ticketID, platform, status string, price float64) {
	logger.Info().
		Str("event", "purchase").
		Str("entry_id", entryID).
		Str("ticket_id", ticketID).
		Str("platform", platform).
		Str("status", status).
		Float64("price", price).
		Msg("Purchase attempt update")
}

// LogAdapterCall logs an external adapter call.
func LogAdapterCall(logger zerolog.Logger, kind, name string, duration time.Duration, err error) {
	event := logger.Debug().
		Str("event", "adapter_call").
		Str("kind", kind).
		Str("name", name).
		Dur("duration", duration)

	if err != nil {
		event.Err(err).Msg("Adapter call failed")
	} else {
		event.Msg("Adapter call completed")
	}
}
