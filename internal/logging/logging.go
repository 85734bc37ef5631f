// Package logging is the zerolog-backed logger shared by every component. It
// satisfies the printf-style, context-first Logger interfaces of the outbox,
// escalation and realtime packages and adapts to Watermill.
package logging

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/rs/zerolog"
)

type Options struct {
	ServiceName string
	Level       zerolog.Level
	// Format is "json" (default) or "console".
	Format string
	Output io.Writer
}

type Logger struct {
	base *zerolog.Logger
}

func New(opts Options) *Logger {
	if opts.Level == zerolog.NoLevel {
		opts.Level = zerolog.InfoLevel
	}
	output := opts.Output
	if output == nil {
		output = os.Stdout
	}
	if opts.Format == "console" {
		output = zerolog.ConsoleWriter{Out: output, TimeFormat: "15:04:05"}
	}
	logger := zerolog.New(output).
		With().
		Timestamp().
		Str("service", opts.ServiceName).
		Logger().
		Level(opts.Level)
	return &Logger{base: &logger}
}

// Nop discards everything.
func Nop() *Logger {
	logger := zerolog.Nop()
	return &Logger{base: &logger}
}

// ParseLevel falls back to info for empty or unknown values.
func ParseLevel(value string) zerolog.Level {
	value = strings.ToLower(strings.TrimSpace(value))
	if value == "" {
		return zerolog.InfoLevel
	}
	if lvl, err := zerolog.ParseLevel(value); err == nil && lvl != zerolog.NoLevel {
		return lvl
	}
	return zerolog.InfoLevel
}

// With returns a child logger carrying key=value on every entry.
func (l *Logger) With(key string, value any) *Logger {
	child := l.base.With().Interface(key, value).Logger()
	return &Logger{base: &child}
}

func (l *Logger) Debug(_ context.Context, format string, args ...any) {
	l.base.Debug().Msgf(format, args...)
}

func (l *Logger) Info(_ context.Context, format string, args ...any) {
	l.base.Info().Msgf(format, args...)
}

func (l *Logger) Warn(_ context.Context, format string, args ...any) {
	l.base.Warn().Msgf(format, args...)
}

func (l *Logger) Error(_ context.Context, format string, args ...any) {
	l.base.Error().Msgf(format, args...)
}

// Watermill adapts l to watermill.LoggerAdapter.
func (l *Logger) Watermill() watermill.LoggerAdapter {
	return watermillAdapter{logger: l.base.With().Str("component", "watermill").Logger()}
}

type watermillAdapter struct {
	logger zerolog.Logger
}

func (a watermillAdapter) Error(msg string, err error, fields watermill.LogFields) {
	a.event(a.logger.Error(), fields).Err(err).Msg(msg)
}

func (a watermillAdapter) Info(msg string, fields watermill.LogFields) {
	a.event(a.logger.Info(), fields).Msg(msg)
}

func (a watermillAdapter) Debug(msg string, fields watermill.LogFields) {
	a.event(a.logger.Debug(), fields).Msg(msg)
}

func (a watermillAdapter) Trace(msg string, fields watermill.LogFields) {
	a.event(a.logger.Trace(), fields).Msg(msg)
}

func (a watermillAdapter) With(fields watermill.LogFields) watermill.LoggerAdapter {
	ctx := a.logger.With()
	for k, v := range fields {
		ctx = ctx.Str(k, fmt.Sprint(v))
	}
	return watermillAdapter{logger: ctx.Logger()}
}

func (a watermillAdapter) event(e *zerolog.Event, fields watermill.LogFields) *zerolog.Event {
	for k, v := range fields {
		e = e.Interface(k, v)
	}
	return e
}
