// Package logger provides the structured logger used across the media
// server. It mirrors the shape of the teacher's logger.Logger: a small
// interface over keyed, leveled logging, backed by zap.
package logger

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger is the logging surface every component takes. Keys/values are
// passed as alternating key, value pairs, the same convention as
// zap.SugaredLogger.
type Logger interface {
	Debugw(msg string, keysAndValues ...interface{})
	Infow(msg string, keysAndValues ...interface{})
	Warnw(msg string, keysAndValues ...interface{})
	Errorw(msg string, err error, keysAndValues ...interface{})
	WithValues(keysAndValues ...interface{}) Logger
}

type zapLogger struct {
	sugar *zap.SugaredLogger
}

func (z *zapLogger) Debugw(msg string, keysAndValues ...interface{}) {
	z.sugar.Debugw(msg, keysAndValues...)
}

func (z *zapLogger) Infow(msg string, keysAndValues ...interface{}) {
	z.sugar.Infow(msg, keysAndValues...)
}

func (z *zapLogger) Warnw(msg string, keysAndValues ...interface{}) {
	z.sugar.Warnw(msg, keysAndValues...)
}

func (z *zapLogger) Errorw(msg string, err error, keysAndValues ...interface{}) {
	if err != nil {
		keysAndValues = append(keysAndValues, "error", err)
	}
	z.sugar.Errorw(msg, keysAndValues...)
}

func (z *zapLogger) WithValues(keysAndValues ...interface{}) Logger {
	return &zapLogger{sugar: z.sugar.With(keysAndValues...)}
}

// noopLogger discards everything; used as the zero-value default so
// components never need a nil check before logging.
type noopLogger struct{}

func (noopLogger) Debugw(string, ...interface{})        {}
func (noopLogger) Infow(string, ...interface{})         {}
func (noopLogger) Warnw(string, ...interface{})         {}
func (noopLogger) Errorw(string, error, ...interface{}) {}
func (n noopLogger) WithValues(...interface{}) Logger   { return n }

var defaultLogger Logger = noopLogger{}

// InitProduction installs a JSON production zap logger at the given level
// ("debug", "info", "warn", "error"; empty keeps the zap default "info").
func InitProduction(level string) error {
	return initLogger(zap.NewProductionConfig(), level)
}

// InitDevelopment installs a human-readable console zap logger.
func InitDevelopment(level string) error {
	return initLogger(zap.NewDevelopmentConfig(), level)
}

func initLogger(cfg zap.Config, level string) error {
	if level != "" {
		var lvl zapcore.Level
		if err := lvl.UnmarshalText([]byte(level)); err != nil {
			return err
		}
		cfg.Level = zap.NewAtomicLevelAt(lvl)
	}
	l, err := cfg.Build()
	if err != nil {
		return err
	}
	defaultLogger = &zapLogger{sugar: l.Sugar()}
	return nil
}

// GetLogger returns the process-wide default logger.
func GetLogger() Logger {
	return defaultLogger
}

// SetLogger overrides the process-wide default, mainly for tests.
func SetLogger(l Logger) {
	if l == nil {
		l = noopLogger{}
	}
	defaultLogger = l
}
