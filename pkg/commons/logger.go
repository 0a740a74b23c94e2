// Package commons holds the small set of cross-cutting helpers — logging
// chief among them — that every other package in this module takes as a
// constructor argument instead of reaching for package-level globals.
package commons

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// SEPARATOR joins multi-value option strings (pronunciation dictionary
// lists, normalizer pipeline names) the same way the provider option types
// split them back apart.
const SEPARATOR = ","

// Logger is the structured logging contract every component depends on.
// It mirrors zap.SugaredLogger's surface so that NewApplicationLogger can
// hand back a thin wrapper with no adaptation layer in the hot path.
type Logger interface {
	Debug(args ...interface{})
	Debugf(template string, args ...interface{})
	Debugw(msg string, keysAndValues ...interface{})

	Info(args ...interface{})
	Infof(template string, args ...interface{})
	Infow(msg string, keysAndValues ...interface{})

	Warn(args ...interface{})
	Warnf(template string, args ...interface{})
	Warnw(msg string, keysAndValues ...interface{})

	Error(args ...interface{})
	Errorf(template string, args ...interface{})
	Errorw(msg string, keysAndValues ...interface{})

	Fatalf(template string, args ...interface{})

	// Benchmark logs a named duration at debug level; used to trace hot
	// paths (provider connect, resample, encode) without a metrics system.
	Benchmark(name string, durationMs float64)

	// With returns a child logger carrying the given key/value pairs on
	// every subsequent call, the way a per-session logger is derived once
	// and threaded through the state machine driver.
	With(keysAndValues ...interface{}) Logger
}

type zapLogger struct {
	s *zap.SugaredLogger
}

// LogConfig controls NewApplicationLogger's sinks and verbosity.
type LogConfig struct {
	// Level is one of "debug", "info", "warn", "error".
	Level string
	// FilePath, when non-empty, adds a rotating file sink via lumberjack
	// alongside the stderr console sink.
	FilePath   string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

func (c LogConfig) level() zapcore.Level {
	switch c.Level {
	case "debug":
		return zapcore.DebugLevel
	case "warn":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// NewApplicationLogger builds the process-wide Logger. Components should
// not hold onto this singleton directly — they receive a Logger (often a
// .With(...)-derived child) at construction time.
func NewApplicationLogger(cfg LogConfig) Logger {
	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.TimeKey = "ts"
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	cores := []zapcore.Core{
		zapcore.NewCore(
			zapcore.NewConsoleEncoder(encoderCfg),
			zapcore.Lock(zapcore.AddSync(os.Stderr)),
			cfg.level(),
		),
	}

	if cfg.FilePath != "" {
		rotator := &lumberjack.Logger{
			Filename:   cfg.FilePath,
			MaxSize:    orDefault(cfg.MaxSizeMB, 100),
			MaxBackups: orDefault(cfg.MaxBackups, 7),
			MaxAge:     orDefault(cfg.MaxAgeDays, 14),
			Compress:   true,
		}
		cores = append(cores, zapcore.NewCore(
			zapcore.NewJSONEncoder(encoderCfg),
			zapcore.AddSync(rotator),
			cfg.level(),
		))
	}

	core := zapcore.NewTee(cores...)
	base := zap.New(core, zap.AddCaller(), zap.AddCallerSkip(1))
	return &zapLogger{s: base.Sugar()}
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

func (l *zapLogger) Debug(args ...interface{})                         { l.s.Debug(args...) }
func (l *zapLogger) Debugf(template string, args ...interface{})       { l.s.Debugf(template, args...) }
func (l *zapLogger) Debugw(msg string, kv ...interface{})               { l.s.Debugw(msg, kv...) }
func (l *zapLogger) Info(args ...interface{})                           { l.s.Info(args...) }
func (l *zapLogger) Infof(template string, args ...interface{})        { l.s.Infof(template, args...) }
func (l *zapLogger) Infow(msg string, kv ...interface{})                { l.s.Infow(msg, kv...) }
func (l *zapLogger) Warn(args ...interface{})                           { l.s.Warn(args...) }
func (l *zapLogger) Warnf(template string, args ...interface{})        { l.s.Warnf(template, args...) }
func (l *zapLogger) Warnw(msg string, kv ...interface{})                { l.s.Warnw(msg, kv...) }
func (l *zapLogger) Error(args ...interface{})                          { l.s.Error(args...) }
func (l *zapLogger) Errorf(template string, args ...interface{})       { l.s.Errorf(template, args...) }
func (l *zapLogger) Errorw(msg string, kv ...interface{})               { l.s.Errorw(msg, kv...) }
func (l *zapLogger) Fatalf(template string, args ...interface{})       { l.s.Fatalf(template, args...) }

func (l *zapLogger) Benchmark(name string, durationMs float64) {
	l.s.Debugw("benchmark", "name", name, "duration_ms", durationMs)
}

func (l *zapLogger) With(kv ...interface{}) Logger {
	return &zapLogger{s: l.s.With(kv...)}
}
