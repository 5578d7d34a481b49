// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package commons

import (
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"
)

// Logger is the application-wide logging interface. All internal packages
// depend on this rather than on zap directly so that tests can swap in a
// silent implementation.
type Logger interface {
	Debug(args ...interface{})
	Info(args ...interface{})
	Warn(args ...interface{})
	Error(args ...interface{})

	Debugf(template string, args ...interface{})
	Infof(template string, args ...interface{})
	Warnf(template string, args ...interface{})
	Errorf(template string, args ...interface{})

	Debugw(msg string, keysAndValues ...interface{})
	Infow(msg string, keysAndValues ...interface{})
	Warnw(msg string, keysAndValues ...interface{})
	Errorw(msg string, keysAndValues ...interface{})

	Sync() error
}

// LoggerOption configures NewApplicationLogger.
type LoggerOption func(*loggerConfig)

type loggerConfig struct {
	name  string
	path  string
	level string
}

// Name sets the service name; it becomes the log file basename and a
// constant "service" field on every record.
func Name(name string) LoggerOption {
	return func(c *loggerConfig) { c.name = name }
}

// Path sets the directory for rotated log files. Empty path logs to
// stdout only.
func Path(path string) LoggerOption {
	return func(c *loggerConfig) { c.path = path }
}

// Level sets the minimum level: debug, info, warn or error.
func Level(level string) LoggerOption {
	return func(c *loggerConfig) { c.level = level }
}

type applicationLogger struct {
	*zap.SugaredLogger
}

// NewApplicationLogger builds the standard application logger: JSON records,
// stdout plus an optional size-rotated file sink.
func NewApplicationLogger(opts ...LoggerOption) (Logger, error) {
	cfg := loggerConfig{
		name:  "voice-gateway",
		level: "info",
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	level := zapcore.InfoLevel
	if err := level.Set(cfg.level); err != nil {
		level = zapcore.InfoLevel
	}

	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encoder := zapcore.NewJSONEncoder(encoderCfg)

	cores := []zapcore.Core{
		zapcore.NewCore(encoder, zapcore.AddSync(os.Stdout), level),
	}
	if cfg.path != "" {
		rotated := &lumberjack.Logger{
			Filename:   filepath.Join(cfg.path, cfg.name+".log"),
			MaxSize:    100, // MB
			MaxBackups: 5,
			MaxAge:     14, // days
			Compress:   true,
		}
		cores = append(cores, zapcore.NewCore(encoder, zapcore.AddSync(rotated), level))
	}

	base := zap.New(zapcore.NewTee(cores...), zap.AddCaller(), zap.AddCallerSkip(1)).
		With(zap.String("service", cfg.name))
	return &applicationLogger{SugaredLogger: base.Sugar()}, nil
}

// NewNopLogger returns a logger that discards everything. Intended for tests.
func NewNopLogger() Logger {
	return &applicationLogger{SugaredLogger: zap.NewNop().Sugar()}
}
