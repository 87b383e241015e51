// Package logging builds the zap loggers used by every service: the process
// logger and the audit logger with its separate error stream.
package logging

import (
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds the process logger. Development uses the console encoder.
func New(level, env string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		lvl = zapcore.InfoLevel
	}

	var cfg zap.Config
	if env == "development" {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)

	logger, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}
	return logger, nil
}

// NewAuditLogger tees an audit stream (info and above, JSON, appended to
// auditPath) with an error stream (error and above, appended to errorPath).
// When console is true, audit entries are mirrored to stderr.
func NewAuditLogger(auditPath, errorPath string, console bool) (*zap.Logger, func(), error) {
	auditFile, err := openAppend(auditPath)
	if err != nil {
		return nil, nil, err
	}
	errorFile, err := openAppend(errorPath)
	if err != nil {
		auditFile.Close()
		return nil, nil, err
	}

	cores := []zapcore.Core{
		NewAuditCore(zapcore.AddSync(auditFile), zapcore.AddSync(errorFile)),
	}
	if console {
		cores = append(cores, zapcore.NewCore(
			zapcore.NewConsoleEncoder(zap.NewDevelopmentEncoderConfig()),
			zapcore.Lock(os.Stderr),
			zapcore.InfoLevel,
		))
	}

	logger := zap.New(zapcore.NewTee(cores...))
	closeFn := func() {
		_ = logger.Sync()
		auditFile.Close()
		errorFile.Close()
	}
	return logger, closeFn, nil
}

// NewAuditCore builds the two-stream core over arbitrary sinks
func NewAuditCore(audit, errs zapcore.WriteSyncer) zapcore.Core {
	enc := zap.NewProductionEncoderConfig()
	enc.TimeKey = "timestamp"
	enc.EncodeTime = zapcore.RFC3339NanoTimeEncoder

	return zapcore.NewTee(
		zapcore.NewCore(zapcore.NewJSONEncoder(enc), audit, zapcore.InfoLevel),
		zapcore.NewCore(zapcore.NewJSONEncoder(enc), errs, zapcore.ErrorLevel),
	)
}

func openAppend(path string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	return f, nil
}
