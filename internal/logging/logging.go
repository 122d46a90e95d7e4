package logging

import (
	"fmt"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds the process logger. Production uses JSON output; every other
// environment uses the console encoder.
func New(env, level string) (*zap.Logger, error) {
	var cfg zap.Config
	if env == "production" {
		cfg = zap.NewProductionConfig()
	} else {
		cfg = zap.NewDevelopmentConfig()
	}

	if level != "" {
		lvl, err := zapcore.ParseLevel(level)
		if err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", level, err)
		}
		cfg.Level = zap.NewAtomicLevelAt(lvl)
	}

	return cfg.Build()
}

// Timing logs the start of an operation and returns a func that logs its
// completion with the elapsed time
func Timing(logger *zap.Logger, operation string, fields ...zap.Field) func() {
	start := time.Now()
	logger.Debug("starting "+operation, fields...)

	return func() {
		logger.Info("completed "+operation, append(fields, zap.Duration("took", time.Since(start)))...)
	}
}
