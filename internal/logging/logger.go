package logging

import (
	"fmt"

	"github.com/devrev/riptide-persistence/internal/config"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds a zap logger from the logging configuration.
// "console" format selects the development encoder; anything else is JSON.
func New(cfg config.LoggingConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}

	var zcfg zap.Config
	if cfg.Format == "console" {
		zcfg = zap.NewDevelopmentConfig()
	} else {
		zcfg = zap.NewProductionConfig()
	}
	zcfg.Level = zap.NewAtomicLevelAt(level)

	return zcfg.Build()
}

// Integrity tags a log entry as a data-integrity violation for the audit trail
func Integrity(subject string) []zap.Field {
	return []zap.Field{
		zap.String("event", "data_integrity_violation"),
		zap.String("subject", subject),
	}
}
