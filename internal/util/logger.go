package util

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var logger *zap.Logger

// LogOptions configures the process logger
type LogOptions struct {
	Service string
	Env     string
	Level   string
}

// InitLogger builds the process logger. Production uses JSON output; every entry carries
// the service name so logs from several stock instances can be told apart.
func InitLogger(opts LogOptions) error {
	cfg, err := loggerConfig(opts)
	if err != nil {
		return err
	}

	built, err := cfg.Build()
	if err != nil {
		return err
	}
	if opts.Service != "" {
		built = built.With(zap.String("service", opts.Service))
	}

	logger = built
	zap.ReplaceGlobals(logger)
	return nil
}

func loggerConfig(opts LogOptions) (zap.Config, error) {
	var cfg zap.Config
	if opts.Env == "production" {
		cfg = zap.NewProductionConfig()
	} else {
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}

	if opts.Level != "" {
		level, err := zap.ParseAtomicLevel(opts.Level)
		if err != nil {
			return cfg, fmt.Errorf("invalid log level %q: %w", opts.Level, err)
		}
		cfg.Level = level
	}
	return cfg, nil
}

// GetLogger returns the process logger, falling back to a development logger before init
func GetLogger() *zap.Logger {
	if logger == nil {
		logger, _ = zap.NewDevelopment()
	}
	return logger
}

// SyncLogger flushes buffered entries
func SyncLogger() {
	if logger != nil {
		_ = logger.Sync()
	}
}
