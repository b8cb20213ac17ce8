package logging

import (
	"os"

	"github.com/rs/zerolog"

	"github.com/edvin/agentvm/internal/config"
)

// NewLogger creates the process-wide structured logger. Components derive
// sub-loggers with their own component field.
func NewLogger(cfg *config.Config) zerolog.Logger {
	ctx := zerolog.New(os.Stdout).With().Timestamp()

	if cfg.ServiceName != "" {
		ctx = ctx.Str("service", cfg.ServiceName)
	}

	logger := ctx.Logger()

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}

	return logger.Level(level)
}
