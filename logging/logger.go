package logging

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the configuration for the logger
type Config struct {
	Level       string // debug, info, warn, error
	Development bool   // console encoder with caller info
	Component   string
}

// New builds a zap logger. Development mode logs human readable lines to stderr,
// production mode logs JSON.
func New(config Config) (*zap.Logger, error) {
	level, err := parseLevel(config.Level)
	if err != nil {
		return nil, err
	}

	var zapConfig zap.Config
	if config.Development {
		zapConfig = zap.NewDevelopmentConfig()
	} else {
		zapConfig = zap.NewProductionConfig()
		zapConfig.DisableStacktrace = true
	}
	zapConfig.Level = zap.NewAtomicLevelAt(level)
	zapConfig.OutputPaths = []string{"stderr"}

	logger, err := zapConfig.Build()
	if err != nil {
		return nil, err
	}

	if config.Component != "" {
		logger = logger.With(zap.String("component", config.Component))
	}

	return logger, nil
}

func parseLevel(s string) (zapcore.Level, error) {
	if s == "" {
		return zapcore.InfoLevel, nil
	}

	var level zapcore.Level
	if err := level.UnmarshalText([]byte(strings.ToLower(s))); err != nil {
		return level, fmt.Errorf("invalid log level %q", s)
	}

	return level, nil
}

// OrNop returns logger, or a no-op logger when logger is nil.
func OrNop(logger *zap.Logger) *zap.Logger {
	if logger == nil {
		return zap.NewNop()
	}
	return logger
}

// WithTransport tags log lines with the transport in use.
func WithTransport(logger *zap.Logger, transport string) *zap.Logger {
	return OrNop(logger).With(zap.String("transport", transport))
}

// WithSlot tags log lines with a card key slot.
func WithSlot(logger *zap.Logger, slot int) *zap.Logger {
	return OrNop(logger).With(zap.Int("key_slot", slot))
}

// WithCommand tags log lines with a card command and its correlation id.
func WithCommand(logger *zap.Logger, name string, uid string) *zap.Logger {
	return OrNop(logger).With(zap.String("command", name), zap.String("uid", uid))
}
