// Package logging builds the *zap.Logger used by every component in
// this module. Grounded on the teacher's internal/logging/logger.go
// LoggerConfig/LevelValue shape, with the body replaced: the teacher's
// hand-rolled Logger/LogAggregator wrote its own JSON/text/logfmt
// encoders, but every other package here (and in the rest of the pack)
// takes a *zap.Logger, so New returns one instead of the teacher's
// bespoke type.
package logging

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Log levels, kept as the teacher's string constants so Config can be
// loaded from the same YAML/env surface as internal/config.
const (
	LevelDebug = "debug"
	LevelInfo  = "info"
	LevelWarn  = "warn"
	LevelError = "error"
)

// Log formats.
const (
	FormatJSON = "json"
	FormatText = "text"
)

// Config configures the constructed *zap.Logger.
type Config struct {
	Level  string
	Format string
}

// Validate checks that Level (if set) is one of the known levels.
func (c Config) Validate() error {
	switch c.Level {
	case "", LevelDebug, LevelInfo, LevelWarn, LevelError:
		return nil
	default:
		return fmt.Errorf("logging: invalid level: %s", c.Level)
	}
}

// ApplyDefaults fills unset fields with info/json.
func (c *Config) ApplyDefaults() {
	if c.Level == "" {
		c.Level = LevelInfo
	}
	if c.Format == "" {
		c.Format = FormatJSON
	}
}

func (c Config) zapLevel() zapcore.Level {
	switch c.Level {
	case LevelDebug:
		return zapcore.DebugLevel
	case LevelWarn:
		return zapcore.WarnLevel
	case LevelError:
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// New builds a *zap.Logger from cfg. A nil or zero Config yields the
// info/json defaults.
func New(cfg Config) (*zap.Logger, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	zcfg := zap.NewProductionConfig()
	zcfg.Level = zap.NewAtomicLevelAt(cfg.zapLevel())
	if cfg.Format == FormatText {
		zcfg.Encoding = "console"
		zcfg.EncoderConfig = zap.NewDevelopmentEncoderConfig()
	}

	logger, err := zcfg.Build()
	if err != nil {
		return nil, fmt.Errorf("logging: build logger: %w", err)
	}
	return logger, nil
}
