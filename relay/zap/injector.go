package zap

import (
	"errors"
	"fmt"
	"os"
	"strings"

	logpkg "github.com/LerianStudio/lib-relay/relay/log"
	"go.opentelemetry.io/contrib/bridges/otelzap"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Environment selects the baseline logger profile.
type Environment string

const (
	EnvironmentProduction  Environment = "production"
	EnvironmentStaging     Environment = "staging"
	EnvironmentDevelopment Environment = "development"
	EnvironmentLocal       Environment = "local"
)

// verbose profiles default to debug and use zap's development encoder.
func (e Environment) verbose() bool {
	return e == EnvironmentDevelopment || e == EnvironmentLocal
}

func (e Environment) valid() bool {
	switch e {
	case EnvironmentProduction, EnvironmentStaging, EnvironmentDevelopment, EnvironmentLocal:
		return true
	}

	return false
}

// Config is loaded by relay.SetConfigFromEnvVars.
type Config struct {
	Environment     Environment `env:"ENV_NAME" envDefault:"production"`
	Level           string      `env:"LOG_LEVEL"`
	OTelLibraryName string      `env:"OTEL_LIBRARY_NAME" envDefault:"github.com/LerianStudio/lib-relay"`
	// DisableOTelBridge stops entries being copied to the OpenTelemetry log
	// pipeline.
	DisableOTelBridge bool `env:"LOG_DISABLE_OTEL_BRIDGE"`
}

func (c Config) validate() error {
	if !c.DisableOTelBridge && strings.TrimSpace(c.OTelLibraryName) == "" {
		return errors.New("OTelLibraryName is required")
	}

	if !c.Environment.valid() {
		return fmt.Errorf("invalid environment %q", c.Environment)
	}

	return nil
}

func (c Config) atomicLevel() (zap.AtomicLevel, error) {
	if strings.TrimSpace(c.Level) == "" {
		if c.Environment.verbose() {
			return zap.NewAtomicLevelAt(zapcore.DebugLevel), nil
		}

		return zap.NewAtomicLevelAt(zapcore.InfoLevel), nil
	}

	level, err := logpkg.ParseLevel(c.Level)
	if err != nil {
		return zap.AtomicLevel{}, fmt.Errorf("invalid level %q: %w", c.Level, err)
	}

	return zap.NewAtomicLevelAt(zapLevel(level)), nil
}

// New builds a JSON logger on stderr for cfg, teed into the OpenTelemetry
// log bridge unless disabled.
func New(cfg Config) (*Logger, error) {
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid zap config: %w", err)
	}

	level, err := cfg.atomicLevel()
	if err != nil {
		return nil, err
	}

	encoding := zap.NewProductionEncoderConfig()
	if cfg.Environment.verbose() {
		encoding = zap.NewDevelopmentEncoderConfig()
	}

	encoding.EncodeLevel = zapcore.CapitalLevelEncoder
	encoding.EncodeTime = zapcore.ISO8601TimeEncoder

	stderr := zapcore.Lock(os.Stderr)

	var core zapcore.Core = zapcore.NewCore(zapcore.NewJSONEncoder(encoding), stderr, level)
	if !cfg.DisableOTelBridge {
		core = zapcore.NewTee(core, otelzap.NewCore(cfg.OTelLibraryName))
	}

	options := []zap.Option{zap.AddCaller(), zap.AddCallerSkip(1), zap.ErrorOutput(stderr)}
	if cfg.Environment.verbose() {
		options = append(options, zap.Development())
	}

	return &Logger{base: zap.New(core, options...), level: level}, nil
}
