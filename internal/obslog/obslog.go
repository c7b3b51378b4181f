// obslog.go — structured logger construction. Every component takes a
// *zap.Logger scoped to its own name via With(component); nothing below
// configures global state.
package obslog

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds the base logger. debug=true switches to a development config
// (console encoder, debug level); production builds use the JSON encoder
// at info level.
func New(debug bool) (*zap.Logger, error) {
	if debug {
		cfg := zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		return cfg.Build()
	}
	return zap.NewProduction()
}

// Component returns a child logger tagged with the owning component name,
// e.g. obslog.Component(base, "app").
func Component(base *zap.Logger, name string) *zap.Logger {
	return base.With(zap.String("component", name))
}

// Noop returns a logger that discards everything, for tests that don't
// want to assert on log output.
func Noop() *zap.Logger {
	return zap.NewNop()
}
