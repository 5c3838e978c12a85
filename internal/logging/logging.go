// Package logging provides structured logging configuration.
package logging

import (
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds logging configuration options.
type Config struct {
	Level  string // debug|info|warn|error
	Format string // json|console
}

// New creates a new configured zap logger.
func New(cfg Config) (*zap.Logger, error) {
	level := zapcore.InfoLevel
	if cfg.Level != "" {
		if err := level.Set(strings.ToLower(cfg.Level)); err != nil {
			return nil, err
		}
	}

	format := strings.ToLower(cfg.Format)
	if format == "" {
		format = "json"
	}

	var zcfg zap.Config
	if format == "console" {
		zcfg = zap.NewDevelopmentConfig()
	} else {
		zcfg = zap.NewProductionConfig()
	}

	zcfg.Level = zap.NewAtomicLevelAt(level)
	zcfg.EncoderConfig.TimeKey = "ts"
	zcfg.EncoderConfig.LevelKey = "level"
	zcfg.EncoderConfig.MessageKey = "msg"
	zcfg.EncoderConfig.CallerKey = "caller"
	zcfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := zcfg.Build(zap.AddCaller())
	if err != nil {
		return nil, err
	}

	return logger.With(zap.String("service", "toolauth")), nil
}

// Sync flushes any buffered log entries.
func Sync(logger *zap.Logger) {
	_ = logger.Sync()
}

// FromEnv creates a Config from environment variables.
func FromEnv() Config {
	return Config{
		Level:  getenv("TOOLAUTH_LOG_LEVEL", "info"),
		Format: getenv("TOOLAUTH_LOG_FORMAT", "json"),
	}
}

func getenv(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

// Component returns a zap field for the component name.
func Component(name string) zap.Field { return zap.String("component", name) }

// Addr returns a zap field for an address.
func Addr(addr string) zap.Field { return zap.String("addr", addr) }

// Method returns a zap field for an HTTP method.
func Method(method string) zap.Field { return zap.String("method", method) }

// Path returns a zap field for a URL path.
func Path(path string) zap.Field { return zap.String("path", path) }

// RemoteAddr returns a zap field for the peer address of a request.
func RemoteAddr(addr string) zap.Field { return zap.String("remote_addr", addr) }

// LeaderID returns a zap field for the calling leader identity.
func LeaderID(id string) zap.Field { return zap.String("leader_id", id) }

// LeaderKID returns a zap field for the calling leader key id.
func LeaderKID(kid uint64) zap.Field { return zap.Uint64("leader_kid", kid) }

// ToolID returns a zap field for the tool identity.
func ToolID(id string) zap.Field { return zap.String("tool_id", id) }

// Nonce returns a zap field for a request nonce.
func Nonce(nonce string) zap.Field { return zap.String("nonce", nonce) }

// Reason returns a zap field for a machine-readable rejection reason.
func Reason(reason string) zap.Field { return zap.String("reason", reason) }

// Mode returns a zap field for the signed HTTP mode.
func Mode(mode string) zap.Field { return zap.String("mode", mode) }

// Generation returns a zap field for a config snapshot generation.
func Generation(gen uint64) zap.Field { return zap.Uint64("generation", gen) }

// ConfigPath returns a zap field for a config file path.
func ConfigPath(path string) zap.Field { return zap.String("config_path", path) }

// Status returns a zap field for an HTTP status code.
func Status(status int) zap.Field { return zap.Int("status", status) }
