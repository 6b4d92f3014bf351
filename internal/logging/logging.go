// Package logging provides structured logging configuration.
package logging

import (
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
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
	// Flow decisions are logged at high volume; sampling would hide individual verdicts.
	zcfg.Sampling = nil

	logger, err := zcfg.Build(zap.AddCaller())
	if err != nil {
		return nil, err
	}

	return logger.With(zap.String("service", "flowgate")), nil
}

// Sync flushes any buffered log entries.
func Sync(logger *zap.Logger) {
	_ = logger.Sync()
}

// FromEnv creates a Config from environment variables.
func FromEnv() Config {
	return Config{
		Level:  getenv("FLOWGATE_LOG_LEVEL", "info"),
		Format: getenv("FLOWGATE_LOG_FORMAT", "json"),
	}
}

func getenv(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

// UserID returns a zap field for a local user id.
func UserID(uid uint32) zap.Field { return zap.Uint32("uid", uid) }

// FlowID returns a zap field for a flow id.
func FlowID(id uuid.UUID) zap.Field { return zap.Stringer("flow_id", id) }

// KeyID returns a zap field for a filter key id.
func KeyID(id uuid.UUID) zap.Field { return zap.Stringer("key_id", id) }

// BundleID returns a zap field for an app bundle identifier.
func BundleID(id string) zap.Field { return zap.String("bundle_id", id) }

// Hostname returns a zap field for a flow hostname.
func Hostname(host string) zap.Field { return zap.String("hostname", host) }

// RemoteIP returns a zap field for a remote IP address.
func RemoteIP(ip string) zap.Field { return zap.String("remote_ip", ip) }

// Port returns a zap field for a port number.
func Port(port int) zap.Field { return zap.Int("port", port) }

// Addr returns a zap field for a listen address.
func Addr(addr string) zap.Field { return zap.String("addr", addr) }

// Protocol returns a zap field for a protocol name.
func Protocol(proto string) zap.Field { return zap.String("protocol", proto) }

// Verdict returns a zap field for a flow verdict.
func Verdict(v string) zap.Field { return zap.String("verdict", v) }

// Reason returns a zap field for a decision reason.
func Reason(r string) zap.Field { return zap.String("reason", r) }

// ExpiresAt returns a zap field for an expiry time.
func ExpiresAt(t time.Time) zap.Field { return zap.Time("expires_at", t) }
