// Package server provides configuration helpers that define runtime defaults,
// validation, and throttling parameters for the relay.
package server

import (
	"net"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Defaults for the numeric settings. A zero DefaultRateBurst leaves chat
// unthrottled.
const (
	DefaultPort         = 2525
	DefaultMaxLineBytes = 4096
	DefaultRateBurst    = 0
)

const (
	defaultSubjectPrefix  = "privatehive"
	defaultShutdownGrace  = 10 * time.Second
	defaultAllowedOrigin  = "http://localhost:8080"
	defaultRefillInterval = time.Second
)

// RateLimitConfig defines the parameters for per-connection message rate
// limiting. A zero Burst disables it.
type RateLimitConfig struct {
	Burst          int
	RefillInterval time.Duration
}

// NATSConfig enables the cluster relay when URL is set.
type NATSConfig struct {
	URL           string
	SubjectPrefix string
	Name          string
}

// Config holds the relay configuration.
type Config struct {
	// Port is the TCP port of the line protocol listener.
	Port int
	// WSAddr is the HTTP address of the WebSocket gateway; empty disables it.
	WSAddr         string
	AllowedOrigins []string

	MaxLineBytes int
	RateLimit    RateLimitConfig

	TimeZone   string
	TimeLayout string

	// WriteTimeout bounds every write to a single recipient. Zero leaves
	// writes unbounded, so a stalled client can hold a broadcast.
	WriteTimeout     time.Duration
	HandshakeTimeout time.Duration
	LegacyHandshake  bool

	NATS NATSConfig

	LogLevel        string
	ShutdownTimeout time.Duration
}

func defaultConfig() Config {
	return Config{
		Port: DefaultPort,
		AllowedOrigins: []string{
			defaultAllowedOrigin,
		},
		MaxLineBytes: DefaultMaxLineBytes,
		RateLimit: RateLimitConfig{
			Burst:          DefaultRateBurst,
			RefillInterval: defaultRefillInterval,
		},
		TimeZone:        "Local",
		TimeLayout:      DefaultTimeLayout,
		NATS:            NATSConfig{SubjectPrefix: defaultSubjectPrefix},
		LogLevel:        "info",
		ShutdownTimeout: defaultShutdownGrace,
	}
}

// NewConfig creates a Config instance populated with default values for all settings.
func NewConfig() *Config {
	cfg := defaultConfig()
	return &cfg
}

// Sanitize replaces zero or negative values with defaults and returns the result.
// Port is left alone so Validate can report it.
func (c Config) Sanitize() Config {
	if c.MaxLineBytes <= 0 {
		c.MaxLineBytes = DefaultMaxLineBytes
	}

	if c.RateLimit.Burst < 0 {
		c.RateLimit.Burst = 0
	}

	if c.RateLimit.RefillInterval <= 0 {
		c.RateLimit.RefillInterval = defaultRefillInterval
	}

	if c.TimeLayout == "" {
		c.TimeLayout = DefaultTimeLayout
	}

	if c.NATS.SubjectPrefix == "" {
		c.NATS.SubjectPrefix = defaultSubjectPrefix
	}

	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = defaultShutdownGrace
	}

	if c.WriteTimeout < 0 {
		c.WriteTimeout = 0
	}

	if c.HandshakeTimeout < 0 {
		c.HandshakeTimeout = 0
	}

	c.AllowedOrigins = append([]string(nil), c.AllowedOrigins...)
	return c
}

// Validate reports settings that cannot be defaulted.
func (c Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return errors.Errorf("port %d out of range", c.Port)
	}
	if c.WSAddr != "" {
		if _, _, err := net.SplitHostPort(c.WSAddr); err != nil {
			return errors.Wrapf(err, "invalid websocket address %q", c.WSAddr)
		}
	}
	return nil
}

// ListenAddr is the TCP listener address for Port on all interfaces.
func (c Config) ListenAddr() string {
	return net.JoinHostPort("", strconv.Itoa(c.Port))
}

// ConnectionOptions derives the per-connection options from the configuration.
func (c Config) ConnectionOptions(clock *Clock, log *zap.Logger) Options {
	return Options{
		Clock:            clock,
		Logger:           log,
		RateLimit:        c.RateLimit,
		LegacyHandshake:  c.LegacyHandshake,
		HandshakeTimeout: c.HandshakeTimeout,
	}
}
