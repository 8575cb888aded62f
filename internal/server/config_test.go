package server

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNewConfigDefaults(t *testing.T) {
	cfg := NewConfig()

	assert.Equal(t, 2525, cfg.Port)
	assert.Empty(t, cfg.WSAddr)
	assert.Equal(t, []string{"http://localhost:8080"}, cfg.AllowedOrigins)
	assert.Equal(t, 4096, cfg.MaxLineBytes)
	assert.Equal(t, RateLimitConfig{Burst: 0, RefillInterval: time.Second}, cfg.RateLimit)
	assert.Equal(t, "Local", cfg.TimeZone)
	assert.Equal(t, DefaultTimeLayout, cfg.TimeLayout)
	assert.Zero(t, cfg.WriteTimeout)
	assert.Zero(t, cfg.HandshakeTimeout)
	assert.False(t, cfg.LegacyHandshake)
	assert.Empty(t, cfg.NATS.URL)
	assert.Equal(t, "privatehive", cfg.NATS.SubjectPrefix)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, 10*time.Second, cfg.ShutdownTimeout)
	assert.NoError(t, cfg.Validate())
}

// TestSanitize verifies that zero and negative values fall back to defaults
// and that the origin slice is copied.
func TestSanitize(t *testing.T) {
	origins := []string{"https://chat.example"}
	cfg := Config{
		Port:             7000,
		AllowedOrigins:   origins,
		MaxLineBytes:     -1,
		RateLimit:        RateLimitConfig{Burst: -3, RefillInterval: -time.Second},
		WriteTimeout:     -time.Second,
		HandshakeTimeout: -time.Second,
		ShutdownTimeout:  0,
	}.Sanitize()

	assert.Equal(t, 7000, cfg.Port)
	assert.Equal(t, DefaultMaxLineBytes, cfg.MaxLineBytes)
	assert.Zero(t, cfg.RateLimit.Burst)
	assert.Equal(t, time.Second, cfg.RateLimit.RefillInterval)
	assert.Equal(t, DefaultTimeLayout, cfg.TimeLayout)
	assert.Equal(t, "privatehive", cfg.NATS.SubjectPrefix)
	assert.Zero(t, cfg.WriteTimeout)
	assert.Zero(t, cfg.HandshakeTimeout)
	assert.Equal(t, 10*time.Second, cfg.ShutdownTimeout)

	cfg.AllowedOrigins[0] = "changed"
	assert.Equal(t, "https://chat.example", origins[0])
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{name: "defaults", mutate: func(*Config) {}},
		{name: "port zero", mutate: func(c *Config) { c.Port = 0 }, wantErr: true},
		{name: "port too large", mutate: func(c *Config) { c.Port = 70000 }, wantErr: true},
		{name: "gateway address", mutate: func(c *Config) { c.WSAddr = ":8080" }},
		{name: "bad gateway address", mutate: func(c *Config) { c.WSAddr = "8080" }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewConfig()
			tt.mutate(cfg)
			if tt.wantErr {
				assert.Error(t, cfg.Validate())
			} else {
				assert.NoError(t, cfg.Validate())
			}
		})
	}
}

func TestListenAddr(t *testing.T) {
	cfg := NewConfig()
	assert.Equal(t, ":2525", cfg.ListenAddr())
}

func TestConnectionOptions(t *testing.T) {
	cfg := NewConfig()
	cfg.LegacyHandshake = true
	cfg.HandshakeTimeout = 3 * time.Second

	clock := testClock()
	log := zap.NewNop()
	opts := cfg.ConnectionOptions(clock, log)

	require.Same(t, clock, opts.Clock)
	require.Same(t, log, opts.Logger)
	assert.Equal(t, cfg.RateLimit, opts.RateLimit)
	assert.True(t, opts.LegacyHandshake)
	assert.Equal(t, 3*time.Second, opts.HandshakeTimeout)
}
