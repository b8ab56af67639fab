package core

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()

	assert.Equal(t, "http://localhost:8081/api/v1", config.AuthURL)
	assert.Equal(t, "http://localhost:8083/api/v1", config.Services[ServiceAssessment])
	assert.Equal(t, "http://localhost:8082/api/v1", config.Services[ServiceDiscussion])
	assert.Equal(t, "ws://localhost:8082/ws", config.RealtimeURL)
	assert.Equal(t, 10*time.Second, config.Timeout)
	assert.Equal(t, 600, config.RateLimitRequests)
	assert.Equal(t, time.Minute, config.RateLimitPeriod)
	assert.Equal(t, time.Second, config.Reconnect.BaseWait)
	assert.Equal(t, 30*time.Second, config.Reconnect.MaxWait)
	assert.Equal(t, 2.0, config.Reconnect.Multiplier)
	assert.Equal(t, 5, config.Reconnect.MaxAttempts)
	assert.Equal(t, 10*time.Second, config.ConnectTimeout)
	assert.Equal(t, 10*time.Second, config.HeartbeatIncoming)
	assert.Equal(t, 10*time.Second, config.HeartbeatOutgoing)
	assert.Equal(t, "info", config.LogLevel)
	assert.NoError(t, config.Validate())
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
		errMsg  string
	}{
		{
			name:   "valid_config",
			mutate: func(c *Config) {},
		},
		{
			name:    "missing_auth_url",
			mutate:  func(c *Config) { c.AuthURL = "" },
			wantErr: true,
			errMsg:  "AuthURL",
		},
		{
			name:    "invalid_realtime_url",
			mutate:  func(c *Config) { c.RealtimeURL = "not a url" },
			wantErr: true,
			errMsg:  "RealtimeURL",
		},
		{
			name:    "invalid_service_url",
			mutate:  func(c *Config) { c.Services["ai"] = "::" },
			wantErr: true,
			errMsg:  "Services",
		},
		{
			name:    "auth_in_services",
			mutate:  func(c *Config) { c.Services[ServiceAuth] = "http://other/api" },
			wantErr: true,
			errMsg:  "auth service",
		},
		{
			name:    "invalid_timeout",
			mutate:  func(c *Config) { c.Timeout = -time.Second },
			wantErr: true,
			errMsg:  "Timeout",
		},
		{
			name:    "invalid_rate_limit_requests",
			mutate:  func(c *Config) { c.RateLimitRequests = 0 },
			wantErr: true,
			errMsg:  "RateLimitRequests",
		},
		{
			name:    "max_wait_below_base",
			mutate:  func(c *Config) { c.Reconnect.MaxWait = 500 * time.Millisecond },
			wantErr: true,
			errMsg:  "MaxWait",
		},
		{
			name:    "shrinking_multiplier",
			mutate:  func(c *Config) { c.Reconnect.Multiplier = 0.5 },
			wantErr: true,
			errMsg:  "Multiplier",
		},
		{
			name:    "zero_attempts",
			mutate:  func(c *Config) { c.Reconnect.MaxAttempts = 0 },
			wantErr: true,
			errMsg:  "MaxAttempts",
		},
		{
			name:    "invalid_log_level",
			mutate:  func(c *Config) { c.LogLevel = "trace" },
			wantErr: true,
			errMsg:  "LogLevel",
		},
		{
			name:   "heartbeats_disabled",
			mutate: func(c *Config) { c.WithHeartbeat(0, 0) },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := DefaultConfig()
			tt.mutate(config)

			err := config.Validate()
			if tt.wantErr {
				assert.Error(t, err)
				if tt.errMsg != "" {
					assert.True(t, strings.Contains(err.Error(), tt.errMsg), "error %q should mention %q", err, tt.errMsg)
				}
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestConfig_ServiceURL(t *testing.T) {
	config := DefaultConfig()

	u, ok := config.ServiceURL(ServiceAuth)
	assert.True(t, ok)
	assert.Equal(t, config.AuthURL, u)

	u, ok = config.ServiceURL(ServiceDiscussion)
	assert.True(t, ok)
	assert.Equal(t, "http://localhost:8082/api/v1", u)

	_, ok = config.ServiceURL("payments")
	assert.False(t, ok)
}

func TestConfig_Chaining(t *testing.T) {
	config := (&Config{}).
		WithAuthURL("http://auth.test/api").
		WithService("ai", "http://ai.test").
		WithRealtimeURL("ws://rt.test/ws").
		WithTimeout(5*time.Second).
		WithRateLimit(10, time.Second).
		WithReconnect(ReconnectConfig{BaseWait: time.Second, MaxWait: 4 * time.Second, Multiplier: 2, MaxAttempts: 3}).
		WithHeartbeat(time.Second, 2*time.Second)

	assert.Equal(t, "http://auth.test/api", config.AuthURL)
	assert.Equal(t, "http://ai.test", config.Services["ai"])
	assert.Equal(t, "ws://rt.test/ws", config.RealtimeURL)
	assert.Equal(t, 5*time.Second, config.Timeout)
	assert.Equal(t, 10, config.RateLimitRequests)
	assert.Equal(t, time.Second, config.RateLimitPeriod)
	assert.Equal(t, 3, config.Reconnect.MaxAttempts)
	assert.Equal(t, time.Second, config.HeartbeatIncoming)
	assert.Equal(t, 2*time.Second, config.HeartbeatOutgoing)
}
