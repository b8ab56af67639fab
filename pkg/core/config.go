package core

import (
	"errors"
	"time"

	"github.com/go-playground/validator/v10"
)

// Default service names used as keys in Config.Services.
const (
	ServiceAuth       = "auth"
	ServiceAssessment = "assessment"
	ServiceDiscussion = "discussion"
)

// ReconnectConfig controls automatic realtime reconnection.
type ReconnectConfig struct {
	// BaseWait is the delay before the first reconnect attempt.
	BaseWait time.Duration `json:"base_wait" koanf:"base_wait" validate:"min=1ms"`
	// MaxWait caps the delay between attempts.
	MaxWait    time.Duration `json:"max_wait" koanf:"max_wait" validate:"gtefield=BaseWait"`
	Multiplier float64       `json:"multiplier" koanf:"multiplier" validate:"gte=1"`
	// MaxAttempts is how many consecutive failed attempts are made before giving up.
	MaxAttempts int `json:"max_attempts" koanf:"max_attempts" validate:"min=1"`
}

// Config contains all configuration options for a client session.
// It covers the backend endpoints, HTTP behaviour, credential refresh and the realtime connection.
type Config struct {
	AuthURL string `json:"auth_url" koanf:"auth_url" validate:"required,url"`
	// Services maps a service name to its REST base URL.
	Services    map[string]string `json:"services" koanf:"services" validate:"dive,keys,required,endkeys,url"`
	RealtimeURL string            `json:"realtime_url" koanf:"realtime_url" validate:"required,url"`

	// Timeout is the maximum duration for HTTP requests.
	Timeout        time.Duration `json:"timeout" koanf:"timeout" validate:"min=1ms"`
	RefreshTimeout time.Duration `json:"refresh_timeout" koanf:"refresh_timeout" validate:"min=1ms"`

	// RefreshSkew refreshes an access token this long before its exp claim instead of waiting
	// for the server to reject it. Tokens without an exp claim are only refreshed on rejection.
	RefreshSkew time.Duration `json:"refresh_skew" koanf:"refresh_skew" validate:"min=0"`

	RateLimitRequests int           `json:"rate_limit_requests" koanf:"rate_limit_requests" validate:"min=1"`
	RateLimitPeriod   time.Duration `json:"rate_limit_period" koanf:"rate_limit_period" validate:"min=1ms"`

	Reconnect      ReconnectConfig `json:"reconnect" koanf:"reconnect"`
	ConnectTimeout time.Duration   `json:"connect_timeout" koanf:"connect_timeout" validate:"min=1ms"`

	// HeartbeatIncoming is how often the server is asked to send heart-beats. Zero disables the check.
	HeartbeatIncoming time.Duration `json:"heartbeat_incoming" koanf:"heartbeat_incoming" validate:"min=0"`
	// HeartbeatOutgoing is how often this client sends heart-beats. Zero disables them.
	HeartbeatOutgoing time.Duration `json:"heartbeat_outgoing" koanf:"heartbeat_outgoing" validate:"min=0"`
	// HeartbeatGrace multiplies HeartbeatIncoming to get the read deadline.
	HeartbeatGrace float64 `json:"heartbeat_grace" koanf:"heartbeat_grace" validate:"gte=1"`

	LogLevel string `json:"log_level" koanf:"log_level" validate:"omitempty,oneof=debug info warn error"`
}

// DefaultConfig returns a Config initialized with the defaults of a local educonnect deployment.
// Reconnects wait 1s doubling up to 30s for at most 5 attempts; heart-beats run every 10s both ways.
func DefaultConfig() *Config {
	return &Config{
		AuthURL: "http://localhost:8081/api/v1",
		Services: map[string]string{
			ServiceAssessment: "http://localhost:8083/api/v1",
			ServiceDiscussion: "http://localhost:8082/api/v1",
		},
		RealtimeURL: "ws://localhost:8082/ws",

		Timeout:        10 * time.Second,
		RefreshTimeout: 15 * time.Second,
		RefreshSkew:    30 * time.Second,

		RateLimitRequests: 600,
		RateLimitPeriod:   time.Minute,

		Reconnect: ReconnectConfig{
			BaseWait:    time.Second,
			MaxWait:     30 * time.Second,
			Multiplier:  2,
			MaxAttempts: 5,
		},
		ConnectTimeout: 10 * time.Second,

		HeartbeatIncoming: 10 * time.Second,
		HeartbeatOutgoing: 10 * time.Second,
		HeartbeatGrace:    2,

		LogLevel: "info",
	}
}

var validate = validator.New()

func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return err
	}
	if _, ok := c.Services[ServiceAuth]; ok {
		return errors.New("Services must not redefine the auth service, use AuthURL")
	}
	return nil
}

// ServiceURL returns the base URL of the named service. The auth service resolves to AuthURL.
func (c *Config) ServiceURL(name string) (string, bool) {
	if name == ServiceAuth {
		return c.AuthURL, c.AuthURL != ""
	}
	u, ok := c.Services[name]
	return u, ok
}

// WithAuthURL sets the auth service base URL and returns the config for chaining.
func (c *Config) WithAuthURL(url string) *Config {
	c.AuthURL = url
	return c
}

// WithService registers a REST service base URL and returns the config for chaining.
func (c *Config) WithService(name, url string) *Config {
	if c.Services == nil {
		c.Services = make(map[string]string)
	}
	c.Services[name] = url
	return c
}

// WithRealtimeURL sets the STOMP websocket endpoint and returns the config for chaining.
func (c *Config) WithRealtimeURL(url string) *Config {
	c.RealtimeURL = url
	return c
}

// WithTimeout sets the request timeout and returns the config for chaining.
func (c *Config) WithTimeout(timeout time.Duration) *Config {
	c.Timeout = timeout
	return c
}

// WithRateLimit sets the rate limiting parameters and returns the config for chaining.
func (c *Config) WithRateLimit(requests int, period time.Duration) *Config {
	c.RateLimitRequests = requests
	c.RateLimitPeriod = period
	return c
}

// WithReconnect replaces the reconnect policy and returns the config for chaining.
func (c *Config) WithReconnect(rc ReconnectConfig) *Config {
	c.Reconnect = rc
	return c
}

// WithHeartbeat sets the heart-beat intervals and returns the config for chaining.
func (c *Config) WithHeartbeat(incoming, outgoing time.Duration) *Config {
	c.HeartbeatIncoming = incoming
	c.HeartbeatOutgoing = outgoing
	return c
}
