// Package session wires the session layer for one signed-in user: credential storage, the
// refresh coordinator, one authenticated HTTP client per backend service and the realtime
// connection.
package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	httpclient "educonnect/internal/http"
	"educonnect/internal/metrics"
	"educonnect/internal/ratelimit"
	"educonnect/internal/ws"
	"educonnect/pkg/auth"
	"educonnect/pkg/core"
	"educonnect/pkg/credentials"
	"educonnect/pkg/realtime"
)

// State represents the lifecycle state of a Session.
type State int

const (
	// StateNew indicates a session without credentials.
	StateNew State = iota
	// StateActive indicates a session holding credentials and ready to make requests.
	StateActive
	// StateClosed indicates a session that logged out, lost its credentials or was closed.
	StateClosed
)

// String returns the string representation of the State.
func (s State) String() string {
	return [...]string{"NEW", "ACTIVE", "CLOSED"}[s]
}

type options struct {
	logger     zerolog.Logger
	registerer prometheus.Registerer
	dialer     ws.Dialer
	clock      clock.Clock
}

type Option func(*options)

// WithLogger sets the logger shared by every component of the session.
func WithLogger(logger zerolog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithRegisterer registers the session's Prometheus collectors on reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) {
		o.registerer = reg
	}
}

// WithDialer replaces the realtime websocket dialer.
func WithDialer(d ws.Dialer) Option {
	return func(o *options) {
		o.dialer = d
	}
}

// WithClock replaces the clock driving realtime timers.
func WithClock(c clock.Clock) Option {
	return func(o *options) {
		o.clock = c
	}
}

// Session is the explicit handle owning every piece of per-user state. Sessions are safe
// for concurrent use.
type Session struct {
	mu          sync.RWMutex
	config      *core.Config
	store       credentials.Store
	limiter     *ratelimit.Limiter
	metrics     *metrics.Metrics
	auth        *auth.Client
	coordinator *auth.Coordinator
	services    map[string]*httpclient.Client
	realtime    *realtime.Manager
	logger      zerolog.Logger
	state       State
	createdAt   time.Time
}

// New creates a session around store. The session starts Active when store already holds
// an access token.
func New(ctx context.Context, config *core.Config, store credentials.Store, opts ...Option) (*Session, error) {
	if config == nil {
		return nil, errors.New("config is required")
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	if store == nil {
		store = credentials.NewMemoryStore(credentials.Tokens{})
	}

	o := options{logger: zerolog.Nop()}
	for _, opt := range opts {
		opt(&o)
	}
	logger := o.logger
	if config.LogLevel != "" {
		if level, err := zerolog.ParseLevel(config.LogLevel); err == nil {
			logger = logger.Level(level)
		}
	}

	s := &Session{
		config:    config,
		store:     store,
		limiter:   ratelimit.New(config.RateLimitRequests, config.RateLimitPeriod),
		metrics:   metrics.New(o.registerer),
		services:  make(map[string]*httpclient.Client, len(config.Services)),
		logger:    logger,
		state:     StateNew,
		createdAt: time.Now(),
	}

	s.auth = auth.NewClient(config, s.limiter)
	s.auth.SetLogger(logger)

	s.coordinator = auth.NewCoordinator(s.auth, store,
		auth.WithRefreshTimeout(config.RefreshTimeout),
		auth.WithCoordinatorMetrics(s.metrics),
	)
	s.coordinator.SetLogger(logger.With().Str("component", "refresh").Logger())
	s.coordinator.OnSessionLost(s.sessionLost)

	for name, baseURL := range config.Services {
		client, err := httpclient.NewClient(&httpclient.Config{
			Service:     name,
			BaseURL:     baseURL,
			Timeout:     config.Timeout,
			RefreshSkew: config.RefreshSkew,
		}, store,
			httpclient.WithAuthenticator(s.coordinator),
			httpclient.WithRateLimiter(s.limiter),
			httpclient.WithMetrics(s.metrics),
		)
		if err != nil {
			return nil, fmt.Errorf("create %s client: %w", name, err)
		}
		client.SetLogger(logger)
		s.services[name] = client
	}

	rtOpts := []realtime.Option{
		realtime.WithTokenRefresher(s.coordinator),
		realtime.WithMetrics(s.metrics),
	}
	if o.dialer != nil {
		rtOpts = append(rtOpts, realtime.WithDialer(o.dialer))
	}
	if o.clock != nil {
		rtOpts = append(rtOpts, realtime.WithClock(o.clock))
	}
	s.realtime = realtime.NewManager(config, store, rtOpts...)
	s.realtime.SetLogger(logger.With().Str("component", "realtime").Logger())
	s.realtime.Observe(s.onRealtimeEvent)

	tokens, err := store.Get(ctx)
	if err != nil {
		return nil, fmt.Errorf("load credentials: %w", err)
	}
	if tokens.AccessToken != "" {
		s.state = StateActive
	}
	return s, nil
}

// Login signs in and stores the credentials. A result that requires a second factor is
// returned without activating the session; complete it with VerifyTwoFactor.
func (s *Session) Login(ctx context.Context, usernameOrEmail, password string) (*auth.LoginResult, error) {
	if err := s.usable(); err != nil {
		return nil, err
	}
	res, err := s.auth.Login(ctx, usernameOrEmail, password)
	if err != nil {
		return nil, err
	}
	return res, s.activate(ctx, res)
}

// VerifyTwoFactor completes a pending two-factor login.
func (s *Session) VerifyTwoFactor(ctx context.Context, tempToken, code string) (*auth.LoginResult, error) {
	if err := s.usable(); err != nil {
		return nil, err
	}
	res, err := s.auth.VerifyTwoFactor(ctx, tempToken, code)
	if err != nil {
		return nil, err
	}
	return res, s.activate(ctx, res)
}

func (s *Session) activate(ctx context.Context, res *auth.LoginResult) error {
	if !res.Authenticated() {
		s.logger.Info().Bool("two_factor", res.RequiresTwoFactor).Msg("login pending")
		return nil
	}
	if err := s.store.Set(ctx, res.Tokens()); err != nil {
		return fmt.Errorf("store credentials: %w", err)
	}

	s.mu.Lock()
	s.state = StateActive
	s.mu.Unlock()
	s.logger.Info().Msg("session active")
	return nil
}

// Connect opens the realtime connection; see realtime.Manager.Connect.
func (s *Session) Connect(ctx context.Context) error {
	if err := s.usable(); err != nil {
		return err
	}
	return s.realtime.Connect(ctx)
}

// Service returns the authenticated client of a configured backend service. It returns
// core.ErrClientClosed once the session is closed.
func (s *Session) Service(name string) (*httpclient.Client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.state == StateClosed {
		return nil, core.ErrClientClosed
	}
	c, ok := s.services[name]
	if !ok {
		return nil, fmt.Errorf("unknown service %q", name)
	}
	return c, nil
}

// Services returns the configured service names in lexical order.
func (s *Session) Services() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.services))
	for name := range s.services {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Realtime returns the session's realtime connection manager.
func (s *Session) Realtime() *realtime.Manager {
	return s.realtime
}

// Auth returns the auth API client.
func (s *Session) Auth() *auth.Client {
	return s.auth
}

// Refresher returns the session's token refresh coordinator.
func (s *Session) Refresher() *auth.Coordinator {
	return s.coordinator
}

// OnSessionLost registers fn to run when the credentials become unrecoverable.
func (s *Session) OnSessionLost(fn func(error)) {
	s.coordinator.OnSessionLost(fn)
}

func (s *Session) sessionLost(err error) {
	s.mu.Lock()
	s.state = StateClosed
	s.mu.Unlock()

	s.realtime.SessionLost(err)
	s.logger.Warn().Err(err).Msg("session lost")
}

func (s *Session) onRealtimeEvent(ev realtime.Event) {
	switch ev.Kind {
	case realtime.EventError:
		if core.IsSessionLost(ev.Err) {
			_ = s.coordinator.Invalidate(context.Background(), ev.Err)
		}
	case realtime.EventMaxReconnectAttemptsReached:
		s.logger.Error().Msg("realtime gave up reconnecting")
	}
}

// Logout revokes the refresh token on the server (best effort) and tears the session down:
// pending refreshes are abandoned, the realtime connection and the service clients are
// closed and the stored credentials are cleared.
func (s *Session) Logout(ctx context.Context) error {
	tokens, err := s.store.Get(ctx)
	if err != nil {
		s.logger.Warn().Err(err).Msg("failed to read credentials for logout")
	}
	if tokens.RefreshToken != "" {
		if err := s.auth.Logout(ctx, tokens.RefreshToken); err != nil {
			s.logger.Warn().Err(err).Msg("server logout failed")
		}
	}

	s.mu.Lock()
	s.state = StateClosed
	s.mu.Unlock()

	// The coordinator refuses new refreshes from here on, so nothing can store credentials
	// again once the store is cleared.
	s.coordinator.Clear()
	s.realtime.Disconnect()
	for _, c := range s.services {
		_ = c.Close()
	}
	if err := s.store.Clear(ctx); err != nil {
		return fmt.Errorf("clear credentials: %w", err)
	}

	s.logger.Info().Msg("logged out")
	return nil
}

// Close releases the session's connections without touching the stored credentials.
func (s *Session) Close() error {
	s.coordinator.Clear()
	s.realtime.Disconnect()

	s.mu.Lock()
	defer s.mu.Unlock()

	var errs []error
	for _, c := range s.services {
		errs = append(errs, c.Close())
	}
	errs = append(errs, s.auth.Close())
	s.state = StateClosed
	return errors.Join(errs...)
}

func (s *Session) usable() error {
	if s.State() == StateClosed {
		return core.ErrClientClosed
	}
	return nil
}

// State returns the current lifecycle state of the session.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Config returns the configuration used to create the session.
func (s *Session) Config() *core.Config {
	return s.config
}

// Limiter returns the rate limiter shared by every outbound request of the session.
func (s *Session) Limiter() *ratelimit.Limiter {
	return s.limiter
}

// Metrics returns the session's collectors.
func (s *Session) Metrics() *metrics.Metrics {
	return s.metrics
}

// CreatedAt returns the timestamp when the session was created.
func (s *Session) CreatedAt() time.Time {
	return s.createdAt
}
