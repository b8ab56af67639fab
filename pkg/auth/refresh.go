package auth

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"educonnect/internal/metrics"
	"educonnect/pkg/core"
	"educonnect/pkg/credentials"
)

// RefreshClient exchanges a refresh token for new credentials.
type RefreshClient interface {
	RefreshToken(ctx context.Context, refreshToken string) (credentials.Tokens, error)
}

type pendingRefresh struct {
	done   chan struct{}
	tokens credentials.Tokens
	err    error
}

type CoordinatorOption func(*Coordinator)

// WithRefreshTimeout bounds the shared refresh call. It does not depend on any waiter's context.
func WithRefreshTimeout(d time.Duration) CoordinatorOption {
	return func(c *Coordinator) {
		c.timeout = d
	}
}

func WithCoordinatorMetrics(m *metrics.Metrics) CoordinatorOption {
	return func(c *Coordinator) {
		c.metrics = m
	}
}

// Coordinator serializes credential refreshes. However many callers need fresh credentials
// at once, at most one refresh call is in flight and every caller receives its outcome.
type Coordinator struct {
	client  RefreshClient
	store   credentials.Store
	timeout time.Duration
	metrics *metrics.Metrics
	logger  zerolog.Logger

	mu      sync.Mutex
	pending *pendingRefresh
	closed  bool

	hooksMu sync.RWMutex
	hooks   []func(error)
	lost    atomic.Bool
}

func NewCoordinator(client RefreshClient, store credentials.Store, opts ...CoordinatorOption) *Coordinator {
	c := &Coordinator{
		client:  client,
		store:   store,
		timeout: 15 * time.Second,
		logger:  zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetLogger configures the logger for the coordinator.
func (c *Coordinator) SetLogger(logger zerolog.Logger) {
	c.logger = logger
}

// OnSessionLost registers fn to run once when the credentials are found unrecoverable.
func (c *Coordinator) OnSessionLost(fn func(error)) {
	c.hooksMu.Lock()
	defer c.hooksMu.Unlock()
	c.hooks = append(c.hooks, fn)
}

// EnsureFresh returns credentials to retry with after a request authenticated with stale
// was rejected. If the store already holds a different access token, that one is returned
// without refreshing. Otherwise the caller joins the in-flight refresh or starts one.
//
// A failed refresh clears the stored credentials and returns a session-lost error.
func (c *Coordinator) EnsureFresh(ctx context.Context, stale string) (credentials.Tokens, error) {
	return c.ensure(ctx, stale)
}

// Refresh is EnsureFresh for callers that only need the store updated.
func (c *Coordinator) Refresh(ctx context.Context, stale string) error {
	_, err := c.EnsureFresh(ctx, stale)
	return err
}

func (c *Coordinator) ensure(ctx context.Context, stale string) (credentials.Tokens, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return credentials.Tokens{}, core.ErrSessionCleared
	}
	p := c.pending
	if p != nil {
		c.mu.Unlock()
		c.metrics.RefreshJoined()
		return c.wait(ctx, p)
	}

	tokens, err := c.store.Get(ctx)
	if err != nil {
		c.mu.Unlock()
		return credentials.Tokens{}, fmt.Errorf("load credentials: %w", err)
	}
	if tokens.AccessToken != "" && tokens.AccessToken != stale {
		c.mu.Unlock()
		return tokens, nil
	}
	if tokens.RefreshToken == "" {
		c.mu.Unlock()
		return credentials.Tokens{}, c.Invalidate(ctx, core.ErrNoRefreshToken)
	}

	p = &pendingRefresh{done: make(chan struct{})}
	c.pending = p
	c.mu.Unlock()

	c.logger.Debug().Msg("refreshing credentials")
	go c.run(p, tokens.RefreshToken)
	return c.wait(ctx, p)
}

func (c *Coordinator) wait(ctx context.Context, p *pendingRefresh) (credentials.Tokens, error) {
	select {
	case <-p.done:
		return p.tokens, p.err
	case <-ctx.Done():
		return credentials.Tokens{}, ctx.Err()
	}
}

func (c *Coordinator) run(p *pendingRefresh, refreshToken string) {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	tokens, err := c.client.RefreshToken(ctx, refreshToken)

	c.mu.Lock()
	if c.pending != p {
		c.mu.Unlock()
		c.metrics.RefreshFinished(metrics.RefreshCleared)
		c.logger.Debug().Msg("discarding refresh result after clear")
		return
	}
	if err == nil {
		if serr := c.store.Set(ctx, tokens); serr != nil {
			err = fmt.Errorf("store credentials: %w", serr)
		}
	}
	c.pending = nil
	c.mu.Unlock()

	if err != nil {
		c.metrics.RefreshFinished(metrics.RefreshFailure)
		c.logger.Warn().Err(err).Msg("credential refresh failed")
		p.err = c.Invalidate(ctx, err)
	} else {
		c.metrics.RefreshFinished(metrics.RefreshSuccess)
		c.logger.Info().Msg("credentials refreshed")
		p.tokens = tokens
	}
	close(p.done)
}

// Clear abandons the in-flight refresh, if any, and closes the coordinator. Waiters of the
// abandoned refresh and every later caller receive core.ErrSessionCleared, and the abandoned
// result is never stored.
func (c *Coordinator) Clear() {
	c.mu.Lock()
	p := c.pending
	c.pending = nil
	c.closed = true
	c.mu.Unlock()

	if p != nil {
		p.err = core.ErrSessionCleared
		close(p.done)
	}
}

// Invalidate clears the stored credentials, notifies the session-lost hooks the first time
// and returns the session-lost error wrapping cause.
//
// After Clear the credentials were dropped on purpose, so it returns core.ErrSessionCleared
// without touching the store or the hooks.
func (c *Coordinator) Invalidate(ctx context.Context, cause error) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return core.ErrSessionCleared
	}

	lost := core.NewSessionLostError(core.ServiceAuth, cause)
	if err := c.store.Clear(context.WithoutCancel(ctx)); err != nil {
		c.logger.Error().Err(err).Msg("failed to clear credentials")
	}
	c.metrics.SessionLostObserved()

	if c.lost.CompareAndSwap(false, true) {
		c.logger.Warn().Err(cause).Msg("session lost")
		c.hooksMu.RLock()
		hooks := append([]func(error){}, c.hooks...)
		c.hooksMu.RUnlock()
		for _, fn := range hooks {
			fn(lost)
		}
	}
	return lost
}
