package auth

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"educonnect/internal/metrics"
	"educonnect/pkg/core"
	"educonnect/pkg/credentials"
)

// stubRefreshClient blocks every refresh until release is closed.
type stubRefreshClient struct {
	release chan struct{}
	result  credentials.Tokens
	err     error

	calls   atomic.Int32
	started chan string
}

func newStubRefreshClient(result credentials.Tokens, err error) *stubRefreshClient {
	return &stubRefreshClient{
		release: make(chan struct{}),
		result:  result,
		err:     err,
		started: make(chan string, 16),
	}
}

func (s *stubRefreshClient) RefreshToken(ctx context.Context, refreshToken string) (credentials.Tokens, error) {
	s.calls.Add(1)
	s.started <- refreshToken
	select {
	case <-s.release:
	case <-ctx.Done():
		return credentials.Tokens{}, ctx.Err()
	}
	return s.result, s.err
}

func (s *stubRefreshClient) waitStarted(t *testing.T) string {
	t.Helper()
	select {
	case token := <-s.started:
		return token
	case <-time.After(2 * time.Second):
		t.Fatal("refresh not started")
		return ""
	}
}

func initialTokens() credentials.Tokens {
	return credentials.Tokens{AccessToken: "access-1", RefreshToken: "refresh-1"}
}

func TestCoordinator_SingleFlight(t *testing.T) {
	store := credentials.NewMemoryStore(initialTokens())
	client := newStubRefreshClient(credentials.Tokens{AccessToken: "access-2", RefreshToken: "refresh-2"}, nil)
	m := metrics.New(prometheus.NewRegistry())
	c := NewCoordinator(client, store, WithCoordinatorMetrics(m))

	const waiters = 10
	results := make([]credentials.Tokens, waiters)
	var g errgroup.Group
	var joined sync.WaitGroup
	joined.Add(waiters)
	for i := 0; i < waiters; i++ {
		i := i
		g.Go(func() error {
			joined.Done()
			tokens, err := c.EnsureFresh(context.Background(), "access-1")
			results[i] = tokens
			return err
		})
	}

	assert.Equal(t, "refresh-1", client.waitStarted(t))
	joined.Wait()
	time.Sleep(20 * time.Millisecond)
	close(client.release)

	require.NoError(t, g.Wait())
	assert.Equal(t, int32(1), client.calls.Load())
	for _, tokens := range results {
		assert.Equal(t, "access-2", tokens.AccessToken)
	}

	stored, err := store.Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "refresh-2", stored.RefreshToken)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.TokenRefreshes.WithLabelValues(metrics.RefreshSuccess)))
}

func TestCoordinator_StaleTokenAlreadyReplaced(t *testing.T) {
	store := credentials.NewMemoryStore(credentials.Tokens{AccessToken: "access-2", RefreshToken: "refresh-2"})
	client := newStubRefreshClient(credentials.Tokens{}, nil)
	c := NewCoordinator(client, store)

	tokens, err := c.EnsureFresh(context.Background(), "access-1")

	require.NoError(t, err)
	assert.Equal(t, "access-2", tokens.AccessToken)
	assert.Equal(t, int32(0), client.calls.Load())
}

func TestCoordinator_SequentialRefreshes(t *testing.T) {
	store := credentials.NewMemoryStore(initialTokens())
	client := newStubRefreshClient(credentials.Tokens{AccessToken: "access-2", RefreshToken: "refresh-2"}, nil)
	close(client.release)
	c := NewCoordinator(client, store)

	require.NoError(t, c.Refresh(context.Background(), "access-1"))
	require.NoError(t, store.Set(context.Background(), credentials.Tokens{AccessToken: "access-3", RefreshToken: "refresh-3"}))
	require.NoError(t, c.Refresh(context.Background(), "access-3"))

	assert.Equal(t, int32(2), client.calls.Load(), "a settled refresh is not reused by the next one")
}

func TestCoordinator_RefreshAfterEnsureFreshSameToken(t *testing.T) {
	store := credentials.NewMemoryStore(initialTokens())
	client := newStubRefreshClient(credentials.Tokens{AccessToken: "access-2", RefreshToken: "refresh-2"}, nil)
	close(client.release)
	c := NewCoordinator(client, store)

	_, err := c.EnsureFresh(context.Background(), "access-1")
	require.NoError(t, err)
	require.NoError(t, c.Refresh(context.Background(), "access-1"))

	assert.Equal(t, int32(1), client.calls.Load(), "one refresh per rejected credential")
	stored, err := store.Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "access-2", stored.AccessToken)
}

func TestCoordinator_ClosedAfterClear(t *testing.T) {
	store := credentials.NewMemoryStore(initialTokens())
	client := newStubRefreshClient(credentials.Tokens{}, nil)
	c := NewCoordinator(client, store)

	var hookCalls atomic.Int32
	c.OnSessionLost(func(error) { hookCalls.Add(1) })

	c.Clear()

	_, err := c.EnsureFresh(context.Background(), "access-1")
	assert.ErrorIs(t, err, core.ErrSessionCleared)
	assert.False(t, core.IsSessionLost(err))

	err = c.Invalidate(context.Background(), errors.New("401 after retry"))
	assert.ErrorIs(t, err, core.ErrSessionCleared)

	assert.Equal(t, int32(0), client.calls.Load())
	assert.Equal(t, int32(0), hookCalls.Load(), "a cleared session is not reported as lost")
	stored, err := store.Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "access-1", stored.AccessToken, "Clear leaves the store to its owner")
}

func TestCoordinator_FailureLosesSession(t *testing.T) {
	store := credentials.NewMemoryStore(initialTokens())
	client := newStubRefreshClient(credentials.Tokens{}, core.NewAPIError(core.ServiceAuth, core.ErrorTypeAuthentication, 401, "refresh token expired"))
	close(client.release)
	c := NewCoordinator(client, store)

	var hookCalls atomic.Int32
	c.OnSessionLost(func(err error) {
		hookCalls.Add(1)
		assert.True(t, core.IsSessionLost(err))
	})

	var g errgroup.Group
	errs := make([]error, 3)
	for i := range errs {
		i := i
		g.Go(func() error {
			_, errs[i] = c.EnsureFresh(context.Background(), "access-1")
			return nil
		})
	}
	require.NoError(t, g.Wait())

	for _, err := range errs {
		require.Error(t, err)
		assert.True(t, core.IsSessionLost(err))
	}

	stored, err := store.Get(context.Background())
	require.NoError(t, err)
	assert.True(t, stored.IsZero(), "credentials are cleared")
	assert.Equal(t, int32(1), hookCalls.Load())
}

func TestCoordinator_NoRefreshToken(t *testing.T) {
	store := credentials.NewMemoryStore(credentials.Tokens{AccessToken: "access-1"})
	client := newStubRefreshClient(credentials.Tokens{}, nil)
	c := NewCoordinator(client, store)

	_, err := c.EnsureFresh(context.Background(), "access-1")

	assert.True(t, core.IsSessionLost(err))
	assert.ErrorIs(t, err, core.ErrNoRefreshToken)
	assert.Equal(t, int32(0), client.calls.Load())
}

func TestCoordinator_ClearFlushesWaiters(t *testing.T) {
	store := credentials.NewMemoryStore(initialTokens())
	client := newStubRefreshClient(credentials.Tokens{AccessToken: "access-2", RefreshToken: "refresh-2"}, nil)
	m := metrics.New(prometheus.NewRegistry())
	c := NewCoordinator(client, store, WithCoordinatorMetrics(m))

	errCh := make(chan error, 1)
	go func() {
		_, err := c.EnsureFresh(context.Background(), "access-1")
		errCh <- err
	}()
	client.waitStarted(t)

	c.Clear()
	assert.ErrorIs(t, <-errCh, core.ErrSessionCleared)

	require.NoError(t, store.Clear(context.Background()))
	close(client.release)

	assert.Eventually(t, func() bool {
		return testutil.ToFloat64(m.TokenRefreshes.WithLabelValues(metrics.RefreshCleared)) == 1
	}, time.Second, 5*time.Millisecond)
	stored, err := store.Get(context.Background())
	require.NoError(t, err)
	assert.True(t, stored.IsZero(), "a refresh finishing after clear does not store its result")
}

func TestCoordinator_WaiterContextCanceled(t *testing.T) {
	store := credentials.NewMemoryStore(initialTokens())
	client := newStubRefreshClient(credentials.Tokens{AccessToken: "access-2", RefreshToken: "refresh-2"}, nil)
	c := NewCoordinator(client, store)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := c.EnsureFresh(ctx, "access-1")
		errCh <- err
	}()
	client.waitStarted(t)
	cancel()
	assert.ErrorIs(t, <-errCh, context.Canceled)

	close(client.release)
	assert.Eventually(t, func() bool {
		tokens, _ := store.Get(context.Background())
		return tokens.AccessToken == "access-2"
	}, time.Second, 5*time.Millisecond, "the shared refresh outlives a canceled waiter")
}

func TestCoordinator_StoreError(t *testing.T) {
	c := NewCoordinator(newStubRefreshClient(credentials.Tokens{}, nil), failingStore{})

	_, err := c.EnsureFresh(context.Background(), "access-1")

	assert.ErrorContains(t, err, "load credentials")
}

type failingStore struct{}

func (failingStore) Get(context.Context) (credentials.Tokens, error) {
	return credentials.Tokens{}, errors.New("store offline")
}

func (failingStore) Set(context.Context, credentials.Tokens) error {
	return errors.New("store offline")
}

func (failingStore) Clear(context.Context) error {
	return errors.New("store offline")
}
