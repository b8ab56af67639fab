// Package realtime keeps one authenticated STOMP-over-WebSocket connection alive for a session.
//
// The Manager reconnects with capped exponential backoff, restores every durable subscription
// on each new connection and refreshes credentials once when the server rejects them.
// Lifecycle changes are reported to observers as Events.
package realtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/bytedance/sonic"
	"github.com/go-stomp/stomp/v3/frame"
	"github.com/rs/zerolog"

	"educonnect/internal/backoff"
	"educonnect/internal/metrics"
	"educonnect/internal/stomp"
	"educonnect/internal/ws"
	"educonnect/pkg/core"
	"educonnect/pkg/credentials"
)

const serviceName = "realtime"

// TokenRefresher renews the stored credentials after the server rejected the access token
// stale. It returns at once when the store already holds a different access token.
type TokenRefresher interface {
	Refresh(ctx context.Context, stale string) error
}

// ServerError is an ERROR frame sent by the broker.
type ServerError struct {
	Message string
}

func (e *ServerError) Error() string {
	return "stomp error: " + e.Message
}

var errConnectTimeout = errors.New("timed out waiting for CONNECTED frame")

// Option configures a Manager.
type Option func(*Manager)

// WithDialer replaces the gws websocket dialer.
func WithDialer(d ws.Dialer) Option {
	return func(m *Manager) {
		m.dialer = d
	}
}

// WithClock replaces the wall clock used for reconnect, connect-timeout and heart-beat timers.
func WithClock(c clock.Clock) Option {
	return func(m *Manager) {
		m.clock = c
	}
}

// WithTokenRefresher enables one credential refresh when the server rejects a connect, and
// a refresh before connecting with a token that is about to expire.
func WithTokenRefresher(r TokenRefresher) Option {
	return func(m *Manager) {
		m.refresher = r
	}
}

func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Manager) {
		m.metrics = mt
	}
}

type pendingConnect struct {
	done chan struct{}
	err  error
}

// Manager owns the realtime connection of one session. It is safe for concurrent use.
type Manager struct {
	url            string
	host           string
	store          credentials.Store
	dialer         ws.Dialer
	refresher      TokenRefresher
	clock          clock.Clock
	policy         backoff.Policy
	maxAttempts    int
	connectTimeout time.Duration
	refreshSkew    time.Duration
	heartbeat      stomp.HeartBeat
	heartbeatGrace float64
	metrics        *metrics.Metrics
	logger         zerolog.Logger

	registry   *Registry
	dispatcher *Dispatcher
	state      ws.State

	mu            sync.Mutex
	gen           uint64
	conn          ws.Conn
	token         string
	attempts      int
	authRetried   bool
	pending       *pendingConnect
	retryTimer    *clock.Timer
	connectTimer  *clock.Timer
	stopHeartbeat chan struct{}
	outbox        []Event
	emitting      bool
}

// NewManager creates a disconnected manager for cfg.RealtimeURL that reads its bearer
// credential from store on every connect attempt.
func NewManager(cfg *core.Config, store credentials.Store, opts ...Option) *Manager {
	host := "localhost"
	if u, err := url.Parse(cfg.RealtimeURL); err == nil && u.Hostname() != "" {
		host = u.Hostname()
	}

	m := &Manager{
		url:   cfg.RealtimeURL,
		host:  host,
		store: store,
		clock: clock.New(),
		policy: backoff.Policy{
			Base:       cfg.Reconnect.BaseWait,
			Max:        cfg.Reconnect.MaxWait,
			Multiplier: cfg.Reconnect.Multiplier,
		},
		maxAttempts:    cfg.Reconnect.MaxAttempts,
		connectTimeout: cfg.ConnectTimeout,
		refreshSkew:    cfg.RefreshSkew,
		heartbeat: stomp.HeartBeat{
			Outgoing: cfg.HeartbeatOutgoing,
			Incoming: cfg.HeartbeatIncoming,
		},
		heartbeatGrace: max(cfg.HeartbeatGrace, 1),
		logger:         zerolog.Nop(),
		registry:       NewRegistry(),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.dialer == nil {
		m.dialer = ws.NewDialer(ws.DialerConfig{HandshakeTimeout: cfg.ConnectTimeout})
	}
	m.dispatcher = NewDispatcher(m.registry, m.metrics)
	m.state.Store(ws.StateDisconnected)
	return m
}

// SetLogger configures the logger for the manager and its dispatcher.
func (m *Manager) SetLogger(logger zerolog.Logger) {
	m.logger = logger
	m.dispatcher.SetLogger(logger)
	if d, ok := m.dialer.(*ws.GWSDialer); ok {
		d.SetLogger(logger)
	}
}

// State returns the current connection state.
func (m *Manager) State() ws.ConnState {
	return m.state.Load()
}

// IsConnected returns true if the session handshake completed and the connection is up.
func (m *Manager) IsConnected() bool {
	return m.state.Load() == ws.StateConnected
}

// Subscriptions returns the durable topic set.
func (m *Manager) Subscriptions() []string {
	return m.registry.Topics()
}

// Observe registers fn for lifecycle events. Observers run outside the manager's lock and
// may call back into it.
func (m *Manager) Observe(fn Observer) (cancel func()) {
	return m.dispatcher.Observe(fn)
}

// Connect starts a connection if none is active and waits for the outcome.
//
// It returns core.ErrNotAuthenticated at once when no access token is stored, nil when
// already connected, and otherwise blocks until the next CONNECTED (nil), the next
// failed attempt (its error), core.ErrMaxReconnectAttempts, core.ErrDisconnected or ctx
// ending. Concurrent callers share one attempt. A failed attempt keeps reconnecting in
// the background.
func (m *Manager) Connect(ctx context.Context) error {
	tokens, err := m.store.Get(ctx)
	if err != nil {
		return fmt.Errorf("load credentials: %w", err)
	}
	if tokens.AccessToken == "" {
		return core.ErrNotAuthenticated
	}

	m.mu.Lock()
	switch m.state.Load() {
	case ws.StateConnected:
		m.mu.Unlock()
		return nil
	case ws.StateDisconnected, ws.StateFailed:
		m.attempts = 0
		m.authRetried = false
		m.startDialLocked()
	}
	if m.pending == nil {
		m.pending = &pendingConnect{done: make(chan struct{})}
	}
	p := m.pending
	m.unlockAndEmit()

	select {
	case <-p.done:
		return p.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Disconnect closes the connection and cancels any scheduled reconnect. Subscriptions stay
// registered and are restored by the next Connect.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	prev := m.state.Load()
	if prev == ws.StateConnected && m.conn != nil {
		for _, f := range unsubscribeFrames(m.registry.Entries()) {
			if err := m.writeLocked(f); err != nil {
				m.logger.Debug().Err(err).Msg("failed to send unsubscribe")
				break
			}
		}
		if err := m.writeLocked(stomp.Disconnect("")); err != nil {
			m.logger.Debug().Err(err).Msg("failed to send disconnect")
		}
	}

	m.teardownLocked()
	m.attempts = 0
	m.authRetried = false
	m.setStateLocked(ws.StateDisconnected)
	m.settleLocked(core.ErrDisconnected)
	if prev == ws.StateConnected {
		m.enqueueLocked(Event{Kind: EventDisconnected})
	}
	if prev.Active() {
		m.logger.Info().Str("state", prev.String()).Msg("realtime disconnected by client")
	}
	m.unlockAndEmit()
}

// SessionLost stops the connection because the session's credentials are gone. Unlike
// Disconnect it reports cause to connect waiters and observers. It does nothing when the
// manager is already disconnected.
func (m *Manager) SessionLost(cause error) {
	m.mu.Lock()
	switch m.state.Load() {
	case ws.StateDisconnected:
		m.mu.Unlock()
		return
	case ws.StateConnected:
		lost := core.NewSessionLostError(serviceName, cause)
		m.teardownLocked()
		m.setStateLocked(ws.StateDisconnected)
		m.enqueueLocked(Event{Kind: EventDisconnected, Err: lost})
		m.settleLocked(lost)
		m.logger.Error().Err(cause).Msg("realtime session lost")
	default:
		m.sessionLostLocked(cause)
	}
	m.attempts = 0
	m.authRetried = false
	m.unlockAndEmit()
}

// Subscribe registers handler on topic. The first handler of a topic subscribes on the
// transport when connected; otherwise the topic is subscribed on the next connection.
func (m *Manager) Subscribe(topic string, handler Handler) (*Subscription, error) {
	if topic == "" {
		return nil, errors.New("topic is required")
	}
	if handler == nil {
		return nil, errors.New("handler is required")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	sub, entry, first := m.registry.add(topic, handler)
	sub.cancel = m.unsubscribe
	m.metrics.SetSubscriptions(m.registry.Len())

	if first && m.state.Load() == ws.StateConnected {
		if err := m.writeLocked(stomp.Subscribe(entry.ID, entry.Topic)); err != nil {
			m.logger.Warn().Err(err).Str("topic", topic).Msg("subscribe failed, will retry on reconnect")
		}
	}
	m.logger.Debug().Str("topic", topic).Bool("first", first).Msg("subscribed")
	return sub, nil
}

// SubscribeGroup subscribes to every group channel that has a handler. The returned
// function cancels all of them.
func (m *Manager) SubscribeGroup(groupID int64, handlers GroupHandlers) (cancel func(), err error) {
	channels := handlers.channels()
	subs := make([]*Subscription, 0, len(channels))
	cancelAll := func() {
		for _, s := range subs {
			s.Cancel()
		}
	}

	for _, ch := range []GroupChannel{GroupDiscussions, GroupAnswers, GroupVotes, GroupMembers} {
		h, ok := channels[ch]
		if !ok {
			continue
		}
		sub, err := m.Subscribe(GroupTopic(groupID, ch), h)
		if err != nil {
			cancelAll()
			return nil, err
		}
		subs = append(subs, sub)
	}
	return cancelAll, nil
}

func (m *Manager) unsubscribe(sub *Subscription) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, last, found := m.registry.remove(sub)
	if !found {
		return
	}
	m.metrics.SetSubscriptions(m.registry.Len())

	if last && m.state.Load() == ws.StateConnected {
		if err := m.writeLocked(stomp.Unsubscribe(entry.ID)); err != nil {
			m.logger.Warn().Err(err).Str("topic", entry.Topic).Msg("unsubscribe failed")
		}
	}
	m.logger.Debug().Str("topic", entry.Topic).Bool("last", last).Msg("unsubscribed")
}

// Send publishes payload as JSON to an application destination. A []byte payload is sent
// as is. It returns core.ErrNotConnected unless the connection is up.
func (m *Manager) Send(destination string, payload any) error {
	body, ok := payload.([]byte)
	if !ok {
		var err error
		if body, err = sonic.Marshal(payload); err != nil {
			return fmt.Errorf("marshal payload: %w", err)
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state.Load() != ws.StateConnected || m.conn == nil {
		return core.ErrNotConnected
	}
	return m.writeLocked(stomp.Send(destination, "application/json", body))
}

func (m *Manager) startDialLocked() {
	m.gen++
	gen := m.gen
	m.setStateLocked(ws.StateConnecting)
	go m.dial(gen)
}

func (m *Manager) dial(gen uint64) {
	ctx, cancel := context.WithTimeout(context.Background(), m.connectTimeout)
	defer cancel()

	tokens, err := m.credential(ctx)
	if err != nil {
		m.mu.Lock()
		if gen == m.gen {
			switch {
			case errors.Is(err, core.ErrNotAuthenticated):
				m.abortLocked(err)
			case core.IsSessionLost(err):
				m.sessionLostLocked(err)
			default:
				m.failLocked(err)
			}
		}
		m.unlockAndEmit()
		return
	}

	header := http.Header{}
	header.Set(stomp.Authorization, "Bearer "+tokens.AccessToken)
	conn, err := m.dialer.Dial(ctx, m.url, header, &socketHandler{m: m, gen: gen})

	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
		return
	}
	if err != nil {
		m.failLocked(err)
		m.unlockAndEmit()
		return
	}

	m.conn = conn
	m.token = tokens.AccessToken
	if err := m.writeLocked(stomp.Connect(m.host, tokens.AccessToken, m.heartbeat)); err != nil {
		m.failLocked(fmt.Errorf("send CONNECT: %w", err))
		m.unlockAndEmit()
		return
	}
	m.connectTimer = m.clock.AfterFunc(m.connectTimeout, func() { m.onConnectTimeout(gen) })
	m.mu.Unlock()
}

// credential loads the access token for a connect attempt. A token about to expire is
// refreshed first so the broker is not sent a CONNECT it will reject.
func (m *Manager) credential(ctx context.Context) (credentials.Tokens, error) {
	tokens, err := m.store.Get(ctx)
	if err != nil {
		return credentials.Tokens{}, fmt.Errorf("load credentials: %w", err)
	}
	if tokens.AccessToken == "" {
		return credentials.Tokens{}, core.ErrNotAuthenticated
	}
	if m.refresher == nil || !tokens.ExpiresWithin(m.clock.Now(), m.refreshSkew) {
		return tokens, nil
	}

	m.logger.Debug().Msg("access token about to expire, refreshing before connect")
	if err := m.refresher.Refresh(ctx, tokens.AccessToken); err != nil {
		return credentials.Tokens{}, fmt.Errorf("refresh credentials: %w", err)
	}
	tokens, err = m.store.Get(ctx)
	if err != nil {
		return credentials.Tokens{}, fmt.Errorf("load credentials: %w", err)
	}
	if tokens.AccessToken == "" {
		return credentials.Tokens{}, core.ErrNotAuthenticated
	}
	return tokens, nil
}

func (m *Manager) onConnectTimeout(gen uint64) {
	m.mu.Lock()
	if gen == m.gen && m.state.Load() == ws.StateConnecting {
		m.failLocked(errConnectTimeout)
	}
	m.unlockAndEmit()
}

func (m *Manager) onRetryTimer(gen uint64) {
	m.mu.Lock()
	if gen == m.gen && m.state.Load() == ws.StateReconnecting {
		m.retryTimer = nil
		m.logger.Info().Int("attempt", m.attempts).Msg("attempting reconnect")
		m.startDialLocked()
	}
	m.unlockAndEmit()
}

func (m *Manager) refreshAndRedial(gen uint64, stale string) {
	ctx, cancel := context.WithTimeout(context.Background(), m.connectTimeout)
	defer cancel()

	err := m.refresher.Refresh(ctx, stale)

	m.mu.Lock()
	if gen == m.gen {
		if err != nil {
			m.sessionLostLocked(err)
		} else {
			m.logger.Info().Msg("credentials refreshed, reconnecting")
			m.startDialLocked()
		}
	}
	m.unlockAndEmit()
}

type socketHandler struct {
	m   *Manager
	gen uint64
}

func (h *socketHandler) OnMessage(data []byte) {
	frames, err := stomp.Decode(data)
	if err != nil {
		h.m.metrics.MessageDropped("malformed")
		h.m.logger.Warn().Err(err).Int("size", len(data)).Msg("dropping malformed frame")
	}
	for _, f := range frames {
		h.m.handleFrame(h.gen, f)
	}
}

func (h *socketHandler) OnClose(err error) {
	m := h.m
	m.mu.Lock()
	if h.gen == m.gen {
		if err == nil {
			err = errors.New("connection closed")
		}
		m.failLocked(fmt.Errorf("connection lost: %w", err))
	}
	m.unlockAndEmit()
}

func (m *Manager) current(gen uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return gen == m.gen
}

func (m *Manager) handleFrame(gen uint64, f *frame.Frame) {
	switch f.Command {
	case frame.CONNECTED:
		m.onConnected(gen, f)
	case frame.MESSAGE:
		if m.current(gen) {
			m.dispatcher.Dispatch(f)
		}
	case frame.ERROR:
		m.onErrorFrame(gen, f)
	case frame.RECEIPT:
		m.logger.Debug().Str("receipt", f.Header.Get(frame.ReceiptId)).Msg("receipt")
	default:
		m.logger.Debug().Str("command", f.Command).Msg("ignoring unexpected frame")
	}
}

func (m *Manager) onConnected(gen uint64, f *frame.Frame) {
	m.mu.Lock()
	if gen != m.gen || m.state.Load() != ws.StateConnecting {
		m.mu.Unlock()
		return
	}
	stopTimer(&m.connectTimer)

	server, err := stomp.ParseHeartBeat(f)
	if err != nil {
		m.logger.Warn().Err(err).Msg("ignoring server heart-beat header")
	}
	hb := stomp.Negotiate(m.heartbeat, server)

	m.attempts = 0
	m.authRetried = false
	m.setStateLocked(ws.StateConnected)

	if hb.Incoming > 0 {
		m.conn.SetReadTimeout(time.Duration(float64(hb.Incoming) * m.heartbeatGrace))
	}
	if hb.Outgoing > 0 {
		m.startHeartbeatLocked(gen, hb.Outgoing)
	}

	entries := m.registry.Entries()
	for _, sf := range resubscribeFrames(entries) {
		if err := m.writeLocked(sf); err != nil {
			m.logger.Warn().Err(err).Str("topic", sf.Header.Get(frame.Destination)).Msg("resubscribe failed")
		}
	}

	m.settleLocked(nil)
	m.enqueueLocked(Event{Kind: EventConnected})
	m.logger.Info().
		Str("url", m.url).
		Int("subscriptions", len(entries)).
		Msg("realtime connected")
	m.unlockAndEmit()
}

func (m *Manager) onErrorFrame(gen uint64, f *frame.Frame) {
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return
	}

	err := &ServerError{Message: stomp.ErrorMessage(f)}
	if stomp.IsAuthError(f) && m.state.Load() == ws.StateConnecting {
		if m.refresher != nil && !m.authRetried {
			m.authRetried = true
			m.teardownLocked()
			m.logger.Warn().Err(err).Msg("credentials rejected, refreshing")
			go m.refreshAndRedial(m.gen, m.token)
			m.mu.Unlock()
			return
		}
		m.sessionLostLocked(err)
		m.unlockAndEmit()
		return
	}

	m.failLocked(err)
	m.unlockAndEmit()
}

// failLocked handles a transport failure of the current attempt and schedules the next one.
func (m *Manager) failLocked(err error) {
	prev := m.state.Load()
	m.teardownLocked()

	switch prev {
	case ws.StateConnecting:
		m.enqueueLocked(Event{Kind: EventError, Err: err})
		m.settleLocked(err)
		m.logger.Warn().Err(err).Msg("realtime connect failed")
	case ws.StateConnected:
		m.enqueueLocked(Event{Kind: EventDisconnected, Err: err})
		m.logger.Warn().Err(err).Msg("realtime connection lost")
	}
	m.scheduleReconnectLocked()
}

// abortLocked stops without reconnecting, used when there is nothing to connect with.
func (m *Manager) abortLocked(err error) {
	m.teardownLocked()
	m.setStateLocked(ws.StateDisconnected)
	m.enqueueLocked(Event{Kind: EventError, Err: err})
	m.settleLocked(err)
	m.logger.Warn().Err(err).Msg("realtime connect aborted")
}

func (m *Manager) sessionLostLocked(cause error) {
	lost := core.NewSessionLostError(serviceName, cause)
	m.teardownLocked()
	m.setStateLocked(ws.StateDisconnected)
	m.enqueueLocked(Event{Kind: EventError, Err: lost})
	m.settleLocked(lost)
	m.logger.Error().Err(cause).Msg("realtime session lost")
}

func (m *Manager) scheduleReconnectLocked() {
	if m.attempts >= m.maxAttempts {
		m.setStateLocked(ws.StateFailed)
		m.metrics.ReconnectGaveUp()
		m.enqueueLocked(Event{Kind: EventMaxReconnectAttemptsReached})
		m.settleLocked(core.ErrMaxReconnectAttempts)
		m.logger.Error().Int("attempts", m.attempts).Msg("max reconnection attempts reached")
		return
	}

	m.attempts++
	delay := m.policy.Delay(m.attempts)
	m.setStateLocked(ws.StateReconnecting)

	gen := m.gen
	m.retryTimer = m.clock.AfterFunc(delay, func() { m.onRetryTimer(gen) })
	m.metrics.ReconnectScheduled()
	m.enqueueLocked(Event{Kind: EventReconnecting, Attempt: m.attempts, Delay: delay})
	m.logger.Info().
		Dur("wait", delay).
		Int("attempt", m.attempts).
		Msg("scheduling reconnect")
}

// teardownLocked invalidates every timer, dial and socket callback of the current attempt
// and closes its socket.
func (m *Manager) teardownLocked() {
	m.gen++
	stopTimer(&m.retryTimer)
	stopTimer(&m.connectTimer)
	if m.stopHeartbeat != nil {
		close(m.stopHeartbeat)
		m.stopHeartbeat = nil
	}
	if m.conn != nil {
		_ = m.conn.Close()
		m.conn = nil
	}
}

func (m *Manager) startHeartbeatLocked(gen uint64, every time.Duration) {
	stop := make(chan struct{})
	m.stopHeartbeat = stop
	ticker := m.clock.Ticker(every)

	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.mu.Lock()
				if gen == m.gen && m.conn != nil {
					if err := m.conn.WriteText(stomp.Heartbeat()); err != nil {
						m.logger.Debug().Err(err).Msg("heart-beat write failed")
					}
				}
				m.mu.Unlock()
			case <-stop:
				return
			}
		}
	}()
}

func (m *Manager) writeLocked(f *frame.Frame) error {
	if m.conn == nil {
		return core.ErrNotConnected
	}
	data, err := stomp.Encode(f)
	if err != nil {
		return err
	}
	return m.conn.WriteText(data)
}

func (m *Manager) setStateLocked(s ws.ConnState) {
	m.state.Store(s)
	m.metrics.SetConnectionState(int(s))
}

func (m *Manager) settleLocked(err error) {
	if m.pending == nil {
		return
	}
	m.pending.err = err
	close(m.pending.done)
	m.pending = nil
}

func (m *Manager) enqueueLocked(ev Event) {
	m.outbox = append(m.outbox, ev)
}

// unlockAndEmit releases the lock and delivers queued events in order. Only one goroutine
// delivers at a time; events queued by observers are picked up by the same loop.
func (m *Manager) unlockAndEmit() {
	if m.emitting || len(m.outbox) == 0 {
		m.mu.Unlock()
		return
	}
	m.emitting = true
	for len(m.outbox) > 0 {
		events := m.outbox
		m.outbox = nil
		m.mu.Unlock()
		for _, ev := range events {
			m.dispatcher.Emit(ev)
		}
		m.mu.Lock()
	}
	m.emitting = false
	m.mu.Unlock()
}

func stopTimer(t **clock.Timer) {
	if *t != nil {
		(*t).Stop()
		*t = nil
	}
}
