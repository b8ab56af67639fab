package realtime

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/go-stomp/stomp/v3/frame"
	"github.com/stretchr/testify/require"

	"educonnect/internal/stomp"
	"educonnect/internal/ws"
)

// fakeConn plays the broker side of one websocket.
type fakeConn struct {
	handler ws.Handler
	header  http.Header
	respond func(c *fakeConn, connect *frame.Frame)

	mu          sync.Mutex
	frames      []*frame.Frame
	heartbeats  int
	readTimeout time.Duration
	closed      bool
}

func (c *fakeConn) WriteText(data []byte) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errors.New("write on closed socket")
	}
	frames, err := stomp.Decode(data)
	if err != nil {
		c.mu.Unlock()
		return err
	}
	if len(frames) == 0 {
		c.heartbeats++
	}
	c.frames = append(c.frames, frames...)
	respond := c.respond
	c.mu.Unlock()

	for _, f := range frames {
		if f.Command == frame.CONNECT && respond != nil {
			go respond(c, f)
		}
	}
	return nil
}

func (c *fakeConn) SetReadTimeout(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.readTimeout = d
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeConn) sent() []*frame.Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*frame.Frame(nil), c.frames...)
}

func (c *fakeConn) sentCommands(command string) []*frame.Frame {
	var out []*frame.Frame
	for _, f := range c.sent() {
		if f.Command == command {
			out = append(out, f)
		}
	}
	return out
}

func (c *fakeConn) heartbeatCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.heartbeats
}

// deliver pushes a server frame to the manager on the caller's goroutine.
func (c *fakeConn) deliver(t *testing.T, f *frame.Frame) {
	t.Helper()
	data, err := stomp.Encode(f)
	require.NoError(t, err)
	c.handler.OnMessage(data)
}

func (c *fakeConn) drop(err error) {
	c.handler.OnClose(err)
}

func accept(c *fakeConn, _ *frame.Frame) {
	data, _ := stomp.Encode(frame.New(frame.CONNECTED, "version", "1.2", frame.HeartBeat, "0,0"))
	c.handler.OnMessage(data)
}

func reject(message string) func(*fakeConn, *frame.Frame) {
	return func(c *fakeConn, _ *frame.Frame) {
		data, _ := stomp.Encode(frame.New(frame.ERROR, frame.Message, message))
		c.handler.OnMessage(data)
		c.handler.OnClose(errors.New("closed by server"))
	}
}

// fakeDialer records every dial. Each dial consults plan for the attempt number (starting at 1).
type fakeDialer struct {
	plan func(attempt int) (respond func(*fakeConn, *frame.Frame), err error)

	mu       sync.Mutex
	attempts int
	conns    []*fakeConn
	dialed   chan int
}

func newFakeDialer(plan func(attempt int) (func(*fakeConn, *frame.Frame), error)) *fakeDialer {
	return &fakeDialer{plan: plan, dialed: make(chan int, 64)}
}

func acceptingDialer() *fakeDialer {
	return newFakeDialer(func(int) (func(*fakeConn, *frame.Frame), error) { return accept, nil })
}

func silentDialer() *fakeDialer {
	return newFakeDialer(func(int) (func(*fakeConn, *frame.Frame), error) { return nil, nil })
}

func failingDialer() *fakeDialer {
	return newFakeDialer(func(int) (func(*fakeConn, *frame.Frame), error) {
		return nil, errors.New("connection refused")
	})
}

func (d *fakeDialer) Dial(ctx context.Context, url string, header http.Header, handler ws.Handler) (ws.Conn, error) {
	d.mu.Lock()
	d.attempts++
	attempt := d.attempts
	d.mu.Unlock()

	respond, err := d.plan(attempt)
	if err != nil {
		d.dialed <- attempt
		return nil, err
	}

	c := &fakeConn{handler: handler, header: header, respond: respond}
	d.mu.Lock()
	d.conns = append(d.conns, c)
	d.mu.Unlock()
	d.dialed <- attempt
	return c, nil
}

func (d *fakeDialer) attemptCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.attempts
}

func (d *fakeDialer) conn(i int) *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.conns[i]
}

func (d *fakeDialer) lastConn(t *testing.T) *fakeConn {
	t.Helper()
	d.mu.Lock()
	defer d.mu.Unlock()
	require.NotEmpty(t, d.conns)
	return d.conns[len(d.conns)-1]
}

func (d *fakeDialer) waitDial(t *testing.T) int {
	t.Helper()
	select {
	case n := <-d.dialed:
		return n
	case <-time.After(2 * time.Second):
		t.Fatal("expected a dial")
		return 0
	}
}

// eventLog collects lifecycle events.
type eventLog struct {
	ch chan Event

	mu     sync.Mutex
	events []Event
}

func observe(m *Manager) *eventLog {
	l := &eventLog{ch: make(chan Event, 128)}
	m.Observe(func(ev Event) {
		l.mu.Lock()
		l.events = append(l.events, ev)
		l.mu.Unlock()
		l.ch <- ev
	})
	return l
}

func (l *eventLog) next(t *testing.T) Event {
	t.Helper()
	select {
	case ev := <-l.ch:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("expected an event")
		return Event{}
	}
}

func (l *eventLog) expect(t *testing.T, kind EventKind) Event {
	t.Helper()
	ev := l.next(t)
	require.Equal(t, kind, ev.Kind, "got %s", ev)
	return ev
}

func (l *eventLog) count(kind EventKind) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, ev := range l.events {
		if ev.Kind == kind {
			n++
		}
	}
	return n
}

type fakeRefresher struct {
	fn func(ctx context.Context, stale string) error

	mu     sync.Mutex
	calls  int
	stales []string
}

func (r *fakeRefresher) Refresh(ctx context.Context, stale string) error {
	r.mu.Lock()
	r.calls++
	r.stales = append(r.stales, stale)
	r.mu.Unlock()
	return r.fn(ctx, stale)
}

func (r *fakeRefresher) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

func (r *fakeRefresher) staleTokens() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.stales...)
}
