package ws

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lxzan/gws"
	"github.com/rs/zerolog"
)

// Handler receives events for one websocket. Calls arrive on the socket's single
// read goroutine, so messages are delivered in arrival order.
type Handler interface {
	OnMessage(data []byte)
	// OnClose is called exactly once when the socket stops reading, whatever the reason.
	OnClose(err error)
}

// Conn is an open websocket.
type Conn interface {
	WriteText(data []byte) error
	// SetReadTimeout closes the socket when nothing is received for d. Zero disables the check.
	SetReadTimeout(d time.Duration)
	Close() error
}

// Dialer opens websockets.
type Dialer interface {
	Dial(ctx context.Context, url string, header http.Header, handler Handler) (Conn, error)
}

// DialerConfig holds configuration options for GWSDialer.
type DialerConfig struct {
	// HandshakeTimeout bounds the HTTP upgrade when ctx carries no deadline.
	HandshakeTimeout time.Duration
	// ReadBufferSize is the read buffer size in bytes.
	ReadBufferSize int
}

// GWSDialer dials websockets with github.com/lxzan/gws.
type GWSDialer struct {
	config DialerConfig
	logger zerolog.Logger
}

// NewDialer creates a websocket dialer.
// Default values are applied for any zero-valued configuration fields.
func NewDialer(config DialerConfig) *GWSDialer {
	if config.HandshakeTimeout == 0 {
		config.HandshakeTimeout = 10 * time.Second
	}
	if config.ReadBufferSize == 0 {
		config.ReadBufferSize = 4 * 1024
	}
	return &GWSDialer{
		config: config,
		logger: zerolog.Nop(),
	}
}

// SetLogger configures the logger for the websocket dialer and the sockets it opens.
func (d *GWSDialer) SetLogger(logger zerolog.Logger) {
	d.logger = logger
}

type dialResult struct {
	socket *gws.Conn
	err    error
}

// Dial opens a websocket to url and starts its read loop. The handler receives every
// inbound text or binary message and a final OnClose.
func (d *GWSDialer) Dial(ctx context.Context, url string, header http.Header, handler Handler) (Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	timeout := d.config.HandshakeTimeout
	if deadline, ok := ctx.Deadline(); ok {
		timeout = min(timeout, time.Until(deadline))
	}

	conn := &gwsConn{url: url, handler: handler, logger: d.logger}
	ev := &eventHandler{conn: conn}

	done := make(chan dialResult, 1)
	go func() {
		socket, _, err := gws.NewClient(ev, &gws.ClientOption{
			Addr:             url,
			RequestHeader:    header,
			HandshakeTimeout: timeout,
			ReadBufferSize:   d.config.ReadBufferSize,
		})
		done <- dialResult{socket: socket, err: err}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			return nil, fmt.Errorf("connect websocket: %w", res.err)
		}
		conn.socket = res.socket
		go res.socket.ReadLoop()
		return conn, nil
	case <-ctx.Done():
		go func() {
			if res := <-done; res.err == nil {
				_ = res.socket.NetConn().Close()
			}
		}()
		return nil, ctx.Err()
	}
}

type gwsConn struct {
	url     string
	socket  *gws.Conn
	handler Handler
	logger  zerolog.Logger

	readTimeout atomic.Int64
	closeOnce   sync.Once
}

func (c *gwsConn) WriteText(data []byte) error {
	return c.socket.WriteMessage(gws.OpcodeText, data)
}

func (c *gwsConn) SetReadTimeout(d time.Duration) {
	c.readTimeout.Store(int64(d))
	c.extendDeadline()
}

func (c *gwsConn) extendDeadline() {
	d := time.Duration(c.readTimeout.Load())
	if d <= 0 {
		_ = c.socket.SetReadDeadline(time.Time{})
		return
	}
	_ = c.socket.SetReadDeadline(time.Now().Add(d))
}

// Close sends a normal closure frame and tears down the connection.
func (c *gwsConn) Close() error {
	c.closeOnce.Do(func() {
		c.socket.WriteClose(1000, nil)
		_ = c.socket.NetConn().Close()
	})
	return nil
}

type eventHandler struct {
	conn *gwsConn
}

func (h *eventHandler) OnOpen(socket *gws.Conn) {
	h.conn.logger.Debug().
		Str("url", h.conn.url).
		Msg("websocket opened")
}

func (h *eventHandler) OnClose(socket *gws.Conn, err error) {
	h.conn.logger.Debug().
		Err(err).
		Str("url", h.conn.url).
		Msg("websocket closed")
	h.conn.handler.OnClose(err)
}

func (h *eventHandler) OnPing(socket *gws.Conn, payload []byte) {
	h.conn.extendDeadline()
	_ = socket.WritePong(payload)
}

func (h *eventHandler) OnPong(socket *gws.Conn, payload []byte) {
	h.conn.extendDeadline()
}

func (h *eventHandler) OnMessage(socket *gws.Conn, message *gws.Message) {
	defer message.Close()
	h.conn.extendDeadline()

	// The message buffer returns to a pool on Close.
	data := append([]byte(nil), message.Bytes()...)
	h.conn.handler.OnMessage(data)
}
