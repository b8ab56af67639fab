// Package stomp encodes and decodes STOMP 1.2 frames carried one per websocket message.
package stomp

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/go-stomp/stomp/v3/frame"

	"educonnect/pkg/core"
)

// Version is the protocol version offered in CONNECT frames.
const Version = "1.2"

// Authorization is the CONNECT header carrying the bearer credential.
const Authorization = "Authorization"

var heartbeat = []byte{'\n'}

// HeartBeat holds the two intervals of a heart-beat header.
type HeartBeat struct {
	// Outgoing is how often the sender promises to send something. Zero means never.
	Outgoing time.Duration
	// Incoming is how often the sender wants to receive something. Zero means never.
	Incoming time.Duration
}

// String renders the header value, for example "10000,10000".
func (h HeartBeat) String() string {
	return strconv.FormatInt(h.Outgoing.Milliseconds(), 10) + "," + strconv.FormatInt(h.Incoming.Milliseconds(), 10)
}

// Negotiate combines the client's and server's heart-beat headers. The result's Outgoing is how
// often the client must send and its Incoming is how long the client may wait between server frames.
func Negotiate(client, server HeartBeat) HeartBeat {
	var hb HeartBeat
	if client.Outgoing > 0 && server.Incoming > 0 {
		hb.Outgoing = max(client.Outgoing, server.Incoming)
	}
	if client.Incoming > 0 && server.Outgoing > 0 {
		hb.Incoming = max(client.Incoming, server.Outgoing)
	}
	return hb
}

// ParseHeartBeat reads the heart-beat header of f. A missing header means no heart-beats.
func ParseHeartBeat(f *frame.Frame) (HeartBeat, error) {
	value, ok := f.Header.Contains(frame.HeartBeat)
	if !ok {
		return HeartBeat{}, nil
	}
	out, in, err := frame.ParseHeartBeat(value)
	if err != nil {
		return HeartBeat{}, fmt.Errorf("%w: heart-beat %q: %w", core.ErrMalformedFrame, value, err)
	}
	return HeartBeat{Outgoing: out, Incoming: in}, nil
}

// Connect builds the CONNECT frame that opens a session authenticated with token.
func Connect(host, token string, hb HeartBeat) *frame.Frame {
	f := frame.New(frame.CONNECT,
		frame.AcceptVersion, Version,
		frame.Host, host,
		frame.HeartBeat, hb.String(),
	)
	if token != "" {
		f.Header.Set(Authorization, "Bearer "+token)
	}
	return f
}

// Subscribe builds a SUBSCRIBE frame for destination under the given subscription id.
func Subscribe(id, destination string) *frame.Frame {
	return frame.New(frame.SUBSCRIBE,
		frame.Id, id,
		frame.Destination, destination,
	)
}

// Unsubscribe builds an UNSUBSCRIBE frame for a subscription id.
func Unsubscribe(id string) *frame.Frame {
	return frame.New(frame.UNSUBSCRIBE, frame.Id, id)
}

// Send builds a SEND frame.
func Send(destination, contentType string, body []byte) *frame.Frame {
	f := frame.New(frame.SEND, frame.Destination, destination)
	if contentType != "" {
		f.Header.Set(frame.ContentType, contentType)
	}
	f.Body = body
	return f
}

// Disconnect builds a DISCONNECT frame. An empty receipt omits the receipt header.
func Disconnect(receipt string) *frame.Frame {
	f := frame.New(frame.DISCONNECT)
	if receipt != "" {
		f.Header.Set(frame.Receipt, receipt)
	}
	return f
}

// Heartbeat returns the payload of an outgoing heart-beat.
func Heartbeat() []byte {
	return heartbeat
}

// Encode serializes f as one websocket message.
func Encode(f *frame.Frame) ([]byte, error) {
	var buf bytes.Buffer
	if err := frame.NewWriter(&buf).Write(f); err != nil {
		return nil, fmt.Errorf("encode %s frame: %w", f.Command, err)
	}
	return buf.Bytes(), nil
}

// Decode parses every frame in one websocket message. A heart-beat yields no frames and no error.
func Decode(data []byte) ([]*frame.Frame, error) {
	content := bytes.Trim(data, "\r\n")
	if len(content) == 0 {
		return nil, nil
	}
	// A truncated frame reads as a clean EOF, so require the terminator up front.
	if !bytes.Contains(content, []byte{0}) {
		return nil, fmt.Errorf("%w: missing frame terminator", core.ErrMalformedFrame)
	}

	r := frame.NewReader(bytes.NewReader(data))

	var frames []*frame.Frame
	for {
		f, err := r.Read()
		if errors.Is(err, io.EOF) {
			return frames, nil
		}
		if err != nil {
			return frames, fmt.Errorf("%w: %w", core.ErrMalformedFrame, err)
		}
		if f != nil {
			frames = append(frames, f)
		}
	}
}

// ErrorMessage returns the human readable description carried by an ERROR frame.
func ErrorMessage(f *frame.Frame) string {
	if msg := f.Header.Get(frame.Message); msg != "" {
		return msg
	}
	return strings.TrimSpace(string(f.Body))
}

var authMarkers = []string{
	"401",
	"unauthorized",
	"unauthenticated",
	"authentication",
	"expired",
	"invalid token",
	"jwt",
}

// IsAuthError reports whether an ERROR frame rejects the session's credentials.
func IsAuthError(f *frame.Frame) bool {
	if f == nil || f.Command != frame.ERROR {
		return false
	}
	text := strings.ToLower(f.Header.Get(frame.Message) + " " + string(f.Body))
	for _, marker := range authMarkers {
		if strings.Contains(text, marker) {
			return true
		}
	}
	return false
}
