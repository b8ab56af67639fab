package realtime

import (
	"strings"

	"github.com/bytedance/sonic"
	"github.com/go-stomp/stomp/v3/frame"
)

// Message is one MESSAGE frame delivered to a topic handler.
type Message struct {
	Topic          string
	SubscriptionID string
	MessageID      string
	ContentType    string
	Body           []byte
}

// Handler consumes messages of one topic. Handlers run on the connection's reader
// goroutine and must not block for long.
type Handler func(Message)

func newMessage(f *frame.Frame) Message {
	return Message{
		Topic:          f.Header.Get(frame.Destination),
		SubscriptionID: f.Header.Get(frame.Subscription),
		MessageID:      f.Header.Get(frame.MessageId),
		ContentType:    f.Header.Get(frame.ContentType),
		Body:           f.Body,
	}
}

// Decode unmarshals the JSON body into v.
func (m Message) Decode(v any) error {
	return sonic.Unmarshal(m.Body, v)
}

// IsJSON reports whether the body is expected to be JSON. Frames without a content type
// are treated as JSON, which is what the server sends.
func (m Message) IsJSON() bool {
	return m.ContentType == "" || strings.Contains(m.ContentType, "json")
}
