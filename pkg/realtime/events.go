package realtime

import (
	"fmt"
	"time"
)

// EventKind identifies a connection lifecycle event.
type EventKind int

const (
	// EventConnected fires when the session handshake completes.
	EventConnected EventKind = iota
	// EventDisconnected fires when an established connection ends, intentionally or not.
	EventDisconnected
	// EventError fires when a connection attempt fails or the session is lost.
	EventError
	// EventReconnecting fires when a reconnect attempt is scheduled.
	EventReconnecting
	// EventMaxReconnectAttemptsReached fires once when automatic reconnection gives up.
	EventMaxReconnectAttemptsReached
)

// String returns the string representation of the event kind.
func (k EventKind) String() string {
	return [...]string{
		"connect",
		"disconnect",
		"error",
		"reconnecting",
		"maxReconnectAttemptsReached",
	}[k]
}

// Event is delivered to lifecycle observers.
type Event struct {
	Kind EventKind
	// Err is the cause for EventError and, when the connection dropped unexpectedly, EventDisconnected.
	Err error
	// Attempt and Delay describe the schedule for EventReconnecting.
	Attempt int
	Delay   time.Duration
}

func (e Event) String() string {
	switch e.Kind {
	case EventReconnecting:
		return fmt.Sprintf("%s(attempt=%d, delay=%s)", e.Kind, e.Attempt, e.Delay)
	case EventError, EventDisconnected:
		if e.Err != nil {
			return fmt.Sprintf("%s(%v)", e.Kind, e.Err)
		}
	}
	return e.Kind.String()
}

// Observer receives lifecycle events.
type Observer func(Event)
