package ws

import "sync/atomic"

// ConnState represents the lifecycle state of the realtime connection.
type ConnState int32

// Connection states for realtime lifecycle management.
const (
	// StateDisconnected indicates there is no connection and none is being attempted.
	StateDisconnected ConnState = iota
	// StateConnecting indicates a connection attempt is in flight.
	StateConnecting
	// StateConnected indicates the session handshake completed and frames can flow.
	StateConnected
	// StateReconnecting indicates a reconnect attempt is scheduled after a failure.
	StateReconnecting
	// StateFailed indicates automatic reconnection gave up. Only an explicit connect leaves it.
	StateFailed
)

// String returns the string representation of the connection state.
func (s ConnState) String() string {
	return [...]string{
		"disconnected",
		"connecting",
		"connected",
		"reconnecting",
		"failed",
	}[s]
}

// Active reports whether a connection exists or is being worked towards.
func (s ConnState) Active() bool {
	return s == StateConnecting || s == StateConnected || s == StateReconnecting
}

// State provides thread-safe atomic access to a ConnState value.
type State struct {
	state atomic.Int32
}

// Load returns the current connection state.
func (s *State) Load() ConnState {
	return ConnState(s.state.Load())
}

// Store sets the connection state to the given value.
func (s *State) Store(state ConnState) {
	s.state.Store(int32(state))
}

// CompareAndSwap atomically compares the current state with old and swaps to new if equal.
// It returns true if the swap was performed.
func (s *State) CompareAndSwap(old, new ConnState) bool {
	return s.state.CompareAndSwap(int32(old), int32(new))
}
