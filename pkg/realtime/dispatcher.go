package realtime

import (
	"fmt"
	"sync"

	"github.com/bytedance/sonic"
	"github.com/go-stomp/stomp/v3/frame"
	"github.com/rs/zerolog"

	"educonnect/internal/metrics"
)

// Dispatcher delivers inbound messages to topic handlers and lifecycle events to observers.
// A panicking handler or observer is recovered and logged; delivery to the others continues.
type Dispatcher struct {
	registry *Registry
	metrics  *metrics.Metrics
	logger   zerolog.Logger

	mu        sync.RWMutex
	observers map[uint64]Observer
	order     []uint64
	nextID    uint64
}

func NewDispatcher(registry *Registry, m *metrics.Metrics) *Dispatcher {
	return &Dispatcher{
		registry:  registry,
		metrics:   m,
		logger:    zerolog.Nop(),
		observers: make(map[uint64]Observer),
	}
}

// SetLogger configures the logger for the dispatcher.
func (d *Dispatcher) SetLogger(logger zerolog.Logger) {
	d.logger = logger
}

// Observe registers fn for every lifecycle event. The returned function removes it.
func (d *Dispatcher) Observe(fn Observer) (cancel func()) {
	d.mu.Lock()
	d.nextID++
	id := d.nextID
	d.observers[id] = fn
	d.order = append(d.order, id)
	d.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			d.mu.Lock()
			delete(d.observers, id)
			for i, oid := range d.order {
				if oid == id {
					d.order = append(d.order[:i], d.order[i+1:]...)
					break
				}
			}
			d.mu.Unlock()
		})
	}
}

// Emit delivers ev to every observer in registration order.
func (d *Dispatcher) Emit(ev Event) {
	d.mu.RLock()
	observers := make([]Observer, 0, len(d.order))
	for _, id := range d.order {
		observers = append(observers, d.observers[id])
	}
	d.mu.RUnlock()

	for _, fn := range observers {
		d.safeCall("observer", ev.Kind.String(), func() { fn(ev) })
	}
}

// Dispatch routes one MESSAGE frame to its topic's handlers in registration order.
func (d *Dispatcher) Dispatch(f *frame.Frame) {
	msg := newMessage(f)

	handlers := d.registry.lookup(msg.SubscriptionID, msg.Topic)
	if len(handlers) == 0 {
		d.metrics.MessageDropped("no_handler")
		d.logger.Debug().
			Str("topic", msg.Topic).
			Str("subscription", msg.SubscriptionID).
			Msg("no handler for message")
		return
	}

	if msg.IsJSON() && !sonic.Valid(msg.Body) {
		d.metrics.MessageDropped("malformed")
		d.logger.Warn().
			Str("topic", msg.Topic).
			Str("message_id", msg.MessageID).
			Int("size", len(msg.Body)).
			Msg("failed to parse message, dropping")
		return
	}

	d.metrics.MessageDelivered()
	for _, h := range handlers {
		d.safeCall("handler", msg.Topic, func() { h(msg) })
	}
}

func (d *Dispatcher) safeCall(kind, name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			d.metrics.HandlerPanicked()
			d.logger.Error().
				Str("kind", kind).
				Str("topic", name).
				Err(fmt.Errorf("panic: %v", r)).
				Msg("recovered panic in " + kind)
		}
	}()
	fn()
}
