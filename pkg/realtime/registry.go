package realtime

import (
	"slices"
	"strings"
	"sync"

	"github.com/go-stomp/stomp/v3/frame"
	"github.com/google/uuid"

	"educonnect/internal/stomp"
)

// Subscription is a caller's registration of one handler on one topic.
type Subscription struct {
	topic  string
	id     uint64
	once   sync.Once
	cancel func(*Subscription)
}

// Topic returns the destination the handler is registered on.
func (s *Subscription) Topic() string {
	return s.topic
}

// Cancel removes the handler. The transport subscription is dropped with the topic's last handler.
// Calling Cancel more than once has no further effect.
func (s *Subscription) Cancel() {
	s.once.Do(func() {
		if s.cancel != nil {
			s.cancel(s)
		}
	})
}

// TopicSubscription pairs a topic with the id its transport subscription uses.
type TopicSubscription struct {
	ID    string
	Topic string
}

type handlerEntry struct {
	id uint64
	fn Handler
}

type topicEntry struct {
	TopicSubscription
	handlers []handlerEntry
}

// Registry is the durable set of topics and their handlers. It outlives individual
// connections; every topic in it is resubscribed whenever a connection is established.
type Registry struct {
	mu     sync.RWMutex
	topics map[string]*topicEntry
	byID   map[string]*topicEntry
	nextID uint64
	newID  func() string
}

func NewRegistry() *Registry {
	return &Registry{
		topics: make(map[string]*topicEntry),
		byID:   make(map[string]*topicEntry),
		newID: func() string {
			return "sub-" + uuid.NewString()
		},
	}
}

// add registers fn on topic. first is true when topic had no handlers, meaning the
// transport does not know about it yet.
func (r *Registry) add(topic string, fn Handler) (sub *Subscription, entry TopicSubscription, first bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.topics[topic]
	if !ok {
		e = &topicEntry{TopicSubscription: TopicSubscription{ID: r.newID(), Topic: topic}}
		r.topics[topic] = e
		r.byID[e.ID] = e
	}
	r.nextID++
	e.handlers = append(e.handlers, handlerEntry{id: r.nextID, fn: fn})

	return &Subscription{topic: topic, id: r.nextID}, e.TopicSubscription, !ok
}

// remove drops one handler. last is true when it was the topic's final handler.
func (r *Registry) remove(sub *Subscription) (entry TopicSubscription, last bool, found bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.topics[sub.topic]
	if !ok {
		return TopicSubscription{}, false, false
	}
	idx := slices.IndexFunc(e.handlers, func(h handlerEntry) bool { return h.id == sub.id })
	if idx < 0 {
		return TopicSubscription{}, false, false
	}
	e.handlers = slices.Delete(e.handlers, idx, idx+1)
	if len(e.handlers) > 0 {
		return e.TopicSubscription, false, true
	}
	delete(r.topics, sub.topic)
	delete(r.byID, e.ID)
	return e.TopicSubscription, true, true
}

// lookup returns the handlers for an inbound message, matched by subscription id and
// falling back to the destination.
func (r *Registry) lookup(subscriptionID, destination string) []Handler {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.byID[subscriptionID]
	if !ok {
		e, ok = r.topics[destination]
	}
	if !ok {
		return nil
	}
	handlers := make([]Handler, len(e.handlers))
	for i, h := range e.handlers {
		handlers[i] = h.fn
	}
	return handlers
}

// Topics returns the subscribed topics in lexical order.
func (r *Registry) Topics() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	topics := make([]string, 0, len(r.topics))
	for topic := range r.topics {
		topics = append(topics, topic)
	}
	slices.Sort(topics)
	return topics
}

// Entries returns every topic with its transport subscription id, ordered by topic.
func (r *Registry) Entries() []TopicSubscription {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entries := make([]TopicSubscription, 0, len(r.topics))
	for _, e := range r.topics {
		entries = append(entries, e.TopicSubscription)
	}
	slices.SortFunc(entries, func(a, b TopicSubscription) int {
		return strings.Compare(a.Topic, b.Topic)
	})
	return entries
}

// Handlers returns how many handlers are registered on topic.
func (r *Registry) Handlers(topic string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if e, ok := r.topics[topic]; ok {
		return len(e.handlers)
	}
	return 0
}

// Len returns the number of topics.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.topics)
}

// resubscribeFrames returns exactly one SUBSCRIBE frame per entry.
func resubscribeFrames(entries []TopicSubscription) []*frame.Frame {
	frames := make([]*frame.Frame, 0, len(entries))
	for _, e := range entries {
		frames = append(frames, stomp.Subscribe(e.ID, e.Topic))
	}
	return frames
}

// unsubscribeFrames returns one UNSUBSCRIBE frame per entry.
func unsubscribeFrames(entries []TopicSubscription) []*frame.Frame {
	frames := make([]*frame.Frame, 0, len(entries))
	for _, e := range entries {
		frames = append(frames, stomp.Unsubscribe(e.ID))
	}
	return frames
}
