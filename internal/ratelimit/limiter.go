// Package ratelimit throttles outbound HTTP requests per backend service.
package ratelimit

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// Limiter hands out one token bucket per service. Every bucket allows requests per period
// with a burst of requests.
type Limiter struct {
	mu       sync.RWMutex
	services map[string]*rate.Limiter
	limit    rate.Limit
	burst    int

	waited  atomic.Int64
	allowed atomic.Int64
	denied  atomic.Int64
}

// New creates a limiter allowing requests per period for each service. A non-positive
// requests or period disables limiting.
func New(requests int, period time.Duration) *Limiter {
	l := &Limiter{services: make(map[string]*rate.Limiter)}
	l.setLimit(requests, period)
	return l
}

func (l *Limiter) setLimit(requests int, period time.Duration) {
	if requests <= 0 || period <= 0 {
		l.limit = rate.Inf
		l.burst = 0
		return
	}
	l.limit = rate.Limit(float64(requests) / period.Seconds())
	l.burst = requests
}

// Wait blocks until service may send a request or ctx ends.
func (l *Limiter) Wait(ctx context.Context, service string) error {
	l.waited.Add(1)
	if err := l.bucket(service).Wait(ctx); err != nil {
		l.denied.Add(1)
		return err
	}
	l.allowed.Add(1)
	return nil
}

// Allow reports whether service may send a request now, consuming a token if so.
func (l *Limiter) Allow(service string) bool {
	if l.bucket(service).Allow() {
		l.allowed.Add(1)
		return true
	}
	l.denied.Add(1)
	return false
}

// SetLimit changes the rate of every existing and future bucket.
func (l *Limiter) SetLimit(requests int, period time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.setLimit(requests, period)
	for _, b := range l.services {
		b.SetLimit(l.limit)
		b.SetBurst(l.burst)
	}
}

func (l *Limiter) bucket(service string) *rate.Limiter {
	l.mu.RLock()
	b, ok := l.services[service]
	l.mu.RUnlock()
	if ok {
		return b
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if b, ok = l.services[service]; ok {
		return b
	}
	b = rate.NewLimiter(l.limit, l.burst)
	l.services[service] = b
	return b
}

// Stats is a point-in-time capture of limiter usage.
type Stats struct {
	Waits    int64
	Allowed  int64
	Denied   int64
	Services int
}

// Stats returns the current counters.
func (l *Limiter) Stats() Stats {
	l.mu.RLock()
	n := len(l.services)
	l.mu.RUnlock()
	return Stats{
		Waits:    l.waited.Load(),
		Allowed:  l.allowed.Load(),
		Denied:   l.denied.Load(),
		Services: n,
	}
}
