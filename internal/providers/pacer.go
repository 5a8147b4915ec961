package providers

import (
	"context"
	"sync"
	"time"
)

// Pacer spaces out request start times against one upstream endpoint.
// Requests in flight may overlap; only the start instants are scheduled.
type Pacer struct {
	mu       sync.Mutex
	interval time.Duration
	next     time.Time
}

// Tighten raises the pacing interval. The interval only ever grows: once
// a stricter limit has been seen for an endpoint it is never relaxed.
func (p *Pacer) Tighten(interval time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if interval > p.interval {
		p.interval = interval
	}
}

// Interval returns the current pacing interval.
func (p *Pacer) Interval() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.interval
}

// Wait blocks until this caller's reserved start time. The lock is held
// only while the slot is computed, never across the sleep.
func (p *Pacer) Wait(ctx context.Context) error {
	p.mu.Lock()
	now := time.Now()
	start := p.next
	if start.Before(now) {
		start = now
	}
	p.next = start.Add(p.interval)
	p.mu.Unlock()

	d := time.Until(start)
	if d <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

// PacerRegistry hands out process-wide pacers keyed by endpoint identity.
// Two clients configured against the same (base URL, api key) pair share
// one pacer, so their request starts interleave under one schedule.
type PacerRegistry struct {
	mu     sync.Mutex
	pacers map[string]*Pacer
}

// NewPacerRegistry creates an empty registry.
func NewPacerRegistry() *PacerRegistry {
	return &PacerRegistry{pacers: make(map[string]*Pacer)}
}

// For returns the pacer for (baseURL, apiKey), creating it on first use.
// requestsPerMinute <= 0 means unpaced. An existing pacer adopts the
// stricter of its current interval and the one implied here.
func (r *PacerRegistry) For(baseURL, apiKey string, requestsPerMinute int) *Pacer {
	var interval time.Duration
	if requestsPerMinute > 0 {
		interval = time.Minute / time.Duration(requestsPerMinute)
	}

	key := baseURL + "\x00" + apiKey

	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.pacers[key]
	if !ok {
		p = &Pacer{}
		r.pacers[key] = p
	}
	p.Tighten(interval)
	return p
}

// DefaultPacers is the process-wide registry used by clients unless a
// test supplies its own.
var DefaultPacers = NewPacerRegistry()
