// Package ratelimit paces outbound requests per host with an adaptive
// token bucket. On rate-limit or server-error feedback the effective rate
// is halved (never below 10% of the configured baseline); a sustained
// success streak recovers it back toward the baseline.
package ratelimit

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

const (
	floorFraction  = 0.10
	recoveryFactor = 1.20
	successStreak  = 20
)

// Limiter is an adaptive token bucket for one host.
type Limiter struct {
	limiter  *rate.Limiter
	baseline float64

	mu        sync.Mutex
	effective float64
	successes int
}

// New creates a limiter with the configured baseline rate and burst.
func New(ratePerSecond float64, burst int) *Limiter {
	return &Limiter{
		limiter:   rate.NewLimiter(rate.Limit(ratePerSecond), burst),
		baseline:  ratePerSecond,
		effective: ratePerSecond,
	}
}

// Acquire blocks until a token is available or the context is done.
func (l *Limiter) Acquire(ctx context.Context) error {
	return l.limiter.Wait(ctx)
}

// OnFailure halves the effective rate, floored at 10% of the baseline.
// Called by the retry engine on HTTP 429 and 5xx.
func (l *Limiter) OnFailure() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.successes = 0
	l.effective *= 0.5
	floor := l.baseline * floorFraction
	if l.effective < floor {
		l.effective = floor
	}
	l.limiter.SetLimit(rate.Limit(l.effective))
}

// OnSuccess counts toward the recovery streak; after 20 consecutive
// successes the rate recovers by 20%, capped at the baseline.
func (l *Limiter) OnSuccess() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.successes++
	if l.successes < successStreak {
		return
	}
	l.successes = 0
	l.effective *= recoveryFactor
	if l.effective > l.baseline {
		l.effective = l.baseline
	}
	l.limiter.SetLimit(rate.Limit(l.effective))
}

// Rate returns the current effective rate in tokens per second.
func (l *Limiter) Rate() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.effective
}

// Registry holds one limiter per host.
type Registry struct {
	mu       sync.Mutex
	limiters map[string]*Limiter
	rate     float64
	burst    int
}

// NewRegistry creates a registry that mints limiters with the given
// baseline configuration.
func NewRegistry(ratePerSecond float64, burst int) *Registry {
	return &Registry{
		limiters: make(map[string]*Limiter),
		rate:     ratePerSecond,
		burst:    burst,
	}
}

// For returns the process-global limiter for a host, creating it on first use.
func (r *Registry) For(host string) *Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.limiters[host]
	if !ok {
		l = New(r.rate, r.burst)
		r.limiters[host] = l
	}
	return l
}
