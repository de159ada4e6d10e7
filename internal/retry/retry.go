// Package retry wraps fallible operations with classified retries and
// exponential backoff.
package retry

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"time"

	"github.com/jobsift/jobsift/internal/obs"
	"github.com/jobsift/jobsift/internal/types"
)

// Strategy bounds the attempts and waits of a retried operation.
type Strategy struct {
	Name     string
	Attempts int
	Base     time.Duration
	Cap      time.Duration
}

// The four built-in strategies.
var (
	Conservative = Strategy{Name: "conservative", Attempts: 2, Base: 500 * time.Millisecond, Cap: 10 * time.Second}
	Standard     = Strategy{Name: "standard", Attempts: 3, Base: 1 * time.Second, Cap: 30 * time.Second}
	Aggressive   = Strategy{Name: "aggressive", Attempts: 5, Base: 1 * time.Second, Cap: 60 * time.Second}
	NetworkHeavy = Strategy{Name: "network_heavy", Attempts: 4, Base: 2 * time.Second, Cap: 120 * time.Second}
)

// StrategyByName resolves a configured strategy id, defaulting to standard.
func StrategyByName(name string) Strategy {
	switch name {
	case "conservative":
		return Conservative
	case "aggressive":
		return Aggressive
	case "network_heavy":
		return NetworkHeavy
	default:
		return Standard
	}
}

// FailureListener is notified of retryable failures and successes so the
// rate limiter can adapt. May be nil.
type FailureListener interface {
	OnFailure()
	OnSuccess()
}

// Engine retries operations according to a strategy.
type Engine struct {
	logger  *slog.Logger
	metrics *obs.Metrics
	// sleep is replaceable in tests.
	sleep func(ctx context.Context, d time.Duration) error
	rng   *rand.Rand
}

// New creates a retry engine.
func New(logger *slog.Logger, metrics *obs.Metrics) *Engine {
	return &Engine{
		logger:  logger.With("component", "retry"),
		metrics: metrics,
		sleep:   sleepCtx,
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Do runs op until it succeeds, fails with a non-retryable class, or the
// strategy's attempts are exhausted. circuit_open failures do not consume
// attempts: the breaker's cool-off, not the backoff schedule, governs when
// the operation becomes callable again.
func (e *Engine) Do(ctx context.Context, name string, s Strategy, listener FailureListener, op func(ctx context.Context) error) error {
	var lastErr error

	for attempt := 1; attempt <= s.Attempts; attempt++ {
		if ctx.Err() != nil {
			return types.NewClassified(types.KindCancelled, ctx.Err())
		}

		err := op(ctx)
		if err == nil {
			if listener != nil {
				listener.OnSuccess()
			}
			return nil
		}

		classified := types.Classify(err)
		lastErr = classified

		if classified.Kind == types.KindCircuitOpen {
			return classified
		}
		if !classified.Kind.Retryable() {
			return classified
		}
		if listener != nil && (classified.Kind == types.KindRateLimited || classified.Kind == types.KindServerError) {
			listener.OnFailure()
		}
		if attempt == s.Attempts {
			break
		}

		wait := e.backoff(s, attempt)
		if classified.RetryAfter > wait {
			wait = classified.RetryAfter
		}

		e.metrics.Inc("retry.attempt", map[string]string{"operation": name, "kind": string(classified.Kind)})
		e.logger.WarnContext(ctx, "retrying operation",
			"operation", name,
			"attempt", attempt,
			"max_attempts", s.Attempts,
			"kind", classified.Kind,
			"wait", wait.String(),
			"error", classified.Err,
		)

		if err := e.sleep(ctx, wait); err != nil {
			return types.NewClassified(types.KindCancelled, err)
		}
	}

	return exhausted(name, lastErr)
}

// backoff computes min(cap, base*2^(attempt-1)) with uniform jitter in
// [-0.2, 0.2].
func (e *Engine) backoff(s Strategy, attempt int) time.Duration {
	d := float64(s.Base) * math.Pow(2, float64(attempt-1))
	if d > float64(s.Cap) {
		d = float64(s.Cap)
	}
	jitter := 1 + (e.rng.Float64()*0.4 - 0.2)
	return time.Duration(d * jitter)
}

// exhausted maps the last failure onto its post-exhaustion surface form.
func exhausted(name string, last error) error {
	c := types.Classify(last)
	switch c.Kind {
	case types.KindRateLimited:
		return types.NewClassified(types.KindRateLimited,
			fmt.Errorf("rate_limited_persistent: %s: %w", name, c))
	default:
		return types.NewClassified(c.Kind,
			fmt.Errorf("network_exhausted: %s: %w", name, c.Err))
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
