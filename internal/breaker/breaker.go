// Package breaker implements a per-resource circuit breaker with
// half-open probing and exponentially increasing cool-off.
package breaker

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jobsift/jobsift/internal/obs"
	"github.com/jobsift/jobsift/internal/types"
)

// State is the breaker's position in its lifecycle.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Options configure a breaker.
type Options struct {
	WindowSize    int           // sliding window of outcomes, default 50
	MinSamples    int           // samples before the ratio is trusted, default 20
	TripThreshold float64       // failure ratio that opens the circuit, default 0.5
	CoolOff       time.Duration // initial open duration, default 30s
	MaxCoolOff    time.Duration // cool-off cap, default 5m
	ProbeCount    int           // concurrent half-open probes, default 1
}

func (o *Options) defaults() {
	if o.WindowSize <= 0 {
		o.WindowSize = 50
	}
	if o.MinSamples <= 0 {
		o.MinSamples = 20
	}
	if o.TripThreshold <= 0 {
		o.TripThreshold = 0.5
	}
	if o.CoolOff <= 0 {
		o.CoolOff = 30 * time.Second
	}
	if o.MaxCoolOff <= 0 {
		o.MaxCoolOff = 5 * time.Minute
	}
	if o.ProbeCount <= 0 {
		o.ProbeCount = 1
	}
}

// Breaker gates calls to one resource.
type Breaker struct {
	name    string
	opts    Options
	logger  *slog.Logger
	metrics *obs.Metrics
	now     func() time.Time

	mu          sync.Mutex
	state       State
	window      []bool // true = failure
	windowPos   int
	openedAt    time.Time
	coolOff     time.Duration
	probes      int
	everTripped bool
}

// New creates a breaker for a named resource.
func New(name string, opts Options, logger *slog.Logger, metrics *obs.Metrics) *Breaker {
	opts.defaults()
	return &Breaker{
		name:    name,
		opts:    opts,
		logger:  logger.With("component", "breaker", "resource", name),
		metrics: metrics,
		now:     time.Now,
		coolOff: opts.CoolOff,
		window:  make([]bool, 0, opts.WindowSize),
	}
}

// Allow reports whether a call may proceed. A denied call fails fast with
// a circuit_open error distinct from the wrapped operation's failures.
// Callers that got a green light must report the outcome via Record.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		return nil
	case Open:
		if b.now().Sub(b.openedAt) >= b.coolOff {
			b.transition(HalfOpen)
			b.probes = 1
			return nil
		}
		return types.NewClassified(types.KindCircuitOpen,
			fmt.Errorf("circuit open for %s", b.name))
	case HalfOpen:
		if b.probes < b.opts.ProbeCount {
			b.probes++
			return nil
		}
		return types.NewClassified(types.KindCircuitOpen,
			fmt.Errorf("circuit half-open for %s, probe in flight", b.name))
	}
	return nil
}

// Record reports the outcome of an admitted call.
func (b *Breaker) Record(success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case HalfOpen:
		b.probes--
		if b.probes < 0 {
			b.probes = 0
		}
		if success {
			if b.probes == 0 {
				b.reset()
				b.transition(Closed)
			}
			return
		}
		// Any half-open failure reopens with doubled cool-off.
		b.coolOff *= 2
		if b.coolOff > b.opts.MaxCoolOff {
			b.coolOff = b.opts.MaxCoolOff
		}
		b.openedAt = b.now()
		b.transition(Open)
	case Closed:
		b.push(!success)
		failures, total := b.tally()
		if total >= b.opts.MinSamples && float64(failures)/float64(total) > b.opts.TripThreshold {
			b.openedAt = b.now()
			b.coolOff = b.opts.CoolOff
			b.everTripped = true
			b.transition(Open)
		}
	case Open:
		// Late results from calls admitted before the trip; ignore.
	}
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Tripped reports whether the breaker opened at any point in its life.
func (b *Breaker) Tripped() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.everTripped
}

func (b *Breaker) transition(to State) {
	from := b.state
	b.state = to
	b.logger.Info("circuit state change", "from", from.String(), "to", to.String(), "cool_off", b.coolOff.String())
	b.metrics.Inc("circuit.transition", map[string]string{
		"resource": b.name, "to": to.String(),
	})
}

func (b *Breaker) push(failure bool) {
	if len(b.window) < b.opts.WindowSize {
		b.window = append(b.window, failure)
		return
	}
	b.window[b.windowPos] = failure
	b.windowPos = (b.windowPos + 1) % b.opts.WindowSize
}

func (b *Breaker) tally() (failures, total int) {
	for _, f := range b.window {
		if f {
			failures++
		}
	}
	return failures, len(b.window)
}

func (b *Breaker) reset() {
	b.window = b.window[:0]
	b.windowPos = 0
	b.coolOff = b.opts.CoolOff
	b.probes = 0
}

// Registry holds one breaker per resource name.
type Registry struct {
	mu       sync.Mutex
	breakers map[string]*Breaker
	opts     Options
	logger   *slog.Logger
	metrics  *obs.Metrics
}

// NewRegistry creates a breaker registry with shared options.
func NewRegistry(opts Options, logger *slog.Logger, metrics *obs.Metrics) *Registry {
	opts.defaults()
	return &Registry{
		breakers: make(map[string]*Breaker),
		opts:     opts,
		logger:   logger,
		metrics:  metrics,
	}
}

// For returns the breaker for a resource, creating it on first use.
func (r *Registry) For(name string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.breakers[name]
	if !ok {
		b = New(name, r.opts, r.logger, r.metrics)
		r.breakers[name] = b
	}
	return b
}

// OpenCount returns the number of currently open circuits.
func (r *Registry) OpenCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, b := range r.breakers {
		if b.State() == Open {
			n++
		}
	}
	return n
}

// TrippedResources lists resources whose circuit ever opened.
func (r *Registry) TrippedResources() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for name, b := range r.breakers {
		if b.Tripped() {
			out = append(out, name)
		}
	}
	return out
}
