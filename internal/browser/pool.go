package browser

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"

	"github.com/jobsift/jobsift/internal/config"
	"github.com/jobsift/jobsift/internal/obs"
	"github.com/jobsift/jobsift/internal/types"
)

// maxConsecutiveErrors retires a page after this many failed uses in a row.
const maxConsecutiveErrors = 3

type pageEntry struct {
	page      *rod.Page
	createdAt time.Time
	uses      int
	errStreak int
}

// Lease is exclusive ownership of one pooled page. Release exactly once.
type Lease struct {
	pool     *Pool
	entry    *pageEntry
	released bool
}

// Page returns the leased browser page.
func (l *Lease) Page() *rod.Page { return l.entry.page }

// Release returns the page to the pool. A failed use counts toward the
// page's error streak; a clean one resets it.
func (l *Lease) Release(failed bool) {
	if l.released {
		return
	}
	l.released = true
	l.pool.release(l.entry, failed)
}

// Pool manages min..max browser pages with a free list and retirement by
// age, use count, or error streak.
type Pool struct {
	mu     sync.Mutex
	cond   *sync.Cond
	free   []*pageEntry
	total  int
	closed bool

	browser *rod.Browser
	stealth bool

	minSize int
	maxSize int
	maxAge  time.Duration
	maxUses int

	stop chan struct{}
	done chan struct{}

	logger  *obs.Logger
	metrics *obs.Metrics
}

// NewPool starts the pool and its maintenance loop. The minimum pages are
// created lazily on first acquire, not up front.
func NewPool(browser *rod.Browser, cfg config.PerformanceSettings, useStealth bool,
	logger *obs.Logger, metrics *obs.Metrics) *Pool {
	p := &Pool{
		browser: browser,
		stealth: useStealth,
		minSize: cfg.PoolMinSize,
		maxSize: cfg.PoolMaxSize,
		maxAge:  cfg.PageMaxAge,
		maxUses: cfg.PageMaxUses,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
		logger:  logger,
		metrics: metrics,
	}
	p.cond = sync.NewCond(&p.mu)

	interval := cfg.CleanupInterval
	if interval <= 0 {
		interval = time.Minute
	}
	go p.maintain(interval)
	return p
}

// Acquire blocks until a page is available or ctx is cancelled. The
// returned lease is never leaked: on cancellation no page is held.
func (p *Pool) Acquire(ctx context.Context) (*Lease, error) {
	// Wake waiters when the context dies so the cond loop can observe it.
	watchDone := make(chan struct{})
	defer close(watchDone)
	go func() {
		select {
		case <-ctx.Done():
			p.cond.Broadcast()
		case <-watchDone:
		}
	}()

	p.mu.Lock()
	for {
		if err := ctx.Err(); err != nil {
			p.mu.Unlock()
			return nil, types.Classify(err)
		}
		if p.closed {
			p.mu.Unlock()
			return nil, types.NewClassified(types.KindIOUnavailable,
				fmt.Errorf("page pool closed"))
		}

		if n := len(p.free); n > 0 {
			e := p.free[n-1]
			p.free = p.free[:n-1]
			if p.expired(e) {
				p.retireLocked(e, "stale")
				continue
			}
			e.uses++
			p.mu.Unlock()
			return &Lease{pool: p, entry: e}, nil
		}

		if p.total < p.maxSize {
			p.total++
			p.mu.Unlock()

			e, err := p.newEntry()
			if err != nil {
				p.mu.Lock()
				p.total--
				p.cond.Signal()
				p.mu.Unlock()
				return nil, err
			}
			e.uses++
			p.metrics.Gauge("pool.pages", float64(p.Size()), nil)
			return &Lease{pool: p, entry: e}, nil
		}

		p.cond.Wait()
	}
}

// Size returns the number of live pages.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.total
}

// Close retires every free page and refuses further acquires. Leased
// pages are closed when released.
func (p *Pool) Close() {
	close(p.stop)
	<-p.done

	p.mu.Lock()
	p.closed = true
	for _, e := range p.free {
		p.retireLocked(e, "shutdown")
	}
	p.free = nil
	p.cond.Broadcast()
	p.mu.Unlock()
}

func (p *Pool) newEntry() (*pageEntry, error) {
	var page *rod.Page
	var err error
	if p.stealth {
		page, err = stealth.Page(p.browser)
	} else {
		page, err = p.browser.Page(proto.TargetCreateTarget{URL: "about:blank"})
	}
	if err != nil {
		return nil, types.NewClassified(types.KindIOUnavailable,
			fmt.Errorf("create page: %w", err))
	}
	return &pageEntry{page: page, createdAt: time.Now()}, nil
}

func (p *Pool) release(e *pageEntry, failed bool) {
	if failed {
		e.errStreak++
	} else {
		e.errStreak = 0
	}

	p.mu.Lock()
	if p.closed || p.expired(e) || e.errStreak >= maxConsecutiveErrors {
		p.retireLocked(e, retireReason(e, p))
		p.cond.Signal()
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()

	// Reset outside the lock: blank navigation frees the DOM, cookie
	// clearing isolates the next use.
	if err := e.page.Navigate("about:blank"); err != nil {
		p.logger.Debug("page reset failed", "component", "pool", "error", err)
		p.mu.Lock()
		p.retireLocked(e, "reset_failed")
		p.cond.Signal()
		p.mu.Unlock()
		return
	}
	_ = proto.NetworkClearBrowserCookies{}.Call(e.page)

	p.mu.Lock()
	p.free = append(p.free, e)
	p.cond.Signal()
	p.mu.Unlock()
}

// expired checks the age and use-count retirement policies.
func (p *Pool) expired(e *pageEntry) bool {
	if p.maxAge > 0 && time.Since(e.createdAt) > p.maxAge {
		return true
	}
	if p.maxUses > 0 && e.uses >= p.maxUses {
		return true
	}
	return false
}

func retireReason(e *pageEntry, p *Pool) string {
	switch {
	case e.errStreak >= maxConsecutiveErrors:
		return "error_streak"
	case p.maxAge > 0 && time.Since(e.createdAt) > p.maxAge:
		return "age"
	default:
		return "uses"
	}
}

func (p *Pool) retireLocked(e *pageEntry, reason string) {
	p.total--
	p.metrics.Inc("pool.retired", map[string]string{"reason": reason})
	p.logger.Debug("page retired",
		"component", "pool", "reason", reason,
		"uses", e.uses, "age", time.Since(e.createdAt).Round(time.Second).String())
	go e.page.Close()
}

// trimFree picks the free pages a maintenance pass should retire: expired
// pages always go, and healthy idle pages go oldest-first while the pool
// stays above its minimum size.
func trimFree(free []*pageEntry, total, minSize int, expired func(*pageEntry) bool) (kept, stale, idle []*pageEntry) {
	live := total
	for _, e := range free {
		if expired(e) {
			stale = append(stale, e)
			live--
			continue
		}
		kept = append(kept, e)
	}
	for len(kept) > 0 && live > minSize {
		idle = append(idle, kept[0])
		kept = kept[1:]
		live--
	}
	return kept, stale, idle
}

// maintain periodically trims stale and excess idle pages down to the
// pool's minimum size.
func (p *Pool) maintain(interval time.Duration) {
	defer close(p.done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
			p.mu.Lock()
			kept, stale, idle := trimFree(p.free, p.total, p.minSize, p.expired)
			for _, e := range stale {
				p.retireLocked(e, "stale")
			}
			for _, e := range idle {
				p.retireLocked(e, "idle")
			}
			p.free = kept
			p.cond.Broadcast()
			p.mu.Unlock()
		}
	}
}
