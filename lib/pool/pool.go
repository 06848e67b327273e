// Package pool provides a generic resource pool with exclusive leases.
// It supports a configurable ceiling, validation on checkout, pausing,
// clearing and metrics for monitoring pool utilization.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	apperrors "github.com/go-i2p/psnpool/lib/errors"
)

var (
	// ErrPoolClosed is returned when operating on a closed pool.
	ErrPoolClosed = fmt.Errorf("pool: %w", apperrors.ErrClosed)
	// ErrExhausted is returned when no idle resource exists and a new one
	// could not be constructed. The construction error is wrapped alongside.
	ErrExhausted = fmt.Errorf("pool: %w", apperrors.ErrExhausted)
	// ErrTimeout is returned when waiting for a free slot times out.
	ErrTimeout = fmt.Errorf("pool: %w", apperrors.ErrTimeout)
)

// Manager is implemented by every poolable resource type.
type Manager[R any] interface {
	// Connect constructs a fresh resource. It may perform I/O.
	Connect(ctx context.Context) (R, error)
	// Validate checks a resource before it is handed out and may repair it
	// in place. A non-nil error causes the resource to be discarded.
	Validate(ctx context.Context, r R) error
	// IsClosed reports whether the resource is permanently unusable.
	// It must be cheap and must not block.
	IsClosed(r R) bool
}

// Discarder is optionally implemented by a Manager that needs to free a
// resource once the pool drops it.
type Discarder[R any] interface {
	Discard(r R)
}

// Config configures the pool.
type Config struct {
	// Name labels log lines and metrics.
	// Default: "pool"
	Name string
	// MaxSize is the ceiling on resources that exist at once, leased or idle.
	// Default: 10
	MaxSize int
	// MinIdle is the number of idle resources the pool tries to keep ready.
	// Default: 0
	MinIdle int
	// AlwaysCheck runs Validate on every checkout of an idle resource.
	AlwaysCheck bool
	// IdleTimeout drops resources that sat idle longer than this.
	// Zero disables the check.
	IdleTimeout time.Duration
	// MaxLifetime drops resources older than this.
	// Zero disables the check.
	MaxLifetime time.Duration
	// WaitTimeout bounds Acquire when the context carries no deadline.
	// Default: 30 seconds
	WaitTimeout time.Duration
	// ReapInterval is how often idle resources are checked against
	// IdleTimeout and MaxLifetime. Zero disables the background reaper.
	ReapInterval time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Name:        "pool",
		MaxSize:     10,
		WaitTimeout: 30 * time.Second,
	}
}

// entry wraps a resource with bookkeeping.
type entry[R any] struct {
	res        R
	createdAt  time.Time
	lastUsed   time.Time
	generation uint64
}

// Pool is a generic resource pool. Resources are handed out through
// exclusive leases and come back to the pool when the lease is released.
type Pool[R any] struct {
	mgr        Manager[R]
	config     Config
	mu         sync.Mutex
	cond       *sync.Cond
	idle       []*entry[R]
	numOpen    int
	paused     bool
	closed     bool
	filling    bool
	generation uint64
	stopReap   chan struct{}
	reapDone   chan struct{}

	// Metrics
	acquireCount    uint64
	acquireSuccess  uint64
	acquireFailed   uint64
	timeouts        uint64
	releaseCount    uint64
	validationFails uint64
	discards        uint64
}

// New creates a new pool around the given manager.
func New[R any](mgr Manager[R], cfg Config) *Pool[R] {
	if cfg.Name == "" {
		cfg.Name = "pool"
	}
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = 10
	}
	if cfg.MinIdle < 0 {
		cfg.MinIdle = 0
	}
	if cfg.WaitTimeout <= 0 {
		cfg.WaitTimeout = 30 * time.Second
	}

	p := &Pool[R]{
		mgr:      mgr,
		config:   cfg,
		idle:     make([]*entry[R], 0, cfg.MaxSize),
		stopReap: make(chan struct{}),
		reapDone: make(chan struct{}),
	}
	p.cond = sync.NewCond(&p.mu)

	if cfg.ReapInterval > 0 && (cfg.IdleTimeout > 0 || cfg.MaxLifetime > 0) {
		go p.reapLoop()
	} else {
		close(p.reapDone)
	}

	p.mu.Lock()
	p.observeLocked()
	p.mu.Unlock()
	p.fill()

	log.WithField("pool", cfg.Name).
		WithField("maxSize", cfg.MaxSize).
		WithField("alwaysCheck", cfg.AlwaysCheck).
		Debug("pool created")
	return p
}

// Name returns the pool's configured name.
func (p *Pool[R]) Name() string {
	return p.config.Name
}

// Acquire obtains exclusive use of one resource.
// It blocks while the pool is saturated or paused, until a slot frees up
// or the context (or WaitTimeout, when the context has no deadline) expires.
func (p *Pool[R]) Acquire(ctx context.Context) (*Lease[R], error) {
	atomic.AddUint64(&p.acquireCount, 1)
	start := time.Now()

	acquireCtx := ctx
	if _, hasDeadline := ctx.Deadline(); !hasDeadline && p.config.WaitTimeout > 0 {
		var cancel context.CancelFunc
		acquireCtx, cancel = context.WithTimeout(ctx, p.config.WaitTimeout)
		defer cancel()
	}

	lease, err := p.acquire(acquireCtx)
	acquireLatency.WithLabelValues(p.config.Name).Observe(time.Since(start).Seconds())
	if err != nil {
		atomic.AddUint64(&p.acquireFailed, 1)
		acquireTotal.WithLabelValues(p.config.Name, resultLabel(err)).Inc()
		return nil, err
	}

	atomic.AddUint64(&p.acquireSuccess, 1)
	acquireTotal.WithLabelValues(p.config.Name, "success").Inc()
	return lease, nil
}

func (p *Pool[R]) acquire(ctx context.Context) (*Lease[R], error) {
	p.mu.Lock()

	for {
		if p.closed {
			p.mu.Unlock()
			return nil, ErrPoolClosed
		}

		if err := ctx.Err(); err != nil {
			// Pass on a wakeup this waiter can no longer use.
			if !p.paused && (len(p.idle) > 0 || p.numOpen < p.config.MaxSize) {
				p.cond.Signal()
			}
			p.mu.Unlock()
			if errors.Is(err, context.DeadlineExceeded) {
				atomic.AddUint64(&p.timeouts, 1)
				return nil, ErrTimeout
			}
			return nil, err
		}

		if !p.paused {
			if e := p.popIdleLocked(); e != nil {
				p.observeLocked()
				p.mu.Unlock()

				if !p.config.AlwaysCheck {
					return p.lease(e), nil
				}

				// Validation outlives the caller's deadline so a slow
				// refresh is not cut short and the resource lost.
				if err := p.mgr.Validate(context.WithoutCancel(ctx), e.res); err != nil {
					atomic.AddUint64(&p.validationFails, 1)
					validationFailTotal.WithLabelValues(p.config.Name).Inc()
					log.WithField("pool", p.config.Name).WithError(err).Debug("discarding resource that failed validation")
					p.discard(e)
					p.mu.Lock()
					continue
				}
				return p.lease(e), nil
			}

			if p.numOpen < p.config.MaxSize {
				p.numOpen++
				gen := p.generation
				p.observeLocked()
				p.mu.Unlock()

				res, err := p.mgr.Connect(ctx)
				if err != nil {
					p.mu.Lock()
					p.numOpen--
					p.cond.Signal()
					p.observeLocked()
					p.mu.Unlock()
					log.WithField("pool", p.config.Name).WithError(err).Debug("failed to construct resource")
					return nil, fmt.Errorf("%w: %w", ErrExhausted, err)
				}

				now := time.Now()
				log.WithField("pool", p.config.Name).Debug("constructed new resource")
				return p.lease(&entry[R]{res: res, createdAt: now, lastUsed: now, generation: gen}), nil
			}
		}

		p.waitWithContext(ctx)
	}
}

// popIdleLocked takes the most recently returned idle resource (LIFO),
// dropping any that expired or closed meanwhile. Caller must hold the lock.
func (p *Pool[R]) popIdleLocked() *entry[R] {
	now := time.Now()
	for len(p.idle) > 0 {
		e := p.idle[len(p.idle)-1]
		p.idle[len(p.idle)-1] = nil
		p.idle = p.idle[:len(p.idle)-1]

		if p.expiredLocked(e, now) || p.mgr.IsClosed(e.res) {
			p.dropLocked(e)
			continue
		}
		return e
	}
	return nil
}

// expiredLocked reports whether an idle entry outlived the age policies.
func (p *Pool[R]) expiredLocked(e *entry[R], now time.Time) bool {
	if p.config.IdleTimeout > 0 && now.Sub(e.lastUsed) > p.config.IdleTimeout {
		return true
	}
	if p.config.MaxLifetime > 0 && now.Sub(e.createdAt) > p.config.MaxLifetime {
		return true
	}
	return false
}

// dropLocked forgets an entry and frees it asynchronously.
// Caller must hold the lock.
func (p *Pool[R]) dropLocked(e *entry[R]) {
	p.numOpen--
	atomic.AddUint64(&p.discards, 1)
	discardTotal.WithLabelValues(p.config.Name).Inc()
	p.cond.Signal()
	go p.free(e.res)
}

// discard drops a resource that is not in the idle stack.
func (p *Pool[R]) discard(e *entry[R]) {
	p.mu.Lock()
	p.dropLocked(e)
	p.observeLocked()
	p.mu.Unlock()
	p.fill()
}

func (p *Pool[R]) free(res R) {
	if d, ok := p.mgr.(Discarder[R]); ok {
		d.Discard(res)
	}
}

// waitWithContext waits for a condition signal or context cancellation.
// Caller must hold the lock.
func (p *Pool[R]) waitWithContext(ctx context.Context) {
	stop := context.AfterFunc(ctx, func() {
		p.mu.Lock()
		p.cond.Broadcast()
		p.mu.Unlock()
	})
	p.cond.Wait()
	stop()
}

func (p *Pool[R]) lease(e *entry[R]) *Lease[R] {
	return &Lease[R]{pool: p, entry: e}
}

// put returns a leased entry. It is recycled unless it was marked invalid,
// reports closed, belongs to a cleared generation or the pool is closed.
func (p *Pool[R]) put(e *entry[R], invalid bool) {
	atomic.AddUint64(&p.releaseCount, 1)

	p.mu.Lock()
	now := time.Now()
	stale := p.config.MaxLifetime > 0 && now.Sub(e.createdAt) > p.config.MaxLifetime
	if invalid || stale || p.closed || e.generation != p.generation || p.mgr.IsClosed(e.res) {
		p.dropLocked(e)
		p.observeLocked()
		p.mu.Unlock()
		log.WithField("pool", p.config.Name).WithField("invalid", invalid).Debug("resource discarded on release")
		p.fill()
		return
	}

	e.lastUsed = now
	p.idle = append(p.idle, e)
	p.cond.Signal()
	p.observeLocked()
	p.mu.Unlock()
	log.WithField("pool", p.config.Name).Debug("resource released to pool")
}

// Do leases a resource for the duration of fn. The lease is released on
// every exit path; fn returning ErrDiscard discards the resource instead.
func (p *Pool[R]) Do(ctx context.Context, fn func(R) error) error {
	lease, err := p.Acquire(ctx)
	if err != nil {
		return err
	}
	defer lease.Release()

	err = fn(lease.Value())
	if errors.Is(err, ErrDiscard) {
		lease.MarkInvalid()
	}
	return err
}

// ErrDiscard may be returned (or wrapped) from a Do callback to drop the
// leased resource instead of recycling it.
var ErrDiscard = errors.New("pool: discard resource")

// Resize changes the ceiling. Resources above a lowered ceiling are not
// evicted; they are only not replaced.
func (p *Pool[R]) Resize(maxSize int) {
	if maxSize <= 0 {
		maxSize = 1
	}

	p.mu.Lock()
	p.config.MaxSize = maxSize
	p.cond.Broadcast()
	p.observeLocked()
	p.mu.Unlock()

	log.WithField("pool", p.config.Name).WithField("maxSize", maxSize).Info("pool resized")
	p.fill()
}

// Pause makes every Acquire wait until Resume is called.
func (p *Pool[R]) Pause() {
	p.mu.Lock()
	p.paused = true
	p.mu.Unlock()
	log.WithField("pool", p.config.Name).Info("pool paused")
}

// Resume lifts a previous Pause.
func (p *Pool[R]) Resume() {
	p.mu.Lock()
	p.paused = false
	p.cond.Broadcast()
	p.mu.Unlock()
	log.WithField("pool", p.config.Name).Info("pool resumed")
}

// Clear discards all idle resources. Leases held right now are discarded
// when released instead of being recycled.
func (p *Pool[R]) Clear() {
	p.mu.Lock()
	p.generation++
	dropped := len(p.idle)
	for _, e := range p.idle {
		p.dropLocked(e)
	}
	p.idle = p.idle[:0]
	p.cond.Broadcast()
	p.observeLocked()
	p.mu.Unlock()

	log.WithField("pool", p.config.Name).WithField("dropped", dropped).Info("pool cleared")
	p.fill()
}

// Close closes the pool and frees all idle resources.
func (p *Pool[R]) Close() error {
	p.mu.Lock()

	if p.closed {
		p.mu.Unlock()
		return ErrPoolClosed
	}

	p.closed = true
	close(p.stopReap)

	for _, e := range p.idle {
		p.dropLocked(e)
	}
	p.idle = nil

	p.cond.Broadcast()
	p.observeLocked()
	p.mu.Unlock()

	<-p.reapDone

	log.WithField("pool", p.config.Name).Debug("pool closed")
	return nil
}

// fill tops up idle resources to MinIdle in the background.
func (p *Pool[R]) fill() {
	p.mu.Lock()
	if p.filling || p.closed || p.config.MinIdle <= 0 {
		p.mu.Unlock()
		return
	}
	p.filling = true
	p.mu.Unlock()

	go func() {
		for {
			p.mu.Lock()
			if p.closed || len(p.idle) >= p.config.MinIdle || p.numOpen >= p.config.MaxSize {
				p.filling = false
				p.mu.Unlock()
				return
			}
			p.numOpen++
			gen := p.generation
			p.mu.Unlock()

			res, err := p.mgr.Connect(context.Background())

			p.mu.Lock()
			if err != nil {
				p.numOpen--
				p.filling = false
				p.cond.Signal()
				p.observeLocked()
				p.mu.Unlock()
				log.WithField("pool", p.config.Name).WithError(err).Debug("min idle fill stopped")
				return
			}
			now := time.Now()
			p.idle = append(p.idle, &entry[R]{res: res, createdAt: now, lastUsed: now, generation: gen})
			p.cond.Signal()
			p.observeLocked()
			p.mu.Unlock()
		}
	}()
}

// reapLoop periodically drops expired idle resources.
func (p *Pool[R]) reapLoop() {
	defer close(p.reapDone)

	ticker := time.NewTicker(p.config.ReapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopReap:
			return
		case <-ticker.C:
			p.reap()
		}
	}
}

// reap removes expired idle resources.
func (p *Pool[R]) reap() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}

	now := time.Now()
	kept := p.idle[:0]
	removed := 0
	for _, e := range p.idle {
		if p.expiredLocked(e, now) {
			p.dropLocked(e)
			removed++
			continue
		}
		kept = append(kept, e)
	}
	for i := len(kept); i < len(p.idle); i++ {
		p.idle[i] = nil
	}
	p.idle = kept
	p.observeLocked()
	p.mu.Unlock()

	if removed > 0 {
		log.WithField("pool", p.config.Name).WithField("removed", removed).Debug("reaper removed idle resources")
		p.fill()
	}
}

// Stats is a snapshot of pool state.
type Stats struct {
	// MaxSize is the current ceiling.
	MaxSize int
	// NumOpen is the number of resources that exist, leased or idle.
	NumOpen int
	// NumIdle is the number of idle resources.
	NumIdle int
	// NumInUse is the number of leased resources.
	NumInUse int
	// Paused reports whether Acquire is currently held back.
	Paused bool
	// AcquireCount is the total number of acquire attempts.
	AcquireCount uint64
	// AcquireSuccess is the number of successful acquires.
	AcquireSuccess uint64
	// AcquireFailed is the number of failed acquires.
	AcquireFailed uint64
	// Timeouts is the number of acquires that timed out waiting.
	Timeouts uint64
	// ReleaseCount is the number of released leases.
	ReleaseCount uint64
	// ValidationFails is the number of checkouts that failed validation.
	ValidationFails uint64
	// Discards is the number of resources dropped from the pool.
	Discards uint64
}

// Stats returns current pool statistics.
func (p *Pool[R]) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	return Stats{
		MaxSize:         p.config.MaxSize,
		NumOpen:         p.numOpen,
		NumIdle:         len(p.idle),
		NumInUse:        p.numOpen - len(p.idle),
		Paused:          p.paused,
		AcquireCount:    atomic.LoadUint64(&p.acquireCount),
		AcquireSuccess:  atomic.LoadUint64(&p.acquireSuccess),
		AcquireFailed:   atomic.LoadUint64(&p.acquireFailed),
		Timeouts:        atomic.LoadUint64(&p.timeouts),
		ReleaseCount:    atomic.LoadUint64(&p.releaseCount),
		ValidationFails: atomic.LoadUint64(&p.validationFails),
		Discards:        atomic.LoadUint64(&p.discards),
	}
}
