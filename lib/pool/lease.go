package pool

import (
	"sync"
	"sync/atomic"
	"time"
)

// Lease is exclusive, single-owner access to one pooled resource.
// Release must be called exactly once the caller is done; callers should
// defer it right after a successful Acquire so it also runs on error,
// panic and cancellation. Extra Release calls are no-ops.
type Lease[R any] struct {
	pool    *Pool[R]
	entry   *entry[R]
	once    sync.Once
	invalid atomic.Bool
}

// Value returns the leased resource. It must not be used after Release.
func (l *Lease[R]) Value() R {
	return l.entry.res
}

// CreatedAt returns when the underlying resource was constructed.
func (l *Lease[R]) CreatedAt() time.Time {
	return l.entry.createdAt
}

// MarkInvalid flags the resource as broken so that Release discards it
// instead of returning it to the idle set.
func (l *Lease[R]) MarkInvalid() {
	l.invalid.Store(true)
}

// Release ends the lease.
func (l *Lease[R]) Release() {
	l.once.Do(func() {
		l.pool.put(l.entry, l.invalid.Load())
	})
}

// Discard marks the resource invalid and ends the lease.
func (l *Lease[R]) Discard() {
	l.MarkInvalid()
	l.Release()
}
