// Package pool provides a generic resource pool that hands out exclusive
// leases over short-lived, externally constrained resources such as
// authenticated sessions or proxied HTTP clients.
//
// The pool supports:
//   - A configurable ceiling on resources that exist at once
//   - Validation (and in-place repair) of idle resources on checkout
//   - Pausing, resizing and clearing at runtime
//   - Optional idle timeout, max lifetime and min idle policies
//   - Prometheus metrics for pool utilization
//   - Context-aware acquisition with timeout support
//
// # Basic Usage
//
// A resource type plugs in by implementing Manager:
//
//	type tokenManager struct{ ... }
//
//	func (m *tokenManager) Connect(ctx context.Context) (*Token, error) { ... }
//	func (m *tokenManager) Validate(ctx context.Context, t *Token) error { ... }
//	func (m *tokenManager) IsClosed(t *Token) bool { return false }
//
//	cfg := pool.DefaultConfig()
//	cfg.Name = "tokens"
//	cfg.MaxSize = 4
//	cfg.AlwaysCheck = true
//
//	p := pool.New[*Token](mgr, cfg)
//	defer p.Close()
//
//	lease, err := p.Acquire(ctx)
//	if err != nil {
//	    return err
//	}
//	defer lease.Release()
//
//	// Use lease.Value()...
//
// # Errors
//
// Acquire reports ErrExhausted (wrapping the Manager's Connect error) when
// nothing idle is left and nothing new can be built, and ErrTimeout when
// the pool stayed saturated for the whole wait. Validation failures are
// handled internally by discarding the resource and trying again.
//
// # Metrics
//
// Pool utilization metrics are registered with the default Prometheus
// registry, labelled by pool name:
//   - psnpool_pool_resources_max: Maximum pool size
//   - psnpool_pool_resources_open: Current resources, leased or idle
//   - psnpool_pool_resources_idle: Current idle resources
//   - psnpool_pool_resources_in_use: Resources currently leased
//   - psnpool_pool_acquire_total: Acquire attempts by result
//   - psnpool_pool_validation_fails_total: Validation failures
//   - psnpool_pool_discards_total: Resources dropped from the pool
//   - psnpool_pool_acquire_duration_seconds: Time spent in Acquire
package pool
