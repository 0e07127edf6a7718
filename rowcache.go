// Package rowcache implements an in-process, concurrent key/value cache
// with per-key row locking for isolated read-modify-write, TTL expiry
// with per-item overrides and touch-on-read, and post-mutation
// callbacks. There is no networking, persistence, or cross-process RPC:
// the cache is embedded directly in the host process.
package rowcache

import (
	"context"
	"time"

	"github.com/rowcache/rowcache/internal/singleflight"
	"github.com/rowcache/rowcache/rowlock"
	"github.com/rowcache/rowcache/store"
	"github.com/rowcache/rowcache/ttl"
)

// Cache is the handle referencing one cache instance and its owned
// resources: the backing store, the row-lock pool, and the TTL manager.
// All methods are safe for concurrent use by multiple goroutines.
type Cache[K comparable, V any] struct {
	st    *store.Store[K, V]
	locks *rowlock.Pool[K]
	ttlM  *ttl.Manager[K]
	sf    singleflight.Group[K, V]

	opt Options[K, V]
}

// New constructs a Cache. See Options for defaults.
func New[K comparable, V any](opt Options[K, V]) *Cache[K, V] {
	if opt.Metrics == nil {
		opt.Metrics = NoopMetrics{}
	}
	if opt.AcquireLockTimeout <= 0 {
		opt.AcquireLockTimeout = DefaultAcquireLockTimeout
	}

	c := &Cache[K, V]{
		st:    store.New[K, V](opt.Shards),
		locks: rowlock.NewPool[K](opt.Shards),
		opt:   opt,
	}
	c.ttlM = ttl.New[K](opt.TTLCheckInterval, c.expireKey)
	return c
}

// Close stops the TTL tick loop and every row-lock shard coordinator.
// The cache must not be used after Close.
func (c *Cache[K, V]) Close() {
	c.ttlM.Stop()
	c.locks.Close()
}

// Len returns the number of resident entries.
func (c *Cache[K, V]) Len() int { return c.st.Len() }

// StoreHitMiss reports cumulative store-level lookup counts, for
// diagnostics only. This counts every shard lookup the store services —
// including the internal lookups Update/Delete/GetOrStore make while
// holding the row lock — so it does not agree with Options.Metrics'
// Hit/Miss, which only fires on the public-facing Get path.
func (c *Cache[K, V]) StoreHitMiss() (hits, misses int64) { return c.st.HitMiss() }

// expireKey is the TTL manager's expireFn: it runs the same path as an
// explicit Delete, including the row lock and the delete callback,
// per spec.md §4.D step 2 ("delete via the operation layer's delete
// path"). Failures are not observable by any caller — there is nobody to
// return them to — so a failed callback or lock timeout during expiry is
// swallowed here. In that case the entry stays in the store, as with a
// failed explicit Delete, and it is not rescheduled for expiry until a
// later write or touch sets a new TTL. Metrics.Expire fires only when an
// entry was actually removed.
func (c *Cache[K, V]) expireKey(k K) {
	ctx, cancel := context.WithTimeout(context.Background(), c.opt.AcquireLockTimeout)
	defer cancel()
	if removed, _ := c.delete(ctx, k, true); removed {
		c.opt.Metrics.Expire()
	}
}

// ---- Get / Touch (never suspend; bypass the row lock) ----

// Get returns the value for k and whether it was present. If
// Options.TouchOnRead is set and k is present, its TTL is renewed to
// Options.DefaultTTL.
func (c *Cache[K, V]) Get(k K) (V, bool) {
	v, ok := c.st.Lookup(k)
	if !ok {
		c.opt.Metrics.Miss()
		var zero V
		return zero, false
	}
	c.opt.Metrics.Hit()
	if c.opt.TouchOnRead {
		c.ttlM.SetTTL(k, c.opt.DefaultTTL)
	}
	return v, true
}

// Touch renews k's TTL to Options.DefaultTTL. If no default TTL is
// configured, Touch is a no-op. Touching an absent key is permitted and
// harmless: the resulting deadline is filtered when it comes due.
func (c *Cache[K, V]) Touch(k K) {
	if c.opt.DefaultTTL <= 0 {
		return
	}
	c.ttlM.SetTTL(k, c.opt.DefaultTTL)
}

// ---- Put ----

// Put inserts or updates k→v using Options.DefaultTTL.
func (c *Cache[K, V]) Put(ctx context.Context, k K, v V) error {
	return c.put(ctx, k, v, nil, true)
}

// PutWithTTL inserts or updates k→v with a per-item TTL override. A
// non-positive ttl means "never expire", overriding Options.DefaultTTL.
func (c *Cache[K, V]) PutWithTTL(ctx context.Context, k K, v V, ttlOverride time.Duration) error {
	return c.put(ctx, k, v, &ttlOverride, true)
}

// PutDirty is Put's lock-free twin: it skips the row lock but still
// emits the TTL intent and runs the callback. The store write itself
// remains atomic; only cross-operation isolation on k is lost.
func (c *Cache[K, V]) PutDirty(k K, v V) error {
	return c.put(context.Background(), k, v, nil, false)
}

// PutDirtyWithTTL is PutWithTTL's lock-free twin.
func (c *Cache[K, V]) PutDirtyWithTTL(k K, v V, ttlOverride time.Duration) error {
	return c.put(context.Background(), k, v, &ttlOverride, false)
}

func (c *Cache[K, V]) put(ctx context.Context, k K, v V, ttlOverride *time.Duration, locked bool) error {
	do := func() error {
		c.st.Insert(k, v)
		c.emitTTL(k, ttlOverride)
		return c.dispatch(Event[K, V]{Kind: EventPut, Cache: c, Key: k, Value: v})
	}
	if !locked {
		return do()
	}
	return c.withRowLock(ctx, k, do)
}

// ---- InsertNew ----

// InsertNew inserts k→v only if k is absent, using Options.DefaultTTL.
// Returns ErrAlreadyExists if k is already present; the store is not
// touched in that case.
func (c *Cache[K, V]) InsertNew(ctx context.Context, k K, v V) error {
	return c.insertNew(ctx, k, v, nil, true)
}

// InsertNewWithTTL is InsertNew with a per-item TTL override.
func (c *Cache[K, V]) InsertNewWithTTL(ctx context.Context, k K, v V, ttlOverride time.Duration) error {
	return c.insertNew(ctx, k, v, &ttlOverride, true)
}

// InsertNewDirty is InsertNew's lock-free twin. InsertIfAbsent is already
// atomic at the store level, so this differs from InsertNew only in that
// it does not serialize against a concurrent locked mutator of k.
func (c *Cache[K, V]) InsertNewDirty(k K, v V) error {
	return c.insertNew(context.Background(), k, v, nil, false)
}

// InsertNewDirtyWithTTL is InsertNewWithTTL's lock-free twin.
func (c *Cache[K, V]) InsertNewDirtyWithTTL(k K, v V, ttlOverride time.Duration) error {
	return c.insertNew(context.Background(), k, v, &ttlOverride, false)
}

func (c *Cache[K, V]) insertNew(ctx context.Context, k K, v V, ttlOverride *time.Duration, locked bool) error {
	do := func() error {
		if !c.st.InsertIfAbsent(k, v) {
			return ErrAlreadyExists
		}
		c.emitTTL(k, ttlOverride)
		return c.dispatch(Event[K, V]{Kind: EventPut, Cache: c, Key: k, Value: v})
	}
	if !locked {
		return do()
	}
	return c.withRowLock(ctx, k, do)
}

// ---- Update / UpdateExisting ----

// Update runs f under k's row lock with the current (value, present)
// pair, then, if f returns a Changed result, writes it and fires the
// callback. It returns the value in effect after the call (the new
// value if changed, otherwise the value f was shown) and whether a write
// happened.
func (c *Cache[K, V]) Update(ctx context.Context, k K, f func(old V, present bool) ChangeResult[V]) (V, bool, error) {
	return c.update(ctx, k, f, nil, true)
}

// UpdateWithTTL is Update with a per-item TTL override applied when f
// writes a new value.
func (c *Cache[K, V]) UpdateWithTTL(ctx context.Context, k K, f func(old V, present bool) ChangeResult[V], ttlOverride time.Duration) (V, bool, error) {
	return c.update(ctx, k, f, &ttlOverride, true)
}

// UpdateDirty is Update's lock-free twin. Without the row lock, f no
// longer observes a value guaranteed stable until the write — only the
// final store write itself is atomic.
func (c *Cache[K, V]) UpdateDirty(k K, f func(old V, present bool) ChangeResult[V]) (V, bool, error) {
	return c.update(context.Background(), k, f, nil, false)
}

// UpdateDirtyWithTTL is UpdateWithTTL's lock-free twin.
func (c *Cache[K, V]) UpdateDirtyWithTTL(k K, f func(old V, present bool) ChangeResult[V], ttlOverride time.Duration) (V, bool, error) {
	return c.update(context.Background(), k, f, &ttlOverride, false)
}

func (c *Cache[K, V]) update(ctx context.Context, k K, f func(old V, present bool) ChangeResult[V], ttlOverride *time.Duration, locked bool) (V, bool, error) {
	var result V
	var changed bool

	do := func() error {
		old, present := c.st.Lookup(k)
		r := f(old, present)
		if !r.changed {
			result = old
			return nil
		}
		c.st.Insert(k, r.value)
		c.emitTTL(k, ttlOverride)
		result = r.value
		changed = true
		return c.dispatch(Event[K, V]{Kind: EventPut, Cache: c, Key: k, Value: r.value})
	}

	var err error
	if locked {
		err = c.withRowLock(ctx, k, do)
	} else {
		err = do()
	}
	return result, changed, err
}

// UpdateExisting is Update, but fails with ErrNotExisting if k is absent;
// f only ever sees a present value.
func (c *Cache[K, V]) UpdateExisting(ctx context.Context, k K, f func(old V) ChangeResult[V]) (V, bool, error) {
	return c.updateExisting(ctx, k, f, nil, true)
}

// UpdateExistingWithTTL is UpdateExisting with a per-item TTL override.
func (c *Cache[K, V]) UpdateExistingWithTTL(ctx context.Context, k K, f func(old V) ChangeResult[V], ttlOverride time.Duration) (V, bool, error) {
	return c.updateExisting(ctx, k, f, &ttlOverride, true)
}

// UpdateExistingDirty is UpdateExisting's lock-free twin.
func (c *Cache[K, V]) UpdateExistingDirty(k K, f func(old V) ChangeResult[V]) (V, bool, error) {
	return c.updateExisting(context.Background(), k, f, nil, false)
}

func (c *Cache[K, V]) updateExisting(ctx context.Context, k K, f func(old V) ChangeResult[V], ttlOverride *time.Duration, locked bool) (V, bool, error) {
	var zero V
	var notExisting bool

	guarded := func(old V, present bool) ChangeResult[V] {
		if !present {
			notExisting = true
			return NoChange[V]()
		}
		return f(old)
	}

	result, changed, err := c.update(ctx, k, guarded, ttlOverride, locked)
	if err != nil {
		return zero, false, err
	}
	if notExisting {
		return zero, false, ErrNotExisting
	}
	return result, changed, nil
}

// ---- GetOrStore ----

// GetOrStore returns k's value if present; on a miss it calls loader
// exactly once per set of concurrent misses for k (coalesced via
// singleflight), stores the result using Options.DefaultTTL, fires the
// callback, and returns it.
func (c *Cache[K, V]) GetOrStore(ctx context.Context, k K, loader func(ctx context.Context) (V, error)) (V, error) {
	return c.getOrStore(ctx, k, loader, nil)
}

// GetOrStoreWithTTL is GetOrStore with a per-item TTL override applied
// when loader's result is stored.
func (c *Cache[K, V]) GetOrStoreWithTTL(ctx context.Context, k K, loader func(ctx context.Context) (V, error), ttlOverride time.Duration) (V, error) {
	return c.getOrStore(ctx, k, loader, &ttlOverride)
}

func (c *Cache[K, V]) getOrStore(ctx context.Context, k K, loader func(ctx context.Context) (V, error), ttlOverride *time.Duration) (V, error) {
	if v, ok := c.Get(k); ok {
		return v, nil
	}

	return c.sf.Do(ctx, k, func() (V, error) {
		var out V
		err := c.withRowLock(ctx, k, func() error {
			if v, present := c.st.Lookup(k); present {
				out = v
				return nil
			}
			v, err := loader(ctx)
			if err != nil {
				return err
			}
			c.st.Insert(k, v)
			c.emitTTL(k, ttlOverride)
			out = v
			return c.dispatch(Event[K, V]{Kind: EventPut, Cache: c, Key: k, Value: v})
		})
		return out, err
	})
}

// ---- Delete ----

// Delete removes k if present, firing the delete callback (with the
// about-to-be-removed value) before the store is actually mutated.
// Returns whether a value was removed.
func (c *Cache[K, V]) Delete(ctx context.Context, k K) (bool, error) {
	return c.delete(ctx, k, true)
}

// DeleteDirty is Delete's lock-free twin.
func (c *Cache[K, V]) DeleteDirty(k K) (bool, error) {
	return c.delete(context.Background(), k, false)
}

func (c *Cache[K, V]) delete(ctx context.Context, k K, locked bool) (bool, error) {
	var removed bool
	do := func() error {
		old, present := c.st.Lookup(k)
		if !present {
			return nil
		}
		if err := c.dispatch(Event[K, V]{Kind: EventDelete, Cache: c, Key: k, Value: old}); err != nil {
			return err
		}
		c.st.Delete(k)
		c.ttlM.Clear(k)
		removed = true
		return nil
	}
	var err error
	if locked {
		err = c.withRowLock(ctx, k, do)
	} else {
		err = do()
	}
	return removed, err
}

// ---- WithExisting / Isolated / TryIsolated (package-level: need a
// result type independent of V) ----

// WithExisting runs fn against k's current value without taking the row
// lock. Returns ErrNotExisting if k is absent.
func WithExisting[K comparable, V any, T any](c *Cache[K, V], k K, fn func(V) (T, error)) (T, error) {
	var zero T
	v, ok := c.st.Lookup(k)
	if !ok {
		return zero, ErrNotExisting
	}
	return fn(v)
}

// Isolated acquires the row lock for id and runs fn, returning fn's
// result. It performs no store operation, TTL intent, or callback of its
// own — it exists purely to let callers serialize an arbitrary critical
// section on a logical id, typically composing further cache calls
// inside fn using the context it is given. Passing that context into a
// nested Isolated/Update/etc. call on the same id makes it reentrant
// instead of deadlocking.
func Isolated[K comparable, V any, T any](c *Cache[K, V], ctx context.Context, id K, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	owner, ctx := rowlock.OwnerFromContext(ctx)
	lockCtx, cancel := context.WithTimeout(ctx, c.opt.AcquireLockTimeout)
	defer cancel()

	c.opt.Metrics.LockWait()
	tok, err := c.locks.Acquire(lockCtx, id, owner)
	if err != nil {
		c.opt.Metrics.LockTimeout()
		return zero, ErrLockTimeout
	}
	defer tok.Release() //nolint:errcheck

	return fn(ctx)
}

// TryIsolated is Isolated but never blocks: it fails immediately with
// ErrLocked if id is held by a different owner.
func TryIsolated[K comparable, V any, T any](c *Cache[K, V], ctx context.Context, id K, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	owner, ctx := rowlock.OwnerFromContext(ctx)

	tok, err := c.locks.TryAcquire(id, owner)
	if err != nil {
		return zero, ErrLocked
	}
	defer tok.Release() //nolint:errcheck

	return fn(ctx)
}

// ---- internals ----

// withRowLock acquires id's row lock (deriving/propagating the caller's
// owner identity through ctx for reentrancy), runs fn, and releases on
// every exit path.
func (c *Cache[K, V]) withRowLock(ctx context.Context, id K, fn func() error) error {
	owner, ctx := rowlock.OwnerFromContext(ctx)
	lockCtx, cancel := context.WithTimeout(ctx, c.opt.AcquireLockTimeout)
	defer cancel()

	c.opt.Metrics.LockWait()
	tok, err := c.locks.Acquire(lockCtx, id, owner)
	if err != nil {
		c.opt.Metrics.LockTimeout()
		return ErrLockTimeout
	}
	defer tok.Release() //nolint:errcheck

	if err := fn(); err != nil {
		return err
	}
	c.opt.Metrics.Size(c.st.Len())
	return nil
}

// emitTTL resolves a per-call override against Options.DefaultTTL and
// enqueues the resulting intent. A non-nil override (including zero,
// which means "never expire") always wins over the default.
func (c *Cache[K, V]) emitTTL(k K, ttlOverride *time.Duration) {
	ttlVal := c.opt.DefaultTTL
	if ttlOverride != nil {
		ttlVal = *ttlOverride
	}
	c.ttlM.SetTTL(k, ttlVal)
}

// dispatch invokes Options.OnMutation, if set, wrapping any error it
// returns in CallbackError. The store mutation this callback is paired
// with has already happened (Put-like) or not yet happened (Delete); see
// Options.OnMutation and CallbackError.
func (c *Cache[K, V]) dispatch(ev Event[K, V]) error {
	if c.opt.OnMutation == nil {
		return nil
	}
	if err := c.opt.OnMutation(ev); err != nil {
		return &CallbackError{Err: err}
	}
	return nil
}
