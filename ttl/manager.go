// Package ttl implements the TTL scheduler: a tick-driven, bucketed
// expiry wheel that supports O(1) amortized insert/refresh and expires
// items without scanning the whole table. There is a single owner
// goroutine; all other goroutines interact with it only by enqueuing
// asynchronous intents (SetTTL/Clear), keeping writers off the tick
// loop's critical path.
package ttl

import (
	"sync"
	"time"
)

type intentKind uint8

const (
	intentSetTTL intentKind = iota
	intentClear
)

type intent[K comparable] struct {
	kind intentKind
	key  K
	ttl  time.Duration
}

// Manager owns the tick counter, the pending intent queue, and the
// bucketed expiry wheel for one cache instance. If tickInterval is zero
// the manager is inert: SetTTL/Clear become no-ops and no entry is
// ever auto-expired.
type Manager[K comparable] struct {
	tickDur time.Duration
	tickMs  int64

	// expireFn is invoked once per key that reaches its deadline. It is
	// wired to the operation layer's delete path so expiry honors the
	// row lock and the delete callback exactly like an explicit Delete.
	expireFn func(K)

	mu      sync.Mutex
	pending []intent[K]

	// Touched only by the owner goroutine (run). No lock required.
	nowTick      int64
	expiryByTick map[int64][]K
	keyDeadline  map[K]int64

	stop chan struct{}
	done chan struct{}
}

// New constructs a Manager. tickInterval <= 0 disables the manager:
// entries configured through it never expire. expireFn is called from
// the owner goroutine whenever a key's deadline is reached; it must not
// block indefinitely (it is expected to acquire the key's row lock with
// the cache's standard acquire timeout, per the operation layer's delete
// path).
func New[K comparable](tickInterval time.Duration, expireFn func(K)) *Manager[K] {
	m := &Manager[K]{
		tickDur:      tickInterval,
		tickMs:       tickInterval.Milliseconds(),
		expireFn:     expireFn,
		expiryByTick: make(map[int64][]K),
		keyDeadline:  make(map[K]int64),
		stop:         make(chan struct{}),
		done:         make(chan struct{}),
	}
	if m.tickMs <= 0 {
		close(m.done) // inert: nothing to stop
		return m
	}
	go m.run()
	return m
}

// Enabled reports whether the manager drives expiry at all.
func (m *Manager[K]) Enabled() bool { return m.tickMs > 0 }

// SetTTL asynchronously schedules key to expire ms after the current
// tick. ms <= 0 is equivalent to Clear. The call never blocks on the tick
// loop.
func (m *Manager[K]) SetTTL(key K, ms time.Duration) {
	if !m.Enabled() {
		return
	}
	kind := intentSetTTL
	if ms <= 0 {
		kind = intentClear
	}
	m.mu.Lock()
	m.pending = append(m.pending, intent[K]{kind: kind, key: key, ttl: ms})
	m.mu.Unlock()
}

// Clear asynchronously cancels any scheduled expiry for key.
func (m *Manager[K]) Clear(key K) {
	if !m.Enabled() {
		return
	}
	m.mu.Lock()
	m.pending = append(m.pending, intent[K]{kind: intentClear, key: key})
	m.mu.Unlock()
}

// Stop halts the tick loop. Safe to call once; further calls are no-ops.
func (m *Manager[K]) Stop() {
	if !m.Enabled() {
		return
	}
	select {
	case <-m.done:
		return
	default:
	}
	close(m.stop)
	<-m.done
}

func (m *Manager[K]) run() {
	defer close(m.done)
	timer := time.NewTimer(m.tickDur)
	defer timer.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-timer.C:
			m.step()
			timer.Reset(m.tickDur)
		}
	}
}

// step drains pending intents into the authoritative wheel state, expires
// everything due at the current tick, then advances the tick counter.
// Exported as Step for deterministic tests driving the wheel manually
// instead of via the wall-clock goroutine.
func (m *Manager[K]) step() { m.Step() }

// Step performs exactly one tick: drain pending intents, expire due keys,
// advance now_tick. It is safe to call concurrently with SetTTL/Clear, but
// must not be called concurrently with itself — the wall-clock loop and a
// test-driven manual Step must not run at the same time.
func (m *Manager[K]) Step() {
	m.drainPending()

	due := m.expiryByTick[m.nowTick]
	delete(m.expiryByTick, m.nowTick)
	for _, key := range due {
		if m.keyDeadline[key] == m.nowTick {
			delete(m.keyDeadline, key)
			m.expireFn(key)
		}
		// else: stale reference from a superseded deadline — ignore.
	}

	m.nowTick++
}

func (m *Manager[K]) drainPending() {
	m.mu.Lock()
	batch := m.pending
	m.pending = nil
	m.mu.Unlock()

	for _, in := range batch {
		switch in.kind {
		case intentClear:
			delete(m.keyDeadline, in.key)
		case intentSetTTL:
			ticks := ceilDivMs(in.ttl.Milliseconds(), m.tickMs)
			target := m.nowTick + ticks
			m.keyDeadline[in.key] = target
			m.expiryByTick[target] = append(m.expiryByTick[target], in.key)
		}
	}
}

func ceilDivMs(ms, tickMs int64) int64 {
	if tickMs <= 0 {
		return 0
	}
	if ms <= 0 {
		return 0
	}
	return (ms + tickMs - 1) / tickMs
}
