// Package rowlock implements the row-level mutex described by the cache's
// concurrency fabric: a fixed pool of shard coordinators, each a
// single-threaded event loop owning the wait queues and holder identity
// for a partition of the id space. Callers acquire/release via
// request/reply over a channel; coordinators never touch each other's
// state and never communicate with one another.
package rowlock

import (
	"context"
	"errors"
	"fmt"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"

	"github.com/rowcache/rowcache/internal/util"
)

// ErrLocked is returned by TryAcquire when the id is already held by a
// different owner.
var ErrLocked = errors.New("rowlock: already locked")

// ErrLockTimeout is returned by Acquire when the context deadline elapses
// before the id becomes available.
var ErrLockTimeout = errors.New("rowlock: acquire timed out")

// errNotHolder is an internal error returned when Release is called by a
// caller that does not currently hold the id; it should never surface
// through the public API if callers only release tokens they were handed.
var errNotHolder = errors.New("rowlock: release by non-holder")

// Pool is a fixed array of shard coordinators. Shard count defaults to a
// heuristic based on hardware parallelism, rounded to the next power of
// two, matching the store's own sharding convention.
type Pool[K comparable] struct {
	shards []*coordinator[K]
}

// NewPool constructs a Pool. shards <= 0 picks a heuristic count.
func NewPool[K comparable](shards int) *Pool[K] {
	n := shards
	if n <= 0 {
		n = util.ReasonableShardCount()
	} else {
		n = int(util.NextPow2(uint64(n)))
	}
	p := &Pool[K]{shards: make([]*coordinator[K], n)}
	for i := range p.shards {
		c := newCoordinator[K]()
		p.shards[i] = c
		go c.run()
	}
	return p
}

// Close stops every shard coordinator goroutine. Pending acquire requests
// receive ErrLockTimeout. Close is intended for cache shutdown; it is not
// required for correct operation otherwise.
func (p *Pool[K]) Close() {
	for _, c := range p.shards {
		close(c.cmds)
	}
}

func (p *Pool[K]) shardFor(id K) *coordinator[K] {
	h := hashID(id)
	idx := util.ShardIndex(h, len(p.shards))
	return p.shards[idx]
}

// hashID hashes an arbitrary comparable id with xxhash, independent of the
// backing store's own FNV-1a sharding — the two sharding domains are
// deliberately unrelated so that store shards and lock shards never
// co-vary.
func hashID[K comparable](k K) uint64 {
	switch v := any(k).(type) {
	case string:
		return xxhash.Sum64String(v)
	case []byte:
		return xxhash.Sum64(v)
	case fmt.Stringer:
		return xxhash.Sum64String(v.String())
	default:
		return xxhash.Sum64String(fmt.Sprintf("%v", v))
	}
}

// Token references a held lock-id and its owner; it is the capability
// required to Release. Tokens are not safe to share between goroutines
// beyond the usual "the holder releases what it acquired" discipline.
type Token[K comparable] struct {
	shard *coordinator[K]
	id    K
	owner uuid.UUID
}

// Acquire blocks until id becomes available to owner or ctx is done.
// If id is already held by owner (reentrancy), Acquire returns immediately
// with a token that increments the same reentry count Release decrements.
func (p *Pool[K]) Acquire(ctx context.Context, id K, owner uuid.UUID) (*Token[K], error) {
	c := p.shardFor(id)
	reply := make(chan reply, 1)
	select {
	case c.cmds <- command[K]{kind: opAcquire, id: id, owner: owner, reply: reply}:
	case <-ctx.Done():
		return nil, ErrLockTimeout
	}

	select {
	case r := <-reply:
		if r.err != nil {
			return nil, r.err
		}
		return &Token[K]{shard: c, id: id, owner: owner}, nil
	case <-ctx.Done():
		// The acquire command above is already queued or resolved inside
		// the coordinator (channel sends from this goroutine are ordered),
		// so the coordinator can tell exactly what state it left us in.
		c.cmds <- command[K]{kind: opCancelWait, id: id, owner: owner, reply: reply}
		return nil, ErrLockTimeout
	}
}

// TryAcquire never blocks: it fails immediately with ErrLocked if id is
// held by a different owner.
func (p *Pool[K]) TryAcquire(id K, owner uuid.UUID) (*Token[K], error) {
	c := p.shardFor(id)
	reply := make(chan reply, 1)
	c.cmds <- command[K]{kind: opTryAcquire, id: id, owner: owner, reply: reply}
	r := <-reply
	if r.err != nil {
		return nil, r.err
	}
	return &Token[K]{shard: c, id: id, owner: owner}, nil
}

// Release releases one level of reentrancy for the token. At reentry count
// zero the id is freed and the next waiter (if any) is promoted.
func (t *Token[K]) Release() error {
	reply := make(chan reply, 1)
	t.shard.cmds <- command[K]{kind: opRelease, id: t.id, owner: t.owner, reply: reply}
	r := <-reply
	return r.err
}

// With acquires id for owner, runs fn, and releases on every exit path,
// including panics propagated from fn. Reentry by the same owner on the
// same id does not deadlock.
func (p *Pool[K]) With(ctx context.Context, id K, owner uuid.UUID, fn func() error) error {
	tok, err := p.Acquire(ctx, id, owner)
	if err != nil {
		return err
	}
	defer tok.Release() //nolint:errcheck // release errors are released-by-non-holder, which cannot happen via this path
	return fn()
}

type ownerKeyType struct{}

var ownerKey = ownerKeyType{}

// OwnerFromContext returns the row-lock owner identity carried by ctx, or
// mints a fresh one and returns a child context carrying it. Passing the
// returned context into a nested cache call makes that call's row-lock
// acquisition reentrant with this one, per the cache's reentrancy
// contract: isolated(cache, id, fn -> isolated(cache, id, g)) must not
// deadlock.
func OwnerFromContext(ctx context.Context) (uuid.UUID, context.Context) {
	if v, ok := ctx.Value(ownerKey).(uuid.UUID); ok {
		return v, ctx
	}
	id := uuid.New()
	return id, context.WithValue(ctx, ownerKey, id)
}
