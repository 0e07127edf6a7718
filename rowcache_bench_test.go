package rowcache

import (
	"context"
	"math/rand"
	"strconv"
	"sync/atomic"
	"testing"
)

// benchmarkMix exercises a read/write mix against a warm cache. It uses
// parallel workers (RunParallel spawns GOMAXPROCS goroutines). String keys
// include strconv/concat costs and often allocate, which is fine for an
// end-to-end benchmark.
func benchmarkMix(b *testing.B, readsPct int) {
	ctx := context.Background()
	c := New[string, string](Options[string, string]{})
	b.Cleanup(c.Close)

	// Preload a warm keyspace to get a realistic hit rate.
	for i := 0; i < 50_000; i++ {
		k := "k:" + strconv.Itoa(i)
		_ = c.Put(ctx, k, "v")
	}

	// Report per-op allocations for a rough idea where costs go.
	b.ReportAllocs()
	b.ResetTimer()

	var seed int64 = 1
	keyMask := (1 << 16) - 1 // hot keyspace (power of two for fast &-mask)

	b.RunParallel(func(pb *testing.PB) {
		// Independent RNG stream for each worker.
		r := rand.New(rand.NewSource(atomic.AddInt64(&seed, 1)))
		i := 0
		for pb.Next() {
			k := "k:" + strconv.Itoa(i&keyMask)
			if r.Intn(100) < readsPct {
				c.Get(k)
			} else {
				_ = c.Put(ctx, k, "v")
			}
			i++
		}
	})
}

func BenchmarkCache_90r10w(b *testing.B) { benchmarkMix(b, 90) }
func BenchmarkCache_50r50w(b *testing.B) { benchmarkMix(b, 50) }

// benchmarkMixInt is the same workload but with int keys. This removes
// strconv/alloc noise and better exposes the cache hot path.
func benchmarkMixInt(b *testing.B, readsPct int) {
	ctx := context.Background()
	c := New[int, int](Options[int, int]{})
	b.Cleanup(c.Close)

	for i := 0; i < 50_000; i++ {
		_ = c.Put(ctx, i, 1)
	}

	b.ReportAllocs()
	b.ResetTimer()

	var seed int64 = 1
	keyMask := (1 << 16) - 1

	b.RunParallel(func(pb *testing.PB) {
		r := rand.New(rand.NewSource(atomic.AddInt64(&seed, 1)))
		i := 0
		for pb.Next() {
			k := i & keyMask
			if r.Intn(100) < readsPct {
				c.Get(k)
			} else {
				_ = c.Put(ctx, k, 1)
			}
			i++
		}
	})
}

func BenchmarkCache_IntKeys_90r10w(b *testing.B) { benchmarkMixInt(b, 90) }
func BenchmarkCache_IntKeys_50r50w(b *testing.B) { benchmarkMixInt(b, 50) }

// benchmarkUpdateContention measures row-lock overhead under contention: all
// workers serialize on the same key via Update.
func benchmarkUpdateContention(b *testing.B) {
	ctx := context.Background()
	c := New[string, int](Options[string, int]{})
	b.Cleanup(c.Close)

	b.ReportAllocs()
	b.ResetTimer()

	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			_, _, _ = c.Update(ctx, "hot", func(old int, present bool) ChangeResult[int] {
				return Changed(old + 1)
			})
		}
	})
}

func BenchmarkCache_UpdateContention(b *testing.B) { benchmarkUpdateContention(b) }
