package rowcache

import (
	"context"
	"math/rand"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// A mixed workload of concurrent Get/PutWithTTL/Delete/Update on random
// keys. Should pass under `-race` without detector reports.
func TestRace_Basic(t *testing.T) {
	c := New[string, []byte](Options[string, []byte]{
		Shards:           32,
		TTLCheckInterval: 5 * time.Millisecond,
	})
	t.Cleanup(c.Close)

	ctx := context.Background()
	workers := 4 * runtime.GOMAXPROCS(0)
	keyspace := 5_000
	deadline := time.Now().Add(500 * time.Millisecond)

	var wg sync.WaitGroup
	wg.Add(workers)
	for w := 0; w < workers; w++ {
		go func(id int) {
			defer wg.Done()
			r := rand.New(rand.NewSource(int64(id)*9973 + 1))
			for time.Now().Before(deadline) {
				k := "k:" + strconv.Itoa(r.Intn(keyspace))
				switch r.Intn(100) {
				case 0, 1, 2, 3, 4: // ~5% — Delete
					_, _ = c.Delete(ctx, k)
				case 5, 6, 7, 8, 9: // ~5% — PutWithTTL
					_ = c.PutWithTTL(ctx, k, []byte("x"), time.Duration(10+r.Intn(20))*time.Millisecond)
				case 10, 11, 12, 13, 14, 15, 16, 17, 18, 19: // ~10% — Update
					_, _, _ = c.Update(ctx, k, func(old []byte, present bool) ChangeResult[[]byte] {
						return Changed([]byte("x"))
					})
				default: // ~80% — Get
					c.Get(k)
				}
			}
		}(w)
	}
	wg.Wait()
}

// One hundred goroutines call GetOrStore on the same key concurrently. The
// loader should run at most once (singleflight coalescing).
func TestRace_GetOrStore(t *testing.T) {
	var calls int64

	c := New[string, string](Options[string, string]{})
	t.Cleanup(c.Close)

	loader := func(_ context.Context) (string, error) {
		atomic.AddInt64(&calls, 1)
		time.Sleep(2 * time.Millisecond) // simulate I/O
		return "v:same-key", nil
	}

	const goroutines = 100
	key := "same-key"

	start := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(goroutines)

	for i := 0; i < goroutines; i++ {
		go func() {
			defer wg.Done()
			<-start
			v, err := c.GetOrStore(context.Background(), key, loader)
			if err != nil {
				t.Errorf("GetOrStore error: %v", err)
				return
			}
			if v != "v:"+key {
				t.Errorf("unexpected value: %q", v)
			}
		}()
	}

	close(start)
	wg.Wait()

	if got := atomic.LoadInt64(&calls); got > 1 {
		t.Fatalf("loader should run at most once, got %d", got)
	}

	// Subsequent call should be a pure cache hit, no further loads.
	if v, err := c.GetOrStore(context.Background(), key, loader); err != nil || v != "v:"+key {
		t.Fatalf("second GetOrStore failed: v=%q err=%v", v, err)
	}
}
