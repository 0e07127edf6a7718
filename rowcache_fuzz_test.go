package rowcache

import (
	"context"
	"errors"
	"strings"
	"testing"
)

// Fuzz basic Put/Get/InsertNew/Delete semantics under arbitrary string
// inputs. Guards against panics and ensures core invariants hold.
func FuzzCache_PutGetDelete(f *testing.F) {
	// Seed corpus: empty, ASCII, Unicode, long strings.
	f.Add("", "")
	f.Add("a", "1")
	f.Add("b", "2")
	f.Add("αβγ", "δ")
	f.Add("emoji🙂", "🙂🙂")
	f.Add("long", strings.Repeat("x", 1024))

	f.Fuzz(func(t *testing.T, k, v string) {
		// Cap lengths to keep memory bounded during fuzzing.
		const limit = 1 << 12 // 4096
		if len(k) > limit {
			k = k[:limit]
		}
		if len(v) > limit {
			v = v[:limit]
		}

		ctx := context.Background()
		c := New[string, string](Options[string, string]{Shards: 4})
		t.Cleanup(c.Close)

		// Put -> Get must return the same value.
		if err := c.Put(ctx, k, v); err != nil {
			t.Fatalf("Put: %v", err)
		}
		got, ok := c.Get(k)
		if !ok || got != v {
			t.Fatalf("after Put/Get: want %q, got %q ok=%v", v, got, ok)
		}

		// InsertNew on an existing key must fail and must not overwrite.
		if err := c.InsertNew(ctx, k, "other"); !errors.Is(err, ErrAlreadyExists) {
			t.Fatalf("InsertNew on existing key want ErrAlreadyExists, got %v", err)
		}
		if got2, ok := c.Get(k); !ok || got2 != v {
			t.Fatalf("after failed InsertNew: want %q, got %q ok=%v", v, got2, ok)
		}

		// Delete must remove and report true exactly once.
		removed, err := c.Delete(ctx, k)
		if err != nil || !removed {
			t.Fatalf("Delete: removed=%v err=%v", removed, err)
		}
		if _, ok := c.Get(k); ok {
			t.Fatal("key must be absent after Delete")
		}

		// After removal, InsertNew must succeed again.
		if err := c.InsertNew(ctx, k, v); err != nil {
			t.Fatalf("InsertNew after Delete: %v", err)
		}
	})
}
