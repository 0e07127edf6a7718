package ttl

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// manual builds a Manager whose tick loop is never started (tickInterval
// is set, but Step is driven by hand) by constructing it with an interval
// and immediately stopping the wall-clock goroutine, then calling Step
// directly. This lets TTL math be verified deterministically without
// sleeping real time, the same role the teacher's fakeClock plays for its
// absolute-deadline TTL test.
func manual[K comparable](t *testing.T, tick time.Duration, expireFn func(K)) *Manager[K] {
	t.Helper()
	m := New[K](tick, expireFn)
	m.Stop()
	return m
}

func TestManager_Disabled_NeverExpires(t *testing.T) {
	t.Parallel()

	var expired []string
	m := New[string](0, func(k string) { expired = append(expired, k) })
	require.False(t, m.Enabled())

	m.SetTTL("k", time.Millisecond)
	time.Sleep(10 * time.Millisecond)
	require.Empty(t, expired, "disabled manager must never expire entries")
}

func TestManager_BasicExpiry(t *testing.T) {
	t.Parallel()

	var expired []string
	m := manual[string](t, 100*time.Millisecond, func(k string) { expired = append(expired, k) })

	m.SetTTL("k", 300*time.Millisecond) // target tick = 0 + ceil(300/100) = 3

	for i := 0; i < 3; i++ {
		m.Step() // processes buckets 0, 1, 2 — all empty
		require.Empty(t, expired)
	}
	m.Step() // processes bucket 3: due
	require.Equal(t, []string{"k"}, expired)
}

func TestManager_TouchDefersExpiry(t *testing.T) {
	t.Parallel()

	var expired []string
	m := manual[string](t, 100*time.Millisecond, func(k string) { expired = append(expired, k) })

	m.SetTTL("k", 300*time.Millisecond) // target tick = 0 + 3 = 3
	m.Step()                            // bucket 0
	m.Step()                            // bucket 1; now_tick is now 2

	m.SetTTL("k", 300*time.Millisecond) // touch: target tick = 2 + 3 = 5
	m.Step()                            // bucket 2 (empty)
	require.Empty(t, expired)
	m.Step() // bucket 3 — the superseded entry for "k" is filtered: keyDeadline["k"] is now 5
	require.Empty(t, expired)
	m.Step() // bucket 4 (empty)
	require.Empty(t, expired)
	m.Step() // bucket 5: due
	require.Equal(t, []string{"k"}, expired)
}

func TestManager_ClearCancelsExpiry(t *testing.T) {
	t.Parallel()

	var expired []string
	m := manual[string](t, 100*time.Millisecond, func(k string) { expired = append(expired, k) })

	m.SetTTL("k", 200*time.Millisecond)
	m.Clear("k")
	m.drainPending()
	_, scheduled := m.keyDeadline["k"]
	require.False(t, scheduled)

	for i := 0; i < 5; i++ {
		m.Step()
	}
	require.Empty(t, expired)
}

func TestManager_ZeroTTLClearsDeadline(t *testing.T) {
	t.Parallel()

	var expired []string
	m := manual[string](t, 50*time.Millisecond, func(k string) { expired = append(expired, k) })

	m.SetTTL("k", 100*time.Millisecond)
	m.SetTTL("k", 0) // override 0 => never expire
	m.drainPending()
	_, scheduled := m.keyDeadline["k"]
	require.False(t, scheduled)

	for i := 0; i < 10; i++ {
		m.Step()
	}
	require.Empty(t, expired)
}

func TestManager_WallClockTick(t *testing.T) {
	t.Parallel()

	expired := make(chan string, 1)
	m := New[string](20*time.Millisecond, func(k string) { expired <- k })
	t.Cleanup(m.Stop)

	m.SetTTL("k", 40*time.Millisecond)

	select {
	case k := <-expired:
		require.Equal(t, "k", k)
	case <-time.After(2 * time.Second):
		t.Fatal("entry never expired on the wall-clock tick loop")
	}
}
