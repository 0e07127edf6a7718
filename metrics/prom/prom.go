package prom

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/rowcache/rowcache"
)

// Adapter implements rowcache.Metrics and exports Prometheus counters/gauges.
// Safe for concurrent use; all Prometheus metric types are goroutine-safe.
type Adapter struct {
	hits        prometheus.Counter
	misses      prometheus.Counter
	expires     prometheus.Counter
	lockWaits   prometheus.Counter
	lockTimeout prometheus.Counter
	sizeEnt     prometheus.Gauge
}

// New constructs a Prometheus metrics adapter.
//   - reg:          registry to register metrics with (nil => prometheus.DefaultRegisterer)
//   - ns, sub:      Prometheus namespace and subsystem
//   - constLabels:  static labels applied to all metrics (may be nil)
func New(reg prometheus.Registerer, ns, sub string, constLabels prometheus.Labels) *Adapter {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	a := &Adapter{
		hits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   ns,
			Subsystem:   sub,
			Name:        "hits_total",
			Help:        "Cache hits",
			ConstLabels: constLabels,
		}),
		misses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   ns,
			Subsystem:   sub,
			Name:        "misses_total",
			Help:        "Cache misses",
			ConstLabels: constLabels,
		}),
		expires: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   ns,
			Subsystem:   sub,
			Name:        "expires_total",
			Help:        "Entries removed by TTL expiry",
			ConstLabels: constLabels,
		}),
		lockWaits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   ns,
			Subsystem:   sub,
			Name:        "lock_waits_total",
			Help:        "Row-lock acquisition attempts",
			ConstLabels: constLabels,
		}),
		lockTimeout: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   ns,
			Subsystem:   sub,
			Name:        "lock_timeouts_total",
			Help:        "Row-lock acquisitions that exceeded AcquireLockTimeout",
			ConstLabels: constLabels,
		}),
		sizeEnt: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   ns,
			Subsystem:   sub,
			Name:        "size_entries",
			Help:        "Number of resident entries",
			ConstLabels: constLabels,
		}),
	}
	reg.MustRegister(a.hits, a.misses, a.expires, a.lockWaits, a.lockTimeout, a.sizeEnt)
	return a
}

// Hit increments the hit counter.
func (a *Adapter) Hit() { a.hits.Inc() }

// Miss increments the miss counter.
func (a *Adapter) Miss() { a.misses.Inc() }

// Expire increments the TTL-expiry counter.
func (a *Adapter) Expire() { a.expires.Inc() }

// LockWait increments the row-lock acquisition-attempt counter.
func (a *Adapter) LockWait() { a.lockWaits.Inc() }

// LockTimeout increments the row-lock timeout counter.
func (a *Adapter) LockTimeout() { a.lockTimeout.Inc() }

// Size updates the resident-entry gauge.
func (a *Adapter) Size(entries int) { a.sizeEnt.Set(float64(entries)) }

// Compile-time check: ensure Adapter implements rowcache.Metrics.
var _ rowcache.Metrics = (*Adapter)(nil)
