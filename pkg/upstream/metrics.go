package upstream

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// HealthyPanicTotal counts selections made while the chosen priority was
	// in panic mode.
	HealthyPanicTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "upstream_lb_healthy_panic_total",
			Help: "host selections made while the chosen priority was in panic mode",
		},
		[]string{"cluster"},
	)

	// OverloadSkippedTotal counts candidates skipped by the bounded-load
	// retry loop because they were over their fair share.
	OverloadSkippedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "upstream_lb_overload_skipped_total",
			Help: "consistent-hash candidates skipped because they were overloaded",
		},
		[]string{"cluster"},
	)

	// SnapshotRebuildsTotal counts per-priority-state rebuilds triggered by
	// membership changes.
	SnapshotRebuildsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "upstream_lb_snapshot_rebuilds_total",
			Help: "hashing snapshot rebuilds triggered by membership changes",
		},
		[]string{"cluster"},
	)
)

// RegisterMetrics registers the balancer collectors, typically with
// prometheus.DefaultRegisterer at process startup.
func RegisterMetrics(reg prometheus.Registerer) {
	reg.MustRegister(HealthyPanicTotal, OverloadSkippedTotal, SnapshotRebuildsTotal)
}

// ClusterStats aggregates the observed load of a whole cluster. The active
// request counter backs the default overload policy, so it is a plain
// atomic rather than a prometheus collector.
type ClusterStats struct {
	rqActive int64

	healthyPanic    prometheus.Counter
	overloadSkipped prometheus.Counter
	rebuilds        prometheus.Counter
}

func NewClusterStats(cluster string) *ClusterStats {
	return &ClusterStats{
		healthyPanic:    HealthyPanicTotal.WithLabelValues(cluster),
		overloadSkipped: OverloadSkippedTotal.WithLabelValues(cluster),
		rebuilds:        SnapshotRebuildsTotal.WithLabelValues(cluster),
	}
}

func (s *ClusterStats) IncActiveRequests() { atomic.AddInt64(&s.rqActive, 1) }
func (s *ClusterStats) DecActiveRequests() { atomic.AddInt64(&s.rqActive, -1) }
func (s *ClusterStats) ActiveRequests() int64 {
	return atomic.LoadInt64(&s.rqActive)
}

func (s *ClusterStats) incHealthyPanic()    { s.healthyPanic.Inc() }
func (s *ClusterStats) incOverloadSkipped() { s.overloadSkipped.Inc() }
func (s *ClusterStats) incSnapshotRebuild() { s.rebuilds.Inc() }
