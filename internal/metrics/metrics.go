// Package metrics declares the prometheus collectors exposed by the router
// session, grounded on tiproxy's pkg/metrics package layout (namespace + label
// constants, package-level collector vars, ReadCounter/ReadGauge test helpers).
package metrics

import (
	"fmt"
	"os"
	"sync"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/client_golang/prometheus"
)

const (
	Namespace = "rwsplit"

	SubsystemSession = "session"
	SubsystemRoute   = "route"
	SubsystemSescmd  = "sescmd"
	SubsystemBackend = "backend"
)

// Route target labels, mirroring the route decider's target classes.
const (
	LblTarget = "target"

	TargetMaster = "master"
	TargetSlave  = "slave"
	TargetAll    = "all"
)

const (
	LblRes = "res"

	ResOK  = "ok"
	ResErr = "error"
)

var (
	SessionGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: Namespace,
		Subsystem: SubsystemSession,
		Name:      "active",
		Help:      "Number of active router sessions.",
	})

	RouteCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace,
		Subsystem: SubsystemRoute,
		Name:      "decisions_total",
		Help:      "Counter of route decisions by target class.",
	}, []string{LblTarget})

	RerouteCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace,
		Subsystem: SubsystemRoute,
		Name:      "reroute_total",
		Help:      "Counter of queries re-routed after a failed read retry.",
	}, []string{LblRes})

	ReplicaSelectedGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: Namespace,
		Subsystem: SubsystemRoute,
		Name:      "eligible_replicas",
		Help:      "Number of replicas eligible for selection on the last route decision.",
	})

	SescmdLogLenGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: Namespace,
		Subsystem: SubsystemSescmd,
		Name:      "log_length",
		Help:      "Current length of the session command log, summed across sessions.",
	})

	SescmdExecHistogram = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: Namespace,
		Subsystem: SubsystemSescmd,
		Name:      "replay_duration_seconds",
		Help:      "Time (s) to replay one session command against a newly attached backend.",
		Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 20),
	})

	BackendConnGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: Namespace,
		Subsystem: SubsystemBackend,
		Name:      "connections",
		Help:      "Gauge of open backend connections by backend name.",
	}, []string{"backend"})

	BackendReconnectCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace,
		Subsystem: SubsystemBackend,
		Name:      "reconnect_total",
		Help:      "Counter of backend reconnect attempts by backend name and outcome.",
	}, []string{"backend", LblRes})

	// SessionCommandCounter is the global session-command count named in
	// spec.md §6's Observability JSON document, separate from RouteCounter
	// (which is keyed by route target and would double-count an ALL-target
	// session command once per backend it fans out to).
	SessionCommandCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: Namespace,
		Subsystem: SubsystemSescmd,
		Name:      "broadcast_total",
		Help:      "Counter of session commands broadcast across all sessions.",
	})

	// AvgReplicaCountGauge holds the exponentially-weighted average number of
	// replicas in use across sessions, updated by ObserveReplicaCount.
	AvgReplicaCountGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: Namespace,
		Subsystem: SubsystemRoute,
		Name:      "avg_replica_count",
		Help:      "Exponentially-weighted average number of replicas in use per session.",
	})
)

var avgReplicaCount struct {
	mu  sync.Mutex
	set bool
	ewma float64
}

// ObserveReplicaCount folds n (a session's current slave-connection count)
// into the global average-replica-count gauge spec.md §6 names, the same
// EWMA shape backendconn.Backend.ObserveLatency uses for per-backend latency.
func ObserveReplicaCount(n int) {
	const alpha = 0.1
	avgReplicaCount.mu.Lock()
	defer avgReplicaCount.mu.Unlock()
	v := float64(n)
	if !avgReplicaCount.set {
		avgReplicaCount.ewma = v
		avgReplicaCount.set = true
	} else {
		avgReplicaCount.ewma = alpha*v + (1-alpha)*avgReplicaCount.ewma
	}
	AvgReplicaCountGauge.Set(avgReplicaCount.ewma)
}

// RegisterAll registers every collector with prometheus.DefaultRegisterer. Safe
// to call once at startup; tests that need isolated registries should use a
// fresh prometheus.Registry and RegisterWith instead.
func allCollectors() []prometheus.Collector {
	return []prometheus.Collector{
		SessionGauge, RouteCounter, RerouteCounter, ReplicaSelectedGauge,
		SescmdLogLenGauge, SescmdExecHistogram, BackendConnGauge, BackendReconnectCounter,
		SessionCommandCounter, AvgReplicaCountGauge,
	}
}

func RegisterAll() {
	prometheus.MustRegister(allCollectors()...)
}

func RegisterWith(reg prometheus.Registerer) error {
	for _, c := range allCollectors() {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

var instance string

// SetInstance records this process's identity, as InstanceName computes it,
// for inclusion in every TakeSnapshot going forward. Called once from
// internal/server's NewServer at startup with the listen address.
func SetInstance(addr string) {
	instance = InstanceName(addr)
}

// Snapshot is the JSON document spec.md §6's Observability section describes:
// queries routed to primary, to replicas, to all, session-command count,
// average replica count, and re-route count, all as a point-in-time read of
// the same prometheus counters exported at /metrics — not a parallel
// bookkeeping path.
type Snapshot struct {
	Instance         string  `json:"instance"`
	RoutedToPrimary  float64 `json:"routed_to_primary"`
	RoutedToReplicas float64 `json:"routed_to_replicas"`
	RoutedToAll      float64 `json:"routed_to_all"`
	SessionCommands  float64 `json:"session_commands"`
	AvgReplicaCount  float64 `json:"avg_replica_count"`
	Reroutes         float64 `json:"reroutes"`
}

// TakeSnapshot builds a Snapshot from the current collector values. Counter
// reads that fail (a collector that was never registered, in an isolated test
// registry) are left at zero rather than surfacing an error, mirroring how a
// /metrics scrape never fails on one bad collector.
func TakeSnapshot() Snapshot {
	primary, _ := readCounterVecLabel(RouteCounter, TargetMaster)
	replicas, _ := readCounterVecLabel(RouteCounter, TargetSlave)
	all, _ := readCounterVecLabel(RouteCounter, TargetAll)
	sescmds, _ := ReadCounter(SessionCommandCounter)
	avgReplicas, _ := ReadGauge(AvgReplicaCountGauge)
	reroutes, _ := readCounterVecLabel(RerouteCounter, ResOK)
	reroutesErr, _ := readCounterVecLabel(RerouteCounter, ResErr)
	return Snapshot{
		Instance:         instance,
		RoutedToPrimary:  primary,
		RoutedToReplicas: replicas,
		RoutedToAll:      all,
		SessionCommands:  sescmds,
		AvgReplicaCount:  avgReplicas,
		Reroutes:         reroutes + reroutesErr,
	}
}

func readCounterVecLabel(vec *prometheus.CounterVec, label string) (float64, error) {
	return ReadCounter(vec.WithLabelValues(label))
}

// InstanceName identifies this proxy instance in exported metrics, mirroring
// tiproxy's metrics.instanceName.
func InstanceName(addr string) string {
	hostname, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return fmt.Sprintf("%s_%s", hostname, addr)
}

// ReadCounter reads the current value of a counter. Used by TakeSnapshot and
// by tests.
func ReadCounter(c prometheus.Counter) (float64, error) {
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		return 0, err
	}
	return m.GetCounter().GetValue(), nil
}

// ReadGauge reads the current value of a gauge. Used by TakeSnapshot and by
// tests.
func ReadGauge(g prometheus.Gauge) (float64, error) {
	var m dto.Metric
	if err := g.Write(&m); err != nil {
		return 0, err
	}
	return m.GetGauge().GetValue(), nil
}
