package metrics_test

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rwsplit/rwsplit/internal/metrics"
	"github.com/stretchr/testify/require"
)

func TestRegisterWithIsolatedRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	require.NoError(t, metrics.RegisterWith(reg))
	require.Error(t, metrics.RegisterWith(reg), "registering the same collectors twice must fail")
}

func TestReadCounterAndGauge(t *testing.T) {
	c := prometheus.NewCounter(prometheus.CounterOpts{Name: "test_counter"})
	c.Add(3)
	v, err := metrics.ReadCounter(c)
	require.NoError(t, err)
	require.Equal(t, float64(3), v)

	g := prometheus.NewGauge(prometheus.GaugeOpts{Name: "test_gauge"})
	g.Set(7)
	v, err = metrics.ReadGauge(g)
	require.NoError(t, err)
	require.Equal(t, float64(7), v)
}

func TestObserveReplicaCountEWMA(t *testing.T) {
	metrics.ObserveReplicaCount(2)
	first, err := metrics.ReadGauge(metrics.AvgReplicaCountGauge)
	require.NoError(t, err)
	require.Equal(t, float64(2), first, "first observation seeds the EWMA directly")

	metrics.ObserveReplicaCount(2)
	second, err := metrics.ReadGauge(metrics.AvgReplicaCountGauge)
	require.NoError(t, err)
	require.Equal(t, float64(2), second, "a repeated observation leaves a converged EWMA unchanged")
}

func TestTakeSnapshotReflectsCounters(t *testing.T) {
	metrics.RouteCounter.Reset()
	metrics.SessionCommandCounter.Add(0) // ensure registered before read

	metrics.RouteCounter.WithLabelValues(metrics.TargetMaster).Inc()
	metrics.RouteCounter.WithLabelValues(metrics.TargetSlave).Inc()
	metrics.RouteCounter.WithLabelValues(metrics.TargetSlave).Inc()
	metrics.SessionCommandCounter.Inc()

	snap := metrics.TakeSnapshot()
	require.Equal(t, float64(1), snap.RoutedToPrimary)
	require.Equal(t, float64(2), snap.RoutedToReplicas)
	require.GreaterOrEqual(t, snap.SessionCommands, float64(1))
}

func TestInstanceName(t *testing.T) {
	name := metrics.InstanceName(":4006")
	require.Contains(t, name, ":4006")
}
