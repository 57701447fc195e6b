package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
)

func TestFilterAttributesDropsForbiddenLabels(t *testing.T) {
	attrs := FilterAttributes(
		attribute.String("region", "eu-west"),
		attribute.String("company_id", "456"),
		attribute.String("reason", "rate_limited"),
	)
	if len(attrs) != 2 {
		t.Fatalf("expected 2 attributes, got %d", len(attrs))
	}
	if attrs[0].Key != "region" || attrs[1].Key != "reason" {
		t.Fatalf("unexpected attributes retained: %v", attrs)
	}
}

func TestFailoverMetricsRecords(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := newFailoverMetrics(registry, Config{ServiceName: "auditrail", Environment: "test"})

	m.SetRegionHealth("eu-west", false, 15*time.Millisecond)
	m.SetPendingWrites("eu-west", 3)
	m.RecordReplay("eu-west", ReplayOutcomeReplayed)
	m.RecordReplay("eu-west", ReplayOutcomeReplayed)

	require.Equal(t, 0.0, gaugeValue(t, registry, "auditrail_region_healthy", "eu-west"))
	require.Equal(t, 3.0, gaugeValue(t, registry, "auditrail_pending_writes", "eu-west"))
	require.Equal(t, 2.0, counterValue(t, registry, "auditrail_pending_replay_total", map[string]string{
		"region":  "eu-west",
		"outcome": ReplayOutcomeReplayed,
	}))
}

func gaugeValue(t *testing.T, registry *prometheus.Registry, name, region string) float64 {
	t.Helper()
	for _, m := range findFamily(t, registry, name).GetMetric() {
		if labelsMatch(m, map[string]string{"region": region}) {
			return m.GetGauge().GetValue()
		}
	}
	t.Fatalf("gauge %s{region=%s} not found", name, region)
	return 0
}

func counterValue(t *testing.T, registry *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	for _, m := range findFamily(t, registry, name).GetMetric() {
		if labelsMatch(m, labels) {
			return m.GetCounter().GetValue()
		}
	}
	t.Fatalf("counter %s%v not found", name, labels)
	return 0
}

func findFamily(t *testing.T, registry *prometheus.Registry, name string) *dto.MetricFamily {
	t.Helper()
	families, err := registry.Gather()
	require.NoError(t, err)
	for _, f := range families {
		if f.GetName() == name {
			return f
		}
	}
	t.Fatalf("metric family %s not found", name)
	return nil
}

func labelsMatch(m *dto.Metric, want map[string]string) bool {
	got := map[string]string{}
	for _, lp := range m.GetLabel() {
		got[lp.GetName()] = lp.GetValue()
	}
	for k, v := range want {
		if got[k] != v {
			return false
		}
	}
	return true
}
