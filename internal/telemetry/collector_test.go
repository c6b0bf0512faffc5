package telemetry

import (
	"io"
	"net/http/httptest"
	"testing"

	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ghostwall/internal/detect"
	"ghostwall/internal/policy"
	"ghostwall/internal/queue"
	"ghostwall/internal/redirector"
	"ghostwall/internal/scoring"
)

func sampleSnapshot() Snapshot {
	return Snapshot{
		Score: scoring.Status{
			Score: 62.5,
			Level: scoring.LevelOrange,
			Metrics: []scoring.MetricStatus{
				{Name: "fail_rate", Value: 12, Contribution: 16},
			},
			Ingested: 40,
		},
		Policy: policy.Stats{
			Firewall:          "nftables",
			FirewallAvailable: true,
			Actions:           7,
			Applied:           3,
			Modules:           map[string]policy.ModuleStats{"ssh": {Findings: 5, Suppressed: 2}},
		},
		Detectors: detect.Stats{Emitted: map[string]uint64{"brute": 4}},
		Queues: map[string]queue.QueueMetrics{
			"scoring": {Depth: 3, Dropped: 1},
		},
		InputErrors: map[string]uint64{"cowrie": 2},
		BlockList:   4,
		Redirectors: map[string]redirector.Metrics{
			"ssh":    {Decoy: 9, Backend: 1, Active: 2, BytesIn: 100},
			"telnet": {Decoy: 4},
		},
	}
}

func gather(t *testing.T, c *Collector) map[string]*dto.MetricFamily {
	t.Helper()
	reg := NewRegistry(c)
	families, err := reg.Gather()
	require.NoError(t, err)
	out := make(map[string]*dto.MetricFamily, len(families))
	for _, f := range families {
		out[f.GetName()] = f
	}
	return out
}

func value(f *dto.MetricFamily, labels map[string]string) (float64, bool) {
	for _, m := range f.GetMetric() {
		match := true
		for _, lp := range m.GetLabel() {
			if want, ok := labels[lp.GetName()]; ok && want != lp.GetValue() {
				match = false
			}
		}
		if !match {
			continue
		}
		if g := m.GetGauge(); g != nil {
			return g.GetValue(), true
		}
		if c := m.GetCounter(); c != nil {
			return c.GetValue(), true
		}
	}
	return 0, false
}

func TestCollectorExportsSnapshot(t *testing.T) {
	families := gather(t, NewCollector(sampleSnapshot))

	tests := []struct {
		name   string
		labels map[string]string
		want   float64
	}{
		{"ghostwall_threat_score", nil, 62.5},
		{"ghostwall_threat_level", map[string]string{"level": "ORANGE"}, 1},
		{"ghostwall_threat_level", map[string]string{"level": "RED"}, 0},
		{"ghostwall_metric_contribution", map[string]string{"metric": "fail_rate"}, 16},
		{"ghostwall_events_ingested_total", nil, 40},
		{"ghostwall_queue_depth", map[string]string{"subscriber": "scoring"}, 3},
		{"ghostwall_detector_events_total", map[string]string{"detector": "brute"}, 4},
		{"ghostwall_input_errors_total", map[string]string{"source": "cowrie"}, 2},
		{"ghostwall_policy_module_findings_total", map[string]string{"module": "ssh", "outcome": "suppressed"}, 2},
		{"ghostwall_blocklist_size", nil, 4},
		{"ghostwall_firewall_available", map[string]string{"backend": "nftables"}, 1},
		{"ghostwall_redirector_connections_total", map[string]string{"redirector": "ssh", "route": "decoy"}, 9},
		{"ghostwall_redirector_connections_total", map[string]string{"redirector": "telnet", "route": "decoy"}, 4},
		{"ghostwall_redirector_bytes_total", map[string]string{"redirector": "ssh", "direction": "in"}, 100},
	}
	for _, tt := range tests {
		f, ok := families[tt.name]
		require.True(t, ok, "missing family %s", tt.name)
		got, ok := value(f, tt.labels)
		require.True(t, ok, "no sample for %s %v", tt.name, tt.labels)
		assert.Equal(t, tt.want, got, tt.name)
	}

	_, ok := families["ghostwall_publish_messages_total"]
	assert.False(t, ok, "publisher metrics are omitted when publishing is off")
}

func TestHandlerServesExposition(t *testing.T) {
	h := Handler(NewRegistry(NewCollector(sampleSnapshot)))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, _ := io.ReadAll(rec.Body)
	assert.Equal(t, 200, rec.Code)
	assert.Contains(t, string(body), "ghostwall_threat_score 62.5")
	assert.Contains(t, string(body), "go_goroutines")
}
