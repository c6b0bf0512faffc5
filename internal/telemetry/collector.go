// Package telemetry exposes the daemon's status model as Prometheus
// metrics.
package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"ghostwall/internal/detect"
	"ghostwall/internal/ledger"
	"ghostwall/internal/policy"
	"ghostwall/internal/publish"
	"ghostwall/internal/queue"
	"ghostwall/internal/recorder"
	"ghostwall/internal/redirector"
	"ghostwall/internal/scoring"
)

const namespace = "ghostwall"

// Snapshot is a point-in-time view of every component's counters. Nil
// pointers and empty maps mark components that are not running.
type Snapshot struct {
	Score       scoring.Status                `json:"score"`
	Policy      policy.Stats                  `json:"policy"`
	Detectors   detect.Stats                  `json:"detectors"`
	Queues      map[string]queue.QueueMetrics `json:"queues"`
	InputErrors map[string]uint64             `json:"input_errors"`
	BlockList   int                           `json:"blocklist_size"`
	Ledger      ledger.Metrics                `json:"ledger"`
	Recorder    recorder.Metrics              `json:"recorder"`
	TopIPs      []policy.Offender             `json:"top_ips"`
	Redirectors map[string]redirector.Metrics `json:"redirectors,omitempty"`
	Publish     *publish.Metrics              `json:"publish,omitempty"`
}

// Collector is a prometheus.Collector reading a fresh Snapshot on every
// scrape.
type Collector struct {
	snapshot func() Snapshot

	score             *prometheus.Desc
	level             *prometheus.Desc
	metricValue       *prometheus.Desc
	metricContrib     *prometheus.Desc
	eventsIngested    *prometheus.Desc
	queueDepth        *prometheus.Desc
	queueDropped      *prometheus.Desc
	detectorEvents    *prometheus.Desc
	detectorPanics    *prometheus.Desc
	cooldownSuppress  *prometheus.Desc
	inputErrors       *prometheus.Desc
	policyActions     *prometheus.Desc
	policyApplied     *prometheus.Desc
	policyFailures    *prometheus.Desc
	policyEscalations *prometheus.Desc
	policyExpired     *prometheus.Desc
	moduleFindings    *prometheus.Desc
	rateLimits        *prometheus.Desc
	firewallUp        *prometheus.Desc
	blockListSize     *prometheus.Desc
	ledgerWritten     *prometheus.Desc
	ledgerErrors      *prometheus.Desc
	recorderRejected  *prometheus.Desc
	recorderRecorded  *prometheus.Desc
	redirConns        *prometheus.Desc
	redirActive       *prometheus.Desc
	redirBytes        *prometheus.Desc
	publishMessages   *prometheus.Desc
}

func desc(name, help string, labels ...string) *prometheus.Desc {
	return prometheus.NewDesc(prometheus.BuildFQName(namespace, "", name), help, labels, nil)
}

// NewCollector creates a collector over snapshot.
func NewCollector(snapshot func() Snapshot) *Collector {
	return &Collector{
		snapshot:          snapshot,
		score:             desc("threat_score", "Current threat score (0-100)"),
		level:             desc("threat_level", "Current threat level, 1 for the active band", "level"),
		metricValue:       desc("metric_value", "Windowed value of a scoring metric", "metric"),
		metricContrib:     desc("metric_contribution", "Weighted contribution of a scoring metric", "metric"),
		eventsIngested:    desc("events_ingested_total", "Events ingested by the scoring engine"),
		queueDepth:        desc("queue_depth", "Events waiting in a subscriber queue", "subscriber"),
		queueDropped:      desc("queue_dropped_total", "Events dropped because a subscriber queue was full", "subscriber"),
		detectorEvents:    desc("detector_events_total", "Events emitted per detector", "detector"),
		detectorPanics:    desc("detector_panics_total", "Recovered detector panics"),
		cooldownSuppress:  desc("cooldown_suppressed_total", "Detector alerts suppressed by the cooldown gate"),
		inputErrors:       desc("input_errors_total", "Malformed input lines or packets per source", "source"),
		policyActions:     desc("policy_actions_total", "Defense actions recorded"),
		policyApplied:     desc("policy_applied_total", "Defense actions applied to the firewall"),
		policyFailures:    desc("policy_enforce_failures_total", "Firewall enforcement failures"),
		policyEscalations: desc("policy_escalations_total", "Level transitions handled"),
		policyExpired:     desc("policy_expired_total", "Block entries expired by the sweeper"),
		moduleFindings:    desc("policy_module_findings_total", "Findings per defense module", "module", "outcome"),
		rateLimits:        desc("policy_rate_limits", "Active per-address rate limit hints"),
		firewallUp:        desc("firewall_available", "1 when the firewall backend answers", "backend"),
		blockListSize:     desc("blocklist_size", "Addresses on the block list"),
		ledgerWritten:     desc("ledger_written_total", "Actions written to the ledger"),
		ledgerErrors:      desc("ledger_errors_total", "Ledger write errors"),
		recorderRejected:  desc("recorder_rejected_total", "Events rejected by validation"),
		recorderRecorded:  desc("recorder_recorded_total", "Events written to the store"),
		redirConns:        desc("redirector_connections_total", "Redirector connections by route", "redirector", "route"),
		redirActive:       desc("redirector_active_connections", "Connections currently proxied", "redirector"),
		redirBytes:        desc("redirector_bytes_total", "Bytes proxied by direction", "redirector", "direction"),
		publishMessages:   desc("publish_messages_total", "Messages handled by the publishers", "outcome"),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		c.score, c.level, c.metricValue, c.metricContrib, c.eventsIngested,
		c.queueDepth, c.queueDropped, c.detectorEvents, c.detectorPanics,
		c.cooldownSuppress, c.inputErrors, c.policyActions, c.policyApplied,
		c.policyFailures, c.policyEscalations, c.policyExpired, c.moduleFindings,
		c.rateLimits, c.firewallUp, c.blockListSize, c.ledgerWritten, c.ledgerErrors,
		c.recorderRejected, c.recorderRecorded, c.redirConns, c.redirActive,
		c.redirBytes, c.publishMessages,
	} {
		ch <- d
	}
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	s := c.snapshot()
	gauge := func(d *prometheus.Desc, v float64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, v, labels...)
	}
	counter := func(d *prometheus.Desc, v uint64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v), labels...)
	}

	gauge(c.score, s.Score.Score)
	for _, l := range []scoring.Level{scoring.LevelGreen, scoring.LevelYellow, scoring.LevelOrange, scoring.LevelRed} {
		v := 0.0
		if s.Score.Level == l {
			v = 1
		}
		gauge(c.level, v, string(l))
	}
	for _, m := range s.Score.Metrics {
		gauge(c.metricValue, m.Value, string(m.Name))
		gauge(c.metricContrib, m.Contribution, string(m.Name))
	}
	counter(c.eventsIngested, s.Score.Ingested)

	for name, q := range s.Queues {
		gauge(c.queueDepth, float64(q.Depth), name)
		counter(c.queueDropped, q.Dropped, name)
	}

	for name, n := range s.Detectors.Emitted {
		counter(c.detectorEvents, n, name)
	}
	counter(c.detectorPanics, s.Detectors.Panics)
	counter(c.cooldownSuppress, s.Detectors.Cooldown.Suppressed)
	for source, n := range s.InputErrors {
		counter(c.inputErrors, n, source)
	}

	counter(c.policyActions, s.Policy.Actions)
	counter(c.policyApplied, s.Policy.Applied)
	counter(c.policyFailures, s.Policy.EnforceFailures)
	counter(c.policyEscalations, s.Policy.Escalations)
	counter(c.policyExpired, s.Policy.Expired)
	for name, m := range s.Policy.Modules {
		counter(c.moduleFindings, m.Findings, name, "emitted")
		counter(c.moduleFindings, m.Suppressed, name, "suppressed")
	}
	gauge(c.rateLimits, float64(s.Policy.RateLimits))
	up := 0.0
	if s.Policy.FirewallAvailable {
		up = 1
	}
	gauge(c.firewallUp, up, s.Policy.Firewall)
	gauge(c.blockListSize, float64(s.BlockList))

	counter(c.ledgerWritten, s.Ledger.Written)
	counter(c.ledgerErrors, s.Ledger.Errors)
	counter(c.recorderRejected, s.Recorder.Rejected)
	counter(c.recorderRecorded, s.Recorder.Recorded)

	for name, r := range s.Redirectors {
		counter(c.redirConns, r.Backend, name, "backend")
		counter(c.redirConns, r.Decoy, name, "decoy")
		counter(c.redirConns, r.Refused, name, "refused")
		counter(c.redirConns, r.FailedBackend, name, "failed_backend")
		counter(c.redirConns, r.Overflow, name, "overflow")
		gauge(c.redirActive, float64(r.Active), name)
		counter(c.redirBytes, r.BytesIn, name, "in")
		counter(c.redirBytes, r.BytesOut, name, "out")
	}
	if p := s.Publish; p != nil {
		counter(c.publishMessages, uint64(p.Sent), "sent")
		counter(c.publishMessages, uint64(p.Failed), "failed")
		counter(c.publishMessages, uint64(p.Dropped), "dropped")
	}
}

// NewRegistry registers c alongside the Go runtime and process collectors.
func NewRegistry(c *Collector) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		c,
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
		collectors.NewBuildInfoCollector(),
	)
	return reg
}

// Handler serves reg in the Prometheus exposition format.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
