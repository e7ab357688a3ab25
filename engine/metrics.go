package engine

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics is a prometheus collector over the engine's lock-free counters.
// Scrapes read the worker's atomics directly; the audio thread is never
// involved.
type Metrics struct {
	engine *Engine

	blocks        *prometheus.Desc
	diffsApplied  *prometheus.Desc
	eventsDropped *prometheus.Desc
	faults        *prometheus.Desc
	queueDepth    *prometheus.Desc
}

// NewMetrics builds a collector for e. Register it with a prometheus
// registry to expose the engine's runtime counters.
func NewMetrics(e *Engine) *Metrics {
	return &Metrics{
		engine: e,
		blocks: prometheus.NewDesc(
			"corodaw_audio_blocks_total",
			"Number of audio blocks processed",
			nil, nil),
		diffsApplied: prometheus.NewDesc(
			"corodaw_topology_diffs_applied_total",
			"Number of topology diffs applied by the audio worker",
			nil, nil),
		eventsDropped: prometheus.NewDesc(
			"corodaw_midi_events_dropped_total",
			"Number of inbound MIDI events dropped",
			nil, nil),
		faults: prometheus.NewDesc(
			"corodaw_node_faults_total",
			"Number of node fault latches",
			nil, nil),
		queueDepth: prometheus.NewDesc(
			"corodaw_diff_queue_depth",
			"Topology diffs currently queued toward the audio worker",
			nil, nil),
	}
}

// Describe implements prometheus.Collector.
func (m *Metrics) Describe(ch chan<- *prometheus.Desc) {
	ch <- m.blocks
	ch <- m.diffsApplied
	ch <- m.eventsDropped
	ch <- m.faults
	ch <- m.queueDepth
}

// Collect implements prometheus.Collector.
func (m *Metrics) Collect(ch chan<- prometheus.Metric) {
	w := m.engine.worker
	ch <- prometheus.MustNewConstMetric(m.blocks, prometheus.CounterValue, float64(w.Blocks()))
	ch <- prometheus.MustNewConstMetric(m.diffsApplied, prometheus.CounterValue, float64(w.DiffsApplied()))
	ch <- prometheus.MustNewConstMetric(m.eventsDropped, prometheus.CounterValue, float64(w.EventsDropped()))
	ch <- prometheus.MustNewConstMetric(m.faults, prometheus.CounterValue, float64(w.Faults().Total()))
	ch <- prometheus.MustNewConstMetric(m.queueDepth, prometheus.GaugeValue, float64(m.engine.diffs.Len()))
}
