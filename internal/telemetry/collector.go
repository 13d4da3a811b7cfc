// Package telemetry exposes pipeline and source counters to Prometheus and
// serves the agent's HTTP health endpoint.
package telemetry

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"monitorflux/internal/pipeline"
	"monitorflux/internal/source"
)

const namespace = "monitorflux"

// StatsFunc and SourceStatsFunc are read on every scrape.
type (
	StatsFunc       func() pipeline.Stats
	SourceStatsFunc func() []source.Stats
)

type pipelineMetric struct {
	desc  *prometheus.Desc
	kind  prometheus.ValueType
	value func(pipeline.Stats) float64
}

func newDesc(name, help string, labels ...string) *prometheus.Desc {
	return prometheus.NewDesc(prometheus.BuildFQName(namespace, "", name), help, labels, nil)
}

// Collector builds const metrics from stats snapshots at scrape time, so
// the pipeline itself carries no Prometheus state.
type Collector struct {
	stats   StatsFunc
	sources SourceStatsFunc

	scalars     []pipelineMetric
	records     *prometheus.Desc
	workerUp    *prometheus.Desc
	lastAck     *prometheus.Desc
	srcCollects *prometheus.Desc
	srcSamples  *prometheus.Desc
	srcRejected *prometheus.Desc
	srcErrors   *prometheus.Desc
}

func NewCollector(stats StatsFunc, sources SourceStatsFunc) *Collector {
	counter := func(name, help string, f func(pipeline.Stats) uint64) pipelineMetric {
		return pipelineMetric{
			desc:  newDesc(name, help),
			kind:  prometheus.CounterValue,
			value: func(s pipeline.Stats) float64 { return float64(f(s)) },
		}
	}
	gauge := func(name, help string, f func(pipeline.Stats) int) pipelineMetric {
		return pipelineMetric{
			desc:  newDesc(name, help),
			kind:  prometheus.GaugeValue,
			value: func(s pipeline.Stats) float64 { return float64(f(s)) },
		}
	}
	return &Collector{
		stats:   stats,
		sources: sources,
		scalars: []pipelineMetric{
			gauge("queue_length", "Samples waiting in the queue.", func(s pipeline.Stats) int { return s.Queue.Len }),
			gauge("queue_capacity", "Queue capacity in samples.", func(s pipeline.Stats) int { return s.Queue.Cap }),
			counter("queue_accepted_total", "Samples accepted by the queue.", func(s pipeline.Stats) uint64 { return s.Queue.Accepted }),
			counter("queue_dropped_total", "Samples evicted by the drop-oldest policy.", func(s pipeline.Stats) uint64 { return s.Queue.Dropped }),
			counter("queue_rejected_total", "Samples refused by the reject-new policy.", func(s pipeline.Stats) uint64 { return s.Queue.Rejected }),
			counter("batches_total", "Batches handed to the delivery tracker.", func(s pipeline.Stats) uint64 { return s.Batches }),
			counter("serialization_errors_total", "Batches dropped because they could not be encoded.", func(s pipeline.Stats) uint64 { return s.SerializationErrors }),
			counter("compression_errors_total", "Batches sent uncompressed after an encoder failure.", func(s pipeline.Stats) uint64 { return s.CompressionErrors }),
			counter("batch_raw_bytes_total", "Encoded batch bytes before compression.", func(s pipeline.Stats) uint64 { return s.RawBytes }),
			counter("batch_payload_bytes_total", "Payload bytes after compression.", func(s pipeline.Stats) uint64 { return s.CompressedBytes }),
			counter("envelopes_sent_total", "Envelope writes that reached the transport.", func(s pipeline.Stats) uint64 { return s.Sent }),
			counter("send_errors_total", "Envelope writes that failed.", func(s pipeline.Stats) uint64 { return s.SendErrors }),
			counter("samples_discarded_total", "Samples left in the queue when the drain deadline passed.", func(s pipeline.Stats) uint64 { return s.Discarded }),
			counter("delivery_acks_total", "Envelopes acknowledged by the collector.", func(s pipeline.Stats) uint64 { return s.Delivery.Acks }),
			counter("delivery_duplicate_acks_total", "Acknowledgments for already acknowledged envelopes.", func(s pipeline.Stats) uint64 { return s.Delivery.DuplicateAcks }),
			counter("delivery_retries_total", "Envelope resubmissions.", func(s pipeline.Stats) uint64 { return s.Delivery.Retries }),
			counter("delivery_dropped_total", "Envelopes dropped after exhausting retries.", func(s pipeline.Stats) uint64 { return s.Delivery.Dropped }),
			counter("delivery_abandoned_total", "In-flight envelopes abandoned at shutdown.", func(s pipeline.Stats) uint64 { return s.Delivery.Abandoned }),
		},
		records:     newDesc("delivery_records", "Tracked envelopes by state.", "state"),
		workerUp:    newDesc("transport_connected", "1 when the worker holds a live connection.", "worker", "state"),
		lastAck:     newDesc("last_ack_timestamp_seconds", "Unix time of the latest acknowledgment."),
		srcCollects: newDesc("source_collections_total", "Collection rounds per source.", "source"),
		srcSamples:  newDesc("source_samples_total", "Samples ingested per source.", "source"),
		srcRejected: newDesc("source_rejected_total", "Samples the queue refused per source.", "source"),
		srcErrors:   newDesc("source_errors_total", "Failed or partial collection rounds per source.", "source"),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, m := range c.scalars {
		ch <- m.desc
	}
	ch <- c.records
	ch <- c.workerUp
	ch <- c.lastAck
	ch <- c.srcCollects
	ch <- c.srcSamples
	ch <- c.srcRejected
	ch <- c.srcErrors
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	s := c.stats()
	for _, m := range c.scalars {
		ch <- prometheus.MustNewConstMetric(m.desc, m.kind, m.value(s))
	}
	ch <- prometheus.MustNewConstMetric(c.records, prometheus.GaugeValue, float64(s.Delivery.Pending), "pending")
	ch <- prometheus.MustNewConstMetric(c.records, prometheus.GaugeValue, float64(s.Delivery.InFlight), "in_flight")
	ch <- prometheus.MustNewConstMetric(c.records, prometheus.GaugeValue, float64(s.Delivery.Acknowledged), "acknowledged")
	for _, w := range s.Workers {
		up := 0.0
		if w.ConnID != 0 {
			up = 1
		}
		ch <- prometheus.MustNewConstMetric(c.workerUp, prometheus.GaugeValue, up, strconv.Itoa(w.ID), w.State)
	}
	if !s.LastAck.IsZero() {
		ch <- prometheus.MustNewConstMetric(c.lastAck, prometheus.GaugeValue, float64(s.LastAck.UnixNano())/1e9)
	}

	if c.sources == nil {
		return
	}
	for _, src := range c.sources() {
		ch <- prometheus.MustNewConstMetric(c.srcCollects, prometheus.CounterValue, float64(src.Collections), src.Name)
		ch <- prometheus.MustNewConstMetric(c.srcSamples, prometheus.CounterValue, float64(src.Samples), src.Name)
		ch <- prometheus.MustNewConstMetric(c.srcRejected, prometheus.CounterValue, float64(src.Rejected), src.Name)
		ch <- prometheus.MustNewConstMetric(c.srcErrors, prometheus.CounterValue, float64(src.Errors), src.Name)
	}
}

// NewRegistry returns a registry holding only c. The default registry is
// avoided so Go runtime metrics stay out of the exposition.
func NewRegistry(c *Collector) *prometheus.Registry {
	registry := prometheus.NewRegistry()
	registry.MustRegister(c)
	return registry
}
