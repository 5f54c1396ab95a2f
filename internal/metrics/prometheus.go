package metrics

import (
	"context"
	"log"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/weftdb/weft/internal/storage"
)

// StatsFunc reports engine totals for the gauge side of the collector.
type StatsFunc func(ctx context.Context) (storage.EngineStats, error)

var (
	descOpTotal = prometheus.NewDesc("weft_op_total",
		"Operations executed, by operation name.", []string{"op"}, nil)
	descOpErrors = prometheus.NewDesc("weft_op_errors_total",
		"Operations that returned an error, by operation name.", []string{"op"}, nil)
	descOpLatency = prometheus.NewDesc("weft_op_latency_ms_total",
		"Summed operation latency in milliseconds, by operation name.", []string{"op"}, nil)
	descEntries = prometheus.NewDesc("weft_entries",
		"Live entries in the key-value store.", nil, nil)
	descQueuePending = prometheus.NewDesc("weft_queue_pending",
		"Queue messages waiting for delivery.", nil, nil)
	descQueueProcessing = prometheus.NewDesc("weft_queue_processing",
		"Queue messages currently leased.", nil, nil)
	descQueueDLQ = prometheus.NewDesc("weft_queue_dlq",
		"Messages in the dead-letter queue.", nil, nil)
	descFTSIndexes = prometheus.NewDesc("weft_fts_indexes",
		"Registered full-text indexes.", nil, nil)
)

// Collector adapts a Sink (and optional engine stats) to the Prometheus
// scrape model. Register it with a prometheus.Registerer and serve
// promhttp.
type Collector struct {
	sink  *Sink
	stats StatsFunc
}

// NewCollector wraps sink. stats may be nil to skip the engine gauges.
func NewCollector(sink *Sink, stats StatsFunc) *Collector {
	return &Collector{sink: sink, stats: stats}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- descOpTotal
	ch <- descOpErrors
	ch <- descOpLatency
	ch <- descEntries
	ch <- descQueuePending
	ch <- descQueueProcessing
	ch <- descQueueDLQ
	ch <- descFTSIndexes
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	for op, st := range c.sink.Snapshot() {
		ch <- prometheus.MustNewConstMetric(descOpTotal, prometheus.CounterValue, float64(st.Count), op)
		ch <- prometheus.MustNewConstMetric(descOpErrors, prometheus.CounterValue, float64(st.Errors), op)
		ch <- prometheus.MustNewConstMetric(descOpLatency, prometheus.CounterValue, float64(st.TotalLatencyMs), op)
	}
	if c.stats == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	es, err := c.stats(ctx)
	if err != nil {
		log.Printf("metrics: stats scrape failed: %v", err)
		return
	}
	ch <- prometheus.MustNewConstMetric(descEntries, prometheus.GaugeValue, float64(es.Entries))
	ch <- prometheus.MustNewConstMetric(descQueuePending, prometheus.GaugeValue, float64(es.Queue.Pending))
	ch <- prometheus.MustNewConstMetric(descQueueProcessing, prometheus.GaugeValue, float64(es.Queue.Processing))
	ch <- prometheus.MustNewConstMetric(descQueueDLQ, prometheus.GaugeValue, float64(es.Queue.DLQ))
	ch <- prometheus.MustNewConstMetric(descFTSIndexes, prometheus.GaugeValue, float64(es.FTSIndexes))
}
