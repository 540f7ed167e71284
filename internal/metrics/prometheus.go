package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector implements Recorder with Prometheus.
type Collector struct {
	registry        *prometheus.Registry
	tilesFetched    *prometheus.CounterVec
	bytesDownloaded prometheus.Counter
	fetchDuration   prometheus.Histogram
	batchesFinished *prometheus.CounterVec
	cacheUsage      prometheus.Gauge
	activeWorkers   prometheus.Gauge
}

// NewCollector registers the tile cache metrics on a fresh registry.
func NewCollector(namespace string) *Collector {
	if namespace == "" {
		namespace = "tripcache"
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Collector{
		registry: reg,

		tilesFetched: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tiles_fetched_total",
				Help:      "Total number of tile fetches by result",
			},
			[]string{"result"},
		),

		bytesDownloaded: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "downloaded_bytes_total",
				Help:      "Total bytes of tiles stored in the cache",
			},
		),

		fetchDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "tile_fetch_duration_seconds",
				Help:      "Tile fetch duration in seconds, retries included",
				Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
			},
		),

		batchesFinished: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "batches_finished_total",
				Help:      "Total number of finished download batches by outcome",
			},
			[]string{"outcome"},
		),

		cacheUsage: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "cache_usage_percent",
				Help:      "Cache usage as a percentage of the configured maximum",
			},
		),

		activeWorkers: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_workers",
				Help:      "Number of tile workers currently downloading",
			},
		),
	}
}

func (c *Collector) IncTilesFetched(result string) {
	c.tilesFetched.WithLabelValues(result).Inc()
}

func (c *Collector) AddBytesDownloaded(n int64) {
	if n > 0 {
		c.bytesDownloaded.Add(float64(n))
	}
}

func (c *Collector) ObserveFetchDuration(d time.Duration) {
	c.fetchDuration.Observe(d.Seconds())
}

func (c *Collector) IncBatchesFinished(outcome string) {
	c.batchesFinished.WithLabelValues(outcome).Inc()
}

func (c *Collector) SetCacheUsagePercent(percent float64) {
	c.cacheUsage.Set(percent)
}

func (c *Collector) AddActiveWorkers(delta int) {
	c.activeWorkers.Add(float64(delta))
}

// Registry exposes the underlying registry.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the collector's registry in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
