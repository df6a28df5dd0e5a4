package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/snarg/diarize-engine/internal/diarize"
	"github.com/snarg/diarize-engine/internal/jobs"
)

// JobSource provides job counts at scrape time.
type JobSource interface {
	Stats() jobs.Stats
}

// PoolSource provides diarization pool state at scrape time.
type PoolSource interface {
	Stats() diarize.QueueStats
}

// Collector implements prometheus.Collector to read live gauges at scrape time.
type Collector struct {
	jobs JobSource
	pool PoolSource

	jobsByStatus      *prometheus.Desc
	diarizePending    *prometheus.Desc
	diarizeActive     *prometheus.Desc
	sseSubscribers    *prometheus.Desc
	sseSubscriberFunc func() int
}

// NewCollector creates a collector that reads live state at scrape time.
// Any source may be nil; its gauges then report 0.
func NewCollector(js JobSource, ps PoolSource, sseSubscribers func() int) *Collector {
	return &Collector{
		jobs:              js,
		pool:              ps,
		sseSubscriberFunc: sseSubscribers,
		jobsByStatus: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "jobs"),
			"Jobs currently held in the registry, by status.",
			[]string{"status"}, nil,
		),
		diarizePending: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "diarize_pool", "pending"),
			"Diarization requests waiting for a worker.",
			nil, nil,
		),
		diarizeActive: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "diarize_pool", "active"),
			"Diarization requests currently running.",
			nil, nil,
		),
		sseSubscribers: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "sse_subscribers_active"),
			"Current number of SSE subscribers.",
			nil, nil,
		),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.jobsByStatus
	ch <- c.diarizePending
	ch <- c.diarizeActive
	ch <- c.sseSubscribers
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	var js jobs.Stats
	if c.jobs != nil {
		js = c.jobs.Stats()
	}
	ch <- prometheus.MustNewConstMetric(c.jobsByStatus, prometheus.GaugeValue, float64(js.Uploaded), string(jobs.StatusUploaded))
	ch <- prometheus.MustNewConstMetric(c.jobsByStatus, prometheus.GaugeValue, float64(js.Processing), string(jobs.StatusProcessing))
	ch <- prometheus.MustNewConstMetric(c.jobsByStatus, prometheus.GaugeValue, float64(js.Completed), string(jobs.StatusCompleted))
	ch <- prometheus.MustNewConstMetric(c.jobsByStatus, prometheus.GaugeValue, float64(js.Failed), string(jobs.StatusFailed))

	var ps diarize.QueueStats
	if c.pool != nil {
		ps = c.pool.Stats()
	}
	ch <- prometheus.MustNewConstMetric(c.diarizePending, prometheus.GaugeValue, float64(ps.Pending))
	ch <- prometheus.MustNewConstMetric(c.diarizeActive, prometheus.GaugeValue, float64(ps.Active))

	subs := 0
	if c.sseSubscriberFunc != nil {
		subs = c.sseSubscriberFunc()
	}
	ch <- prometheus.MustNewConstMetric(c.sseSubscribers, prometheus.GaugeValue, float64(subs))
}
