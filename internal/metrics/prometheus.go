package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "queuecraft"

var help = map[string]string{
	JobsSubmitted:  "Jobs accepted for processing.",
	JobsRejected:   "Job submissions rejected by admission control.",
	RateLimitHits:  "Submissions refused by the rate limiter.",
	JobsStarted:    "Job attempts started by workers.",
	JobsCompleted:  "Jobs completed successfully.",
	JobsRetried:    "Failed attempts scheduled for retry.",
	JobsDeadLetter: "Jobs moved to the dead-letter queue.",
}

// Collector exposes one counter snapshot to Prometheus as
// queuecraft_<name>_total. labels are attached to every series.
type Collector struct {
	snap  map[string]int64
	descs map[string]*prometheus.Desc
}

var _ prometheus.Collector = (*Collector)(nil)

func NewCollector(snap map[string]int64, labels prometheus.Labels) *Collector {
	descs := make(map[string]*prometheus.Desc, len(Names))
	for _, n := range Names {
		descs[n] = prometheus.NewDesc(prometheus.BuildFQName(namespace, "", n+"_total"), help[n], nil, labels)
	}
	return &Collector{snap: snap, descs: descs}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, n := range Names {
		ch <- c.descs[n]
	}
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	for _, n := range Names {
		ch <- prometheus.MustNewConstMetric(c.descs[n], prometheus.CounterValue, float64(c.snap[n]))
	}
}
