package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ppd-epc-link/internal/normalize"
)

const namespace = "linkage"

// Recorder reports linkage outcomes to Prometheus. A Recorder created with
// a nil registerer drops everything.
type Recorder struct {
	links              *prometheus.CounterVec
	linkedTransactions *prometheus.CounterVec
	rejected           *prometheus.CounterVec
	pending            *prometheus.CounterVec
	partitions         *prometheus.CounterVec
	partitionDuration  prometheus.Histogram
}

// New registers the linkage metrics with reg
func New(reg prometheus.Registerer) *Recorder {
	if reg == nil {
		return &Recorder{}
	}

	r := &Recorder{
		links: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "links_total",
			Help:      "Links produced, by stage and rule.",
		}, []string{"stage", "rule"}),
		linkedTransactions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transactions_linked_total",
			Help:      "Distinct transactions linked, by stage.",
		}, []string{"stage"}),
		rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rejected_records_total",
			Help:      "Input records excluded before linking, by side.",
		}, []string{"side"}),
		pending: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "unlinked_pending_total",
			Help:      "Transactions that reached a stage without rules.",
		}, []string{"stage"}),
		partitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "partitions_total",
			Help:      "Partitions processed, by status.",
		}, []string{"status"}),
		partitionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "partition_duration_seconds",
			Help:      "Time to fetch, link and persist one partition.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}),
	}

	reg.MustRegister(r.links, r.linkedTransactions, r.rejected, r.pending, r.partitions, r.partitionDuration)
	return r
}

// ObserveRule records one rule execution
func (r *Recorder) ObserveRule(stage string, rule int, links, transactions int) {
	if r.links == nil {
		return
	}
	r.links.WithLabelValues(stage, strconv.Itoa(rule)).Add(float64(links))
	r.linkedTransactions.WithLabelValues(stage).Add(float64(transactions))
}

// ObserveRejected records excluded input records
func (r *Recorder) ObserveRejected(side normalize.Side, n int) {
	if r.rejected == nil {
		return
	}
	r.rejected.WithLabelValues(string(side)).Add(float64(n))
}

// ObservePending records transactions left at a pending stage
func (r *Recorder) ObservePending(stage string, n int) {
	if r.pending == nil {
		return
	}
	r.pending.WithLabelValues(stage).Add(float64(n))
}

// ObservePartition records a finished partition
func (r *Recorder) ObservePartition(status string, d time.Duration) {
	if r.partitions == nil {
		return
	}
	r.partitions.WithLabelValues(status).Inc()
	r.partitionDuration.Observe(d.Seconds())
}
