// Package metrics exposes the controller's Prometheus instrumentation:
// node/partition/job state gauges, raft health, scheduler and rollup
// latency, credential issuance/replay counters, and dispatcher throughput.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	NodesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "warrenctld_nodes_total",
			Help: "Total number of nodes by state",
		},
		[]string{"state"},
	)

	PartitionsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "warrenctld_partitions_total",
			Help: "Total number of partitions",
		},
	)

	JobsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "warrenctld_jobs_total",
			Help: "Total number of jobs by state",
		},
		[]string{"state"},
	)

	RaftLeader = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "warrenctld_raft_is_leader",
			Help: "Whether this node is the Raft leader (1 = leader, 0 = follower)",
		},
	)

	RaftPeers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "warrenctld_raft_peers_total",
			Help: "Total number of Raft peers in the cluster",
		},
	)

	RaftLogIndex = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "warrenctld_raft_log_index",
			Help: "Current Raft log index",
		},
	)

	RaftAppliedIndex = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "warrenctld_raft_applied_index",
			Help: "Last applied Raft log index",
		},
	)

	RaftApplyDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "warrenctld_raft_apply_duration_seconds",
			Help:    "Time taken to apply a Raft log entry in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	DispatchRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "warrenctld_dispatch_requests_total",
			Help: "Total number of RPC requests by message type and response code",
		},
		[]string{"msg_type", "rc"},
	)

	DispatchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "warrenctld_dispatch_duration_seconds",
			Help:    "RPC handler wall-time in seconds by message type",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"msg_type"},
	)

	RateLimitTripsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "warrenctld_rate_limit_trips_total",
			Help: "Total number of requests rejected with COMMUNICATIONS_BACKOFF",
		},
	)

	SchedulingLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "warrenctld_scheduling_latency_seconds",
			Help:    "Time taken per scheduler cycle in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	JobsScheduled = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "warrenctld_jobs_scheduled_total",
			Help: "Total number of jobs transitioned to RUNNING",
		},
	)

	JobsFailed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "warrenctld_jobs_failed_total",
			Help: "Total number of jobs that completed in a failed state",
		},
	)

	RollupDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "warrenctld_rollup_duration_seconds",
			Help:    "Time taken for a usage rollup pass in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"period"},
	)

	RollupCyclesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "warrenctld_rollup_cycles_total",
			Help: "Total number of rollup cycles completed by period",
		},
		[]string{"period"},
	)

	CredentialsIssuedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "warrenctld_credentials_issued_total",
			Help: "Total number of credentials issued by flavor",
		},
		[]string{"flavor"},
	)

	CredentialReplaysTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "warrenctld_credential_replays_total",
			Help: "Total number of rejected credential replays by flavor",
		},
		[]string{"flavor"},
	)
)

func init() {
	prometheus.MustRegister(NodesTotal)
	prometheus.MustRegister(PartitionsTotal)
	prometheus.MustRegister(JobsTotal)
	prometheus.MustRegister(RaftLeader)
	prometheus.MustRegister(RaftPeers)
	prometheus.MustRegister(RaftLogIndex)
	prometheus.MustRegister(RaftAppliedIndex)
	prometheus.MustRegister(RaftApplyDuration)
	prometheus.MustRegister(DispatchRequestsTotal)
	prometheus.MustRegister(DispatchDuration)
	prometheus.MustRegister(RateLimitTripsTotal)
	prometheus.MustRegister(SchedulingLatency)
	prometheus.MustRegister(JobsScheduled)
	prometheus.MustRegister(JobsFailed)
	prometheus.MustRegister(RollupDuration)
	prometheus.MustRegister(RollupCyclesTotal)
	prometheus.MustRegister(CredentialsIssuedTotal)
	prometheus.MustRegister(CredentialReplaysTotal)
}

// Handler returns the Prometheus scrape HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations against a histogram.
type Timer struct {
	start time.Time
}

func NewTimer() *Timer { return &Timer{start: time.Now()} }

func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
