package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Fleet metrics
	NodesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "strato_nodes_total",
			Help: "Total number of nodes by status",
		},
		[]string{"status"},
	)

	VMsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "strato_vms_total",
			Help: "Total number of VMs by status",
		},
		[]string{"status"},
	)

	BillingPausedVMs = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "strato_billing_paused_vms",
			Help: "Number of VMs with billing paused",
		},
	)

	// Command bus metrics
	PendingCommands = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "strato_pending_commands",
			Help: "Commands awaiting a terminal signal",
		},
	)

	CommandsIssuedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "strato_commands_issued_total",
			Help: "Total number of commands issued to nodes",
		},
	)

	CommandTerminalTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "strato_command_terminal_total",
			Help: "Terminal command outcomes by result (ok, fail, timeout)",
		},
		[]string{"result"},
	)

	// Scheduler metrics
	SchedulingLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "strato_scheduling_latency_seconds",
			Help:    "Time taken to place a VM in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	SchedulingAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "strato_scheduling_attempts_total",
			Help: "Scheduling attempts by outcome (placed, no_capacity)",
		},
		[]string{"outcome"},
	)

	// Attestation metrics
	AttestationChallengesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "strato_attestation_challenges_total",
			Help: "Attestation challenge outcomes (success, failure)",
		},
		[]string{"outcome"},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "strato_api_requests_total",
			Help: "Total number of API requests by method and status",
		},
		[]string{"method", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "strato_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)
)

func init() {
	prometheus.MustRegister(NodesTotal)
	prometheus.MustRegister(VMsTotal)
	prometheus.MustRegister(BillingPausedVMs)
	prometheus.MustRegister(PendingCommands)
	prometheus.MustRegister(CommandsIssuedTotal)
	prometheus.MustRegister(CommandTerminalTotal)
	prometheus.MustRegister(SchedulingLatency)
	prometheus.MustRegister(SchedulingAttemptsTotal)
	prometheus.MustRegister(AttestationChallengesTotal)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer measures a duration and reports it into a histogram
type Timer struct {
	start time.Time
}

// NewTimer starts a timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed time into the histogram
func (t *Timer) ObserveDuration(h prometheus.Histogram) {
	h.Observe(time.Since(t.start).Seconds())
}
