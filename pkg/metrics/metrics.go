package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Reconciliation loop metrics
	ReconcileTicksTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "bosun_reconcile_ticks_total",
			Help: "Total number of reconciliation ticks",
		},
	)

	ReconcileDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "bosun_reconcile_duration_seconds",
			Help:    "Reconciliation tick duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	ReconcileErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bosun_reconcile_errors_total",
			Help: "Total number of per-job reconciliation errors by kind",
		},
		[]string{"kind"},
	)

	// Execution ledger metrics
	ExecutionsCommitted = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "bosun_executions",
			Help: "Number of committed executions by this agent",
		},
	)

	ExecutionsReaped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "bosun_executions_reaped_total",
			Help: "Total number of executions reaped after undeploy",
		},
	)

	// Supervisor metrics
	SupervisorsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "bosun_supervisors",
			Help: "Number of live container supervisors",
		},
	)

	SupervisorsCreated = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "bosun_supervisors_created_total",
			Help: "Total number of supervisors created",
		},
	)

	SupervisorsClosed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "bosun_supervisors_closed_total",
			Help: "Total number of supervisors closed",
		},
	)

	// Port allocation metrics
	PortConflicts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "bosun_port_conflicts_total",
			Help: "Total number of failed port allocations",
		},
	)

	// Desired state metrics
	DesiredJobs = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "bosun_desired_jobs",
			Help: "Number of jobs in the desired deployment table",
		},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(ReconcileTicksTotal)
	prometheus.MustRegister(ReconcileDuration)
	prometheus.MustRegister(ReconcileErrors)
	prometheus.MustRegister(ExecutionsCommitted)
	prometheus.MustRegister(ExecutionsReaped)
	prometheus.MustRegister(SupervisorsActive)
	prometheus.MustRegister(SupervisorsCreated)
	prometheus.MustRegister(SupervisorsClosed)
	prometheus.MustRegister(PortConflicts)
	prometheus.MustRegister(DesiredJobs)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
