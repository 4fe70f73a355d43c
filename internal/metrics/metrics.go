package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "signalcore"

var (
	// SubmissionsTotal counts ingestion results.
	// Labels: result (admitted, duplicate, rejected, unparseable)
	SubmissionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "submissions_total",
		Help:      "Raw signal submissions by result",
	}, []string{"result"})

	// ExecutionsTotal counts settled execution attempts.
	// Labels: outcome (success, retryable, fatal, skipped, cancelled)
	ExecutionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "executions_total",
		Help:      "Execution attempts by outcome",
	}, []string{"outcome"})

	RetryBackoffSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "retry_backoff_seconds",
		Help:      "Backoff delay applied to retried tasks",
		Buckets:   []float64{0.5, 1, 2, 4, 8, 16, 32, 64},
	})

	QueueLeasesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "queue_leases_total",
		Help:      "Tasks leased from the retry queue",
	})

	// DeploymentsTotal counts deployments reaching a terminal state.
	// Labels: status (deployed, failed)
	DeploymentsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "deployments_total",
		Help:      "Parser deployments by terminal status",
	}, []string{"status"})

	DeploymentAcksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "deployment_acks_total",
		Help:      "New deployment acknowledgements from terminals",
	})
)

// Handler exposes the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
