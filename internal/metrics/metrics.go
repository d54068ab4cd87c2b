package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	TransfersTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledger_transfers_total",
			Help: "Transfers processed, by outcome",
		},
		[]string{"outcome"},
	)

	TransferDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ledger_transfer_duration_seconds",
			Help:    "Duration of transfer processing including retries",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2, 5},
		},
		[]string{"outcome"},
	)

	TransferRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ledger_transfer_retries_total",
			Help: "Transfer attempts retried after balance contention",
		},
	)

	PublishErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ledger_event_publish_errors_total",
			Help: "Events that failed to reach the configured sink",
		},
	)

	HTTPRejectedBusy = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ledger_http_rejected_busy_total",
			Help: "Requests rejected by the in-flight limit",
		},
	)
)

func Handler() http.Handler {
	return promhttp.Handler()
}
