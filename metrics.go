package mailer

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricSends = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailer_sends_total",
			Help: "Outgoing SMTP transactions and results.",
		},
		[]string{
			"result", // ok, disabled, config, connect, mail, rcpt, data
		},
	)
	metricSendDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "mailer_send_duration_seconds",
			Help:    "Duration of successful SMTP transactions, dial through QUIT.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
	)
)

func sendInc(result string) {
	metricSends.WithLabelValues(result).Inc()
}
