package orchestration

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	outcomeDispatched      = "dispatched"
	outcomeDroppedDisabled = "dropped_disabled"
	outcomeUnrecognized    = "unrecognized"
	outcomeRateLimited     = "rate_limited"
	outcomeNoHandler       = "no_handler"
)

var (
	commandsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vpet_commands_total",
		Help: "Commands seen in agent replies by kind and outcome",
	}, []string{"kind", "outcome"})

	segmentsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vpet_segments_total",
		Help: "Processed reply segments by kind and status",
	}, []string{"kind", "status"})

	replyDurationMS = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "vpet_reply_duration_ms",
		Help:    "Time to orchestrate one agent reply",
		Buckets: prometheus.ExponentialBuckets(50, 2, 14),
	})
)
