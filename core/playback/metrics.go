package playback

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	playbackWaitsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vpet_playback_waits_total",
		Help: "Playback completion waits by the reason they ended",
	}, []string{"reason"})

	playbackWaitDurationMS = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "vpet_playback_wait_duration_ms",
		Help:    "Time spent waiting for external playback to finish",
		Buckets: prometheus.ExponentialBuckets(100, 2, 12),
	})
)
