package speech

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ttsRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vpet_tts_requests_total",
		Help: "Total serialized TTS requests by status",
	}, []string{"status"})

	ttsRequestDurationMS = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "vpet_tts_request_duration_ms",
		Help:    "Time from dequeue to playback completion of a TTS request",
		Buckets: prometheus.ExponentialBuckets(50, 1.6, 14),
	})

	ttsDownloadsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vpet_tts_downloads_total",
		Help: "Total audio prefetch downloads by status",
	}, []string{"status"})
)
