package petstate

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/contrib/bridges/otelslog"
	"go.opentelemetry.io/otel"
)

const scopeName = "github.com/koscakluka/ema-vpet/core/petstate"

var (
	tracer = otel.Tracer(scopeName)
	logger = otelslog.NewLogger(scopeName)
)

var stateTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "vpet_state_transitions_total",
	Help: "Pet mode transitions by target and outcome",
}, []string{"target", "status"})
