package debugger

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// hookEvaluations counts hooks evaluated while a client is attached
	hookEvaluations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "osidbg_hook_evaluations_total",
			Help: "Total instrumentation hooks evaluated with a debugger attached, by hook",
		},
		[]string{"hook"},
	)

	// pausesTotal counts pauses of the evaluation thread
	pausesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "osidbg_pauses_total",
			Help: "Total pauses of the evaluation thread by breakpoint reason",
		},
		[]string{"reason"},
	)

	// sessionsAbandoned counts sessions dropped on consistency or notify failures
	sessionsAbandoned = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "osidbg_sessions_abandoned_total",
			Help: "Total debug sessions abandoned by the coordinator, by error code",
		},
		[]string{"code"},
	)
)
