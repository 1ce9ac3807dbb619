package protocol

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	messagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "osidbg_protocol_messages_total",
		Help: "Protocol messages by direction and type",
	}, []string{"direction", "type"})

	activeSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "osidbg_active_sessions",
		Help: "Connected debug sessions",
	})
)
