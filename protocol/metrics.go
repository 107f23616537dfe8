package protocol

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricSessionsOpen = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "bepd",
		Subsystem: "protocol",
		Name:      "sessions_open",
	})
	metricMessagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bepd",
		Subsystem: "protocol",
		Name:      "messages_total",
	}, []string{"direction", "type"})
	metricBytesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bepd",
		Subsystem: "protocol",
		Name:      "bytes_total",
	}, []string{"direction"})
	metricHeartbeatsSentTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "bepd",
		Subsystem: "protocol",
		Name:      "heartbeats_sent_total",
	})
	metricHeartbeatMissesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "bepd",
		Subsystem: "protocol",
		Name:      "heartbeat_misses_total",
	})
)

func messageTypeName(msgType int) string {
	switch msgType {
	case typeClusterConfig:
		return "cluster_config"
	case typeIndex:
		return "index"
	case typeIndexUpdate:
		return "index_update"
	case typeRequest:
		return "request"
	case typeResponse:
		return "response"
	case typePing:
		return "ping"
	case typePong:
		return "pong"
	case typeClose:
		return "close"
	default:
		return "unknown"
	}
}
