package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry wraps Prometheus collectors used by the terminal-sharing server.
type Registry struct {
	Connections gaugeVec
	Messages    counterVec
	Session     sessionVec
}

type gaugeVec struct {
	ActiveConnections prometheus.Gauge
}

type counterVec struct {
	MessagesPublished prometheus.Counter
	MessagesDelivered prometheus.Counter
	AcceptErrors      prometheus.Counter
	BroadcastDropped  prometheus.Counter
	LogErrors         prometheus.Counter
}

// sessionVec collects hub-lifecycle and claim-arbiter activity, distinct
// from the raw connection-level counters above.
type sessionVec struct {
	ActiveHubs            prometheus.Gauge
	ActiveSubscribers     prometheus.Gauge
	ClaimTransitions      prometheus.Counter
	SlowConsumerEvictions prometheus.Counter
	SessionsLost          prometheus.Counter
}

// NewRegistry creates Prometheus metrics collectors.
func NewRegistry() *Registry {
	return &Registry{
		Connections: gaugeVec{
			ActiveConnections: promauto.NewGauge(prometheus.GaugeOpts{
				Name: "odin_term_connections_active",
				Help: "Number of active WebSocket connections",
			}),
		},
		Messages: counterVec{
			MessagesPublished: promauto.NewCounter(prometheus.CounterOpts{
				Name: "odin_term_messages_published_total",
				Help: "Total number of messages published to clients",
			}),
			MessagesDelivered: promauto.NewCounter(prometheus.CounterOpts{
				Name: "odin_term_messages_delivered_total",
				Help: "Total number of messages delivered successfully",
			}),
			AcceptErrors: promauto.NewCounter(prometheus.CounterOpts{
				Name: "odin_term_accept_errors_total",
				Help: "Total number of WebSocket accept/handshake errors",
			}),
			BroadcastDropped: promauto.NewCounter(prometheus.CounterOpts{
				Name: "odin_term_messages_dropped_total",
				Help: "Total number of broadcast messages dropped due to back pressure",
			}),
			LogErrors: promauto.NewCounter(prometheus.CounterOpts{
				Name: "odin_term_log_errors_total",
				Help: "Total number of error-level and above log entries emitted by the server",
			}),
		},
		Session: sessionVec{
			ActiveHubs: promauto.NewGauge(prometheus.GaugeOpts{
				Name: "odin_term_session_hubs_active",
				Help: "Number of session hubs currently resident in the registry",
			}),
			ActiveSubscribers: promauto.NewGauge(prometheus.GaugeOpts{
				Name: "odin_term_session_subscribers_active",
				Help: "Number of subscriber connections currently attached across all hubs",
			}),
			ClaimTransitions: promauto.NewCounter(prometheus.CounterOpts{
				Name: "odin_term_claim_transitions_total",
				Help: "Total number of accepted claim transitions (acquire, renew, preempt, release, expire)",
			}),
			SlowConsumerEvictions: promauto.NewCounter(prometheus.CounterOpts{
				Name: "odin_term_slow_consumer_evictions_total",
				Help: "Total number of subscribers evicted for falling behind on their output or priority lane",
			}),
			SessionsLost: promauto.NewCounter(prometheus.CounterOpts{
				Name: "odin_term_sessions_lost_total",
				Help: "Total number of sessions that entered degraded/lost state after a multiplexer read error",
			}),
		},
	}
}

// Handler returns an HTTP handler exposing Prometheus metrics.
func (r *Registry) Handler() http.Handler {
	return promhttp.Handler()
}
