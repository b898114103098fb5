package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Delivery-path counters. Invalid transitions and sequence conflicts are
// invariant violations: they are counted here instead of being retried.
var (
	MessagesPersisted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "courier_messages_persisted_total",
		Help: "Messages persisted by the delivery coordinator.",
	})

	StatusTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "courier_status_transitions_total",
		Help: "Batch status transitions applied, labelled by target status.",
	}, []string{"status"})

	InvalidTransitions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "courier_invalid_transitions_total",
		Help: "Status updates rejected by the ordering invariant.",
	})

	SequenceConflicts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "courier_sequence_conflicts_total",
		Help: "Per-conversation sequence races detected. Always zero under correct locking.",
	})

	SendRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "courier_send_retries_total",
		Help: "Outbox send attempts scheduled by the retry backoff.",
	})

	SessionsOnline = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "courier_sessions_online",
		Help: "Websocket sessions currently connected.",
	})
)
