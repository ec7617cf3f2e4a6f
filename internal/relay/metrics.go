package relay

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricJoins = promauto.NewCounter(prometheus.CounterOpts{
		Name: "evalroom_joins_total",
		Help: "Total accepted room joins",
	})

	metricJoinRejections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "evalroom_join_rejections_total",
		Help: "Total joins rejected by the identity guard",
	})

	metricRequestsRelayed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "evalroom_requests_relayed_total",
		Help: "Total moderated requests relayed to teachers",
	}, []string{"kind"})

	metricDecisionsRelayed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "evalroom_decisions_relayed_total",
		Help: "Total teacher decisions delivered to requesters",
	})

	metricStaleDecisions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "evalroom_stale_decisions_total",
		Help: "Decisions dropped because the requester had disconnected",
	})

	metricPresenceBroadcasts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "evalroom_presence_broadcasts_total",
		Help: "Total presence snapshots broadcast to rooms",
	})

	metricDroppedEvents = promauto.NewCounter(prometheus.CounterOpts{
		Name: "evalroom_dropped_events_total",
		Help: "Inbound events dropped as malformed or unknown",
	})
)
