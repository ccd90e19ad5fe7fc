package relay

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	activeStreamsMetric = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "relay_active_streams",
		Help: "The number of upstream streams currently being relayed",
	})
	forwardedEventsMetric = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_forwarded_events_total",
		Help: "The total number of events written to clients",
	})
	droppedRecordsMetric = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_dropped_records_total",
		Help: "The total number of upstream records dropped because they were not valid JSON",
	})
	upstreamErrorsMetric = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_upstream_errors_total",
		Help: "The total number of upstream failures",
	}, []string{"kind"})
	streamsFinishedMetric = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_streams_finished_total",
		Help: "The total number of relayed streams by final state",
	}, []string{"state"})
)
