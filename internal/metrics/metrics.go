// Package metrics exposes the gateway's prometheus instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	EventsReceived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gewegate_events_received_total",
		Help: "Total webhook pushes accepted for processing.",
	})

	EventsDeduped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gewegate_events_deduped_total",
		Help: "Total webhook pushes dropped as redeliveries.",
	})

	EventsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gewegate_events_rejected_total",
		Help: "Total webhook pushes rejected before enqueue, labelled by reason.",
	}, []string{"reason"})

	EventsDispatched = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gewegate_events_dispatched_total",
		Help: "Total events handed to a worker task.",
	})

	EventsFailed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gewegate_events_failed_total",
		Help: "Total dispatched tasks that returned an error or panicked.",
	})

	EventsTimedOut = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gewegate_events_timed_out_total",
		Help: "Total dispatched tasks cancelled by the per-event deadline.",
	})

	RuleMatches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gewegate_rule_matches_total",
		Help: "Total rule matches, labelled by instance ID.",
	}, []string{"instance_id"})

	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "gewegate_queue_depth",
		Help: "Events currently waiting on the dispatch channel.",
	})

	ConfigReloads = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gewegate_config_reloads_total",
		Help: "Total live config reload attempts, labelled by result.",
	}, []string{"result"})
)
