// Package metrics registers the process-wide Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// EventsAppended counts events persisted to the log, by channel.
	EventsAppended = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatch_events_appended_total",
		Help: "Events appended to the event log.",
	}, []string{"channel"})

	// RunsStarted counts adapter launches, by kind.
	RunsStarted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatch_runs_started_total",
		Help: "Runs started, including resumes.",
	}, []string{"kind"})

	// LiveRuns tracks runs with a live adapter.
	LiveRuns = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "dispatch_live_runs",
		Help: "Runs currently live.",
	})

	// Subscribers tracks attached event-stream subscribers.
	Subscribers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "dispatch_subscribers",
		Help: "Attached event-stream subscribers.",
	})

	// SubscribersDropped counts subscribers the hub ended, by reason.
	SubscribersDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatch_subscribers_dropped_total",
		Help: "Subscribers dropped by the hub.",
	}, []string{"reason"})
)
