package fswatch

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	dispatchBatchesCounter = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "fswatch",
		Subsystem: "dispatch",
		Name:      "batches_total",
		Help:      "The number of event batches delivered to the dispatcher",
	})

	dispatchEntriesCounterVec = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fswatch",
		Subsystem: "dispatch",
		Name:      "entries_total",
		Help:      "The number of events processed by the dispatcher, by result",
	}, []string{"result"})

	streamTransitionsCounterVec = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fswatch",
		Subsystem: "stream",
		Name:      "transitions_total",
		Help:      "The number of stream lifecycle transitions, by new state",
	}, []string{"state"})

	sourceDroppedCounterVec = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fswatch",
		Subsystem: "source",
		Name:      "dropped_total",
		Help:      "The number of times the notification source reported dropped events",
	}, []string{"reason"})
)

const (
	resultEmitted     = "emitted"
	resultFiltered    = "filtered"
	resultInvalidPath = "invalid_path"
)
