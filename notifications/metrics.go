package notifications

import (
	prometheus "github.com/distribution/imagebuilder/metrics"
	events "github.com/docker/go-events"
	"github.com/docker/go-metrics"
)

var (
	// eventsCounter counts build events by action
	eventsCounter = prometheus.BuildNamespace.NewLabeledCounter("events", "The number of build events", "action")
	// pendingGauge measures the pending queue size
	pendingGauge = prometheus.BuildNamespace.NewGauge("pending_events", "The gauge of pending events in queue", metrics.Total)
)

// eventsMetrics maintains the events counter and the queue's pending count.
type eventsMetrics struct{}

func (eventsMetrics) ingress(event events.Event) {
	action := "unknown"
	if e, ok := event.(Event); ok {
		action = e.Action
	}
	eventsCounter.WithValues(action).Inc(1)
	pendingGauge.Inc(1)
}

func (eventsMetrics) egress(events.Event) {
	pendingGauge.Dec(1)
}
