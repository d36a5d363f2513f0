package notifications

import (
	"container/list"
	"fmt"
	"sync"

	"github.com/distribution/imagebuilder/internal/dcontext"
	events "github.com/docker/go-events"
	"github.com/sirupsen/logrus"
)

// NewQueue returns a sink that delivers events to sink asynchronously, in
// order, dropping the actions listed in ignoredActions. Closing the queue
// flushes it and closes sink.
func NewQueue(sink events.Sink, ignoredActions ...string) events.Sink {
	return newEventQueue(newIgnoredSink(sink, ignoredActions), eventsMetrics{})
}

// eventQueue accepts all messages into a queue for asynchronous consumption
// by a sink. It is unbounded and thread safe but the sink must be reliable or
// events will be dropped.
type eventQueue struct {
	sink      events.Sink
	events    *list.List
	listeners []eventQueueListener
	cond      *sync.Cond
	mu        sync.Mutex
	closed    bool
}

// eventQueueListener is called when various events happen on the queue.
type eventQueueListener interface {
	ingress(event events.Event)
	egress(event events.Event)
}

// newEventQueue returns a queue to the provided sink. If the updater is non-
// nil, it will be called to update pending metrics on ingress and egress.
func newEventQueue(sink events.Sink, listeners ...eventQueueListener) *eventQueue {
	eq := eventQueue{
		sink:      sink,
		events:    list.New(),
		listeners: listeners,
	}

	eq.cond = sync.NewCond(&eq.mu)
	go eq.run()
	return &eq
}

// Write accepts the events into the queue, only failing if the queue has
// been closed.
func (eq *eventQueue) Write(event events.Event) error {
	eq.mu.Lock()
	defer eq.mu.Unlock()

	if eq.closed {
		return ErrSinkClosed
	}

	for _, listener := range eq.listeners {
		listener.ingress(event)
	}
	eq.events.PushBack(event)
	eq.cond.Signal() // signal waiters

	return nil
}

// Close shuts down the event queue, flushing
func (eq *eventQueue) Close() error {
	eq.mu.Lock()
	defer eq.mu.Unlock()

	if eq.closed {
		return fmt.Errorf("eventqueue: already closed")
	}

	// set closed flag
	eq.closed = true
	eq.cond.Signal() // signal flushes queue
	eq.cond.Wait()   // wait for signal from last flush

	return eq.sink.Close()
}

// run is the main goroutine to flush events to the target sink.
func (eq *eventQueue) run() {
	for {
		event := eq.next()

		if event == nil {
			return // nil block means event queue is closed.
		}

		if err := eq.sink.Write(event); err != nil {
			logrus.Warnf("eventqueue: error writing events to %v, these events will be lost: %v", eq.sink, err)
		}

		for _, listener := range eq.listeners {
			listener.egress(event)
		}
	}
}

// next encompasses the critical section of the run loop. When the queue is
// empty, it will block on the condition. If new data arrives, it will wake
// and return a block. When closed, a nil slice will be returned.
func (eq *eventQueue) next() events.Event {
	eq.mu.Lock()
	defer eq.mu.Unlock()

	for eq.events.Len() < 1 {
		if eq.closed {
			eq.cond.Broadcast()
			return nil
		}

		eq.cond.Wait()
	}

	front := eq.events.Front()
	block := front.Value.(events.Event)
	eq.events.Remove(front)

	return block
}

// ignoredSink discards events with ignored actions and passes the rest
// along.
type ignoredSink struct {
	events.Sink
	ignoreActions map[string]bool
}

func newIgnoredSink(sink events.Sink, ignoreActions []string) events.Sink {
	if len(ignoreActions) == 0 {
		return sink
	}

	ignoredActionsMap := make(map[string]bool)
	for _, action := range ignoreActions {
		ignoredActionsMap[action] = true
	}

	return &ignoredSink{
		Sink:          sink,
		ignoreActions: ignoredActionsMap,
	}
}

// Write discards events with ignored actions and passes the rest along.
func (imts *ignoredSink) Write(event events.Event) error {
	if e, ok := event.(Event); ok && imts.ignoreActions[e.Action] {
		return nil
	}

	return imts.Sink.Write(event)
}

// logSink writes events to a logger.
type logSink struct {
	logger dcontext.Logger
}

// NewLogSink returns a sink that logs build events. Stage and layer events
// are logged at info, blob events at debug.
func NewLogSink(logger dcontext.Logger) events.Sink {
	if logger == nil {
		logger = dcontext.DiscardLogger()
	}
	return &logSink{logger: logger}
}

func (ls *logSink) Write(event events.Event) error {
	e, ok := event.(Event)
	if !ok {
		return fmt.Errorf("logsink: unexpected event type %T", event)
	}

	entry := ls.logger.WithField("build.id", e.BuildID)
	if e.Stage != "" {
		entry = entry.WithField("stage", e.Stage)
	}

	switch e.Action {
	case EventActionStageStart:
		entry.Infof("%s started", e.Stage)
	case EventActionStageDone:
		entry.Infof("%s finished in %s", e.Stage, e.Duration)
	case EventActionLayerBuilt:
		entry = entry.WithField("layer", e.Target.Layer).WithField("digest", e.Target.Digest)
		if e.Target.Cached {
			entry.Infof("layer %s loaded from cache", e.Target.Layer)
		} else {
			entry.Infof("layer %s built (%d bytes)", e.Target.Layer, e.Target.Size)
		}
	case EventActionBlobPushed, EventActionBlobMounted, EventActionBlobSkipped:
		entry.WithField("digest", e.Target.Digest).
			WithField("repository", e.Target.Repository).
			Debugf("%s", e.Action)
	default:
		entry.Debugf("%s", e.Action)
	}
	return nil
}

func (ls *logSink) Close() error {
	return nil
}
