package runtime

import (
	"fmt"
	"sync/atomic"

	"github.com/meshflow/orchestrator/common/metrics"
	"github.com/meshflow/orchestrator/common/models"
)

// activityResponse is the worker-to-responder record for one executed
// command.
type activityResponse struct {
	cmd               models.ExecuteActivityCommand
	executionID       string
	durationMs        int64
	entitiesProcessed int
	resultSize        int
	err               error
	validationFailure bool
}

// queues are the two bounded stages of the pipeline. Depth counters are
// kept separately from channel length so they can be read consistently for
// health reporting.
type queues struct {
	work      chan models.ExecuteActivityCommand
	responses chan activityResponse

	workDepth     atomic.Int64
	responseDepth atomic.Int64

	capacity int
	metrics  *metrics.Metrics
}

func newQueues(capacity int, m *metrics.Metrics) *queues {
	if capacity < 1 {
		capacity = 1
	}
	return &queues{
		work:      make(chan models.ExecuteActivityCommand, capacity),
		responses: make(chan activityResponse, capacity),
		capacity:  capacity,
		metrics:   m,
	}
}

// enqueueWork admits a command or fails when the queue is full, leaving
// the message unacked for redelivery.
func (q *queues) enqueueWork(cmd models.ExecuteActivityCommand) error {
	select {
	case q.work <- cmd:
		depth := q.workDepth.Add(1)
		q.metrics.QueueDepth.WithLabelValues("work").Set(float64(depth))
		return nil
	default:
		return fmt.Errorf("work queue is full (capacity %d)", q.capacity)
	}
}

func (q *queues) dequeueWorkDone() {
	depth := q.workDepth.Add(-1)
	q.metrics.QueueDepth.WithLabelValues("work").Set(float64(depth))
}

// enqueueResponse always admits; the responses channel shares the work
// queue capacity so a full channel only ever means the responder died.
func (q *queues) enqueueResponse(resp activityResponse) {
	q.responses <- resp
	depth := q.responseDepth.Add(1)
	q.metrics.QueueDepth.WithLabelValues("responses").Set(float64(depth))
}

func (q *queues) dequeueResponseDone() {
	depth := q.responseDepth.Add(-1)
	q.metrics.QueueDepth.WithLabelValues("responses").Set(float64(depth))
}

// depths returns the current work and response queue depths.
func (q *queues) depths() (work, responses int64) {
	return q.workDepth.Load(), q.responseDepth.Load()
}
