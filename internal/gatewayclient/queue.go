package gatewayclient

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/NoPKT/AgentIM-sub003/internal/protocol"
)

const (
	// defaultMaxQueueSize is MaxQueueSize from spec §4.2.
	defaultMaxQueueSize = 1000

	retryInitial = 1 * time.Second
	retryMax     = 16 * time.Second
	retryAttempts = 5

	// capacityWarnFraction is the one-shot "queue is getting full" warning
	// threshold (spec §4.2, "At 75% capacity").
	capacityWarnFraction = 0.75

	// dropLogEvery emits a warning log on every Nth drop (spec §4.2).
	dropLogEvery = 10
)

// DropHook is called whenever a frame is finally dropped, after retries (if
// any) are exhausted.
type DropHook func(frame protocol.Frame)

// Queue is the gateway-side bounded priority send queue (spec §4.2): three
// FIFO classes with eviction rules that favor newer high-priority traffic
// over older low-priority traffic, and a small bounded-retry allowance for
// messages whose loss would be especially disruptive.
type Queue struct {
	mu sync.Mutex

	maxSize int
	classes map[protocol.Priority][]protocol.Frame

	dropCount    int
	capacityWarned bool
	onDrop       DropHook
	logger       *zap.Logger

	flushing bool
}

// NewQueue creates a Queue. maxSize <= 0 falls back to the spec default of
// 1000.
func NewQueue(maxSize int, onDrop DropHook, logger *zap.Logger) *Queue {
	if maxSize <= 0 {
		maxSize = defaultMaxQueueSize
	}
	return &Queue{
		maxSize: maxSize,
		classes: map[protocol.Priority][]protocol.Frame{
			protocol.PriorityNormal:   nil,
			protocol.PriorityHigh:     nil,
			protocol.PriorityCritical: nil,
		},
		onDrop: onDrop,
		logger: logger.Named("sendqueue"),
	}
}

// Len returns the total number of frames currently queued across all
// classes.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.lenLocked()
}

func (q *Queue) lenLocked() int {
	return len(q.classes[protocol.PriorityNormal]) + len(q.classes[protocol.PriorityHigh]) + len(q.classes[protocol.PriorityCritical])
}

// Enqueue appends frame to its priority class, running the eviction policy
// if the queue is at capacity (spec §4.2 rules 1-3).
func (q *Queue) Enqueue(frame protocol.Frame) {
	q.enqueue(frame, 0)
}

func (q *Queue) enqueue(frame protocol.Frame, retryAttempt int) {
	priority := protocol.PriorityOf(frame.Type)

	q.mu.Lock()
	if q.lenLocked() < q.maxSize {
		q.classes[priority] = append(q.classes[priority], frame)
		q.maybeWarnCapacityLocked()
		q.mu.Unlock()
		return
	}

	switch priority {
	case protocol.PriorityCritical:
		if q.evictOldestLocked(protocol.PriorityNormal) || q.evictOldestLocked(protocol.PriorityHigh) {
			q.classes[priority] = append(q.classes[priority], frame)
			q.mu.Unlock()
			return
		}
		q.mu.Unlock()
		q.scheduleRetryOrDrop(frame, retryAttempt)
		return

	case protocol.PriorityHigh:
		if q.evictOldestLocked(protocol.PriorityNormal) {
			q.classes[priority] = append(q.classes[priority], frame)
			q.mu.Unlock()
			return
		}
		q.mu.Unlock()
		q.drop(frame)
		return

	default: // PriorityNormal
		q.mu.Unlock()
		if protocol.RetryOnDrop[frame.Type] {
			q.scheduleRetryOrDrop(frame, retryAttempt)
			return
		}
		q.drop(frame)
		return
	}
}

// evictOldestLocked removes and discards the oldest frame of class p, if
// any, reporting it as a drop. Caller holds q.mu.
func (q *Queue) evictOldestLocked(p protocol.Priority) bool {
	items := q.classes[p]
	if len(items) == 0 {
		return false
	}
	evicted := items[0]
	q.classes[p] = items[1:]
	q.mu.Unlock()
	q.drop(evicted)
	q.mu.Lock()
	return true
}

// scheduleRetryOrDrop runs the bounded exponential retry from spec §4.2:
// initial 1s, doubling up to 16s, maximum 5 attempts, before finally
// dropping.
func (q *Queue) scheduleRetryOrDrop(frame protocol.Frame, attempt int) {
	if attempt >= retryAttempts {
		q.drop(frame)
		return
	}

	delay := retryInitial << attempt
	if delay > retryMax {
		delay = retryMax
	}

	time.AfterFunc(delay, func() {
		q.enqueue(frame, attempt+1)
	})
}

func (q *Queue) drop(frame protocol.Frame) {
	q.mu.Lock()
	q.dropCount++
	count := q.dropCount
	q.mu.Unlock()

	if frame.Type == protocol.TypeGatewayAuth || frame.Type == protocol.TypeGatewayMessageComplete || frame.Type == protocol.TypeGatewayPermissionReq {
		q.logger.Warn("dropped critical type", zap.String("type", string(frame.Type)))
	}
	if count%dropLogEvery == 0 {
		q.logger.Warn("send queue drop rate", zap.Int("total_drops", count))
	}
	if q.onDrop != nil {
		q.onDrop(frame)
	}
}

func (q *Queue) maybeWarnCapacityLocked() {
	if q.capacityWarned {
		return
	}
	if float64(q.lenLocked()) >= float64(q.maxSize)*capacityWarnFraction {
		q.capacityWarned = true
		q.logger.Warn("send queue approaching capacity", zap.Int("len", q.lenLocked()), zap.Int("max", q.maxSize))
	}
}

// Flush atomically takes every queued frame, in critical/high/normal
// priority order, and clears the queue. The caller (Client) sends them in
// order; if a send fails partway through, PutBack restores the remainder to
// the front so frames enqueued during the flush attempt stay behind them.
// A reentrant guard prevents overlapping flushes (spec §4.2 flush
// semantics).
func (q *Queue) Flush() ([]protocol.Frame, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.flushing {
		return nil, false
	}
	q.flushing = true

	batch := make([]protocol.Frame, 0, q.lenLocked())
	batch = append(batch, q.classes[protocol.PriorityCritical]...)
	batch = append(batch, q.classes[protocol.PriorityHigh]...)
	batch = append(batch, q.classes[protocol.PriorityNormal]...)

	q.classes[protocol.PriorityCritical] = nil
	q.classes[protocol.PriorityHigh] = nil
	q.classes[protocol.PriorityNormal] = nil
	q.capacityWarned = false

	return batch, true
}

// PutBack prepends remaining (frames not yet sent from a flushed batch)
// back onto the queue and clears the flush guard.
func (q *Queue) PutBack(remaining []protocol.Frame) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.flushing = false
	for i := len(remaining) - 1; i >= 0; i-- {
		p := protocol.PriorityOf(remaining[i].Type)
		q.classes[p] = append([]protocol.Frame{remaining[i]}, q.classes[p]...)
	}
}

// EndFlush clears the flush guard after a fully successful flush.
func (q *Queue) EndFlush() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.flushing = false
}
