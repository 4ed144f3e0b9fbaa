// Package queue implements the priority-ordered, single-consumer async
// handoff queue that serializes producer work into the engine: four
// priority-class FIFO buffers under a single mutex and condition
// variable, with an explicit lifecycle state machine and a TTL sweep
// for stale messages.
package queue

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/compresr/context-engine/internal/engineerr"
)

const op = "queue"

// Priority orders messages within the queue; higher values dequeue
// first, FIFO within a priority class.
type Priority int

const (
	Low      Priority = 0
	Normal   Priority = 1
	High     Priority = 2
	Critical Priority = 3
)

const priorityClasses = 4

// MessageMetadata carries the priority and any producer-supplied tags.
type MessageMetadata struct {
	Priority Priority
	Tags     map[string]string
}

// Message is one unit of producer work handed to the engine.
type Message struct {
	ID        string
	Type      string
	Content   json.RawMessage
	Metadata  MessageMetadata
	Timestamp time.Time
}

// State is the queue's lifecycle state, per the state machine table:
// Fresh -> Active -> Draining -> Drained, with Destroyed reachable from
// any state.
type State int

const (
	StateFresh State = iota
	StateActive
	StateDraining
	StateDrained
	StateDestroyed
)

// Config configures a Queue.
type Config struct {
	MaxSize     int // 0 means unbounded
	MessageTTL  time.Duration
	CleanupHook func()
}

// Stats is a point-in-time view of queue occupancy.
type Stats struct {
	Sizes    [priorityClasses]int
	Total    int
	Consumed int64
	Dropped  int64
	State    State
}

// Queue is a single-consumer, priority-ordered FIFO queue.
type Queue struct {
	cfg Config

	mu       sync.Mutex
	cond     *sync.Cond
	classes  [priorityClasses][]Message
	state    State
	paused   bool
	consumed int64
	dropped  int64

	consuming atomic.Bool
	stopTTL   chan struct{}
	wg        sync.WaitGroup
}

// New constructs a Queue in StateFresh. If cfg.MessageTTL is set, a
// sweep goroutine starts immediately and runs until Destroy.
func New(cfg Config) *Queue {
	q := &Queue{cfg: cfg, stopTTL: make(chan struct{})}
	q.cond = sync.NewCond(&q.mu)
	if cfg.MessageTTL > 0 {
		q.wg.Add(1)
		go q.ttlSweepLoop()
	}
	return q
}

// Enqueue is non-blocking: it either accepts the message or fails with
// QueueFull, QueueDone, QueueDestroyed, or QueuePaused.
func (q *Queue) Enqueue(msg Message) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	switch q.state {
	case StateDestroyed:
		return engineerr.New(op+".enqueue", engineerr.QueueDestroyed, errState("queue is destroyed"))
	case StateDraining, StateDrained:
		return engineerr.New(op+".enqueue", engineerr.QueueDone, errState("queue is no longer accepting messages"))
	}
	if q.paused {
		return engineerr.New(op+".enqueue", engineerr.QueuePaused, errState("queue is paused"))
	}
	if q.cfg.MaxSize > 0 && q.totalLocked() >= q.cfg.MaxSize {
		return engineerr.New(op+".enqueue", engineerr.QueueFull, errState("queue is at capacity"))
	}

	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}
	class := classIndex(msg.Metadata.Priority)
	q.classes[class] = append(q.classes[class], msg)
	q.cond.Signal()
	return nil
}

func (q *Queue) totalLocked() int {
	total := 0
	for _, c := range q.classes {
		total += len(c)
	}
	return total
}

func classIndex(p Priority) int {
	if p < Low {
		return 0
	}
	if p > Critical {
		return priorityClasses - 1
	}
	return int(p)
}

// Consume starts the single consumer goroutine and returns a channel it
// feeds highest-priority-first. A second call on an already-consuming
// queue fails with AlreadyConsumed.
func (q *Queue) Consume(ctx context.Context) (<-chan Message, error) {
	if !q.consuming.CompareAndSwap(false, true) {
		return nil, engineerr.New(op+".consume", engineerr.AlreadyConsumed, errState("queue already has a consumer"))
	}

	q.mu.Lock()
	if q.state == StateFresh {
		q.state = StateActive
	}
	q.mu.Unlock()

	out := make(chan Message)
	q.wg.Add(1)
	go q.drain(ctx, out)
	return out, nil
}

func (q *Queue) drain(ctx context.Context, out chan<- Message) {
	defer q.wg.Done()
	defer close(out)

	for {
		msg, ok := q.nextOrWait(ctx)
		if !ok {
			return
		}
		select {
		case out <- msg:
		case <-ctx.Done():
			return
		}
	}
}

// nextOrWait blocks until a message is available, the queue is drained
// to completion (Done called and now empty), the queue is destroyed, or
// ctx is cancelled.
func (q *Queue) nextOrWait(ctx context.Context) (Message, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for {
		if ctx.Err() != nil {
			return Message{}, false
		}
		if q.state == StateDestroyed {
			return Message{}, false
		}
		if !q.paused {
			if msg, ok := q.popLocked(); ok {
				q.consumed++
				return msg, true
			}
		}
		if q.state == StateDraining && q.totalLocked() == 0 {
			q.state = StateDrained
			return Message{}, false
		}

		waitDone := make(chan struct{})
		go func() {
			select {
			case <-ctx.Done():
				q.mu.Lock()
				q.cond.Broadcast()
				q.mu.Unlock()
			case <-waitDone:
			}
		}()
		q.cond.Wait()
		close(waitDone)
	}
}

func (q *Queue) popLocked() (Message, bool) {
	for class := priorityClasses - 1; class >= 0; class-- {
		if len(q.classes[class]) == 0 {
			continue
		}
		msg := q.classes[class][0]
		q.classes[class] = q.classes[class][1:]
		return msg, true
	}
	return Message{}, false
}

// Done marks end-of-stream: the consumer observes all already-enqueued
// messages in order and then terminates.
func (q *Queue) Done() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.state == StateActive || q.state == StateFresh {
		q.state = StateDraining
		q.cond.Broadcast()
	}
}

// Pause halts dequeue without losing messages.
func (q *Queue) Pause() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.paused = true
}

// Resume restarts dequeue.
func (q *Queue) Resume() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.paused = false
	q.cond.Broadcast()
}

func (q *Queue) IsPaused() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.paused
}

// Clear discards every queued message and returns the count discarded.
func (q *Queue) Clear() (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := q.totalLocked()
	for i := range q.classes {
		q.classes[i] = nil
	}
	q.dropped += int64(n)
	return n, nil
}

// Peek returns the message that would be dequeued next, without
// removing it.
func (q *Queue) Peek() (Message, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for class := priorityClasses - 1; class >= 0; class-- {
		if len(q.classes[class]) > 0 {
			return q.classes[class][0], true
		}
	}
	return Message{}, false
}

func (q *Queue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.totalLocked()
}

func (q *Queue) IsEmpty() bool { return q.Size() == 0 }

func (q *Queue) IsFull() bool {
	if q.cfg.MaxSize <= 0 {
		return false
	}
	return q.Size() >= q.cfg.MaxSize
}

func (q *Queue) GetState() State {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.state
}

func (q *Queue) GetStats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	stats := Stats{Consumed: q.consumed, Dropped: q.dropped, State: q.state}
	for i, c := range q.classes {
		stats.Sizes[i] = len(c)
		stats.Total += len(c)
	}
	return stats
}

// Destroy is idempotent and asynchronous with respect to the consumer:
// it stops the TTL sweep, wakes any waiting consumer with end-of-stream,
// clears the queue, and runs the optional cleanup hook.
func (q *Queue) Destroy(ctx context.Context) error {
	q.mu.Lock()
	if q.state == StateDestroyed {
		q.mu.Unlock()
		return nil
	}
	q.state = StateDestroyed
	for i := range q.classes {
		q.classes[i] = nil
	}
	q.cond.Broadcast()
	q.mu.Unlock()

	close(q.stopTTL)

	if q.cfg.CleanupHook != nil {
		q.cfg.CleanupHook()
	}
	return nil
}

func (q *Queue) ttlSweepLoop() {
	defer q.wg.Done()
	t := time.NewTicker(q.cfg.MessageTTL)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			q.sweepExpired()
		case <-q.stopTTL:
			return
		}
	}
}

func (q *Queue) sweepExpired() {
	cutoff := time.Now().UTC().Add(-q.cfg.MessageTTL)
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, class := range q.classes {
		kept := class[:0]
		for _, msg := range class {
			if msg.Timestamp.Before(cutoff) {
				q.dropped++
				continue
			}
			kept = append(kept, msg)
		}
		q.classes[i] = kept
	}
}

func errState(msg string) error { return &stateErr{msg: msg} }

type stateErr struct{ msg string }

func (e *stateErr) Error() string { return e.msg }
