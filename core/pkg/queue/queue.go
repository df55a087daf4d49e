// Package queue implements the Async Job Queue primitive: a single-producer,
// single-consumer FIFO with one processor callback, used by the loopback
// adapter (and reusable by any other adapter) to decouple PublishAsync from
// the caller's goroutine. Grounded on the channel-plus-worker shape used by
// zJUNAIDz-vibe-learning-dump's job-queue example, simplified down to the
// single-processor/single-consumer contract this spec actually calls for -
// no persistence, no priority lanes.
package queue

import (
	"sync"

	"github.com/madcok-co/pipebroker/core/pkg/logging"
)

// Processor handles one queued item and reports its outcome.
type Processor func(item any) error

// OnComplete is invoked once a queued item's Processor has run, with the
// error it returned (nil on success).
type OnComplete func(item any, err error)

type job struct {
	item       any
	onComplete OnComplete
}

// Queue is a bounded FIFO with a single consumer goroutine. Stop drains the
// channel before returning - the "drain then stop" policy spec.md leaves
// unspecified, chosen here and documented in DESIGN.md.
type Queue struct {
	name      string
	processor Processor
	logger    logging.Logger

	jobs chan job
	done chan struct{}
	wg   sync.WaitGroup

	mu       sync.Mutex
	started  bool
	stopOnce sync.Once
}

// New creates a Queue with the given channel capacity. capacity <= 0 means
// unbounded back-pressure is the caller's concern, per spec.md §4.6; a
// channel still needs a size, so 0 maps to a generous default rather than
// an actually-unbounded structure.
func New(capacity int, logger logging.Logger) *Queue {
	if capacity <= 0 {
		capacity = 1024
	}
	if logger == nil {
		logger = logging.Nop()
	}
	return &Queue{
		jobs:   make(chan job, capacity),
		done:   make(chan struct{}),
		logger: logger,
	}
}

// SetName labels the queue for log lines.
func (q *Queue) SetName(name string) { q.name = name }

// SetProcessor installs the callback invoked for every enqueued item. Must
// be called before Start.
func (q *Queue) SetProcessor(p Processor) { q.processor = p }

// Start launches the single consumer goroutine. Calling Start twice is a
// no-op.
func (q *Queue) Start() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.started {
		return
	}
	q.started = true

	q.wg.Add(1)
	go q.run()
}

func (q *Queue) run() {
	defer q.wg.Done()
	for {
		select {
		case j, ok := <-q.jobs:
			if !ok {
				return
			}
			q.process(j)
		case <-q.done:
			// Drain whatever is already queued before exiting.
			for {
				select {
				case j := <-q.jobs:
					q.process(j)
				default:
					return
				}
			}
		}
	}
}

func (q *Queue) process(j job) {
	var err error
	if q.processor != nil {
		err = q.processor(j.item)
	}
	if j.onComplete != nil {
		j.onComplete(j.item, err)
	}
	if err != nil {
		q.logger.Warn("queue item failed", "queue", q.name, "error", err)
	}
}

// Enqueue adds item to the FIFO; onComplete (nil-safe) fires once the
// processor has run it. Enqueue is non-blocking unless the channel is at
// capacity, in which case it blocks the caller - memory growth beyond
// capacity is the caller's concern, per spec.md.
func (q *Queue) Enqueue(item any, onComplete OnComplete) {
	q.jobs <- job{item: item, onComplete: onComplete}
}

// Stop signals the consumer to drain remaining items and exit, then blocks
// until it has. Safe to call more than once - a broker's shutdown sequence
// may stop a queue explicitly before the owning adapter's Close also stops
// it.
func (q *Queue) Stop() {
	q.mu.Lock()
	if !q.started {
		q.mu.Unlock()
		return
	}
	q.mu.Unlock()

	q.stopOnce.Do(func() {
		close(q.done)
		q.wg.Wait()
	})
}
