package dispatcher

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/nberg/nest-bridge/pkg/logger"
)

// Priority mirrors the teacher's CommandType (CmdExtend/CmdGenerate): an
// interactive write a user just issued jumps ahead of a background
// reconciliation write queued behind it, generalized from "stream
// keep-alive beats stream regeneration" to "interactive beats background".
type Priority int

const (
	PriorityInteractive Priority = iota // HIGH: a host-issued write
	PriorityBackground                  // LOW: dispatcher-internal reconciliation
)

func (p Priority) String() string {
	if p == PriorityInteractive {
		return "interactive"
	}
	return "background"
}

// ticket is one queued command awaiting execution.
type ticket struct {
	priority  Priority
	timestamp time.Time
	execute   func() error
	response  chan error
	index     int
}

type ticketHeap []*ticket

func (h ticketHeap) Len() int { return len(h) }
func (h ticketHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority < h[j].priority
	}
	return h[i].timestamp.Before(h[j].timestamp)
}
func (h ticketHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *ticketHeap) Push(x any) {
	t := x.(*ticket)
	t.index = len(*h)
	*h = append(*h, t)
}
func (h *ticketHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}

// Queue rate-limits and priority-orders every write this connection's
// dispatcher issues, so one slow background reconciliation write never
// delays a user-issued thermostat change behind it.
type Queue struct {
	log     *logger.Logger
	limiter *rate.Limiter

	heapMu sync.Mutex
	heap   ticketHeap

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewQueue builds a queue pacing commands to qpm queries per minute.
func NewQueue(qpm float64, log *logger.Logger) *Queue {
	if log == nil {
		log = logger.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		log:     log,
		limiter: rate.NewLimiter(rate.Limit(qpm/60.0), 1),
		ctx:     ctx,
		cancel:  cancel,
	}
	heap.Init(&q.heap)
	return q
}

// Start launches the worker goroutine draining the queue.
func (q *Queue) Start() {
	q.wg.Add(1)
	go q.workerLoop()
}

// Stop cancels the worker and rejects every ticket still queued.
func (q *Queue) Stop() {
	q.cancel()
	q.wg.Wait()

	q.heapMu.Lock()
	for q.heap.Len() > 0 {
		t := heap.Pop(&q.heap).(*ticket)
		select {
		case t.response <- context.Canceled:
		default:
		}
		close(t.response)
	}
	q.heapMu.Unlock()
}

// Submit enqueues execute at priority and blocks until it runs (or the
// queue shuts down), returning its result.
func (q *Queue) Submit(priority Priority, execute func() error) error {
	t := &ticket{priority: priority, timestamp: time.Now(), execute: execute, response: make(chan error, 1)}

	q.heapMu.Lock()
	heap.Push(&q.heap, t)
	q.heapMu.Unlock()

	select {
	case err := <-t.response:
		return err
	case <-q.ctx.Done():
		return context.Canceled
	}
}

func (q *Queue) workerLoop() {
	defer q.wg.Done()
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-q.ctx.Done():
			return
		case <-ticker.C:
			q.processNext()
		}
	}
}

func (q *Queue) processNext() {
	q.heapMu.Lock()
	if q.heap.Len() == 0 {
		q.heapMu.Unlock()
		return
	}
	t := heap.Pop(&q.heap).(*ticket)
	q.heapMu.Unlock()

	if err := q.limiter.Wait(q.ctx); err != nil {
		t.response <- err
		close(t.response)
		return
	}

	err := q.executeWithTimeout(t)
	q.log.Debug("dispatcher command executed", "priority", t.priority, "success", err == nil)
	t.response <- err
	close(t.response)
}

func (q *Queue) executeWithTimeout(t *ticket) error {
	if t.execute == nil {
		return errors.New("dispatcher: nil execute function")
	}
	ctx, cancel := context.WithTimeout(q.ctx, 30*time.Second)
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- t.execute() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return fmt.Errorf("dispatcher: command timeout: %w", ctx.Err())
	}
}
