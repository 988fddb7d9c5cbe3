package jobqueue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

type memoryResult struct {
	data []byte
	err  error
}

// MemoryQueue executes jobs in-process, one goroutine per submission. Used
// by tests and single-process deployments; results are held until awaited.
type MemoryQueue struct {
	mu       sync.Mutex
	handlers map[string]Handler
	results  map[string]chan memoryResult
}

// NewMemoryQueue returns an empty in-process queue.
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{
		handlers: make(map[string]Handler),
		results:  make(map[string]chan memoryResult),
	}
}

// Register binds a handler to a job name.
func (q *MemoryQueue) Register(job string, h Handler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[job] = h
}

// Submit validates the payload and starts the handler in a goroutine.
func (q *MemoryQueue) Submit(ctx context.Context, job string, payload Payload) (*Handle, error) {
	data, err := Encode(payload)
	if err != nil {
		return nil, err
	}

	q.mu.Lock()
	h, ok := q.handlers[job]
	if !ok {
		q.mu.Unlock()
		return nil, fmt.Errorf("no handler registered for job %q", job)
	}
	id := uuid.NewString()
	ch := make(chan memoryResult, 1)
	q.results[id] = ch
	q.mu.Unlock()

	go func() {
		out, err := h(ctx, data)
		ch <- memoryResult{data: out, err: err}
	}()
	return &Handle{ID: id, Job: job}, nil
}

// Await blocks for the job's result. Each handle may be awaited once.
func (q *MemoryQueue) Await(ctx context.Context, handle *Handle, timeout time.Duration) ([]byte, error) {
	q.mu.Lock()
	ch, ok := q.results[handle.ID]
	delete(q.results, handle.ID)
	q.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("unknown job handle %s", handle.ID)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case res := <-ch:
		if res.err != nil {
			return nil, fmt.Errorf("job %s: %w", handle.Job, res.err)
		}
		return res.data, nil
	case <-timer.C:
		return nil, fmt.Errorf("job %s: timed out after %s", handle.Job, timeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
