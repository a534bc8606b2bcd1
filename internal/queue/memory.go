package queue

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/and161185/docservice/internal/model"
)

// Enqueued is one task accepted by the memory queue.
type Enqueued struct {
	Task     model.TaskQueueData
	Priority model.Priority
	Delay    time.Duration // non-zero for AddDelayed
}

// Memory records tasks instead of sending them. Results can be pushed
// back with Deliver, which hands them to the running consumer.
type Memory struct {
	mu      sync.Mutex
	tasks   []Enqueued
	delayed []Enqueued
	results chan []byte
	failErr error
}

var (
	_ TaskQueue = (*Memory)(nil)
	_ Consumer  = (*Memory)(nil)
)

// NewMemory constructs an empty queue.
func NewMemory() *Memory {
	return &Memory{results: make(chan []byte, 1024)}
}

// FailWith makes subsequent AddTask and AddDelayed calls return err; nil restores normal behaviour.
func (m *Memory) FailWith(err error) {
	m.mu.Lock()
	m.failErr = err
	m.mu.Unlock()
}

// AddTask records task.
func (m *Memory) AddTask(_ context.Context, task *model.TaskQueueData, priority model.Priority) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failErr != nil {
		return m.failErr
	}
	m.tasks = append(m.tasks, Enqueued{Task: *task, Priority: priority})
	return nil
}

// AddDelayed records task with its delay. It is not redelivered automatically.
func (m *Memory) AddDelayed(_ context.Context, task *model.TaskQueueData, delay time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failErr != nil {
		return m.failErr
	}
	m.delayed = append(m.delayed, Enqueued{Task: *task, Delay: delay})
	return nil
}

// Tasks returns a copy of the recorded tasks.
func (m *Memory) Tasks() []Enqueued {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Enqueued(nil), m.tasks...)
}

// Delayed returns a copy of the recorded delayed tasks.
func (m *Memory) Delayed() []Enqueued {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Enqueued(nil), m.delayed...)
}

// Deliver pushes a result message to the consumer.
func (m *Memory) Deliver(ctx context.Context, task *model.TaskQueueData) error {
	b, err := json.Marshal(task)
	if err != nil {
		return err
	}
	select {
	case m.results <- b:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Consume feeds delivered results to h until ctx is done. Failed messages are dropped.
func (m *Memory) Consume(ctx context.Context, h Handler) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case b := <-m.results:
			_ = h(ctx, b)
		}
	}
}
