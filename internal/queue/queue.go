// Package queue moves conversion tasks to workers and their results back.
package queue

import (
	"context"
	"time"

	"github.com/and161185/docservice/internal/model"
)

// TaskQueue accepts work for conversion workers.
type TaskQueue interface {
	// AddTask publishes task for workers at the given priority.
	AddTask(ctx context.Context, task *model.TaskQueueData, priority model.Priority) error
	// AddDelayed returns task to the result stream after delay.
	AddDelayed(ctx context.Context, task *model.TaskQueueData, delay time.Duration) error
}

// Handler processes one raw result message. A nil error acknowledges it.
type Handler func(ctx context.Context, data []byte) error

// Consumer delivers result messages to a handler until ctx is done.
type Consumer interface {
	Consume(ctx context.Context, h Handler) error
}
