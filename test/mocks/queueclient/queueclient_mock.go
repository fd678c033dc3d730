package queueclient

import (
	"sync"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/mock"
)

type MockQueueClient struct {
	mock.Mock
}

func (m *MockQueueClient) Enqueue(task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error) {
	args := m.Called(task, opts)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*asynq.TaskInfo), args.Error(1)
}

// CaptureQueue records every enqueued task and always succeeds, for
// scenario tests that only care what was queued.
type CaptureQueue struct {
	mu    sync.Mutex
	Tasks []*asynq.Task
}

func (q *CaptureQueue) Enqueue(task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.Tasks = append(q.Tasks, task)
	return &asynq.TaskInfo{ID: task.Type(), Queue: "dcavault"}, nil
}

// TypeCounts tallies enqueued tasks by type.
func (q *CaptureQueue) TypeCounts() map[string]int {
	q.mu.Lock()
	defer q.mu.Unlock()
	counts := make(map[string]int)
	for _, task := range q.Tasks {
		counts[task.Type()]++
	}
	return counts
}
