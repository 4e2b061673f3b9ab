package queue

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/JakeFAU/crawlsched/internal/task"
)

// MockQueue is a testify mock of PriorityQueue.
type MockQueue struct {
	mock.Mock
}

// Name is the mock implementation of Name.
func (m *MockQueue) Name() string {
	args := m.Called()
	return args.String(0)
}

// Push is the mock implementation of Push.
func (m *MockQueue) Push(ctx context.Context, t *task.Task) error {
	args := m.Called(ctx, t)
	return args.Error(0)
}

// Pop is the mock implementation of Pop.
func (m *MockQueue) Pop(ctx context.Context) (*task.Task, error) {
	args := m.Called(ctx)
	tk, _ := args.Get(0).(*task.Task)
	return tk, args.Error(1)
}

// Peek is the mock implementation of Peek.
func (m *MockQueue) Peek(ctx context.Context) (*task.Task, error) {
	args := m.Called(ctx)
	tk, _ := args.Get(0).(*task.Task)
	return tk, args.Error(1)
}

// Remove is the mock implementation of Remove.
func (m *MockQueue) Remove(ctx context.Context, crawler, id string) error {
	args := m.Called(ctx, crawler, id)
	return args.Error(0)
}

// Size is the mock implementation of Size.
func (m *MockQueue) Size(ctx context.Context) (int, error) {
	args := m.Called(ctx)
	return args.Int(0), args.Error(1)
}

// Clear is the mock implementation of Clear.
func (m *MockQueue) Clear(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}
