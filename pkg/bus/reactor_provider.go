package bus

import (
	"sync"

	"github.com/cxdbhq/cxdb/pkg/core/concurrency"
)

// ExecutorProvider resolves the per-component executor that a Send must run
// on, so that delivery into a given subscriber is always serialized through
// that subscriber's own worker pool instead of the publisher's goroutine.
type ExecutorProvider interface {
	GetExecutor(componentName string) (concurrency.Executor, bool)
}

// executorStore is the default in-process ExecutorProvider.
type executorStore struct {
	executors map[string]concurrency.Executor
	mu        sync.RWMutex
}

// NewExecutorStore creates a new executorStore.
func NewExecutorStore() *executorStore {
	return &executorStore{
		executors: make(map[string]concurrency.Executor),
	}
}

// AddExecutor registers the executor a component's mailbox sends run on.
func (s *executorStore) AddExecutor(componentName string, e concurrency.Executor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.executors[componentName] = e
}

// GetExecutor returns the executor for a given component.
func (s *executorStore) GetExecutor(componentName string) (concurrency.Executor, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.executors[componentName]
	return e, ok
}
