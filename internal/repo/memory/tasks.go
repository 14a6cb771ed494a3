package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lsst-sqre/times-square-go/internal/domain"
)

type TaskStore struct {
	mu    sync.Mutex
	tasks map[string]*queuedTask
	seq   int64
}

type queuedTask struct {
	task domain.Task
	dead bool
	// seq breaks ties between tasks enqueued in the same clock tick.
	seq int64
}

func NewTaskStore() *TaskStore {
	return &TaskStore{tasks: make(map[string]*queuedTask)}
}

func (s *TaskStore) Enqueue(_ context.Context, task domain.Task) (domain.Task, error) {
	if s == nil {
		return domain.Task{}, fmt.Errorf("task store not initialized")
	}
	if task.Kind == "" {
		return domain.Task{}, fmt.Errorf("task kind is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	if existing, ok := s.tasks[task.ID]; ok {
		return existing.task, nil
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now().UTC()
	}
	if task.AvailableAt.IsZero() {
		task.AvailableAt = task.CreatedAt
	}
	if len(task.Payload) == 0 {
		task.Payload = []byte("{}")
	}
	task.Attempts = 0
	task.LeasedUntil = nil
	s.seq++
	s.tasks[task.ID] = &queuedTask{task: task, seq: s.seq}
	return task, nil
}

func (s *TaskStore) Claim(_ context.Context, now time.Time, lease time.Duration) (domain.Task, bool, error) {
	if s == nil {
		return domain.Task{}, false, fmt.Errorf("task store not initialized")
	}
	if lease <= 0 {
		return domain.Task{}, false, fmt.Errorf("lease must be positive")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ready := make([]*queuedTask, 0)
	for _, qt := range s.tasks {
		if qt.dead || qt.task.AvailableAt.After(now) {
			continue
		}
		if qt.task.LeasedUntil != nil && !qt.task.LeasedUntil.Before(now) {
			continue
		}
		ready = append(ready, qt)
	}
	if len(ready) == 0 {
		return domain.Task{}, false, nil
	}
	sort.Slice(ready, func(i, j int) bool {
		if ready[i].task.AvailableAt.Equal(ready[j].task.AvailableAt) {
			if ready[i].task.CreatedAt.Equal(ready[j].task.CreatedAt) {
				return ready[i].seq < ready[j].seq
			}
			return ready[i].task.CreatedAt.Before(ready[j].task.CreatedAt)
		}
		return ready[i].task.AvailableAt.Before(ready[j].task.AvailableAt)
	})
	qt := ready[0]
	until := now.Add(lease)
	qt.task.Attempts++
	qt.task.LeasedUntil = &until
	return qt.task, true, nil
}

func (s *TaskStore) Complete(_ context.Context, id string) error {
	if s == nil {
		return fmt.Errorf("task store not initialized")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tasks, id)
	return nil
}

func (s *TaskStore) Fail(_ context.Context, id, message string, retryAt *time.Time) error {
	if s == nil {
		return fmt.Errorf("task store not initialized")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	qt, ok := s.tasks[id]
	if !ok {
		return nil
	}
	qt.task.LastError = message
	qt.task.LeasedUntil = nil
	if retryAt == nil {
		qt.dead = true
		return nil
	}
	qt.task.AvailableAt = retryAt.UTC()
	return nil
}

// Dead returns buried tasks.
func (s *TaskStore) Dead() []domain.Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Task, 0)
	for _, qt := range s.tasks {
		if qt.dead {
			out = append(out, qt.task)
		}
	}
	return out
}

// Pending counts tasks that are neither completed nor buried.
func (s *TaskStore) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, qt := range s.tasks {
		if !qt.dead {
			n++
		}
	}
	return n
}
