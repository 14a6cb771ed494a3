package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/lsst-sqre/times-square-go/internal/domain"
	"github.com/lsst-sqre/times-square-go/internal/repo"
)

type TaskStore struct {
	db DB
}

const taskColumns = `id, kind, payload, attempts, created_at, available_at, leased_until, last_error`

const (
	insertTaskQuery = `INSERT INTO tasks (id, kind, payload, state, attempts, created_at, available_at)
	VALUES ($1,$2,$3,'pending',0,$4,$5)
	ON CONFLICT (id) DO NOTHING
	RETURNING ` + taskColumns

	selectTaskQuery = `SELECT ` + taskColumns + ` FROM tasks WHERE id = $1`

	claimTaskQuery = `UPDATE tasks SET attempts = attempts + 1, leased_until = $2
	WHERE id = (
		SELECT id FROM tasks
		WHERE state = 'pending'
		  AND available_at <= $1
		  AND (leased_until IS NULL OR leased_until < $1)
		ORDER BY available_at ASC, created_at ASC
		FOR UPDATE SKIP LOCKED
		LIMIT 1
	)
	RETURNING ` + taskColumns

	completeTaskQuery = `DELETE FROM tasks WHERE id = $1`

	retryTaskQuery = `UPDATE tasks SET leased_until = NULL, available_at = $3, last_error = $2
	WHERE id = $1`

	buryTaskQuery = `UPDATE tasks SET state = 'dead', leased_until = NULL, last_error = $2
	WHERE id = $1`
)

func NewTaskStore(db DB) *TaskStore {
	if db == nil {
		return nil
	}
	return &TaskStore{db: db}
}

func (s *TaskStore) Enqueue(ctx context.Context, task domain.Task) (domain.Task, error) {
	if s == nil || s.db == nil {
		return domain.Task{}, fmt.Errorf("task store not initialized")
	}
	if strings.TrimSpace(string(task.Kind)) == "" {
		return domain.Task{}, fmt.Errorf("task kind is required")
	}
	id := strings.TrimSpace(task.ID)
	if id == "" {
		id = uuid.NewString()
	}
	payload := task.Payload
	if len(payload) == 0 {
		payload = []byte("{}")
	}
	createdAt := normalizeTime(task.CreatedAt)
	availableAt := task.AvailableAt
	if availableAt.IsZero() {
		availableAt = createdAt
	}

	inserted, err := scanTask(s.db.QueryRowContext(ctx, insertTaskQuery, id, string(task.Kind), []byte(payload), createdAt, availableAt.UTC()))
	if err != nil {
		if !errors.Is(err, repo.ErrNotFound) {
			return domain.Task{}, fmt.Errorf("insert task: %w", err)
		}
		return scanTask(s.db.QueryRowContext(ctx, selectTaskQuery, id))
	}
	return inserted, nil
}

func (s *TaskStore) Claim(ctx context.Context, now time.Time, lease time.Duration) (domain.Task, bool, error) {
	if s == nil || s.db == nil {
		return domain.Task{}, false, fmt.Errorf("task store not initialized")
	}
	if lease <= 0 {
		return domain.Task{}, false, fmt.Errorf("lease must be positive")
	}
	now = normalizeTime(now)
	task, err := scanTask(s.db.QueryRowContext(ctx, claimTaskQuery, now, now.Add(lease)))
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.Task{}, false, nil
		}
		return domain.Task{}, false, fmt.Errorf("claim task: %w", err)
	}
	return task, true, nil
}

func (s *TaskStore) Complete(ctx context.Context, id string) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("task store not initialized")
	}
	if _, err := s.db.ExecContext(ctx, completeTaskQuery, strings.TrimSpace(id)); err != nil {
		return fmt.Errorf("complete task: %w", err)
	}
	return nil
}

func (s *TaskStore) Fail(ctx context.Context, id, message string, retryAt *time.Time) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("task store not initialized")
	}
	var err error
	if retryAt != nil {
		_, err = s.db.ExecContext(ctx, retryTaskQuery, strings.TrimSpace(id), nullIfEmpty(message), retryAt.UTC())
	} else {
		_, err = s.db.ExecContext(ctx, buryTaskQuery, strings.TrimSpace(id), nullIfEmpty(message))
	}
	if err != nil {
		return fmt.Errorf("fail task: %w", err)
	}
	return nil
}

func scanTask(row scanner) (domain.Task, error) {
	var (
		task        domain.Task
		kind        string
		payload     []byte
		leasedUntil sql.NullTime
		lastError   sql.NullString
	)
	if err := row.Scan(&task.ID, &kind, &payload, &task.Attempts, &task.CreatedAt, &task.AvailableAt, &leasedUntil, &lastError); err != nil {
		return domain.Task{}, handleNotFound(err)
	}
	task.Kind = domain.TaskKind(kind)
	task.Payload = payload
	task.CreatedAt = task.CreatedAt.UTC()
	task.AvailableAt = task.AvailableAt.UTC()
	task.LeasedUntil = timePtr(leasedUntil)
	task.LastError = lastError.String
	return task, nil
}
