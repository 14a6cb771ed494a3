package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lsst-sqre/times-square-go/internal/domain"
	"github.com/lsst-sqre/times-square-go/internal/repo"
)

type ComputationStore struct {
	db DB
}

const computationColumns = `fingerprint, page_name, query, generation, job_generation, state, job_url,
	timeout_ms, enqueued_at, started_at, finished_at, html_hash, error_kind, error_message`

const (
	// A terminal or stale row is restarted with the next generation; a live
	// marker makes the WHERE clause fail and nothing is returned.
	claimComputationQuery = `INSERT INTO computations (` + computationColumns + `)
	VALUES ($1,$2,$3,1,1,'queued',NULL,$4,$5,NULL,NULL,NULL,NULL,NULL)
	ON CONFLICT (fingerprint) DO UPDATE SET
		page_name = EXCLUDED.page_name,
		query = EXCLUDED.query,
		generation = computations.generation + 1,
		job_generation = computations.generation + 1,
		state = 'queued',
		job_url = NULL,
		timeout_ms = EXCLUDED.timeout_ms,
		enqueued_at = EXCLUDED.enqueued_at,
		started_at = NULL,
		finished_at = NULL,
		html_hash = NULL,
		error_kind = NULL,
		error_message = NULL
	WHERE computations.state IN ('succeeded', 'failed', 'timed_out')
	   OR computations.enqueued_at < $6
	RETURNING ` + computationColumns

	selectComputationQuery = `SELECT ` + computationColumns + ` FROM computations WHERE fingerprint = $1`

	updateComputationQuery = `UPDATE computations SET
		job_generation = $3,
		state = $4,
		job_url = $5,
		timeout_ms = $6,
		enqueued_at = $7,
		started_at = $8,
		finished_at = $9,
		html_hash = $10,
		error_kind = $11,
		error_message = $12
	WHERE fingerprint = $1 AND generation = $2`

	supersedeComputationQuery = `UPDATE computations SET generation = generation + 1
	WHERE fingerprint = $1 AND state IN ('queued', 'running')
	RETURNING ` + computationColumns

	supersedePageComputationsQuery = `UPDATE computations SET generation = generation + 1
	WHERE page_name = $1 AND state IN ('queued', 'running')`

	deleteTerminalPageComputationsQuery = `DELETE FROM computations
	WHERE page_name = $1 AND state IN ('succeeded', 'failed', 'timed_out')`

	listActiveComputationsQuery = `SELECT ` + computationColumns + ` FROM computations
	WHERE state IN ('queued', 'running')
	ORDER BY enqueued_at ASC`
)

func NewComputationStore(db DB) *ComputationStore {
	if db == nil {
		return nil
	}
	return &ComputationStore{db: db}
}

func (s *ComputationStore) Claim(ctx context.Context, c domain.Computation, staleBefore time.Time) (domain.Computation, bool, error) {
	if s == nil || s.db == nil {
		return domain.Computation{}, false, fmt.Errorf("computation store not initialized")
	}
	fingerprint := strings.TrimSpace(c.Fingerprint)
	if fingerprint == "" {
		return domain.Computation{}, false, fmt.Errorf("fingerprint is required")
	}
	if strings.TrimSpace(c.PageName) == "" {
		return domain.Computation{}, false, fmt.Errorf("page name is required")
	}

	claimed, err := scanComputation(s.db.QueryRowContext(ctx, claimComputationQuery,
		fingerprint,
		c.PageName,
		c.Query,
		c.Timeout.Milliseconds(),
		normalizeTime(c.EnqueuedAt),
		staleBefore.UTC(),
	))
	if err != nil {
		if !errors.Is(err, repo.ErrNotFound) {
			return domain.Computation{}, false, fmt.Errorf("claim computation: %w", err)
		}
		existing, err := s.Get(ctx, fingerprint)
		if err != nil {
			return domain.Computation{}, false, err
		}
		return existing, false, nil
	}
	return claimed, true, nil
}

func (s *ComputationStore) Get(ctx context.Context, fingerprint string) (domain.Computation, error) {
	if s == nil || s.db == nil {
		return domain.Computation{}, fmt.Errorf("computation store not initialized")
	}
	return scanComputation(s.db.QueryRowContext(ctx, selectComputationQuery, strings.TrimSpace(fingerprint)))
}

func (s *ComputationStore) Update(ctx context.Context, c domain.Computation) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("computation store not initialized")
	}
	res, err := s.db.ExecContext(ctx, updateComputationQuery,
		c.Fingerprint,
		c.Generation,
		c.JobGeneration,
		string(c.State),
		nullIfEmpty(c.JobURL),
		c.Timeout.Milliseconds(),
		normalizeTime(c.EnqueuedAt),
		nullTime(c.StartedAt),
		nullTime(c.FinishedAt),
		nullIfEmpty(c.HTMLHash),
		nullIfEmpty(string(c.ErrorKind)),
		nullIfEmpty(c.Error),
	)
	if err != nil {
		return fmt.Errorf("update computation: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update computation: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("computation %s generation %d: %w", c.Fingerprint, c.Generation, repo.ErrConflict)
	}
	return nil
}

func (s *ComputationStore) Supersede(ctx context.Context, fingerprint string) (domain.Computation, bool, error) {
	if s == nil || s.db == nil {
		return domain.Computation{}, false, fmt.Errorf("computation store not initialized")
	}
	c, err := scanComputation(s.db.QueryRowContext(ctx, supersedeComputationQuery, strings.TrimSpace(fingerprint)))
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.Computation{}, false, nil
		}
		return domain.Computation{}, false, fmt.Errorf("supersede computation: %w", err)
	}
	return c, true, nil
}

func (s *ComputationStore) InvalidatePage(ctx context.Context, pageName string) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("computation store not initialized")
	}
	pageName = strings.TrimSpace(pageName)
	if pageName == "" {
		return fmt.Errorf("page name is required")
	}
	if _, err := s.db.ExecContext(ctx, supersedePageComputationsQuery, pageName); err != nil {
		return fmt.Errorf("supersede page computations: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, deleteTerminalPageComputationsQuery, pageName); err != nil {
		return fmt.Errorf("delete page computations: %w", err)
	}
	return nil
}

func (s *ComputationStore) ListActive(ctx context.Context) ([]domain.Computation, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("computation store not initialized")
	}
	rows, err := s.db.QueryContext(ctx, listActiveComputationsQuery)
	if err != nil {
		return nil, fmt.Errorf("list computations: %w", err)
	}
	defer rows.Close()

	out := make([]domain.Computation, 0)
	for rows.Next() {
		c, err := scanComputation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list computations: %w", err)
	}
	return out, nil
}

func scanComputation(row scanner) (domain.Computation, error) {
	var (
		c                     domain.Computation
		state                 string
		jobURL, htmlHash      sql.NullString
		errorKind, errorMsg   sql.NullString
		timeoutMS             int64
		startedAt, finishedAt sql.NullTime
	)
	if err := row.Scan(
		&c.Fingerprint,
		&c.PageName,
		&c.Query,
		&c.Generation,
		&c.JobGeneration,
		&state,
		&jobURL,
		&timeoutMS,
		&c.EnqueuedAt,
		&startedAt,
		&finishedAt,
		&htmlHash,
		&errorKind,
		&errorMsg,
	); err != nil {
		return domain.Computation{}, handleNotFound(err)
	}
	c.State = domain.ComputationState(state)
	c.JobURL = jobURL.String
	c.Timeout = time.Duration(timeoutMS) * time.Millisecond
	c.EnqueuedAt = c.EnqueuedAt.UTC()
	c.StartedAt = timePtr(startedAt)
	c.FinishedAt = timePtr(finishedAt)
	c.HTMLHash = htmlHash.String
	c.ErrorKind = domain.ExecutionErrorKind(errorKind.String)
	c.Error = errorMsg.String
	return c, nil
}
