package scheduler

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Store persists the schedule registry so a restarted pod can rearm.
type Store interface {
	Save(ctx context.Context, job Job) error
	Delete(ctx context.Context, flowID string) error
	List(ctx context.Context) ([]Job, error)
}

// PostgresStore is the pgx-backed Store.
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger Logger
}

// NewPostgresStore creates the store and ensures its table exists.
func NewPostgresStore(ctx context.Context, pool *pgxpool.Pool, logger Logger) (*PostgresStore, error) {
	store := &PostgresStore{
		pool:   pool,
		logger: logger,
	}
	if err := store.init(ctx); err != nil {
		return nil, err
	}
	return store, nil
}

func (s *PostgresStore) init(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS flow_schedules (
			flow_id        TEXT PRIMARY KEY,
			cron_expr      TEXT NOT NULL,
			correlation_id TEXT NOT NULL,
			one_time       BOOLEAN NOT NULL DEFAULT FALSE,
			created_at     TIMESTAMPTZ NOT NULL DEFAULT now()
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create flow_schedules table: %w", err)
	}
	return nil
}

// Save upserts a schedule row.
func (s *PostgresStore) Save(ctx context.Context, job Job) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO flow_schedules (flow_id, cron_expr, correlation_id, one_time)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (flow_id) DO UPDATE
		SET cron_expr = EXCLUDED.cron_expr,
		    correlation_id = EXCLUDED.correlation_id,
		    one_time = EXCLUDED.one_time
	`, job.FlowID, job.CronExpression, job.CorrelationID, job.OneTime)
	if err != nil {
		return fmt.Errorf("failed to save schedule for flow %s: %w", job.FlowID, err)
	}
	return nil
}

// Delete removes a schedule row.
func (s *PostgresStore) Delete(ctx context.Context, flowID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM flow_schedules WHERE flow_id = $1`, flowID)
	if err != nil {
		return fmt.Errorf("failed to delete schedule for flow %s: %w", flowID, err)
	}
	return nil
}

// List returns every persisted schedule.
func (s *PostgresStore) List(ctx context.Context) ([]Job, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT flow_id, cron_expr, correlation_id, one_time
		FROM flow_schedules
		ORDER BY created_at
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query schedules: %w", err)
	}
	defer rows.Close()

	var jobs []Job
	for rows.Next() {
		var job Job
		if err := rows.Scan(&job.FlowID, &job.CronExpression, &job.CorrelationID, &job.OneTime); err != nil {
			return nil, fmt.Errorf("failed to scan schedule row: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read schedule rows: %w", err)
	}
	return jobs, nil
}
