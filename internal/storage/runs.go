package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// ErrRunNotFound is returned when a run id is unknown.
var ErrRunNotFound = errors.New("simulation run not found")

const createRunsTable = `
	CREATE TABLE IF NOT EXISTS simulation_runs (
		id           UUID PRIMARY KEY,
		model_path   TEXT NOT NULL,
		weather_path TEXT NOT NULL,
		started_at   TIMESTAMPTZ NOT NULL,
		ended_at     TIMESTAMPTZ,
		reason       TEXT NOT NULL DEFAULT '',
		final_time   DOUBLE PRECISION NOT NULL DEFAULT 0,
		steps        BIGINT NOT NULL DEFAULT 0
	)`

// Migrate creates the run journal table.
func (p *PostgresClient) Migrate(ctx context.Context) error {
	if _, err := p.pool.Exec(ctx, createRunsTable); err != nil {
		return fmt.Errorf("failed to create simulation_runs: %w", err)
	}
	return nil
}

// RunStarted inserts a new run.
func (p *PostgresClient) RunStarted(ctx context.Context, run SimulationRun) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO simulation_runs (id, model_path, weather_path, started_at)
		VALUES ($1, $2, $3, $4)
	`, run.ID, run.ModelPath, run.WeatherPath, run.StartedAt)

	if err != nil {
		return fmt.Errorf("failed to insert run: %w", err)
	}
	return nil
}

// RunFinished records how a run ended.
func (p *PostgresClient) RunFinished(ctx context.Context, run SimulationRun) error {
	endedAt := time.Now()
	if run.EndedAt != nil {
		endedAt = *run.EndedAt
	}

	tag, err := p.pool.Exec(ctx, `
		UPDATE simulation_runs
		SET ended_at = $2, reason = $3, final_time = $4, steps = $5
		WHERE id = $1
	`, run.ID, endedAt, run.Reason, run.FinalTime, int64(run.Steps))

	if err != nil {
		return fmt.Errorf("failed to update run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrRunNotFound, run.ID)
	}
	return nil
}

// GetRun loads one run.
func (p *PostgresClient) GetRun(ctx context.Context, id uuid.UUID) (*SimulationRun, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT id, model_path, weather_path, started_at, ended_at, reason, final_time, steps
		FROM simulation_runs
		WHERE id = $1
	`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load run: %w", err)
	}

	run, err := pgx.CollectExactlyOneRow(rows, scanRun)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrRunNotFound, id)
		}
		return nil, fmt.Errorf("failed to load run: %w", err)
	}
	return &run, nil
}

// ListRuns returns the most recent runs first.
func (p *PostgresClient) ListRuns(ctx context.Context, limit int) ([]SimulationRun, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT id, model_path, weather_path, started_at, ended_at, reason, final_time, steps
		FROM simulation_runs
		ORDER BY started_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}

	runs, err := pgx.CollectRows(rows, scanRun)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	return runs, nil
}

func scanRun(row pgx.CollectableRow) (SimulationRun, error) {
	var run SimulationRun
	var steps int64
	err := row.Scan(
		&run.ID,
		&run.ModelPath,
		&run.WeatherPath,
		&run.StartedAt,
		&run.EndedAt,
		&run.Reason,
		&run.FinalTime,
		&steps,
	)
	run.Steps = uint64(steps)
	return run, err
}
