package storage

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestClient connects to CSB_TEST_DATABASE_DSN and skips without it.
func newTestClient(t *testing.T) *PostgresClient {
	t.Helper()

	dsn := os.Getenv("CSB_TEST_DATABASE_DSN")
	if dsn == "" {
		t.Skip("CSB_TEST_DATABASE_DSN not set")
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	client := &PostgresClient{pool: pool}
	require.NoError(t, client.Migrate(ctx))
	return client
}

func TestRunJournal_Lifecycle(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()

	run := SimulationRun{
		ID:          uuid.New(),
		ModelPath:   "/models/building.idf",
		WeatherPath: "/weather/chicago.epw",
		StartedAt:   time.Now().UTC().Truncate(time.Millisecond),
	}
	require.NoError(t, client.RunStarted(ctx, run))

	ended := run.StartedAt.Add(time.Minute)
	run.EndedAt = &ended
	run.Reason = "normal end"
	run.FinalTime = 86400
	run.Steps = 96
	require.NoError(t, client.RunFinished(ctx, run))

	got, err := client.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, "normal end", got.Reason)
	assert.Equal(t, uint64(96), got.Steps)
	assert.Equal(t, 86400.0, got.FinalTime)
	require.NotNil(t, got.EndedAt)

	runs, err := client.ListRuns(ctx, 10)
	require.NoError(t, err)
	assert.NotEmpty(t, runs)
}

func TestRunJournal_UnknownRun(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()

	_, err := client.GetRun(ctx, uuid.New())
	assert.ErrorIs(t, err, ErrRunNotFound)

	err = client.RunFinished(ctx, SimulationRun{ID: uuid.New(), Reason: "x"})
	assert.ErrorIs(t, err, ErrRunNotFound)
}
