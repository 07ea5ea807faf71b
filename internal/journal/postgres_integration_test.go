package journal

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/tradequorum/tradequorum/internal/decision"
)

// setupPostgresJournal starts a disposable postgres container and returns a
// journal connected to it. Requires Docker; opt in with JOURNAL_INTEGRATION=1.
func setupPostgresJournal(t *testing.T) *PostgresJournal {
	t.Helper()

	if os.Getenv("JOURNAL_INTEGRATION") == "" {
		t.Skip("set JOURNAL_INTEGRATION=1 to run postgres integration tests")
	}

	ctx := context.Background()

	container, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("journal_test"),
		postgres.WithUsername("postgres"),
		postgres.WithPassword("testpassword"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	require.NoError(t, err)
	t.Cleanup(func() { container.Terminate(context.Background()) })

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	j, err := NewPostgresJournal(ctx, connStr)
	require.NoError(t, err)
	t.Cleanup(func() { j.Close() })

	return j
}

func TestPostgresJournal_Integration(t *testing.T) {
	j := setupPostgresJournal(t)
	ctx := context.Background()

	require.NoError(t, j.Seed(ctx, "alpha", 10000))
	require.NoError(t, j.Seed(ctx, "alpha", 55555)) // idempotent

	record := testRecord("alpha", 1)
	record.Positions = []decision.Position{
		{Symbol: "BTCUSDT", Side: "long", Quantity: 0.1, EntryPrice: 20000, MarkPrice: 20100, Leverage: 5},
	}
	record.Actions = []Action{
		{Action: decision.ActionOpenLong, Symbol: "BTCUSDT", Quantity: 0.1, Leverage: 5, Price: 20000, Timestamp: record.Timestamp, Success: true},
	}
	require.NoError(t, j.Append(ctx, record))

	require.ErrorIs(t, j.Append(ctx, testRecord("alpha", 1)), ErrConflict)

	state, err := j.RestoreState(ctx, "alpha")
	require.NoError(t, err)
	assert.Equal(t, 10000.0, state.InitialBalance)
	assert.Equal(t, 1, state.LastCycle)

	all, err := j.All(ctx, "alpha")
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, 0, all[0].CycleNumber)
	require.Len(t, all[1].Positions, 1)
	require.Len(t, all[1].Actions, 1)
}
