package integration

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/fairyhunter13/jobguard/internal/adapter/repo/postgres"
	"github.com/fairyhunter13/jobguard/internal/config"
	"github.com/fairyhunter13/jobguard/internal/domain"
)

// Runs the repository against a real Postgres. Enable with
// JOBGUARD_INTEGRATION=1; requires a working Docker daemon.
func TestRepository_AgainstPostgres(t *testing.T) {
	if os.Getenv("JOBGUARD_INTEGRATION") == "" {
		t.Skip("set JOBGUARD_INTEGRATION=1 to run container-backed tests")
	}
	ctx := context.Background()

	pgReq := testcontainers.ContainerRequest{
		Image:        "postgres:16",
		Env:          map[string]string{"POSTGRES_PASSWORD": "postgres", "POSTGRES_USER": "postgres", "POSTGRES_DB": "jobguard"},
		ExposedPorts: []string{"5432/tcp"},
		WaitingFor:   wait.ForLog("database system is ready to accept connections").WithStartupTimeout(90 * time.Second),
	}
	pgC, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{ContainerRequest: pgReq, Started: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = pgC.Terminate(ctx) })

	host, err := pgC.Host(ctx)
	require.NoError(t, err)
	port, err := pgC.MappedPort(ctx, "5432")
	require.NoError(t, err)

	cfg := config.Default().Postgres
	cfg.URL = "postgres://postgres:postgres@" + host + ":" + port.Port() + "/jobguard?sslmode=disable"

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	manager, err := postgres.NewManager(ctx, cfg, log)
	require.NoError(t, err)
	t.Cleanup(manager.Close)
	require.NoError(t, manager.TestConnection(ctx))
	require.NoError(t, postgres.Migrate(ctx, manager.Pool()))

	repo := postgres.NewJobRepo(manager.Pool(), nil, nil)
	const queue = "emails"
	qt := domain.QueueBull

	t.Run("insert is upsert over active rows", func(t *testing.T) {
		created, err := repo.InsertJob(ctx, queue, qt, "j1", "send", json.RawMessage(`{"n":1}`), 0, 3)
		require.NoError(t, err)
		assert.True(t, created)

		// Same business key while active refreshes in place.
		created, err = repo.InsertJob(ctx, queue, qt, "j1", "send", json.RawMessage(`{"n":2}`), 1, 3)
		require.NoError(t, err)
		assert.True(t, created)

		rec, err := repo.GetJob(ctx, queue, qt, "j1")
		require.NoError(t, err)
		assert.Equal(t, domain.JobPending, rec.Status)
		assert.Equal(t, 1, rec.Attempts)
		assert.JSONEq(t, `{"n":2}`, string(rec.Data))
	})

	t.Run("terminal rows are immutable and reincarnate", func(t *testing.T) {
		require.NoError(t, repo.UpdateJobStatus(ctx, queue, qt, "j1", domain.JobProcessing))
		require.NoError(t, repo.UpdateJobStatus(ctx, queue, qt, "j1", domain.JobCompleted))

		// Status updates no longer touch the terminal row.
		require.NoError(t, repo.UpdateJobStatus(ctx, queue, qt, "j1", domain.JobProcessing))
		rec, err := repo.GetJob(ctx, queue, qt, "j1")
		require.NoError(t, err)
		assert.Equal(t, domain.JobCompleted, rec.Status)
		require.NotNil(t, rec.CompletedAt)

		// A re-submitted id gets a fresh row.
		created, err := repo.InsertJob(ctx, queue, qt, "j1", "send", json.RawMessage(`{"n":3}`), 0, 3)
		require.NoError(t, err)
		assert.True(t, created)
		fresh, err := repo.GetJob(ctx, queue, qt, "j1")
		require.NoError(t, err)
		assert.Equal(t, domain.JobPending, fresh.Status)
		assert.NotEqual(t, rec.ID, fresh.ID)
	})

	t.Run("error update computes dead in SQL", func(t *testing.T) {
		_, err := repo.InsertJob(ctx, queue, qt, "j2", "send", nil, 2, 3)
		require.NoError(t, err)
		require.NoError(t, repo.UpdateJobError(ctx, queue, qt, "j2", "boom"))

		rec, err := repo.GetJob(ctx, queue, qt, "j2")
		require.NoError(t, err)
		assert.Equal(t, domain.JobDead, rec.Status)
		assert.Equal(t, 3, rec.Attempts)
		assert.Equal(t, "boom", rec.ErrorMessage)
		require.NotNil(t, rec.CompletedAt)
	})

	t.Run("error update never exceeds max attempts", func(t *testing.T) {
		// Mirrors a re-enqueued job that was already at the cap when the
		// broker reported its failure.
		_, err := repo.InsertJob(ctx, queue, qt, "j5", "send", nil, 3, 3)
		require.NoError(t, err)
		require.NoError(t, repo.UpdateJobError(ctx, queue, qt, "j5", "boom again"))

		rec, err := repo.GetJob(ctx, queue, qt, "j5")
		require.NoError(t, err)
		assert.Equal(t, domain.JobDead, rec.Status)
		assert.Equal(t, 3, rec.Attempts)
	})

	t.Run("harvest marks stale processing rows", func(t *testing.T) {
		_, err := repo.InsertJob(ctx, queue, qt, "j3", "send", nil, 1, 3)
		require.NoError(t, err)
		require.NoError(t, repo.UpdateJobStatus(ctx, queue, qt, "j3", domain.JobProcessing))

		// Age the liveness signal past the threshold.
		_, err = manager.Pool().Exec(ctx,
			`UPDATE jobguard_jobs SET last_heartbeat = now() - interval '10 minutes' WHERE job_id = 'j3' AND status = 'processing'`)
		require.NoError(t, err)

		toReenqueue, deadIDs, err := repo.GetAndMarkStuckJobs(ctx, queue, qt, 5*time.Minute, 100, true)
		require.NoError(t, err)
		assert.Empty(t, deadIDs)
		require.Len(t, toReenqueue, 1)
		assert.Equal(t, "j3", toReenqueue[0].JobID)
		assert.Equal(t, domain.JobStuck, toReenqueue[0].Status)

		rec, err := repo.GetJob(ctx, queue, qt, "j3")
		require.NoError(t, err)
		assert.Equal(t, domain.JobStuck, rec.Status)
	})

	t.Run("statistics and cleanup", func(t *testing.T) {
		stats, err := repo.GetStatistics(ctx, queue, qt)
		require.NoError(t, err)
		assert.Greater(t, stats.Total, int64(0))

		deleted, err := repo.DeleteOldJobs(ctx, 7)
		require.NoError(t, err)
		assert.Equal(t, int64(0), deleted)
	})
}
