package bull_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/jobguard/internal/adapter/queue/bull"
	"github.com/fairyhunter13/jobguard/internal/adapter/queue/shared"
	"github.com/fairyhunter13/jobguard/internal/config"
	"github.com/fairyhunter13/jobguard/internal/domain"
	"github.com/fairyhunter13/jobguard/internal/testsupport"
)

func newAdapter(t *testing.T, repo *testsupport.FakeRepo, removal shared.RemovalPolicy) (*bull.Adapter, *miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	limits := config.LimitsConfig{MaxJobDataSize: 1 << 20, MaxJobNameLength: 255}
	a := bull.New(client, repo, log, "emails", limits, removal)
	t.Cleanup(func() { _ = a.Close() })
	return a, mr, client
}

func TestSubmit_EnqueuesAndTracks(t *testing.T) {
	repo := &testsupport.FakeRepo{}
	a, mr, _ := newAdapter(t, repo, shared.RemovalPolicy{})

	jobID, err := a.Submit(context.Background(), "send", json.RawMessage(`{"to":"a"}`), domain.SubmitOptions{})
	require.NoError(t, err)
	assert.Equal(t, "1", jobID)

	assert.Equal(t, `{"to":"a"}`, mr.HGet("bull:emails:1", "data"))
	wait, err := mr.List("bull:emails:wait")
	require.NoError(t, err)
	assert.Contains(t, wait, "1")

	inserts := repo.InsertCalls()
	require.Len(t, inserts, 1)
	assert.Equal(t, "1", inserts[0].JobID)
	assert.Equal(t, 0, inserts[0].Attempts)
	assert.Equal(t, 3, inserts[0].MaxAttempts)
}

func TestSubmit_Delayed(t *testing.T) {
	repo := &testsupport.FakeRepo{}
	a, mr, _ := newAdapter(t, repo, shared.RemovalPolicy{})

	jobID, err := a.Submit(context.Background(), "send", nil, domain.SubmitOptions{Delay: time.Minute})
	require.NoError(t, err)

	members, err := mr.ZMembers("bull:emails:delayed")
	require.NoError(t, err)
	assert.Contains(t, members, jobID)
	assert.False(t, mr.Exists("bull:emails:wait"))
}

func TestSubmit_ValidationFailure(t *testing.T) {
	repo := &testsupport.FakeRepo{}
	a, mr, _ := newAdapter(t, repo, shared.RemovalPolicy{})

	_, err := a.Submit(context.Background(), strings.Repeat("n", 300), nil, domain.SubmitOptions{})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrValidation)
	assert.False(t, mr.Exists("bull:emails:id"))
	assert.Empty(t, repo.InsertCalls())
}

func TestStart_MirrorsLifecycleEvents(t *testing.T) {
	repo := &testsupport.FakeRepo{}
	a, mr, client := newAdapter(t, repo, shared.RemovalPolicy{})

	require.NoError(t, a.Start(context.Background()))

	ctx := context.Background()
	require.NoError(t, client.Publish(ctx, "bull:emails:global:active", "7").Err())
	require.Eventually(t, func() bool {
		return len(repo.StatusCalls()) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, domain.JobProcessing, repo.StatusCalls()[0].Status)

	require.NoError(t, client.Publish(ctx, "bull:emails:global:completed", "7").Err())
	require.Eventually(t, func() bool {
		return len(repo.StatusCalls()) == 2
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, domain.JobCompleted, repo.StatusCalls()[1].Status)

	mr.HSet("bull:emails:8", "failedReason", "boom password=hush")
	require.NoError(t, client.Publish(ctx, "bull:emails:global:failed", "8").Err())
	require.Eventually(t, func() bool {
		return len(repo.ErrorCalls()) == 1
	}, 2*time.Second, 10*time.Millisecond)
	got := repo.ErrorCalls()[0]
	assert.Equal(t, "8", got.JobID)
	assert.NotContains(t, got.ErrMsg, "hush")
}

func stuckRecord(jobID string, attempts int) domain.JobRecord {
	return domain.JobRecord{
		ID: "00000000-0000-0000-0000-000000000001", QueueName: "emails",
		QueueType: domain.QueueBull, JobID: jobID, JobName: "send",
		Data: json.RawMessage(`{"to":"a"}`), Status: domain.JobStuck,
		Attempts: attempts, MaxAttempts: 3,
	}
}

func TestReenqueue_RemovesAndResubmits(t *testing.T) {
	rec := stuckRecord("5", 1)
	repo := &testsupport.FakeRepo{
		GetFn: func(_ context.Context, _ string) (domain.JobRecord, error) { return rec, nil },
	}
	a, mr, _ := newAdapter(t, repo, shared.RemovalPolicy{})

	mr.HSet("bull:emails:5", "data", `{"to":"a"}`)
	_, err := mr.Push("bull:emails:active", "5")
	require.NoError(t, err)

	ok, err := a.Reenqueue(context.Background(), rec)
	require.NoError(t, err)
	assert.True(t, ok)

	// The drained active list is deleted outright.
	assert.False(t, mr.Exists("bull:emails:active"))
	wait, err := mr.List("bull:emails:wait")
	require.NoError(t, err)
	assert.Contains(t, wait, "5")

	inserts := repo.InsertCalls()
	require.Len(t, inserts, 1)
	assert.Equal(t, "5", inserts[0].JobID)
	assert.Equal(t, 2, inserts[0].Attempts)
}

func TestReenqueue_SkipsWhenRecordProgressed(t *testing.T) {
	rec := stuckRecord("5", 1)
	progressed := rec
	progressed.Status = domain.JobCompleted
	repo := &testsupport.FakeRepo{
		GetFn: func(_ context.Context, _ string) (domain.JobRecord, error) { return progressed, nil },
	}
	a, _, _ := newAdapter(t, repo, shared.RemovalPolicy{})

	ok, err := a.Reenqueue(context.Background(), rec)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Empty(t, repo.InsertCalls())
}

func TestReenqueue_SkipsWhenBrokerShowsFinished(t *testing.T) {
	rec := stuckRecord("5", 1)
	repo := &testsupport.FakeRepo{
		GetFn: func(_ context.Context, _ string) (domain.JobRecord, error) { return rec, nil },
	}
	a, mr, _ := newAdapter(t, repo, shared.RemovalPolicy{})

	mr.HSet("bull:emails:5", "finishedOn", "1724457600000")

	ok, err := a.Reenqueue(context.Background(), rec)
	require.NoError(t, err)
	assert.False(t, ok)
	// The finished broker job is left alone.
	assert.True(t, mr.Exists("bull:emails:5"))
}

func TestReenqueue_AbsentBrokerJob(t *testing.T) {
	rec := stuckRecord("5", 1)

	t.Run("skips by default", func(t *testing.T) {
		repo := &testsupport.FakeRepo{
			GetFn: func(_ context.Context, _ string) (domain.JobRecord, error) { return rec, nil },
		}
		a, mr, _ := newAdapter(t, repo, shared.RemovalPolicy{})
		ok, err := a.Reenqueue(context.Background(), rec)
		require.NoError(t, err)
		assert.False(t, ok)
		assert.False(t, mr.Exists("bull:emails:wait"))
		assert.Empty(t, repo.InsertCalls())
	})

	t.Run("resubmits from mirror when opted in", func(t *testing.T) {
		repo := &testsupport.FakeRepo{
			GetFn: func(_ context.Context, _ string) (domain.JobRecord, error) { return rec, nil },
		}
		a, mr, _ := newAdapter(t, repo, shared.RemovalPolicy{ResubmitMissing: true})
		ok, err := a.Reenqueue(context.Background(), rec)
		require.NoError(t, err)
		assert.True(t, ok)
		wait, err := mr.List("bull:emails:wait")
		require.NoError(t, err)
		assert.Contains(t, wait, "5")
	})
}

func TestStart_SurvivesInitContextCancel(t *testing.T) {
	repo := &testsupport.FakeRepo{}
	a, _, client := newAdapter(t, repo, shared.RemovalPolicy{})

	initCtx, cancelInit := context.WithCancel(context.Background())
	require.NoError(t, a.Start(initCtx))
	cancelInit()

	require.NoError(t, client.Publish(context.Background(), "bull:emails:global:active", "7").Err())
	require.Eventually(t, func() bool {
		return len(repo.StatusCalls()) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestClose_Idempotent(t *testing.T) {
	repo := &testsupport.FakeRepo{}
	a, _, _ := newAdapter(t, repo, shared.RemovalPolicy{})
	require.NoError(t, a.Start(context.Background()))
	require.NoError(t, a.Close())
	require.NoError(t, a.Close())

	_, err := a.Submit(context.Background(), "send", nil, domain.SubmitOptions{})
	require.Error(t, err)
}
