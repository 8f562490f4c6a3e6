package shared_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/jobguard/internal/adapter/queue/shared"
	"github.com/fairyhunter13/jobguard/internal/config"
	"github.com/fairyhunter13/jobguard/internal/domain"
	"github.com/fairyhunter13/jobguard/internal/testsupport"
)

func newBase(repo *testsupport.FakeRepo) *shared.BaseAdapter {
	return &shared.BaseAdapter{
		Repo:  repo,
		Log:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		Queue: "emails",
		QType: domain.QueueBull,
		Limits: config.LimitsConfig{
			MaxJobDataSize:   1 << 20,
			MaxJobNameLength: 255,
		},
	}
}

func TestValidateSubmission(t *testing.T) {
	base := newBase(&testsupport.FakeRepo{})

	assert.NoError(t, base.ValidateSubmission("send", json.RawMessage(`{"to":"a"}`)))
	assert.NoError(t, base.ValidateSubmission("", nil))

	err := base.ValidateSubmission(strings.Repeat("n", 256), nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrValidation)

	big := json.RawMessage(`"` + strings.Repeat("x", 1<<20) + `"`)
	err = base.ValidateSubmission("send", big)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrValidation)

	err = base.ValidateSubmission("send", json.RawMessage(`{not json`))
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestTrackSubmit_MirrorFailureIsSwallowed(t *testing.T) {
	repo := &testsupport.FakeRepo{
		InsertFn: func(_ context.Context, _ string) (bool, error) {
			return false, errors.New("db down")
		},
	}
	base := newBase(repo)

	// Must not panic and must not surface the error.
	base.TrackSubmit(context.Background(), "42", "send", json.RawMessage(`{}`), 0, 3)
	require.Len(t, repo.InsertCalls(), 1)
	assert.Equal(t, "42", repo.InsertCalls()[0].JobID)
}

func TestHandleEvent_Active(t *testing.T) {
	repo := &testsupport.FakeRepo{}
	base := newBase(repo)

	base.HandleEvent(context.Background(), domain.JobEvent{Kind: domain.EventActive, JobID: "7"})

	calls := repo.StatusCalls()
	require.Len(t, calls, 1)
	assert.Equal(t, domain.JobProcessing, calls[0].Status)
	assert.Equal(t, "7", calls[0].JobID)
}

func TestHandleEvent_Completed(t *testing.T) {
	repo := &testsupport.FakeRepo{}
	base := newBase(repo)

	base.HandleEvent(context.Background(), domain.JobEvent{Kind: domain.EventCompleted, JobID: "7"})

	calls := repo.StatusCalls()
	require.Len(t, calls, 1)
	assert.Equal(t, domain.JobCompleted, calls[0].Status)
}

func TestHandleEvent_FailedSanitizesReason(t *testing.T) {
	repo := &testsupport.FakeRepo{}
	base := newBase(repo)

	base.HandleEvent(context.Background(), domain.JobEvent{
		Kind:         domain.EventFailed,
		JobID:        "7",
		FailedReason: "connect failed: password=topsecret",
	})

	calls := repo.ErrorCalls()
	require.Len(t, calls, 1)
	assert.NotContains(t, calls[0].ErrMsg, "topsecret")
	assert.Contains(t, calls[0].ErrMsg, "password=***")
}

func TestHandleEvent_RepoErrorDoesNotPanic(t *testing.T) {
	repo := &testsupport.FakeRepo{
		StatusFn: func(_ context.Context, _ string, _ domain.JobStatus) error {
			return errors.New("circuit breaker open")
		},
	}
	base := newBase(repo)
	base.HandleEvent(context.Background(), domain.JobEvent{Kind: domain.EventActive, JobID: "7"})
}

func TestTrackHeartbeat_Swallowed(t *testing.T) {
	repo := &testsupport.FakeRepo{
		HeartbeatFn: func(_ context.Context, _ string) error { return errors.New("down") },
	}
	base := newBase(repo)
	base.TrackHeartbeat(context.Background(), "42")
	assert.Equal(t, []string{"42"}, repo.HeartbeatCalls())
}
