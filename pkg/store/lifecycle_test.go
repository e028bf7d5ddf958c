package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethpandaops/testoor/pkg/store"
)

func TestCancelRun(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	id := scheduleRun(t, s)

	// One test in flight, the rest pending.
	claimed, err := s.ClaimTest(ctx, "worker-1", true)
	require.NoError(t, err)
	require.NotNil(t, claimed)

	affected, err := s.CancelRun(ctx, id)
	require.NoError(t, err)
	// 1 pending build + 2 pending tests + 1 running test.
	assert.Equal(t, int64(4), affected)

	view, err := s.GetRun(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, store.RunCanceled, view.Status)

	for _, b := range view.Builds {
		assert.Equal(t, store.BuildSkipped, b.Status)

		for _, test := range b.Tests {
			assert.Equal(t, store.TestCanceled, test.Status)
		}
	}

	// A worker's late report for the cancelled test is discarded.
	err = s.ReportTest(ctx, claimed.ID, "worker-1", store.TestPassed)
	require.ErrorIs(t, err, store.ErrStaleOwner)

	// Cancelling again is a no-op.
	affected, err = s.CancelRun(ctx, id)
	require.NoError(t, err)
	assert.Zero(t, affected)
}

func TestCancelRunNotFound(t *testing.T) {
	s := setupTestStore(t)

	_, err := s.CancelRun(context.Background(), 999)
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestCancelDoesNotTouchFinishedWork(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	id := scheduleRun(t, s)

	build, err := s.ClaimBuild(ctx, "builder-1")
	require.NoError(t, err)
	require.NoError(t, s.ReportBuild(ctx, build.ID, "builder-1", true, "", ""))

	claimed, err := s.ClaimTest(ctx, "worker-1", false)
	require.NoError(t, err)
	require.NoError(t, s.ReportTest(
		ctx, claimed.ID, "worker-1", store.TestPassed,
	))

	_, err = s.CancelRun(ctx, id)
	require.NoError(t, err)

	detail, err := s.GetTest(ctx, claimed.ID)
	require.NoError(t, err)
	assert.Equal(t, store.TestPassed, detail.Status)

	buildDetail, err := s.GetBuild(ctx, build.ID)
	require.NoError(t, err)
	assert.Equal(t, store.BuildDone, buildDetail.Status)
}

// failRun drives a scheduled run into a mixed terminal state: the debug
// build's two tests FAILED and PASSED, the mocknet test CANCELED.
func failRun(t *testing.T, s store.Store, id uint) {
	t.Helper()

	ctx := context.Background()

	build, err := s.ClaimBuild(ctx, "builder-1")
	require.NoError(t, err)
	require.NoError(t, s.ReportBuild(ctx, build.ID, "builder-1", true, "", ""))

	statuses := []string{store.TestFailed, store.TestPassed}

	for _, status := range statuses {
		claimed, err := s.ClaimTest(ctx, "worker-1", false)
		require.NoError(t, err)
		require.NotNil(t, claimed)
		require.NoError(t, s.ReportTest(ctx, claimed.ID, "worker-1", status))
	}

	claimed, err := s.ClaimTest(ctx, "worker-1", true)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	_, err = s.CancelRun(ctx, id)
	require.NoError(t, err)
}

func TestRetryRun(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	id := scheduleRun(t, s)
	failRun(t, s, id)

	created, err := s.RetryRun(ctx, id)
	require.NoError(t, err)
	// Only the FAILED test is retried; PASSED and CANCELED are not.
	assert.Equal(t, int64(1), created)

	view, err := s.GetRun(ctx, id)
	require.NoError(t, err)

	var retry *store.Test

	for _, b := range view.Builds {
		for i := range b.Tests {
			if b.Tests[i].RetryOfID != nil {
				retry = &b.Tests[i]
			}
		}
	}

	require.NotNil(t, retry)
	assert.Equal(t, store.TestPending, retry.Status)
	assert.Zero(t, retry.Tries)
	assert.Equal(t, "pytest sanity/restart.py", retry.Name)

	// The original row was not mutated.
	var original *store.TestDetail

	original, err = s.GetTest(ctx, *retry.RetryOfID)
	require.NoError(t, err)
	assert.Equal(t, store.TestFailed, original.Status)

	// Retrying again creates nothing: the failure set is covered.
	created, err = s.RetryRun(ctx, id)
	require.NoError(t, err)
	assert.Zero(t, created)
}

func TestRetryRunAfterBuildFailure(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	id := scheduleRun(t, s)

	build, err := s.ClaimBuild(ctx, "builder-1")
	require.NoError(t, err)
	require.NoError(t, s.ReportBuild(
		ctx, build.ID, "builder-1", false, "", "compile error",
	))

	created, err := s.RetryRun(ctx, id)
	require.NoError(t, err)
	// Both cascaded tests get new rows under one fresh build.
	assert.Equal(t, int64(2), created)

	view, err := s.GetRun(ctx, id)
	require.NoError(t, err)
	// Original debug build + skip-build + one replacement.
	require.Len(t, view.Builds, 3)

	fresh := view.Builds[2]
	assert.Equal(t, store.BuildPending, fresh.Status)
	assert.Equal(t, build.IsRelease, fresh.IsRelease)
	assert.Equal(t, build.Features, fresh.Features)
	assert.Len(t, fresh.Tests, 2)

	// The replacement build is claimable like any other.
	again, err := s.ClaimBuild(ctx, "builder-2")
	require.NoError(t, err)
	require.NotNil(t, again)
	assert.Equal(t, fresh.ID, again.ID)
}

func TestRetryRunAllPassedIsNoOp(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	id := scheduleRun(t, s)

	build, err := s.ClaimBuild(ctx, "builder-1")
	require.NoError(t, err)
	require.NoError(t, s.ReportBuild(ctx, build.ID, "builder-1", true, "", ""))

	for {
		claimed, err := s.ClaimTest(ctx, "worker-1", true)
		require.NoError(t, err)

		if claimed == nil {
			break
		}

		require.NoError(t, s.ReportTest(
			ctx, claimed.ID, "worker-1", store.TestPassed,
		))
	}

	created, err := s.RetryRun(ctx, id)
	require.NoError(t, err)
	assert.Zero(t, created)
}

func TestRetryTest(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	id := scheduleRun(t, s)
	failRun(t, s, id)

	view, err := s.GetRun(ctx, id)
	require.NoError(t, err)

	var failed uint

	for _, b := range view.Builds {
		for _, test := range b.Tests {
			if test.Status == store.TestFailed {
				failed = test.ID
			}
		}
	}

	require.NotZero(t, failed)

	newID, err := s.RetryTest(ctx, failed)
	require.NoError(t, err)
	assert.NotEqual(t, failed, newID)

	// Idempotent: a second retry returns the existing row.
	sameID, err := s.RetryTest(ctx, failed)
	require.NoError(t, err)
	assert.Equal(t, newID, sameID)

	// Non-failure outcomes are not retryable.
	detail, err := s.GetTest(ctx, newID)
	require.NoError(t, err)
	require.Equal(t, store.TestPending, detail.Status)

	_, err = s.RetryTest(ctx, newID)
	require.ErrorIs(t, err, store.ErrValidation)

	_, err = s.RetryTest(ctx, 999)
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestReapStaleBuilds(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	scheduleRun(t, s)

	build, err := s.ClaimBuild(ctx, "builder-1")
	require.NoError(t, err)

	// Fresh claim: nothing is stale yet.
	requeued, failed, err := s.ReapStaleBuilds(ctx, time.Hour, time.Minute, 2)
	require.NoError(t, err)
	assert.Zero(t, requeued)
	assert.Zero(t, failed)

	// Zero timeout and grace: the claim is immediately overdue. First
	// reclaim re-queues because one attempt remains.
	requeued, failed, err = s.ReapStaleBuilds(ctx, 0, 0, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(1), requeued)
	assert.Zero(t, failed)

	// Second attempt goes stale as well: attempts are exhausted, so the
	// build fails terminally and its tests cascade.
	again, err := s.ClaimBuild(ctx, "builder-1")
	require.NoError(t, err)
	require.Equal(t, build.ID, again.ID)
	require.Equal(t, 2, again.Attempts)

	requeued, failed, err = s.ReapStaleBuilds(ctx, 0, 0, 2)
	require.NoError(t, err)
	assert.Zero(t, requeued)
	assert.Equal(t, int64(1), failed)

	detail, err := s.GetBuild(ctx, build.ID)
	require.NoError(t, err)
	assert.Equal(t, store.BuildFailed, detail.Status)
	assert.Equal(t, 2, detail.Tests[store.TestBuildFailed])

	// The owner's late report after the reclaim is discarded.
	err = s.ReportBuild(ctx, build.ID, "builder-1", true, "", "")
	require.ErrorIs(t, err, store.ErrStaleOwner)
}

func TestReapStaleTests(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	_, err := s.CreateRun(ctx, &store.NewRun{
		Branch: "master",
		SHA:    "abc",
		Builds: []store.NewBuild{{Key: "none", SkipBuild: true}},
		Tests: []store.NewTest{
			// Timeout 0 so the claim is overdue the moment it is made.
			{BuildKey: "none", Name: "pytest a.py", Category: "pytest", Timeout: 0},
		},
	})
	require.NoError(t, err)

	claimed, err := s.ClaimTest(ctx, "worker-1", false)
	require.NoError(t, err)
	require.NotNil(t, claimed)

	// maxTries 2, first try: re-queued with a back-off.
	requeued, timedOut, err := s.ReapStaleTests(ctx, 0, 0, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(1), requeued)
	assert.Zero(t, timedOut)

	// The owner's late report is discarded after the reclaim.
	err = s.ReportTest(ctx, claimed.ID, "worker-1", store.TestPassed)
	require.ErrorIs(t, err, store.ErrStaleOwner)

	claimed, err = s.ClaimTest(ctx, "worker-2", false)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	require.Equal(t, 2, claimed.Tries)

	// Tries exhausted: the reaper writes TIMEOUT.
	requeued, timedOut, err = s.ReapStaleTests(ctx, 0, 0, 2)
	require.NoError(t, err)
	assert.Zero(t, requeued)
	assert.Equal(t, int64(1), timedOut)

	detail, err := s.GetTest(ctx, claimed.ID)
	require.NoError(t, err)
	assert.Equal(t, store.TestTimeout, detail.Status)
}

func TestReaperDoesNotRaceFinishedWork(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	scheduleRun(t, s)

	claimed, err := s.ClaimTest(ctx, "worker-1", true)
	require.NoError(t, err)
	require.NotNil(t, claimed)

	// The owner finishes before the reaper's conditioned update runs:
	// the reclaim must find nothing to take.
	require.NoError(t, s.ReportTest(
		ctx, claimed.ID, "worker-1", store.TestPassed,
	))

	requeued, timedOut, err := s.ReapStaleTests(ctx, 0, 0, 2)
	require.NoError(t, err)
	assert.Zero(t, requeued)
	assert.Zero(t, timedOut)

	detail, err := s.GetTest(ctx, claimed.ID)
	require.NoError(t, err)
	assert.Equal(t, store.TestPassed, detail.Status)
}

func TestEndToEndRunLifecycle(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	id := scheduleRun(t, s)

	// Builder crash-restarts mid build.
	build, err := s.ClaimBuild(ctx, "builder-1")
	require.NoError(t, err)

	n, err := s.RequeueOwnedBuilds(ctx, "builder-1")
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	build, err = s.ClaimBuild(ctx, "builder-1")
	require.NoError(t, err)
	require.NoError(t, s.ReportBuild(ctx, build.ID, "builder-1", true, "ok", ""))

	// Workers drain the queue: first test flakes once then passes,
	// everything else passes outright.
	flaked := false

	for {
		claimed, err := s.ClaimTest(ctx, "worker-1", true)
		require.NoError(t, err)

		if claimed == nil {
			break
		}

		if !flaked {
			flaked = true

			require.NoError(t, s.RequeueTest(ctx, claimed.ID, "worker-1", 0))

			continue
		}

		require.NoError(t, s.ReportTest(
			ctx, claimed.ID, "worker-1", store.TestPassed,
		))
	}

	view, err := s.GetRun(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, store.RunPassed, view.Status)

	stats, err := s.SystemStats(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.PendingTests)
	assert.Zero(t, stats.RunningTests)
}
