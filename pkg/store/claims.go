package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// claimAttempts bounds how many candidate rows a single claim call will
// race for before giving up and letting the caller re-poll.
const claimAttempts = 3

// ClaimBuild atomically claims one pending build for the given builder.
// Candidates are ordered by priority (lower value first) then insertion
// order. The transition PENDING -> BUILDING only commits if the row is
// still PENDING at the moment of the write; losing the race moves on to
// the next candidate. Returns (nil, nil) when nothing is claimable.
func (s *store) ClaimBuild(
	ctx context.Context, builderID string,
) (*ClaimedBuild, error) {
	for range claimAttempts {
		var candidate Build

		err := s.db.WithContext(ctx).
			Where("status = ?", BuildPending).
			Order("priority ASC, id ASC").
			First(&candidate).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}

		if err != nil {
			return nil, fmt.Errorf("selecting pending build: %w", err)
		}

		now := time.Now().UTC()

		res := s.db.WithContext(ctx).
			Model(&Build{}).
			Where("id = ? AND status = ?", candidate.ID, BuildPending).
			Updates(map[string]any{
				"status":      BuildBuilding,
				"builder_id":  builderID,
				"started_at":  now,
				"finished_at": nil,
				"attempts":    gorm.Expr("attempts + 1"),
			})
		if res.Error != nil {
			return nil, fmt.Errorf("claiming build: %w", res.Error)
		}

		if res.RowsAffected == 0 {
			// Another builder won this row; try the next candidate.
			continue
		}

		candidate.Status = BuildBuilding
		candidate.BuilderID = builderID
		candidate.StartedAt = &now
		candidate.FinishedAt = nil
		candidate.Attempts++

		var run Run
		if err := s.db.WithContext(ctx).
			First(&run, candidate.RunID).Error; err != nil {
			return nil, fmt.Errorf("loading claimed build run: %w", err)
		}

		return &ClaimedBuild{
			Build:  candidate,
			Branch: run.Branch,
			SHA:    run.SHA,
		}, nil
	}

	return nil, nil
}

// ReportBuild writes a build's terminal status plus captured output,
// conditioned on the row still being BUILDING and owned by this builder.
// A failed condition means the reaper (or a cancel) got there first; the
// write is discarded and ErrStaleOwner returned. On failure the build's
// PENDING tests are cascaded to terminal BUILD FAILED in the same
// transaction.
func (s *store) ReportBuild(
	ctx context.Context,
	buildID uint,
	builderID string,
	success bool,
	stdout, stderr string,
) error {
	status := BuildDone
	if !success {
		status = BuildFailed
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&Build{}).
			Where("id = ? AND status = ? AND builder_id = ?",
				buildID, BuildBuilding, builderID).
			Updates(map[string]any{
				"status":      status,
				"stdout":      stdout,
				"stderr":      stderr,
				"finished_at": time.Now().UTC(),
			})
		if res.Error != nil {
			return fmt.Errorf("reporting build: %w", res.Error)
		}

		if res.RowsAffected == 0 {
			return ErrStaleOwner
		}

		if !success {
			if err := cascadeBuildFailure(tx, buildID); err != nil {
				return err
			}
		}

		return nil
	})
}

// cascadeBuildFailure transitions every still-PENDING test of a failed
// build directly to terminal BUILD FAILED so nothing is left stuck.
func cascadeBuildFailure(tx *gorm.DB, buildID uint) error {
	res := tx.Model(&Test{}).
		Where("build_id = ? AND status = ?", buildID, TestPending).
		Updates(map[string]any{
			"status":      TestBuildFailed,
			"finished_at": time.Now().UTC(),
		})
	if res.Error != nil {
		return fmt.Errorf("cascading build failure: %w", res.Error)
	}

	return nil
}

// RequeueOwnedBuilds returns this builder's in-flight builds to PENDING.
// Called on builder start-up to recover work orphaned by a crash of a
// previous incarnation with the same identity.
func (s *store) RequeueOwnedBuilds(
	ctx context.Context, builderID string,
) (int64, error) {
	res := s.db.WithContext(ctx).
		Model(&Build{}).
		Where("status = ? AND builder_id = ?", BuildBuilding, builderID).
		Updates(map[string]any{
			"status":     BuildPending,
			"builder_id": "",
			"started_at": nil,
		})
	if res.Error != nil {
		return 0, fmt.Errorf("requeueing owned builds: %w", res.Error)
	}

	return res.RowsAffected, nil
}

// BuildsWithoutActiveTests returns ids of this builder's finished builds
// that have no PENDING or RUNNING tests left. Their artifacts can be
// deleted to reclaim disk space.
func (s *store) BuildsWithoutActiveTests(
	ctx context.Context, builderID string,
) ([]uint, error) {
	var ids []uint

	sub := s.db.Model(&Test{}).
		Select("1").
		Where("tests.build_id = builds.id").
		Where("tests.status IN ?", []string{TestPending, TestRunning})

	if err := s.db.WithContext(ctx).
		Model(&Build{}).
		Where("builder_id = ?", builderID).
		Where("status IN ?", []string{BuildDone, BuildFailed}).
		Where("NOT EXISTS (?)", sub).
		Pluck("id", &ids).Error; err != nil {
		return nil, fmt.Errorf("listing finished builds: %w", err)
	}

	return ids, nil
}

// ReleaseBuilds clears builder ownership of the given builds after their
// artifacts have been cleaned up.
func (s *store) ReleaseBuilds(ctx context.Context, ids []uint) error {
	if len(ids) == 0 {
		return nil
	}

	if err := s.db.WithContext(ctx).
		Model(&Build{}).
		Where("id IN ?", ids).
		Update("builder_id", "").Error; err != nil {
		return fmt.Errorf("releasing builds: %w", err)
	}

	return nil
}

// ClaimTest atomically claims one pending test whose parent build is
// ready (BUILD DONE or SKIPPED) and whose re-queue delay has elapsed.
// Workers without remote-execution capability exclude the mocknet
// category; capable workers prefer it. Returns (nil, nil) when nothing
// is claimable.
func (s *store) ClaimTest(
	ctx context.Context, workerID string, includeRemote bool,
) (*ClaimedTest, error) {
	now := time.Now().UTC()

	readyBuilds := s.db.Model(&Build{}).
		Select("id").
		Where("status IN ?", []string{BuildDone, BuildSkipped})

	for range claimAttempts {
		var candidate Test

		q := s.db.WithContext(ctx).
			Where("status = ?", TestPending).
			Where("select_after <= ?", now.Unix()).
			Where("build_id IN (?)", readyBuilds)

		if includeRemote {
			q = q.Order(clause.OrderBy{Expression: clause.Expr{
				SQL: "CASE WHEN category = 'mocknet' THEN 0 ELSE 1 END",
			}})
		} else {
			q = q.Where("category <> ?", "mocknet")
		}

		err := q.Order("priority ASC, id ASC").First(&candidate).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}

		if err != nil {
			return nil, fmt.Errorf("selecting pending test: %w", err)
		}

		res := s.db.WithContext(ctx).
			Model(&Test{}).
			Where("id = ? AND status = ?", candidate.ID, TestPending).
			Updates(map[string]any{
				"status":      TestRunning,
				"worker_id":   workerID,
				"started_at":  now,
				"finished_at": nil,
				"tries":       gorm.Expr("tries + 1"),
			})
		if res.Error != nil {
			return nil, fmt.Errorf("claiming test: %w", res.Error)
		}

		if res.RowsAffected == 0 {
			continue
		}

		candidate.Status = TestRunning
		candidate.WorkerID = workerID
		candidate.StartedAt = &now
		candidate.FinishedAt = nil
		candidate.Tries++

		return s.joinClaimedTest(ctx, &candidate)
	}

	return nil, nil
}

// joinClaimedTest attaches the build and run fields a worker needs to
// execute a freshly claimed test.
func (s *store) joinClaimedTest(
	ctx context.Context, t *Test,
) (*ClaimedTest, error) {
	var build Build
	if err := s.db.WithContext(ctx).
		First(&build, t.BuildID).Error; err != nil {
		return nil, fmt.Errorf("loading claimed test build: %w", err)
	}

	var run Run
	if err := s.db.WithContext(ctx).
		First(&run, t.RunID).Error; err != nil {
		return nil, fmt.Errorf("loading claimed test run: %w", err)
	}

	return &ClaimedTest{
		Test:           *t,
		SHA:            run.SHA,
		BuildBuilderID: build.BuilderID,
		BuildIsRelease: build.IsRelease,
		BuildFeatures:  build.Features,
		BuildSkipped:   build.Status == BuildSkipped,
	}, nil
}

// ReportTest writes a test's terminal status, conditioned on the row
// still being RUNNING and owned by this worker. Losing the condition
// (reaper reclaim or cancel) discards the write with ErrStaleOwner.
func (s *store) ReportTest(
	ctx context.Context, testID uint, workerID, status string,
) error {
	res := s.db.WithContext(ctx).
		Model(&Test{}).
		Where("id = ? AND status = ? AND worker_id = ?",
			testID, TestRunning, workerID).
		Updates(map[string]any{
			"status":      status,
			"finished_at": time.Now().UTC(),
		})
	if res.Error != nil {
		return fmt.Errorf("reporting test: %w", res.Error)
	}

	if res.RowsAffected == 0 {
		return ErrStaleOwner
	}

	return nil
}

// RequeueTest returns a claimed test to PENDING for a later attempt,
// with a not-before delay so the same flaky failure is not immediately
// re-claimed. Conditioned on RUNNING + owner like any terminal report.
func (s *store) RequeueTest(
	ctx context.Context, testID uint, workerID string, delay time.Duration,
) error {
	res := s.db.WithContext(ctx).
		Model(&Test{}).
		Where("id = ? AND status = ? AND worker_id = ?",
			testID, TestRunning, workerID).
		Updates(map[string]any{
			"status":       TestPending,
			"worker_id":    "",
			"started_at":   nil,
			"select_after": time.Now().UTC().Add(delay).Unix(),
		})
	if res.Error != nil {
		return fmt.Errorf("requeueing test: %w", res.Error)
	}

	if res.RowsAffected == 0 {
		return ErrStaleOwner
	}

	return nil
}

// RequeueOwnedTests returns this worker's in-flight tests to PENDING.
// Called on worker start-up and graceful shutdown.
func (s *store) RequeueOwnedTests(
	ctx context.Context, workerID string,
) (int64, error) {
	res := s.db.WithContext(ctx).
		Model(&Test{}).
		Where("status = ? AND worker_id = ?", TestRunning, workerID).
		Updates(map[string]any{
			"status":     TestPending,
			"worker_id":  "",
			"started_at": nil,
		})
	if res.Error != nil {
		return 0, fmt.Errorf("requeueing owned tests: %w", res.Error)
	}

	return res.RowsAffected, nil
}

// SaveTestLogs upserts captured logs for a test keyed by (test_id, type).
func (s *store) SaveTestLogs(
	ctx context.Context, testID uint, logs []Log,
) error {
	if len(logs) == 0 {
		return nil
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for i := range logs {
			logs[i].TestID = testID

			res := tx.
				Where("test_id = ? AND type = ?", testID, logs[i].Type).
				Assign(map[string]any{
					"size":        logs[i].Size,
					"data":        logs[i].Data,
					"storage_url": logs[i].StorageURL,
					"stack_trace": logs[i].StackTrace,
				}).
				FirstOrCreate(&logs[i])
			if res.Error != nil {
				return fmt.Errorf("saving test log: %w", res.Error)
			}
		}

		return nil
	})
}
