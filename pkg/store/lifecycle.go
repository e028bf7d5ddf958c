package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// CancelRun cancels all outstanding work of a run. PENDING builds move
// to SKIPPED, PENDING and RUNNING tests to CANCELED. Each transition is
// its own conditioned update; work that reached a terminal state in the
// meantime keeps that state. Returns the number of rows affected.
func (s *store) CancelRun(ctx context.Context, id uint) (int64, error) {
	var run Run

	err := s.db.WithContext(ctx).First(&run, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, fmt.Errorf("%w: run %d", ErrNotFound, id)
	}

	if err != nil {
		return 0, fmt.Errorf("loading run: %w", err)
	}

	var affected int64

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := time.Now().UTC()

		res := tx.Model(&Build{}).
			Where("run_id = ? AND status = ?", id, BuildPending).
			Updates(map[string]any{
				"status":      BuildSkipped,
				"finished_at": now,
			})
		if res.Error != nil {
			return fmt.Errorf("cancelling builds: %w", res.Error)
		}

		affected += res.RowsAffected

		res = tx.Model(&Test{}).
			Where("run_id = ? AND status IN ?",
				id, []string{TestPending, TestRunning}).
			Updates(map[string]any{
				"status":      TestCanceled,
				"finished_at": now,
			})
		if res.Error != nil {
			return fmt.Errorf("cancelling tests: %w", res.Error)
		}

		affected += res.RowsAffected

		return nil
	})
	if err != nil {
		return 0, err
	}

	s.log.WithFields(logrus.Fields{
		"run_id":   id,
		"affected": affected,
	}).Info("Run cancelled")

	return affected, nil
}

// retryable returns the run's failed tests that do not already have a
// retry row pointing at them. Historical rows are never mutated; a
// retry always materialises as a new row linked via retry_of.
func retryable(tx *gorm.DB, runID uint) ([]Test, error) {
	var tests []Test

	sub := tx.Table("tests AS retries").
		Select("1").
		Where("retries.retry_of_id = tests.id")

	if err := tx.Model(&Test{}).
		Where("run_id = ?", runID).
		Where("status IN ?", TestFailureStatuses).
		Where("NOT EXISTS (?)", sub).
		Order("id ASC").
		Find(&tests).Error; err != nil {
		return nil, fmt.Errorf("selecting retryable tests: %w", err)
	}

	return tests, nil
}

// RetryRun creates fresh PENDING rows for every failed test of the run
// that has not already been retried. Tests whose build is still usable
// (BUILD DONE or SKIPPED) reattach to it; tests under a BUILD FAILED
// build get a fresh PENDING build with the same configuration. A run
// with nothing to retry is a no-op. Returns the number of new tests.
func (s *store) RetryRun(ctx context.Context, id uint) (int64, error) {
	var run Run

	err := s.db.WithContext(ctx).First(&run, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, fmt.Errorf("%w: run %d", ErrNotFound, id)
	}

	if err != nil {
		return 0, fmt.Errorf("loading run: %w", err)
	}

	var created int64

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		tests, err := retryable(tx, id)
		if err != nil {
			return err
		}

		if len(tests) == 0 {
			return nil
		}

		// One replacement build per failed original build.
		replacements := make(map[uint]uint, 4)

		for i := range tests {
			buildID, err := retryBuildID(tx, tests[i].BuildID, replacements)
			if err != nil {
				return err
			}

			row := newRetryRow(&tests[i], buildID)
			if err := tx.Create(&row).Error; err != nil {
				return fmt.Errorf("inserting retry test: %w", err)
			}

			created++
		}

		return nil
	})
	if err != nil {
		return 0, err
	}

	s.log.WithFields(logrus.Fields{
		"run_id":  id,
		"created": created,
	}).Info("Run retried")

	return created, nil
}

// RetryTest retries a single failed test. Idempotent: if a retry row
// already exists its id is returned instead of creating another.
func (s *store) RetryTest(ctx context.Context, testID uint) (uint, error) {
	var newID uint

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var test Test

		err := tx.First(&test, testID).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("%w: test %d", ErrNotFound, testID)
		}

		if err != nil {
			return fmt.Errorf("loading test: %w", err)
		}

		if !isFailureStatus(test.Status) {
			return fmt.Errorf(
				"%w: test %d is %s, not retryable",
				ErrValidation, testID, test.Status,
			)
		}

		var existing Test
		if err := tx.Where("retry_of_id = ?", testID).
			First(&existing).Error; err == nil {
			newID = existing.ID

			return nil
		} else if !errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("checking existing retry: %w", err)
		}

		buildID, err := retryBuildID(tx, test.BuildID, map[uint]uint{})
		if err != nil {
			return err
		}

		row := newRetryRow(&test, buildID)
		if err := tx.Create(&row).Error; err != nil {
			return fmt.Errorf("inserting retry test: %w", err)
		}

		newID = row.ID

		return nil
	})
	if err != nil {
		return 0, err
	}

	return newID, nil
}

// retryBuildID resolves the build a retried test should attach to. A
// usable build is reused; a failed one is replaced by a fresh PENDING
// build with the same configuration, created at most once per original
// via the replacements map.
func retryBuildID(
	tx *gorm.DB, originalID uint, replacements map[uint]uint,
) (uint, error) {
	if id, ok := replacements[originalID]; ok {
		return id, nil
	}

	var build Build
	if err := tx.First(&build, originalID).Error; err != nil {
		return 0, fmt.Errorf("loading original build: %w", err)
	}

	switch build.Status {
	case BuildDone, BuildSkipped:
		return build.ID, nil
	}

	fresh := Build{
		RunID:     build.RunID,
		Status:    BuildPending,
		Features:  build.Features,
		IsRelease: build.IsRelease,
		Priority:  build.Priority,
	}

	if err := tx.Create(&fresh).Error; err != nil {
		return 0, fmt.Errorf("inserting replacement build: %w", err)
	}

	replacements[originalID] = fresh.ID

	return fresh.ID, nil
}

// newRetryRow copies a test's configuration into a fresh PENDING row
// linked to the original.
func newRetryRow(original *Test, buildID uint) Test {
	id := original.ID

	return Test{
		RunID:     original.RunID,
		BuildID:   buildID,
		Status:    TestPending,
		Category:  original.Category,
		Name:      original.Name,
		Timeout:   original.Timeout,
		Priority:  original.Priority,
		Branch:    original.Branch,
		IsNightly: original.IsNightly,
		RetryOfID: &id,
	}
}

func isFailureStatus(status string) bool {
	for _, s := range TestFailureStatuses {
		if s == status {
			return true
		}
	}

	return false
}

// ReapStaleBuilds reclaims BUILDING builds whose owner has gone silent
// past buildTimeout+grace. Builds with remaining attempts return to
// PENDING; exhausted ones are failed terminally with the usual cascade.
// Each reclaim is the same conditioned update the owner would issue, so
// a late owner report and a reclaim can never both win.
func (s *store) ReapStaleBuilds(
	ctx context.Context,
	buildTimeout, grace time.Duration,
	maxAttempts int,
) (requeued, failed int64, err error) {
	cutoff := time.Now().UTC().Add(-(buildTimeout + grace))

	var stale []Build

	if err := s.db.WithContext(ctx).
		Where("status = ? AND started_at < ?", BuildBuilding, cutoff).
		Find(&stale).Error; err != nil {
		return 0, 0, fmt.Errorf("selecting stale builds: %w", err)
	}

	for i := range stale {
		b := &stale[i]

		if b.Attempts < maxAttempts {
			res := s.db.WithContext(ctx).
				Model(&Build{}).
				Where("id = ? AND status = ? AND builder_id = ?",
					b.ID, BuildBuilding, b.BuilderID).
				Updates(map[string]any{
					"status":     BuildPending,
					"builder_id": "",
					"started_at": nil,
				})
			if res.Error != nil {
				return requeued, failed,
					fmt.Errorf("requeueing stale build: %w", res.Error)
			}

			requeued += res.RowsAffected

			continue
		}

		err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			res := tx.Model(&Build{}).
				Where("id = ? AND status = ? AND builder_id = ?",
					b.ID, BuildBuilding, b.BuilderID).
				Updates(map[string]any{
					"status":      BuildFailed,
					"finished_at": time.Now().UTC(),
				})
			if res.Error != nil {
				return fmt.Errorf("failing stale build: %w", res.Error)
			}

			if res.RowsAffected == 0 {
				return nil
			}

			failed += res.RowsAffected

			return cascadeBuildFailure(tx, b.ID)
		})
		if err != nil {
			return requeued, failed, err
		}
	}

	if requeued > 0 || failed > 0 {
		s.log.WithFields(logrus.Fields{
			"requeued": requeued,
			"failed":   failed,
		}).Warn("Reclaimed stale builds")
	}

	return requeued, failed, nil
}

// ReapStaleTests reclaims RUNNING tests past their own timeout plus
// grace. Tests with remaining tries return to PENDING with a
// select_after back-off; exhausted ones are written TIMEOUT. Every
// reclaim is conditioned on RUNNING plus the observed owner.
func (s *store) ReapStaleTests(
	ctx context.Context,
	grace, requeueDelay time.Duration,
	maxTries int,
) (requeued, timedOut int64, err error) {
	now := time.Now().UTC()

	var running []Test

	if err := s.db.WithContext(ctx).
		Where("status = ?", TestRunning).
		Find(&running).Error; err != nil {
		return 0, 0, fmt.Errorf("selecting running tests: %w", err)
	}

	for i := range running {
		t := &running[i]

		if t.StartedAt == nil || now.Before(t.Deadline(grace)) {
			continue
		}

		if t.Tries < maxTries {
			res := s.db.WithContext(ctx).
				Model(&Test{}).
				Where("id = ? AND status = ? AND worker_id = ?",
					t.ID, TestRunning, t.WorkerID).
				Updates(map[string]any{
					"status":       TestPending,
					"worker_id":    "",
					"started_at":   nil,
					"select_after": now.Add(requeueDelay).Unix(),
				})
			if res.Error != nil {
				return requeued, timedOut,
					fmt.Errorf("requeueing stale test: %w", res.Error)
			}

			requeued += res.RowsAffected

			continue
		}

		res := s.db.WithContext(ctx).
			Model(&Test{}).
			Where("id = ? AND status = ? AND worker_id = ?",
				t.ID, TestRunning, t.WorkerID).
			Updates(map[string]any{
				"status":      TestTimeout,
				"finished_at": now,
			})
		if res.Error != nil {
			return requeued, timedOut,
				fmt.Errorf("timing out stale test: %w", res.Error)
		}

		timedOut += res.RowsAffected
	}

	if requeued > 0 || timedOut > 0 {
		s.log.WithFields(logrus.Fields{
			"requeued":  requeued,
			"timed_out": timedOut,
		}).Warn("Reclaimed stale tests")
	}

	return requeued, timedOut, nil
}
