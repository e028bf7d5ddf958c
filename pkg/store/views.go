package store

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
)

// Derived run statuses. Runs have no status column; the value is
// computed from the run's builds and tests on read.
const (
	RunRunning  = "RUNNING"
	RunPassed   = "PASSED"
	RunFailed   = "FAILED"
	RunCanceled = "CANCELED"
)

// RunSummary is a run as shown in list views.
type RunSummary struct {
	Run

	Status string         `json:"status"`
	Tests  map[string]int `json:"tests"`
}

// BuildWithTests is a build plus its tests, as nested in a RunView.
type BuildWithTests struct {
	Build

	Tests []Test `json:"tests"`
}

// RunView is the full detail of one run.
type RunView struct {
	Run

	Status string           `json:"status"`
	Builds []BuildWithTests `json:"builds"`
}

// BuildDetail is a build plus its run context and captured output.
type BuildDetail struct {
	Build

	Branch string         `json:"branch"`
	SHA    string         `json:"sha"`
	Title  string         `json:"title"`
	Tests  map[string]int `json:"tests"`
	Stdout string         `json:"stdout"`
	Stderr string         `json:"stderr"`
}

// LogInfo is log metadata without the inline payload.
type LogInfo struct {
	Type       string `json:"type"`
	Size       int64  `json:"size"`
	StorageURL string `json:"storage_url,omitempty"`
	StackTrace bool   `json:"stack_trace"`
}

// HistoryStats tallies recent invocations of a test on a branch.
type HistoryStats struct {
	Passed int `json:"passed"`
	Other  int `json:"other"`
	Failed int `json:"failed"`
}

// TestHistoryEntry is one past invocation of a test.
type TestHistoryEntry struct {
	ID         uint   `json:"test_id"`
	RunID      uint   `json:"run_id"`
	Status     string `json:"status"`
	Branch     string `json:"branch"`
	SHA        string `json:"sha"`
	FinishedAt string `json:"finished_at,omitempty"`
}

// TestDetail is a test plus its run context, logs and branch history.
type TestDetail struct {
	Test

	SHA     string       `json:"sha"`
	Title   string       `json:"title"`
	Logs    []LogInfo    `json:"logs"`
	History HistoryStats `json:"history"`
}

// Stats is a snapshot of outstanding work across the system.
type Stats struct {
	PendingBuilds int64 `json:"pending_builds"`
	ActiveBuilds  int64 `json:"active_builds"`
	PendingTests  int64 `json:"pending_tests"`
	RunningTests  int64 `json:"running_tests"`
}

// historyWindow bounds how many past invocations feed history stats.
const historyWindow = 30

// deriveRunStatus folds build and test states into one run status.
// Any claimable or in-flight work means RUNNING. Among finished runs,
// all tests PASSED or IGNORED means PASSED, any cancellation with no
// real failure means CANCELED, anything else means FAILED.
func deriveRunStatus(builds []Build, tests []Test) string {
	for i := range builds {
		switch builds[i].Status {
		case BuildPending, BuildBuilding:
			return RunRunning
		}
	}

	var failed, canceled int

	for i := range tests {
		switch tests[i].Status {
		case TestPending, TestRunning:
			return RunRunning
		case TestPassed, TestIgnored:
		case TestCanceled:
			canceled++
		default:
			failed++
		}
	}

	switch {
	case failed > 0:
		return RunFailed
	case canceled > 0:
		return RunCanceled
	default:
		return RunPassed
	}
}

// GetRun returns the full detail of a run: its builds, each with its
// tests, plus the derived run status.
func (s *store) GetRun(ctx context.Context, id uint) (*RunView, error) {
	var run Run

	err := s.db.WithContext(ctx).First(&run, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: run %d", ErrNotFound, id)
	}

	if err != nil {
		return nil, fmt.Errorf("loading run: %w", err)
	}

	var builds []Build
	if err := s.db.WithContext(ctx).
		Where("run_id = ?", id).
		Order("id ASC").
		Find(&builds).Error; err != nil {
		return nil, fmt.Errorf("loading builds: %w", err)
	}

	var tests []Test
	if err := s.db.WithContext(ctx).
		Where("run_id = ?", id).
		Order("id ASC").
		Find(&tests).Error; err != nil {
		return nil, fmt.Errorf("loading tests: %w", err)
	}

	byBuild := make(map[uint][]Test, len(builds))
	for _, t := range tests {
		byBuild[t.BuildID] = append(byBuild[t.BuildID], t)
	}

	view := &RunView{
		Run:    run,
		Status: deriveRunStatus(builds, tests),
		Builds: make([]BuildWithTests, 0, len(builds)),
	}

	for _, b := range builds {
		view.Builds = append(view.Builds, BuildWithTests{
			Build: b,
			Tests: byBuild[b.ID],
		})
	}

	return view, nil
}

// ListRuns returns run summaries, newest first, with per-status test
// counts and the derived status.
func (s *store) ListRuns(
	ctx context.Context, filter RunFilter,
) ([]RunSummary, error) {
	q := s.db.WithContext(ctx).Model(&Run{}).Order("id DESC")

	if filter.Branch != "" {
		q = q.Where("branch = ?", filter.Branch)
	}

	if filter.Requester != "" {
		q = q.Where("requester = ?", filter.Requester)
	}

	limit := filter.Limit
	if limit <= 0 || limit > 100 {
		limit = 100
	}

	var runs []Run
	if err := q.Limit(limit).Offset(filter.Offset).
		Find(&runs).Error; err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}

	summaries := make([]RunSummary, 0, len(runs))

	for _, run := range runs {
		var builds []Build
		if err := s.db.WithContext(ctx).
			Where("run_id = ?", run.ID).
			Find(&builds).Error; err != nil {
			return nil, fmt.Errorf("loading builds: %w", err)
		}

		var tests []Test
		if err := s.db.WithContext(ctx).
			Where("run_id = ?", run.ID).
			Find(&tests).Error; err != nil {
			return nil, fmt.Errorf("loading tests: %w", err)
		}

		counts := make(map[string]int, 4)
		for i := range tests {
			counts[tests[i].Status]++
		}

		summaries = append(summaries, RunSummary{
			Run:    run,
			Status: deriveRunStatus(builds, tests),
			Tests:  counts,
		})
	}

	return summaries, nil
}

// GetBuild returns a build with its run context, captured output and
// per-status test counts.
func (s *store) GetBuild(ctx context.Context, id uint) (*BuildDetail, error) {
	var build Build

	err := s.db.WithContext(ctx).First(&build, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: build %d", ErrNotFound, id)
	}

	if err != nil {
		return nil, fmt.Errorf("loading build: %w", err)
	}

	var run Run
	if err := s.db.WithContext(ctx).
		First(&run, build.RunID).Error; err != nil {
		return nil, fmt.Errorf("loading run: %w", err)
	}

	var tests []Test
	if err := s.db.WithContext(ctx).
		Where("build_id = ?", id).
		Find(&tests).Error; err != nil {
		return nil, fmt.Errorf("loading tests: %w", err)
	}

	counts := make(map[string]int, 4)
	for i := range tests {
		counts[tests[i].Status]++
	}

	return &BuildDetail{
		Build:  build,
		Branch: run.Branch,
		SHA:    run.SHA,
		Title:  run.Title,
		Tests:  counts,
		Stdout: build.Stdout,
		Stderr: build.Stderr,
	}, nil
}

// GetTest returns a test with its run context, log metadata and the
// pass/other/fail tally of its recent invocations on the same branch.
func (s *store) GetTest(ctx context.Context, id uint) (*TestDetail, error) {
	var test Test

	err := s.db.WithContext(ctx).First(&test, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: test %d", ErrNotFound, id)
	}

	if err != nil {
		return nil, fmt.Errorf("loading test: %w", err)
	}

	var run Run
	if err := s.db.WithContext(ctx).
		First(&run, test.RunID).Error; err != nil {
		return nil, fmt.Errorf("loading run: %w", err)
	}

	var logs []Log
	if err := s.db.WithContext(ctx).
		Where("test_id = ?", id).
		Order("type ASC").
		Find(&logs).Error; err != nil {
		return nil, fmt.Errorf("loading logs: %w", err)
	}

	infos := make([]LogInfo, 0, len(logs))
	for _, l := range logs {
		infos = append(infos, LogInfo{
			Type:       l.Type,
			Size:       l.Size,
			StorageURL: l.StorageURL,
			StackTrace: l.StackTrace,
		})
	}

	history, err := s.historyStats(ctx, test.Name, test.Branch)
	if err != nil {
		return nil, err
	}

	return &TestDetail{
		Test:    test,
		SHA:     run.SHA,
		Title:   run.Title,
		Logs:    infos,
		History: *history,
	}, nil
}

// historyStats tallies the most recent terminal invocations of a test
// on a branch into passed / other / failed buckets.
func (s *store) historyStats(
	ctx context.Context, name, branch string,
) (*HistoryStats, error) {
	entries, err := s.TestHistory(ctx, name, branch, historyWindow)
	if err != nil {
		return nil, err
	}

	stats := &HistoryStats{}

	for _, e := range entries {
		switch e.Status {
		case TestPassed, TestIgnored:
			stats.Passed++
		case TestFailed, TestTimeout:
			stats.Failed++
		default:
			stats.Other++
		}
	}

	return stats, nil
}

// TestHistory returns the most recent terminal invocations of a test
// name on a branch, newest first.
func (s *store) TestHistory(
	ctx context.Context, name, branch string, limit int,
) ([]TestHistoryEntry, error) {
	if limit <= 0 || limit > 100 {
		limit = historyWindow
	}

	var tests []Test

	if err := s.db.WithContext(ctx).
		Where("name = ? AND branch = ?", name, branch).
		Where("status NOT IN ?", []string{TestPending, TestRunning}).
		Order("id DESC").
		Limit(limit).
		Find(&tests).Error; err != nil {
		return nil, fmt.Errorf("loading test history: %w", err)
	}

	entries := make([]TestHistoryEntry, 0, len(tests))

	for i := range tests {
		t := &tests[i]

		entry := TestHistoryEntry{
			ID:     t.ID,
			RunID:  t.RunID,
			Status: t.Status,
			Branch: t.Branch,
		}

		var run Run
		if err := s.db.WithContext(ctx).
			First(&run, t.RunID).Error; err == nil {
			entry.SHA = run.SHA
		}

		if t.FinishedAt != nil {
			entry.FinishedAt = t.FinishedAt.UTC().Format(
				"2006-01-02T15:04:05Z",
			)
		}

		entries = append(entries, entry)
	}

	return entries, nil
}

// GetTestLog returns one captured log of a test, inline payload
// included.
func (s *store) GetTestLog(
	ctx context.Context, testID uint, logType string,
) (*Log, error) {
	var log Log

	err := s.db.WithContext(ctx).
		Where("test_id = ? AND type = ?", testID, logType).
		First(&log).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf(
			"%w: log %s for test %d", ErrNotFound, logType, testID,
		)
	}

	if err != nil {
		return nil, fmt.Errorf("loading log: %w", err)
	}

	return &log, nil
}

// SystemStats counts the outstanding work across all runs.
func (s *store) SystemStats(ctx context.Context) (*Stats, error) {
	stats := &Stats{}

	type count struct {
		model  any
		status string
		dest   *int64
	}

	counts := []count{
		{&Build{}, BuildPending, &stats.PendingBuilds},
		{&Build{}, BuildBuilding, &stats.ActiveBuilds},
		{&Test{}, TestPending, &stats.PendingTests},
		{&Test{}, TestRunning, &stats.RunningTests},
	}

	for _, c := range counts {
		if err := s.db.WithContext(ctx).
			Model(c.model).
			Where("status = ?", c.status).
			Count(c.dest).Error; err != nil {
			return nil, fmt.Errorf("counting rows: %w", err)
		}
	}

	return stats, nil
}
