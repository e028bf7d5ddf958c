package store

import (
	"time"
)

// Build statuses. This set is closed; no other value is ever persisted.
const (
	BuildPending  = "PENDING"
	BuildBuilding = "BUILDING"
	BuildDone     = "BUILD DONE"
	BuildFailed   = "BUILD FAILED"
	BuildSkipped  = "SKIPPED"
)

// Test statuses. This set is closed; no other value is ever persisted.
const (
	TestPending        = "PENDING"
	TestRunning        = "RUNNING"
	TestPassed         = "PASSED"
	TestFailed         = "FAILED"
	TestIgnored        = "IGNORED"
	TestTimeout        = "TIMEOUT"
	TestCheckoutFailed = "CHECKOUT FAILED"
	TestScpFailed      = "SCP FAILED"
	TestCanceled       = "CANCELED"
	TestBuildFailed    = "BUILD FAILED"
)

// TestFailureStatuses are the terminal test statuses eligible for retry.
// CANCELED and IGNORED are deliberate outcomes and are excluded.
var TestFailureStatuses = []string{
	TestFailed,
	TestTimeout,
	TestBuildFailed,
	TestCheckoutFailed,
	TestScpFailed,
}

// Run is one user-requested evaluation of a (branch, commit) pair.
type Run struct {
	ID        uint      `gorm:"primaryKey" json:"run_id"`
	Branch    string    `gorm:"index;not null" json:"branch"`
	SHA       string    `gorm:"not null" json:"sha"`
	Title     string    `json:"title"`
	Requester string    `gorm:"index" json:"requester"`
	CreatedAt time.Time `json:"created_at"`
}

// Build is one compiled artifact configuration within a Run.
type Build struct {
	ID         uint       `gorm:"primaryKey" json:"build_id"`
	RunID      uint       `gorm:"index;not null" json:"run_id"`
	Status     string     `gorm:"index;not null" json:"status"`
	Features   string     `json:"features,omitempty"`
	IsRelease  bool       `json:"is_release"`
	Priority   int        `gorm:"index;not null;default:0" json:"priority"`
	Attempts   int        `gorm:"not null;default:0" json:"attempts"`
	BuilderID  string     `json:"builder_id,omitempty"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Stdout     string     `json:"-"`
	Stderr     string     `json:"-"`
	CreatedAt  time.Time  `json:"created_at"`
}

// Test is one test-command invocation belonging to a Build.
//
// Branch and IsNightly are denormalised from the parent Run so that
// per-test history queries do not need a join against runs.
type Test struct {
	ID          uint       `gorm:"primaryKey" json:"test_id"`
	RunID       uint       `gorm:"index;not null" json:"run_id"`
	BuildID     uint       `gorm:"index;not null" json:"build_id"`
	Status      string     `gorm:"index;not null" json:"status"`
	Category    string     `gorm:"not null" json:"category"`
	Name        string     `gorm:"index;not null" json:"name"`
	Timeout     int        `gorm:"not null" json:"timeout"`
	Priority    int        `gorm:"not null;default:0" json:"priority"`
	Tries       int        `gorm:"not null;default:0" json:"tries"`
	SelectAfter int64      `gorm:"not null;default:0" json:"-"`
	WorkerID    string     `json:"worker_id,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
	Branch      string     `gorm:"index" json:"branch"`
	IsNightly   bool       `json:"is_nightly"`
	RetryOfID   *uint      `json:"retry_of,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

// Deadline returns the wall-clock instant after which an in-flight test
// is considered stale, given a grace margin beyond its own timeout.
func (t *Test) Deadline(grace time.Duration) time.Time {
	if t.StartedAt == nil {
		return time.Time{}
	}

	return t.StartedAt.Add(time.Duration(t.Timeout)*time.Second + grace)
}

// Log is a captured output blob for a test, keyed by (test_id, type).
// Short contents are stored inline; full contents live in the log store
// and are referenced by StorageURL. Rows are written once per key.
type Log struct {
	ID         uint      `gorm:"primaryKey" json:"-"`
	TestID     uint      `gorm:"uniqueIndex:idx_logs_test_type;not null" json:"test_id"`
	Type       string    `gorm:"uniqueIndex:idx_logs_test_type;not null" json:"type"`
	Size       int64     `json:"size"`
	Data       []byte    `json:"-"`
	StorageURL string    `json:"storage_url,omitempty"`
	StackTrace bool      `json:"stack_trace"`
	CreatedAt  time.Time `json:"created_at"`
}
