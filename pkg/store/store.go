package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethpandaops/testoor/pkg/config"
	"github.com/glebarez/sqlite"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Sentinel errors surfaced by store operations.
var (
	// ErrNotFound is returned when a run, build or test id does not exist.
	ErrNotFound = errors.New("not found")

	// ErrValidation is returned when a run-creation payload is malformed,
	// e.g. a test referencing an undefined build spec. Nothing is persisted.
	ErrValidation = errors.New("validation error")

	// ErrStaleOwner is returned when a terminal-status report loses its
	// conditioned race, typically against a reaper reclaim. The write has
	// been discarded; callers log it and move on.
	ErrStaleOwner = errors.New("stale owner write discarded")
)

// NewBuild describes a build to create as part of a new run. Key is an
// opaque identifier that tests use to reference their build.
type NewBuild struct {
	Key       string
	Features  string
	IsRelease bool
	Priority  int

	// SkipBuild marks a build whose tests need no compiled artifact.
	// Such builds are created in status SKIPPED and their tests are
	// claimable immediately.
	SkipBuild bool
}

// NewTest describes a test to create as part of a new run. BuildKey must
// match the Key of one of the run's NewBuild entries.
type NewTest struct {
	BuildKey string
	Name     string
	Category string
	Timeout  int
	Priority int
}

// NewRun is the payload for CreateRun.
type NewRun struct {
	Branch    string
	SHA       string
	Title     string
	Requester string
	IsNightly bool
	Builds    []NewBuild
	Tests     []NewTest
}

// ClaimedBuild is the row a builder receives from a successful claim,
// joined with the run fields needed to check out and compile.
type ClaimedBuild struct {
	Build

	Branch string
	SHA    string
}

// ClaimedTest is the row a worker receives from a successful claim,
// joined with the build and run fields needed to execute it.
type ClaimedTest struct {
	Test

	SHA            string
	BuildBuilderID string
	BuildIsRelease bool
	BuildFeatures  string
	BuildSkipped   bool
}

// RunFilter narrows ListRuns results.
type RunFilter struct {
	Branch    string
	Requester string
	Limit     int
	Offset    int
}

// Store provides persistence for runs, builds, tests and logs. All
// status transitions are single conditioned updates; no two processes
// can both believe they own the same row.
type Store interface {
	Start(ctx context.Context) error
	Stop() error

	// Run lifecycle.
	CreateRun(ctx context.Context, run *NewRun) (uint, error)
	GetRun(ctx context.Context, id uint) (*RunView, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]RunSummary, error)
	CancelRun(ctx context.Context, id uint) (int64, error)
	RetryRun(ctx context.Context, id uint) (int64, error)
	RetryTest(ctx context.Context, testID uint) (uint, error)

	// Builder claim protocol.
	ClaimBuild(ctx context.Context, builderID string) (*ClaimedBuild, error)
	ReportBuild(
		ctx context.Context,
		buildID uint,
		builderID string,
		success bool,
		stdout, stderr string,
	) error
	RequeueOwnedBuilds(ctx context.Context, builderID string) (int64, error)
	BuildsWithoutActiveTests(
		ctx context.Context, builderID string,
	) ([]uint, error)
	ReleaseBuilds(ctx context.Context, ids []uint) error

	// Worker claim protocol.
	ClaimTest(
		ctx context.Context, workerID string, includeRemote bool,
	) (*ClaimedTest, error)
	ReportTest(
		ctx context.Context, testID uint, workerID, status string,
	) error
	RequeueTest(
		ctx context.Context, testID uint, workerID string, delay time.Duration,
	) error
	RequeueOwnedTests(ctx context.Context, workerID string) (int64, error)
	SaveTestLogs(ctx context.Context, testID uint, logs []Log) error

	// Reaper.
	ReapStaleBuilds(
		ctx context.Context,
		buildTimeout, grace time.Duration,
		maxAttempts int,
	) (requeued, failed int64, err error)
	ReapStaleTests(
		ctx context.Context,
		grace, requeueDelay time.Duration,
		maxTries int,
	) (requeued, timedOut int64, err error)

	// Dashboard views.
	GetBuild(ctx context.Context, id uint) (*BuildDetail, error)
	GetTest(ctx context.Context, id uint) (*TestDetail, error)
	TestHistory(
		ctx context.Context, name, branch string, limit int,
	) ([]TestHistoryEntry, error)
	GetTestLog(ctx context.Context, testID uint, logType string) (*Log, error)
	SystemStats(ctx context.Context) (*Stats, error)
}

// Compile-time interface check.
var _ Store = (*store)(nil)

type store struct {
	log logrus.FieldLogger
	cfg *config.DatabaseConfig
	db  *gorm.DB
}

// NewStore creates a new Store backed by the configured database driver.
func NewStore(
	log logrus.FieldLogger,
	cfg *config.DatabaseConfig,
) Store {
	return &store{
		log: log.WithField("component", "store"),
		cfg: cfg,
	}
}

// Start opens the database connection and runs migrations.
func (s *store) Start(ctx context.Context) error {
	var dialector gorm.Dialector

	gormCfg := &gorm.Config{
		Logger: logger.Discard,
	}

	switch s.cfg.Driver {
	case "sqlite":
		dialector = sqlite.Open(s.cfg.SQLite.Path)
	case "postgres":
		dsn := fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			s.cfg.Postgres.Host,
			s.cfg.Postgres.Port,
			s.cfg.Postgres.User,
			s.cfg.Postgres.Password,
			s.cfg.Postgres.Database,
			s.cfg.Postgres.SSLMode,
		)
		dialector = postgres.Open(dsn)
	default:
		return fmt.Errorf("unsupported database driver: %s", s.cfg.Driver)
	}

	db, err := gorm.Open(dialector, gormCfg)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}

	s.db = db

	// SQLite cannot serve concurrent writers and a :memory: database is
	// per-connection, so pin the pool to a single connection.
	if s.cfg.Driver == "sqlite" {
		sqlDB, err := db.DB()
		if err != nil {
			return fmt.Errorf("getting underlying db: %w", err)
		}

		sqlDB.SetMaxOpenConns(1)
	}

	if err := s.db.WithContext(ctx).AutoMigrate(
		&Run{},
		&Build{},
		&Test{},
		&Log{},
	); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}

	s.log.WithField("driver", s.cfg.Driver).Info("Database connected")

	return nil
}

// Stop closes the underlying database connection.
func (s *store) Stop() error {
	if s.db == nil {
		return nil
	}

	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("getting underlying db: %w", err)
	}

	return sqlDB.Close()
}

// CreateRun inserts a run with its builds and tests in one transaction.
// Builds with SkipBuild are created SKIPPED so their tests are claimable
// at once; everything else starts PENDING.
func (s *store) CreateRun(ctx context.Context, run *NewRun) (uint, error) {
	if len(run.Tests) == 0 {
		return 0, fmt.Errorf("%w: no tests specified", ErrValidation)
	}

	if len(run.Builds) == 0 {
		return 0, fmt.Errorf("%w: no builds specified", ErrValidation)
	}

	keys := make(map[string]struct{}, len(run.Builds))

	for _, b := range run.Builds {
		if _, dup := keys[b.Key]; dup {
			return 0, fmt.Errorf(
				"%w: duplicate build key %q", ErrValidation, b.Key,
			)
		}

		keys[b.Key] = struct{}{}
	}

	for _, t := range run.Tests {
		if _, ok := keys[t.BuildKey]; !ok {
			return 0, fmt.Errorf(
				"%w: test %q references undefined build %q",
				ErrValidation, t.Name, t.BuildKey,
			)
		}
	}

	var runID uint

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row := Run{
			Branch:    run.Branch,
			SHA:       run.SHA,
			Title:     run.Title,
			Requester: run.Requester,
		}

		if err := tx.Create(&row).Error; err != nil {
			return fmt.Errorf("inserting run: %w", err)
		}

		runID = row.ID
		buildIDs := make(map[string]uint, len(run.Builds))

		for _, b := range run.Builds {
			status := BuildPending
			if b.SkipBuild {
				status = BuildSkipped
			}

			buildRow := Build{
				RunID:     runID,
				Status:    status,
				Features:  b.Features,
				IsRelease: b.IsRelease,
				Priority:  b.Priority,
			}

			if err := tx.Create(&buildRow).Error; err != nil {
				return fmt.Errorf("inserting build: %w", err)
			}

			buildIDs[b.Key] = buildRow.ID
		}

		testRows := make([]Test, 0, len(run.Tests))

		for _, t := range run.Tests {
			testRows = append(testRows, Test{
				RunID:     runID,
				BuildID:   buildIDs[t.BuildKey],
				Status:    TestPending,
				Category:  t.Category,
				Name:      t.Name,
				Timeout:   t.Timeout,
				Priority:  t.Priority,
				Branch:    run.Branch,
				IsNightly: run.IsNightly,
			})
		}

		if err := tx.CreateInBatches(testRows, 100).Error; err != nil {
			return fmt.Errorf("inserting tests: %w", err)
		}

		return nil
	})
	if err != nil {
		return 0, err
	}

	s.log.WithFields(logrus.Fields{
		"run_id": runID,
		"builds": len(run.Builds),
		"tests":  len(run.Tests),
	}).Info("Run scheduled")

	return runID, nil
}
