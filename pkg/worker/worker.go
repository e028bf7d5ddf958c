// Package worker is the test execution daemon. It polls the store for
// claimable tests, materialises the matching build artifacts, runs the
// test command under its timeout and reports the classified outcome
// together with captured logs.
package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/ethpandaops/testoor/pkg/config"
	"github.com/ethpandaops/testoor/pkg/logstore"
	"github.com/ethpandaops/testoor/pkg/store"
	"github.com/ethpandaops/testoor/pkg/testspec"
	"github.com/sirupsen/logrus"
)

// Worker is the test execution daemon service.
type Worker interface {
	Start(ctx context.Context) error
	Stop() error
}

// Compile-time interface check.
var _ Worker = (*worker)(nil)

type worker struct {
	log   logrus.FieldLogger
	store store.Store
	logs  logstore.Store
	cfg   *config.WorkerConfig

	id           string
	pollInterval time.Duration
	requeueDelay time.Duration

	done chan struct{}
	wg   sync.WaitGroup
}

// NewWorker creates a new test worker. The claim identity is pinned to
// the work directory, so a restart recovers the tests its predecessor
// left in flight.
func NewWorker(
	log logrus.FieldLogger,
	st store.Store,
	logs logstore.Store,
	cfg *config.WorkerConfig,
) Worker {
	return &worker{
		log:   log.WithField("component", "worker"),
		store: st,
		logs:  logs,
		cfg:   cfg,
		id:    store.ClaimantID(cfg.WorkDir),
		pollInterval: config.ParseDuration(
			cfg.PollInterval, config.DefaultPollInterval,
		),
		requeueDelay: config.ParseDuration(
			cfg.RequeueDelay, config.DefaultRequeueDelay,
		),
		done: make(chan struct{}),
	}
}

// Start recovers tests orphaned by a previous incarnation and launches
// the poll loop.
func (w *worker) Start(ctx context.Context) error {
	w.log.WithFields(logrus.Fields{
		"id":             w.id,
		"work_dir":       w.cfg.WorkDir,
		"include_remote": w.cfg.IncludeRemote,
	}).Info("Starting worker")

	requeued, err := w.store.RequeueOwnedTests(ctx, w.id)
	if err != nil {
		return fmt.Errorf("recovering orphaned tests: %w", err)
	}

	if requeued > 0 {
		w.log.WithField("requeued", requeued).
			Warn("Re-queued tests from previous incarnation")
	}

	w.wg.Add(1)

	go func() {
		defer w.wg.Done()

		w.loop(ctx)
	}()

	return nil
}

// Stop signals the poll loop to stop, waits for the in-flight test to
// report, and returns any remaining claims to the queue.
func (w *worker) Stop() error {
	close(w.done)
	w.wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if _, err := w.store.RequeueOwnedTests(ctx, w.id); err != nil {
		w.log.WithError(err).Warn("Returning claims on shutdown failed")
	}

	w.log.Info("Worker stopped")

	return nil
}

func (w *worker) loop(ctx context.Context) {
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		if claimed := w.pollOnce(ctx); claimed {
			continue
		}

		select {
		case <-ticker.C:
		case <-w.done:
			return
		case <-ctx.Done():
			return
		}
	}
}

// pollOnce claims and handles at most one test. Returns whether a test
// was claimed.
func (w *worker) pollOnce(ctx context.Context) bool {
	claimed, err := w.store.ClaimTest(ctx, w.id, w.cfg.IncludeRemote)
	if err != nil {
		w.log.WithError(err).Warn("Claiming test failed")

		return false
	}

	if claimed == nil {
		return false
	}

	w.handleTest(ctx, claimed)

	return true
}

// handleTest runs one claimed test end to end. Every terminal report is
// conditioned on this worker still owning the row; a stale-owner
// rejection (reaper reclaim, cancellation) is logged and dropped.
func (w *worker) handleTest(ctx context.Context, claimed *store.ClaimedTest) {
	log := w.log.WithFields(logrus.Fields{
		"test_id": claimed.ID,
		"name":    claimed.Name,
		"tries":   claimed.Tries,
	})
	log.Info("Running test")

	spec, err := testspec.Parse(claimed.Name)
	if err != nil {
		// Names are validated at scheduling time; an unparsable one is
		// permanently broken, never retried.
		log.WithError(err).Error("Invalid test name")
		w.report(ctx, claimed.ID, store.TestFailed)

		return
	}

	var stdout, stderr bytes.Buffer

	status := w.prepare(ctx, claimed, spec, &stderr)
	if status == "" {
		status = w.execute(ctx, claimed, spec, &stdout, &stderr)
	}

	if shouldRetry(status, claimed.Timeout, claimed.Tries) {
		log.WithField("status", status).Info("Re-queueing flaky test")

		err = w.store.RequeueTest(ctx, claimed.ID, w.id, w.requeueDelay)
		if errors.Is(err, store.ErrStaleOwner) {
			log.Warn("Lost ownership; result discarded")

			return
		} else if err != nil {
			log.WithError(err).Warn("Re-queueing test failed")
		}
	} else {
		log.WithField("status", status).Info("Test finished")
		w.report(ctx, claimed.ID, status)
	}

	outputs := map[string][]byte{
		"stdout": stdout.Bytes(),
		"stderr": stderr.Bytes(),
	}

	if err := w.saveLogs(ctx, claimed.ID, outputs); err != nil {
		log.WithError(err).Warn("Saving test logs failed")
	}
}

func (w *worker) report(ctx context.Context, testID uint, status string) {
	err := w.store.ReportTest(ctx, testID, w.id, status)
	if errors.Is(err, store.ErrStaleOwner) {
		w.log.WithField("test_id", testID).
			Warn("Lost ownership; result discarded")
	} else if err != nil {
		w.log.WithError(err).Warn("Reporting test failed")
	}
}

// prepare checks out the commit and materialises the build artifacts.
// Returns a terminal status on failure, or "" when the test is ready to
// execute.
func (w *worker) prepare(
	ctx context.Context,
	claimed *store.ClaimedTest,
	spec *testspec.Spec,
	stderr *bytes.Buffer,
) string {
	if err := w.checkout(ctx, claimed.SHA, stderr); err != nil {
		fmt.Fprintf(stderr, "\n%v\n", err)

		return store.TestCheckoutFailed
	}

	if claimed.BuildSkipped {
		return ""
	}

	if err := w.fetchBuild(ctx, claimed, spec, stderr); err != nil {
		fmt.Fprintf(stderr, "\n%v\n", err)

		return store.TestScpFailed
	}

	return ""
}

func (w *worker) repoDir() string {
	return filepath.Join(w.cfg.WorkDir, "repo")
}

// checkout clones the repository on first use, then fetches and checks
// out the requested commit.
func (w *worker) checkout(
	ctx context.Context, sha string, stderr *bytes.Buffer,
) error {
	repo := w.repoDir()

	if _, err := os.Stat(filepath.Join(repo, ".git")); err != nil {
		if err := runCommand(ctx, w.cfg.WorkDir, stderr,
			"git", "clone", w.cfg.RepoURL, repo); err != nil {
			return fmt.Errorf("cloning repository: %w", err)
		}
	}

	if err := runCommand(ctx, repo, stderr,
		"git", "fetch", "origin"); err != nil {
		return fmt.Errorf("fetching: %w", err)
	}

	if err := runCommand(ctx, repo, stderr,
		"git", "checkout", "--force", sha); err != nil {
		return fmt.Errorf("checking out %s: %w", sha, err)
	}

	return nil
}

// fetchBuild copies the claimed build's artifacts into the checkout.
// Builders and workers share the work volume, so this is a local copy
// with a few retries to ride out concurrent cleanup.
func (w *worker) fetchBuild(
	ctx context.Context,
	claimed *store.ClaimedTest,
	spec *testspec.Spec,
	stderr *bytes.Buffer,
) error {
	src := filepath.Join(
		w.cfg.WorkDir, "builds",
		strconv.FormatUint(uint64(claimed.BuildID), 10), "target",
	)
	dst := filepath.Join(w.repoDir(), "target", spec.BuildDir())

	if err := os.RemoveAll(dst); err != nil {
		return fmt.Errorf("clearing target directory: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("creating target directory: %w", err)
	}

	delay := time.Second

	var err error

	for attempt := range 3 {
		if attempt > 0 {
			time.Sleep(delay)
			delay *= 2
		}

		err = runCommand(ctx, w.cfg.WorkDir, stderr, "cp", "-r", src, dst)
		if err == nil {
			return nil
		}
	}

	return fmt.Errorf("copying build artifacts: %w", err)
}

// execute runs the test command under its effective timeout and
// classifies the outcome.
func (w *worker) execute(
	ctx context.Context,
	claimed *store.ClaimedTest,
	spec *testspec.Spec,
	stdout, stderr *bytes.Buffer,
) string {
	timeout := time.Duration(claimed.Timeout) * time.Second

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	dir, name, args := w.testCommand(spec)

	cmd := exec.CommandContext(runCtx, name, args...)
	cmd.Dir = dir
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.Env = append(os.Environ(),
		"RUST_BACKTRACE=1",
		fmt.Sprintf("TESTOOR_TIMEOUT=%d", claimed.Timeout),
	)

	err := cmd.Run()
	if runCtx.Err() != nil {
		return store.TestTimeout
	}

	exitCode := 0

	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		} else {
			fmt.Fprintf(stderr, "\n%v\n", err)

			return store.TestFailed
		}
	}

	return analyzeOutcome(spec.Category, exitCode, stdout.Bytes())
}

// testCommand resolves the working directory and command line for a
// test. Pytest and mocknet tests run a python script from the pytest
// tree; expensive tests invoke a compiled test binary with an exact
// name filter.
func (w *worker) testCommand(
	spec *testspec.Spec,
) (dir, name string, args []string) {
	if spec.Category == testspec.CategoryExpensive {
		return w.repoDir(),
			filepath.Join("target", spec.BuildDir(), spec.Args[1]),
			[]string{spec.Args[2], "--exact", "--nocapture"}
	}

	dir = filepath.Join(w.repoDir(), "pytest")
	args = append([]string{"tests/" + spec.Args[0]}, spec.Args[1:]...)

	return dir, "python3", args
}

// runCommand executes a command with output appended to the captured
// log.
func runCommand(
	ctx context.Context,
	dir string,
	stderr *bytes.Buffer,
	name string,
	args ...string,
) error {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	cmd.Stdout = stderr
	cmd.Stderr = stderr

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}

	return nil
}
