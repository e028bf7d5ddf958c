// Package builder is the build daemon. It polls the store for pending
// builds, checks out the requested commit, compiles the artifacts and
// reports the outcome. Disk space is reclaimed from builds whose tests
// have all finished.
package builder

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ethpandaops/testoor/pkg/config"
	"github.com/ethpandaops/testoor/pkg/store"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/sirupsen/logrus"
)

// Builder is the build daemon service.
type Builder interface {
	Start(ctx context.Context) error
	Stop() error
}

// Compile-time interface check.
var _ Builder = (*builder)(nil)

type builder struct {
	log   logrus.FieldLogger
	store store.Store
	cfg   *config.BuilderConfig

	id           string
	pollInterval time.Duration
	buildTimeout time.Duration

	done chan struct{}
	wg   sync.WaitGroup
}

// NewBuilder creates a new build daemon. The claim identity is pinned
// to the work directory, so a restart recovers the builds its
// predecessor left in flight.
func NewBuilder(
	log logrus.FieldLogger,
	st store.Store,
	cfg *config.BuilderConfig,
) Builder {
	return &builder{
		log:   log.WithField("component", "builder"),
		store: st,
		cfg:   cfg,
		id:    store.ClaimantID(cfg.WorkDir),
		pollInterval: config.ParseDuration(
			cfg.PollInterval, config.DefaultPollInterval,
		),
		buildTimeout: config.ParseDuration(
			cfg.BuildTimeout, config.DefaultBuildTimeout,
		),
		done: make(chan struct{}),
	}
}

// Start recovers builds orphaned by a previous incarnation and launches
// the poll loop.
func (b *builder) Start(ctx context.Context) error {
	b.log.WithFields(logrus.Fields{
		"id":       b.id,
		"work_dir": b.cfg.WorkDir,
	}).Info("Starting builder")

	if err := os.MkdirAll(b.buildsDir(), 0o755); err != nil {
		return fmt.Errorf("creating builds directory: %w", err)
	}

	requeued, err := b.store.RequeueOwnedBuilds(ctx, b.id)
	if err != nil {
		return fmt.Errorf("recovering orphaned builds: %w", err)
	}

	if requeued > 0 {
		b.log.WithField("requeued", requeued).
			Warn("Re-queued builds from previous incarnation")
	}

	b.wg.Add(1)

	go func() {
		defer b.wg.Done()

		b.loop(ctx)
	}()

	return nil
}

// Stop signals the poll loop to stop and waits for the current build to
// report.
func (b *builder) Stop() error {
	close(b.done)
	b.wg.Wait()

	b.log.Info("Builder stopped")

	return nil
}

func (b *builder) loop(ctx context.Context) {
	ticker := time.NewTicker(b.pollInterval)
	defer ticker.Stop()

	for {
		b.cleanupFinished(ctx)

		if b.enoughSpace() {
			if claimed := b.pollOnce(ctx); claimed {
				// More work may be queued; skip the idle wait.
				continue
			}
		} else {
			b.log.Warn("Low on disk space; not claiming builds")
		}

		select {
		case <-ticker.C:
		case <-b.done:
			return
		case <-ctx.Done():
			return
		}
	}
}

// pollOnce claims and handles at most one build. Returns whether a
// build was claimed.
func (b *builder) pollOnce(ctx context.Context) bool {
	claimed, err := b.store.ClaimBuild(ctx, b.id)
	if err != nil {
		b.log.WithError(err).Warn("Claiming build failed")

		return false
	}

	if claimed == nil {
		return false
	}

	b.handleBuild(ctx, claimed)

	return true
}

// handleBuild checks out the commit, compiles, and reports the result.
// A stale-owner rejection means the reaper reclaimed the build while we
// were compiling; the result is discarded.
func (b *builder) handleBuild(ctx context.Context, claimed *store.ClaimedBuild) {
	log := b.log.WithFields(logrus.Fields{
		"build_id": claimed.ID,
		"sha":      claimed.SHA,
		"release":  claimed.IsRelease,
		"features": claimed.Features,
	})
	log.Info("Building")

	buildCtx, cancel := context.WithTimeout(ctx, b.buildTimeout)
	defer cancel()

	var stdout, stderr bytes.Buffer

	err := b.checkout(buildCtx, claimed.SHA, &stdout, &stderr)
	if err == nil {
		err = b.compile(buildCtx, claimed, &stdout, &stderr)
	}

	success := err == nil
	if err != nil {
		fmt.Fprintf(&stderr, "\n%v\n", err)
		log.WithError(err).Warn("Build failed")
	} else {
		log.Info("Build succeeded")
	}

	reportErr := b.store.ReportBuild(
		ctx, claimed.ID, b.id, success, stdout.String(), stderr.String(),
	)
	if reportErr != nil {
		log.WithError(reportErr).Warn("Build report discarded")
	}
}

func (b *builder) repoDir() string {
	return filepath.Join(b.cfg.WorkDir, "repo")
}

func (b *builder) buildsDir() string {
	return filepath.Join(b.cfg.WorkDir, "builds")
}

// checkout clones the repository on first use, then fetches and checks
// out the requested commit.
func (b *builder) checkout(
	ctx context.Context, sha string, stdout, stderr *bytes.Buffer,
) error {
	repo := b.repoDir()

	if _, err := os.Stat(filepath.Join(repo, ".git")); err != nil {
		if err := runCommand(ctx, b.cfg.WorkDir, stdout, stderr,
			"git", "clone", b.cfg.RepoURL, repo); err != nil {
			return fmt.Errorf("cloning repository: %w", err)
		}
	}

	if err := runCommand(ctx, repo, stdout, stderr,
		"git", "fetch", "origin"); err != nil {
		return fmt.Errorf("fetching: %w", err)
	}

	if err := runCommand(ctx, repo, stdout, stderr,
		"git", "checkout", "--force", sha); err != nil {
		return fmt.Errorf("checking out %s: %w", sha, err)
	}

	if err := runCommand(ctx, repo, stdout, stderr,
		"git", "clean", "-fdx", "--exclude=target",
		"--exclude=target_expensive"); err != nil {
		return fmt.Errorf("cleaning work tree: %w", err)
	}

	return nil
}

// compile builds the requested configuration and hard-links the
// artifacts into the per-build output directory.
func (b *builder) compile(
	ctx context.Context,
	claimed *store.ClaimedBuild,
	stdout, stderr *bytes.Buffer,
) error {
	args := []string{"build"}

	if claimed.IsRelease {
		args = append(args, "--release")
	}

	features := "test_features"
	if claimed.Features != "" {
		features += "," + claimed.Features
	}

	args = append(args, "--features="+features)

	if err := runCommand(ctx, b.repoDir(), stdout, stderr,
		"cargo", args...); err != nil {
		return fmt.Errorf("compiling: %w", err)
	}

	return b.collectArtifacts(claimed)
}

// collectArtifacts hard-links the compiled binaries into the build's
// output directory so the repository checkout can move on to the next
// commit while workers still consume this build.
func (b *builder) collectArtifacts(claimed *store.ClaimedBuild) error {
	buildType := "debug"
	if claimed.IsRelease {
		buildType = "release"
	}

	srcDir := filepath.Join(b.repoDir(), "target", buildType)
	dstDir := filepath.Join(b.buildsDir(), strconv.FormatUint(
		uint64(claimed.ID), 10,
	), "target")

	if err := os.RemoveAll(filepath.Dir(dstDir)); err != nil {
		return fmt.Errorf("clearing build directory: %w", err)
	}

	if err := os.MkdirAll(dstDir, 0o755); err != nil {
		return fmt.Errorf("creating build directory: %w", err)
	}

	entries, err := os.ReadDir(srcDir)
	if err != nil {
		return fmt.Errorf("reading artifact directory: %w", err)
	}

	for _, entry := range entries {
		if entry.IsDir() || !isExecutable(entry) {
			continue
		}

		src := filepath.Join(srcDir, entry.Name())
		dst := filepath.Join(dstDir, entry.Name())

		if err := os.Link(src, dst); err != nil {
			return fmt.Errorf("linking artifact %s: %w", entry.Name(), err)
		}
	}

	return nil
}

func isExecutable(entry os.DirEntry) bool {
	if strings.Contains(entry.Name(), ".") {
		return false
	}

	info, err := entry.Info()
	if err != nil {
		return false
	}

	return info.Mode().IsRegular() && info.Mode()&0o100 != 0
}

// enoughSpace reports whether the work volume has room for another
// build.
func (b *builder) enoughSpace() bool {
	if b.cfg.MinFreeSpaceGB <= 0 {
		return true
	}

	usage, err := disk.Usage(b.cfg.WorkDir)
	if err != nil {
		b.log.WithError(err).Warn("Checking disk space failed")

		return true
	}

	return usage.Free >= uint64(b.cfg.MinFreeSpaceGB)*1_000_000_000
}

// cleanupFinished deletes artifacts of this builder's builds that have
// no pending or running tests left and releases their rows.
func (b *builder) cleanupFinished(ctx context.Context) {
	ids, err := b.store.BuildsWithoutActiveTests(ctx, b.id)
	if err != nil {
		b.log.WithError(err).Warn("Listing finished builds failed")

		return
	}

	if len(ids) == 0 {
		return
	}

	for _, id := range ids {
		dir := filepath.Join(b.buildsDir(), strconv.FormatUint(uint64(id), 10))
		if err := os.RemoveAll(dir); err != nil {
			b.log.WithError(err).WithField("build_id", id).
				Warn("Removing build artifacts failed")
		}
	}

	if err := b.store.ReleaseBuilds(ctx, ids); err != nil {
		b.log.WithError(err).Warn("Releasing builds failed")

		return
	}

	b.log.WithField("builds", len(ids)).Info("Cleaned up finished builds")
}

// runCommand executes a command with output appended to the captured
// build log.
func runCommand(
	ctx context.Context,
	dir string,
	stdout, stderr *bytes.Buffer,
	name string,
	args ...string,
) error {
	fmt.Fprintf(stderr, "+ %s %s\n", name, strings.Join(args, " "))

	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}

	return nil
}
