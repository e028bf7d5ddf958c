// Package reaper reclaims work whose owner went silent. Builders and
// workers never unregister; liveness is inferred from how long a row
// has been in flight relative to its own timeout.
package reaper

import (
	"context"
	"sync"
	"time"

	"github.com/ethpandaops/testoor/pkg/config"
	"github.com/ethpandaops/testoor/pkg/store"
	"github.com/sirupsen/logrus"
)

// Reaper is a background service that periodically scans for stale
// BUILDING builds and RUNNING tests and reclaims them through the same
// conditioned updates their owners would issue.
type Reaper interface {
	Start(ctx context.Context) error
	Stop() error
}

// Compile-time interface check.
var _ Reaper = (*reaper)(nil)

type reaper struct {
	log   logrus.FieldLogger
	store store.Store

	interval     time.Duration
	grace        time.Duration
	buildTimeout time.Duration
	requeueDelay time.Duration
	maxAttempts  int
	maxTries     int

	done chan struct{}
	wg   sync.WaitGroup
}

// NewReaper creates a new background reaper.
func NewReaper(
	log logrus.FieldLogger,
	st store.Store,
	cfg *config.ReaperConfig,
) Reaper {
	return &reaper{
		log:   log.WithField("component", "reaper"),
		store: st,
		interval: config.ParseDuration(
			cfg.Interval, config.DefaultReaperInterval,
		),
		grace: config.ParseDuration(cfg.Grace, config.DefaultGrace),
		buildTimeout: config.ParseDuration(
			cfg.BuildTimeout, config.DefaultBuildTimeout,
		),
		requeueDelay: config.ParseDuration(
			cfg.RequeueDelay, config.DefaultRequeueDelay,
		),
		maxAttempts: cfg.MaxBuildAttempts,
		maxTries:    cfg.MaxTestTries,
		done:        make(chan struct{}),
	}
}

// Start launches a background goroutine that runs an immediate reclaim
// pass and then ticks at the configured interval.
func (r *reaper) Start(ctx context.Context) error {
	r.log.WithFields(logrus.Fields{
		"interval": r.interval.String(),
		"grace":    r.grace.String(),
	}).Info("Starting reaper")

	r.wg.Add(1)

	go func() {
		defer r.wg.Done()

		r.runPass(ctx)

		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				r.runPass(ctx)
			case <-r.done:
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	return nil
}

// Stop signals the reaper goroutine to stop and waits for it.
func (r *reaper) Stop() error {
	close(r.done)
	r.wg.Wait()

	r.log.Info("Reaper stopped")

	return nil
}

// runPass executes one reclaim pass over stale builds and tests.
func (r *reaper) runPass(ctx context.Context) {
	start := time.Now()

	requeuedBuilds, failedBuilds, err := r.store.ReapStaleBuilds(
		ctx, r.buildTimeout, r.grace, r.maxAttempts,
	)
	if err != nil {
		r.log.WithError(err).Warn("Reclaiming stale builds failed")
	}

	requeuedTests, timedOut, err := r.store.ReapStaleTests(
		ctx, r.grace, r.requeueDelay, r.maxTries,
	)
	if err != nil {
		r.log.WithError(err).Warn("Reclaiming stale tests failed")
	}

	if requeuedBuilds+failedBuilds+requeuedTests+timedOut > 0 {
		r.log.WithFields(logrus.Fields{
			"requeued_builds": requeuedBuilds,
			"failed_builds":   failedBuilds,
			"requeued_tests":  requeuedTests,
			"timed_out_tests": timedOut,
			"duration":        time.Since(start).Round(time.Millisecond),
		}).Info("Reclaim pass completed")
	}
}
