package worker

import (
	"bytes"

	"github.com/ethpandaops/testoor/pkg/store"
	"github.com/ethpandaops/testoor/pkg/testspec"
)

// analyzeOutcome classifies a finished test process based on its exit
// code and output. Expensive-category test harnesses exit zero even
// when the selected test was filtered out, ignored or failed, so their
// output needs inspection.
func analyzeOutcome(category string, exitCode int, stdout []byte) string {
	if exitCode != 0 {
		return store.TestFailed
	}

	if category != testspec.CategoryExpensive {
		return store.TestPassed
	}

	var first, last []byte

	for _, line := range bytes.Split(stdout, []byte("\n")) {
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}

		if first == nil {
			first = line
		}

		last = line
	}

	// A filter matching nothing means the test name was wrong: that is
	// a failure, not a pass with zero tests.
	if bytes.Equal(first, []byte("running 0 tests")) {
		return store.TestFailed
	}

	switch {
	case bytes.Contains(last, []byte("1 ignored")):
		return store.TestIgnored
	case bytes.Contains(last, []byte("1 failed")):
		return store.TestFailed
	default:
		return store.TestPassed
	}
}

// shouldRetry decides whether a flaky-looking outcome earns the test
// another attempt. Every test is retried at least once and at most four
// times, and the combined attempts should not keep a machine busy for
// much more than an hour.
func shouldRetry(status string, timeout, tries int) bool {
	if status != store.TestFailed && status != store.TestTimeout {
		return false
	}

	maxTries := 5
	if timeout > 0 {
		maxTries = 3600 / timeout
	}

	maxTries = max(2, min(5, maxTries))

	return tries < maxTries
}
