package worker

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ethpandaops/testoor/pkg/store"
	"github.com/ethpandaops/testoor/pkg/testspec"
)

func TestAnalyzeOutcome(t *testing.T) {
	tests := []struct {
		name     string
		category string
		exitCode int
		stdout   string
		want     string
	}{
		{
			name:     "non-zero exit fails",
			category: testspec.CategoryPytest,
			exitCode: 1,
			want:     store.TestFailed,
		},
		{
			name:     "pytest zero exit passes",
			category: testspec.CategoryPytest,
			stdout:   "whatever",
			want:     store.TestPassed,
		},
		{
			name:     "expensive pass",
			category: testspec.CategoryExpensive,
			stdout:   "running 1 test\ntest result: ok. 1 passed\n",
			want:     store.TestPassed,
		},
		{
			name:     "expensive filter matched nothing",
			category: testspec.CategoryExpensive,
			stdout:   "\nrunning 0 tests\n\ntest result: ok. 0 passed\n",
			want:     store.TestFailed,
		},
		{
			name:     "expensive ignored",
			category: testspec.CategoryExpensive,
			stdout:   "running 1 test\ntest result: ok. 0 passed; 1 ignored\n",
			want:     store.TestIgnored,
		},
		{
			name:     "expensive failed with zero exit",
			category: testspec.CategoryExpensive,
			stdout:   "running 1 test\ntest result: FAILED. 1 failed\n",
			want:     store.TestFailed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := analyzeOutcome(tt.category, tt.exitCode, []byte(tt.stdout))
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestShouldRetry(t *testing.T) {
	// Terminal good outcomes never retry.
	assert.False(t, shouldRetry(store.TestPassed, 180, 1))
	assert.False(t, shouldRetry(store.TestIgnored, 180, 1))
	assert.False(t, shouldRetry(store.TestCanceled, 180, 1))

	// Every test gets at least two tries.
	assert.True(t, shouldRetry(store.TestFailed, 7200, 1))
	assert.False(t, shouldRetry(store.TestFailed, 7200, 2))

	// Short tests get up to five tries, never more.
	assert.True(t, shouldRetry(store.TestTimeout, 60, 4))
	assert.False(t, shouldRetry(store.TestTimeout, 60, 5))
	assert.False(t, shouldRetry(store.TestTimeout, 1, 5))

	// A 20 minute test fits three attempts in the hour budget.
	assert.True(t, shouldRetry(store.TestFailed, 1200, 2))
	assert.False(t, shouldRetry(store.TestFailed, 1200, 3))
}

func TestShortLogSmall(t *testing.T) {
	data := []byte("all good")

	short, full := shortLog(data)
	assert.True(t, full)
	assert.Equal(t, data, short)
}

func TestShortLogTruncates(t *testing.T) {
	line := strings.Repeat("x", 99) + "\n"
	data := []byte(strings.Repeat(line, 1000)) // 100 KB

	short, full := shortLog(data)
	assert.False(t, full)
	assert.LessOrEqual(t, len(short), maxShortLogSize)
	assert.True(t, bytes.Contains(short, []byte("\n...\n")))

	// Head and tail are split on line boundaries.
	parts := bytes.SplitN(short, []byte("\n...\n"), 2)
	assert.True(t, bytes.HasSuffix(parts[0], []byte(strings.Repeat("x", 99))))
	assert.True(t, bytes.HasPrefix(parts[1], []byte("x")))
}

func TestHasBacktrace(t *testing.T) {
	assert.True(t, hasBacktrace([]byte("panic!\nStack Backtrace:\n 0: ...")))
	assert.False(t, hasBacktrace([]byte("test result: ok")))
}
