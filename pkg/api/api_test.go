package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethpandaops/testoor/pkg/config"
	"github.com/ethpandaops/testoor/pkg/store"
)

func setupTestServer(t *testing.T) (*server, store.Store) {
	t.Helper()

	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	cfg := &config.Config{
		Global: config.GlobalConfig{NightlyRequester: "nightly-bot"},
		Database: config.DatabaseConfig{
			Driver: "sqlite",
			SQLite: config.SQLiteConfig{Path: ":memory:"},
		},
	}

	st := store.NewStore(log, &cfg.Database)
	require.NoError(t, st.Start(context.Background()))

	t.Cleanup(func() { _ = st.Stop() })

	srv := &server{
		log:   log.WithField("component", "api"),
		cfg:   cfg,
		store: st,
	}

	return srv, st
}

func doRequest(
	t *testing.T,
	router http.Handler,
	method, path string,
	body any,
) *httptest.ResponseRecorder {
	t.Helper()

	var rd io.Reader

	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)

		rd = bytes.NewReader(data)
	}

	req := httptest.NewRequest(method, path, rd)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()

	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v))

	return v
}

func TestHealth(t *testing.T) {
	srv, _ := setupTestServer(t)
	router := srv.buildRouter()

	rec := doRequest(t, router, http.MethodGet, "/api/v1/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestCreateAndGetRun(t *testing.T) {
	srv, _ := setupTestServer(t)
	router := srv.buildRouter()

	rec := doRequest(t, router, http.MethodPost, "/api/v1/runs", map[string]string{
		"branch":    "master",
		"sha":       "abc1234",
		"title":     "sanity sweep",
		"requester": "alice",
		"tests": `
# sanity suite
pytest sanity/restart.py
expensive --timeout=30m --release nearcore test_sync test::sync
mocknet --remote mocknet/sanity.py
`,
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	created := decodeBody[map[string]uint](t, rec)
	require.NotZero(t, created["run_id"])

	rec = doRequest(t, router, http.MethodGet, "/api/v1/runs/1", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	run := decodeBody[store.RunView](t, rec)
	assert.Equal(t, store.RunRunning, run.Status)
	assert.Equal(t, "sanity sweep", run.Title)

	// The debug build is shared by the pytest and mocknet tests; the
	// release build belongs to the expensive test alone.
	require.Len(t, run.Builds, 2)
	assert.Equal(t, store.BuildPending, run.Builds[0].Status)
	assert.False(t, run.Builds[0].IsRelease)
	assert.Len(t, run.Builds[0].Tests, 2)
	assert.True(t, run.Builds[1].IsRelease)
	assert.Len(t, run.Builds[1].Tests, 1)

	// The remote test's stored timeout includes the machine provision.
	for _, test := range run.Builds[0].Tests {
		if test.Category == "mocknet" {
			assert.Equal(t, 180+15*60, test.Timeout)
		}
	}
}

func TestCreateRunSkipsBuildWhenAllTestsAllow(t *testing.T) {
	srv, _ := setupTestServer(t)
	router := srv.buildRouter()

	rec := doRequest(t, router, http.MethodPost, "/api/v1/runs", map[string]string{
		"branch": "master",
		"sha":    "abc1234",
		"tests":  "mocknet --remote mocknet/sanity.py",
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = doRequest(t, router, http.MethodGet, "/api/v1/runs/1", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	run := decodeBody[store.RunView](t, rec)
	require.Len(t, run.Builds, 1)
	assert.Equal(t, store.BuildSkipped, run.Builds[0].Status)
}

func TestCreateRunValidation(t *testing.T) {
	srv, _ := setupTestServer(t)
	router := srv.buildRouter()

	tests := []struct {
		name string
		body map[string]string
	}{
		{
			name: "missing branch",
			body: map[string]string{
				"sha":   "abc1234",
				"tests": "pytest sanity/restart.py",
			},
		},
		{
			name: "bad sha",
			body: map[string]string{
				"branch": "master",
				"sha":    "not-a-sha",
				"tests":  "pytest sanity/restart.py",
			},
		},
		{
			name: "unknown category",
			body: map[string]string{
				"branch": "master",
				"sha":    "abc1234",
				"tests":  "bogus whatever.py",
			},
		},
		{
			name: "empty tests",
			body: map[string]string{
				"branch": "master",
				"sha":    "abc1234",
				"tests":  "# nothing here\n",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doRequest(
				t, router, http.MethodPost, "/api/v1/runs", tt.body,
			)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}

	// Malformed JSON body.
	req := httptest.NewRequest(
		http.MethodPost, "/api/v1/runs", bytes.NewReader([]byte("{")),
	)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// Nothing was persisted.
	rec = doRequest(t, router, http.MethodGet, "/api/v1/runs", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decodeBody[[]store.RunSummary](t, rec))
}

func TestNightlyRunsGetLowPriority(t *testing.T) {
	srv, _ := setupTestServer(t)
	router := srv.buildRouter()

	rec := doRequest(t, router, http.MethodPost, "/api/v1/runs", map[string]string{
		"branch":    "master",
		"sha":       "abc1234",
		"requester": "nightly-bot",
		"tests":     "pytest sanity/restart.py",
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = doRequest(t, router, http.MethodGet, "/api/v1/runs/1", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	run := decodeBody[store.RunView](t, rec)
	require.Len(t, run.Builds, 1)
	assert.Equal(t, 1, run.Builds[0].Priority)
	require.Len(t, run.Builds[0].Tests, 1)
	assert.Equal(t, 1, run.Builds[0].Tests[0].Priority)
	assert.True(t, run.Builds[0].Tests[0].IsNightly)
}

func TestListRunsFilters(t *testing.T) {
	srv, _ := setupTestServer(t)
	router := srv.buildRouter()

	for _, r := range []map[string]string{
		{"branch": "master", "sha": "abc1234", "requester": "alice",
			"tests": "pytest sanity/restart.py"},
		{"branch": "feature", "sha": "def5678", "requester": "bob",
			"tests": "pytest sanity/restart.py"},
	} {
		rec := doRequest(t, router, http.MethodPost, "/api/v1/runs", r)
		require.Equal(t, http.StatusCreated, rec.Code)
	}

	rec := doRequest(t, router, http.MethodGet, "/api/v1/runs", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeBody[[]store.RunSummary](t, rec), 2)

	rec = doRequest(
		t, router, http.MethodGet, "/api/v1/runs?branch=master", nil,
	)
	require.Equal(t, http.StatusOK, rec.Code)

	runs := decodeBody[[]store.RunSummary](t, rec)
	require.Len(t, runs, 1)
	assert.Equal(t, "alice", runs[0].Requester)
}

func TestCancelRun(t *testing.T) {
	srv, _ := setupTestServer(t)
	router := srv.buildRouter()

	rec := doRequest(t, router, http.MethodPost, "/api/v1/runs", map[string]string{
		"branch": "master",
		"sha":    "abc1234",
		"tests":  "pytest sanity/restart.py\npytest sanity/state_sync.py",
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = doRequest(t, router, http.MethodPost, "/api/v1/runs/1/cancel", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int64(3), decodeBody[map[string]int64](t, rec)["canceled"])

	rec = doRequest(t, router, http.MethodGet, "/api/v1/runs/1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, store.RunCanceled, decodeBody[store.RunView](t, rec).Status)
}

func TestRetryEndpoints(t *testing.T) {
	srv, st := setupTestServer(t)
	router := srv.buildRouter()
	ctx := context.Background()

	rec := doRequest(t, router, http.MethodPost, "/api/v1/runs", map[string]string{
		"branch": "master",
		"sha":    "abc1234",
		"tests":  "mocknet --remote mocknet/sanity.py",
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	// A pending test is not retryable.
	rec = doRequest(t, router, http.MethodPost, "/api/v1/tests/1/retry", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	claimed, err := st.ClaimTest(ctx, "worker-1", true)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	require.NoError(t, st.ReportTest(ctx, claimed.ID, "worker-1", store.TestFailed))

	rec = doRequest(t, router, http.MethodPost, "/api/v1/tests/1/retry", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	retryID := decodeBody[map[string]uint](t, rec)["test_id"]
	require.NotZero(t, retryID)
	require.NotEqual(t, claimed.ID, retryID)

	// Retrying again returns the same fresh attempt.
	rec = doRequest(t, router, http.MethodPost, "/api/v1/tests/1/retry", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, retryID, decodeBody[map[string]uint](t, rec)["test_id"])

	// The run-level retry finds nothing left to do.
	rec = doRequest(t, router, http.MethodPost, "/api/v1/runs/1/retry", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Zero(t, decodeBody[map[string]int64](t, rec)["retried"])
}

func TestGetTestLog(t *testing.T) {
	srv, st := setupTestServer(t)
	router := srv.buildRouter()
	ctx := context.Background()

	rec := doRequest(t, router, http.MethodPost, "/api/v1/runs", map[string]string{
		"branch": "master",
		"sha":    "abc1234",
		"tests":  "mocknet --remote mocknet/sanity.py",
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	require.NoError(t, st.SaveTestLogs(ctx, 1, []store.Log{{
		Type:       "stdout",
		Size:       11,
		Data:       []byte("hello world"),
		StorageURL: "file:///archive/tests/1/stdout.log",
	}}))

	rec = doRequest(
		t, router, http.MethodGet, "/api/v1/tests/1/logs/stdout", nil,
	)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "hello world", rec.Body.String())
	assert.Contains(t,
		rec.Header().Get("Content-Type"), "text/plain")
	assert.Equal(t, "file:///archive/tests/1/stdout.log",
		rec.Header().Get("X-Storage-Url"))

	rec = doRequest(
		t, router, http.MethodGet, "/api/v1/tests/1/logs/stderr", nil,
	)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestNotFoundResponses(t *testing.T) {
	srv, _ := setupTestServer(t)
	router := srv.buildRouter()

	for _, path := range []string{
		"/api/v1/runs/999",
		"/api/v1/builds/999",
		"/api/v1/tests/999",
	} {
		rec := doRequest(t, router, http.MethodGet, path, nil)
		assert.Equal(t, http.StatusNotFound, rec.Code, path)
	}

	rec := doRequest(t, router, http.MethodGet, "/api/v1/runs/bogus", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRateLimit(t *testing.T) {
	srv, _ := setupTestServer(t)
	srv.cfg.API.RateLimit = config.RateLimitConfig{
		Enabled: true,
		Public:  config.RateLimitTier{RequestsPerMinute: 2},
		Write:   config.RateLimitTier{RequestsPerMinute: 1},
	}
	router := srv.buildRouter()

	// The public tier allows a burst of two.
	for i := 0; i < 2; i++ {
		rec := doRequest(t, router, http.MethodGet, "/api/v1/stats", nil)
		require.Equal(t, http.StatusOK, rec.Code)
	}

	rec := doRequest(t, router, http.MethodGet, "/api/v1/stats", nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)

	// The write tier is counted separately and exhausts after one.
	rec = doRequest(t, router, http.MethodPost, "/api/v1/runs", map[string]string{})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doRequest(t, router, http.MethodPost, "/api/v1/runs", map[string]string{})
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)

	// Health stays reachable.
	rec = doRequest(t, router, http.MethodGet, "/api/v1/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestStatsEndpoint(t *testing.T) {
	srv, _ := setupTestServer(t)
	router := srv.buildRouter()

	rec := doRequest(t, router, http.MethodPost, "/api/v1/runs", map[string]string{
		"branch": "master",
		"sha":    "abc1234",
		"tests":  "pytest sanity/restart.py",
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = doRequest(t, router, http.MethodGet, "/api/v1/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	stats := decodeBody[store.Stats](t, rec)
	assert.Equal(t, int64(1), stats.PendingBuilds)
	assert.Equal(t, int64(1), stats.PendingTests)
}
