package api

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/151300/FreeNodes/internal/launcher"
)

// noopLogger returns a slog.Logger that discards all output.
func noopLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func init() {
	gin.SetMode(gin.TestMode)
}

// fakeLauncher is a test double that implements launcherService.
type fakeLauncher struct {
	inProgress bool
	ready      bool
	deepProbes map[string]launcher.ProbeResult
	last       *launcher.LaunchResult
	runs       atomic.Int32
}

func (f *fakeLauncher) IsReady() bool { return f.ready }

func (f *fakeLauncher) LastResult() *launcher.LaunchResult { return f.last }

func (f *fakeLauncher) Start(_ context.Context) error {
	if f.inProgress {
		return launcher.ErrLaunchInProgress
	}
	f.runs.Add(1)
	return nil
}

func (f *fakeLauncher) RunDeepHealth(_ context.Context) map[string]launcher.ProbeResult {
	if f.deepProbes != nil {
		return f.deepProbes
	}
	return map[string]launcher.ProbeResult{}
}

// newTestEngine builds a minimal Gin engine with only the given handler.
func newTestEngine(method, path string, h ...gin.HandlerFunc) *gin.Engine {
	r := gin.New()
	r.Handle(method, path, h...)
	return r
}

func serve(engine http.Handler, method, path string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(method, path, nil)
	engine.ServeHTTP(w, req)
	return w
}

// --- Launch handler ---

func TestLaunch_202WhenIdle(t *testing.T) {
	t.Parallel()

	fake := &fakeLauncher{}
	handler := &Handler{launcher: fake}

	w := serve(newTestEngine(http.MethodPost, "/api/v1/launch", handler.Launch), http.MethodPost, "/api/v1/launch")
	assert.Equal(t, http.StatusAccepted, w.Code)

	var body map[string]string
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
	assert.Equal(t, "accepted", body["status"])

	assert.Equal(t, int32(1), fake.runs.Load())
}

func TestLaunch_409WhenInProgress(t *testing.T) {
	t.Parallel()

	fake := &fakeLauncher{inProgress: true}
	handler := &Handler{launcher: fake}

	w := serve(newTestEngine(http.MethodPost, "/api/v1/launch", handler.Launch), http.MethodPost, "/api/v1/launch")
	assert.Equal(t, http.StatusConflict, w.Code)

	var body map[string]string
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
	assert.Equal(t, "in-progress", body["status"])
	assert.Zero(t, fake.runs.Load())
}

// --- LastLaunch handler ---

func TestLastLaunch_404BeforeAnyLaunch(t *testing.T) {
	t.Parallel()

	handler := &Handler{launcher: &fakeLauncher{}}
	w := serve(newTestEngine(http.MethodGet, "/api/v1/launch/last", handler.LastLaunch), http.MethodGet, "/api/v1/launch/last")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestLastLaunch_200WithResult(t *testing.T) {
	t.Parallel()

	fake := &fakeLauncher{last: &launcher.LaunchResult{
		Status:   launcher.StatusError,
		Root:     "/project",
		ExitCode: 2,
		Phases:   []launcher.PhaseResult{{Name: launcher.PhaseEntrypoint, Status: launcher.StatusError}},
	}}
	handler := &Handler{launcher: fake}

	w := serve(newTestEngine(http.MethodGet, "/api/v1/launch/last", handler.LastLaunch), http.MethodGet, "/api/v1/launch/last")
	require.Equal(t, http.StatusOK, w.Code)

	var got launcher.LaunchResult
	require.NoError(t, json.NewDecoder(w.Body).Decode(&got))
	assert.Equal(t, "error", got.Status)
	assert.Equal(t, 2, got.ExitCode)
	require.Len(t, got.Phases, 1)
	assert.Equal(t, "entrypoint", got.Phases[0].Name)
}

// --- Health handler ---

func TestHealth_AlwaysReturns200(t *testing.T) {
	t.Parallel()

	handler := &Handler{launcher: &fakeLauncher{}}
	w := serve(newTestEngine(http.MethodGet, "/health", handler.Health), http.MethodGet, "/health")

	assert.Equal(t, http.StatusOK, w.Code)

	var body map[string]string
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, "shallow", body["mode"])
}

// --- DeepHealth handler ---

func TestDeepHealth(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		probes     map[string]launcher.ProbeResult
		wantCode   int
		wantStatus string
	}{
		{
			name: "all healthy",
			probes: map[string]launcher.ProbeResult{
				"python":     {Name: "python", OK: true},
				"entrypoint": {Name: "entrypoint", OK: true},
				"layout":     {Name: "layout", OK: true},
			},
			wantCode:   http.StatusOK,
			wantStatus: "healthy",
		},
		{
			name: "one unhealthy",
			probes: map[string]launcher.ProbeResult{
				"python":     {Name: "python", OK: true},
				"entrypoint": {Name: "entrypoint", OK: false, Error: "hb/runner.py: no such file"},
				"layout":     {Name: "layout", OK: true},
			},
			wantCode:   http.StatusServiceUnavailable,
			wantStatus: "unhealthy",
		},
		{
			name: "all unhealthy",
			probes: map[string]launcher.ProbeResult{
				"python": {Name: "python", OK: false, Error: "No module named 'yaml'"},
				"layout": {Name: "layout", OK: false, Error: "missing hb/output"},
			},
			wantCode:   http.StatusServiceUnavailable,
			wantStatus: "unhealthy",
		},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			handler := &Handler{launcher: &fakeLauncher{deepProbes: tc.probes}}
			w := serve(newTestEngine(http.MethodGet, "/health/deep", handler.DeepHealth), http.MethodGet, "/health/deep")

			assert.Equal(t, tc.wantCode, w.Code)

			var body map[string]any
			require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
			assert.Equal(t, tc.wantStatus, body["status"])
			assert.Len(t, body["dependencies"], len(tc.probes))
		})
	}
}

// --- Ready handler ---

func TestReady(t *testing.T) {
	t.Parallel()

	for _, ready := range []bool{false, true} {
		handler := &Handler{launcher: &fakeLauncher{ready: ready}}
		w := serve(newTestEngine(http.MethodGet, "/ready", handler.Ready), http.MethodGet, "/ready")

		want := http.StatusServiceUnavailable
		if ready {
			want = http.StatusOK
		}
		assert.Equal(t, want, w.Code)

		var body map[string]any
		require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
		assert.Equal(t, ready, body["ready"])
	}
}

// --- Middleware ---

func TestRecoveryMiddleware_Returns500OnPanic(t *testing.T) {
	t.Parallel()

	engine := gin.New()
	engine.Use(Recovery(noopLogger()))
	engine.GET("/panic", func(c *gin.Context) {
		panic("intentional test panic")
	})

	w := serve(engine, http.MethodGet, "/panic")
	assert.Equal(t, http.StatusInternalServerError, w.Code)

	var body map[string]string
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
	assert.Equal(t, "error", body["status"])
}

func TestRateLimit_429AfterBurst(t *testing.T) {
	t.Parallel()

	limiter := rate.NewLimiter(rate.Every(time.Hour), 2)
	ok := func(c *gin.Context) { c.Status(http.StatusNoContent) }
	engine := newTestEngine(http.MethodPost, "/x", RateLimit(limiter), ok)

	assert.Equal(t, http.StatusNoContent, serve(engine, http.MethodPost, "/x").Code)
	assert.Equal(t, http.StatusNoContent, serve(engine, http.MethodPost, "/x").Code)

	w := serve(engine, http.MethodPost, "/x")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.NotEmpty(t, w.Header().Get("Retry-After"))
}

func TestRateLimit_NilLimiterPassesThrough(t *testing.T) {
	t.Parallel()

	ok := func(c *gin.Context) { c.Status(http.StatusNoContent) }
	engine := newTestEngine(http.MethodPost, "/x", RateLimit(nil), ok)
	for iter := 0; iter < 5; iter++ {
		assert.Equal(t, http.StatusNoContent, serve(engine, http.MethodPost, "/x").Code)
	}
}

// --- NewRouter smoke test ---

func TestNewRouter_RoutesRegistered(t *testing.T) {
	t.Parallel()

	fake := &fakeLauncher{ready: true, deepProbes: map[string]launcher.ProbeResult{
		"python": {Name: "python", OK: true},
	}}
	metrics := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		io.WriteString(w, "launcher_runs_total 0\n") //nolint:errcheck
	})
	router := NewRouter(fake, metrics, nil)

	cases := []struct {
		method string
		path   string
		want   int
	}{
		{http.MethodGet, "/health", http.StatusOK},
		{http.MethodGet, "/health/deep", http.StatusOK},
		{http.MethodGet, "/ready", http.StatusOK},
		{http.MethodGet, "/metrics", http.StatusOK},
		{http.MethodGet, "/api/v1/launch/last", http.StatusNotFound},
		{http.MethodPost, "/api/v1/launch", http.StatusAccepted},
		{http.MethodGet, "/api-docs", http.StatusMovedPermanently},
	}

	for _, tc := range cases {
		tc := tc
		w := httptest.NewRecorder()
		req := httptest.NewRequest(tc.method, tc.path, strings.NewReader(""))
		router.Handler().ServeHTTP(w, req)
		assert.Equal(t, tc.want, w.Code, "route %s %s", tc.method, tc.path)
	}
}

func TestNewRouter_NoMetricsHandler(t *testing.T) {
	t.Parallel()

	router := NewRouter(&fakeLauncher{}, nil, nil)
	w := serve(router.Handler(), http.MethodGet, "/metrics")
	assert.Equal(t, http.StatusNotFound, w.Code)
}
