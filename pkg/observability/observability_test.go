package observability

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryCounters(t *testing.T) {
	r := NewRegistry()

	r.Counter("steps_run").Inc()
	r.Counter("steps_run").Inc()
	r.Counter("cache_bytes_uploaded").Add(2048)

	assert.Equal(t, int64(2), r.Counter("steps_run").Value())
	assert.Equal(t, int64(2048), r.Counter("cache_bytes_uploaded").Value())
}

func TestRegistryTimings(t *testing.T) {
	r := NewRegistry()

	r.Timing("step_duration").Observe(100)
	r.Timing("step_duration").Observe(300)

	count, sum, avg := r.Timing("step_duration").Snapshot()
	assert.Equal(t, int64(2), count)
	assert.Equal(t, int64(400), sum)
	assert.Equal(t, int64(200), avg)

	count, sum, avg = r.Timing("untouched").Snapshot()
	assert.Zero(t, count)
	assert.Zero(t, sum)
	assert.Zero(t, avg)
}

func TestRegistrySnapshot(t *testing.T) {
	r := NewRegistry()
	r.Counter("steps_run").Inc()
	r.Timing("step_duration").Observe(250)

	snapshot := r.Snapshot()
	assert.Equal(t, int64(1), snapshot["counter.steps_run"])
	assert.Equal(t, int64(1), snapshot["timing.step_duration.count"])
	assert.Equal(t, int64(250), snapshot["timing.step_duration.sum_ms"])
	assert.Equal(t, int64(250), snapshot["timing.step_duration.avg_ms"])
}

func TestCounterConcurrentIncrements(t *testing.T) {
	r := NewRegistry()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				r.Counter("steps_run").Inc()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(1000), r.Counter("steps_run").Value())
}

func TestRunStatusTransitions(t *testing.T) {
	status := &RunStatus{}
	status.Begin("branches.main", "run-1", 7)
	status.SetStep("build")

	view := status.view()
	assert.Equal(t, "running", view.State)
	assert.Equal(t, "build", view.CurrentStep)
	assert.Equal(t, 7, view.BuildNumber)

	status.Finish("completed")

	view = status.view()
	assert.Equal(t, "completed", view.State)
	assert.Empty(t, view.CurrentStep, "the finished run has no current step")
}

func TestStatusServerRoutes(t *testing.T) {
	registry := NewRegistry()
	registry.Counter("pipeline_runs").Inc()

	status := &RunStatus{}
	status.Begin("branches.main", "run-1", 3)

	router := NewStatusServer(registry, status).routes()

	get := func(path string) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, path, nil)
		router.ServeHTTP(rec, req)
		return rec
	}

	rec := get("/healthz")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = get("/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	var metrics map[string]int64
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &metrics))
	assert.Equal(t, int64(1), metrics["counter.pipeline_runs"])

	rec = get("/run")
	require.Equal(t, http.StatusOK, rec.Code)
	var run map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &run))
	assert.Equal(t, "branches.main", run["pipeline"])
	assert.Equal(t, "running", run["state"])
}
