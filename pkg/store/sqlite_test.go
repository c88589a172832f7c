package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/poddipe/poddipe/pkg/models"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "runs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	require.NoError(t, s.Migrate())
	return s
}

func TestNextBuildNumber(t *testing.T) {
	s := newTestStore(t)

	for want := 1; want <= 3; want++ {
		got, err := s.NextBuildNumber("my-project-abc12345")
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}

	// Projects count independently.
	got, err := s.NextBuildNumber("other-project-def67890")
	require.NoError(t, err)
	assert.Equal(t, 1, got)
}

func TestRunLifecycle(t *testing.T) {
	s := newTestStore(t)

	run := &models.PipelineRun{
		ID:          "run-1",
		ProjectKey:  "my-project-abc12345",
		Pipeline:    "branches.main",
		BuildNumber: 7,
		State:       models.RunRunning,
	}
	require.NoError(t, s.CreateRun(run))

	require.NoError(t, s.FinishRun("run-1", models.RunFailed, 5, ""))

	runs, err := s.ListRuns("my-project-abc12345", 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)

	got := runs[0]
	assert.Equal(t, "run-1", got.ID)
	assert.Equal(t, "branches.main", got.Pipeline)
	assert.Equal(t, 7, got.BuildNumber)
	assert.Equal(t, models.RunFailed, got.State)
	assert.Equal(t, 5, got.ExitCode)
	require.NotNil(t, got.CompletedAt)
	assert.WithinDuration(t, time.Now().UTC(), *got.CompletedAt, time.Minute)
}

func TestCreateRunFillsDefaults(t *testing.T) {
	s := newTestStore(t)

	run := &models.PipelineRun{ProjectKey: "p", Pipeline: "custom.x"}
	require.NoError(t, s.CreateRun(run))

	assert.NotEmpty(t, run.ID)
	assert.Equal(t, models.RunRunning, run.State)
	assert.False(t, run.CreatedAt.IsZero())
}

func TestListRunsLimit(t *testing.T) {
	s := newTestStore(t)

	base := time.Now().UTC()
	for i := 0; i < 5; i++ {
		require.NoError(t, s.CreateRun(&models.PipelineRun{
			ProjectKey:  "p",
			Pipeline:    "branches.main",
			BuildNumber: i + 1,
			CreatedAt:   base.Add(time.Duration(i) * time.Second),
		}))
	}

	runs, err := s.ListRuns("p", 2)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, 5, runs[0].BuildNumber, "newest first")
	assert.Equal(t, 4, runs[1].BuildNumber)
}

func TestStepResults(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.CreateRun(&models.PipelineRun{ID: "run-1", ProjectKey: "p", Pipeline: "branches.main"}))

	results := []*models.StepResult{
		{RunID: "run-1", StepID: "s1", Name: "build", State: models.StepSucceeded, DurationMs: 1200},
		{RunID: "run-1", StepID: "s2", Name: "test", State: models.StepFailed, ExitCode: 2, DurationMs: 800},
		{RunID: "run-1", StepID: "s3", Name: "deploy", State: models.StepSkipped},
	}
	for _, result := range results {
		require.NoError(t, s.RecordStepResult(result))
	}

	got, err := s.ListStepResults("run-1")
	require.NoError(t, err)
	require.Len(t, got, 3)

	assert.Equal(t, "build", got[0].Name)
	assert.Equal(t, models.StepSucceeded, got[0].State)
	assert.Equal(t, "test", got[1].Name)
	assert.Equal(t, 2, got[1].ExitCode)
	assert.Equal(t, models.StepSkipped, got[2].State)

	other, err := s.ListStepResults("run-2")
	require.NoError(t, err)
	assert.Empty(t, other)
}

func TestMigrateIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Migrate())
}
