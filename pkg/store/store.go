// Package store persists the run history of a project: monotonically
// increasing build numbers, pipeline run records and per-step results.
package store

import (
	"github.com/poddipe/poddipe/pkg/models"
)

type Store interface {
	// NextBuildNumber allocates and returns the next build number for the
	// project. Numbers start at 1 and never repeat.
	NextBuildNumber(projectKey string) (int, error)

	CreateRun(run *models.PipelineRun) error
	FinishRun(id string, state models.RunState, exitCode int, errorMessage string) error
	ListRuns(projectKey string, limit int) ([]*models.PipelineRun, error)

	RecordStepResult(result *models.StepResult) error
	ListStepResults(runID string) ([]*models.StepResult, error)

	Migrate() error
	Close() error
}
