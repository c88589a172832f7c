package models

import "time"

type RunState string

const (
	RunPending   RunState = "Pending"
	RunRunning   RunState = "Running"
	RunFailed    RunState = "Failed"
	RunCompleted RunState = "Completed"
	RunError     RunState = "Error"
)

type StepState string

const (
	StepSucceeded StepState = "Succeeded"
	StepFailed    StepState = "Failed"
	StepSkipped   StepState = "Skipped"
	StepErrored   StepState = "Errored"
)

// PipelineRun is one recorded invocation of a pipeline.
type PipelineRun struct {
	ID          string     `json:"id"`
	ProjectKey  string     `json:"projectKey"`
	Pipeline    string     `json:"pipeline"`
	BuildNumber int        `json:"buildNumber"`
	State       RunState   `json:"state"`
	ExitCode    int        `json:"exitCode"`
	Error       string     `json:"error,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}

// StepResult is the recorded outcome of one step within a run. Parallel
// children record their own results under the same run.
type StepResult struct {
	RunID      string    `json:"runId"`
	StepID     string    `json:"stepId"`
	Name       string    `json:"name"`
	State      StepState `json:"state"`
	ExitCode   int       `json:"exitCode"`
	DurationMs int64     `json:"durationMs"`
	CreatedAt  time.Time `json:"createdAt"`
}
