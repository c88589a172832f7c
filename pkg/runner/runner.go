// Package runner is the execution engine: it drives one pipeline run to
// completion, each step through its full lifecycle, and guarantees the
// resources a step acquired are released whatever happened inside it.
package runner

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/poddipe/poddipe/pkg/config"
	"github.com/poddipe/poddipe/pkg/ctxlog"
	"github.com/poddipe/poddipe/pkg/git"
	"github.com/poddipe/poddipe/pkg/models"
	"github.com/poddipe/poddipe/pkg/parse"
)

// PipelineRunner drives one pipeline: loads the environment, resolves the
// requested pipeline and runs its steps in order, stopping at the first
// failure.
type PipelineRunner struct {
	pipelineName string
	cfg          *config.Config
	deps         *Deps
	runID        string
}

func NewPipelineRunner(pipelineName string, cfg *config.Config, deps *Deps) *PipelineRunner {
	return &PipelineRunner{
		pipelineName: pipelineName,
		cfg:          cfg,
		deps:         deps,
		runID:        uuid.New().String(),
	}
}

// Run executes the pipeline and returns its exit status: 0 only if every
// step reached reported success. Configuration and transport problems are
// returned as errors; script failures only as the exit status.
func (r *PipelineRunner) Run(ctx context.Context) (int, error) {
	logger := ctxlog.From(ctx).With("pipeline", r.pipelineName)
	ctx = ctxlog.With(ctx, logger)

	if err := loadEnvFiles(ctx, r.cfg); err != nil {
		return 1, err
	}

	defs, err := parse.File(r.cfg.PipelineFilePath(), r.cfg)
	if err != nil {
		return 1, err
	}

	pipeline := defs.Pipeline(r.pipelineName)
	if pipeline == nil {
		logger.Info("available pipelines", "pipelines", defs.AvailablePipelines())
		return 1, errors.Errorf("invalid pipeline: %s", r.pipelineName)
	}

	info, err := git.Describe(r.cfg.ProjectDirectory)
	if err != nil {
		return 1, err
	}

	buildNumber, err := r.allocateBuildNumber()
	if err != nil {
		return 1, err
	}

	rctx := &runContext{
		cfg:         r.cfg,
		deps:        r.deps,
		defs:        defs,
		pipelineID:  r.runID,
		buildNumber: buildNumber,
		git:         info,
	}

	logger.Info("running pipeline", "build_number", buildNumber)
	logger.Debug("pipeline run id", "run_id", r.runID)

	r.recordRunStart(buildNumber)
	if r.deps.Metrics != nil {
		r.deps.Metrics.Counter("pipeline_runs").Inc()
	}

	start := time.Now()
	exitCode, runErr := r.executePipeline(ctx, pipeline, rctx)
	logger.Info("pipeline executed", "duration", time.Since(start).Round(time.Millisecond))

	r.recordRunEnd(exitCode, runErr)

	switch {
	case runErr != nil:
		return 1, runErr
	case exitCode != 0:
		logger.Error("pipeline failed", "exit_code", exitCode)
	default:
		logger.Info("pipeline successful")
	}

	return exitCode, nil
}

// executePipeline runs the top-level steps in order. The first non-zero
// exit code stops the iteration: later steps may depend on earlier ones.
func (r *PipelineRunner) executePipeline(ctx context.Context, pipeline *models.Pipeline, rctx *runContext) (int, error) {
	for _, node := range pipeline.Steps {
		executor := NewStepExecutor(node, rctx)

		code, err := executor.Run(ctx)
		if err != nil {
			return 1, err
		}
		if code != nil && *code != 0 {
			return *code, nil
		}
	}

	return 0, nil
}

func (r *PipelineRunner) allocateBuildNumber() (int, error) {
	if r.cfg.BuildNumber != 0 {
		return r.cfg.BuildNumber, nil
	}
	if r.deps.Store == nil {
		return 0, nil
	}
	return r.deps.Store.NextBuildNumber(r.cfg.ProjectEnvName())
}

func (r *PipelineRunner) recordRunStart(buildNumber int) {
	if r.deps.Status != nil {
		r.deps.Status.Begin(r.pipelineName, r.runID, buildNumber)
	}
	if r.deps.Store == nil {
		return
	}
	_ = r.deps.Store.CreateRun(&models.PipelineRun{
		ID:          r.runID,
		ProjectKey:  r.cfg.ProjectEnvName(),
		Pipeline:    r.pipelineName,
		BuildNumber: buildNumber,
		State:       models.RunRunning,
	})
}

func (r *PipelineRunner) recordRunEnd(exitCode int, runErr error) {
	state := models.RunCompleted
	message := ""
	switch {
	case runErr != nil:
		state = models.RunError
		message = runErr.Error()
		exitCode = 1
	case exitCode != 0:
		state = models.RunFailed
	}

	if r.deps.Status != nil {
		r.deps.Status.Finish(string(state))
	}
	if r.deps.Store != nil {
		_ = r.deps.Store.FinishRun(r.runID, state, exitCode, message)
	}
}

// runContext is the read-only state every step executor of one run shares.
type runContext struct {
	cfg         *config.Config
	deps        *Deps
	defs        *models.Pipelines
	pipelineID  string
	buildNumber int
	git         git.Info
}

// StepExecutor is a runnable step node: it produces an exit code, or nil if
// the node was skipped, or an error on a fatal (non-script) failure.
type StepExecutor interface {
	Run(ctx context.Context) (*int, error)
}

// NewStepExecutor dispatches on the node kind. This is the only place that
// distinguishes plain steps from parallel groups.
func NewStepExecutor(node models.StepNode, rctx *runContext) StepExecutor {
	switch step := node.(type) {
	case *models.ParallelStep:
		return newParallelStepRunner(step, rctx)
	case *models.Step:
		return newStepRunner(step, rctx)
	default:
		panic("unknown step node kind")
	}
}
