package runner

import (
	"context"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gosimple/slug"

	"github.com/poddipe/poddipe/pkg/container"
	"github.com/poddipe/poddipe/pkg/ctxlog"
	"github.com/poddipe/poddipe/pkg/models"
)

// StepRunner owns one step's lifecycle: acquire the container, volume and
// services, set up the build, run the script, tear down, and release every
// acquired resource exactly once on every exit path.
type StepRunner struct {
	step   *models.Step
	stepID string
	rctx   *runContext
}

func newStepRunner(step *models.Step, rctx *runContext) *StepRunner {
	return &StepRunner{
		step:   step,
		stepID: uuid.New().String(),
		rctx:   rctx,
	}
}

// Run returns the script's exit code, or nil if the step was skipped by the
// step selection. Fatal errors (checkout, transfer, docker) are returned as
// errors; a non-zero script exit is a normal result.
func (s *StepRunner) Run(ctx context.Context) (*int, error) {
	logger := ctxlog.From(ctx)

	if !s.shouldRun() {
		logger.Info("skipping step", "step", s.step.Name)
		s.record(models.StepSkipped, 0, 0)
		s.count("steps_skipped")
		return nil, nil
	}

	logger = logger.With("step", s.step.Name)
	ctx = ctxlog.With(ctx, logger)

	logger.Info("running step")
	logger.Debug("step run id", "step_id", s.stepID)
	if s.rctx.deps.Status != nil {
		s.rctx.deps.Status.SetStep(s.step.Name)
	}

	start := time.Now()
	code, err := s.execute(ctx)
	elapsed := time.Since(start)

	s.count("steps_run")
	if s.rctx.deps.Metrics != nil {
		s.rctx.deps.Metrics.Timing("step_duration").Observe(elapsed.Milliseconds())
	}

	switch {
	case err != nil:
		s.record(models.StepErrored, 1, elapsed)
		return nil, err
	case *code != 0:
		s.record(models.StepFailed, *code, elapsed)
		s.count("steps_failed")
	default:
		s.record(models.StepSucceeded, 0, elapsed)
	}

	logger.Info("step executed", "duration", elapsed.Round(time.Millisecond), "exit_code", *code)

	return code, err
}

func (s *StepRunner) execute(ctx context.Context) (*int, error) {
	logger := ctxlog.From(ctx)

	var services Services
	var cont Container

	// Release is unconditional: whatever stage failed, everything that was
	// started is stopped, and one stop failing never suppresses the other.
	defer func() {
		if services != nil {
			services.StopServices(ctx)
		}
		if cont != nil {
			if err := cont.Stop(ctx); err != nil {
				logger.Error("stopping container failed", "error", err)
			}
		}
	}()

	image := s.resolveImage()
	// The short run id keeps names unique across parallel children sharing a
	// step name and across leftovers of interrupted runs.
	containerName := s.rctx.cfg.ProjectSlug() + "-step-" + slug.Make(s.step.Name) + "-" + s.stepID[:8]
	dataVolume := containerName + "-data"
	memLimit := s.rctx.cfg.BuildContainerBaseMemoryLimit * s.step.Size

	services = s.rctx.deps.NewServices(s.step.Services, s.rctx.defs.Services, s.step.Size, dataVolume)
	if err := services.StartServices(ctx); err != nil {
		return nil, err
	}

	env, err := containerEnv(s.rctx)
	if err != nil {
		return nil, err
	}

	cont = s.rctx.deps.NewContainer(container.Options{
		Image:          image,
		Name:           containerName,
		MemoryLimitMiB: memLimit,
		ServiceNames:   services.ServiceNames(),
		DataVolume:     dataVolume,
		Env:            env,
	})
	if err := cont.Start(ctx); err != nil {
		return nil, err
	}

	artifacts, err := s.rctx.deps.NewArtifacts(cont, s.rctx.pipelineID, s.stepID)
	if err != nil {
		return nil, err
	}
	caches, err := s.rctx.deps.NewCaches(cont, s.rctx.defs.Caches)
	if err != nil {
		return nil, err
	}

	if err := s.setup(ctx, cont, artifacts, caches); err != nil {
		return nil, err
	}

	exitCode, err := cont.RunScript(ctx, s.step.Script, nil)
	if err != nil {
		return nil, err
	}

	s.runAfterScript(ctx, cont, exitCode)

	if exitCode != 0 {
		logger.Error("step script failed", "exit_code", exitCode)
	}

	if err := s.teardown(ctx, artifacts, caches, exitCode); err != nil {
		return nil, err
	}

	return &exitCode, nil
}

// setup prepares the fresh container before the script runs: checkout,
// then restoring the artifacts and caches of earlier steps.
func (s *StepRunner) setup(ctx context.Context, cont Container, artifacts Artifacts, caches CacheTransfer) error {
	logger := ctxlog.From(ctx)
	logger.Info("build setup")
	start := time.Now()

	if err := s.cloneRepository(ctx, cont); err != nil {
		return err
	}
	if err := artifacts.Upload(ctx); err != nil {
		return err
	}
	if err := caches.Upload(ctx, s.step.Caches); err != nil {
		return err
	}

	logger.Info("build setup finished", "duration", time.Since(start).Round(time.Millisecond))

	return nil
}

// teardown persists what the step produced. Caches are only persisted on a
// clean exit: a failed script must never poison the cache. Artifacts are
// captured regardless.
func (s *StepRunner) teardown(ctx context.Context, artifacts Artifacts, caches CacheTransfer, exitCode int) error {
	logger := ctxlog.From(ctx)
	logger.Info("build teardown")
	start := time.Now()

	if exitCode == 0 {
		if err := caches.Download(ctx, s.step.Caches); err != nil {
			return err
		}
	} else {
		logger.Warn("skipping cache persist for failed step")
	}

	if err := artifacts.Download(ctx, s.step.Artifacts); err != nil {
		return err
	}

	if s.rctx.deps.Metrics != nil {
		uploaded, downloaded := caches.BytesTransferred()
		s.rctx.deps.Metrics.Counter("cache_bytes_uploaded").Add(uploaded)
		s.rctx.deps.Metrics.Counter("cache_bytes_downloaded").Add(downloaded)
	}

	logger.Info("build teardown finished", "duration", time.Since(start).Round(time.Millisecond))

	return nil
}

// runAfterScript runs the step's after-script with the primary script's
// status injected. Its own outcome never overrides the step result.
func (s *StepRunner) runAfterScript(ctx context.Context, cont Container, exitCode int) {
	if len(s.step.AfterScript) == 0 {
		return
	}

	env := map[string]string{"BITBUCKET_EXIT_CODE": strconv.Itoa(exitCode)}
	if code, err := cont.RunScript(ctx, s.step.AfterScript, env); err != nil {
		ctxlog.From(ctx).Error("after-script failed", "error", err)
	} else if code != 0 {
		ctxlog.From(ctx).Error("after-script failed", "exit_code", code)
	}
}

func (s *StepRunner) shouldRun() bool {
	selected := s.rctx.cfg.SelectedSteps
	if len(selected) == 0 {
		return true
	}
	for _, name := range selected {
		if name == s.step.Name {
			return true
		}
	}
	return false
}

// resolveImage picks the effective image: step override, then the
// definitions' default, then the built-in default.
func (s *StepRunner) resolveImage() *models.Image {
	if s.step.Image != nil {
		return s.step.Image
	}
	if s.rctx.defs.Image != nil {
		return s.rctx.defs.Image
	}
	return &models.Image{Name: s.rctx.cfg.DefaultImage}
}

func (s *StepRunner) record(state models.StepState, exitCode int, elapsed time.Duration) {
	if s.rctx.deps.Store == nil {
		return
	}
	_ = s.rctx.deps.Store.RecordStepResult(&models.StepResult{
		RunID:      s.rctx.pipelineID,
		StepID:     s.stepID,
		Name:       s.step.Name,
		State:      state,
		ExitCode:   exitCode,
		DurationMs: elapsed.Milliseconds(),
	})
}

func (s *StepRunner) count(name string) {
	if s.rctx.deps.Metrics != nil {
		s.rctx.deps.Metrics.Counter(name).Inc()
	}
}
