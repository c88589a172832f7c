package runner

import (
	"context"

	"github.com/poddipe/poddipe/pkg/ctxlog"
	"github.com/poddipe/poddipe/pkg/models"
)

// ParallelStepRunner runs the children of a parallel group. Unlike the
// top-level driver it never short-circuits: every branch's outcome must be
// observed, and the group reports the last failing branch's exit code.
type ParallelStepRunner struct {
	step *models.ParallelStep
	rctx *runContext
}

func newParallelStepRunner(step *models.ParallelStep, rctx *runContext) *ParallelStepRunner {
	return &ParallelStepRunner{step: step, rctx: rctx}
}

func (p *ParallelStepRunner) Run(ctx context.Context) (*int, error) {
	ctxlog.From(ctx).Info("running parallel group", "group", p.step.Name)

	exitCode := 0

	for _, child := range p.step.Steps {
		// Each child gets its own executor and a fresh step run id, so
		// container and volume names never collide within the group.
		code, err := newStepRunner(child, p.rctx).Run(ctx)
		if err != nil {
			return nil, err
		}
		if code != nil && *code != 0 {
			exitCode = *code
		}
	}

	return &exitCode, nil
}
