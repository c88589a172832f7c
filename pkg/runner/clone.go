package runner

import (
	"context"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/poddipe/poddipe/pkg/config"
	"github.com/poddipe/poddipe/pkg/ctxlog"
	"github.com/poddipe/poddipe/pkg/models"
)

// ResolveCloneSettings flattens the clone cascade for one step. Each field
// resolves independently: the step's override wins, then the definitions'
// default, then the built-in default, which is fully concrete.
func ResolveCloneSettings(step, defaults models.CloneSettings) models.CloneSettings {
	builtin := models.DefaultCloneSettings()
	return models.CloneSettings{
		Enabled: firstBool(step.Enabled, defaults.Enabled, builtin.Enabled),
		LFS:     firstBool(step.LFS, defaults.LFS, builtin.LFS),
		Depth:   firstInt(step.Depth, defaults.Depth, builtin.Depth),
	}
}

func firstBool(values ...*bool) *bool {
	for _, v := range values {
		if v != nil {
			return v
		}
	}
	return nil
}

func firstInt(values ...*int) *int {
	for _, v := range values {
		if v != nil {
			return v
		}
	}
	return nil
}

// cloneRepository checks the project out into the container's build
// directory at the commit being built. Any git failure aborts the step.
func (s *StepRunner) cloneRepository(ctx context.Context, cont Container) error {
	logger := ctxlog.From(ctx)

	settings := ResolveCloneSettings(s.step.Clone, s.rctx.defs.Clone)
	if !*settings.Enabled {
		logger.Info("clone disabled, skipping")
		return nil
	}

	var parts []string
	if !*settings.LFS {
		parts = append(parts, "GIT_LFS_SKIP_SMUDGE=1")
	}
	parts = append(parts, "git", "clone", "--branch", s.rctx.git.Branch)
	if settings.Depth != nil {
		parts = append(parts, "--depth", strconv.Itoa(*settings.Depth))
	}
	parts = append(parts, "file://"+config.RemoteWorkspaceDir, "$BUILD_DIR")

	code, output, err := cont.RunCommand(ctx, strings.Join(parts, " "))
	if err != nil {
		return err
	}
	if code != 0 {
		logger.Error("remote command failed", "output", string(output))
		return errors.New("error cloning repository")
	}

	code, output, err = cont.RunCommand(ctx, "git reset --hard $BITBUCKET_COMMIT")
	if err != nil {
		return err
	}
	if code != 0 {
		logger.Error("remote command failed", "output", string(output))
		return errors.New("error resetting to HEAD commit")
	}

	return nil
}
