package runner

import (
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/poddipe/poddipe/pkg/config"
	"github.com/poddipe/poddipe/pkg/git"
)

func TestContainerEnv(t *testing.T) {
	cfg := &config.Config{
		ProjectDirectory: "/home/dev/my-app",
		Username:         "dev",
	}
	rctx := &runContext{
		cfg:         cfg,
		buildNumber: 12,
		git: git.Info{
			Branch: "main",
			Commit: "ab12cd34ab12cd34ab12cd34ab12cd34ab12cd34",
		},
	}

	env, err := containerEnv(rctx)
	require.NoError(t, err)

	assert.True(t, sort.StringsAreSorted(env))

	assert.Contains(t, env, "BITBUCKET_BRANCH=main")
	assert.Contains(t, env, "BITBUCKET_BUILD_NUMBER=12")
	assert.Contains(t, env, "BITBUCKET_COMMIT=ab12cd34ab12cd34ab12cd34ab12cd34ab12cd34")
	assert.Contains(t, env, "BITBUCKET_CLONE_DIR="+cfg.BuildDir())
	assert.Contains(t, env, "BITBUCKET_REPO_SLUG=my-app")
	assert.Contains(t, env, "BITBUCKET_REPO_FULL_NAME=my-app/my-app")
	assert.Contains(t, env, "BITBUCKET_REPO_OWNER=dev")
	assert.Contains(t, env, "BITBUCKET_WORKSPACE=my-app")
	assert.Contains(t, env, "BUILD_DIR="+cfg.BuildDir())
	assert.Contains(t, env, "DOCKER_HOST=tcp://localhost:2375")
}

func TestContainerEnvOverlaysEnvFiles(t *testing.T) {
	file := filepath.Join(t.TempDir(), "pipeline.env")
	require.NoError(t, os.WriteFile(file, []byte("CUSTOM_KEY=custom-value\nBITBUCKET_REPO_OWNER=overridden\n"), 0o644))

	cfg := &config.Config{
		ProjectDirectory: "/home/dev/my-app",
		Username:         "dev",
		EnvFiles:         []string{file},
	}
	rctx := &runContext{cfg: cfg, git: git.Info{Branch: "main"}}

	env, err := containerEnv(rctx)
	require.NoError(t, err)

	assert.Contains(t, env, "CUSTOM_KEY=custom-value")
	assert.Contains(t, env, "BITBUCKET_REPO_OWNER=overridden")
	assert.NotContains(t, env, "BITBUCKET_REPO_OWNER=dev")
}
