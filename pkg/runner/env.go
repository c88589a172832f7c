package runner

import (
	"context"
	"os"
	"sort"
	"strconv"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"

	"github.com/poddipe/poddipe/pkg/config"
	"github.com/poddipe/poddipe/pkg/ctxlog"
)

// loadEnvFiles loads .env if present, then every configured env file in
// order, later files overriding earlier keys. A configured file that does
// not exist is a configuration error.
func loadEnvFiles(ctx context.Context, cfg *config.Config) error {
	logger := ctxlog.From(ctx)

	if _, err := os.Stat(".env"); err == nil {
		logger.Debug("loading env file", "file", ".env")
		if err := godotenv.Overload(".env"); err != nil {
			return errors.Wrap(err, "loading .env")
		}
	}

	for _, file := range cfg.EnvFiles {
		if _, err := os.Stat(file); err != nil {
			return errors.Errorf("invalid env file: %s", file)
		}
		logger.Debug("loading env file", "file", file)
		if err := godotenv.Overload(file); err != nil {
			return errors.Wrapf(err, "loading env file: %s", file)
		}
	}

	return nil
}

// containerEnv builds the environment block of a build container: the
// pipeline variables, overridden by the values of the env files.
func containerEnv(rctx *runContext) ([]string, error) {
	cfg := rctx.cfg
	projectSlug := cfg.ProjectSlug()

	vars := map[string]string{
		"BUILD_DIR":                 cfg.BuildDir(),
		"BITBUCKET_BRANCH":          rctx.git.Branch,
		"BITBUCKET_BUILD_NUMBER":    strconv.Itoa(rctx.buildNumber),
		"BITBUCKET_CLONE_DIR":       cfg.BuildDir(),
		"BITBUCKET_COMMIT":          rctx.git.Commit,
		"BITBUCKET_PROJECT_KEY":     "PR",
		"BITBUCKET_REPO_FULL_NAME":  projectSlug + "/" + projectSlug,
		"BITBUCKET_REPO_IS_PRIVATE": "true",
		"BITBUCKET_REPO_OWNER":      cfg.Username,
		"BITBUCKET_REPO_SLUG":       projectSlug,
		"BITBUCKET_WORKSPACE":       projectSlug,
		"DOCKER_HOST":               "tcp://localhost:2375",
	}

	for _, file := range append([]string{".env"}, cfg.EnvFiles...) {
		values, err := godotenv.Read(file)
		if err != nil {
			if os.IsNotExist(errors.Cause(err)) {
				continue
			}
			return nil, errors.Wrapf(err, "reading env file: %s", file)
		}
		for k, v := range values {
			vars[k] = v
		}
	}

	keys := make([]string, 0, len(vars))
	for k := range vars {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	env := make([]string, 0, len(keys))
	for _, k := range keys {
		env = append(env, k+"="+vars[k])
	}

	return env, nil
}
