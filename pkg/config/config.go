// Package config resolves the process-wide settings of a pipeline run:
// project location and naming, env files, selected steps, the in-container
// directory layout and the memory budget. Everything comes from environment
// variables with the same defaults the CLI flags can override.
package config

import (
	"crypto/sha256"
	"encoding/base64"
	"os"
	"os/user"
	"path"
	"path/filepath"
	"regexp"
	"strconv"

	"github.com/gosimple/slug"
	"github.com/pkg/errors"

	"github.com/poddipe/poddipe/pkg/models"
)

const (
	DefaultImage = "atlassian/default-image:latest"

	// RemoteBaseDir is the root of everything the runner owns inside the
	// build container.
	RemoteBaseDir      = "/opt/pipeline-runner"
	RemoteWorkspaceDir = RemoteBaseDir + "/workspace"
	RemotePipelineDir  = RemoteBaseDir + "/pipeline"

	appName = "poddipe"
)

var listSeparators = regexp.MustCompile(`[:;,]`)

type Config struct {
	ProjectDirectory string
	PipelineFile     string
	EnvFiles         []string
	SelectedSteps    []string

	DefaultImage    string
	DefaultCaches   map[string]string
	DefaultServices map[string]models.Service

	// Base memory limits in MiB, scaled by the step's size tier.
	BuildContainerBaseMemoryLimit    int
	ServiceContainersBaseMemoryLimit int
	ServiceContainerDefaultMemory    int

	BuildNumber int
	Username    string

	LogLevel  string
	LogFormat string
}

// New builds a Config from the environment. The zero defaults match a run
// from the project root with a bitbucket-pipelines.yml at the top level.
func New() (*Config, error) {
	projectDir := os.Getenv("PIPELINE_PROJECT_DIRECTORY")
	if projectDir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, errors.Wrap(err, "resolving current directory")
		}
		projectDir = wd
	}
	projectDir, err := filepath.Abs(projectDir)
	if err != nil {
		return nil, errors.Wrap(err, "resolving project directory")
	}

	pipelineFile := os.Getenv("PIPELINE_FILE")
	if pipelineFile == "" {
		pipelineFile = "bitbucket-pipelines.yml"
	}

	buildNumber := 0
	if v := os.Getenv("BITBUCKET_BUILD_NUMBER"); v != "" {
		buildNumber, err = strconv.Atoi(v)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid BITBUCKET_BUILD_NUMBER: %s", v)
		}
	}

	username := "pipeline"
	if u, err := user.Current(); err == nil && u.Username != "" {
		username = u.Username
	}

	logLevel := os.Getenv("PIPELINE_LOG_LEVEL")
	if logLevel == "" {
		logLevel = "info"
	}

	return &Config{
		ProjectDirectory: projectDir,
		PipelineFile:     pipelineFile,
		EnvFiles:         splitList(os.Getenv("PIPELINE_ENV_FILES")),
		SelectedSteps:    splitList(os.Getenv("PIPELINE_STEPS")),

		DefaultImage:    DefaultImage,
		DefaultCaches:   defaultCaches(),
		DefaultServices: defaultServices(),

		BuildContainerBaseMemoryLimit:    1024,
		ServiceContainersBaseMemoryLimit: 3072,
		ServiceContainerDefaultMemory:    1024,

		BuildNumber: buildNumber,
		Username:    username,

		LogLevel:  logLevel,
		LogFormat: "text",
	}, nil
}

func splitList(value string) []string {
	if value == "" {
		return nil
	}
	return listSeparators.Split(value, -1)
}

func defaultCaches() map[string]string {
	return map[string]string{
		"composer":   "~/.composer/cache",
		"dotnetcore": "~/.nuget/packages",
		"gradle":     "~/.gradle/caches",
		"ivy2":       "~/.ivy2/cache",
		"maven":      "~/.m2/repository",
		"node":       "node_modules",
		"pip":        "~/.cache/pip",
		"sbt":        "~/.sbt",
	}
}

func defaultServices() map[string]models.Service {
	return map[string]models.Service{
		"docker": {
			Name:      "docker",
			Image:     &models.Image{Name: "docker:dind"},
			Memory:    1024,
			Command:   "--tls=false",
			Variables: map[string]string{"DOCKER_TLS_CERTDIR": ""},
		},
	}
}

// PipelineFilePath is the absolute path of the pipelines definition file.
func (c *Config) PipelineFilePath() string {
	return filepath.Join(c.ProjectDirectory, c.PipelineFile)
}

func (c *Config) ProjectName() string {
	return filepath.Base(c.ProjectDirectory)
}

func (c *Config) ProjectSlug() string {
	return slug.Make(c.ProjectName())
}

// ProjectEnvName is the slug plus a short digest of the absolute project
// path, so two checkouts with the same basename get separate state.
func (c *Config) ProjectEnvName() string {
	sum := sha256.Sum256([]byte(c.ProjectDirectory))
	suffix := base64.RawURLEncoding.EncodeToString(sum[:])[:8]
	return c.ProjectSlug() + "-" + suffix
}

// BuildDir is the fixed in-container checkout directory.
func (c *Config) BuildDir() string {
	return path.Join(RemotePipelineDir, "build")
}

func (c *Config) ScriptsDir() string {
	return path.Join(RemotePipelineDir, "scripts")
}

func (c *Config) TempDir() string {
	return path.Join(RemotePipelineDir, "temp")
}

// CacheDirectory is the host directory holding this project's cache archives.
func (c *Config) CacheDirectory() (string, error) {
	base, err := os.UserCacheDir()
	if err != nil {
		return "", errors.Wrap(err, "resolving user cache directory")
	}
	dir := filepath.Join(base, appName, c.ProjectEnvName(), "caches")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", errors.Wrap(err, "creating cache directory")
	}
	return dir, nil
}

// DataDirectory is the host directory holding this project's run data
// (artifacts, run history database).
func (c *Config) DataDirectory() (string, error) {
	base := os.Getenv("XDG_DATA_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", errors.Wrap(err, "resolving home directory")
		}
		base = filepath.Join(home, ".local", "share")
	}
	dir := filepath.Join(base, appName, c.ProjectEnvName())
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", errors.Wrap(err, "creating data directory")
	}
	return dir, nil
}

// ArtifactDirectory is where one pipeline run's artifact archives live on
// the host.
func (c *Config) ArtifactDirectory(pipelineID string) (string, error) {
	data, err := c.DataDirectory()
	if err != nil {
		return "", err
	}
	dir := filepath.Join(data, "pipelines", pipelineID, "artifacts")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", errors.Wrap(err, "creating artifact directory")
	}
	return dir, nil
}
