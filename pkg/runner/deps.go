package runner

import (
	"context"
	"io"

	dockerclient "github.com/docker/docker/client"

	"github.com/poddipe/poddipe/pkg/artifacts"
	"github.com/poddipe/poddipe/pkg/cache"
	"github.com/poddipe/poddipe/pkg/config"
	"github.com/poddipe/poddipe/pkg/container"
	"github.com/poddipe/poddipe/pkg/models"
	"github.com/poddipe/poddipe/pkg/observability"
	"github.com/poddipe/poddipe/pkg/service"
	"github.com/poddipe/poddipe/pkg/store"
)

// Container is one step's build container as the engine sees it.
type Container interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	RunCommand(ctx context.Context, command string) (int, []byte, error)
	RunScript(ctx context.Context, script []string, env map[string]string) (int, error)
	PutArchive(ctx context.Context, parentDir string, content io.Reader) error
	GetArchive(ctx context.Context, remotePath string) (io.ReadCloser, int64, error)
	ExpandPath(ctx context.Context, path string) (string, error)
}

// Services is one step's set of sidecar services.
type Services interface {
	StartServices(ctx context.Context) error
	ServiceNames() []string
	StopServices(ctx context.Context)
}

// Artifacts moves one step's artifacts in and out of its container.
type Artifacts interface {
	Upload(ctx context.Context) error
	Download(ctx context.Context, globs []string) error
}

// CacheTransfer restores and persists the step's named caches.
type CacheTransfer interface {
	Upload(ctx context.Context, names []string) error
	Download(ctx context.Context, names []string) error
	BytesTransferred() (uploaded, downloaded int64)
}

// Deps are the collaborator factories a run executes against. Tests swap in
// fakes; production wiring comes from DefaultDeps.
type Deps struct {
	NewContainer func(opts container.Options) Container
	NewServices  func(names []string, defs map[string]models.Service, sizeTier int, dataVolume string) Services
	NewArtifacts func(c Container, pipelineID, stepID string) (Artifacts, error)
	NewCaches    func(c Container, defs map[string]models.Cache) (CacheTransfer, error)

	Store   store.Store
	Metrics *observability.Registry
	Status  *observability.RunStatus
}

// DefaultDeps wires the real docker-backed collaborators.
func DefaultDeps(cli *dockerclient.Client, cfg *config.Config) *Deps {
	return &Deps{
		NewContainer: func(opts container.Options) Container {
			return container.NewRunner(cli, cfg, opts)
		},
		NewServices: func(names []string, defs map[string]models.Service, sizeTier int, dataVolume string) Services {
			return service.NewManager(cli, cfg, names, defs, sizeTier, dataVolume)
		},
		NewArtifacts: func(c Container, pipelineID, stepID string) (Artifacts, error) {
			dir, err := cfg.ArtifactDirectory(pipelineID)
			if err != nil {
				return nil, err
			}
			return artifacts.NewManager(c, cfg.BuildDir(), dir, stepID), nil
		},
		NewCaches: func(c Container, defs map[string]models.Cache) (CacheTransfer, error) {
			dir, err := cfg.CacheDirectory()
			if err != nil {
				return nil, err
			}
			return cache.NewManager(c, defs, dir), nil
		},
	}
}
