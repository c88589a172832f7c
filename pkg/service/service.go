// Package service manages the sidecar service containers of a step.
package service

import (
	"context"

	"github.com/docker/docker/api/types"
	dockercontainer "github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/pkg/errors"

	"github.com/poddipe/poddipe/pkg/config"
	"github.com/poddipe/poddipe/pkg/container"
	"github.com/poddipe/poddipe/pkg/ctxlog"
	"github.com/poddipe/poddipe/pkg/models"
)

// The docker service is provided by the engine itself (dind over the host
// socket), not by a sidecar this manager starts.
var ignoredServices = map[string]bool{"docker": true}

// Client is the slice of the docker client the services manager needs.
type Client interface {
	client.ImageAPIClient
	client.ContainerAPIClient
}

// Manager starts and stops the sidecar services a step declares. It is
// exclusive to one step's lifecycle.
type Manager struct {
	cli        Client
	cfg        *config.Config
	names      []string
	defs       map[string]models.Service
	sizeTier   int
	dataVolume string

	containers map[string]string // service name -> container id
	started    []string
}

func NewManager(cli Client, cfg *config.Config, names []string, defs map[string]models.Service, sizeTier int, dataVolume string) *Manager {
	return &Manager{
		cli:        cli,
		cfg:        cfg,
		names:      names,
		defs:       defs,
		sizeTier:   sizeTier,
		dataVolume: dataVolume,
		containers: map[string]string{},
	}
}

// StartServices resolves every requested service, checks the combined
// memory budget and starts the sidecar containers in declaration order.
func (m *Manager) StartServices(ctx context.Context) error {
	requested := make([]models.Service, 0, len(m.names))
	for _, name := range m.names {
		def, ok := m.defs[name]
		if !ok {
			return errors.Errorf("invalid service: %s", name)
		}
		requested = append(requested, def)
	}

	if err := m.ensureMemory(requested); err != nil {
		return err
	}

	for _, svc := range requested {
		if err := m.startService(ctx, svc); err != nil {
			return err
		}
	}

	return nil
}

// ServiceNames returns the names of the requested services in declaration
// order, including ignored ones: the build container still needs to know
// the step asked for them.
func (m *Manager) ServiceNames() []string {
	return m.names
}

// StopServices removes every started sidecar. An individual removal failure
// is logged and does not stop the remaining removals.
func (m *Manager) StopServices(ctx context.Context) {
	logger := ctxlog.From(ctx)

	for _, name := range m.started {
		id := m.containers[name]
		logger.Info("removing service", "service", name)
		err := m.cli.ContainerRemove(ctx, id, types.ContainerRemoveOptions{
			RemoveVolumes: true,
			Force:         true,
		})
		if err != nil {
			logger.Error("removing service failed", "service", name, "error", err)
		}
	}

	m.started = nil
	m.containers = map[string]string{}
}

func (m *Manager) startService(ctx context.Context, svc models.Service) error {
	logger := ctxlog.From(ctx)

	if ignoredServices[svc.Name] {
		logger.Info("service ignored", "service", svc.Name)
		return nil
	}

	logger.Info("starting service", "service", svc.Name)

	if err := container.PullImage(ctx, m.cli, svc.Image); err != nil {
		return err
	}

	name := m.cfg.ProjectSlug() + "-service-" + svc.Name

	var cmd []string
	if svc.Command != "" {
		cmd = []string{svc.Command}
	}

	created, err := m.cli.ContainerCreate(ctx,
		&dockercontainer.Config{
			Image: svc.Image.Name,
			Env:   variablesSlice(svc.Variables),
			Cmd:   cmd,
		},
		&dockercontainer.HostConfig{
			Binds:       []string{m.dataVolume + ":" + config.RemotePipelineDir},
			NetworkMode: "host",
			Resources: dockercontainer.Resources{
				Memory: int64(svc.Memory) << 20,
			},
		},
		nil, nil, name)
	if err != nil {
		return errors.Wrapf(err, "creating service container: %s", svc.Name)
	}

	// Track the container as soon as it exists: a create that succeeds but
	// fails to start must still be removed by StopServices.
	m.containers[svc.Name] = created.ID
	m.started = append(m.started, svc.Name)

	if err := m.cli.ContainerStart(ctx, created.ID, types.ContainerStartOptions{}); err != nil {
		return errors.Wrapf(err, "starting service container: %s", svc.Name)
	}

	return nil
}

func (m *Manager) ensureMemory(requested []models.Service) error {
	var total int
	for _, svc := range requested {
		total += svc.Memory
	}

	available := m.cfg.ServiceContainersBaseMemoryLimit * m.sizeTier
	if total > available {
		return errors.Errorf(
			"not enough memory to run all services, requested: %dMiB / available: %dMiB",
			total, available,
		)
	}

	return nil
}

func variablesSlice(variables map[string]string) []string {
	out := make([]string, 0, len(variables))
	for k, v := range variables {
		out = append(out, k+"="+v)
	}
	return out
}
