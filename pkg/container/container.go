// Package container drives the docker engine for one step: the build
// container's lifecycle, command and script execution with captured exit
// codes, and archive transfer in and out of the container.
package container

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/strslice"
	"github.com/docker/docker/api/types/volume"
	"github.com/docker/docker/client"
	"github.com/pkg/errors"

	"github.com/poddipe/poddipe/pkg/config"
	"github.com/poddipe/poddipe/pkg/ctxlog"
	"github.com/poddipe/poddipe/pkg/models"
)

// Options describes the build container of one step.
type Options struct {
	Image          *models.Image
	Name           string
	MemoryLimitMiB int
	ServiceNames   []string
	DataVolume     string
	Env            []string
	Output         io.Writer
}

// Runner owns one build container. All methods are no-ops or errors until
// Start has succeeded; Stop is safe to call in every state.
type Runner struct {
	cli  *client.Client
	cfg  *config.Config
	opts Options

	containerID string
}

func NewRunner(cli *client.Client, cfg *config.Config, opts Options) *Runner {
	return &Runner{cli: cli, cfg: cfg, opts: opts}
}

// Start pulls the image, creates and starts the container wired to the data
// volume and the read-only project workspace, and prepares the in-container
// directory layout.
func (r *Runner) Start(ctx context.Context) error {
	if err := PullImage(ctx, r.cli, r.opts.Image); err != nil {
		return err
	}
	if err := r.startContainer(ctx); err != nil {
		return err
	}
	if err := r.createPipelineDirectories(ctx); err != nil {
		return err
	}
	return r.ensureRequiredBinaries(ctx)
}

// Stop removes the container and its data volume. Volume removal failure is
// logged but does not mask a successful container removal.
func (r *Runner) Stop(ctx context.Context) error {
	if r.containerID == "" {
		return nil
	}

	logger := ctxlog.From(ctx)
	logger.Info("removing container", "container", r.opts.Name)

	err := r.cli.ContainerRemove(ctx, r.containerID, types.ContainerRemoveOptions{
		RemoveVolumes: true,
		Force:         true,
	})
	if err != nil {
		return errors.Wrapf(err, "removing container: %s", r.opts.Name)
	}
	r.containerID = ""

	volumes, lerr := r.cli.VolumeList(ctx, volume.ListOptions{
		Filters: filters.NewArgs(filters.Arg("name", r.opts.DataVolume)),
	})
	if lerr != nil {
		logger.Warn("listing volumes failed", "volume", r.opts.DataVolume, "error", lerr)
		return nil
	}
	for _, vol := range volumes.Volumes {
		logger.Info("removing volume", "volume", vol.Name)
		if verr := r.cli.VolumeRemove(ctx, vol.Name, true); verr != nil {
			logger.Warn("removing volume failed", "volume", vol.Name, "error", verr)
		}
	}

	return nil
}

// RunCommand runs a single shell command as root and returns its exit code
// along with the combined output.
func (r *Runner) RunCommand(ctx context.Context, command string) (int, []byte, error) {
	var buf bytes.Buffer
	code, err := r.exec(ctx, wrapInShell(command), nil, &buf)
	return code, buf.Bytes(), err
}

// PutArchive streams a tar archive into the container at parentDir.
func (r *Runner) PutArchive(ctx context.Context, parentDir string, content io.Reader) error {
	if err := r.cli.CopyToContainer(ctx, r.containerID, parentDir, content, types.CopyToContainerOptions{}); err != nil {
		return errors.Wrapf(err, "uploading archive to %s", parentDir)
	}
	return nil
}

// GetArchive streams a tar archive of remotePath out of the container. The
// caller closes the reader.
func (r *Runner) GetArchive(ctx context.Context, remotePath string) (io.ReadCloser, int64, error) {
	reader, stat, err := r.cli.CopyFromContainer(ctx, r.containerID, remotePath)
	if err != nil {
		return nil, 0, errors.Wrapf(err, "downloading archive from %s", remotePath)
	}
	return reader, stat.Size, nil
}

// ExpandPath resolves variables and tilde in a path using the container's
// own shell and environment.
func (r *Runner) ExpandPath(ctx context.Context, path string) (string, error) {
	code, output, err := r.RunCommand(ctx, "echo -n "+path)
	if err != nil {
		return "", err
	}
	if code != 0 {
		ctxlog.From(ctx).Error("remote command failed", "output", string(output))
		return "", errors.Errorf("error expanding path: %s", path)
	}
	return strings.TrimSpace(string(output)), nil
}

func (r *Runner) startContainer(ctx context.Context) error {
	ctxlog.From(ctx).Info("starting container", "container", r.opts.Name, "image", r.opts.Image.Name)

	created, err := r.cli.ContainerCreate(ctx,
		&container.Config{
			Image:      r.opts.Image.Name,
			Entrypoint: strslice.StrSlice{"sh"},
			WorkingDir: r.cfg.BuildDir(),
			Env:        r.opts.Env,
			Tty:        true,
		},
		&container.HostConfig{
			Binds: []string{
				r.cfg.ProjectDirectory + ":" + config.RemoteWorkspaceDir + ":ro",
				r.opts.DataVolume + ":" + config.RemotePipelineDir,
			},
			NetworkMode: "host",
			Resources: container.Resources{
				Memory: int64(r.opts.MemoryLimitMiB) << 20,
			},
		},
		nil, nil, r.opts.Name)
	if err != nil {
		return errors.Wrapf(err, "creating container: %s", r.opts.Name)
	}
	r.containerID = created.ID

	if err := r.cli.ContainerStart(ctx, r.containerID, types.ContainerStartOptions{}); err != nil {
		return errors.Wrapf(err, "starting container: %s", r.opts.Name)
	}

	return nil
}

func (r *Runner) createPipelineDirectories(ctx context.Context) error {
	mkdir := fmt.Sprintf("/bin/mkdir -p %s %s %s", r.cfg.BuildDir(), r.cfg.ScriptsDir(), r.cfg.TempDir())
	code, output, err := r.RunCommand(ctx, mkdir)
	if err != nil {
		return err
	}
	if code != 0 {
		return errors.Errorf("error creating required directories: %s", output)
	}
	return nil
}

// ensureRequiredBinaries installs bash and git so scripts and checkout work
// on minimal images, plus the docker cli when the step declared the docker
// service.
func (r *Runner) ensureRequiredBinaries(ctx context.Context) error {
	aptPackages := "bash git"
	apkPackages := "bash git"
	for _, name := range r.opts.ServiceNames {
		if name == "docker" {
			aptPackages += " docker.io"
			apkPackages += " docker-cli"
			break
		}
	}

	script := fmt.Sprintf(`
	if type apt-get >/dev/null 2>&1; then
		export DEBIAN_FRONTEND=noninteractive
		apt-get update && apt-get install -y --no-install-recommends %s
	elif type apk >/dev/null 2>&1; then
		apk add --no-cache %s
	else
		echo "Unsupported distribution" >&2
		exit 1
	fi
	`, aptPackages, apkPackages)
	code, output, err := r.RunCommand(ctx, script)
	if err != nil {
		return err
	}
	if code != 0 {
		ctxlog.From(ctx).Error("remote command failed", "output", string(output))
		return errors.New("error installing required binaries")
	}
	return nil
}

// exec runs cmd in the container, copies its output to out and returns the
// command's exit code.
func (r *Runner) exec(ctx context.Context, cmd []string, env []string, out io.Writer) (int, error) {
	created, err := r.cli.ContainerExecCreate(ctx, r.containerID, types.ExecConfig{
		Cmd:          cmd,
		Env:          env,
		Tty:          true,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return 0, errors.Wrap(err, "creating exec")
	}

	attach, err := r.cli.ContainerExecAttach(ctx, created.ID, types.ExecStartCheck{Tty: true})
	if err != nil {
		return 0, errors.Wrap(err, "attaching to exec")
	}
	defer attach.Close()

	if _, err := io.Copy(out, attach.Reader); err != nil && !errors.Is(err, io.EOF) {
		return 0, errors.Wrap(err, "reading exec output")
	}

	inspect, err := r.cli.ContainerExecInspect(ctx, created.ID)
	if err != nil {
		return 0, errors.Wrap(err, "inspecting exec")
	}

	return inspect.ExitCode, nil
}

func wrapInShell(command string) []string {
	return []string{"sh", "-c", command}
}
