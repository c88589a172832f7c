// Package artifacts moves step artifacts between the host and the build
// container: archives produced by earlier steps of the run are loaded into
// a fresh container, and the globs a step declares are captured out of it
// whatever the script's outcome.
package artifacts

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"

	"github.com/poddipe/poddipe/pkg/ctxlog"
)

// Container is the slice of the container runner the artifact manager needs.
type Container interface {
	RunCommand(ctx context.Context, command string) (int, []byte, error)
	PutArchive(ctx context.Context, parentDir string, content io.Reader) error
	GetArchive(ctx context.Context, remotePath string) (io.ReadCloser, int64, error)
}

type Manager struct {
	container Container
	buildDir  string
	localDir  string
	stepID    string
}

// NewManager builds an artifact manager for one step. localDir is the
// pipeline run's artifact directory on the host; every step of the run
// shares it, keyed by step id.
func NewManager(container Container, buildDir, localDir, stepID string) *Manager {
	return &Manager{container: container, buildDir: buildDir, localDir: localDir, stepID: stepID}
}

// Upload loads every artifact archive previously produced in this pipeline
// run into the container's build directory.
func (m *Manager) Upload(ctx context.Context) error {
	logger := ctxlog.From(ctx)

	entries, err := os.ReadDir(m.localDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errors.Wrap(err, "reading artifact directory")
	}
	if len(entries) == 0 {
		return nil
	}

	logger.Info("loading artifacts")

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if err := m.uploadArchive(ctx, filepath.Join(m.localDir, entry.Name())); err != nil {
			return errors.Wrapf(err, "error loading artifact: %s", entry.Name())
		}
	}

	return nil
}

func (m *Manager) uploadArchive(ctx context.Context, archivePath string) error {
	f, err := os.Open(archivePath)
	if err != nil {
		return err
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return err
	}
	defer gz.Close()

	return m.container.PutArchive(ctx, m.buildDir, gz)
}

// Download captures the files matching the step's artifact globs into an
// archive on the host. An empty glob list is a no-op.
func (m *Manager) Download(ctx context.Context, globs []string) error {
	if len(globs) == 0 {
		return nil
	}

	logger := ctxlog.From(ctx)
	logger.Info("collecting artifacts")

	archiveName := fmt.Sprintf("artifacts-%s.tar.gz", m.stepID)
	remotePath := path.Join(m.buildDir, archiveName)

	collect := fmt.Sprintf("tar zcf %s -C %s %s", archiveName, m.buildDir, strings.Join(globs, " "))
	code, output, err := m.container.RunCommand(ctx, collect)
	if err != nil {
		return errors.Wrap(err, "collecting artifacts")
	}
	if code != 0 {
		logger.Error("remote command failed", "output", string(output))
		return errors.New("error collecting artifacts")
	}

	reader, _, err := m.container.GetArchive(ctx, remotePath)
	if err != nil {
		return errors.Wrap(err, "collecting artifacts")
	}
	defer reader.Close()

	size, err := m.extract(reader)
	if err != nil {
		return errors.Wrap(err, "saving artifacts")
	}

	logger.Info("artifacts saved", "size", humanize.Bytes(uint64(size)), "directory", m.localDir)

	return nil
}

// extract unpacks the docker copy stream (a tar containing the artifact
// archive) into the local artifact directory.
func (m *Manager) extract(reader io.Reader) (int64, error) {
	if err := os.MkdirAll(m.localDir, 0o755); err != nil {
		return 0, err
	}

	var total int64

	tr := tar.NewReader(reader)
	for {
		header, err := tr.Next()
		if err == io.EOF {
			return total, nil
		}
		if err != nil {
			return total, err
		}
		if header.Typeflag != tar.TypeReg {
			continue
		}

		target := filepath.Join(m.localDir, filepath.Base(header.Name))
		f, err := os.Create(target)
		if err != nil {
			return total, err
		}

		written, err := io.Copy(f, tr)
		if cerr := f.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			return total, err
		}
		total += written
	}
}
