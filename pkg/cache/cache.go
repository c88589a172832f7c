// Package cache transfers named cache directories between the host and a
// running build container. "Upload" restores a cache into the container
// before the script runs; "download" persists it back out afterwards.
package cache

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"

	"github.com/poddipe/poddipe/pkg/ctxlog"
	"github.com/poddipe/poddipe/pkg/models"
)

// Container is the slice of the container runner the cache engine needs.
type Container interface {
	RunCommand(ctx context.Context, command string) (int, []byte, error)
	PutArchive(ctx context.Context, parentDir string, content io.Reader) error
	GetArchive(ctx context.Context, remotePath string) (io.ReadCloser, int64, error)
	ExpandPath(ctx context.Context, path string) (string, error)
}

// The docker cache is the engine's layer cache; there is nothing to copy.
var ignoredCaches = map[string]bool{"docker": true}

type Manager struct {
	container Container
	defs      map[string]models.Cache
	localDir  string

	bytesUploaded   int64
	bytesDownloaded int64
}

// NewManager builds a cache engine over the given container. localDir is the
// host directory holding this project's cache archives.
func NewManager(container Container, defs map[string]models.Cache, localDir string) *Manager {
	return &Manager{container: container, defs: defs, localDir: localDir}
}

// Upload restores every named cache into the container. A cache with no
// local archive yet is skipped; an unknown cache name is a configuration
// error raised before any transfer.
func (m *Manager) Upload(ctx context.Context, names []string) error {
	for _, name := range names {
		if err := m.uploadCache(ctx, name); err != nil {
			return err
		}
	}
	return nil
}

// Download persists every named cache out of the container, overwriting any
// previous archive on the host.
func (m *Manager) Download(ctx context.Context, names []string) error {
	for _, name := range names {
		if err := m.downloadCache(ctx, name); err != nil {
			return err
		}
	}
	return nil
}

// BytesTransferred reports the accumulated upload and download volumes.
func (m *Manager) BytesTransferred() (uploaded, downloaded int64) {
	return m.bytesUploaded, m.bytesDownloaded
}

func (m *Manager) uploadCache(ctx context.Context, name string) error {
	logger := ctxlog.From(ctx)

	if ignoredCaches[name] {
		logger.Info("cache ignored", "cache", name)
		return nil
	}

	def, ok := m.defs[name]
	if !ok {
		return errors.Errorf("invalid cache: %s", name)
	}

	localArchive := m.localArchivePath(name)
	info, err := os.Stat(localArchive)
	if err != nil {
		// First run for this cache: nothing to restore.
		logger.Info("cache not found, skipping", "cache", name)
		return nil
	}

	remoteDir, err := m.container.ExpandPath(ctx, def.Path)
	if err != nil {
		return errors.Wrapf(err, "error uploading cache: %s", name)
	}

	logger.Info("uploading cache", "cache", name)

	prepare := fmt.Sprintf(`[ -d "%s" ] && rm -rf "%s"; mkdir -p "%s"`,
		remoteDir, remoteDir, path.Dir(remoteDir))
	code, output, err := m.container.RunCommand(ctx, prepare)
	if err != nil {
		return errors.Wrapf(err, "error uploading cache: %s", name)
	}
	if code != 0 {
		logger.Error("remote command failed", "output", string(output))
		return errors.Errorf("error uploading cache: %s", name)
	}

	f, err := os.Open(localArchive)
	if err != nil {
		return errors.Wrapf(err, "error uploading cache: %s", name)
	}
	defer f.Close()

	if err := m.container.PutArchive(ctx, path.Dir(remoteDir), f); err != nil {
		return errors.Wrapf(err, "error uploading cache: %s", name)
	}

	m.bytesUploaded += info.Size()
	logger.Info("cache uploaded", "cache", name, "size", humanize.Bytes(uint64(info.Size())))

	return nil
}

func (m *Manager) downloadCache(ctx context.Context, name string) error {
	logger := ctxlog.From(ctx)

	if ignoredCaches[name] {
		logger.Info("cache ignored", "cache", name)
		return nil
	}

	remoteDir, err := m.remoteDirectory(ctx, name)
	if err != nil {
		return err
	}

	logger.Info("downloading cache", "cache", name)

	reader, _, err := m.container.GetArchive(ctx, remoteDir)
	if err != nil {
		return errors.Wrapf(err, "error downloading cache: %s", name)
	}
	defer reader.Close()

	f, err := os.Create(m.localArchivePath(name))
	if err != nil {
		return errors.Wrapf(err, "error downloading cache: %s", name)
	}
	defer f.Close()

	size, err := io.Copy(f, reader)
	if err != nil {
		return errors.Wrapf(err, "error downloading cache: %s", name)
	}

	m.bytesDownloaded += size
	logger.Info("cache downloaded", "cache", name, "size", humanize.Bytes(uint64(size)))

	return nil
}

// remoteDirectory validates the cache name against the definitions and
// expands its declared path inside the container.
func (m *Manager) remoteDirectory(ctx context.Context, name string) (string, error) {
	def, ok := m.defs[name]
	if !ok {
		return "", errors.Errorf("invalid cache: %s", name)
	}
	return m.container.ExpandPath(ctx, def.Path)
}

func (m *Manager) localArchivePath(name string) string {
	return filepath.Join(m.localDir, name+".tar")
}
