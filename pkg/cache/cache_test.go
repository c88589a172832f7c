package cache

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/poddipe/poddipe/pkg/models"
)

type fakeContainer struct {
	commandCode int
	archive     string
	putErr      error

	commands []string
	expanded []string
	puts     []string
	gets     []string
}

func (c *fakeContainer) RunCommand(ctx context.Context, command string) (int, []byte, error) {
	c.commands = append(c.commands, command)
	return c.commandCode, []byte("output"), nil
}

func (c *fakeContainer) PutArchive(ctx context.Context, parentDir string, content io.Reader) error {
	c.puts = append(c.puts, parentDir)
	return c.putErr
}

func (c *fakeContainer) GetArchive(ctx context.Context, remotePath string) (io.ReadCloser, int64, error) {
	c.gets = append(c.gets, remotePath)
	return io.NopCloser(strings.NewReader(c.archive)), int64(len(c.archive)), nil
}

func (c *fakeContainer) ExpandPath(ctx context.Context, path string) (string, error) {
	c.expanded = append(c.expanded, path)
	return strings.Replace(path, "~", "/root", 1), nil
}

func (c *fakeContainer) calls() int {
	return len(c.commands) + len(c.expanded) + len(c.puts) + len(c.gets)
}

func testDefs() map[string]models.Cache {
	return map[string]models.Cache{
		"maven": {Name: "maven", Path: "~/.m2/repository"},
		"node":  {Name: "node", Path: "node_modules"},
	}
}

func writeArchive(t *testing.T, dir, name string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name+".tar"), []byte("archive-bytes"), 0o644))
}

func TestUploadRestoresExistingArchive(t *testing.T) {
	dir := t.TempDir()
	writeArchive(t, dir, "maven")

	cont := &fakeContainer{}
	m := NewManager(cont, testDefs(), dir)

	require.NoError(t, m.Upload(context.Background(), []string{"maven"}))

	require.Len(t, cont.commands, 1)
	assert.Contains(t, cont.commands[0], `rm -rf "/root/.m2/repository"`)
	assert.Contains(t, cont.commands[0], `mkdir -p "/root/.m2"`)
	assert.Equal(t, []string{"/root/.m2"}, cont.puts)

	uploaded, _ := m.BytesTransferred()
	assert.Equal(t, int64(len("archive-bytes")), uploaded)
}

func TestUploadSkipsMissingArchive(t *testing.T) {
	cont := &fakeContainer{}
	m := NewManager(cont, testDefs(), t.TempDir())

	require.NoError(t, m.Upload(context.Background(), []string{"maven"}))

	assert.Empty(t, cont.puts)
	assert.Empty(t, cont.commands)
}

func TestDockerCacheIsIgnored(t *testing.T) {
	cont := &fakeContainer{}
	m := NewManager(cont, map[string]models.Cache{}, t.TempDir())

	// "docker" is not in the definitions, yet neither direction errors or
	// touches the container.
	require.NoError(t, m.Upload(context.Background(), []string{"docker"}))
	require.NoError(t, m.Download(context.Background(), []string{"docker"}))

	assert.Zero(t, cont.calls())

	uploaded, downloaded := m.BytesTransferred()
	assert.Zero(t, uploaded)
	assert.Zero(t, downloaded)
}

func TestUnknownCacheFailsBeforeAnyTransfer(t *testing.T) {
	dir := t.TempDir()
	writeArchive(t, dir, "unknown")

	cont := &fakeContainer{}
	m := NewManager(cont, testDefs(), dir)

	err := m.Upload(context.Background(), []string{"unknown"})
	require.EqualError(t, err, "invalid cache: unknown")
	assert.Zero(t, cont.calls(), "validation happens before the container is touched")

	err = m.Download(context.Background(), []string{"unknown"})
	require.EqualError(t, err, "invalid cache: unknown")
	assert.Zero(t, cont.calls())
}

func TestUploadStopsAtFirstInvalidName(t *testing.T) {
	dir := t.TempDir()
	writeArchive(t, dir, "maven")
	writeArchive(t, dir, "node")

	cont := &fakeContainer{}
	m := NewManager(cont, testDefs(), dir)

	err := m.Upload(context.Background(), []string{"maven", "bogus", "node"})
	require.EqualError(t, err, "invalid cache: bogus")
	assert.Len(t, cont.puts, 1, "only the cache before the invalid name transferred")
}

func TestUploadFailsWhenRemotePrepareFails(t *testing.T) {
	dir := t.TempDir()
	writeArchive(t, dir, "maven")

	cont := &fakeContainer{commandCode: 1}
	m := NewManager(cont, testDefs(), dir)

	err := m.Upload(context.Background(), []string{"maven"})
	require.EqualError(t, err, "error uploading cache: maven")
	assert.Empty(t, cont.puts)
}

func TestUploadWrapsTransferError(t *testing.T) {
	dir := t.TempDir()
	writeArchive(t, dir, "maven")

	cont := &fakeContainer{putErr: errors.New("broken pipe")}
	m := NewManager(cont, testDefs(), dir)

	err := m.Upload(context.Background(), []string{"maven"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "error uploading cache: maven")
	assert.Contains(t, err.Error(), "broken pipe")
}

func TestDownloadPersistsArchive(t *testing.T) {
	dir := t.TempDir()

	cont := &fakeContainer{archive: "fresh-archive"}
	m := NewManager(cont, testDefs(), dir)

	require.NoError(t, m.Download(context.Background(), []string{"node"}))

	assert.Equal(t, []string{"node_modules"}, cont.gets)

	content, err := os.ReadFile(filepath.Join(dir, "node.tar"))
	require.NoError(t, err)
	assert.Equal(t, "fresh-archive", string(content))

	_, downloaded := m.BytesTransferred()
	assert.Equal(t, int64(len("fresh-archive")), downloaded)
}

func TestDownloadOverwritesPreviousArchive(t *testing.T) {
	dir := t.TempDir()
	writeArchive(t, dir, "node")

	cont := &fakeContainer{archive: "new"}
	m := NewManager(cont, testDefs(), dir)

	require.NoError(t, m.Download(context.Background(), []string{"node"}))

	content, err := os.ReadFile(filepath.Join(dir, "node.tar"))
	require.NoError(t, err)
	assert.Equal(t, "new", string(content))
}
