package artifacts

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeContainer struct {
	commandCode int
	archive     []byte
	putErr      error

	commands []string
	puts     [][]byte
	putDirs  []string
	gets     []string
}

func (c *fakeContainer) RunCommand(ctx context.Context, command string) (int, []byte, error) {
	c.commands = append(c.commands, command)
	return c.commandCode, []byte("output"), nil
}

func (c *fakeContainer) PutArchive(ctx context.Context, parentDir string, content io.Reader) error {
	data, err := io.ReadAll(content)
	if err != nil {
		return err
	}
	c.putDirs = append(c.putDirs, parentDir)
	c.puts = append(c.puts, data)
	return c.putErr
}

func (c *fakeContainer) GetArchive(ctx context.Context, remotePath string) (io.ReadCloser, int64, error) {
	c.gets = append(c.gets, remotePath)
	return io.NopCloser(bytes.NewReader(c.archive)), int64(len(c.archive)), nil
}

// tarArchive builds a tar stream the way docker's copy endpoint returns one.
func tarArchive(t *testing.T, name string, content []byte) []byte {
	t.Helper()

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	require.NoError(t, tw.WriteHeader(&tar.Header{
		Name:     name,
		Typeflag: tar.TypeReg,
		Mode:     0o644,
		Size:     int64(len(content)),
	}))
	_, err := tw.Write(content)
	require.NoError(t, err)
	require.NoError(t, tw.Close())

	return buf.Bytes()
}

func gzipArchive(t *testing.T, path string, content []byte) {
	t.Helper()

	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	gz := gzip.NewWriter(f)
	_, err = gz.Write(content)
	require.NoError(t, err)
	require.NoError(t, gz.Close())
}

func TestUploadMissingDirectoryIsNoOp(t *testing.T) {
	cont := &fakeContainer{}
	m := NewManager(cont, "/opt/pipeline-runner/pipeline/build", filepath.Join(t.TempDir(), "absent"), "step-1")

	require.NoError(t, m.Upload(context.Background()))
	assert.Empty(t, cont.puts)
}

func TestUploadDecompressesArchivesIntoBuildDir(t *testing.T) {
	dir := t.TempDir()
	inner := tarArchive(t, "dist/app", []byte("binary"))
	gzipArchive(t, filepath.Join(dir, "artifacts-step-0.tar.gz"), inner)

	cont := &fakeContainer{}
	m := NewManager(cont, "/opt/pipeline-runner/pipeline/build", dir, "step-1")

	require.NoError(t, m.Upload(context.Background()))

	require.Len(t, cont.puts, 1)
	assert.Equal(t, "/opt/pipeline-runner/pipeline/build", cont.putDirs[0])
	assert.Equal(t, inner, cont.puts[0], "the gzip layer is stripped before the copy")
}

func TestUploadRejectsCorruptArchive(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "artifacts-bad.tar.gz"), []byte("not gzip"), 0o644))

	m := NewManager(&fakeContainer{}, "/build", dir, "step-1")

	err := m.Upload(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "error loading artifact: artifacts-bad.tar.gz")
	assert.Contains(t, err.Error(), "gzip: invalid header", "the cause survives the wrap")
}

func TestUploadWrapsTransferError(t *testing.T) {
	dir := t.TempDir()
	gzipArchive(t, filepath.Join(dir, "artifacts-step-0.tar.gz"), tarArchive(t, "dist/app", []byte("binary")))

	cont := &fakeContainer{putErr: errors.New("broken pipe")}
	m := NewManager(cont, "/build", dir, "step-1")

	err := m.Upload(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "error loading artifact: artifacts-step-0.tar.gz")
	assert.Contains(t, err.Error(), "broken pipe")
}

func TestDownloadEmptyGlobsIsNoOp(t *testing.T) {
	cont := &fakeContainer{}
	m := NewManager(cont, "/build", t.TempDir(), "step-1")

	require.NoError(t, m.Download(context.Background(), nil))
	assert.Empty(t, cont.commands)
	assert.Empty(t, cont.gets)
}

func TestDownloadCollectsAndSavesArchive(t *testing.T) {
	dir := t.TempDir()
	inner := []byte("gzipped artifact bytes")
	cont := &fakeContainer{archive: tarArchive(t, "artifacts-step-1.tar.gz", inner)}
	m := NewManager(cont, "/opt/pipeline-runner/pipeline/build", dir, "step-1")

	require.NoError(t, m.Download(context.Background(), []string{"dist/**", "coverage.out"}))

	require.Len(t, cont.commands, 1)
	assert.Equal(t,
		"tar zcf artifacts-step-1.tar.gz -C /opt/pipeline-runner/pipeline/build dist/** coverage.out",
		cont.commands[0])
	assert.Equal(t, []string{"/opt/pipeline-runner/pipeline/build/artifacts-step-1.tar.gz"}, cont.gets)

	saved, err := os.ReadFile(filepath.Join(dir, "artifacts-step-1.tar.gz"))
	require.NoError(t, err)
	assert.Equal(t, inner, saved)
}

func TestDownloadFailsWhenCollectFails(t *testing.T) {
	cont := &fakeContainer{commandCode: 2}
	m := NewManager(cont, "/build", t.TempDir(), "step-1")

	err := m.Download(context.Background(), []string{"dist/**"})
	require.EqualError(t, err, "error collecting artifacts")
	assert.Empty(t, cont.gets)
}
