package git

import (
	"os"
	"path/filepath"
	"testing"

	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func initRepo(t *testing.T) (string, string) {
	t.Helper()

	dir := t.TempDir()
	repo, err := gogit.PlainInit(dir, false)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("hello\n"), 0o644))

	wt, err := repo.Worktree()
	require.NoError(t, err)
	_, err = wt.Add("README.md")
	require.NoError(t, err)

	hash, err := wt.Commit("initial commit", &gogit.CommitOptions{
		Author: &object.Signature{Name: "test", Email: "test@example.com"},
	})
	require.NoError(t, err)

	return dir, hash.String()
}

func TestDescribe(t *testing.T) {
	dir, commit := initRepo(t)

	info, err := Describe(dir)
	require.NoError(t, err)

	assert.Equal(t, "master", info.Branch)
	assert.Equal(t, commit, info.Commit)
}

func TestDescribeFromSubdirectory(t *testing.T) {
	dir, commit := initRepo(t)

	sub := filepath.Join(dir, "cmd", "app")
	require.NoError(t, os.MkdirAll(sub, 0o755))

	info, err := Describe(sub)
	require.NoError(t, err)
	assert.Equal(t, commit, info.Commit)
}

func TestDescribeDetachedHead(t *testing.T) {
	dir, commit := initRepo(t)

	repo, err := gogit.PlainOpen(dir)
	require.NoError(t, err)
	wt, err := repo.Worktree()
	require.NoError(t, err)

	head, err := repo.Head()
	require.NoError(t, err)
	require.NoError(t, wt.Checkout(&gogit.CheckoutOptions{Hash: head.Hash()}))

	info, err := Describe(dir)
	require.NoError(t, err)
	assert.Equal(t, "HEAD", info.Branch)
	assert.Equal(t, commit, info.Commit)
}

func TestDescribeNotARepository(t *testing.T) {
	_, err := Describe(t.TempDir())
	require.Error(t, err)
}
