// Package git reads the metadata of the project repository that the build
// container needs: the branch being built and the commit to reset to.
package git

import (
	gogit "github.com/go-git/go-git/v5"
	"github.com/pkg/errors"
)

type Info struct {
	Branch string
	Commit string
}

// Describe opens the repository at path and returns its current branch and
// HEAD commit.
func Describe(path string) (Info, error) {
	repo, err := gogit.PlainOpenWithOptions(path, &gogit.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		return Info{}, errors.Wrapf(err, "opening repository at %s", path)
	}

	head, err := repo.Head()
	if err != nil {
		return Info{}, errors.Wrap(err, "resolving HEAD")
	}

	branch := head.Name().Short()
	if !head.Name().IsBranch() {
		branch = "HEAD"
	}

	return Info{
		Branch: branch,
		Commit: head.Hash().String(),
	}, nil
}
