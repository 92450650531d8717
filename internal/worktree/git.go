package worktree

import (
	"os/exec"
	"strings"

	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/pkg/errors"
)

// runGit executes a git command rooted at dir and returns the combined
// output. Non-zero exit becomes an error carrying the captured output.
func runGit(dir string, args ...string) (string, error) {
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return string(out), errors.Wrapf(err, "git %s: %s",
			strings.Join(args, " "), strings.TrimSpace(string(out)))
	}
	return string(out), nil
}

// branchExists reports whether the repository at repoPath already has a
// local branch with the given name.
func branchExists(repoPath, branch string) bool {
	repo, err := gogit.PlainOpen(repoPath)
	if err != nil {
		return false
	}
	_, err = repo.Reference(plumbing.NewBranchReferenceName(branch), false)
	return err == nil
}

// sanitizePathComponent makes an id safe to use as a single directory name.
func sanitizePathComponent(s string) string {
	return strings.NewReplacer("/", "-", "\\", "-", ":", "-", " ", "-").Replace(s)
}
