// Package worktree manages isolated Git working copies for agent tasks.
package worktree

import "errors"

var (
	// ErrWorktreeExists is returned when a working copy already exists for the task.
	ErrWorktreeExists = errors.New("working copy already exists for task")

	// ErrWorktreeNotFound is returned when the requested working copy does not exist.
	ErrWorktreeNotFound = errors.New("working copy not found")

	// ErrRepoNotGit is returned when the canonical repository path is not a Git repository.
	ErrRepoNotGit = errors.New("repository is not a git repository")

	// ErrBranchExists is returned when the task branch already exists in the repository.
	ErrBranchExists = errors.New("branch already exists")

	// ErrInvalidBaseBranch is returned when the base branch does not exist.
	ErrInvalidBaseBranch = errors.New("base branch does not exist")

	// ErrWrongBranch is returned when the canonical repository has moved off the
	// branch the task forked from.
	ErrWrongBranch = errors.New("canonical repository is not on the expected branch")

	// ErrDirtyWorktree is returned when a merge is attempted with uncommitted changes.
	ErrDirtyWorktree = errors.New("working copy has uncommitted changes")

	// ErrMergeConflict is returned when the task branch does not merge cleanly.
	ErrMergeConflict = errors.New("merge conflict")

	// ErrGitCommandFailed is returned when a git command fails to execute.
	ErrGitCommandFailed = errors.New("git command failed")
)
