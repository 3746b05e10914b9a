package worktree

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// TaskBranchPrefix is the fixed prefix for task branches. A task's branch is
// always TaskBranchPrefix + taskID.
const TaskBranchPrefix = "task/"

// Config holds configuration for the working-copy manager.
type Config struct {
	// Root is the base directory for per-task working copies.
	// Supports ~ expansion for home directory.
	// Default: /tmp/amiga
	Root string `mapstructure:"root"`

	// RepoPath is the canonical repository the agents work on.
	RepoPath string `mapstructure:"repoPath"`

	// BaseBranch is the branch task branches fork from. Empty means the
	// repository's currently checked-out branch.
	BaseBranch string `mapstructure:"baseBranch"`
}

// Validate validates the configuration and fills defaults.
func (c *Config) Validate() error {
	if c.Root == "" {
		c.Root = "/tmp/amiga"
	}
	return nil
}

// ExpandedRoot returns the root path with ~ expanded to the user's home directory.
func (c *Config) ExpandedRoot() (string, error) {
	path := c.Root
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		path = filepath.Join(home, path[2:])
	}
	return path, nil
}

// WorkspacePath returns the working-copy path for a task.
func (c *Config) WorkspacePath(taskID string) (string, error) {
	root, err := c.ExpandedRoot()
	if err != nil {
		return "", err
	}
	return filepath.Join(root, taskID), nil
}

// BranchName returns the task branch name for a task ID.
func BranchName(taskID string) string {
	return TaskBranchPrefix + taskID
}

// validateTaskID rejects IDs that could escape the workspace root or inject
// git arguments.
func validateTaskID(taskID string) error {
	if taskID == "" {
		return fmt.Errorf("task ID is required")
	}
	if strings.ContainsAny(taskID, "/\\ \t\n") || strings.Contains(taskID, "..") || strings.HasPrefix(taskID, "-") {
		return fmt.Errorf("invalid task ID: %q", taskID)
	}
	return nil
}
