package models

import "time"

// WorkspaceInfo describes the isolated working copy allocated for a task
type WorkspaceInfo struct {
	TaskID     string    `json:"task_id"`
	Path       string    `json:"path"`
	Branch     string    `json:"branch"`
	RepoPath   string    `json:"repo_path"`
	BaseBranch string    `json:"base_branch"`
	CreatedAt  time.Time `json:"created_at"`
}

// MergeResult records the outcome of merging a task branch back into the
// canonical repository
type MergeResult struct {
	TaskID       string `json:"task_id"`
	Branch       string `json:"branch"`
	Merged       bool   `json:"merged"`
	Conflict     bool   `json:"conflict"`
	CommitSHA    string `json:"commit_sha,omitempty"`
	FilesChanged int    `json:"files_changed"`
	Insertions   int    `json:"insertions"`
	Deletions    int    `json:"deletions"`
}
