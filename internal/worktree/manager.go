package worktree

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mjfuentes/amiga-sub003/internal/common/logger"
	"github.com/mjfuentes/amiga-sub003/internal/task/models"
)

// Manager allocates isolated Git working copies for tasks and merges their
// branches back into the canonical repository. A per-repository mutex
// serializes git operations that touch the same repo.
type Manager struct {
	config     Config
	logger     *logger.Logger
	workspaces map[string]*models.WorkspaceInfo // taskID -> workspace (in-memory cache)
	mu         sync.RWMutex
	repoLocks  map[string]*sync.Mutex
	repoLockMu sync.Mutex
}

// NewManager creates a new working-copy manager.
func NewManager(cfg Config, log *logger.Logger) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if log == nil {
		log = logger.Default()
	}

	root, err := cfg.ExpandedRoot()
	if err != nil {
		return nil, fmt.Errorf("failed to expand workspace root: %w", err)
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create workspace root: %w", err)
	}

	return &Manager{
		config:     cfg,
		logger:     log.WithFields(zap.String("component", "worktree-manager")),
		workspaces: make(map[string]*models.WorkspaceInfo),
		repoLocks:  make(map[string]*sync.Mutex),
	}, nil
}

// getRepoLock returns a mutex for the given repository path.
func (m *Manager) getRepoLock(repoPath string) *sync.Mutex {
	m.repoLockMu.Lock()
	defer m.repoLockMu.Unlock()

	if lock, exists := m.repoLocks[repoPath]; exists {
		return lock
	}
	lock := &sync.Mutex{}
	m.repoLocks[repoPath] = lock
	return lock
}

// Allocate creates the working copy for a task: a git worktree on a fresh
// task/{id} branch forked from the base branch. The canonical repository's
// checked-out branch stays untouched. Fails with ErrBranchExists or
// ErrWorktreeExists when a previous allocation left either behind.
func (m *Manager) Allocate(ctx context.Context, taskID, repoPath string) (*models.WorkspaceInfo, error) {
	if err := validateTaskID(taskID); err != nil {
		return nil, err
	}
	if repoPath == "" {
		repoPath = m.config.RepoPath
	}
	if repoPath == "" {
		return nil, fmt.Errorf("canonical repository path is required")
	}
	if !isGitRepo(repoPath) {
		return nil, fmt.Errorf("%w: %s", ErrRepoNotGit, repoPath)
	}

	branch := BranchName(taskID)
	if branchExists(repoPath, branch) {
		return nil, fmt.Errorf("%w: %s", ErrBranchExists, branch)
	}

	workspacePath, err := m.config.WorkspacePath(taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve workspace path: %w", err)
	}
	if _, err := os.Stat(workspacePath); err == nil {
		return nil, fmt.Errorf("%w: %s", ErrWorktreeExists, workspacePath)
	}

	base := m.config.BaseBranch
	if base == "" {
		base, err = currentBranch(ctx, repoPath)
		if err != nil {
			return nil, err
		}
	}
	if !branchExists(repoPath, base) {
		return nil, fmt.Errorf("%w: %s", ErrInvalidBaseBranch, base)
	}

	repoLock := m.getRepoLock(repoPath)
	repoLock.Lock()
	defer repoLock.Unlock()

	// git worktree add -b task/{id} <path> <base>
	output, err := runGit(ctx, repoPath, "worktree", "add", "-b", branch, workspacePath, base)
	if err != nil {
		m.logger.Error("git worktree add failed",
			zap.String("task_id", taskID),
			zap.String("output", output),
			zap.Error(err))
		return nil, fmt.Errorf("%w: %s", ErrGitCommandFailed, firstLine(output))
	}

	ws := &models.WorkspaceInfo{
		TaskID:     taskID,
		Path:       workspacePath,
		Branch:     branch,
		RepoPath:   repoPath,
		BaseBranch: base,
		CreatedAt:  time.Now().UTC(),
	}

	m.mu.Lock()
	m.workspaces[taskID] = ws
	m.mu.Unlock()

	m.logger.Info("allocated working copy",
		zap.String("task_id", taskID),
		zap.String("path", workspacePath),
		zap.String("branch", branch),
		zap.String("base", base))

	return ws, nil
}

// Get returns the cached workspace for a task.
func (m *Manager) Get(taskID string) (*models.WorkspaceInfo, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ws, ok := m.workspaces[taskID]
	return ws, ok
}

// Merge merges the task branch into the canonical repository's base branch
// with a merge commit (--no-ff), run from the canonical repo's directory.
// Refuses while the working copy has uncommitted changes. On conflict the
// merge is aborted and the returned result has Conflict set alongside
// ErrMergeConflict.
func (m *Manager) Merge(ctx context.Context, ws *models.WorkspaceInfo) (*models.MergeResult, error) {
	if ws == nil || ws.TaskID == "" {
		return nil, fmt.Errorf("workspace info is required")
	}
	if ws.RepoPath == "" {
		return nil, fmt.Errorf("workspace is missing the canonical repository path")
	}

	dirty, err := hasUncommittedChanges(ctx, ws.Path)
	if err != nil {
		return nil, err
	}
	if dirty {
		return nil, fmt.Errorf("%w: %s", ErrDirtyWorktree, ws.Path)
	}

	repoLock := m.getRepoLock(ws.RepoPath)
	repoLock.Lock()
	defer repoLock.Unlock()

	// The merge lands on whatever branch the canonical repo has checked out,
	// so verify it is still the branch the task forked from.
	head, err := currentBranch(ctx, ws.RepoPath)
	if err != nil {
		return nil, err
	}
	if head != ws.BaseBranch {
		return nil, fmt.Errorf("%w: on %s, expected %s", ErrWrongBranch, head, ws.BaseBranch)
	}

	output, err := runGit(ctx, ws.RepoPath, "merge", "--no-ff", "--no-edit", ws.Branch)
	if err != nil {
		// Leave the canonical repo clean before reporting the conflict.
		if abortOut, abortErr := runGit(ctx, ws.RepoPath, "merge", "--abort"); abortErr != nil {
			m.logger.Warn("git merge --abort failed",
				zap.String("task_id", ws.TaskID),
				zap.String("output", abortOut),
				zap.Error(abortErr))
		}
		m.logger.Warn("merge conflict",
			zap.String("task_id", ws.TaskID),
			zap.String("branch", ws.Branch),
			zap.String("output", firstLine(output)))
		result := &models.MergeResult{TaskID: ws.TaskID, Branch: ws.Branch, Conflict: true}
		return result, fmt.Errorf("%w: %s", ErrMergeConflict, firstLine(output))
	}

	result := &models.MergeResult{TaskID: ws.TaskID, Branch: ws.Branch, Merged: true}
	if sha, err := runGit(ctx, ws.RepoPath, "rev-parse", "HEAD"); err == nil {
		result.CommitSHA = strings.TrimSpace(sha)
	}
	if stat, err := runGit(ctx, ws.RepoPath, "diff", "--shortstat", "ORIG_HEAD", "HEAD"); err == nil {
		result.FilesChanged, result.Insertions, result.Deletions = parseShortStat(stat)
	}

	m.logger.Info("merged task branch",
		zap.String("task_id", ws.TaskID),
		zap.String("branch", ws.Branch),
		zap.String("commit", result.CommitSHA),
		zap.Int("files_changed", result.FilesChanged))

	return result, nil
}

// Preserve leaves the working copy in place for post-mortem inspection. This
// is the default for every task outcome; the method exists so callers state
// the intent explicitly.
func (m *Manager) Preserve(taskID string) {
	m.mu.RLock()
	ws, ok := m.workspaces[taskID]
	m.mu.RUnlock()
	if ok {
		m.logger.Info("preserving working copy",
			zap.String("task_id", taskID),
			zap.String("path", ws.Path))
	}
}

// Remove deletes a task's working copy and branch. Only called on explicit
// cleanup requests, never as part of the task lifecycle.
func (m *Manager) Remove(ctx context.Context, ws *models.WorkspaceInfo) error {
	if ws == nil {
		return ErrWorktreeNotFound
	}

	repoLock := m.getRepoLock(ws.RepoPath)
	repoLock.Lock()
	defer repoLock.Unlock()

	if output, err := runGit(ctx, ws.RepoPath, "worktree", "remove", "--force", ws.Path); err != nil {
		m.logger.Debug("git worktree remove failed, falling back to rm",
			zap.String("output", output),
			zap.Error(err))
		if err := os.RemoveAll(ws.Path); err != nil {
			return err
		}
		if _, err := runGit(ctx, ws.RepoPath, "worktree", "prune"); err != nil {
			m.logger.Debug("git worktree prune failed", zap.Error(err))
		}
	}

	if output, err := runGit(ctx, ws.RepoPath, "branch", "-D", ws.Branch); err != nil {
		m.logger.Warn("failed to delete task branch",
			zap.String("branch", ws.Branch),
			zap.String("output", output),
			zap.Error(err))
	}

	m.mu.Lock()
	delete(m.workspaces, ws.TaskID)
	m.mu.Unlock()

	m.logger.Info("removed working copy",
		zap.String("task_id", ws.TaskID),
		zap.String("path", ws.Path))
	return nil
}

// IsValid checks whether a working-copy directory is usable. Worktrees carry
// a .git file (not a directory) pointing back at the canonical repo.
func (m *Manager) IsValid(path string) bool {
	info, err := os.Stat(path)
	if err != nil || !info.IsDir() {
		return false
	}
	content, err := os.ReadFile(filepath.Join(path, ".git"))
	if err != nil {
		return false
	}
	return strings.HasPrefix(string(content), "gitdir:")
}

// runGit executes a git command in dir and returns its combined output.
func runGit(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	output, err := cmd.CombinedOutput()
	return string(output), err
}

// isGitRepo checks if a path is a Git repository.
func isGitRepo(path string) bool {
	info, err := os.Stat(filepath.Join(path, ".git"))
	if err != nil {
		return false
	}
	// .git can be either a directory (regular repo) or a file (worktree)
	return info.IsDir() || info.Mode().IsRegular()
}

// branchExists checks if a branch exists in the repository.
func branchExists(repoPath, branch string) bool {
	cmd := exec.Command("git", "rev-parse", "--verify", "--quiet", "refs/heads/"+branch)
	cmd.Dir = repoPath
	return cmd.Run() == nil
}

// currentBranch returns the branch the repository has checked out.
func currentBranch(ctx context.Context, repoPath string) (string, error) {
	output, err := runGit(ctx, repoPath, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrGitCommandFailed, firstLine(output))
	}
	return strings.TrimSpace(output), nil
}

// hasUncommittedChanges reports whether the working copy has staged or
// unstaged changes.
func hasUncommittedChanges(ctx context.Context, path string) (bool, error) {
	output, err := runGit(ctx, path, "status", "--porcelain")
	if err != nil {
		return false, fmt.Errorf("%w: %s", ErrGitCommandFailed, firstLine(output))
	}
	return strings.TrimSpace(output) != "", nil
}

var shortStatRe = regexp.MustCompile(`(\d+) files? changed(?:, (\d+) insertions?\(\+\))?(?:, (\d+) deletions?\(-\))?`)

// parseShortStat extracts counts from `git diff --shortstat` output.
func parseShortStat(stat string) (files, insertions, deletions int) {
	match := shortStatRe.FindStringSubmatch(stat)
	if match == nil {
		return 0, 0, 0
	}
	files = atoi(match[1])
	insertions = atoi(match[2])
	deletions = atoi(match[3])
	return files, insertions, deletions
}

func atoi(s string) int {
	n := 0
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0
		}
		n = n*10 + int(r-'0')
	}
	return n
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
