// Package service implements the task manager: creation and admission of
// background tasks, the guarded state machine, the activity log, and the
// lifecycle events other components subscribe to.
package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/mjfuentes/amiga-sub003/internal/common/logger"
	"github.com/mjfuentes/amiga-sub003/internal/events/bus"
	"github.com/mjfuentes/amiga-sub003/internal/task/models"
	"github.com/mjfuentes/amiga-sub003/internal/task/repository"
)

// allocateAttempts bounds how many fresh IDs Create tries when a generated
// short ID collides with an existing branch or checkout.
const allocateAttempts = 3

// MaxActivityBytes caps one agent-posted activity message.
const MaxActivityBytes = 1024

var (
	ErrActivityTooLong = errors.New("activity message exceeds 1 KiB")
	ErrEmptyPrompt     = errors.New("task prompt is empty")
)

// WorkspaceAllocator provisions, merges and disposes of per-task working
// copies. Implemented by the worktree manager.
type WorkspaceAllocator interface {
	Allocate(ctx context.Context, taskID, repoPath string) (*models.WorkspaceInfo, error)
	Merge(ctx context.Context, ws *models.WorkspaceInfo) (*models.MergeResult, error)
	Preserve(taskID string)
	Remove(ctx context.Context, ws *models.WorkspaceInfo) error
	Get(taskID string) (*models.WorkspaceInfo, bool)
}

// BudgetGate admits or denies spend before a task is accepted. Implemented by
// the cost ledger.
type BudgetGate interface {
	CheckBudget(now time.Time, estimateUSD float64) error
}

// RunCanceler interrupts a queued or running task. Implemented by the
// orchestrator, which owns the pool handles.
type RunCanceler interface {
	CancelTask(taskID string) bool
}

// Config carries the service's admission settings.
type Config struct {
	RepoPath string // canonical repository task branches fork from

	// TaskEstimateUSD is the spend estimate charged against the budget fence
	// at admission. Zero disables the pre-charge and only the hard cap applies.
	TaskEstimateUSD float64
}

// Service provides task lifecycle business logic.
type Service struct {
	repo       repository.Repository
	workspaces WorkspaceAllocator
	budget     BudgetGate
	eventBus   bus.EventBus
	logger     *logger.Logger
	cfg        Config

	canceler RunCanceler

	// Submission order survives restarts: seeded from the store, then local.
	seqOnce sync.Once
	seqMu   sync.Mutex
	lastSeq int64
}

// NewService creates a task service. The canceler is wired later by the
// orchestrator via SetRunCanceler.
func NewService(repo repository.Repository, workspaces WorkspaceAllocator, budget BudgetGate, eventBus bus.EventBus, cfg Config, log *logger.Logger) *Service {
	return &Service{
		repo:       repo,
		workspaces: workspaces,
		budget:     budget,
		eventBus:   eventBus,
		logger:     log,
		cfg:        cfg,
	}
}

// SetRunCanceler wires the orchestrator's cancel path for Stop.
func (s *Service) SetRunCanceler(c RunCanceler) {
	s.canceler = c
}

// CreateTaskRequest carries the classifier's output into admission.
type CreateTaskRequest struct {
	UserID      string
	Prompt      string
	Description string
	Priority    models.Priority
	AgentKind   string
}

// RunOutcome is the supervisor's report for a finished agent subprocess.
type RunOutcome struct {
	ExitCode int
	Output   string
	TimedOut bool
	Canceled bool
	Duration time.Duration
}
