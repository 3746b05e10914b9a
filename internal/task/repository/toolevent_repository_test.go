package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mjfuentes/amiga-sub003/internal/task/models"
)

func recordStart(t *testing.T, repo Repository, task *models.Task, tool string, startedAt time.Time) *models.ToolEvent {
	t.Helper()
	event := &models.ToolEvent{
		TaskID:      task.ID,
		SessionUUID: task.SessionUUID,
		ToolName:    tool,
		StartedAt:   startedAt,
	}
	if _, err := repo.RecordToolStart(context.Background(), event); err != nil {
		t.Fatalf("failed to record tool start: %v", err)
	}
	return event
}

func TestSQLiteRepository_RecordToolStart(t *testing.T) {
	repo, cleanup := createTestSQLiteRepo(t)
	defer cleanup()
	ctx := context.Background()

	task := seedTask(t, repo, "user-1", "tool task")

	path := "/repo/main.go"
	detail := "gofmt -w main.go"
	event := &models.ToolEvent{
		TaskID:      task.ID,
		SessionUUID: task.SessionUUID,
		ToolName:    "Bash",
		FilePath:    &path,
		Detail:      &detail,
		Parameters:  map[string]interface{}{"command": "gofmt -w main.go"},
	}
	id, err := repo.RecordToolStart(ctx, event)
	if err != nil {
		t.Fatalf("failed to record tool start: %v", err)
	}
	if id == 0 {
		t.Error("expected a row ID to be assigned")
	}
	if event.ID != id {
		t.Errorf("expected event.ID %d to match returned id %d", event.ID, id)
	}

	events, err := repo.ListToolEvents(ctx, task.ID, 0)
	if err != nil {
		t.Fatalf("failed to list tool events: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	got := events[0]
	if got.Phase != models.ToolPhaseStarted {
		t.Errorf("expected started phase, got %s", got.Phase)
	}
	if got.FilePath == nil || *got.FilePath != path {
		t.Errorf("expected file path %q, got %v", path, got.FilePath)
	}
	if got.Detail == nil || *got.Detail != detail {
		t.Errorf("expected detail %q, got %v", detail, got.Detail)
	}
	if got.StartedAt.IsZero() {
		t.Error("expected started_at to default to now")
	}
	if got.Orphaned {
		t.Error("expected fresh event to not be orphaned")
	}
	if got.Parameters["command"] != "gofmt -w main.go" {
		t.Errorf("expected parameters to round-trip, got %v", got.Parameters)
	}
	if got.HasError {
		t.Error("expected fresh event to carry no error")
	}
}

func TestSQLiteRepository_CorrelateToolEnd(t *testing.T) {
	repo, cleanup := createTestSQLiteRepo(t)
	defer cleanup()
	ctx := context.Background()

	task := seedTask(t, repo, "user-1", "correlate task")
	now := time.Now().UTC()
	recordStart(t, repo, task, "Edit", now.Add(-10*time.Second))

	preview := "applied 2 edits"
	length := 120
	duration := 843.5
	end := models.ToolEventEnd{
		OutputPreview:  &preview,
		OutputLength:   &length,
		DurationMillis: &duration,
		TokenUsage:     &models.TokenUsage{Input: 250, Output: 40},
	}
	completed, err := repo.CorrelateToolEnd(ctx, task.SessionUUID, "Edit", now, 60*time.Second, end)
	if err != nil {
		t.Fatalf("failed to correlate tool end: %v", err)
	}
	if completed.Phase != models.ToolPhaseCompleted {
		t.Errorf("expected completed phase, got %s", completed.Phase)
	}
	if completed.CompletedAt == nil {
		t.Error("expected completed_at to be set")
	}
	if completed.Orphaned {
		t.Error("expected correlated event to not be orphaned")
	}
	if completed.OutputPreview == nil || *completed.OutputPreview != preview {
		t.Errorf("expected output preview %q, got %v", preview, completed.OutputPreview)
	}
	if completed.OutputLength == nil || *completed.OutputLength != length {
		t.Errorf("expected output length %d, got %v", length, completed.OutputLength)
	}
	if completed.DurationMillis == nil || *completed.DurationMillis != duration {
		t.Errorf("expected duration %v, got %v", duration, completed.DurationMillis)
	}
	if completed.TokenUsage == nil || completed.TokenUsage.Input != 250 || completed.TokenUsage.Output != 40 {
		t.Errorf("expected token usage to round-trip, got %+v", completed.TokenUsage)
	}
	if completed.HasError {
		t.Error("expected a clean completion")
	}

	// The start is consumed; a second end for the same tool finds nothing.
	_, err = repo.CorrelateToolEnd(ctx, task.SessionUUID, "Edit", now, 60*time.Second, models.ToolEventEnd{})
	if !errors.Is(err, models.ErrNoMatchingToolStart) {
		t.Errorf("expected ErrNoMatchingToolStart on re-correlation, got %v", err)
	}
}

func TestSQLiteRepository_CorrelateRecordsError(t *testing.T) {
	repo, cleanup := createTestSQLiteRepo(t)
	defer cleanup()
	ctx := context.Background()

	task := seedTask(t, repo, "user-1", "failing tool")
	now := time.Now().UTC()
	recordStart(t, repo, task, "Bash", now.Add(-3*time.Second))

	end := models.ToolEventEnd{
		HasError:      true,
		ErrorCategory: models.ErrorCategoryCommandFailed,
	}
	completed, err := repo.CorrelateToolEnd(ctx, task.SessionUUID, "Bash", now, 60*time.Second, end)
	if err != nil {
		t.Fatalf("failed to correlate: %v", err)
	}
	if !completed.HasError {
		t.Error("expected has_error to be set")
	}
	if completed.ErrorCategory != models.ErrorCategoryCommandFailed {
		t.Errorf("expected command_failed category, got %q", completed.ErrorCategory)
	}
}

func TestSQLiteRepository_RecordStandaloneToolEnd(t *testing.T) {
	repo, cleanup := createTestSQLiteRepo(t)
	defer cleanup()
	ctx := context.Background()

	task := seedTask(t, repo, "user-1", "standalone post")
	completedAt := time.Now().UTC().Truncate(time.Second)
	preview := "No such file or directory"
	event := &models.ToolEvent{
		TaskID:        task.ID,
		SessionUUID:   task.SessionUUID,
		ToolName:      "Read",
		CompletedAt:   &completedAt,
		OutputPreview: &preview,
		HasError:      true,
		ErrorCategory: models.ErrorCategoryFileNotFound,
	}
	id, err := repo.RecordStandaloneToolEnd(ctx, event)
	if err != nil {
		t.Fatalf("failed to record standalone end: %v", err)
	}
	if id == 0 {
		t.Error("expected a row ID to be assigned")
	}

	events, err := repo.ListToolEvents(ctx, task.ID, 0)
	if err != nil {
		t.Fatalf("failed to list: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	got := events[0]
	if got.Phase != models.ToolPhaseCompleted {
		t.Errorf("expected completed phase, got %s", got.Phase)
	}
	if !got.StartedAt.Equal(completedAt) {
		t.Errorf("expected started_at to mirror the post time, got %v", got.StartedAt)
	}
	if got.CompletedAt == nil || !got.CompletedAt.Equal(completedAt) {
		t.Errorf("expected completed_at %v, got %v", completedAt, got.CompletedAt)
	}
	if !got.HasError || got.ErrorCategory != models.ErrorCategoryFileNotFound {
		t.Errorf("expected file_not_found error, got hasError=%v category=%q", got.HasError, got.ErrorCategory)
	}
	if got.Orphaned {
		t.Error("expected standalone event to not be orphaned")
	}
}

func TestSQLiteRepository_CorrelatePicksNewestStart(t *testing.T) {
	repo, cleanup := createTestSQLiteRepo(t)
	defer cleanup()
	ctx := context.Background()

	task := seedTask(t, repo, "user-1", "nested tools")
	now := time.Now().UTC()
	recordStart(t, repo, task, "Bash", now.Add(-30*time.Second))
	newer := recordStart(t, repo, task, "Bash", now.Add(-5*time.Second))

	completed, err := repo.CorrelateToolEnd(ctx, task.SessionUUID, "Bash", now, 60*time.Second, models.ToolEventEnd{})
	if err != nil {
		t.Fatalf("failed to correlate: %v", err)
	}
	if completed.ID != newer.ID {
		t.Errorf("expected the newest start %d to win, got %d", newer.ID, completed.ID)
	}
}

func TestSQLiteRepository_CorrelateRespectsWindow(t *testing.T) {
	repo, cleanup := createTestSQLiteRepo(t)
	defer cleanup()
	ctx := context.Background()

	task := seedTask(t, repo, "user-1", "stale start")
	now := time.Now().UTC()
	recordStart(t, repo, task, "Grep", now.Add(-2*time.Minute))

	// The only start is older than the window, so the end has no partner.
	_, err := repo.CorrelateToolEnd(ctx, task.SessionUUID, "Grep", now, 60*time.Second, models.ToolEventEnd{})
	if !errors.Is(err, models.ErrNoMatchingToolStart) {
		t.Errorf("expected ErrNoMatchingToolStart outside window, got %v", err)
	}
}

func TestSQLiteRepository_CorrelateMatchesToolName(t *testing.T) {
	repo, cleanup := createTestSQLiteRepo(t)
	defer cleanup()
	ctx := context.Background()

	task := seedTask(t, repo, "user-1", "tool mismatch")
	now := time.Now().UTC()
	recordStart(t, repo, task, "Read", now.Add(-5*time.Second))

	_, err := repo.CorrelateToolEnd(ctx, task.SessionUUID, "Write", now, 60*time.Second, models.ToolEventEnd{})
	if !errors.Is(err, models.ErrNoMatchingToolStart) {
		t.Errorf("expected ErrNoMatchingToolStart for different tool, got %v", err)
	}
}

func TestSQLiteRepository_PromoteOrphanedToolEvents(t *testing.T) {
	repo, cleanup := createTestSQLiteRepo(t)
	defer cleanup()
	ctx := context.Background()

	task := seedTask(t, repo, "user-1", "orphan task")
	now := time.Now().UTC()
	old := recordStart(t, repo, task, "Bash", now.Add(-15*time.Minute))
	fresh := recordStart(t, repo, task, "Edit", now.Add(-1*time.Minute))

	promoted, err := repo.PromoteOrphanedToolEvents(ctx, 10*time.Minute)
	if err != nil {
		t.Fatalf("failed to promote orphans: %v", err)
	}
	if promoted != 1 {
		t.Errorf("expected 1 promoted event, got %d", promoted)
	}

	events, _ := repo.ListToolEvents(ctx, task.ID, 0)
	for _, event := range events {
		switch event.ID {
		case old.ID:
			if event.Phase != models.ToolPhaseCompleted || !event.Orphaned {
				t.Errorf("expected old event promoted to orphaned completed, got phase=%s orphaned=%v",
					event.Phase, event.Orphaned)
			}
			if !event.HasError || event.ErrorCategory != models.ErrorCategoryUnknown {
				t.Errorf("expected promoted orphan marked failed with unknown category, got hasError=%v category=%q",
					event.HasError, event.ErrorCategory)
			}
		case fresh.ID:
			if event.Phase != models.ToolPhaseStarted || event.Orphaned {
				t.Errorf("expected fresh event untouched, got phase=%s orphaned=%v",
					event.Phase, event.Orphaned)
			}
		}
	}

	// Idempotent: nothing left to promote.
	promoted, _ = repo.PromoteOrphanedToolEvents(ctx, 10*time.Minute)
	if promoted != 0 {
		t.Errorf("expected 0 promoted on second sweep, got %d", promoted)
	}
}

func TestSQLiteRepository_ListToolEventsOrderAndLimit(t *testing.T) {
	repo, cleanup := createTestSQLiteRepo(t)
	defer cleanup()
	ctx := context.Background()

	task := seedTask(t, repo, "user-1", "ordering")
	now := time.Now().UTC()
	recordStart(t, repo, task, "Read", now.Add(-3*time.Minute))
	recordStart(t, repo, task, "Edit", now.Add(-2*time.Minute))
	last := recordStart(t, repo, task, "Bash", now.Add(-1*time.Minute))

	events, err := repo.ListToolEvents(ctx, task.ID, 0)
	if err != nil {
		t.Fatalf("failed to list: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(events))
	}
	if events[0].ID != last.ID {
		t.Errorf("expected newest event first, got %d", events[0].ID)
	}

	limited, _ := repo.ListToolEvents(ctx, task.ID, 2)
	if len(limited) != 2 {
		t.Errorf("expected limit 2, got %d", len(limited))
	}
}

func TestSQLiteRepository_LastToolEventAt(t *testing.T) {
	repo, cleanup := createTestSQLiteRepo(t)
	defer cleanup()
	ctx := context.Background()

	task := seedTask(t, repo, "user-1", "activity probe")

	last, err := repo.LastToolEventAt(ctx, task.ID)
	if err != nil {
		t.Fatalf("failed to read last event time: %v", err)
	}
	if last != nil {
		t.Errorf("expected nil for task with no events, got %v", last)
	}

	now := time.Now().UTC().Truncate(time.Second)
	recordStart(t, repo, task, "Read", now.Add(-5*time.Minute))
	recordStart(t, repo, task, "Edit", now.Add(-2*time.Minute))

	last, err = repo.LastToolEventAt(ctx, task.ID)
	if err != nil {
		t.Fatalf("failed to read last event time: %v", err)
	}
	if last == nil {
		t.Fatal("expected a last event time")
	}
	if last.Before(now.Add(-3 * time.Minute)) {
		t.Errorf("expected the newest event time, got %v", last)
	}

	// Correlation moves the high-water mark to the completion time.
	if _, err := repo.CorrelateToolEnd(ctx, task.SessionUUID, "Edit", now, 60*time.Minute, models.ToolEventEnd{}); err != nil {
		t.Fatalf("failed to correlate: %v", err)
	}
	last, _ = repo.LastToolEventAt(ctx, task.ID)
	if last == nil || last.Before(now.Add(-time.Minute)) {
		t.Errorf("expected completion time as high-water mark, got %v", last)
	}
}
