package repository

import (
	"context"
	"testing"
	"time"
)

func TestSQLiteRepository_RecordFileTouch(t *testing.T) {
	repo, cleanup := createTestSQLiteRepo(t)
	defer cleanup()
	ctx := context.Background()

	task := seedTask(t, repo, "user-1", "file task")
	now := time.Now().UTC()

	if err := repo.RecordFileTouch(ctx, task.ID, "/repo/main.go", "Edit", now); err != nil {
		t.Fatalf("failed to record touch: %v", err)
	}
	if err := repo.RecordFileTouch(ctx, task.ID, "/repo/main.go", "Write", now.Add(time.Second)); err != nil {
		t.Fatalf("failed to record repeat touch: %v", err)
	}
	if err := repo.RecordFileTouch(ctx, task.ID, "/repo/util.go", "Read", now.Add(2*time.Second)); err != nil {
		t.Fatalf("failed to record second file: %v", err)
	}

	files, err := repo.ListFilesTouched(ctx, task.ID)
	if err != nil {
		t.Fatalf("failed to list files: %v", err)
	}
	if len(files) != 2 {
		t.Fatalf("expected 2 files, got %d", len(files))
	}
	if files[0].Path != "/repo/util.go" {
		t.Errorf("expected most recently seen file first, got %s", files[0].Path)
	}

	var mainEntry = files[1]
	if mainEntry.Path != "/repo/main.go" {
		t.Fatalf("expected /repo/main.go, got %s", mainEntry.Path)
	}
	if mainEntry.Touches != 2 {
		t.Errorf("expected 2 touches, got %d", mainEntry.Touches)
	}
	if mainEntry.ToolName != "Write" {
		t.Errorf("expected latest tool Write, got %s", mainEntry.ToolName)
	}
	if !mainEntry.LastSeen.After(mainEntry.FirstSeen) {
		t.Errorf("expected last_seen after first_seen, got %v vs %v", mainEntry.LastSeen, mainEntry.FirstSeen)
	}
}

func TestSQLiteRepository_RecordFileTouchSkipsEmptyPath(t *testing.T) {
	repo, cleanup := createTestSQLiteRepo(t)
	defer cleanup()
	ctx := context.Background()

	task := seedTask(t, repo, "user-1", "empty path")

	if err := repo.RecordFileTouch(ctx, task.ID, "   ", "Bash", time.Now().UTC()); err != nil {
		t.Fatalf("expected empty path to be a no-op, got %v", err)
	}

	files, _ := repo.ListFilesTouched(ctx, task.ID)
	if len(files) != 0 {
		t.Errorf("expected no file entries, got %d", len(files))
	}
}
