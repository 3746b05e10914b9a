package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mjfuentes/amiga-sub003/internal/task/models"
)

func TestSQLiteRepository_EnsureUser(t *testing.T) {
	repo, cleanup := createTestSQLiteRepo(t)
	defer cleanup()
	ctx := context.Background()

	user, err := repo.EnsureUser(ctx, "alice")
	if err != nil {
		t.Fatalf("failed to ensure user: %v", err)
	}
	if user.ID != "alice" || user.Name != "alice" {
		t.Errorf("expected new user alice, got %+v", user)
	}
	if user.Admin {
		t.Error("expected new user to not be admin")
	}
	firstSeen := user.LastSeenAt

	time.Sleep(5 * time.Millisecond)
	again, err := repo.EnsureUser(ctx, "alice")
	if err != nil {
		t.Fatalf("failed to re-ensure user: %v", err)
	}
	if !again.CreatedAt.Equal(user.CreatedAt) {
		t.Errorf("expected created_at preserved, got %v vs %v", again.CreatedAt, user.CreatedAt)
	}
	if !again.LastSeenAt.After(firstSeen) {
		t.Errorf("expected last_seen_at to advance, got %v vs %v", again.LastSeenAt, firstSeen)
	}
}

func TestSQLiteRepository_GetUserNotFound(t *testing.T) {
	repo, cleanup := createTestSQLiteRepo(t)
	defer cleanup()

	_, err := repo.GetUser(context.Background(), "ghost")
	if !errors.Is(err, models.ErrUserNotFound) {
		t.Errorf("expected ErrUserNotFound, got %v", err)
	}
}

func TestSQLiteRepository_ListUsers(t *testing.T) {
	repo, cleanup := createTestSQLiteRepo(t)
	defer cleanup()
	ctx := context.Background()

	if _, err := repo.EnsureUser(ctx, "alice"); err != nil {
		t.Fatalf("failed to ensure alice: %v", err)
	}
	time.Sleep(5 * time.Millisecond)
	if _, err := repo.EnsureUser(ctx, "bob"); err != nil {
		t.Fatalf("failed to ensure bob: %v", err)
	}

	users, err := repo.ListUsers(ctx)
	if err != nil {
		t.Fatalf("failed to list users: %v", err)
	}
	if len(users) != 2 {
		t.Fatalf("expected 2 users, got %d", len(users))
	}
	if users[0].ID != "alice" || users[1].ID != "bob" {
		t.Errorf("expected first-contact order [alice bob], got [%s %s]", users[0].ID, users[1].ID)
	}
}
