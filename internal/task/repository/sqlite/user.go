package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	sqliteutil "github.com/mjfuentes/amiga-sub003/internal/common/sqlite"
	"github.com/mjfuentes/amiga-sub003/internal/task/models"
)

// EnsureUser creates the user row on first contact and bumps last_seen_at on
// every call. New users default to non-admin with the ID as display name.
func (r *Repository) EnsureUser(ctx context.Context, id string) (*models.User, error) {
	now := time.Now().UTC()
	_, err := r.execRetry(ctx, r.db.Rebind(`
		INSERT INTO users (id, name, admin, created_at, last_seen_at)
		VALUES (?, ?, 0, ?, ?)
		ON CONFLICT(id) DO UPDATE SET last_seen_at = excluded.last_seen_at
	`), id, id, now, now)
	if err != nil {
		return nil, err
	}
	return r.GetUser(ctx, id)
}

// GetUser returns a user by ID.
func (r *Repository) GetUser(ctx context.Context, id string) (*models.User, error) {
	row := r.ro.QueryRowContext(ctx, r.ro.Rebind(`
		SELECT id, name, admin, created_at, last_seen_at FROM users WHERE id = ?
	`), id)
	user, err := scanUser(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", models.ErrUserNotFound, id)
	}
	return user, err
}

// ListUsers returns all known users ordered by first contact.
func (r *Repository) ListUsers(ctx context.Context) ([]*models.User, error) {
	rows, err := r.ro.QueryContext(ctx, `
		SELECT id, name, admin, created_at, last_seen_at FROM users ORDER BY created_at
	`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var users []*models.User
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, user)
	}
	return users, rows.Err()
}

func scanUser(row rowScanner) (*models.User, error) {
	user := &models.User{}
	var admin int
	err := row.Scan(&user.ID, &user.Name, &admin, &user.CreatedAt, &user.LastSeenAt)
	if err != nil {
		return nil, err
	}
	user.Admin = sqliteutil.IntToBool(admin)
	return user, nil
}
