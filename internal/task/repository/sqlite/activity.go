package sqlite

import (
	"context"
	"time"

	"github.com/mjfuentes/amiga-sub003/internal/task/models"
)

// AppendActivity adds a progress line to a task's activity log.
func (r *Repository) AppendActivity(ctx context.Context, taskID, message string) (*models.ActivityEntry, error) {
	entry := &models.ActivityEntry{
		TaskID:    taskID,
		Message:   message,
		CreatedAt: time.Now().UTC(),
	}
	result, err := r.execRetry(ctx, r.db.Rebind(`
		INSERT INTO activity_log (task_id, message, created_at) VALUES (?, ?, ?)
	`), entry.TaskID, entry.Message, entry.CreatedAt)
	if err != nil {
		return nil, err
	}
	entry.ID, err = result.LastInsertId()
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// ListActivity returns a task's activity log, oldest first.
func (r *Repository) ListActivity(ctx context.Context, taskID string, limit int) ([]*models.ActivityEntry, error) {
	query := `SELECT id, task_id, message, created_at FROM activity_log WHERE task_id = ? ORDER BY created_at, id`
	args := []interface{}{taskID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := r.ro.QueryContext(ctx, r.ro.Rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var entries []*models.ActivityEntry
	for rows.Next() {
		entry := &models.ActivityEntry{}
		if err := rows.Scan(&entry.ID, &entry.TaskID, &entry.Message, &entry.CreatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}
