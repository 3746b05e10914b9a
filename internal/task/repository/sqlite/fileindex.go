package sqlite

import (
	"context"
	"time"

	"github.com/mjfuentes/amiga-sub003/internal/task/models"
)

// RecordFileTouch upserts the per-task file index row for a path, counting
// repeat touches and tracking the most recent tool to hit the file.
func (r *Repository) RecordFileTouch(ctx context.Context, taskID, path, toolName string, at time.Time) error {
	path = models.NormalizeFilePath(path)
	if path == "" {
		return nil
	}
	_, err := r.execRetry(ctx, r.db.Rebind(`
		INSERT INTO file_index (task_id, path, tool_name, touches, first_seen, last_seen)
		VALUES (?, ?, ?, 1, ?, ?)
		ON CONFLICT(task_id, path) DO UPDATE SET
			touches = touches + 1,
			tool_name = excluded.tool_name,
			last_seen = excluded.last_seen
	`), taskID, path, toolName, at, at)
	return err
}

// ListFilesTouched returns a task's file index ordered by most recently seen.
func (r *Repository) ListFilesTouched(ctx context.Context, taskID string) ([]*models.FileIndexEntry, error) {
	rows, err := r.ro.QueryContext(ctx, r.ro.Rebind(`
		SELECT id, task_id, path, tool_name, touches, first_seen, last_seen
		FROM file_index WHERE task_id = ? ORDER BY last_seen DESC, id DESC
	`), taskID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var entries []*models.FileIndexEntry
	for rows.Next() {
		entry := &models.FileIndexEntry{}
		if err := rows.Scan(&entry.ID, &entry.TaskID, &entry.Path, &entry.ToolName,
			&entry.Touches, &entry.FirstSeen, &entry.LastSeen); err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}
