package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mjfuentes/amiga-sub003/internal/task/models"
)

const toolEventColumns = `id, task_id, session_uuid, tool_name, file_path, detail, phase, orphaned, started_at, completed_at,
	parameters, output_preview, output_length, has_error, error_category, duration_millis, token_usage`

// RecordToolStart inserts a started tool event and returns its row id.
func (r *Repository) RecordToolStart(ctx context.Context, event *models.ToolEvent) (int64, error) {
	if event.StartedAt.IsZero() {
		event.StartedAt = time.Now().UTC()
	}
	event.Phase = models.ToolPhaseStarted

	result, err := r.execRetry(ctx, r.db.Rebind(`
		INSERT INTO tool_events (task_id, session_uuid, tool_name, file_path, detail, phase, orphaned, started_at, parameters)
		VALUES (?, ?, ?, ?, ?, ?, 0, ?, ?)
	`), event.TaskID, event.SessionUUID, event.ToolName, event.FilePath, event.Detail,
		event.Phase, event.StartedAt, marshalNullable(event.Parameters != nil, event.Parameters))
	if err != nil {
		return 0, err
	}

	id, err := result.LastInsertId()
	if err != nil {
		return 0, err
	}
	event.ID = id
	return id, nil
}

// CorrelateToolEnd matches a post hook to the most recent uncompleted start
// for the same session and tool within the window, marks it completed with
// the post-hook payload, and returns the updated event. Returns
// ErrNoMatchingToolStart when no start qualifies.
func (r *Repository) CorrelateToolEnd(ctx context.Context, sessionUUID, toolName string, completedAt time.Time, window time.Duration, end models.ToolEventEnd) (*models.ToolEvent, error) {
	cutoff := completedAt.Add(-window)

	var id int64
	err := r.ro.QueryRowContext(ctx, r.ro.Rebind(`
		SELECT id FROM tool_events
		WHERE session_uuid = ? AND tool_name = ? AND phase = ? AND started_at >= ?
		ORDER BY started_at DESC LIMIT 1
	`), sessionUUID, toolName, models.ToolPhaseStarted, cutoff).Scan(&id)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: session %s tool %s", models.ErrNoMatchingToolStart, sessionUUID, toolName)
	}
	if err != nil {
		return nil, err
	}

	hasError := 0
	if end.HasError {
		hasError = 1
	}

	// The guard on phase keeps a concurrent correlation from completing the
	// same start twice.
	result, err := r.execRetry(ctx, r.db.Rebind(`
		UPDATE tool_events SET phase = ?, completed_at = ?, output_preview = ?, output_length = ?,
			has_error = ?, error_category = ?, duration_millis = ?, token_usage = ?
		WHERE id = ? AND phase = ?
	`), models.ToolPhaseCompleted, completedAt, end.OutputPreview, end.OutputLength,
		hasError, nullableCategory(end.ErrorCategory), end.DurationMillis,
		marshalNullable(end.TokenUsage != nil, end.TokenUsage),
		id, models.ToolPhaseStarted)
	if err != nil {
		return nil, err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return nil, fmt.Errorf("%w: session %s tool %s", models.ErrNoMatchingToolStart, sessionUUID, toolName)
	}

	return r.getToolEvent(ctx, id)
}

// RecordStandaloneToolEnd inserts an already-completed event for a post hook
// that found no matching start. Both timestamps carry the post-hook time.
func (r *Repository) RecordStandaloneToolEnd(ctx context.Context, event *models.ToolEvent) (int64, error) {
	if event.CompletedAt == nil {
		now := time.Now().UTC()
		event.CompletedAt = &now
	}
	event.StartedAt = *event.CompletedAt
	event.Phase = models.ToolPhaseCompleted

	hasError := 0
	if event.HasError {
		hasError = 1
	}

	result, err := r.execRetry(ctx, r.db.Rebind(`
		INSERT INTO tool_events (task_id, session_uuid, tool_name, file_path, detail, phase, orphaned, started_at, completed_at,
			parameters, output_preview, output_length, has_error, error_category, duration_millis, token_usage)
		VALUES (?, ?, ?, ?, ?, ?, 0, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), event.TaskID, event.SessionUUID, event.ToolName, event.FilePath, event.Detail,
		event.Phase, event.StartedAt, event.CompletedAt,
		marshalNullable(event.Parameters != nil, event.Parameters),
		event.OutputPreview, event.OutputLength, hasError, nullableCategory(event.ErrorCategory),
		event.DurationMillis, marshalNullable(event.TokenUsage != nil, event.TokenUsage))
	if err != nil {
		return 0, err
	}

	id, err := result.LastInsertId()
	if err != nil {
		return 0, err
	}
	event.ID = id
	return id, nil
}

// PromoteOrphanedToolEvents completes starts that never saw a post hook,
// flagging them as orphaned failures so readers can tell. Returns how many
// rows were promoted.
func (r *Repository) PromoteOrphanedToolEvents(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-olderThan)

	result, err := r.execRetry(ctx, r.db.Rebind(`
		UPDATE tool_events SET phase = ?, orphaned = 1, has_error = 1, error_category = ?
		WHERE phase = ? AND started_at < ?
	`), models.ToolPhaseCompleted, string(models.ErrorCategoryUnknown),
		models.ToolPhaseStarted, cutoff)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// ListToolEvents returns a task's tool events, newest first.
func (r *Repository) ListToolEvents(ctx context.Context, taskID string, limit int) ([]*models.ToolEvent, error) {
	query := `SELECT ` + toolEventColumns + ` FROM tool_events WHERE task_id = ? ORDER BY started_at DESC, id DESC`
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

	var result []*models.ToolEvent
	for rows.Next() {
		event, err := scanToolEvent(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, event)
	}
	return result, rows.Err()
}

// LastToolEventAt returns the timestamp of the task's most recent tool
// activity, or nil when the task has none. Plain columns are selected so the
// driver keeps the TIMESTAMP conversion; the coalescing happens in Go.
func (r *Repository) LastToolEventAt(ctx context.Context, taskID string) (*time.Time, error) {
	var startedAt time.Time
	var completedAt sql.NullTime
	err := r.ro.QueryRowContext(ctx, r.ro.Rebind(`
		SELECT started_at, completed_at FROM tool_events
		WHERE task_id = ?
		ORDER BY COALESCE(completed_at, started_at) DESC LIMIT 1
	`), taskID).Scan(&startedAt, &completedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	last := startedAt
	if completedAt.Valid && completedAt.Time.After(last) {
		last = completedAt.Time
	}
	return &last, nil
}

func (r *Repository) getToolEvent(ctx context.Context, id int64) (*models.ToolEvent, error) {
	row := r.ro.QueryRowContext(ctx, r.ro.Rebind(`
		SELECT `+toolEventColumns+` FROM tool_events WHERE id = ?
	`), id)
	return scanToolEvent(row)
}

// marshalNullable returns the JSON encoding of v, or nil when absent so the
// column stays NULL.
func marshalNullable(present bool, v interface{}) interface{} {
	if !present {
		return nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return string(b)
}

func nullableCategory(c models.ErrorCategory) interface{} {
	if c == "" {
		return nil
	}
	return string(c)
}

func scanToolEvent(row rowScanner) (*models.ToolEvent, error) {
	event := &models.ToolEvent{}
	var filePath, detail, parameters, outputPreview, errorCategory, tokenUsage sql.NullString
	var completedAt sql.NullTime
	var outputLength sql.NullInt64
	var durationMillis sql.NullFloat64
	var orphaned, hasError int

	err := row.Scan(&event.ID, &event.TaskID, &event.SessionUUID, &event.ToolName,
		&filePath, &detail, &event.Phase, &orphaned, &event.StartedAt, &completedAt,
		&parameters, &outputPreview, &outputLength, &hasError, &errorCategory,
		&durationMillis, &tokenUsage)
	if err != nil {
		return nil, err
	}

	if filePath.Valid {
		event.FilePath = &filePath.String
	}
	if detail.Valid {
		event.Detail = &detail.String
	}
	if completedAt.Valid {
		t := completedAt.Time
		event.CompletedAt = &t
	}
	if parameters.Valid && parameters.String != "" {
		_ = json.Unmarshal([]byte(parameters.String), &event.Parameters)
	}
	if outputPreview.Valid {
		event.OutputPreview = &outputPreview.String
	}
	if outputLength.Valid {
		n := int(outputLength.Int64)
		event.OutputLength = &n
	}
	if errorCategory.Valid && errorCategory.String != "" {
		event.ErrorCategory = models.ErrorCategory(errorCategory.String)
	}
	if durationMillis.Valid {
		d := durationMillis.Float64
		event.DurationMillis = &d
	}
	if tokenUsage.Valid && tokenUsage.String != "" {
		var usage models.TokenUsage
		if json.Unmarshal([]byte(tokenUsage.String), &usage) == nil {
			event.TokenUsage = &usage
		}
	}
	event.Orphaned = orphaned != 0
	event.HasError = hasError != 0
	return event, nil
}
