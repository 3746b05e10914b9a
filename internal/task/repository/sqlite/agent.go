package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/mjfuentes/amiga-sub003/internal/task/models"
	v1 "github.com/mjfuentes/amiga-sub003/pkg/api/v1"
)

const agentStatusColumns = `task_id, session_uuid, agent_kind, pid, state, started_at, last_event_at, exit_code`

// UpsertAgentStatus inserts or replaces the supervision row for a task.
func (r *Repository) UpsertAgentStatus(ctx context.Context, status *models.AgentStatusRecord) error {
	if status.StartedAt.IsZero() {
		status.StartedAt = time.Now().UTC()
	}
	_, err := r.execRetry(ctx, r.db.Rebind(`
		INSERT INTO agent_status (`+agentStatusColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(task_id) DO UPDATE SET
			session_uuid = excluded.session_uuid,
			agent_kind = excluded.agent_kind,
			pid = excluded.pid,
			state = excluded.state,
			started_at = excluded.started_at,
			last_event_at = excluded.last_event_at,
			exit_code = excluded.exit_code
	`), status.TaskID, status.SessionUUID, status.AgentKind, status.PID, status.State,
		status.StartedAt, status.LastEventAt, status.ExitCode)
	return err
}

// GetAgentStatus returns the supervision row for a task.
func (r *Repository) GetAgentStatus(ctx context.Context, taskID string) (*models.AgentStatusRecord, error) {
	row := r.ro.QueryRowContext(ctx, r.ro.Rebind(`
		SELECT `+agentStatusColumns+` FROM agent_status WHERE task_id = ?
	`), taskID)
	status, err := scanAgentStatus(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", models.ErrAgentStatusNotFound, taskID)
	}
	return status, err
}

// ListAgentStatuses returns supervision rows, optionally filtered by state.
func (r *Repository) ListAgentStatuses(ctx context.Context, states []v1.AgentState) ([]*models.AgentStatusRecord, error) {
	query := `SELECT ` + agentStatusColumns + ` FROM agent_status`
	var args []interface{}
	if len(states) > 0 {
		placeholders := make([]string, len(states))
		for i, s := range states {
			placeholders[i] = "?"
			args = append(args, s)
		}
		query += ` WHERE state IN (` + strings.Join(placeholders, ", ") + `)`
	}
	query += ` ORDER BY started_at`

	rows, err := r.ro.QueryContext(ctx, r.ro.Rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*models.AgentStatusRecord
	for rows.Next() {
		status, err := scanAgentStatus(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, status)
	}
	return result, rows.Err()
}

// TouchAgentEvent bumps last_event_at, feeding the stall sweep.
func (r *Repository) TouchAgentEvent(ctx context.Context, taskID string, at time.Time) error {
	_, err := r.execRetry(ctx, r.db.Rebind(`
		UPDATE agent_status SET last_event_at = ?, state = CASE WHEN state = ? THEN ? ELSE state END
		WHERE task_id = ?
	`), at, v1.AgentStateStarting, v1.AgentStateRunning, taskID)
	return err
}

// MarkAgentExited records subprocess termination.
func (r *Repository) MarkAgentExited(ctx context.Context, taskID string, state v1.AgentState, exitCode *int) error {
	result, err := r.execRetry(ctx, r.db.Rebind(`
		UPDATE agent_status SET state = ?, exit_code = ? WHERE task_id = ?
	`), state, exitCode, taskID)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("%w: %s", models.ErrAgentStatusNotFound, taskID)
	}
	return nil
}

func scanAgentStatus(row rowScanner) (*models.AgentStatusRecord, error) {
	status := &models.AgentStatusRecord{}
	var lastEventAt sql.NullTime
	var exitCode sql.NullInt64

	err := row.Scan(&status.TaskID, &status.SessionUUID, &status.AgentKind, &status.PID,
		&status.State, &status.StartedAt, &lastEventAt, &exitCode)
	if err != nil {
		return nil, err
	}

	if lastEventAt.Valid {
		t := lastEventAt.Time
		status.LastEventAt = &t
	}
	if exitCode.Valid {
		c := int(exitCode.Int64)
		status.ExitCode = &c
	}
	return status, nil
}
