package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/mjfuentes/amiga-sub003/internal/common/tracing"
	"github.com/mjfuentes/amiga-sub003/internal/task/models"
	v1 "github.com/mjfuentes/amiga-sub003/pkg/api/v1"
)

const taskColumns = `id, user_id, session_uuid, prompt, description, state, priority, submit_seq, agent_kind, branch, workspace, pid, result, error, error_kind, metadata, created_at, updated_at, started_at, completed_at`

// CreateTask inserts a new task row.
func (r *Repository) CreateTask(ctx context.Context, task *models.Task) error {
	now := time.Now().UTC()
	if task.CreatedAt.IsZero() {
		task.CreatedAt = now
	}
	task.UpdatedAt = now

	metadata, err := json.Marshal(task.Metadata)
	if err != nil {
		metadata = []byte("{}")
	}

	_, err = r.execRetry(ctx, r.db.Rebind(`
		INSERT INTO tasks (`+taskColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), task.ID, task.UserID, task.SessionUUID, task.Prompt, task.Description, task.State,
		task.Priority, task.SubmitSeq, task.AgentKind, task.Branch, task.Workspace, task.PID,
		task.Result, task.Error, task.ErrorKind, string(metadata),
		task.CreatedAt, task.UpdatedAt, task.StartedAt, task.CompletedAt)
	return err
}

// GetTask retrieves a task by its short ID.
func (r *Repository) GetTask(ctx context.Context, id string) (*models.Task, error) {
	row := r.ro.QueryRowContext(ctx, r.ro.Rebind(`
		SELECT `+taskColumns+` FROM tasks WHERE id = ?
	`), id)
	task, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", models.ErrTaskNotFound, id)
	}
	return task, err
}

// GetTaskBySession retrieves a task by its full session UUID.
func (r *Repository) GetTaskBySession(ctx context.Context, sessionUUID string) (*models.Task, error) {
	row := r.ro.QueryRowContext(ctx, r.ro.Rebind(`
		SELECT `+taskColumns+` FROM tasks WHERE session_uuid = ?
	`), sessionUUID)
	task, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: session %s", models.ErrTaskNotFound, sessionUUID)
	}
	return task, err
}

// UpdateTask rewrites the mutable fields of an existing task.
func (r *Repository) UpdateTask(ctx context.Context, task *models.Task) error {
	task.UpdatedAt = time.Now().UTC()

	metadata, err := json.Marshal(task.Metadata)
	if err != nil {
		metadata = []byte("{}")
	}

	result, err := r.execRetry(ctx, r.db.Rebind(`
		UPDATE tasks SET description = ?, state = ?, priority = ?, submit_seq = ?, agent_kind = ?,
			branch = ?, workspace = ?, pid = ?, result = ?, error = ?, error_kind = ?,
			metadata = ?, updated_at = ?, started_at = ?, completed_at = ?
		WHERE id = ?
	`), task.Description, task.State, task.Priority, task.SubmitSeq, task.AgentKind,
		task.Branch, task.Workspace, task.PID, task.Result, task.Error, task.ErrorKind,
		string(metadata), task.UpdatedAt, task.StartedAt, task.CompletedAt, task.ID)
	if err != nil {
		return err
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("%w: %s", models.ErrTaskNotFound, task.ID)
	}
	return nil
}

// MarkTaskRunning transitions pending -> running, recording the live
// subprocess pid and the allocated working copy.
func (r *Repository) MarkTaskRunning(ctx context.Context, id string, pid int, branch, workspace string) error {
	now := time.Now().UTC()
	result, err := r.execRetry(ctx, r.db.Rebind(`
		UPDATE tasks SET state = ?, pid = ?, branch = ?, workspace = ?, started_at = ?, updated_at = ?
		WHERE id = ? AND state = ?
	`), v1.TaskStateRunning, pid, branch, workspace, now, now, id, v1.TaskStatePending)
	if err != nil {
		return err
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return r.transitionFailure(ctx, id, v1.TaskStateRunning)
	}
	return nil
}

// FinishTask transitions an active task to a terminal state. The pid is
// cleared in the same write so a terminal row never references a process.
func (r *Repository) FinishTask(ctx context.Context, id string, state v1.TaskState, taskResult, errMsg, errKind *string) error {
	if !state.Terminal() {
		return fmt.Errorf("%w: %s is not terminal", models.ErrInvalidTransition, state)
	}
	now := time.Now().UTC()
	result, err := r.execRetry(ctx, r.db.Rebind(`
		UPDATE tasks SET state = ?, result = ?, error = ?, error_kind = ?, pid = NULL, completed_at = ?, updated_at = ?
		WHERE id = ? AND state IN (?, ?)
	`), state, taskResult, errMsg, errKind, now, now, id, v1.TaskStatePending, v1.TaskStateRunning)
	if err != nil {
		return err
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return r.transitionFailure(ctx, id, state)
	}
	return nil
}

// transitionFailure distinguishes a missing task from a guarded transition
// that lost its precondition.
func (r *Repository) transitionFailure(ctx context.Context, id string, to v1.TaskState) error {
	var state v1.TaskState
	err := r.ro.QueryRowContext(ctx, r.ro.Rebind(`SELECT state FROM tasks WHERE id = ?`), id).Scan(&state)
	if err == sql.ErrNoRows {
		return fmt.Errorf("%w: %s", models.ErrTaskNotFound, id)
	}
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: %s cannot move from %s to %s", models.ErrInvalidTransition, id, state, to)
}

// ListTasks returns tasks matching the options, newest first.
func (r *Repository) ListTasks(ctx context.Context, opts models.ListTasksOptions) ([]*models.Task, error) {
	ctx, span := tracing.Tracer("amiga-db").Start(ctx, "db.ListTasks")
	defer span.End()

	query := `SELECT ` + taskColumns + ` FROM tasks`
	var conds []string
	var args []interface{}

	if opts.UserID != "" {
		conds = append(conds, "user_id = ?")
		args = append(args, opts.UserID)
	}
	if len(opts.States) > 0 {
		placeholders := make([]string, len(opts.States))
		for i, s := range opts.States {
			placeholders[i] = "?"
			args = append(args, s)
		}
		conds = append(conds, "state IN ("+strings.Join(placeholders, ", ")+")")
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if opts.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, opts.Limit)
	}

	rows, err := r.ro.QueryContext(ctx, r.ro.Rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanTasks(rows)
}

// CountActiveTasksByUser counts a user's pending and running tasks.
func (r *Repository) CountActiveTasksByUser(ctx context.Context, userID string) (int, error) {
	var count int
	err := r.ro.QueryRowContext(ctx, r.ro.Rebind(`
		SELECT COUNT(*) FROM tasks WHERE user_id = ? AND state IN (?, ?)
	`), userID, v1.TaskStatePending, v1.TaskStateRunning).Scan(&count)
	if err != nil {
		return 0, err
	}
	return count, nil
}

// CountTasksByState counts tasks grouped by lifecycle state.
func (r *Repository) CountTasksByState(ctx context.Context) (map[v1.TaskState]int, error) {
	rows, err := r.ro.QueryContext(ctx, `SELECT state, COUNT(*) FROM tasks GROUP BY state`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	counts := make(map[v1.TaskState]int)
	for rows.Next() {
		var state v1.TaskState
		var count int
		if err := rows.Scan(&state, &count); err != nil {
			return nil, err
		}
		counts[state] = count
	}
	return counts, rows.Err()
}

// MaxSubmitSeq returns the highest submission sequence persisted, so the
// scheduler's counter survives restarts.
func (r *Repository) MaxSubmitSeq(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	err := r.ro.QueryRowContext(ctx, `SELECT MAX(submit_seq) FROM tasks`).Scan(&seq)
	if err != nil {
		return 0, err
	}
	return seq.Int64, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTask(row rowScanner) (*models.Task, error) {
	task := &models.Task{}
	var metadata string
	var branch, workspace, result, errMsg, errKind sql.NullString
	var pid sql.NullInt64
	var startedAt, completedAt sql.NullTime

	err := row.Scan(&task.ID, &task.UserID, &task.SessionUUID, &task.Prompt, &task.Description,
		&task.State, &task.Priority, &task.SubmitSeq, &task.AgentKind,
		&branch, &workspace, &pid, &result, &errMsg, &errKind, &metadata,
		&task.CreatedAt, &task.UpdatedAt, &startedAt, &completedAt)
	if err != nil {
		return nil, err
	}

	if branch.Valid {
		task.Branch = &branch.String
	}
	if workspace.Valid {
		task.Workspace = &workspace.String
	}
	if pid.Valid {
		p := int(pid.Int64)
		task.PID = &p
	}
	if result.Valid {
		task.Result = &result.String
	}
	if errMsg.Valid {
		task.Error = &errMsg.String
	}
	if errKind.Valid {
		task.ErrorKind = &errKind.String
	}
	if startedAt.Valid {
		t := startedAt.Time
		task.StartedAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time
		task.CompletedAt = &t
	}
	_ = json.Unmarshal([]byte(metadata), &task.Metadata)
	return task, nil
}

func scanTasks(rows *sql.Rows) ([]*models.Task, error) {
	var result []*models.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, task)
	}
	return result, rows.Err()
}
