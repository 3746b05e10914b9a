// Package events provides event subjects and utilities for the amiga event system.
package events

// Event types for tasks. Task-scoped subjects carry the task ID as the final
// token so dashboards can subscribe per task or via wildcard.
const (
	TaskCreated      = "task.created"
	TaskStateChanged = "task.state_changed"
	TaskActivity     = "task.activity"
)

// Event types for tool events. Published when a record is written (started)
// and again when it is finalized by a matching post hook.
const (
	ToolEventRecorded = "tool.recorded"
)

// Event types for metrics snapshots.
const (
	MetricsSnapshot = "metrics.snapshot"
)

// Event types for sessions.
const (
	SessionCleared = "session.cleared"
)

// BuildTaskSubject creates a task-scoped subject for a specific task.
func BuildTaskSubject(eventType, taskID string) string {
	return eventType + "." + taskID
}

// BuildTaskWildcardSubject creates a wildcard subscription for all tasks of an event type.
func BuildTaskWildcardSubject(eventType string) string {
	return eventType + ".*"
}

// BuildToolEventSubject creates a tool event subject for a specific task.
func BuildToolEventSubject(taskID string) string {
	return ToolEventRecorded + "." + taskID
}

// BuildToolEventWildcardSubject creates a wildcard subscription for all tool events.
func BuildToolEventWildcardSubject() string {
	return ToolEventRecorded + ".*"
}
