package v1

import "time"

// AgentState represents the run state of an agent subprocess
type AgentState string

const (
	AgentStateStarting AgentState = "starting"
	AgentStateRunning  AgentState = "running"
	AgentStateExited   AgentState = "exited"
	AgentStateDead     AgentState = "dead"
)

// AgentStatus is the supervision record for one agent subprocess
type AgentStatus struct {
	TaskID      string     `json:"task_id"`
	SessionUUID string     `json:"session_uuid"`
	AgentKind   string     `json:"agent_kind"`
	PID         int        `json:"pid"`
	State       AgentState `json:"state"`
	StartedAt   time.Time  `json:"started_at"`
	LastEventAt *time.Time `json:"last_event_at,omitempty"`
	ExitCode    *int       `json:"exit_code,omitempty"`
}
