package models

import "errors"

// Storage sentinel errors. Repository implementations wrap these with
// detail; callers match with errors.Is.
var (
	ErrTaskNotFound        = errors.New("task not found")
	ErrUserNotFound        = errors.New("user not found")
	ErrAgentStatusNotFound = errors.New("agent status not found")
	ErrNoMatchingToolStart = errors.New("no matching tool start")
	ErrInvalidTransition   = errors.New("invalid state transition")
)
