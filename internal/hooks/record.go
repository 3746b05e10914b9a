// Package hooks ingests the JSON-lines streams the agent hook scripts append
// under sessions/{sessionUuid}/ and turns them into durable tool events.
package hooks

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/mjfuentes/amiga-sub003/internal/task/models"
)

// Record is one line of a hook stream. Pre hooks carry parameters; post hooks
// carry the output fields. Unknown keys are ignored so hook script upgrades
// do not break ingestion.
type Record struct {
	Timestamp      time.Time              `json:"timestamp"`
	Tool           string                 `json:"tool"`
	SessionUUID    string                 `json:"sessionUuid"`
	Parameters     map[string]interface{} `json:"parameters,omitempty"`
	Output         string                 `json:"output,omitempty"`
	OutputLength   *int                   `json:"outputLength,omitempty"`
	HasError       bool                   `json:"hasError,omitempty"`
	DurationMillis *float64               `json:"durationMillis,omitempty"`
	TokenUsage     *models.TokenUsage     `json:"tokenUsage,omitempty"`
}

// ParseRecord decodes a single JSONL line. Records without a tool name are
// rejected; a missing timestamp defaults to now so a buggy hook script still
// produces an ordered stream.
func ParseRecord(line []byte) (*Record, error) {
	var rec Record
	if err := json.Unmarshal(line, &rec); err != nil {
		return nil, fmt.Errorf("malformed hook record: %w", err)
	}
	if rec.Tool == "" {
		return nil, fmt.Errorf("hook record missing tool name")
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	} else {
		rec.Timestamp = rec.Timestamp.UTC()
	}
	return &rec, nil
}

// Fingerprint identifies a tool invocation for display de-duplication.
// encoding/json sorts map keys, so identical parameter sets produce identical
// strings regardless of insertion order.
func (r *Record) Fingerprint() string {
	params, err := json.Marshal(r.Parameters)
	if err != nil {
		params = []byte("{}")
	}
	return r.Tool + "\x00" + string(params)
}

// stringParam returns a string-typed parameter, or "" when absent or not a
// string.
func stringParam(params map[string]interface{}, key string) string {
	if params == nil {
		return ""
	}
	if v, ok := params[key].(string); ok {
		return v
	}
	return ""
}

// Detail returns the short human-readable argument for the tool: the command
// for Bash, the pattern for Grep and Glob, nothing for the rest.
func (r *Record) Detail() string {
	switch r.Tool {
	case "Bash":
		return stringParam(r.Parameters, "command")
	case "Grep", "Glob":
		return stringParam(r.Parameters, "pattern")
	}
	return ""
}
