package main

import (
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"
)

var activityClient = &http.Client{Timeout: 5 * time.Second}

// postActivity sends a plain-text progress line to the control endpoint.
// Best-effort: an unreachable server is reported and ignored, the same way a
// real agent treats its side channels.
func postActivity(env envConfig, message string) {
	if env.ControlURL == "" || env.TaskID == "" {
		return
	}
	url := fmt.Sprintf("%s/tasks/%s/activity", strings.TrimRight(env.ControlURL, "/"), env.TaskID)
	resp, err := activityClient.Post(url, "text/plain", strings.NewReader(message))
	if err != nil {
		fmt.Fprintf(os.Stderr, "mock-agent: activity post failed: %v\n", err)
		return
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 300 {
		fmt.Fprintf(os.Stderr, "mock-agent: activity post returned %s\n", resp.Status)
	}
}
