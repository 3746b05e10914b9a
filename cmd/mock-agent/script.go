package main

import (
	"strconv"
	"strings"
	"time"
)

// Script is the parsed behavior for one run.
type Script struct {
	Description string        // prompt with directives stripped
	Events      int           // tool-event pairs to emit
	Sleep       time.Duration // pause after each pair
	Hang        time.Duration // trailing stall before exit (timeout tests)
	Commit      bool          // write and commit a file in the workspace
	Fail        bool          // exit non-zero after the script runs
}

// parseScript extracts mock: directives from the prompt. Everything that is
// not a directive stays in the description, so natural prompts like
// "fix the login bug mock:events=3" keep reading naturally in logs.
//
// Directives: mock:events=N, mock:sleep=DUR, mock:hang=DUR, mock:commit,
// mock:fail. Malformed values fall back to the defaults rather than aborting.
func parseScript(prompt string) Script {
	script := Script{
		Events: 2,
		Sleep:  10 * time.Millisecond,
	}

	var rest []string
	for _, field := range strings.Fields(prompt) {
		directive, ok := strings.CutPrefix(field, "mock:")
		if !ok {
			rest = append(rest, field)
			continue
		}
		key, value, _ := strings.Cut(directive, "=")
		switch key {
		case "events":
			if n, err := strconv.Atoi(value); err == nil && n >= 0 {
				script.Events = n
			}
		case "sleep":
			if d, err := time.ParseDuration(value); err == nil && d >= 0 {
				script.Sleep = d
			}
		case "hang":
			if d, err := time.ParseDuration(value); err == nil && d > 0 {
				script.Hang = d
			}
		case "commit":
			script.Commit = true
		case "fail":
			script.Fail = true
		}
	}
	script.Description = strings.Join(rest, " ")
	return script
}
