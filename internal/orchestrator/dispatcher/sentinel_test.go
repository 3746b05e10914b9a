package dispatcher

import "testing"

func TestParseSentinel(t *testing.T) {
	tests := []struct {
		name        string
		text        string
		description string
		reply       string
		ok          bool
	}{
		{
			name:        "plain sentinel",
			text:        "BACKGROUND_TASK|fix the login bug|On it, running in the background.",
			description: "fix the login bug",
			reply:       "On it, running in the background.",
			ok:          true,
		},
		{
			name:        "sentinel after preamble line",
			text:        "Sure thing!\nBACKGROUND_TASK|refactor the queue|Started that for you.",
			description: "refactor the queue",
			reply:       "Started that for you.",
			ok:          true,
		},
		{
			name:        "sentinel inside code fence",
			text:        "```\nBACKGROUND_TASK|add retry logic|Kicked off a task.\n```",
			description: "add retry logic",
			reply:       "Kicked off a task.",
			ok:          true,
		},
		{
			name:        "fence glued to sentinel",
			text:        "```BACKGROUND_TASK|add retry logic|Kicked off a task.```",
			description: "add retry logic",
			reply:       "Kicked off a task.",
			ok:          true,
		},
		{
			name:        "leading whitespace",
			text:        "   BACKGROUND_TASK|tidy imports|Working on it.",
			description: "tidy imports",
			reply:       "Working on it.",
			ok:          true,
		},
		{
			name:        "reply keeps extra pipes",
			text:        "BACKGROUND_TASK|update docs|Done soon | promise",
			description: "update docs",
			reply:       "Done soon | promise",
			ok:          true,
		},
		{
			name:        "empty reply tolerated",
			text:        "BACKGROUND_TASK|investigate flaky CI|",
			description: "investigate flaky CI",
			reply:       "",
			ok:          true,
		},
		{
			name: "missing second pipe",
			text: "BACKGROUND_TASK|just a description",
		},
		{
			name: "empty description",
			text: "BACKGROUND_TASK||a reply with no task",
		},
		{
			name: "no sentinel",
			text: "The answer is 42.",
		},
		{
			name: "lowercase marker is not a sentinel",
			text: "background_task|sneaky|nope",
		},
		{
			name: "empty input",
			text: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			description, reply, ok := parseSentinel(tt.text)
			if ok != tt.ok {
				t.Fatalf("expected ok=%v, got %v", tt.ok, ok)
			}
			if description != tt.description {
				t.Errorf("expected description %q, got %q", tt.description, description)
			}
			if reply != tt.reply {
				t.Errorf("expected reply %q, got %q", tt.reply, reply)
			}
		})
	}
}
