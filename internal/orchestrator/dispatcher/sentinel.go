package dispatcher

import "strings"

// sentinelPrefix is the routing marker the small LM is instructed to emit
// when a request should become a background task.
const sentinelPrefix = "BACKGROUND_TASK|"

// parseSentinel extracts the task description and the immediate user reply
// from a routing response. The model wraps the sentinel in fences or blank
// lines often enough that the parser scans line by line after stripping
// decoration; any malformed form reports ok=false and the caller falls back
// to a direct answer.
func parseSentinel(text string) (description, reply string, ok bool) {
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		line = strings.TrimPrefix(line, "```")
		line = strings.TrimSuffix(line, "```")
		line = strings.TrimSpace(line)
		if line == "" || !strings.HasPrefix(line, sentinelPrefix) {
			continue
		}

		parts := strings.SplitN(line, "|", 3)
		if len(parts) != 3 {
			return "", "", false
		}
		description = strings.TrimSpace(parts[1])
		reply = strings.TrimSpace(parts[2])
		if description == "" {
			return "", "", false
		}
		return description, reply, true
	}
	return "", "", false
}
