// Package main implements a deterministic scripted agent for tests and
// demos. It honors the real agent contract: the prompt arrives as the single
// argument, the working directory is the task workspace, and the environment
// carries SESSION_ID, AGENT_KIND and the hook/control locations. Instead of
// calling a model it walks a fixed script, emitting tool events through the
// hook channel with fixed timing so assertions stay stable.
package main

import (
	"fmt"
	"os"
	"time"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "mock-agent: missing prompt argument")
		os.Exit(2)
	}

	script := parseScript(os.Args[1])
	env := envConfig{
		SessionID:   os.Getenv("SESSION_ID"),
		TaskID:      os.Getenv("AMIGA_TASK_ID"),
		SessionsDir: os.Getenv("AMIGA_SESSIONS_DIR"),
		ControlURL:  os.Getenv("AMIGA_CONTROL_URL"),
		HookBin:     os.Getenv("AMIGA_HOOK_BIN"),
	}

	if err := execute(script, env); err != nil {
		fmt.Fprintf(os.Stderr, "mock-agent: %v\n", err)
		os.Exit(1)
	}
	if script.Fail {
		fmt.Fprintln(os.Stderr, "mock-agent: scripted failure")
		os.Exit(1)
	}
}

// execute walks the script. Stdout becomes the task result on exit 0, so the
// closing line is the interesting one.
func execute(script Script, env envConfig) error {
	fmt.Printf("mock-agent processing: %s\n", script.Description)

	postActivity(env, "mock agent: starting")

	emitter := newEventEmitter(env)
	for i := 1; i <= script.Events; i++ {
		if err := emitter.emitPair(i); err != nil {
			fmt.Fprintf(os.Stderr, "mock-agent: tool event %d not recorded: %v\n", i, err)
		}
		fmt.Printf("tool step %d of %d\n", i, script.Events)
		time.Sleep(script.Sleep)
	}

	if script.Commit {
		if err := commitChange(); err != nil {
			return fmt.Errorf("commit failed: %w", err)
		}
		fmt.Println("committed mock change")
	}

	if script.Hang > 0 {
		fmt.Printf("hanging for %s\n", script.Hang)
		time.Sleep(script.Hang)
	}

	postActivity(env, "mock agent: finished")
	fmt.Printf("done: %s\n", script.Description)
	return nil
}

// envConfig is the slice of the agent environment the mock cares about.
// Every field is optional; missing pieces disable the matching behavior.
type envConfig struct {
	SessionID   string
	TaskID      string
	SessionsDir string
	ControlURL  string
	HookBin     string
}
