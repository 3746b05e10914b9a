package main

import (
	"fmt"
	"os"
	"os/exec"
)

// commitChange writes a marker file in the workspace and commits it, giving
// the merge path real content to fold back into the base branch. The
// identity flags keep the commit working in workspaces with no git config.
func commitChange() error {
	if err := os.WriteFile("mock-agent.txt", []byte("changed by mock agent\n"), 0o644); err != nil {
		return err
	}
	for _, args := range [][]string{
		{"git", "add", "mock-agent.txt"},
		{"git", "-c", "user.name=mock-agent", "-c", "user.email=mock-agent@localhost",
			"commit", "-m", "mock agent change"},
	} {
		cmd := exec.Command(args[0], args[1:]...)
		cmd.Stderr = os.Stderr
		if err := cmd.Run(); err != nil {
			return fmt.Errorf("%s: %w", args[1], err)
		}
	}
	return nil
}
