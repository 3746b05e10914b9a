//go:build linux

package runner

import "syscall"

// buildSysProcAttr puts the agent in its own process group so signals reach
// the whole tree, and asks the kernel to SIGTERM it if this process dies.
func buildSysProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{
		Setpgid:   true,
		Pdeathsig: syscall.SIGTERM,
	}
}
