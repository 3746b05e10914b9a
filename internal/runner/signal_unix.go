//go:build !windows

package runner

import "syscall"

// gracefulStop asks the agent's process group to exit. The child was started
// with Setpgid, so its pid doubles as the group id and -pid reaches every
// descendant that has not detached.
func gracefulStop(pid int) error {
	if err := syscall.Kill(-pid, syscall.SIGTERM); err != nil {
		// Group gone or never formed; try the process itself.
		return syscall.Kill(pid, syscall.SIGTERM)
	}
	return nil
}

// forceKill ends the process group immediately.
func forceKill(pid int) {
	if err := syscall.Kill(-pid, syscall.SIGKILL); err != nil {
		_ = syscall.Kill(pid, syscall.SIGKILL)
	}
}

// PidAlive reports whether the pid refers to a live process. Signal 0
// performs the existence check without delivering anything; EPERM still
// means the process exists.
func PidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, 0)
	return err == nil || err == syscall.EPERM
}
