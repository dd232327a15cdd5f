//go:build !windows

package cli

import "syscall"

// detachAttr detaches the child into its own session so it survives
// the parent and never receives the parent's terminal signals.
func detachAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Setsid: true}
}
