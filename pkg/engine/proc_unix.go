//go:build !windows

package engine

import (
	"os"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

// setProcessGroup puts the engine in its own group so helpers it spawns
// are signalled with it.
func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

func terminate(p *os.Process) error {
	return signalGroup(p.Pid, unix.SIGTERM)
}

func kill(p *os.Process) error {
	return signalGroup(p.Pid, unix.SIGKILL)
}

func signalGroup(pid int, sig syscall.Signal) error {
	if err := unix.Kill(-pid, sig); err != nil {
		return unix.Kill(pid, sig)
	}
	return nil
}
