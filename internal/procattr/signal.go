package procattr

import (
	"os"
	"syscall"
	"time"
)

// SignalGroup delivers sig to every process in p's group.
func SignalGroup(p *os.Process, sig syscall.Signal) error {
	if p == nil {
		return nil
	}
	return syscall.Kill(-p.Pid, sig)
}

// InterruptGroup sends SIGINT, the signal CLI agents treat as "stop the
// current turn and flush output".
func InterruptGroup(p *os.Process) error {
	return SignalGroup(p, syscall.SIGINT)
}

// KillGroup sends SIGKILL to the whole group.
func KillGroup(p *os.Process) error {
	return SignalGroup(p, syscall.SIGKILL)
}

// Terminate interrupts the group, waits up to grace for exited to close,
// then kills the group. It reports whether the kill was needed.
func Terminate(p *os.Process, grace time.Duration, exited <-chan struct{}) bool {
	if p == nil {
		return false
	}
	_ = InterruptGroup(p)
	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-exited:
		return false
	case <-timer.C:
	}
	_ = KillGroup(p)
	return true
}
