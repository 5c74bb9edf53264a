//go:build linux

package platform

import (
	"context"
	"fmt"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

// linuxPlatform spawns game-host processes in their own process group so
// termination can be escalated SIGTERM-then-SIGKILL against the whole
// tree in one signal (mirrors how the agent kills the tool it launches).
type linuxPlatform struct{}

// New returns the Linux Platform implementation.
func New() Platform { return linuxPlatform{} }

func (linuxPlatform) Spawn(ctx context.Context, path string, opts SpawnOptions) (Process, error) {
	cmd := exec.CommandContext(ctx, path, opts.Args...)
	cmd.Dir = opts.Dir
	cmd.Env = opts.Env
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("spawning %s: %w", path, err)
	}

	pid := cmd.Process.Pid
	if opts.Priority != 0 {
		_ = syscall.Setpriority(syscall.PRIO_PROCESS, pid, opts.Priority)
	}
	if len(opts.Affinity) > 0 {
		setAffinity(pid, opts.Affinity)
	}

	return &linuxProcess{execProcess: execProcess{cmd: cmd}, pgid: pid}, nil
}

type linuxProcess struct {
	execProcess
	pgid int
}

// Signal sends SIGTERM to the whole process group, matching the agent's
// "negative PID kills all children too" pattern.
func (p *linuxProcess) Signal() error {
	if err := syscall.Kill(-p.pgid, syscall.SIGTERM); err != nil {
		return syscall.Kill(p.pgid, syscall.SIGTERM)
	}
	return nil
}

// Kill sends SIGKILL to the whole process group.
func (p *linuxProcess) Kill() error {
	if err := syscall.Kill(-p.pgid, syscall.SIGKILL); err != nil {
		return syscall.Kill(p.pgid, syscall.SIGKILL)
	}
	return nil
}

// Dump shells out to gcore if available; returns "" otherwise rather than
// failing the caller, since a missing dump tool is not itself an error
// condition worth propagating (§7: "if the OS supports it").
func (p *linuxProcess) Dump() string {
	gcore, err := exec.LookPath("gcore")
	if err != nil {
		return ""
	}
	out := fmt.Sprintf("/tmp/dcsfleet-core.%d", p.pgid)
	cmd := exec.Command(gcore, "-o", out, fmt.Sprint(p.pgid))
	if err := cmd.Run(); err != nil {
		return ""
	}
	return out + "." + fmt.Sprint(p.pgid)
}

func setAffinity(pid int, cpus []int) {
	var set unix.CPUSet
	set.Zero()
	for _, c := range cpus {
		set.Set(c)
	}
	_ = unix.SchedSetaffinity(pid, &set)
}
