// Package core supervises the proxy subprocess.
package core

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os/exec"
	"strconv"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"xraydeck/internal/core/types"
)

// Launcher starts a proxy process for a config.
type Launcher interface {
	Launch(ctx context.Context, cfg *types.CoreConfig) (Process, error)
}

// Process is a started proxy subprocess.
type Process interface {
	PID() int
	// Wait blocks until the process exits. Safe to call from several
	// goroutines; all of them observe the same result.
	Wait() error
	// Signal delivers sig to the whole process group.
	Signal(sig syscall.Signal) error
}

// HealthProbe reports nil once the proxy accepts connections.
type HealthProbe func(ctx context.Context, cfg *types.CoreConfig) error

// SOCKSProbe dials the local SOCKS inbound of cfg.
func SOCKSProbe(dialTimeout time.Duration) HealthProbe {
	return func(ctx context.Context, cfg *types.CoreConfig) error {
		d := net.Dialer{Timeout: dialTimeout}
		conn, err := d.DialContext(ctx, "tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(cfg.SOCKSPort)))
		if err != nil {
			return err
		}
		return conn.Close()
	}
}

// GroupProcess is an exec.Cmd running as the leader of its own process group,
// so helpers it forks are signalled along with it.
type GroupProcess struct {
	cmd  *exec.Cmd
	done chan struct{}
	err  error
}

// StartGroup starts cmd in a new process group. closers are closed once the
// process has exited.
func StartGroup(cmd *exec.Cmd, closers ...io.Closer) (*GroupProcess, error) {
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.Setpgid = true

	if err := cmd.Start(); err != nil {
		for _, c := range closers {
			c.Close()
		}
		return nil, fmt.Errorf("failed to start %s: %w", cmd.Path, err)
	}

	p := &GroupProcess{cmd: cmd, done: make(chan struct{})}
	go func() {
		p.err = cmd.Wait()
		for _, c := range closers {
			c.Close()
		}
		close(p.done)
	}()
	return p, nil
}

// PID returns the process id, which is also the process group id.
func (p *GroupProcess) PID() int {
	return p.cmd.Process.Pid
}

// Wait implements Process.
func (p *GroupProcess) Wait() error {
	<-p.done
	return p.err
}

// Signal implements Process. A group that is already gone is not an error.
func (p *GroupProcess) Signal(sig syscall.Signal) error {
	err := unix.Kill(-p.PID(), sig)
	if errors.Is(err, unix.ESRCH) {
		return nil
	}
	return err
}
