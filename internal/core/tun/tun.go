// Package tun routes system traffic through the local SOCKS inbound with a
// TUN device owned by a helper daemon process.
package tun

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"xraydeck/internal/core"
	pkgerrors "xraydeck/pkg/errors"
)

// Options configure a Controller. Zero values fall back to defaults.
type Options struct {
	// Command starts the daemon; flags are appended. Defaults to the
	// running executable with the hidden "tund" subcommand.
	Command       []string
	StateDir      string
	DeviceName    string
	MTU           int
	Metric        int
	AttachTimeout time.Duration
	Runner        Runner
	Probe         func() PrivilegeResult
}

// AttachOptions describe one attach.
type AttachOptions struct {
	SOCKSPort int
	Bypass    []string
}

// Handle describes an attached TUN.
type Handle struct {
	Interface  string
	PID        int
	AttachedAt time.Time
}

// Controller starts and stops the TUN daemon and reports its state.
type Controller struct {
	opts      Options
	stateFile string
	logFile   string
	runner    Runner
	logger    *zap.Logger

	mu     sync.Mutex
	proc   core.Process
	exited chan struct{}
	handle *Handle
}

// NewController creates a controller keeping daemon files in opts.StateDir.
func NewController(opts Options, logger *zap.Logger) (*Controller, error) {
	if len(opts.Command) == 0 {
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("failed to locate executable: %w", err)
		}
		opts.Command = []string{exe, "tund"}
	}
	if opts.DeviceName == "" {
		opts.DeviceName = DefaultDevice
	}
	if opts.MTU <= 0 {
		opts.MTU = DefaultMTU
	}
	if opts.Metric <= 0 {
		opts.Metric = DefaultMetric
	}
	if opts.AttachTimeout <= 0 {
		opts.AttachTimeout = defaultAttachTimeout
	}
	if opts.Runner == nil {
		opts.Runner = ExecRunner{}
	}
	if opts.Probe == nil {
		opts.Probe = ProbePrivileges
	}
	if err := os.MkdirAll(opts.StateDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create TUN state dir: %w", err)
	}
	return &Controller{
		opts:      opts,
		stateFile: filepath.Join(opts.StateDir, "tun.state"),
		logFile:   filepath.Join(opts.StateDir, "tund.log"),
		runner:    opts.Runner,
		logger:    logger.Named("tun"),
	}, nil
}

// Device returns the TUN interface name.
func (c *Controller) Device() string { return c.opts.DeviceName }

// ProbePrivileges runs the privilege probe.
func (c *Controller) ProbePrivileges() PrivilegeResult { return c.opts.Probe() }

// DefaultRoute returns the physical default route. It is called before
// attaching so xray can bind its outbound to the physical interface.
func (c *Controller) DefaultRoute(ctx context.Context) (DefaultRoute, error) {
	return NewRoutes(c.runner).DetectDefault(ctx, c.opts.DeviceName)
}

// Attach starts the daemon and waits until it reports the TUN ready.
// Attaching while attached returns the current handle.
func (c *Controller) Attach(ctx context.Context, ao AttachOptions) (*Handle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.handle != nil {
		return c.handle, nil
	}
	if p := c.opts.Probe(); !p.HasPrivileges {
		return nil, fmt.Errorf("%w: %s", pkgerrors.ErrPrivilegesRequired, p.Reason)
	}

	// A state file here belongs to a daemon that died without cleaning up.
	CleanupIfNeeded(ctx, c.stateFile, c.runner, c.logger)
	os.Remove(c.stateFile)

	args := append([]string{}, c.opts.Command[1:]...)
	args = append(args,
		"--socks-port", strconv.Itoa(ao.SOCKSPort),
		"--device", c.opts.DeviceName,
		"--mtu", strconv.Itoa(c.opts.MTU),
		"--metric", strconv.Itoa(c.opts.Metric),
		"--state-file", c.stateFile,
	)
	for _, b := range ao.Bypass {
		args = append(args, "--bypass", b)
	}

	out, err := os.OpenFile(c.logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open tund log: %w", err)
	}
	cmd := exec.Command(c.opts.Command[0], args...)
	cmd.Stdout = out
	cmd.Stderr = out

	proc, err := core.StartGroup(cmd, out)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", pkgerrors.ErrInterfaceCreateFailed, err)
	}
	exited := make(chan struct{})
	go func() {
		proc.Wait()
		close(exited)
	}()

	if err := c.awaitReady(ctx, exited); err != nil {
		c.stop(proc, exited)
		CleanupIfNeeded(context.Background(), c.stateFile, c.runner, c.logger)
		c.logger.Error("TUN attach failed", zap.Error(err), zap.String("log", c.logFile))
		return nil, err
	}

	c.proc = proc
	c.exited = exited
	c.handle = &Handle{Interface: c.opts.DeviceName, PID: proc.PID(), AttachedAt: time.Now()}
	go c.watch(proc, exited)

	c.logger.Info("TUN attached", zap.String("device", c.opts.DeviceName), zap.Int("pid", proc.PID()))
	return c.handle, nil
}

func (c *Controller) awaitReady(ctx context.Context, exited <-chan struct{}) error {
	deadline := time.NewTimer(c.opts.AttachTimeout)
	defer deadline.Stop()
	tick := time.NewTicker(100 * time.Millisecond)
	defer tick.Stop()

	for {
		if _, err := os.Stat(c.stateFile); err == nil {
			return nil
		}
		select {
		case <-exited:
			return fmt.Errorf("%w: daemon exited during setup", pkgerrors.ErrInterfaceCreateFailed)
		case <-deadline.C:
			return fmt.Errorf("%w: not ready after %s", pkgerrors.ErrInterfaceCreateFailed, c.opts.AttachTimeout)
		case <-ctx.Done():
			return ctx.Err()
		case <-tick.C:
		}
	}
}

func (c *Controller) watch(proc core.Process, exited <-chan struct{}) {
	<-exited
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.proc != proc {
		return
	}
	c.logger.Warn("TUN daemon exited on its own", zap.Int("pid", proc.PID()))
	c.proc, c.exited, c.handle = nil, nil, nil
	CleanupIfNeeded(context.Background(), c.stateFile, c.runner, c.logger)
}

// Detach terminates the daemon, which restores routes, and cleans up any
// state it left behind. Detaching when not attached is not an error.
func (c *Controller) Detach(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.proc != nil {
		c.stop(c.proc, c.exited)
		c.logger.Info("TUN detached", zap.String("device", c.opts.DeviceName))
	} else if st, err := readState(c.stateFile); err == nil && st.PID > 0 && processAlive(st.PID) {
		// Daemon started by a previous backend.
		syscall.Kill(st.PID, syscall.SIGTERM)
		waitGone(st.PID, detachGrace)
	}
	c.proc, c.exited, c.handle = nil, nil, nil

	CleanupIfNeeded(ctx, c.stateFile, c.runner, c.logger)
	return nil
}

func (c *Controller) stop(proc core.Process, exited <-chan struct{}) {
	proc.Signal(syscall.SIGTERM)
	select {
	case <-exited:
		return
	case <-time.After(detachGrace):
	}
	c.logger.Warn("TUN daemon ignored SIGTERM, killing", zap.Int("pid", proc.PID()))
	proc.Signal(syscall.SIGKILL)
	<-exited
}

// Active reports whether a daemon is attached.
func (c *Controller) Active() (*Handle, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.handle == nil {
		return nil, false
	}
	h := *c.handle
	return &h, true
}

func waitGone(pid int, timeout time.Duration) {
	deadline := time.Now().Add(timeout)
	for processAlive(pid) && time.Now().Before(deadline) {
		time.Sleep(100 * time.Millisecond)
	}
	if processAlive(pid) {
		syscall.Kill(pid, syscall.SIGKILL)
	}
}
