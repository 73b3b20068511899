package core

import (
	"context"
	"fmt"
	"sync"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"xraydeck/internal/core/types"
	pkgerrors "xraydeck/pkg/errors"
)

// Options tune the supervisor. Zero values fall back to defaults.
type Options struct {
	HealthTimeout time.Duration
	StopGrace     time.Duration
	ProbeInterval time.Duration
	Probe         HealthProbe
	Clock         clockwork.Clock
	Logger        *zap.Logger
}

const (
	DefaultHealthTimeout = 5 * time.Second
	DefaultStopGrace     = 5 * time.Second
	defaultProbeInterval = 200 * time.Millisecond
	killWait             = 2 * time.Second
)

// Supervisor owns at most one proxy process and tracks its lifecycle:
// stopped -> starting -> running -> stopped, with failed reachable from
// starting and running. Failed returns to stopped through Stop.
type Supervisor struct {
	launcher Launcher
	probe    HealthProbe
	opts     Options
	clock    clockwork.Clock
	logger   *zap.Logger

	mu        sync.Mutex
	state     types.State
	proc      Process
	exited    chan struct{}
	startedAt time.Time
	lastErr   error
	// gen identifies the current run. Stop and Start bump it so that
	// goroutines belonging to an older run leave the state alone.
	gen    uint64
	onExit func(types.ExitEvent)
}

// NewSupervisor creates a supervisor around launcher.
func NewSupervisor(launcher Launcher, opts Options) *Supervisor {
	if opts.HealthTimeout <= 0 {
		opts.HealthTimeout = DefaultHealthTimeout
	}
	if opts.StopGrace <= 0 {
		opts.StopGrace = DefaultStopGrace
	}
	if opts.ProbeInterval <= 0 {
		opts.ProbeInterval = defaultProbeInterval
	}
	if opts.Probe == nil {
		opts.Probe = SOCKSProbe(opts.ProbeInterval)
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Supervisor{
		launcher: launcher,
		probe:    opts.Probe,
		opts:     opts,
		clock:    opts.Clock,
		logger:   opts.Logger.Named("supervisor"),
		state:    types.StateStopped,
	}
}

// OnUnexpectedExit registers fn to be called, outside any lock, when a
// running process exits without Stop having been called.
func (s *Supervisor) OnUnexpectedExit(fn func(types.ExitEvent)) {
	s.mu.Lock()
	s.onExit = fn
	s.mu.Unlock()
}

// Start launches the proxy and blocks until it passes the health probe.
func (s *Supervisor) Start(ctx context.Context, cfg *types.CoreConfig) (*types.ProcessHandle, error) {
	if cfg == nil || cfg.Profile == nil {
		return nil, pkgerrors.ErrNoConfig
	}
	if !cfg.Profile.IsValid {
		return nil, pkgerrors.ErrInvalidConfig
	}

	s.mu.Lock()
	if s.state == types.StateStarting || s.state == types.StateRunning {
		s.mu.Unlock()
		return nil, pkgerrors.ErrAlreadyRunning
	}
	s.gen++
	gen := s.gen
	s.state = types.StateStarting
	s.lastErr = nil
	s.proc = nil
	s.mu.Unlock()

	proc, err := s.launcher.Launch(ctx, cfg)
	if err != nil {
		cerr := coreErr(fmt.Errorf("%w: %v", pkgerrors.ErrSpawnFailed, err))
		s.fail(gen, cerr)
		return nil, cerr
	}

	exited := make(chan struct{})
	s.mu.Lock()
	if s.gen != gen {
		// Stopped while launching.
		s.mu.Unlock()
		go proc.Wait()
		proc.Signal(syscall.SIGKILL)
		return nil, coreErr(fmt.Errorf("%w: stopped during startup", pkgerrors.ErrSpawnFailed))
	}
	s.proc = proc
	s.exited = exited
	s.startedAt = s.clock.Now()
	s.mu.Unlock()

	go s.watch(gen, proc, exited)

	s.logger.Info("proxy process started", zap.Int("pid", proc.PID()))

	if err := s.awaitHealthy(ctx, cfg, exited); err != nil {
		s.terminate(proc, exited)
		s.fail(gen, err)
		s.logger.Warn("proxy failed to become healthy", zap.Int("pid", proc.PID()), zap.Error(err))
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen != gen || s.state != types.StateStarting {
		if s.lastErr != nil {
			return nil, s.lastErr
		}
		return nil, coreErr(fmt.Errorf("%w: stopped during startup", pkgerrors.ErrSpawnFailed))
	}
	s.state = types.StateRunning
	s.logger.Info("proxy process healthy", zap.Int("pid", proc.PID()))
	return &types.ProcessHandle{PID: proc.PID(), StartedAt: s.startedAt}, nil
}

func (s *Supervisor) awaitHealthy(ctx context.Context, cfg *types.CoreConfig, exited <-chan struct{}) error {
	deadline := s.clock.NewTimer(s.opts.HealthTimeout)
	defer deadline.Stop()

	for {
		select {
		case <-exited:
			return coreErr(fmt.Errorf("%w: exited during startup", pkgerrors.ErrSpawnFailed))
		default:
		}

		pctx, cancel := context.WithTimeout(ctx, s.opts.ProbeInterval)
		err := s.probe(pctx, cfg)
		cancel()
		if err == nil {
			return nil
		}

		tick := s.clock.NewTimer(s.opts.ProbeInterval)
		select {
		case <-exited:
			tick.Stop()
			return coreErr(fmt.Errorf("%w: exited during startup", pkgerrors.ErrSpawnFailed))
		case <-deadline.Chan():
			tick.Stop()
			return coreErr(pkgerrors.ErrHealthCheckTimeout)
		case <-ctx.Done():
			tick.Stop()
			return ctx.Err()
		case <-tick.Chan():
		}
	}
}

// watch observes the exit of proc. It is the only place an unexpected exit
// is detected.
func (s *Supervisor) watch(gen uint64, proc Process, exited chan struct{}) {
	waitErr := proc.Wait()
	close(exited)

	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return
	}
	switch s.state {
	case types.StateRunning:
		cause := pkgerrors.ErrUnexpectedExit
		if waitErr != nil {
			cause = fmt.Errorf("%w: %v", pkgerrors.ErrUnexpectedExit, waitErr)
		}
		s.state = types.StateFailed
		s.lastErr = coreErr(cause)
		ev := types.ExitEvent{PID: proc.PID(), Err: s.lastErr, At: s.clock.Now()}
		handler := s.onExit
		s.mu.Unlock()

		s.logger.Error("proxy process exited unexpectedly", zap.Int("pid", ev.PID), zap.Error(waitErr))
		if handler != nil {
			handler(ev)
		}
		return
	case types.StateStarting:
		s.state = types.StateFailed
		s.lastErr = coreErr(fmt.Errorf("%w: exited during startup", pkgerrors.ErrSpawnFailed))
	}
	s.mu.Unlock()
}

func (s *Supervisor) fail(gen uint64, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen != gen {
		return
	}
	s.state = types.StateFailed
	s.lastErr = err
	s.proc = nil
}

// Stop terminates the process group: SIGTERM, then SIGKILL after the grace
// period. It always leaves the supervisor stopped.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.mu.Lock()
	s.gen++
	proc, exited := s.proc, s.exited
	prev := s.state
	s.state = types.StateStopped
	s.proc = nil
	s.lastErr = nil
	s.mu.Unlock()

	if prev == types.StateStopped || proc == nil {
		return nil
	}

	s.terminate(proc, exited)
	s.logger.Info("proxy process stopped", zap.Int("pid", proc.PID()), zap.String("from", string(prev)))
	return nil
}

func (s *Supervisor) terminate(proc Process, exited <-chan struct{}) {
	select {
	case <-exited:
		return
	default:
	}

	if err := proc.Signal(syscall.SIGTERM); err != nil {
		s.logger.Debug("SIGTERM failed", zap.Int("pid", proc.PID()), zap.Error(err))
	}
	grace := s.clock.NewTimer(s.opts.StopGrace)
	select {
	case <-exited:
		grace.Stop()
		return
	case <-grace.Chan():
	}

	s.logger.Warn("proxy ignored SIGTERM, killing", zap.Int("pid", proc.PID()))
	proc.Signal(syscall.SIGKILL)
	wait := s.clock.NewTimer(killWait)
	defer wait.Stop()
	select {
	case <-exited:
	case <-wait.Chan():
		s.logger.Error("proxy did not exit after SIGKILL", zap.Int("pid", proc.PID()))
	}
}

// Status returns a snapshot of the supervisor.
func (s *Supervisor) Status() types.Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := types.Status{
		State:     s.state,
		LastError: s.lastErr,
		CoreType:  string(types.CoreTypeXray),
	}
	if s.proc != nil && (s.state == types.StateRunning || s.state == types.StateStarting) {
		st.PID = s.proc.PID()
		st.StartedAt = s.startedAt
		if s.state == types.StateRunning {
			st.Uptime = s.clock.Since(s.startedAt)
		}
	}
	return st
}

func coreErr(err error) error {
	return &pkgerrors.CoreError{CoreType: string(types.CoreTypeXray), Err: err}
}
