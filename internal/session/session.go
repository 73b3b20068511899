// Package session is the single owner of connection state. It serializes
// mutations, derives the status the UI sees, and reacts to the proxy dying.
package session

import (
	"context"
	"net/netip"
	"strconv"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"xraydeck/internal/config"
	"xraydeck/internal/core/killswitch"
	"xraydeck/internal/core/tun"
	"xraydeck/internal/core/types"
	"xraydeck/internal/latency"
	"xraydeck/internal/storage"
	pkgerrors "xraydeck/pkg/errors"
)

// Supervisor runs the proxy process.
type Supervisor interface {
	Start(ctx context.Context, cfg *types.CoreConfig) (*types.ProcessHandle, error)
	Stop(ctx context.Context) error
	Status() types.Status
	OnUnexpectedExit(fn func(types.ExitEvent))
}

// Router attaches and detaches system-wide routing through the TUN device.
type Router interface {
	Attach(ctx context.Context, ao tun.AttachOptions) (*tun.Handle, error)
	Detach(ctx context.Context) error
	Active() (*tun.Handle, bool)
	ProbePrivileges() tun.PrivilegeResult
	DefaultRoute(ctx context.Context) (tun.DefaultRoute, error)
	Device() string
}

// KillSwitch manages the fail-closed firewall chain.
type KillSwitch interface {
	Arm(ctx context.Context, p killswitch.Policy) error
	Disarm(ctx context.Context) error
	Reconcile(ctx context.Context) (killswitch.State, error)
	SetEnabled(ctx context.Context, enabled bool) error
	State(ctx context.Context) (killswitch.State, error)
}

// SystemProxy points desktop applications at the local inbounds.
type SystemProxy interface {
	Enable(ctx context.Context, socksPort, httpPort int) error
	Disable(ctx context.Context) error
	Active() (active bool, socksPort, httpPort int)
}

// StatsSource reports proxy traffic counters.
type StatsSource interface {
	Query(ctx context.Context) (*types.Stats, error)
	Reset()
}

// Resolver resolves the proxy server name. *net.Resolver satisfies it.
type Resolver interface {
	LookupNetIP(ctx context.Context, network, host string) ([]netip.Addr, error)
}

// Config holds connection parameters.
type Config struct {
	SOCKSPort        int
	HTTPPort         int
	StatsPort        int
	LogLevel         string
	AllowLAN         bool
	AllowCIDRs       []netip.Prefix
	PrivilegeRecheck time.Duration
	ResolveTimeout   time.Duration
}

// Deps are the components a Session coordinates. Stats, Latency and
// Reaper are optional.
type Deps struct {
	Storage     storage.Storage
	Configs     *config.Store
	Supervisor  Supervisor
	Router      Router
	KillSwitch  KillSwitch
	SystemProxy SystemProxy
	Latency     *latency.Tester
	Stats       StatsSource
	Resolver    Resolver
	// Reaper kills a proxy left running by a previous backend.
	Reaper func(pid int) bool
	Clock  clockwork.Clock
	Logger *zap.Logger
}

// Session owns the derived connection state.
type Session struct {
	Deps
	cfg    Config
	clock  clockwork.Clock
	logger *zap.Logger
	events *Broadcaster

	// gate admits one mutation at a time; losers get ErrBusy.
	gate *semaphore.Weighted

	mu         sync.RWMutex
	connectErr  error
	endpoints   []netip.AddrPort
	dhcpServers []netip.Addr
	ksState     killswitch.State
	tunMode     bool
	// runPID is the proxy started by the latest connect, zero while a
	// connect is in flight or after teardown.
	runPID int
}

// New creates a session. Call Start before serving requests.
func New(cfg Config, deps Deps) *Session {
	if cfg.SOCKSPort <= 0 {
		cfg.SOCKSPort = 10808
	}
	if cfg.HTTPPort <= 0 {
		cfg.HTTPPort = 10809
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "warning"
	}
	if cfg.PrivilegeRecheck <= 0 {
		cfg.PrivilegeRecheck = time.Hour
	}
	if cfg.ResolveTimeout <= 0 {
		cfg.ResolveTimeout = 5 * time.Second
	}
	if deps.Clock == nil {
		deps.Clock = clockwork.NewRealClock()
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	s := &Session{
		Deps:   deps,
		cfg:    cfg,
		clock:  deps.Clock,
		logger: deps.Logger.Named("session"),
		events: NewBroadcaster(),
		gate:   semaphore.NewWeighted(1),
	}
	s.Supervisor.OnUnexpectedExit(s.handleUnexpectedExit)
	return s
}

// Events returns the broadcaster carrying state-change notifications.
func (s *Session) Events() *Broadcaster { return s.events }

// Start reconciles OS state left behind by a previous backend: it reaps an
// orphaned proxy, tears down its TUN routes and desktop proxy settings, and
// aligns the kill switch flag with the firewall. Armed rules are kept.
func (s *Session) Start(ctx context.Context) error {
	conn, err := s.Storage.GetActiveConnection(ctx)
	if err != nil {
		s.logger.Warn("failed to read previous connection", zap.Error(err))
	}
	if conn != nil {
		if s.Reaper != nil && s.Reaper(conn.PID) {
			s.logger.Warn("killed proxy left by previous run", zap.Int("pid", conn.PID))
		}
		if storage.GetBool(ctx, s.Storage, storage.SettingSystemProxyEnabled, false) && s.SystemProxy != nil {
			if err := s.SystemProxy.Disable(ctx); err != nil {
				s.logger.Warn("failed to clear stale system proxy", zap.Error(err))
			}
		}
		if err := s.Storage.ClearActiveConnection(ctx); err != nil {
			s.logger.Warn("failed to clear previous connection", zap.Error(err))
		}
	}

	if err := s.Router.Detach(ctx); err != nil {
		s.logger.Warn("failed to clean up TUN state", zap.Error(err))
	}

	st, err := s.KillSwitch.Reconcile(ctx)
	s.mu.Lock()
	s.ksState = st
	s.mu.Unlock()
	if err != nil {
		s.logger.Error("failed to reconcile kill switch", zap.Error(err))
		return err
	}
	if st.Active {
		s.logger.Warn("kill switch is active, traffic stays blocked until deactivated")
	}
	return nil
}

// Shutdown stops the connection as a user stop would. Kill switch rules are
// left in place.
func (s *Session) Shutdown(ctx context.Context) error {
	if err := s.gate.Acquire(ctx, 1); err != nil {
		return err
	}
	defer s.gate.Release(1)

	s.teardown(ctx)
	return s.Storage.ClearActiveConnection(ctx)
}

func (s *Session) tryLock() error {
	if !s.gate.TryAcquire(1) {
		return pkgerrors.ErrBusy
	}
	return nil
}

func (s *Session) unlock() { s.gate.Release(1) }

// privileges returns the cached probe result, probing again when the cache
// is older than the recheck interval or force is set.
func (s *Session) privileges(ctx context.Context, force bool) bool {
	if !force {
		raw, err := s.Storage.GetSetting(ctx, storage.SettingTunPrivilegesCheckedAt)
		if err == nil {
			if sec, perr := strconv.ParseInt(raw, 10, 64); perr == nil &&
				s.clock.Since(time.Unix(sec, 0)) < s.cfg.PrivilegeRecheck {
				return storage.GetBool(ctx, s.Storage, storage.SettingTunPrivileges, false)
			}
		}
	}
	return s.probePrivileges(ctx).HasPrivileges
}

func (s *Session) probePrivileges(ctx context.Context) tun.PrivilegeResult {
	res := s.Router.ProbePrivileges()
	if err := storage.SetBool(ctx, s.Storage, storage.SettingTunPrivileges, res.HasPrivileges); err != nil {
		s.logger.Warn("failed to cache privilege probe", zap.Error(err))
	}
	now := strconv.FormatInt(s.clock.Now().Unix(), 10)
	if err := s.Storage.SetSetting(ctx, storage.SettingTunPrivilegesCheckedAt, now); err != nil {
		s.logger.Warn("failed to cache privilege probe", zap.Error(err))
	}
	return res
}

// RecheckPrivileges refreshes the cached privilege probe. It is run
// periodically by the scheduler.
func (s *Session) RecheckPrivileges(ctx context.Context) {
	res := s.probePrivileges(ctx)
	s.logger.Debug("privileges rechecked", zap.Bool("has_privileges", res.HasPrivileges), zap.String("reason", res.Reason))
}
