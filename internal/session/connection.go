package session

import (
	"context"
	"net/netip"
	"time"

	"go.uber.org/zap"

	"xraydeck/internal/core/killswitch"
	"xraydeck/internal/core/tun"
	"xraydeck/internal/core/types"
	"xraydeck/internal/storage"
	"xraydeck/internal/storage/models"
	pkgerrors "xraydeck/pkg/errors"
)

// Status derives the connection state. An active kill switch overrides the
// supervisor state.
func (s *Session) Status() ConnectionStatus {
	s.mu.RLock()
	ksActive := s.ksState.Active
	connectErr := s.connectErr
	s.mu.RUnlock()

	sup := s.Supervisor.Status()
	var st ConnectionStatus

	switch sup.State {
	case types.StateStarting:
		st.Status = StatusConnecting
	case types.StateRunning:
		st.Status = StatusConnected
		at := sup.StartedAt.Unix()
		up := int64(sup.Uptime / time.Second)
		st.ConnectedAt, st.Uptime, st.ProcessID = &at, &up, sup.PID
	case types.StateFailed:
		st.Status = StatusError
		st.ErrorMessage, st.ErrorCode = pkgerrors.Message(sup.LastError), pkgerrors.Code(sup.LastError)
	default:
		st.Status = StatusDisconnected
		if connectErr != nil {
			st.Status = StatusError
			st.ErrorMessage, st.ErrorCode = pkgerrors.Message(connectErr), pkgerrors.Code(connectErr)
		}
	}

	if ksActive {
		st.Status = StatusBlocked
		if st.ErrorMessage == "" {
			st.ErrorMessage = "Kill switch is blocking traffic."
		}
	}
	return st
}

// inUse reports whether the stored config backs the current state.
func (s *Session) inUse() bool {
	switch s.Status().Status {
	case StatusConnecting, StatusConnected, StatusBlocked:
		return true
	}
	return false
}

// ToggleConnection connects or disconnects.
func (s *Session) ToggleConnection(ctx context.Context, enable bool) ToggleConnectionResult {
	if err := s.tryLock(); err != nil {
		return ToggleConnectionResult{Status: s.Status().Status, Failure: failure(err)}
	}
	defer s.unlock()

	var err error
	if enable {
		err = s.connect(ctx)
	} else {
		s.disconnect(ctx)
	}
	s.events.Notify(EventConnectionChanged)

	st := s.Status()
	res := ToggleConnectionResult{Success: err == nil, Status: st.Status, ProcessID: st.ProcessID}
	if err != nil {
		res.Failure = failure(err)
	}
	return res
}

func (s *Session) connect(ctx context.Context) error {
	switch s.Supervisor.Status().State {
	case types.StateRunning:
		return nil
	case types.StateFailed:
		// Leftovers from the failed run are cleaned before starting over.
		s.teardown(ctx)
	}

	s.setConnectErr(nil)
	profile, err := s.Configs.Current(ctx)
	if err != nil {
		return s.connectFailed(err)
	}
	if profile == nil {
		return s.connectFailed(pkgerrors.ErrNoConfig)
	}
	if !profile.IsValid {
		return s.connectFailed(pkgerrors.ErrInvalidConfig)
	}

	tunMode := storage.GetBool(ctx, s.Storage, storage.SettingTunEnabled, false)
	if tunMode && !s.privileges(ctx, false) && !s.privileges(ctx, true) {
		return s.connectFailed(pkgerrors.ErrPrivilegesRequired)
	}

	addrs := s.resolve(ctx, profile)
	endpoints := make([]netip.AddrPort, 0, len(addrs))
	for _, a := range addrs {
		endpoints = append(endpoints, netip.AddrPortFrom(a, uint16(profile.Port)))
	}

	coreCfg := &types.CoreConfig{
		Profile:   profile,
		VPNMode:   types.VPNModeProxy,
		SOCKSPort: s.cfg.SOCKSPort,
		HTTPPort:  s.cfg.HTTPPort,
		StatsPort: s.cfg.StatsPort,
		LogLevel:  s.cfg.LogLevel,
	}
	var dhcp []netip.Addr
	gw, gwErr := s.Router.DefaultRoute(ctx)
	if gwErr == nil {
		if addr, err := netip.ParseAddr(gw.Gateway); err == nil {
			dhcp = append(dhcp, addr.Unmap())
		}
	}
	if tunMode {
		coreCfg.VPNMode = types.VPNModeTunnel
		if gwErr == nil {
			coreCfg.OutboundInterface = gw.Interface
		} else {
			s.logger.Warn("no default route, proxy outbound is not bound to an interface", zap.Error(gwErr))
		}
	}

	s.mu.Lock()
	s.endpoints = endpoints
	s.dhcpServers = dhcp
	s.tunMode = tunMode
	s.runPID = 0
	s.mu.Unlock()
	s.events.Notify(EventConnectionChanged)

	handle, err := s.Supervisor.Start(ctx, coreCfg)
	if err != nil {
		return s.connectFailed(err)
	}
	s.setRun(handle.PID)

	if tunMode {
		bypass := make([]string, 0, len(addrs))
		for _, a := range addrs {
			bypass = append(bypass, a.String())
		}
		if _, err := s.Router.Attach(ctx, tun.AttachOptions{SOCKSPort: s.cfg.SOCKSPort, Bypass: bypass}); err != nil {
			if serr := s.Supervisor.Stop(ctx); serr != nil {
				s.logger.Warn("failed to stop proxy after TUN failure", zap.Error(serr))
			}
			s.setRun(0)
			return s.connectFailed(err)
		}
		s.events.Notify(EventTunModeChanged)
	}

	if err := s.Storage.SetActiveConnection(ctx, &models.ActiveConnection{
		PID:       handle.PID,
		CoreType:  string(types.CoreTypeXray),
		VPNMode:   string(coreCfg.VPNMode),
		StartedAt: handle.StartedAt,
	}); err != nil {
		s.logger.Warn("failed to record active connection", zap.Error(err))
	}
	if s.Stats != nil {
		s.Stats.Reset()
	}

	if s.SystemProxy != nil && !tunMode && storage.GetBool(ctx, s.Storage, storage.SettingSystemProxyEnabled, false) {
		if err := s.SystemProxy.Enable(ctx, s.cfg.SOCKSPort, s.cfg.HTTPPort); err != nil {
			s.logger.Warn("failed to apply system proxy", zap.Error(err))
		} else {
			s.events.Notify(EventSystemProxyChange)
		}
	}

	s.logger.Info("connected",
		zap.Int("pid", handle.PID),
		zap.String("mode", string(coreCfg.VPNMode)),
		zap.String("server", profile.Endpoint()))
	return nil
}

func (s *Session) connectFailed(err error) error {
	s.setConnectErr(err)
	s.logger.Warn("connect failed", zap.String("code", pkgerrors.Code(err)), zap.Error(err))
	return err
}

func (s *Session) setConnectErr(err error) {
	s.mu.Lock()
	s.connectErr = err
	s.mu.Unlock()
}

// resolve returns the server addresses for firewall and route exceptions.
// Failure is not fatal: the proxy resolves the name itself.
func (s *Session) resolve(ctx context.Context, p *models.Profile) []netip.Addr {
	if addr, err := netip.ParseAddr(p.Address); err == nil {
		return []netip.Addr{addr.Unmap()}
	}
	if s.Resolver == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, s.cfg.ResolveTimeout)
	defer cancel()
	addrs, err := s.Resolver.LookupNetIP(ctx, "ip", p.Address)
	if err != nil {
		s.logger.Warn("failed to resolve server", zap.String("host", p.Address), zap.Error(err))
		return nil
	}
	out := make([]netip.Addr, 0, len(addrs))
	for _, a := range addrs {
		out = append(out, a.Unmap())
	}
	return out
}

func (s *Session) disconnect(ctx context.Context) {
	s.teardown(ctx)
	s.setConnectErr(nil)
	if err := s.Storage.ClearActiveConnection(ctx); err != nil {
		s.logger.Warn("failed to clear active connection", zap.Error(err))
	}
	s.logger.Info("disconnected")
}

// teardown undoes connect in reverse order. Every step runs even when an
// earlier one fails.
func (s *Session) teardown(ctx context.Context) {
	if s.SystemProxy != nil {
		if active, _, _ := s.SystemProxy.Active(); active {
			if err := s.SystemProxy.Disable(ctx); err != nil {
				s.logger.Warn("failed to clear system proxy", zap.Error(err))
			}
			s.events.Notify(EventSystemProxyChange)
		}
	}
	if _, ok := s.Router.Active(); ok {
		s.events.Notify(EventTunModeChanged)
	}
	if err := s.Router.Detach(ctx); err != nil {
		s.logger.Warn("failed to detach TUN", zap.Error(err))
	}
	if err := s.Supervisor.Stop(ctx); err != nil {
		s.logger.Warn("failed to stop proxy", zap.Error(err))
	}
	s.setRun(0)
	if s.Stats != nil {
		s.Stats.Reset()
	}
}

// handleUnexpectedExit arms outside the gate so the machine is never left
// unprotected while a mutation is in flight. The cleanup that follows waits
// for the gate and only touches state that still belongs to the dead run.
func (s *Session) handleUnexpectedExit(ev types.ExitEvent) {
	ctx := context.Background()
	s.logger.Error("proxy exited unexpectedly", zap.Int("pid", ev.PID), zap.Error(ev.Err))

	if !s.ownsRun(ev.PID) {
		s.logger.Info("exit belongs to a replaced run, ignoring", zap.Int("pid", ev.PID))
		return
	}

	s.mu.RLock()
	policy := killswitch.Policy{
		Endpoints:   append([]netip.AddrPort(nil), s.endpoints...),
		AllowCIDRs:  s.cfg.AllowCIDRs,
		AllowLAN:    s.cfg.AllowLAN,
		DHCPServers: append([]netip.Addr(nil), s.dhcpServers...),
	}
	s.mu.RUnlock()

	if st, err := s.KillSwitch.State(ctx); err == nil && st.Enabled {
		if err := s.KillSwitch.Arm(ctx, policy); err != nil {
			s.logger.Error("failed to arm kill switch", zap.Error(err))
		}
		s.refreshKillSwitch(ctx)
		s.events.Notify(EventKillSwitchChanged)
	}

	if err := s.gate.Acquire(ctx, 1); err != nil {
		return
	}
	defer s.gate.Release(1)
	if !s.ownsRun(ev.PID) {
		s.logger.Info("connection replaced while arming, keeping its state", zap.Int("pid", ev.PID))
		s.events.Notify(EventConnectionChanged)
		return
	}

	if s.SystemProxy != nil {
		if active, _, _ := s.SystemProxy.Active(); active {
			if err := s.SystemProxy.Disable(ctx); err != nil {
				s.logger.Warn("failed to clear system proxy", zap.Error(err))
			}
			s.events.Notify(EventSystemProxyChange)
		}
	}
	if _, ok := s.Router.Active(); ok {
		if err := s.Router.Detach(ctx); err != nil {
			s.logger.Warn("failed to detach TUN", zap.Error(err))
		}
		s.events.Notify(EventTunModeChanged)
	}
	if err := s.Storage.ClearActiveConnection(ctx); err != nil {
		s.logger.Warn("failed to clear active connection", zap.Error(err))
	}
	s.setRun(0)
	s.events.Notify(EventConnectionChanged)
}

// ownsRun reports whether pid is the proxy started by the latest connect.
// Zero means no connect has recorded a run yet, which only happens while
// that connect is still in flight.
func (s *Session) ownsRun(pid int) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.runPID == 0 || s.runPID == pid
}

func (s *Session) setRun(pid int) {
	s.mu.Lock()
	s.runPID = pid
	s.mu.Unlock()
}

func (s *Session) refreshKillSwitch(ctx context.Context) {
	st, err := s.KillSwitch.State(ctx)
	if err != nil {
		s.logger.Warn("failed to read kill switch state", zap.Error(err))
		return
	}
	s.mu.Lock()
	s.ksState = st
	s.mu.Unlock()
}
