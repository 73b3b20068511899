package session

import (
	"context"

	"go.uber.org/zap"

	"xraydeck/internal/core/types"
	"xraydeck/internal/storage"
	pkgerrors "xraydeck/pkg/errors"
)

// ToggleKillSwitch persists the user's intent. Turning it off also removes
// rules that are currently blocking, since that is an explicit user action.
func (s *Session) ToggleKillSwitch(ctx context.Context, enabled bool) ToggleKillSwitchResult {
	if err := s.tryLock(); err != nil {
		return ToggleKillSwitchResult{Enabled: s.KillSwitchStatus().Enabled, Failure: failure(err)}
	}
	defer s.unlock()
	defer s.events.Notify(EventKillSwitchChanged)

	if err := s.KillSwitch.SetEnabled(ctx, enabled); err != nil {
		s.refreshKillSwitch(ctx)
		return ToggleKillSwitchResult{Enabled: !enabled, Failure: failure(err)}
	}
	if !enabled {
		if err := s.deactivate(ctx); err != nil {
			return ToggleKillSwitchResult{Enabled: enabled, Failure: failure(err)}
		}
	}
	s.refreshKillSwitch(ctx)
	s.logger.Info("kill switch preference changed", zap.Bool("enabled", enabled))
	return ToggleKillSwitchResult{Success: true, Enabled: enabled}
}

// KillSwitchStatus returns the cached kill switch state.
func (s *Session) KillSwitchStatus() KillSwitchStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := KillSwitchStatus{Enabled: s.ksState.Enabled, IsActive: s.ksState.Active, Warning: s.ksState.Warning}
	if s.ksState.ActivatedAt != nil {
		ts := s.ksState.ActivatedAt.Unix()
		st.ActivatedAt = &ts
	}
	return st
}

// DeactivateKillSwitch removes the firewall rules. It is always permitted.
func (s *Session) DeactivateKillSwitch(ctx context.Context) DeactivateResult {
	if err := s.tryLock(); err != nil {
		return DeactivateResult{Failure: failure(err)}
	}
	defer s.unlock()
	defer s.events.Notify(EventKillSwitchChanged)

	if err := s.deactivate(ctx); err != nil {
		return DeactivateResult{Failure: failure(err)}
	}
	s.events.Notify(EventConnectionChanged)
	return DeactivateResult{Success: true}
}

func (s *Session) deactivate(ctx context.Context) error {
	err := s.KillSwitch.Disarm(ctx)
	s.refreshKillSwitch(ctx)
	if err != nil {
		s.logger.Error("failed to disarm kill switch", zap.Error(err))
		return err
	}
	// The failed run that triggered arming is settled so the status reads
	// disconnected rather than error.
	if s.Supervisor.Status().State == types.StateFailed {
		if err := s.Supervisor.Stop(ctx); err != nil {
			s.logger.Warn("failed to settle failed proxy", zap.Error(err))
		}
	}
	return nil
}

// ToggleTunMode persists the TUN preference; it applies from the next
// connect. Enabling requires privileges.
func (s *Session) ToggleTunMode(ctx context.Context, enabled bool) ToggleTunResult {
	if err := s.tryLock(); err != nil {
		return ToggleTunResult{Enabled: s.tunEnabled(ctx), Failure: failure(err)}
	}
	defer s.unlock()

	has := s.probePrivileges(ctx).HasPrivileges
	if enabled && !has {
		return ToggleTunResult{Enabled: false, HasPrivileges: false, Failure: failure(pkgerrors.ErrPrivilegesRequired)}
	}
	if err := storage.SetBool(ctx, s.Storage, storage.SettingTunEnabled, enabled); err != nil {
		return ToggleTunResult{Enabled: !enabled, HasPrivileges: has, Failure: failure(err)}
	}
	s.events.Notify(EventTunModeChanged)
	s.logger.Info("TUN preference changed", zap.Bool("enabled", enabled))
	return ToggleTunResult{Success: true, Enabled: enabled, HasPrivileges: has}
}

func (s *Session) tunEnabled(ctx context.Context) bool {
	return storage.GetBool(ctx, s.Storage, storage.SettingTunEnabled, false)
}

// CheckTunPrivileges probes privileges now and refreshes the cache.
func (s *Session) CheckTunPrivileges(ctx context.Context) PrivilegesResult {
	res := s.probePrivileges(ctx)
	return PrivilegesResult{HasPrivileges: res.HasPrivileges, Error: res.Reason}
}

// TunStatus reports TUN intent and whether the device is attached.
func (s *Session) TunStatus(ctx context.Context) TunStatus {
	st := TunStatus{
		Enabled:       s.tunEnabled(ctx),
		HasPrivileges: s.privileges(ctx, false),
	}
	if h, ok := s.Router.Active(); ok {
		st.IsActive = true
		st.TunInterface = h.Interface
	}
	return st
}

// ToggleSystemProxy applies or clears desktop proxy settings. Enabling
// requires a connection in proxy mode; the preference is re-applied on
// later connects.
func (s *Session) ToggleSystemProxy(ctx context.Context, enabled bool) ToggleProxyResult {
	if s.SystemProxy == nil {
		return ToggleProxyResult{Failure: failure(pkgerrors.ErrSystemProxy)}
	}
	if err := s.tryLock(); err != nil {
		active, _, _ := s.SystemProxy.Active()
		return ToggleProxyResult{Enabled: active, Failure: failure(err)}
	}
	defer s.unlock()

	if enabled {
		if s.Supervisor.Status().State != types.StateRunning {
			return ToggleProxyResult{Failure: failure(pkgerrors.ErrNotConnected)}
		}
		if err := s.SystemProxy.Enable(ctx, s.cfg.SOCKSPort, s.cfg.HTTPPort); err != nil {
			return ToggleProxyResult{Failure: failure(err)}
		}
	} else if err := s.SystemProxy.Disable(ctx); err != nil {
		return ToggleProxyResult{Enabled: true, Failure: failure(err)}
	}

	if err := storage.SetBool(ctx, s.Storage, storage.SettingSystemProxyEnabled, enabled); err != nil {
		s.logger.Warn("failed to persist system proxy preference", zap.Error(err))
	}
	s.events.Notify(EventSystemProxyChange)
	return ToggleProxyResult{Success: true, Enabled: enabled}
}

// SystemProxyStatus reports whether desktop settings point at the proxy.
func (s *Session) SystemProxyStatus() SystemProxyStatus {
	if s.SystemProxy == nil {
		return SystemProxyStatus{}
	}
	active, socks, http := s.SystemProxy.Active()
	return SystemProxyStatus{Enabled: active, SOCKSPort: socks, HTTPPort: http}
}
