package session

import (
	"context"

	"go.uber.org/zap"

	"xraydeck/internal/core/types"
	"xraydeck/internal/latency"
	pkgerrors "xraydeck/pkg/errors"
)

// ImportConfig replaces the stored profile from a link, inline
// subscription, or subscription URL.
func (s *Session) ImportConfig(ctx context.Context, raw string) ImportResult {
	if err := s.tryLock(); err != nil {
		return ImportResult{Failure: failure(err)}
	}
	defer s.unlock()

	p, err := s.Configs.Import(ctx, raw)
	if err != nil {
		return ImportResult{Failure: failure(err)}
	}
	s.events.Notify(EventConfigUpdated)
	return ImportResult{Success: true, Config: viewOf(p)}
}

// GetConfig returns the stored profile.
func (s *Session) GetConfig(ctx context.Context) ConfigResult {
	p, err := s.Configs.Current(ctx)
	if err != nil {
		s.logger.Warn("failed to read config", zap.Error(err))
		return ConfigResult{}
	}
	return ConfigResult{Exists: p != nil, Config: viewOf(p)}
}

// ValidateConfig re-validates the stored profile.
func (s *Session) ValidateConfig(ctx context.Context) ValidateResult {
	p, err := s.Configs.Validate(ctx)
	if err != nil {
		return ValidateResult{Failure: failure(err)}
	}
	return ValidateResult{IsValid: p.IsValid}
}

// ResetConfig deletes the stored profile unless a connection depends on it.
func (s *Session) ResetConfig(ctx context.Context) ResetResult {
	if err := s.tryLock(); err != nil {
		return ResetResult{Failure: failure(err)}
	}
	defer s.unlock()

	if err := s.Configs.Reset(ctx, s.inUse); err != nil {
		return ResetResult{Failure: failure(err)}
	}
	s.events.Notify(EventConfigUpdated)
	return ResetResult{Success: true}
}

// RefreshSubscription downloads a URL-sourced subscription again. The
// running connection keeps its server until the next connect.
func (s *Session) RefreshSubscription(ctx context.Context) RefreshResult {
	if err := s.tryLock(); err != nil {
		return RefreshResult{Failure: failure(err)}
	}
	defer s.unlock()

	p, changed, err := s.Configs.Refresh(ctx)
	if err != nil {
		return RefreshResult{Config: viewOf(p), Failure: failure(err)}
	}
	if changed {
		s.events.Notify(EventConfigUpdated)
	}
	return RefreshResult{Success: true, Changed: changed, Config: viewOf(p)}
}

// TestLatency measures the stored server. The http strategy goes through
// the running proxy.
func (s *Session) TestLatency(ctx context.Context, strategy string) LatencyResult {
	if s.Latency == nil {
		return LatencyResult{Strategy: strategy, Failure: failure(pkgerrors.ErrLatencyTestFailed)}
	}
	p, err := s.Configs.Current(ctx)
	if err != nil {
		return LatencyResult{Strategy: strategy, Failure: failure(err)}
	}
	if p == nil {
		return LatencyResult{Strategy: strategy, Failure: failure(pkgerrors.ErrNoConfig)}
	}

	socksPort := 0
	if s.Supervisor.Status().State == types.StateRunning {
		socksPort = s.cfg.SOCKSPort
	}
	strat, err := latency.NewStrategy(strategy, socksPort)
	if err != nil {
		if strategy == latency.StrategyHTTP {
			err = pkgerrors.ErrNotConnected
		}
		return LatencyResult{Strategy: strategy, Failure: Failure{Error: err.Error(), ErrorCode: pkgerrors.Code(err)}}
	}

	r := s.Latency.Test(ctx, p, strat)
	res := LatencyResult{Success: r.Success, LatencyMS: r.LatencyMS, Strategy: r.TestStrategy}
	if !r.Success {
		res.Error, res.ErrorCode = r.ErrorMessage, pkgerrors.CodeNetworkError
	}
	return res
}

// TrafficStats reports proxy throughput while connected.
func (s *Session) TrafficStats(ctx context.Context) TrafficStats {
	if s.Stats == nil || s.Supervisor.Status().State != types.StateRunning {
		return TrafficStats{Failure: failure(pkgerrors.ErrNotConnected)}
	}
	st, err := s.Stats.Query(ctx)
	if err != nil {
		return TrafficStats{Failure: Failure{Error: err.Error(), ErrorCode: pkgerrors.CodeUnknown}}
	}
	return TrafficStats{
		UploadSpeed:   st.UploadSpeed,
		DownloadSpeed: st.DownloadSpeed,
		TotalUpload:   st.TotalUpload,
		TotalDownload: st.TotalDownload,
	}
}
