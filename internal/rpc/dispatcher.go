// Package rpc exposes the session over named remote calls: a dispatcher,
// an HTTP and WebSocket binding for it, and a client for that binding.
package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"xraydeck/internal/session"
)

// ErrUnknownMethod is returned for a call name the dispatcher does not know.
var ErrUnknownMethod = errors.New("unknown method")

// Controller is the call surface. *session.Session implements it.
type Controller interface {
	ImportConfig(ctx context.Context, raw string) session.ImportResult
	GetConfig(ctx context.Context) session.ConfigResult
	ValidateConfig(ctx context.Context) session.ValidateResult
	ResetConfig(ctx context.Context) session.ResetResult
	RefreshSubscription(ctx context.Context) session.RefreshResult

	ToggleConnection(ctx context.Context, enable bool) session.ToggleConnectionResult
	Status() session.ConnectionStatus

	ToggleTunMode(ctx context.Context, enabled bool) session.ToggleTunResult
	CheckTunPrivileges(ctx context.Context) session.PrivilegesResult
	TunStatus(ctx context.Context) session.TunStatus

	ToggleKillSwitch(ctx context.Context, enabled bool) session.ToggleKillSwitchResult
	KillSwitchStatus() session.KillSwitchStatus
	DeactivateKillSwitch(ctx context.Context) session.DeactivateResult

	ToggleSystemProxy(ctx context.Context, enabled bool) session.ToggleProxyResult
	SystemProxyStatus() session.SystemProxyStatus

	TestLatency(ctx context.Context, strategy string) session.LatencyResult
	TrafficStats(ctx context.Context) session.TrafficStats
}

var _ Controller = (*session.Session)(nil)

// ImportURL is where the LAN import page is served.
type ImportURL struct {
	BaseURL string `json:"baseUrl"`
	Path    string `json:"path"`
}

// Args are the named arguments of one call.
type Args struct {
	URL      string `json:"url"`
	Enable   *bool  `json:"enable"`
	Enabled  *bool  `json:"enabled"`
	Strategy string `json:"strategy"`
}

// flag returns the boolean argument under either spelling.
func (a Args) flag() (bool, error) {
	switch {
	case a.Enable != nil:
		return *a.Enable, nil
	case a.Enabled != nil:
		return *a.Enabled, nil
	}
	return false, fmt.Errorf("missing boolean argument")
}

type handler func(ctx context.Context, a Args) (any, error)

// Dispatcher routes call names to the controller.
type Dispatcher struct {
	ctl       Controller
	importURL func() ImportURL
	logger    *zap.Logger
	methods   map[string]handler
}

// NewDispatcher creates a dispatcher. importURL may be nil when no import
// server runs.
func NewDispatcher(ctl Controller, importURL func() ImportURL, logger *zap.Logger) *Dispatcher {
	d := &Dispatcher{ctl: ctl, importURL: importURL, logger: logger.Named("rpc")}
	d.methods = map[string]handler{
		"import_vless_config": func(ctx context.Context, a Args) (any, error) {
			return ctl.ImportConfig(ctx, a.URL), nil
		},
		"get_vless_config": func(ctx context.Context, _ Args) (any, error) {
			return ctl.GetConfig(ctx), nil
		},
		"validate_vless_config": func(ctx context.Context, _ Args) (any, error) {
			return ctl.ValidateConfig(ctx), nil
		},
		"reset_vless_config": func(ctx context.Context, _ Args) (any, error) {
			return ctl.ResetConfig(ctx), nil
		},
		"refresh_subscription": func(ctx context.Context, _ Args) (any, error) {
			return ctl.RefreshSubscription(ctx), nil
		},
		"toggle_connection": toggle(ctl.ToggleConnection),
		"get_connection_status": func(context.Context, Args) (any, error) {
			return ctl.Status(), nil
		},
		"toggle_tun_mode": toggle(ctl.ToggleTunMode),
		"check_tun_privileges": func(ctx context.Context, _ Args) (any, error) {
			return ctl.CheckTunPrivileges(ctx), nil
		},
		"get_tun_mode_status": func(ctx context.Context, _ Args) (any, error) {
			return ctl.TunStatus(ctx), nil
		},
		"toggle_kill_switch": toggle(ctl.ToggleKillSwitch),
		"get_kill_switch_status": func(context.Context, Args) (any, error) {
			return ctl.KillSwitchStatus(), nil
		},
		"deactivate_kill_switch": func(ctx context.Context, _ Args) (any, error) {
			return ctl.DeactivateKillSwitch(ctx), nil
		},
		"toggle_system_proxy": toggle(ctl.ToggleSystemProxy),
		"get_system_proxy_status": func(context.Context, Args) (any, error) {
			return ctl.SystemProxyStatus(), nil
		},
		"test_latency": func(ctx context.Context, a Args) (any, error) {
			return ctl.TestLatency(ctx, a.Strategy), nil
		},
		"get_traffic_stats": func(ctx context.Context, _ Args) (any, error) {
			return ctl.TrafficStats(ctx), nil
		},
		"get_import_server_url": func(context.Context, Args) (any, error) {
			if d.importURL == nil {
				return nil, errors.New("import server is not running")
			}
			return d.importURL(), nil
		},
	}
	return d
}

func toggle[T any](fn func(context.Context, bool) T) handler {
	return func(ctx context.Context, a Args) (any, error) {
		on, err := a.flag()
		if err != nil {
			return nil, err
		}
		return fn(ctx, on), nil
	}
}

// Call runs method with the JSON object raw as its arguments. Errors are
// reserved for malformed calls; operation failures are in the result.
func (d *Dispatcher) Call(ctx context.Context, method string, raw json.RawMessage) (any, error) {
	h, ok := d.methods[method]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownMethod, method)
	}
	var a Args
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &a); err != nil {
			return nil, fmt.Errorf("invalid arguments for %s: %w", method, err)
		}
	}
	res, err := h(ctx, a)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", method, err)
	}
	d.logger.Debug("call", zap.String("method", method))
	return res, nil
}

// Methods lists the known call names.
func (d *Dispatcher) Methods() []string {
	names := make([]string, 0, len(d.methods))
	for name := range d.methods {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
