package tun

import (
	"context"
	"fmt"
	"strconv"
	"strings"
)

// DefaultRoute is the route that carried traffic before the TUN came up.
type DefaultRoute struct {
	Gateway   string
	Interface string
}

// Routes edits the routing table with iproute2.
type Routes struct {
	runner Runner
}

// NewRoutes creates a route editor. A nil runner uses os/exec.
func NewRoutes(r Runner) *Routes {
	if r == nil {
		r = ExecRunner{}
	}
	return &Routes{runner: r}
}

// DetectDefault returns the lowest-metric IPv4 default route that does not
// go through skipDevice.
func (r *Routes) DetectDefault(ctx context.Context, skipDevice string) (DefaultRoute, error) {
	out, err := r.runner.Run(ctx, "ip", "-4", "route", "show", "default")
	if err != nil {
		return DefaultRoute{}, fmt.Errorf("failed to detect default gateway: %w: %s", err, strings.TrimSpace(string(out)))
	}
	return parseDefaultRoute(string(out), skipDevice)
}

func parseDefaultRoute(out, skipDevice string) (DefaultRoute, error) {
	var best DefaultRoute
	bestMetric := -1
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) == 0 || fields[0] != "default" {
			continue
		}
		var rt DefaultRoute
		metric := 0
		for i := 1; i+1 < len(fields); i++ {
			switch fields[i] {
			case "via":
				rt.Gateway = fields[i+1]
			case "dev":
				rt.Interface = fields[i+1]
			case "metric":
				metric, _ = strconv.Atoi(fields[i+1])
			}
		}
		if rt.Interface == "" || rt.Interface == skipDevice {
			continue
		}
		if bestMetric < 0 || metric < bestMetric {
			best, bestMetric = rt, metric
		}
	}
	if bestMetric < 0 {
		return DefaultRoute{}, fmt.Errorf("no default route found")
	}
	return best, nil
}

// ConfigureAddress assigns the TUN address and brings the device up.
func (r *Routes) ConfigureAddress(ctx context.Context, device string) error {
	if err := r.run(ctx, "ip", "addr", "replace", tunAddr, "dev", device); err != nil {
		return fmt.Errorf("failed to configure %s: %w", device, err)
	}
	if err := r.run(ctx, "ip", "link", "set", "dev", device, "up"); err != nil {
		return fmt.Errorf("failed to bring up %s: %w", device, err)
	}
	return nil
}

// AddBypass adds host routes for the proxy server via the original gateway
// so traffic to the server itself does not loop through the TUN device.
// Only IPv4 is captured by the overlay, so IPv6 addresses are skipped.
func (r *Routes) AddBypass(ctx context.Context, addrs []string, via DefaultRoute) error {
	for _, addr := range addrs {
		if strings.Contains(addr, ":") {
			continue
		}
		args := []string{"route", "replace", hostPrefix(addr)}
		if via.Gateway != "" {
			args = append(args, "via", via.Gateway)
		}
		args = append(args, "dev", via.Interface)
		if err := r.run(ctx, "ip", args...); err != nil {
			return fmt.Errorf("failed to add bypass route for %s: %w", addr, err)
		}
	}
	return nil
}

// RemoveBypass removes the host routes added by AddBypass.
func (r *Routes) RemoveBypass(ctx context.Context, addrs []string) error {
	var firstErr error
	for _, addr := range addrs {
		if strings.Contains(addr, ":") {
			continue
		}
		if err := r.run(ctx, "ip", "route", "del", hostPrefix(addr)); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("failed to remove bypass route for %s: %w", addr, err)
		}
	}
	return firstErr
}

// AddOverlay captures all IPv4 traffic with two /1 routes that are more
// specific than the default route, which therefore never has to be deleted.
func (r *Routes) AddOverlay(ctx context.Context, device string, metric int) error {
	m := strconv.Itoa(metric)
	if err := r.run(ctx, "ip", "route", "replace", "0.0.0.0/1", "dev", device, "metric", m); err != nil {
		return fmt.Errorf("failed to add 0.0.0.0/1 TUN route: %w", err)
	}
	if err := r.run(ctx, "ip", "route", "replace", "128.0.0.0/1", "dev", device, "metric", m); err != nil {
		r.run(ctx, "ip", "route", "del", "0.0.0.0/1", "dev", device)
		return fmt.Errorf("failed to add 128.0.0.0/1 TUN route: %w", err)
	}
	return nil
}

// RemoveOverlay removes the /1 routes. Missing routes are ignored.
func (r *Routes) RemoveOverlay(ctx context.Context, device string) {
	r.run(ctx, "ip", "route", "del", "0.0.0.0/1", "dev", device)
	r.run(ctx, "ip", "route", "del", "128.0.0.0/1", "dev", device)
}

func (r *Routes) run(ctx context.Context, name string, args ...string) error {
	if out, err := r.runner.Run(ctx, name, args...); err != nil {
		return fmt.Errorf("%w: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}

func hostPrefix(addr string) string {
	if strings.Contains(addr, "/") {
		return addr
	}
	return addr + "/32"
}
