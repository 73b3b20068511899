package tun

import (
	"context"
	"os/exec"
	"time"
)

// Config holds the TUN device and routing configuration of the daemon.
type Config struct {
	DeviceName string   // TUN device name
	MTU        int      // Maximum transmission unit
	SOCKSAddr  string   // SOCKS5 proxy address, e.g. "127.0.0.1:10808"
	Bypass     []string // Proxy server IPs routed via the original gateway
	Metric     int      // Metric of the overlay routes
	StateFile  string   // Written once routes are in place
}

const (
	DefaultDevice = "xray0"
	DefaultMTU    = 1500
	DefaultMetric = 100

	// tunAddr is assigned to the device. tun2socks answers for the whole
	// 198.18.0.0/15 benchmark range.
	tunAddr = "198.18.0.1/15"

	defaultAttachTimeout = 10 * time.Second
	detachGrace          = 5 * time.Second
)

// Runner executes a network command and returns its combined output.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

// ExecRunner runs commands with os/exec.
type ExecRunner struct{}

// Run implements Runner.
func (ExecRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}
