package latency

import (
	"context"
	"fmt"
	"net"
	"time"

	"xraydeck/internal/storage/models"
)

// Strategy names.
const (
	StrategyTCP  = "tcp"
	StrategyHTTP = "http"
)

// Strategy defines how a latency test is performed against the profile.
type Strategy interface {
	// Name returns the strategy identifier ("tcp" or "http").
	Name() string
	// Test performs a latency test and returns the round-trip time in milliseconds.
	Test(ctx context.Context, profile *models.Profile) (latencyMS int, err error)
}

// TCPStrategy measures latency via a TCP handshake to the server endpoint.
// Only verifies reachability; the proxy protocol is not exercised.
type TCPStrategy struct{}

func (s *TCPStrategy) Name() string { return StrategyTCP }

func (s *TCPStrategy) Test(ctx context.Context, profile *models.Profile) (int, error) {
	start := time.Now()
	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", profile.Endpoint())
	if err != nil {
		return 0, fmt.Errorf("tcp handshake failed: %w", err)
	}
	elapsed := time.Since(start)
	conn.Close()

	return int(elapsed.Milliseconds()), nil
}

// NewStrategy creates a Strategy by name. The http strategy needs the
// running proxy's SOCKS port; socksPort <= 0 makes it unavailable.
func NewStrategy(name string, socksPort int) (Strategy, error) {
	switch name {
	case StrategyTCP, "":
		return &TCPStrategy{}, nil
	case StrategyHTTP:
		if socksPort <= 0 {
			return nil, fmt.Errorf("http strategy requires an active connection")
		}
		return NewHTTPStrategy(socksPort), nil
	default:
		return nil, fmt.Errorf("unknown test strategy: %s (available: tcp, http)", name)
	}
}
