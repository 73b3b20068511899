package xray

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"xraydeck/internal/core/types"
)

// StatsCollector queries the xray stats API and derives transfer speeds
// from consecutive samples.
type StatsCollector struct {
	binary  string
	apiAddr string
	clock   clockwork.Clock
	run     func(ctx context.Context, name string, args ...string) ([]byte, error)

	mu           sync.Mutex
	lastUpload   uint64
	lastDownload uint64
	lastQueryAt  time.Time
	upSpeed      uint64
	downSpeed    uint64
}

// NewStatsCollector creates a collector for the API inbound on port.
func NewStatsCollector(binary string, port int, clock clockwork.Clock) *StatsCollector {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &StatsCollector{
		binary:  binary,
		apiAddr: net.JoinHostPort("127.0.0.1", strconv.Itoa(port)),
		clock:   clock,
		run: func(ctx context.Context, name string, args ...string) ([]byte, error) {
			return exec.CommandContext(ctx, name, args...).Output()
		},
	}
}

// Query returns current totals and speeds.
func (sc *StatsCollector) Query(ctx context.Context) (*types.Stats, error) {
	output, err := sc.run(ctx, sc.binary, "api", "stats", "-s", sc.apiAddr, "-pattern", "")
	if err != nil {
		return nil, fmt.Errorf("failed to query xray stats: %w", err)
	}
	up, down := parseStatsOutput(string(output))

	sc.mu.Lock()
	defer sc.mu.Unlock()

	now := sc.clock.Now()
	if !sc.lastQueryAt.IsZero() {
		if elapsed := now.Sub(sc.lastQueryAt).Seconds(); elapsed > 0 {
			sc.upSpeed, sc.downSpeed = 0, 0
			if up >= sc.lastUpload {
				sc.upSpeed = uint64(float64(up-sc.lastUpload) / elapsed)
			}
			if down >= sc.lastDownload {
				sc.downSpeed = uint64(float64(down-sc.lastDownload) / elapsed)
			}
		}
	}
	sc.lastUpload = up
	sc.lastDownload = down
	sc.lastQueryAt = now

	return &types.Stats{
		TotalUpload:   up,
		TotalDownload: down,
		UploadSpeed:   sc.upSpeed,
		DownloadSpeed: sc.downSpeed,
	}, nil
}

// Reset forgets the previous sample, e.g. after a reconnect.
func (sc *StatsCollector) Reset() {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.lastUpload, sc.lastDownload = 0, 0
	sc.upSpeed, sc.downSpeed = 0, 0
	sc.lastQueryAt = time.Time{}
}

// parseStatsOutput parses the JSON output from `xray api stats`.
// Output format: {"stat":[{"name":"inbound>>>socks>>>traffic>>>uplink","value":"12345"}, ...]}
// Only inbound counters are summed so outbound traffic is not counted twice.
func parseStatsOutput(output string) (upload, download uint64) {
	var result struct {
		Stat []struct {
			Name  string          `json:"name"`
			Value json.RawMessage `json:"value"`
		} `json:"stat"`
	}

	if err := json.Unmarshal([]byte(output), &result); err != nil {
		// Older xray versions print a text format.
		return parseStatsLines(output)
	}

	for _, s := range result.Stat {
		val, _ := strconv.ParseUint(strings.Trim(string(s.Value), `"`), 10, 64)
		up, down := classify(s.Name, val)
		upload += up
		download += down
	}
	return
}

// parseStatsLines handles the line-by-line output format.
func parseStatsLines(output string) (upload, download uint64) {
	var currentName string
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "name:") {
			currentName = strings.Trim(strings.TrimSpace(strings.TrimPrefix(line, "name:")), `"`)
		} else if strings.HasPrefix(line, "value:") {
			val, _ := strconv.ParseUint(strings.TrimSpace(strings.TrimPrefix(line, "value:")), 10, 64)
			up, down := classify(currentName, val)
			upload += up
			download += down
		}
	}
	return
}

func classify(name string, val uint64) (up, down uint64) {
	name = strings.ToLower(name)
	if !strings.HasPrefix(name, "inbound>>>") || strings.Contains(name, TagAPIIn) {
		return 0, 0
	}
	switch {
	case strings.HasSuffix(name, ">>>uplink"):
		return val, 0
	case strings.HasSuffix(name, ">>>downlink"):
		return 0, val
	}
	return 0, 0
}
