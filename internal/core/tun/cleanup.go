package tun

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"go.uber.org/zap"
)

// tunState is persisted to disk so we can recover from crashes. The daemon
// writes it once the device and routes are in place.
type tunState struct {
	PID        int      `json:"pid"`
	Gateway    string   `json:"gateway"`
	Interface  string   `json:"interface"`
	Bypass     []string `json:"bypass"`
	DeviceName string   `json:"device_name"`
}

// saveState writes the current TUN state to disk for crash recovery.
func saveState(path string, st tunState) error {
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write state file: %w", err)
	}
	// Rename so a poller never reads a partial file.
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to write state file: %w", err)
	}
	return nil
}

// readState reads and parses the TUN state file.
func readState(path string) (*tunState, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var st tunState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// restore removes everything a daemon recorded in st.
func restore(ctx context.Context, routes *Routes, st *tunState) {
	device := st.DeviceName
	if device == "" {
		device = DefaultDevice
	}
	routes.RemoveOverlay(ctx, device)
	if len(st.Bypass) > 0 {
		routes.RemoveBypass(ctx, st.Bypass)
	}
}

// CleanupIfNeeded checks for a stale TUN state file left by a daemon that
// died without cleaning up, and restores routes if found. It reports whether
// anything was cleaned.
func CleanupIfNeeded(ctx context.Context, stateFile string, runner Runner, logger *zap.Logger) bool {
	st, err := readState(stateFile)
	if err != nil {
		if !os.IsNotExist(err) {
			os.Remove(stateFile)
		}
		return false
	}
	if st.PID > 0 && processAlive(st.PID) {
		// A daemon from a previous backend is still running; its own
		// shutdown path restores the routes.
		return false
	}

	logger.Warn("restoring routes from stale TUN state",
		zap.String("device", st.DeviceName), zap.Strings("bypass", st.Bypass))
	restore(ctx, NewRoutes(runner), st)
	os.Remove(stateFile)
	return true
}
