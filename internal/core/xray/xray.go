// Package xray starts Xray-core as a supervised subprocess.
package xray

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"xraydeck/internal/core"
	"xraydeck/internal/core/types"
	"xraydeck/internal/paths"
	pkgerrors "xraydeck/pkg/errors"
)

// Launcher implements core.Launcher for Xray-core.
type Launcher struct {
	binary     string
	configPath string
	logPath    string
	logger     *zap.Logger
}

// NewLauncher creates a launcher that keeps its config and log in workDir.
// An empty binary is looked up with FindBinary.
func NewLauncher(binary, workDir string, logger *zap.Logger) (*Launcher, error) {
	if binary == "" {
		found, err := FindBinary()
		if err != nil {
			return nil, err
		}
		binary = found
	}
	if err := os.MkdirAll(workDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create xray work dir: %w", err)
	}
	return &Launcher{
		binary:     binary,
		configPath: filepath.Join(workDir, "xray-config.json"),
		logPath:    filepath.Join(workDir, "xray.log"),
		logger:     logger.Named("xray"),
	}, nil
}

// Binary returns the resolved xray executable.
func (l *Launcher) Binary() string { return l.binary }

// LogPath returns the file xray output is written to.
func (l *Launcher) LogPath() string { return l.logPath }

// Launch writes the JSON config and starts `xray run` in its own process
// group. Readiness is left to the supervisor's health probe.
func (l *Launcher) Launch(ctx context.Context, cfg *types.CoreConfig) (core.Process, error) {
	xc, err := GenerateConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to generate xray config: %w", err)
	}
	data, err := json.MarshalIndent(xc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(l.configPath, data, 0600); err != nil {
		return nil, fmt.Errorf("failed to write config file: %w", err)
	}
	// xray runs as the real user under sudo and must be able to read it.
	paths.ChownToRealUser(l.configPath)

	logFile, err := os.Create(l.logPath)
	if err != nil {
		return nil, fmt.Errorf("failed to create log file: %w", err)
	}
	paths.ChownToRealUser(l.logPath)

	// Not CommandContext: the process must outlive the request that started it.
	cmd := exec.Command(l.binary, "run", "-c", l.configPath)
	cmd.Env = append(os.Environ(), "XRAY_LOCATION_ASSET="+filepath.Dir(l.binary))
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.SysProcAttr = &syscall.SysProcAttr{}

	// TUN and firewall work stays in the parent, so xray itself does not
	// need root. Dropping to the invoking user lets a non-root CLI signal it.
	if uid, gid, ok := paths.RealUser(); ok {
		cmd.SysProcAttr.Credential = &syscall.Credential{Uid: uint32(uid), Gid: uint32(gid)}
	}

	proc, err := core.StartGroup(cmd, logFile)
	if err != nil {
		return nil, err
	}
	l.logger.Debug("xray launched",
		zap.Int("pid", proc.PID()),
		zap.String("config", l.configPath),
		zap.String("mode", string(cfg.VPNMode)))
	return proc, nil
}

// Version runs `xray version` and returns its first line.
func Version(ctx context.Context, binary string) (string, error) {
	output, err := exec.CommandContext(ctx, binary, "version").Output()
	if err != nil {
		return "", fmt.Errorf("failed to get xray version: %w", err)
	}
	scanner := bufio.NewScanner(bytes.NewReader(output))
	if scanner.Scan() {
		return scanner.Text(), nil
	}
	return strings.TrimSpace(string(output)), nil
}

// FindBinary looks for xray next to the plugin, then in common locations.
func FindBinary() (string, error) {
	var locations []string

	if dir := os.Getenv("DECKY_PLUGIN_DIR"); dir != "" {
		locations = append(locations,
			filepath.Join(dir, "bin", "xray"),
			filepath.Join(dir, "backend", "out", "xray-core"))
	}
	if exe, err := os.Executable(); err == nil {
		locations = append(locations, filepath.Join(filepath.Dir(exe), "xray"))
	}
	locations = append(locations,
		"xray", // In PATH
		"/usr/local/bin/xray",
		"/usr/bin/xray",
		"/opt/xray/xray",
	)
	if homeDir, err := paths.HomeDir(); err == nil {
		locations = append(locations,
			filepath.Join(homeDir, ".local", "bin", "xray"),
			filepath.Join(homeDir, ".local", "share", "xraydeck", "cores", "xray"))
	}

	for _, loc := range locations {
		if path, err := exec.LookPath(loc); err == nil {
			return path, nil
		}
	}
	return "", &pkgerrors.CoreError{CoreType: string(types.CoreTypeXray), Err: pkgerrors.ErrCoreNotFound}
}

// ReapOrphan kills the process group led by pid if it is still an xray
// process. It is used at startup for a process left by a previous backend.
func ReapOrphan(pid int) bool {
	if pid <= 0 {
		return false
	}
	cmdline, err := os.ReadFile(filepath.Join("/proc", strconv.Itoa(pid), "cmdline"))
	if err != nil {
		return false
	}
	argv0, _, _ := bytes.Cut(cmdline, []byte{0})
	if !strings.Contains(filepath.Base(string(argv0)), "xray") {
		return false
	}
	return unix.Kill(-pid, unix.SIGKILL) == nil || unix.Kill(pid, unix.SIGKILL) == nil
}
