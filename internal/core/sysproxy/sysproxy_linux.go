// Package sysproxy points desktop applications at the local proxy through
// GNOME (gsettings) and KDE (kwriteconfig5) proxy settings.
package sysproxy

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"

	"go.uber.org/zap"

	"xraydeck/internal/paths"
	pkgerrors "xraydeck/pkg/errors"
)

const (
	gnomeProxySchema = "org.gnome.system.proxy"
	proxyHost        = "127.0.0.1"
	kdeGroup         = "Proxy Settings"
)

// Runner executes desktop configuration tools.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
	Available(name string) bool
}

// UserRunner runs tools as the desktop user so the settings land in their
// session rather than root's when the backend runs privileged.
type UserRunner struct{}

// Run implements Runner.
func (UserRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Env = os.Environ()
	if uid, gid, ok := paths.RealUser(); ok {
		cmd.SysProcAttr = &syscall.SysProcAttr{
			Credential: &syscall.Credential{Uid: uint32(uid), Gid: uint32(gid)},
		}
		if os.Getenv("DBUS_SESSION_BUS_ADDRESS") == "" {
			cmd.Env = append(cmd.Env, fmt.Sprintf("DBUS_SESSION_BUS_ADDRESS=unix:path=/run/user/%d/bus", uid))
		}
	}
	return cmd.CombinedOutput()
}

// Available implements Runner.
func (UserRunner) Available(name string) bool {
	_, err := exec.LookPath(name)
	return err == nil
}

// Options configure a Manager. Zero values fall back to the environment.
type Options struct {
	Runner Runner
	// KDE forces KDE handling; otherwise it is detected from the session.
	KDE *bool
	// ConfigHome is the user's XDG config dir holding kioslaverc.
	ConfigHome string
}

// Manager applies and clears system proxy settings.
type Manager struct {
	runner     Runner
	kde        bool
	configHome string
	logger     *zap.Logger

	mu        sync.Mutex
	active    bool
	socksPort int
	httpPort  int
}

// New creates a system proxy manager.
func New(logger *zap.Logger, opts Options) *Manager {
	if opts.Runner == nil {
		opts.Runner = UserRunner{}
	}
	kde := isKDE()
	if opts.KDE != nil {
		kde = *opts.KDE
	}
	if opts.ConfigHome == "" {
		if home, err := paths.HomeDir(); err == nil {
			opts.ConfigHome = filepath.Join(home, ".config")
		}
	}
	return &Manager{
		runner:     opts.Runner,
		kde:        kde,
		configHome: opts.ConfigHome,
		logger:     logger.Named("sysproxy"),
	}
}

func isKDE() bool {
	desktop := strings.ToUpper(os.Getenv("XDG_CURRENT_DESKTOP"))
	return strings.Contains(desktop, "KDE") || os.Getenv("KDE_FULL_SESSION") != ""
}

// Enable routes desktop HTTP, HTTPS, FTP and SOCKS traffic through the local
// inbounds. It succeeds when at least one tool accepted the settings.
func (m *Manager) Enable(ctx context.Context, socksPort, httpPort int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if httpPort <= 0 {
		httpPort = socksPort
	}
	actions, err := m.enableActions(socksPort, httpPort)
	if err != nil {
		return err
	}
	if err := m.apply(ctx, actions); err != nil {
		return err
	}

	m.active = true
	m.socksPort, m.httpPort = socksPort, httpPort
	m.logger.Info("system proxy enabled", zap.Int("socks_port", socksPort), zap.Int("http_port", httpPort))
	return nil
}

// Disable switches desktop proxy settings back to direct. Clearing when
// nothing was set is not an error.
func (m *Manager) Disable(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var actions [][]string
	if m.runner.Available("gsettings") {
		actions = append(actions, []string{"gsettings", "set", gnomeProxySchema, "mode", "none"})
	}
	if m.kde && m.runner.Available("kwriteconfig5") {
		actions = append(actions, m.kwrite("ProxyType", "0"), reparseKIO())
	}
	if len(actions) > 0 {
		if err := m.apply(ctx, actions); err != nil {
			return err
		}
	}

	wasActive := m.active
	m.active = false
	if wasActive {
		m.logger.Info("system proxy cleared")
	}
	return nil
}

// Active reports whether settings were applied by this process.
func (m *Manager) Active() (active bool, socksPort, httpPort int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active, m.socksPort, m.httpPort
}

func (m *Manager) enableActions(socksPort, httpPort int) ([][]string, error) {
	hasGS := m.runner.Available("gsettings")
	hasKW := m.kde && m.runner.Available("kwriteconfig5")
	if !hasGS && !hasKW {
		return nil, fmt.Errorf("%w: neither gsettings nor kwriteconfig5 available", pkgerrors.ErrSystemProxy)
	}

	var actions [][]string
	if hasGS {
		actions = append(actions, []string{"gsettings", "set", gnomeProxySchema, "mode", "manual"})
		for _, proto := range []string{"http", "https", "ftp"} {
			actions = append(actions,
				[]string{"gsettings", "set", gnomeProxySchema + "." + proto, "host", proxyHost},
				[]string{"gsettings", "set", gnomeProxySchema + "." + proto, "port", strconv.Itoa(httpPort)})
		}
		actions = append(actions,
			[]string{"gsettings", "set", gnomeProxySchema + ".socks", "host", proxyHost},
			[]string{"gsettings", "set", gnomeProxySchema + ".socks", "port", strconv.Itoa(socksPort)})
	}
	if hasKW {
		for _, proto := range []string{"http", "https", "ftp"} {
			actions = append(actions, m.kwrite(proto+"Proxy", fmt.Sprintf("http://%s %d", proxyHost, httpPort)))
		}
		actions = append(actions,
			m.kwrite("socksProxy", fmt.Sprintf("socks://%s %d", proxyHost, socksPort)),
			m.kwrite("ProxyType", "1"),
			reparseKIO())
	}
	return actions, nil
}

func (m *Manager) kwrite(key, value string) []string {
	return []string{"kwriteconfig5",
		"--file", filepath.Join(m.configHome, "kioslaverc"),
		"--group", kdeGroup,
		"--key", key,
		value}
}

func reparseKIO() []string {
	return []string{"dbus-send", "--type=signal", "/KIO/Scheduler",
		"org.kde.KIO.Scheduler.reparseSlaveConfiguration", "string:''"}
}

func (m *Manager) apply(ctx context.Context, actions [][]string) error {
	failed := 0
	var lastErr error
	for _, a := range actions {
		if out, err := m.runner.Run(ctx, a[0], a[1:]...); err != nil {
			failed++
			lastErr = fmt.Errorf("%s: %w: %s", strings.Join(a, " "), err, strings.TrimSpace(string(out)))
			m.logger.Debug("proxy command failed", zap.Error(lastErr))
		}
	}
	if failed == len(actions) {
		return fmt.Errorf("%w: all commands failed: %v", pkgerrors.ErrSystemProxy, lastErr)
	}
	if failed > 0 {
		m.logger.Warn("some proxy commands failed",
			zap.Int("failed", failed), zap.Int("total", len(actions)), zap.Error(lastErr))
	}
	return nil
}
