package paths

import (
	"os"
	"os/user"
	"path/filepath"
	"strconv"
)

const appName = "xraydeck"

// Environment variables set by the Decky plugin loader. When present they
// take precedence over the XDG-style fallbacks.
const (
	EnvSettingsDir = "DECKY_PLUGIN_SETTINGS_DIR"
	EnvRuntimeDir  = "DECKY_PLUGIN_RUNTIME_DIR"
	EnvLogDir      = "DECKY_PLUGIN_LOG_DIR"
)

// HomeDir returns the real user's home directory, even when running under sudo.
// The plugin loader runs backends as root, so the invoking user's home keeps
// the database and settings in one place regardless of privilege level.
func HomeDir() (string, error) {
	if sudoUser := os.Getenv("SUDO_USER"); sudoUser != "" {
		u, err := user.Lookup(sudoUser)
		if err == nil {
			return u.HomeDir, nil
		}
	}
	return os.UserHomeDir()
}

// RealUser returns the UID and GID of the real invoking user when running
// under sudo (via SUDO_UID / SUDO_GID). Returns ok=false when not under sudo.
func RealUser() (uid, gid int, ok bool) {
	sudoUID := os.Getenv("SUDO_UID")
	if sudoUID == "" {
		return 0, 0, false
	}
	u, err := strconv.ParseInt(sudoUID, 10, 64)
	if err != nil {
		return 0, 0, false
	}
	var g int64
	if sudoGID := os.Getenv("SUDO_GID"); sudoGID != "" {
		g, _ = strconv.ParseInt(sudoGID, 10, 64)
	}
	return int(u), int(g), true
}

// ChownToRealUser changes the owner of path to the real invoking user when
// running under sudo. It is a no-op when not under sudo.
func ChownToRealUser(path string) {
	if uid, gid, ok := RealUser(); ok {
		os.Chown(path, uid, gid)
	}
}

// ConfigDir holds config.yaml. Decky: DECKY_PLUGIN_SETTINGS_DIR,
// otherwise ~/.config/xraydeck.
func ConfigDir() (string, error) {
	return resolve(EnvSettingsDir, ".config")
}

// DataDir holds the sqlite database. Decky: DECKY_PLUGIN_RUNTIME_DIR,
// otherwise ~/.local/share/xraydeck.
func DataDir() (string, error) {
	return resolve(EnvRuntimeDir, ".local", "share")
}

// CacheDir holds pid files, generated xray configs and certificates.
// It lives next to the data dir under Decky.
func CacheDir() (string, error) {
	if dir := os.Getenv(EnvRuntimeDir); dir != "" {
		return ensure(filepath.Join(dir, "run"))
	}
	return resolve("", ".cache")
}

// LogDir holds xraydeck.log, xray.log and tund.log.
func LogDir() (string, error) {
	if dir := os.Getenv(EnvLogDir); dir != "" {
		return ensure(dir)
	}
	return CacheDir()
}

func resolve(env string, rel ...string) (string, error) {
	if env != "" {
		if dir := os.Getenv(env); dir != "" {
			return ensure(dir)
		}
	}
	home, err := HomeDir()
	if err != nil {
		return "", err
	}
	parts := append([]string{home}, rel...)
	parts = append(parts, appName)
	return ensure(filepath.Join(parts...))
}

// ensure creates dir and hands it to the real user under sudo so later
// non-root invocations of the CLI can still read it.
func ensure(dir string) (string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", err
	}
	ChownToRealUser(dir)
	return dir, nil
}
