package storage

import (
	"context"
	"errors"

	"xraydeck/internal/storage/models"
)

// ErrNotFound is returned by GetSetting for an unknown key.
var ErrNotFound = errors.New("not found")

// Setting keys persisted across backend restarts.
const (
	SettingTunEnabled             = "tun_mode_enabled"
	SettingTunPrivileges          = "tun_privileges"
	SettingTunPrivilegesCheckedAt = "tun_privileges_checked_at"
	SettingKillSwitchEnabled      = "kill_switch_enabled"
	SettingKillSwitchActive       = "kill_switch_active"
	SettingKillSwitchActivatedAt  = "kill_switch_activated_at"
	SettingSystemProxyEnabled     = "system_proxy_enabled"
)

// Storage defines the interface for data persistence
type Storage interface {
	// Profile operations. There is at most one profile.
	GetProfile(ctx context.Context) (*models.Profile, error) // nil when none stored
	SaveProfile(ctx context.Context, profile *models.Profile) error
	// RecordValidation writes only the validation columns, and only while
	// the stored profile is still the one identified by profile's source
	// and import time. It reports whether a row was updated.
	RecordValidation(ctx context.Context, profile *models.Profile) (bool, error)
	DeleteProfile(ctx context.Context) error

	// Latency operations
	RecordLatency(ctx context.Context, latency *models.LatencyTest) error
	GetLatestLatency(ctx context.Context, endpoint string) (*models.LatencyTest, error)
	GetLatencyHistory(ctx context.Context, endpoint string, limit int) ([]*models.LatencyTest, error)

	// Settings operations
	GetSetting(ctx context.Context, key string) (string, error)
	SetSetting(ctx context.Context, key, value string) error
	GetAllSettings(ctx context.Context) (map[string]string, error)

	// Active connection
	SetActiveConnection(ctx context.Context, conn *models.ActiveConnection) error
	GetActiveConnection(ctx context.Context) (*models.ActiveConnection, error)
	ClearActiveConnection(ctx context.Context) error

	// Transactions
	BeginTx(ctx context.Context) (Transaction, error)

	// Close closes the storage connection
	Close() error
}

// Transaction represents a database transaction
type Transaction interface {
	Commit() error
	Rollback() error
	Storage
}

// GetBool reads a boolean setting, returning def when unset or unparsable.
func GetBool(ctx context.Context, s Storage, key string, def bool) bool {
	v, err := s.GetSetting(ctx, key)
	if err != nil {
		return def
	}
	switch v {
	case "1", "true":
		return true
	case "0", "false":
		return false
	}
	return def
}

// SetBool stores a boolean setting as "true"/"false".
func SetBool(ctx context.Context, s Storage, key string, v bool) error {
	if v {
		return s.SetSetting(ctx, key, "true")
	}
	return s.SetSetting(ctx, key, "false")
}
