package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"xraydeck/internal/storage"
	"xraydeck/internal/storage/models"
)

var (
	_ storage.Storage     = (*DB)(nil)
	_ storage.Transaction = (*Tx)(nil)
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func sampleProfile() *models.Profile {
	validated := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	return &models.Profile{
		SourceURL:  "vless://123e4567-e89b-12d3-a456-426614174000@example.com:443?security=reality#MyNode",
		ConfigType: models.ConfigTypeSingle,
		UUID:       "123e4567-e89b-12d3-a456-426614174000",
		Address:    "example.com",
		Port:       443,
		Security:   "reality",
		Reality: &models.RealityConfig{
			PublicKey:   "pk",
			ShortID:     "ab",
			Fingerprint: "chrome",
		},
		Name:            "MyNode",
		ImportedAt:      validated,
		LastValidatedAt: &validated,
		IsValid:         true,
	}
}

func TestProfileRoundTrip(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)

	got, err := db.GetProfile(ctx)
	if err != nil {
		t.Fatalf("GetProfile() error: %v", err)
	}
	if got != nil {
		t.Fatalf("expected no profile on a fresh database, got %+v", got)
	}

	want := sampleProfile()
	if err := db.SaveProfile(ctx, want); err != nil {
		t.Fatalf("SaveProfile() error: %v", err)
	}

	got, err = db.GetProfile(ctx)
	if err != nil {
		t.Fatalf("GetProfile() error: %v", err)
	}
	if got.Address != want.Address || got.Port != want.Port || got.Name != want.Name {
		t.Errorf("profile mismatch: got %+v", got)
	}
	if got.Reality == nil || got.Reality.PublicKey != "pk" {
		t.Errorf("reality config not restored: %+v", got.Reality)
	}
	if got.Transport != nil {
		t.Errorf("expected nil transport, got %+v", got.Transport)
	}
	if got.LastValidatedAt == nil || !got.LastValidatedAt.Equal(*want.LastValidatedAt) {
		t.Errorf("lastValidatedAt = %v, want %v", got.LastValidatedAt, want.LastValidatedAt)
	}
	if !got.ImportedAt.Equal(want.ImportedAt) {
		t.Errorf("importedAt = %v, want %v", got.ImportedAt, want.ImportedAt)
	}
}

func TestSaveProfileReplacesSingleton(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)

	if err := db.SaveProfile(ctx, sampleProfile()); err != nil {
		t.Fatal(err)
	}
	second := sampleProfile()
	second.Address = "10.0.0.1"
	second.Reality = nil
	second.LastValidatedAt = nil
	if err := db.SaveProfile(ctx, second); err != nil {
		t.Fatal(err)
	}

	var count int
	if err := db.db.QueryRow("SELECT COUNT(*) FROM profile").Scan(&count); err != nil {
		t.Fatal(err)
	}
	if count != 1 {
		t.Errorf("profile rows = %d, want 1", count)
	}

	got, err := db.GetProfile(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if got.Address != "10.0.0.1" || got.Reality != nil || got.LastValidatedAt != nil {
		t.Errorf("replacement not stored: %+v", got)
	}

	if err := db.DeleteProfile(ctx); err != nil {
		t.Fatal(err)
	}
	if got, _ := db.GetProfile(ctx); got != nil {
		t.Errorf("expected profile to be deleted, got %+v", got)
	}
	// Deleting twice is fine.
	if err := db.DeleteProfile(ctx); err != nil {
		t.Errorf("second DeleteProfile() error: %v", err)
	}
}

func TestRecordValidation(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)

	p := sampleProfile()
	if err := db.SaveProfile(ctx, p); err != nil {
		t.Fatal(err)
	}

	later := p.ImportedAt.Add(time.Hour)
	check := *p
	check.IsValid = false
	check.ValidationError = "Invalid VLESS URL format."
	check.LastValidatedAt = &later
	ok, err := db.RecordValidation(ctx, &check)
	if err != nil || !ok {
		t.Fatalf("RecordValidation() = %v, %v", ok, err)
	}
	got, _ := db.GetProfile(ctx)
	if got.IsValid || got.ValidationError != check.ValidationError || !got.LastValidatedAt.Equal(later) || got.Address != p.Address {
		t.Errorf("stored = %+v", got)
	}

	// A profile imported later is not touched.
	stale := check
	stale.ImportedAt = p.ImportedAt.Add(-time.Minute)
	stale.IsValid = true
	if ok, err := db.RecordValidation(ctx, &stale); err != nil || ok {
		t.Errorf("stale RecordValidation() = %v, %v", ok, err)
	}

	if err := db.DeleteProfile(ctx); err != nil {
		t.Fatal(err)
	}
	if ok, err := db.RecordValidation(ctx, &check); err != nil || ok {
		t.Errorf("RecordValidation() after delete = %v, %v", ok, err)
	}
	if got, _ := db.GetProfile(ctx); got != nil {
		t.Errorf("deleted profile recreated: %+v", got)
	}
}

func TestSettings(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)

	if storage.GetBool(ctx, db, storage.SettingKillSwitchEnabled, true) {
		t.Error("default kill_switch_enabled should be false")
	}
	if err := storage.SetBool(ctx, db, storage.SettingKillSwitchEnabled, true); err != nil {
		t.Fatal(err)
	}
	if !storage.GetBool(ctx, db, storage.SettingKillSwitchEnabled, false) {
		t.Error("kill_switch_enabled should be true after SetBool")
	}

	_, err := db.GetSetting(ctx, "missing")
	if !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("GetSetting(missing) error = %v, want ErrNotFound", err)
	}

	all, err := db.GetAllSettings(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if all[storage.SettingTunEnabled] != "false" {
		t.Errorf("tun_mode_enabled default = %q", all[storage.SettingTunEnabled])
	}
}

func TestTransactionRollback(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)

	tx, err := db.BeginTx(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if err := tx.SaveProfile(ctx, sampleProfile()); err != nil {
		t.Fatal(err)
	}
	if err := tx.Rollback(); err != nil {
		t.Fatal(err)
	}
	if got, _ := db.GetProfile(ctx); got != nil {
		t.Errorf("rolled back profile is visible: %+v", got)
	}
}

func TestLatencyHistory(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)

	base := time.Now().Add(-time.Minute)
	for i := 0; i < 3; i++ {
		ms := 10 * (i + 1)
		err := db.RecordLatency(ctx, &models.LatencyTest{
			Endpoint:     "example.com:443",
			LatencyMS:    &ms,
			Success:      true,
			TestStrategy: "tcp",
			TestedAt:     base.Add(time.Duration(i) * time.Second),
		})
		if err != nil {
			t.Fatal(err)
		}
	}

	latest, err := db.GetLatestLatency(ctx, "example.com:443")
	if err != nil {
		t.Fatal(err)
	}
	if latest == nil || latest.LatencyMS == nil || *latest.LatencyMS != 30 {
		t.Errorf("latest = %+v", latest)
	}

	history, err := db.GetLatencyHistory(ctx, "example.com:443", 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 2 {
		t.Errorf("history length = %d, want 2", len(history))
	}

	none, err := db.GetLatestLatency(ctx, "other:1")
	if err != nil || none != nil {
		t.Errorf("GetLatestLatency(other) = %+v, %v", none, err)
	}
}

func TestActiveConnection(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)

	if err := db.SetActiveConnection(ctx, &models.ActiveConnection{PID: 4242, CoreType: "xray", VPNMode: "proxy"}); err != nil {
		t.Fatal(err)
	}
	conn, err := db.GetActiveConnection(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if conn == nil || conn.PID != 4242 {
		t.Fatalf("active connection = %+v", conn)
	}
	if err := db.ClearActiveConnection(ctx); err != nil {
		t.Fatal(err)
	}
	if conn, _ := db.GetActiveConnection(ctx); conn != nil {
		t.Errorf("expected cleared, got %+v", conn)
	}
}
