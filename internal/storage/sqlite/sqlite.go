package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"xraydeck/internal/storage"
	"xraydeck/internal/storage/models"
)

// dbHandle is the common interface between *sql.DB and *sql.Tx.
type dbHandle interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// DB implements the Storage interface using SQLite
type DB struct {
	db *sql.DB
}

// New creates a new SQLite storage instance
func New(dbPath string) (*DB, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// The backend is the only writer; a small pool is plenty.
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	s := &DB{db: db}

	if err := runMigrations(s); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return s, nil
}

// Close closes the database connection
func (d *DB) Close() error {
	return d.db.Close()
}

func (d *DB) handle() dbHandle { return d.db }

// BeginTx starts a new transaction
func (d *DB) BeginTx(ctx context.Context) (storage.Transaction, error) {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	return &Tx{tx: tx}, nil
}

// Tx implements the Transaction interface
type Tx struct {
	tx *sql.Tx
}

func (t *Tx) Commit() error    { return t.tx.Commit() }
func (t *Tx) Rollback() error  { return t.tx.Rollback() }
func (t *Tx) handle() dbHandle { return t.tx }

func (t *Tx) BeginTx(ctx context.Context) (storage.Transaction, error) {
	return nil, fmt.Errorf("nested transactions not supported")
}

func (t *Tx) Close() error { return nil }

// ─── Profile operations ─────────────────────────────────────────────────────

func (d *DB) GetProfile(ctx context.Context) (*models.Profile, error) {
	return getProfile(ctx, d.handle())
}
func (t *Tx) GetProfile(ctx context.Context) (*models.Profile, error) {
	return getProfile(ctx, t.handle())
}

func getProfile(ctx context.Context, h dbHandle) (*models.Profile, error) {
	query := `
		SELECT source_url, config_type, uuid, address, port,
		       COALESCE(flow, ''), COALESCE(encryption, ''), COALESCE(network, ''), COALESCE(security, ''),
		       COALESCE(reality_config, ''), COALESCE(transport_config, ''), COALESCE(name, ''),
		       imported_at, last_validated_at, is_valid, COALESCE(validation_error, '')
		FROM profile WHERE id = 1
	`
	p := &models.Profile{}
	var realityJSON, transportJSON string
	err := h.QueryRowContext(ctx, query).Scan(
		&p.SourceURL, &p.ConfigType, &p.UUID, &p.Address, &p.Port,
		&p.Flow, &p.Encryption, &p.Network, &p.Security,
		&realityJSON, &transportJSON, &p.Name,
		&p.ImportedAt, &p.LastValidatedAt, &p.IsValid, &p.ValidationError,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load profile: %w", err)
	}

	if realityJSON != "" {
		p.Reality = &models.RealityConfig{}
		if err := json.Unmarshal([]byte(realityJSON), p.Reality); err != nil {
			return nil, fmt.Errorf("failed to decode reality config: %w", err)
		}
	}
	if transportJSON != "" {
		p.Transport = &models.TransportConfig{}
		if err := json.Unmarshal([]byte(transportJSON), p.Transport); err != nil {
			return nil, fmt.Errorf("failed to decode transport config: %w", err)
		}
	}
	return p, nil
}

func (d *DB) SaveProfile(ctx context.Context, profile *models.Profile) error {
	return saveProfile(ctx, d.handle(), profile)
}
func (t *Tx) SaveProfile(ctx context.Context, profile *models.Profile) error {
	return saveProfile(ctx, t.handle(), profile)
}

func saveProfile(ctx context.Context, h dbHandle, p *models.Profile) error {
	realityJSON, err := marshalOptional(p.Reality)
	if err != nil {
		return err
	}
	transportJSON, err := marshalOptional(p.Transport)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO profile (id, source_url, config_type, uuid, address, port,
		                     flow, encryption, network, security,
		                     reality_config, transport_config, name,
		                     imported_at, last_validated_at, is_valid, validation_error)
		VALUES (1, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			source_url = excluded.source_url,
			config_type = excluded.config_type,
			uuid = excluded.uuid,
			address = excluded.address,
			port = excluded.port,
			flow = excluded.flow,
			encryption = excluded.encryption,
			network = excluded.network,
			security = excluded.security,
			reality_config = excluded.reality_config,
			transport_config = excluded.transport_config,
			name = excluded.name,
			imported_at = excluded.imported_at,
			last_validated_at = excluded.last_validated_at,
			is_valid = excluded.is_valid,
			validation_error = excluded.validation_error
	`
	_, err = h.ExecContext(ctx, query,
		p.SourceURL, p.ConfigType, p.UUID, p.Address, p.Port,
		p.Flow, p.Encryption, p.Network, p.Security,
		realityJSON, transportJSON, p.Name,
		p.ImportedAt.UTC(), utcPtr(p.LastValidatedAt), p.IsValid, p.ValidationError,
	)
	if err != nil {
		return fmt.Errorf("failed to save profile: %w", err)
	}
	return nil
}

func (d *DB) RecordValidation(ctx context.Context, profile *models.Profile) (bool, error) {
	return recordValidation(ctx, d.handle(), profile)
}
func (t *Tx) RecordValidation(ctx context.Context, profile *models.Profile) (bool, error) {
	return recordValidation(ctx, t.handle(), profile)
}

func recordValidation(ctx context.Context, h dbHandle, p *models.Profile) (bool, error) {
	res, err := h.ExecContext(ctx, `
		UPDATE profile SET last_validated_at = ?, is_valid = ?, validation_error = ?
		WHERE id = 1 AND source_url = ? AND imported_at = ?
	`, utcPtr(p.LastValidatedAt), p.IsValid, p.ValidationError, p.SourceURL, p.ImportedAt.UTC())
	if err != nil {
		return false, fmt.Errorf("failed to record validation: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to record validation: %w", err)
	}
	return n == 1, nil
}

func (d *DB) DeleteProfile(ctx context.Context) error {
	return deleteProfile(ctx, d.handle())
}
func (t *Tx) DeleteProfile(ctx context.Context) error {
	return deleteProfile(ctx, t.handle())
}

func deleteProfile(ctx context.Context, h dbHandle) error {
	_, err := h.ExecContext(ctx, "DELETE FROM profile WHERE id = 1")
	return err
}

func marshalOptional(v interface{}) (sql.NullString, error) {
	switch x := v.(type) {
	case *models.RealityConfig:
		if x == nil {
			return sql.NullString{}, nil
		}
	case *models.TransportConfig:
		if x == nil {
			return sql.NullString{}, nil
		}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func utcPtr(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UTC()
}

// ─── Latency operations ─────────────────────────────────────────────────────

func (d *DB) RecordLatency(ctx context.Context, latency *models.LatencyTest) error {
	return recordLatency(ctx, d.handle(), latency)
}
func (t *Tx) RecordLatency(ctx context.Context, latency *models.LatencyTest) error {
	return recordLatency(ctx, t.handle(), latency)
}

func recordLatency(ctx context.Context, h dbHandle, latency *models.LatencyTest) error {
	if latency.TestedAt.IsZero() {
		latency.TestedAt = time.Now()
	}
	query := `
		INSERT INTO latency_tests (endpoint, latency_ms, success, error_message, test_strategy, tested_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`
	result, err := h.ExecContext(ctx, query,
		latency.Endpoint, latency.LatencyMS, latency.Success, latency.ErrorMessage,
		latency.TestStrategy, latency.TestedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to record latency: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return err
	}
	latency.ID = id
	return nil
}

func (d *DB) GetLatestLatency(ctx context.Context, endpoint string) (*models.LatencyTest, error) {
	return getLatestLatency(ctx, d.handle(), endpoint)
}
func (t *Tx) GetLatestLatency(ctx context.Context, endpoint string) (*models.LatencyTest, error) {
	return getLatestLatency(ctx, t.handle(), endpoint)
}

func getLatestLatency(ctx context.Context, h dbHandle, endpoint string) (*models.LatencyTest, error) {
	history, err := getLatencyHistory(ctx, h, endpoint, 1)
	if err != nil || len(history) == 0 {
		return nil, err
	}
	return history[0], nil
}

func (d *DB) GetLatencyHistory(ctx context.Context, endpoint string, limit int) ([]*models.LatencyTest, error) {
	return getLatencyHistory(ctx, d.handle(), endpoint, limit)
}
func (t *Tx) GetLatencyHistory(ctx context.Context, endpoint string, limit int) ([]*models.LatencyTest, error) {
	return getLatencyHistory(ctx, t.handle(), endpoint, limit)
}

func getLatencyHistory(ctx context.Context, h dbHandle, endpoint string, limit int) ([]*models.LatencyTest, error) {
	query := `
		SELECT id, endpoint, latency_ms, success, COALESCE(error_message, ''), test_strategy, tested_at
		FROM latency_tests
		WHERE endpoint = ?
		ORDER BY tested_at DESC, id DESC
		LIMIT ?
	`
	rows, err := h.QueryContext(ctx, query, endpoint, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var latencies []*models.LatencyTest
	for rows.Next() {
		latency := &models.LatencyTest{}
		err := rows.Scan(
			&latency.ID, &latency.Endpoint, &latency.LatencyMS, &latency.Success,
			&latency.ErrorMessage, &latency.TestStrategy, &latency.TestedAt,
		)
		if err != nil {
			return nil, err
		}
		latencies = append(latencies, latency)
	}
	return latencies, rows.Err()
}

// ─── Settings operations ────────────────────────────────────────────────────

func (d *DB) GetSetting(ctx context.Context, key string) (string, error) {
	return getSetting(ctx, d.handle(), key)
}
func (t *Tx) GetSetting(ctx context.Context, key string) (string, error) {
	return getSetting(ctx, t.handle(), key)
}

func getSetting(ctx context.Context, h dbHandle, key string) (string, error) {
	var value string
	err := h.QueryRowContext(ctx, "SELECT value FROM settings WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", fmt.Errorf("setting %s: %w", key, storage.ErrNotFound)
	}
	if err != nil {
		return "", err
	}
	return value, nil
}

func (d *DB) SetSetting(ctx context.Context, key, value string) error {
	return setSetting(ctx, d.handle(), key, value)
}
func (t *Tx) SetSetting(ctx context.Context, key, value string) error {
	return setSetting(ctx, t.handle(), key, value)
}

func setSetting(ctx context.Context, h dbHandle, key, value string) error {
	query := `
		INSERT INTO settings (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`
	_, err := h.ExecContext(ctx, query, key, value)
	return err
}

func (d *DB) GetAllSettings(ctx context.Context) (map[string]string, error) {
	return getAllSettings(ctx, d.handle())
}
func (t *Tx) GetAllSettings(ctx context.Context) (map[string]string, error) {
	return getAllSettings(ctx, t.handle())
}

func getAllSettings(ctx context.Context, h dbHandle) (map[string]string, error) {
	rows, err := h.QueryContext(ctx, "SELECT key, value FROM settings")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	settings := make(map[string]string)
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, err
		}
		settings[key] = value
	}
	return settings, rows.Err()
}

// ─── Active connection operations ───────────────────────────────────────────

func (d *DB) SetActiveConnection(ctx context.Context, conn *models.ActiveConnection) error {
	return setActiveConnection(ctx, d.handle(), conn)
}
func (t *Tx) SetActiveConnection(ctx context.Context, conn *models.ActiveConnection) error {
	return setActiveConnection(ctx, t.handle(), conn)
}

func setActiveConnection(ctx context.Context, h dbHandle, conn *models.ActiveConnection) error {
	if conn.StartedAt.IsZero() {
		conn.StartedAt = time.Now()
	}
	query := `
		INSERT INTO active_connection (id, pid, core_type, vpn_mode, started_at)
		VALUES (1, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			pid = excluded.pid,
			core_type = excluded.core_type,
			vpn_mode = excluded.vpn_mode,
			started_at = excluded.started_at
	`
	_, err := h.ExecContext(ctx, query, conn.PID, conn.CoreType, conn.VPNMode, conn.StartedAt.UTC())
	return err
}

func (d *DB) GetActiveConnection(ctx context.Context) (*models.ActiveConnection, error) {
	return getActiveConnection(ctx, d.handle())
}
func (t *Tx) GetActiveConnection(ctx context.Context) (*models.ActiveConnection, error) {
	return getActiveConnection(ctx, t.handle())
}

func getActiveConnection(ctx context.Context, h dbHandle) (*models.ActiveConnection, error) {
	query := `SELECT id, pid, core_type, vpn_mode, started_at FROM active_connection WHERE id = 1`
	conn := &models.ActiveConnection{}
	err := h.QueryRowContext(ctx, query).Scan(
		&conn.ID, &conn.PID, &conn.CoreType, &conn.VPNMode, &conn.StartedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return conn, nil
}

func (d *DB) ClearActiveConnection(ctx context.Context) error {
	return clearActiveConnection(ctx, d.handle())
}
func (t *Tx) ClearActiveConnection(ctx context.Context) error {
	return clearActiveConnection(ctx, t.handle())
}

func clearActiveConnection(ctx context.Context, h dbHandle) error {
	_, err := h.ExecContext(ctx, "DELETE FROM active_connection WHERE id = 1")
	return err
}
