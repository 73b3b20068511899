package sqlite

const schema = `
-- The single stored proxy profile
CREATE TABLE IF NOT EXISTS profile (
    id INTEGER PRIMARY KEY CHECK (id = 1),
    source_url TEXT NOT NULL,
    config_type TEXT NOT NULL DEFAULT 'single',

    -- Connection details
    uuid TEXT NOT NULL,
    address TEXT NOT NULL,
    port INTEGER NOT NULL CHECK (port BETWEEN 1 AND 65535),

    flow TEXT,
    encryption TEXT,
    network TEXT,
    security TEXT,

    -- Optional parameter blocks (JSON)
    reality_config TEXT,
    transport_config TEXT,

    name TEXT,

    imported_at TIMESTAMP NOT NULL,
    last_validated_at TIMESTAMP,
    is_valid BOOLEAN NOT NULL DEFAULT 1,
    validation_error TEXT,

    updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);

-- Latency test results
CREATE TABLE IF NOT EXISTS latency_tests (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    endpoint TEXT NOT NULL,
    latency_ms INTEGER,
    success BOOLEAN NOT NULL,
    error_message TEXT,
    test_strategy TEXT DEFAULT 'tcp',
    tested_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);

-- Application settings
CREATE TABLE IF NOT EXISTS settings (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL,
    updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);

-- Running proxy process, for orphan cleanup after a backend restart
CREATE TABLE IF NOT EXISTS active_connection (
    id INTEGER PRIMARY KEY CHECK (id = 1),
    pid INTEGER NOT NULL,
    core_type TEXT NOT NULL,
    vpn_mode TEXT NOT NULL,
    started_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_latency_tests_endpoint ON latency_tests(endpoint);
CREATE INDEX IF NOT EXISTS idx_latency_tests_tested_at ON latency_tests(tested_at);

CREATE TRIGGER IF NOT EXISTS update_profile_timestamp AFTER UPDATE ON profile
BEGIN
    UPDATE profile SET updated_at = CURRENT_TIMESTAMP WHERE id = NEW.id;
END;

CREATE TRIGGER IF NOT EXISTS update_settings_timestamp AFTER UPDATE ON settings
BEGIN
    UPDATE settings SET updated_at = CURRENT_TIMESTAMP WHERE key = NEW.key;
END;
`

const defaultData = `
INSERT OR IGNORE INTO settings (key, value) VALUES
    ('tun_mode_enabled', 'false'),
    ('kill_switch_enabled', 'false'),
    ('kill_switch_active', 'false'),
    ('system_proxy_enabled', 'false');
`

// runMigrations executes the database schema and default data
func runMigrations(db *DB) error {
	if _, err := db.db.Exec(schema); err != nil {
		return err
	}
	if _, err := db.db.Exec(defaultData); err != nil {
		return err
	}
	return nil
}
