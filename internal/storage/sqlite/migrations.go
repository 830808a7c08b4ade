package sqlite

import "corekeeper/internal/storage/models"

const schema = `
-- Groups; exactly one row has is_default = 1
CREATE TABLE IF NOT EXISTS groups (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL UNIQUE,
    is_default BOOLEAN DEFAULT 0,
    subscription_url TEXT,
    auto_update BOOLEAN DEFAULT 1,
    update_interval INTEGER DEFAULT 86400,
    user_agent TEXT DEFAULT '',
    include_keywords TEXT,
    exclude_keywords TEXT,
    last_updated TIMESTAMP,
    next_update TIMESTAMP,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);

-- Connections; group_id never cascades, groups are emptied before deletion
CREATE TABLE IF NOT EXISTS connections (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    group_id TEXT NOT NULL,
    protocol TEXT NOT NULL,
    address TEXT NOT NULL,
    port INTEGER NOT NULL,
    auth_config TEXT NOT NULL,
    network TEXT DEFAULT 'tcp',
    transport_config TEXT,
    tls_enabled BOOLEAN DEFAULT 0,
    tls_config TEXT,
    uri TEXT DEFAULT '',
    from_subscription BOOLEAN DEFAULT 0,
    tags TEXT,
    notes TEXT DEFAULT '',
    last_connected TIMESTAMP,
    use_count INTEGER DEFAULT 0,
    total_upload INTEGER DEFAULT 0,
    total_download INTEGER DEFAULT 0,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,

    FOREIGN KEY (group_id) REFERENCES groups(id)
);

CREATE TABLE IF NOT EXISTS latency_tests (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    connection_id TEXT NOT NULL,
    latency_ms INTEGER,
    success BOOLEAN NOT NULL,
    error_message TEXT DEFAULT '',
    test_strategy TEXT DEFAULT 'tcp',
    tested_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    FOREIGN KEY (connection_id) REFERENCES connections(id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS settings (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL,
    updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);

-- Running kernel, singleton row
CREATE TABLE IF NOT EXISTS active_connection (
    id INTEGER PRIMARY KEY CHECK (id = 1),
    connection_id TEXT NOT NULL,
    group_id TEXT NOT NULL,
    core_type TEXT NOT NULL,
    pid INTEGER DEFAULT 0,
    started_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_connections_group_id ON connections(group_id);
CREATE INDEX IF NOT EXISTS idx_connections_protocol ON connections(protocol);
CREATE INDEX IF NOT EXISTS idx_connections_from_subscription ON connections(from_subscription);
CREATE INDEX IF NOT EXISTS idx_groups_next_update ON groups(next_update);
CREATE INDEX IF NOT EXISTS idx_latency_tests_connection_id ON latency_tests(connection_id);

CREATE TRIGGER IF NOT EXISTS update_groups_timestamp AFTER UPDATE ON groups
BEGIN
    UPDATE groups SET updated_at = CURRENT_TIMESTAMP WHERE id = NEW.id;
END;

CREATE TRIGGER IF NOT EXISTS update_connections_timestamp AFTER UPDATE ON connections
BEGIN
    UPDATE connections SET updated_at = CURRENT_TIMESTAMP WHERE id = NEW.id;
END;

CREATE TRIGGER IF NOT EXISTS update_settings_timestamp AFTER UPDATE ON settings
BEGIN
    UPDATE settings SET updated_at = CURRENT_TIMESTAMP WHERE key = NEW.key;
END;
`

const defaultData = `
INSERT OR IGNORE INTO groups (id, name, is_default, auto_update)
VALUES ('` + models.DefaultGroupID + `', 'Default', 1, 0);

INSERT OR IGNORE INTO settings (key, value) VALUES
    ('active_core', 'xray'),
    ('schema_version', '1');
`

func runMigrations(db *DB) error {
	if _, err := db.db.Exec(schema); err != nil {
		return err
	}
	if _, err := db.db.Exec(defaultData); err != nil {
		return err
	}
	return nil
}
