package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"corekeeper/internal/storage"
	"corekeeper/internal/storage/models"
	pkgerrors "corekeeper/pkg/errors"
)

// dbHandle is the common interface between *sql.DB and *sql.Tx.
type dbHandle interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

// DB implements the Storage interface using SQLite
type DB struct {
	db *sql.DB
}

// New opens (creating if needed) the database at dbPath and migrates it.
func New(dbPath string) (*DB, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	storage := &DB{db: db}

	if err := runMigrations(storage); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return storage, nil
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

// ─── Group operations ───────────────────────────────────────────────────────

const groupColumns = `id, name, is_default, subscription_url, auto_update, update_interval, user_agent,
	include_keywords, exclude_keywords, last_updated, next_update, created_at, updated_at`

func scanGroup(s rowScanner) (*models.Group, error) {
	group := &models.Group{}
	var subURL sql.NullString
	var include, exclude []byte
	err := s.Scan(
		&group.ID, &group.Name, &group.IsDefault, &subURL, &group.Subscription.AutoUpdate,
		&group.Subscription.UpdateInterval, &group.Subscription.UserAgent, &include, &exclude,
		&group.LastUpdated, &group.NextUpdate, &group.CreatedAt, &group.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	group.Subscription.Address = subURL.String
	group.Subscription.IncludeKeywords = decodeStrings(include)
	group.Subscription.ExcludeKeywords = decodeStrings(exclude)
	return group, nil
}

func (d *DB) CreateGroup(ctx context.Context, group *models.Group) error {
	return createGroup(ctx, d.handle(), group)
}
func (t *Tx) CreateGroup(ctx context.Context, group *models.Group) error {
	return createGroup(ctx, t.handle(), group)
}

func createGroup(ctx context.Context, h dbHandle, group *models.Group) error {
	query := `
		INSERT INTO groups (id, name, is_default, subscription_url, auto_update, update_interval, user_agent,
		                    include_keywords, exclude_keywords)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	sub := group.Subscription
	_, err := h.ExecContext(ctx, query,
		group.ID, group.Name, group.IsDefault, nullString(sub.Address), sub.AutoUpdate, sub.UpdateInterval,
		sub.UserAgent, encodeStrings(sub.IncludeKeywords), encodeStrings(sub.ExcludeKeywords),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s", pkgerrors.ErrGroupExists, group.Name)
		}
		return fmt.Errorf("failed to create group: %w", err)
	}
	now := time.Now()
	group.CreatedAt, group.UpdatedAt = now, now
	return nil
}

func (d *DB) GetGroup(ctx context.Context, id string) (*models.Group, error) {
	return getGroup(ctx, d.handle(), id)
}
func (t *Tx) GetGroup(ctx context.Context, id string) (*models.Group, error) {
	return getGroup(ctx, t.handle(), id)
}

func getGroup(ctx context.Context, h dbHandle, id string) (*models.Group, error) {
	group, err := scanGroup(h.QueryRowContext(ctx, "SELECT "+groupColumns+" FROM groups WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", pkgerrors.ErrGroupNotFound, id)
	}
	return group, err
}

func (d *DB) GetGroupByName(ctx context.Context, name string) (*models.Group, error) {
	return getGroupByName(ctx, d.handle(), name)
}
func (t *Tx) GetGroupByName(ctx context.Context, name string) (*models.Group, error) {
	return getGroupByName(ctx, t.handle(), name)
}

func getGroupByName(ctx context.Context, h dbHandle, name string) (*models.Group, error) {
	group, err := scanGroup(h.QueryRowContext(ctx, "SELECT "+groupColumns+" FROM groups WHERE name = ?", name))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", pkgerrors.ErrGroupNotFound, name)
	}
	return group, err
}

func (d *DB) GetAllGroups(ctx context.Context) ([]*models.Group, error) {
	return getAllGroups(ctx, d.handle())
}
func (t *Tx) GetAllGroups(ctx context.Context) ([]*models.Group, error) {
	return getAllGroups(ctx, t.handle())
}

func getAllGroups(ctx context.Context, h dbHandle) ([]*models.Group, error) {
	return queryGroups(ctx, h, "SELECT "+groupColumns+" FROM groups ORDER BY is_default DESC, name ASC")
}

func queryGroups(ctx context.Context, h dbHandle, query string, args ...interface{}) ([]*models.Group, error) {
	rows, err := h.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var groups []*models.Group
	for rows.Next() {
		group, err := scanGroup(rows)
		if err != nil {
			return nil, err
		}
		groups = append(groups, group)
	}
	return groups, rows.Err()
}

func (d *DB) UpdateGroup(ctx context.Context, group *models.Group) error {
	return updateGroup(ctx, d.handle(), group)
}
func (t *Tx) UpdateGroup(ctx context.Context, group *models.Group) error {
	return updateGroup(ctx, t.handle(), group)
}

func updateGroup(ctx context.Context, h dbHandle, group *models.Group) error {
	query := `
		UPDATE groups
		SET name = ?, subscription_url = ?, auto_update = ?, update_interval = ?, user_agent = ?,
		    include_keywords = ?, exclude_keywords = ?, last_updated = ?, next_update = ?
		WHERE id = ?
	`
	sub := group.Subscription
	res, err := h.ExecContext(ctx, query,
		group.Name, nullString(sub.Address), sub.AutoUpdate, sub.UpdateInterval, sub.UserAgent,
		encodeStrings(sub.IncludeKeywords), encodeStrings(sub.ExcludeKeywords),
		group.LastUpdated, group.NextUpdate, group.ID,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s", pkgerrors.ErrGroupExists, group.Name)
		}
		return err
	}
	return expectRow(res, fmt.Errorf("%w: %s", pkgerrors.ErrGroupNotFound, group.ID))
}

func (d *DB) DeleteGroup(ctx context.Context, id string) error {
	return deleteGroup(ctx, d.handle(), id)
}
func (t *Tx) DeleteGroup(ctx context.Context, id string) error {
	return deleteGroup(ctx, t.handle(), id)
}

func deleteGroup(ctx context.Context, h dbHandle, id string) error {
	group, err := getGroup(ctx, h, id)
	if err != nil {
		return err
	}
	if group.IsDefault {
		return pkgerrors.ErrGroupIsDefault
	}
	_, err = h.ExecContext(ctx, "DELETE FROM groups WHERE id = ?", id)
	return err
}

func (d *DB) GetDefaultGroup(ctx context.Context) (*models.Group, error) {
	return getDefaultGroup(ctx, d.handle())
}
func (t *Tx) GetDefaultGroup(ctx context.Context) (*models.Group, error) {
	return getDefaultGroup(ctx, t.handle())
}

func getDefaultGroup(ctx context.Context, h dbHandle) (*models.Group, error) {
	group, err := scanGroup(h.QueryRowContext(ctx, "SELECT "+groupColumns+" FROM groups WHERE is_default = 1 LIMIT 1"))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: default", pkgerrors.ErrGroupNotFound)
	}
	return group, err
}

func (d *DB) GetDueGroups(ctx context.Context, now time.Time) ([]*models.Group, error) {
	return getDueGroups(ctx, d.handle(), now)
}
func (t *Tx) GetDueGroups(ctx context.Context, now time.Time) ([]*models.Group, error) {
	return getDueGroups(ctx, t.handle(), now)
}

func getDueGroups(ctx context.Context, h dbHandle, now time.Time) ([]*models.Group, error) {
	query := "SELECT " + groupColumns + ` FROM groups
		WHERE subscription_url IS NOT NULL AND subscription_url != ''
		  AND auto_update = 1
		  AND (next_update IS NULL OR next_update <= ?)`
	return queryGroups(ctx, h, query, now.UTC())
}

// ─── Connection operations ──────────────────────────────────────────────────

const connectionColumns = `id, name, group_id, protocol, address, port, auth_config, network, transport_config,
	tls_enabled, tls_config, uri, from_subscription, tags, notes, last_connected, use_count,
	total_upload, total_download, created_at, updated_at`

func scanConnection(s rowScanner) (*models.Connection, error) {
	conn := &models.Connection{}
	var authConfig, transportConfig, tlsConfig, tags []byte
	err := s.Scan(
		&conn.ID, &conn.Name, &conn.GroupID, &conn.Protocol, &conn.Address, &conn.Port,
		&authConfig, &conn.Network, &transportConfig, &conn.TLSEnabled, &tlsConfig,
		&conn.URI, &conn.FromSubscription, &tags, &conn.Notes, &conn.LastConnected,
		&conn.UseCount, &conn.TotalUpload, &conn.TotalDownload, &conn.CreatedAt, &conn.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	conn.AuthConfig = rawJSON(authConfig)
	conn.TransportConfig = rawJSON(transportConfig)
	conn.TLSConfig = rawJSON(tlsConfig)
	conn.Tags = decodeStrings(tags)
	return conn, nil
}

func (d *DB) CreateConnection(ctx context.Context, conn *models.Connection) error {
	return createConnection(ctx, d.handle(), conn)
}
func (t *Tx) CreateConnection(ctx context.Context, conn *models.Connection) error {
	return createConnection(ctx, t.handle(), conn)
}

func createConnection(ctx context.Context, h dbHandle, conn *models.Connection) error {
	query := `
		INSERT INTO connections (id, name, group_id, protocol, address, port, auth_config, network,
		                         transport_config, tls_enabled, tls_config, uri, from_subscription, tags, notes)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	auth := conn.AuthConfig
	if len(auth) == 0 {
		auth = json.RawMessage("{}")
	}
	_, err := h.ExecContext(ctx, query,
		conn.ID, conn.Name, conn.GroupID, conn.Protocol, conn.Address, conn.Port,
		string(auth), conn.Network, jsonText(conn.TransportConfig), conn.TLSEnabled,
		jsonText(conn.TLSConfig), conn.URI, conn.FromSubscription, encodeStrings(conn.Tags), conn.Notes,
	)
	if err != nil {
		return fmt.Errorf("failed to create connection: %w", err)
	}
	now := time.Now()
	conn.CreatedAt, conn.UpdatedAt = now, now
	return nil
}

func (d *DB) GetConnection(ctx context.Context, id string) (*models.Connection, error) {
	return getConnection(ctx, d.handle(), id)
}
func (t *Tx) GetConnection(ctx context.Context, id string) (*models.Connection, error) {
	return getConnection(ctx, t.handle(), id)
}

func getConnection(ctx context.Context, h dbHandle, id string) (*models.Connection, error) {
	conn, err := scanConnection(h.QueryRowContext(ctx, "SELECT "+connectionColumns+" FROM connections WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", pkgerrors.ErrConnectionNotFound, id)
	}
	return conn, err
}

func (d *DB) GetAllConnections(ctx context.Context, filter storage.ConnectionFilter) ([]*models.Connection, error) {
	return getAllConnections(ctx, d.handle(), filter)
}
func (t *Tx) GetAllConnections(ctx context.Context, filter storage.ConnectionFilter) ([]*models.Connection, error) {
	return getAllConnections(ctx, t.handle(), filter)
}

func getAllConnections(ctx context.Context, h dbHandle, filter storage.ConnectionFilter) ([]*models.Connection, error) {
	query := "SELECT " + connectionColumns + " FROM connections WHERE 1=1"
	args := []interface{}{}

	if filter.GroupID != nil {
		query += " AND group_id = ?"
		args = append(args, *filter.GroupID)
	}
	if filter.Protocol != nil {
		query += " AND protocol = ?"
		args = append(args, *filter.Protocol)
	}
	if filter.FromSubscription != nil {
		query += " AND from_subscription = ?"
		args = append(args, *filter.FromSubscription)
	}
	if filter.SearchTerm != "" {
		query += " AND (name LIKE ? OR address LIKE ? OR notes LIKE ?)"
		searchPattern := "%" + filter.SearchTerm + "%"
		args = append(args, searchPattern, searchPattern, searchPattern)
	}
	query += " ORDER BY name ASC, id ASC"

	rows, err := h.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var conns []*models.Connection
	for rows.Next() {
		conn, err := scanConnection(rows)
		if err != nil {
			return nil, err
		}
		if !hasAllTags(conn.Tags, filter.Tags) {
			continue
		}
		conns = append(conns, conn)
	}
	return conns, rows.Err()
}

func hasAllTags(have, want []string) bool {
	for _, w := range want {
		found := false
		for _, t := range have {
			if strings.EqualFold(t, w) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func (d *DB) UpdateConnection(ctx context.Context, conn *models.Connection) error {
	return updateConnection(ctx, d.handle(), conn)
}
func (t *Tx) UpdateConnection(ctx context.Context, conn *models.Connection) error {
	return updateConnection(ctx, t.handle(), conn)
}

func updateConnection(ctx context.Context, h dbHandle, conn *models.Connection) error {
	query := `
		UPDATE connections
		SET name = ?, group_id = ?, protocol = ?, address = ?, port = ?, auth_config = ?, network = ?,
		    transport_config = ?, tls_enabled = ?, tls_config = ?, uri = ?, from_subscription = ?,
		    tags = ?, notes = ?
		WHERE id = ?
	`
	res, err := h.ExecContext(ctx, query,
		conn.Name, conn.GroupID, conn.Protocol, conn.Address, conn.Port, jsonText(conn.AuthConfig),
		conn.Network, jsonText(conn.TransportConfig), conn.TLSEnabled, jsonText(conn.TLSConfig),
		conn.URI, conn.FromSubscription, encodeStrings(conn.Tags), conn.Notes, conn.ID,
	)
	if err != nil {
		return err
	}
	return expectRow(res, fmt.Errorf("%w: %s", pkgerrors.ErrConnectionNotFound, conn.ID))
}

func (d *DB) DeleteConnection(ctx context.Context, id string) error {
	return deleteConnection(ctx, d.handle(), id)
}
func (t *Tx) DeleteConnection(ctx context.Context, id string) error {
	return deleteConnection(ctx, t.handle(), id)
}

func deleteConnection(ctx context.Context, h dbHandle, id string) error {
	res, err := h.ExecContext(ctx, "DELETE FROM connections WHERE id = ?", id)
	if err != nil {
		return err
	}
	return expectRow(res, fmt.Errorf("%w: %s", pkgerrors.ErrConnectionNotFound, id))
}

func (d *DB) DeleteConnectionsByGroup(ctx context.Context, groupID string, fromSubscriptionOnly bool) error {
	return deleteConnectionsByGroup(ctx, d.handle(), groupID, fromSubscriptionOnly)
}
func (t *Tx) DeleteConnectionsByGroup(ctx context.Context, groupID string, fromSubscriptionOnly bool) error {
	return deleteConnectionsByGroup(ctx, t.handle(), groupID, fromSubscriptionOnly)
}

func deleteConnectionsByGroup(ctx context.Context, h dbHandle, groupID string, fromSubscriptionOnly bool) error {
	query := "DELETE FROM connections WHERE group_id = ?"
	if fromSubscriptionOnly {
		query += " AND from_subscription = 1"
	}
	_, err := h.ExecContext(ctx, query, groupID)
	return err
}

func (d *DB) MoveConnections(ctx context.Context, fromGroup, toGroup string) ([]string, error) {
	return moveConnections(ctx, d.handle(), fromGroup, toGroup)
}
func (t *Tx) MoveConnections(ctx context.Context, fromGroup, toGroup string) ([]string, error) {
	return moveConnections(ctx, t.handle(), fromGroup, toGroup)
}

func moveConnections(ctx context.Context, h dbHandle, fromGroup, toGroup string) ([]string, error) {
	rows, err := h.QueryContext(ctx, "SELECT id FROM connections WHERE group_id = ? ORDER BY id", fromGroup)
	if err != nil {
		return nil, err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if _, err := h.ExecContext(ctx, "UPDATE connections SET group_id = ? WHERE group_id = ?", toGroup, fromGroup); err != nil {
		return nil, err
	}
	return ids, nil
}

func (d *DB) AddTraffic(ctx context.Context, id string, upload, download int64) error {
	return addTraffic(ctx, d.handle(), id, upload, download)
}
func (t *Tx) AddTraffic(ctx context.Context, id string, upload, download int64) error {
	return addTraffic(ctx, t.handle(), id, upload, download)
}

func addTraffic(ctx context.Context, h dbHandle, id string, upload, download int64) error {
	query := `UPDATE connections SET total_upload = total_upload + ?, total_download = total_download + ? WHERE id = ?`
	_, err := h.ExecContext(ctx, query, upload, download, id)
	return err
}

func (d *DB) ResetTraffic(ctx context.Context, id string) error {
	return resetTraffic(ctx, d.handle(), id)
}
func (t *Tx) ResetTraffic(ctx context.Context, id string) error {
	return resetTraffic(ctx, t.handle(), id)
}

func resetTraffic(ctx context.Context, h dbHandle, id string) error {
	res, err := h.ExecContext(ctx, "UPDATE connections SET total_upload = 0, total_download = 0 WHERE id = ?", id)
	if err != nil {
		return err
	}
	return expectRow(res, fmt.Errorf("%w: %s", pkgerrors.ErrConnectionNotFound, id))
}

func (d *DB) MarkConnected(ctx context.Context, id string, at time.Time) error {
	return markConnected(ctx, d.handle(), id, at)
}
func (t *Tx) MarkConnected(ctx context.Context, id string, at time.Time) error {
	return markConnected(ctx, t.handle(), id, at)
}

func markConnected(ctx context.Context, h dbHandle, id string, at time.Time) error {
	res, err := h.ExecContext(ctx, "UPDATE connections SET last_connected = ?, use_count = use_count + 1 WHERE id = ?", at.UTC(), id)
	if err != nil {
		return err
	}
	return expectRow(res, fmt.Errorf("%w: %s", pkgerrors.ErrConnectionNotFound, id))
}

// ─── Latency operations ─────────────────────────────────────────────────────

func (d *DB) RecordLatency(ctx context.Context, latency *models.LatencyTest) error {
	return recordLatency(ctx, d.handle(), latency)
}
func (t *Tx) RecordLatency(ctx context.Context, latency *models.LatencyTest) error {
	return recordLatency(ctx, t.handle(), latency)
}

func recordLatency(ctx context.Context, h dbHandle, latency *models.LatencyTest) error {
	query := `
		INSERT INTO latency_tests (connection_id, latency_ms, success, error_message, test_strategy)
		VALUES (?, ?, ?, ?, ?)
	`
	result, err := h.ExecContext(ctx, query,
		latency.ConnectionID, latency.LatencyMS, latency.Success, latency.ErrorMessage, latency.TestStrategy,
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

func (d *DB) GetLatestLatency(ctx context.Context, connectionID string) (*models.LatencyTest, error) {
	return getLatestLatency(ctx, d.handle(), connectionID)
}
func (t *Tx) GetLatestLatency(ctx context.Context, connectionID string) (*models.LatencyTest, error) {
	return getLatestLatency(ctx, t.handle(), connectionID)
}

func getLatestLatency(ctx context.Context, h dbHandle, connectionID string) (*models.LatencyTest, error) {
	query := `
		SELECT id, connection_id, latency_ms, success, error_message, test_strategy, tested_at
		FROM latency_tests
		WHERE connection_id = ?
		ORDER BY id DESC
		LIMIT 1
	`
	latency := &models.LatencyTest{}
	err := h.QueryRowContext(ctx, query, connectionID).Scan(
		&latency.ID, &latency.ConnectionID, &latency.LatencyMS, &latency.Success,
		&latency.ErrorMessage, &latency.TestStrategy, &latency.TestedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return latency, nil
}

// ─── Settings operations ────────────────────────────────────────────────────

func (d *DB) GetSetting(ctx context.Context, key string) (string, error) {
	return getSetting(ctx, d.handle(), key)
}
func (t *Tx) GetSetting(ctx context.Context, key string) (string, error) {
	return getSetting(ctx, t.handle(), key)
}

// getSetting returns "" for a missing key.
func getSetting(ctx context.Context, h dbHandle, key string) (string, error) {
	var value string
	err := h.QueryRowContext(ctx, "SELECT value FROM settings WHERE key = ?", key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
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
	query := `
		INSERT INTO active_connection (id, connection_id, group_id, core_type, pid, started_at)
		VALUES (1, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			connection_id = excluded.connection_id,
			group_id = excluded.group_id,
			core_type = excluded.core_type,
			pid = excluded.pid,
			started_at = excluded.started_at
	`
	startedAt := conn.StartedAt
	if startedAt.IsZero() {
		startedAt = time.Now()
	}
	_, err := h.ExecContext(ctx, query, conn.ConnectionID, conn.GroupID, conn.CoreType, conn.PID, startedAt.UTC())
	return err
}

func (d *DB) GetActiveConnection(ctx context.Context) (*models.ActiveConnection, error) {
	return getActiveConnection(ctx, d.handle())
}
func (t *Tx) GetActiveConnection(ctx context.Context) (*models.ActiveConnection, error) {
	return getActiveConnection(ctx, t.handle())
}

func getActiveConnection(ctx context.Context, h dbHandle) (*models.ActiveConnection, error) {
	query := `SELECT connection_id, group_id, core_type, pid, started_at FROM active_connection WHERE id = 1`
	conn := &models.ActiveConnection{}
	err := h.QueryRowContext(ctx, query).Scan(
		&conn.ConnectionID, &conn.GroupID, &conn.CoreType, &conn.PID, &conn.StartedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
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

// ─── helpers ────────────────────────────────────────────────────────────────

func expectRow(res sql.Result, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound
	}
	return nil
}

func isUniqueViolation(err error) bool {
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func encodeStrings(v []string) string {
	if len(v) == 0 {
		return "[]"
	}
	b, _ := json.Marshal(v)
	return string(b)
}

func decodeStrings(b []byte) []string {
	var v []string
	if len(b) == 0 || json.Unmarshal(b, &v) != nil {
		return nil
	}
	if len(v) == 0 {
		return nil
	}
	return v
}

// jsonText stores an empty RawMessage as SQL NULL.
func jsonText(raw json.RawMessage) interface{} {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

func rawJSON(b []byte) json.RawMessage {
	if len(b) == 0 {
		return nil
	}
	return json.RawMessage(b)
}
