// Package registry owns connection and group metadata. All mutations go
// through it so that storage stays referentially consistent and every change
// is announced on the event bus.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"corekeeper/internal/core/types"
	"corekeeper/internal/event"
	"corekeeper/internal/storage"
	"corekeeper/internal/storage/models"
	pkgerrors "corekeeper/pkg/errors"
)

// Registry maps connection and group ids to their persisted metadata.
type Registry struct {
	store storage.Storage
	bus   *event.Bus
	log   *zap.Logger
	now   func() time.Time
}

// New creates a registry over store. bus may be nil when nobody listens.
func New(store storage.Storage, bus *event.Bus, log *zap.Logger) *Registry {
	if log == nil {
		log = zap.NewNop()
	}
	return &Registry{
		store: store,
		bus:   bus,
		log:   log.With(zap.String("component", "registry")),
		now:   time.Now,
	}
}

func (r *Registry) publish(e event.Event) {
	if r.bus != nil {
		r.bus.Publish(e)
	}
}

// ConnectionMeta returns the connection with the given id, or the zero value
// when the id is unknown. Callers check IsEmpty.
func (r *Registry) ConnectionMeta(ctx context.Context, id string) models.Connection {
	if id == "" {
		return models.Connection{}
	}
	conn, err := r.store.GetConnection(ctx, id)
	if err != nil {
		if !errors.Is(err, pkgerrors.ErrConnectionNotFound) {
			r.log.Warn("connection lookup failed", zap.String("id", id), zap.Error(err))
		}
		return models.Connection{}
	}
	return *conn
}

// GroupMeta returns the group with the given id, or the zero value when the
// id is unknown.
func (r *Registry) GroupMeta(ctx context.Context, id string) models.Group {
	if id == "" {
		return models.Group{}
	}
	group, err := r.store.GetGroup(ctx, id)
	if err != nil {
		if !errors.Is(err, pkgerrors.ErrGroupNotFound) {
			r.log.Warn("group lookup failed", zap.String("id", id), zap.Error(err))
		}
		return models.Group{}
	}
	return *group
}

// Connections lists connections matching filter.
func (r *Registry) Connections(ctx context.Context, filter storage.ConnectionFilter) ([]*models.Connection, error) {
	return r.store.GetAllConnections(ctx, filter)
}

// GroupConnections lists the connections linked to a group.
func (r *Registry) GroupConnections(ctx context.Context, groupID string) ([]*models.Connection, error) {
	return r.store.GetAllConnections(ctx, storage.ConnectionFilter{GroupID: &groupID})
}

// Groups lists every group, default first.
func (r *Registry) Groups(ctx context.Context) ([]*models.Group, error) {
	return r.store.GetAllGroups(ctx)
}

// FindConnection resolves ref as an id first, then as an exact name.
func (r *Registry) FindConnection(ctx context.Context, ref string) (models.Connection, error) {
	if conn := r.ConnectionMeta(ctx, ref); !conn.IsEmpty() {
		return conn, nil
	}
	conns, err := r.store.GetAllConnections(ctx, storage.ConnectionFilter{SearchTerm: ref})
	if err != nil {
		return models.Connection{}, err
	}
	var matches []*models.Connection
	for _, c := range conns {
		if c.Name == ref {
			matches = append(matches, c)
		}
	}
	switch len(matches) {
	case 0:
		return models.Connection{}, fmt.Errorf("%w: %s", pkgerrors.ErrConnectionNotFound, ref)
	case 1:
		return *matches[0], nil
	default:
		return models.Connection{}, fmt.Errorf("name %q matches %d connections, use the id", ref, len(matches))
	}
}

// FindGroup resolves ref as an id first, then as a name.
func (r *Registry) FindGroup(ctx context.Context, ref string) (models.Group, error) {
	if g := r.GroupMeta(ctx, ref); !g.IsEmpty() {
		return g, nil
	}
	g, err := r.store.GetGroupByName(ctx, ref)
	if err != nil {
		return models.Group{}, err
	}
	return *g, nil
}

// PairOf returns the addressable pair for a connection id.
func (r *Registry) PairOf(ctx context.Context, connectionID string) (types.ConnectionGroupPair, error) {
	conn := r.ConnectionMeta(ctx, connectionID)
	if conn.IsEmpty() {
		return types.ConnectionGroupPair{}, fmt.Errorf("%w: %s", pkgerrors.ErrConnectionNotFound, connectionID)
	}
	return types.ConnectionGroupPair{ConnectionID: conn.ID, GroupID: conn.GroupID}, nil
}

// ─── Groups ─────────────────────────────────────────────────────────────────

// CreateGroup adds a group with a fresh id.
func (r *Registry) CreateGroup(ctx context.Context, name string, sub models.SubscriptionOption) (*models.Group, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, pkgerrors.ErrEmptyName
	}
	group := &models.Group{
		ID:           uuid.NewString(),
		Name:         name,
		Subscription: sub,
	}
	if err := r.store.CreateGroup(ctx, group); err != nil {
		return nil, err
	}
	r.log.Info("group created", zap.String("id", group.ID), zap.String("name", name))
	r.publish(event.Event{Kind: event.GroupCreated, Pair: types.ConnectionGroupPair{GroupID: group.ID}, Name: name})
	return group, nil
}

// RenameGroup changes a group's display name.
func (r *Registry) RenameGroup(ctx context.Context, id, name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return pkgerrors.ErrEmptyName
	}
	group, err := r.store.GetGroup(ctx, id)
	if err != nil {
		return err
	}
	group.Name = name
	if err := r.store.UpdateGroup(ctx, group); err != nil {
		return err
	}
	r.publish(event.Event{Kind: event.GroupRenamed, Pair: types.ConnectionGroupPair{GroupID: id}, Name: name})
	return nil
}

// UpdateSubscription replaces a group's subscription options. The next
// scheduled update is reset so a new address is fetched on the next check.
func (r *Registry) UpdateSubscription(ctx context.Context, id string, sub models.SubscriptionOption) error {
	group, err := r.store.GetGroup(ctx, id)
	if err != nil {
		return err
	}
	if group.IsDefault && sub.Address != "" {
		return fmt.Errorf("%w: default group cannot carry a subscription", pkgerrors.ErrConfigInvalid)
	}
	if group.Subscription.Address != sub.Address {
		group.NextUpdate = nil
	}
	group.Subscription = sub
	if err := r.store.UpdateGroup(ctx, group); err != nil {
		return err
	}
	r.publish(event.Event{
		Kind: event.SubscriptionChanged,
		Pair: types.ConnectionGroupPair{GroupID: id},
		Name: group.Name,
	})
	return nil
}

// DeleteGroup removes a group. Its connections are relinked to the default
// group, never deleted; their ids are returned and carried by the
// GroupDeleted event so the caller can decide whether to delete them.
func (r *Registry) DeleteGroup(ctx context.Context, id string) ([]string, error) {
	tx, err := r.store.BeginTx(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	group, err := tx.GetGroup(ctx, id)
	if err != nil {
		return nil, err
	}
	if group.IsDefault {
		return nil, pkgerrors.ErrGroupIsDefault
	}
	moved, err := tx.MoveConnections(ctx, id, models.DefaultGroupID)
	if err != nil {
		return nil, fmt.Errorf("failed to relink connections: %w", err)
	}
	if err := tx.DeleteGroup(ctx, id); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit: %w", err)
	}

	r.relinkActive(ctx, moved, models.DefaultGroupID)
	r.log.Info("group deleted",
		zap.String("id", id),
		zap.String("name", group.Name),
		zap.Int("relinked", len(moved)))
	r.publish(event.Event{
		Kind:        event.GroupDeleted,
		Pair:        types.ConnectionGroupPair{GroupID: id},
		Name:        group.Name,
		Connections: moved,
	})
	return moved, nil
}

// ─── Connections ────────────────────────────────────────────────────────────

// CreateConnection stores conn, assigning an id and the default group when
// unset.
func (r *Registry) CreateConnection(ctx context.Context, conn *models.Connection) error {
	if err := r.prepareConnection(ctx, conn); err != nil {
		return err
	}
	if err := r.store.CreateConnection(ctx, conn); err != nil {
		return err
	}
	r.publish(event.Event{
		Kind: event.ConnectionCreated,
		Pair: types.ConnectionGroupPair{ConnectionID: conn.ID, GroupID: conn.GroupID},
		Name: conn.Name,
	})
	return nil
}

func (r *Registry) prepareConnection(ctx context.Context, conn *models.Connection) error {
	conn.Name = strings.TrimSpace(conn.Name)
	if conn.Name == "" {
		return pkgerrors.ErrEmptyName
	}
	if conn.ID == "" {
		conn.ID = uuid.NewString()
	}
	if conn.GroupID == "" {
		conn.GroupID = models.DefaultGroupID
	}
	if conn.Network == "" {
		conn.Network = "tcp"
	}
	if _, err := r.store.GetGroup(ctx, conn.GroupID); err != nil {
		return err
	}
	return nil
}

// RenameConnection changes a connection's display name.
func (r *Registry) RenameConnection(ctx context.Context, id, name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return pkgerrors.ErrEmptyName
	}
	conn, err := r.store.GetConnection(ctx, id)
	if err != nil {
		return err
	}
	conn.Name = name
	if err := r.store.UpdateConnection(ctx, conn); err != nil {
		return err
	}
	r.publish(event.Event{
		Kind: event.ConnectionRenamed,
		Pair: types.ConnectionGroupPair{ConnectionID: id, GroupID: conn.GroupID},
		Name: name,
	})
	return nil
}

// MoveConnection links a connection with another group. A connection moved by
// hand stops being owned by its old group's subscription.
func (r *Registry) MoveConnection(ctx context.Context, id, groupID string) error {
	conn, err := r.store.GetConnection(ctx, id)
	if err != nil {
		return err
	}
	if _, err := r.store.GetGroup(ctx, groupID); err != nil {
		return err
	}
	if conn.GroupID == groupID {
		return nil
	}
	conn.GroupID = groupID
	conn.FromSubscription = false
	if err := r.store.UpdateConnection(ctx, conn); err != nil {
		return err
	}
	r.relinkActive(ctx, []string{id}, groupID)
	r.publish(event.Event{
		Kind: event.ConnectionLinked,
		Pair: types.ConnectionGroupPair{ConnectionID: id, GroupID: groupID},
		Name: conn.Name,
	})
	return nil
}

// DeleteConnection removes a connection and its latency history.
func (r *Registry) DeleteConnection(ctx context.Context, id string) error {
	conn, err := r.store.GetConnection(ctx, id)
	if err != nil {
		return err
	}
	if err := r.store.DeleteConnection(ctx, id); err != nil {
		return err
	}
	r.publish(event.Event{
		Kind: event.ConnectionDeleted,
		Pair: types.ConnectionGroupPair{ConnectionID: id, GroupID: conn.GroupID},
		Name: conn.Name,
	})
	return nil
}

// ResetStats zeroes a connection's cumulative traffic.
func (r *Registry) ResetStats(ctx context.Context, id string) error {
	conn, err := r.store.GetConnection(ctx, id)
	if err != nil {
		return err
	}
	if err := r.store.ResetTraffic(ctx, id); err != nil {
		return err
	}
	r.publish(event.Event{
		Kind: event.StatsReset,
		Pair: types.ConnectionGroupPair{ConnectionID: id, GroupID: conn.GroupID},
		Name: conn.Name,
	})
	return nil
}

// relinkActive keeps the active-connection row on the group a running
// connection was moved to.
func (r *Registry) relinkActive(ctx context.Context, ids []string, groupID string) {
	active, err := r.store.GetActiveConnection(ctx)
	if err != nil || active == nil {
		return
	}
	for _, id := range ids {
		if active.ConnectionID != id {
			continue
		}
		active.GroupID = groupID
		if err := r.store.SetActiveConnection(ctx, active); err != nil {
			r.log.Warn("failed to relink active connection", zap.String("id", id), zap.Error(err))
		}
		return
	}
}

// AddTraffic adds a finished session's bytes to a connection's totals.
func (r *Registry) AddTraffic(ctx context.Context, id string, upload, download int64) error {
	if upload == 0 && download == 0 {
		return nil
	}
	return r.store.AddTraffic(ctx, id, upload, download)
}

// ─── Kernel bookkeeping ─────────────────────────────────────────────────────

// MarkConnected records a successful start: last-connected metadata, the
// active-connection row and the last_connection setting used by auto-connect.
func (r *Registry) MarkConnected(ctx context.Context, pair types.ConnectionGroupPair, coreType string, pid int) error {
	now := r.now()
	if err := r.store.MarkConnected(ctx, pair.ConnectionID, now); err != nil {
		return err
	}
	active := &models.ActiveConnection{
		ConnectionID: pair.ConnectionID,
		GroupID:      pair.GroupID,
		CoreType:     coreType,
		PID:          pid,
		StartedAt:    now,
	}
	if err := r.store.SetActiveConnection(ctx, active); err != nil {
		return err
	}
	return r.store.SetSetting(ctx, storage.SettingLastConnection, pair.ConnectionID)
}

// ClearActive drops the active-connection row.
func (r *Registry) ClearActive(ctx context.Context) error {
	return r.store.ClearActiveConnection(ctx)
}

// Active returns the persisted active-connection row, nil when none.
func (r *Registry) Active(ctx context.Context) (*models.ActiveConnection, error) {
	return r.store.GetActiveConnection(ctx)
}

// LastConnection returns the id of the most recently started connection.
func (r *Registry) LastConnection(ctx context.Context) string {
	v, err := r.store.GetSetting(ctx, storage.SettingLastConnection)
	if err != nil {
		r.log.Warn("failed to read last connection", zap.Error(err))
		return ""
	}
	return v
}

// BuildCoreConfig produces the kernel configuration for pair. tmpl carries the
// inbound and DNS settings; the connection is filled in from storage. Any
// lookup or validation failure is reported as ErrConfigInvalid.
func (r *Registry) BuildCoreConfig(ctx context.Context, pair types.ConnectionGroupPair, tmpl types.CoreConfig) (*types.CoreConfig, error) {
	if pair.IsEmpty() {
		return nil, fmt.Errorf("%w: empty connection", pkgerrors.ErrConfigInvalid)
	}
	conn := r.ConnectionMeta(ctx, pair.ConnectionID)
	if conn.IsEmpty() {
		return nil, fmt.Errorf("%w: unknown connection %s", pkgerrors.ErrConfigInvalid, pair.ConnectionID)
	}
	if conn.GroupID != pair.GroupID {
		return nil, fmt.Errorf("%w: connection %s is not in group %s", pkgerrors.ErrConfigInvalid, pair.ConnectionID, pair.GroupID)
	}
	if err := validateConnection(&conn); err != nil {
		return nil, fmt.Errorf("%w: %v", pkgerrors.ErrConfigInvalid, err)
	}

	cfg := tmpl
	cfg.Connection = &conn
	cfg.DNSServers = append([]string(nil), tmpl.DNSServers...)
	cfg.RoutingRules = append([]types.RoutingRule(nil), tmpl.RoutingRules...)
	return &cfg, nil
}

func validateConnection(conn *models.Connection) error {
	if conn.Address == "" {
		return fmt.Errorf("connection %s has no address", conn.ID)
	}
	if conn.Port < 1 || conn.Port > 65535 {
		return fmt.Errorf("connection %s has invalid port %d", conn.ID, conn.Port)
	}
	if len(conn.AuthConfig) > 0 && !json.Valid(conn.AuthConfig) {
		return fmt.Errorf("connection %s has malformed auth config", conn.ID)
	}
	return nil
}
