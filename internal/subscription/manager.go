// Package subscription refreshes subscription-fed groups: it downloads the
// provider list, parses the share links and swaps them into the group.
package subscription

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"corekeeper/internal/config"
	"corekeeper/internal/config/parser"
	"corekeeper/internal/core/types"
	"corekeeper/internal/event"
	"corekeeper/internal/storage"
	"corekeeper/internal/storage/models"
	pkgerrors "corekeeper/pkg/errors"
)

// Manager manages subscriptions and their updates
type Manager struct {
	storage storage.Storage
	fetcher *Fetcher
	decoder *Decoder
	parser  *parser.Registry
	bus     *event.Bus
	log     *zap.Logger
	now     func() time.Time
}

// NewManager creates a new subscription manager
func NewManager(store storage.Storage, parsers *parser.Registry, cfg config.SubscriptionConfig, bus *event.Bus, log *zap.Logger) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{
		storage: store,
		fetcher: NewFetcher(cfg),
		decoder: NewDecoder(parsers.Schemes()...),
		parser:  parsers,
		bus:     bus,
		log:     log.With(zap.String("component", "subscription")),
		now:     time.Now,
	}
}

// UpdateResult represents the result of a subscription update
type UpdateResult struct {
	GroupID   string
	GroupName string
	Added     int
	Removed   int
	Skipped   int // filtered out by keywords
	Failed    int
	TotalURIs int
	Errors    []error
	Metadata  Metadata
	UpdatedAt time.Time
}

// UpdateGroup replaces the subscription-sourced connections of a group with
// the provider's current list. Manually added connections are kept. Nothing
// changes when the download or decode fails.
func (m *Manager) UpdateGroup(ctx context.Context, groupID string) (*UpdateResult, error) {
	group, err := m.storage.GetGroup(ctx, groupID)
	if err != nil {
		return nil, err
	}
	if !group.HasSubscription() {
		return nil, fmt.Errorf("%w: %s", pkgerrors.ErrNoSubscription, group.Name)
	}
	sub := group.Subscription

	result := &UpdateResult{
		GroupID:   group.ID,
		GroupName: group.Name,
		UpdatedAt: m.now(),
	}

	resp, err := m.fetcher.Fetch(ctx, sub.Address, sub.UserAgent)
	if err != nil {
		return nil, m.subscriptionError(group, err)
	}
	result.Metadata = ExtractMetadata(resp.Header)

	uris, err := m.decoder.Decode(resp.Body)
	if err != nil {
		return nil, m.subscriptionError(group, err)
	}
	result.TotalURIs = len(uris)

	fromSub := true
	old, err := m.storage.GetAllConnections(ctx, storage.ConnectionFilter{GroupID: &group.ID, FromSubscription: &fromSub})
	if err != nil {
		return nil, err
	}

	tx, err := m.storage.BeginTx(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	if err := tx.DeleteConnectionsByGroup(ctx, group.ID, true); err != nil {
		return nil, fmt.Errorf("failed to delete old connections: %w", err)
	}
	result.Removed = len(old)

	var added []string
	for _, uri := range uris {
		conn, err := m.parser.Parse(uri)
		if err != nil {
			result.Failed++
			result.Errors = append(result.Errors, err)
			continue
		}
		if !matchKeywords(conn.Name, sub.IncludeKeywords, sub.ExcludeKeywords) {
			result.Skipped++
			continue
		}

		conn.ID = uuid.NewString()
		conn.GroupID = group.ID
		conn.FromSubscription = true
		if err := tx.CreateConnection(ctx, conn); err != nil {
			result.Failed++
			result.Errors = append(result.Errors, fmt.Errorf("failed to save connection %q: %w", conn.Name, err))
			continue
		}
		added = append(added, conn.ID)
	}
	result.Added = len(added)

	now := result.UpdatedAt.UTC()
	group.LastUpdated = &now
	group.NextUpdate = nil
	if sub.AutoUpdate && sub.UpdateInterval > 0 {
		next := now.Add(time.Duration(sub.UpdateInterval) * time.Second)
		group.NextUpdate = &next
	}
	if err := tx.UpdateGroup(ctx, group); err != nil {
		return nil, fmt.Errorf("failed to update group: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	m.log.Info("subscription updated",
		zap.String("group", group.Name),
		zap.Int("added", result.Added),
		zap.Int("removed", result.Removed),
		zap.Int("skipped", result.Skipped),
		zap.Int("failed", result.Failed))
	if m.bus != nil {
		m.bus.Publish(event.Event{
			Kind:        event.SubscriptionUpdated,
			Pair:        types.ConnectionGroupPair{GroupID: group.ID},
			Name:        group.Name,
			Connections: added,
		})
	}
	return result, nil
}

func (m *Manager) subscriptionError(group *models.Group, err error) error {
	return &pkgerrors.SubscriptionError{
		Name: group.Name,
		URL:  group.Subscription.Address,
		Err:  err,
	}
}

// matchKeywords keeps a name that contains any include keyword (or when there
// are none) and no exclude keyword. Matching ignores case.
func matchKeywords(name string, include, exclude []string) bool {
	lower := strings.ToLower(name)
	for _, kw := range exclude {
		if kw != "" && strings.Contains(lower, strings.ToLower(kw)) {
			return false
		}
	}
	if len(include) == 0 {
		return true
	}
	for _, kw := range include {
		if kw != "" && strings.Contains(lower, strings.ToLower(kw)) {
			return true
		}
	}
	return false
}

// UpdateAllDue updates all groups with subscriptions that are due for update
func (m *Manager) UpdateAllDue(ctx context.Context) ([]*UpdateResult, error) {
	groups, err := m.storage.GetDueGroups(ctx, m.now())
	if err != nil {
		return nil, err
	}

	results := make([]*UpdateResult, 0, len(groups))
	for _, group := range groups {
		result, err := m.UpdateGroup(ctx, group.ID)
		if err != nil {
			// One broken provider must not hold back the others.
			results = append(results, &UpdateResult{
				GroupID:   group.ID,
				GroupName: group.Name,
				Failed:    1,
				Errors:    []error{err},
				UpdatedAt: m.now(),
			})
			continue
		}
		results = append(results, result)
	}
	return results, nil
}

// GroupUpdateStatus represents the update status of a subscription group
type GroupUpdateStatus struct {
	GroupID         string
	GroupName       string
	URL             string
	AutoUpdate      bool
	Interval        time.Duration
	LastUpdated     *time.Time
	NextUpdate      *time.Time
	IsDue           bool
	ConnectionCount int
}

// GetUpdateStatus returns the update status for all groups with subscriptions
func (m *Manager) GetUpdateStatus(ctx context.Context) ([]*GroupUpdateStatus, error) {
	groups, err := m.storage.GetAllGroups(ctx)
	if err != nil {
		return nil, err
	}

	now := m.now()
	var statuses []*GroupUpdateStatus
	for _, group := range groups {
		if !group.HasSubscription() {
			continue
		}
		status := &GroupUpdateStatus{
			GroupID:     group.ID,
			GroupName:   group.Name,
			URL:         group.Subscription.Address,
			AutoUpdate:  group.Subscription.AutoUpdate,
			Interval:    time.Duration(group.Subscription.UpdateInterval) * time.Second,
			LastUpdated: group.LastUpdated,
			NextUpdate:  group.NextUpdate,
		}
		switch {
		case group.NextUpdate != nil:
			status.IsDue = !now.Before(*group.NextUpdate)
		case group.LastUpdated == nil:
			status.IsDue = true
		}

		fromSub := true
		conns, err := m.storage.GetAllConnections(ctx, storage.ConnectionFilter{GroupID: &group.ID, FromSubscription: &fromSub})
		if err != nil {
			return nil, err
		}
		status.ConnectionCount = len(conns)
		statuses = append(statuses, status)
	}
	return statuses, nil
}
