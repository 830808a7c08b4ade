package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"corekeeper/internal/storage"
	"corekeeper/internal/storage/models"
	pkgerrors "corekeeper/pkg/errors"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestDefaultGroupSeeded(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	g, err := db.GetDefaultGroup(ctx)
	if err != nil {
		t.Fatalf("GetDefaultGroup() error = %v", err)
	}
	if g.ID != models.DefaultGroupID || !g.IsDefault {
		t.Fatalf("default group = %+v", g)
	}
	if err := db.DeleteGroup(ctx, g.ID); !errors.Is(err, pkgerrors.ErrGroupIsDefault) {
		t.Fatalf("DeleteGroup(default) error = %v, want ErrGroupIsDefault", err)
	}
}

func TestGroupRoundTrip(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	g := &models.Group{
		ID:   "g1",
		Name: "work",
		Subscription: models.SubscriptionOption{
			Address:         "https://example.com/sub",
			AutoUpdate:      true,
			UpdateInterval:  3600,
			IncludeKeywords: []string{"hk", "jp"},
		},
	}
	if err := db.CreateGroup(ctx, g); err != nil {
		t.Fatalf("CreateGroup() error = %v", err)
	}
	if err := db.CreateGroup(ctx, &models.Group{ID: "g2", Name: "work"}); !errors.Is(err, pkgerrors.ErrGroupExists) {
		t.Fatalf("duplicate CreateGroup() error = %v, want ErrGroupExists", err)
	}

	got, err := db.GetGroup(ctx, "g1")
	if err != nil {
		t.Fatalf("GetGroup() error = %v", err)
	}
	if got.Subscription.Address != g.Subscription.Address || len(got.Subscription.IncludeKeywords) != 2 {
		t.Fatalf("GetGroup() = %+v", got)
	}

	if _, err := db.GetGroup(ctx, "missing"); !errors.Is(err, pkgerrors.ErrGroupNotFound) {
		t.Fatalf("GetGroup(missing) error = %v", err)
	}
}

func TestDueGroups(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	past := time.Now().Add(-time.Hour).UTC()
	future := time.Now().Add(time.Hour).UTC()
	groups := []*models.Group{
		{ID: "due", Name: "due", Subscription: models.SubscriptionOption{Address: "https://a", AutoUpdate: true}},
		{ID: "later", Name: "later", Subscription: models.SubscriptionOption{Address: "https://b", AutoUpdate: true}},
		{ID: "manual", Name: "manual", Subscription: models.SubscriptionOption{Address: "https://c"}},
		{ID: "plain", Name: "plain"},
	}
	for _, g := range groups {
		if err := db.CreateGroup(ctx, g); err != nil {
			t.Fatalf("CreateGroup(%s) error = %v", g.ID, err)
		}
	}
	groups[0].NextUpdate = &past
	groups[1].NextUpdate = &future
	for _, g := range groups[:2] {
		if err := db.UpdateGroup(ctx, g); err != nil {
			t.Fatalf("UpdateGroup(%s) error = %v", g.ID, err)
		}
	}

	due, err := db.GetDueGroups(ctx, time.Now())
	if err != nil {
		t.Fatalf("GetDueGroups() error = %v", err)
	}
	if len(due) != 1 || due[0].ID != "due" {
		t.Fatalf("GetDueGroups() = %v, want [due]", ids(due))
	}
}

func ids(groups []*models.Group) []string {
	var out []string
	for _, g := range groups {
		out = append(out, g.ID)
	}
	return out
}

func TestConnectionLifecycle(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	if err := db.CreateGroup(ctx, &models.Group{ID: "g1", Name: "g1"}); err != nil {
		t.Fatal(err)
	}
	conn := &models.Connection{
		ID: "c1", Name: "tokyo", GroupID: "g1", Protocol: "vless",
		Address: "jp.example.com", Port: 443, Network: "tcp",
		AuthConfig: []byte(`{"uuid":"u"}`), Tags: []string{"fast"},
	}
	if err := db.CreateConnection(ctx, conn); err != nil {
		t.Fatalf("CreateConnection() error = %v", err)
	}

	if err := db.AddTraffic(ctx, "c1", 100, 200); err != nil {
		t.Fatal(err)
	}
	if err := db.AddTraffic(ctx, "c1", 1, 2); err != nil {
		t.Fatal(err)
	}
	if err := db.MarkConnected(ctx, "c1", time.Now()); err != nil {
		t.Fatal(err)
	}

	got, err := db.GetConnection(ctx, "c1")
	if err != nil {
		t.Fatalf("GetConnection() error = %v", err)
	}
	if got.TotalUpload != 101 || got.TotalDownload != 202 {
		t.Errorf("traffic = %d/%d, want 101/202", got.TotalUpload, got.TotalDownload)
	}
	if got.UseCount != 1 || got.LastConnected == nil {
		t.Errorf("use_count = %d last_connected = %v", got.UseCount, got.LastConnected)
	}

	if err := db.ResetTraffic(ctx, "c1"); err != nil {
		t.Fatal(err)
	}
	got, _ = db.GetConnection(ctx, "c1")
	if got.TotalUpload != 0 || got.TotalDownload != 0 {
		t.Errorf("traffic after reset = %d/%d", got.TotalUpload, got.TotalDownload)
	}

	list, err := db.GetAllConnections(ctx, storage.ConnectionFilter{Tags: []string{"FAST"}})
	if err != nil || len(list) != 1 {
		t.Fatalf("GetAllConnections(tag) = %d, %v", len(list), err)
	}

	if err := db.DeleteConnection(ctx, "c1"); err != nil {
		t.Fatal(err)
	}
	if err := db.DeleteConnection(ctx, "c1"); !errors.Is(err, pkgerrors.ErrConnectionNotFound) {
		t.Fatalf("second DeleteConnection() error = %v", err)
	}
}

func TestMoveConnections(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	if err := db.CreateGroup(ctx, &models.Group{ID: "g1", Name: "g1"}); err != nil {
		t.Fatal(err)
	}
	for _, id := range []string{"b", "a"} {
		c := &models.Connection{ID: id, Name: id, GroupID: "g1", Protocol: "trojan", Address: "h", Port: 1}
		if err := db.CreateConnection(ctx, c); err != nil {
			t.Fatal(err)
		}
	}

	// the group cannot go while it still owns connections
	if err := db.DeleteGroup(ctx, "g1"); err == nil {
		t.Fatal("DeleteGroup() with linked connections succeeded")
	}

	moved, err := db.MoveConnections(ctx, "g1", models.DefaultGroupID)
	if err != nil {
		t.Fatalf("MoveConnections() error = %v", err)
	}
	if len(moved) != 2 || moved[0] != "a" || moved[1] != "b" {
		t.Fatalf("MoveConnections() = %v", moved)
	}
	if err := db.DeleteGroup(ctx, "g1"); err != nil {
		t.Fatalf("DeleteGroup() error = %v", err)
	}

	c, err := db.GetConnection(ctx, "a")
	if err != nil || c.GroupID != models.DefaultGroupID {
		t.Fatalf("connection after move = %+v, %v", c, err)
	}
}

func TestActiveConnectionSingleton(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	if got, err := db.GetActiveConnection(ctx); err != nil || got != nil {
		t.Fatalf("GetActiveConnection() on empty db = %v, %v", got, err)
	}

	for _, id := range []string{"c1", "c2"} {
		err := db.SetActiveConnection(ctx, &models.ActiveConnection{ConnectionID: id, GroupID: "g", CoreType: "xray", PID: 42})
		if err != nil {
			t.Fatal(err)
		}
	}
	got, err := db.GetActiveConnection(ctx)
	if err != nil || got == nil || got.ConnectionID != "c2" || got.PID != 42 {
		t.Fatalf("GetActiveConnection() = %+v, %v", got, err)
	}

	if err := db.ClearActiveConnection(ctx); err != nil {
		t.Fatal(err)
	}
	if got, _ := db.GetActiveConnection(ctx); got != nil {
		t.Fatalf("active connection after clear = %+v", got)
	}
}

func TestSettings(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	if v, err := db.GetSetting(ctx, "missing"); err != nil || v != "" {
		t.Fatalf("GetSetting(missing) = %q, %v", v, err)
	}
	if err := db.SetSetting(ctx, storage.SettingLastConnection, "c1"); err != nil {
		t.Fatal(err)
	}
	if err := db.SetSetting(ctx, storage.SettingLastConnection, "c2"); err != nil {
		t.Fatal(err)
	}
	if v, _ := db.GetSetting(ctx, storage.SettingLastConnection); v != "c2" {
		t.Fatalf("GetSetting() = %q, want c2", v)
	}
}

func TestTransactionRollback(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	tx, err := db.BeginTx(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if err := tx.CreateGroup(ctx, &models.Group{ID: "tmp", Name: "tmp"}); err != nil {
		t.Fatal(err)
	}
	if err := tx.Rollback(); err != nil {
		t.Fatal(err)
	}
	if _, err := db.GetGroup(ctx, "tmp"); !errors.Is(err, pkgerrors.ErrGroupNotFound) {
		t.Fatalf("group survived rollback: %v", err)
	}
}
