package devices

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

type sequenceIDProvider struct {
	next int
}

func (p *sequenceIDProvider) NewID() (string, error) {
	p.next++
	return fmt.Sprintf("client-%d", p.next), nil
}

func newTestManager(t *testing.T) (*Manager, *gorm.DB) {
	t.Helper()

	dsn := fmt.Sprintf("file:castmirror_devices_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(&Client{}, &SyncGroup{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	manager, err := NewManager(ManagerConfig{
		Database:   db,
		IDProvider: &sequenceIDProvider{},
		Clock:      func() time.Time { return time.Unix(1700000600, 0).UTC() },
	})
	if err != nil {
		t.Fatalf("failed to build manager: %v", err)
	}
	return manager, db
}

func mustGetOrCreate(t *testing.T, manager *Manager, db *gorm.DB, userID, uid string) Client {
	t.Helper()
	var client Client
	err := db.Transaction(func(tx *gorm.DB) error {
		var txErr error
		client, txErr = manager.GetOrCreate(context.Background(), tx, userID, uid, "agent/1.0")
		return txErr
	})
	if err != nil {
		t.Fatalf("failed to get or create device %s: %v", uid, err)
	}
	return client
}

func mustSync(t *testing.T, manager *Manager, db *gorm.DB, a, b Client) []Client {
	t.Helper()
	var members []Client
	err := db.Transaction(func(tx *gorm.DB) error {
		var txErr error
		members, txErr = manager.SyncWith(context.Background(), tx, a, b)
		return txErr
	})
	if err != nil {
		t.Fatalf("failed to sync %s with %s: %v", a.UID, b.UID, err)
	}
	return members
}

func TestValidateUID(t *testing.T) {
	if err := ValidateUID("phone"); err != nil {
		t.Fatalf("expected valid uid, got %v", err)
	}
	if err := ValidateUID(""); !errors.Is(err, ErrInvalidUID) {
		t.Fatalf("expected ErrInvalidUID for empty uid, got %v", err)
	}
	if err := ValidateUID(" phone"); !errors.Is(err, ErrInvalidUID) {
		t.Fatalf("expected ErrInvalidUID for padded uid, got %v", err)
	}
	if err := ValidateUID(strings.Repeat("x", 65)); !errors.Is(err, ErrInvalidUID) {
		t.Fatalf("expected ErrInvalidUID for oversized uid, got %v", err)
	}
}

func TestNormalizeType(t *testing.T) {
	if NormalizeType(" Mobile ") != TypeMobile {
		t.Fatalf("expected mobile")
	}
	if NormalizeType("fridge") != TypeOther {
		t.Fatalf("expected unknown types to map to other")
	}
}

func TestGetOrCreateUndeletesDevice(t *testing.T) {
	manager, db := newTestManager(t)
	created := mustGetOrCreate(t, manager, db, "user-1", "phone")

	if err := manager.Delete(context.Background(), "user-1", "phone"); err != nil {
		t.Fatalf("failed to delete device: %v", err)
	}

	revived := mustGetOrCreate(t, manager, db, "user-1", "phone")
	if revived.ID != created.ID {
		t.Fatalf("expected the same device row, got %s want %s", revived.ID, created.ID)
	}
	if revived.Deleted {
		t.Fatalf("expected device to be undeleted")
	}
}

func TestSyncWithRejectsDistinctGroups(t *testing.T) {
	manager, db := newTestManager(t)
	a := mustGetOrCreate(t, manager, db, "user-1", "a")
	b := mustGetOrCreate(t, manager, db, "user-1", "b")
	c := mustGetOrCreate(t, manager, db, "user-1", "c")
	d := mustGetOrCreate(t, manager, db, "user-1", "d")

	mustSync(t, manager, db, a, b)
	mustSync(t, manager, db, c, d)

	a, err := manager.ByUID(context.Background(), db, "user-1", "a")
	if err != nil {
		t.Fatalf("failed to reload a: %v", err)
	}
	c, err = manager.ByUID(context.Background(), db, "user-1", "c")
	if err != nil {
		t.Fatalf("failed to reload c: %v", err)
	}

	err = db.Transaction(func(tx *gorm.DB) error {
		_, txErr := manager.SyncWith(context.Background(), tx, a, c)
		return txErr
	})
	if !errors.Is(err, ErrAlreadyGrouped) {
		t.Fatalf("expected ErrAlreadyGrouped, got %v", err)
	}
}

func TestSyncWithSameGroupIsIdempotent(t *testing.T) {
	manager, db := newTestManager(t)
	a := mustGetOrCreate(t, manager, db, "user-1", "a")
	b := mustGetOrCreate(t, manager, db, "user-1", "b")

	mustSync(t, manager, db, a, b)
	a, _ = manager.ByUID(context.Background(), db, "user-1", "a")
	b, _ = manager.ByUID(context.Background(), db, "user-1", "b")

	members := mustSync(t, manager, db, a, b)
	if len(members) != 2 {
		t.Fatalf("expected 2 members, got %d", len(members))
	}

	var groups int64
	if err := db.Model(&SyncGroup{}).Count(&groups).Error; err != nil {
		t.Fatalf("failed to count groups: %v", err)
	}
	if groups != 1 {
		t.Fatalf("expected a single group, got %d", groups)
	}
}

func TestDeleteLeavesGroupFirst(t *testing.T) {
	manager, db := newTestManager(t)
	a := mustGetOrCreate(t, manager, db, "user-1", "a")
	b := mustGetOrCreate(t, manager, db, "user-1", "b")
	mustSync(t, manager, db, a, b)

	if err := manager.Delete(context.Background(), "user-1", "a"); err != nil {
		t.Fatalf("failed to delete device: %v", err)
	}

	// The pair group cannot survive with one member.
	var groups int64
	if err := db.Model(&SyncGroup{}).Count(&groups).Error; err != nil {
		t.Fatalf("failed to count groups: %v", err)
	}
	if groups != 0 {
		t.Fatalf("expected group to dissolve, got %d rows", groups)
	}

	b, err := manager.ByUID(context.Background(), db, "user-1", "b")
	if err != nil {
		t.Fatalf("failed to reload b: %v", err)
	}
	if b.Grouped() {
		t.Fatalf("expected remaining device to be ungrouped")
	}
}

func TestStatusPartitionsDevices(t *testing.T) {
	manager, db := newTestManager(t)
	a := mustGetOrCreate(t, manager, db, "user-1", "a")
	b := mustGetOrCreate(t, manager, db, "user-1", "b")
	mustGetOrCreate(t, manager, db, "user-1", "solo")
	mustSync(t, manager, db, a, b)

	status, err := manager.Status(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("failed to load status: %v", err)
	}
	if len(status.Synchronized) != 1 || len(status.Synchronized[0]) != 2 {
		t.Fatalf("expected one group of two, got %v", status.Synchronized)
	}
	if len(status.NotSynchronized) != 1 || status.NotSynchronized[0] != "solo" {
		t.Fatalf("expected solo device ungrouped, got %v", status.NotSynchronized)
	}
}

func TestUpdateRenamesAndRetypes(t *testing.T) {
	manager, db := newTestManager(t)
	mustGetOrCreate(t, manager, db, "user-1", "phone")

	updated, err := manager.Update(context.Background(), "user-1", "phone", "agent/2.0", "My Phone", TypeMobile)
	if err != nil {
		t.Fatalf("failed to update device: %v", err)
	}
	if updated.Caption != "My Phone" {
		t.Fatalf("expected caption update, got %q", updated.Caption)
	}
	if updated.Type != TypeMobile {
		t.Fatalf("expected type update, got %q", updated.Type)
	}
}
