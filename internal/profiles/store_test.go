package profiles

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"
	"unicode/utf8"

	sqlite "github.com/glebarez/sqlite"
	"github.com/google/go-cmp/cmp"
	"gorm.io/gorm"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "profiles.db")), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	if err := db.AutoMigrate(&Record{}); err != nil {
		t.Fatalf("failed to migrate profile schema: %v", err)
	}
	store, err := NewStore(StoreConfig{
		Database: db,
		Clock: func() time.Time {
			return time.Date(2025, 3, 14, 9, 0, 0, 0, time.UTC)
		},
	})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	return store
}

func TestSetAndGetDocument(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	record := Record{
		FirstName: "Amina",
		LastName:  "Bello",
		FullName:  "Amina Bello",
		Email:     "amina@example.com",
		Phone:     "+2348000000",
		Location:  "Kano",
		Role:      "Farmer",
	}
	if err := store.SetDocument(ctx, "user-1", record); err != nil {
		t.Fatalf("set failed: %v", err)
	}

	stored, found, err := store.GetDocument(ctx, "user-1")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if !found {
		t.Fatalf("expected document to exist")
	}
	record.ID = "user-1"
	record.Role = RoleFarmer
	record.CreatedAt = time.Date(2025, 3, 14, 9, 0, 0, 0, time.UTC)
	if diff := cmp.Diff(record, stored); diff != "" {
		t.Fatalf("unexpected stored record (-want +got):\n%s", diff)
	}
}

func TestGetDocumentReportsAbsence(t *testing.T) {
	store := newTestStore(t)

	_, found, err := store.GetDocument(context.Background(), "missing")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if found {
		t.Fatalf("expected missing document")
	}

	if _, _, err := store.GetDocument(context.Background(), "  "); !errors.Is(err, ErrInvalidProfileID) {
		t.Fatalf("expected invalid id error, got %v", err)
	}
}

func TestSetDocumentKeepsRoleImmutable(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.SetDocument(ctx, "user-1", Record{FullName: "Jo", Role: RoleFarmer}); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	err := store.SetDocument(ctx, "user-1", Record{FullName: "Jo", Role: RoleAdmin})
	if !errors.Is(err, ErrRoleImmutable) {
		t.Fatalf("expected role immutable error, got %v", err)
	}

	if err := store.SetDocument(ctx, "user-1", Record{FullName: "Jo Updated", Role: RoleFarmer}); err != nil {
		t.Fatalf("same-role update failed: %v", err)
	}
	stored, _, err := store.GetDocument(ctx, "user-1")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if stored.FullName != "Jo Updated" || stored.Role != RoleFarmer {
		t.Fatalf("unexpected record after update: %#v", stored)
	}
}

func TestSetDocumentRejectsUnknownRole(t *testing.T) {
	store := newTestStore(t)
	if err := store.SetDocument(context.Background(), "user-1", Record{Role: "owner"}); !errors.Is(err, ErrInvalidRole) {
		t.Fatalf("expected invalid role error, got %v", err)
	}
}

func TestObserveCollectionDeliversFullSnapshots(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.SetDocument(ctx, "user-1", Record{FullName: "First", Role: RoleFarmer}); err != nil {
		t.Fatalf("set failed: %v", err)
	}

	snapshots := make(chan Snapshot, 4)
	subscription, err := store.ObserveCollection(func(snapshot Snapshot) {
		snapshots <- snapshot
	})
	if err != nil {
		t.Fatalf("observe failed: %v", err)
	}
	defer subscription.Release()

	expectSize := func(want int) {
		t.Helper()
		select {
		case snapshot := <-snapshots:
			if snapshot.Size() != want {
				t.Fatalf("expected snapshot of %d documents, got %d", want, snapshot.Size())
			}
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for snapshot of %d", want)
		}
	}

	expectSize(1)
	if err := store.SetDocument(ctx, "user-2", Record{FullName: "Second", Role: RoleAdmin}); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	expectSize(2)
}

func TestObserveCollectionCatchesUpAfterBurst(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	gate := make(chan struct{})
	sizes := make(chan int, 64)
	subscription, err := store.ObserveCollection(func(snapshot Snapshot) {
		<-gate
		sizes <- snapshot.Size()
	})
	if err != nil {
		t.Fatalf("observe failed: %v", err)
	}
	defer subscription.Release()

	const writes = 25
	for i := 0; i < writes; i++ {
		id := fmt.Sprintf("user-%02d", i)
		if err := store.SetDocument(ctx, id, Record{FullName: id, Role: RoleFarmer}); err != nil {
			t.Fatalf("set %s failed: %v", id, err)
		}
	}
	close(gate)

	deadline := time.After(2 * time.Second)
	latest := -1
	for latest != writes {
		select {
		case size := <-sizes:
			latest = size
		case <-deadline:
			t.Fatalf("expected a snapshot of %d documents, last delivered %d", writes, latest)
		}
	}
}

func TestRoleHelpers(t *testing.T) {
	if RoleAdmin.Display() != "Admin" {
		t.Fatalf("unexpected display %q", RoleAdmin.Display())
	}
	if Role("").Display() != "" {
		t.Fatalf("expected empty display for empty role")
	}
	if got := Role("éleveur").Display(); got != "Éleveur" || !utf8.ValidString(got) {
		t.Fatalf("expected rune-aware display, got %q", got)
	}
	if !Role("ADMIN").Matches(RoleAdmin) {
		t.Fatalf("expected case-insensitive match")
	}
	if RoleFarmer.Matches(RoleAdmin) {
		t.Fatalf("did not expect farmer to match admin")
	}
}

func TestRecordDisplayName(t *testing.T) {
	if got := (Record{FullName: "Amina Bello", FirstName: "Amina"}).DisplayName("User"); got != "Amina Bello" {
		t.Fatalf("unexpected name %q", got)
	}
	if got := (Record{FirstName: "Amina"}).DisplayName("User"); got != "Amina" {
		t.Fatalf("unexpected name %q", got)
	}
	if got := (Record{}).DisplayName("User"); got != "User" {
		t.Fatalf("unexpected name %q", got)
	}
}
