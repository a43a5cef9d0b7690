package subs

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/ratmesh/ratman/pkg/eris"
	"github.com/ratmesh/ratman/pkg/frame"
	"github.com/ratmesh/ratman/pkg/rid"
	"github.com/ratmesh/ratman/pkg/store"
)

func openTestManager(t *testing.T) *Manager {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ratman.db")
	db, err := store.Open(path)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	tables, err := store.OpenTables(db)
	if err != nil {
		t.Fatalf("store.OpenTables: %v", err)
	}
	m, err := Open(tables, zerolog.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return m
}

func randomAddress(t *testing.T) rid.Address {
	t.Helper()
	addr, _, err := rid.GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair: %v", err)
	}
	return addr
}

func TestCreateSubscriptionThenDispatchReachesListener(t *testing.T) {
	m := openTestManager(t)
	addr := randomAddress(t)
	recipient := rid.NewRecipientNamespace(rid.Random())

	subID, recv, err := m.CreateSubscription(addr, recipient)
	if err != nil {
		t.Fatalf("CreateSubscription: %v", err)
	}
	if subID == (rid.Ident32{}) {
		t.Fatal("expected a non-zero subscription id")
	}

	item := DeliveredItem{
		Letterhead: frame.Letterhead{StreamName: "test-stream", ContentType: "application/octet-stream"},
		Capability: eris.ReadCapability{RootReference: rid.Random(), RootKey: rid.Random(), BlockSize: frame.BlockSize1K},
	}
	if delivered := m.Dispatch(recipient, item); !delivered {
		t.Fatal("expected Dispatch to find the just-created subscription")
	}

	select {
	case got := <-recv.C():
		if got.Letterhead.StreamName != item.Letterhead.StreamName {
			t.Fatalf("listener received wrong item: %+v", got)
		}
	case <-time.After(time.Second):
		t.Fatal("listener never received the dispatched item")
	}
}

func TestCreateSubscriptionJoinsExistingRecipient(t *testing.T) {
	m := openTestManager(t)
	addr1 := randomAddress(t)
	addr2 := randomAddress(t)
	recipient := rid.NewRecipientNamespace(rid.Random())

	subID1, _, err := m.CreateSubscription(addr1, recipient)
	if err != nil {
		t.Fatalf("CreateSubscription(1): %v", err)
	}
	subID2, _, err := m.CreateSubscription(addr2, recipient)
	if err != nil {
		t.Fatalf("CreateSubscription(2): %v", err)
	}
	if subID1 != subID2 {
		t.Fatalf("expected the same subscription id for the same recipient, got %s vs %s", subID1, subID2)
	}
}

func TestDeleteSubscriptionRemovesOnLastListener(t *testing.T) {
	m := openTestManager(t)
	addr := randomAddress(t)
	recipient := rid.NewRecipientNamespace(rid.Random())

	subID, _, err := m.CreateSubscription(addr, recipient)
	if err != nil {
		t.Fatalf("CreateSubscription: %v", err)
	}
	if err := m.DeleteSubscription(addr, subID); err != nil {
		t.Fatalf("DeleteSubscription: %v", err)
	}

	if _, err := m.RestoreSubscription(addr, subID); err == nil {
		t.Fatal("expected RestoreSubscription to fail after the subscription was deleted")
	}
}

func TestDispatchReturnsFalseWithNoSubscription(t *testing.T) {
	m := openTestManager(t)
	recipient := rid.NewRecipientNamespace(rid.Random())
	if m.Dispatch(recipient, DeliveredItem{}) {
		t.Fatal("expected Dispatch to report no subscription for an unknown recipient")
	}
}

func TestMissedItemPersistsUnderSubscription(t *testing.T) {
	m := openTestManager(t)
	addr := randomAddress(t)
	recipient := rid.NewRecipientNamespace(rid.Random())

	subID, _, err := m.CreateSubscription(addr, recipient)
	if err != nil {
		t.Fatalf("CreateSubscription: %v", err)
	}

	letterhead := frame.Letterhead{StreamName: "missed", ContentType: "text/plain"}
	manifest := frame.ManifestFrameV1{Root: rid.Random(), RootKey: rid.Random(), BlockSize: frame.BlockSize1K, Letterhead: letterhead}
	if err := m.MissedItem(recipient, letterhead, manifest); err != nil {
		t.Fatalf("MissedItem: %v", err)
	}

	data, err := m.tables.Subscriptions.Get(subID.String())
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(data.MissedItems[recipient]) != 1 {
		t.Fatalf("expected exactly one missed item, got %d", len(data.MissedItems[recipient]))
	}
}
