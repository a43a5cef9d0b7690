package ingress

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/ratmesh/ratman/pkg/broadcast"
	"github.com/ratmesh/ratman/pkg/collector"
	"github.com/ratmesh/ratman/pkg/eris"
	"github.com/ratmesh/ratman/pkg/frame"
	"github.com/ratmesh/ratman/pkg/journal"
	"github.com/ratmesh/ratman/pkg/rid"
	"github.com/ratmesh/ratman/pkg/store"
	"github.com/ratmesh/ratman/pkg/subs"
)

func setupAssembler(t *testing.T) (*Assembler, *store.Tables, *journal.Journal, *subs.Manager, *broadcast.Group[collector.BlockNotifier]) {
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
	j, err := journal.Open(db, tables, zerolog.Nop())
	if err != nil {
		t.Fatalf("journal.Open: %v", err)
	}
	notifier := broadcast.New[collector.BlockNotifier]()
	subsMgr, err := subs.Open(tables, zerolog.Nop())
	if err != nil {
		t.Fatalf("subs.Open: %v", err)
	}

	a := New(j, tables, notifier, subsMgr, zerolog.Nop())
	return a, tables, j, subsMgr, notifier
}

func TestReassembleDeliversToActiveListenerOnceBlocksArrive(t *testing.T) {
	a, tables, j, subsMgr, notifier := setupAssembler(t)

	payload := bytes.Repeat([]byte("q"), 300)
	var secret [32]byte
	cap, err := eris.Encode(bytes.NewReader(payload), secret, frame.BlockSize1K, j.Blocks)
	if err != nil {
		t.Fatalf("eris.Encode: %v", err)
	}

	sender, _, err := rid.GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair: %v", err)
	}
	recipient := rid.NewRecipientAddress(sender)
	manifest := cap.ToManifest(frame.Letterhead{StreamName: "s", ContentType: "text/plain"})

	if err := tables.Manifests.Insert(cap.RootReference.String(), store.ManifestEntry{Manifest: manifest, Recipient: recipient}); err != nil {
		t.Fatalf("Manifests.Insert: %v", err)
	}

	_, recv, err := subsMgr.CreateSubscription(sender, recipient)
	if err != nil {
		t.Fatalf("CreateSubscription: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	a.reassemble(ctx, cap.RootReference)
	_ = notifier

	select {
	case item := <-recv.C():
		if item.Letterhead.StreamName != "s" {
			t.Fatalf("unexpected letterhead: %+v", item.Letterhead)
		}
	case <-time.After(time.Second):
		t.Fatal("listener never received the reassembled stream")
	}
}

func TestReassembleWaitsForMissingBlocksThenSucceeds(t *testing.T) {
	a, tables, j, subsMgr, notifier := setupAssembler(t)

	payload := bytes.Repeat([]byte("r"), 300)
	var secret [32]byte

	// Encode into a separate store first to learn the reference without
	// writing it into the journal's own blocks table yet.
	scratch := newScratchStorage()
	cap, err := eris.Encode(bytes.NewReader(payload), secret, frame.BlockSize1K, scratch)
	if err != nil {
		t.Fatalf("eris.Encode: %v", err)
	}

	sender, _, err := rid.GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair: %v", err)
	}
	recipient := rid.NewRecipientAddress(sender)
	manifest := cap.ToManifest(frame.Letterhead{StreamName: "delayed", ContentType: "text/plain"})
	if err := tables.Manifests.Insert(cap.RootReference.String(), store.ManifestEntry{Manifest: manifest, Recipient: recipient}); err != nil {
		t.Fatalf("Manifests.Insert: %v", err)
	}
	if _, _, err := subsMgr.CreateSubscription(sender, recipient); err != nil {
		t.Fatalf("CreateSubscription: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		a.reassemble(ctx, cap.RootReference)
		close(done)
	}()

	// Give reassemble a moment to observe the missing block and subscribe
	// to the notifier before the block actually lands.
	time.Sleep(50 * time.Millisecond)

	for ref, data := range scratch.blocks {
		if err := j.Blocks.Insert(ref, data); err != nil {
			t.Fatalf("Blocks.Insert: %v", err)
		}
	}
	notifier.Send(collector.BlockNotifier{Reference: cap.RootReference})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("reassemble never completed after blocks arrived")
	}
}

type scratchStorage struct {
	blocks map[rid.Ident32][]byte
}

func newScratchStorage() *scratchStorage {
	return &scratchStorage{blocks: make(map[rid.Ident32][]byte)}
}

func (s *scratchStorage) Insert(reference rid.Ident32, data []byte) error {
	cp := append([]byte(nil), data...)
	s.blocks[reference] = cp
	return nil
}

func (s *scratchStorage) Fetch(reference rid.Ident32) ([]byte, error) {
	b, ok := s.blocks[reference]
	if !ok {
		return nil, eris.ErrPadding
	}
	return b, nil
}
