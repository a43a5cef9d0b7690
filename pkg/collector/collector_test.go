package collector

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/blake2b"

	"github.com/ratmesh/ratman/pkg/broadcast"
	"github.com/ratmesh/ratman/pkg/frame"
	"github.com/ratmesh/ratman/pkg/journal"
	"github.com/ratmesh/ratman/pkg/rid"
	"github.com/ratmesh/ratman/pkg/store"
)

func openTestCollector(t *testing.T) (*Collector, *store.Tables) {
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

	notifier := broadcast.New[BlockNotifier]()
	return Open(j, tables, notifier, zerolog.Nop()), tables
}

func chunkHeader(hash rid.Ident32, num, max uint8, sender rid.Address) frame.CarrierFrameHeader {
	return frame.CarrierFrameHeader{
		Version: frame.CurrentVersion,
		Modes:   frame.ModeData,
		Sender:  sender,
		SeqID:   &rid.SequenceIdV1{Hash: hash, Num: num, Max: max},
	}
}

func TestQueueAndSpawnReassemblesInOrder(t *testing.T) {
	c, tables := openTestCollector(t)
	sender := randomAddress(t)

	want := []byte("hello ratman block contents, split across three chunks!")
	chunks := [][]byte{want[:20], want[20:40], want[40:]}
	hash := blake2b.Sum256(want)

	for i, chunk := range chunks {
		hdr := chunkHeader(hash, uint8(i), uint8(len(chunks)-1), sender)
		if err := c.QueueAndSpawn(hdr, chunk); err != nil {
			t.Fatalf("QueueAndSpawn(%d): %v", i, err)
		}
	}

	got := waitForBlock(t, c, hash)
	if string(got) != string(want) {
		t.Fatalf("reassembled block = %q, want %q", got, want)
	}

	if _, err := tables.Incomplete.Get(rid.Ident32(hash).String()); err != store.ErrNotFound {
		t.Fatalf("expected incomplete entry removed, got err=%v", err)
	}
}

func TestQueueAndSpawnReassemblesOutOfOrder(t *testing.T) {
	c, _ := openTestCollector(t)
	sender := randomAddress(t)

	want := []byte("0123456789abcdef")
	chunks := [][]byte{want[:4], want[4:8], want[8:12], want[12:]}
	hash := blake2b.Sum256(want)

	order := []int{2, 0, 3, 1}
	for _, i := range order {
		hdr := chunkHeader(hash, uint8(i), uint8(len(chunks)-1), sender)
		if err := c.QueueAndSpawn(hdr, chunks[i]); err != nil {
			t.Fatalf("QueueAndSpawn(%d): %v", i, err)
		}
	}

	got := waitForBlock(t, c, hash)
	if string(got) != string(want) {
		t.Fatalf("reassembled block = %q, want %q", got, want)
	}
}

func TestQueueAndSpawnRejectsMissingSeqID(t *testing.T) {
	c, _ := openTestCollector(t)
	hdr := frame.CarrierFrameHeader{Version: frame.CurrentVersion, Modes: frame.ModeData}
	if err := c.QueueAndSpawn(hdr, []byte("x")); err == nil {
		t.Fatalf("expected an error for a frame with no sequence id")
	}
}

func waitForBlock(t *testing.T, c *Collector, hash [32]byte) []byte {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		data, err := c.journal.Blocks.Fetch(rid.Ident32(hash))
		if err == nil {
			return data
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("block %x was never reassembled", hash)
	return nil
}

func randomAddress(t *testing.T) rid.Address {
	t.Helper()
	addr, _, err := rid.GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair: %v", err)
	}
	return addr
}
