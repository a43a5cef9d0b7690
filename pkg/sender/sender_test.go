package sender

import (
	"bytes"
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/ratmesh/ratman/pkg/eris"
	"github.com/ratmesh/ratman/pkg/frame"
	"github.com/ratmesh/ratman/pkg/journal"
	"github.com/ratmesh/ratman/pkg/link"
	"github.com/ratmesh/ratman/pkg/rid"
	"github.com/ratmesh/ratman/pkg/routes"
	"github.com/ratmesh/ratman/pkg/store"
)

// captureDriver is an in-memory link.Driver that just records every send,
// letting tests assert on chunk count, ordering, and target mode.
type captureDriver struct {
	mu   sync.Mutex
	hint int
	sent []link.Envelope
}

func (d *captureDriver) Send(ctx context.Context, env link.Envelope, target link.SendTarget, exclude *rid.Ident32) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sent = append(d.sent, env)
	return nil
}

func (d *captureDriver) Next(ctx context.Context) (link.Envelope, link.Neighbour, error) {
	<-ctx.Done()
	return link.Envelope{}, link.Neighbour{}, ctx.Err()
}

func (d *captureDriver) SizeHint() int { return d.hint }

func (d *captureDriver) snapshot() []link.Envelope {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]link.Envelope(nil), d.sent...)
}

func openTestPipeline(t *testing.T) (*Pipeline, *routes.Table, *link.Map, *journal.Blocks) {
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
	rt := routes.Open(tables)
	links := link.NewMap()

	p := New(frame.BlockSize1K, j.Blocks, rt, links, zerolog.Nop())
	return p, rt, links, j.Blocks
}

func TestSliceProducesFramesWithinLinkMTU(t *testing.T) {
	p, rt, links, storage := openTestPipeline(t)

	d := &captureDriver{hint: 200}
	epIdx := links.Register("test-link", d)

	recipientAddr, _, err := rid.GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair: %v", err)
	}
	neighbour := rid.Random()
	if err := rt.Update(store.EpNeighbourPair{EpIdx: uint32(epIdx), Neighbour: neighbour}, recipientAddr, []byte{0, 0, 0}); err != nil {
		t.Fatalf("routes.Update: %v", err)
	}

	sender, _, err := rid.GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair(sender): %v", err)
	}

	payload := make([]byte, 1024)
	for i := range payload {
		payload[i] = byte(i)
	}
	var secret [32]byte
	cap, err := eris.Encode(bytes.NewReader(payload), secret, frame.BlockSize1K, storage)
	if err != nil {
		t.Fatalf("eris.Encode: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)

	p.Submit(Request{
		Cap:       cap,
		Sender:    sender,
		Recipient: rid.NewRecipientAddress(recipientAddr),
	})

	deadline := time.Now().Add(2 * time.Second)
	var sent []link.Envelope
	for time.Now().Before(deadline) {
		sent = d.snapshot()
		if len(sent) > 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if len(sent) == 0 {
		t.Fatal("no frames were sent")
	}

	headerSize := headerTemplate(sender, rid.NewRecipientAddress(recipientAddr)).Size()
	for _, env := range sent {
		if env.Header.Size()+len(env.Payload) > d.hint {
			t.Fatalf("frame of %d bytes exceeds link mtu %d", env.Header.Size()+len(env.Payload), d.hint)
		}
		if len(env.Payload) > d.hint-headerSize {
			t.Fatalf("payload chunk %d exceeds mtu-bounded chunk size", len(env.Payload))
		}
		if env.Header.SeqID == nil {
			t.Fatal("sent frame missing sequence id")
		}
	}
}

func TestDispatchFloodsNamespaceRecipientAcrossAllLinks(t *testing.T) {
	p, _, links, _ := openTestPipeline(t)
	a := &captureDriver{hint: 1400}
	b := &captureDriver{hint: 1400}
	links.Register("linkA", a)
	links.Register("linkB", b)

	sender, _, err := rid.GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair: %v", err)
	}
	ns := rid.Random()

	env := link.Envelope{
		Header:  frame.NewDataHeader(frame.ModeData, sender, rid.NewRecipientNamespace(ns), rid.SequenceIdV1{Hash: rid.Random(), Num: 0, Max: 0}, 3),
		Payload: []byte("abc"),
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.dispatch(ctx, env, rid.NewRecipientNamespace(ns))

	if len(a.snapshot()) != 1 || len(b.snapshot()) != 1 {
		t.Fatalf("expected a namespace recipient to flood onto every registered link, got a=%d b=%d", len(a.snapshot()), len(b.snapshot()))
	}
}

func TestDispatchDropsOnUnknownAddress(t *testing.T) {
	p, _, links, _ := openTestPipeline(t)
	d := &captureDriver{hint: 1400}
	links.Register("only-link", d)

	sender, _, err := rid.GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair: %v", err)
	}
	unknownAddr, _, err := rid.GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair: %v", err)
	}

	env := link.Envelope{
		Header:  frame.NewDataHeader(frame.ModeData, sender, rid.NewRecipientAddress(unknownAddr), rid.SequenceIdV1{Hash: rid.Random(), Num: 0, Max: 0}, 3),
		Payload: []byte("abc"),
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.dispatch(ctx, env, rid.NewRecipientAddress(unknownAddr))

	if len(d.snapshot()) != 0 {
		t.Fatalf("expected no send for an address with no known route, got %d", len(d.snapshot()))
	}
}
