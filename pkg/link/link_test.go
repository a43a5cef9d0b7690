package link

import (
	"context"
	"testing"

	"github.com/ratmesh/ratman/pkg/rid"
)

type stubDriver struct{ hint int }

func (s *stubDriver) Send(ctx context.Context, env Envelope, target SendTarget, exclude *rid.Ident32) error {
	return nil
}
func (s *stubDriver) Next(ctx context.Context) (Envelope, Neighbour, error) {
	return Envelope{}, Neighbour{}, nil
}
func (s *stubDriver) SizeHint() int { return s.hint }

func TestMapRegisterAssignsStableIndices(t *testing.T) {
	m := NewMap()
	idA := m.Register("a", &stubDriver{hint: 1200})
	idB := m.Register("b", &stubDriver{hint: 1400})
	if idA != 0 || idB != 1 {
		t.Fatalf("expected stable sequential indices, got %d, %d", idA, idB)
	}
	if got := m.Name(0); got != "a" {
		t.Fatalf("Name(0) = %q, want a", got)
	}
	if m.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", m.Len())
	}
	d, ok := m.Get(idB)
	if !ok || d.SizeHint() != 1400 {
		t.Fatalf("Get(%d) = %v, %v; want driver with hint 1400", idB, d, ok)
	}
}

func TestMapGetUnknownIndex(t *testing.T) {
	m := NewMap()
	if _, ok := m.Get(5); ok {
		t.Fatalf("Get on empty map should report not found")
	}
}

func TestNeighbourTableObserveAndLookup(t *testing.T) {
	nt := NewNeighbourTable[string]()
	id := rid.Random()
	nt.Observe("10.0.0.1:9", id)

	got, ok := nt.Lookup("10.0.0.1:9")
	if !ok || got != id {
		t.Fatalf("Lookup = %v, %v; want %v, true", got, ok, id)
	}
	addr, ok := nt.Addr(id)
	if !ok || addr != "10.0.0.1:9" {
		t.Fatalf("Addr = %v, %v; want 10.0.0.1:9, true", addr, ok)
	}
}

func TestNeighbourTableEachVisitsEveryEntry(t *testing.T) {
	nt := NewNeighbourTable[string]()
	nt.Observe("a", rid.Random())
	nt.Observe("b", rid.Random())

	count := 0
	nt.Each(func(key string, id rid.Ident32) {
		count++
	})
	if count != 2 {
		t.Fatalf("Each visited %d entries, want 2", count)
	}
}

func TestBuildAnnounceAndIsHandshake(t *testing.T) {
	self, _, err := rid.GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair: %v", err)
	}
	env, err := BuildAnnounce(self)
	if err != nil {
		t.Fatalf("BuildAnnounce: %v", err)
	}
	id, isHandshake := IsHandshake(env)
	if !isHandshake {
		t.Fatalf("expected an announce envelope to be recognised as a handshake")
	}
	if !id.CompareConstantTime(self.Ident()) {
		t.Fatalf("handshake id does not match self router key")
	}
	if !IsAnnounce(env) {
		t.Fatalf("expected IsAnnounce to be true for an Announce message")
	}

	reply, err := BuildReply(self)
	if err != nil {
		t.Fatalf("BuildReply: %v", err)
	}
	if IsAnnounce(reply) {
		t.Fatalf("expected IsAnnounce to be false for a Reply message")
	}
}
