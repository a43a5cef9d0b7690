package broadcast

import "testing"

func TestSendDeliversToAllSubscribers(t *testing.T) {
	g := New[int]()
	a := g.Subscribe()
	b := g.Subscribe()

	g.Send(42)

	if v := <-a.C(); v != 42 {
		t.Fatalf("subscriber a got %d, want 42", v)
	}
	if v := <-b.C(); v != 42 {
		t.Fatalf("subscriber b got %d, want 42", v)
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	g := New[string]()
	r := g.Subscribe()
	r.Unsubscribe()

	if _, ok := <-r.C(); ok {
		t.Fatalf("expected channel to be closed after Unsubscribe")
	}
	if g.Len() != 0 {
		t.Fatalf("Len() = %d, want 0 after Unsubscribe", g.Len())
	}
}

func TestSendDoesNotBlockOnFullSubscriber(t *testing.T) {
	g := New[int]()
	r := g.Subscribe()

	for i := 0; i < subscriberBuffer+4; i++ {
		g.Send(i)
	}

	got := <-r.C()
	if got != 0 {
		t.Fatalf("first buffered value = %d, want 0 (oldest retained)", got)
	}
}

func TestUnsubscribeIsIdempotent(t *testing.T) {
	g := New[int]()
	r := g.Subscribe()
	r.Unsubscribe()
	r.Unsubscribe()
}
