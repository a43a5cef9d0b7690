package rid

import (
	"testing"

	"github.com/go-test/deep"
)

func TestIdentStringRoundTrip(t *testing.T) {
	for i := 0; i < 64; i++ {
		id := Random()
		s := id.String()
		back, err := FromString(s)
		if err != nil {
			t.Fatalf("FromString(%q): %v", s, err)
		}
		if diff := deep.Equal(id, back); diff != nil {
			t.Fatalf("round trip mismatch: %v", diff)
		}
	}
}

func TestRandomNeverZeroByte(t *testing.T) {
	for i := 0; i < 256; i++ {
		id := Random()
		for _, b := range id {
			if b == 0 {
				t.Fatalf("freshly generated identifier contains a zero byte: %s", id)
			}
		}
	}
}

func TestFromBytesWrongLength(t *testing.T) {
	if _, err := FromBytes(make([]byte, 31)); err == nil {
		t.Fatal("expected error for short buffer")
	}
	if _, err := FromBytes(make([]byte, 33)); err == nil {
		t.Fatal("expected error for long buffer")
	}
}

func TestCompareConstantTime(t *testing.T) {
	a := Random()
	b := a
	if !a.CompareConstantTime(b) {
		t.Fatal("identical identifiers should compare equal")
	}
	b[0] ^= 0xFF
	if a.CompareConstantTime(b) {
		t.Fatal("differing identifiers should not compare equal")
	}
}

func TestPrettyStringShape(t *testing.T) {
	id := Random()
	p := id.PrettyString()
	if len(p) == 0 || p[0] != '[' || p[len(p)-1] != ']' {
		t.Fatalf("unexpected pretty string shape: %q", p)
	}
}
