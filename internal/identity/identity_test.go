package identity

import "testing"

func TestNewReturnsDistinctValues(t *testing.T) {
	a, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	b, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if a == b {
		t.Fatal("two calls to New produced the same address (extraordinarily unlikely)")
	}
}
