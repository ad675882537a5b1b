package bitmap

import "testing"

func TestSetClearTest(t *testing.T) {
	b := New(128)
	if !b.Empty() {
		t.Fatalf("new bitmap should be empty")
	}
	b.Set(5)
	b.Set(70)
	if !b.Test(5) || !b.Test(70) {
		t.Fatalf("expected bits 5 and 70 set")
	}
	if b.Test(6) {
		t.Fatalf("bit 6 should be clear")
	}
	b.Clear(5)
	if b.Test(5) {
		t.Fatalf("bit 5 should be clear after Clear")
	}
}

func TestFindFirstSetAcrossWords(t *testing.T) {
	b := New(128)
	if b.FindFirstSet() != -1 {
		t.Fatalf("expected -1 on empty bitmap")
	}
	b.Set(70)
	b.Set(3)
	if got := b.FindFirstSet(); got != 3 {
		t.Fatalf("got %d, want 3", got)
	}
}

func TestFindFirstClearRespectsBoundary(t *testing.T) {
	b := New(4)
	for i := 0; i < 4; i++ {
		b.Set(i)
	}
	if got := b.FindFirstClear(); got != -1 {
		t.Fatalf("got %d, want -1 (all within nbits are set)", got)
	}
}

func TestHighestSet(t *testing.T) {
	b := New(200)
	b.Set(10)
	b.Set(150)
	b.Set(64)
	if got := b.HighestSet(); got != 150 {
		t.Fatalf("got %d, want 150", got)
	}
}

func TestHighestSetEmpty(t *testing.T) {
	b := New(64)
	if got := b.HighestSet(); got != -1 {
		t.Fatalf("got %d, want -1", got)
	}
}
