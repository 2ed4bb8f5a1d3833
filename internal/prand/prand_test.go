package prand

import "testing"

func TestSameSeedSameSequence(t *testing.T) {
	a := New(42)
	b := New(42)
	for i := 0; i < 1000; i++ {
		if a.Uint64() != b.Uint64() {
			t.Fatalf("sequences diverged at step %d", i)
		}
	}
}

func TestDifferentSeedsDiverge(t *testing.T) {
	a := New(1)
	b := New(2)
	same := 0
	for i := 0; i < 100; i++ {
		if a.Uint64() == b.Uint64() {
			same++
		}
	}
	if same > 0 {
		t.Fatalf("different seeds produced %d identical values", same)
	}
}

func TestFloat64Bounds(t *testing.T) {
	s := New(7)
	for i := 0; i < 10000; i++ {
		v := s.Float64()
		if v < 0 || v >= 1 {
			t.Fatalf("Float64 out of range: %v", v)
		}
	}
}

func TestIntnBounds(t *testing.T) {
	s := New(7)
	seen := make(map[int]bool)
	for i := 0; i < 1000; i++ {
		v := s.Intn(6)
		if v < 0 || v >= 6 {
			t.Fatalf("Intn out of range: %d", v)
		}
		seen[v] = true
	}
	if len(seen) != 6 {
		t.Fatalf("expected all 6 values over 1000 draws, saw %d", len(seen))
	}
}

func TestShuffleDeterministic(t *testing.T) {
	mk := func(seed int64) []int {
		vals := []int{0, 1, 2, 3, 4, 5, 6, 7}
		New(seed).Shuffle(len(vals), func(i, j int) { vals[i], vals[j] = vals[j], vals[i] })
		return vals
	}
	a, b := mk(99), mk(99)
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("same-seed shuffles differ: %v vs %v", a, b)
		}
	}
}

func TestPick(t *testing.T) {
	s := New(3)
	if got := Pick(s, []string{"only"}); got != "only" {
		t.Fatalf("got %q", got)
	}
	if got := Pick(s, []string(nil)); got != "" {
		t.Fatalf("empty slice should yield zero value, got %q", got)
	}
}
