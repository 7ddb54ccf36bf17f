package buffer

import "testing"

func TestRingEvictsOldestAtCapacity(t *testing.T) {
	r := NewRing[int](3)
	for i := 1; i <= 3; i++ {
		if evicted := r.Push(i); evicted {
			t.Errorf("push %d evicted below capacity", i)
		}
	}
	if !r.Push(4) {
		t.Error("push at capacity did not evict")
	}
	if got := r.Snapshot(); len(got) != 3 || got[0] != 2 || got[2] != 4 {
		t.Errorf("snapshot = %v, want [2 3 4]", got)
	}
}

func TestRingPopOrder(t *testing.T) {
	r := NewRing[string](4)
	r.Push("a")
	r.Push("b")

	if v, ok := r.Pop(); !ok || v != "a" {
		t.Errorf("first pop = %q, %v", v, ok)
	}
	if v, ok := r.Pop(); !ok || v != "b" {
		t.Errorf("second pop = %q, %v", v, ok)
	}
	if _, ok := r.Pop(); ok {
		t.Error("pop on empty ring reported ok")
	}
}

func TestRingDrainEmptiesBuffer(t *testing.T) {
	r := NewRing[int](8)
	for i := 0; i < 5; i++ {
		r.Push(i)
	}
	out := r.Drain()
	if len(out) != 5 || out[0] != 0 || out[4] != 4 {
		t.Errorf("drain = %v", out)
	}
	if r.Len() != 0 {
		t.Errorf("len after drain = %d", r.Len())
	}
}
