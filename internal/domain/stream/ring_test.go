package stream

import (
	"fmt"
	"testing"
)

func TestRingEmptyDrain(t *testing.T) {
	r := NewRing(10)
	if chunks := r.Drain(); len(chunks) != 0 {
		t.Errorf("expected empty buffer, got %d chunks", len(chunks))
	}
}

func TestRingPartialFill(t *testing.T) {
	r := NewRing(10)
	for i := 0; i < 5; i++ {
		r.Push(fmt.Sprintf("line-%d", i))
	}

	chunks := r.Snapshot()
	if len(chunks) != 5 {
		t.Fatalf("expected 5 chunks, got %d", len(chunks))
	}
	for i, c := range chunks {
		expected := fmt.Sprintf("line-%d", i)
		if c != expected {
			t.Errorf("chunk %d: expected %s, got %s", i, expected, c)
		}
	}
}

func TestRingOverflow(t *testing.T) {
	r := NewRing(5)
	for i := 0; i < 8; i++ {
		r.Push(fmt.Sprintf("line-%d", i))
	}

	chunks := r.Snapshot()
	if len(chunks) != 5 {
		t.Fatalf("expected 5 chunks, got %d", len(chunks))
	}

	// Should hold lines 3..7, oldest dropped.
	for i, c := range chunks {
		expected := fmt.Sprintf("line-%d", i+3)
		if c != expected {
			t.Errorf("chunk %d: expected %s, got %s", i, expected, c)
		}
	}
}

func TestRingExactCapacity(t *testing.T) {
	r := NewRing(3)
	for i := 0; i < 3; i++ {
		r.Push(fmt.Sprintf("line-%d", i))
	}

	chunks := r.Snapshot()
	if len(chunks) != 3 {
		t.Fatalf("expected 3 chunks, got %d", len(chunks))
	}
	for i, c := range chunks {
		expected := fmt.Sprintf("line-%d", i)
		if c != expected {
			t.Errorf("chunk %d: expected %s, got %s", i, expected, c)
		}
	}
}

func TestRingDrainEmpties(t *testing.T) {
	r := NewRing(4)
	r.Push("a")
	r.Push("b")

	first := r.Drain()
	if len(first) != 2 || first[0] != "a" || first[1] != "b" {
		t.Fatalf("expected [a b], got %v", first)
	}
	if r.Len() != 0 {
		t.Errorf("expected empty ring after drain, got %d", r.Len())
	}

	// Writes after a drain start a fresh window.
	r.Push("c")
	second := r.Drain()
	if len(second) != 1 || second[0] != "c" {
		t.Errorf("expected [c], got %v", second)
	}
}

func TestRingLen(t *testing.T) {
	r := NewRing(3)
	if r.Len() != 0 {
		t.Errorf("expected len 0, got %d", r.Len())
	}
	r.Push("a")
	if r.Len() != 1 {
		t.Errorf("expected len 1, got %d", r.Len())
	}
	r.Push("b")
	r.Push("c")
	r.Push("d")
	if r.Len() != 3 {
		t.Errorf("expected len capped at 3, got %d", r.Len())
	}
}
