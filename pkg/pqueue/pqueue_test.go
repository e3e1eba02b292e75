package pqueue

import "testing"

func TestQueue_PopOrdersByPriority(t *testing.T) {
	q := New[string]()
	q.Push("low", 10)
	q.Push("urgent", 1)
	q.Push("mid", 5)

	want := []string{"urgent", "mid", "low"}
	for i, w := range want {
		got, ok := q.Pop()
		if !ok {
			t.Fatalf("Pop() #%d returned no value", i)
		}
		if got != w {
			t.Errorf("Pop() #%d = %q, want %q", i, got, w)
		}
	}
}

func TestQueue_FIFOAmongEqualPriorities(t *testing.T) {
	q := New[string]()
	q.Push("first", 5)
	q.Push("second", 5)
	q.Push("third", 5)

	for _, want := range []string{"first", "second", "third"} {
		got, _ := q.Pop()
		if got != want {
			t.Errorf("Pop() = %q, want %q", got, want)
		}
	}
}

func TestQueue_MixedPrioritiesKeepFIFOTieBreak(t *testing.T) {
	q := New[int]()
	// Interleave two priority classes.
	q.Push(1, 2)
	q.Push(2, 1)
	q.Push(3, 2)
	q.Push(4, 1)

	want := []int{2, 4, 1, 3}
	for i, w := range want {
		got, _ := q.Pop()
		if got != w {
			t.Errorf("Pop() #%d = %d, want %d", i, got, w)
		}
	}
}

func TestQueue_EmptyPop(t *testing.T) {
	q := New[string]()
	if _, ok := q.Pop(); ok {
		t.Error("Pop() on empty queue returned a value")
	}
	if q.Len() != 0 {
		t.Errorf("Len() = %d after empty Pop, want 0", q.Len())
	}
	if !q.IsEmpty() {
		t.Error("IsEmpty() = false on empty queue")
	}
}

func TestQueue_SizeInvariant(t *testing.T) {
	q := New[int]()
	for i := 0; i < 7; i++ {
		q.Push(i, float64(i))
	}
	for i := 0; i < 3; i++ {
		q.Pop()
	}
	if q.Len() != 4 {
		t.Errorf("Len() = %d after 7 pushes and 3 pops, want 4", q.Len())
	}
}

func TestQueue_Peek(t *testing.T) {
	q := New[string]()
	if _, ok := q.Peek(); ok {
		t.Error("Peek() on empty queue returned a value")
	}

	q.Push("b", 2)
	q.Push("a", 1)

	got, ok := q.Peek()
	if !ok || got != "a" {
		t.Errorf("Peek() = %q, %v, want \"a\", true", got, ok)
	}
	if q.Len() != 2 {
		t.Errorf("Peek() changed Len() to %d", q.Len())
	}
	popped, _ := q.Pop()
	if popped != got {
		t.Errorf("Pop() = %q after Peek() = %q", popped, got)
	}
}

func TestQueue_UpdatePriority(t *testing.T) {
	q := New[string]()
	q.Push("a", 1)
	q.Push("b", 2)
	q.Push("c", 3)

	found := q.UpdatePriority(func(s string) bool { return s == "c" }, 0)
	if !found {
		t.Fatal("UpdatePriority returned false for a present item")
	}
	if got, _ := q.Pop(); got != "c" {
		t.Errorf("Pop() after UpdatePriority = %q, want \"c\"", got)
	}

	if q.UpdatePriority(func(s string) bool { return s == "missing" }, 0) {
		t.Error("UpdatePriority returned true for an absent item")
	}
	// Remaining order must be intact after the failed update.
	if got, _ := q.Pop(); got != "a" {
		t.Errorf("Pop() = %q, want \"a\"", got)
	}
}

func TestQueue_Remove(t *testing.T) {
	q := New[string]()
	q.Push("a", 1)
	q.Push("b", 2)
	q.Push("c", 3)

	if !q.Remove(func(s string) bool { return s == "b" }) {
		t.Fatal("Remove returned false for a present item")
	}
	if q.Remove(func(s string) bool { return s == "b" }) {
		t.Error("Remove returned true for an already-removed item")
	}

	want := []string{"a", "c"}
	for _, w := range want {
		got, _ := q.Pop()
		if got != w {
			t.Errorf("Pop() = %q, want %q", got, w)
		}
	}
}

func TestQueue_NegativePriorities(t *testing.T) {
	q := New[string]()
	q.Push("zero", 0)
	q.Push("neg", -5)
	if got, _ := q.Pop(); got != "neg" {
		t.Errorf("Pop() = %q, want \"neg\"", got)
	}
}
