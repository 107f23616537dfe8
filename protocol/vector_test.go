package protocol

import "testing"

func TestVectorAdd(t *testing.T) {
	v := Vector{}
	v = v.Add(1, 5)
	if v[1] != 5 {
		t.Fatalf("Add did not set initial value: got %d", v[1])
	}
	v = v.Add(1, 3)
	if v[1] != 5 {
		t.Fatalf("Add moved counter backwards: got %d, want 5", v[1])
	}
	v = v.Add(1, 7)
	if v[1] != 7 {
		t.Fatalf("Add did not advance counter: got %d, want 7", v[1])
	}
}

func TestVectorMerge(t *testing.T) {
	a := Vector{1: 5, 2: 2}
	b := Vector{2: 9, 3: 1}
	merged := a.Merge(b)
	want := Vector{1: 5, 2: 9, 3: 1}
	if !merged.Equal(want) {
		t.Errorf("Merge() = %v, want %v", merged, want)
	}
}

func TestVectorCopyIsIndependent(t *testing.T) {
	a := Vector{1: 5}
	b := a.Copy()
	b[1] = 9
	if a[1] != 5 {
		t.Errorf("mutating the copy changed the original: %v", a)
	}
}

func TestVectorEqual(t *testing.T) {
	if !(Vector{}).Equal(Vector{}) {
		t.Error("two empty vectors should be equal")
	}
	if !(Vector{1: 5, 2: 2}).Equal(Vector{2: 2, 1: 5}) {
		t.Error("key order should not affect equality")
	}
	if (Vector{1: 5}).Equal(Vector{1: 6}) {
		t.Error("differing counters should not be equal")
	}
	if (Vector{1: 5}).Equal(Vector{1: 5, 2: 1}) {
		t.Error("differing key sets should not be equal")
	}
}

// TestVectorLessThanSourceBehavior pins down the literal, non-antisymmetric
// "source behavior": an empty vector is LessThan every other vector,
// including another empty one, because it has no counters to disprove it.
func TestVectorLessThanSourceBehavior(t *testing.T) {
	if !(Vector{}).LessThan(Vector{}) {
		t.Error("empty vector should be LessThan an empty vector (source behavior)")
	}
	if !(Vector{}).LessThan(Vector{1: 1}) {
		t.Error("empty vector should be LessThan any non-empty vector")
	}
	// And, as a direct consequence, LessThan is not the antisymmetric
	// relation a reader might expect: both directions can hold at once.
	if !(Vector{}).GreaterThan(Vector{}) {
		t.Error("empty vector should also be GreaterThan an empty vector (source behavior)")
	}
}

func TestVectorLessThanGreaterThan(t *testing.T) {
	a := Vector{1: 1}
	b := Vector{1: 2}
	if !a.LessThan(b) {
		t.Errorf("%v should be LessThan %v", a, b)
	}
	if a.GreaterThan(b) {
		t.Errorf("%v should not be GreaterThan %v", a, b)
	}
	if !b.GreaterThan(a) {
		t.Errorf("%v should be GreaterThan %v", b, a)
	}

	// a has an id (2) that b lacks entirely, so a is not LessThan b even
	// though a's shared counter (1) is smaller.
	a2 := Vector{1: 1, 2: 1}
	if a2.LessThan(b) {
		t.Errorf("%v should not be LessThan %v (has an id b lacks)", a2, b)
	}
}

// TestVectorLessThanIsReflexive pins down that LessThan compares per-id
// domination, not strict inequality: a non-empty vector is LessThan
// itself, matching the source definition.
func TestVectorLessThanIsReflexive(t *testing.T) {
	v := Vector{1: 1, 2: 7}
	if !v.LessThan(v) {
		t.Errorf("%v should be LessThan itself", v)
	}
	if !v.GreaterThan(v) {
		t.Errorf("%v should also be GreaterThan itself", v)
	}
}

func TestVectorLessEqualGreaterEqual(t *testing.T) {
	a := Vector{1: 1}
	if !a.LessEqual(a) {
		t.Error("a should be LessEqual itself")
	}
	if !a.GreaterEqual(a) {
		t.Error("a should be GreaterEqual itself")
	}
}

// TestDominatesIsAProperPartialOrder checks the antisymmetric property that
// distinguishes Dominates from LessThan/GreaterThan: mutual domination
// implies equality, even for two empty vectors.
func TestDominatesIsAProperPartialOrder(t *testing.T) {
	if !Dominates(Vector{}, Vector{}) {
		t.Error("empty vector should dominate an empty vector")
	}
	a := Vector{1: 2, 2: 3}
	b := Vector{1: 2, 2: 3}
	if !Dominates(a, b) || !Dominates(b, a) {
		t.Fatal("equal vectors should mutually dominate")
	}
	if !a.Equal(b) {
		t.Error("mutual domination should imply equality")
	}

	c := Vector{1: 1}
	d := Vector{1: 2}
	if Dominates(c, d) {
		t.Error("c should not dominate d: c's counter for id 1 is smaller")
	}
	if !Dominates(d, c) {
		t.Error("d should dominate c: every id in c is matched or exceeded in d")
	}

	// An id present in b but absent from a (implied zero) blocks domination
	// unless b's counter for it is zero.
	e := Vector{1: 5}
	f := Vector{1: 5, 2: 1}
	if Dominates(e, f) {
		t.Error("e should not dominate f: f has an id e lacks with a nonzero counter")
	}
}
