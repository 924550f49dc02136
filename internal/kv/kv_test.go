package kv

import (
	"errors"
	"math"
	"testing"
)

func TestSliceUniformLength(t *testing.T) {
	// S1: keys=[1,3], vals=[1.1,1.2,3.1,3.2], single server range [0, inf).
	list := KVList[float32]{
		Keys: []Key{1, 3},
		Vals: []float32{1.1, 1.2, 3.1, 3.2},
	}
	ranges := []Range{{Begin: 0, End: math.MaxUint64}}

	sliced, err := Slice(list, ranges)
	if err != nil {
		t.Fatalf("Slice returned error: %v", err)
	}
	if len(sliced) != 1 {
		t.Fatalf("expected 1 slice, got %d", len(sliced))
	}
	if !sliced[0].Enabled {
		t.Fatal("expected slice 0 to be enabled")
	}
	sub := sliced[0].Sub
	if len(sub.Keys) != 2 || sub.Keys[0] != 1 || sub.Keys[1] != 3 {
		t.Errorf("unexpected keys: %v", sub.Keys)
	}
	if len(sub.Vals) != 4 {
		t.Errorf("expected 4 vals, got %d", len(sub.Vals))
	}
}

func TestSliceCoverageReconstructsOriginal(t *testing.T) {
	// Invariant 1: concatenating sliced sub-lists in range order reconstructs
	// the original keys/vals/lens.
	list := KVList[float32]{
		Keys: []Key{1, 2, 5, 9, 10, 20},
		Vals: []float32{10, 20, 50, 90, 100, 200},
	}
	ranges := []Range{
		{Begin: 0, End: 5},
		{Begin: 5, End: 10},
		{Begin: 10, End: math.MaxUint64},
	}

	sliced, err := Slice(list, ranges)
	if err != nil {
		t.Fatalf("Slice returned error: %v", err)
	}

	var gotKeys []Key
	var gotVals []float32
	for _, s := range sliced {
		if !s.Enabled {
			continue
		}
		gotKeys = append(gotKeys, s.Sub.Keys...)
		gotVals = append(gotVals, s.Sub.Vals...)
	}

	if len(gotKeys) != len(list.Keys) {
		t.Fatalf("expected %d keys reconstructed, got %d", len(list.Keys), len(gotKeys))
	}
	for i, k := range list.Keys {
		if gotKeys[i] != k {
			t.Errorf("key %d: want %d got %d", i, k, gotKeys[i])
		}
		if gotVals[i] != list.Vals[i] {
			t.Errorf("val %d: want %v got %v", i, list.Vals[i], gotVals[i])
		}
	}
}

func TestSliceWithLens(t *testing.T) {
	list := KVList[float32]{
		Keys: []Key{1, 2, 3},
		Vals: []float32{1, 2, 2, 3, 3, 3},
		Lens: []int{1, 2, 3},
	}
	ranges := []Range{
		{Begin: 0, End: 2},
		{Begin: 2, End: math.MaxUint64},
	}

	sliced, err := Slice(list, ranges)
	if err != nil {
		t.Fatalf("Slice returned error: %v", err)
	}
	if !sliced[0].Enabled || len(sliced[0].Sub.Keys) != 1 || len(sliced[0].Sub.Vals) != 1 {
		t.Errorf("slice 0 unexpected: %+v", sliced[0])
	}
	if !sliced[1].Enabled || len(sliced[1].Sub.Keys) != 2 || len(sliced[1].Sub.Vals) != 5 {
		t.Errorf("slice 1 unexpected: %+v", sliced[1])
	}
}

func TestSliceEmptyInputAllDisabled(t *testing.T) {
	list := KVList[float32]{}
	ranges := []Range{{Begin: 0, End: 10}, {Begin: 10, End: 20}}

	sliced, err := Slice(list, ranges)
	if err != nil {
		t.Fatalf("Slice returned error: %v", err)
	}
	for i, s := range sliced {
		if s.Enabled {
			t.Errorf("slice %d: expected disabled for empty input", i)
		}
	}
}

func TestSliceRangeGapIsContiguityViolation(t *testing.T) {
	list := KVList[float32]{Keys: []Key{1, 2}, Vals: []float32{1, 2}}
	ranges := []Range{{Begin: 0, End: 5}, {Begin: 6, End: 10}}

	_, err := Slice(list, ranges)
	if !errors.Is(err, ErrRangesNotContiguous) {
		t.Fatalf("expected ErrRangesNotContiguous, got %v", err)
	}
}

func TestValidateKeysNotSorted(t *testing.T) {
	list := KVList[float32]{Keys: []Key{3, 1}, Vals: []float32{1, 2}}
	if err := list.Validate(); !errors.Is(err, ErrKeysNotSorted) {
		t.Fatalf("expected ErrKeysNotSorted, got %v", err)
	}
}

func TestValidateLensMismatch(t *testing.T) {
	list := KVList[float32]{
		Keys: []Key{1, 2},
		Vals: []float32{1, 2, 3},
		Lens: []int{1},
	}
	if err := list.Validate(); !errors.Is(err, ErrLensMismatch) {
		t.Fatalf("expected ErrLensMismatch, got %v", err)
	}
}

func TestValBytesRoundTrip(t *testing.T) {
	vals := []float32{1.5, -2.25, 3, 0}
	b := ValBytes(vals)
	if len(b) != len(vals)*4 {
		t.Fatalf("expected %d bytes, got %d", len(vals)*4, len(b))
	}
	back := ValsFromBytes[float32](b, len(vals))
	for i := range vals {
		if back[i] != vals[i] {
			t.Errorf("index %d: want %v got %v", i, vals[i], back[i])
		}
	}
}

func TestValBytesRoundTripInt64(t *testing.T) {
	vals := []int64{1, -2, 3000000000, 0}
	b := ValBytes(vals)
	back := ValsFromBytes[int64](b, len(vals))
	for i := range vals {
		if back[i] != vals[i] {
			t.Errorf("index %d: want %v got %v", i, vals[i], back[i])
		}
	}
}
