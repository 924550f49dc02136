package message

import (
	"errors"
	"testing"
)

func frag(seq, seqEnd, offset int, payload []byte, total int) *Message {
	return &Message{
		Meta: RequestMeta{
			FirstKey:   0,
			Seq:        seq,
			SeqEnd:     seqEnd,
			ValBytes:   offset,
			TotalBytes: total,
		},
		Keys:     []Key{0, 1, 2, 3},
		ValBytes: payload,
		Lens:     []int32{4, 4, 4, 4},
	}
}

func TestAssembleReordersAndConcatenates(t *testing.T) {
	total := 12
	f0 := frag(0, 2, 0, []byte{1, 2, 3, 4}, total)
	f1 := frag(1, 2, 4, []byte{5, 6, 7, 8}, total)
	f2 := frag(2, 2, 8, []byte{9, 10, 11, 12}, total)

	// Deliberately out of order, as UDP delivery would be.
	got, err := Assemble([]*Message{f2, f0, f1})
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	want := []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12}
	if len(got.ValBytes) != len(want) {
		t.Fatalf("assembled length = %d, want %d", len(got.ValBytes), len(want))
	}
	for i := range want {
		if got.ValBytes[i] != want[i] {
			t.Fatalf("byte %d = %d, want %d", i, got.ValBytes[i], want[i])
		}
	}
	if got.Meta.ValBytes != 0 {
		t.Errorf("assembled message offset should reset to 0, got %d", got.Meta.ValBytes)
	}
}

func TestAssembleSingleFragmentPassesThrough(t *testing.T) {
	f := frag(0, 0, 0, []byte{1, 2, 3, 4}, 4)
	got, err := Assemble([]*Message{f})
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	if len(got.ValBytes) != 4 {
		t.Fatalf("expected 4 bytes, got %d", len(got.ValBytes))
	}
}

func TestAssembleMissingFragmentIsIncomplete(t *testing.T) {
	f0 := frag(0, 2, 0, []byte{1, 2, 3, 4}, 12)
	f2 := frag(2, 2, 8, []byte{9, 10, 11, 12}, 12)

	_, err := Assemble([]*Message{f0, f2})
	if !errors.Is(err, ErrIncompleteFragments) {
		t.Fatalf("expected ErrIncompleteFragments, got %v", err)
	}
}

func TestAssembleDuplicateSeqIsError(t *testing.T) {
	f0 := frag(0, 1, 0, []byte{1, 2}, 4)
	f0dup := frag(0, 1, 0, []byte{9, 9}, 4)

	_, err := Assemble([]*Message{f0, f0dup})
	if err == nil {
		t.Fatal("expected an error for a duplicate sequence number")
	}
}

func TestAssembleEmptyInputIsError(t *testing.T) {
	if _, err := Assemble(nil); err == nil {
		t.Fatal("expected an error for zero fragments")
	}
}
