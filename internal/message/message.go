// Package message defines the wire-level types shared by the worker, the
// server, and the van transport: the key type, per-request metadata, and the
// fragment envelope that carries one block of one server-slice across the
// network.
package message

import (
	"errors"
	"fmt"
	"sort"
)

// Key is the opaque, totally-ordered identifier used to address a
// parameter-server value. Key lists must be strictly increasing.
type Key = uint64

// MsgType distinguishes the three shapes a push/pull fragment can take on
// the wire.
type MsgType int

const (
	// MsgFirstPush carries an entire per-server slice in one shot. It is
	// emitted for every push a worker issues while its push op number is
	// still 1 (its opening round), and bypasses the contribution/ranking
	// machinery entirely.
	MsgFirstPush MsgType = 1
	// MsgPushFragment carries one block of a larger push, scored and
	// routed by DGT.
	MsgPushFragment MsgType = 2
	// MsgPull carries a pull request; it has no value payload.
	MsgPull MsgType = 3
)

// RequestMeta is the metadata attached to every Message. It mirrors the
// fields a real transport would frame on the wire (app/customer ids,
// request/push/pull flags, sender/receiver) plus the DGT-specific fields
// needed to fragment, score, and route push payloads.
type RequestMeta struct {
	AppID      int
	CustomerID int
	IsRequest  bool
	IsPush     bool
	IsPull     bool
	Cmd        int
	Timestamp  int
	Sender     int
	Receiver   int

	MsgType    MsgType
	FirstKey   Key
	Seq        int
	SeqBegin   int
	SeqEnd     int
	ValBytes   int
	TotalBytes int
	PushOpNum  int64
	Channel    int

	KeysLen    int
	ValsLen    int
	LensLen    int
	TrackerNum int
}

// Message is a fragment: one block of one per-server slice, plus the
// contribution score the ranker uses to order it against its siblings.
// ValBytes holds the raw value payload; its interpretation as typed values
// is the worker/server's concern, not the transport's.
type Message struct {
	Meta     RequestMeta
	Keys     []Key
	ValBytes []byte
	Lens     []int32
	Score    float64
}

// Clone returns a deep copy of the message, safe to mutate independently of
// the original. The server's default push handler uses it to build an
// acknowledgement from the request it answers.
func (m *Message) Clone() *Message {
	out := &Message{Meta: m.Meta, Score: m.Score}
	if m.Keys != nil {
		out.Keys = append([]Key(nil), m.Keys...)
	}
	if m.ValBytes != nil {
		out.ValBytes = append([]byte(nil), m.ValBytes...)
	}
	if m.Lens != nil {
		out.Lens = append([]int32(nil), m.Lens...)
	}
	return out
}

// ErrIncompleteFragments is returned by Assemble when the given fragments
// do not cover every sequence number from 0 to SeqEnd exactly once.
var ErrIncompleteFragments = errors.New("message: fragments do not cover the full sequence")

// Assemble reconstructs the single logical push (or pull response) that a
// set of fragments was split from: it sorts by sequence number, verifies
// every sequence 0..SeqEnd is present exactly once, and concatenates each
// fragment's value bytes at its recorded offset into one contiguous
// buffer. The Keys and Lens lists are identical across every fragment of
// one push by construction (FragmentPush copies them unchanged into each
// fragment), so Assemble takes them from whichever fragment sorts first.
//
// This is the server side of component C8: the server calls it to
// reassemble a DGT-fragmented push before decoding it into typed values.
// Pull responses are not assembled here; the worker merges them itself
// (worker.mergedPullResult).
func Assemble(fragments []*Message) (*Message, error) {
	if len(fragments) == 0 {
		return nil, errors.New("message: cannot assemble zero fragments")
	}

	sorted := append([]*Message(nil), fragments...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Meta.Seq < sorted[j].Meta.Seq })

	seqEnd := sorted[0].Meta.SeqEnd
	seen := make(map[int]bool, len(sorted))
	for _, f := range sorted {
		if f.Meta.SeqEnd != seqEnd {
			return nil, fmt.Errorf("message: inconsistent SeqEnd across fragments: %d vs %d", f.Meta.SeqEnd, seqEnd)
		}
		if seen[f.Meta.Seq] {
			return nil, fmt.Errorf("message: duplicate fragment for seq %d", f.Meta.Seq)
		}
		seen[f.Meta.Seq] = true
	}
	if len(seen) != seqEnd+1 {
		return nil, ErrIncompleteFragments
	}

	total := sorted[0].Meta.TotalBytes
	buf := make([]byte, total)
	for _, f := range sorted {
		off := f.Meta.ValBytes
		if off < 0 || off+len(f.ValBytes) > total {
			return nil, fmt.Errorf("message: fragment at seq %d out of bounds (offset %d, len %d, total %d)", f.Meta.Seq, off, len(f.ValBytes), total)
		}
		copy(buf[off:], f.ValBytes)
	}

	meta := sorted[0].Meta
	meta.Seq = seqEnd
	meta.ValBytes = 0
	meta.ValsLen = total

	return &Message{
		Meta:     meta,
		Keys:     sorted[0].Keys,
		ValBytes: buf,
		Lens:     sorted[0].Lens,
	}, nil
}
