// Package dgt implements Differential Gradient Transmission: fragmenting a
// push into blocks (component C2), scoring each block's contribution
// (C3), ranking and assigning a transport channel to each (C4), and the
// adaptive reliability-floor controller that ties channel assignment to
// observed training loss (C5).
package dgt

import (
	"github.com/dreamware/dgtps/internal/kv"
	"github.com/dreamware/dgtps/internal/message"
)

// Envelope carries the request-level fields the fragmenter stamps onto
// every Message it emits for one Push/Pull call to one server.
type Envelope struct {
	AppID      int
	CustomerID int
	Cmd        int
	Timestamp  int
	Sender     int
	Receiver   int
	PushOpNum  int64
	Priority   int
}

func (e Envelope) meta(isPush, isPull bool) message.RequestMeta {
	return message.RequestMeta{
		AppID:      e.AppID,
		CustomerID: e.CustomerID,
		IsRequest:  true,
		IsPush:     isPush,
		IsPull:     isPull,
		Cmd:        e.Cmd,
		Timestamp:  e.Timestamp,
		Receiver:   e.Receiver,
		PushOpNum:  e.PushOpNum,
	}
}

func lensToInt32(lens []int) []int32 {
	if len(lens) == 0 {
		return nil
	}
	out := make([]int32, len(lens))
	for i, l := range lens {
		out[i] = int32(l)
	}
	return out
}

// FirstPush builds the single, unfragmented message sent for the first push
// of a training round (PushOpNum == 1). The contribution machinery is
// bypassed entirely, matching §4.2.
func FirstPush[V kv.Numeric](sub kv.KVList[V], e Envelope) *message.Message {
	valBytes := kv.ValBytes(sub.Vals)
	m := e.meta(true, false)
	m.MsgType = message.MsgFirstPush
	if len(sub.Keys) > 0 {
		m.FirstKey = sub.Keys[0]
	}
	m.SeqBegin, m.SeqEnd = 0, 0
	m.ValBytes = 0
	m.TotalBytes = len(valBytes)
	m.KeysLen = len(sub.Keys)
	m.ValsLen = len(valBytes)
	m.LensLen = len(sub.Lens)
	return &message.Message{
		Meta:     m,
		Keys:     append([]message.Key(nil), sub.Keys...),
		ValBytes: valBytes,
		Lens:     lensToInt32(sub.Lens),
	}
}

// PullRequest builds the single message sent for a pull (MsgType=3); it
// carries no value payload.
func PullRequest[V kv.Numeric](sub kv.KVList[V], e Envelope) *message.Message {
	m := e.meta(false, true)
	m.MsgType = message.MsgPull
	if len(sub.Keys) > 0 {
		m.FirstKey = sub.Keys[0]
	}
	m.KeysLen = len(sub.Keys)
	return &message.Message{
		Meta: m,
		Keys: append([]message.Key(nil), sub.Keys...),
	}
}

// FragmentPush splits a per-server push slice into block-sized fragments
// per §4.2. Each fragment carries the slice's full key and length lists
// plus its own byte-offset segment of the value buffer. Fragments are
// emitted in ascending seq order, so the terminator (seq == seqEnd) is
// always the last element of the returned slice.
func FragmentPush[V kv.Numeric](sub kv.KVList[V], e Envelope, cfg PipelineConfig) []*message.Message {
	valBytes := kv.ValBytes(sub.Vals)
	totalBytes := len(valBytes)

	blockSize := totalBytes
	if cfg.EnableBlock && cfg.BlockSize > 0 {
		blockSize = cfg.BlockSize
	}
	if blockSize <= 0 {
		blockSize = totalBytes
	}
	if blockSize <= 0 {
		blockSize = 1
	}

	seqNum := totalBytes / blockSize
	if totalBytes%blockSize != 0 {
		seqNum++
	}
	if seqNum == 0 {
		seqNum = 1
	}

	var firstKey message.Key
	if len(sub.Keys) > 0 {
		firstKey = sub.Keys[0]
	}
	keys := append([]message.Key(nil), sub.Keys...)
	lens := lensToInt32(sub.Lens)

	fragments := make([]*message.Message, 0, seqNum)
	remaining := totalBytes
	offset := 0
	for seq := 0; seq < seqNum; seq++ {
		l := remaining
		if l > blockSize {
			l = blockSize
		}
		m := e.meta(true, false)
		m.MsgType = message.MsgPushFragment
		m.FirstKey = firstKey
		m.Seq = seq
		m.SeqBegin = 0
		m.SeqEnd = seqNum - 1
		m.ValBytes = offset
		m.TotalBytes = totalBytes
		m.KeysLen = len(keys)
		m.ValsLen = l
		m.LensLen = len(lens)

		frag := &message.Message{
			Meta:     m,
			Keys:     keys,
			ValBytes: valBytes[offset : offset+l],
			Lens:     lens,
		}
		fragments = append(fragments, frag)

		offset += l
		remaining -= l
	}
	return fragments
}
