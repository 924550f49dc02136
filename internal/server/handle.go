package server

import (
	"unsafe"

	"github.com/dreamware/dgtps/internal/kv"
	"github.com/dreamware/dgtps/internal/message"
)

// ReqHandle processes one fully-assembled request (a complete push or a
// pull) against store and returns the response to send back to the
// requester. Implementations read store through its typed accessors;
// Server takes care of wiring Meta.Receiver/IsRequest on the result.
type ReqHandle[V kv.Numeric] func(store *ValueStore[V], req *message.Message) *message.Message

func splitByLens[V kv.Numeric](vals []V, lens []int32) [][]V {
	if len(lens) == 0 {
		return nil
	}
	out := make([][]V, len(lens))
	off := 0
	for i, l := range lens {
		out[i] = vals[off : off+int(l)]
		off += int(l)
	}
	return out
}

func uniformStride[V kv.Numeric](vals []V, numKeys int) [][]V {
	if numKeys == 0 {
		return nil
	}
	stride := len(vals) / numKeys
	out := make([][]V, numKeys)
	for i := 0; i < numKeys; i++ {
		out[i] = vals[i*stride : (i+1)*stride]
	}
	return out
}

// DefaultHandle implements the reference parameter server's default
// behavior (KVServerDefaultHandle): a push accumulates each key's row into
// the store; a pull reads each requested key's current row back out. It is
// the handler Server installs unless overridden.
func DefaultHandle[V kv.Numeric](store *ValueStore[V], req *message.Message) *message.Message {
	if req.Meta.IsPull {
		return handlePull(store, req)
	}
	return handlePush(store, req)
}

func handlePush[V kv.Numeric](store *ValueStore[V], req *message.Message) *message.Message {
	var zero V
	elemSize := int(unsafe.Sizeof(zero))
	n := 0
	if elemSize > 0 {
		n = len(req.ValBytes) / elemSize
	}
	vals := kv.ValsFromBytes[V](req.ValBytes, n)
	rows := splitByLens[V](vals, req.Lens)
	if rows == nil {
		rows = uniformStride[V](vals, len(req.Keys))
	}
	for i, key := range req.Keys {
		if i >= len(rows) {
			break
		}
		store.Accumulate(key, rows[i])
	}

	ack := req.Clone()
	ack.Meta.IsRequest = false
	ack.Keys = nil
	ack.ValBytes = nil
	ack.Lens = nil
	return ack
}

func handlePull[V kv.Numeric](store *ValueStore[V], req *message.Message) *message.Message {
	allVals := make([]V, 0, len(req.Keys))
	lens := make([]int32, 0, len(req.Keys))
	for _, key := range req.Keys {
		row, _ := store.Get(key)
		allVals = append(allVals, row...)
		lens = append(lens, int32(len(row)))
	}

	resp := &message.Message{
		Meta: req.Meta,
		Keys: append([]message.Key(nil), req.Keys...),
		Lens: lens,
	}
	resp.Meta.IsRequest = false
	resp.Meta.IsPull = true
	resp.ValBytes = kv.ValBytes(allVals)
	resp.Meta.TotalBytes = len(resp.ValBytes)
	resp.Meta.ValsLen = len(allVals)
	resp.Meta.LensLen = len(lens)
	return resp
}
