// Package worker implements the client-facing half of the parameter
// server (components C6 and C8): issuing push/pull/push-pull requests
// against a sliced server group, routing push fragments through DGT, and
// reassembling per-server pull responses into one logical result.
package worker

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/dreamware/dgtps/internal/customer"
	"github.com/dreamware/dgtps/internal/dgt"
	"github.com/dreamware/dgtps/internal/kv"
	"github.com/dreamware/dgtps/internal/message"
)

type pullAssembly struct {
	fragments []*message.Message
}

// MetricsSink receives the observations a Worker reports as it pushes and
// pulls; *metrics.Metrics satisfies it. Left unset, a Worker reports
// nothing.
type MetricsSink interface {
	ObservePush(valBytes int)
	ObservePull()
	ObserveContribution(key string, score float64)
	ObserveChannel(channel int)
	SetAdaptiveK(k float64)
}

type noopMetrics struct{}

func (noopMetrics) ObservePush(int)                     {}
func (noopMetrics) ObservePull()                        {}
func (noopMetrics) ObserveContribution(string, float64) {}
func (noopMetrics) ObserveChannel(int)                  {}
func (noopMetrics) SetAdaptiveK(float64)                {}

// Worker issues push/pull requests for one (AppID, CustomerID) pair across
// a fixed server group, and tracks the contribution/channel state DGT
// needs for its pushes. One Worker belongs to one goroutine's caller, but
// its exported methods are safe for concurrent use.
type Worker[V kv.Numeric] struct {
	ID         int
	AppID      int
	CustomerID int

	customer *customer.Customer
	sender   dgt.Sender
	slicer   kv.Slicer[V]
	cfg      dgt.PipelineConfig

	estimator *dgt.Estimator
	adaptiveK *dgt.AdaptiveK
	rng       *rand.Rand

	ranges     []kv.Range
	rankToNode map[int]int

	pushOpNum int64

	mu        sync.Mutex
	pullState map[int]*pullAssembly

	metrics MetricsSink
}

// New constructs a Worker addressing the server group described by ranges
// (in rank order) and rankToNode (rank -> server node ID). sender is
// typically a *van.Van; cfg is typically loaded once via
// dgt.LoadPipelineConfig.
func New[V kv.Numeric](id, appID, customerID int, sender dgt.Sender, ranges []kv.Range, rankToNode map[int]int, cfg dgt.PipelineConfig) *Worker[V] {
	w := &Worker[V]{
		ID:         id,
		AppID:      appID,
		CustomerID: customerID,
		sender:     sender,
		slicer:     kv.Slice[V],
		cfg:        cfg,
		estimator:  dgt.NewEstimator(cfg.ContriAlpha),
		adaptiveK:  dgt.NewAdaptiveK(id),
		rng:        rand.New(rand.NewSource(int64(id) + 1)),
		ranges:     ranges,
		rankToNode: rankToNode,
		pullState:  make(map[int]*pullAssembly),
		metrics:    noopMetrics{},
	}
	w.customer = customer.New(appID, customerID, w.Process)
	return w
}

// SetSlicer overrides the default range slicer (kv.Slice).
func (w *Worker[V]) SetSlicer(s kv.Slicer[V]) {
	w.slicer = s
}

// SetMetrics installs the sink the worker reports push/pull/channel
// observations to.
func (w *Worker[V]) SetMetrics(m MetricsSink) {
	if m == nil {
		m = noopMetrics{}
	}
	w.metrics = m
}

// Close releases the worker's Customer goroutine and the adaptive-k
// controller's loss file, if one was opened.
func (w *Worker[V]) Close() {
	w.customer.Close()
	w.adaptiveK.Close()
}

// Push sends keys/vals to their owning servers and blocks until every
// server has acknowledged or ctx is done.
func (w *Worker[V]) Push(ctx context.Context, keys []message.Key, vals []V) error {
	ts, err := w.pushImpl(keys, vals)
	if err != nil {
		return err
	}
	return w.customer.WaitRequest(ctx, ts)
}

// ZPush is the non-blocking form of Push: it returns the request timestamp
// immediately and invokes cb (if non-nil) from a background goroutine once
// every server has acknowledged, matching the reference AddPullCB style of
// asynchronous completion.
func (w *Worker[V]) ZPush(ctx context.Context, keys []message.Key, vals []V, cb func(error)) (int, error) {
	ts, err := w.pushImpl(keys, vals)
	if err != nil {
		return ts, err
	}
	go func() {
		err := w.customer.WaitRequest(ctx, ts)
		if cb != nil {
			cb(err)
		}
	}()
	return ts, nil
}

func (w *Worker[V]) pushImpl(keys []message.Key, vals []V) (int, error) {
	sub := kv.KVList[V]{Keys: keys, Vals: vals}
	sliced, err := w.slicer(sub, w.ranges)
	if err != nil {
		return 0, fmt.Errorf("worker: slicing push: %w", err)
	}

	// expected counts only the servers actually addressed; a server whose
	// slice is empty is never sent a request and is never waited on.
	expected := 0
	for _, sl := range sliced {
		if sl.Enabled {
			expected++
		}
	}

	// push_op_num advances on a round-marking push (first key == 0), and
	// also on the very first push this worker ever issues regardless of
	// its keys, so a worker whose caller never happens to push key 0 first
	// still gets round 1. Any other push reuses the round's current op
	// number rather than bumping it, so it never re-triggers FirstPush
	// semantics or shifts the round counter the adaptive-k controller
	// keys off of.
	current := atomic.LoadInt64(&w.pushOpNum)
	isRoundStart := current == 0 || (len(keys) > 0 && keys[0] == 0)
	var opNum int64
	if isRoundStart {
		opNum = atomic.AddInt64(&w.pushOpNum, 1)
	} else {
		opNum = current
	}

	if isRoundStart && opNum > 1 {
		w.adaptiveK.UpdateLossDelta()
		w.metrics.SetAdaptiveK(w.adaptiveK.K())
	}

	ts := w.customer.NewRequest(expected)

	for rank, sl := range sliced {
		if !sl.Enabled {
			continue
		}
		nodeID, ok := w.rankToNode[rank]
		if !ok {
			return ts, fmt.Errorf("worker: no server registered for rank %d", rank)
		}
		env := dgt.Envelope{
			AppID: w.AppID, CustomerID: w.CustomerID,
			Timestamp: ts, Sender: w.ID, Receiver: nodeID, PushOpNum: opNum,
		}

		var frags []*message.Message
		if opNum == 1 {
			frags = []*message.Message{dgt.FirstPush(sl.Sub, env)}
		} else {
			frags = dgt.FragmentPush(sl.Sub, env, w.cfg)
			dgt.ScoreFragments(frags, w.estimator)
			frags = dgt.ApplyClearZero(frags, w.cfg.ClearZero)
			frags = dgt.Order(frags, w.cfg.SetRandom, w.rng)
			dgt.AssignChannels(frags, w.adaptiveK.ChannelNum(), w.adaptiveK.K(), w.rng)
		}
		for _, f := range frags {
			f.Meta.Timestamp = ts
			w.metrics.ObservePush(len(f.ValBytes))
			if f.Meta.MsgType == message.MsgPushFragment {
				w.metrics.ObserveContribution(fmt.Sprint(f.Meta.FirstKey), f.Score)
			}
		}
		if err := dgt.Dispatch(frags, w.sender, w.cfg.EnableDGT); err != nil {
			return ts, err
		}
		for _, f := range frags {
			w.metrics.ObserveChannel(f.Meta.Channel)
		}
	}
	return ts, nil
}

// Pull requests keys from their owning servers and blocks until every
// server has responded or ctx is done, returning the merged result in
// ascending key order.
func (w *Worker[V]) Pull(ctx context.Context, keys []message.Key) (kv.KVList[V], error) {
	ts, err := w.pullImpl(keys)
	if err != nil {
		return kv.KVList[V]{}, err
	}
	if err := w.customer.WaitRequest(ctx, ts); err != nil {
		return kv.KVList[V]{}, err
	}
	return w.mergedPullResult(ts, keys)
}

// ZPull is the non-blocking form of Pull.
func (w *Worker[V]) ZPull(ctx context.Context, keys []message.Key, cb func(kv.KVList[V], error)) (int, error) {
	ts, err := w.pullImpl(keys)
	if err != nil {
		return ts, err
	}
	go func() {
		if err := w.customer.WaitRequest(ctx, ts); err != nil {
			if cb != nil {
				cb(kv.KVList[V]{}, err)
			}
			return
		}
		res, err := w.mergedPullResult(ts, keys)
		if cb != nil {
			cb(res, err)
		}
	}()
	return ts, nil
}

func (w *Worker[V]) pullImpl(keys []message.Key) (int, error) {
	sub := kv.KVList[V]{Keys: keys}
	sliced, err := w.slicer(sub, w.ranges)
	if err != nil {
		return 0, fmt.Errorf("worker: slicing pull: %w", err)
	}

	// expected counts only the servers actually addressed; a server whose
	// slice is empty is never sent a request and is never waited on.
	expected := 0
	for _, sl := range sliced {
		if sl.Enabled {
			expected++
		}
	}

	ts := w.customer.NewRequest(expected)
	w.mu.Lock()
	w.pullState[ts] = &pullAssembly{}
	w.mu.Unlock()

	for rank, sl := range sliced {
		if !sl.Enabled {
			continue
		}
		nodeID, ok := w.rankToNode[rank]
		if !ok {
			return ts, fmt.Errorf("worker: no server registered for rank %d", rank)
		}
		env := dgt.Envelope{
			AppID: w.AppID, CustomerID: w.CustomerID,
			Timestamp: ts, Sender: w.ID, Receiver: nodeID,
		}
		req := dgt.PullRequest(sl.Sub, env)
		if _, err := w.sender.Send(req, 0, 0); err != nil {
			return ts, err
		}
		w.metrics.ObservePull()
	}
	return ts, nil
}

// PushPull composes a blocking Push followed by a blocking Pull. The
// reference implementation sends both in a single round trip; this
// composition keeps the channel/customer bookkeeping for each independent
// at the cost of an extra round trip, a simplification recorded in the
// project's design notes.
func (w *Worker[V]) PushPull(ctx context.Context, pushKeys []message.Key, pushVals []V, pullKeys []message.Key) (kv.KVList[V], error) {
	if err := w.Push(ctx, pushKeys, pushVals); err != nil {
		return kv.KVList[V]{}, err
	}
	return w.Pull(ctx, pullKeys)
}

// Process handles one incoming message: a push acknowledgement or a
// per-server pull response. It is installed as the Worker's Customer
// RecvHandle.
func (w *Worker[V]) Process(msg *message.Message) {
	ts := msg.Meta.Timestamp
	if msg.Meta.IsPull {
		w.mu.Lock()
		st, ok := w.pullState[ts]
		if ok {
			st.fragments = append(st.fragments, msg)
		}
		w.mu.Unlock()
	}
	w.customer.AddResponse(ts, 1)
}

// mergedPullResult reassembles every server's partial pull response into
// one KVList, sorted by each fragment's front key (component C8: "sort by
// front key, concatenation"), after verifying the replies actually cover
// the requested keys end to end.
func (w *Worker[V]) mergedPullResult(ts int, requested []message.Key) (kv.KVList[V], error) {
	w.mu.Lock()
	st, ok := w.pullState[ts]
	delete(w.pullState, ts)
	w.mu.Unlock()
	if !ok {
		return kv.KVList[V]{}, fmt.Errorf("worker: no pull state for timestamp %d", ts)
	}

	frags := append([]*message.Message(nil), st.fragments...)
	sort.Slice(frags, func(i, j int) bool { return frags[i].Meta.FirstKey < frags[j].Meta.FirstKey })

	var keys []message.Key
	var lens []int
	var valBytes []byte
	total := 0
	for _, f := range frags {
		if len(f.Keys) > 0 {
			lo, hi := f.Keys[0], f.Keys[len(f.Keys)-1]+1
			if want := findRangeCount(requested, lo, hi); want != len(f.Keys) {
				return kv.KVList[V]{}, fmt.Errorf("worker: protocol coverage: unmatched keys size from one server: range [%d,%d) requested %d keys, reply has %d", lo, hi, want, len(f.Keys))
			}
		}
		keys = append(keys, f.Keys...)
		for _, l := range f.Lens {
			lens = append(lens, int(l))
		}
		valBytes = append(valBytes, f.ValBytes...)
		total += len(f.Keys)
	}
	if total != len(requested) {
		return kv.KVList[V]{}, fmt.Errorf("worker: protocol coverage: lost some servers? got %d keys across %d replies, requested %d", total, len(frags), len(requested))
	}

	var zero V
	size := int(unsafe.Sizeof(zero))
	elemCount := 0
	if size > 0 {
		elemCount = len(valBytes) / size
	}
	vals := kv.ValsFromBytes[V](valBytes, elemCount)

	return kv.KVList[V]{Keys: keys, Vals: vals, Lens: lens}, nil
}

// findRangeCount returns how many of the sorted keys in requested fall
// within the half-open range [lo, hi), the same check the reference
// receiver runs per server reply (component C8).
func findRangeCount(requested []message.Key, lo, hi message.Key) int {
	start := sort.Search(len(requested), func(i int) bool { return requested[i] >= lo })
	end := sort.Search(len(requested), func(i int) bool { return requested[i] >= hi })
	return end - start
}
