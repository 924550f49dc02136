package server

import (
	"errors"
	"strconv"
	"sync"

	"github.com/dreamware/dgtps/internal/kv"
	"github.com/dreamware/dgtps/internal/message"
)

// Replier is the minimal transport surface Server needs to answer a
// request: a plain reliable send. Server replies never go through DGT
// ranking — acknowledgements and pull responses are small and
// latency-sensitive, so they always take the reliable channel.
type Replier interface {
	Send(msg *message.Message, channel, flags int) (int, error)
}

type pendingKey struct {
	sender    int
	pushOpNum int64
}

// MetricsSink receives the observations a Server reports as it applies
// pushes and serves pulls; *metrics.Metrics satisfies it. Left unset, a
// Server reports nothing.
type MetricsSink interface {
	ObserveServerPush(key string)
	ObserveServerPull(key string)
}

type noopMetrics struct{}

func (noopMetrics) ObserveServerPush(string) {}
func (noopMetrics) ObserveServerPull(string) {}

// Server processes push and pull requests against a ValueStore, assembling
// DGT-fragmented pushes before applying them (component C7). One Server
// owns one rank's key range.
type Server[V kv.Numeric] struct {
	Store  *ValueStore[V]
	handle ReqHandle[V]
	sender Replier

	mu      sync.Mutex
	pending map[pendingKey][]*message.Message

	metrics MetricsSink
}

// New constructs a Server with the default push/pull handler. Use
// SetHandle to override it (e.g. to overwrite instead of accumulate).
func New[V kv.Numeric](sender Replier) *Server[V] {
	return &Server[V]{
		Store:   NewValueStore[V](),
		handle:  DefaultHandle[V],
		sender:  sender,
		pending: make(map[pendingKey][]*message.Message),
		metrics: noopMetrics{},
	}
}

// SetHandle overrides the request handler.
func (s *Server[V]) SetHandle(h ReqHandle[V]) {
	s.handle = h
}

// SetMetrics installs the sink the server reports applied-push and
// served-pull observations to.
func (s *Server[V]) SetMetrics(m MetricsSink) {
	if m == nil {
		m = noopMetrics{}
	}
	s.metrics = m
}

// Process handles one incoming message. Pull requests and single-fragment
// pushes are answered immediately; multi-fragment pushes are buffered
// until every fragment 0..SeqEnd has arrived, then assembled and applied
// as one logical push (component C8, server side).
func (s *Server[V]) Process(req *message.Message) error {
	if req.Meta.IsPull {
		resp := s.handle(s.Store, req)
		for _, key := range req.Keys {
			s.metrics.ObserveServerPull(strconv.FormatUint(key, 10))
		}
		return s.reply(req, resp)
	}

	key := pendingKey{sender: req.Meta.Sender, pushOpNum: req.Meta.PushOpNum}

	s.mu.Lock()
	s.pending[key] = append(s.pending[key], req)
	frags := append([]*message.Message(nil), s.pending[key]...)
	s.mu.Unlock()

	assembled, err := message.Assemble(frags)
	if err != nil {
		if errors.Is(err, message.ErrIncompleteFragments) {
			return nil
		}
		return err
	}

	s.mu.Lock()
	delete(s.pending, key)
	s.mu.Unlock()

	resp := s.handle(s.Store, assembled)
	for _, k := range assembled.Keys {
		s.metrics.ObserveServerPush(strconv.FormatUint(k, 10))
	}
	return s.reply(assembled, resp)
}

func (s *Server[V]) reply(req *message.Message, resp *message.Message) error {
	resp.Meta.Receiver = req.Meta.Sender
	resp.Meta.Sender = req.Meta.Receiver
	resp.Meta.IsRequest = false
	_, err := s.sender.Send(resp, 0, 0)
	return err
}
