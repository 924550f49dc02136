// Package postoffice implements the cluster control plane: it owns the
// partition of the key space into contiguous ranges, assigns each range to
// a server rank, and tracks which node currently holds each rank
// (component A3). It is adapted from the teacher's coordinator.ShardRegistry
// — same map-plus-RWMutex shape, same "return copies, never hold the lock
// during external calls" discipline — generalized from hash-based shard
// ownership to the parameter server's contiguous key-range ownership.
package postoffice

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/dreamware/dgtps/internal/kv"
	"github.com/dreamware/dgtps/internal/message"
)

// RangeAssignment binds one contiguous key range to a server rank and,
// once a node has registered for that rank, to the node serving it.
type RangeAssignment struct {
	Rank   int
	NodeID int // 0 means unassigned
	Range  kv.Range
}

// Postoffice partitions [0, keySpaceEnd) into numServers contiguous,
// equal-width ranges, one per rank, and tracks which node currently serves
// each rank. The partition itself never changes after construction,
// matching the parameter server's fixed ring; only the rank→node binding
// changes as servers join, leave, and are rebalanced.
type Postoffice struct {
	mu         sync.RWMutex
	ranges     []RangeAssignment // indexed by rank
	nodeToRank map[int]int
}

// New builds a Postoffice with numServers contiguous key ranges spanning
// [0, keySpaceEnd). numServers must be > 0.
func New(numServers int, keySpaceEnd message.Key) (*Postoffice, error) {
	if numServers <= 0 {
		return nil, errors.New("postoffice: numServers must be > 0")
	}
	ranges := make([]RangeAssignment, numServers)
	width := keySpaceEnd / message.Key(numServers)
	remainder := keySpaceEnd % message.Key(numServers)

	var cursor message.Key
	for rank := 0; rank < numServers; rank++ {
		begin := cursor
		end := begin + width
		if message.Key(rank) < remainder {
			end++
		}
		if rank == numServers-1 {
			end = keySpaceEnd
		}
		ranges[rank] = RangeAssignment{Rank: rank, Range: kv.Range{Begin: begin, End: end}}
		cursor = end
	}

	return &Postoffice{ranges: ranges, nodeToRank: make(map[int]int)}, nil
}

// NumServers returns the fixed number of ranks in the ring.
func (p *Postoffice) NumServers() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.ranges)
}

// RegisterServer binds nodeID to rank, replacing any prior occupant of
// that rank and any prior rank held by nodeID.
func (p *Postoffice) RegisterServer(rank, nodeID int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if rank < 0 || rank >= len(p.ranges) {
		return fmt.Errorf("postoffice: invalid rank %d, must be in [0, %d)", rank, len(p.ranges))
	}
	if oldRank, ok := p.nodeToRank[nodeID]; ok && oldRank != rank {
		p.ranges[oldRank].NodeID = 0
	}
	p.ranges[rank].NodeID = nodeID
	p.nodeToRank[nodeID] = rank
	return nil
}

// RemoveServer releases nodeID from whatever rank it held, making that
// rank's range unassigned until a replacement registers.
func (p *Postoffice) RemoveServer(nodeID int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	rank, ok := p.nodeToRank[nodeID]
	if !ok {
		return
	}
	p.ranges[rank].NodeID = 0
	delete(p.nodeToRank, nodeID)
}

// RangeForRank returns the key range owned by rank.
func (p *Postoffice) RangeForRank(rank int) (kv.Range, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if rank < 0 || rank >= len(p.ranges) {
		return kv.Range{}, fmt.Errorf("postoffice: invalid rank %d", rank)
	}
	return p.ranges[rank].Range, nil
}

// RankForKey finds which rank's range contains key via binary search over
// the (sorted-by-construction) range boundaries.
func (p *Postoffice) RankForKey(key message.Key) (int, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	n := len(p.ranges)
	rank := sort.Search(n, func(i int) bool { return p.ranges[i].Range.End > key })
	if rank == n || !p.ranges[rank].Range.Contains(key) {
		return 0, fmt.Errorf("postoffice: key %d is outside the key space", key)
	}
	return rank, nil
}

// NodeForKey resolves key all the way to the node ID currently serving it.
func (p *Postoffice) NodeForKey(key message.Key) (int, error) {
	rank, err := p.RankForKey(key)
	if err != nil {
		return 0, err
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	nodeID := p.ranges[rank].NodeID
	if nodeID == 0 {
		return 0, fmt.Errorf("postoffice: rank %d has no registered server", rank)
	}
	return nodeID, nil
}

// ServerKeyRanges returns a snapshot of every rank's assignment, in rank
// order.
func (p *Postoffice) ServerKeyRanges() []RangeAssignment {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]RangeAssignment, len(p.ranges))
	copy(out, p.ranges)
	return out
}

// RankForNode returns the rank currently held by nodeID, if any.
func (p *Postoffice) RankForNode(nodeID int) (int, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	rank, ok := p.nodeToRank[nodeID]
	return rank, ok
}
