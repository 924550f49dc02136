package dgt

import (
	"math"
	"math/rand"
	"sort"

	"github.com/dreamware/dgtps/internal/message"
)

// Sender is the minimal transport surface the ranker needs: a
// channel-classified send (DGT path) and a plain send (bypass path). The
// van package's Van satisfies this interface; it is declared narrowly here
// to avoid a dependency from dgt on van.
type Sender interface {
	Send(msg *message.Message, channel, flags int) (int, error)
	Classifier(msg *message.Message, channel, flags int) error
}

// ScoreFragments computes and attaches a contribution score to every
// fragment in a push's fragment sequence (component C3). The terminator is
// scored like any other fragment; it is merely excluded from sorting, not
// from scoring.
func ScoreFragments(fragments []*message.Message, est *Estimator) {
	for _, f := range fragments {
		f.Score = est.Score(f.Meta.FirstKey, f.Meta.Seq, f.Meta.SeqEnd, f.ValBytes)
	}
}

// ApplyClearZero drops zero-score fragments when enabled, always keeping
// the terminator (seq == seqEnd) regardless of its score (§4.3).
func ApplyClearZero(fragments []*message.Message, enabled bool) []*message.Message {
	if !enabled {
		return fragments
	}
	out := make([]*message.Message, 0, len(fragments))
	for _, f := range fragments {
		if f.Score != 0 || f.Meta.Seq == f.Meta.SeqEnd {
			out = append(out, f)
		}
	}
	return out
}

// Order ranks fragments by contribution (component C4). The terminator is
// assumed to be the last element by construction (FragmentPush's
// invariant) and is excluded from sorting/shuffling and kept fixed in
// place — preserved explicitly here rather than relied upon implicitly, per
// the §9 open question about the C++ comparator's `end()-1`.
func Order(fragments []*message.Message, setRandom bool, rng *rand.Rand) []*message.Message {
	if len(fragments) <= 1 {
		return fragments
	}
	last := len(fragments) - 1
	terminator := fragments[last]
	rest := append([]*message.Message(nil), fragments[:last]...)

	if setRandom {
		rng.Shuffle(len(rest), func(i, j int) { rest[i], rest[j] = rest[j], rest[i] })
	} else {
		sort.SliceStable(rest, func(i, j int) bool { return rest[i].Score > rest[j].Score })
	}
	return append(rest, terminator)
}

// GetChannel maps rank j (0-indexed within a fragment sequence of maxIndex+1
// fragments) to a channel, given the lossy channel count C and reliability
// fraction k. This is a direct port of the C++ reference's Get_channel: the
// first round(k*(maxIndex+1)) ranks go to the reliable channel 0; the
// remainder (ranks minIndex..maxIndex) is partitioned into C equal-width
// segments, each mapped to channel i+1. If only one rank is left above the
// floor (maxIndex == minIndex) it goes to channel 1. rng feeds the
// defensive fallback, which a well-formed call never reaches.
func GetChannel(rank, maxIndex, channelCount int, k float64, rng *rand.Rand) int {
	minIndex := int(math.Round(k * float64(maxIndex+1)))
	if rank < minIndex {
		return 0
	}
	if maxIndex == minIndex {
		return 1
	}
	width := float64(maxIndex+1-minIndex) / float64(channelCount)
	for i := 0; i < channelCount; i++ {
		lo := float64(minIndex) + float64(i)*width
		hi := float64(minIndex) + float64(i+1)*width
		if float64(rank) >= lo && float64(rank) < hi {
			return i + 1
		}
	}
	if channelCount <= 0 {
		return 1
	}
	return rng.Intn(channelCount) + 1
}

// AssignChannels assigns a channel to every fragment in rank order,
// forcing the terminator onto the reliable channel regardless of where
// GetChannel would otherwise place it (§4.4: "the terminator fragment is
// always forced to channel 0").
func AssignChannels(ranked []*message.Message, channelCount int, k float64, rng *rand.Rand) {
	maxIndex := len(ranked) - 1
	for rank, f := range ranked {
		ch := GetChannel(rank, maxIndex, channelCount, k, rng)
		if f.Meta.Seq == f.Meta.SeqEnd {
			ch = 0
		}
		f.Meta.Channel = ch
	}
}

// Dispatch hands each fragment to the transport: the channel classifier
// when DGT routing is enabled, or a plain reliable send otherwise (§4.4).
func Dispatch(fragments []*message.Message, sender Sender, enableDGT bool) error {
	for _, f := range fragments {
		if enableDGT {
			if err := sender.Classifier(f, f.Meta.Channel, 0); err != nil {
				return err
			}
		} else if _, err := sender.Send(f, 0, 0); err != nil {
			return err
		}
	}
	return nil
}
