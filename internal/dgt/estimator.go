package dgt

import (
	"math"
	"sync"

	"github.com/dreamware/dgtps/internal/kv"
	"github.com/dreamware/dgtps/internal/message"
)

// Estimator computes the contribution score of each push fragment
// (component C3): an EWMA of the fragment's mean-absolute-value, plus the
// running and snapshotted per-key maxima the ranker and diagnostics use.
//
// One Estimator belongs to exactly one worker; it is not shared across
// workers. Its methods are safe for concurrent use.
type Estimator struct {
	alpha float64

	mu           sync.Mutex
	contri       map[message.Key]map[int]float64
	contriMax    map[message.Key]float64
	preContriMax map[message.Key]float64
}

// NewEstimator constructs an Estimator with the given EWMA smoothing
// factor.
func NewEstimator(alpha float64) *Estimator {
	return &Estimator{
		alpha:        alpha,
		contri:       make(map[message.Key]map[int]float64),
		contriMax:    make(map[message.Key]float64),
		preContriMax: make(map[message.Key]float64),
	}
}

// meanAbs interprets b as a little-endian float32 array and returns the
// mean of the absolute values, matching Evaluate_msg_contri's N/nlen.
func meanAbs(b []byte) float64 {
	vals := kv.ValsFromBytes[float32](b, len(b)/4)
	if len(vals) == 0 {
		return 0
	}
	var sum float64
	for _, v := range vals {
		sum += math.Abs(float64(v))
	}
	return sum / float64(len(vals))
}

// MSE computes the mean squared deviation of |v| from its mean, purely for
// diagnostic logging. It mirrors the C++ reference's mse() routine: per the
// open question in §9, it is never wired into routing — only Score is.
func MSE(b []byte) float64 {
	vals := kv.ValsFromBytes[float32](b, len(b)/4)
	if len(vals) == 0 {
		return 0
	}
	mean := meanAbs(b)
	var sum float64
	for _, v := range vals {
		d := math.Abs(float64(v)) - mean
		sum += d * d
	}
	return sum / float64(len(vals))
}

// Score computes and records the contribution score for one (key, seq)
// fragment, updating the EWMA and the running/snapshotted per-key maxima.
// valBytes is the fragment's value payload, interpreted as float32s
// regardless of the worker's configured value type (§9).
func (e *Estimator) Score(key message.Key, seq, seqEnd int, valBytes []byte) float64 {
	m := meanAbs(valBytes)

	e.mu.Lock()
	defer e.mu.Unlock()

	bySeq, ok := e.contri[key]
	if !ok {
		bySeq = make(map[int]float64)
		e.contri[key] = bySeq
	}
	prev := bySeq[seq]
	score := e.alpha*prev + (1-e.alpha)*m
	bySeq[seq] = score

	if seq == 0 {
		e.contriMax[key] = 0
	}
	if score > e.contriMax[key] {
		e.contriMax[key] = score
	}
	if seq == seqEnd {
		e.preContriMax[key] = e.contriMax[key]
	}
	return score
}

// PreContriMax returns the most recently snapshotted per-key maximum
// (invariant 3: equals max_s contri[key][s] observed during the prior
// complete fragment sequence).
func (e *Estimator) PreContriMax(key message.Key) float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.preContriMax[key]
}

// ContriMax returns the current running maximum for key, reset at the
// start of each fragment sequence (seq==0).
func (e *Estimator) ContriMax(key message.Key) float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.contriMax[key]
}
