package dgt

import (
	"bytes"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/dreamware/dgtps/internal/config"
)

// AdaptiveK implements the reliability-floor controller (component C5): a
// value k in [0,1] that GetChannel uses to decide what fraction of a
// fragment sequence's highest-ranked entries get the reliable channel. When
// adaptive mode is on, k tracks the ratio of the current training loss to
// the first loss ever observed, relaxing toward dmlcKMin as the loss falls
// and back toward dmlcK as it regresses; otherwise k is pinned at dmlcK.
//
// The loss itself is never pushed into the controller by its caller. An
// external training loop writes one ASCII decimal per line to a loss file
// (/tmp/loss<node-id>.csv by default); UpdateLossDelta polls that file each
// time it is invoked, the same read-one-line-then-rewind protocol the
// reference trainer uses.
//
// One AdaptiveK belongs to one worker. Init is lazy and idempotent so a
// worker can construct its Worker before deciding whether it will ever
// call UpdateLossDelta.
type AdaptiveK struct {
	mu   sync.Mutex
	once sync.Once

	nodeID int
	path   string

	dmlcK      float64
	dmlcKMin   float64
	adaptive   bool
	channelNum int

	k float64

	lossFile  *os.File
	firstLoss float64
	rtLoss    float64
	preLoss   float64
	deltaL    float64
	haveFirst bool
}

// NewAdaptiveK constructs a controller for the given node ID; the loss file
// path and env-sourced knobs are resolved on first use.
func NewAdaptiveK(nodeID int) *AdaptiveK {
	return &AdaptiveK{nodeID: nodeID}
}

// SetLossPath overrides the loss file polled on each UpdateLossDelta call
// (default /tmp/loss<node-id>.csv). Must be called before the controller's
// first use; it exists for tests that cannot write to /tmp.
func (a *AdaptiveK) SetLossPath(path string) {
	a.path = path
}

func (a *AdaptiveK) init() {
	a.once.Do(func() {
		a.dmlcK = config.MustGetenvFloat("DMLC_K")
		a.dmlcKMin = config.MustGetenvFloat("DMLC_K_MIN")
		a.adaptive = config.MustGetenvBool("ADAPTIVE_K_FLAG")
		a.channelNum = config.MustGetenvInt("DMLC_UDP_CHANNEL_NUM")
		a.k = a.dmlcK

		if a.path == "" {
			a.path = fmt.Sprintf("/tmp/loss%d.csv", a.nodeID)
		}
		if a.adaptive {
			f, err := os.OpenFile(a.path, os.O_CREATE|os.O_RDONLY, 0644)
			if err == nil {
				a.lossFile = f
			}
		}
	})
}

// ChannelNum returns the configured lossy-channel count (DMLC_UDP_CHANNEL_NUM).
func (a *AdaptiveK) ChannelNum() int {
	a.init()
	return a.channelNum
}

// K returns the current reliability fraction.
func (a *AdaptiveK) K() float64 {
	a.init()
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.k
}

// Close releases the loss file, if one was opened. It does not initialize
// the controller, so closing one that was never used needs no environment.
func (a *AdaptiveK) Close() error {
	if a.lossFile != nil {
		return a.lossFile.Close()
	}
	return nil
}

// UpdateLossDelta polls the loss file for the training loop's latest
// reported loss and recomputes k as the reliability floor ratio:
//
//	k = max(k_init * rt_loss / first_loss, k_min)
//
// when adaptive mode is enabled, else k is pinned at k_init. It is called
// automatically once per round, from the second round-start push onward
// (see worker.Worker.pushImpl).
func (a *AdaptiveK) UpdateLossDelta() {
	a.init()

	a.mu.Lock()
	defer a.mu.Unlock()

	curLoss := a.readLoss()
	if a.preLoss == 0 {
		a.deltaL = 1
	} else {
		a.deltaL = a.preLoss - curLoss
	}
	a.preLoss = curLoss
	a.rtLoss = curLoss
	if !a.haveFirst && curLoss != 0 {
		a.firstLoss = curLoss
		a.haveFirst = true
	}

	if !a.adaptive {
		a.k = a.dmlcK
		return
	}
	if !a.haveFirst {
		return
	}

	k := a.dmlcK * a.rtLoss / a.firstLoss
	if k < a.dmlcKMin {
		k = a.dmlcKMin
	}
	a.k = k
}

// readLoss reads the single latest value out of the loss file without
// consuming it, mirroring the reference trainer's fgets-then-rewind poll:
// the external training loop truncates and rewrites the file each round: we
// only ever read from offset 0.
func (a *AdaptiveK) readLoss() float64 {
	if a.lossFile == nil {
		return 0
	}
	buf := make([]byte, 64)
	n, _ := a.lossFile.ReadAt(buf, 0)
	if n == 0 {
		return 0
	}
	line := buf[:n]
	if idx := bytes.IndexByte(line, '\n'); idx >= 0 {
		line = line[:idx]
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(string(line)), 64)
	if err != nil {
		return 0
	}
	return v
}
