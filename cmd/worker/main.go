// Command worker runs one parameter-server client: it registers with the
// postoffice, learns the server group's key ranges, and drives a push/pull
// loop against its assigned key block, writing its observed loss to the
// side-channel file the adaptive-k controller (component C5) polls, the way
// a real training loop would report its gradient-descent loss.
//
// Configuration:
//   - WORKER_NODE_ID: Unique node identifier (required)
//   - WORKER_APP_ID, WORKER_CUSTOMER_ID: Request routing identifiers (default: 1, 1)
//   - WORKER_LISTEN: TCP listen address for acks/pull responses (default: "127.0.0.1:0")
//   - DMLC_UDP_CHANNEL_NUM: Number of lossy UDP channels to bind (required)
//   - DMLC_K, DMLC_K_MIN, ADAPTIVE_K_FLAG: Adaptive-k controller config (required)
//   - POSTOFFICE_ADDR: Base URL of the postoffice (required)
//   - PEER_SYNC_INTERVAL_SECONDS: How often to refresh peer addresses (default: 2)
//   - WORKER_KEY_BEGIN, WORKER_NUM_KEYS: The contiguous key block this worker drives (default: 0, 16)
//   - WORKER_ROUND_INTERVAL_MS: Delay between push/pull rounds (default: 200)
//   - METRICS_ADDR: Prometheus /metrics listen address (optional, disabled if unset)
package main

import (
	"context"
	"fmt"
	"log"
	"math/rand"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dreamware/dgtps/internal/cluster"
	"github.com/dreamware/dgtps/internal/config"
	"github.com/dreamware/dgtps/internal/dgt"
	"github.com/dreamware/dgtps/internal/kv"
	"github.com/dreamware/dgtps/internal/message"
	"github.com/dreamware/dgtps/internal/metrics"
	"github.com/dreamware/dgtps/internal/postoffice"
	"github.com/dreamware/dgtps/internal/van"
	"github.com/dreamware/dgtps/internal/worker"
)

func main() {
	nodeID := config.MustGetenvInt("WORKER_NODE_ID")
	appID := config.GetenvInt("WORKER_APP_ID", 1)
	customerID := config.GetenvInt("WORKER_CUSTOMER_ID", 1)
	listen := config.Getenv("WORKER_LISTEN", "127.0.0.1:0")
	postofficeAddr := config.MustGetenv("POSTOFFICE_ADDR")
	udpChannelNum := config.MustGetenvInt("DMLC_UDP_CHANNEL_NUM")
	syncInterval := time.Duration(config.GetenvInt("PEER_SYNC_INTERVAL_SECONDS", 2)) * time.Second
	keyBegin := message.Key(config.GetenvInt("WORKER_KEY_BEGIN", 0))
	numKeys := config.GetenvInt("WORKER_NUM_KEYS", 16)
	roundInterval := time.Duration(config.GetenvInt("WORKER_ROUND_INTERVAL_MS", 200)) * time.Millisecond
	metricsAddr := config.Getenv("METRICS_ADDR", "")

	m := metrics.New(nodeID)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if metricsAddr != "" {
		go func() {
			if err := metrics.Serve(ctx, metricsAddr); err != nil {
				log.Printf("worker[%d]: metrics: %v", nodeID, err)
			}
		}()
	}

	var w *worker.Worker[float32]
	v := van.New(nodeID, func(msg *message.Message) {
		if w != nil {
			w.Process(msg)
		}
	})

	udpAddrs := make([]string, udpChannelNum)
	host, _, err := net.SplitHostPort(listen)
	if err != nil {
		log.Fatalf("worker[%d]: invalid WORKER_LISTEN %q: %v", nodeID, listen, err)
	}
	for i := range udpAddrs {
		udpAddrs[i] = net.JoinHostPort(host, "0")
	}

	boundTCP, boundUDP, err := v.Listen(ctx, listen, udpAddrs)
	if err != nil {
		log.Fatalf("worker[%d]: listen: %v", nodeID, err)
	}
	log.Printf("worker[%d] listening tcp=%s udp=%v", nodeID, boundTCP, boundUDP)

	self := cluster.NodeInfo{NodeID: nodeID, Rank: -1, TCP: boundTCP, UDP: boundUDP}
	registerWithPostoffice(ctx, postofficeAddr, self)

	ranges, rankToNode := fetchTopology(ctx, postofficeAddr)

	go syncPeers(ctx, postofficeAddr, nodeID, v, syncInterval)

	cfg := dgt.LoadPipelineConfig()
	w = worker.New[float32](nodeID, appID, customerID, v, ranges, rankToNode, cfg)
	w.SetMetrics(m)
	defer w.Close()

	keys := make([]message.Key, numKeys)
	for i := range keys {
		keys[i] = keyBegin + message.Key(i)
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	go runTrainingLoop(ctx, w, nodeID, keys, roundInterval)

	<-stop
	cancel()
	v.Close()
	log.Printf("worker[%d] stopped", nodeID)
}

// registerWithPostoffice posts self to the postoffice, retrying to absorb
// postoffice startup delay, matching the teacher's node-registration loop.
func registerWithPostoffice(ctx context.Context, postofficeAddr string, self cluster.NodeInfo) {
	body := cluster.RegisterRequest{Node: self}
	var lastErr error
	for i := 0; i < 10; i++ {
		lastErr = cluster.PostJSON(ctx, postofficeAddr+"/register", body, nil)
		if lastErr == nil {
			log.Printf("worker[%d]: registered with postoffice @ %s", self.NodeID, postofficeAddr)
			return
		}
		log.Printf("worker[%d]: register retry %d: %v", self.NodeID, i+1, lastErr)
		time.Sleep(400 * time.Millisecond)
	}
	log.Fatalf("worker[%d]: failed to register with postoffice: %v", self.NodeID, lastErr)
}

// fetchTopology polls the postoffice's /ranges and /nodes endpoints until
// every rank has an assigned node, then returns the range vector (in rank
// order) and the rank->node map the Worker needs to address each server.
func fetchTopology(ctx context.Context, postofficeAddr string) ([]kv.Range, map[int]int) {
	for attempt := 0; ; attempt++ {
		var assignments []postoffice.RangeAssignment
		if err := cluster.GetJSON(ctx, postofficeAddr+"/ranges", &assignments); err != nil {
			log.Printf("worker: fetch ranges: %v", err)
			time.Sleep(500 * time.Millisecond)
			continue
		}

		complete := len(assignments) > 0
		for _, a := range assignments {
			if a.NodeID == 0 {
				complete = false
			}
		}
		if !complete {
			if attempt%10 == 0 {
				log.Printf("worker: waiting for all ranks to register (%d known)", len(assignments))
			}
			time.Sleep(500 * time.Millisecond)
			continue
		}

		ranges := make([]kv.Range, len(assignments))
		rankToNode := make(map[int]int, len(assignments))
		for _, a := range assignments {
			ranges[a.Rank] = a.Range
			rankToNode[a.Rank] = a.NodeID
		}
		return ranges, rankToNode
	}
}

// syncPeers periodically refreshes this node's view of every other node's
// transport endpoints, since the postoffice never pushes membership
// changes (component A3 is poll-based, not broadcast-based).
func syncPeers(ctx context.Context, postofficeAddr string, selfID int, v *van.Van, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		var list cluster.NodeList
		if err := cluster.GetJSON(ctx, postofficeAddr+"/nodes", &list); err != nil {
			log.Printf("worker[%d]: peer sync: %v", selfID, err)
		} else {
			for _, n := range list.Nodes {
				if n.NodeID == selfID {
					continue
				}
				v.RegisterPeer(n.NodeID, van.PeerAddr{TCP: n.TCP, UDP: n.UDP})
			}
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return
		}
	}
}

// runTrainingLoop simulates the push/pull cadence a real training loop
// drives: push this round's gradient deltas, pull the updated values back,
// and write a synthetic, monotonically improving loss to this worker's loss
// file, the side channel the adaptive-k controller polls on every
// round-start push after the first (component C5). It runs until ctx is
// canceled.
func runTrainingLoop(ctx context.Context, w *worker.Worker[float32], nodeID int, keys []message.Key, interval time.Duration) {
	rng := rand.New(rand.NewSource(1))
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	lossPath := fmt.Sprintf("/tmp/loss%d.csv", nodeID)

	round := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		round++

		vals := make([]float32, len(keys))
		for i := range vals {
			vals[i] = rng.Float32()
		}
		if err := w.Push(ctx, keys, vals); err != nil {
			log.Printf("worker: push round %d: %v", round, err)
			continue
		}

		result, err := w.Pull(ctx, keys)
		if err != nil {
			log.Printf("worker: pull round %d: %v", round, err)
			continue
		}

		loss := 1.0 / float64(round)
		if err := os.WriteFile(lossPath, []byte(fmt.Sprintf("%f\n", loss)), 0644); err != nil {
			log.Printf("worker: write loss file: %v", err)
		}
		log.Printf("worker: round %d pushed %d keys, pulled %d values back, loss=%.4f", round, len(keys), len(result.Vals), loss)
	}
}
