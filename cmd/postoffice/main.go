// Command postoffice runs the parameter server's control plane: it owns
// the key-range partition and the rank-to-node assignment (component A3),
// accepts registrations from workers and servers, and answers discovery
// queries so every node can find its peers' transport endpoints.
//
// It plays the role the teacher's coordinator played for Torua's shards,
// generalized from HTTP request routing to address-book bookkeeping for a
// transport (internal/van) the postoffice itself never touches.
//
// Configuration:
//   - POSTOFFICE_ADDR: Listen address (default: ":8080")
//   - NUM_SERVERS: Number of ranks in the ring (required)
//   - KEY_SPACE_END: Exclusive upper bound of the key space (required)
//   - HEALTH_CHECK_INTERVAL_SECONDS: Liveness poll interval (default: 5)
package main

import (
	"context"
	"encoding/json"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"golang.org/x/exp/slices"

	"github.com/dreamware/dgtps/internal/cluster"
	"github.com/dreamware/dgtps/internal/config"
	"github.com/dreamware/dgtps/internal/message"
	"github.com/dreamware/dgtps/internal/postoffice"
)

// registry tracks every node that has registered, layered on top of the
// Postoffice's rank/range bookkeeping.
type registry struct {
	mu    sync.RWMutex
	peers map[int]cluster.NodeInfo

	po     *postoffice.Postoffice
	health *postoffice.HealthMonitor
}

func (r *registry) register(node cluster.NodeInfo) error {
	if node.Rank >= 0 {
		if err := r.po.RegisterServer(node.Rank, node.NodeID); err != nil {
			return err
		}
	}
	r.mu.Lock()
	r.peers[node.NodeID] = node
	r.mu.Unlock()
	return nil
}

func (r *registry) nodeList() cluster.NodeList {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]cluster.NodeInfo, 0, len(r.peers))
	for _, n := range r.peers {
		out = append(out, n)
	}
	slices.SortFunc(out, func(a, b cluster.NodeInfo) int { return a.NodeID - b.NodeID })
	return cluster.NodeList{Nodes: out}
}

// serverNodeIDs returns the NodeID of every registered node with a rank
// assigned, the population the HealthMonitor polls (component A3 only
// tracks server liveness; workers have no rank to reassign).
func (r *registry) serverNodeIDs() []int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var ids []int
	for id, n := range r.peers {
		if n.Rank >= 0 {
			ids = append(ids, id)
		}
	}
	return ids
}

func (r *registry) tcpAddr(nodeID int) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n, ok := r.peers[nodeID]
	return n.TCP, ok
}

func (r *registry) onUnhealthy(nodeID int) {
	r.po.RemoveServer(nodeID)
	r.mu.Lock()
	delete(r.peers, nodeID)
	r.mu.Unlock()
	log.Printf("postoffice: dropped unhealthy node %d", nodeID)
}

func (r *registry) handleRegister(w http.ResponseWriter, req *http.Request) {
	var body cluster.RegisterRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	if body.Node.NodeID == 0 {
		http.Error(w, "node_id required", http.StatusBadRequest)
		return
	}
	if err := r.register(body.Node); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	log.Printf("postoffice: registered node %d (rank %d, tcp %s)", body.Node.NodeID, body.Node.Rank, body.Node.TCP)
	w.WriteHeader(http.StatusNoContent)
}

func (r *registry) handleNodes(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(r.nodeList())
}

func (r *registry) handleRanges(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(r.po.ServerKeyRanges())
}

func main() {
	addr := config.Getenv("POSTOFFICE_ADDR", ":8080")
	numServers := config.MustGetenvInt("NUM_SERVERS")
	keySpaceEnd := message.Key(config.MustGetenvInt("KEY_SPACE_END"))
	healthInterval := time.Duration(config.GetenvInt("HEALTH_CHECK_INTERVAL_SECONDS", 5)) * time.Second

	po, err := postoffice.New(numServers, keySpaceEnd)
	if err != nil {
		log.Fatalf("postoffice: %v", err)
	}

	r := &registry{
		peers:  make(map[int]cluster.NodeInfo),
		po:     po,
		health: postoffice.NewHealthMonitor(healthInterval),
	}
	r.health.SetOnUnhealthy(r.onUnhealthy)
	r.health.SetCheckFunction(func(nodeID int) error {
		tcpAddr, ok := r.tcpAddr(nodeID)
		if !ok {
			return nil
		}
		conn, err := net.DialTimeout("tcp", tcpAddr, 2*time.Second)
		if err != nil {
			return err
		}
		return conn.Close()
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.health.Start(ctx, r.serverNodeIDs)

	mux := http.NewServeMux()
	mux.HandleFunc("/register", r.handleRegister)
	mux.HandleFunc("/nodes", r.handleNodes)
	mux.HandleFunc("/ranges", r.handleRanges)
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	httpSrv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.Printf("postoffice listening on %s (%d ranks, key space [0, %d))", addr, numServers, keySpaceEnd)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	r.health.Stop()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Printf("postoffice: shutdown error: %v", err)
	}
	log.Println("postoffice stopped")
}
