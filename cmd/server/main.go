// Command server runs one rank of the parameter server's server group: it
// owns a ValueStore for its assigned key range, applies pushes and answers
// pulls (components C7/C8), and registers its transport endpoints with the
// postoffice so workers can reach it.
//
// Configuration:
//   - SERVER_NODE_ID: Unique node identifier (required)
//   - SERVER_RANK: Rank this server owns in the ring (required)
//   - SERVER_LISTEN: TCP listen address for the reliable channel (default: "127.0.0.1:0")
//   - SERVER_PUBLIC_TCP: Address other nodes dial to reach this server (default: the bound SERVER_LISTEN address)
//   - DMLC_UDP_CHANNEL_NUM: Number of lossy UDP channels to bind (default: 8)
//   - POSTOFFICE_ADDR: Base URL of the postoffice (required)
//   - PEER_SYNC_INTERVAL_SECONDS: How often to refresh peer addresses (default: 2)
//   - METRICS_ADDR: Prometheus /metrics listen address (optional, disabled if unset)
package main

import (
	"context"
	"log"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dreamware/dgtps/internal/cluster"
	"github.com/dreamware/dgtps/internal/config"
	"github.com/dreamware/dgtps/internal/message"
	"github.com/dreamware/dgtps/internal/metrics"
	"github.com/dreamware/dgtps/internal/server"
	"github.com/dreamware/dgtps/internal/van"
)

func main() {
	nodeID := config.MustGetenvInt("SERVER_NODE_ID")
	rank := config.MustGetenvInt("SERVER_RANK")
	listen := config.Getenv("SERVER_LISTEN", "127.0.0.1:0")
	postofficeAddr := config.MustGetenv("POSTOFFICE_ADDR")
	udpChannelNum := config.GetenvInt("DMLC_UDP_CHANNEL_NUM", 8)
	syncInterval := time.Duration(config.GetenvInt("PEER_SYNC_INTERVAL_SECONDS", 2)) * time.Second
	metricsAddr := config.Getenv("METRICS_ADDR", "")

	m := metrics.New(nodeID)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if metricsAddr != "" {
		go func() {
			if err := metrics.Serve(ctx, metricsAddr); err != nil {
				log.Printf("server[%d]: metrics: %v", nodeID, err)
			}
		}()
	}

	var srv *server.Server[float32]
	v := van.New(nodeID, func(msg *message.Message) {
		if srv == nil {
			return
		}
		if err := srv.Process(msg); err != nil {
			log.Printf("server[%d]: process: %v", nodeID, err)
		}
	})
	srv = server.New[float32](v)
	srv.SetMetrics(m)

	udpAddrs := make([]string, udpChannelNum)
	host, _, err := net.SplitHostPort(listen)
	if err != nil {
		log.Fatalf("server[%d]: invalid SERVER_LISTEN %q: %v", nodeID, listen, err)
	}
	for i := range udpAddrs {
		udpAddrs[i] = net.JoinHostPort(host, "0")
	}

	boundTCP, boundUDP, err := v.Listen(ctx, listen, udpAddrs)
	if err != nil {
		log.Fatalf("server[%d]: listen: %v", nodeID, err)
	}
	publicTCP := config.Getenv("SERVER_PUBLIC_TCP", boundTCP)

	log.Printf("server[%d] rank=%d listening tcp=%s udp=%v", nodeID, rank, boundTCP, boundUDP)

	self := cluster.NodeInfo{NodeID: nodeID, Rank: rank, TCP: publicTCP, UDP: boundUDP}
	registerWithPostoffice(ctx, postofficeAddr, self)

	go syncPeers(ctx, postofficeAddr, nodeID, v, syncInterval)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	cancel()
	v.Close()
	log.Printf("server[%d] stopped", nodeID)
}

// registerWithPostoffice posts self to the postoffice, retrying to absorb
// postoffice startup delay, matching the teacher's node-registration loop.
func registerWithPostoffice(ctx context.Context, postofficeAddr string, self cluster.NodeInfo) {
	body := cluster.RegisterRequest{Node: self}
	var lastErr error
	for i := 0; i < 10; i++ {
		lastErr = cluster.PostJSON(ctx, postofficeAddr+"/register", body, nil)
		if lastErr == nil {
			log.Printf("server[%d]: registered with postoffice @ %s", self.NodeID, postofficeAddr)
			return
		}
		log.Printf("server[%d]: register retry %d: %v", self.NodeID, i+1, lastErr)
		time.Sleep(400 * time.Millisecond)
	}
	log.Fatalf("server[%d]: failed to register with postoffice: %v", self.NodeID, lastErr)
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
			log.Printf("node[%d]: peer sync: %v", selfID, err)
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
