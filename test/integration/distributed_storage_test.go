// Package integration exercises the postoffice and server binaries as real
// subprocesses, driving them with an in-process worker.Worker so a push and
// the pull that follows cross real TCP/UDP sockets and a real HTTP control
// plane end to end.
//
// It is grounded on the teacher's own integration test: spawn real
// binaries, poll a /health endpoint until each is up, then run scenario
// subtests against the running system and tear it down with Process.Kill.
// Where the teacher drove the system through an HTTP client because its
// coordinator exposed one, this system's client surface is a Go library
// (internal/worker), so the test plays that role in-process instead of
// shelling out to a third binary.
package integration

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"testing"
	"time"

	"github.com/dreamware/dgtps/internal/cluster"
	"github.com/dreamware/dgtps/internal/dgt"
	"github.com/dreamware/dgtps/internal/kv"
	"github.com/dreamware/dgtps/internal/message"
	"github.com/dreamware/dgtps/internal/postoffice"
	"github.com/dreamware/dgtps/internal/van"
	"github.com/dreamware/dgtps/internal/worker"
)

// testCluster runs a postoffice and a fixed-size server ring as real
// subprocesses.
type testCluster struct {
	t              *testing.T
	postofficeAddr string
	postoffice     *exec.Cmd
	servers        []*exec.Cmd
	httpClient     *http.Client
}

func newTestCluster(t *testing.T, numServers int) *testCluster {
	return &testCluster{
		t:              t,
		postofficeAddr: "http://127.0.0.1:19080",
		httpClient:     &http.Client{Timeout: 5 * time.Second},
	}
}

func (tc *testCluster) start(numServers int) error {
	if _, err := os.Stat("./bin/postoffice"); os.IsNotExist(err) {
		return fmt.Errorf("postoffice binary not found: %w", err)
	}
	if _, err := os.Stat("./bin/server"); os.IsNotExist(err) {
		return fmt.Errorf("server binary not found: %w", err)
	}

	tc.t.Log("starting postoffice...")
	tc.postoffice = exec.Command("./bin/postoffice")
	tc.postoffice.Env = append(os.Environ(),
		"POSTOFFICE_ADDR=:19080",
		fmt.Sprintf("NUM_SERVERS=%d", numServers),
		"KEY_SPACE_END=1000",
		"HEALTH_CHECK_INTERVAL_SECONDS=1",
	)
	tc.postoffice.Stdout = os.Stdout
	tc.postoffice.Stderr = os.Stderr
	if err := tc.postoffice.Start(); err != nil {
		return fmt.Errorf("start postoffice: %w", err)
	}
	if err := tc.waitForHealth(tc.postofficeAddr + "/health"); err != nil {
		return fmt.Errorf("postoffice failed to start: %w", err)
	}

	for rank := 0; rank < numServers; rank++ {
		port := 19081 + rank
		tc.t.Logf("starting server rank %d...", rank)
		srv := exec.Command("./bin/server")
		srv.Env = append(os.Environ(),
			fmt.Sprintf("SERVER_NODE_ID=%d", 100+rank),
			fmt.Sprintf("SERVER_RANK=%d", rank),
			fmt.Sprintf("SERVER_LISTEN=127.0.0.1:%d", port),
			fmt.Sprintf("POSTOFFICE_ADDR=%s", tc.postofficeAddr),
			"DMLC_UDP_CHANNEL_NUM=4",
			"PEER_SYNC_INTERVAL_SECONDS=1",
		)
		srv.Stdout = os.Stdout
		srv.Stderr = os.Stderr
		if err := srv.Start(); err != nil {
			return fmt.Errorf("start server rank %d: %w", rank, err)
		}
		tc.servers = append(tc.servers, srv)
	}

	// Give servers time to register and the postoffice time to assign ranks.
	time.Sleep(1 * time.Second)
	return nil
}

func (tc *testCluster) stop() {
	for i, srv := range tc.servers {
		if srv != nil && srv.Process != nil {
			tc.t.Logf("stopping server %d...", i)
			srv.Process.Kill()
			srv.Wait()
		}
	}
	if tc.postoffice != nil && tc.postoffice.Process != nil {
		tc.t.Log("stopping postoffice...")
		tc.postoffice.Process.Kill()
		tc.postoffice.Wait()
	}
}

func (tc *testCluster) waitForHealth(url string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("timeout waiting for %s", url)
		default:
			resp, err := tc.httpClient.Get(url)
			if err == nil && resp.StatusCode == http.StatusOK {
				resp.Body.Close()
				return nil
			}
			if resp != nil {
				resp.Body.Close()
			}
			time.Sleep(100 * time.Millisecond)
		}
	}
}

// topology polls /ranges until every rank has a node assigned, matching the
// worker command's own startup wait.
func (tc *testCluster) topology(ctx context.Context) ([]kv.Range, map[int]int, error) {
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		var assignments []postoffice.RangeAssignment
		if err := cluster.GetJSON(ctx, tc.postofficeAddr+"/ranges", &assignments); err == nil {
			complete := len(assignments) > 0
			for _, a := range assignments {
				if a.NodeID == 0 {
					complete = false
				}
			}
			if complete {
				ranges := make([]kv.Range, len(assignments))
				rankToNode := make(map[int]int, len(assignments))
				for _, a := range assignments {
					ranges[a.Rank] = a.Range
					rankToNode[a.Rank] = a.NodeID
				}
				return ranges, rankToNode, nil
			}
		}
		time.Sleep(200 * time.Millisecond)
	}
	return nil, nil, fmt.Errorf("ranks never fully registered")
}

// newWorkerClient builds an in-process Worker wired to the running server
// ring's real addresses, pulled from /nodes.
func (tc *testCluster) newWorkerClient(ctx context.Context, t *testing.T, ranges []kv.Range, rankToNode map[int]int) *worker.Worker[float32] {
	t.Helper()

	var w *worker.Worker[float32]
	v := van.New(999, func(msg *message.Message) {
		if w != nil {
			w.Process(msg)
		}
	})
	if _, _, err := v.Listen(ctx, "127.0.0.1:0", []string{"127.0.0.1:0", "127.0.0.1:0", "127.0.0.1:0", "127.0.0.1:0"}); err != nil {
		t.Fatalf("worker client listen: %v", err)
	}

	var list cluster.NodeList
	if err := cluster.GetJSON(ctx, tc.postofficeAddr+"/nodes", &list); err != nil {
		t.Fatalf("fetch nodes: %v", err)
	}
	for _, n := range list.Nodes {
		v.RegisterPeer(n.NodeID, van.PeerAddr{TCP: n.TCP, UDP: n.UDP})
	}

	w = worker.New[float32](999, 1, 1, v, ranges, rankToNode, dgt.PipelineConfig{EnableDGT: false})
	t.Cleanup(func() { w.Close(); v.Close() })
	return w
}

// TestParameterServerPushAndPull drives a push followed by a pull across a
// real postoffice and two real server processes, with keys chosen to fall
// in different ranks' ranges, verifying the pulled values match what was
// pushed.
func TestParameterServerPushAndPull(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	tc := newTestCluster(t, 2)
	if err := tc.start(2); err != nil {
		t.Skipf("skipping: %v", err)
	}
	defer tc.stop()

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	ranges, rankToNode, err := tc.topology(ctx)
	if err != nil {
		t.Fatalf("topology: %v", err)
	}
	if len(ranges) != 2 {
		t.Fatalf("expected 2 ranges, got %d", len(ranges))
	}

	w := tc.newWorkerClient(ctx, t, ranges, rankToNode)

	keys := []message.Key{10, 600}
	vals := []float32{1.5, 2.5}
	if err := w.Push(ctx, keys, vals); err != nil {
		t.Fatalf("push: %v", err)
	}

	result, err := w.Pull(ctx, keys)
	if err != nil {
		t.Fatalf("pull: %v", err)
	}
	if len(result.Keys) != 2 {
		t.Fatalf("expected 2 pulled keys, got %d", len(result.Keys))
	}
	got := map[message.Key]float32{}
	for i, k := range result.Keys {
		got[k] = result.Vals[i]
	}
	if got[10] != 1.5 {
		t.Errorf("key 10 = %v, want 1.5", got[10])
	}
	if got[600] != 2.5 {
		t.Errorf("key 600 = %v, want 2.5", got[600])
	}
}

// TestParameterServerAccumulatesAcrossPushes verifies a second push to the
// same keys accumulates rather than overwrites, the parameter-server
// update semantics the default server handle implements.
func TestParameterServerAccumulatesAcrossPushes(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	tc := newTestCluster(t, 1)
	if err := tc.start(1); err != nil {
		t.Skipf("skipping: %v", err)
	}
	defer tc.stop()

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	ranges, rankToNode, err := tc.topology(ctx)
	if err != nil {
		t.Fatalf("topology: %v", err)
	}

	w := tc.newWorkerClient(ctx, t, ranges, rankToNode)

	keys := []message.Key{5}
	if err := w.Push(ctx, keys, []float32{1.0}); err != nil {
		t.Fatalf("first push: %v", err)
	}
	if err := w.Push(ctx, keys, []float32{1.0}); err != nil {
		t.Fatalf("second push: %v", err)
	}

	result, err := w.Pull(ctx, keys)
	if err != nil {
		t.Fatalf("pull: %v", err)
	}
	if len(result.Vals) != 1 || result.Vals[0] != 2.0 {
		t.Errorf("accumulated value = %v, want [2.0]", result.Vals)
	}
}
