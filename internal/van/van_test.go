package van

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/dreamware/dgtps/internal/message"
)

func startVan(t *testing.T, nodeID int, udpChannels int, onRecv func(*message.Message)) (*Van, string, []string) {
	t.Helper()
	v := New(nodeID, onRecv)
	udpAddrs := make([]string, udpChannels)
	for i := range udpAddrs {
		udpAddrs[i] = "127.0.0.1:0"
	}
	tcpAddr, boundUDP, err := v.Listen(context.Background(), "127.0.0.1:0", udpAddrs)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	t.Cleanup(v.Close)
	return v, tcpAddr, boundUDP
}

func TestSendOverTCPIsReliable(t *testing.T) {
	var mu sync.Mutex
	var got []message.Key

	recv := func(m *message.Message) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, m.Meta.FirstKey)
	}

	server, serverTCP, _ := startVan(t, 2, 0, recv)
	_ = server
	client, _, _ := startVan(t, 1, 0, func(*message.Message) {})

	client.RegisterPeer(2, PeerAddr{TCP: serverTCP})

	msg := &message.Message{Meta: message.RequestMeta{Receiver: 2, FirstKey: 101}}
	if _, err := client.Send(msg, 0, 0); err != nil {
		t.Fatalf("Send: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := len(got)
		mu.Unlock()
		if n == 1 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 || got[0] != 101 {
		t.Fatalf("expected to receive key 101 once, got %v", got)
	}
}

func TestClassifierChannelZeroUsesTCP(t *testing.T) {
	received := make(chan *message.Message, 1)
	recv := func(m *message.Message) { received <- m }

	_, serverTCP, _ := startVan(t, 2, 1, recv)
	client, _, _ := startVan(t, 1, 1, func(*message.Message) {})
	client.RegisterPeer(2, PeerAddr{TCP: serverTCP})

	msg := &message.Message{Meta: message.RequestMeta{Receiver: 2, FirstKey: 7, Channel: 0}}
	if err := client.Classifier(msg, 0, 0); err != nil {
		t.Fatalf("Classifier: %v", err)
	}

	select {
	case m := <-received:
		if m.Meta.FirstKey != 7 {
			t.Fatalf("unexpected message: %+v", m)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message over channel 0")
	}
}

func TestClassifierLossyChannelUsesUDP(t *testing.T) {
	received := make(chan *message.Message, 1)
	recv := func(m *message.Message) { received <- m }

	_, serverTCP, serverUDP := startVan(t, 2, 2, recv)
	client, _, _ := startVan(t, 1, 2, func(*message.Message) {})
	client.RegisterPeer(2, PeerAddr{TCP: serverTCP, UDP: serverUDP})

	payload := []byte{1, 2, 3, 4}
	msg := &message.Message{
		Meta:     message.RequestMeta{Receiver: 2, FirstKey: 55, Channel: 1},
		ValBytes: payload,
	}
	if err := client.Classifier(msg, 1, 0); err != nil {
		t.Fatalf("Classifier: %v", err)
	}

	select {
	case m := <-received:
		if m.Meta.FirstKey != 55 || len(m.ValBytes) != len(payload) {
			t.Fatalf("unexpected message: %+v", m)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message over a lossy channel")
	}
}
