// Package van implements the transport layer: a reliable TCP channel (0)
// plus a configurable number of best-effort UDP channels (1..C), the way
// the specification's §4.4 channel model requires. It is grounded on the
// teacher's internal/cluster HTTP client (the same "resolve peer address,
// dial, send, handle errors uniformly" shape) but adapted to long-lived
// raw sockets instead of one-shot HTTP requests, since DGT needs a
// distinction between reliable and lossy delivery that HTTP cannot express.
package van

import (
	"bufio"
	"context"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"io"
	"log"
	"net"
	"sync"

	"github.com/dreamware/dgtps/internal/message"
)

// wireFrame is the gob-encoded representation of a Message. Score is
// process-local (DGT bookkeeping) and is never transmitted.
type wireFrame struct {
	Meta     message.RequestMeta
	Keys     []message.Key
	ValBytes []byte
	Lens     []int32
}

func toWire(m *message.Message) wireFrame {
	return wireFrame{Meta: m.Meta, Keys: m.Keys, ValBytes: m.ValBytes, Lens: m.Lens}
}

func (w wireFrame) toMessage() *message.Message {
	return &message.Message{Meta: w.Meta, Keys: w.Keys, ValBytes: w.ValBytes, Lens: w.Lens}
}

// PeerAddr is how one remote node is reached: one TCP address for the
// reliable channel, and one UDP address per lossy channel.
type PeerAddr struct {
	TCP string
	UDP []string
}

// Van owns the sockets for one node and dispatches every received message
// to a single handler, mirroring the Customer's single-dispatch model.
type Van struct {
	NodeID int

	mu      sync.RWMutex
	peers   map[int]PeerAddr
	tcpConn map[int]net.Conn

	onRecv func(*message.Message)

	listener  net.Listener
	udpConns  []*net.UDPConn
	udpAddrs  []string

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New constructs an unbound Van for nodeID; Listen opens its sockets.
// onRecv is invoked from the Van's own receive goroutines and should hand
// off to a Customer without blocking.
func New(nodeID int, onRecv func(*message.Message)) *Van {
	return &Van{
		NodeID:  nodeID,
		peers:   make(map[int]PeerAddr),
		tcpConn: make(map[int]net.Conn),
		onRecv:  onRecv,
	}
}

// Listen opens the reliable TCP listener and one UDP socket per channel in
// udpAddrs, then starts their receive loops. It returns the actual
// addresses bound, letting callers pass "127.0.0.1:0" in tests.
func (v *Van) Listen(ctx context.Context, tcpAddr string, udpAddrs []string) (string, []string, error) {
	v.ctx, v.cancel = context.WithCancel(ctx)

	ln, err := net.Listen("tcp", tcpAddr)
	if err != nil {
		return "", nil, fmt.Errorf("van: listen tcp: %w", err)
	}
	v.listener = ln

	boundUDP := make([]string, 0, len(udpAddrs))
	for _, addr := range udpAddrs {
		udpAddr, err := net.ResolveUDPAddr("udp", addr)
		if err != nil {
			return "", nil, fmt.Errorf("van: resolve udp %s: %w", addr, err)
		}
		conn, err := net.ListenUDP("udp", udpAddr)
		if err != nil {
			return "", nil, fmt.Errorf("van: listen udp %s: %w", addr, err)
		}
		v.udpConns = append(v.udpConns, conn)
		boundUDP = append(boundUDP, conn.LocalAddr().String())
	}
	v.udpAddrs = boundUDP

	v.wg.Add(1)
	go v.acceptLoop()
	for i, conn := range v.udpConns {
		v.wg.Add(1)
		go v.udpReadLoop(i, conn)
	}

	return ln.Addr().String(), boundUDP, nil
}

// Close stops all receive loops and closes every socket.
func (v *Van) Close() {
	if v.cancel != nil {
		v.cancel()
	}
	if v.listener != nil {
		v.listener.Close()
	}
	for _, c := range v.udpConns {
		c.Close()
	}
	v.mu.Lock()
	for _, c := range v.tcpConn {
		c.Close()
	}
	v.mu.Unlock()
	v.wg.Wait()
}

// RegisterPeer records how to reach nodeID. Each process calls this with
// the endpoints it learns by polling the postoffice's /nodes list
// (component A3).
func (v *Van) RegisterPeer(nodeID int, addr PeerAddr) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.peers[nodeID] = addr
}

func (v *Van) peerAddr(nodeID int) (PeerAddr, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	a, ok := v.peers[nodeID]
	return a, ok
}

// Send transmits msg over the reliable TCP channel regardless of the
// requested channel argument; it is the bypass path used when DGT routing
// is disabled (§4.4). It returns the number of value-payload bytes sent.
func (v *Van) Send(msg *message.Message, channel, flags int) (int, error) {
	conn, err := v.dialTCP(msg.Meta.Receiver)
	if err != nil {
		return 0, err
	}
	if err := writeFrame(conn, toWire(msg)); err != nil {
		return 0, err
	}
	return len(msg.ValBytes), nil
}

// Classifier routes msg to channel 0 (TCP) or to the UDP socket for
// channel-1 (1-indexed lossy channels), per the channel each fragment was
// assigned in component C4.
func (v *Van) Classifier(msg *message.Message, channel, flags int) error {
	if channel <= 0 {
		_, err := v.Send(msg, 0, flags)
		return err
	}

	peer, ok := v.peerAddr(msg.Meta.Receiver)
	if !ok {
		return fmt.Errorf("van: unknown peer %d", msg.Meta.Receiver)
	}
	idx := channel - 1
	if idx >= len(peer.UDP) {
		idx = idx % len(peer.UDP)
	}
	addr, err := net.ResolveUDPAddr("udp", peer.UDP[idx])
	if err != nil {
		return fmt.Errorf("van: resolve peer udp addr: %w", err)
	}

	var buf []byte
	w := wireFrame{Meta: msg.Meta, Keys: msg.Keys, ValBytes: msg.ValBytes, Lens: msg.Lens}
	payload, err := encodeFrame(w)
	if err != nil {
		return err
	}
	buf = payload

	if len(v.udpConns) == 0 {
		return fmt.Errorf("van: no udp sockets bound")
	}
	sock := v.udpConns[idx%len(v.udpConns)]
	_, err = sock.WriteTo(buf, addr)
	return err
}

func (v *Van) dialTCP(nodeID int) (net.Conn, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if c, ok := v.tcpConn[nodeID]; ok {
		return c, nil
	}
	peer, ok := v.peers[nodeID]
	if !ok {
		return nil, fmt.Errorf("van: unknown peer %d", nodeID)
	}
	conn, err := net.Dial("tcp", peer.TCP)
	if err != nil {
		return nil, fmt.Errorf("van: dial %s: %w", peer.TCP, err)
	}
	v.tcpConn[nodeID] = conn
	return conn, nil
}

func (v *Van) acceptLoop() {
	defer v.wg.Done()
	for {
		conn, err := v.listener.Accept()
		if err != nil {
			select {
			case <-v.ctx.Done():
				return
			default:
				log.Printf("van: accept: %v", err)
				return
			}
		}
		v.wg.Add(1)
		go v.tcpReadLoop(conn)
	}
}

func (v *Van) tcpReadLoop(conn net.Conn) {
	defer v.wg.Done()
	defer conn.Close()
	r := bufio.NewReader(conn)
	for {
		w, err := readFrame(r)
		if err != nil {
			return
		}
		v.onRecv(w.toMessage())
	}
}

func (v *Van) udpReadLoop(idx int, conn *net.UDPConn) {
	defer v.wg.Done()
	buf := make([]byte, 1<<20)
	for {
		n, _, err := conn.ReadFrom(buf)
		if err != nil {
			select {
			case <-v.ctx.Done():
				return
			default:
				continue
			}
		}
		w, err := decodeFrame(buf[:n])
		if err != nil {
			log.Printf("van: drop malformed udp frame on channel %d: %v", idx+1, err)
			continue
		}
		v.onRecv(w.toMessage())
	}
}

func encodeFrame(w wireFrame) ([]byte, error) {
	var buf fixedBuffer
	enc := gob.NewEncoder(&buf)
	if err := enc.Encode(w); err != nil {
		return nil, fmt.Errorf("van: encode frame: %w", err)
	}
	return buf.b, nil
}

func decodeFrame(b []byte) (wireFrame, error) {
	var w wireFrame
	dec := gob.NewDecoder(&fixedBuffer{b: b})
	if err := dec.Decode(&w); err != nil {
		return w, fmt.Errorf("van: decode frame: %w", err)
	}
	return w, nil
}

// writeFrame sends a length-prefixed gob frame over a stream connection.
func writeFrame(conn net.Conn, w wireFrame) error {
	payload, err := encodeFrame(w)
	if err != nil {
		return err
	}
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	if _, err := conn.Write(lenBuf[:]); err != nil {
		return fmt.Errorf("van: write frame length: %w", err)
	}
	if _, err := conn.Write(payload); err != nil {
		return fmt.Errorf("van: write frame body: %w", err)
	}
	return nil
}

func readFrame(r *bufio.Reader) (wireFrame, error) {
	var lenBuf [4]byte
	if _, err := readFull(r, lenBuf[:]); err != nil {
		return wireFrame{}, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	body := make([]byte, n)
	if _, err := readFull(r, body); err != nil {
		return wireFrame{}, err
	}
	return decodeFrame(body)
}

func readFull(r *bufio.Reader, buf []byte) (int, error) {
	read := 0
	for read < len(buf) {
		n, err := r.Read(buf[read:])
		read += n
		if err != nil {
			return read, err
		}
	}
	return read, nil
}

// fixedBuffer is a minimal io.Reader/io.Writer over a byte slice, used so
// gob can encode/decode into a plain []byte without importing bytes.Buffer
// for what is otherwise a one-shot allocation.
type fixedBuffer struct {
	b   []byte
	off int
}

func (f *fixedBuffer) Write(p []byte) (int, error) {
	f.b = append(f.b, p...)
	return len(p), nil
}

func (f *fixedBuffer) Read(p []byte) (int, error) {
	if f.off >= len(f.b) {
		return 0, io.EOF
	}
	n := copy(p, f.b[f.off:])
	f.off += n
	return n, nil
}
