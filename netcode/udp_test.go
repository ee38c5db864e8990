package netcode

import (
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/MonoDevPro/Godot2D-FloorsLevels/protocol"
)

type received struct {
	peer    PeerID
	payload []byte
	mode    DeliveryMode
}

type recordingReceiver struct {
	got []received
}

func (r *recordingReceiver) Receive(peer PeerID, payload []byte, mode DeliveryMode) {
	r.got = append(r.got, received{peer: peer, payload: append([]byte(nil), payload...), mode: mode})
}

func testUDPConfig(addr string) UDPConfig {
	return UDPConfig{
		Addr:              addr,
		MaxDatagram:       1200,
		RecvQueueSize:     256,
		DisconnectTimeout: 5 * time.Second,
		PingInterval:      time.Second,
		ResendDelay:       50 * time.Millisecond,
		MaxRetries:        20,
		ConnectRetry:      100 * time.Millisecond,
		ConnectAttempts:   20,
	}
}

type udpHarness struct {
	t       *testing.T
	reg     *protocol.Registry
	server  *UDPTransport
	peers   *PeerRegistry
	recv    *recordingReceiver
	clients []*UDPTransport
}

func newUDPHarness(t *testing.T, maxPeers int) *udpHarness {
	t.Helper()
	reg := testRegistry(t)
	log := zaptest.NewLogger(t).Sugar()
	peers := NewPeerRegistry(PeerRegistryConfig{
		MaxPeers:    maxPeers,
		SecretKey:   "GameServerKey",
		Fingerprint: reg.Fingerprint(),
	}, log)
	recv := &recordingReceiver{}
	server := NewUDPServer(testUDPConfig("127.0.0.1:0"), peers, recv, NewMetrics(), log)
	if err := server.Start(); err != nil {
		t.Fatalf("server start: %v", err)
	}
	h := &udpHarness{t: t, reg: reg, server: server, peers: peers, recv: recv}
	t.Cleanup(func() {
		for _, c := range h.clients {
			c.Stop()
		}
		server.Stop()
	})
	return h
}

func (h *udpHarness) dial(secret string, peers *PeerRegistry, recv Receiver) *UDPTransport {
	h.t.Helper()
	cfg := testUDPConfig(h.server.LocalAddr().String())
	c := NewUDPClient(cfg, NewHello(secret, h.reg), peers, recv, NewMetrics(), zap.NewNop().Sugar())
	if err := c.Start(); err != nil {
		h.t.Fatalf("client start: %v", err)
	}
	h.clients = append(h.clients, c)
	return c
}

// pump 轮询所有端直到 done 返回 true 或超时
func (h *udpHarness) pump(done func() bool) bool {
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		now := time.Now()
		h.server.Poll(now)
		for _, c := range h.clients {
			c.Poll(now)
		}
		if done() {
			return true
		}
		time.Sleep(2 * time.Millisecond)
	}
	return false
}

func clientPeers() *PeerRegistry {
	return NewPeerRegistry(PeerRegistryConfig{MaxPeers: 1}, zap.NewNop().Sugar())
}

func TestUDPHandshakeAndReliableDelivery(t *testing.T) {
	h := newUDPHarness(t, 10)
	cp := clientPeers()
	connected := false
	cp.OnConnect(func(p PeerInfo) { connected = p.ID == ServerPeer })
	client := h.dial("GameServerKey", cp, &recordingReceiver{})

	if !h.pump(func() bool { return connected && h.peers.Count() == 1 }) {
		t.Fatal("client never connected")
	}
	if client.LocalID() != 0 {
		t.Errorf("Expected local id 0, got %d", client.LocalID())
	}

	for i := 0; i < 20; i++ {
		if err := client.Send(ServerPeer, []byte{byte(i)}, ReliableOrdered); err != nil {
			t.Fatal(err)
		}
	}
	if !h.pump(func() bool { return len(h.recv.got) == 20 }) {
		t.Fatalf("Expected 20 messages, got %d", len(h.recv.got))
	}
	for i, r := range h.recv.got {
		if r.payload[0] != byte(i) || r.peer != 0 || r.mode != ReliableOrdered {
			t.Fatalf("message %d: %+v", i, r)
		}
	}

	if err := h.server.Send(5, []byte{1}, Unreliable); err == nil {
		t.Error("send to unknown peer must fail")
	}
}

func TestUDPRejectsWrongKey(t *testing.T) {
	h := newUDPHarness(t, 10)
	cp := clientPeers()
	var info DisconnectInfo
	cp.OnDisconnect(func(_ PeerInfo, d DisconnectInfo) { info = d })
	h.dial("not-the-key", cp, &recordingReceiver{})

	if !h.pump(func() bool { return info.Reason != 0 }) {
		t.Fatal("no rejection received")
	}
	if info.Reason != ReasonRejected || info.Reject != RejectBadKey {
		t.Errorf("Expected bad key rejection, got %v", info)
	}
	if h.peers.Count() != 0 {
		t.Errorf("rejected client registered, count=%d", h.peers.Count())
	}
}

func TestUDPEleventhClientRejected(t *testing.T) {
	h := newUDPHarness(t, 10)
	var rejected []DisconnectInfo
	for i := 0; i < 11; i++ {
		cp := clientPeers()
		cp.OnDisconnect(func(_ PeerInfo, d DisconnectInfo) { rejected = append(rejected, d) })
		h.dial("GameServerKey", cp, &recordingReceiver{})
	}
	if !h.pump(func() bool { return h.peers.Count() == 10 && len(rejected) == 1 }) {
		t.Fatalf("Expected 10 peers and 1 rejection, got %d and %d", h.peers.Count(), len(rejected))
	}
	if rejected[0].Reject != RejectFull {
		t.Errorf("Expected server full, got %v", rejected[0])
	}
}

func TestUDPDisconnectRaisesEvent(t *testing.T) {
	h := newUDPHarness(t, 10)
	var gone []PeerID
	var reason DisconnectInfo
	h.peers.OnDisconnect(func(p PeerInfo, d DisconnectInfo) {
		gone = append(gone, p.ID)
		reason = d
	})
	cp := clientPeers()
	client := h.dial("GameServerKey", cp, &recordingReceiver{})
	if !h.pump(func() bool { return h.peers.Count() == 1 && client.LocalID() != NoPeer }) {
		t.Fatal("client never connected")
	}

	client.Disconnect(ServerPeer, "bye")
	if !h.pump(func() bool { return len(gone) == 1 }) {
		t.Fatal("server never saw the disconnect")
	}
	if gone[0] != 0 || reason.Reason != ReasonRemoteClose {
		t.Errorf("unexpected disconnect %v %v", gone, reason)
	}
}
