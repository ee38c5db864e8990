package netcode

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/MonoDevPro/Godot2D-FloorsLevels/protocol"
)

func testWSConfig(url string) WSConfig {
	return WSConfig{
		URL:           url,
		MaxMessage:    dataHeaderLen + 1200,
		SendQueue:     64,
		RecvQueueSize: 256,
		WriteTimeout:  time.Second,
		ReadTimeout:   5 * time.Second,
		PingInterval:  time.Second,
	}
}

type wsHarness struct {
	t       *testing.T
	reg     *protocol.Registry
	server  *WSTransport
	peers   *PeerRegistry
	recv    *recordingReceiver
	url     string
	clients []*WSTransport
}

func newWSHarness(t *testing.T, maxPeers int) *wsHarness {
	t.Helper()
	reg := testRegistry(t)
	log := zaptest.NewLogger(t).Sugar()
	peers := NewPeerRegistry(PeerRegistryConfig{
		MaxPeers:    maxPeers,
		SecretKey:   "GameServerKey",
		Fingerprint: reg.Fingerprint(),
	}, log)
	recv := &recordingReceiver{}
	server := NewWSServer(testWSConfig(""), peers, recv, NewMetrics(), log)
	if err := server.Start(); err != nil {
		t.Fatalf("server start: %v", err)
	}
	srv := httptest.NewServer(server)
	h := &wsHarness{
		t:      t,
		reg:    reg,
		server: server,
		peers:  peers,
		recv:   recv,
		url:    "ws" + strings.TrimPrefix(srv.URL, "http"),
	}
	t.Cleanup(func() {
		for _, c := range h.clients {
			c.Stop()
		}
		server.Stop()
		srv.Close()
	})
	return h
}

func (h *wsHarness) dial(secret string, peers *PeerRegistry, recv Receiver) *WSTransport {
	h.t.Helper()
	c := NewWSClient(testWSConfig(h.url), NewHello(secret, h.reg), peers, recv, NewMetrics(), zap.NewNop().Sugar())
	if err := c.Start(); err != nil {
		h.t.Fatalf("client start: %v", err)
	}
	h.clients = append(h.clients, c)
	return c
}

// pump 轮询所有端直到 done 返回 true 或超时
func (h *wsHarness) pump(done func() bool) bool {
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

func TestWSHandshakeAndDataRoundTrip(t *testing.T) {
	h := newWSHarness(t, 10)
	cp := clientPeers()
	connected := false
	cp.OnConnect(func(p PeerInfo) { connected = p.ID == ServerPeer })
	back := &recordingReceiver{}
	client := h.dial("GameServerKey", cp, back)

	if !h.pump(func() bool { return connected && h.peers.Count() == 1 }) {
		t.Fatal("client never connected")
	}
	if client.LocalID() != 0 {
		t.Errorf("Expected local id 0, got %d", client.LocalID())
	}

	for i := 0; i < 20; i++ {
		if err := client.Send(ServerPeer, []byte{byte(i)}, Unreliable); err != nil {
			t.Fatal(err)
		}
	}
	if !h.pump(func() bool { return len(h.recv.got) == 20 }) {
		t.Fatalf("Expected 20 messages, got %d", len(h.recv.got))
	}
	for i, r := range h.recv.got {
		if r.payload[0] != byte(i) || r.peer != 0 {
			t.Fatalf("message %d: %+v", i, r)
		}
	}

	if err := h.server.Broadcast([]byte{42}, ReliableOrdered, NoPeer); err != nil {
		t.Fatal(err)
	}
	if !h.pump(func() bool { return len(back.got) == 1 }) {
		t.Fatal("client never received the broadcast")
	}
	if back.got[0].peer != ServerPeer || back.got[0].payload[0] != 42 {
		t.Errorf("unexpected delivery %+v", back.got[0])
	}

	if err := h.server.Send(5, []byte{1}, Unreliable); err == nil {
		t.Error("send to unknown peer must fail")
	}
}

func TestWSRejectsWrongKey(t *testing.T) {
	h := newWSHarness(t, 10)
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

func TestWSDisconnectRaisesEvent(t *testing.T) {
	h := newWSHarness(t, 10)
	var gone []PeerID
	var reason DisconnectInfo
	h.peers.OnDisconnect(func(p PeerInfo, d DisconnectInfo) {
		gone = append(gone, p.ID)
		reason = d
	})
	client := h.dial("GameServerKey", clientPeers(), &recordingReceiver{})
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
	if h.peers.Count() != 0 {
		t.Errorf("Expected no peers left, got %d", h.peers.Count())
	}
}

// 被拒的连接继续发 hello：服务端只回一次 reject，后续帧丢弃且 Poll 不会 panic
func TestWSRepeatedHelloAfterReject(t *testing.T) {
	h := newWSHarness(t, 10)
	ws, _, err := websocket.DefaultDialer.Dial(h.url, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer ws.Close()
	bad := encodeHello(NewHello("not-the-key", h.reg))
	for i := 0; i < 3; i++ {
		if err := ws.WriteMessage(websocket.BinaryMessage, bad); err != nil {
			t.Fatal(err)
		}
	}

	ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	var rejects int
	readDone := make(chan error, 1)
	go func() {
		for {
			_, data, err := ws.ReadMessage()
			if err != nil {
				readDone <- err
				return
			}
			if f, err := decodeFrame(data); err == nil && f.kind == kindReject {
				rejects++
			}
		}
	}()

	closed := false
	if !h.pump(func() bool {
		select {
		case <-readDone:
			closed = true
		default:
		}
		return closed
	}) {
		t.Fatal("server never closed the rejected connection")
	}
	if rejects != 1 {
		t.Errorf("Expected exactly one reject, got %d", rejects)
	}
	if h.peers.Count() != 0 {
		t.Errorf("rejected connection registered, count=%d", h.peers.Count())
	}
}

func TestClientConnEnqueueAfterClose(t *testing.T) {
	c := NewClientConn(nil, 1)
	if !c.Enqueue([]byte{1}) {
		t.Fatal("enqueue on open conn failed")
	}
	if c.Enqueue([]byte{2}) {
		t.Error("enqueue on full queue must fail")
	}
	c.Close()
	c.Close()
	if !c.Closed() {
		t.Error("Expected conn to report closed")
	}
	if c.Enqueue([]byte{3}) {
		t.Error("enqueue after Close must fail")
	}
}
