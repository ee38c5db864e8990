package netcode

import (
	"fmt"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

type WSConfig struct {
	URL           string // 客户端拨号地址，如 ws://localhost:7000/ws
	MaxMessage    int64
	SendQueue     int
	RecvQueueSize int
	WriteTimeout  time.Duration
	ReadTimeout   time.Duration
	PingInterval  time.Duration
}

type wsEvent struct {
	conn   *ClientConn
	data   []byte
	closed bool
}

// ClientConn 负责发送（写）数据到对端的轻量包装
type ClientConn struct {
	id       PeerID
	ws       *websocket.Conn
	send     chan []byte
	admitted bool

	mu     sync.Mutex
	closed bool
}

func NewClientConn(ws *websocket.Conn, queue int) *ClientConn {
	return &ClientConn{
		id:   NoPeer,
		ws:   ws,
		send: make(chan []byte, queue),
	}
}

// Enqueue 将要发送的消息压入队列（非阻塞，满或已关闭则丢弃）
func (c *ClientConn) Enqueue(b []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- b:
		return true
	default:
		// 为了实时性，丢弃而不阻塞 Tick
		return false
	}
}

// Close 关闭发送队列；写协程写完剩余消息后关闭连接。可重复调用
func (c *ClientConn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// Closed 报告 Close 是否已被调用
func (c *ClientConn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// writePump 独立协程，负责从 send 队列写出到 WS，并定期 ping
func (c *ClientConn) writePump(writeTimeout, pingInterval time.Duration) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if !ok {
				_ = c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.ws.WriteMessage(websocket.BinaryMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump 读取对端帧交给仿真协程；退出时投递关闭事件
func (c *ClientConn) readPump(events chan<- wsEvent, done <-chan struct{}, maxMessage int64, readTimeout time.Duration) {
	defer func() {
		c.ws.Close()
		select {
		case events <- wsEvent{conn: c, closed: true}:
		case <-done:
		}
	}()
	c.ws.SetReadLimit(maxMessage)
	c.ws.SetReadDeadline(time.Now().Add(readTimeout))
	c.ws.SetPongHandler(func(string) error { return c.ws.SetReadDeadline(time.Now().Add(readTimeout)) })

	for {
		kind, payload, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		if kind != websocket.BinaryMessage {
			continue
		}
		select {
		case events <- wsEvent{conn: c, data: payload}:
		case <-done:
			return
		}
	}
}

// WSTransport 基于 WebSocket 的传输后端；TCP 保证有序可靠，所有投递模式等价于 ReliableOrdered
type WSTransport struct {
	cfg     WSConfig
	client  bool
	peers   *PeerRegistry
	recv    Receiver
	metrics *Metrics
	log     *zap.SugaredLogger

	upgrader websocket.Upgrader
	events   chan wsEvent
	done     chan struct{}
	running  atomic.Bool

	conns map[PeerID]*ClientConn

	// 客户端
	hello   []byte
	server  *ClientConn
	localID atomic.Int32
}

func NewWSServer(cfg WSConfig, peers *PeerRegistry, recv Receiver, metrics *Metrics, log *zap.SugaredLogger) *WSTransport {
	return newWS(cfg, false, peers, recv, metrics, log.Named("ws"))
}

func NewWSClient(cfg WSConfig, hello Hello, peers *PeerRegistry, recv Receiver, metrics *Metrics, log *zap.SugaredLogger) *WSTransport {
	t := newWS(cfg, true, peers, recv, metrics, log.Named("ws-client"))
	t.hello = encodeHello(hello)
	return t
}

func newWS(cfg WSConfig, client bool, peers *PeerRegistry, recv Receiver, metrics *Metrics, log *zap.SugaredLogger) *WSTransport {
	t := &WSTransport{
		cfg:     cfg,
		client:  client,
		peers:   peers,
		recv:    recv,
		metrics: metrics,
		log:     log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				// 游戏客户端不受浏览器同源策略约束
				return true
			},
		},
		events: make(chan wsEvent, cfg.RecvQueueSize),
		done:   make(chan struct{}),
		conns:  make(map[PeerID]*ClientConn),
	}
	t.localID.Store(int32(NoPeer))
	return t
}

func (t *WSTransport) Start() error {
	if t.running.Load() {
		return ErrAlreadyRunning
	}
	if t.client {
		ws, _, err := websocket.DefaultDialer.Dial(t.cfg.URL, nil)
		if err != nil {
			return fmt.Errorf("dial %s: %w", t.cfg.URL, err)
		}
		t.server = t.spawn(ws)
		t.server.Enqueue(t.hello)
		t.log.Infow("connecting", "url", t.cfg.URL)
	}
	t.running.Store(true)
	return nil
}

func (t *WSTransport) spawn(ws *websocket.Conn) *ClientConn {
	c := NewClientConn(ws, t.cfg.SendQueue)
	go c.writePump(t.cfg.WriteTimeout, t.cfg.PingInterval)
	go c.readPump(t.events, t.done, t.cfg.MaxMessage, t.cfg.ReadTimeout)
	return c
}

// ServeHTTP WebSocket 接入；握手在第一帧 hello 中完成
func (t *WSTransport) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !t.running.Load() || t.client {
		http.Error(w, "not accepting connections", http.StatusServiceUnavailable)
		return
	}
	ws, err := t.upgrader.Upgrade(w, r, nil)
	if err != nil {
		t.log.Warnw("upgrade error", "remote", r.RemoteAddr, "err", err)
		return
	}
	t.spawn(ws)
}

func (t *WSTransport) LocalID() PeerID { return PeerID(t.localID.Load()) }

// Poll 处理读协程投递的事件，从不阻塞
func (t *WSTransport) Poll(now time.Time) error {
	if !t.running.Load() {
		return ErrNotRunning
	}
	for {
		select {
		case ev := <-t.events:
			t.handle(ev, now)
		default:
			return nil
		}
	}
}

func (t *WSTransport) handle(ev wsEvent, now time.Time) {
	c := ev.conn
	if ev.closed {
		switch {
		case c.admitted:
			t.drop(c, DisconnectInfo{Reason: ReasonRemoteClose})
		case t.client && c == t.server && !c.Closed():
			t.peers.Fail(ServerPeer, t.cfg.URL, DisconnectInfo{Reason: ReasonConnectFailed, Detail: "connection closed during handshake"})
		}
		c.Close()
		return
	}
	// 已拒绝或正在关闭的连接：忽略后续帧
	if c.Closed() {
		t.metrics.IncPacketDropped()
		return
	}

	f, err := decodeFrame(ev.data)
	if err != nil {
		t.metrics.IncPacketDropped()
		t.log.Debugw("dropping frame", "peer", c.id, "err", err)
		return
	}
	switch f.kind {
	case kindHello:
		if !t.client && !c.admitted {
			t.admit(c, f.hello, now)
		}
	case kindWelcome:
		if t.client && c == t.server && !c.admitted {
			c.admitted = true
			c.id = ServerPeer
			t.localID.Store(int32(f.peerID))
			t.conns[ServerPeer] = c
			t.peers.Attach(ServerPeer, t.cfg.URL, now)
			t.log.Infow("connected", "url", t.cfg.URL, "localID", f.peerID)
			t.peers.Connected(ServerPeer)
		}
	case kindReject:
		if t.client && c == t.server && !c.admitted {
			t.peers.Fail(ServerPeer, t.cfg.URL, DisconnectInfo{Reason: ReasonRejected, Reject: f.reject, Detail: f.reason})
			c.Close()
		}
	case kindDisconnect:
		if c.admitted {
			t.drop(c, DisconnectInfo{Reason: ReasonRemoteClose, Detail: f.discon.String()})
			c.Close()
		}
	case kindData:
		if c.admitted {
			t.recv.Receive(c.id, f.payload, f.mode)
		}
	}
}

func (t *WSTransport) admit(c *ClientConn, h Hello, now time.Time) {
	addr := c.ws.RemoteAddr().String()
	info, code := t.peers.Admit(addr, h, now)
	if code != RejectNone {
		t.metrics.IncRejection()
		t.log.Infow("connection rejected", "addr", addr, "reason", code.String())
		c.Enqueue(encodeReject(code))
		c.Close()
		return
	}
	c.admitted = true
	c.id = info.ID
	t.conns[c.id] = c
	c.Enqueue(encodeWelcome(c.id))
	t.peers.Connected(c.id)
}

func (t *WSTransport) Send(peer PeerID, payload []byte, mode DeliveryMode) error {
	if !t.running.Load() {
		return ErrNotRunning
	}
	c, ok := t.conns[peer]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownPeer, peer)
	}
	return t.sendConn(c, payload, mode)
}

func (t *WSTransport) sendConn(c *ClientConn, payload []byte, mode DeliveryMode) error {
	// 帧会被写协程持有，必须复制
	if !c.Enqueue(encodeData(make([]byte, 0, dataHeaderLen+len(payload)), mode, 0, payload)) {
		return fmt.Errorf("netcode: send queue full for peer %d", c.id)
	}
	return nil
}

func (t *WSTransport) Broadcast(payload []byte, mode DeliveryMode, except PeerID) error {
	if !t.running.Load() {
		return ErrNotRunning
	}
	ids := make([]PeerID, 0, len(t.conns))
	for id := range t.conns {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	var errs error
	for _, id := range ids {
		if id == except {
			continue
		}
		errs = multierr.Append(errs, t.sendConn(t.conns[id], payload, mode))
	}
	return errs
}

func (t *WSTransport) Disconnect(peer PeerID, reason string) {
	c, ok := t.conns[peer]
	if !ok {
		return
	}
	c.Enqueue(encodeDisconnect(ReasonLocalClose))
	c.Close()
	t.drop(c, DisconnectInfo{Reason: ReasonLocalClose, Detail: reason})
}

func (t *WSTransport) Stop() error {
	if !t.running.Load() {
		return nil
	}
	for id, c := range t.conns {
		c.Enqueue(encodeDisconnect(ReasonShutdown))
		c.Close()
		delete(t.conns, id)
		t.peers.Remove(id, DisconnectInfo{Reason: ReasonShutdown})
	}
	if t.server != nil {
		t.server.Close()
	}
	t.running.Store(false)
	close(t.done)
	t.log.Info("ws transport stopped")
	return nil
}

func (t *WSTransport) drop(c *ClientConn, d DisconnectInfo) {
	c.admitted = false
	if cur, ok := t.conns[c.id]; ok && cur == c {
		delete(t.conns, c.id)
		t.peers.Remove(c.id, d)
	}
}
