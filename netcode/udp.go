package netcode

import (
	"errors"
	"fmt"
	"net"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
)

// dscpAF31 Assured Forwarding 31 = 26 << 2
const dscpAF31 = 0x68

type UDPConfig struct {
	Addr              string
	MaxDatagram       int
	RecvQueueSize     int
	DisconnectTimeout time.Duration
	PingInterval      time.Duration
	ResendDelay       time.Duration
	MaxRetries        int
	ConnectRetry      time.Duration
	ConnectAttempts   int
	DSCP              bool
}

type datagram struct {
	addr *net.UDPAddr
	data []byte
}

type udpConn struct {
	id        PeerID
	addr      *net.UDPAddr
	key       string
	lastHeard time.Time
	lastPing  time.Time
	channels  [deliveryModes]*channel
}

func newUDPConn(id PeerID, addr *net.UDPAddr, now time.Time) *udpConn {
	c := &udpConn{id: id, addr: addr, key: addr.String(), lastHeard: now, lastPing: now}
	for m := DeliveryMode(0); m < deliveryModes; m++ {
		c.channels[m] = newChannel(m)
	}
	return c
}

// UDPTransport 单个 UDP 套接字上的轻量可靠传输。
// 读协程只把数据报放进有界 inbox；握手、确认、重传、超时都在 Poll 中完成。
type UDPTransport struct {
	cfg     UDPConfig
	client  bool
	peers   *PeerRegistry
	recv    Receiver
	metrics *Metrics
	log     *zap.SugaredLogger

	conn    *net.UDPConn
	inbox   chan datagram
	running atomic.Bool
	wg      sync.WaitGroup

	conns  map[PeerID]*udpConn
	byAddr map[string]*udpConn

	// 客户端握手状态
	server     *net.UDPAddr
	hello      []byte
	lastHello  time.Time
	helloCount int
	localID    atomic.Int32
	connecting bool

	scratch []byte
}

// NewUDPServer 在 cfg.Addr 上监听
func NewUDPServer(cfg UDPConfig, peers *PeerRegistry, recv Receiver, metrics *Metrics, log *zap.SugaredLogger) *UDPTransport {
	return newUDP(cfg, false, peers, recv, metrics, log.Named("udp"))
}

// NewUDPClient 连接 cfg.Addr 上的服务端，hello 为握手请求
func NewUDPClient(cfg UDPConfig, hello Hello, peers *PeerRegistry, recv Receiver, metrics *Metrics, log *zap.SugaredLogger) *UDPTransport {
	t := newUDP(cfg, true, peers, recv, metrics, log.Named("udp-client"))
	t.hello = encodeHello(hello)
	return t
}

func newUDP(cfg UDPConfig, client bool, peers *PeerRegistry, recv Receiver, metrics *Metrics, log *zap.SugaredLogger) *UDPTransport {
	t := &UDPTransport{
		cfg:     cfg,
		client:  client,
		peers:   peers,
		recv:    recv,
		metrics: metrics,
		log:     log,
		inbox:   make(chan datagram, cfg.RecvQueueSize),
		conns:   make(map[PeerID]*udpConn),
		byAddr:  make(map[string]*udpConn),
		scratch: make([]byte, 0, dataHeaderLen+cfg.MaxDatagram),
	}
	t.localID.Store(int32(NoPeer))
	return t
}

func (t *UDPTransport) Start() error {
	if t.running.Load() {
		return ErrAlreadyRunning
	}
	var err error
	if t.client {
		t.server, err = net.ResolveUDPAddr("udp", t.cfg.Addr)
		if err != nil {
			return fmt.Errorf("resolve %s: %w", t.cfg.Addr, err)
		}
		t.conn, err = net.ListenUDP("udp", nil)
	} else {
		var laddr *net.UDPAddr
		laddr, err = net.ResolveUDPAddr("udp", t.cfg.Addr)
		if err != nil {
			return fmt.Errorf("resolve %s: %w", t.cfg.Addr, err)
		}
		t.conn, err = net.ListenUDP("udp", laddr)
	}
	if err != nil {
		return fmt.Errorf("listen udp: %w", err)
	}
	if t.cfg.DSCP {
		t.markDSCP()
	}
	t.running.Store(true)
	t.wg.Add(1)
	go t.readLoop()

	if t.client {
		t.connecting = true
		t.sendHello(time.Now())
		t.log.Infow("connecting", "server", t.server.String())
	} else {
		t.log.Infow("listening", "addr", t.conn.LocalAddr().String())
	}
	return nil
}

// LocalAddr 实际绑定的地址（端口为 0 时由系统分配）
func (t *UDPTransport) LocalAddr() net.Addr {
	if t.conn == nil {
		return nil
	}
	return t.conn.LocalAddr()
}

func (t *UDPTransport) LocalID() PeerID { return PeerID(t.localID.Load()) }

// markDSCP 为实时流量设置 AF31；套接字族不匹配的一方报错属正常
func (t *UDPTransport) markDSCP() {
	err4 := ipv4.NewConn(t.conn).SetTOS(dscpAF31)
	err6 := ipv6.NewConn(t.conn).SetTrafficClass(dscpAF31)
	if err4 != nil && err6 != nil {
		t.log.Debugw("could not set DSCP", "ipv4", err4, "ipv6", err6)
	}
}

func (t *UDPTransport) readLoop() {
	defer t.wg.Done()
	buf := make([]byte, 64*1024)
	for {
		n, addr, err := t.conn.ReadFromUDP(buf)
		if err != nil {
			if !t.running.Load() || errors.Is(err, net.ErrClosed) {
				return
			}
			t.log.Debugw("read error", "err", err)
			continue
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		select {
		case t.inbox <- datagram{addr: addr, data: data}:
		default:
			// 仿真协程跟不上时丢弃
			t.metrics.IncPacketDropped()
		}
	}
}

// Poll 处理已到达的数据报与定时任务，从不阻塞
func (t *UDPTransport) Poll(now time.Time) error {
	if !t.running.Load() {
		return ErrNotRunning
	}
drain:
	for {
		select {
		case d := <-t.inbox:
			t.handle(d, now)
		default:
			break drain
		}
	}
	t.service(now)
	return nil
}

func (t *UDPTransport) handle(d datagram, now time.Time) {
	f, err := decodeFrame(d.data)
	if err != nil {
		t.metrics.IncPacketDropped()
		t.log.Debugw("dropping datagram", "from", d.addr.String(), "err", err)
		return
	}
	c := t.byAddr[d.addr.String()]
	if c != nil {
		c.lastHeard = now
	}

	switch f.kind {
	case kindHello:
		if !t.client {
			t.handleHello(d.addr, f.hello, now)
		}
	case kindWelcome:
		if t.client && t.connecting && sameAddr(d.addr, t.server) {
			t.connecting = false
			t.localID.Store(int32(f.peerID))
			c := newUDPConn(ServerPeer, d.addr, now)
			t.addConn(c)
			t.peers.Attach(ServerPeer, c.key, now)
			t.log.Infow("connected", "server", c.key, "localID", f.peerID)
			t.peers.Connected(ServerPeer)
		}
	case kindReject:
		if t.client && t.connecting && sameAddr(d.addr, t.server) {
			t.connecting = false
			t.peers.Fail(ServerPeer, d.addr.String(), DisconnectInfo{Reason: ReasonRejected, Reject: f.reject, Detail: f.reason})
		}
	case kindDisconnect:
		if c != nil {
			t.drop(c, DisconnectInfo{Reason: ReasonRemoteClose, Detail: f.discon.String()})
		}
	case kindPing:
		if c != nil {
			t.write(encodePing(kindPong, f.nanos), c.addr)
		}
	case kindPong:
		if c != nil {
			if rtt := now.Sub(time.Unix(0, int64(f.nanos))); rtt >= 0 {
				t.peers.SetRTT(c.id, rtt)
			}
		}
	case kindAck:
		if c != nil {
			c.channels[f.mode].ack(f.seq)
		}
	case kindData:
		if c == nil {
			return
		}
		if c.channels[f.mode].accept(f.seq, f.payload, func(p []byte) {
			t.recv.Receive(c.id, p, f.mode)
		}) {
			t.write(encodeAck(f.mode, f.seq), c.addr)
		}
	}
}

func (t *UDPTransport) handleHello(addr *net.UDPAddr, h Hello, now time.Time) {
	key := addr.String()
	if c, ok := t.byAddr[key]; ok {
		// welcome 丢失后客户端会重发 hello
		t.write(encodeWelcome(c.id), addr)
		return
	}
	info, code := t.peers.Admit(key, h, now)
	if code != RejectNone {
		t.metrics.IncRejection()
		t.log.Infow("connection rejected", "addr", key, "reason", code.String())
		t.write(encodeReject(code), addr)
		return
	}
	c := newUDPConn(info.ID, addr, now)
	t.addConn(c)
	t.write(encodeWelcome(c.id), addr)
	t.peers.Connected(c.id)
}

// service 重传、心跳、超时与客户端握手重试
func (t *UDPTransport) service(now time.Time) {
	if t.client && t.connecting && now.Sub(t.lastHello) >= t.cfg.ConnectRetry {
		if t.helloCount >= t.cfg.ConnectAttempts {
			t.connecting = false
			t.peers.Fail(ServerPeer, t.server.String(), DisconnectInfo{
				Reason: ReasonConnectFailed,
				Detail: fmt.Sprintf("no answer after %d attempts", t.helloCount),
			})
		} else {
			t.sendHello(now)
		}
	}

	for _, c := range t.sortedConns() {
		if now.Sub(c.lastHeard) > t.cfg.DisconnectTimeout {
			t.drop(c, DisconnectInfo{Reason: ReasonTimeout})
			continue
		}
		if t.resend(c, now) {
			continue
		}
		if now.Sub(c.lastPing) >= t.cfg.PingInterval {
			c.lastPing = now
			t.write(encodePing(kindPing, uint64(now.UnixNano())), c.addr)
		}
	}
}

// resend 返回 true 表示连接因重传耗尽被断开
func (t *UDPTransport) resend(c *udpConn, now time.Time) bool {
	for _, ch := range c.channels {
		for _, out := range ch.pending {
			if now.Sub(out.sentAt) < t.cfg.ResendDelay {
				continue
			}
			if out.attempts >= t.cfg.MaxRetries {
				t.drop(c, DisconnectInfo{Reason: ReasonTimeout, Detail: "reliable retries exhausted"})
				return true
			}
			out.attempts++
			out.sentAt = now
			t.metrics.IncRetransmit()
			t.write(out.frame, c.addr)
		}
	}
	return false
}

func (t *UDPTransport) sendHello(now time.Time) {
	t.lastHello = now
	t.helloCount++
	t.write(t.hello, t.server)
}

func (t *UDPTransport) Send(peer PeerID, payload []byte, mode DeliveryMode) error {
	if !t.running.Load() {
		return ErrNotRunning
	}
	c, ok := t.conns[peer]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownPeer, peer)
	}
	return t.sendConn(c, payload, mode)
}

func (t *UDPTransport) sendConn(c *udpConn, payload []byte, mode DeliveryMode) error {
	if len(payload) > t.cfg.MaxDatagram {
		return fmt.Errorf("%w: %d > %d", ErrPayloadTooLarge, len(payload), t.cfg.MaxDatagram)
	}
	if mode >= deliveryModes {
		return fmt.Errorf("netcode: invalid delivery mode %d", mode)
	}
	ch := c.channels[mode]
	if !mode.Reliable() {
		var seq uint16
		if mode == Sequenced {
			seq = ch.takeSeq()
		}
		t.scratch = encodeData(t.scratch, mode, seq, payload)
		return t.write(t.scratch, c.addr)
	}
	if ch.windowFull() {
		return fmt.Errorf("netcode: reliable window full for peer %d", c.id)
	}
	seq := ch.takeSeq()
	buf := encodeData(make([]byte, 0, dataHeaderLen+len(payload)), mode, seq, payload)
	ch.pending[seq] = &outgoing{frame: buf, sentAt: time.Now(), attempts: 1}
	return t.write(buf, c.addr)
}

func (t *UDPTransport) Broadcast(payload []byte, mode DeliveryMode, except PeerID) error {
	if !t.running.Load() {
		return ErrNotRunning
	}
	var errs error
	for _, c := range t.sortedConns() {
		if c.id == except {
			continue
		}
		errs = multierr.Append(errs, t.sendConn(c, payload, mode))
	}
	return errs
}

func (t *UDPTransport) Disconnect(peer PeerID, reason string) {
	c, ok := t.conns[peer]
	if !ok {
		return
	}
	t.write(encodeDisconnect(ReasonLocalClose), c.addr)
	t.drop(c, DisconnectInfo{Reason: ReasonLocalClose, Detail: reason})
}

// Stop 通知全部对端后关闭套接字
func (t *UDPTransport) Stop() error {
	if !t.running.Load() {
		return nil
	}
	for _, c := range t.sortedConns() {
		t.write(encodeDisconnect(ReasonShutdown), c.addr)
		t.drop(c, DisconnectInfo{Reason: ReasonShutdown})
	}
	t.running.Store(false)
	err := t.conn.Close()
	t.wg.Wait()
	t.log.Info("udp transport stopped")
	return err
}

func (t *UDPTransport) addConn(c *udpConn) {
	t.conns[c.id] = c
	t.byAddr[c.key] = c
}

func (t *UDPTransport) drop(c *udpConn, d DisconnectInfo) {
	delete(t.conns, c.id)
	delete(t.byAddr, c.key)
	t.peers.Remove(c.id, d)
}

func (t *UDPTransport) sortedConns() []*udpConn {
	out := make([]*udpConn, 0, len(t.conns))
	for _, c := range t.conns {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

func (t *UDPTransport) write(b []byte, addr *net.UDPAddr) error {
	if _, err := t.conn.WriteToUDP(b, addr); err != nil {
		t.log.Debugw("write failed", "to", addr.String(), "err", err)
		return fmt.Errorf("write %s: %w", addr, err)
	}
	return nil
}

func sameAddr(a, b *net.UDPAddr) bool {
	return a.Port == b.Port && a.IP.Equal(b.IP)
}
