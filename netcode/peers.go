package netcode

import (
	"crypto/subtle"
	"fmt"
	"net"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"lukechampine.com/blake3"

	"github.com/MonoDevPro/Godot2D-FloorsLevels/protocol"
)

// ProtocolVersion 握手版本号，帧格式变化时递增
const ProtocolVersion uint16 = 1

const maxLimiters = 1024

// PeerInfo 已连接对端的只读信息
type PeerInfo struct {
	ID          PeerID
	Addr        string
	ConnectedAt time.Time
	RTT         time.Duration
}

type DisconnectReason uint8

const (
	ReasonRemoteClose DisconnectReason = iota + 1
	ReasonLocalClose
	ReasonTimeout
	ReasonRejected
	ReasonConnectFailed
	ReasonProtocolError
	ReasonShutdown
)

func (r DisconnectReason) String() string {
	switch r {
	case ReasonRemoteClose:
		return "remote closed"
	case ReasonLocalClose:
		return "closed locally"
	case ReasonTimeout:
		return "timed out"
	case ReasonRejected:
		return "rejected"
	case ReasonConnectFailed:
		return "connect failed"
	case ReasonProtocolError:
		return "protocol error"
	case ReasonShutdown:
		return "shutdown"
	default:
		return "unknown"
	}
}

// RejectCode 握手被拒原因
type RejectCode uint8

const (
	RejectNone RejectCode = iota
	RejectFull
	RejectBadKey
	RejectVersion
	RejectRateLimited
)

func (c RejectCode) String() string {
	switch c {
	case RejectNone:
		return "none"
	case RejectFull:
		return "server full"
	case RejectBadKey:
		return "invalid key"
	case RejectVersion:
		return "protocol mismatch"
	case RejectRateLimited:
		return "rate limited"
	default:
		return fmt.Sprintf("reject(%d)", uint8(c))
	}
}

// DisconnectInfo 断开事件附带的原因
type DisconnectInfo struct {
	Reason DisconnectReason
	Reject RejectCode
	Detail string
}

func (d DisconnectInfo) String() string {
	s := d.Reason.String()
	if d.Reason == ReasonRejected {
		s += ": " + d.Reject.String()
	}
	if d.Detail != "" {
		s += " (" + d.Detail + ")"
	}
	return s
}

// Hello 客户端握手请求：版本、注册表指纹与密钥摘要
type Hello struct {
	Version     uint16
	Fingerprint [8]byte
	KeyDigest   [32]byte
}

// NewHello 构造握手请求，密钥本身不上线
func NewHello(secret string, reg *protocol.Registry) Hello {
	return Hello{
		Version:     ProtocolVersion,
		Fingerprint: reg.Fingerprint(),
		KeyDigest:   blake3.Sum256([]byte(secret)),
	}
}

func (h Hello) Encode(w *protocol.Writer) {
	w.PutUint16(h.Version)
	w.PutBytes(h.Fingerprint[:])
	w.PutBytes(h.KeyDigest[:])
}

func DecodeHello(r *protocol.Reader) (Hello, error) {
	var h Hello
	h.Version = r.Uint16()
	copy(h.Fingerprint[:], r.Bytes(len(h.Fingerprint)))
	copy(h.KeyDigest[:], r.Bytes(len(h.KeyDigest)))
	if err := r.Err(); err != nil {
		return Hello{}, fmt.Errorf("decode hello: %w", err)
	}
	return h, nil
}

type PeerRegistryConfig struct {
	MaxPeers    int
	SecretKey   string
	Fingerprint [8]byte
	HelloRate   float64
	HelloBurst  int
}

type connectHandler struct {
	fn      func(PeerInfo)
	removed bool
}

type disconnectHandler struct {
	fn      func(PeerInfo, DisconnectInfo)
	removed bool
}

// PeerRegistry 跟踪已连接对端、校验握手并分发连接/断开事件。
// 事件在调用 Connected/Remove 的协程（仿真协程）中同步触发。
type PeerRegistry struct {
	mu       sync.RWMutex
	log      *zap.SugaredLogger
	cfg      PeerRegistryConfig
	digest   [32]byte
	peers    map[PeerID]PeerInfo
	limiters map[string]*rate.Limiter

	hmu          sync.Mutex
	onConnect    []*connectHandler
	onDisconnect []*disconnectHandler
}

func NewPeerRegistry(cfg PeerRegistryConfig, log *zap.SugaredLogger) *PeerRegistry {
	return &PeerRegistry{
		log:      log.Named("peers"),
		cfg:      cfg,
		digest:   blake3.Sum256([]byte(cfg.SecretKey)),
		peers:    make(map[PeerID]PeerInfo),
		limiters: make(map[string]*rate.Limiter),
	}
}

// OnConnect 订阅连接事件，返回可重复调用的取消函数
func (r *PeerRegistry) OnConnect(fn func(PeerInfo)) func() {
	h := &connectHandler{fn: fn}
	r.hmu.Lock()
	r.onConnect = append(r.onConnect, h)
	r.hmu.Unlock()
	return func() {
		r.hmu.Lock()
		defer r.hmu.Unlock()
		if h.removed {
			return
		}
		h.removed = true
		for i, x := range r.onConnect {
			if x == h {
				r.onConnect = append(r.onConnect[:i], r.onConnect[i+1:]...)
				break
			}
		}
	}
}

// OnDisconnect 订阅断开事件，返回可重复调用的取消函数
func (r *PeerRegistry) OnDisconnect(fn func(PeerInfo, DisconnectInfo)) func() {
	h := &disconnectHandler{fn: fn}
	r.hmu.Lock()
	r.onDisconnect = append(r.onDisconnect, h)
	r.hmu.Unlock()
	return func() {
		r.hmu.Lock()
		defer r.hmu.Unlock()
		if h.removed {
			return
		}
		h.removed = true
		for i, x := range r.onDisconnect {
			if x == h {
				r.onDisconnect = append(r.onDisconnect[:i], r.onDisconnect[i+1:]...)
				break
			}
		}
	}
}

// Admit 校验握手并分配编号；成功时对端已登记但尚未触发连接事件
func (r *PeerRegistry) Admit(addr string, h Hello, now time.Time) (PeerInfo, RejectCode) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.allowLocked(addr, now) {
		return PeerInfo{}, RejectRateLimited
	}
	if h.Version != ProtocolVersion || h.Fingerprint != r.cfg.Fingerprint {
		return PeerInfo{}, RejectVersion
	}
	if subtle.ConstantTimeCompare(h.KeyDigest[:], r.digest[:]) != 1 {
		return PeerInfo{}, RejectBadKey
	}
	if len(r.peers) >= r.cfg.MaxPeers {
		return PeerInfo{}, RejectFull
	}
	info := PeerInfo{ID: r.nextIDLocked(), Addr: addr, ConnectedAt: now}
	r.peers[info.ID] = info
	return info, RejectNone
}

// Attach 登记主动建立的连接（客户端侧的服务端），不做握手校验
func (r *PeerRegistry) Attach(id PeerID, addr string, now time.Time) PeerInfo {
	info := PeerInfo{ID: id, Addr: addr, ConnectedAt: now}
	r.mu.Lock()
	r.peers[id] = info
	r.mu.Unlock()
	return info
}

// Connected 触发连接事件
func (r *PeerRegistry) Connected(id PeerID) {
	r.mu.RLock()
	info, ok := r.peers[id]
	n := len(r.peers)
	r.mu.RUnlock()
	if !ok {
		return
	}
	r.log.Infow("peer connected", "peer", id, "addr", info.Addr, "peers", n)

	r.hmu.Lock()
	handlers := append([]*connectHandler(nil), r.onConnect...)
	r.hmu.Unlock()
	for _, h := range handlers {
		h.fn(info)
	}
}

// Remove 注销对端并触发断开事件；未登记的编号返回 false
func (r *PeerRegistry) Remove(id PeerID, d DisconnectInfo) bool {
	r.mu.Lock()
	info, ok := r.peers[id]
	delete(r.peers, id)
	r.mu.Unlock()
	if !ok {
		return false
	}
	r.log.Infow("peer disconnected", "peer", id, "addr", info.Addr, "reason", d.String())
	r.fireDisconnect(info, d)
	return true
}

// Fail 未建立的连接失败（被拒或超时），只触发断开事件
func (r *PeerRegistry) Fail(id PeerID, addr string, d DisconnectInfo) {
	r.log.Warnw("connection failed", "peer", id, "addr", addr, "reason", d.String())
	r.fireDisconnect(PeerInfo{ID: id, Addr: addr}, d)
}

func (r *PeerRegistry) fireDisconnect(info PeerInfo, d DisconnectInfo) {
	r.hmu.Lock()
	handlers := append([]*disconnectHandler(nil), r.onDisconnect...)
	r.hmu.Unlock()
	for _, h := range handlers {
		h.fn(info, d)
	}
}

// SetRTT 记录最近一次往返时延
func (r *PeerRegistry) SetRTT(id PeerID, rtt time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if info, ok := r.peers[id]; ok {
		info.RTT = rtt
		r.peers[id] = info
	}
}

func (r *PeerRegistry) Get(id PeerID) (PeerInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	info, ok := r.peers[id]
	return info, ok
}

func (r *PeerRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.peers)
}

// Peers 按编号排序的快照
func (r *PeerRegistry) Peers() []PeerInfo {
	r.mu.RLock()
	out := make([]PeerInfo, 0, len(r.peers))
	for _, p := range r.peers {
		out = append(out, p)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *PeerRegistry) MaxPeers() int { return r.cfg.MaxPeers }

// nextIDLocked 分配最小的空闲编号
func (r *PeerRegistry) nextIDLocked() PeerID {
	for id := PeerID(0); ; id++ {
		if _, used := r.peers[id]; !used {
			return id
		}
	}
}

// allowLocked 按来源主机限制握手频率
func (r *PeerRegistry) allowLocked(addr string, now time.Time) bool {
	if r.cfg.HelloRate <= 0 {
		return true
	}
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}
	lim, ok := r.limiters[host]
	if !ok {
		if len(r.limiters) >= maxLimiters {
			for k, l := range r.limiters {
				if l.TokensAt(now) >= float64(r.cfg.HelloBurst) {
					delete(r.limiters, k)
				}
			}
		}
		lim = rate.NewLimiter(rate.Limit(r.cfg.HelloRate), r.cfg.HelloBurst)
		r.limiters[host] = lim
	}
	return lim.AllowN(now, 1)
}
