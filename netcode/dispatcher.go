package netcode

import (
	"go.uber.org/zap"

	"github.com/MonoDevPro/Godot2D-FloorsLevels/protocol"
)

type inbound struct {
	peer PeerID
	msg  protocol.Message
}

// Subscription 订阅句柄；Unsubscribe 可重复调用
type Subscription struct {
	d       *Dispatcher
	tag     protocol.Tag
	fn      func(protocol.Message, PeerID)
	removed bool
}

func (s *Subscription) Unsubscribe() {
	if s == nil || s.removed {
		return
	}
	s.removed = true
	subs := s.d.subs[s.tag]
	for i, x := range subs {
		if x == s {
			s.d.subs[s.tag] = append(subs[:i:i], subs[i+1:]...)
			break
		}
	}
}

// Dispatcher 入站消息按类型分发。
// Receive 立即解码整个包并排队，Dispatch 每 Tick 最多处理 maxPerTick 条，剩余留到下一 Tick。
// 仅在仿真协程中使用。
type Dispatcher struct {
	reg         *protocol.Registry
	log         *zap.SugaredLogger
	metrics     *Metrics
	maxPerTick  int
	maxQueued   int
	packetLimit int

	subs  map[protocol.Tag][]*Subscription
	queue []inbound
	head  int
}

func NewDispatcher(reg *protocol.Registry, maxPerTick, packetLimit int, metrics *Metrics, log *zap.SugaredLogger) *Dispatcher {
	return &Dispatcher{
		reg:         reg,
		log:         log.Named("dispatcher"),
		metrics:     metrics,
		maxPerTick:  maxPerTick,
		maxQueued:   maxPerTick * 64,
		packetLimit: packetLimit,
		subs:        make(map[protocol.Tag][]*Subscription),
	}
}

// Subscribe 注册类型 T 的处理函数
func Subscribe[T protocol.Message](d *Dispatcher, fn func(T, PeerID)) *Subscription {
	var zero T
	s := &Subscription{
		d:   d,
		tag: zero.Tag(),
		fn:  func(m protocol.Message, peer PeerID) { fn(m.(T), peer) },
	}
	d.subs[s.tag] = append(d.subs[s.tag], s)
	return s
}

// Receive 实现 Receiver
func (d *Dispatcher) Receive(peer PeerID, payload []byte, mode DeliveryMode) {
	d.metrics.AddReceived(len(payload))
	body, err := protocol.OpenPacket(payload, d.packetLimit)
	if err != nil {
		d.metrics.IncPacketDropped()
		d.log.Warnw("dropping malformed packet", "peer", peer, "mode", mode, "err", err)
		return
	}
	n, err := protocol.DecodeMessages(d.reg, body, func(m protocol.Message) {
		if d.Pending() >= d.maxQueued {
			d.metrics.IncPacketDropped()
			return
		}
		d.queue = append(d.queue, inbound{peer: peer, msg: m})
	})
	if err != nil {
		// 无法重新同步，包内剩余部分丢弃
		d.metrics.IncPacketDropped()
		d.log.Warnw("dropping rest of packet", "peer", peer, "decoded", n, "err", err)
	}
}

// Dispatch 按到达顺序分发，返回本次分发的条数
func (d *Dispatcher) Dispatch() int {
	n := 0
	for n < d.maxPerTick && d.head < len(d.queue) {
		item := d.queue[d.head]
		d.queue[d.head] = inbound{}
		d.head++
		n++
		d.route(item)
	}
	if d.head == len(d.queue) {
		d.queue = d.queue[:0]
		d.head = 0
	} else if d.head > 1024 && d.head > len(d.queue)/2 {
		rest := copy(d.queue, d.queue[d.head:])
		d.queue = d.queue[:rest]
		d.head = 0
	}
	return n
}

func (d *Dispatcher) route(item inbound) {
	subs := d.subs[item.msg.Tag()]
	if len(subs) == 0 {
		d.metrics.IncUnhandled()
		d.log.Debugw("no handler", "peer", item.peer, "msg", d.reg.Name(item.msg.Tag()))
		return
	}
	// 处理函数中可能取消订阅
	for _, s := range append([]*Subscription(nil), subs...) {
		if s.removed {
			continue
		}
		s.fn(item.msg, item.peer)
	}
	d.metrics.IncDispatched()
}

// DropPeer 丢弃该对端尚未分发的消息（对端断开后调用），返回丢弃条数
func (d *Dispatcher) DropPeer(peer PeerID) int {
	kept := d.queue[:d.head]
	n := 0
	for _, item := range d.queue[d.head:] {
		if item.peer == peer {
			n++
			continue
		}
		kept = append(kept, item)
	}
	for i := len(kept); i < len(d.queue); i++ {
		d.queue[i] = inbound{}
	}
	d.queue = kept
	if n > 0 {
		d.log.Debugw("dropped queued messages of disconnected peer", "peer", peer, "count", n)
	}
	return n
}

// Pending 尚未分发的消息数
func (d *Dispatcher) Pending() int { return len(d.queue) - d.head }

func (d *Dispatcher) MaxPerTick() int { return d.maxPerTick }

func (d *Dispatcher) SetMaxPerTick(n int) {
	if n > 0 {
		d.maxPerTick = n
		d.maxQueued = n * 64
	}
}

// Close 取消全部订阅并清空队列
func (d *Dispatcher) Close() {
	for tag, subs := range d.subs {
		for _, s := range subs {
			s.removed = true
		}
		delete(d.subs, tag)
	}
	d.queue = nil
	d.head = 0
}
