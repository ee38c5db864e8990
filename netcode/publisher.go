package netcode

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/MonoDevPro/Godot2D-FloorsLevels/protocol"
)

// Target 发送目标类型
type Target uint8

const (
	TargetPeer Target = iota
	TargetAll
	TargetAllExcept
)

// PendingSend 已编码、等待刷新的发送；缓冲由 Handle 持有直到刷新或释放
type PendingSend struct {
	Target Target
	Peer   PeerID
	Mode   DeliveryMode
	Handle Handle
}

type PublisherConfig struct {
	RingCapacity      int
	MaxPerTick        int
	PoolMaxFree       int
	PoolMaxBuffers    int
	CompressThreshold int
	MaxPayload        int
}

// Publisher 出站消息：编码进池化缓冲，排入 SPSC 队列，网络发布阶段统一刷新
type Publisher struct {
	cfg       PublisherConfig
	reg       *protocol.Registry
	transport Transport
	pool      *BufferPool
	ring      *Ring[PendingSend]
	metrics   *Metrics
	log       *zap.SugaredLogger
}

func NewPublisher(cfg PublisherConfig, reg *protocol.Registry, tr Transport, metrics *Metrics, log *zap.SugaredLogger) *Publisher {
	return &Publisher{
		cfg:       cfg,
		reg:       reg,
		transport: tr,
		pool:      NewBufferPool(cfg.PoolMaxFree, cfg.PoolMaxBuffers),
		ring:      NewRing[PendingSend](cfg.RingCapacity),
		metrics:   metrics,
		log:       log.Named("publisher"),
	}
}

func (p *Publisher) SendTo(peer PeerID, msg protocol.Message, mode DeliveryMode) error {
	return p.enqueue(TargetPeer, peer, mode, msg)
}

func (p *Publisher) Broadcast(msg protocol.Message, mode DeliveryMode) error {
	return p.enqueue(TargetAll, NoPeer, mode, msg)
}

func (p *Publisher) BroadcastExcept(except PeerID, msg protocol.Message, mode DeliveryMode) error {
	return p.enqueue(TargetAllExcept, except, mode, msg)
}

// BroadcastBatch 多条消息合并为一个包广播
func (p *Publisher) BroadcastBatch(msgs []protocol.Message, mode DeliveryMode) error {
	if len(msgs) == 0 {
		return nil
	}
	return p.enqueue(TargetAll, NoPeer, mode, msgs...)
}

// enqueue 只有编码错误与缓冲池耗尽会返回错误；队列满时丢弃并记录
func (p *Publisher) enqueue(target Target, peer PeerID, mode DeliveryMode, msgs ...protocol.Message) error {
	h, err := p.encode(msgs)
	if err != nil {
		return err
	}
	if !p.ring.TryEnqueue(PendingSend{Target: target, Peer: peer, Mode: mode, Handle: h}) {
		p.pool.Release(h)
		p.metrics.IncDropped()
		p.log.Warnw("outbound queue full, dropping send",
			"tag", msgs[0].Tag(), "count", len(msgs), "peer", peer, "capacity", p.ring.Cap())
		return nil
	}
	p.metrics.IncQueued()
	return nil
}

func (p *Publisher) encode(msgs []protocol.Message) (Handle, error) {
	h, buf, err := p.pool.Rent(64 * len(msgs))
	if err != nil {
		return Handle{}, err
	}
	w := p.reg.NewWriter(buf)
	protocol.BeginPacket(w)
	for _, m := range msgs {
		if err := p.reg.Encode(w, m); err != nil {
			p.pool.Release(h)
			return Handle{}, err
		}
	}
	out := w.Bytes()
	if p.cfg.CompressThreshold > 0 && len(out) > p.cfg.CompressThreshold {
		packed, ok, err := protocol.CompressPacket(out)
		if err != nil {
			p.log.Warnw("compression failed, sending raw", "err", err)
		} else if ok {
			out = append(out[:0], packed...)
		}
	}
	if p.cfg.MaxPayload > 0 && len(out) > p.cfg.MaxPayload {
		p.pool.Release(h)
		return Handle{}, fmt.Errorf("%w: %d > %d", ErrPayloadTooLarge, len(out), p.cfg.MaxPayload)
	}
	p.pool.Store(h, out)
	return h, nil
}

// Flush 按 FIFO 顺序交给传输层，最多 MaxPerTick 条，返回成功条数
func (p *Publisher) Flush() int {
	sent := 0
	for i := 0; i < p.cfg.MaxPerTick; i++ {
		ps, ok := p.ring.TryDequeue()
		if !ok {
			break
		}
		buf, ok := p.pool.Bytes(ps.Handle)
		if !ok {
			p.log.Errorw("pending send lost its buffer", "peer", ps.Peer)
			continue
		}
		var err error
		switch ps.Target {
		case TargetPeer:
			err = p.transport.Send(ps.Peer, buf, ps.Mode)
		case TargetAll:
			err = p.transport.Broadcast(buf, ps.Mode, NoPeer)
		case TargetAllExcept:
			err = p.transport.Broadcast(buf, ps.Mode, ps.Peer)
		}
		p.pool.Release(ps.Handle)
		switch {
		case err == nil:
			sent++
			p.metrics.IncFlushed()
			p.metrics.AddSent(len(buf))
		case errors.Is(err, ErrUnknownPeer):
			p.metrics.IncFailed()
			p.log.Warnw("send to unknown peer dropped", "peer", ps.Peer, "mode", ps.Mode)
		default:
			p.metrics.IncFailed()
			p.log.Errorw("send failed", "peer", ps.Peer, "mode", ps.Mode, "err", err)
		}
	}
	return sent
}

// Pending 队列中尚未刷新的发送数
func (p *Publisher) Pending() int { return p.ring.Len() }

func (p *Publisher) MaxPerTick() int { return p.cfg.MaxPerTick }

func (p *Publisher) SetMaxPerTick(n int) {
	if n > 0 {
		p.cfg.MaxPerTick = n
	}
}

func (p *Publisher) Pool() *BufferPool { return p.pool }

// Close 丢弃并释放队列中剩余的发送
func (p *Publisher) Close() {
	for {
		ps, ok := p.ring.TryDequeue()
		if !ok {
			return
		}
		p.pool.Release(ps.Handle)
	}
}
