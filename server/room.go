package server

import (
	"fmt"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/MonoDevPro/Godot2D-FloorsLevels/netcode"
	"github.com/MonoDevPro/Godot2D-FloorsLevels/protocol"
	"github.com/MonoDevPro/Godot2D-FloorsLevels/sim"
)

// Room 房间世界：玩家实体的生成与销毁。
// 所有方法都在仿真协程中调用（消息分发与断开事件都发生在 Poll/Dispatch 内）。
type Room struct {
	world *sim.World
	space *sim.Space
	pub   *netcode.Publisher
	peers *netcode.PeerRegistry
	repl  *Replicator
	stats *Metrics
	log   *zap.SugaredLogger

	players map[netcode.PeerID]*Player
	spawn   protocol.Vec2
	speed   float32

	unsubscribe []func()
	err         error
}

// NewRoom 创建房间；出生点为世界中心（无边界时为原点）
func NewRoom(world *sim.World, space *sim.Space, pub *netcode.Publisher, repl *Replicator,
	stats *Metrics, width, height, speed float32, log *zap.SugaredLogger) *Room {
	return &Room{
		world:   world,
		space:   space,
		pub:     pub,
		repl:    repl,
		stats:   stats,
		log:     log.Named("room"),
		players: make(map[netcode.PeerID]*Player),
		spawn:   protocol.Vec2{X: width / 2, Y: height / 2},
		speed:   speed,
	}
}

// Bind 订阅加入/离开消息与断开事件；断开时同时丢弃该对端排队中的消息
func (r *Room) Bind(d *netcode.Dispatcher, peers *netcode.PeerRegistry) {
	r.peers = peers
	join := netcode.Subscribe(d, func(m protocol.JoinRequest, peer netcode.PeerID) {
		r.keep(r.Join(peer, m.Name))
	})
	left := netcode.Subscribe(d, func(_ protocol.LeftRequest, peer netcode.PeerID) {
		r.keep(r.Leave(peer, "left"))
	})
	cancel := peers.OnDisconnect(func(info netcode.PeerInfo, why netcode.DisconnectInfo) {
		d.DropPeer(info.ID)
		r.keep(r.Leave(info.ID, why.String()))
	})
	r.unsubscribe = append(r.unsubscribe, join.Unsubscribe, left.Unsubscribe, cancel)
}

// keep 记录回调中的错误，留给本帧的 Update 返回
func (r *Room) keep(err error) {
	r.err = multierr.Append(r.err, err)
}

// Join 为对端生成玩家实体，广播 JoinResponse，并把已有玩家补发给新人。
// 已断开的对端（Bind 之后才检查）不会生成实体。
func (r *Room) Join(peer netcode.PeerID, name string) error {
	if r.peers != nil {
		if _, ok := r.peers.Get(peer); !ok {
			r.log.Warnw("join from disconnected peer ignored", "peer", peer)
			return nil
		}
	}
	if _, ok := r.players[peer]; ok {
		r.log.Warnw("duplicate join ignored", "peer", peer)
		return nil
	}
	name = sanitizeName(name, peer)
	body := r.space.NewBody(r.spawn)
	entry, err := r.world.SpawnNetworked(sim.Spawn{
		ID:       int32(peer),
		Name:     name,
		Tint:     tintFor(peer),
		Position: body.Position(),
		Speed:    r.speed,
		Body:     body,
	})
	if err != nil {
		r.space.RemoveBody(body)
		return fmt.Errorf("spawn peer %d: %w", peer, err)
	}
	p := &Player{
		ID:       peer,
		Name:     name,
		Tint:     tintFor(peer),
		Entity:   entry.Entity(),
		Body:     body,
		JoinedAt: time.Now(),
	}
	r.players[peer] = p
	r.repl.Forget(int32(peer))
	r.stats.IncJoin()
	r.log.Infow("player joined", "peer", peer, "name", name, "players", len(r.players))

	for _, other := range r.sorted() {
		if other.ID == peer {
			continue
		}
		if err := r.pub.SendTo(peer, r.announce(other), netcode.ReliableOrdered); err != nil {
			return err
		}
	}
	return r.pub.Broadcast(r.announce(p), netcode.ReliableOrdered)
}

// Leave 销毁玩家实体并广播 LeftResponse；未加入的对端返回 nil
func (r *Room) Leave(peer netcode.PeerID, reason string) error {
	p, ok := r.players[peer]
	if !ok {
		return nil
	}
	r.space.RemoveBody(p.Body)
	r.world.Despawn(int32(peer))
	delete(r.players, peer)
	r.repl.Forget(int32(peer))
	r.stats.IncLeave()
	r.log.Infow("player left", "peer", peer, "name", p.Name, "reason", reason, "players", len(r.players))
	return r.pub.Broadcast(protocol.LeftResponse{NetID: int32(peer)}, netcode.ReliableOrdered)
}

func (r *Room) announce(p *Player) protocol.JoinResponse {
	return protocol.JoinResponse{
		NetID:    int32(p.ID),
		Name:     p.Name,
		Position: p.Body.Position(),
		Tint:     p.Tint,
	}
}

// SetSpeed 修改移动速度，对已有玩家立即生效
func (r *Room) SetSpeed(v float32) {
	r.speed = v
	for id := range r.players {
		if e, ok := r.world.Lookup(int32(id)); ok {
			sim.Speed.SetValue(e, sim.SpeedData{Value: v})
		}
	}
}

func (r *Room) Speed() float32 { return r.speed }

func (r *Room) Len() int { return len(r.players) }

// Players 按编号排序的玩家摘要
func (r *Room) Players() []PlayerView {
	out := make([]PlayerView, 0, len(r.players))
	for _, p := range r.sorted() {
		pos := p.Body.Position()
		out = append(out, PlayerView{
			ID:       int32(p.ID),
			Name:     p.Name,
			X:        pos.X,
			Y:        pos.Y,
			JoinedAt: p.JoinedAt.Format(time.RFC3339),
		})
	}
	return out
}

func (r *Room) sorted() []*Player {
	out := make([]*Player, 0, len(r.players))
	for id := netcode.PeerID(0); len(out) < len(r.players); id++ {
		if p, ok := r.players[id]; ok {
			out = append(out, p)
		}
	}
	return out
}

// Stage 房间作为接收阶段系统，把回调中积累的错误交给调度器
func (r *Room) Stage() sim.Stage { return sim.StageReceive }

func (r *Room) Update(float32) error {
	err := r.err
	r.err = nil
	return err
}

// Dispose 取消订阅
func (r *Room) Dispose() error {
	for _, fn := range r.unsubscribe {
		fn()
	}
	r.unsubscribe = nil
	return nil
}
