package client

import (
	"go.uber.org/zap"

	"github.com/MonoDevPro/Godot2D-FloorsLevels/netcode"
	"github.com/MonoDevPro/Godot2D-FloorsLevels/protocol"
	"github.com/MonoDevPro/Godot2D-FloorsLevels/sim"
)

// StateSync 把服务端消息应用到本地世界：生成、销毁与权威状态覆盖
type StateSync struct {
	world   *sim.World
	speed   float32
	localID func() netcode.PeerID
	log     *zap.SugaredLogger

	subs    []*netcode.Subscription
	unknown int
}

func NewStateSync(w *sim.World, speed float32, localID func() netcode.PeerID, log *zap.SugaredLogger) *StateSync {
	return &StateSync{world: w, speed: speed, localID: localID, log: log.Named("state")}
}

func (s *StateSync) Bind(d *netcode.Dispatcher) {
	s.subs = append(s.subs,
		netcode.Subscribe(d, func(m protocol.StateMessage, _ netcode.PeerID) { s.ApplyState(m) }),
		netcode.Subscribe(d, func(m protocol.JoinResponse, _ netcode.PeerID) { s.ApplyJoin(m) }),
		netcode.Subscribe(d, func(m protocol.LeftResponse, _ netcode.PeerID) { s.ApplyLeft(m) }),
	)
}

func (s *StateSync) Close() {
	for _, sub := range s.subs {
		sub.Unsubscribe()
	}
	s.subs = nil
}

// ApplyState 覆盖实体的位置与速度；未知编号的快照丢弃
func (s *StateSync) ApplyState(m protocol.StateMessage) {
	e, ok := s.world.Lookup(m.ID)
	if !ok {
		s.unknown++
		return
	}
	sim.Position.SetValue(e, sim.PositionData{Value: m.NewPosition})
	sim.Velocity.SetValue(e, sim.VelocityData{Value: m.NewVelocity})
}

// ApplyJoin 生成玩家；编号等于本地编号时作为本地玩家
func (s *StateSync) ApplyJoin(m protocol.JoinResponse) {
	if _, ok := s.world.Lookup(m.NetID); ok {
		return
	}
	local := netcode.PeerID(m.NetID) == s.localID()
	_, err := s.world.SpawnNetworked(sim.Spawn{
		ID:       m.NetID,
		Name:     m.Name,
		Tint:     m.Tint,
		Position: m.Position,
		Speed:    s.speed,
		Local:    local,
		Remote:   !local,
	})
	if err != nil {
		s.log.Warnw("spawn failed", "id", m.NetID, "err", err)
		return
	}
	s.log.Infow("player joined", "id", m.NetID, "name", m.Name, "local", local)
}

func (s *StateSync) ApplyLeft(m protocol.LeftResponse) {
	if s.world.Despawn(m.NetID) {
		s.log.Infow("player left", "id", m.NetID)
	}
}

// Unknown 因实体不存在而丢弃的快照数
func (s *StateSync) Unknown() int { return s.unknown }
