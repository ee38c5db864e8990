package client

import (
	"math"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/MonoDevPro/Godot2D-FloorsLevels/netcode"
	"github.com/MonoDevPro/Godot2D-FloorsLevels/protocol"
	"github.com/MonoDevPro/Godot2D-FloorsLevels/sim"
)

// Intent 跨协程传递的移动意图，两个分量打包在一个 uint64 中
type Intent struct {
	bits atomic.Uint64
}

func (i *Intent) Set(v protocol.Vec2) {
	i.bits.Store(uint64(math.Float32bits(v.X))<<32 | uint64(math.Float32bits(v.Y)))
}

func (i *Intent) Get() protocol.Vec2 {
	b := i.bits.Load()
	return protocol.Vec2{X: math.Float32frombits(uint32(b >> 32)), Y: math.Float32frombits(uint32(b))}
}

// InputSystem 读取本地意图：写入本地玩家的输入状态做预测，并按节流发给服务端
type InputSystem struct {
	world    *sim.World
	pub      *netcode.Publisher
	intent   *Intent
	throttle *Throttle
	deadzone float32
	localID  func() netcode.PeerID
	log      *zap.SugaredLogger

	sent int
}

func NewInputSystem(w *sim.World, pub *netcode.Publisher, intent *Intent, throttle *Throttle,
	deadzone float32, localID func() netcode.PeerID, log *zap.SugaredLogger) *InputSystem {
	return &InputSystem{
		world:    w,
		pub:      pub,
		intent:   intent,
		throttle: throttle,
		deadzone: deadzone,
		localID:  localID,
		log:      log.Named("input"),
	}
}

func (s *InputSystem) Stage() sim.Stage { return sim.StageLogic }

func (s *InputSystem) Update(dt float32) error {
	id := s.localID()
	if id == netcode.NoPeer {
		return nil
	}
	// 尚未收到自己的 JoinResponse
	e, ok := s.world.Lookup(int32(id))
	if !ok || !e.HasComponent(sim.LocalPlayer) {
		return nil
	}
	v := Clamp(s.intent.Get(), s.deadzone)
	sim.InputState.SetValue(e, sim.InputStateData{Value: v, Pending: true})

	if !s.throttle.Offer(v, float64(dt)) {
		return nil
	}
	s.sent++
	return s.pub.SendTo(netcode.ServerPeer, protocol.InputMessage{EntityID: int32(id), Value: v}, netcode.ReliableOrdered)
}

// Sent 已发送的输入条数
func (s *InputSystem) Sent() int { return s.sent }
