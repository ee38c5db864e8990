package server

import (
	"math"

	"go.uber.org/zap"

	"github.com/MonoDevPro/Godot2D-FloorsLevels/netcode"
	"github.com/MonoDevPro/Godot2D-FloorsLevels/protocol"
	"github.com/MonoDevPro/Godot2D-FloorsLevels/sim"
)

// InputHandler 把客户端输入写成 InputRequest，由下一逻辑步的 InputRequestSystem 生效。
// 同一帧内多次输入以最后一次为准。
type InputHandler struct {
	world *sim.World
	stats *Metrics
	log   *zap.SugaredLogger
	sub   *netcode.Subscription
}

func NewInputHandler(world *sim.World, stats *Metrics, log *zap.SugaredLogger) *InputHandler {
	return &InputHandler{world: world, stats: stats, log: log.Named("input")}
}

func (h *InputHandler) Bind(d *netcode.Dispatcher) {
	h.sub = netcode.Subscribe(d, h.Handle)
}

// Handle 只接受发送方自己的实体；未知实体静默丢弃
func (h *InputHandler) Handle(m protocol.InputMessage, peer netcode.PeerID) {
	if m.EntityID != int32(peer) {
		h.stats.IncInputSpoofed()
		h.log.Debugw("input for foreign entity dropped", "peer", peer, "entity", m.EntityID)
		return
	}
	if !finite(m.Value) {
		h.stats.IncInputSpoofed()
		h.log.Debugw("non-finite input dropped", "peer", peer)
		return
	}
	e, ok := h.world.Lookup(m.EntityID)
	if !ok {
		h.stats.IncInputUnknown()
		return
	}
	sim.InputRequest.SetValue(e, sim.InputRequestData{Value: m.Value, Pending: true})
	h.stats.IncAccepted()
}

func (h *InputHandler) Close() {
	if h.sub != nil {
		h.sub.Unsubscribe()
	}
}

func finite(v protocol.Vec2) bool {
	x, y := float64(v.X), float64(v.Y)
	return !math.IsNaN(x) && !math.IsNaN(y) && !math.IsInf(x, 0) && !math.IsInf(y, 0)
}
