package server

import (
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/MonoDevPro/Godot2D-FloorsLevels/config"
	"github.com/MonoDevPro/Godot2D-FloorsLevels/netcode"
	"github.com/MonoDevPro/Godot2D-FloorsLevels/protocol"
	"github.com/MonoDevPro/Godot2D-FloorsLevels/sim"
)

type sent struct {
	peer    netcode.PeerID
	payload []byte
}

// recordingTransport 记录每个对端收到的数据包
type recordingTransport struct {
	known []netcode.PeerID
	out   []sent
}

func (f *recordingTransport) Start() error                      { return nil }
func (f *recordingTransport) Poll(time.Time) error              { return nil }
func (f *recordingTransport) Stop() error                       { return nil }
func (f *recordingTransport) Disconnect(netcode.PeerID, string) {}

func (f *recordingTransport) Send(peer netcode.PeerID, payload []byte, _ netcode.DeliveryMode) error {
	for _, p := range f.known {
		if p == peer {
			f.out = append(f.out, sent{peer: peer, payload: append([]byte(nil), payload...)})
			return nil
		}
	}
	return netcode.ErrUnknownPeer
}

func (f *recordingTransport) Broadcast(payload []byte, _ netcode.DeliveryMode, except netcode.PeerID) error {
	for _, p := range f.known {
		if p != except {
			f.out = append(f.out, sent{peer: p, payload: append([]byte(nil), payload...)})
		}
	}
	return nil
}

// messagesFor 解码发给 peer 的全部消息
func (f *recordingTransport) messagesFor(t *testing.T, reg *protocol.Registry, peer netcode.PeerID) []protocol.Message {
	t.Helper()
	var out []protocol.Message
	for _, s := range f.out {
		if s.peer != peer {
			continue
		}
		body, err := protocol.OpenPacket(s.payload, maxPacketSize)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := protocol.DecodeMessages(reg, body, func(m protocol.Message) { out = append(out, m) }); err != nil {
			t.Fatal(err)
		}
	}
	return out
}

type fixture struct {
	reg   *protocol.Registry
	tr    *recordingTransport
	pub   *netcode.Publisher
	world *sim.World
	space *sim.Space
	stats *Metrics
	repl  *Replicator
	room  *Room
	input *InputHandler
}

func newFixture(t *testing.T, peers ...netcode.PeerID) *fixture {
	t.Helper()
	cfg := config.Default()
	reg, err := protocol.NewDefaultRegistry(cfg.Network.MaxStringLength)
	if err != nil {
		t.Fatal(err)
	}
	log := zap.NewNop().Sugar()
	f := &fixture{reg: reg, tr: &recordingTransport{known: peers}, stats: &Metrics{}}
	f.pub = netcode.NewPublisher(netcode.NewPublisherConfig(cfg.Publisher, cfg.Network.MaxDatagram), reg, f.tr, netcode.NewMetrics(), log)
	f.world = sim.NewWorld()
	f.space = sim.NewSpace(200, 200)
	f.repl = NewReplicator(f.world, f.pub, cfg.Replication, f.stats, log)
	f.room = NewRoom(f.world, f.space, f.pub, f.repl, f.stats, 200, 200, 100, log)
	f.input = NewInputHandler(f.world, f.stats, log)
	return f
}

func (f *fixture) states(t *testing.T, peer netcode.PeerID) []protocol.StateMessage {
	var out []protocol.StateMessage
	for _, m := range f.tr.messagesFor(t, f.reg, peer) {
		if s, ok := m.(protocol.StateMessage); ok {
			out = append(out, s)
		}
	}
	return out
}

func (f *fixture) tick(dt float32) {
	f.repl.Update(dt)
	f.repl.AfterUpdate(dt)
	f.pub.Flush()
}

func TestReplicationFirstSendAndIdempotence(t *testing.T) {
	f := newFixture(t, 0)
	e, _ := f.world.SpawnNetworked(sim.Spawn{ID: 0, Position: protocol.Vec2{X: 10, Y: 20}})

	f.tick(0.1)
	got := f.states(t, 0)
	if len(got) != 1 || got[0].ID != 0 || got[0].NewPosition != (protocol.Vec2{X: 10, Y: 20}) {
		t.Fatalf("Expected first state to be sent, got %+v", got)
	}

	// 状态未变：不再发送
	for i := 0; i < 5; i++ {
		f.tick(0.1)
	}
	if n := len(f.states(t, 0)); n != 1 {
		t.Errorf("Expected no further sends, got %d states", n)
	}
	if f.stats.StatesSkipped != 5 {
		t.Errorf("Expected 5 skips, got %d", f.stats.StatesSkipped)
	}

	sim.Velocity.SetValue(e, sim.VelocityData{Value: protocol.Vec2{X: 1}})
	f.tick(0.1)
	if n := len(f.states(t, 0)); n != 2 {
		t.Errorf("velocity change must be sent, got %d states", n)
	}
}

func TestReplicationEpsilon(t *testing.T) {
	f := newFixture(t, 0)
	e, _ := f.world.SpawnNetworked(sim.Spawn{ID: 0})
	f.tick(0.1)

	sim.Position.SetValue(e, sim.PositionData{Value: protocol.Vec2{X: 0.005}})
	f.tick(0.1)
	if n := len(f.states(t, 0)); n != 1 {
		t.Errorf("change below epsilon must be skipped, got %d states", n)
	}
	sim.Position.SetValue(e, sim.PositionData{Value: protocol.Vec2{X: 0.02}})
	f.tick(0.1)
	if n := len(f.states(t, 0)); n != 2 {
		t.Errorf("change above epsilon must be sent, got %d states", n)
	}

	f.repl.Forget(0)
	f.tick(0.1)
	if n := len(f.states(t, 0)); n != 3 {
		t.Errorf("forgotten entity must be resent, got %d states", n)
	}
}

func TestReplicationAccumulator(t *testing.T) {
	f := newFixture(t, 0)
	f.world.SpawnNetworked(sim.Spawn{ID: 0})

	f.tick(0.05)
	if n := len(f.states(t, 0)); n != 0 {
		t.Fatalf("sent before the interval elapsed: %d", n)
	}
	f.tick(0.05)
	if n := len(f.states(t, 0)); n != 1 {
		t.Fatalf("Expected send once the interval elapsed, got %d", n)
	}
	// 长时间卡顿：单帧最多补收集 max_catch_up 次
	before := f.stats.StatesSkipped
	f.tick(10)
	if n := f.stats.StatesSkipped - before; n != 5 {
		t.Errorf("Expected 5 catch-up collections, got %d", n)
	}
}

func TestReplicationSplitsBatches(t *testing.T) {
	f := newFixture(t, 0)
	for i := int32(0); i < 100; i++ {
		f.world.SpawnNetworked(sim.Spawn{ID: i, Position: protocol.Vec2{X: float32(i)}})
	}
	f.tick(0.1)
	if len(f.tr.out) != 3 {
		t.Errorf("Expected 3 packets for 100 states with batch 48, got %d", len(f.tr.out))
	}
	if n := len(f.states(t, 0)); n != 100 {
		t.Errorf("Expected 100 states, got %d", n)
	}
}

func TestRoomJoinAnnouncesAndCatchesUp(t *testing.T) {
	f := newFixture(t, 0)
	if err := f.room.Join(0, "alice"); err != nil {
		t.Fatal(err)
	}
	f.pub.Flush()
	f.tr.known = append(f.tr.known, 1)
	if err := f.room.Join(1, "  bob\x07 "); err != nil {
		t.Fatal(err)
	}
	f.pub.Flush()

	var joins []protocol.JoinResponse
	for _, m := range f.tr.messagesFor(t, f.reg, 1) {
		if j, ok := m.(protocol.JoinResponse); ok {
			joins = append(joins, j)
		}
	}
	if len(joins) != 2 {
		t.Fatalf("Expected newcomer to learn about 2 players, got %+v", joins)
	}
	if joins[0].NetID != 0 || joins[0].Name != "alice" {
		t.Errorf("Expected catch-up of alice first, got %+v", joins[0])
	}
	if joins[1].NetID != 1 || joins[1].Name != "bob" {
		t.Errorf("Expected own announcement with sanitized name, got %+v", joins[1])
	}
	if joins[1].Position != (protocol.Vec2{X: 100, Y: 100}) {
		t.Errorf("Expected spawn at world center, got %+v", joins[1].Position)
	}
	if err := f.room.Join(1, "again"); err != nil || f.room.Len() != 2 {
		t.Errorf("duplicate join must be ignored")
	}
}

func TestRoomLeaveDespawns(t *testing.T) {
	f := newFixture(t, 0, 1)
	f.room.Join(0, "a")
	f.room.Join(1, "b")
	f.pub.Flush()
	f.tr.out = nil

	if err := f.room.Leave(0, "left"); err != nil {
		t.Fatal(err)
	}
	f.pub.Flush()
	if _, ok := f.world.Lookup(0); ok {
		t.Error("entity still present after leave")
	}
	if f.space.Len() != 1 {
		t.Errorf("body not removed, %d left", f.space.Len())
	}
	msgs := f.tr.messagesFor(t, f.reg, 1)
	if len(msgs) != 1 || msgs[0].(protocol.LeftResponse).NetID != 0 {
		t.Errorf("Expected LeftResponse for 0, got %+v", msgs)
	}
	if err := f.room.Leave(0, "again"); err != nil {
		t.Error("second leave must be a no-op")
	}
}

func TestInputHandlerRules(t *testing.T) {
	f := newFixture(t, 0, 1)
	f.room.Join(0, "a")
	f.room.Join(1, "b")

	f.input.Handle(protocol.InputMessage{EntityID: 1, Value: protocol.Vec2{X: 1}}, 0)
	if f.stats.InputsSpoofed != 1 {
		t.Errorf("input for another peer's entity must be dropped")
	}
	e1, _ := f.world.Lookup(1)
	if sim.InputRequest.Get(e1).Pending {
		t.Error("spoofed input reached the entity")
	}

	f.input.Handle(protocol.InputMessage{EntityID: 0, Value: protocol.Vec2{Y: -1}}, 0)
	e0, _ := f.world.Lookup(0)
	if req := sim.InputRequest.Get(e0); !req.Pending || req.Value != (protocol.Vec2{Y: -1}) {
		t.Errorf("Expected pending request, got %+v", req)
	}

	f.input.Handle(protocol.InputMessage{EntityID: 5, Value: protocol.Vec2{X: 1}}, 5)
	if f.stats.InputsUnknown != 1 {
		t.Errorf("unknown entity must be counted, got %d", f.stats.InputsUnknown)
	}
}

func TestInputAfterDisconnectIsNoop(t *testing.T) {
	f := newFixture(t, 0)
	f.room.Join(0, "a")
	f.room.Leave(0, "timed out")

	f.input.Handle(protocol.InputMessage{EntityID: 0, Value: protocol.Vec2{X: 1}}, 0)
	if f.world.Count() != 0 {
		t.Error("input must not recreate the entity")
	}
	if f.stats.InputsAccepted != 0 || f.stats.InputsUnknown != 1 {
		t.Errorf("unexpected counters accepted=%d unknown=%d", f.stats.InputsAccepted, f.stats.InputsUnknown)
	}
}

func TestSetSpeedUpdatesPlayers(t *testing.T) {
	f := newFixture(t, 0)
	f.room.Join(0, "a")
	f.room.SetSpeed(42)
	e, _ := f.world.Lookup(0)
	if sim.Speed.Get(e).Value != 42 {
		t.Errorf("Expected speed 42, got %v", sim.Speed.Get(e).Value)
	}
}
