package netcode

import (
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"github.com/MonoDevPro/Godot2D-FloorsLevels/protocol"
)

func packet(t *testing.T, reg *protocol.Registry, msgs ...protocol.Message) []byte {
	t.Helper()
	w := reg.NewWriter(nil)
	protocol.BeginPacket(w)
	for _, m := range msgs {
		if err := reg.Encode(w, m); err != nil {
			t.Fatal(err)
		}
	}
	return w.Bytes()
}

func TestDispatcherRoutesByType(t *testing.T) {
	reg := testRegistry(t)
	d := NewDispatcher(reg, 128, 1<<16, NewMetrics(), zaptest.NewLogger(t).Sugar())

	var inputs []protocol.InputMessage
	var joins []string
	var from []PeerID
	Subscribe(d, func(m protocol.InputMessage, peer PeerID) {
		inputs = append(inputs, m)
		from = append(from, peer)
	})
	Subscribe(d, func(m protocol.JoinRequest, peer PeerID) { joins = append(joins, m.Name) })

	d.Receive(3, packet(t, reg,
		protocol.InputMessage{EntityID: 3, Value: protocol.Vec2{X: 1}},
		protocol.JoinRequest{Name: "carol"},
	), ReliableOrdered)

	if n := d.Dispatch(); n != 2 {
		t.Fatalf("Expected 2 dispatched, got %d", n)
	}
	if len(inputs) != 1 || inputs[0].EntityID != 3 || from[0] != 3 {
		t.Errorf("unexpected inputs %+v from %v", inputs, from)
	}
	if len(joins) != 1 || joins[0] != "carol" {
		t.Errorf("unexpected joins %v", joins)
	}
}

func TestDispatcherUnsubscribeIsIdempotent(t *testing.T) {
	reg := testRegistry(t)
	d := NewDispatcher(reg, 128, 1<<16, NewMetrics(), zap.NewNop().Sugar())
	calls := 0
	sub := Subscribe(d, func(protocol.LeftRequest, PeerID) { calls++ })
	other := 0
	Subscribe(d, func(protocol.LeftRequest, PeerID) { other++ })

	sub.Unsubscribe()
	sub.Unsubscribe()

	d.Receive(0, packet(t, reg, protocol.LeftRequest{}), ReliableOrdered)
	d.Dispatch()
	if calls != 0 {
		t.Errorf("unsubscribed handler called %d times", calls)
	}
	if other != 1 {
		t.Errorf("remaining handler called %d times", other)
	}
}

func TestDispatcherPerTickCap(t *testing.T) {
	reg := testRegistry(t)
	d := NewDispatcher(reg, 3, 1<<16, NewMetrics(), zap.NewNop().Sugar())
	var seen []int32
	Subscribe(d, func(m protocol.LeftResponse, _ PeerID) { seen = append(seen, m.NetID) })

	var msgs []protocol.Message
	for i := int32(0); i < 7; i++ {
		msgs = append(msgs, protocol.LeftResponse{NetID: i})
	}
	d.Receive(0, packet(t, reg, msgs...), ReliableOrdered)

	for tick, want := range []int{3, 3, 1, 0} {
		if n := d.Dispatch(); n != want {
			t.Errorf("tick %d: Expected %d, got %d", tick, want, n)
		}
	}
	for i, id := range seen {
		if id != int32(i) {
			t.Fatalf("out of order: %v", seen)
		}
	}
}

func TestDispatcherDropsMalformedPackets(t *testing.T) {
	reg := testRegistry(t)
	core, logs := observer.New(zapcore.WarnLevel)
	metrics := NewMetrics()
	d := NewDispatcher(reg, 128, 1<<16, metrics, zap.New(core).Sugar())
	got := 0
	Subscribe(d, func(protocol.LeftRequest, PeerID) { got++ })

	good := packet(t, reg, protocol.LeftRequest{})
	bad := append(good, 0xEE, 0xEE)
	d.Receive(1, bad, Unreliable)
	d.Receive(1, []byte{0x40}, Unreliable)
	d.Dispatch()

	if got != 1 {
		t.Errorf("message decoded before the bad tag should still dispatch, got %d", got)
	}
	if metrics.PacketsDropped != 2 {
		t.Errorf("Expected 2 dropped packets, got %d", metrics.PacketsDropped)
	}
	if logs.Len() != 2 {
		t.Errorf("Expected 2 warnings, got %d", logs.Len())
	}
}

func TestDispatcherUnhandledAndClose(t *testing.T) {
	reg := testRegistry(t)
	metrics := NewMetrics()
	d := NewDispatcher(reg, 128, 1<<16, metrics, zap.NewNop().Sugar())
	calls := 0
	Subscribe(d, func(protocol.LeftRequest, PeerID) { calls++ })

	d.Receive(0, packet(t, reg, protocol.LeftResponse{NetID: 1}), ReliableOrdered)
	d.Dispatch()
	if metrics.MessagesUnhandled != 1 {
		t.Errorf("Expected 1 unhandled, got %d", metrics.MessagesUnhandled)
	}

	d.Close()
	d.Receive(0, packet(t, reg, protocol.LeftRequest{}), ReliableOrdered)
	d.Dispatch()
	if calls != 0 {
		t.Errorf("handler ran after Close")
	}
}
