package protocol

import (
	"errors"
	"testing"
)

func buildPacket(t *testing.T, r *Registry, msgs ...Message) []byte {
	t.Helper()
	w := r.NewWriter(nil)
	BeginPacket(w)
	for _, m := range msgs {
		if err := r.Encode(w, m); err != nil {
			t.Fatal(err)
		}
	}
	return w.Bytes()
}

func TestPacketBatch(t *testing.T) {
	r := mustRegistry(t)
	pkt := buildPacket(t, r,
		StateMessage{ID: 1, NewPosition: Vec2{1, 1}},
		JoinResponse{NetID: 2, Name: "bob", Tint: White},
		StateMessage{ID: 2, NewVelocity: Vec2{0, -1}},
	)
	body, err := OpenPacket(pkt, 4096)
	if err != nil {
		t.Fatal(err)
	}
	var got []Message
	n, err := DecodeMessages(r, body, func(m Message) { got = append(got, m) })
	if err != nil {
		t.Fatal(err)
	}
	if n != 3 || len(got) != 3 {
		t.Fatalf("Expected 3 messages, got %d", n)
	}
	if got[1].(JoinResponse).Name != "bob" {
		t.Errorf("Expected bob, got %+v", got[1])
	}
}

func TestPacketCompression(t *testing.T) {
	r := mustRegistry(t)
	var msgs []Message
	for i := 0; i < 60; i++ {
		msgs = append(msgs, StateMessage{ID: int32(i), NewPosition: Vec2{10, 10}, NewVelocity: Vec2{0, 0}})
	}
	pkt := buildPacket(t, r, msgs...)

	compressed, ok, err := CompressPacket(pkt)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("repetitive batch should compress")
	}
	if len(compressed) >= len(pkt) {
		t.Fatalf("compressed %d >= raw %d", len(compressed), len(pkt))
	}
	if compressed[0]&FlagCompressed == 0 {
		t.Fatal("compressed flag not set")
	}

	body, err := OpenPacket(compressed, 4096)
	if err != nil {
		t.Fatal(err)
	}
	count := 0
	if _, err := DecodeMessages(r, body, func(m Message) {
		if m.(StateMessage).ID != int32(count) {
			t.Errorf("Expected id %d, got %d", count, m.(StateMessage).ID)
		}
		count++
	}); err != nil {
		t.Fatal(err)
	}
	if count != 60 {
		t.Errorf("Expected 60 messages, got %d", count)
	}

	if _, err := OpenPacket(compressed, 100); !errors.Is(err, ErrPacketTooLarge) {
		t.Errorf("Expected ErrPacketTooLarge, got %v", err)
	}
}

func TestPacketRejectsGarbage(t *testing.T) {
	r := mustRegistry(t)
	if _, err := OpenPacket(nil, 10); !errors.Is(err, ErrEmptyPacket) {
		t.Errorf("Expected ErrEmptyPacket, got %v", err)
	}
	if _, err := OpenPacket([]byte{0x80}, 10); !errors.Is(err, ErrUnknownFlags) {
		t.Errorf("Expected ErrUnknownFlags, got %v", err)
	}
	body, _ := OpenPacket([]byte{0, 0xff, 0xff}, 10)
	if _, err := DecodeMessages(r, body, func(Message) {}); !errors.Is(err, ErrNotRegistered) {
		t.Errorf("Expected ErrNotRegistered, got %v", err)
	}
}
