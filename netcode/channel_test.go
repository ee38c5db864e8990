package netcode

import "testing"

func collect(c *channel, seqs ...uint16) []uint16 {
	var got []uint16
	for _, s := range seqs {
		s := s
		c.accept(s, []byte{byte(s)}, func(p []byte) { got = append(got, uint16(p[0])) })
	}
	return got
}

func equalSeqs(a, b []uint16) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestChannelReliableOrdered(t *testing.T) {
	c := newChannel(ReliableOrdered)
	got := collect(c, 0, 2, 3, 1, 1, 4)
	if want := []uint16{0, 1, 2, 3, 4}; !equalSeqs(got, want) {
		t.Errorf("Expected %v, got %v", want, got)
	}
}

func TestChannelReliableUnordered(t *testing.T) {
	c := newChannel(ReliableUnordered)
	got := collect(c, 2, 0, 2, 1, 0)
	if want := []uint16{2, 0, 1}; !equalSeqs(got, want) {
		t.Errorf("Expected %v, got %v", want, got)
	}
	if c.expected != 3 || len(c.held) != 0 {
		t.Errorf("window not advanced: expected=%d held=%d", c.expected, len(c.held))
	}
}

func TestChannelReliableOutOfWindowNotAcked(t *testing.T) {
	for _, mode := range []DeliveryMode{ReliableOrdered, ReliableUnordered} {
		c := newChannel(mode)
		var got []uint16
		deliver := func(p []byte) { got = append(got, uint16(p[0])|uint16(p[1])<<8) }
		far := uint16(reliableWindow + 88)
		if c.accept(far, []byte{byte(far), byte(far >> 8)}, deliver) {
			t.Errorf("%v: seq beyond the window must not be acked", mode)
		}
		if len(got) != 0 || len(c.held) != 0 {
			t.Errorf("%v: seq beyond the window must not be stored, got %v held=%d", mode, got, len(c.held))
		}
		// 已投递的旧序号仍需确认，否则发送端会一直重传
		if !c.accept(0, []byte{0, 0}, deliver) || !c.accept(0, []byte{0, 0}, deliver) {
			t.Errorf("%v: in-window and duplicate seqs must be acked", mode)
		}
		if len(got) != 1 {
			t.Errorf("%v: Expected one delivery, got %v", mode, got)
		}
	}
}

func TestChannelSequencedDropsStale(t *testing.T) {
	c := newChannel(Sequenced)
	got := collect(c, 1, 3, 2, 4)
	if want := []uint16{1, 3, 4}; !equalSeqs(got, want) {
		t.Errorf("Expected %v, got %v", want, got)
	}
}

func TestSeqNewerWraps(t *testing.T) {
	if !seqNewer(0, 65535) {
		t.Error("0 should be newer than 65535")
	}
	if seqNewer(65535, 0) {
		t.Error("65535 should be older than 0")
	}
}
