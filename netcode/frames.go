package netcode

import (
	"errors"
	"fmt"

	"github.com/MonoDevPro/Godot2D-FloorsLevels/protocol"
)

/*
数据报格式：

	magic u32
	kind  u8
	...

	hello      Hello
	welcome    peerID i32
	reject     code u8, reason text
	disconnect reason u8
	ping/pong  nanos u64
	ack        mode u8, seq u16
	data       mode u8, seq u16, payload...

WebSocket 后端每条二进制消息承载一个同格式的帧，data 的 seq 恒为 0。
*/

// frameMagic 每个 UDP 数据报的前缀，用于过滤无关流量
const frameMagic uint32 = 0x314e4c46

type frameKind uint8

const (
	kindHello frameKind = iota + 1
	kindWelcome
	kindReject
	kindDisconnect
	kindPing
	kindPong
	kindAck
	kindData
)

const (
	udpHeaderLen  = 4 + 1
	dataHeaderLen = udpHeaderLen + 1 + 2
)

// maxReasonLen 拒绝原因文本上限
const maxReasonLen = 128

var (
	errBadMagic = errors.New("netcode: bad frame magic")
	errBadFrame = errors.New("netcode: malformed frame")
)

type frame struct {
	kind    frameKind
	hello   Hello
	peerID  PeerID
	reject  RejectCode
	reason  string
	discon  DisconnectReason
	nanos   uint64
	mode    DeliveryMode
	seq     uint16
	payload []byte
}

func newFrameWriter(kind frameKind, buf []byte) *protocol.Writer {
	w := protocol.NewWriter(buf, maxReasonLen)
	w.PutUint32(frameMagic)
	w.PutUint8(uint8(kind))
	return w
}

func encodeHello(h Hello) []byte {
	w := newFrameWriter(kindHello, nil)
	h.Encode(w)
	return w.Bytes()
}

func encodeWelcome(id PeerID) []byte {
	w := newFrameWriter(kindWelcome, nil)
	w.PutInt32(int32(id))
	return w.Bytes()
}

func encodeReject(code RejectCode) []byte {
	w := newFrameWriter(kindReject, nil)
	w.PutUint8(uint8(code))
	w.PutText(code.String())
	return w.Bytes()
}

func encodeDisconnect(reason DisconnectReason) []byte {
	w := newFrameWriter(kindDisconnect, nil)
	w.PutUint8(uint8(reason))
	return w.Bytes()
}

func encodePing(kind frameKind, nanos uint64) []byte {
	w := newFrameWriter(kind, nil)
	w.PutUint64(nanos)
	return w.Bytes()
}

func encodeAck(mode DeliveryMode, seq uint16) []byte {
	w := newFrameWriter(kindAck, nil)
	w.PutUint8(uint8(mode))
	w.PutUint16(seq)
	return w.Bytes()
}

func encodeData(buf []byte, mode DeliveryMode, seq uint16, payload []byte) []byte {
	w := newFrameWriter(kindData, buf)
	w.PutUint8(uint8(mode))
	w.PutUint16(seq)
	w.PutBytes(payload)
	return w.Bytes()
}

// decodeFrame 解析数据报；payload 与 data 共享存储
func decodeFrame(data []byte) (frame, error) {
	r := protocol.NewReader(data, maxReasonLen)
	if r.Uint32() != frameMagic {
		return frame{}, errBadMagic
	}
	f := frame{kind: frameKind(r.Uint8())}
	switch f.kind {
	case kindHello:
		h, err := DecodeHello(r)
		if err != nil {
			return frame{}, err
		}
		f.hello = h
	case kindWelcome:
		f.peerID = PeerID(r.Int32())
	case kindReject:
		f.reject = RejectCode(r.Uint8())
		f.reason = r.Text()
	case kindDisconnect:
		f.discon = DisconnectReason(r.Uint8())
	case kindPing, kindPong:
		f.nanos = r.Uint64()
	case kindAck:
		f.mode = DeliveryMode(r.Uint8())
		f.seq = r.Uint16()
	case kindData:
		f.mode = DeliveryMode(r.Uint8())
		f.seq = r.Uint16()
		f.payload = r.Bytes(r.Remaining())
	default:
		return frame{}, fmt.Errorf("%w: kind %d", errBadFrame, f.kind)
	}
	if err := r.Err(); err != nil {
		return frame{}, fmt.Errorf("%w: %v", errBadFrame, err)
	}
	if (f.kind == kindAck || f.kind == kindData) && f.mode >= deliveryModes {
		return frame{}, fmt.Errorf("%w: mode %d", errBadFrame, f.mode)
	}
	return f, nil
}
