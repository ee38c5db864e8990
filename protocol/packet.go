package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/pierrec/lz4/v4"
)

// 包格式：[flags u8] 之后是一条或多条 [tag u16][body]。
// FlagCompressed 置位时，flags 之后为 [原始长度 u32][lz4 frame]。
const (
	FlagCompressed uint8 = 1 << 0

	PacketHeaderLen = 1
)

var (
	ErrEmptyPacket    = errors.New("protocol: empty packet")
	ErrPacketTooLarge = errors.New("protocol: packet exceeds limit")
	ErrUnknownFlags   = errors.New("protocol: unknown packet flags")
)

var bufferPool = sync.Pool{
	New: func() any { return new(bytes.Buffer) },
}

// BeginPacket 写入未压缩的包头
func BeginPacket(w *Writer) {
	w.PutUint8(0)
}

// CompressPacket 压缩 pkt 的消息区；压缩后不更小时返回 false
func CompressPacket(pkt []byte) ([]byte, bool, error) {
	if len(pkt) <= PacketHeaderLen || pkt[0]&FlagCompressed != 0 {
		return nil, false, nil
	}
	body := pkt[PacketHeaderLen:]

	buf := bufferPool.Get().(*bytes.Buffer)
	buf.Reset()
	defer bufferPool.Put(buf)

	zw := lz4.NewWriter(buf)
	if _, err := zw.Write(body); err != nil {
		return nil, false, fmt.Errorf("lz4 write: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, false, fmt.Errorf("lz4 close: %w", err)
	}
	if PacketHeaderLen+4+buf.Len() >= len(pkt) {
		return nil, false, nil
	}

	out := make([]byte, 0, PacketHeaderLen+4+buf.Len())
	out = append(out, pkt[0]|FlagCompressed)
	out = binary.LittleEndian.AppendUint32(out, uint32(len(body)))
	out = append(out, buf.Bytes()...)
	return out, true, nil
}

// OpenPacket 校验包头并返回消息区；压缩包解压后的长度不得超过 limit
func OpenPacket(pkt []byte, limit int) ([]byte, error) {
	if len(pkt) < PacketHeaderLen {
		return nil, ErrEmptyPacket
	}
	flags := pkt[0]
	if flags&^FlagCompressed != 0 {
		return nil, fmt.Errorf("%w: %#x", ErrUnknownFlags, flags)
	}
	if flags&FlagCompressed == 0 {
		return pkt[PacketHeaderLen:], nil
	}
	if len(pkt) < PacketHeaderLen+4 {
		return nil, fmt.Errorf("compressed header: %w", ErrShortBuffer)
	}
	size := int(binary.LittleEndian.Uint32(pkt[PacketHeaderLen:]))
	if size > limit {
		return nil, fmt.Errorf("%w: %d > %d", ErrPacketTooLarge, size, limit)
	}
	out := make([]byte, size)
	zr := lz4.NewReader(bytes.NewReader(pkt[PacketHeaderLen+4:]))
	if _, err := io.ReadFull(zr, out); err != nil {
		return nil, fmt.Errorf("lz4 read: %w", err)
	}
	return out, nil
}

// DecodeMessages 依次解码消息区内的全部消息；出错时已解码的消息仍会交给 fn
func DecodeMessages(r *Registry, body []byte, fn func(Message)) (int, error) {
	rd := r.NewReader(body)
	n := 0
	for rd.Remaining() > 0 {
		m, err := r.Decode(rd)
		if err != nil {
			return n, err
		}
		fn(m)
		n++
	}
	return n, nil
}
