package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"unicode/utf8"
)

var (
	ErrShortBuffer   = errors.New("protocol: short buffer")
	ErrStringTooLong = errors.New("protocol: string exceeds max length")
	ErrInvalidString = errors.New("protocol: string is not valid utf-8")
)

// Writer 以小端定长格式追加写入；首个错误会被保留，后续写入忽略
type Writer struct {
	buf       []byte
	maxString int
	err       error
}

// NewWriter 复用 buf 的底层存储（长度清零）
func NewWriter(buf []byte, maxString int) *Writer {
	return &Writer{buf: buf[:0], maxString: maxString}
}

func (w *Writer) Reset(buf []byte) {
	w.buf = buf[:0]
	w.err = nil
}

func (w *Writer) Bytes() []byte { return w.buf }
func (w *Writer) Len() int      { return len(w.buf) }
func (w *Writer) Err() error    { return w.err }

func (w *Writer) PutUint8(v uint8) {
	if w.err == nil {
		w.buf = append(w.buf, v)
	}
}

func (w *Writer) PutUint16(v uint16) {
	if w.err == nil {
		w.buf = binary.LittleEndian.AppendUint16(w.buf, v)
	}
}

func (w *Writer) PutUint32(v uint32) {
	if w.err == nil {
		w.buf = binary.LittleEndian.AppendUint32(w.buf, v)
	}
}

func (w *Writer) PutUint64(v uint64) {
	if w.err == nil {
		w.buf = binary.LittleEndian.AppendUint64(w.buf, v)
	}
}

func (w *Writer) PutInt32(v int32)     { w.PutUint32(uint32(v)) }
func (w *Writer) PutFloat32(v float32) { w.PutUint32(math.Float32bits(v)) }

func (w *Writer) PutVec2(v Vec2) {
	w.PutFloat32(v.X)
	w.PutFloat32(v.Y)
}

func (w *Writer) PutColor(c Color) {
	w.PutFloat32(c.R)
	w.PutFloat32(c.G)
	w.PutFloat32(c.B)
	w.PutFloat32(c.A)
}

// PutText 写入 uint16 字节长度前缀 + UTF-8 内容
func (w *Writer) PutText(s string) {
	if w.err != nil {
		return
	}
	if len(s) > w.maxString {
		w.err = fmt.Errorf("%w: %d > %d", ErrStringTooLong, len(s), w.maxString)
		return
	}
	if !utf8.ValidString(s) {
		w.err = ErrInvalidString
		return
	}
	w.PutUint16(uint16(len(s)))
	w.buf = append(w.buf, s...)
}

func (w *Writer) PutBytes(b []byte) {
	if w.err == nil {
		w.buf = append(w.buf, b...)
	}
}

// Reader 顺序读取小端定长字段；越界后返回零值并记录 ErrShortBuffer
type Reader struct {
	data      []byte
	off       int
	maxString int
	err       error
}

func NewReader(data []byte, maxString int) *Reader {
	return &Reader{data: data, maxString: maxString}
}

func (r *Reader) Err() error     { return r.err }
func (r *Reader) Remaining() int { return len(r.data) - r.off }

func (r *Reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if r.Remaining() < n {
		r.err = fmt.Errorf("%w: need %d, have %d", ErrShortBuffer, n, r.Remaining())
		return nil
	}
	b := r.data[r.off : r.off+n]
	r.off += n
	return b
}

func (r *Reader) Uint8() uint8 {
	if b := r.take(1); b != nil {
		return b[0]
	}
	return 0
}

func (r *Reader) Uint16() uint16 {
	if b := r.take(2); b != nil {
		return binary.LittleEndian.Uint16(b)
	}
	return 0
}

func (r *Reader) Uint32() uint32 {
	if b := r.take(4); b != nil {
		return binary.LittleEndian.Uint32(b)
	}
	return 0
}

func (r *Reader) Uint64() uint64 {
	if b := r.take(8); b != nil {
		return binary.LittleEndian.Uint64(b)
	}
	return 0
}

func (r *Reader) Int32() int32     { return int32(r.Uint32()) }
func (r *Reader) Float32() float32 { return math.Float32frombits(r.Uint32()) }

func (r *Reader) Vec2() Vec2 {
	x := r.Float32()
	y := r.Float32()
	return Vec2{x, y}
}

func (r *Reader) Color() Color {
	c := Color{}
	c.R = r.Float32()
	c.G = r.Float32()
	c.B = r.Float32()
	c.A = r.Float32()
	return c
}

func (r *Reader) Text() string {
	n := int(r.Uint16())
	if r.err != nil {
		return ""
	}
	if n > r.maxString {
		r.err = fmt.Errorf("%w: %d > %d", ErrStringTooLong, n, r.maxString)
		return ""
	}
	b := r.take(n)
	if b == nil {
		return ""
	}
	if !utf8.Valid(b) {
		r.err = ErrInvalidString
		return ""
	}
	return string(b)
}

// Bytes 返回剩余的 n 个字节（与底层数据共享存储）
func (r *Reader) Bytes(n int) []byte {
	return r.take(n)
}
