package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sort"

	"lukechampine.com/blake3"
)

var (
	ErrDuplicateTag  = errors.New("protocol: duplicate message tag")
	ErrNotRegistered = errors.New("protocol: message not registered")
	ErrSealed        = errors.New("protocol: registry sealed")
	ErrNotSealed     = errors.New("protocol: registry not sealed")
)

type codec struct {
	name   string
	encode func(*Writer, Message)
	decode func(*Reader) Message
}

// Registry 消息类型 → 编解码函数；Seal 之后只读，可并发使用
type Registry struct {
	codecs    map[Tag]codec
	maxString int
	sealed    bool
}

func NewRegistry(maxString int) *Registry {
	return &Registry{codecs: make(map[Tag]codec), maxString: maxString}
}

// Register 为 T 注册编解码；重复注册返回 ErrDuplicateTag
func Register[T Message](r *Registry, name string, encode func(*Writer, T), decode func(*Reader) T) error {
	if r.sealed {
		return fmt.Errorf("register %s: %w", name, ErrSealed)
	}
	var zero T
	tag := zero.Tag()
	if prev, ok := r.codecs[tag]; ok {
		return fmt.Errorf("register %s (tag %d, already %s): %w", name, tag, prev.name, ErrDuplicateTag)
	}
	r.codecs[tag] = codec{
		name:   name,
		encode: func(w *Writer, m Message) { encode(w, m.(T)) },
		decode: func(rd *Reader) Message { return decode(rd) },
	}
	return nil
}

// Require 校验给定的 tag 均已注册
func (r *Registry) Require(tags ...Tag) error {
	var missing []Tag
	for _, t := range tags {
		if _, ok := r.codecs[t]; !ok {
			missing = append(missing, t)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("tags %v: %w", missing, ErrNotRegistered)
	}
	return nil
}

func (r *Registry) Seal()          { r.sealed = true }
func (r *Registry) MaxString() int { return r.maxString }

// Name 返回 tag 对应的消息名，未注册时返回空串
func (r *Registry) Name(tag Tag) string {
	return r.codecs[tag].name
}

// Encode 写入 tag 前缀与消息体
func (r *Registry) Encode(w *Writer, m Message) error {
	if !r.sealed {
		return ErrNotSealed
	}
	c, ok := r.codecs[m.Tag()]
	if !ok {
		return fmt.Errorf("encode tag %d: %w", m.Tag(), ErrNotRegistered)
	}
	w.PutUint16(uint16(m.Tag()))
	c.encode(w, m)
	if err := w.Err(); err != nil {
		return fmt.Errorf("encode %s: %w", c.name, err)
	}
	return nil
}

// Decode 读取一条消息
func (r *Registry) Decode(rd *Reader) (Message, error) {
	if !r.sealed {
		return nil, ErrNotSealed
	}
	tag := Tag(rd.Uint16())
	if err := rd.Err(); err != nil {
		return nil, fmt.Errorf("decode tag: %w", err)
	}
	c, ok := r.codecs[tag]
	if !ok {
		return nil, fmt.Errorf("decode tag %d: %w", tag, ErrNotRegistered)
	}
	m := c.decode(rd)
	if err := rd.Err(); err != nil {
		return nil, fmt.Errorf("decode %s: %w", c.name, err)
	}
	return m, nil
}

// NewWriter 创建使用本注册表字符串上限的 Writer
func (r *Registry) NewWriter(buf []byte) *Writer { return NewWriter(buf, r.maxString) }

// NewReader 创建使用本注册表字符串上限的 Reader
func (r *Registry) NewReader(data []byte) *Reader { return NewReader(data, r.maxString) }

// Fingerprint 对 (tag, name) 列表做摘要，握手时用于检测双端注册表不一致
func (r *Registry) Fingerprint() [8]byte {
	tags := make([]int, 0, len(r.codecs))
	for t := range r.codecs {
		tags = append(tags, int(t))
	}
	sort.Ints(tags)
	h := blake3.New(32, nil)
	var b [2]byte
	for _, t := range tags {
		binary.LittleEndian.PutUint16(b[:], uint16(t))
		h.Write(b[:])
		h.Write([]byte(r.codecs[Tag(t)].name))
		h.Write([]byte{0})
	}
	binary.LittleEndian.PutUint16(b[:], uint16(r.maxString))
	h.Write(b[:])
	var out [8]byte
	copy(out[:], h.Sum(nil))
	return out
}
