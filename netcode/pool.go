package netcode

import (
	"errors"
	"fmt"
	"sync"
)

// ErrPoolExhausted 活跃缓冲区数量达到上限，属于致命错误
var ErrPoolExhausted = errors.New("netcode: buffer pool exhausted")

const minBufferSize = 64

// Handle 指向池中缓冲区；Release 后代数递增，旧 Handle 失效
type Handle struct {
	index uint32
	gen   uint32
}

// Valid 零值 Handle 永远无效
func (h Handle) Valid() bool { return h.gen != 0 }

type slot struct {
	buf   []byte
	gen   uint32
	inUse bool
}

// BufferPool 以 arena + 代数管理的发送缓冲池；空闲列表超过上限的缓冲交还给 GC
type BufferPool struct {
	mu         sync.Mutex
	slots      []slot
	free       []uint32 // 保留着缓冲的空闲槽
	vacant     []uint32 // 缓冲已释放的空槽
	maxFree    int
	maxBuffers int
	live       int
}

func NewBufferPool(maxFree, maxBuffers int) *BufferPool {
	return &BufferPool{maxFree: maxFree, maxBuffers: maxBuffers}
}

// Rent 借出容量至少为 size 的缓冲（长度为 0）
func (p *BufferPool) Rent(size int) (Handle, []byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for len(p.free) > 0 {
		idx := p.free[len(p.free)-1]
		p.free = p.free[:len(p.free)-1]
		s := &p.slots[idx]
		if cap(s.buf) < size {
			// 容量不足的缓冲直接丢弃
			s.buf = nil
			p.vacant = append(p.vacant, idx)
			continue
		}
		return p.checkout(idx), s.buf[:0], nil
	}

	if p.live >= p.maxBuffers {
		return Handle{}, nil, fmt.Errorf("%w: %d live buffers", ErrPoolExhausted, p.live)
	}
	var idx uint32
	if n := len(p.vacant); n > 0 {
		idx = p.vacant[n-1]
		p.vacant = p.vacant[:n-1]
	} else {
		p.slots = append(p.slots, slot{})
		idx = uint32(len(p.slots) - 1)
	}
	p.slots[idx].buf = make([]byte, 0, roundSize(size))
	return p.checkout(idx), p.slots[idx].buf, nil
}

func (p *BufferPool) checkout(idx uint32) Handle {
	s := &p.slots[idx]
	s.gen++
	if s.gen == 0 {
		s.gen = 1
	}
	s.inUse = true
	p.live++
	return Handle{index: idx, gen: s.gen}
}

// Store 记录写入后的缓冲；append 扩容后底层数组可能已变化
func (p *BufferPool) Store(h Handle, buf []byte) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.lookup(h)
	if !ok {
		return false
	}
	s.buf = buf
	return true
}

// Bytes 返回 Handle 对应的缓冲；Handle 已失效时返回 false
func (p *BufferPool) Bytes(h Handle) ([]byte, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.lookup(h)
	if !ok {
		return nil, false
	}
	return s.buf, true
}

// Release 归还缓冲；重复归还或失效 Handle 返回 false
func (p *BufferPool) Release(h Handle) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.lookup(h)
	if !ok {
		return false
	}
	s.inUse = false
	s.gen++
	if s.gen == 0 {
		s.gen = 1
	}
	p.live--
	if len(p.free) < p.maxFree {
		s.buf = s.buf[:0]
		p.free = append(p.free, h.index)
	} else {
		s.buf = nil
		p.vacant = append(p.vacant, h.index)
	}
	return true
}

func (p *BufferPool) lookup(h Handle) (*slot, bool) {
	if !h.Valid() || int(h.index) >= len(p.slots) {
		return nil, false
	}
	s := &p.slots[h.index]
	if !s.inUse || s.gen != h.gen {
		return nil, false
	}
	return s, true
}

// Stats 返回活跃数与空闲列表长度
func (p *BufferPool) Stats() (live, free int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.live, len(p.free)
}

func roundSize(n int) int {
	size := minBufferSize
	for size < n {
		size <<= 1
	}
	return size
}
