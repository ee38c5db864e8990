package netcode

import "sync/atomic"

// Ring 单生产者单消费者的定长环形队列。
// head/tail 单调递增，tail-head 即当前元素数，不需要牺牲一个槽位。
type Ring[T any] struct {
	buf  []T
	size uint64
	head atomic.Uint64 // 消费者写
	tail atomic.Uint64 // 生产者写
}

func NewRing[T any](capacity int) *Ring[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Ring[T]{buf: make([]T, capacity), size: uint64(capacity)}
}

// TryEnqueue 队列已满时返回 false，不阻塞
func (r *Ring[T]) TryEnqueue(v T) bool {
	tail := r.tail.Load()
	if tail-r.head.Load() >= r.size {
		return false
	}
	r.buf[tail%r.size] = v
	r.tail.Store(tail + 1)
	return true
}

// TryDequeue 队列为空时返回 false
func (r *Ring[T]) TryDequeue() (T, bool) {
	var zero T
	head := r.head.Load()
	if head == r.tail.Load() {
		return zero, false
	}
	idx := head % r.size
	v := r.buf[idx]
	r.buf[idx] = zero
	r.head.Store(head + 1)
	return v, true
}

func (r *Ring[T]) Len() int {
	return int(r.tail.Load() - r.head.Load())
}

func (r *Ring[T]) Cap() int { return int(r.size) }
