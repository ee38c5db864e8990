package client

import "github.com/MonoDevPro/Godot2D-FloorsLevels/protocol"

// Clamp 长度超过 1 时归一化，低于死区时归零
func Clamp(v protocol.Vec2, deadzone float32) protocol.Vec2 {
	l := v.Length()
	switch {
	case l > 1:
		return v.Normalized()
	case l < deadzone:
		return protocol.Zero
	}
	return v
}

// Throttle 输入发送节流：间隔已到且与上次发送的值差异足够大时才发送
type Throttle struct {
	interval  float64
	threshold float32
	acc       float64
	last      protocol.Vec2
}

func NewThrottle(interval float64, threshold float32) *Throttle {
	return &Throttle{interval: interval, threshold: threshold}
}

// Offer 累加 dt 并判断 v 是否应当发送；返回 true 时记为已发送
func (t *Throttle) Offer(v protocol.Vec2, dt float64) bool {
	t.acc += dt
	if t.acc < t.interval || v.DistanceTo(t.last) <= t.threshold {
		return false
	}
	t.last = v
	t.acc = 0
	return true
}

// Last 最近一次发送的值
func (t *Throttle) Last() protocol.Vec2 { return t.last }

// Reset 重新连接后从零开始
func (t *Throttle) Reset() {
	t.acc = 0
	t.last = protocol.Zero
}
