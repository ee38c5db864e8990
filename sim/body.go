package sim

import "github.com/MonoDevPro/Godot2D-FloorsLevels/protocol"

// Body 物理引擎中的刚体句柄。ECS 只通过它读写速度与位置。
type Body interface {
	Position() protocol.Vec2
	Velocity() protocol.Vec2
	SetVelocity(v protocol.Vec2)
}

// PointBody 无碰撞体积的运动学质点
type PointBody struct {
	pos     protocol.Vec2
	vel     protocol.Vec2
	removed bool
}

func (b *PointBody) Position() protocol.Vec2     { return b.pos }
func (b *PointBody) Velocity() protocol.Vec2     { return b.vel }
func (b *PointBody) SetVelocity(v protocol.Vec2) { b.vel = v }

// Space 无头服务端使用的简易物理空间：积分速度并把质点限制在世界边界内。
// 撞到边界的轴速度清零。
type Space struct {
	width, height float32
	bodies        []*PointBody
}

// NewSpace 宽或高为 0 时不做边界裁剪
func NewSpace(width, height float32) *Space {
	return &Space{width: width, height: height}
}

func (s *Space) NewBody(pos protocol.Vec2) *PointBody {
	b := &PointBody{pos: pos}
	s.clamp(b)
	s.bodies = append(s.bodies, b)
	return b
}

// RemoveBody 从空间移除；重复移除无副作用
func (s *Space) RemoveBody(b Body) {
	pb, ok := b.(*PointBody)
	if !ok || pb.removed {
		return
	}
	pb.removed = true
	for i, x := range s.bodies {
		if x == pb {
			s.bodies = append(s.bodies[:i], s.bodies[i+1:]...)
			return
		}
	}
}

func (s *Space) Len() int { return len(s.bodies) }

// Step 推进 dt 秒
func (s *Space) Step(dt float32) {
	for _, b := range s.bodies {
		b.pos = b.pos.Add(b.vel.Scale(dt))
		s.clamp(b)
	}
}

func (s *Space) clamp(b *PointBody) {
	if s.width <= 0 || s.height <= 0 {
		return
	}
	if b.pos.X < 0 {
		b.pos.X, b.vel.X = 0, 0
	}
	if b.pos.Y < 0 {
		b.pos.Y, b.vel.Y = 0, 0
	}
	if b.pos.X > s.width {
		b.pos.X, b.vel.X = s.width, 0
	}
	if b.pos.Y > s.height {
		b.pos.Y, b.vel.Y = s.height, 0
	}
}
