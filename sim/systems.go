package sim

import (
	"github.com/yohamta/donburi"
	"github.com/yohamta/donburi/filter"
	"github.com/yohamta/donburi/query"

	"github.com/MonoDevPro/Godot2D-FloorsLevels/protocol"
)

// InputRequestSystem 把网络写入的 InputRequest 转入 InputState（帧组，逻辑阶段）
type InputRequestSystem struct {
	world *World
	query *query.Query
}

func NewInputRequestSystem(w *World) *InputRequestSystem {
	return &InputRequestSystem{
		world: w,
		query: donburi.NewQuery(filter.Contains(InputRequest, InputState)),
	}
}

func (s *InputRequestSystem) Stage() Stage { return StageLogic }

func (s *InputRequestSystem) Update(float32) error {
	s.query.Each(s.world.World, func(e *donburi.Entry) {
		req := InputRequest.Get(e)
		if !req.Pending {
			return
		}
		InputState.SetValue(e, InputStateData{Value: req.Value, Pending: true})
		*req = InputRequestData{}
	})
	return nil
}

// InputApplySystem 由待处理输入得到速度并清空输入（物理组，BeforeUpdate）。
// 没有新输入时速度保持不变。
type InputApplySystem struct {
	world *World
	query *query.Query
}

func NewInputApplySystem(w *World) *InputApplySystem {
	return &InputApplySystem{
		world: w,
		query: donburi.NewQuery(filter.Contains(InputState, Velocity, Speed)),
	}
}

func (s *InputApplySystem) Stage() Stage { return StageLogic }

func (s *InputApplySystem) BeforeUpdate(float32) error {
	s.query.Each(s.world.World, func(e *donburi.Entry) {
		in := InputState.Get(e)
		if !in.Pending {
			return
		}
		Velocity.Get(e).Value = in.Value.Normalized().Scale(Speed.Get(e).Value)
		*in = InputStateData{}
	})
	return nil
}

// MovementSystem 无刚体实体的位置积分：pos += vel·dt，并裁剪到世界边界
type MovementSystem struct {
	world         *World
	query         *query.Query
	width, height float32
}

// NewMovementSystem 宽或高为 0 时不裁剪
func NewMovementSystem(w *World, width, height float32) *MovementSystem {
	return &MovementSystem{
		world: w,
		query: donburi.NewQuery(filter.And(
			filter.Contains(Position, Velocity),
			filter.Not(filter.Contains(BodyRef)),
		)),
		width:  width,
		height: height,
	}
}

func (s *MovementSystem) Stage() Stage { return StageLogic }

func (s *MovementSystem) Update(dt float32) error {
	s.query.Each(s.world.World, func(e *donburi.Entry) {
		pos := Position.Get(e)
		pos.Value = s.clamp(pos.Value.Add(Velocity.Get(e).Value.Scale(dt)))
	})
	return nil
}

func (s *MovementSystem) clamp(p protocol.Vec2) protocol.Vec2 {
	if s.width <= 0 || s.height <= 0 {
		return p
	}
	if p.X < 0 {
		p.X = 0
	}
	if p.Y < 0 {
		p.Y = 0
	}
	if p.X > s.width {
		p.X = s.width
	}
	if p.Y > s.height {
		p.Y = s.height
	}
	return p
}

// BodyInputSystem 把 ECS 速度写入刚体（物理组，Update，须在 SpaceSystem 之前注册）
type BodyInputSystem struct {
	world *World
	query *query.Query
}

func NewBodyInputSystem(w *World) *BodyInputSystem {
	return &BodyInputSystem{world: w, query: donburi.NewQuery(filter.Contains(BodyRef, Velocity))}
}

func (s *BodyInputSystem) Stage() Stage { return StageLogic }

func (s *BodyInputSystem) Update(float32) error {
	s.query.Each(s.world.World, func(e *donburi.Entry) {
		if b := BodyRef.Get(e).Body; b != nil {
			b.SetVelocity(Velocity.Get(e).Value)
		}
	})
	return nil
}

// SpaceSystem 推进物理空间
type SpaceSystem struct {
	space *Space
}

func NewSpaceSystem(space *Space) *SpaceSystem { return &SpaceSystem{space: space} }

func (s *SpaceSystem) Stage() Stage { return StageLogic }

func (s *SpaceSystem) Update(dt float32) error {
	s.space.Step(dt)
	return nil
}

// BodyOutputSystem 物理步后把刚体位置与速度同步回 ECS（物理组，AfterUpdate）
type BodyOutputSystem struct {
	world *World
	query *query.Query
}

func NewBodyOutputSystem(w *World) *BodyOutputSystem {
	return &BodyOutputSystem{world: w, query: donburi.NewQuery(filter.Contains(BodyRef, Position, Velocity))}
}

func (s *BodyOutputSystem) Stage() Stage { return StageLogic }

func (s *BodyOutputSystem) AfterUpdate(float32) error {
	s.query.Each(s.world.World, func(e *donburi.Entry) {
		b := BodyRef.Get(e).Body
		if b == nil {
			return
		}
		Position.Get(e).Value = b.Position()
		Velocity.Get(e).Value = b.Velocity()
	})
	return nil
}
