package sim

import (
	"errors"
	"fmt"
	"sort"

	"github.com/yohamta/donburi"
	"github.com/yohamta/donburi/filter"

	"github.com/MonoDevPro/Godot2D-FloorsLevels/protocol"
)

var ErrDuplicateNetID = errors.New("sim: network id already spawned")

// Spawn 生成网络实体所需的参数
type Spawn struct {
	ID       int32
	Name     string
	Tint     protocol.Color
	Position protocol.Vec2
	Speed    float32
	Body     Body // nil 时由 MovementSystem 积分位置
	Local    bool
	Remote   bool
}

// World 包装 donburi 世界并维护网络编号到实体的索引。
// 只能在仿真协程中使用。
type World struct {
	donburi.World
	byNetID map[int32]donburi.Entity
}

func NewWorld() *World {
	return &World{
		World:   donburi.NewWorld(),
		byNetID: make(map[int32]donburi.Entity),
	}
}

// SpawnNetworked 创建带 NetworkIdentity/Position/Velocity 的实体；编号重复返回 ErrDuplicateNetID
func (w *World) SpawnNetworked(s Spawn) (*donburi.Entry, error) {
	if _, ok := w.byNetID[s.ID]; ok {
		return nil, fmt.Errorf("%w: %d", ErrDuplicateNetID, s.ID)
	}
	comps := []donburi.IComponentType{
		NetworkIdentity, Position, Velocity, InputState, InputRequest, Speed, PlayerInfo,
	}
	if s.Body != nil {
		comps = append(comps, BodyRef)
	}
	if s.Local {
		comps = append(comps, LocalPlayer)
	}
	if s.Remote {
		comps = append(comps, RemoteProxy)
	}
	e := w.Create(comps...)
	entry := w.Entry(e)
	NetworkIdentity.SetValue(entry, NetworkIdentityData{ID: s.ID})
	Position.SetValue(entry, PositionData{Value: s.Position})
	Speed.SetValue(entry, SpeedData{Value: s.Speed})
	PlayerInfo.SetValue(entry, PlayerInfoData{Name: s.Name, Tint: s.Tint})
	if s.Body != nil {
		BodyRef.SetValue(entry, BodyRefData{Body: s.Body})
	}
	w.byNetID[s.ID] = e
	return entry, nil
}

// Lookup 按网络编号查找存活实体
func (w *World) Lookup(id int32) (*donburi.Entry, bool) {
	e, ok := w.byNetID[id]
	if !ok || !w.Valid(e) {
		return nil, false
	}
	return w.Entry(e), true
}

// Despawn 删除实体；编号未知返回 false
func (w *World) Despawn(id int32) bool {
	e, ok := w.byNetID[id]
	if !ok {
		return false
	}
	delete(w.byNetID, id)
	if w.Valid(e) {
		w.Remove(e)
	}
	return true
}

// NetIDs 当前存活的网络编号（升序）
func (w *World) NetIDs() []int32 {
	ids := make([]int32, 0, len(w.byNetID))
	for id := range w.byNetID {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (w *World) Count() int { return len(w.byNetID) }

// Each 遍历含全部给定组件的实体。
// 回调中不得创建或删除实体，需要时先收集再处理。
func (w *World) Each(fn func(*donburi.Entry), comps ...donburi.IComponentType) {
	donburi.NewQuery(filter.Contains(comps...)).Each(w.World, fn)
}

// Close 删除全部网络实体
func (w *World) Close() {
	for _, id := range w.NetIDs() {
		w.Despawn(id)
	}
}
