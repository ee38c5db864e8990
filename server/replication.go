package server

import (
	"math"

	"github.com/yohamta/donburi"
	"github.com/yohamta/donburi/filter"
	"github.com/yohamta/donburi/query"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/MonoDevPro/Godot2D-FloorsLevels/config"
	"github.com/MonoDevPro/Godot2D-FloorsLevels/netcode"
	"github.com/MonoDevPro/Godot2D-FloorsLevels/protocol"
	"github.com/MonoDevPro/Godot2D-FloorsLevels/sim"
)

// lastSent 每个实体最近一次进入批次的状态；不在表中即视为从未发送
type lastSent struct {
	pos protocol.Vec2
	vel protocol.Vec2
}

// Replicator 按固定间隔收集实体状态，变化超过阈值才发送；批次在 AfterUpdate 统一广播
type Replicator struct {
	world *sim.World
	pub   *netcode.Publisher
	stats *Metrics
	log   *zap.SugaredLogger
	query *query.Query

	interval   float64
	maxCatchUp int
	posEps2    float32
	velEps2    float32
	maxBatch   int

	acc   float64
	cache map[int32]lastSent
	batch []protocol.Message
}

func NewReplicator(world *sim.World, pub *netcode.Publisher, cfg config.ReplicationConfig, stats *Metrics, log *zap.SugaredLogger) *Replicator {
	r := &Replicator{
		world:      world,
		pub:        pub,
		stats:      stats,
		log:        log.Named("replication"),
		query:      donburi.NewQuery(filter.Contains(sim.NetworkIdentity, sim.Position, sim.Velocity)),
		interval:   cfg.TickInterval,
		maxCatchUp: cfg.MaxCatchUp,
		maxBatch:   cfg.MaxBatch,
		cache:      make(map[int32]lastSent),
	}
	r.SetEpsilon(cfg.PositionEpsilon, cfg.VelocityEpsilon)
	return r
}

func (r *Replicator) Stage() sim.Stage { return sim.StagePublish }

// Update 累加帧时间，每满一个间隔收集一次；单帧最多补 maxCatchUp 次，多余积压丢弃
func (r *Replicator) Update(dt float32) error {
	r.acc += float64(dt)
	steps := 0
	for r.acc >= r.interval && steps < r.maxCatchUp {
		r.collect()
		r.acc -= r.interval
		steps++
	}
	if r.acc >= r.interval {
		r.acc = math.Mod(r.acc, r.interval)
	}
	return nil
}

func (r *Replicator) collect() {
	r.query.Each(r.world.World, func(e *donburi.Entry) {
		id := sim.NetworkIdentity.Get(e).ID
		pos := sim.Position.Get(e).Value
		vel := sim.Velocity.Get(e).Value
		if last, ok := r.cache[id]; ok &&
			pos.Sub(last.pos).LengthSquared() < r.posEps2 &&
			vel.Sub(last.vel).LengthSquared() < r.velEps2 {
			r.stats.IncStateSkipped()
			return
		}
		r.cache[id] = lastSent{pos: pos, vel: vel}
		r.batch = append(r.batch, protocol.StateMessage{ID: id, NewPosition: pos, NewVelocity: vel})
		r.stats.IncStateSent()
	})
}

// AfterUpdate 按 maxBatch 切分批次广播（不可靠），然后清空
func (r *Replicator) AfterUpdate(float32) error {
	if len(r.batch) == 0 {
		return nil
	}
	var errs error
	for start := 0; start < len(r.batch); start += r.maxBatch {
		end := min(start+r.maxBatch, len(r.batch))
		errs = multierr.Append(errs, r.pub.BroadcastBatch(r.batch[start:end], netcode.Unreliable))
	}
	clear(r.batch)
	r.batch = r.batch[:0]
	return errs
}

// Forget 把实体重置为未发送，下一次收集必定发送
func (r *Replicator) Forget(id int32) {
	delete(r.cache, id)
}

func (r *Replicator) Pending() int { return len(r.batch) }

func (r *Replicator) Interval() float64 { return r.interval }

func (r *Replicator) SetInterval(sec float64) {
	if sec > 0 {
		r.interval = sec
	}
}

func (r *Replicator) Epsilon() (pos, vel float32) {
	return float32(math.Sqrt(float64(r.posEps2))), float32(math.Sqrt(float64(r.velEps2)))
}

func (r *Replicator) SetEpsilon(pos, vel float32) {
	r.posEps2 = pos * pos
	r.velEps2 = vel * vel
}
