package sim

import (
	"errors"
	"fmt"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

var ErrStageOrder = errors.New("sim: system registered out of stage order")

// Stage 系统所处的流水线阶段；组内系统必须按阶段非递减顺序注册
type Stage int

const (
	StageReceive Stage = iota // 网络入站、命令写入
	StageLogic                // 输入应用、移动、物理
	StagePublish              // 状态复制、出站发送
)

func (s Stage) String() string {
	switch s {
	case StageReceive:
		return "receive"
	case StageLogic:
		return "logic"
	case StagePublish:
		return "publish"
	default:
		return fmt.Sprintf("stage(%d)", int(s))
	}
}

type Phase int

const (
	PhaseBefore Phase = iota
	PhaseUpdate
	PhaseAfter
)

func (p Phase) String() string {
	switch p {
	case PhaseBefore:
		return "BeforeUpdate"
	case PhaseUpdate:
		return "Update"
	default:
		return "AfterUpdate"
	}
}

// System 至少声明阶段；各相位通过可选接口实现
type System interface {
	Stage() Stage
}

type BeforeUpdater interface {
	BeforeUpdate(dt float32) error
}

type Updater interface {
	Update(dt float32) error
}

type AfterUpdater interface {
	AfterUpdate(dt float32) error
}

type Disposer interface {
	Dispose() error
}

// SystemError 某个系统在某个相位的失败
type SystemError struct {
	Group  string
	System string
	Phase  Phase
	Err    error
}

func (e *SystemError) Error() string {
	return fmt.Sprintf("%s/%s %s: %v", e.Group, e.System, e.Phase, e.Err)
}

func (e *SystemError) Unwrap() error { return e.Err }

type entry struct {
	name string
	sys  System
}

// Group 一组按相位屏障执行的系统：先全部 BeforeUpdate，再全部 Update，最后全部 AfterUpdate
type Group struct {
	name    string
	log     *zap.SugaredLogger
	systems []entry
}

func NewGroup(name string, log *zap.SugaredLogger) *Group {
	return &Group{name: name, log: log.Named(name)}
}

func (g *Group) Name() string { return g.name }
func (g *Group) Len() int     { return len(g.systems) }

// Add 注册系统；阶段低于上一个已注册系统时返回 ErrStageOrder
func (g *Group) Add(sys System) error {
	name := fmt.Sprintf("%T", sys)
	if n := len(g.systems); n > 0 {
		if last := g.systems[n-1]; sys.Stage() < last.sys.Stage() {
			return fmt.Errorf("%w: %s (%s) after %s (%s) in %s",
				ErrStageOrder, name, sys.Stage(), last.name, last.sys.Stage(), g.name)
		}
	}
	g.systems = append(g.systems, entry{name: name, sys: sys})
	return nil
}

// Run 执行三个相位。某系统出错或 panic 时跳过该相位剩余系统，后续相位照常执行。
func (g *Group) Run(dt float32) error {
	var errs error
	for _, ph := range []Phase{PhaseBefore, PhaseUpdate, PhaseAfter} {
		errs = multierr.Append(errs, g.runPhase(ph, dt))
	}
	return errs
}

func (g *Group) runPhase(ph Phase, dt float32) error {
	for i, e := range g.systems {
		err := g.call(e, ph, dt)
		if err == nil {
			continue
		}
		g.log.Errorw("system failed, skipping rest of phase",
			"system", e.name, "phase", ph.String(), "skipped", len(g.systems)-i-1, "err", err)
		return &SystemError{Group: g.name, System: e.name, Phase: ph, Err: err}
	}
	return nil
}

func (g *Group) call(e entry, ph Phase, dt float32) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	switch ph {
	case PhaseBefore:
		if s, ok := e.sys.(BeforeUpdater); ok {
			return s.BeforeUpdate(dt)
		}
	case PhaseUpdate:
		if s, ok := e.sys.(Updater); ok {
			return s.Update(dt)
		}
	case PhaseAfter:
		if s, ok := e.sys.(AfterUpdater); ok {
			return s.AfterUpdate(dt)
		}
	}
	return nil
}

// Dispose 逆序释放实现 Disposer 的系统
func (g *Group) Dispose() error {
	var errs error
	for i := len(g.systems) - 1; i >= 0; i-- {
		if d, ok := g.systems[i].sys.(Disposer); ok {
			errs = multierr.Append(errs, d.Dispose())
		}
	}
	g.systems = nil
	return errs
}

// Scheduler 帧组与固定步长物理组
type Scheduler struct {
	World   *World
	Process *Group
	Physics *Group
}

func NewScheduler(world *World, log *zap.SugaredLogger) *Scheduler {
	return &Scheduler{
		World:   world,
		Process: NewGroup("process", log),
		Physics: NewGroup("physics", log),
	}
}

// Dispose 先物理组后帧组，最后清空世界
func (s *Scheduler) Dispose() error {
	err := multierr.Combine(s.Physics.Dispose(), s.Process.Dispose())
	s.World.Close()
	return err
}
