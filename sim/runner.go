package sim

import (
	"context"
	"errors"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/MonoDevPro/Godot2D-FloorsLevels/netcode"
)

type RunnerConfig struct {
	ProcessHz       int
	PhysicsHz       int
	MaxPhysicsSteps int // 单帧最多补跑的物理步数
}

// Runner 单协程驱动调度器：每帧先补齐固定步长物理，再执行帧组
type Runner struct {
	sched *Scheduler
	cfg   RunnerConfig
	log   *zap.SugaredLogger

	frame time.Duration
	step  time.Duration
	acc   time.Duration
	last  time.Time

	frames int64

	// OnFrame 每帧结束后调用，参数为本帧耗时
	OnFrame func(took time.Duration)
}

func NewRunner(sched *Scheduler, cfg RunnerConfig, log *zap.SugaredLogger) *Runner {
	return &Runner{
		sched: sched,
		cfg:   cfg,
		log:   log.Named("runner"),
		frame: time.Second / time.Duration(cfg.ProcessHz),
		step:  time.Second / time.Duration(cfg.PhysicsHz),
	}
}

// Fatal 报告错误是否必须终止运行
func Fatal(err error) bool {
	return errors.Is(err, netcode.ErrPoolExhausted)
}

// Step 推进一帧；now 为当前时刻
func (r *Runner) Step(now time.Time) error {
	start := time.Now()
	if r.last.IsZero() {
		r.last = now.Add(-r.frame)
	}
	elapsed := now.Sub(r.last)
	if elapsed < 0 {
		elapsed = 0
	}
	r.last = now

	var errs error
	r.acc += elapsed
	steps := 0
	dt := float32(r.step.Seconds())
	for r.acc >= r.step && steps < r.cfg.MaxPhysicsSteps {
		errs = multierr.Append(errs, r.sched.Physics.Run(dt))
		r.acc -= r.step
		steps++
	}
	if r.acc >= r.step {
		r.log.Debugw("physics falling behind, dropping backlog", "backlog", r.acc)
		r.acc %= r.step
	}

	errs = multierr.Append(errs, r.sched.Process.Run(float32(elapsed.Seconds())))
	r.frames++
	if r.OnFrame != nil {
		r.OnFrame(time.Since(start))
	}
	return errs
}

// Frames 已执行的帧数
func (r *Runner) Frames() int64 { return r.frames }

// Run 按 ProcessHz 循环直到 ctx 取消或出现致命错误
func (r *Runner) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.frame)
	defer ticker.Stop()
	r.log.Infow("runner started", "process_hz", r.cfg.ProcessHz, "physics_hz", r.cfg.PhysicsHz)
	for {
		select {
		case <-ctx.Done():
			r.log.Infow("runner stopped", "frames", r.frames)
			return nil
		case now := <-ticker.C:
			if err := r.Step(now); err != nil {
				if Fatal(err) {
					r.log.Errorw("fatal simulation error", "err", err)
					return err
				}
				r.log.Warnw("frame finished with errors", "err", err)
			}
		}
	}
}
