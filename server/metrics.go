package server

import (
	"sync/atomic"
)

// Metrics 记录服务端仿真的关键指标（用于监控与调试）
type Metrics struct {
	TickCount      int64 // 已执行的帧数
	TotalTickNs    int64 // 帧累计耗时（纳秒）
	StatesSent     int64 // 进入复制批次的状态
	StatesSkipped  int64 // 因变化低于阈值未发送的状态
	InputsAccepted int64 // 写入实体的输入
	InputsUnknown  int64 // 目标实体不存在的输入
	InputsSpoofed  int64 // 编号与发送方不符的输入
	Joins          int64
	Leaves         int64
}

func (m *Metrics) IncStateSent()    { atomic.AddInt64(&m.StatesSent, 1) }
func (m *Metrics) IncStateSkipped() { atomic.AddInt64(&m.StatesSkipped, 1) }
func (m *Metrics) IncAccepted()     { atomic.AddInt64(&m.InputsAccepted, 1) }
func (m *Metrics) IncInputUnknown() { atomic.AddInt64(&m.InputsUnknown, 1) }
func (m *Metrics) IncInputSpoofed() { atomic.AddInt64(&m.InputsSpoofed, 1) }
func (m *Metrics) IncJoin()         { atomic.AddInt64(&m.Joins, 1) }
func (m *Metrics) IncLeave()        { atomic.AddInt64(&m.Leaves, 1) }
func (m *Metrics) AddTick(ns int64) {
	atomic.AddInt64(&m.TickCount, 1)
	atomic.AddInt64(&m.TotalTickNs, ns)
}

// Snapshot 返回只读副本，便于 HTTP 输出
func (m *Metrics) Snapshot() map[string]any {
	tick := atomic.LoadInt64(&m.TickCount)
	total := atomic.LoadInt64(&m.TotalTickNs)
	var avgMs float64
	if tick > 0 {
		avgMs = float64(total) / float64(tick) / 1e6
	}
	return map[string]any{
		"tick_count":      tick,
		"avg_tick_ms":     avgMs,
		"states_sent":     atomic.LoadInt64(&m.StatesSent),
		"states_skipped":  atomic.LoadInt64(&m.StatesSkipped),
		"inputs_accepted": atomic.LoadInt64(&m.InputsAccepted),
		"inputs_unknown":  atomic.LoadInt64(&m.InputsUnknown),
		"inputs_spoofed":  atomic.LoadInt64(&m.InputsSpoofed),
		"joins":           atomic.LoadInt64(&m.Joins),
		"leaves":          atomic.LoadInt64(&m.Leaves),
	}
}
