package netcode

import (
	"sync/atomic"
)

// Metrics 记录网络层运行期的关键指标（用于监控与调试）
type Metrics struct {
	SendsQueued        int64 // 进入发送队列的发送
	SendsDropped       int64 // 因队列满被丢弃的发送
	SendsFailed        int64 // 刷新时失败的发送（目标不存在等）
	SendsFlushed       int64 // 成功交给传输层的发送
	PacketsReceived    int64 // 收到的数据包
	PacketsDropped     int64 // 因格式错误或队列满被丢弃的数据包
	MessagesDispatched int64 // 交给订阅者的消息
	MessagesUnhandled  int64 // 没有订阅者的消息
	Retransmits        int64 // 可靠通道重传次数
	Rejections         int64 // 被拒绝的握手
	BytesSent          int64
	BytesReceived      int64
}

func NewMetrics() *Metrics { return &Metrics{} }

func (m *Metrics) IncQueued()        { atomic.AddInt64(&m.SendsQueued, 1) }
func (m *Metrics) IncDropped()       { atomic.AddInt64(&m.SendsDropped, 1) }
func (m *Metrics) IncFailed()        { atomic.AddInt64(&m.SendsFailed, 1) }
func (m *Metrics) IncFlushed()       { atomic.AddInt64(&m.SendsFlushed, 1) }
func (m *Metrics) IncPacketDropped() { atomic.AddInt64(&m.PacketsDropped, 1) }
func (m *Metrics) IncDispatched()    { atomic.AddInt64(&m.MessagesDispatched, 1) }
func (m *Metrics) IncUnhandled()     { atomic.AddInt64(&m.MessagesUnhandled, 1) }
func (m *Metrics) IncRetransmit()    { atomic.AddInt64(&m.Retransmits, 1) }
func (m *Metrics) IncRejection()     { atomic.AddInt64(&m.Rejections, 1) }
func (m *Metrics) AddSent(n int)     { atomic.AddInt64(&m.BytesSent, int64(n)) }

func (m *Metrics) AddReceived(n int) {
	atomic.AddInt64(&m.PacketsReceived, 1)
	atomic.AddInt64(&m.BytesReceived, int64(n))
}

// Snapshot 返回只读副本，便于 HTTP 输出
func (m *Metrics) Snapshot() map[string]any {
	return map[string]any{
		"sends_queued":        atomic.LoadInt64(&m.SendsQueued),
		"sends_dropped":       atomic.LoadInt64(&m.SendsDropped),
		"sends_failed":        atomic.LoadInt64(&m.SendsFailed),
		"sends_flushed":       atomic.LoadInt64(&m.SendsFlushed),
		"packets_received":    atomic.LoadInt64(&m.PacketsReceived),
		"packets_dropped":     atomic.LoadInt64(&m.PacketsDropped),
		"messages_dispatched": atomic.LoadInt64(&m.MessagesDispatched),
		"messages_unhandled":  atomic.LoadInt64(&m.MessagesUnhandled),
		"retransmits":         atomic.LoadInt64(&m.Retransmits),
		"rejections":          atomic.LoadInt64(&m.Rejections),
		"bytes_sent":          atomic.LoadInt64(&m.BytesSent),
		"bytes_received":      atomic.LoadInt64(&m.BytesReceived),
	}
}
