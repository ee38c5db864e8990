package netcode

import "time"

// reliableWindow 可靠通道允许的在途/乱序序号跨度
const reliableWindow = 512

// seqNewer a 在回绕意义上比 b 新
func seqNewer(a, b uint16) bool {
	return int16(a-b) > 0
}

type outgoing struct {
	frame    []byte
	sentAt   time.Time
	attempts int
}

// channel 单个投递模式的收发状态
type channel struct {
	mode DeliveryMode

	nextSeq uint16
	pending map[uint16]*outgoing

	expected uint16            // 可靠：下一个连续序号
	held     map[uint16][]byte // 有序：乱序到达的负载；无序：已投递标记
	lastSeq  uint16
	hasLast  bool
}

func newChannel(mode DeliveryMode) *channel {
	c := &channel{mode: mode}
	if mode.Reliable() {
		c.pending = make(map[uint16]*outgoing)
		c.held = make(map[uint16][]byte)
	}
	return c
}

func (c *channel) takeSeq() uint16 {
	s := c.nextSeq
	c.nextSeq++
	return s
}

// windowFull 在途可靠包过多
func (c *channel) windowFull() bool {
	return len(c.pending) >= reliableWindow
}

// accept 处理到达的 data，按投递模式调用 deliver；返回是否需要回 ack。
// 可靠模式下已投递的旧序号照常确认，超出窗口的新序号不确认
func (c *channel) accept(seq uint16, payload []byte, deliver func([]byte)) bool {
	switch c.mode {
	case Unreliable:
		deliver(payload)
		return false

	case Sequenced:
		if c.hasLast && !seqNewer(seq, c.lastSeq) {
			return false
		}
		c.hasLast = true
		c.lastSeq = seq
		deliver(payload)
		return false

	case ReliableOrdered:
		switch {
		case seq == c.expected:
			deliver(payload)
			c.expected++
			for {
				next, ok := c.held[c.expected]
				if !ok {
					break
				}
				delete(c.held, c.expected)
				deliver(next)
				c.expected++
			}
		case seqNewer(seq, c.expected) && seq-c.expected < reliableWindow:
			if _, dup := c.held[seq]; !dup {
				c.held[seq] = append([]byte(nil), payload...)
			}
		case seqNewer(seq, c.expected):
			// 超出窗口：不存也不确认，等待重传
			return false
		}
		return true

	case ReliableUnordered:
		switch {
		case seq == c.expected:
			deliver(payload)
			c.expected++
			for {
				if _, ok := c.held[c.expected]; !ok {
					break
				}
				delete(c.held, c.expected)
				c.expected++
			}
		case seqNewer(seq, c.expected) && seq-c.expected < reliableWindow:
			if _, dup := c.held[seq]; !dup {
				c.held[seq] = nil
				deliver(payload)
			}
		case seqNewer(seq, c.expected):
			return false
		}
		return true
	}
	return false
}

func (c *channel) ack(seq uint16) {
	delete(c.pending, seq)
}
