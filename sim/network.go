package sim

import (
	"time"

	"github.com/MonoDevPro/Godot2D-FloorsLevels/netcode"
)

// maxCommandsPerTick 每帧最多执行的外部命令
const maxCommandsPerTick = 16

// NetworkReceiveSystem 帧首：执行外部命令 → 轮询传输 → 分发入站消息
type NetworkReceiveSystem struct {
	transport  netcode.Transport
	dispatcher *netcode.Dispatcher
	commands   <-chan func()
	now        func() time.Time
}

// NewNetworkReceiveSystem commands 可为 nil；其中的函数在仿真协程中执行
func NewNetworkReceiveSystem(tr netcode.Transport, d *netcode.Dispatcher, commands <-chan func()) *NetworkReceiveSystem {
	return &NetworkReceiveSystem{transport: tr, dispatcher: d, commands: commands, now: time.Now}
}

func (s *NetworkReceiveSystem) Stage() Stage { return StageReceive }

func (s *NetworkReceiveSystem) BeforeUpdate(float32) error {
drain:
	for i := 0; i < maxCommandsPerTick; i++ {
		select {
		case fn := <-s.commands:
			fn()
		default:
			break drain
		}
	}
	if err := s.transport.Poll(s.now()); err != nil {
		return err
	}
	s.dispatcher.Dispatch()
	return nil
}

// NetworkPublishSystem 帧尾：把本帧排队的发送交给传输层
type NetworkPublishSystem struct {
	publisher *netcode.Publisher
}

func NewNetworkPublishSystem(p *netcode.Publisher) *NetworkPublishSystem {
	return &NetworkPublishSystem{publisher: p}
}

func (s *NetworkPublishSystem) Stage() Stage { return StagePublish }

func (s *NetworkPublishSystem) AfterUpdate(float32) error {
	s.publisher.Flush()
	return nil
}
