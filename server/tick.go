package server

import (
	"github.com/MonoDevPro/Godot2D-FloorsLevels/sim"
)

// register 核心循环：接收 → 逻辑 → 复制 → 发送；物理组：输入 → 刚体 → 回写
func (s *Server) register() error {
	process := []sim.System{
		sim.NewNetworkReceiveSystem(s.transport, s.dispatcher, s.commands),
		s.room,
		sim.NewInputRequestSystem(s.world),
		s.repl,
		sim.NewNetworkPublishSystem(s.pub),
	}
	for _, sys := range process {
		if err := s.sched.Process.Add(sys); err != nil {
			return err
		}
	}
	physics := []sim.System{
		sim.NewInputApplySystem(s.world),
		sim.NewBodyInputSystem(s.world),
		sim.NewSpaceSystem(s.space),
		sim.NewBodyOutputSystem(s.world),
	}
	for _, sys := range physics {
		if err := s.sched.Physics.Add(sys); err != nil {
			return err
		}
	}
	return nil
}
