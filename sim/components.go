package sim

import (
	"github.com/yohamta/donburi"

	"github.com/MonoDevPro/Godot2D-FloorsLevels/protocol"
)

// NetworkIdentityData 网络编号，与所属对端的 PeerID 一致
type NetworkIdentityData struct {
	ID int32
}

type PositionData struct {
	Value protocol.Vec2
}

type VelocityData struct {
	Value protocol.Vec2
}

// InputStateData 本帧待应用的移动意图；Pending 为 false 时不改变速度
type InputStateData struct {
	Value   protocol.Vec2
	Pending bool
}

// InputRequestData 网络层写入的输入命令，下一个逻辑步才进入 InputState
type InputRequestData struct {
	Value   protocol.Vec2
	Pending bool
}

type SpeedData struct {
	Value float32
}

// PlayerInfoData 加入时公布的展示信息
type PlayerInfoData struct {
	Name string
	Tint protocol.Color
}

type BodyRefData struct {
	Body Body
}

type LocalPlayerTag struct{}

type RemoteProxyTag struct{}

var (
	NetworkIdentity = donburi.NewComponentType[NetworkIdentityData]()
	Position        = donburi.NewComponentType[PositionData]()
	Velocity        = donburi.NewComponentType[VelocityData]()
	InputState      = donburi.NewComponentType[InputStateData]()
	InputRequest    = donburi.NewComponentType[InputRequestData]()
	Speed           = donburi.NewComponentType[SpeedData]()
	PlayerInfo      = donburi.NewComponentType[PlayerInfoData]()
	BodyRef         = donburi.NewComponentType[BodyRefData]()
	LocalPlayer     = donburi.NewComponentType[LocalPlayerTag]()
	RemoteProxy     = donburi.NewComponentType[RemoteProxyTag]()
)
