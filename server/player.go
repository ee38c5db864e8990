package server

import (
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/yohamta/donburi"

	"github.com/MonoDevPro/Godot2D-FloorsLevels/netcode"
	"github.com/MonoDevPro/Godot2D-FloorsLevels/protocol"
	"github.com/MonoDevPro/Godot2D-FloorsLevels/sim"
)

// maxNameRunes 显示名上限（字符数）
const maxNameRunes = 24

// palette 按编号分配的玩家颜色
var palette = []protocol.Color{
	{R: 0.90, G: 0.30, B: 0.30, A: 1},
	{R: 0.30, G: 0.60, B: 0.95, A: 1},
	{R: 0.35, G: 0.80, B: 0.40, A: 1},
	{R: 0.95, G: 0.80, B: 0.25, A: 1},
	{R: 0.70, G: 0.40, B: 0.90, A: 1},
	{R: 0.95, G: 0.55, B: 0.20, A: 1},
	{R: 0.30, G: 0.85, B: 0.85, A: 1},
	{R: 0.95, G: 0.45, B: 0.75, A: 1},
}

// Player 房间内的玩家（服务端权威状态在 ECS 中，这里只记录会话信息）
type Player struct {
	ID       netcode.PeerID
	Name     string
	Tint     protocol.Color
	Entity   donburi.Entity
	Body     *sim.PointBody
	JoinedAt time.Time
}

// PlayerView 管理接口输出的玩家摘要
type PlayerView struct {
	ID       int32   `json:"id"`
	Name     string  `json:"name"`
	X        float32 `json:"x"`
	Y        float32 `json:"y"`
	JoinedAt string  `json:"joined_at"`
}

func tintFor(id netcode.PeerID) protocol.Color {
	return palette[int(id)%len(palette)]
}

// sanitizeName 去掉控制字符并截断；为空时使用默认名
func sanitizeName(name string, id netcode.PeerID) string {
	name = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, strings.TrimSpace(name))
	if r := []rune(name); len(r) > maxNameRunes {
		name = string(r[:maxNameRunes])
	}
	if name == "" {
		name = fmt.Sprintf("player-%d", id)
	}
	return name
}
