package netcode

import (
	"errors"
	"time"
)

// PeerID 传输层分配的对端编号，服务端在对端断开后复用
type PeerID int32

const (
	// NoPeer 用于 Broadcast 的 except 参数，表示不排除任何对端
	NoPeer PeerID = -1
	// ServerPeer 客户端视角下服务端的编号
	ServerPeer PeerID = 0
)

// DeliveryMode 每条发送各自选择的投递保证
type DeliveryMode uint8

const (
	Unreliable DeliveryMode = iota
	Sequenced
	ReliableUnordered
	ReliableOrdered
	deliveryModes
)

func (m DeliveryMode) Reliable() bool {
	return m == ReliableUnordered || m == ReliableOrdered
}

func (m DeliveryMode) String() string {
	switch m {
	case Unreliable:
		return "unreliable"
	case Sequenced:
		return "sequenced"
	case ReliableUnordered:
		return "reliable-unordered"
	case ReliableOrdered:
		return "reliable-ordered"
	default:
		return "unknown"
	}
}

var (
	ErrUnknownPeer     = errors.New("netcode: unknown peer")
	ErrPayloadTooLarge = errors.New("netcode: payload too large")
	ErrNotRunning      = errors.New("netcode: transport not running")
	ErrAlreadyRunning  = errors.New("netcode: transport already running")
)

// Receiver 接收已建立连接的对端发来的数据包
type Receiver interface {
	Receive(peer PeerID, payload []byte, mode DeliveryMode)
}

// Transport 拥有底层连接与对端表。
// 除 Start/Stop 外的方法只能在仿真协程中调用；Poll 从不阻塞。
type Transport interface {
	Start() error
	Poll(now time.Time) error
	Send(peer PeerID, payload []byte, mode DeliveryMode) error
	// Broadcast 发送给除 except 之外的全部对端
	Broadcast(payload []byte, mode DeliveryMode, except PeerID) error
	Disconnect(peer PeerID, reason string)
	Stop() error
}

// ClientTransport 客户端额外提供服务端分配的本地编号
type ClientTransport interface {
	Transport
	// LocalID 握手成功前返回 NoPeer
	LocalID() PeerID
}
