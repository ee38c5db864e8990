package netcode

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/MonoDevPro/Godot2D-FloorsLevels/config"
)

const (
	wsSendQueue    = 256
	wsWriteTimeout = 5 * time.Second
)

func udpConfig(cfg config.NetworkConfig, addr string) UDPConfig {
	return UDPConfig{
		Addr:              addr,
		MaxDatagram:       cfg.MaxDatagram,
		RecvQueueSize:     cfg.RecvQueueSize,
		DisconnectTimeout: cfg.DisconnectTimeout,
		PingInterval:      cfg.PingInterval,
		ResendDelay:       cfg.ResendDelay,
		MaxRetries:        cfg.MaxRetries,
		ConnectRetry:      cfg.ConnectRetry,
		ConnectAttempts:   cfg.ConnectAttempts,
		DSCP:              cfg.DSCP,
	}
}

func wsConfig(cfg config.NetworkConfig, url string) WSConfig {
	return WSConfig{
		URL:           url,
		MaxMessage:    int64(dataHeaderLen + cfg.MaxDatagram),
		SendQueue:     wsSendQueue,
		RecvQueueSize: cfg.RecvQueueSize,
		WriteTimeout:  wsWriteTimeout,
		ReadTimeout:   cfg.DisconnectTimeout,
		PingInterval:  cfg.PingInterval,
	}
}

// NewServerTransport 按 network.transport 构造服务端传输。
// WebSocket 后端实现 http.Handler，需要由调用方挂到 ws_path 上。
func NewServerTransport(cfg config.NetworkConfig, peers *PeerRegistry, recv Receiver, metrics *Metrics, log *zap.SugaredLogger) (Transport, error) {
	switch cfg.Transport {
	case "udp":
		return NewUDPServer(udpConfig(cfg, cfg.Addr()), peers, recv, metrics, log), nil
	case "ws":
		return NewWSServer(wsConfig(cfg, ""), peers, recv, metrics, log), nil
	default:
		return nil, fmt.Errorf("netcode: unknown transport %q", cfg.Transport)
	}
}

// NewClientTransport 构造连接 cfg.Addr() 的客户端传输
func NewClientTransport(cfg config.NetworkConfig, hello Hello, peers *PeerRegistry, recv Receiver, metrics *Metrics, log *zap.SugaredLogger) (ClientTransport, error) {
	switch cfg.Transport {
	case "udp":
		return NewUDPClient(udpConfig(cfg, cfg.Addr()), hello, peers, recv, metrics, log), nil
	case "ws":
		url := fmt.Sprintf("ws://%s%s", cfg.Addr(), cfg.WSPath)
		return NewWSClient(wsConfig(cfg, url), hello, peers, recv, metrics, log), nil
	default:
		return nil, fmt.Errorf("netcode: unknown transport %q", cfg.Transport)
	}
}

// NewPublisherConfig 由配置得到发布器参数；单包上限取数据报上限
func NewPublisherConfig(cfg config.PublisherConfig, maxDatagram int) PublisherConfig {
	return PublisherConfig{
		RingCapacity:      cfg.RingCapacity,
		MaxPerTick:        cfg.MaxPerTick,
		PoolMaxFree:       cfg.PoolMaxFree,
		PoolMaxBuffers:    cfg.PoolMaxBuffers,
		CompressThreshold: cfg.CompressThreshold,
		MaxPayload:        maxDatagram,
	}
}
