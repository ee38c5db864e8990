package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/MonoDevPro/Godot2D-FloorsLevels/config"
	"github.com/MonoDevPro/Godot2D-FloorsLevels/netcode"
	"github.com/MonoDevPro/Godot2D-FloorsLevels/protocol"
	"github.com/MonoDevPro/Godot2D-FloorsLevels/sim"
)

// maxPacketSize 解压后单包上限
const maxPacketSize = 64 << 10

var ErrDisconnected = errors.New("client: disconnected from server")

// Client 无界面客户端：连接服务端、预测本地移动、应用权威快照
type Client struct {
	cfg  *config.Config
	log  *zap.SugaredLogger
	name string

	reg        *protocol.Registry
	metrics    *netcode.Metrics
	peers      *netcode.PeerRegistry
	dispatcher *netcode.Dispatcher
	transport  netcode.ClientTransport
	pub        *netcode.Publisher

	world  *sim.World
	sched  *sim.Scheduler
	runner *sim.Runner
	input  *InputSystem
	state  *StateSync
	intent Intent

	mu     sync.Mutex
	lost   *netcode.DisconnectInfo
	cancel context.CancelFunc
}

func New(cfg *config.Config, name string, log *zap.SugaredLogger) (*Client, error) {
	reg, err := protocol.NewDefaultRegistry(cfg.Network.MaxStringLength)
	if err != nil {
		return nil, fmt.Errorf("message registry: %w", err)
	}
	c := &Client{
		cfg:     cfg,
		log:     log.Named("client"),
		name:    name,
		reg:     reg,
		metrics: netcode.NewMetrics(),
	}
	c.peers = netcode.NewPeerRegistry(netcode.PeerRegistryConfig{
		MaxPeers:    1,
		SecretKey:   cfg.Network.SecretKey,
		Fingerprint: reg.Fingerprint(),
	}, log)
	c.dispatcher = netcode.NewDispatcher(reg, cfg.Dispatcher.MaxPerTick, maxPacketSize, c.metrics, log)
	hello := netcode.NewHello(cfg.Network.SecretKey, reg)
	if c.transport, err = netcode.NewClientTransport(cfg.Network, hello, c.peers, c.dispatcher, c.metrics, log); err != nil {
		return nil, err
	}
	c.pub = netcode.NewPublisher(netcode.NewPublisherConfig(cfg.Publisher, cfg.Network.MaxDatagram), reg, c.transport, c.metrics, log)

	c.world = sim.NewWorld()
	c.state = NewStateSync(c.world, cfg.Input.Speed, c.transport.LocalID, log)
	c.state.Bind(c.dispatcher)
	c.input = NewInputSystem(c.world, c.pub, &c.intent,
		NewThrottle(cfg.Input.SendInterval, cfg.Input.SendThreshold), cfg.Input.Deadzone, c.transport.LocalID, log)

	c.peers.OnConnect(c.onConnect)
	c.peers.OnDisconnect(c.onDisconnect)

	c.sched = sim.NewScheduler(c.world, log)
	if err := c.register(); err != nil {
		return nil, fmt.Errorf("register systems: %w", err)
	}
	simCfg := cfg.Simulation
	c.runner = sim.NewRunner(c.sched, sim.RunnerConfig{
		ProcessHz:       simCfg.ProcessHz,
		PhysicsHz:       simCfg.PhysicsHz,
		MaxPhysicsSteps: simCfg.MaxPhysicsSteps,
	}, log)
	return c, nil
}

// register 处理组：接收 → 输入 → 发送；物理组：输入应用 → 航位推算
func (c *Client) register() error {
	process := []sim.System{
		sim.NewNetworkReceiveSystem(c.transport, c.dispatcher, nil),
		c.input,
		sim.NewNetworkPublishSystem(c.pub),
	}
	for _, sys := range process {
		if err := c.sched.Process.Add(sys); err != nil {
			return err
		}
	}
	physics := []sim.System{
		sim.NewInputApplySystem(c.world),
		sim.NewMovementSystem(c.world, c.cfg.Simulation.WorldWidth, c.cfg.Simulation.WorldHeight),
	}
	for _, sys := range physics {
		if err := c.sched.Physics.Add(sys); err != nil {
			return err
		}
	}
	return nil
}

func (c *Client) onConnect(info netcode.PeerInfo) {
	c.log.Infow("connected", "server", info.Addr, "localID", c.transport.LocalID())
	if err := c.pub.SendTo(netcode.ServerPeer, protocol.JoinRequest{Name: c.name}, netcode.ReliableOrdered); err != nil {
		c.log.Errorw("join request failed", "err", err)
	}
}

func (c *Client) onDisconnect(_ netcode.PeerInfo, d netcode.DisconnectInfo) {
	c.log.Warnw("disconnected", "reason", d.String())
	c.mu.Lock()
	c.lost = &d
	cancel := c.cancel
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Start 开始连接服务端；握手在 Poll 中推进
func (c *Client) Start() error {
	if err := c.transport.Start(); err != nil {
		return fmt.Errorf("start transport: %w", err)
	}
	c.log.Infow("client started", "transport", c.cfg.Network.Transport, "server", c.cfg.Network.Addr(), "name", c.name)
	return nil
}

// Run 驱动本地仿真直到 ctx 取消或与服务端断开，随后离开并关闭客户端
func (c *Client) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.cancel = cancel
	c.mu.Unlock()
	defer cancel()

	err := c.runner.Run(ctx)
	if d := c.Lost(); d == nil {
		// 主动退出：由 Close 一并送出
		_ = c.Leave()
	} else if d.Reason != netcode.ReasonLocalClose {
		err = multierr.Append(err, fmt.Errorf("%w: %s", ErrDisconnected, d))
	}
	return multierr.Append(err, c.Close())
}

// Step 手动推进一帧
func (c *Client) Step(now time.Time) error {
	return c.runner.Step(now)
}

// SetIntent 设置移动意图，可在任意协程调用
func (c *Client) SetIntent(v protocol.Vec2) { c.intent.Set(v) }

// Leave 通知服务端离开；随后仍需 Close
func (c *Client) Leave() error {
	return c.pub.SendTo(netcode.ServerPeer, protocol.LeftRequest{}, netcode.ReliableOrdered)
}

// Close 断开连接并释放资源
func (c *Client) Close() error {
	var errs error
	// 送出 Leave 等尚在队列中的消息
	c.pub.Flush()
	errs = multierr.Append(errs, c.transport.Stop())
	c.pub.Close()
	c.state.Close()
	errs = multierr.Append(errs, c.sched.Dispose())
	c.dispatcher.Close()
	c.log.Info("client stopped")
	return errs
}

// Lost 断开原因；仍在连接时返回 nil
func (c *Client) Lost() *netcode.DisconnectInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lost
}

func (c *Client) LocalID() netcode.PeerID      { return c.transport.LocalID() }
func (c *Client) World() *sim.World            { return c.world }
func (c *Client) Input() *InputSystem          { return c.input }
func (c *Client) NetMetrics() *netcode.Metrics { return c.metrics }
