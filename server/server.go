package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
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

// Server 权威服务端：持有网络栈、ECS 世界与调度器。
// 除 Start/Close 与管理接口外，全部状态只在 Run 所在的协程中访问。
type Server struct {
	cfg *config.Config
	log *zap.SugaredLogger

	reg        *protocol.Registry
	metrics    *netcode.Metrics
	stats      *Metrics
	peers      *netcode.PeerRegistry
	dispatcher *netcode.Dispatcher
	transport  netcode.Transport
	pub        *netcode.Publisher

	world  *sim.World
	space  *sim.Space
	sched  *sim.Scheduler
	runner *sim.Runner
	room   *Room
	input  *InputHandler
	repl   *Replicator

	commands chan func()
	wsServer *http.Server
}

// New 构造服务端；注册表或系统顺序有误时返回错误
func New(cfg *config.Config, log *zap.SugaredLogger) (*Server, error) {
	reg, err := protocol.NewDefaultRegistry(cfg.Network.MaxStringLength)
	if err != nil {
		return nil, fmt.Errorf("message registry: %w", err)
	}
	s := &Server{
		cfg:      cfg,
		log:      log.Named("server"),
		reg:      reg,
		metrics:  netcode.NewMetrics(),
		stats:    &Metrics{},
		commands: make(chan func(), 64),
	}
	s.peers = netcode.NewPeerRegistry(netcode.PeerRegistryConfig{
		MaxPeers:    cfg.Network.MaxPeers,
		SecretKey:   cfg.Network.SecretKey,
		Fingerprint: reg.Fingerprint(),
		HelloRate:   cfg.Network.HelloRate,
		HelloBurst:  cfg.Network.HelloBurst,
	}, log)
	s.dispatcher = netcode.NewDispatcher(reg, cfg.Dispatcher.MaxPerTick, maxPacketSize, s.metrics, log)
	if s.transport, err = netcode.NewServerTransport(cfg.Network, s.peers, s.dispatcher, s.metrics, log); err != nil {
		return nil, err
	}
	s.pub = netcode.NewPublisher(netcode.NewPublisherConfig(cfg.Publisher, cfg.Network.MaxDatagram), reg, s.transport, s.metrics, log)

	simCfg := cfg.Simulation
	s.world = sim.NewWorld()
	s.space = sim.NewSpace(simCfg.WorldWidth, simCfg.WorldHeight)
	s.repl = NewReplicator(s.world, s.pub, cfg.Replication, s.stats, log)
	s.room = NewRoom(s.world, s.space, s.pub, s.repl, s.stats, simCfg.WorldWidth, simCfg.WorldHeight, cfg.Input.Speed, log)
	s.room.Bind(s.dispatcher, s.peers)
	s.input = NewInputHandler(s.world, s.stats, log)
	s.input.Bind(s.dispatcher)

	s.sched = sim.NewScheduler(s.world, log)
	if err := s.register(); err != nil {
		return nil, fmt.Errorf("register systems: %w", err)
	}
	s.runner = sim.NewRunner(s.sched, sim.RunnerConfig{
		ProcessHz:       simCfg.ProcessHz,
		PhysicsHz:       simCfg.PhysicsHz,
		MaxPhysicsSteps: simCfg.MaxPhysicsSteps,
	}, log)
	s.runner.OnFrame = func(took time.Duration) { s.stats.AddTick(took.Nanoseconds()) }
	return s, nil
}

// Start 启动传输层；WebSocket 后端额外在 network 地址上监听 HTTP
func (s *Server) Start() error {
	if err := s.transport.Start(); err != nil {
		return fmt.Errorf("start transport: %w", err)
	}
	if h, ok := s.transport.(http.Handler); ok {
		mux := http.NewServeMux()
		mux.Handle(s.cfg.Network.WSPath, h)
		ln, err := net.Listen("tcp", s.cfg.Network.Addr())
		if err != nil {
			s.transport.Stop()
			return fmt.Errorf("listen %s: %w", s.cfg.Network.Addr(), err)
		}
		s.wsServer = &http.Server{Handler: mux}
		go func() {
			if err := s.wsServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.log.Errorw("websocket listener failed", "err", err)
			}
		}()
		s.log.Infow("websocket endpoint ready", "addr", ln.Addr().String(), "path", s.cfg.Network.WSPath)
	}
	s.log.Infow("server started",
		"transport", s.cfg.Network.Transport, "max_peers", s.cfg.Network.MaxPeers,
		"registry", fmt.Sprintf("%x", s.reg.Fingerprint()))
	return nil
}

// Run 驱动仿真直到 ctx 取消或致命错误，随后关闭服务端
func (s *Server) Run(ctx context.Context) error {
	err := s.runner.Run(ctx)
	return multierr.Append(err, s.Close())
}

// Step 手动推进一帧（测试与单步调试）
func (s *Server) Step(now time.Time) error {
	return s.runner.Step(now)
}

// Close 通知全部对端并释放资源
func (s *Server) Close() error {
	var errs error
	errs = multierr.Append(errs, s.transport.Stop())
	s.pub.Close()
	s.input.Close()
	errs = multierr.Append(errs, s.sched.Dispose())
	s.dispatcher.Close()
	if s.wsServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		errs = multierr.Append(errs, s.wsServer.Shutdown(ctx))
	}
	if live, _ := s.pub.Pool().Stats(); live != 0 {
		s.log.Warnw("buffers still rented at shutdown", "live", live)
	}
	s.log.Info("server stopped")
	return errs
}

// LocalAddr UDP 后端实际监听的地址；其他后端返回 nil
func (s *Server) LocalAddr() net.Addr {
	if u, ok := s.transport.(*netcode.UDPTransport); ok {
		return u.LocalAddr()
	}
	return nil
}

func (s *Server) Peers() *netcode.PeerRegistry { return s.peers }
func (s *Server) World() *sim.World            { return s.world }
func (s *Server) Room() *Room                  { return s.room }
func (s *Server) Stats() *Metrics              { return s.stats }
func (s *Server) NetMetrics() *netcode.Metrics { return s.metrics }
