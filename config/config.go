package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
	"go.uber.org/multierr"
)

// Config 全部运行参数；未在文件中出现的字段保持 Default() 的取值
type Config struct {
	Network     NetworkConfig     `toml:"network"`
	Publisher   PublisherConfig   `toml:"publisher"`
	Dispatcher  DispatcherConfig  `toml:"dispatcher"`
	Replication ReplicationConfig `toml:"replication"`
	Input       InputConfig       `toml:"input"`
	Simulation  SimulationConfig  `toml:"simulation"`
	Logging     LoggingConfig     `toml:"logging"`
	Admin       AdminConfig       `toml:"admin"`
}

type NetworkConfig struct {
	Transport         string        `toml:"transport"` // "udp" 或 "ws"
	Host              string        `toml:"host"`
	Port              int           `toml:"port"`
	SecretKey         string        `toml:"secret_key"`
	MaxPeers          int           `toml:"max_peers"`
	MaxStringLength   int           `toml:"max_string_length"`
	MaxDatagram       int           `toml:"max_datagram"` // 单个数据报负载上限（字节）
	RecvQueueSize     int           `toml:"recv_queue_size"`
	WSPath            string        `toml:"ws_path"`
	DisconnectTimeout time.Duration `toml:"disconnect_timeout"`
	PingInterval      time.Duration `toml:"ping_interval"`
	ResendDelay       time.Duration `toml:"resend_delay"`
	MaxRetries        int           `toml:"max_retries"`
	ConnectRetry      time.Duration `toml:"connect_retry"`
	ConnectAttempts   int           `toml:"connect_attempts"`
	HelloRate         float64       `toml:"hello_rate"` // 每个来源地址每秒允许的握手次数
	HelloBurst        int           `toml:"hello_burst"`
	DSCP              bool          `toml:"dscp"` // 为 UDP 套接字标记 AF31
}

type PublisherConfig struct {
	RingCapacity      int `toml:"ring_capacity"`
	MaxPerTick        int `toml:"max_per_tick"`
	PoolMaxFree       int `toml:"pool_max_free"`
	PoolMaxBuffers    int `toml:"pool_max_buffers"`
	CompressThreshold int `toml:"compress_threshold"` // 0 表示关闭压缩
}

type DispatcherConfig struct {
	MaxPerTick int `toml:"max_per_tick"`
}

type ReplicationConfig struct {
	TickInterval    float64 `toml:"tick_interval"` // 秒
	MaxCatchUp      int     `toml:"max_catch_up"`
	PositionEpsilon float32 `toml:"position_epsilon"`
	VelocityEpsilon float32 `toml:"velocity_epsilon"`
	MaxBatch        int     `toml:"max_batch"`
}

type InputConfig struct {
	SendInterval  float64 `toml:"send_interval"` // 秒
	Deadzone      float32 `toml:"deadzone"`
	SendThreshold float32 `toml:"send_threshold"`
	Speed         float32 `toml:"speed"` // 单位/秒
}

type SimulationConfig struct {
	ProcessHz       int     `toml:"process_hz"`
	PhysicsHz       int     `toml:"physics_hz"`
	MaxPhysicsSteps int     `toml:"max_physics_steps"`
	WorldWidth      float32 `toml:"world_width"` // 0 表示不限边界
	WorldHeight     float32 `toml:"world_height"`
}

type LoggingConfig struct {
	File       string `toml:"file"`
	Level      string `toml:"level"`
	Format     string `toml:"format"` // "console" 或 "json"
	Stderr     bool   `toml:"stderr"`
	MaxSizeMB  int    `toml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days"`
}

type AdminConfig struct {
	Addr string `toml:"addr"` // 空字符串表示不启动管理接口
}

// Load 读取 TOML 文件并覆盖默认值
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	cfg := Default()
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Default 返回内置默认配置
func Default() *Config {
	return &Config{
		Network: NetworkConfig{
			Transport:         "udp",
			Host:              "localhost",
			Port:              7000,
			SecretKey:         "GameServerKey",
			MaxPeers:          10,
			MaxStringLength:   256,
			MaxDatagram:       1200,
			RecvQueueSize:     1024,
			WSPath:            "/ws",
			DisconnectTimeout: 5 * time.Second,
			PingInterval:      time.Second,
			ResendDelay:       100 * time.Millisecond,
			MaxRetries:        30,
			ConnectRetry:      500 * time.Millisecond,
			ConnectAttempts:   10,
			HelloRate:         10,
			HelloBurst:        20,
			DSCP:              true,
		},
		Publisher: PublisherConfig{
			RingCapacity:      1024,
			MaxPerTick:        256,
			PoolMaxFree:       4096,
			PoolMaxBuffers:    1 << 16,
			CompressThreshold: 512,
		},
		Dispatcher: DispatcherConfig{
			MaxPerTick: 128,
		},
		Replication: ReplicationConfig{
			TickInterval:    0.1,
			MaxCatchUp:      5,
			PositionEpsilon: 0.01,
			VelocityEpsilon: 0.01,
			MaxBatch:        48,
		},
		Input: InputConfig{
			SendInterval:  0.05,
			Deadzone:      0.1,
			SendThreshold: 0.01,
			Speed:         100,
		},
		Simulation: SimulationConfig{
			ProcessHz:       60,
			PhysicsHz:       60,
			MaxPhysicsSteps: 5,
		},
		Logging: LoggingConfig{
			File:       "app.log",
			Level:      "debug",
			Format:     "console",
			MaxSizeMB:  10,
			MaxBackups: 3,
			MaxAgeDays: 7,
		},
		Admin: AdminConfig{
			Addr: ":8080",
		},
	}
}

// Validate 检查容量与频率类参数
func (c *Config) Validate() error {
	var errs []error
	positive := func(name string, v int) {
		if v <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %d", name, v))
		}
	}
	switch c.Network.Transport {
	case "udp", "ws":
	default:
		errs = append(errs, fmt.Errorf("network.transport must be udp or ws, got %q", c.Network.Transport))
	}
	if c.Network.Port < 0 || c.Network.Port > 65535 {
		errs = append(errs, fmt.Errorf("network.port out of range: %d", c.Network.Port))
	}
	positive("network.max_peers", c.Network.MaxPeers)
	positive("network.max_string_length", c.Network.MaxStringLength)
	positive("network.max_datagram", c.Network.MaxDatagram)
	positive("network.recv_queue_size", c.Network.RecvQueueSize)
	positive("network.max_retries", c.Network.MaxRetries)
	positive("network.connect_attempts", c.Network.ConnectAttempts)
	positive("publisher.ring_capacity", c.Publisher.RingCapacity)
	positive("publisher.max_per_tick", c.Publisher.MaxPerTick)
	positive("publisher.pool_max_free", c.Publisher.PoolMaxFree)
	positive("publisher.pool_max_buffers", c.Publisher.PoolMaxBuffers)
	positive("dispatcher.max_per_tick", c.Dispatcher.MaxPerTick)
	positive("replication.max_catch_up", c.Replication.MaxCatchUp)
	positive("replication.max_batch", c.Replication.MaxBatch)
	positive("simulation.process_hz", c.Simulation.ProcessHz)
	positive("simulation.physics_hz", c.Simulation.PhysicsHz)
	positive("simulation.max_physics_steps", c.Simulation.MaxPhysicsSteps)
	if c.Network.MaxStringLength > 0xFFFF {
		errs = append(errs, fmt.Errorf("network.max_string_length exceeds uint16 prefix: %d", c.Network.MaxStringLength))
	}
	if c.Replication.TickInterval <= 0 {
		errs = append(errs, fmt.Errorf("replication.tick_interval must be positive, got %v", c.Replication.TickInterval))
	}
	if c.Input.SendInterval < 0 {
		errs = append(errs, fmt.Errorf("input.send_interval must not be negative, got %v", c.Input.SendInterval))
	}
	return multierr.Combine(errs...)
}

// Addr 返回 host:port
func (n NetworkConfig) Addr() string {
	return net.JoinHostPort(n.Host, strconv.Itoa(n.Port))
}
