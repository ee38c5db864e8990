package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"math"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/MonoDevPro/Godot2D-FloorsLevels/client"
	"github.com/MonoDevPro/Godot2D-FloorsLevels/config"
	"github.com/MonoDevPro/Godot2D-FloorsLevels/logging"
	"github.com/MonoDevPro/Godot2D-FloorsLevels/protocol"
	"github.com/MonoDevPro/Godot2D-FloorsLevels/server"
)

// 入口：-mode server 启动权威服务端与管理接口；-mode client 启动无界面客户端
func main() {
	var (
		path string
		mode string
		name string
		addr string
		bot  bool
	)
	flag.StringVar(&path, "config", "", "TOML config file; defaults are used when empty")
	flag.StringVar(&mode, "mode", "server", "server or client")
	flag.StringVar(&name, "name", "player", "player name (client mode)")
	flag.StringVar(&addr, "admin", "", "override admin listen address, e.g. :8080")
	flag.BoolVar(&bot, "bot", false, "client walks in circles instead of standing still")
	flag.Parse()

	cfg := config.Default()
	if path != "" {
		var err error
		if cfg, err = config.Load(path); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(2)
		}
	}
	if addr != "" {
		cfg.Admin.Addr = addr
	}
	log, err := logging.New(cfg.Logging)
	if err != nil {
		panic(err)
	}
	defer logging.Sync(log)

	// 优雅退出（Ctrl+C）
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch mode {
	case "server":
		err = runServer(ctx, cfg, log)
	case "client":
		err = runClient(ctx, cfg, name, bot, log)
	default:
		err = fmt.Errorf("unknown mode %q", mode)
	}
	if err != nil {
		log.Errorw("exited with error", "err", err)
		logging.Sync(log)
		os.Exit(1)
	}
}

func runServer(ctx context.Context, cfg *config.Config, log *zap.SugaredLogger) error {
	srv, err := server.New(cfg, log)
	if err != nil {
		return err
	}
	if err := srv.Start(); err != nil {
		return err
	}

	var admin *http.Server
	if cfg.Admin.Addr != "" {
		mux := http.NewServeMux()
		srv.Routes(mux)
		admin = &http.Server{Addr: cfg.Admin.Addr, Handler: mux}
		go func() {
			log.Infof("admin listening on %s", cfg.Admin.Addr)
			if err := admin.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Errorw("admin listener failed", "err", err)
			}
		}()
	}

	err = srv.Run(ctx)
	if admin != nil {
		shutdown, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = admin.Shutdown(shutdown)
	}
	log.Info("Shutting down...")
	return err
}

func runClient(ctx context.Context, cfg *config.Config, name string, bot bool, log *zap.SugaredLogger) error {
	c, err := client.New(cfg, name, log)
	if err != nil {
		return err
	}
	if err := c.Start(); err != nil {
		return err
	}
	if bot {
		go wander(ctx, c)
	}
	return c.Run(ctx)
}

// wander 每秒把移动方向转 45 度
func wander(ctx context.Context, c *client.Client) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	angle := 0.0
	for {
		select {
		case <-ctx.Done():
			c.SetIntent(protocol.Zero)
			return
		case <-ticker.C:
			c.SetIntent(protocol.Vec2{X: float32(math.Cos(angle)), Y: float32(math.Sin(angle))})
			angle += math.Pi / 4
		}
	}
}
