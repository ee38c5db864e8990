package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"
)

const adminTimeout = 2 * time.Second

var errAdminBusy = errors.New("simulation busy")

// Tunables 可在运行期调整的参数；POST 时缺省字段保持不变
type Tunables struct {
	TickInterval         *float64 `json:"tickInterval,omitempty"`
	PositionEpsilon      *float32 `json:"positionEpsilon,omitempty"`
	VelocityEpsilon      *float32 `json:"velocityEpsilon,omitempty"`
	DispatcherMaxPerTick *int     `json:"dispatcherMaxPerTick,omitempty"`
	PublisherMaxPerTick  *int     `json:"publisherMaxPerTick,omitempty"`
	Speed                *float32 `json:"speed,omitempty"`
}

// Routes 注册管理与监控接口
func (s *Server) Routes(mux *http.ServeMux) {
	mux.HandleFunc("/admin/config", s.HandleAdminConfig)
	mux.HandleFunc("/admin/players", s.HandlePlayers)
	mux.HandleFunc("/metrics", s.HandleMetrics)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})
}

// do 把 fn 交给仿真协程执行并等待完成
func (s *Server) do(ctx context.Context, fn func()) error {
	ctx, cancel := context.WithTimeout(ctx, adminTimeout)
	defer cancel()
	done := make(chan struct{})
	select {
	case s.commands <- func() { fn(); close(done) }:
	case <-ctx.Done():
		return errAdminBusy
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return errAdminBusy
	}
}

func (s *Server) tunables() Tunables {
	interval := s.repl.Interval()
	pos, vel := s.repl.Epsilon()
	dmax := s.dispatcher.MaxPerTick()
	pmax := s.pub.MaxPerTick()
	speed := s.room.Speed()
	return Tunables{
		TickInterval:         &interval,
		PositionEpsilon:      &pos,
		VelocityEpsilon:      &vel,
		DispatcherMaxPerTick: &dmax,
		PublisherMaxPerTick:  &pmax,
		Speed:                &speed,
	}
}

// Apply 在仿真协程中应用参数修改
func (s *Server) Apply(t Tunables) {
	if t.TickInterval != nil {
		s.repl.SetInterval(*t.TickInterval)
	}
	if t.PositionEpsilon != nil || t.VelocityEpsilon != nil {
		pos, vel := s.repl.Epsilon()
		if t.PositionEpsilon != nil {
			pos = *t.PositionEpsilon
		}
		if t.VelocityEpsilon != nil {
			vel = *t.VelocityEpsilon
		}
		s.repl.SetEpsilon(pos, vel)
	}
	if t.DispatcherMaxPerTick != nil {
		s.dispatcher.SetMaxPerTick(*t.DispatcherMaxPerTick)
	}
	if t.PublisherMaxPerTick != nil {
		s.pub.SetMaxPerTick(*t.PublisherMaxPerTick)
	}
	if t.Speed != nil {
		s.room.SetSpeed(*t.Speed)
	}
}

func validTunables(t Tunables) bool {
	switch {
	case t.TickInterval != nil && *t.TickInterval <= 0:
	case t.PositionEpsilon != nil && *t.PositionEpsilon < 0:
	case t.VelocityEpsilon != nil && *t.VelocityEpsilon < 0:
	case t.DispatcherMaxPerTick != nil && *t.DispatcherMaxPerTick <= 0:
	case t.PublisherMaxPerTick != nil && *t.PublisherMaxPerTick <= 0:
	case t.Speed != nil && *t.Speed < 0:
	default:
		return true
	}
	return false
}

// HandleAdminConfig 运行期参数的读取与更新
// GET /admin/config   返回当前参数
// POST /admin/config  以 JSON 载荷更新部分字段
func (s *Server) HandleAdminConfig(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		var cur Tunables
		if err := s.do(r.Context(), func() { cur = s.tunables() }); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		writeJSON(w, cur)
	case http.MethodPost:
		var body Tunables
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, "invalid json", http.StatusBadRequest)
			return
		}
		if !validTunables(body) {
			http.Error(w, "invalid value", http.StatusBadRequest)
			return
		}
		var cur Tunables
		if err := s.do(r.Context(), func() { s.Apply(body); cur = s.tunables() }); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		s.log.Infow("config updated",
			"tickInterval", *cur.TickInterval, "positionEpsilon", *cur.PositionEpsilon,
			"velocityEpsilon", *cur.VelocityEpsilon, "dispatcherMaxPerTick", *cur.DispatcherMaxPerTick,
			"publisherMaxPerTick", *cur.PublisherMaxPerTick, "speed", *cur.Speed)
		writeJSON(w, map[string]any{"ok": true, "config": cur})
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// HandlePlayers 当前玩家列表
func (s *Server) HandlePlayers(w http.ResponseWriter, r *http.Request) {
	var players []PlayerView
	if err := s.do(r.Context(), func() { players = s.room.Players() }); err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, players)
}

// HandleMetrics 输出运行指标与对端列表
// GET /metrics
func (s *Server) HandleMetrics(w http.ResponseWriter, r *http.Request) {
	type peerView struct {
		ID    int32   `json:"id"`
		Addr  string  `json:"addr"`
		RTTMs float64 `json:"rtt_ms"`
	}
	peers := s.peers.Peers()
	views := make([]peerView, 0, len(peers))
	for _, p := range peers {
		views = append(views, peerView{ID: int32(p.ID), Addr: p.Addr, RTTMs: float64(p.RTT) / 1e6})
	}
	live, free := s.pub.Pool().Stats()
	writeJSON(w, map[string]any{
		"simulation": s.stats.Snapshot(),
		"network":    s.metrics.Snapshot(),
		"pool":       map[string]int{"live": live, "free": free},
		"peers":      views,
		"capacity":   s.peers.MaxPeers(),
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
