package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"go.uber.org/zap/zaptest"

	"github.com/MonoDevPro/Godot2D-FloorsLevels/config"
)

// runningServer 在后台协程中运行仿真，测试结束时停止
func runningServer(t *testing.T) *Server {
	t.Helper()
	cfg := config.Default()
	cfg.Network.Host = "127.0.0.1"
	cfg.Network.Port = 0
	cfg.Network.DSCP = false
	s, err := New(cfg, zaptest.NewLogger(t).Sugar())
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Start(); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		if err := <-done; err != nil {
			t.Errorf("run: %v", err)
		}
	})
	return s
}

func TestAdminConfigUpdate(t *testing.T) {
	s := runningServer(t)
	mux := http.NewServeMux()
	s.Routes(mux)

	req := httptest.NewRequest(http.MethodPost, "/admin/config", strings.NewReader(`{"speed": 42, "tickInterval": 0.2}`))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		OK     bool     `json:"ok"`
		Config Tunables `json:"config"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if !resp.OK || resp.Config.Speed == nil || *resp.Config.Speed != 42 {
		t.Errorf("Expected speed 42, got %+v", resp)
	}
	if resp.Config.TickInterval == nil || *resp.Config.TickInterval != 0.2 {
		t.Errorf("Expected tick interval 0.2, got %+v", resp.Config.TickInterval)
	}

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/admin/config", strings.NewReader(`{"tickInterval": -1}`)))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for negative interval, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/admin/config", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("Expected 405, got %d", rec.Code)
	}
}

func TestAdminPlayersAndMetrics(t *testing.T) {
	s := runningServer(t)
	mux := http.NewServeMux()
	s.Routes(mux)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/admin/players", nil))
	var players []PlayerView
	if err := json.NewDecoder(rec.Body).Decode(&players); err != nil || len(players) != 0 {
		t.Errorf("Expected empty player list, got %v (err %v)", players, err)
	}

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	var snap map[string]json.RawMessage
	if err := json.NewDecoder(rec.Body).Decode(&snap); err != nil {
		t.Fatal(err)
	}
	for _, key := range []string{"simulation", "network", "pool", "peers", "capacity"} {
		if _, ok := snap[key]; !ok {
			t.Errorf("metrics missing %q", key)
		}
	}
	if string(snap["capacity"]) != "10" {
		t.Errorf("Expected capacity 10, got %s", snap["capacity"])
	}

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Body.String() != "ok" {
		t.Errorf("Expected ok, got %q", rec.Body.String())
	}
}
