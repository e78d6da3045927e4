package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"nightbell.ai/internal/notify"
	"nightbell.ai/internal/persistence/indexdb"
	"nightbell.ai/internal/protocol"
	"nightbell.ai/internal/sim/multiworld"
	"nightbell.ai/internal/sim/tuning"
	"nightbell.ai/internal/transport/ws"
)

func newTestRuntime(t *testing.T) *serverRuntime {
	t.Helper()
	cfg, err := multiworld.Load("")
	if err != nil {
		t.Fatalf("worlds: %v", err)
	}
	tune := tuning.Defaults()
	tune.TickRateHz = 200
	watch := tuning.NewWatcher("", tune, tuning.Load, time.Hour, nil)

	ring := notify.NewRing(8)
	mgr, err := multiworld.NewManager(cfg, watch.Current, notify.NewDispatcher(nil, ring), nil)
	if err != nil {
		t.Fatalf("manager: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = mgr.Run(ctx) }()
	t.Cleanup(cancel)

	return &serverRuntime{
		mgr:    mgr,
		ws:     ws.NewServer(mgr, nil),
		ring:   ring,
		tuning: watch,
		logger: log.New(io.Discard, "", 0),
	}
}

func serve(mux *http.ServeMux, method, path, remote string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.RemoteAddr = remote
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func TestBuildMux_AdminLoopbackOnly(t *testing.T) {
	mux := buildMux(newTestRuntime(t), true, false)

	rec := serve(mux, http.MethodGet, "/admin/v1/state", "8.8.8.8:1234", nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for non-loopback admin state, got %d", rec.Code)
	}
	rec = serve(mux, http.MethodGet, "/admin/v1/state", "[::1]:1234", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for loopback admin state, got %d body=%s", rec.Code, rec.Body.String())
	}
	var st multiworld.Status
	if err := json.Unmarshal(rec.Body.Bytes(), &st); err != nil {
		t.Fatalf("decode state: %v", err)
	}
	if _, ok := st.World("OVERWORLD"); !ok {
		t.Fatalf("state missing OVERWORLD: %+v", st)
	}
	rec = serve(mux, http.MethodGet, "/admin/v1/time", "127.0.0.1:1234", nil)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405 for GET time, got %d", rec.Code)
	}
}

func TestBuildMux_AdminDisabled(t *testing.T) {
	mux := buildMux(newTestRuntime(t), false, false)
	rec := serve(mux, http.MethodGet, "/admin/v1/state", "127.0.0.1:1234", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 with admin disabled, got %d", rec.Code)
	}
	rec = serve(mux, http.MethodGet, "/healthz", "8.8.8.8:1", nil)
	if rec.Code != http.StatusOK || rec.Body.String() != "ok" {
		t.Fatalf("healthz=%d %q", rec.Code, rec.Body.String())
	}
}

func TestBuildMux_TimeAndWeatherControls(t *testing.T) {
	rt := newTestRuntime(t)
	mux := buildMux(rt, true, false)

	rec := serve(mux, http.MethodPost, "/admin/v1/time", "127.0.0.1:1", map[string]any{"world_id": "OVERWORLD", "time_of_day": 13000})
	if rec.Code != http.StatusOK {
		t.Fatalf("time: %d %s", rec.Code, rec.Body.String())
	}
	rec = serve(mux, http.MethodPost, "/admin/v1/weather", "127.0.0.1:1", map[string]any{"world_id": "MOON", "thunder": true})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("weather on unknown world: %d %s", rec.Code, rec.Body.String())
	}
	rec = serve(mux, http.MethodPost, "/admin/v1/time", "127.0.0.1:1", map[string]any{"world_id": "OVERWORLD"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("time without time_of_day: %d", rec.Code)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		st, _ := rt.mgr.Status().World("OVERWORLD")
		if st.TimeOfDay >= 13000 && st.TimeOfDay < 14000 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("time change never observed: %+v", st)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestBuildMux_NotificationsFromRing(t *testing.T) {
	rt := newTestRuntime(t)
	_ = rt.ring.RecordNotification(notify.Report{Tick: 7, Event: notify.Event{WorldID: "OVERWORLD", Kind: protocol.EventNightStart, Label: "Nightfall"}})
	mux := buildMux(rt, true, false)

	rec := serve(mux, http.MethodGet, "/admin/v1/notifications?limit=5", "127.0.0.1:1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("notifications: %d", rec.Code)
	}
	var resp struct {
		Source        string          `json:"source"`
		Notifications []notify.Report `json:"notifications"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Source != "memory" || len(resp.Notifications) != 1 || resp.Notifications[0].Tick != 7 {
		t.Fatalf("resp=%+v", resp)
	}
}

func TestBuildMux_NotificationsFromIndex(t *testing.T) {
	rt := newTestRuntime(t)
	idx, err := indexdb.OpenSQLite(filepath.Join(t.TempDir(), "index.sqlite"))
	if err != nil {
		t.Fatalf("open index: %v", err)
	}
	defer idx.Close()
	rt.idx = idx
	_ = idx.RecordNotification(notify.Report{Tick: 9, Event: notify.Event{WorldID: "OVERWORLD", Kind: protocol.EventSunriseImminent, Label: "60s Until Sunrise"}})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := idx.Flush(ctx); err != nil {
		t.Fatalf("flush: %v", err)
	}

	mux := buildMux(rt, true, false)
	rec := serve(mux, http.MethodGet, "/admin/v1/notifications", "127.0.0.1:1", nil)
	var resp struct {
		Source        string                    `json:"source"`
		Notifications []indexdb.NotificationRow `json:"notifications"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Source != "index" || len(resp.Notifications) != 1 || resp.Notifications[0].Label != "60s Until Sunrise" {
		t.Fatalf("resp=%+v", resp)
	}

	body := serve(mux, http.MethodGet, "/metrics", "8.8.8.8:1", nil).Body.String()
	if !strings.Contains(body, `nightbell_index_queue_depth{dialect="sqlite"}`) {
		t.Fatalf("metrics missing index gauges:\n%s", body)
	}
}

func TestMetrics(t *testing.T) {
	mux := buildMux(newTestRuntime(t), false, false)
	rec := serve(mux, http.MethodGet, "/metrics", "8.8.8.8:1", nil)
	body := rec.Body.String()
	for _, want := range []string{
		"nightbell_tick ",
		`nightbell_world_time_of_day{world="OVERWORLD"}`,
		`nightbell_notifications_total{event="NIGHT_START"} 0`,
		`nightbell_queue_depth{queue="rest"}`,
		"nightbell_sessions_active 0",
		`nightbell_tuning_reloads_total{result="ok"} 0`,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("metrics missing %q:\n%s", want, body)
		}
	}
}

func TestIsLoopbackRemote(t *testing.T) {
	cases := map[string]bool{
		"127.0.0.1:80": true,
		"[::1]:80":     true,
		"10.0.0.1:80":  false,
		"garbage":      false,
	}
	for in, want := range cases {
		if got := isLoopbackRemote(in); got != want {
			t.Fatalf("isLoopbackRemote(%q)=%v want %v", in, got, want)
		}
	}
}

func TestOpenIndex(t *testing.T) {
	t.Setenv("NB_INDEX_BACKEND", "off")
	idx, err := openIndex(t.TempDir(), false, log.New(io.Discard, "", 0))
	if err != nil || idx != nil {
		t.Fatalf("off: idx=%v err=%v", idx, err)
	}

	t.Setenv("NB_INDEX_BACKEND", "postgres")
	t.Setenv("NB_POSTGRES_DSN", "")
	if _, err := openIndex(t.TempDir(), false, log.New(io.Discard, "", 0)); err == nil {
		t.Fatalf("postgres without DSN should fail")
	}

	t.Setenv("NB_INDEX_BACKEND", "")
	dir := t.TempDir()
	idx, err = openIndex(dir, false, log.New(io.Discard, "", 0))
	if err != nil || idx == nil {
		t.Fatalf("sqlite: idx=%v err=%v", idx, err)
	}
	defer idx.Close()
	if idx.Dialect() != indexdb.DialectSQLite {
		t.Fatalf("dialect=%s", idx.Dialect())
	}

	if idx, err := openIndex(dir, true, nil); err != nil || idx != nil {
		t.Fatalf("disable_db: idx=%v err=%v", idx, err)
	}
}
