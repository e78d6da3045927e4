package ws

import (
	"context"
	"errors"
	"net"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"nightbell.ai/internal/notify"
	"nightbell.ai/internal/protocol"
	"nightbell.ai/internal/sim/multiworld"
	"nightbell.ai/internal/sim/tuning"
)

func startServer(t *testing.T, tune tuning.Tuning) string {
	t.Helper()
	url, _ := startServerWith(t, tune, nil)
	return url
}

func startServerWith(t *testing.T, tune tuning.Tuning, configure func(*Server)) (string, *Server) {
	t.Helper()
	cfg, err := multiworld.Load("")
	if err != nil {
		t.Fatalf("worlds: %v", err)
	}
	m, err := multiworld.NewManager(cfg, func() tuning.Tuning { return tune }, notify.NewDispatcher(nil), nil)
	if err != nil {
		t.Fatalf("manager: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = m.Run(ctx) }()

	s := NewServer(m, nil)
	if configure != nil {
		configure(s)
	}
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		srv.Close()
		cancel()
	})
	return "ws" + strings.TrimPrefix(srv.URL, "http"), s
}

func fastTuning() tuning.Tuning {
	tune := tuning.Defaults()
	tune.TickRateHz = 200
	tune.ClockSyncEveryTicks = 1000000
	return tune
}

func hello(name string) protocol.HelloMsg {
	return protocol.HelloMsg{
		Type:            protocol.TypeHello,
		ProtocolVersion: protocol.Version,
		Name:            name,
		Capabilities:    protocol.HelloCapabilities{Overlay: true},
	}
}

func readUntil(t *testing.T, c *Client, match func(any) bool) any {
	t.Helper()
	_ = c.conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		msg, err := c.Read()
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		if match(msg) {
			return msg
		}
	}
}

func dialWelcome(t *testing.T, url string, h protocol.HelloMsg) (*Client, protocol.WelcomeMsg) {
	t.Helper()
	c, err := Dial(context.Background(), url, h)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	_ = c.conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	msg, err := c.Read()
	if err != nil {
		t.Fatalf("read welcome: %v", err)
	}
	w, ok := msg.(protocol.WelcomeMsg)
	if !ok {
		t.Fatalf("first message %T, want WELCOME", msg)
	}
	return c, w
}

func TestSession_WelcomeClockAndHandshake(t *testing.T) {
	url := startServer(t, fastTuning())
	c, w := dialWelcome(t, url, hello("alex"))

	if w.SessionID == "" || w.ParticipantID == "" || w.WorldID != "OVERWORLD" || w.CycleTicks != 24000 || w.TickRateHz != 200 {
		t.Fatalf("welcome=%+v", w)
	}
	if len(w.Worlds) != 3 {
		t.Fatalf("manifest=%+v", w.Worlds)
	}

	clk := readUntil(t, c, func(m any) bool { _, ok := m.(protocol.ClockMsg); return ok }).(protocol.ClockMsg)
	if clk.WorldID != "OVERWORLD" {
		t.Fatalf("clock=%+v", clk)
	}

	req := protocol.HandshakeRequestMsg{Type: protocol.TypeHandshakeReq, ProtocolVersion: protocol.Version}
	if err := c.Send(req); err != nil {
		t.Fatalf("send: %v", err)
	}
	if err := c.Send(req); err != nil {
		t.Fatalf("send: %v", err)
	}
	resp := readUntil(t, c, func(m any) bool { _, ok := m.(protocol.HandshakeResponseMsg); return ok }).(protocol.HandshakeResponseMsg)
	if !resp.Authoritative || resp.WarningLeadTicks != 1200 || resp.RestThresholdTicks != 56000 || resp.NotificationDuration != 100 {
		t.Fatalf("handshake=%+v", resp)
	}

	// The repeated request is ignored: the next frame after a bad switch is
	// the error, not a second response.
	_ = c.Send(protocol.SwitchWorldMsg{Type: protocol.TypeSwitchWorld, ProtocolVersion: protocol.Version, WorldID: "MOON"})
	next := readUntil(t, c, func(m any) bool {
		switch m.(type) {
		case protocol.HandshakeResponseMsg, protocol.ErrorMsg:
			return true
		}
		return false
	})
	e, ok := next.(protocol.ErrorMsg)
	if !ok || e.Code != protocol.ErrWorldNotFound {
		t.Fatalf("next=%+v", next)
	}

	_ = c.Send(protocol.SwitchWorldMsg{Type: protocol.TypeSwitchWorld, ProtocolVersion: protocol.Version, WorldID: "NETHER"})
	readUntil(t, c, func(m any) bool {
		clk, ok := m.(protocol.ClockMsg)
		return ok && clk.WorldID == "NETHER"
	})
}

func TestSession_BadRequests(t *testing.T) {
	url := startServer(t, fastTuning())
	c, _ := dialWelcome(t, url, hello("steve"))

	_ = c.Send(map[string]string{"type": "DANCE", "protocol_version": protocol.Version})
	e := readUntil(t, c, func(m any) bool { _, ok := m.(protocol.ErrorMsg); return ok }).(protocol.ErrorMsg)
	if e.Code != protocol.ErrBadRequest {
		t.Fatalf("error=%+v", e)
	}
	_ = c.Send(protocol.RestMsg{Type: protocol.TypeRest, ProtocolVersion: "0.1"})
	e = readUntil(t, c, func(m any) bool { _, ok := m.(protocol.ErrorMsg); return ok }).(protocol.ErrorMsg)
	if e.Code != protocol.ErrProtoBadRequest {
		t.Fatalf("error=%+v", e)
	}
}

func TestSession_RateLimit(t *testing.T) {
	tune := fastTuning()
	tune.RateLimits = tuning.RateLimits{MessagesPerSecond: 0.5, Burst: 1}
	url := startServer(t, tune)
	c, _ := dialWelcome(t, url, hello("alex"))

	rest := protocol.RestMsg{Type: protocol.TypeRest, ProtocolVersion: protocol.Version}
	for i := 0; i < 3; i++ {
		_ = c.Send(rest)
	}
	e := readUntil(t, c, func(m any) bool { _, ok := m.(protocol.ErrorMsg); return ok }).(protocol.ErrorMsg)
	if e.Code != protocol.ErrRateLimit {
		t.Fatalf("error=%+v", e)
	}
}

func TestSession_IdleFollowerKeptAliveByPings(t *testing.T) {
	url, s := startServerWith(t, fastTuning(), func(s *Server) {
		s.SetKeepalive(300*time.Millisecond, 50*time.Millisecond)
	})
	c, _ := dialWelcome(t, url, hello("alex"))

	// The follower never writes. Reading answers the server's pings.
	_ = c.conn.SetReadDeadline(time.Now().Add(time.Second))
	for {
		_, err := c.Read()
		if err == nil {
			continue
		}
		var ne net.Error
		if !errors.As(err, &ne) || !ne.Timeout() {
			t.Fatalf("session dropped while idle: %v", err)
		}
		break
	}
	if st := s.Stats(); st.Active != 1 {
		t.Fatalf("stats=%+v", st)
	}
}

func TestSession_SilentPeerDropped(t *testing.T) {
	url, s := startServerWith(t, fastTuning(), func(s *Server) {
		s.SetKeepalive(200*time.Millisecond, 50*time.Millisecond)
	})
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	if err := conn.WriteJSON(hello("steve")); err != nil {
		t.Fatalf("write: %v", err)
	}
	// Without reading, pings go unanswered.
	deadline := time.Now().Add(3 * time.Second)
	for s.Stats().Accepted == 0 || s.Stats().Active != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("silent session not dropped: %+v", s.Stats())
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestServer_SetKeepaliveClampsPing(t *testing.T) {
	s := NewServer(nil, nil)
	if s.readTimeout != DefaultReadTimeout || s.pingEvery != DefaultPingEvery {
		t.Fatalf("defaults read=%v ping=%v", s.readTimeout, s.pingEvery)
	}
	s.SetKeepalive(time.Second, 2*time.Second)
	if s.readTimeout != time.Second || s.pingEvery != 500*time.Millisecond {
		t.Fatalf("read=%v ping=%v", s.readTimeout, s.pingEvery)
	}
	s.SetKeepalive(0, 0)
	if s.readTimeout != time.Second || s.pingEvery != 500*time.Millisecond {
		t.Fatalf("zero values changed settings: read=%v ping=%v", s.readTimeout, s.pingEvery)
	}
}

func TestHandshake_RejectsNonHello(t *testing.T) {
	url := startServer(t, fastTuning())
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	if err := conn.WriteJSON(protocol.RestMsg{Type: protocol.TypeRest, ProtocolVersion: protocol.Version}); err != nil {
		t.Fatalf("write: %v", err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, _, err = conn.ReadMessage()
	var ce *websocket.CloseError
	if !errors.As(err, &ce) || ce.Code != websocket.ClosePolicyViolation {
		t.Fatalf("err=%v", err)
	}
}

func TestSession_SendNeverBlocks(t *testing.T) {
	s := newSession("s1", 1)
	if err := s.Send(protocol.RestMsg{Type: protocol.TypeRest}); err != nil {
		t.Fatalf("first send: %v", err)
	}
	if err := s.Send(protocol.RestMsg{Type: protocol.TypeRest}); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("err=%v want ErrQueueFull", err)
	}
	s.Close()
	s.Close()
	if err := s.Send(protocol.RestMsg{Type: protocol.TypeRest}); !errors.Is(err, ErrClosed) {
		t.Fatalf("err=%v want ErrClosed", err)
	}
	if s.Sent() != 1 || s.Dropped() != 1 {
		t.Fatalf("sent=%d dropped=%d", s.Sent(), s.Dropped())
	}
}

func TestDecode(t *testing.T) {
	msg, err := Decode([]byte(`{"type":"OVERLAY","protocol_version":"1.0","message":"Nightfall","duration_ticks":100,"event_type":"NIGHT_START"}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	o, ok := msg.(protocol.OverlayMsg)
	if !ok || o.EventType != protocol.EventNightStart || o.DurationTicks != 100 {
		t.Fatalf("msg=%#v", msg)
	}
	if _, err := Decode([]byte(`{"type":"HELLO"}`)); err == nil {
		t.Fatalf("client-to-server type should not decode")
	}
	if _, err := Decode([]byte(`not json`)); err == nil {
		t.Fatalf("expected error")
	}
}
