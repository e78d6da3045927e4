package ws

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"nightbell.ai/internal/handshake"
	"nightbell.ai/internal/protocol"
	"nightbell.ai/internal/sim/cycle"
	"nightbell.ai/internal/sim/multiworld"
	"nightbell.ai/internal/sim/tuning"
)

// Backend is the part of the world manager a session talks to.
type Backend interface {
	Join(ctx context.Context, req multiworld.JoinRequest) (multiworld.JoinResponse, error)
	Leave(participantID string)
	Rest(participantID string) bool
	SwitchWorld(ctx context.Context, participantID, worldID string) error
	Tuning() tuning.Tuning
	Manifest() []protocol.WorldRef
}

// Keepalive defaults. The server pings well inside the read timeout so a
// quiet follower, which only ever answers pings, is not dropped.
const (
	DefaultReadTimeout = 60 * time.Second
	DefaultPingEvery   = 25 * time.Second
)

type Stats struct {
	Active      int64
	Accepted    uint64
	Rejected    uint64
	RateLimited uint64
}

type Server struct {
	backend Backend
	log     *log.Logger
	verbose bool

	upgrader    websocket.Upgrader
	queueSize   int
	readTimeout time.Duration
	pingEvery   time.Duration

	active      atomic.Int64
	accepted    atomic.Uint64
	rejected    atomic.Uint64
	rateLimited atomic.Uint64
}

func NewServer(b Backend, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Server{
		backend:     b,
		log:         logger,
		queueSize:   64,
		readTimeout: DefaultReadTimeout,
		pingEvery:   DefaultPingEvery,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4 * 1024,
			WriteBufferSize: 4 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // dev default
		},
	}
}

func (s *Server) SetVerbose(v bool) { s.verbose = v }

// SetKeepalive changes how long a session may stay silent and how often it
// is pinged. Non-positive values keep the current setting; pingEvery is
// clamped below readTimeout.
func (s *Server) SetKeepalive(readTimeout, pingEvery time.Duration) {
	if readTimeout > 0 {
		s.readTimeout = readTimeout
	}
	if pingEvery > 0 {
		s.pingEvery = pingEvery
	}
	if s.pingEvery >= s.readTimeout {
		s.pingEvery = s.readTimeout / 2
	}
}

func (s *Server) Stats() Stats {
	return Stats{
		Active:      s.active.Load(),
		Accepted:    s.accepted.Load(),
		Rejected:    s.rejected.Load(),
		RateLimited: s.rateLimited.Load(),
	}
}

func (s *Server) Handler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		conn, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()

		sess, hello := s.handshake(ctx, conn)
		if sess == nil {
			s.rejected.Add(1)
			return
		}
		s.accepted.Add(1)
		s.active.Add(1)
		defer s.active.Add(-1)
		defer sess.Close()
		defer s.backend.Leave(sess.ParticipantID)
		s.log.Printf("session %s: %s joined as %s (overlay=%v)", sess.ID, hello.Name, sess.ParticipantID, hello.Capabilities.Overlay)

		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(s.readTimeout))
		})
		go sess.writeLoop(ctx, conn, cancel)
		go s.pingLoop(ctx, conn, cancel)
		s.readLoop(ctx, conn, sess)
		s.log.Printf("session %s: %s left", sess.ID, sess.ParticipantID)
	}
}

func (s *Server) handshake(ctx context.Context, conn *websocket.Conn) (*Session, protocol.HelloMsg) {
	var hello protocol.HelloMsg
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		return nil, hello
	}

	base, err := protocol.DecodeBase(msg)
	if err != nil || base.Type != protocol.TypeHello {
		closeWith(conn, "expected HELLO")
		return nil, hello
	}
	if err := json.Unmarshal(msg, &hello); err != nil {
		_ = writeJSON(conn, protocol.NewError(protocol.ErrProtoBadRequest, "malformed HELLO"))
		closeWith(conn, "malformed HELLO")
		return nil, hello
	}
	if hello.ProtocolVersion != protocol.Version {
		closeWith(conn, "bad protocol_version")
		return nil, hello
	}
	hello.Name = strings.TrimSpace(hello.Name)
	if hello.Name == "" {
		hello.Name = "participant"
	}

	sess := newSession(uuid.NewString(), s.queueSize)
	resp, err := s.backend.Join(ctx, multiworld.JoinRequest{
		Name:            hello.Name,
		Overlay:         hello.Capabilities.Overlay,
		WorldPreference: hello.WorldPreference,
		FatigueTicks:    hello.FatigueTicks,
		Sender:          sess,
	})
	if err == nil {
		err = resp.Err
	}
	if err != nil {
		s.log.Printf("join %s: %v", hello.Name, err)
		_ = writeJSON(conn, protocol.NewError(protocol.ErrWorldBusy, err.Error()))
		return nil, hello
	}
	sess.ParticipantID = resp.ParticipantID

	// WELCOME goes out before the writer starts so it precedes anything the
	// tick loop has already queued.
	err = writeJSON(conn, protocol.WelcomeMsg{
		Type:            protocol.TypeWelcome,
		ProtocolVersion: protocol.Version,
		SessionID:       sess.ID,
		ParticipantID:   resp.ParticipantID,
		WorldID:         resp.WorldID,
		CycleTicks:      cycle.Length,
		TickRateHz:      s.backend.Tuning().TickRateHz,
		Worlds:          s.backend.Manifest(),
	})
	if err != nil {
		s.backend.Leave(resp.ParticipantID)
		return nil, hello
	}
	return sess, hello
}

func (s *Server) readLoop(ctx context.Context, conn *websocket.Conn, sess *Session) {
	rl := s.backend.Tuning().RateLimits
	limiter := rate.NewLimiter(rate.Limit(rl.MessagesPerSecond), rl.Burst)
	var responder handshake.Responder

	for {
		_ = conn.SetReadDeadline(time.Now().Add(s.readTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if !limiter.Allow() {
			s.rateLimited.Add(1)
			_ = sess.Send(protocol.NewError(protocol.ErrRateLimit, "too many messages"))
			continue
		}
		base, err := protocol.DecodeBase(msg)
		if err != nil {
			_ = sess.Send(protocol.NewError(protocol.ErrProtoBadRequest, "malformed message"))
			continue
		}
		if base.ProtocolVersion != protocol.Version {
			_ = sess.Send(protocol.NewError(protocol.ErrProtoBadRequest, "bad protocol_version"))
			continue
		}

		switch base.Type {
		case protocol.TypeHandshakeReq:
			resp, ok := responder.Answer(s.backend.Tuning().Params())
			if !ok {
				s.log.Printf("session %s: repeated handshake request ignored", sess.ID)
				continue
			}
			_ = sess.Send(resp)

		case protocol.TypeRest:
			if !s.backend.Rest(sess.ParticipantID) {
				_ = sess.Send(protocol.NewError(protocol.ErrWorldBusy, "rest queue full"))
			}

		case protocol.TypeSwitchWorld:
			var sw protocol.SwitchWorldMsg
			if err := json.Unmarshal(msg, &sw); err != nil || strings.TrimSpace(sw.WorldID) == "" {
				_ = sess.Send(protocol.NewError(protocol.ErrBadRequest, "SWITCH_WORLD needs world_id"))
				continue
			}
			if err := s.backend.SwitchWorld(ctx, sess.ParticipantID, sw.WorldID); err != nil {
				code := protocol.ErrInternal
				if errors.Is(err, multiworld.ErrWorldNotFound) {
					code = protocol.ErrWorldNotFound
				}
				_ = sess.Send(protocol.NewError(code, err.Error()))
			}

		default:
			if s.verbose {
				s.log.Printf("session %s: unexpected %s", sess.ID, base.Type)
			}
			_ = sess.Send(protocol.NewError(protocol.ErrBadRequest, "unexpected message type "+base.Type))
		}
	}
}

// pingLoop keeps the read deadline moving for followers that have nothing to
// say. WriteControl may run alongside the session writer.
func (s *Server) pingLoop(ctx context.Context, conn *websocket.Conn, cancel context.CancelFunc) {
	t := time.NewTicker(s.pingEvery)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				cancel()
				return
			}
		}
	}
}

func closeWith(conn *websocket.Conn, reason string) {
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reason), time.Now().Add(time.Second))
}

func writeJSON(conn *websocket.Conn, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return conn.WriteMessage(websocket.TextMessage, b)
}
