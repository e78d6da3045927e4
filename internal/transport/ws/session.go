package ws

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

var (
	// ErrQueueFull means the peer is not draining its queue; the message is dropped.
	ErrQueueFull = errors.New("ws: send queue full")
	ErrClosed    = errors.New("ws: session closed")
)

// Session is one connected participant. Send never blocks, so the tick loop
// can deliver through it directly.
type Session struct {
	ID            string
	ParticipantID string

	out       chan []byte
	done      chan struct{}
	closeOnce sync.Once

	sent    atomic.Uint64
	dropped atomic.Uint64
}

func newSession(id string, queueSize int) *Session {
	if queueSize <= 0 {
		queueSize = 64
	}
	return &Session{
		ID:   id,
		out:  make(chan []byte, queueSize),
		done: make(chan struct{}),
	}
}

func (s *Session) Send(msg any) error {
	select {
	case <-s.done:
		return ErrClosed
	default:
	}
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	select {
	case s.out <- b:
		s.sent.Add(1)
		return nil
	default:
		s.dropped.Add(1)
		return ErrQueueFull
	}
}

func (s *Session) Close() {
	s.closeOnce.Do(func() { close(s.done) })
}

func (s *Session) Sent() uint64    { return s.sent.Load() }
func (s *Session) Dropped() uint64 { return s.dropped.Load() }

// writeLoop drains the queue until the session closes or a write fails.
func (s *Session) writeLoop(ctx context.Context, conn *websocket.Conn, cancel context.CancelFunc) {
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case b := <-s.out:
			_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
				s.Close()
				return
			}
		}
	}
}
