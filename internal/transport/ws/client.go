package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"nightbell.ai/internal/protocol"
)

// Client is the follower end of a session.
type Client struct {
	conn *websocket.Conn
	sess *Session

	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once
}

// Dial connects and sends hello. The caller reads WELCOME with Read.
func Dial(ctx context.Context, url string, hello protocol.HelloMsg) (*Client, error) {
	d := websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	conn, _, err := d.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	if err := writeJSON(conn, hello); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("send HELLO: %w", err)
	}
	cctx, cancel := context.WithCancel(context.Background())
	c := &Client{conn: conn, sess: newSession("", 64), ctx: cctx, cancel: cancel}
	go c.sess.writeLoop(cctx, conn, cancel)
	return c, nil
}

// Send queues msg without blocking.
func (c *Client) Send(msg any) error { return c.sess.Send(msg) }

// Read blocks for the next server message and decodes it.
func (c *Client) Read() (any, error) {
	_, b, err := c.conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	return Decode(b)
}

// Done is closed when the writer stops.
func (c *Client) Done() <-chan struct{} { return c.ctx.Done() }

func (c *Client) Close() error {
	var err error
	c.once.Do(func() {
		c.sess.Close()
		c.cancel()
		_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		err = c.conn.Close()
	})
	return err
}

// Decode turns a server frame into its typed message value.
func Decode(b []byte) (any, error) {
	base, err := protocol.DecodeBase(b)
	if err != nil {
		return nil, err
	}
	switch base.Type {
	case protocol.TypeWelcome:
		return decodeAs[protocol.WelcomeMsg](base.Type, b)
	case protocol.TypeHandshakeResp:
		return decodeAs[protocol.HandshakeResponseMsg](base.Type, b)
	case protocol.TypeOverlay:
		return decodeAs[protocol.OverlayMsg](base.Type, b)
	case protocol.TypeLegacy:
		return decodeAs[protocol.LegacyMsg](base.Type, b)
	case protocol.TypeSound:
		return decodeAs[protocol.SoundMsg](base.Type, b)
	case protocol.TypeClock:
		return decodeAs[protocol.ClockMsg](base.Type, b)
	case protocol.TypeError:
		return decodeAs[protocol.ErrorMsg](base.Type, b)
	default:
		return nil, fmt.Errorf("unknown message type %q", base.Type)
	}
}

func decodeAs[T any](typ string, b []byte) (any, error) {
	var m T
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("decode %s: %w", typ, err)
	}
	return m, nil
}
