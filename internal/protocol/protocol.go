package protocol

import "encoding/json"

const Version = "1.0"

// Message types.
const (
	TypeHello         = "HELLO"
	TypeWelcome       = "WELCOME"
	TypeHandshakeReq  = "HANDSHAKE_REQ"
	TypeHandshakeResp = "HANDSHAKE_RESP"
	TypeOverlay       = "OVERLAY"
	TypeLegacy        = "LEGACY"
	TypeSound         = "SOUND"
	TypeClock         = "CLOCK"
	TypeRest          = "REST"
	TypeSwitchWorld   = "SWITCH_WORLD"
	TypeError         = "ERROR"
)

// EventType names the edge a notification was produced for.
type EventType string

const (
	EventNightStart      EventType = "NIGHT_START"
	EventSunriseImminent EventType = "SUNRISE_IMMINENT"
)

func (e EventType) Valid() bool {
	return e == EventNightStart || e == EventSunriseImminent
}

// BaseMessage lets us route unknown JSON messages by type.
type BaseMessage struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version,omitempty"`
}

func DecodeBase(b []byte) (BaseMessage, error) {
	var m BaseMessage
	err := json.Unmarshal(b, &m)
	return m, err
}
