package protocol

// HELLO (client -> server)
type HelloMsg struct {
	Type            string            `json:"type"`
	ProtocolVersion string            `json:"protocol_version"`
	Name            string            `json:"name"`
	Capabilities    HelloCapabilities `json:"capabilities"`
	WorldPreference string            `json:"world_preference,omitempty"`
	// FatigueTicks seeds the participant's ticks-since-rest counter on join.
	FatigueTicks int `json:"fatigue_ticks,omitempty"`
}

type HelloCapabilities struct {
	// Overlay is set by clients that can render the structured OVERLAY message.
	Overlay bool `json:"overlay,omitempty"`
}

// WELCOME (server -> client)
type WelcomeMsg struct {
	Type            string     `json:"type"`
	ProtocolVersion string     `json:"protocol_version"`
	SessionID       string     `json:"session_id"`
	ParticipantID   string     `json:"participant_id"`
	WorldID         string     `json:"world_id"`
	CycleTicks      int        `json:"cycle_ticks"`
	TickRateHz      int        `json:"tick_rate_hz"`
	Worlds          []WorldRef `json:"worlds,omitempty"`
}

type WorldRef struct {
	WorldID       string `json:"world_id"`
	WorldType     string `json:"world_type,omitempty"`
	Notifications bool   `json:"notifications"`
	DaylightCycle bool   `json:"daylight_cycle"`
}

// HANDSHAKE_REQ (client -> server). Carries no payload.
type HandshakeRequestMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
}

// HANDSHAKE_RESP (server -> client)
type HandshakeResponseMsg struct {
	Type                 string `json:"type"`
	ProtocolVersion      string `json:"protocol_version"`
	Authoritative        bool   `json:"authoritative"`
	WarningLeadTicks     int32  `json:"warning_lead_ticks"`
	RestThresholdTicks   int32  `json:"rest_threshold_ticks"`
	NotificationDuration int32  `json:"notification_duration"`
}

// OVERLAY (server -> client): the structured notification.
type OverlayMsg struct {
	Type            string    `json:"type"`
	ProtocolVersion string    `json:"protocol_version"`
	Message         string    `json:"message"`
	DurationTicks   int32     `json:"duration_ticks"`
	EventType       EventType `json:"event_type"`
	WorldID         string    `json:"world_id,omitempty"`
}

// LEGACY (server -> client): title/subtitle/action-bar presentation for clients
// without overlay support. Empty strings mean "channel not used".
type LegacyMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	Title           string `json:"title,omitempty"`
	Subtitle        string `json:"subtitle,omitempty"`
	ActionBar       string `json:"action_bar,omitempty"`
	FadeIn          int    `json:"fade_in,omitempty"`
	Stay            int    `json:"stay,omitempty"`
	FadeOut         int    `json:"fade_out,omitempty"`
	WorldID         string `json:"world_id,omitempty"`
}

// SOUND (server -> client)
type SoundMsg struct {
	Type            string    `json:"type"`
	ProtocolVersion string    `json:"protocol_version"`
	Sound           string    `json:"sound"`
	Volume          float64   `json:"volume"`
	Pitch           float64   `json:"pitch"`
	EventType       EventType `json:"event_type,omitempty"`
	WorldID         string    `json:"world_id,omitempty"`
}

// CLOCK (server -> client): periodic world time sync used by followers.
type ClockMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	WorldID         string `json:"world_id"`
	Tick            uint64 `json:"tick"`
	TimeOfDay       int64  `json:"time_of_day"`
	Thunder         bool   `json:"thunder"`
	FatigueTicks    int    `json:"fatigue_ticks"`
}

// REST (client -> server): the participant slept.
type RestMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
}

// SWITCH_WORLD (client -> server)
type SwitchWorldMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	WorldID         string `json:"world_id"`
}

type ErrorMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	Code            string `json:"code"`
	Message         string `json:"message,omitempty"`
}

func NewError(code, message string) ErrorMsg {
	return ErrorMsg{Type: TypeError, ProtocolVersion: Version, Code: code, Message: message}
}
