// Package handshake exchanges the authority's cycle parameters with a
// follower once per session.
package handshake

import (
	"nightbell.ai/internal/protocol"
	"nightbell.ai/internal/sim/cycle"
)

// Unknown marks a parameter the follower has not learned.
const Unknown int32 = -1

// DefaultWarningLeadTicks is assumed for the authority when its lead is unknown.
const DefaultWarningLeadTicks = 1200

// Record is what a follower knows about the authority.
type Record struct {
	Authoritative        bool
	WarningLeadTicks     int32
	RestThresholdTicks   int32
	NotificationDuration int32
}

// UnknownRecord is the state before any response and after a reconnect.
func UnknownRecord() Record {
	return Record{
		WarningLeadTicks:     Unknown,
		RestThresholdTicks:   Unknown,
		NotificationDuration: Unknown,
	}
}

// LeadOr returns the authority's lead, or def when unknown.
func (r Record) LeadOr(def int) int {
	if r.WarningLeadTicks < 0 {
		return def
	}
	return int(r.WarningLeadTicks)
}

func (r Record) ThresholdOr(def int) int {
	if r.RestThresholdTicks < 0 {
		return def
	}
	return int(r.RestThresholdTicks)
}

func (r Record) DurationOr(def int) int {
	if r.NotificationDuration <= 0 {
		return def
	}
	return int(r.NotificationDuration)
}

// DefersEndingSoon reports whether a follower with localLead must leave the
// ending-soon edge to the authority.
func (r Record) DefersEndingSoon(localLead int) bool {
	return r.Authoritative && r.WarningLeadTicks >= 0 && int(r.WarningLeadTicks) == localLead
}

// Negotiator is the follower side of the exchange. It is owned by the
// follower tick loop.
type Negotiator struct {
	rec       Record
	requested bool
	completed bool
}

func NewNegotiator() *Negotiator {
	return &Negotiator{rec: UnknownRecord()}
}

// Begin returns the request to send, once per session.
func (n *Negotiator) Begin() (protocol.HandshakeRequestMsg, bool) {
	if n.requested {
		return protocol.HandshakeRequestMsg{}, false
	}
	n.requested = true
	return protocol.HandshakeRequestMsg{
		Type:            protocol.TypeHandshakeReq,
		ProtocolVersion: protocol.Version,
	}, true
}

// Complete stores the first response of the session. Later responses are
// ignored and reported as false.
func (n *Negotiator) Complete(resp protocol.HandshakeResponseMsg) bool {
	if n.completed {
		return false
	}
	n.completed = true
	n.rec = Record{
		Authoritative:        resp.Authoritative,
		WarningLeadTicks:     sanitize(resp.WarningLeadTicks),
		RestThresholdTicks:   sanitize(resp.RestThresholdTicks),
		NotificationDuration: sanitize(resp.NotificationDuration),
	}
	return true
}

func (n *Negotiator) Record() Record  { return n.rec }
func (n *Negotiator) Requested() bool { return n.requested }
func (n *Negotiator) Completed() bool { return n.completed }

// Reset discards everything learned; used on reconnect.
func (n *Negotiator) Reset() {
	n.rec = UnknownRecord()
	n.requested = false
	n.completed = false
}

func sanitize(v int32) int32 {
	if v < 0 {
		return Unknown
	}
	return v
}

// Responder is the server side for one session.
type Responder struct {
	answered bool
}

// Answer builds the response from the current parameters. Only the first
// call per session returns ok.
func (r *Responder) Answer(p cycle.Params) (protocol.HandshakeResponseMsg, bool) {
	if r.answered {
		return protocol.HandshakeResponseMsg{}, false
	}
	r.answered = true
	return Response(p), true
}

func (r *Responder) Answered() bool { return r.answered }

// Response is the authority's answer for p.
func Response(p cycle.Params) protocol.HandshakeResponseMsg {
	return protocol.HandshakeResponseMsg{
		Type:                 protocol.TypeHandshakeResp,
		ProtocolVersion:      protocol.Version,
		Authoritative:        true,
		WarningLeadTicks:     int32(p.WarningLeadTicks),
		RestThresholdTicks:   int32(p.RestThresholdTicks),
		NotificationDuration: int32(p.NotificationDuration),
	}
}
