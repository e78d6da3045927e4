// Package notify turns phase edges into per-participant deliveries on the
// authoritative server.
package notify

import (
	"errors"
	"fmt"
	"io"
	"log"
	"sync/atomic"
	"time"

	"nightbell.ai/internal/protocol"
	"nightbell.ai/internal/sim/cycle"
	"nightbell.ai/internal/sim/tuning"
)

// DefaultDurationTicks is used when notification_duration is not positive.
const DefaultDurationTicks = 100

// ErrNoSender is counted as a delivery failure.
var ErrNoSender = errors.New("recipient has no sender")

// Sender delivers one wire message to a participant. Send must not block.
type Sender interface {
	Send(msg any) error
}

// Recipient is one participant as seen at the start of a tick.
type Recipient struct {
	ID           string
	Name         string
	FatigueTicks int
	// Overlay is the HELLO capability flag for structured notifications.
	Overlay bool
	Sender  Sender
}

// Event is a composed notification.
type Event struct {
	WorldID         string             `json:"world_id"`
	Kind            protocol.EventType `json:"event_type"`
	Label           string             `json:"label"`
	Participant     string             `json:"participant,omitempty"`
	ParticipantID   string             `json:"participant_id,omitempty"`
	FatigueTicks    int                `json:"fatigue_ticks,omitempty"`
	NightsSinceRest int                `json:"nights_since_rest,omitempty"`
	DurationTicks   int32              `json:"duration_ticks"`
	Message         string             `json:"message,omitempty"`
}

// Report is the outcome of one edge. Suppressed means nobody met the rest
// threshold; the edge is consumed either way.
type Report struct {
	Tick       uint64 `json:"tick"`
	UnixMs     int64  `json:"unix_ms"`
	Event      Event  `json:"event"`
	Suppressed bool   `json:"suppressed"`
	Recipients int    `json:"recipients"`
	Delivered  int    `json:"delivered"`
	Failed     int    `json:"failed"`
	Sounds     int    `json:"sounds"`
}

// Recorder persists reports. Implemented in internal/persistence/*.
type Recorder interface {
	RecordNotification(r Report) error
}

type Stats struct {
	NightStart      uint64
	SunriseImminent uint64
	Suppressed      uint64
	Delivered       uint64
	Failed          uint64
	Sounds          uint64
}

type Dispatcher struct {
	logger    *log.Logger
	verbose   bool
	recorders []Recorder
	now       func() time.Time

	nightStart atomic.Uint64
	sunrise    atomic.Uint64
	suppressed atomic.Uint64
	delivered  atomic.Uint64
	failed     atomic.Uint64
	sounds     atomic.Uint64
}

func NewDispatcher(logger *log.Logger, recorders ...Recorder) *Dispatcher {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Dispatcher{logger: logger, recorders: recorders, now: time.Now}
}

func (d *Dispatcher) SetVerbose(v bool) { d.verbose = v }

// AddRecorder must be called before the tick loop starts.
func (d *Dispatcher) AddRecorder(r Recorder) {
	if r != nil {
		d.recorders = append(d.recorders, r)
	}
}

func (d *Dispatcher) Stats() Stats {
	return Stats{
		NightStart:      d.nightStart.Load(),
		SunriseImminent: d.sunrise.Load(),
		Suppressed:      d.suppressed.Load(),
		Delivered:       d.delivered.Load(),
		Failed:          d.failed.Load(),
		Sounds:          d.sounds.Load(),
	}
}

// Dispatch handles one edge for one world. roster must be in join order.
// remaining is the tick count left in the window, used for the sunrise label.
func (d *Dispatcher) Dispatch(tick uint64, worldID string, kind protocol.EventType, remaining int64, roster []Recipient, t tuning.Tuning) Report {
	rep := Report{
		Tick:       tick,
		UnixMs:     d.now().UnixMilli(),
		Recipients: len(roster),
		Event: Event{
			WorldID:       worldID,
			Kind:          kind,
			Label:         Label(kind, remaining, t.TickRateHz),
			DurationTicks: Duration(t.NotificationDuration),
		},
	}

	trigger, fatigue, ok := cycle.SelectTrigger(roster, func(r Recipient) int { return r.FatigueTicks }, t.RestThresholdTicks)
	if !ok {
		rep.Suppressed = true
		d.suppressed.Add(1)
		if d.verbose {
			d.logger.Printf("%s %s: no participant at or above %d ticks", worldID, kind, t.RestThresholdTicks)
		}
		d.record(rep)
		return rep
	}

	ev := &rep.Event
	ev.Participant = trigger.Name
	ev.ParticipantID = trigger.ID
	ev.FatigueTicks = fatigue
	ev.NightsSinceRest = cycle.NightsSinceRest(fatigue)
	detail := Detail(trigger.Name, ev.NightsSinceRest)
	ev.Message = ev.Label + ": " + detail

	overlay := protocol.OverlayMsg{
		Type:            protocol.TypeOverlay,
		ProtocolVersion: protocol.Version,
		Message:         ev.Message,
		DurationTicks:   ev.DurationTicks,
		EventType:       kind,
		WorldID:         worldID,
	}
	legacy := Legacy(ev.Label, detail, t.Delivery)
	legacy.WorldID = worldID
	sound, withSound := Sound(kind, worldID, t.Sound)

	for _, r := range roster {
		err := d.deliver(r, overlay, legacy, t.Delivery.SendLegacyToOverlayClients)
		if err != nil {
			rep.Failed++
			d.failed.Add(1)
			d.logger.Printf("%s %s: deliver to %s (%s): %v", worldID, kind, r.ID, r.Name, err)
		} else {
			rep.Delivered++
			d.delivered.Add(1)
		}
		if withSound && r.Sender != nil {
			if err := r.Sender.Send(sound); err == nil {
				rep.Sounds++
				d.sounds.Add(1)
			} else if d.verbose {
				d.logger.Printf("%s %s: sound to %s: %v", worldID, kind, r.ID, err)
			}
		}
	}

	switch kind {
	case protocol.EventNightStart:
		d.nightStart.Add(1)
	case protocol.EventSunriseImminent:
		d.sunrise.Add(1)
	}
	d.logger.Printf("%s %s: %q -> %d/%d delivered", worldID, kind, ev.Message, rep.Delivered, rep.Recipients)
	d.record(rep)
	return rep
}

func (d *Dispatcher) deliver(r Recipient, overlay protocol.OverlayMsg, legacy protocol.LegacyMsg, legacyToOverlay bool) error {
	if r.Sender == nil {
		return ErrNoSender
	}
	if !r.Overlay {
		return r.Sender.Send(legacy)
	}
	if err := r.Sender.Send(overlay); err != nil {
		return err
	}
	if legacyToOverlay {
		return r.Sender.Send(legacy)
	}
	return nil
}

func (d *Dispatcher) record(rep Report) {
	for _, rec := range d.recorders {
		if err := rec.RecordNotification(rep); err != nil {
			d.logger.Printf("record notification: %v", err)
		}
	}
}

// Label is "Nightfall" or "<N>s Until Sunrise".
func Label(kind protocol.EventType, remaining int64, tickRateHz int) string {
	if kind == protocol.EventSunriseImminent {
		return fmt.Sprintf("%ds Until Sunrise", cycle.SecondsAt(remaining, tickRateHz))
	}
	return "Nightfall"
}

// Detail is the part of the message after the label.
func Detail(name string, nights int) string {
	if nights == 1 {
		return name + " hasn't slept for 1 night."
	}
	return fmt.Sprintf("%s hasn't slept for %d nights.", name, nights)
}

// Duration applies the fallback for a non-positive configured duration.
func Duration(configured int) int32 {
	if configured > 0 {
		return int32(configured)
	}
	return DefaultDurationTicks
}

// Legacy builds the title/subtitle/action-bar presentation for clients
// without overlay support. With every channel disabled the action bar is
// used anyway so the participant still sees something.
func Legacy(label, detail string, d tuning.Delivery) protocol.LegacyMsg {
	full := label + ": " + detail
	m := protocol.LegacyMsg{Type: protocol.TypeLegacy, ProtocolVersion: protocol.Version}
	switch {
	case d.SendTitle && d.SendSubtitle:
		m.Title, m.Subtitle = label, detail
		if d.SendActionBar {
			m.ActionBar = label
		}
	case d.SendTitle:
		m.Title = full
		if d.SendActionBar {
			m.ActionBar = label
		}
	case d.SendSubtitle:
		m.Subtitle = full
		if d.SendActionBar {
			m.ActionBar = label
		}
	default:
		m.ActionBar = full
	}
	if m.Title != "" || m.Subtitle != "" {
		m.FadeIn, m.Stay, m.FadeOut = d.TitleFadeIn, d.TitleStay, d.TitleFadeOut
	}
	return m
}

// Sound returns the ambient cue for kind, or false when sounds are off, the
// world is not the ambient world, or the volume for kind is zero.
func Sound(kind protocol.EventType, worldID string, s tuning.Sound) (protocol.SoundMsg, bool) {
	if !s.Enabled || worldID != s.WorldID {
		return protocol.SoundMsg{}, false
	}
	var (
		name string
		vol  float64
	)
	switch kind {
	case protocol.EventNightStart:
		name, vol = s.NightSound, s.NightVolume
	case protocol.EventSunriseImminent:
		name, vol = s.MorningSound, s.MorningVolume
	default:
		return protocol.SoundMsg{}, false
	}
	if vol <= 0 || name == "" {
		return protocol.SoundMsg{}, false
	}
	return protocol.SoundMsg{
		Type:            protocol.TypeSound,
		ProtocolVersion: protocol.Version,
		Sound:           name,
		Volume:          vol,
		Pitch:           s.Pitch,
		EventType:       kind,
		WorldID:         worldID,
	}, true
}
