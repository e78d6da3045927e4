// Package follower is the predictive side of the night cycle. It runs its
// own phase tracker from a locally extrapolated clock, defers to the
// authoritative server where the handshake says the server covers an edge,
// and decides which server overlays to show.
package follower

import (
	"io"
	"log"
	"strings"

	"nightbell.ai/internal/handshake"
	"nightbell.ai/internal/notify"
	"nightbell.ai/internal/protocol"
	"nightbell.ai/internal/sim/cycle"
)

// DefaultRestThresholdTicks is assumed until the handshake reports the
// server's threshold.
const DefaultRestThresholdTicks = 56000

// SoundDedupeTicks is how long after a local cue a server SOUND for the same
// event is treated as the same cue.
const SoundDedupeTicks = 40

// HandshakeGraceTicks is how long edge evaluation waits for the handshake
// response of a new session. A follower that reconnects in the middle of a
// night would otherwise announce nightfall before learning that the server
// already did.
const HandshakeGraceTicks = 100

const (
	minOverlayTicks      = 10
	fallbackOverlayTicks = 300
)

// Notice is one thing to put on screen.
type Notice struct {
	Text          string
	DurationTicks int
	Kind          protocol.EventType
	WorldID       string
	// Local is set for predictions made by the follower itself.
	Local bool
}

// Presenter renders notices and plays sounds. Rendering details are the
// presenter's business.
type Presenter interface {
	Present(n Notice)
	PlaySound(name string, volume float64)
	// Progress reports the fraction of the night still ahead; night is false
	// outside the natural night.
	Progress(worldID string, fraction float64, night bool)
}

// Sender carries messages back to the server.
type Sender interface {
	Send(msg any) error
}

type Stats struct {
	Predicted     uint64
	Deferred      uint64
	Held          uint64
	Presented     uint64
	Discarded     uint64
	Sounds        uint64
	SoundsDeduped uint64
}

// Follower is owned by a single tick loop goroutine; decoded server
// messages are handed to it on that goroutine.
type Follower struct {
	name      string
	config    func() Config
	presenter Presenter
	out       Sender
	logger    *log.Logger
	verbose   bool

	neg     *handshake.Negotiator
	tracker *cycle.Tracker
	clock   LocalClock

	participantID string
	worldID       string
	worlds        map[string]protocol.WorldRef
	tickRateHz    int

	overlayCapable bool

	tick        uint64
	requestedAt uint64
	overlay     Notice
	overlayLeft int
	lastCue     map[protocol.EventType]uint64

	stats Stats
}

func New(name string, config func() Config, p Presenter, out Sender, logger *log.Logger) *Follower {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	if config == nil {
		config = DefaultConfig
	}
	return &Follower{
		name:       name,
		config:     config,
		presenter:  p,
		out:        out,
		logger:     logger,
		neg:        handshake.NewNegotiator(),
		tracker:    cycle.NewTracker(),
		worlds:     map[string]protocol.WorldRef{},
		tickRateHz: cycle.TicksPerSecond,
		lastCue:    map[protocol.EventType]uint64{},
	}
}

func (f *Follower) SetVerbose(v bool) { f.verbose = v }

// SetSender swaps the outbound channel, e.g. after a reconnect.
func (f *Follower) SetSender(out Sender) { f.out = out }

func (f *Follower) Record() handshake.Record { return f.neg.Record() }
func (f *Follower) WorldID() string          { return f.worldID }
func (f *Follower) ParticipantID() string    { return f.participantID }
func (f *Follower) Clock() LocalClock        { return f.clock }
func (f *Follower) Stats() Stats             { return f.stats }
func (f *Follower) TickRateHz() int          { return f.tickRateHz }

func (f *Follower) State() (cycle.PhaseState, bool) {
	return f.tracker.State(f.worldID)
}

// Overlay returns the notice currently on screen and its remaining ticks.
func (f *Follower) Overlay() (Notice, int, bool) {
	if f.overlayLeft <= 0 {
		return Notice{}, 0, false
	}
	return f.overlay, f.overlayLeft, true
}

// Reconnect discards the handshake record and all phase state; the next
// session starts from scratch.
func (f *Follower) Reconnect() {
	f.neg.Reset()
	f.tracker.Reset()
	f.clock.Reset()
	f.participantID = ""
	f.worldID = ""
	f.worlds = map[string]protocol.WorldRef{}
	f.lastCue = map[protocol.EventType]uint64{}
}

// Handle routes one decoded server message.
func (f *Follower) Handle(msg any) {
	switch m := msg.(type) {
	case protocol.WelcomeMsg:
		f.OnWelcome(m)
	case protocol.HandshakeResponseMsg:
		f.OnHandshake(m)
	case protocol.ClockMsg:
		f.OnClock(m)
	case protocol.OverlayMsg:
		f.OnOverlay(m)
	case protocol.LegacyMsg:
		f.OnLegacy(m)
	case protocol.SoundMsg:
		f.OnSound(m)
	case protocol.ErrorMsg:
		f.logger.Printf("server error %s: %s", m.Code, m.Message)
	default:
		if f.verbose {
			f.logger.Printf("ignoring %T", msg)
		}
	}
}

// Hello builds the HELLO for a new session. The overlay capability follows
// enable_overlay at connect time.
func (f *Follower) Hello(worldPreference string, fatigueTicks int) protocol.HelloMsg {
	f.overlayCapable = f.config().EnableOverlay
	return protocol.HelloMsg{
		Type:            protocol.TypeHello,
		ProtocolVersion: protocol.Version,
		Name:            f.name,
		Capabilities:    protocol.HelloCapabilities{Overlay: f.overlayCapable},
		WorldPreference: worldPreference,
		FatigueTicks:    fatigueTicks,
	}
}

// OnWelcome records the session and asks for the server's parameters.
func (f *Follower) OnWelcome(m protocol.WelcomeMsg) {
	f.participantID = m.ParticipantID
	f.worldID = m.WorldID
	if m.TickRateHz > 0 {
		f.tickRateHz = m.TickRateHz
	}
	f.worlds = make(map[string]protocol.WorldRef, len(m.Worlds))
	for _, w := range m.Worlds {
		f.worlds[w.WorldID] = w
	}
	req, ok := f.neg.Begin()
	if !ok {
		return
	}
	f.requestedAt = f.tick
	if f.out == nil {
		return
	}
	if err := f.out.Send(req); err != nil {
		f.logger.Printf("send handshake request: %v", err)
	}
}

func (f *Follower) OnHandshake(m protocol.HandshakeResponseMsg) {
	if !f.neg.Complete(m) {
		f.logger.Printf("ignoring repeated handshake response")
		return
	}
	rec := f.neg.Record()
	f.logger.Printf("handshake: authoritative=%v lead=%d threshold=%d duration=%d",
		rec.Authoritative, rec.WarningLeadTicks, rec.RestThresholdTicks, rec.NotificationDuration)
}

func (f *Follower) OnClock(m protocol.ClockMsg) {
	if m.WorldID != "" && m.WorldID != f.worldID {
		if f.worldID != "" {
			f.tracker.Forget(f.worldID)
		}
		f.worldID = m.WorldID
	}
	f.clock.Sync(m, f.daylight(m.WorldID))
}

// OnOverlay applies the acceptance rule for server overlays. A sunrise
// warning is shown only when both sides warn with the same lead; otherwise
// the local prediction covers it and only the cue is played.
func (f *Follower) OnOverlay(m protocol.OverlayMsg) {
	cfg := f.config()
	if m.EventType == protocol.EventSunriseImminent {
		serverLead := f.neg.Record().LeadOr(handshake.DefaultWarningLeadTicks)
		if cfg.WarningLeadTicks != serverLead {
			f.stats.Discarded++
			if f.verbose {
				f.logger.Printf("ignoring server sunrise overlay (server lead %d != local lead %d)", serverLead, cfg.WarningLeadTicks)
			}
			f.cue(m.EventType, cfg)
			return
		}
	}
	f.show(Notice{
		Text:          m.Message,
		DurationTicks: int(m.DurationTicks),
		Kind:          m.EventType,
		WorldID:       m.WorldID,
	}, cfg)
	f.cue(m.EventType, cfg)
}

// OnLegacy shows a title/subtitle/action-bar message as a plain notice.
// Sessions that announced overlay support already got the OVERLAY copy.
func (f *Follower) OnLegacy(m protocol.LegacyMsg) {
	if f.overlayCapable {
		return
	}
	var parts []string
	for _, s := range []string{m.Title, m.Subtitle} {
		if s != "" {
			parts = append(parts, s)
		}
	}
	text := strings.Join(parts, ": ")
	if text == "" {
		text = m.ActionBar
	}
	if text == "" {
		return
	}
	n := Notice{Text: text, DurationTicks: m.FadeIn + m.Stay + m.FadeOut, WorldID: m.WorldID}
	f.overlay, f.overlayLeft = n, n.DurationTicks
	f.stats.Presented++
	if f.presenter != nil {
		f.presenter.Present(n)
	}
}

// OnSound plays a server sound unless it repeats a cue just played locally.
func (f *Follower) OnSound(m protocol.SoundMsg) {
	cfg := f.config()
	if !cfg.EnableSounds || m.Volume <= 0 {
		return
	}
	if m.EventType != "" {
		if last, ok := f.lastCue[m.EventType]; ok && f.tick-last <= SoundDedupeTicks {
			f.stats.SoundsDeduped++
			return
		}
	}
	f.play(m.Sound, m.Volume)
}

// Rest tells the server the participant slept.
func (f *Follower) Rest() error {
	f.clock.Rest()
	if f.out == nil {
		return nil
	}
	return f.out.Send(protocol.RestMsg{Type: protocol.TypeRest, ProtocolVersion: protocol.Version})
}

func (f *Follower) SwitchWorld(worldID string) error {
	if f.out == nil {
		return nil
	}
	return f.out.Send(protocol.SwitchWorldMsg{Type: protocol.TypeSwitchWorld, ProtocolVersion: protocol.Version, WorldID: worldID})
}

// Tick runs one local simulation tick.
func (f *Follower) Tick() {
	cfg := f.config()
	f.tick++
	if f.overlayLeft > 0 {
		f.overlayLeft--
		if f.overlayLeft == 0 {
			f.overlay = Notice{}
		}
	}
	if !f.clock.Synced() {
		return
	}
	f.clock.Advance()
	if !f.notifies(f.worldID) {
		return
	}
	if f.awaitingHandshake() {
		f.stats.Held++
		return
	}

	rec := f.neg.Record()
	params := cycle.Params{
		Window:               cycle.DefaultWindow,
		WarningLeadTicks:     cfg.WarningLeadTicks,
		RestThresholdTicks:   rec.ThresholdOr(DefaultRestThresholdTicks),
		NotificationDuration: rec.DurationOr(localDuration(cfg)),
	}
	obs := f.clock.Observation()
	res := f.tracker.Advance(f.worldID, obs, params)
	if f.presenter != nil {
		f.presenter.Progress(f.worldID, cycle.Progress(obs.TimeOfDay, params.Window), res.Phase.NaturalNight)
	}

	if res.PhaseStart {
		if rec.Authoritative {
			f.stats.Deferred++
		} else {
			f.predict(protocol.EventNightStart, res.Phase.Remaining, params, cfg)
		}
	}
	if res.EndingSoon {
		if rec.DefersEndingSoon(cfg.WarningLeadTicks) {
			f.stats.Deferred++
		} else {
			f.predict(protocol.EventSunriseImminent, res.Phase.Remaining, params, cfg)
		}
	}
}

// awaitingHandshake holds the tracker still while this session's request is
// unanswered. Edges seen once the response lands are judged with it.
func (f *Follower) awaitingHandshake() bool {
	return f.neg.Requested() && !f.neg.Completed() && f.tick-f.requestedAt < HandshakeGraceTicks
}

// predict shows a locally computed notification. Nightfall needs the
// participant to be over the threshold; a sunrise warning below it shows the
// bare label.
func (f *Follower) predict(kind protocol.EventType, remaining int64, p cycle.Params, cfg Config) {
	if !cfg.EnableNotifications {
		return
	}
	label := notify.Label(kind, remaining, f.tickRateHz)
	text := label
	fatigue := f.clock.Fatigue()
	switch {
	case fatigue >= p.RestThresholdTicks:
		text = label + ": " + notify.Detail(f.name, cycle.NightsSinceRest(fatigue))
	case kind == protocol.EventNightStart:
		return
	}
	f.stats.Predicted++
	f.show(Notice{
		Text:          text,
		DurationTicks: p.NotificationDuration,
		Kind:          kind,
		WorldID:       f.worldID,
		Local:         true,
	}, cfg)
	f.cue(kind, cfg)
}

func (f *Follower) show(n Notice, cfg Config) {
	if !cfg.EnableOverlay {
		return
	}
	n.DurationTicks = OverlayDuration(cfg.DefaultDuration, n.DurationTicks)
	f.overlay = n
	f.overlayLeft = n.DurationTicks
	f.stats.Presented++
	if f.presenter != nil {
		f.presenter.Present(n)
	}
}

// cue plays the local sound for kind.
func (f *Follower) cue(kind protocol.EventType, cfg Config) {
	if !cfg.EnableSounds {
		return
	}
	name, vol := cfg.NightSound, cfg.NightVolume
	switch kind {
	case protocol.EventNightStart:
	case protocol.EventSunriseImminent:
		name, vol = cfg.MorningSound, cfg.MorningVolume
	default:
		return
	}
	if vol <= 0 {
		return
	}
	f.lastCue[kind] = f.tick
	f.play(name, vol)
}

func (f *Follower) play(name string, vol float64) {
	f.stats.Sounds++
	if f.presenter != nil {
		f.presenter.PlaySound(name, vol)
	}
}

func (f *Follower) notifies(worldID string) bool {
	w, ok := f.worlds[worldID]
	if !ok {
		return len(f.worlds) == 0
	}
	return w.Notifications
}

func (f *Follower) daylight(worldID string) bool {
	w, ok := f.worlds[worldID]
	if !ok {
		return true
	}
	return w.DaylightCycle
}

// OverlayDuration picks the on-screen time: the local default when set,
// otherwise the sender's, with a floor of 10 ticks and 300 when neither is
// set.
func OverlayDuration(localDefault, sender int) int {
	chosen := sender
	if localDefault > 0 {
		chosen = localDefault
	}
	if chosen <= 0 {
		chosen = fallbackOverlayTicks
	}
	if chosen < minOverlayTicks {
		chosen = minOverlayTicks
	}
	return chosen
}

func localDuration(cfg Config) int {
	if cfg.DefaultDuration > 0 {
		return cfg.DefaultDuration
	}
	return notify.DefaultDurationTicks
}
