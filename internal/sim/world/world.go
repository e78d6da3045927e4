package world

import (
	"fmt"
	"strings"

	"nightbell.ai/internal/notify"
	"nightbell.ai/internal/sim/cycle"
)

type Config struct {
	ID            string
	Type          string
	DaylightCycle bool
	StartTime     int64
}

// Participant is one joined session. Fatigue counts ticks since the
// participant last rested and grows by one every tick while present.
type Participant struct {
	ID           string
	Name         string
	FatigueTicks int
	Overlay      bool
	Sender       notify.Sender
	JoinedTick   uint64
}

// World is a single simulated world: a time-of-day counter, a storm flag and
// the participants currently inside it.
// All state must be accessed only from the tick loop goroutine.
type World struct {
	cfg Config

	tick      uint64
	timeOfDay int64

	thunder          bool
	thunderUntilTick uint64

	// roster is kept in join order; trigger selection depends on it.
	roster []*Participant

	// Fatigue of participants that left, keyed by name, so it survives a
	// reconnect or a world switch.
	away map[string]int
}

func New(cfg Config) *World {
	return &World{
		cfg:       cfg,
		timeOfDay: cfg.StartTime,
		away:      map[string]int{},
	}
}

func (w *World) ID() string       { return w.cfg.ID }
func (w *World) Type() string     { return w.cfg.Type }
func (w *World) Config() Config   { return w.cfg }
func (w *World) Tick() uint64     { return w.tick }
func (w *World) TimeOfDay() int64 { return w.timeOfDay }
func (w *World) Thunder() bool    { return w.thunder }
func (w *World) Len() int         { return len(w.roster) }

// Advance moves the world forward one tick.
func (w *World) Advance() {
	w.tick++
	if w.cfg.DaylightCycle {
		w.timeOfDay++
	}
	if w.thunderUntilTick != 0 && w.tick >= w.thunderUntilTick {
		w.thunder = false
		w.thunderUntilTick = 0
	}
	for _, p := range w.roster {
		p.FatigueTicks++
	}
}

// Observe is the world-time source for the phase tracker.
func (w *World) Observe() cycle.Observation {
	return cycle.Observation{TimeOfDay: w.timeOfDay, Thunder: w.thunder}
}

// Roster returns the participants in join order. The slice is a copy and is
// safe to hand to the dispatcher for the rest of the tick.
func (w *World) Roster() []notify.Recipient {
	out := make([]notify.Recipient, 0, len(w.roster))
	for _, p := range w.roster {
		out = append(out, notify.Recipient{
			ID:           p.ID,
			Name:         p.Name,
			FatigueTicks: p.FatigueTicks,
			Overlay:      p.Overlay,
			Sender:       p.Sender,
		})
	}
	return out
}

// Add appends p to the roster. A negative fatigue resumes what was recorded
// when a participant with the same name left.
func (w *World) Add(p Participant) error {
	if strings.TrimSpace(p.ID) == "" {
		return fmt.Errorf("participant id must not be empty")
	}
	if w.index(p.ID) >= 0 {
		return fmt.Errorf("participant %s already in world %s", p.ID, w.cfg.ID)
	}
	if p.FatigueTicks < 0 {
		p.FatigueTicks = w.away[p.Name]
	}
	delete(w.away, p.Name)
	p.JoinedTick = w.tick
	w.roster = append(w.roster, &p)
	return nil
}

// Remove drops a participant, keeping join order for the rest.
func (w *World) Remove(id string) (Participant, bool) {
	i := w.index(id)
	if i < 0 {
		return Participant{}, false
	}
	p := *w.roster[i]
	w.roster = append(w.roster[:i], w.roster[i+1:]...)
	if p.Name != "" {
		w.away[p.Name] = p.FatigueTicks
	}
	return p, true
}

func (w *World) Participant(id string) (Participant, bool) {
	i := w.index(id)
	if i < 0 {
		return Participant{}, false
	}
	return *w.roster[i], true
}

// Rest resets a participant's fatigue.
func (w *World) Rest(id string) bool {
	i := w.index(id)
	if i < 0 {
		return false
	}
	w.roster[i].FatigueTicks = 0
	return true
}

// SetThunder turns the storm on or off. A positive duration clears the storm
// after that many ticks.
func (w *World) SetThunder(on bool, durationTicks uint64) {
	w.thunder = on
	w.thunderUntilTick = 0
	if on && durationTicks > 0 {
		w.thunderUntilTick = w.tick + durationTicks
	}
}

func (w *World) SetTimeOfDay(t int64) { w.timeOfDay = t }

func (w *World) index(id string) int {
	for i, p := range w.roster {
		if p.ID == id {
			return i
		}
	}
	return -1
}
