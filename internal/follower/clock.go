package follower

import (
	"nightbell.ai/internal/protocol"
	"nightbell.ai/internal/sim/cycle"
)

// SyncSlackTicks is the largest backward correction absorbed by holding the
// local clock instead of rewinding it. Rewinding across the window start
// would make the tracker see a second rising edge.
const SyncSlackTicks = 100

// LocalClock extrapolates one world's time between CLOCK messages.
type LocalClock struct {
	worldID   string
	timeOfDay int64
	thunder   bool
	fatigue   int
	daylight  bool
	synced    bool
	hold      int64
	syncs     uint64
}

// Sync adopts the server's view. A small backward drift is absorbed by
// holding time still for that many ticks.
func (c *LocalClock) Sync(m protocol.ClockMsg, daylight bool) {
	c.thunder = m.Thunder
	c.fatigue = m.FatigueTicks
	c.daylight = daylight
	c.syncs++
	if !c.synced || c.worldID != m.WorldID {
		c.worldID = m.WorldID
		c.timeOfDay = m.TimeOfDay
		c.hold = 0
		c.synced = true
		return
	}
	drift := signedDelta(m.TimeOfDay, c.timeOfDay)
	switch {
	case drift < 0 && -drift <= SyncSlackTicks:
		c.hold = -drift
	default:
		c.timeOfDay = m.TimeOfDay
		c.hold = 0
	}
}

// Advance moves the clock one tick.
func (c *LocalClock) Advance() {
	if !c.synced {
		return
	}
	c.fatigue++
	if !c.daylight {
		return
	}
	if c.hold > 0 {
		c.hold--
		return
	}
	c.timeOfDay++
}

func (c *LocalClock) Rest()  { c.fatigue = 0 }
func (c *LocalClock) Reset() { *c = LocalClock{} }

// Read accessors take a value so a copy returned by Follower.Clock can be
// queried directly.

func (c LocalClock) Observation() cycle.Observation {
	return cycle.Observation{TimeOfDay: c.timeOfDay, Thunder: c.thunder}
}

func (c LocalClock) WorldID() string  { return c.worldID }
func (c LocalClock) TimeOfDay() int64 { return c.timeOfDay }
func (c LocalClock) Fatigue() int     { return c.fatigue }
func (c LocalClock) Synced() bool     { return c.synced }
func (c LocalClock) Syncs() uint64    { return c.syncs }

// signedDelta is a-b reduced into (-Length/2, Length/2].
func signedDelta(a, b int64) int64 {
	d := (a - b) % cycle.Length
	if d > cycle.Length/2 {
		d -= cycle.Length
	} else if d <= -cycle.Length/2 {
		d += cycle.Length
	}
	return d
}
