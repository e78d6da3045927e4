// Package cycle holds the day/night phase logic shared by the authoritative
// server and predictive followers: the phase clock, the rest-threshold
// evaluator and the per-world phase tracker.
//
// Nothing in this package does I/O or reads global state. Both sides feed it
// the same raw inputs (time of day, storm flag, Params) and must get the
// same answers.
package cycle

// Length is the number of ticks in one full day/night cycle.
const Length = 24000

// TicksPerSecond converts tick counts into wall-clock seconds for labels.
const TicksPerSecond = 20

// Window is the dormancy-eligible part of the cycle, both ends inclusive.
// End < Start means the window wraps across the cycle boundary.
type Window struct {
	Start int64 `json:"start" yaml:"start"`
	End   int64 `json:"end" yaml:"end"`
}

// DefaultWindow is the natural night.
var DefaultWindow = Window{Start: 12541, End: 23458}

// Params are the cycle parameters for one evaluation. Treat as immutable.
type Params struct {
	Window               Window
	WarningLeadTicks     int
	RestThresholdTicks   int
	NotificationDuration int
}

// Phase is the result of evaluating the clock at one instant.
type Phase struct {
	// Eligible is true during the natural night or while thundering.
	Eligible bool
	// NaturalNight ignores the storm override.
	NaturalNight bool
	// Remaining is (Window.End - timeOfDay) mod Length.
	Remaining int64
}

// Evaluate maps a time of day and storm flag onto the phase.
func Evaluate(timeOfDay int64, thunder bool, w Window) Phase {
	t := mod(timeOfDay)
	night := w.Contains(t)
	return Phase{
		Eligible:     thunder || night,
		NaturalNight: night,
		Remaining:    mod(w.End - t),
	}
}

// Contains reports whether t (reduced modulo Length) lies in the window.
func (w Window) Contains(t int64) bool {
	t = mod(t)
	start, end := mod(w.Start), mod(w.End)
	if start <= end {
		return t >= start && t <= end
	}
	return t >= start || t <= end
}

// Span is the number of ticks from Start to End.
func (w Window) Span() int64 {
	return mod(w.End - w.Start)
}

// Progress is the fraction of the window still ahead of t, clamped to [0,1].
// Followers hand it to the presenter for a night progress bar.
func Progress(timeOfDay int64, w Window) float64 {
	span := w.Span()
	if span <= 0 {
		return 0
	}
	f := float64(mod(w.End-mod(timeOfDay))) / float64(span)
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}

// SecondsUntil converts a remaining tick count into whole seconds, rounding up.
func SecondsUntil(remaining int64) int { return SecondsAt(remaining, TicksPerSecond) }

// SecondsAt is SecondsUntil for a non-default tick rate.
func SecondsAt(remaining int64, hz int) int {
	if hz <= 0 {
		hz = TicksPerSecond
	}
	if remaining <= 0 {
		return 0
	}
	return int((remaining + int64(hz) - 1) / int64(hz))
}

func mod(v int64) int64 {
	v %= Length
	if v < 0 {
		v += Length
	}
	return v
}
