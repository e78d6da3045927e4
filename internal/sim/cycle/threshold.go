package cycle

// SelectTrigger picks the participant that names a notification.
//
// Only items whose fatigue is >= threshold qualify. Among those the one with
// the strictly greatest fatigue wins, so on a tie the earliest item in the
// slice is kept. Callers pass the roster in registration order.
func SelectTrigger[T any](items []T, fatigue func(T) int, threshold int) (T, int, bool) {
	var (
		best  T
		most  = -1
		found bool
	)
	for _, it := range items {
		f := fatigue(it)
		if f < threshold {
			continue
		}
		if !found || f > most {
			best, most, found = it, f, true
		}
	}
	if !found {
		var zero T
		return zero, 0, false
	}
	return best, most, true
}

// NightsSinceRest is the whole number of cycles in a fatigue counter.
func NightsSinceRest(fatigueTicks int) int {
	if fatigueTicks <= 0 {
		return 0
	}
	return fatigueTicks / Length
}
