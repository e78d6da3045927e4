package world

import (
	"sort"

	"nightbell.ai/internal/persistence/snapshot"
)

// ExportSnapshot captures clock, storm and fatigue. Phase state belongs to
// the tracker and is filled in by the caller.
func (w *World) ExportSnapshot() snapshot.WorldV1 {
	fatigue := map[string]int{}
	for name, ticks := range w.away {
		fatigue[name] = ticks
	}
	for _, p := range w.roster {
		if p.Name != "" {
			fatigue[p.Name] = p.FatigueTicks
		}
	}
	names := make([]string, 0, len(fatigue))
	for name := range fatigue {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([]snapshot.FatigueV1, 0, len(names))
	for _, name := range names {
		out = append(out, snapshot.FatigueV1{Name: name, Ticks: fatigue[name]})
	}
	return snapshot.WorldV1{
		ID:               w.cfg.ID,
		Type:             w.cfg.Type,
		Tick:             w.tick,
		TimeOfDay:        w.timeOfDay,
		Thunder:          w.thunder,
		ThunderUntilTick: w.thunderUntilTick,
		Fatigue:          out,
	}
}

// ImportSnapshot restores a world before anyone joins. Recorded fatigue is
// picked up by participants that join with an unknown counter.
func (w *World) ImportSnapshot(s snapshot.WorldV1) {
	w.tick = s.Tick
	w.timeOfDay = s.TimeOfDay
	w.thunder = s.Thunder
	w.thunderUntilTick = s.ThunderUntilTick
	w.away = make(map[string]int, len(s.Fatigue))
	for _, f := range s.Fatigue {
		w.away[f.Name] = f.Ticks
	}
}
