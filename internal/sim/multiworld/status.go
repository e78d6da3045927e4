package multiworld

import (
	"time"

	"nightbell.ai/internal/sim/cycle"
)

// Status is a read-only view of the manager, published once per tick for
// HTTP handlers and tests.
type Status struct {
	Tick        uint64        `json:"tick"`
	Worlds      []WorldStatus `json:"worlds"`
	QueueDepths QueueDepths   `json:"queue_depths"`
	StepMS      float64       `json:"step_ms"`

	ClockSyncs       uint64 `json:"clock_syncs"`
	SnapshotsQueued  uint64 `json:"snapshots_queued"`
	SnapshotsDropped uint64 `json:"snapshots_dropped"`
}

type WorldStatus struct {
	WorldID       string `json:"world_id"`
	WorldType     string `json:"world_type"`
	Notifications bool   `json:"notifications"`
	TimeOfDay     int64  `json:"time_of_day"`
	Thunder       bool   `json:"thunder"`
	Participants  int    `json:"participants"`

	DormancyEligible bool    `json:"dormancy_eligible"`
	EndingSoonWarned bool    `json:"ending_soon_warned"`
	Remaining        int64   `json:"remaining_ticks"`
	Progress         float64 `json:"night_progress"`
}

type QueueDepths struct {
	Join    int `json:"join"`
	Leave   int `json:"leave"`
	Rest    int `json:"rest"`
	Switch  int `json:"switch"`
	Control int `json:"control"`
}

func (s Status) World(id string) (WorldStatus, bool) {
	for _, w := range s.Worlds {
		if w.WorldID == id {
			return w, true
		}
	}
	return WorldStatus{}, false
}

func (m *Manager) publishStatus() {
	win := m.tuning().Window()
	st := Status{
		Tick: m.tick,
		QueueDepths: QueueDepths{
			Join:    len(m.join),
			Leave:   len(m.leave),
			Rest:    len(m.rest),
			Switch:  len(m.switchc),
			Control: len(m.control),
		},
		StepMS:           float64(m.stepNanos.Load()) / float64(time.Millisecond),
		ClockSyncs:       m.clockSyncs.Load(),
		SnapshotsQueued:  m.snapshotsQueued.Load(),
		SnapshotsDropped: m.snapshotsDrop.Load(),
	}
	for _, id := range m.order {
		w := m.worlds[id]
		ph := cycle.Evaluate(w.TimeOfDay(), w.Thunder(), win)
		ws := WorldStatus{
			WorldID:       id,
			WorldType:     w.Type(),
			Notifications: m.specs[id].NotificationsEnabled(),
			TimeOfDay:     w.TimeOfDay(),
			Thunder:       w.Thunder(),
			Participants:  w.Len(),
			Remaining:     ph.Remaining,
		}
		if ph.NaturalNight {
			ws.Progress = cycle.Progress(w.TimeOfDay(), win)
		}
		if tracked, ok := m.tracker.State(id); ok {
			ws.DormancyEligible = tracked.DormancyEligible
			ws.EndingSoonWarned = tracked.EndingSoonWarned
		}
		st.Worlds = append(st.Worlds, ws)
	}
	m.status.Store(&st)
}
