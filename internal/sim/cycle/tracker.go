package cycle

import "sort"

// PhaseState is the per-world edge detection state.
type PhaseState struct {
	DormancyEligible      bool `json:"dormancy_eligible"`
	PriorDormancyEligible bool `json:"prior_dormancy_eligible"`
	EndingSoonWarned      bool `json:"ending_soon_warned"`
}

// Observation is what a world-time source reports for one tick.
type Observation struct {
	TimeOfDay int64
	Thunder   bool
}

// Result reports the edges fired by one Advance call.
type Result struct {
	Phase      Phase
	PhaseStart bool
	EndingSoon bool
	// SpanEnded is set on the tick the eligible span closes.
	SpanEnded bool
}

// Tracker runs the phase state machine for any number of worlds.
//
// A Tracker is owned by one tick loop. It does no locking; callers that need
// to look at the state from elsewhere take a Snapshot.
type Tracker struct {
	states map[string]*PhaseState
}

func NewTracker() *Tracker {
	return &Tracker{states: map[string]*PhaseState{}}
}

// Advance evaluates one tick for worldID.
//
// PhaseStart fires on the rising edge of eligibility. EndingSoon fires once
// per span when the natural night enters its trailing lead window, never on
// the same tick as PhaseStart and never while thundering.
func (t *Tracker) Advance(worldID string, obs Observation, p Params) Result {
	st := t.states[worldID]
	if st == nil {
		st = &PhaseState{}
		t.states[worldID] = st
	}

	ph := Evaluate(obs.TimeOfDay, obs.Thunder, p.Window)
	res := Result{Phase: ph}
	st.DormancyEligible = ph.Eligible

	if ph.Eligible && !st.PriorDormancyEligible {
		res.PhaseStart = true
		st.EndingSoonWarned = false
	}

	lead := int64(p.WarningLeadTicks)
	if ph.Eligible && ph.NaturalNight && !obs.Thunder &&
		lead > 0 &&
		ph.Remaining > 0 && ph.Remaining <= lead &&
		!res.PhaseStart &&
		!st.EndingSoonWarned {
		res.EndingSoon = true
		st.EndingSoonWarned = true
	}

	if !ph.Eligible && st.PriorDormancyEligible {
		res.SpanEnded = true
		st.EndingSoonWarned = false
	}

	st.PriorDormancyEligible = ph.Eligible
	return res
}

// State returns a copy of the state for worldID.
func (t *Tracker) State(worldID string) (PhaseState, bool) {
	st, ok := t.states[worldID]
	if !ok {
		return PhaseState{}, false
	}
	return *st, true
}

// Snapshot copies every world's state.
func (t *Tracker) Snapshot() map[string]PhaseState {
	out := make(map[string]PhaseState, len(t.states))
	for id, st := range t.states {
		out[id] = *st
	}
	return out
}

// Restore replaces the state of the given worlds.
func (t *Tracker) Restore(states map[string]PhaseState) {
	for id, st := range states {
		s := st
		if !s.DormancyEligible {
			s.EndingSoonWarned = false
		}
		t.states[id] = &s
	}
}

// Worlds lists tracked world ids, sorted.
func (t *Tracker) Worlds() []string {
	ids := make([]string, 0, len(t.states))
	for id := range t.states {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Forget drops one world's state; the next Advance starts from (false,false).
func (t *Tracker) Forget(worldID string) { delete(t.states, worldID) }

// Reset drops all state.
func (t *Tracker) Reset() { t.states = map[string]*PhaseState{} }
