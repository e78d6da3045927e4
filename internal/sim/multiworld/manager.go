package multiworld

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sync/atomic"
	"time"

	"nightbell.ai/internal/notify"
	"nightbell.ai/internal/persistence/snapshot"
	"nightbell.ai/internal/protocol"
	"nightbell.ai/internal/sim/cycle"
	"nightbell.ai/internal/sim/tuning"
	"nightbell.ai/internal/sim/world"
)

const requestTimeout = 3 * time.Second

var (
	ErrWorldNotFound = errors.New("world not found")
	ErrNotJoined     = errors.New("participant not joined")
	ErrStopped       = errors.New("manager stopped")
)

// JoinRequest adds a participant at the next tick boundary.
type JoinRequest struct {
	Name            string
	Overlay         bool
	WorldPreference string
	// FatigueTicks <= 0 resumes the counter recorded for Name, if any.
	FatigueTicks int
	Sender       notify.Sender
	Resp         chan JoinResponse
}

type JoinResponse struct {
	ParticipantID string
	WorldID       string
	Err           error
}

type SwitchRequest struct {
	ParticipantID string
	WorldID       string
	Resp          chan error
}

type controlReq struct {
	apply func(m *Manager) error
	resp  chan error
}

// Manager owns every world and the phase tracker, and steps them all from a
// single goroutine. Other goroutines talk to it through channels; requests
// are applied at the start of the next tick.
type Manager struct {
	cfg    Config
	specs  map[string]WorldSpec
	order  []string
	worlds map[string]*world.World

	tracker    *cycle.Tracker
	dispatcher *notify.Dispatcher
	tuning     func() tuning.Tuning
	logger     *log.Logger

	tick      uint64
	residency map[string]string

	join    chan JoinRequest
	leave   chan string
	rest    chan string
	switchc chan SwitchRequest
	control chan controlReq
	stopped chan struct{}

	snapshotSink chan<- snapshot.SnapshotV1

	nextParticipant atomic.Uint64
	status          atomic.Pointer[Status]
	stepNanos       atomic.Int64
	clockSyncs      atomic.Uint64
	snapshotsQueued atomic.Uint64
	snapshotsDrop   atomic.Uint64
}

// NewManager builds the worlds from cfg. tune is called once per tick.
func NewManager(cfg Config, tune func() tuning.Tuning, d *notify.Dispatcher, logger *log.Logger) (*Manager, error) {
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if tune == nil {
		return nil, fmt.Errorf("nil tuning source")
	}
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	if d == nil {
		d = notify.NewDispatcher(logger)
	}
	m := &Manager{
		cfg:        cfg,
		specs:      map[string]WorldSpec{},
		worlds:     map[string]*world.World{},
		tracker:    cycle.NewTracker(),
		dispatcher: d,
		tuning:     tune,
		logger:     logger,
		residency:  map[string]string{},
		join:       make(chan JoinRequest, 64),
		leave:      make(chan string, 64),
		rest:       make(chan string, 256),
		switchc:    make(chan SwitchRequest, 64),
		control:    make(chan controlReq, 16),
		stopped:    make(chan struct{}),
	}
	for _, spec := range cfg.Worlds {
		m.specs[spec.ID] = spec
		m.order = append(m.order, spec.ID)
		m.worlds[spec.ID] = world.New(spec.WorldConfig())
	}
	m.publishStatus()
	return m, nil
}

func (m *Manager) SetSnapshotSink(ch chan<- snapshot.SnapshotV1) { m.snapshotSink = ch }

func (m *Manager) Config() Config                 { return m.cfg }
func (m *Manager) Manifest() []protocol.WorldRef  { return m.cfg.Manifest() }
func (m *Manager) Tuning() tuning.Tuning          { return m.tuning() }
func (m *Manager) Dispatcher() *notify.Dispatcher { return m.dispatcher }
func (m *Manager) Status() Status                 { return *m.status.Load() }

// Run ticks until ctx is done. Call Restore before Run, never after.
func (m *Manager) Run(ctx context.Context) error {
	defer close(m.stopped)

	hz := m.tuning().TickRateHz
	ticker := time.NewTicker(interval(hz))
	defer ticker.Stop()

	var (
		joins    []JoinRequest
		leaves   []string
		rests    []string
		switches []SwitchRequest
	)
	for {
		select {
		case <-ctx.Done():
			for _, req := range joins {
				req.reply(JoinResponse{Err: ErrStopped})
			}
			for _, req := range switches {
				reply(req.Resp, ErrStopped)
			}
			return ctx.Err()
		case req := <-m.join:
			joins = append(joins, req)
		case id := <-m.leave:
			leaves = append(leaves, id)
		case id := <-m.rest:
			rests = append(rests, id)
		case req := <-m.switchc:
			switches = append(switches, req)
		case req := <-m.control:
			reply(req.resp, req.apply(m))
		case <-ticker.C:
			tune := m.tuning()
			m.step(tune, joins, leaves, rests, switches)
			joins = joins[:0]
			leaves = leaves[:0]
			rests = rests[:0]
			switches = switches[:0]
			if tune.TickRateHz != hz {
				hz = tune.TickRateHz
				ticker.Reset(interval(hz))
				m.logger.Printf("tick rate now %d Hz", hz)
			}
		}
	}
}

func interval(hz int) time.Duration {
	if hz <= 0 {
		hz = cycle.TicksPerSecond
	}
	return time.Second / time.Duration(hz)
}

// StepOnce runs a single tick with the given boundary requests. Tests and
// replays use it in place of Run.
func (m *Manager) StepOnce(joins []JoinRequest, leaves, rests []string, switches []SwitchRequest) uint64 {
	m.step(m.tuning(), joins, leaves, rests, switches)
	return m.tick
}

func (m *Manager) step(tune tuning.Tuning, joins []JoinRequest, leaves, rests []string, switches []SwitchRequest) {
	start := time.Now()
	m.tick++
	nowTick := m.tick
	params := tune.Params()

	// Boundary requests: leaves, joins, switches, rests.
	for _, id := range leaves {
		m.removeParticipant(id)
	}
	for _, req := range joins {
		resp := m.addParticipant(req)
		req.reply(resp)
		if resp.Err == nil {
			m.syncClock(resp.ParticipantID, nowTick)
		}
	}
	for _, req := range switches {
		err := m.switchParticipant(req.ParticipantID, req.WorldID)
		reply(req.Resp, err)
		if err == nil {
			m.syncClock(req.ParticipantID, nowTick)
		}
	}
	for _, id := range rests {
		if w := m.worlds[m.residency[id]]; w != nil {
			w.Rest(id)
		}
	}

	for _, id := range m.order {
		w := m.worlds[id]
		w.Advance()
		if !m.specs[id].NotificationsEnabled() {
			continue
		}
		res := m.tracker.Advance(id, w.Observe(), params)
		if !res.PhaseStart && !res.EndingSoon {
			continue
		}
		roster := w.Roster()
		if res.PhaseStart {
			m.dispatcher.Dispatch(nowTick, id, protocol.EventNightStart, res.Phase.Remaining, roster, tune)
		}
		if res.EndingSoon {
			m.dispatcher.Dispatch(nowTick, id, protocol.EventSunriseImminent, res.Phase.Remaining, roster, tune)
		}
	}

	if tune.ClockSyncEveryTicks > 0 && nowTick%uint64(tune.ClockSyncEveryTicks) == 0 {
		m.syncClocks(nowTick)
	}

	if m.snapshotSink != nil && tune.SnapshotEveryTicks > 0 && nowTick%uint64(tune.SnapshotEveryTicks) == 0 {
		snap := m.ExportSnapshot(tune)
		select {
		case m.snapshotSink <- snap:
			m.snapshotsQueued.Add(1)
		default:
			// Sink backed up; the next interval will catch up.
			m.snapshotsDrop.Add(1)
		}
	}

	m.stepNanos.Store(time.Since(start).Nanoseconds())
	m.publishStatus()
}

func (m *Manager) syncClocks(nowTick uint64) {
	for _, id := range m.order {
		w := m.worlds[id]
		for _, r := range w.Roster() {
			m.sendClock(w, r.Sender, r.FatigueTicks, nowTick)
		}
	}
}

// syncClock gives a participant that just arrived in a world its clock
// without waiting for the next periodic sync.
func (m *Manager) syncClock(participantID string, nowTick uint64) {
	w := m.worlds[m.residency[participantID]]
	if w == nil {
		return
	}
	if p, ok := w.Participant(participantID); ok {
		m.sendClock(w, p.Sender, p.FatigueTicks, nowTick)
	}
}

func (m *Manager) sendClock(w *world.World, s notify.Sender, fatigue int, nowTick uint64) {
	if s == nil {
		return
	}
	_ = s.Send(protocol.ClockMsg{
		Type:            protocol.TypeClock,
		ProtocolVersion: protocol.Version,
		WorldID:         w.ID(),
		Tick:            nowTick,
		TimeOfDay:       w.TimeOfDay(),
		Thunder:         w.Thunder(),
		FatigueTicks:    fatigue,
	})
	m.clockSyncs.Add(1)
}

func (m *Manager) pickWorld(pref string) string {
	if _, ok := m.worlds[pref]; ok {
		return pref
	}
	return m.cfg.DefaultWorldID
}

func (m *Manager) addParticipant(req JoinRequest) JoinResponse {
	worldID := m.pickWorld(req.WorldPreference)
	id := fmt.Sprintf("P%d", m.nextParticipant.Add(1))
	fatigue := req.FatigueTicks
	if fatigue <= 0 {
		fatigue = -1
	}
	err := m.worlds[worldID].Add(world.Participant{
		ID:           id,
		Name:         req.Name,
		FatigueTicks: fatigue,
		Overlay:      req.Overlay,
		Sender:       req.Sender,
	})
	if err != nil {
		return JoinResponse{Err: err}
	}
	m.residency[id] = worldID
	return JoinResponse{ParticipantID: id, WorldID: worldID}
}

func (m *Manager) removeParticipant(id string) {
	worldID, ok := m.residency[id]
	if !ok {
		return
	}
	m.worlds[worldID].Remove(id)
	delete(m.residency, id)
}

func (m *Manager) switchParticipant(id, target string) error {
	from, ok := m.residency[id]
	if !ok {
		return ErrNotJoined
	}
	to := m.worlds[target]
	if to == nil {
		return fmt.Errorf("%w: %s", ErrWorldNotFound, target)
	}
	if from == target {
		return nil
	}
	p, _ := m.worlds[from].Remove(id)
	if err := to.Add(p); err != nil {
		_ = m.worlds[from].Add(p)
		return err
	}
	m.residency[id] = target
	return nil
}

// Join blocks until the next tick places the participant.
func (m *Manager) Join(ctx context.Context, req JoinRequest) (JoinResponse, error) {
	req.Resp = make(chan JoinResponse, 1)
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()
	select {
	case m.join <- req:
	case <-m.stopped:
		return JoinResponse{}, ErrStopped
	case <-ctx.Done():
		return JoinResponse{}, ctx.Err()
	}
	select {
	case resp := <-req.Resp:
		return resp, resp.Err
	case <-m.stopped:
		return JoinResponse{}, ErrStopped
	case <-ctx.Done():
		return JoinResponse{}, ctx.Err()
	}
}

// Leave is fire-and-forget.
func (m *Manager) Leave(participantID string) {
	select {
	case m.leave <- participantID:
	case <-m.stopped:
	case <-time.After(requestTimeout):
		m.logger.Printf("leave %s dropped: manager busy", participantID)
	}
}

// Rest resets the participant's fatigue at the next tick.
func (m *Manager) Rest(participantID string) bool {
	select {
	case m.rest <- participantID:
		return true
	default:
		return false
	}
}

func (m *Manager) SwitchWorld(ctx context.Context, participantID, worldID string) error {
	req := SwitchRequest{ParticipantID: participantID, WorldID: worldID, Resp: make(chan error, 1)}
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()
	select {
	case m.switchc <- req:
	case <-m.stopped:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-req.Resp:
		return err
	case <-m.stopped:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SetThunder starts or stops a storm in worldID between ticks.
func (m *Manager) SetThunder(ctx context.Context, worldID string, on bool, durationTicks uint64) error {
	return m.do(ctx, func(m *Manager) error {
		w := m.worlds[worldID]
		if w == nil {
			return fmt.Errorf("%w: %s", ErrWorldNotFound, worldID)
		}
		w.SetThunder(on, durationTicks)
		return nil
	})
}

// SetTimeOfDay moves a world's clock between ticks.
func (m *Manager) SetTimeOfDay(ctx context.Context, worldID string, timeOfDay int64) error {
	return m.do(ctx, func(m *Manager) error {
		w := m.worlds[worldID]
		if w == nil {
			return fmt.Errorf("%w: %s", ErrWorldNotFound, worldID)
		}
		w.SetTimeOfDay(timeOfDay)
		return nil
	})
}

func (m *Manager) do(ctx context.Context, fn func(m *Manager) error) error {
	req := controlReq{apply: fn, resp: make(chan error, 1)}
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()
	select {
	case m.control <- req:
	case <-m.stopped:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-req.resp:
		return err
	case <-m.stopped:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ExportSnapshot must run on the tick goroutine (or before Run).
func (m *Manager) ExportSnapshot(tune tuning.Tuning) snapshot.SnapshotV1 {
	snap := snapshot.SnapshotV1{
		Header:     snapshot.Header{Version: snapshot.Version, Tick: m.tick, UnixMs: time.Now().UnixMilli()},
		TickRate:   tune.TickRateHz,
		NightStart: tune.NightStart,
		NightEnd:   tune.NightEnd,
	}
	for _, id := range m.order {
		ws := m.worlds[id].ExportSnapshot()
		if st, ok := m.tracker.State(id); ok {
			ws.Phase = snapshot.PhaseV1{
				DormancyEligible:      st.DormancyEligible,
				PriorDormancyEligible: st.PriorDormancyEligible,
				EndingSoonWarned:      st.EndingSoonWarned,
				Tracked:               true,
			}
		}
		snap.Worlds = append(snap.Worlds, ws)
	}
	return snap
}

// Restore loads clocks, fatigue and phase state. Worlds in the snapshot that
// are no longer configured are skipped. Call before Run.
func (m *Manager) Restore(snap snapshot.SnapshotV1) {
	m.tick = snap.Header.Tick
	phases := map[string]cycle.PhaseState{}
	for _, ws := range snap.Worlds {
		w := m.worlds[ws.ID]
		if w == nil {
			m.logger.Printf("snapshot world %s not configured; skipped", ws.ID)
			continue
		}
		w.ImportSnapshot(ws)
		if ws.Phase.Tracked {
			phases[ws.ID] = cycle.PhaseState{
				DormancyEligible:      ws.Phase.DormancyEligible,
				PriorDormancyEligible: ws.Phase.PriorDormancyEligible,
				EndingSoonWarned:      ws.Phase.EndingSoonWarned,
			}
		}
	}
	m.tracker.Restore(phases)
	m.publishStatus()
}

func (r JoinRequest) reply(resp JoinResponse) {
	if r.Resp == nil {
		return
	}
	select {
	case r.Resp <- resp:
	default:
	}
}

func reply(ch chan error, err error) {
	if ch == nil {
		return
	}
	select {
	case ch <- err:
	default:
	}
}
