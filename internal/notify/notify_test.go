package notify

import (
	"errors"
	"testing"

	"nightbell.ai/internal/protocol"
	"nightbell.ai/internal/sim/tuning"
)

type fakeSender struct {
	msgs []any
	err  error
}

func (f *fakeSender) Send(msg any) error {
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, msg)
	return nil
}

func (f *fakeSender) count(kind string) int {
	n := 0
	for _, m := range f.msgs {
		switch m.(type) {
		case protocol.OverlayMsg:
			if kind == protocol.TypeOverlay {
				n++
			}
		case protocol.LegacyMsg:
			if kind == protocol.TypeLegacy {
				n++
			}
		case protocol.SoundMsg:
			if kind == protocol.TypeSound {
				n++
			}
		}
	}
	return n
}

type memRecorder struct{ reports []Report }

func (m *memRecorder) RecordNotification(r Report) error {
	m.reports = append(m.reports, r)
	return nil
}

func TestDispatch_NightStartOverlayAndLegacy(t *testing.T) {
	modded, vanilla := &fakeSender{}, &fakeSender{}
	roster := []Recipient{
		{ID: "P1", Name: "alex", FatigueTicks: 60000, Overlay: true, Sender: modded},
		{ID: "P2", Name: "steve", FatigueTicks: 72000, Overlay: false, Sender: vanilla},
	}
	rec := &memRecorder{}
	d := NewDispatcher(nil, rec)
	rep := d.Dispatch(7, "OVERWORLD", protocol.EventNightStart, 10917, roster, tuning.Defaults())

	if rep.Suppressed || rep.Delivered != 2 || rep.Failed != 0 {
		t.Fatalf("report=%+v", rep)
	}
	if rep.Event.Participant != "steve" || rep.Event.NightsSinceRest != 3 {
		t.Fatalf("event=%+v", rep.Event)
	}
	if want := "Nightfall: steve hasn't slept for 3 nights."; rep.Event.Message != want {
		t.Fatalf("message=%q want %q", rep.Event.Message, want)
	}

	if modded.count(protocol.TypeOverlay) != 1 || modded.count(protocol.TypeLegacy) != 0 {
		t.Fatalf("modded got %#v", modded.msgs)
	}
	ov := modded.msgs[0].(protocol.OverlayMsg)
	if ov.DurationTicks != 100 || ov.EventType != protocol.EventNightStart || ov.WorldID != "OVERWORLD" {
		t.Fatalf("overlay=%+v", ov)
	}
	if vanilla.count(protocol.TypeLegacy) != 1 || vanilla.count(protocol.TypeOverlay) != 0 {
		t.Fatalf("vanilla got %#v", vanilla.msgs)
	}
	lg := vanilla.msgs[0].(protocol.LegacyMsg)
	if lg.Title != "Nightfall" || lg.Subtitle != "steve hasn't slept for 3 nights." || lg.ActionBar != "" {
		t.Fatalf("legacy=%+v", lg)
	}
	if lg.FadeIn != 10 || lg.Stay != 60 || lg.FadeOut != 10 {
		t.Fatalf("fades=%d/%d/%d", lg.FadeIn, lg.Stay, lg.FadeOut)
	}
	// Ambient sound goes to everyone in the ambient world.
	if modded.count(protocol.TypeSound) != 1 || vanilla.count(protocol.TypeSound) != 1 {
		t.Fatalf("sounds modded=%d vanilla=%d", modded.count(protocol.TypeSound), vanilla.count(protocol.TypeSound))
	}
	if len(rec.reports) != 1 || rec.reports[0].Tick != 7 {
		t.Fatalf("recorded=%+v", rec.reports)
	}
}

func TestDispatch_SunriseLabelAndSingularNight(t *testing.T) {
	s := &fakeSender{}
	roster := []Recipient{{ID: "P1", Name: "alex", FatigueTicks: 56000, Overlay: true, Sender: s}}
	tune := tuning.Defaults()
	tune.RestThresholdTicks = 24000
	rep := NewDispatcher(nil).Dispatch(1, "OVERWORLD", protocol.EventSunriseImminent, 1200, roster, tune)
	if rep.Event.Label != "60s Until Sunrise" {
		t.Fatalf("label=%q", rep.Event.Label)
	}
	if rep.Event.Message != "60s Until Sunrise: alex hasn't slept for 2 nights." {
		t.Fatalf("message=%q", rep.Event.Message)
	}
	if got := Detail("alex", 1); got != "alex hasn't slept for 1 night." {
		t.Fatalf("singular=%q", got)
	}
	snd := s.msgs[1].(protocol.SoundMsg)
	if snd.Volume != 2.0 || snd.EventType != protocol.EventSunriseImminent {
		t.Fatalf("sound=%+v", snd)
	}
}

func TestDispatch_NoTriggerSuppressesButRecords(t *testing.T) {
	s := &fakeSender{}
	rec := &memRecorder{}
	d := NewDispatcher(nil, rec)
	rep := d.Dispatch(3, "OVERWORLD", protocol.EventSunriseImminent, 600,
		[]Recipient{{ID: "P1", Name: "alex", FatigueTicks: 55999, Overlay: true, Sender: s}}, tuning.Defaults())
	if !rep.Suppressed || rep.Delivered != 0 || len(s.msgs) != 0 {
		t.Fatalf("rep=%+v msgs=%v", rep, s.msgs)
	}
	if d.Stats().Suppressed != 1 || len(rec.reports) != 1 || !rec.reports[0].Suppressed {
		t.Fatalf("stats=%+v recorded=%+v", d.Stats(), rec.reports)
	}
}

func TestDispatch_FailureDoesNotBlockOthers(t *testing.T) {
	broken := &fakeSender{err: errors.New("queue full")}
	ok := &fakeSender{}
	roster := []Recipient{
		{ID: "P1", Name: "alex", FatigueTicks: 80000, Overlay: true, Sender: broken},
		{ID: "P2", Name: "nosender", FatigueTicks: 10},
		{ID: "P3", Name: "steve", FatigueTicks: 10, Overlay: true, Sender: ok},
	}
	d := NewDispatcher(nil)
	rep := d.Dispatch(1, "OVERWORLD", protocol.EventNightStart, 0, roster, tuning.Defaults())
	if rep.Failed != 2 || rep.Delivered != 1 {
		t.Fatalf("rep=%+v", rep)
	}
	if ok.count(protocol.TypeOverlay) != 1 {
		t.Fatalf("healthy recipient missed the overlay")
	}
	if st := d.Stats(); st.Failed != 2 || st.Delivered != 1 || st.NightStart != 1 {
		t.Fatalf("stats=%+v", st)
	}
}

func TestDispatch_LegacyToOverlayClients(t *testing.T) {
	s := &fakeSender{}
	tune := tuning.Defaults()
	tune.Delivery.SendLegacyToOverlayClients = true
	NewDispatcher(nil).Dispatch(1, "OVERWORLD", protocol.EventNightStart, 0,
		[]Recipient{{ID: "P1", Name: "alex", FatigueTicks: 60000, Overlay: true, Sender: s}}, tune)
	if s.count(protocol.TypeOverlay) != 1 || s.count(protocol.TypeLegacy) != 1 {
		t.Fatalf("msgs=%#v", s.msgs)
	}
}

func TestDispatch_SoundOnlyInAmbientWorld(t *testing.T) {
	s := &fakeSender{}
	NewDispatcher(nil).Dispatch(1, "NETHER", protocol.EventNightStart, 0,
		[]Recipient{{ID: "P1", Name: "alex", FatigueTicks: 60000, Sender: s}}, tuning.Defaults())
	if s.count(protocol.TypeSound) != 0 {
		t.Fatalf("sound leaked outside the ambient world")
	}
}

func TestLegacyCombinations(t *testing.T) {
	const label, detail = "Nightfall", "alex hasn't slept for 3 nights."
	full := label + ": " + detail
	cases := []struct {
		name                        string
		title, subtitle, bar        bool
		wantTitle, wantSub, wantBar string
	}{
		{"title+subtitle", true, true, false, label, detail, ""},
		{"title+subtitle+bar", true, true, true, label, detail, label},
		{"title only", true, false, false, full, "", ""},
		{"title+bar", true, false, true, full, "", label},
		{"subtitle only", false, true, false, "", full, ""},
		{"subtitle+bar", false, true, true, "", full, label},
		{"bar only", false, false, true, "", "", full},
		{"nothing enabled", false, false, false, "", "", full},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			d := tuning.Defaults().Delivery
			d.SendTitle, d.SendSubtitle, d.SendActionBar = c.title, c.subtitle, c.bar
			m := Legacy(label, detail, d)
			if m.Title != c.wantTitle || m.Subtitle != c.wantSub || m.ActionBar != c.wantBar {
				t.Fatalf("got title=%q sub=%q bar=%q", m.Title, m.Subtitle, m.ActionBar)
			}
			if (m.Title == "" && m.Subtitle == "") != (m.Stay == 0) {
				t.Fatalf("fade timings should accompany titles only: %+v", m)
			}
		})
	}
}

func TestSound_ZeroVolumeGated(t *testing.T) {
	s := tuning.Defaults().Sound
	s.NightVolume = 0
	if _, ok := Sound(protocol.EventNightStart, "OVERWORLD", s); ok {
		t.Fatalf("zero volume should not produce a cue")
	}
	if _, ok := Sound(protocol.EventSunriseImminent, "OVERWORLD", s); !ok {
		t.Fatalf("morning cue should still play")
	}
	s.Enabled = false
	if _, ok := Sound(protocol.EventSunriseImminent, "OVERWORLD", s); ok {
		t.Fatalf("disabled sounds should not produce a cue")
	}
}

func TestDuration(t *testing.T) {
	if Duration(0) != 100 || Duration(-3) != 100 || Duration(250) != 250 {
		t.Fatalf("unexpected duration fallback")
	}
}
