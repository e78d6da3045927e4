package tuning

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"nightbell.ai/internal/sim/cycle"
)

func TestLoad_RepoTuningYAML(t *testing.T) {
	tune, err := Load("../../../configs/tuning.yaml")
	if err != nil {
		t.Fatalf("load tuning.yaml: %v", err)
	}
	p := tune.Params()
	if p.Window != cycle.DefaultWindow {
		t.Fatalf("window=%+v", p.Window)
	}
	if p.WarningLeadTicks != 1200 || p.RestThresholdTicks != 56000 || p.NotificationDuration != 100 {
		t.Fatalf("params=%+v", p)
	}
	if !tune.Delivery.SendTitle || !tune.Delivery.SendSubtitle || tune.Delivery.SendActionBar {
		t.Fatalf("delivery=%+v", tune.Delivery)
	}
}

func TestLoad_PartialFileKeepsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tuning.yaml")
	if err := os.WriteFile(path, []byte("warning_lead_ticks: 600\nsound:\n  enabled: false\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	tune, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if tune.WarningLeadTicks != 600 {
		t.Fatalf("lead=%d", tune.WarningLeadTicks)
	}
	if tune.Sound.Enabled {
		t.Fatalf("sound should be disabled")
	}
	if tune.Sound.MorningVolume != 2.0 || tune.RestThresholdTicks != 56000 {
		t.Fatalf("defaults lost: %+v", tune)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if !os.IsNotExist(err) {
		t.Fatalf("expected not-exist error, got %v", err)
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name string
		mut  func(*Tuning)
		want string
	}{
		{"start out of range", func(t *Tuning) { t.NightStart = 24000 }, "night_start"},
		{"empty window", func(t *Tuning) { t.NightEnd = t.NightStart }, "must differ"},
		{"negative lead", func(t *Tuning) { t.WarningLeadTicks = -1 }, "warning_lead_ticks"},
		{"negative volume", func(t *Tuning) { t.Sound.MorningVolume = -0.5 }, "volumes"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			tune := Defaults()
			c.mut(&tune)
			err := tune.Validate()
			if err == nil || !strings.Contains(err.Error(), c.want) {
				t.Fatalf("err=%v want contains %q", err, c.want)
			}
		})
	}
	if err := Defaults().Validate(); err != nil {
		t.Fatalf("defaults invalid: %v", err)
	}
}

func TestNormalize_ZeroDurationFallsBack(t *testing.T) {
	tune := Defaults()
	tune.NotificationDuration = 0
	tune.Normalize()
	if tune.NotificationDuration != 100 {
		t.Fatalf("duration=%d", tune.NotificationDuration)
	}
}

func TestWatcher_PollReloadsOnChange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tuning.yaml")
	if err := os.WriteFile(path, []byte("warning_lead_ticks: 1200\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	w := NewWatcher(path, Defaults(), Load, time.Millisecond, nil)

	var notified int
	w.OnChange(func(Tuning) { notified++ })

	if changed, err := w.Poll(); err != nil || changed {
		t.Fatalf("unchanged file: changed=%v err=%v", changed, err)
	}

	if err := os.WriteFile(path, []byte("warning_lead_ticks: 600\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	future := time.Now().Add(2 * time.Second)
	_ = os.Chtimes(path, future, future)

	changed, err := w.Poll()
	if err != nil || !changed {
		t.Fatalf("changed=%v err=%v", changed, err)
	}
	if got := w.Current().WarningLeadTicks; got != 600 {
		t.Fatalf("lead=%d want 600", got)
	}
	if notified != 1 || w.Reloads() != 1 {
		t.Fatalf("notified=%d reloads=%d", notified, w.Reloads())
	}
}

func TestWatcher_BadReloadKeepsPrevious(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tuning.yaml")
	if err := os.WriteFile(path, []byte("warning_lead_ticks: 900\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	first, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	w := NewWatcher(path, first, Load, time.Millisecond, nil)

	if err := os.WriteFile(path, []byte("warning_lead_ticks: -5\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	future := time.Now().Add(2 * time.Second)
	_ = os.Chtimes(path, future, future)

	if _, err := w.Poll(); err == nil {
		t.Fatalf("expected validation error")
	}
	if got := w.Current().WarningLeadTicks; got != 900 {
		t.Fatalf("lead=%d want previous 900", got)
	}
	if w.Failures() != 1 {
		t.Fatalf("failures=%d", w.Failures())
	}
}
