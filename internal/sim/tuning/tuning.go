package tuning

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"nightbell.ai/internal/sim/cycle"
)

// Tuning is the server side of configs/tuning.yaml.
type Tuning struct {
	ProtocolVersion string `yaml:"protocol_version"`

	TickRateHz           int   `yaml:"tick_rate_hz"`
	NightStart           int64 `yaml:"night_start"`
	NightEnd             int64 `yaml:"night_end"`
	WarningLeadTicks     int   `yaml:"warning_lead_ticks"`
	RestThresholdTicks   int   `yaml:"rest_threshold_ticks"`
	NotificationDuration int   `yaml:"notification_duration"`
	ClockSyncEveryTicks  int   `yaml:"clock_sync_every_ticks"`
	SnapshotEveryTicks   int   `yaml:"snapshot_every_ticks"`

	Delivery   Delivery   `yaml:"delivery"`
	Sound      Sound      `yaml:"sound"`
	RateLimits RateLimits `yaml:"rate_limits"`
}

// Delivery controls the legacy title/subtitle/action-bar presentation.
type Delivery struct {
	SendTitle                  bool `yaml:"send_title"`
	SendSubtitle               bool `yaml:"send_subtitle"`
	SendActionBar              bool `yaml:"send_action_bar"`
	SendLegacyToOverlayClients bool `yaml:"send_legacy_to_overlay_clients"`

	TitleFadeIn  int `yaml:"title_fade_in"`
	TitleStay    int `yaml:"title_stay"`
	TitleFadeOut int `yaml:"title_fade_out"`
}

type Sound struct {
	Enabled       bool    `yaml:"enabled"`
	WorldID       string  `yaml:"world_id"`
	NightVolume   float64 `yaml:"night_volume"`
	MorningVolume float64 `yaml:"morning_volume"`
	NightSound    string  `yaml:"night_sound"`
	MorningSound  string  `yaml:"morning_sound"`
	Pitch         float64 `yaml:"pitch"`
}

// RateLimits bounds inbound client messages per session.
type RateLimits struct {
	MessagesPerSecond float64 `yaml:"messages_per_second"`
	Burst             int     `yaml:"burst"`
}

// Defaults returns the tuning used when no file is present.
func Defaults() Tuning {
	return Tuning{
		ProtocolVersion:      "1.0",
		TickRateHz:           cycle.TicksPerSecond,
		NightStart:           cycle.DefaultWindow.Start,
		NightEnd:             cycle.DefaultWindow.End,
		WarningLeadTicks:     1200,
		RestThresholdTicks:   56000,
		NotificationDuration: 100,
		ClockSyncEveryTicks:  20,
		SnapshotEveryTicks:   6000,
		Delivery: Delivery{
			SendTitle:    true,
			SendSubtitle: true,
			TitleFadeIn:  10,
			TitleStay:    60,
			TitleFadeOut: 10,
		},
		Sound: Sound{
			Enabled:       true,
			WorldID:       "OVERWORLD",
			NightVolume:   1.0,
			MorningVolume: 2.0,
			NightSound:    "entity.phantom.ambient",
			MorningSound:  "entity.phantom.swoop",
			Pitch:         1.0,
		},
		RateLimits: RateLimits{
			MessagesPerSecond: 10,
			Burst:             20,
		},
	}
}

// Load reads path over Defaults. A missing file is returned as an
// os.IsNotExist error so callers can decide to run on defaults.
func Load(path string) (Tuning, error) {
	t := Defaults()
	raw, err := os.ReadFile(path)
	if err != nil {
		return t, err
	}
	if err := yaml.Unmarshal(raw, &t); err != nil {
		return t, fmt.Errorf("tuning.yaml: %w", err)
	}
	t.Normalize()
	if err := t.Validate(); err != nil {
		return t, fmt.Errorf("tuning.yaml: %w", err)
	}
	return t, nil
}

// Normalize fills zero values that have an obvious default.
// Booleans are left alone: false is a valid setting.
func (t *Tuning) Normalize() {
	if t == nil {
		return
	}
	d := Defaults()
	if strings.TrimSpace(t.ProtocolVersion) == "" {
		t.ProtocolVersion = d.ProtocolVersion
	}
	if t.TickRateHz <= 0 {
		t.TickRateHz = d.TickRateHz
	}
	if t.NotificationDuration <= 0 {
		t.NotificationDuration = d.NotificationDuration
	}
	if t.ClockSyncEveryTicks <= 0 {
		t.ClockSyncEveryTicks = d.ClockSyncEveryTicks
	}
	if t.Delivery.TitleFadeIn < 0 {
		t.Delivery.TitleFadeIn = 0
	}
	if t.Delivery.TitleStay <= 0 {
		t.Delivery.TitleStay = d.Delivery.TitleStay
	}
	if t.Delivery.TitleFadeOut < 0 {
		t.Delivery.TitleFadeOut = 0
	}
	t.Sound.WorldID = strings.TrimSpace(t.Sound.WorldID)
	if t.Sound.WorldID == "" {
		t.Sound.WorldID = d.Sound.WorldID
	}
	if t.Sound.NightSound == "" {
		t.Sound.NightSound = d.Sound.NightSound
	}
	if t.Sound.MorningSound == "" {
		t.Sound.MorningSound = d.Sound.MorningSound
	}
	if t.Sound.Pitch <= 0 {
		t.Sound.Pitch = d.Sound.Pitch
	}
	if t.RateLimits.MessagesPerSecond <= 0 {
		t.RateLimits.MessagesPerSecond = d.RateLimits.MessagesPerSecond
	}
	if t.RateLimits.Burst <= 0 {
		t.RateLimits.Burst = d.RateLimits.Burst
	}
}

func (t Tuning) Validate() error {
	if t.NightStart < 0 || t.NightStart >= cycle.Length {
		return fmt.Errorf("night_start must be in [0, %d)", cycle.Length)
	}
	if t.NightEnd < 0 || t.NightEnd >= cycle.Length {
		return fmt.Errorf("night_end must be in [0, %d)", cycle.Length)
	}
	if t.NightStart == t.NightEnd {
		return fmt.Errorf("night_start and night_end must differ")
	}
	if t.WarningLeadTicks < 0 || t.WarningLeadTicks >= cycle.Length {
		return fmt.Errorf("warning_lead_ticks must be in [0, %d)", cycle.Length)
	}
	if t.RestThresholdTicks < 0 {
		return fmt.Errorf("rest_threshold_ticks must be >= 0")
	}
	if t.SnapshotEveryTicks < 0 {
		return fmt.Errorf("snapshot_every_ticks must be >= 0")
	}
	if t.Sound.NightVolume < 0 || t.Sound.MorningVolume < 0 {
		return fmt.Errorf("sound volumes must be >= 0")
	}
	return nil
}

// Window is the configured night window.
func (t Tuning) Window() cycle.Window {
	return cycle.Window{Start: t.NightStart, End: t.NightEnd}
}

// Params is the view the phase tracker consumes.
func (t Tuning) Params() cycle.Params {
	return cycle.Params{
		Window:               t.Window(),
		WarningLeadTicks:     t.WarningLeadTicks,
		RestThresholdTicks:   t.RestThresholdTicks,
		NotificationDuration: t.NotificationDuration,
	}
}
