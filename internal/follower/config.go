package follower

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"nightbell.ai/internal/handshake"
)

// Config is configs/follower.yaml.
type Config struct {
	// EnableNotifications gates local predictions only; server overlays are
	// still shown.
	EnableNotifications bool `yaml:"enable_notifications"`
	EnableOverlay       bool `yaml:"enable_overlay"`
	DefaultDuration     int  `yaml:"default_duration"`

	EnableSounds  bool    `yaml:"enable_phantom_screams"`
	NightSound    string  `yaml:"night_sound"`
	MorningSound  string  `yaml:"morning_sound"`
	NightVolume   float64 `yaml:"night_volume"`
	MorningVolume float64 `yaml:"morning_volume"`

	WarningLeadTicks int `yaml:"morning_warning_lead_ticks"`
}

func DefaultConfig() Config {
	return Config{
		EnableNotifications: true,
		EnableOverlay:       true,
		DefaultDuration:     300,
		EnableSounds:        true,
		NightSound:          "entity.phantom.ambient",
		MorningSound:        "entity.phantom.swoop",
		NightVolume:         1.0,
		MorningVolume:       2.0,
		WarningLeadTicks:    handshake.DefaultWarningLeadTicks,
	}
}

func LoadConfig(path string) (Config, error) {
	c := DefaultConfig()
	raw, err := os.ReadFile(path)
	if err != nil {
		return c, err
	}
	if err := yaml.Unmarshal(raw, &c); err != nil {
		return c, fmt.Errorf("follower.yaml: %w", err)
	}
	c.Normalize()
	return c, nil
}

// Normalize clamps values the follower cannot use. A zero lead is kept: it
// turns local sunrise predictions off.
func (c *Config) Normalize() {
	if c == nil {
		return
	}
	d := DefaultConfig()
	if c.DefaultDuration < 0 {
		c.DefaultDuration = 0
	}
	if c.WarningLeadTicks < 0 {
		c.WarningLeadTicks = 0
	}
	if c.NightVolume < 0 {
		c.NightVolume = 0
	}
	if c.MorningVolume < 0 {
		c.MorningVolume = 0
	}
	if strings.TrimSpace(c.NightSound) == "" {
		c.NightSound = d.NightSound
	}
	if strings.TrimSpace(c.MorningSound) == "" {
		c.MorningSound = d.MorningSound
	}
}
