package multiworld

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"nightbell.ai/internal/protocol"
	"nightbell.ai/internal/sim/cycle"
	"nightbell.ai/internal/sim/world"
)

type Config struct {
	DefaultWorldID string      `yaml:"default_world_id"`
	Worlds         []WorldSpec `yaml:"worlds"`
}

type WorldSpec struct {
	ID   string `yaml:"id"`
	Type string `yaml:"type"`
	// Notifications defaults to on for OVERWORLD-type worlds and off otherwise.
	Notifications *bool `yaml:"notifications,omitempty"`
	DaylightCycle bool  `yaml:"daylight_cycle"`
	StartTime     int64 `yaml:"start_time"`
}

func (s WorldSpec) NotificationsEnabled() bool {
	if s.Notifications != nil {
		return *s.Notifications
	}
	return s.Type == "OVERWORLD"
}

func (s WorldSpec) WorldConfig() world.Config {
	return world.Config{
		ID:            s.ID,
		Type:          s.Type,
		DaylightCycle: s.DaylightCycle,
		StartTime:     s.StartTime,
	}
}

func Load(path string) (Config, error) {
	cfg := defaults()
	if strings.TrimSpace(path) == "" {
		cfg.Normalize()
		return cfg, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	cfg = Config{}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return cfg, fmt.Errorf("worlds.yaml: %w", err)
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("worlds.yaml: %w", err)
	}
	return cfg, nil
}

func boolPtr(v bool) *bool { return &v }

func defaults() Config {
	return Config{
		DefaultWorldID: "OVERWORLD",
		Worlds: []WorldSpec{
			{ID: "OVERWORLD", Type: "OVERWORLD", Notifications: boolPtr(true), DaylightCycle: true},
			{ID: "NETHER", Type: "NETHER", Notifications: boolPtr(false), StartTime: 18000},
			{ID: "END", Type: "END", Notifications: boolPtr(false), StartTime: 6000},
		},
	}
}

func (c *Config) Normalize() {
	if c == nil {
		return
	}
	for i := range c.Worlds {
		c.Worlds[i].ID = strings.TrimSpace(c.Worlds[i].ID)
		if strings.TrimSpace(c.Worlds[i].Type) == "" {
			c.Worlds[i].Type = c.Worlds[i].ID
		}
		c.Worlds[i].StartTime %= cycle.Length
		if c.Worlds[i].StartTime < 0 {
			c.Worlds[i].StartTime += cycle.Length
		}
	}
	if strings.TrimSpace(c.DefaultWorldID) == "" && len(c.Worlds) > 0 {
		c.DefaultWorldID = c.Worlds[0].ID
	}
}

func (c Config) Validate() error {
	if len(c.Worlds) == 0 {
		return fmt.Errorf("worlds must not be empty")
	}
	seen := map[string]bool{}
	for _, w := range c.Worlds {
		if strings.TrimSpace(w.ID) == "" {
			return fmt.Errorf("world id must not be empty")
		}
		if seen[w.ID] {
			return fmt.Errorf("duplicate world id: %s", w.ID)
		}
		seen[w.ID] = true
	}
	if c.DefaultWorldID == "" {
		return fmt.Errorf("default_world_id must not be empty")
	}
	if !seen[c.DefaultWorldID] {
		return fmt.Errorf("default_world_id %q not found in worlds", c.DefaultWorldID)
	}
	return nil
}

func (c Config) Manifest() []protocol.WorldRef {
	out := make([]protocol.WorldRef, 0, len(c.Worlds))
	for _, w := range c.Worlds {
		out = append(out, protocol.WorldRef{
			WorldID:       w.ID,
			WorldType:     w.Type,
			Notifications: w.NotificationsEnabled(),
			DaylightCycle: w.DaylightCycle,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].WorldID < out[j].WorldID })
	return out
}

func (c Config) WorldSpecByID(id string) (WorldSpec, bool) {
	for _, w := range c.Worlds {
		if w.ID == id {
			return w, true
		}
	}
	return WorldSpec{}, false
}
