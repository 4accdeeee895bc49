package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// SlotConfig describes one configured vehicle role and where its
// vehicle dials in.
type SlotConfig struct {
	Name       string `yaml:"name"`
	ListenAddr string `yaml:"listen_addr"`
}

type Config struct {
	HTTPAddr string       `yaml:"http_addr"`
	DBPath   string       `yaml:"db_path"`
	Slots    []SlotConfig `yaml:"slots"`
	// MissionSlot is the slot delivery missions are uploaded to.
	MissionSlot string `yaml:"mission_slot"`

	// Mission generation parameters.
	CruiseAlt     float64 `yaml:"cruise_alt"`
	ApproachAlt   float64 `yaml:"approach_alt"`
	DropAlt       float64 `yaml:"drop_alt"`
	SafetyCeiling float64 `yaml:"safety_ceiling"`
	ServoChannel  int     `yaml:"servo_channel"`
	ServoOpenPWM  int     `yaml:"servo_open_pwm"`

	// Protocol timing.
	HeartbeatWait   time.Duration `yaml:"heartbeat_wait"`
	AckTimeout      time.Duration `yaml:"ack_timeout"`
	FetchTimeout    time.Duration `yaml:"fetch_timeout"`
	LivenessWindow  time.Duration `yaml:"liveness_window"`
	HistoryCapacity int           `yaml:"history_capacity"`
	EventQueueSize  int           `yaml:"event_queue_size"`
}

func DefaultConfig() Config {
	return Config{
		HTTPAddr: ":8000",
		DBPath:   defaultDBPath(),
		Slots: []SlotConfig{
			{Name: "scout", ListenAddr: ":5760"},
			{Name: "delivery", ListenAddr: ":5762"},
		},
		MissionSlot:     "delivery",
		CruiseAlt:       60,
		ApproachAlt:     25,
		DropAlt:         5,
		SafetyCeiling:   1000,
		ServoChannel:    9,
		ServoOpenPWM:    1500,
		HeartbeatWait:   5 * time.Second,
		AckTimeout:      12 * time.Second,
		FetchTimeout:    8 * time.Second,
		LivenessWindow:  5 * time.Second,
		HistoryCapacity: 500,
		EventQueueSize:  64,
	}
}

// Load reads a YAML config file over the defaults. A missing path is
// not an error; flags applied by the caller take final precedence.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	if len(c.Slots) == 0 {
		return fmt.Errorf("at least one vehicle slot is required")
	}
	seen := map[string]bool{}
	for _, s := range c.Slots {
		if s.Name == "" || s.ListenAddr == "" {
			return fmt.Errorf("slot name and listen_addr are required")
		}
		if seen[s.Name] {
			return fmt.Errorf("duplicate slot %q", s.Name)
		}
		seen[s.Name] = true
	}
	if c.MissionSlot != "" {
		if _, ok := c.Slot(c.MissionSlot); !ok {
			return fmt.Errorf("mission_slot %q is not a configured slot", c.MissionSlot)
		}
	}
	if c.HistoryCapacity <= 0 {
		return fmt.Errorf("history_capacity must be positive")
	}
	if c.EventQueueSize <= 0 {
		return fmt.Errorf("event_queue_size must be positive")
	}
	return nil
}

// Slot returns the configuration for the named slot, if present.
func (c Config) Slot(name string) (SlotConfig, bool) {
	for _, s := range c.Slots {
		if s.Name == name {
			return s, true
		}
	}
	return SlotConfig{}, false
}

func defaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "skyfleet.db"
	}
	return filepath.Join(home, ".local", "state", "skyfleet", "fleet.db")
}
