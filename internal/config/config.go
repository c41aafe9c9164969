// Package config loads the junction controller's JSON configuration.
//
// Every field is optional. Omitted fields fall back to the defaults
// returned by the Get* methods, so a partial file is always safe.
package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/banshee-data/junction/internal/fusion"
	"github.com/banshee-data/junction/internal/lane"
	"github.com/banshee-data/junction/internal/mqtt"
	"github.com/banshee-data/junction/internal/occupancy"
	"github.com/banshee-data/junction/internal/protocol"
	"github.com/banshee-data/junction/internal/scheduler"
	"github.com/banshee-data/junction/internal/serialmux"
)

// ErrInvalid is wrapped by every load and validation failure.
var ErrInvalid = errors.New("invalid configuration")

// DefaultConfigPath is the example configuration shipped with the repo.
const DefaultConfigPath = "config/junction.defaults.json"

const maxFileSize = 1 * 1024 * 1024 // 1MB

// Defaults mirrored from the deployed controller.
var (
	DefaultLaneWeights = lane.Weights{1.2, 1, 1.2, 1}
	DefaultMaxCapacity = lane.Capacity{2, 3, 2, 3}
)

const (
	DefaultSerialPort     = "/dev/ttyUSB0"
	DefaultListen         = ":8080"
	DefaultPresenceMaxAge = 10 * time.Second
	DefaultReadyTimeout   = 30 * time.Second
	DefaultSettleDelay    = 100 * time.Millisecond
	DefaultYellow         = 2 * time.Second
	DefaultAllRed         = 1 * time.Second
	DefaultStartupDelay   = 2 * time.Second
)

// Config is the root of the configuration file.
type Config struct {
	LaneWeights    []float64 `json:"lane_weights,omitempty"`
	MaxCapacity    []int     `json:"max_capacity,omitempty"`
	PresenceMode   *string   `json:"presence_mode,omitempty"`
	PresenceMaxAge *string   `json:"presence_max_age,omitempty"` // duration string like "10s"

	Allocation AllocationConfig      `json:"allocation"`
	Serial     SerialConfig          `json:"serial"`
	Occupancy  OccupancySourceConfig `json:"occupancy"`

	ReadyToken   *string `json:"ready_token,omitempty"`
	ReadyTimeout *string `json:"ready_timeout,omitempty"` // "0s" waits forever
	SettleDelay  *string `json:"settle_delay,omitempty"`
	Yellow       *string `json:"yellow,omitempty"`
	AllRed       *string `json:"all_red,omitempty"`
	StartupDelay *string `json:"startup_delay,omitempty"`

	Listen           *string      `json:"listen,omitempty"`
	DBPath           *string      `json:"db_path,omitempty"`
	HistoryRetention *string      `json:"history_retention,omitempty"` // "0s" keeps every cycle
	MQTT             mqtt.Options `json:"mqtt"`
}

// AllocationConfig selects the green-time policy.
type AllocationConfig struct {
	Policy            *string `json:"policy,omitempty"`
	SecondsPerVehicle *int    `json:"seconds_per_vehicle,omitempty"`
	CycleSeconds      *int    `json:"cycle_seconds,omitempty"`
	MinGreenSeconds   *int    `json:"min_green_seconds,omitempty"`
}

// SerialConfig names the signal controller port and its framing.
type SerialConfig struct {
	Port *string `json:"port,omitempty"`
	serialmux.PortOptions
}

// OccupancySourceConfig points at the vision detector. An empty URL runs
// without vision (presence sensors only).
type OccupancySourceConfig struct {
	URL     string  `json:"url,omitempty"`
	Timeout *string `json:"timeout,omitempty"`
}

// Load reads, parses and validates the file at path. It must have a .json
// extension, be under 1MB and contain no unknown fields.
func Load(path string) (*Config, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("%w: config file must have .json extension, got %q", ErrInvalid, ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("%w: config file too large: %d bytes (max %d)", ErrInvalid, fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates a configuration document.
func Parse(data []byte) (*Config, error) {
	cfg := &Config{}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("%w: failed to parse config JSON: %w", ErrInvalid, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks every set field.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if c.LaneWeights != nil {
		if len(c.LaneWeights) != lane.Count {
			add("lane_weights must have %d entries, got %d", lane.Count, len(c.LaneWeights))
		}
		for i, w := range c.LaneWeights {
			if !(w > 0) {
				add("lane_weights[%d] must be positive, got %g", i, w)
			}
		}
	}
	if c.MaxCapacity != nil {
		if len(c.MaxCapacity) != lane.Count {
			add("max_capacity must have %d entries, got %d", lane.Count, len(c.MaxCapacity))
		}
		for i, n := range c.MaxCapacity {
			if n <= 0 {
				add("max_capacity[%d] must be positive, got %d", i, n)
			}
		}
	}
	if c.PresenceMode != nil {
		if _, err := fusion.ParseMode(*c.PresenceMode); err != nil {
			add("presence_mode: %w", err)
		}
	}
	if c.Allocation.Policy != nil {
		if _, err := scheduler.ParsePolicy(*c.Allocation.Policy); err != nil {
			add("allocation.policy: %w", err)
		}
	}
	for name, v := range map[string]*int{
		"allocation.seconds_per_vehicle": c.Allocation.SecondsPerVehicle,
		"allocation.cycle_seconds":       c.Allocation.CycleSeconds,
	} {
		if v != nil && *v <= 0 {
			add("%s must be positive, got %d", name, *v)
		}
	}
	if v := c.Allocation.MinGreenSeconds; v != nil && *v < 0 {
		add("allocation.min_green_seconds must be non-negative, got %d", *v)
	}
	if _, err := c.Serial.PortOptions.Normalize(); err != nil {
		add("serial: %w", err)
	}
	if c.ReadyToken != nil && strings.TrimSpace(*c.ReadyToken) == "" {
		add("ready_token must not be blank")
	}

	for name, v := range map[string]*string{
		"presence_max_age":  c.PresenceMaxAge,
		"occupancy.timeout": c.Occupancy.Timeout,
		"ready_timeout":     c.ReadyTimeout,
		"settle_delay":      c.SettleDelay,
		"yellow":            c.Yellow,
		"all_red":           c.AllRed,
		"startup_delay":     c.StartupDelay,
		"history_retention": c.HistoryRetention,
	} {
		if v == nil || *v == "" {
			continue
		}
		d, err := time.ParseDuration(*v)
		if err != nil {
			add("invalid %s '%s': %w", name, *v, err)
		} else if d < 0 {
			add("%s must not be negative, got %s", name, d)
		}
	}

	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
}

func getDuration(v *string, def time.Duration) time.Duration {
	if v == nil || *v == "" {
		return def
	}
	d, err := time.ParseDuration(*v)
	if err != nil || d < 0 {
		return def
	}
	return d
}

// GetLaneWeights returns lane_weights or DefaultLaneWeights.
func (c *Config) GetLaneWeights() lane.Weights {
	if len(c.LaneWeights) != lane.Count {
		return DefaultLaneWeights
	}
	var w lane.Weights
	copy(w[:], c.LaneWeights)
	return w
}

// GetMaxCapacity returns max_capacity or DefaultMaxCapacity.
func (c *Config) GetMaxCapacity() lane.Capacity {
	if len(c.MaxCapacity) != lane.Count {
		return DefaultMaxCapacity
	}
	var m lane.Capacity
	copy(m[:], c.MaxCapacity)
	return m
}

// GetPresenceMode defaults to fallback_on_zero.
func (c *Config) GetPresenceMode() fusion.Mode {
	if c.PresenceMode == nil {
		return fusion.FallbackOnZero
	}
	m, err := fusion.ParseMode(*c.PresenceMode)
	if err != nil {
		return fusion.FallbackOnZero
	}
	return m
}

func (c *Config) GetPresenceMaxAge() time.Duration {
	return getDuration(c.PresenceMaxAge, DefaultPresenceMaxAge)
}

// GetAllocatorOptions returns the scheduler options, with weights taken
// from lane_weights.
func (c *Config) GetAllocatorOptions() scheduler.Options {
	opts := scheduler.Options{
		Policy:            scheduler.PolicyProportional,
		SecondsPerVehicle: scheduler.DefaultSecondsPerVehicle,
		CycleSeconds:      scheduler.DefaultCycleSeconds,
		MinGreenSeconds:   scheduler.DefaultMinGreenSeconds,
		Weights:           c.GetLaneWeights(),
	}
	a := c.Allocation
	if a.Policy != nil {
		if p, err := scheduler.ParsePolicy(*a.Policy); err == nil {
			opts.Policy = p
		}
	}
	if a.SecondsPerVehicle != nil {
		opts.SecondsPerVehicle = *a.SecondsPerVehicle
	}
	if a.CycleSeconds != nil {
		opts.CycleSeconds = *a.CycleSeconds
	}
	if a.MinGreenSeconds != nil {
		opts.MinGreenSeconds = *a.MinGreenSeconds
	}
	return opts
}

func (c *Config) GetSerialPort() string {
	if c.Serial.Port == nil || *c.Serial.Port == "" {
		return DefaultSerialPort
	}
	return *c.Serial.Port
}

// GetPortOptions returns normalised serial framing (9600 8N1 by default).
func (c *Config) GetPortOptions() serialmux.PortOptions {
	opts, err := c.Serial.PortOptions.Normalize()
	if err != nil {
		opts, _ = serialmux.PortOptions{}.Normalize()
	}
	return opts
}

func (c *Config) GetOccupancyTimeout() time.Duration {
	return getDuration(c.Occupancy.Timeout, occupancy.DefaultTimeout)
}

func (c *Config) GetReadyToken() string {
	if c.ReadyToken == nil || *c.ReadyToken == "" {
		return protocol.DefaultReadyToken
	}
	return *c.ReadyToken
}

func (c *Config) GetReadyTimeout() time.Duration {
	return getDuration(c.ReadyTimeout, DefaultReadyTimeout)
}

func (c *Config) GetSettleDelay() time.Duration {
	return getDuration(c.SettleDelay, DefaultSettleDelay)
}

func (c *Config) GetYellow() time.Duration { return getDuration(c.Yellow, DefaultYellow) }

func (c *Config) GetAllRed() time.Duration { return getDuration(c.AllRed, DefaultAllRed) }

func (c *Config) GetStartupDelay() time.Duration {
	return getDuration(c.StartupDelay, DefaultStartupDelay)
}

func (c *Config) GetListen() string {
	if c.Listen == nil || *c.Listen == "" {
		return DefaultListen
	}
	return *c.Listen
}

// GetDBPath returns db_path; empty disables cycle history.
func (c *Config) GetDBPath() string {
	if c.DBPath == nil {
		return ""
	}
	return *c.DBPath
}

// GetHistoryRetention defaults to keeping every cycle.
func (c *Config) GetHistoryRetention() time.Duration {
	return getDuration(c.HistoryRetention, 0)
}

// GetMQTTOptions fills the client id and topic prefix when a broker is set.
func (c *Config) GetMQTTOptions() mqtt.Options {
	o := c.MQTT
	if o.Topic == "" {
		o.Topic = mqtt.DefaultTopicPrefix
	}
	if o.ClientID == "" {
		o.ClientID = "junction"
	}
	return o
}

// Redacted returns a copy safe to expose over HTTP.
func (c *Config) Redacted() *Config {
	out := *c
	if out.MQTT.Password != "" {
		out.MQTT.Password = "********"
	}
	return &out
}

func ptrString(v string) *string { return &v }

// SetString helpers let flag overrides share the pointer representation.
func (c *Config) SetSerialPort(v string) { c.Serial.Port = ptrString(v) }
func (c *Config) SetListen(v string)     { c.Listen = ptrString(v) }
func (c *Config) SetDBPath(v string)     { c.DBPath = ptrString(v) }
