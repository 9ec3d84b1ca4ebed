// Package schedcfg loads the business-hours schedule configuration that
// parameterizes the layout engine and the sync engine's timing knobs.
package schedcfg

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/bookingdesk/reservesync/internal/layout"
	"github.com/bookingdesk/reservesync/internal/reserve"
)

type Config struct {
	DayStart string `toml:"day_start"`
	DayEnd   string `toml:"day_end"`

	// SlotMinutes is the width of one discrete scheduling slot.
	SlotMinutes int `toml:"slot_minutes"`

	// SlotCapacity, when positive, derives every rendered duration as
	// slot width divided by capacity, overriding the fixed durations.
	SlotCapacity int `toml:"slot_capacity"`

	DefaultDurationMinutes int `toml:"default_duration_minutes"`

	// TypeDurations overrides the default per reservation type, keyed by
	// type name: "checkup", "followup", "conversation". Case and
	// underscores are ignored, so "follow_up" works too.
	TypeDurations map[string]int `toml:"type_durations"`

	FreeRoam                 bool `toml:"free_roam"`
	SuppressionWindowSeconds int  `toml:"suppression_window_seconds"`
	AckTimeoutSeconds        int  `toml:"ack_timeout_seconds"`
}

func Default() Config {
	return Config{
		DayStart:                 "09:00",
		DayEnd:                   "17:00",
		SlotMinutes:              120,
		DefaultDurationMinutes:   20,
		SuppressionWindowSeconds: 10,
		AckTimeoutSeconds:        10,
	}
}

// Load reads and validates a TOML schedule config, filling unset fields from
// the defaults.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	cfg := Default()
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse schedule config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if _, err := time.Parse("15:04", c.DayStart); err != nil {
		return fmt.Errorf("day_start %q: must be HH:MM", c.DayStart)
	}
	if _, err := time.Parse("15:04", c.DayEnd); err != nil {
		return fmt.Errorf("day_end %q: must be HH:MM", c.DayEnd)
	}
	if c.SlotMinutes <= 0 {
		return fmt.Errorf("slot_minutes must be positive, got %d", c.SlotMinutes)
	}
	if c.SlotCapacity < 0 {
		return fmt.Errorf("slot_capacity must not be negative, got %d", c.SlotCapacity)
	}
	if c.DefaultDurationMinutes <= 0 {
		return fmt.Errorf("default_duration_minutes must be positive, got %d", c.DefaultDurationMinutes)
	}
	return nil
}

func (c Config) SuppressionWindow() time.Duration {
	return time.Duration(c.SuppressionWindowSeconds) * time.Second
}

func (c Config) AckTimeout() time.Duration {
	return time.Duration(c.AckTimeoutSeconds) * time.Second
}

// DurationPolicy builds the layout duration policy: slot width divided by
// capacity when a capacity is configured, else the fixed default with
// per-type overrides keyed by type name.
func (c Config) DurationPolicy() layout.DurationPolicy {
	if c.SlotCapacity > 0 {
		derived := time.Duration(c.SlotMinutes/c.SlotCapacity) * time.Minute
		return func(reserve.ReservationType) time.Duration { return derived }
	}
	fallback := time.Duration(c.DefaultDurationMinutes) * time.Minute
	byName := make(map[string]int, len(c.TypeDurations))
	for name, minutes := range c.TypeDurations {
		byName[normalizeTypeName(name)] = minutes
	}
	overrides := make(map[reserve.ReservationType]time.Duration, len(byName))
	for _, typ := range []reserve.ReservationType{reserve.TypeCheckUp, reserve.TypeFollowUp, reserve.TypeConversation} {
		if minutes, ok := byName[typ.String()]; ok && minutes > 0 {
			overrides[typ] = time.Duration(minutes) * time.Minute
		}
	}
	return func(typ reserve.ReservationType) time.Duration {
		if d, ok := overrides[typ]; ok {
			return d
		}
		return fallback
	}
}

func normalizeTypeName(name string) string {
	return strings.ToLower(strings.ReplaceAll(strings.TrimSpace(name), "_", ""))
}

// BaseTime builds the slot boundary function: a reservation time is floored
// to the start of its containing slot, counted in slot widths from the day
// start. Times before the day start clamp to it.
func (c Config) BaseTime() layout.BaseTimeFunc {
	dayStart, _ := time.Parse("15:04", c.DayStart)
	startMinutes := dayStart.Hour()*60 + dayStart.Minute()
	width := c.SlotMinutes
	return func(_ string, timeSlot string) string {
		parsed, err := time.Parse("15:04", reserve.NormalizeTimeSlot(timeSlot))
		if err != nil {
			return reserve.NormalizeTimeSlot(timeSlot)
		}
		minutes := parsed.Hour()*60 + parsed.Minute()
		if minutes < startMinutes {
			minutes = startMinutes
		}
		floored := startMinutes + (minutes-startMinutes)/width*width
		return fmt.Sprintf("%02d:%02d", floored/60, floored%60)
	}
}
