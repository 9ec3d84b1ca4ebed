// Package layout turns the authoritative reservation set for a visible date
// range into the renderable event list. It is a pure function of its inputs:
// identical reservations and options always produce byte-identical output,
// which is what lets the host recompute wholesale on every cache change
// instead of patching the view incrementally.
package layout

import (
	"sort"
	"time"

	"github.com/bookingdesk/reservesync/internal/reserve"
)

const (
	// MinDuration floors every rendered duration so a degenerate policy
	// cannot produce zero-width events.
	MinDuration = 5 * time.Minute

	// MemberGap separates consecutive members inside one slot group.
	MemberGap = time.Minute

	// DefaultDuration applies when no duration policy is injected.
	DefaultDuration = 20 * time.Minute
)

// BaseTimeFunc floors a reservation's raw time to the start of its
// containing discrete slot. Slot boundaries come from external schedule
// configuration; the engine treats the function as an injected pure mapping.
type BaseTimeFunc func(date, timeSlot string) string

// DurationPolicy assigns each reservation type its rendered duration.
type DurationPolicy func(reserve.ReservationType) time.Duration

// Options parameterizes a layout computation.
type Options struct {
	BaseTime         BaseTimeFunc
	Durations        DurationPolicy
	IncludeCancelled bool
}

// SlotGroup is the set of reservations sharing one discrete slot on one
// date, in render order. Derived state: recomputed from scratch every time.
type SlotGroup struct {
	Date     string
	BaseTime string
	Members  []reserve.Reservation
}

// CalendarEvent is the rendering-facing projection of one reservation plus
// its assigned offset within its slot group.
type CalendarEvent struct {
	ID            int            `json:"id"`
	Title         string         `json:"title"`
	Start         string         `json:"start"`
	End           string         `json:"end"`
	Editable      bool           `json:"editable"`
	ExtendedProps map[string]any `json:"extendedProps"`
}

// Group buckets reservations by (date, base time), dropping cancelled
// entries unless they are retained, and orders members by (type, title).
func Group(reservations []reserve.Reservation, opts Options) []SlotGroup {
	baseTime := opts.BaseTime
	if baseTime == nil {
		baseTime = func(_, timeSlot string) string { return reserve.NormalizeTimeSlot(timeSlot) }
	}

	type groupKey struct {
		date string
		base string
	}
	buckets := map[groupKey][]reserve.Reservation{}
	for _, r := range reservations {
		if r.Cancelled && !opts.IncludeCancelled {
			continue
		}
		key := groupKey{date: r.Date, base: baseTime(r.Date, r.TimeSlot)}
		buckets[key] = append(buckets[key], r)
	}

	keys := make([]groupKey, 0, len(buckets))
	for key := range buckets {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].date != keys[j].date {
			return keys[i].date < keys[j].date
		}
		return keys[i].base < keys[j].base
	})

	groups := make([]SlotGroup, 0, len(keys))
	for _, key := range keys {
		members := buckets[key]
		sort.Slice(members, func(i, j int) bool {
			a, b := members[i], members[j]
			if a.Type != b.Type {
				return a.Type < b.Type
			}
			if a.Title != b.Title {
				return a.Title < b.Title
			}
			if a.CustomerID != b.CustomerID {
				return a.CustomerID < b.CustomerID
			}
			return a.ID < b.ID
		})
		groups = append(groups, SlotGroup{Date: key.date, BaseTime: key.base, Members: members})
	}
	return groups
}

// Compute lays every slot group's members out back-to-back from the group's
// base time, separated by a fixed one-minute gap, and synthesizes the final
// ordered event list.
func Compute(reservations []reserve.Reservation, opts Options) []CalendarEvent {
	durations := opts.Durations
	if durations == nil {
		durations = func(reserve.ReservationType) time.Duration { return DefaultDuration }
	}

	groups := Group(reservations, opts)
	events := make([]CalendarEvent, 0, len(reservations))
	for _, group := range groups {
		start, err := time.Parse("2006-01-02 15:04", group.Date+" "+group.BaseTime)
		if err != nil {
			// Unparseable base times fall back to midnight on the group's
			// date so a bad boundary function degrades instead of hiding
			// entries.
			start, err = time.Parse("2006-01-02 15:04", group.Date+" 00:00")
			if err != nil {
				continue
			}
		}
		cursor := start
		for _, member := range group.Members {
			duration := durations(member.Type)
			if duration < MinDuration {
				duration = MinDuration
			}
			end := cursor.Add(duration)
			events = append(events, CalendarEvent{
				ID:       member.ID,
				Title:    member.Title,
				Start:    cursor.Format("2006-01-02T15:04:05"),
				End:      end.Format("2006-01-02T15:04:05"),
				Editable: !member.Cancelled,
				ExtendedProps: map[string]any{
					"customerId": member.CustomerID,
					"type":       int(member.Type),
					"timeSlot":   reserve.NormalizeTimeSlot(member.TimeSlot),
					"cancelled":  member.Cancelled,
				},
			})
			cursor = end.Add(MemberGap)
		}
	}
	return events
}
