package reserve

import (
	"strings"
	"time"
)

// ReservationType orders reservations within a slot: check-ups render before
// follow-ups, follow-ups before plain conversations.
type ReservationType int

const (
	TypeCheckUp ReservationType = iota
	TypeFollowUp
	TypeConversation
)

func (t ReservationType) String() string {
	switch t {
	case TypeCheckUp:
		return "checkup"
	case TypeFollowUp:
		return "followup"
	case TypeConversation:
		return "conversation"
	default:
		return "unknown"
	}
}

// Reservation is a single booking. ID is zero when the server has not
// assigned one yet; negative IDs mark locally synthesized optimistic entries
// that have not been confirmed.
//
// JSON field names match the push-channel wire format.
type Reservation struct {
	ID         int             `json:"reservation_id,omitempty"`
	CustomerID string          `json:"wa_id"`
	Date       string          `json:"date"`
	TimeSlot   string          `json:"time_slot"`
	Title      string          `json:"customer_name,omitempty"`
	Type       ReservationType `json:"type"`
	Cancelled  bool            `json:"cancelled,omitempty"`
}

// HasServerID reports whether the reservation carries a confirmed server id.
func (r Reservation) HasServerID() bool {
	return r.ID > 0
}

// Local reports whether the reservation is an unconfirmed optimistic entry.
func (r Reservation) Local() bool {
	return r.ID < 0
}

// SameEntity reports whether two reservations describe the same booking.
// Server ids win when both sides carry one; otherwise identity falls back to
// (customer, date, normalized time slot).
func (r Reservation) SameEntity(other Reservation) bool {
	if r.HasServerID() && other.HasServerID() {
		return r.ID == other.ID
	}
	return r.CustomerID == other.CustomerID &&
		r.Date == other.Date &&
		NormalizeTimeSlot(r.TimeSlot) == NormalizeTimeSlot(other.TimeSlot)
}

// NormalizeTimeSlot truncates a time-of-day string to an HH:MM prefix so that
// stray seconds or fractions do not break entity matching. Single-digit hours
// are zero padded; unparseable input is returned trimmed as-is.
func NormalizeTimeSlot(slot string) string {
	slot = strings.TrimSpace(slot)
	if slot == "" {
		return ""
	}
	for _, layout := range []string{"15:04:05.999999999", "15:04:05", "15:04", "3:04 PM", "3:04PM"} {
		if parsed, err := time.Parse(layout, slot); err == nil {
			return parsed.Format("15:04")
		}
	}
	if len(slot) > 5 && slot[2] == ':' {
		return slot[:5]
	}
	return slot
}

// ValidDate reports whether date is an ISO calendar date (2006-01-02).
func ValidDate(date string) bool {
	_, err := time.Parse("2006-01-02", date)
	return err == nil
}
