package pushwire

import (
	"github.com/bookingdesk/reservesync/internal/reserve"
)

// Outbound command types.
const (
	CommandCreate = "create_reservation"
	CommandModify = "modify_reservation"
	CommandCancel = "cancel_reservation"
)

// Inbound event types.
const (
	EventCreated    = "reservation_created"
	EventUpdated    = "reservation_updated"
	EventCancelled  = "reservation_cancelled"
	EventModifyAck  = "modify_reservation_ack"
	EventModifyNack = "modify_reservation_nack"
)

// EchoEventType returns the state-change event type a command's echo arrives
// as on the realtime channel.
func EchoEventType(commandType string) string {
	switch commandType {
	case CommandCreate:
		return EventCreated
	case CommandModify:
		return EventUpdated
	case CommandCancel:
		return EventCancelled
	default:
		return ""
	}
}

// Payload is the data body shared by commands and events. Field names are
// fixed by the server protocol.
type Payload struct {
	WaID          string `json:"wa_id,omitempty"`
	Date          string `json:"date,omitempty"`
	TimeSlot      string `json:"time_slot,omitempty"`
	CustomerName  string `json:"customer_name,omitempty"`
	Type          int    `json:"type"`
	ReservationID int    `json:"reservation_id,omitempty"`
	Cancelled     bool   `json:"cancelled,omitempty"`
	Approximate   bool   `json:"approximate,omitempty"`
	Success       *bool  `json:"success,omitempty"`
	Message       string `json:"message,omitempty"`
}

// Command is an outbound mutation request. CorrelationID lets the server tag
// its acknowledgement back to the exact command; servers that omit it are
// still matched through MatchCriteria.
type Command struct {
	Type          string  `json:"type"`
	CorrelationID string  `json:"correlation_id,omitempty"`
	Data          Payload `json:"data"`
}

// Event is an inbound protocol event: either a broadcast state change or a
// command acknowledgement.
type Event struct {
	Type          string  `json:"type"`
	CorrelationID string  `json:"correlation_id,omitempty"`
	Data          Payload `json:"data"`
}

// IsStateChange reports whether the event is a broadcast reservation change
// rather than a command acknowledgement.
func (e Event) IsStateChange() bool {
	switch e.Type {
	case EventCreated, EventUpdated, EventCancelled:
		return true
	}
	return false
}

// Reservation projects the event payload onto the domain type. Cancellation
// events imply the cancelled flag even when the server omits it.
func (e Event) Reservation() reserve.Reservation {
	r := reserve.Reservation{
		ID:         e.Data.ReservationID,
		CustomerID: e.Data.WaID,
		Date:       e.Data.Date,
		TimeSlot:   e.Data.TimeSlot,
		Title:      e.Data.CustomerName,
		Type:       reserve.ReservationType(e.Data.Type),
		Cancelled:  e.Data.Cancelled,
	}
	if e.Type == EventCancelled {
		r.Cancelled = true
	}
	return r
}

// MatchCriteria describes how an inbound event is recognized as the
// confirmation of an in-flight command. Some servers never send a dedicated
// ack and confirm through the normal state broadcast instead, so a state
// event matching by reservation id, or by customer and date, also resolves
// the command.
type MatchCriteria struct {
	CorrelationID string
	ReservationID int
	CustomerID    string
	Date          string
}

// MatchesEvent reports whether a state-change event satisfies the criteria.
func (m MatchCriteria) MatchesEvent(e Event) bool {
	if m.ReservationID > 0 && e.Data.ReservationID == m.ReservationID {
		return true
	}
	return m.CustomerID != "" && m.CustomerID == e.Data.WaID &&
		m.Date != "" && m.Date == e.Data.Date
}

func messageOr(message, fallback string) string {
	if message != "" {
		return message
	}
	return fallback
}
