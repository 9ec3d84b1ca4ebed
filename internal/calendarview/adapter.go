// Package calendarview is the narrow seam between the sync engine and the
// external calendar widget. The engine never imports the widget; it talks to
// whatever Adapter the host registers.
package calendarview

import (
	"log/slog"

	"github.com/bookingdesk/reservesync/internal/reserve"
)

// EventProps carries the subset of renderable properties a mutation may
// touch without forcing a full recompute. Nil fields are left unchanged.
type EventProps struct {
	Title     *string
	Type      *reserve.ReservationType
	Cancelled *bool
}

// Adapter is implemented by the calendar view integration. Every operation
// is best-effort: the underlying view may already be torn down or not yet
// mounted, and a missing or stale target must never surface an error into
// the mutation flow. Engine code calls adapters through BestEffort, which
// enforces that contract even against a panicking implementation.
type Adapter interface {
	ReflowSlot(date, timeSlot string)
	UpdateEventProperties(id int, props EventProps)
	UpdateEventTiming(id int, previousStartISO, nextStartISO string)
	MarkEventCancelled(id int)
	RemoveEvent(id int)
	IsTimeGridView() bool
}

// Noop satisfies Adapter for hosts without a mounted calendar.
type Noop struct{}

func (Noop) ReflowSlot(date, timeSlot string) {}

func (Noop) UpdateEventProperties(id int, props EventProps) {}

func (Noop) UpdateEventTiming(id int, previousISO, nextISO string) {}

func (Noop) MarkEventCancelled(id int) {}

func (Noop) RemoveEvent(id int) {}

func (Noop) IsTimeGridView() bool { return false }

var _ Adapter = Noop{}

// BestEffort wraps an adapter so that a panic inside any view operation is
// swallowed and logged at debug level instead of reaching the mutation flow.
// A nil adapter yields a Noop.
func BestEffort(a Adapter, logger *slog.Logger) Adapter {
	if a == nil {
		return Noop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &bestEffort{inner: a, logger: logger}
}

type bestEffort struct {
	inner  Adapter
	logger *slog.Logger
}

func (b *bestEffort) guard(op string) {
	if r := recover(); r != nil {
		b.logger.Debug("calendar adapter call ignored", "op", op, "reason", r)
	}
}

func (b *bestEffort) ReflowSlot(date, timeSlot string) {
	defer b.guard("reflow_slot")
	b.inner.ReflowSlot(date, timeSlot)
}

func (b *bestEffort) UpdateEventProperties(id int, props EventProps) {
	defer b.guard("update_event_properties")
	b.inner.UpdateEventProperties(id, props)
}

func (b *bestEffort) UpdateEventTiming(id int, previousISO, nextISO string) {
	defer b.guard("update_event_timing")
	b.inner.UpdateEventTiming(id, previousISO, nextISO)
}

func (b *bestEffort) MarkEventCancelled(id int) {
	defer b.guard("mark_event_cancelled")
	b.inner.MarkEventCancelled(id)
}

func (b *bestEffort) RemoveEvent(id int) {
	defer b.guard("remove_event")
	b.inner.RemoveEvent(id)
}

func (b *bestEffort) IsTimeGridView() bool {
	defer b.guard("is_time_grid_view")
	return b.inner.IsTimeGridView()
}
