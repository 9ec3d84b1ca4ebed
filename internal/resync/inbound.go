package resync

import (
	"github.com/bookingdesk/reservesync/internal/pushwire"
	"github.com/bookingdesk/reservesync/internal/reserve"
)

// HandleEvent applies an inbound broadcast state change to the local cache.
// Events whose operation keys are inside the suppression window are the echo
// of a mutation this client already applied optimistically; they are
// discarded without a cache write or a view notification. Everything else is
// a foreign change and lands directly.
//
// Intended to be registered as the push-channel client's Handler.
func (c *Coordinator) HandleEvent(ev pushwire.Event) {
	if !ev.IsStateChange() {
		return
	}
	incoming := ev.Reservation()
	keys := reserve.OperationKeys(ev.Type, incoming)
	if c.suppression.AnyMarked(keys) {
		c.suppressedEchoes.Add(1)
		c.logger.Debug("discarded self echo",
			"event", ev.Type,
			"customer", incoming.CustomerID,
			"date", incoming.Date,
		)
		return
	}

	sameEntity := func(r reserve.Reservation) bool { return r.SameEntity(incoming) }
	switch ev.Type {
	case pushwire.EventCreated:
		c.cache.Upsert(incoming)
	case pushwire.EventUpdated:
		if n := c.cache.ApplyToAllMatching(sameEntity, func(reserve.Reservation) reserve.Reservation { return incoming }); n == 0 {
			c.cache.Upsert(incoming)
		}
	case pushwire.EventCancelled:
		c.cache.CancelMatching(sameEntity)
	}
	c.calendar.ReflowSlot(incoming.Date, reserve.NormalizeTimeSlot(incoming.TimeSlot))
}
