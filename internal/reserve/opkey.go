package reserve

import "strconv"

// OperationKeys derives the idempotency keys under which a mutation and its
// eventual push-channel echo both resolve. eventType is the inbound event
// name the echo will arrive as (reservation_created, reservation_updated,
// reservation_cancelled).
//
// Two key shapes are produced because the request and the echo may describe
// the entity differently: the request may not know the server id yet, while
// the echo always carries one. The (customer, date, slot) key is always
// present so the two sides share at least one key.
//
// Pure and deterministic: identical input always yields the identical list.
func OperationKeys(eventType string, r Reservation) []string {
	keys := make([]string, 0, 2)
	if r.HasServerID() {
		keys = append(keys, eventType+"|id:"+strconv.Itoa(r.ID))
	}
	keys = append(keys, eventType+"|ref:"+r.CustomerID+"|"+r.Date+"|"+NormalizeTimeSlot(r.TimeSlot))
	return keys
}
