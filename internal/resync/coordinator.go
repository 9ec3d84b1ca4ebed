// Package resync coordinates reservation mutations: optimistic cache write,
// push-channel round trip with HTTP fallback, commit or exact-snapshot
// rollback, and suppression of the mutation's own realtime echo.
package resync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/bookingdesk/reservesync/internal/calendarview"
	"github.com/bookingdesk/reservesync/internal/pushwire"
	"github.com/bookingdesk/reservesync/internal/reserve"
)

// DefaultAckTimeout bounds how long a mutation waits for its push-channel
// confirmation before it is treated as failed and rolled back.
const DefaultAckTimeout = 10 * time.Second

// Transport is the push-channel side of the protocol client.
type Transport interface {
	Available() bool
	DispatchAndConfirm(ctx context.Context, cmd pushwire.Command, criteria pushwire.MatchCriteria, timeout time.Duration) (pushwire.Result, error)
}

// Fallback is the degraded-mode request/response transport, used only when
// the push channel reports unavailable. The two are never raced.
type Fallback interface {
	Reserve(ctx context.Context, customerID, title, date, timeSlot string, typ reserve.ReservationType) (pushwire.Result, error)
	Modify(ctx context.Context, customerID string, req pushwire.ModifyRequest) (pushwire.Result, error)
	Cancel(ctx context.Context, customerID, date string) (pushwire.Result, error)
}

// Options configures a Coordinator. Cache and Suppression are required, and
// at least one transport must be present.
type Options struct {
	Cache       *reserve.Cache
	Suppression *reserve.EchoSuppressionStore
	Transport   Transport
	Fallback    Fallback
	Calendar    calendarview.Adapter
	AckTimeout  time.Duration

	// Refresh, when set, is invoked in the background after a committed
	// mutation to reconcile server-side derived fields for a date.
	Refresh func(date string)

	Logger *slog.Logger
	Clock  func() time.Time
}

// Coordinator owns the full lifecycle of create, modify and cancel. In-flight
// mutation state (snapshot, suppression keys) is per-call and destroyed on
// commit or rollback; overlapping mutations on different keys are allowed and
// unordered.
type Coordinator struct {
	cache       *reserve.Cache
	suppression *reserve.EchoSuppressionStore
	transport   Transport
	fallback    Fallback
	calendar    calendarview.Adapter
	ackTimeout  time.Duration
	refresh     func(date string)
	logger      *slog.Logger
	clock       func() time.Time

	localSeq         atomic.Int64
	suppressedEchoes atomic.Uint64
}

// pendingMutation is the per-call state of one in-flight mutation.
type pendingMutation struct {
	kind      string
	snapshot  reserve.Snapshot
	keys      []string
	startedAt time.Time
}

func NewCoordinator(opts Options) (*Coordinator, error) {
	if opts.Cache == nil {
		return nil, fmt.Errorf("cache is required")
	}
	if opts.Suppression == nil {
		return nil, fmt.Errorf("suppression store is required")
	}
	if opts.Transport == nil && opts.Fallback == nil {
		return nil, fmt.Errorf("at least one transport is required")
	}
	ackTimeout := opts.AckTimeout
	if ackTimeout <= 0 {
		ackTimeout = DefaultAckTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Coordinator{
		cache:       opts.Cache,
		suppression: opts.Suppression,
		transport:   opts.Transport,
		fallback:    opts.Fallback,
		calendar:    calendarview.BestEffort(opts.Calendar, logger),
		ackTimeout:  ackTimeout,
		refresh:     opts.Refresh,
		logger:      logger,
		clock:       clock,
	}, nil
}

// CreateRequest describes a new reservation.
type CreateRequest struct {
	CustomerID string
	Title      string
	Date       string
	TimeSlot   string
	Type       reserve.ReservationType
}

// ModifyRequest moves or edits an existing reservation. The target resolves
// by ReservationID when known, else by (CustomerID, FromDate, FromTimeSlot).
// Date and TimeSlot are the new coordinates; Title and Type are optional
// edits. Approximate lets the server shift to the nearest open slot.
type ModifyRequest struct {
	CustomerID    string
	ReservationID int
	FromDate      string
	FromTimeSlot  string
	Date          string
	TimeSlot      string
	Title         string
	Type          *reserve.ReservationType
	Approximate   bool
}

// CancelRequest cancels a reservation, targeted by ReservationID when known,
// else by (CustomerID, Date) plus the optional TimeSlot.
type CancelRequest struct {
	CustomerID    string
	ReservationID int
	Date          string
	TimeSlot      string
}

// Create applies the reservation optimistically under a locally synthesized
// negative id, dispatches it, and commits or rolls back on the outcome.
func (c *Coordinator) Create(ctx context.Context, req CreateRequest) (reserve.Reservation, error) {
	if err := requireField("wa_id", req.CustomerID); err != nil {
		return reserve.Reservation{}, err
	}
	if err := requireField("customer_name", req.Title); err != nil {
		return reserve.Reservation{}, err
	}
	if err := requireDate("date", req.Date); err != nil {
		return reserve.Reservation{}, err
	}
	if err := requireField("time_slot", req.TimeSlot); err != nil {
		return reserve.Reservation{}, err
	}

	optimistic := reserve.Reservation{
		ID:         c.nextLocalID(),
		CustomerID: req.CustomerID,
		Date:       req.Date,
		TimeSlot:   reserve.NormalizeTimeSlot(req.TimeSlot),
		Title:      req.Title,
		Type:       req.Type,
	}

	pending := c.begin("create", pushwire.EventCreated, optimistic)
	c.cache.Upsert(optimistic)

	result, err := c.dispatch(ctx, pushwire.Command{
		Type:          pushwire.CommandCreate,
		CorrelationID: uuid.NewString(),
		Data: pushwire.Payload{
			WaID:         optimistic.CustomerID,
			Date:         optimistic.Date,
			TimeSlot:     optimistic.TimeSlot,
			CustomerName: optimistic.Title,
			Type:         int(optimistic.Type),
		},
	}, pushwire.MatchCriteria{CustomerID: optimistic.CustomerID, Date: optimistic.Date},
		func(fctx context.Context) (pushwire.Result, error) {
			return c.fallback.Reserve(fctx, req.CustomerID, req.Title, req.Date, optimistic.TimeSlot, req.Type)
		})
	if err != nil {
		c.rollback(pending)
		return reserve.Reservation{}, err
	}
	if !result.Success {
		c.rollback(pending)
		return reserve.Reservation{}, resultError(result)
	}

	committed := optimistic
	if result.ReservationID > 0 {
		committed.ID = result.ReservationID
		c.cache.ApplyToAllMatching(
			func(r reserve.Reservation) bool { return r.SameEntity(optimistic) },
			func(reserve.Reservation) reserve.Reservation { return committed },
		)
	}
	c.commit(pending, committed.Date)
	c.calendar.ReflowSlot(committed.Date, committed.TimeSlot)
	return committed, nil
}

// Modify reschedules or edits a reservation, with exact rollback on failure.
func (c *Coordinator) Modify(ctx context.Context, req ModifyRequest) (reserve.Reservation, error) {
	if err := requireField("wa_id", req.CustomerID); err != nil {
		return reserve.Reservation{}, err
	}
	if err := requireDate("date", req.Date); err != nil {
		return reserve.Reservation{}, err
	}
	if err := requireField("time_slot", req.TimeSlot); err != nil {
		return reserve.Reservation{}, err
	}

	target := c.targetMatcher(req.ReservationID, req.CustomerID, req.FromDate, req.FromTimeSlot)
	current, found := c.cache.FindFirst(target)

	updated := current
	if !found {
		updated = reserve.Reservation{ID: req.ReservationID, CustomerID: req.CustomerID}
	}
	updated.Date = req.Date
	updated.TimeSlot = reserve.NormalizeTimeSlot(req.TimeSlot)
	if req.Title != "" {
		updated.Title = req.Title
	}
	if req.Type != nil {
		updated.Type = *req.Type
	}

	pending := c.begin("modify", pushwire.EventUpdated, updated)
	if n := c.cache.ApplyToAllMatching(target, func(reserve.Reservation) reserve.Reservation { return updated }); n == 0 {
		c.cache.Upsert(updated)
	}

	result, err := c.dispatch(ctx, pushwire.Command{
		Type:          pushwire.CommandModify,
		CorrelationID: uuid.NewString(),
		Data: pushwire.Payload{
			WaID:          updated.CustomerID,
			Date:          updated.Date,
			TimeSlot:      updated.TimeSlot,
			CustomerName:  updated.Title,
			Type:          int(updated.Type),
			ReservationID: positiveID(updated.ID),
			Approximate:   req.Approximate,
		},
	}, pushwire.MatchCriteria{
		ReservationID: positiveID(updated.ID),
		CustomerID:    updated.CustomerID,
		Date:          updated.Date,
	}, func(fctx context.Context) (pushwire.Result, error) {
		return c.fallback.Modify(fctx, req.CustomerID, pushwire.ModifyRequest{
			Date:          req.Date,
			TimeSlot:      updated.TimeSlot,
			Title:         req.Title,
			Type:          req.Type,
			ReservationID: positiveID(updated.ID),
			Approximate:   req.Approximate,
		})
	})
	if err != nil {
		c.rollback(pending)
		return reserve.Reservation{}, err
	}
	if !result.Success {
		c.rollback(pending)
		return reserve.Reservation{}, resultError(result)
	}

	if result.ReservationID > 0 && !updated.HasServerID() {
		reconciled := updated
		reconciled.ID = result.ReservationID
		c.cache.ApplyToAllMatching(
			func(r reserve.Reservation) bool { return r.SameEntity(updated) },
			func(reserve.Reservation) reserve.Reservation { return reconciled },
		)
		updated = reconciled
	}
	c.commit(pending, updated.Date)
	if found && current.Date != "" {
		from := startISO(current.Date, current.TimeSlot)
		to := startISO(updated.Date, updated.TimeSlot)
		if from != to {
			c.calendar.UpdateEventTiming(updated.ID, from, to)
			if current.Date != updated.Date {
				c.refreshInBackground(current.Date)
			}
		}
		props := calendarview.EventProps{}
		if updated.Title != current.Title {
			props.Title = &updated.Title
		}
		if updated.Type != current.Type {
			props.Type = &updated.Type
		}
		if props.Title != nil || props.Type != nil {
			c.calendar.UpdateEventProperties(updated.ID, props)
		}
	}
	c.calendar.ReflowSlot(updated.Date, updated.TimeSlot)
	return updated, nil
}

// Cancel removes (or, in free-roam mode, soft-deletes) a reservation, with
// exact rollback on failure.
func (c *Coordinator) Cancel(ctx context.Context, req CancelRequest) error {
	if err := requireField("wa_id", req.CustomerID); err != nil {
		return err
	}
	if err := requireDate("date", req.Date); err != nil {
		return err
	}

	target := c.targetMatcher(req.ReservationID, req.CustomerID, req.Date, req.TimeSlot)
	current, found := c.cache.FindFirst(target)
	cancelled := current
	if !found {
		cancelled = reserve.Reservation{
			ID:         req.ReservationID,
			CustomerID: req.CustomerID,
			Date:       req.Date,
			TimeSlot:   reserve.NormalizeTimeSlot(req.TimeSlot),
		}
	}

	pending := c.begin("cancel", pushwire.EventCancelled, cancelled)
	c.cache.CancelMatching(target)

	result, err := c.dispatch(ctx, pushwire.Command{
		Type:          pushwire.CommandCancel,
		CorrelationID: uuid.NewString(),
		Data: pushwire.Payload{
			WaID:          cancelled.CustomerID,
			Date:          cancelled.Date,
			TimeSlot:      reserve.NormalizeTimeSlot(cancelled.TimeSlot),
			ReservationID: positiveID(cancelled.ID),
			Cancelled:     true,
		},
	}, pushwire.MatchCriteria{
		ReservationID: positiveID(cancelled.ID),
		CustomerID:    cancelled.CustomerID,
		Date:          cancelled.Date,
	}, func(fctx context.Context) (pushwire.Result, error) {
		return c.fallback.Cancel(fctx, req.CustomerID, req.Date)
	})
	if err != nil {
		c.rollback(pending)
		return err
	}
	if !result.Success {
		c.rollback(pending)
		return resultError(result)
	}

	c.commit(pending, cancelled.Date)
	if cancelled.HasServerID() {
		if c.cache.FreeRoam() {
			c.calendar.MarkEventCancelled(cancelled.ID)
		} else {
			c.calendar.RemoveEvent(cancelled.ID)
		}
	}
	c.calendar.ReflowSlot(cancelled.Date, reserve.NormalizeTimeSlot(cancelled.TimeSlot))
	return nil
}

// SuppressedEchoes reports how many inbound events were discarded as
// self-originated.
func (c *Coordinator) SuppressedEchoes() uint64 {
	return c.suppressedEchoes.Load()
}

// begin marks the mutation's suppression keys and snapshots the cache.
// Marking happens strictly before any network send so that even an echo
// racing the send call is recognized.
func (c *Coordinator) begin(kind, echoEvent string, r reserve.Reservation) pendingMutation {
	keys := reserve.OperationKeys(echoEvent, r)
	c.suppression.Mark(keys...)
	return pendingMutation{
		kind:      kind,
		snapshot:  c.cache.Snapshot(),
		keys:      keys,
		startedAt: c.clock(),
	}
}

func (c *Coordinator) commit(pending pendingMutation, date string) {
	c.logger.Debug("mutation committed",
		"kind", pending.kind,
		"elapsed", c.clock().Sub(pending.startedAt),
	)
	c.refreshInBackground(date)
}

// rollback restores the pre-mutation snapshot exactly: full replace, never a
// field merge.
func (c *Coordinator) rollback(pending pendingMutation) {
	c.cache.Restore(pending.snapshot)
	c.logger.Info("mutation rolled back", "kind", pending.kind)
}

// dispatch prefers the push channel and falls back to HTTP when the channel
// is unavailable. The transports are never raced against each other.
func (c *Coordinator) dispatch(
	ctx context.Context,
	cmd pushwire.Command,
	criteria pushwire.MatchCriteria,
	viaFallback func(context.Context) (pushwire.Result, error),
) (pushwire.Result, error) {
	if c.transport != nil && c.transport.Available() {
		result, err := c.transport.DispatchAndConfirm(ctx, cmd, criteria, c.ackTimeout)
		if err == nil {
			return result, nil
		}
		if !errors.Is(err, reserve.ErrTransportUnavailable) {
			return pushwire.Result{}, err
		}
	}
	if c.fallback == nil {
		return pushwire.Result{}, reserve.ErrTransportUnavailable
	}
	return viaFallback(ctx)
}

func (c *Coordinator) targetMatcher(reservationID int, customerID, date, timeSlot string) func(reserve.Reservation) bool {
	if reservationID > 0 {
		return func(r reserve.Reservation) bool { return r.ID == reservationID }
	}
	slot := reserve.NormalizeTimeSlot(timeSlot)
	return func(r reserve.Reservation) bool {
		if r.CustomerID != customerID {
			return false
		}
		if date != "" && r.Date != date {
			return false
		}
		return slot == "" || reserve.NormalizeTimeSlot(r.TimeSlot) == slot
	}
}

func (c *Coordinator) refreshInBackground(date string) {
	if c.refresh == nil || date == "" {
		return
	}
	go c.refresh(date)
}

func (c *Coordinator) nextLocalID() int {
	return int(-c.localSeq.Add(1))
}

func requireField(field, value string) error {
	if value == "" {
		return &reserve.ValidationError{Field: field}
	}
	return nil
}

func requireDate(field, value string) error {
	if value == "" {
		return &reserve.ValidationError{Field: field}
	}
	if !reserve.ValidDate(value) {
		return &reserve.ValidationError{Field: field, Reason: "must be an ISO date (YYYY-MM-DD)"}
	}
	return nil
}

func resultError(result pushwire.Result) error {
	if result.Message == reserve.TimeoutMessage {
		return reserve.ErrTimeout
	}
	return &reserve.RejectionError{Message: result.Message}
}

func positiveID(id int) int {
	if id > 0 {
		return id
	}
	return 0
}

func startISO(date, timeSlot string) string {
	return date + "T" + reserve.NormalizeTimeSlot(timeSlot) + ":00"
}
