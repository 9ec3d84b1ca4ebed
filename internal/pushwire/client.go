package pushwire

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"nhooyr.io/websocket"

	"github.com/bookingdesk/reservesync/internal/reserve"
)

// Result is the outcome of a confirmed dispatch or a fallback call.
// ReservationID is set when the confirming event or response carried the
// server-assigned id, letting the caller reconcile an optimistic entry.
type Result struct {
	Success       bool   `json:"success"`
	Message       string `json:"message,omitempty"`
	ReservationID int    `json:"reservation_id,omitempty"`
}

// ClientOptions configures a push-channel client.
//
// Handler receives every schema-valid broadcast state event, including ones
// that also confirmed an in-flight command; whether a state event is applied
// to the cache is the echo suppression store's decision, not the client's.
type ClientOptions struct {
	Handler    func(Event)
	Logger     *slog.Logger
	HTTPClient *http.Client
}

// Client speaks the bidirectional reservation protocol over a persistent
// websocket. Send and DispatchAndConfirm are safe for concurrent use.
type Client struct {
	url        string
	handler    func(Event)
	logger     *slog.Logger
	httpClient *http.Client
	validator  *EventValidator

	mu           sync.Mutex
	conn         *websocket.Conn
	connected    bool
	waiters      map[int]*waiter
	nextWaiterID int

	invalidFrames atomic.Uint64
}

type waiter struct {
	criteria MatchCriteria
	events   chan Event
}

func NewClient(url string, opts ClientOptions) (*Client, error) {
	validator, err := NewEventValidator()
	if err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		url:        url,
		handler:    opts.Handler,
		logger:     logger,
		httpClient: opts.HTTPClient,
		validator:  validator,
		waiters:    map[int]*waiter{},
	}, nil
}

// Connect dials the push channel and starts the read loop. A previous
// connection, if any, is closed first.
func (c *Client) Connect(ctx context.Context) error {
	conn, _, err := websocket.Dial(ctx, c.url, &websocket.DialOptions{
		HTTPClient: c.httpClient,
	})
	if err != nil {
		return err
	}
	conn.SetReadLimit(1 << 20)

	c.mu.Lock()
	previous := c.conn
	c.conn = conn
	c.connected = true
	c.mu.Unlock()
	if previous != nil {
		_ = previous.Close(websocket.StatusNormalClosure, "reconnect")
	}

	go c.readLoop(conn)
	return nil
}

// Available reports whether the push channel is currently usable. When it
// returns false the caller must use the HTTP fallback transport instead.
func (c *Client) Available() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Close tears the channel down. The read loop exits on its own once the
// underlying connection errors out.
func (c *Client) Close() error {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.connected = false
	c.mu.Unlock()
	if conn == nil {
		return nil
	}
	return conn.Close(websocket.StatusNormalClosure, "")
}

// Send dispatches a command over the push channel. It returns true iff the
// command was handed to the channel; false means the channel is unavailable
// and the caller must fall back to the request/response transport.
func (c *Client) Send(ctx context.Context, cmd Command) bool {
	c.mu.Lock()
	conn := c.conn
	connected := c.connected
	c.mu.Unlock()
	if !connected || conn == nil {
		return false
	}
	data, err := json.Marshal(cmd)
	if err != nil {
		c.logger.Error("encode command", "type", cmd.Type, "error", err)
		return false
	}
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		c.logger.Warn("push channel write failed", "type", cmd.Type, "error", err)
		c.markDisconnected(conn)
		return false
	}
	return true
}

// DispatchAndConfirm sends a command and races its confirmation against
// timeout. Confirmation is the first inbound event that is either an
// ack/nack tagged to the command or a broadcast state change matching
// criteria. On timeout the result carries the fixed timeout message. The
// internal listener is deregistered on every exit path.
//
// Returns reserve.ErrTransportUnavailable when the channel is down; the
// caller then uses the HTTP fallback. The two transports are never raced.
func (c *Client) DispatchAndConfirm(ctx context.Context, cmd Command, criteria MatchCriteria, timeout time.Duration) (Result, error) {
	if criteria.CorrelationID == "" {
		criteria.CorrelationID = cmd.CorrelationID
	}
	id, events := c.register(criteria)
	defer c.deregister(id)

	if !c.Send(ctx, cmd) {
		return Result{}, reserve.ErrTransportUnavailable
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case ev := <-events:
		switch ev.Type {
		case EventModifyNack:
			return Result{Success: false, Message: messageOr(ev.Data.Message, reserve.GenericFailureMessage)}, nil
		case EventModifyAck:
			if ev.Data.Success != nil && !*ev.Data.Success {
				return Result{Success: false, Message: messageOr(ev.Data.Message, reserve.GenericFailureMessage)}, nil
			}
			return Result{Success: true, ReservationID: ev.Data.ReservationID}, nil
		default:
			// Indirect confirmation via the normal state broadcast.
			return Result{Success: true, ReservationID: ev.Data.ReservationID}, nil
		}
	case <-timer.C:
		return Result{Success: false, Message: reserve.TimeoutMessage}, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// InvalidFrames returns how many inbound frames failed schema validation.
func (c *Client) InvalidFrames() uint64 {
	return c.invalidFrames.Load()
}

// WaiterCount returns the number of registered confirmation listeners.
func (c *Client) WaiterCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.waiters)
}

func (c *Client) register(criteria MatchCriteria) (int, chan Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextWaiterID++
	id := c.nextWaiterID
	w := &waiter{criteria: criteria, events: make(chan Event, 1)}
	c.waiters[id] = w
	return id, w.events
}

func (c *Client) deregister(id int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.waiters, id)
}

func (c *Client) readLoop(conn *websocket.Conn) {
	ctx := context.Background()
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			c.logger.Info("push channel closed", "error", err)
			c.markDisconnected(conn)
			return
		}
		if err := c.validator.Validate(data); err != nil {
			c.invalidFrames.Add(1)
			c.logger.Debug("dropping invalid frame", "error", err)
			continue
		}
		var ev Event
		if err := json.Unmarshal(data, &ev); err != nil {
			c.invalidFrames.Add(1)
			continue
		}
		c.resolveWaiters(ev)
		if ev.IsStateChange() && c.handler != nil {
			c.handler(ev)
		}
	}
}

// resolveWaiters offers an inbound event to every listener it can confirm.
// Acks and nacks are tagged to a command by correlation id when the server
// echoes one, otherwise by the payload matching the listener's criteria; an
// ack carrying neither is taken for the oldest listener. State events
// confirm by the dual criteria match only.
func (c *Client) resolveWaiters(ev Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ev.IsStateChange() {
		for _, w := range c.waiters {
			if w.criteria.MatchesEvent(ev) {
				offer(w, ev)
			}
		}
		return
	}
	if ev.CorrelationID != "" {
		for _, w := range c.waiters {
			if w.criteria.CorrelationID == ev.CorrelationID {
				offer(w, ev)
			}
		}
		return
	}
	if ev.Data.ReservationID > 0 || ev.Data.WaID != "" {
		for _, w := range c.waiters {
			if w.criteria.MatchesEvent(ev) {
				offer(w, ev)
			}
		}
		return
	}
	if oldest := c.oldestWaiterLocked(); oldest != nil {
		offer(oldest, ev)
	}
}

func (c *Client) oldestWaiterLocked() *waiter {
	lowest := 0
	var found *waiter
	for id, w := range c.waiters {
		if found == nil || id < lowest {
			lowest = id
			found = w
		}
	}
	return found
}

func offer(w *waiter, ev Event) {
	select {
	case w.events <- ev:
	default:
	}
}

func (c *Client) markDisconnected(conn *websocket.Conn) {
	c.mu.Lock()
	if c.conn == conn {
		c.connected = false
	}
	c.mu.Unlock()
}
