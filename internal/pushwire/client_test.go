package pushwire

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"nhooyr.io/websocket"

	"github.com/bookingdesk/reservesync/internal/reserve"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newWSServer runs handle on every accepted push-channel connection. The
// handler owns the connection until it returns.
func newWSServer(t *testing.T, handle func(ctx context.Context, conn *websocket.Conn)) (*httptest.Server, string) {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "")
		handle(r.Context(), conn)
	}))
	t.Cleanup(server.Close)
	return server, "ws" + strings.TrimPrefix(server.URL, "http")
}

func readCommand(ctx context.Context, t *testing.T, conn *websocket.Conn) Command {
	t.Helper()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Errorf("server read: %v", err)
		return Command{}
	}
	var cmd Command
	if err := json.Unmarshal(data, &cmd); err != nil {
		t.Errorf("server decode: %v", err)
	}
	return cmd
}

func writeEvent(ctx context.Context, t *testing.T, conn *websocket.Conn, ev Event) {
	t.Helper()
	data, err := json.Marshal(ev)
	if err != nil {
		t.Errorf("server encode: %v", err)
		return
	}
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Errorf("server write: %v", err)
	}
}

func connectedClient(t *testing.T, url string, opts ClientOptions) *Client {
	t.Helper()
	if opts.Logger == nil {
		opts.Logger = discardLogger()
	}
	client, err := NewClient(url, opts)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestClientUnavailableBeforeConnect(t *testing.T) {
	client, err := NewClient("ws://127.0.0.1:0", ClientOptions{Logger: discardLogger()})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	if client.Available() {
		t.Fatal("a never-connected client must report unavailable")
	}
	if client.Send(context.Background(), Command{Type: CommandCreate}) {
		t.Fatal("Send on a down channel must report false")
	}
	_, err = client.DispatchAndConfirm(context.Background(), Command{Type: CommandCreate}, MatchCriteria{}, time.Second)
	if !errors.Is(err, reserve.ErrTransportUnavailable) {
		t.Fatalf("expected ErrTransportUnavailable, got %v", err)
	}
	if client.WaiterCount() != 0 {
		t.Fatalf("waiter leaked: %d", client.WaiterCount())
	}
}

func TestDispatchAndConfirmAck(t *testing.T) {
	_, url := newWSServer(t, func(ctx context.Context, conn *websocket.Conn) {
		cmd := readCommand(ctx, t, conn)
		writeEvent(ctx, t, conn, Event{
			Type:          EventModifyAck,
			CorrelationID: cmd.CorrelationID,
			Data:          Payload{ReservationID: 9},
		})
		_, _, _ = conn.Read(ctx)
	})
	client := connectedClient(t, url, ClientOptions{})

	result, err := client.DispatchAndConfirm(context.Background(), Command{
		Type:          CommandModify,
		CorrelationID: "corr-1",
		Data:          Payload{WaID: "wa-1", Date: "2025-04-10"},
	}, MatchCriteria{CustomerID: "wa-1", Date: "2025-04-10"}, 2*time.Second)
	if err != nil {
		t.Fatalf("DispatchAndConfirm: %v", err)
	}
	if !result.Success || result.ReservationID != 9 {
		t.Fatalf("unexpected result: %+v", result)
	}
	if client.WaiterCount() != 0 {
		t.Fatalf("waiter leaked: %d", client.WaiterCount())
	}
}

func TestDispatchAndConfirmNack(t *testing.T) {
	_, url := newWSServer(t, func(ctx context.Context, conn *websocket.Conn) {
		cmd := readCommand(ctx, t, conn)
		writeEvent(ctx, t, conn, Event{
			Type:          EventModifyNack,
			CorrelationID: cmd.CorrelationID,
			Data:          Payload{Message: "slot already taken"},
		})
		_, _, _ = conn.Read(ctx)
	})
	client := connectedClient(t, url, ClientOptions{})

	result, err := client.DispatchAndConfirm(context.Background(), Command{
		Type:          CommandModify,
		CorrelationID: "corr-2",
	}, MatchCriteria{}, 2*time.Second)
	if err != nil {
		t.Fatalf("DispatchAndConfirm: %v", err)
	}
	if result.Success || result.Message != "slot already taken" {
		t.Fatalf("unexpected result: %+v", result)
	}
}

func TestDispatchAndConfirmNackWithoutMessage(t *testing.T) {
	_, url := newWSServer(t, func(ctx context.Context, conn *websocket.Conn) {
		cmd := readCommand(ctx, t, conn)
		writeEvent(ctx, t, conn, Event{Type: EventModifyNack, CorrelationID: cmd.CorrelationID})
		_, _, _ = conn.Read(ctx)
	})
	client := connectedClient(t, url, ClientOptions{})

	result, err := client.DispatchAndConfirm(context.Background(), Command{
		Type:          CommandCancel,
		CorrelationID: "corr-3",
	}, MatchCriteria{}, 2*time.Second)
	if err != nil {
		t.Fatalf("DispatchAndConfirm: %v", err)
	}
	if result.Message != reserve.GenericFailureMessage {
		t.Fatalf("a bare nack must surface the generic message, got %q", result.Message)
	}
}

func TestDispatchAndConfirmAckWithExplicitFailure(t *testing.T) {
	_, url := newWSServer(t, func(ctx context.Context, conn *websocket.Conn) {
		cmd := readCommand(ctx, t, conn)
		failed := false
		writeEvent(ctx, t, conn, Event{
			Type:          EventModifyAck,
			CorrelationID: cmd.CorrelationID,
			Data:          Payload{Success: &failed, Message: "outside working hours"},
		})
		_, _, _ = conn.Read(ctx)
	})
	client := connectedClient(t, url, ClientOptions{})

	result, err := client.DispatchAndConfirm(context.Background(), Command{
		Type:          CommandModify,
		CorrelationID: "corr-4",
	}, MatchCriteria{}, 2*time.Second)
	if err != nil {
		t.Fatalf("DispatchAndConfirm: %v", err)
	}
	if result.Success || result.Message != "outside working hours" {
		t.Fatalf("an ack carrying success=false is a failure: %+v", result)
	}
}

func TestDispatchAndConfirmTimeout(t *testing.T) {
	_, url := newWSServer(t, func(ctx context.Context, conn *websocket.Conn) {
		_ = readCommand(ctx, t, conn)
		_, _, _ = conn.Read(ctx)
	})
	client := connectedClient(t, url, ClientOptions{})

	result, err := client.DispatchAndConfirm(context.Background(), Command{
		Type:          CommandCreate,
		CorrelationID: "corr-5",
	}, MatchCriteria{}, 30*time.Millisecond)
	if err != nil {
		t.Fatalf("DispatchAndConfirm: %v", err)
	}
	if result.Success || result.Message != reserve.TimeoutMessage {
		t.Fatalf("expected the fixed timeout message, got %+v", result)
	}
	if client.WaiterCount() != 0 {
		t.Fatalf("waiter leaked after timeout: %d", client.WaiterCount())
	}
}

func TestDispatchAndConfirmIndirectStateConfirmation(t *testing.T) {
	// Some deployments never send a dedicated ack; the broadcast state event
	// doubles as the confirmation.
	_, url := newWSServer(t, func(ctx context.Context, conn *websocket.Conn) {
		cmd := readCommand(ctx, t, conn)
		writeEvent(ctx, t, conn, Event{
			Type: EventCreated,
			Data: Payload{
				WaID:          cmd.Data.WaID,
				Date:          cmd.Data.Date,
				TimeSlot:      cmd.Data.TimeSlot,
				ReservationID: 55,
			},
		})
		_, _, _ = conn.Read(ctx)
	})
	forwarded := make(chan Event, 1)
	client := connectedClient(t, url, ClientOptions{Handler: func(ev Event) { forwarded <- ev }})

	result, err := client.DispatchAndConfirm(context.Background(), Command{
		Type: CommandCreate,
		Data: Payload{WaID: "wa-1", Date: "2025-04-10", TimeSlot: "10:00"},
	}, MatchCriteria{CustomerID: "wa-1", Date: "2025-04-10"}, 2*time.Second)
	if err != nil {
		t.Fatalf("DispatchAndConfirm: %v", err)
	}
	if !result.Success || result.ReservationID != 55 {
		t.Fatalf("unexpected result: %+v", result)
	}

	// The confirming state event still reaches the broadcast handler; echo
	// suppression downstream decides whether it is applied.
	select {
	case ev := <-forwarded:
		if ev.Type != EventCreated {
			t.Fatalf("unexpected forwarded event: %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("confirming state event never reached the handler")
	}
}

func TestInvalidFramesAreDropped(t *testing.T) {
	_, url := newWSServer(t, func(ctx context.Context, conn *websocket.Conn) {
		_ = conn.Write(ctx, websocket.MessageText, []byte(`not json`))
		_ = conn.Write(ctx, websocket.MessageText, []byte(`{"type":"unknown_event","data":{}}`))
		writeEvent(ctx, t, conn, Event{
			Type: EventCreated,
			Data: Payload{WaID: "wa-1", Date: "2025-04-10", ReservationID: 3},
		})
		_, _, _ = conn.Read(ctx)
	})
	forwarded := make(chan Event, 3)
	client := connectedClient(t, url, ClientOptions{Handler: func(ev Event) { forwarded <- ev }})

	select {
	case ev := <-forwarded:
		if ev.Data.ReservationID != 3 {
			t.Fatalf("unexpected event: %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("valid event never arrived")
	}
	if got := client.InvalidFrames(); got != 2 {
		t.Fatalf("expected 2 invalid frames, got %d", got)
	}
	select {
	case ev := <-forwarded:
		t.Fatalf("invalid frame leaked to the handler: %+v", ev)
	default:
	}
}

func TestCloseMakesClientUnavailable(t *testing.T) {
	_, url := newWSServer(t, func(ctx context.Context, conn *websocket.Conn) {
		_, _, _ = conn.Read(ctx)
	})
	client := connectedClient(t, url, ClientOptions{})
	if !client.Available() {
		t.Fatal("client should be available after Connect")
	}
	if err := client.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if client.Available() {
		t.Fatal("client must report unavailable after Close")
	}
}
