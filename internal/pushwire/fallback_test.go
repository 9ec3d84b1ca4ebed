package pushwire

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/bookingdesk/reservesync/internal/reserve"
)

func newTestFallback(serverURL string) *FallbackClient {
	c := NewFallbackClient(serverURL, "secret-token", nil)
	c.baseDelay = time.Millisecond
	c.maxDelay = 5 * time.Millisecond
	return c
}

func TestFallbackReserveSuccess(t *testing.T) {
	var gotPath, gotAuth string
	var gotBody map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		_ = json.NewEncoder(w).Encode(Result{Success: true, ReservationID: 42})
	}))
	defer server.Close()

	result, err := newTestFallback(server.URL).Reserve(context.Background(), "wa-1", "Dana", "2025-04-10", "10:00", reserve.TypeFollowUp)
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if !result.Success || result.ReservationID != 42 {
		t.Fatalf("unexpected result: %+v", result)
	}
	if gotPath != "/v1/reservations/reserve" {
		t.Fatalf("unexpected path %q", gotPath)
	}
	if gotAuth != "Bearer secret-token" {
		t.Fatalf("unexpected auth header %q", gotAuth)
	}
	if gotBody["wa_id"] != "wa-1" || gotBody["customer_name"] != "Dana" || gotBody["time_slot"] != "10:00" {
		t.Fatalf("unexpected body: %v", gotBody)
	}
}

func TestFallbackRejectionSurfacesAsResult(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_ = json.NewEncoder(w).Encode(Result{Success: false, Message: "slot already taken"})
	}))
	defer server.Close()

	result, err := newTestFallback(server.URL).Reserve(context.Background(), "wa-1", "Dana", "2025-04-10", "10:00", reserve.TypeCheckUp)
	if err != nil {
		t.Fatalf("a protocol-level rejection is not a transport error: %v", err)
	}
	if result.Success || result.Message != "slot already taken" {
		t.Fatalf("unexpected result: %+v", result)
	}
}

func TestFallbackRetriesServerErrors(t *testing.T) {
	attempts := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_ = json.NewEncoder(w).Encode(Result{Success: true})
	}))
	defer server.Close()

	result, err := newTestFallback(server.URL).Cancel(context.Background(), "wa-1", "2025-04-10")
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if !result.Success {
		t.Fatalf("unexpected result: %+v", result)
	}
	if attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", attempts)
	}
}

func TestFallbackKeepsCorrelationIDAcrossRetries(t *testing.T) {
	var correlationIDs []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		correlationIDs = append(correlationIDs, r.Header.Get("X-Correlation-Id"))
		if len(correlationIDs) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_ = json.NewEncoder(w).Encode(Result{Success: true})
	}))
	defer server.Close()

	if _, err := newTestFallback(server.URL).Cancel(context.Background(), "wa-1", "2025-04-10"); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if len(correlationIDs) != 2 {
		t.Fatalf("expected 2 attempts, got %d", len(correlationIDs))
	}
	if correlationIDs[0] == "" {
		t.Fatal("correlation id header missing")
	}
	if correlationIDs[0] != correlationIDs[1] {
		t.Fatalf("a retried attempt must reuse the correlation id: %q then %q", correlationIDs[0], correlationIDs[1])
	}
}

func TestFallbackHonorsRetryAfter(t *testing.T) {
	attempts := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts == 1 {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_ = json.NewEncoder(w).Encode(Result{Success: true})
	}))
	defer server.Close()

	if _, err := newTestFallback(server.URL).Cancel(context.Background(), "wa-1", "2025-04-10"); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if attempts != 2 {
		t.Fatalf("expected a retry after 429, got %d attempts", attempts)
	}
}

func TestFallbackExhaustedRetriesReturnHTTPError(t *testing.T) {
	attempts := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer server.Close()

	_, err := newTestFallback(server.URL).Cancel(context.Background(), "wa-1", "2025-04-10")
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) {
		t.Fatalf("expected HTTPError, got %v", err)
	}
	if httpErr.StatusCode != http.StatusInternalServerError {
		t.Fatalf("unexpected status %d", httpErr.StatusCode)
	}
	if attempts != 4 {
		t.Fatalf("expected the initial try plus 3 retries, got %d", attempts)
	}
}

func TestFallbackModifyOmitsEmptyOptionalFields(t *testing.T) {
	var gotBody map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		_ = json.NewEncoder(w).Encode(Result{Success: true})
	}))
	defer server.Close()

	_, err := newTestFallback(server.URL).Modify(context.Background(), "wa-1", ModifyRequest{
		Date:     "2025-04-12",
		TimeSlot: "14:00",
	})
	if err != nil {
		t.Fatalf("Modify: %v", err)
	}
	for _, absent := range []string{"customer_name", "type", "reservation_id"} {
		if _, ok := gotBody[absent]; ok {
			t.Fatalf("field %q must be omitted when unset: %v", absent, gotBody)
		}
	}
}

func TestRetryDelayBacksOffAndCaps(t *testing.T) {
	c := &FallbackClient{baseDelay: 100 * time.Millisecond, maxDelay: 2 * time.Second}
	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 100 * time.Millisecond},
		{2, 200 * time.Millisecond},
		{3, 400 * time.Millisecond},
		{10, 2 * time.Second},
	}
	for _, tc := range cases {
		if got := c.retryDelay(tc.attempt, ""); got != tc.want {
			t.Fatalf("attempt %d: got %v want %v", tc.attempt, got, tc.want)
		}
	}
	if got := c.retryDelay(1, "1"); got != time.Second {
		t.Fatalf("Retry-After seconds should win: got %v", got)
	}
	if got := c.retryDelay(1, "60"); got != 2*time.Second {
		t.Fatalf("Retry-After must be capped at maxDelay: got %v", got)
	}
}

func TestParseRetryAfter(t *testing.T) {
	if got := parseRetryAfter("5"); got != 5*time.Second {
		t.Fatalf("seconds form: got %v", got)
	}
	if got := parseRetryAfter(""); got != 0 {
		t.Fatalf("empty header: got %v", got)
	}
	if got := parseRetryAfter("garbage"); got != 0 {
		t.Fatalf("unparseable header: got %v", got)
	}
	future := time.Now().Add(3 * time.Second).UTC().Format(time.RFC1123)
	if got := parseRetryAfter(future); got <= 0 || got > 3*time.Second {
		t.Fatalf("HTTP-date form: got %v", got)
	}
}
