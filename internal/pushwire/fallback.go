package pushwire

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/bookingdesk/reservesync/internal/reserve"
)

// HTTPError is a fallback-transport failure that produced no protocol-level
// result, such as an exhausted retry budget against a 5xx.
type HTTPError struct {
	StatusCode int
	Message    string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

// ModifyRequest describes a reservation change for the fallback transport.
// Zero-valued optional fields are left untouched server-side. Approximate
// lets the server shift the requested time to the nearest open slot.
type ModifyRequest struct {
	Date          string
	TimeSlot      string
	Title         string
	Type          *reserve.ReservationType
	ReservationID int
	Approximate   bool
}

// FallbackClient is the degraded-mode request/response transport, used only
// when the push channel reports unavailable.
type FallbackClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

func NewFallbackClient(baseURL, token string, httpClient *http.Client) *FallbackClient {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8080"
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &FallbackClient{
		baseURL:    baseURL,
		token:      strings.TrimSpace(token),
		httpClient: httpClient,
		maxRetries: 3,
		baseDelay:  100 * time.Millisecond,
		maxDelay:   2 * time.Second,
	}
}

func (c *FallbackClient) Reserve(ctx context.Context, customerID, title, date, timeSlot string, typ reserve.ReservationType) (Result, error) {
	body := map[string]any{
		"wa_id":         customerID,
		"customer_name": title,
		"date":          date,
		"time_slot":     timeSlot,
		"type":          int(typ),
	}
	return c.post(ctx, "/v1/reservations/reserve", body)
}

func (c *FallbackClient) Modify(ctx context.Context, customerID string, req ModifyRequest) (Result, error) {
	body := map[string]any{
		"wa_id":       customerID,
		"date":        req.Date,
		"time_slot":   req.TimeSlot,
		"approximate": req.Approximate,
	}
	if req.Title != "" {
		body["customer_name"] = req.Title
	}
	if req.Type != nil {
		body["type"] = int(*req.Type)
	}
	if req.ReservationID > 0 {
		body["reservation_id"] = req.ReservationID
	}
	return c.post(ctx, "/v1/reservations/modify", body)
}

func (c *FallbackClient) Cancel(ctx context.Context, customerID, date string) (Result, error) {
	body := map[string]any{
		"wa_id": customerID,
		"date":  date,
	}
	return c.post(ctx, "/v1/reservations/cancel", body)
}

func (c *FallbackClient) post(ctx context.Context, requestPath string, body map[string]any) (Result, error) {
	bodyBytes, err := json.Marshal(body)
	if err != nil {
		return Result{}, err
	}
	// One correlation id per logical request, not per attempt, so the server
	// can recognize a retried command it already applied.
	correlationID := "fallback_" + uuid.NewString()
	for attempt := 0; ; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+requestPath, bytes.NewReader(bodyBytes))
		if err != nil {
			return Result{}, err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Correlation-Id", correlationID)
		if c.token != "" {
			req.Header.Set("Authorization", "Bearer "+c.token)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if attempt < c.maxRetries {
				if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return Result{}, waitErr
				}
				continue
			}
			return Result{}, err
		}
		payloadBytes, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return Result{}, readErr
		}

		if (resp.StatusCode == http.StatusTooManyRequests || (resp.StatusCode >= 500 && resp.StatusCode <= 599)) && attempt < c.maxRetries {
			if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return Result{}, waitErr
			}
			continue
		}

		var result Result
		decodeErr := json.Unmarshal(payloadBytes, &result)
		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			if decodeErr != nil {
				return Result{}, decodeErr
			}
			return result, nil
		}
		// Rejections arrive as non-2xx with the same {success, message}
		// shape; anything else is a transport failure.
		if decodeErr == nil && result.Message != "" {
			result.Success = false
			return result, nil
		}
		return Result{}, &HTTPError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(payloadBytes))}
	}
}

func (c *FallbackClient) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	maxDelay := c.maxDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}
	if retryAfter := parseRetryAfter(retryAfterHeader); retryAfter > 0 {
		if retryAfter > maxDelay {
			return maxDelay
		}
		return retryAfter
	}
	delay := c.baseDelay
	if delay <= 0 {
		delay = 100 * time.Millisecond
	}
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maxDelay {
			return maxDelay
		}
	}
	if delay > maxDelay {
		return maxDelay
	}
	return delay
}

func parseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if ts, err := time.Parse(time.RFC1123, header); err == nil {
		if delta := time.Until(ts); delta > 0 {
			return delta
		}
	}
	return 0
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
