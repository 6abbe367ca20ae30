package booking

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/bookline-ai/intake-platform/internal/pipeline"
	"github.com/bookline-ai/intake-platform/pkg/logging"
)

// HTTPAdapter is the scheduling backend client.
type HTTPAdapter struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     *logging.Logger
}

var _ Adapter = (*HTTPAdapter)(nil)

// NewHTTPAdapter creates a scheduling backend client.
func NewHTTPAdapter(baseURL, apiKey string, timeout time.Duration, logger *logging.Logger) *HTTPAdapter {
	if baseURL == "" {
		panic("booking: baseURL cannot be empty")
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &HTTPAdapter{
		baseURL:    baseURL,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}
}

// FetchSlots implements Adapter.
func (a *HTTPAdapter) FetchSlots(ctx context.Context, ownerID string, limit int) ([]Slot, error) {
	if limit <= 0 {
		limit = 3
	}
	endpoint := fmt.Sprintf("%s/v1/owners/%s/slots?limit=%s",
		a.baseURL, url.PathEscape(ownerID), strconv.Itoa(limit))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, pipeline.E(pipeline.CategoryInternal, "booking.fetch_slots", err)
	}
	a.authorize(req)

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, pipeline.E(pipeline.CategoryTransient, "booking.fetch_slots", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return nil, pipeline.E(pipeline.CategoryTransient, "booking.fetch_slots",
			fmt.Errorf("backend returned %d", resp.StatusCode))
	}
	if resp.StatusCode != http.StatusOK {
		return nil, pipeline.E(pipeline.CategoryInternal, "booking.fetch_slots",
			fmt.Errorf("backend returned %d", resp.StatusCode))
	}

	var payload struct {
		Slots []Slot `json:"slots"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&payload); err != nil {
		return nil, pipeline.E(pipeline.CategoryInternal, "booking.fetch_slots",
			fmt.Errorf("malformed response: %w", err))
	}
	return payload.Slots, nil
}

// CommitBooking implements Adapter. A 409 from the backend means the slot
// was taken and maps to ErrSlotConflict.
func (a *HTTPAdapter) CommitBooking(ctx context.Context, bookReq Request) (Confirmation, error) {
	body, err := json.Marshal(bookReq)
	if err != nil {
		return Confirmation{}, pipeline.E(pipeline.CategoryInternal, "booking.commit", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/v1/bookings", bytes.NewReader(body))
	if err != nil {
		return Confirmation{}, pipeline.E(pipeline.CategoryInternal, "booking.commit", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", bookReq.IdempotencyKey)
	a.authorize(req)

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return Confirmation{}, pipeline.E(pipeline.CategoryTransient, "booking.commit", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusConflict:
		return Confirmation{}, ErrSlotConflict
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return Confirmation{}, pipeline.E(pipeline.CategoryTransient, "booking.commit",
			fmt.Errorf("backend returned %d", resp.StatusCode))
	case resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated:
		return Confirmation{}, pipeline.E(pipeline.CategoryInternal, "booking.commit",
			fmt.Errorf("backend returned %d", resp.StatusCode))
	}

	var conf Confirmation
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&conf); err != nil {
		return Confirmation{}, pipeline.E(pipeline.CategoryInternal, "booking.commit",
			fmt.Errorf("malformed response: %w", err))
	}
	a.logger.Info("booking committed", "booking_id", conf.BookingID, "slot_id", conf.SlotID)
	return conf, nil
}

func (a *HTTPAdapter) authorize(req *http.Request) {
	if a.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+a.apiKey)
	}
}
