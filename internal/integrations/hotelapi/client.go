// Package hotelapi is a thin client for the external hotel inventory and
// booking backend.
package hotelapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Room is one inventory entry as returned by the rooms listing.
type Room struct {
	RoomID      int     `json:"roomId"`
	Name        string  `json:"name"`
	Description string  `json:"description,omitempty"`
	Price       float64 `json:"price"`
}

// BookingRequest is the payload for creating a reservation.
type BookingRequest struct {
	RoomID   int    `json:"roomId"`
	FullName string `json:"fullName"`
	Email    string `json:"email"`
	Nights   int    `json:"nights"`
}

// BookingConfirmation is the backend's response to a successful reservation.
type BookingConfirmation struct {
	BookingID  string  `json:"bookingId"`
	RoomID     int     `json:"roomId"`
	FullName   string  `json:"fullName"`
	Email      string  `json:"email"`
	Nights     int     `json:"nights"`
	TotalPrice float64 `json:"totalPrice"`
}

// HTTPStatusError captures non-2xx backend responses.
type HTTPStatusError struct {
	StatusCode int
	URL        string
	Body       string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("hotelapi: unexpected status %d from %s: %s", e.StatusCode, e.URL, e.Body)
}

func (e *HTTPStatusError) HTTPStatusCode() int {
	return e.StatusCode
}

// Client wraps the inventory backend's two operations. Failures are returned
// as-is; soft-degrade policy belongs to the caller.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

type Option func(*Client)

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// NewClient creates a Client for the backend at baseURL.
func NewClient(baseURL string, opts ...Option) (*Client, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, errors.New("hotelapi: base URL must not be empty")
	}
	c := &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// ListRooms fetches the current room inventory.
func (c *Client) ListRooms(ctx context.Context) ([]Room, error) {
	url := c.baseURL + "/rooms"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("hotelapi: create rooms request: %w", err)
	}

	raw, err := c.doJSONRequest(req, url)
	if err != nil {
		return nil, fmt.Errorf("hotelapi: rooms request failed: %w", err)
	}

	var rooms []Room
	if decErr := json.Unmarshal(raw, &rooms); decErr != nil {
		return nil, fmt.Errorf("hotelapi: decode rooms response: %w", decErr)
	}
	return rooms, nil
}

// CreateBooking reserves a room with the backend and returns its confirmation.
func (c *Client) CreateBooking(ctx context.Context, booking BookingRequest) (*BookingConfirmation, error) {
	url := c.baseURL + "/book"

	body, err := json.Marshal(booking)
	if err != nil {
		return nil, fmt.Errorf("hotelapi: marshal booking request: %w", err)
	}

	req, reqErr := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if reqErr != nil {
		return nil, fmt.Errorf("hotelapi: create booking request: %w", reqErr)
	}
	req.Header.Set("Content-Type", "application/json")

	raw, err := c.doJSONRequest(req, url)
	if err != nil {
		return nil, fmt.Errorf("hotelapi: booking request failed: %w", err)
	}

	var confirmation BookingConfirmation
	if decErr := json.Unmarshal(raw, &confirmation); decErr != nil {
		return nil, fmt.Errorf("hotelapi: decode booking response: %w", decErr)
	}
	if confirmation.BookingID == "" {
		return nil, errors.New("hotelapi: booking response missing bookingId")
	}
	return &confirmation, nil
}

func (c *Client) doJSONRequest(req *http.Request, url string) ([]byte, error) {
	res, doErr := c.httpClient.Do(req)
	if doErr != nil {
		return nil, doErr
	}
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		buf, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return nil, &HTTPStatusError{
			StatusCode: res.StatusCode,
			URL:        url,
			Body:       string(buf),
		}
	}

	buf, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	return buf, nil
}
