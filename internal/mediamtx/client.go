package mediamtx

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

// readyPath is a cheap authenticated-by-default-off API endpoint; a 200 from
// it means the server is accepting work.
const readyPath = "/v3/paths/list"

// Client polls the server's control API.
type Client struct {
	BaseURL  string
	HTTP     *http.Client
	Attempts int
	Interval time.Duration
	// AliveCheck reports whether the server process still exists. Polling a
	// dead server until the attempt budget runs out would hide the real
	// failure, so the gate checks this first.
	AliveCheck func() bool
}

// NewClient builds a client for the given api address polling once per
// second.
func NewClient(apiAddress string, attempts int, alive func() bool) *Client {
	return &Client{
		BaseURL:    "http://" + apiAddress,
		HTTP:       &http.Client{Timeout: 2 * time.Second},
		Attempts:   attempts,
		Interval:   time.Second,
		AliveCheck: alive,
	}
}

// WaitReady blocks until the control API answers, the server dies, the
// attempt budget is exhausted or the context is cancelled.
func (c *Client) WaitReady(ctx context.Context) error {
	for attempt := 0; attempt < c.Attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if c.AliveCheck != nil && !c.AliveCheck() {
			return ErrServerExited
		}
		if c.ready(ctx) {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.Interval):
		}
	}
	return fmt.Errorf("no answer after %d attempts: %w", c.Attempts, ErrNotReady)
}

// Ready is a single non-blocking probe for status reporting.
func (c *Client) Ready(ctx context.Context) bool {
	return c.ready(ctx)
}

func (c *Client) ready(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+readyPath, nil)
	if err != nil {
		return false
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}
