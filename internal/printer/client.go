package printer

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"printcast/pkg/models"
)

// statusResponse is the wire shape of the printer's status endpoint.
// Progress may be reported as a 0..1 fraction or a 0..100 percentage
// depending on firmware; Status normalizes either to 0..100.
type statusResponse struct {
	State            string  `json:"state"`
	Filename         string  `json:"filename"`
	Progress         float64 `json:"progress"`
	CurrentLayer     int     `json:"current_layer"`
	TotalLayers      int     `json:"total_layers"`
	RemainingSeconds float64 `json:"remaining_seconds"`
}

// Client talks to the printer's REST API.
type Client struct {
	baseURL     string
	snapshotURL string
	httpClient  *http.Client
}

// NewClient creates a printer client with bounded retries so a flaky
// printer link doesn't immediately look like an offline printer.
func NewClient(baseURL, snapshotURL string) *Client {
	retryClient := retryablehttp.NewClient()
	retryClient.RetryMax = 2
	retryClient.RetryWaitMin = 500 * time.Millisecond
	retryClient.RetryWaitMax = 2 * time.Second
	retryClient.HTTPClient.Timeout = 10 * time.Second
	retryClient.Logger = nil

	return &Client{
		baseURL:     baseURL,
		snapshotURL: snapshotURL,
		httpClient:  retryClient.StandardClient(),
	}
}

// Status fetches and normalizes the current printer state.
func (c *Client) Status(ctx context.Context) (models.PrinterState, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL, nil)
	if err != nil {
		return models.PrinterState{}, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return models.PrinterState{}, fmt.Errorf("printer request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return models.PrinterState{}, fmt.Errorf("printer returned status %d", resp.StatusCode)
	}

	var raw statusResponse
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return models.PrinterState{}, fmt.Errorf("failed to decode printer status: %w", err)
	}

	progress := raw.Progress
	if progress <= 1.0 && raw.Progress >= 0 {
		// Heuristic: values at or below 1 are fractions unless the printer
		// is genuinely at 1%. Layer data disambiguates when present.
		if raw.TotalLayers == 0 || raw.CurrentLayer <= raw.TotalLayers {
			progress = raw.Progress * 100
		}
	}
	if progress > 100 {
		progress = 100
	}
	if progress < 0 {
		progress = 0
	}

	return models.PrinterState{
		Status:          models.ParseStatus(raw.State),
		Filename:        raw.Filename,
		ProgressPercent: progress,
		CurrentLayer:    raw.CurrentLayer,
		TotalLayers:     raw.TotalLayers,
		Remaining:       time.Duration(raw.RemainingSeconds * float64(time.Second)),
	}, nil
}

// Snapshot fetches a single JPEG frame from the camera snapshot endpoint.
func (c *Client) Snapshot(ctx context.Context) ([]byte, error) {
	if c.snapshotURL == "" {
		return nil, fmt.Errorf("no snapshot url configured")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.snapshotURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("snapshot request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("snapshot returned status %d", resp.StatusCode)
	}

	return io.ReadAll(resp.Body)
}
