package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"

	"printcast/internal/metrics"
	"printcast/pkg/models"
)

// TokenSource supplies a bearer token for the platform API. OAuth token
// acquisition and refresh live outside the core.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// AuthError marks failures the user has to fix (credentials, consent).
// StartBroadcast surfaces its message verbatim instead of crashing.
type AuthError struct {
	Err error
}

func (e *AuthError) Error() string { return fmt.Sprintf("platform authentication failed: %v", e.Err) }
func (e *AuthError) Unwrap() error { return e.Err }

// Client is the REST client for the video platform. Every call routes
// through the PollingManager for rate limiting, memoization and backoff.
type Client struct {
	baseURL    string
	tokens     TokenSource
	httpClient *http.Client
	manager    *PollingManager
	log        *zap.Logger
	metrics    *metrics.Metrics
}

func NewClient(baseURL string, tokens TokenSource, manager *PollingManager, log *zap.Logger, m *metrics.Metrics) *Client {
	retryClient := retryablehttp.NewClient()
	retryClient.RetryMax = 3
	retryClient.RetryWaitMin = 1 * time.Second
	retryClient.RetryWaitMax = 30 * time.Second
	retryClient.Backoff = manager.Backoff
	retryClient.Logger = nil

	return &Client{
		baseURL:    baseURL,
		tokens:     tokens,
		httpClient: retryClient.StandardClient(),
		manager:    manager,
		log:        log.Named("platform"),
		metrics:    m,
	}
}

// doRequest is the core request handler: token, rate limit, request,
// status interception, decode. Cacheable GETs are memoized by path.
func (c *Client) doRequest(ctx context.Context, method, path string, payload, response interface{}, cacheable bool) error {
	if cacheable && method == http.MethodGet {
		if body, ok := c.manager.CachedGET(path); ok {
			if response != nil {
				return json.Unmarshal(body, response)
			}
			return nil
		}
	}

	token, err := c.tokens.Token(ctx)
	if err != nil {
		return &AuthError{Err: err}
	}

	if err := c.manager.Acquire(ctx); err != nil {
		return err
	}

	var body io.Reader
	if payload != nil {
		jsonBytes, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to marshal payload: %w", err)
		}
		body = bytes.NewBuffer(jsonBytes)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.metrics.PlatformAPIErrors.Inc()
		return fmt.Errorf("platform request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return &AuthError{Err: fmt.Errorf("status %d", resp.StatusCode)}
	}
	if resp.StatusCode >= 400 {
		c.metrics.PlatformAPIErrors.Inc()
		return fmt.Errorf("platform API returned status %d", resp.StatusCode)
	}

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if cacheable && method == http.MethodGet {
		c.manager.StoreGET(path, respBody)
	}

	if response != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, response); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}

type broadcastResponse struct {
	ID            string `json:"id"`
	IngestAddress string `json:"ingest_address"`
	StreamKey     string `json:"stream_key"`
	Status        string `json:"lifecycle_status"`
}

// CreateBroadcast allocates a fresh broadcast with a bound stream.
func (c *Client) CreateBroadcast(ctx context.Context) (models.Broadcast, error) {
	var resp broadcastResponse
	payload := map[string]string{"title": "3D print live stream", "privacy": "unlisted"}
	if err := c.doRequest(ctx, http.MethodPost, "/live/broadcasts", payload, &resp, false); err != nil {
		return models.Broadcast{}, err
	}
	return models.Broadcast{
		BroadcastID:   resp.ID,
		IngestAddress: resp.IngestAddress,
		StreamKey:     resp.StreamKey,
	}, nil
}

// BroadcastStatus returns the lifecycle status of a broadcast ("ready",
// "live", "complete", ...).
func (c *Client) BroadcastStatus(ctx context.Context, id string) (string, error) {
	var resp broadcastResponse
	path := "/live/broadcasts/" + url.PathEscape(id)
	if err := c.doRequest(ctx, http.MethodGet, path, nil, &resp, true); err != nil {
		return "", err
	}
	return resp.Status, nil
}

// IngestionStatus reports whether the platform sees bytes arriving on the
// broadcast's ingest address ("active" once it does).
func (c *Client) IngestionStatus(ctx context.Context, id string) (string, error) {
	var resp struct {
		Status string `json:"status"`
	}
	path := "/live/broadcasts/" + url.PathEscape(id) + "/ingestion"
	if err := c.doRequest(ctx, http.MethodGet, path, nil, &resp, true); err != nil {
		return "", err
	}
	return resp.Status, nil
}

// TransitionBroadcast moves a broadcast to the given lifecycle status.
func (c *Client) TransitionBroadcast(ctx context.Context, id, to string) error {
	path := fmt.Sprintf("/live/broadcasts/%s/transition?to=%s", url.PathEscape(id), url.QueryEscape(to))
	return c.doRequest(ctx, http.MethodPost, path, nil, nil, false)
}

type playlistResponse struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

// FindPlaylist looks a playlist up by title; empty id when absent.
func (c *Client) FindPlaylist(ctx context.Context, title string) (string, error) {
	var resp struct {
		Items []playlistResponse `json:"items"`
	}
	path := "/playlists?title=" + url.QueryEscape(title)
	if err := c.doRequest(ctx, http.MethodGet, path, nil, &resp, true); err != nil {
		return "", err
	}
	for _, p := range resp.Items {
		if p.Title == title {
			return p.ID, nil
		}
	}
	return "", nil
}

// CreatePlaylist creates a playlist with the given title and privacy.
func (c *Client) CreatePlaylist(ctx context.Context, title, privacy string) (string, error) {
	var resp playlistResponse
	payload := map[string]string{"title": title, "privacy": privacy}
	if err := c.doRequest(ctx, http.MethodPost, "/playlists", payload, &resp, false); err != nil {
		return "", err
	}
	return resp.ID, nil
}

// AddPlaylistItem appends a video to a playlist.
func (c *Client) AddPlaylistItem(ctx context.Context, playlistID, videoID string) error {
	path := "/playlists/" + url.PathEscape(playlistID) + "/items"
	payload := map[string]string{"video_id": videoID}
	return c.doRequest(ctx, http.MethodPost, path, payload, nil, false)
}

// InsertChatMessage posts a message into the broadcast's live chat.
func (c *Client) InsertChatMessage(ctx context.Context, broadcastID, text string) error {
	path := "/live/broadcasts/" + url.PathEscape(broadcastID) + "/chat"
	payload := map[string]string{"text": text}
	return c.doRequest(ctx, http.MethodPost, path, payload, nil, false)
}
