package broadcast

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"printcast/internal/platform"
	"printcast/pkg/models"
)

// API is the slice of the platform client the controller needs.
type API interface {
	CreateBroadcast(ctx context.Context) (models.Broadcast, error)
	BroadcastStatus(ctx context.Context, id string) (string, error)
	IngestionStatus(ctx context.Context, id string) (string, error)
	TransitionBroadcast(ctx context.Context, id, to string) error
	FindPlaylist(ctx context.Context, title string) (string, error)
	CreatePlaylist(ctx context.Context, title, privacy string) (string, error)
	AddPlaylistItem(ctx context.Context, playlistID, videoID string) error
	InsertChatMessage(ctx context.Context, broadcastID, text string) error
}

const (
	// Reused records older than this are discarded even if the platform
	// still reports the broadcast as usable.
	defaultRecordTTLMinutes = 360

	lifecycleLive     = "live"
	lifecycleComplete = "complete"
	ingestionActive   = "active"
)

// Controller owns platform broadcast lifecycle: create (with persisted-record
// reuse), transition to live once ingestion is detected, end, and playlist
// housekeeping after the fact.
type Controller struct {
	api     API
	records *platform.RecordStore
	log     *zap.Logger
	now     func() time.Time
	jitter  func(context.Context) error
}

// NewController builds a Controller. jitter, when non-nil, is awaited
// before each scheduled ingestion poll to spread request timing.
func NewController(api API, records *platform.RecordStore, log *zap.Logger, jitter func(context.Context) error) *Controller {
	return &Controller{
		api:     api,
		records: records,
		log:     log.Named("broadcast"),
		now:     time.Now,
		jitter:  jitter,
	}
}

// CreateLiveBroadcast returns a usable broadcast for the given context key.
// A persisted record younger than its TTL is reused when the platform still
// reports the broadcast in a pre-terminal state; otherwise a fresh broadcast
// is allocated and the record overwritten.
func (c *Controller) CreateLiveBroadcast(ctx context.Context, contextKey string) (models.Broadcast, error) {
	if rec, ok := c.records.Get(contextKey); ok && !rec.Expired(c.now().UTC()) {
		status, err := c.api.BroadcastStatus(ctx, rec.BroadcastID)
		if err == nil && usableStatus(status) {
			c.log.Info("reusing persisted broadcast",
				zap.String("broadcast_id", rec.BroadcastID),
				zap.String("status", status))
			return broadcastFromRecord(rec), nil
		}
		c.log.Info("persisted broadcast no longer usable",
			zap.String("broadcast_id", rec.BroadcastID),
			zap.String("status", status),
			zap.Error(err))
	}

	b, err := c.api.CreateBroadcast(ctx)
	if err != nil {
		return models.Broadcast{}, err
	}

	c.records.Put(models.BroadcastRecord{
		BroadcastID:  b.BroadcastID,
		RtmpURL:      b.RtmpURL(),
		StreamKey:    b.StreamKey,
		Context:      contextKey,
		CreatedAtUTC: c.now().UTC(),
		TTLMinutes:   defaultRecordTTLMinutes,
	})

	c.log.Info("created broadcast", zap.String("broadcast_id", b.BroadcastID))
	return b, nil
}

// TransitionToLiveWhenReady polls ingestion status up to pollCount times
// evenly spaced over timeout and transitions the broadcast to live once the
// platform reports active ingestion. Fails on timeout, respects ctx.
func (c *Controller) TransitionToLiveWhenReady(ctx context.Context, id string, timeout time.Duration, pollCount int) error {
	if pollCount <= 0 {
		pollCount = 1
	}
	interval := timeout / time.Duration(pollCount)

	for i := 0; i < pollCount; i++ {
		if i > 0 {
			timer := time.NewTimer(interval)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}

		if c.jitter != nil {
			if err := c.jitter(ctx); err != nil {
				return err
			}
		}

		status, err := c.api.IngestionStatus(ctx, id)
		if err != nil {
			c.log.Warn("ingestion status check failed",
				zap.String("broadcast_id", id), zap.Error(err))
			continue
		}
		if status != ingestionActive {
			c.log.Debug("waiting for ingestion",
				zap.String("broadcast_id", id), zap.String("status", status))
			continue
		}

		if err := c.api.TransitionBroadcast(ctx, id, lifecycleLive); err != nil {
			// The broadcast may already be live from a previous attempt.
			if current, serr := c.api.BroadcastStatus(ctx, id); serr == nil && current == lifecycleLive {
				return nil
			}
			return fmt.Errorf("failed to transition broadcast to live: %w", err)
		}
		c.log.Info("broadcast is live", zap.String("broadcast_id", id))
		return nil
	}

	return fmt.Errorf("ingestion not detected for broadcast %s within %s", id, timeout)
}

// EndBroadcast transitions the broadcast to its terminal state. A broadcast
// that is already ended is not an error.
func (c *Controller) EndBroadcast(ctx context.Context, id string) error {
	err := c.api.TransitionBroadcast(ctx, id, lifecycleComplete)
	if err == nil {
		return nil
	}
	if status, serr := c.api.BroadcastStatus(ctx, id); serr == nil && status == lifecycleComplete {
		return nil
	}
	return fmt.Errorf("failed to end broadcast %s: %w", id, err)
}

// EnsurePlaylist returns the id of the named playlist, creating it when
// absent.
func (c *Controller) EnsurePlaylist(ctx context.Context, name, privacy string) (string, error) {
	id, err := c.api.FindPlaylist(ctx, name)
	if err != nil {
		return "", err
	}
	if id != "" {
		return id, nil
	}
	return c.api.CreatePlaylist(ctx, name, privacy)
}

// AddToPlaylist appends a finished broadcast's video to a playlist.
func (c *Controller) AddToPlaylist(ctx context.Context, playlistID, videoID string) error {
	return c.api.AddPlaylistItem(ctx, playlistID, videoID)
}

// PostChatMessage posts into the broadcast's live chat.
func (c *Controller) PostChatMessage(ctx context.Context, id, text string) error {
	return c.api.InsertChatMessage(ctx, id, text)
}

func usableStatus(status string) bool {
	switch status {
	case "created", "ready", "testing", lifecycleLive:
		return true
	}
	return false
}

func broadcastFromRecord(rec models.BroadcastRecord) models.Broadcast {
	ingest := rec.RtmpURL
	if rec.StreamKey != "" {
		ingest = strings.TrimSuffix(ingest, "/"+rec.StreamKey)
	}
	return models.Broadcast{
		BroadcastID:   rec.BroadcastID,
		IngestAddress: ingest,
		StreamKey:     rec.StreamKey,
	}
}
