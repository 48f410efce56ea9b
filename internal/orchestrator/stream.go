package orchestrator

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"

	"printcast/internal/metrics"
	"printcast/internal/platform"
	"printcast/pkg/models"
)

const (
	ingestionWaitTimeout = 120 * time.Second
	ingestionWaitPolls   = 5
	restartWaitTimeout   = 60 * time.Second
	restartWaitPolls     = 6
	healthStrikeLimit    = 3
	playlistAddDelay     = 2 * time.Second
	cpuWarnPercent       = 90.0
	ramWarnPercent       = 90.0
)

// EncoderControl is the encoder supervisor as seen by the stream
// orchestrator.
type EncoderControl interface {
	Start(spec models.EncoderSpec) error
	Stop()
	IsRunning() bool
}

// TrackSource supplies the next audio track for encoder launches when no
// fixed audio URL is configured. The audio selector implements it.
type TrackSource interface {
	TryGetNext() (string, bool)
}

// BroadcastControl is the broadcast controller surface E drives.
type BroadcastControl interface {
	CreateLiveBroadcast(ctx context.Context, contextKey string) (models.Broadcast, error)
	TransitionToLiveWhenReady(ctx context.Context, id string, timeout time.Duration, pollCount int) error
	EndBroadcast(ctx context.Context, id string) error
	EnsurePlaylist(ctx context.Context, name, privacy string) (string, error)
	AddToPlaylist(ctx context.Context, playlistID, videoID string) error
	PostChatMessage(ctx context.Context, id, text string) error
}

// StreamOptions is the encoder/broadcast policy configuration.
type StreamOptions struct {
	Source          string
	TargetFps       int
	BitrateKbps     int
	Overlay         *models.OverlayOptions
	AudioSource     string
	MixEnabled      bool
	ContextKey      string
	WelcomeMessage  string
	PlaylistName    string
	PlaylistPrivacy string
}

// StreamOrchestrator couples encoder health to the broadcast lifecycle.
// Mutable state sits behind one mutex that is never held across a blocking
// call: copy under lock, act without it, reassign under lock.
type StreamOrchestrator struct {
	enc     EncoderControl
	bc      BroadcastControl
	opts    StreamOptions
	log     *zap.Logger
	metrics *metrics.Metrics

	mu                  sync.Mutex
	tracks              TrackSource
	currentBroadcastID  string
	currentRtmpURL      string
	endStreamAfterSong  bool
	waitingForIngestion bool
	healthStrikes       int
	mixEnabled          bool
}

func NewStreamOrchestrator(enc EncoderControl, bc BroadcastControl, opts StreamOptions, log *zap.Logger, m *metrics.Metrics) *StreamOrchestrator {
	if opts.ContextKey == "" {
		opts.ContextKey = "print"
	}
	return &StreamOrchestrator{
		enc:        enc,
		bc:         bc,
		opts:       opts,
		log:        log.Named("stream"),
		metrics:    m,
		mixEnabled: opts.MixEnabled,
	}
}

// Broadcasting reports whether a broadcast is currently bound.
func (o *StreamOrchestrator) Broadcasting() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.currentBroadcastID != ""
}

// CurrentBroadcastID returns the bound broadcast id, empty when none.
func (o *StreamOrchestrator) CurrentBroadcastID() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.currentBroadcastID
}

// SetEndStreamAfterSong arms (or disarms) stopping the broadcast when the
// current audio track finishes.
func (o *StreamOrchestrator) SetEndStreamAfterSong(v bool) {
	o.mu.Lock()
	o.endStreamAfterSong = v
	o.mu.Unlock()
}

// OnTrackFinished ends the broadcast once if end-after-song is armed.
func (o *StreamOrchestrator) OnTrackFinished(ctx context.Context) {
	o.mu.Lock()
	armed := o.endStreamAfterSong
	o.endStreamAfterSong = false
	o.mu.Unlock()

	if !armed {
		return
	}
	o.log.Info("track finished with end-after-song armed, stopping broadcast")
	if ok, msg := o.StopBroadcast(ctx); !ok {
		o.log.Warn("failed to stop broadcast after song", zap.String("message", msg))
	}
}

// StartBroadcast creates a broadcast, points the encoder at its ingest URL
// and waits for ingestion in the background. Idempotent while a broadcast
// is bound.
func (o *StreamOrchestrator) StartBroadcast(ctx context.Context) (bool, string, string) {
	o.mu.Lock()
	if o.currentBroadcastID != "" {
		id := o.currentBroadcastID
		o.mu.Unlock()
		return true, "already broadcasting", id
	}
	o.mu.Unlock()

	b, err := o.bc.CreateLiveBroadcast(ctx, o.opts.ContextKey)
	if err != nil {
		var authErr *platform.AuthError
		if errors.As(err, &authErr) {
			o.log.Error("broadcast authentication failed", zap.Error(err))
			return false, authErr.Error(), ""
		}
		o.log.Error("failed to create broadcast", zap.Error(err))
		return false, "failed to create broadcast: " + err.Error(), ""
	}

	rtmpURL := b.RtmpURL()
	o.mu.Lock()
	o.currentBroadcastID = b.BroadcastID
	o.currentRtmpURL = rtmpURL
	o.waitingForIngestion = true
	o.healthStrikes = 0
	o.mu.Unlock()

	if err := o.enc.Start(o.encoderSpec(rtmpURL)); err != nil {
		o.mu.Lock()
		o.currentBroadcastID = ""
		o.currentRtmpURL = ""
		o.waitingForIngestion = false
		o.mu.Unlock()
		if endErr := o.bc.EndBroadcast(ctx, b.BroadcastID); endErr != nil {
			o.log.Warn("failed to end orphaned broadcast", zap.Error(endErr))
		}
		o.log.Error("failed to start encoder for broadcast", zap.Error(err))
		return false, "failed to start encoder: " + err.Error(), ""
	}

	o.metrics.BroadcastsStarted.Inc()
	o.metrics.BroadcastActive.Set(1)

	go o.awaitIngestion(ctx, b.BroadcastID)

	return true, "broadcast started", b.BroadcastID
}

func (o *StreamOrchestrator) awaitIngestion(ctx context.Context, id string) {
	defer func() {
		o.mu.Lock()
		o.waitingForIngestion = false
		o.mu.Unlock()
	}()

	if err := o.bc.TransitionToLiveWhenReady(ctx, id, ingestionWaitTimeout, ingestionWaitPolls); err != nil {
		if ctx.Err() == nil {
			o.log.Warn("broadcast never went live", zap.String("broadcast_id", id), zap.Error(err))
		}
		return
	}

	if o.opts.WelcomeMessage != "" {
		if err := o.bc.PostChatMessage(ctx, id, o.opts.WelcomeMessage); err != nil {
			o.log.Warn("failed to post welcome message", zap.Error(err))
		}
	}
}

// StopBroadcast clears local references first, stops the encoder, then ends
// the platform broadcast and does playlist housekeeping.
func (o *StreamOrchestrator) StopBroadcast(ctx context.Context) (bool, string) {
	o.mu.Lock()
	id := o.currentBroadcastID
	o.currentBroadcastID = ""
	o.currentRtmpURL = ""
	o.waitingForIngestion = false
	o.healthStrikes = 0
	o.mu.Unlock()

	o.metrics.BroadcastActive.Set(0)
	o.enc.Stop()

	if id == "" {
		return true, "no active broadcast"
	}

	if err := o.bc.EndBroadcast(ctx, id); err != nil {
		o.log.Error("failed to end broadcast", zap.String("broadcast_id", id), zap.Error(err))
		return false, "failed to end broadcast: " + err.Error()
	}
	o.metrics.BroadcastsEnded.Inc()
	o.log.Info("broadcast ended", zap.String("broadcast_id", id))

	if o.opts.PlaylistName != "" {
		o.addToPlaylist(ctx, id)
	}

	return true, "broadcast ended"
}

// StopBroadcastKeepLocal ends the broadcast but restarts the encoder with no
// destination so a local-only stream keeps flowing.
func (o *StreamOrchestrator) StopBroadcastKeepLocal(ctx context.Context) (bool, string) {
	ok, msg := o.StopBroadcast(ctx)
	if err := o.enc.Start(o.encoderSpec("")); err != nil {
		o.log.Error("failed to restart local encoder", zap.Error(err))
		return false, "broadcast stopped but local encoder failed: " + err.Error()
	}
	return ok, msg
}

func (o *StreamOrchestrator) addToPlaylist(ctx context.Context, videoID string) {
	// Give the platform a moment to settle the finished broadcast.
	timer := time.NewTimer(playlistAddDelay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return
	case <-timer.C:
	}

	playlistID, err := o.bc.EnsurePlaylist(ctx, o.opts.PlaylistName, o.opts.PlaylistPrivacy)
	if err != nil {
		o.log.Warn("failed to ensure playlist", zap.Error(err))
		return
	}
	if err := o.bc.AddToPlaylist(ctx, playlistID, videoID); err != nil {
		o.log.Warn("failed to add broadcast to playlist", zap.Error(err))
		return
	}
	o.log.Info("broadcast added to playlist",
		zap.String("playlist", o.opts.PlaylistName), zap.String("video", videoID))
}

// EnsureHealthy restarts a dead encoder with the current destination. If a
// broadcast is bound and ingestion doesn't come back, the broadcast is
// dropped in favor of a local-only encoder.
func (o *StreamOrchestrator) EnsureHealthy(ctx context.Context) {
	if o.enc.IsRunning() {
		return
	}

	o.mu.Lock()
	id := o.currentBroadcastID
	dest := o.currentRtmpURL
	o.mu.Unlock()

	o.log.Warn("encoder not running, restarting", zap.String("destination", dest))
	if err := o.enc.Start(o.encoderSpec(dest)); err != nil {
		o.log.Error("failed to restart encoder", zap.Error(err))
		return
	}

	if id != "" {
		if err := o.bc.TransitionToLiveWhenReady(ctx, id, restartWaitTimeout, restartWaitPolls); err != nil {
			o.log.Warn("ingestion did not recover, keeping local stream only",
				zap.String("broadcast_id", id), zap.Error(err))
			o.StopBroadcastKeepLocal(ctx)
		}
	}
}

// OnEncoderExit is wired to the supervisor's exit handler. The health
// monitor decides whether the exit was a crash worth restarting.
func (o *StreamOrchestrator) OnEncoderExit(instanceID string, err error) {
	if o.Broadcasting() {
		o.log.Warn("encoder exited while broadcasting",
			zap.String("instance", instanceID), zap.Error(err))
	}
}

// RunHealthMonitor observes encoder health while broadcasting. Three
// consecutive not-running observations trigger one automatic restart with
// the stored rtmp URL; the same broadcast is reused.
func (o *StreamOrchestrator) RunHealthMonitor(ctx context.Context, period time.Duration) {
	if period <= 0 {
		period = 10 * time.Second
	}
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.healthCheck(ctx)
		}
	}
}

func (o *StreamOrchestrator) healthCheck(ctx context.Context) {
	h := o.Health(ctx)
	o.log.Debug("stream health",
		zap.Bool("encoder_running", h.EncoderRunning),
		zap.Bool("broadcasting", h.Broadcasting),
		zap.Float64("cpu_percent", h.CPUPercent),
		zap.Float64("ram_percent", h.RAMPercent))
	if h.CPUPercent >= cpuWarnPercent {
		o.log.Warn("cpu usage high", zap.Float64("cpu_percent", h.CPUPercent))
	}
	if h.RAMPercent >= ramWarnPercent {
		o.log.Warn("ram usage high", zap.Float64("ram_percent", h.RAMPercent))
	}

	o.mu.Lock()
	broadcasting := o.currentBroadcastID != ""
	waiting := o.waitingForIngestion
	rtmpURL := o.currentRtmpURL
	o.mu.Unlock()

	if !broadcasting || waiting || o.enc.IsRunning() {
		o.mu.Lock()
		o.healthStrikes = 0
		o.mu.Unlock()
		return
	}

	o.mu.Lock()
	o.healthStrikes++
	strikes := o.healthStrikes
	if strikes >= healthStrikeLimit {
		o.healthStrikes = 0
	}
	o.mu.Unlock()

	if strikes < healthStrikeLimit {
		o.log.Warn("encoder not running while broadcasting",
			zap.Int("strikes", strikes))
		return
	}

	o.log.Warn("encoder down for three checks, restarting with same broadcast",
		zap.String("rtmp_url", rtmpURL))
	o.metrics.EncoderRestarts.Inc()
	o.EnsureHealthy(ctx)
}

// SetMixEnabled is called by the mix-flag watcher on every observation.
func (o *StreamOrchestrator) SetMixEnabled(v bool) {
	o.mu.Lock()
	o.mixEnabled = v
	o.mu.Unlock()
}

// SetTrackSource installs the audio track source consulted on every
// encoder launch when no fixed audio URL is configured.
func (o *StreamOrchestrator) SetTrackSource(ts TrackSource) {
	o.mu.Lock()
	o.tracks = ts
	o.mu.Unlock()
}

// StartLocal launches the encoder without an RTMP destination.
func (o *StreamOrchestrator) StartLocal() error {
	return o.enc.Start(o.encoderSpec(""))
}

// Health returns a point-in-time snapshot including system telemetry.
func (o *StreamOrchestrator) Health(ctx context.Context) models.StreamHealth {
	o.mu.Lock()
	id := o.currentBroadcastID
	o.mu.Unlock()

	h := models.StreamHealth{
		EncoderRunning: o.enc.IsRunning(),
		Broadcasting:   id != "",
		BroadcastID:    id,
		CheckedAt:      time.Now(),
	}

	if v, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		h.RAMPercent = v.UsedPercent
	}
	if pct, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(pct) > 0 {
		h.CPUPercent = pct[0]
	}
	return h
}

// encoderSpec builds the launch tuple for the configured source and the
// given destination. Overlay filters apply only when the mix endpoint is
// not doing the compositing.
func (o *StreamOrchestrator) encoderSpec(destination string) models.EncoderSpec {
	o.mu.Lock()
	mix := o.mixEnabled
	tracks := o.tracks
	o.mu.Unlock()

	overlay := o.opts.Overlay
	if mix {
		overlay = nil
	}

	audio := o.opts.AudioSource
	if audio == "" && tracks != nil {
		if track, ok := tracks.TryGetNext(); ok {
			audio = track
		}
	}

	return models.EncoderSpec{
		Source:      o.opts.Source,
		Destination: destination,
		TargetFps:   o.opts.TargetFps,
		BitrateKbps: o.opts.BitrateKbps,
		Overlay:     overlay,
		AudioSource: audio,
	}
}
