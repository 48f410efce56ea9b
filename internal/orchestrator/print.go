package orchestrator

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"printcast/pkg/models"
)

// Progress at or above this finalizes a session even when layer data is
// absent.
const progressCompletePercent = 99.0

// SessionManager is the slice of the timelapse manager the orchestrator
// drives.
type SessionManager interface {
	Start(ctx context.Context, jobNameSafe, jobFilename string) (string, error)
	NotifyProgress(ctx context.Context, id string, currentLayer, totalLayers int)
	NotifyPrinterState(id string, state models.PrinterStatus)
	Stop(ctx context.Context, id string) (string, error)
}

// BroadcastRequester is the stream orchestrator as seen from the print
// orchestrator.
type BroadcastRequester interface {
	StartBroadcast(ctx context.Context) (ok bool, message string, broadcastID string)
	StopBroadcast(ctx context.Context) (ok bool, message string)
	Broadcasting() bool
}

// Uploader receives finished timelapse videos. Lives outside the core.
type Uploader interface {
	Upload(ctx context.Context, videoPath, jobFilename string) error
}

// PrintOptions tune the finalize heuristics.
type PrintOptions struct {
	OfflineGrace        time.Duration
	IdleFinalizeDelay   time.Duration
	LastLayerOffset     int
	LastLayerRemaining  time.Duration
	LastLayerProgress   float64
	AutoBroadcast       bool
	EndStreamAfterPrint bool
}

func (o PrintOptions) withDefaults() PrintOptions {
	if o.OfflineGrace <= 0 {
		o.OfflineGrace = 10 * time.Minute
	}
	if o.IdleFinalizeDelay <= 0 {
		o.IdleFinalizeDelay = 20 * time.Second
	}
	if o.LastLayerOffset <= 0 {
		o.LastLayerOffset = 1
	}
	if o.LastLayerRemaining <= 0 {
		o.LastLayerRemaining = 30 * time.Second
	}
	if o.LastLayerProgress <= 0 {
		o.LastLayerProgress = 98.5
	}
	return o
}

// PrintOrchestrator consumes printer state events and drives timelapse
// session lifecycle and broadcast start/stop. It reacts purely on events;
// timing is expressed as comparisons against event timestamps.
//
// All plain fields are touched only from HandlePrinterState, which the
// poller invokes serially. The session→job map and the finalized-job marker
// are also read by background finalizes and sit behind mu.
type PrintOrchestrator struct {
	sessions SessionManager
	stream   BroadcastRequester
	uploader Uploader
	opts     PrintOptions
	log      *zap.Logger

	lastState              models.PrinterState
	lastInfoSeenAt         time.Time
	lastPrintingSeenAt     time.Time
	idleStateSince         time.Time
	jobMissingSince        time.Time
	activeSession          string
	activeJob              string
	lastLayerTriggered     bool
	waitingForResumeLogged bool

	mu              sync.Mutex
	sessionJobs     map[string]string
	finalizing      map[string]bool
	finalizedForJob string
}

func NewPrintOrchestrator(sessions SessionManager, stream BroadcastRequester, uploader Uploader, opts PrintOptions, log *zap.Logger) *PrintOrchestrator {
	return &PrintOrchestrator{
		sessions:    sessions,
		stream:      stream,
		uploader:    uploader,
		opts:        opts.withDefaults(),
		log:         log.Named("print"),
		sessionJobs: make(map[string]string),
		finalizing:  make(map[string]bool),
	}
}

// HandlePrinterState processes one printer state event. One failed event
// must never prevent the next, so nothing here propagates.
func (d *PrintOrchestrator) HandlePrinterState(ctx context.Context, st models.PrinterState, now time.Time) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error("panic while handling printer state", zap.Any("panic", r))
		}
	}()

	// Unknown states carry no information; the offline timers keep running
	// off the last informative event.
	if st.Status != models.StatusUnknown {
		d.lastInfoSeenAt = now
	}
	d.lastState = st

	active := st.ActivelyPrinting()
	if active {
		d.lastPrintingSeenAt = now
		d.idleStateSince = time.Time{}
		d.waitingForResumeLogged = false
	} else if st.Done() {
		if d.idleStateSince.IsZero() {
			d.idleStateSince = now
		}
	}

	// The finalized-job marker clears only when a different filename shows
	// up; this is the single gate for starting a session on the next job.
	d.mu.Lock()
	if d.finalizedForJob != "" && st.Filename != "" && !strings.EqualFold(st.Filename, d.finalizedForJob) {
		d.log.Info("new job observed, clearing finalized marker",
			zap.String("finalized_job", d.finalizedForJob),
			zap.String("filename", st.Filename))
		d.finalizedForJob = ""
	}
	d.mu.Unlock()

	// Job-missing timer runs only while a session is active.
	if d.activeSession != "" {
		if st.Filename == "" {
			if d.jobMissingSince.IsZero() {
				d.jobMissingSince = now
			}
		} else {
			d.jobMissingSince = time.Time{}
		}
	}

	// Late capture of the session's job filename, for sessions started when
	// the printer hadn't reported one yet.
	if d.activeSession != "" && d.activeJob == "" && st.Filename != "" {
		d.activeJob = st.Filename
		d.mu.Lock()
		d.sessionJobs[d.activeSession] = st.Filename
		d.mu.Unlock()
	}

	forceFinalize := false
	if active && d.activeSession != "" && st.Filename != "" && d.activeJob != "" &&
		!strings.EqualFold(st.Filename, d.activeJob) {
		d.log.Info("job filename changed mid-session, forcing finalize",
			zap.String("session_job", d.activeJob),
			zap.String("filename", st.Filename))
		forceFinalize = true
	}

	if d.activeSession != "" {
		d.sessions.NotifyProgress(ctx, d.activeSession, st.CurrentLayer, st.TotalLayers)
		d.sessions.NotifyPrinterState(d.activeSession, st.Status)
	}

	// Last-layer early finalize: clears the active pointers immediately and
	// finalizes in the background, so the tail of the print streams without
	// capture overhead.
	if active && d.activeSession != "" && !d.lastLayerTriggered && d.lastLayerReached(st) {
		d.lastLayerTriggered = true
		session := d.activeSession
		job := d.activeJob

		d.mu.Lock()
		if job != "" {
			d.finalizedForJob = job
		}
		d.mu.Unlock()

		d.activeSession = ""
		d.activeJob = ""

		d.log.Info("last layer reached, finalizing timelapse early",
			zap.String("session", session),
			zap.String("job", job),
			zap.Int("layer", st.CurrentLayer),
			zap.Int("total_layers", st.TotalLayers),
			zap.Float64("progress", st.ProgressPercent))
		go d.finalize(ctx, session)
	}

	layersComplete := st.TotalLayers > 0 && st.CurrentLayer >= st.TotalLayers-d.opts.LastLayerOffset
	progressComplete := st.ProgressPercent >= progressCompletePercent
	idleMet := !d.idleStateSince.IsZero() && now.Sub(d.idleStateSince) >= d.opts.IdleFinalizeDelay
	jobMissingMet := !d.jobMissingSince.IsZero() && now.Sub(d.jobMissingSince) >= d.opts.OfflineGrace
	offlineMet := !d.lastPrintingSeenAt.IsZero() &&
		now.Sub(d.lastPrintingSeenAt) >= d.opts.OfflineGrace &&
		now.Sub(d.lastInfoSeenAt) >= d.opts.OfflineGrace

	pending := d.pendingSessions(st.Filename)
	hasWork := d.activeSession != "" || len(pending) > 0

	if hasWork {
		shouldFinalize := forceFinalize || layersComplete || progressComplete || idleMet || jobMissingMet || offlineMet
		if !shouldFinalize {
			if !active && !d.waitingForResumeLogged {
				d.log.Info("print interrupted, waiting for resume",
					zap.String("state", string(st.Status)),
					zap.String("job", d.activeJob))
				d.waitingForResumeLogged = true
			}
			return
		}

		d.log.Info("finalizing timelapse",
			zap.Bool("force", forceFinalize),
			zap.Bool("layers_complete", layersComplete),
			zap.Bool("progress_complete", progressComplete),
			zap.Bool("idle", idleMet),
			zap.Bool("job_missing", jobMissingMet),
			zap.Bool("offline", offlineMet))

		if !forceFinalize && d.opts.EndStreamAfterPrint && d.stream.Broadcasting() {
			if ok, msg := d.stream.StopBroadcast(ctx); !ok {
				d.log.Warn("failed to stop broadcast after print", zap.String("message", msg))
			}
		}

		if d.activeSession != "" {
			d.finalize(ctx, d.activeSession)
		} else {
			for _, id := range pending {
				d.finalize(ctx, id)
			}
		}

		d.activeSession = ""
		d.activeJob = ""
		d.jobMissingSince = time.Time{}
		d.idleStateSince = time.Time{}
		d.lastPrintingSeenAt = time.Time{}
		// A job change finalizes the old session and immediately falls
		// through so the new job's session starts on this same event.
		forceFinalize = false
	}

	if forceFinalize || !active || d.activeSession != "" {
		return
	}

	d.mu.Lock()
	marker := d.finalizedForJob
	d.mu.Unlock()
	if st.Filename != "" && strings.EqualFold(st.Filename, marker) {
		return
	}

	d.startSession(ctx, st)
}

func (d *PrintOrchestrator) startSession(ctx context.Context, st models.PrinterState) {
	safe := sanitizeJobName(st.Filename)
	id, err := d.sessions.Start(ctx, safe, st.Filename)
	if err != nil {
		d.log.Error("failed to start timelapse session",
			zap.String("job", st.Filename), zap.Error(err))
		return
	}

	d.activeSession = id
	d.activeJob = st.Filename
	d.lastLayerTriggered = false
	if st.Filename != "" {
		d.mu.Lock()
		d.sessionJobs[id] = st.Filename
		d.mu.Unlock()
	}

	d.log.Info("timelapse session active",
		zap.String("session", id), zap.String("job", st.Filename))

	if d.opts.AutoBroadcast && !d.stream.Broadcasting() {
		ok, msg, broadcastID := d.stream.StartBroadcast(ctx)
		if !ok {
			d.log.Warn("failed to start broadcast", zap.String("message", msg))
		} else {
			d.log.Info("broadcast requested", zap.String("broadcast_id", broadcastID))
		}
	}
}

// finalize stops the session, settles the finalized-job marker, removes the
// session from the job map and hands the video to the uploader. The map
// entry is removed only after Stop returns; until then the session counts
// as mid-finalize. The claim set keeps a session from being finalized twice
// when the last-layer path and the finalize evaluation race on one event.
func (d *PrintOrchestrator) finalize(ctx context.Context, sessionID string) {
	d.mu.Lock()
	if d.finalizing[sessionID] {
		d.mu.Unlock()
		return
	}
	d.finalizing[sessionID] = true
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		delete(d.finalizing, sessionID)
		d.mu.Unlock()
	}()

	video, err := d.sessions.Stop(ctx, sessionID)
	if err != nil {
		d.log.Error("timelapse finalize failed",
			zap.String("session", sessionID), zap.Error(err))
	}

	d.mu.Lock()
	job := d.sessionJobs[sessionID]
	if d.finalizedForJob == "" && job != "" {
		d.finalizedForJob = job
	}
	delete(d.sessionJobs, sessionID)
	d.mu.Unlock()

	if video != "" && d.uploader != nil {
		if err := d.uploader.Upload(ctx, video, job); err != nil {
			d.log.Warn("timelapse upload failed",
				zap.String("video", video), zap.Error(err))
		}
	}
}

// pendingSessions returns sessions in the job map whose job matches the
// given filename. Used when the active pointer was already cleared by
// concurrent work.
func (d *PrintOrchestrator) pendingSessions(filename string) []string {
	if filename == "" {
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []string
	for id, job := range d.sessionJobs {
		if strings.EqualFold(job, filename) {
			out = append(out, id)
		}
	}
	return out
}

func (d *PrintOrchestrator) lastLayerReached(st models.PrinterState) bool {
	if st.Remaining > 0 && st.Remaining <= d.opts.LastLayerRemaining {
		return true
	}
	if st.ProgressPercent >= d.opts.LastLayerProgress {
		return true
	}
	if st.TotalLayers > 0 && st.CurrentLayer >= st.TotalLayers-d.opts.LastLayerOffset {
		return true
	}
	return false
}

// sanitizeJobName maps a job filename to a filesystem-safe session name.
func sanitizeJobName(filename string) string {
	var b strings.Builder
	for _, r := range filename {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9',
			r == '.', r == '-', r == '_':
			b.WriteRune(r)
		case r == ' ':
			b.WriteRune('_')
		}
	}
	safe := strings.Trim(b.String(), "._")
	if safe == "" {
		return "printing_" + time.Now().UTC().Format("20060102_150405")
	}
	return safe
}
