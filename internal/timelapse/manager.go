package timelapse

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"printcast/internal/metrics"
	"printcast/pkg/models"
)

// SnapshotSource yields a single camera frame. The printer client provides
// the real implementation.
type SnapshotSource interface {
	Snapshot(ctx context.Context) ([]byte, error)
}

type session struct {
	id          string
	jobFilename string
	dir         string

	mu           sync.Mutex
	frames       int
	currentLayer int
	totalLayers  int
	paused       bool
	lastState    models.PrinterStatus
	lastCapture  time.Time
}

// Manager owns timelapse sessions: frame capture over a session's lifetime
// and finalization of the captured frames into a video file.
type Manager struct {
	snapshots SnapshotSource
	outputDir string
	framesDir string
	fps       int
	binPath   string
	// Layer changes arriving faster than this don't produce extra frames.
	minCaptureInterval time.Duration

	log     *zap.Logger
	metrics *metrics.Metrics

	mu       sync.Mutex
	sessions map[string]*session
}

func NewManager(snapshots SnapshotSource, outputDir, framesDir string, fps int, log *zap.Logger, m *metrics.Metrics) *Manager {
	if fps <= 0 {
		fps = 30
	}
	binPath, err := exec.LookPath("ffmpeg")
	if err != nil {
		binPath = "ffmpeg"
	}
	return &Manager{
		snapshots:          snapshots,
		outputDir:          outputDir,
		framesDir:          framesDir,
		fps:                fps,
		binPath:            binPath,
		minCaptureInterval: 2 * time.Second,
		log:                log.Named("timelapse"),
		metrics:            m,
		sessions:           make(map[string]*session),
	}
}

// Start opens a capture session. The session id is the sanitized job name,
// suffixed with a UTC timestamp when that id is already taken.
func (m *Manager) Start(ctx context.Context, jobNameSafe, jobFilename string) (string, error) {
	m.mu.Lock()
	id := jobNameSafe
	if _, taken := m.sessions[id]; taken {
		id = fmt.Sprintf("%s_%s", jobNameSafe, time.Now().UTC().Format("20060102_150405"))
	}
	dir := filepath.Join(m.framesDir, id)
	s := &session{id: id, jobFilename: jobFilename, dir: dir}
	m.sessions[id] = s
	m.mu.Unlock()

	if err := os.MkdirAll(dir, 0o755); err != nil {
		m.mu.Lock()
		delete(m.sessions, id)
		m.mu.Unlock()
		return "", fmt.Errorf("failed to create frames dir: %w", err)
	}

	m.metrics.SessionsStarted.Inc()
	m.log.Info("timelapse session started",
		zap.String("session", id), zap.String("job", jobFilename))

	// Capture an opening frame; failure is not fatal to the session.
	m.capture(ctx, s, time.Now())
	return id, nil
}

// NotifyProgress records a layer-progress update. Non-monotonic updates are
// discarded. A layer advance triggers a frame capture unless the session is
// paused or the last capture is too recent.
func (m *Manager) NotifyProgress(ctx context.Context, id string, currentLayer, totalLayers int) {
	s := m.lookup(id)
	if s == nil {
		return
	}

	s.mu.Lock()
	if currentLayer < s.currentLayer || (totalLayers > 0 && totalLayers < s.totalLayers) {
		s.mu.Unlock()
		return
	}
	advanced := currentLayer > s.currentLayer
	s.currentLayer = currentLayer
	if totalLayers > 0 {
		s.totalLayers = totalLayers
	}
	paused := s.paused
	last := s.lastCapture
	s.mu.Unlock()

	now := time.Now()
	if advanced && !paused && now.Sub(last) >= m.minCaptureInterval {
		m.capture(ctx, s, now)
	}
}

// NotifyPrinterState pauses capture while the printer is paused and resumes
// it when printing continues.
func (m *Manager) NotifyPrinterState(id string, state models.PrinterStatus) {
	s := m.lookup(id)
	if s == nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastState = state
	switch state {
	case models.StatusPaused:
		s.paused = true
	case models.StatusPrinting, models.StatusResuming:
		s.paused = false
	}
}

// Stop finalizes the session: the captured frames are encoded into a video
// and the frames directory removed. Returns the produced video path, or ""
// when no video could be produced.
func (m *Manager) Stop(ctx context.Context, id string) (string, error) {
	m.mu.Lock()
	s, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()

	if !ok {
		return "", fmt.Errorf("unknown timelapse session %q", id)
	}

	s.mu.Lock()
	frames := s.frames
	s.mu.Unlock()

	defer os.RemoveAll(s.dir)

	if frames == 0 {
		m.log.Info("timelapse session had no frames", zap.String("session", id))
		return "", nil
	}

	if err := os.MkdirAll(m.outputDir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create output dir: %w", err)
	}

	outPath, err := filepath.Abs(filepath.Join(m.outputDir, id+".mp4"))
	if err != nil {
		return "", err
	}

	args := []string{
		"-y",
		"-hide_banner",
		"-framerate", fmt.Sprintf("%d", m.fps),
		"-i", filepath.Join(s.dir, "frame_%06d.jpg"),
		"-c:v", "libx264",
		"-pix_fmt", "yuv420p",
		outPath,
	}
	cmd := exec.CommandContext(ctx, m.binPath, args...)
	if out, err := cmd.CombinedOutput(); err != nil {
		return "", fmt.Errorf("timelapse encode failed: %w: %s", err, string(out))
	}

	m.metrics.SessionsFinalized.Inc()
	m.log.Info("timelapse finalized",
		zap.String("session", id),
		zap.Int("frames", frames),
		zap.String("video", outPath))
	return outPath, nil
}

func (m *Manager) lookup(id string) *session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[id]
}

func (m *Manager) capture(ctx context.Context, s *session, at time.Time) {
	if m.snapshots == nil {
		return
	}

	data, err := m.snapshots.Snapshot(ctx)
	if err != nil {
		if ctx.Err() == nil {
			m.log.Warn("frame capture failed", zap.String("session", s.id), zap.Error(err))
		}
		return
	}

	s.mu.Lock()
	frame := s.frames
	s.frames++
	s.lastCapture = at
	s.mu.Unlock()

	path := filepath.Join(s.dir, fmt.Sprintf("frame_%06d.jpg", frame))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		m.log.Warn("failed to write frame", zap.String("session", s.id), zap.Error(err))
	}
}
