package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"printcast/pkg/models"
)

type fakeSessions struct {
	mu       sync.Mutex
	nextID   int
	starts   []string // job filenames passed to Start
	stops    []string // session ids passed to Stop
	videoFor map[string]string
}

func newFakeSessions() *fakeSessions {
	return &fakeSessions{videoFor: map[string]string{}}
}

func (f *fakeSessions) Start(ctx context.Context, jobNameSafe, jobFilename string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	id := fmt.Sprintf("session-%d", f.nextID)
	f.starts = append(f.starts, jobFilename)
	return id, nil
}

func (f *fakeSessions) NotifyProgress(ctx context.Context, id string, cur, total int) {}

func (f *fakeSessions) NotifyPrinterState(id string, state models.PrinterStatus) {}

func (f *fakeSessions) Stop(ctx context.Context, id string) (string, error) {
	// Finalizing a real session takes time; keeping the fake slower than the
	// event handler makes background-finalize interleavings deterministic.
	time.Sleep(10 * time.Millisecond)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops = append(f.stops, id)
	return f.videoFor[id], nil
}

func (f *fakeSessions) startCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.starts)
}

func (f *fakeSessions) stopCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.stops)
}

type fakeStream struct {
	mu           sync.Mutex
	broadcasting bool
	startCalls   int
	stopCalls    int
}

func (f *fakeStream) StartBroadcast(ctx context.Context) (bool, string, string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.startCalls++
	f.broadcasting = true
	return true, "broadcast started", "bcast-1"
}

func (f *fakeStream) StopBroadcast(ctx context.Context) (bool, string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopCalls++
	f.broadcasting = false
	return true, "broadcast ended"
}

func (f *fakeStream) Broadcasting() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.broadcasting
}

func newTestOrchestrator(t *testing.T) (*PrintOrchestrator, *fakeSessions, *fakeStream) {
	t.Helper()
	sessions := newFakeSessions()
	stream := &fakeStream{}
	d := NewPrintOrchestrator(sessions, stream, nil, PrintOptions{
		AutoBroadcast:       true,
		EndStreamAfterPrint: true,
	}, zap.NewNop())
	return d, sessions, stream
}

func printing(file string, layer, total int, progress float64) models.PrinterState {
	return models.PrinterState{
		Status:          models.StatusPrinting,
		Filename:        file,
		CurrentLayer:    layer,
		TotalLayers:     total,
		ProgressPercent: progress,
	}
}

func TestNormalPrintWithAutoBroadcast(t *testing.T) {
	d, sessions, stream := newTestOrchestrator(t)
	ctx := context.Background()
	base := time.Now()

	d.HandlePrinterState(ctx, models.PrinterState{Status: models.StatusIdle}, base)
	require.Equal(t, 0, sessions.startCount())

	d.HandlePrinterState(ctx, printing("a.gcode", 1, 100, 1), base.Add(time.Second))
	require.Equal(t, 1, sessions.startCount())
	require.Equal(t, 1, stream.startCalls)
	require.True(t, stream.Broadcasting())

	d.HandlePrinterState(ctx, printing("a.gcode", 50, 100, 50), base.Add(time.Minute))
	require.Equal(t, 1, sessions.startCount())
	require.Equal(t, 1, stream.startCalls)

	// Progress 98.7 crosses the last-layer threshold: the session finalizes
	// asynchronously and the active pointers clear.
	d.HandlePrinterState(ctx, printing("a.gcode", 99, 100, 98.7), base.Add(2*time.Minute))
	assert.Empty(t, d.activeSession)
	assert.Empty(t, d.activeJob)

	require.Eventually(t, func() bool { return sessions.stopCount() == 1 },
		time.Second, 10*time.Millisecond)
	require.Equal(t, 1, stream.stopCalls, "broadcast should end after print")

	d.mu.Lock()
	marker := d.finalizedForJob
	d.mu.Unlock()
	assert.Equal(t, "a.gcode", marker)

	// The completion event must not finalize a second time or start a new
	// session for the already-finalized job.
	d.HandlePrinterState(ctx, models.PrinterState{
		Status:          models.StatusComplete,
		Filename:        "a.gcode",
		ProgressPercent: 100,
	}, base.Add(3*time.Minute))

	assert.Equal(t, 1, sessions.stopCount())
	assert.Equal(t, 1, sessions.startCount())
}

func TestJobChangeForcesFinalizeAndStartsNewSession(t *testing.T) {
	d, sessions, stream := newTestOrchestrator(t)
	ctx := context.Background()
	base := time.Now()

	d.HandlePrinterState(ctx, printing("a.gcode", 5, 100, 5), base)
	require.Equal(t, 1, sessions.startCount())
	firstSession := d.activeSession

	d.HandlePrinterState(ctx, printing("b.gcode", 1, 200, 0.5), base.Add(time.Second))

	require.Equal(t, []string{firstSession}, sessions.stops)
	require.Equal(t, 2, sessions.startCount())
	assert.Equal(t, "b.gcode", sessions.starts[1])
	assert.Equal(t, "b.gcode", d.activeJob)

	// A job change keeps the broadcast running.
	assert.Equal(t, 0, stream.stopCalls)
}

func TestOfflineGraceFinalizesSession(t *testing.T) {
	d, sessions, stream := newTestOrchestrator(t)
	ctx := context.Background()
	base := time.Now()

	d.HandlePrinterState(ctx, printing("a.gcode", 10, 100, 10), base)
	require.Equal(t, 1, sessions.startCount())

	// Printer goes dark; eleven minutes later the poller reports unknown.
	d.HandlePrinterState(ctx, models.PrinterState{Status: models.StatusUnknown}, base.Add(11*time.Minute))

	require.Equal(t, 1, sessions.stopCount())
	assert.Empty(t, d.activeSession)
	assert.Equal(t, 1, stream.stopCalls)
}

func TestFinalizedJobBlocksRestartUntilNewFilename(t *testing.T) {
	d, sessions, _ := newTestOrchestrator(t)
	ctx := context.Background()
	base := time.Now()

	d.HandlePrinterState(ctx, printing("a.gcode", 5, 100, 5), base)
	require.Equal(t, 1, sessions.startCount())

	// Force completion via progress.
	d.HandlePrinterState(ctx, printing("a.gcode", 100, 100, 99.5), base.Add(time.Minute))
	require.Eventually(t, func() bool { return sessions.stopCount() == 1 },
		time.Second, 10*time.Millisecond)

	// Same filename again: no new session.
	d.HandlePrinterState(ctx, printing("a.gcode", 1, 100, 1), base.Add(2*time.Minute))
	assert.Equal(t, 1, sessions.startCount())

	// A different filename clears the marker and starts fresh.
	d.HandlePrinterState(ctx, printing("other.gcode", 1, 50, 1), base.Add(3*time.Minute))
	assert.Equal(t, 2, sessions.startCount())
}

func TestIdleDelayFinalizes(t *testing.T) {
	d, sessions, _ := newTestOrchestrator(t)
	ctx := context.Background()
	base := time.Now()

	d.HandlePrinterState(ctx, printing("a.gcode", 5, 100, 5), base)

	// Paused: below every finalize threshold, logged as waiting for resume.
	d.HandlePrinterState(ctx, models.PrinterState{
		Status: models.StatusPaused, Filename: "a.gcode", CurrentLayer: 5, TotalLayers: 100,
	}, base.Add(time.Minute))
	require.Equal(t, 0, sessions.stopCount())

	// Idle for less than the delay: still waiting.
	d.HandlePrinterState(ctx, models.PrinterState{
		Status: models.StatusIdle, Filename: "a.gcode",
	}, base.Add(2*time.Minute))
	require.Equal(t, 0, sessions.stopCount())

	// Past the idle finalize delay the session closes.
	d.HandlePrinterState(ctx, models.PrinterState{
		Status: models.StatusIdle, Filename: "a.gcode",
	}, base.Add(2*time.Minute+25*time.Second))
	require.Equal(t, 1, sessions.stopCount())
}

func TestAtMostOneActiveSession(t *testing.T) {
	d, sessions, _ := newTestOrchestrator(t)
	ctx := context.Background()
	base := time.Now()

	for i := 1; i <= 20; i++ {
		d.HandlePrinterState(ctx, printing("a.gcode", i, 100, float64(i)), base.Add(time.Duration(i)*time.Second))
	}
	assert.Equal(t, 1, sessions.startCount())
}

func TestEmptyFilenameStartsSessionWithGeneratedName(t *testing.T) {
	d, sessions, _ := newTestOrchestrator(t)
	ctx := context.Background()

	d.HandlePrinterState(ctx, printing("", 1, 0, 0), time.Now())
	require.Equal(t, 1, sessions.startCount())
	assert.Equal(t, "", sessions.starts[0])
	assert.NotEmpty(t, d.activeSession)
	assert.Empty(t, d.activeJob)
}

func TestSanitizeJobName(t *testing.T) {
	assert.Equal(t, "my_part.gcode", sanitizeJobName("my part.gcode"))
	assert.Equal(t, "abc123", sanitizeJobName("a/b\\c:1*2?3"))
	assert.Contains(t, sanitizeJobName(""), "printing_")
	assert.Contains(t, sanitizeJobName("///"), "printing_")
}
