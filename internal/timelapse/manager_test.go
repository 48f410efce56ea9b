package timelapse

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"printcast/internal/metrics"
	"printcast/pkg/models"
)

type fakeSnapshots struct {
	err   error
	calls int
}

func (f *fakeSnapshots) Snapshot(ctx context.Context) ([]byte, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return []byte{0xFF, 0xD8, 0xFF, 0xE0}, nil
}

func newTestManager(t *testing.T, snaps SnapshotSource) *Manager {
	t.Helper()
	base := t.TempDir()
	m := NewManager(snaps, filepath.Join(base, "out"), filepath.Join(base, "frames"), 30, zap.NewNop(), metrics.Nop())
	m.minCaptureInterval = 0
	return m
}

func frameCount(t *testing.T, m *Manager, id string) int {
	t.Helper()
	s := m.lookup(id)
	require.NotNil(t, s)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frames
}

func TestStartCapturesOpeningFrame(t *testing.T) {
	snaps := &fakeSnapshots{}
	m := newTestManager(t, snaps)

	id, err := m.Start(context.Background(), "benchy.gcode", "benchy.gcode")
	require.NoError(t, err)
	assert.Equal(t, "benchy.gcode", id)
	assert.Equal(t, 1, snaps.calls)

	entries, err := os.ReadDir(filepath.Join(m.framesDir, id))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
	assert.Equal(t, "frame_000000.jpg", entries[0].Name())
}

func TestStartDuplicateIDGetsSuffix(t *testing.T) {
	m := newTestManager(t, &fakeSnapshots{})

	first, err := m.Start(context.Background(), "benchy.gcode", "benchy.gcode")
	require.NoError(t, err)
	second, err := m.Start(context.Background(), "benchy.gcode", "benchy.gcode")
	require.NoError(t, err)

	assert.NotEqual(t, first, second)
	assert.Contains(t, second, "benchy.gcode_")
}

func TestSnapshotFailureDoesNotKillSession(t *testing.T) {
	m := newTestManager(t, &fakeSnapshots{err: errors.New("camera offline")})

	id, err := m.Start(context.Background(), "a.gcode", "a.gcode")
	require.NoError(t, err)
	assert.Zero(t, frameCount(t, m, id))
}

func TestNotifyProgressCapturesOnLayerAdvance(t *testing.T) {
	snaps := &fakeSnapshots{}
	m := newTestManager(t, snaps)
	ctx := context.Background()

	id, err := m.Start(ctx, "a.gcode", "a.gcode")
	require.NoError(t, err)

	m.NotifyProgress(ctx, id, 1, 100)
	m.NotifyProgress(ctx, id, 2, 100)
	assert.Equal(t, 3, frameCount(t, m, id), "opening frame plus one per layer advance")

	// Same layer again: no new frame.
	m.NotifyProgress(ctx, id, 2, 100)
	assert.Equal(t, 3, frameCount(t, m, id))
}

func TestNotifyProgressDiscardsNonMonotonicUpdates(t *testing.T) {
	m := newTestManager(t, &fakeSnapshots{})
	ctx := context.Background()

	id, err := m.Start(ctx, "a.gcode", "a.gcode")
	require.NoError(t, err)
	m.NotifyProgress(ctx, id, 10, 100)
	before := frameCount(t, m, id)

	// Layer going backwards and total layers shrinking are both discarded.
	m.NotifyProgress(ctx, id, 5, 100)
	m.NotifyProgress(ctx, id, 10, 50)
	assert.Equal(t, before, frameCount(t, m, id))

	s := m.lookup(id)
	s.mu.Lock()
	assert.Equal(t, 10, s.currentLayer)
	assert.Equal(t, 100, s.totalLayers)
	s.mu.Unlock()
}

func TestPauseSuppressesCapture(t *testing.T) {
	m := newTestManager(t, &fakeSnapshots{})
	ctx := context.Background()

	id, err := m.Start(ctx, "a.gcode", "a.gcode")
	require.NoError(t, err)
	before := frameCount(t, m, id)

	m.NotifyPrinterState(id, models.StatusPaused)
	m.NotifyProgress(ctx, id, 1, 100)
	assert.Equal(t, before, frameCount(t, m, id), "no frames while paused")

	m.NotifyPrinterState(id, models.StatusResuming)
	m.NotifyProgress(ctx, id, 2, 100)
	assert.Equal(t, before+1, frameCount(t, m, id))
}

func TestStopWithNoFramesYieldsNoVideo(t *testing.T) {
	m := newTestManager(t, &fakeSnapshots{err: errors.New("camera offline")})
	ctx := context.Background()

	id, err := m.Start(ctx, "a.gcode", "a.gcode")
	require.NoError(t, err)
	dir := filepath.Join(m.framesDir, id)

	video, err := m.Stop(ctx, id)
	require.NoError(t, err)
	assert.Empty(t, video)

	_, err = os.Stat(dir)
	assert.True(t, os.IsNotExist(err), "frames dir removed on stop")
	assert.Nil(t, m.lookup(id), "session forgotten after stop")
}

func TestStopUnknownSessionErrors(t *testing.T) {
	m := newTestManager(t, &fakeSnapshots{})
	_, err := m.Stop(context.Background(), "never-started")
	assert.Error(t, err)
}

func TestNotificationsForUnknownSessionAreIgnored(t *testing.T) {
	m := newTestManager(t, &fakeSnapshots{})
	m.NotifyProgress(context.Background(), "ghost", 1, 100)
	m.NotifyPrinterState("ghost", models.StatusPaused)
}
