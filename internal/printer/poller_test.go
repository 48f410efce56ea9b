package printer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"printcast/internal/metrics"
	"printcast/pkg/models"
)

type scriptedSource struct {
	mu     sync.Mutex
	states []models.PrinterState
	errs   []error
	calls  int
}

func (s *scriptedSource) Status(ctx context.Context) (models.PrinterState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.calls
	s.calls++
	if i >= len(s.states) {
		i = len(s.states) - 1
	}
	var err error
	if i < len(s.errs) {
		err = s.errs[i]
	}
	return s.states[i], err
}

type recordingSub struct {
	mu     sync.Mutex
	events []models.PrinterState
}

func (r *recordingSub) HandlePrinterState(_ context.Context, state models.PrinterState, _ time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, state)
}

func (r *recordingSub) snapshot() []models.PrinterState {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]models.PrinterState, len(r.events))
	copy(out, r.events)
	return out
}

func TestEmitSuppressesEquivalentStates(t *testing.T) {
	p := NewPoller(nil, time.Second, zap.NewNop(), metrics.Nop())
	sub := &recordingSub{}
	p.Subscribe(sub)

	ctx := context.Background()
	printing := models.PrinterState{Status: models.StatusPrinting, Filename: "a.gcode", CurrentLayer: 5, ProgressPercent: 10}
	p.emit(ctx, printing, time.Now())
	p.emit(ctx, printing, time.Now())
	p.emit(ctx, printing, time.Now())

	assert.Len(t, sub.snapshot(), 1)
}

func TestEmitDeliversLayerAdvance(t *testing.T) {
	p := NewPoller(nil, time.Second, zap.NewNop(), metrics.Nop())
	sub := &recordingSub{}
	p.Subscribe(sub)

	ctx := context.Background()
	st := models.PrinterState{Status: models.StatusPrinting, Filename: "a.gcode", CurrentLayer: 5}
	p.emit(ctx, st, time.Now())
	st.CurrentLayer = 6
	p.emit(ctx, st, time.Now())

	events := sub.snapshot()
	assert.Len(t, events, 2)
	assert.Equal(t, 6, events[1].CurrentLayer)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	p := NewPoller(nil, time.Second, zap.NewNop(), metrics.Nop())
	sub := &recordingSub{}
	unsub := p.Subscribe(sub)

	ctx := context.Background()
	p.emit(ctx, models.PrinterState{Status: models.StatusIdle}, time.Now())
	unsub()
	p.emit(ctx, models.PrinterState{Status: models.StatusPrinting}, time.Now())

	assert.Len(t, sub.snapshot(), 1)
}

func TestPollErrorEmitsUnknown(t *testing.T) {
	src := &scriptedSource{
		states: []models.PrinterState{{}},
		errs:   []error{errors.New("connection refused")},
	}
	p := NewPoller(src, time.Second, zap.NewNop(), metrics.Nop())
	sub := &recordingSub{}
	p.Subscribe(sub)

	p.pollOnce(context.Background())

	events := sub.snapshot()
	assert.Len(t, events, 1)
	assert.Equal(t, models.StatusUnknown, events[0].Status)
	assert.Empty(t, events[0].Filename)
}

func TestRunStopsOnContextCancel(t *testing.T) {
	src := &scriptedSource{states: []models.PrinterState{{Status: models.StatusIdle}}}
	p := NewPoller(src, 10*time.Millisecond, zap.NewNop(), metrics.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()

	time.Sleep(30 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("poller did not stop after cancellation")
	}
}
