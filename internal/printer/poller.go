package printer

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"printcast/internal/metrics"
	"printcast/pkg/models"
)

// Subscriber receives printer state changes. Handlers are invoked from the
// poller's goroutine, one event at a time; a handler must return before the
// next poll result is delivered.
type Subscriber interface {
	HandlePrinterState(ctx context.Context, state models.PrinterState, at time.Time)
}

// StatusSource is the slice of the printer client the poller needs.
type StatusSource interface {
	Status(ctx context.Context) (models.PrinterState, error)
}

// Poller is the single producer of PrinterState events. It queries the
// printer on a fixed interval and emits a snapshot only when it differs from
// the previously emitted one by state, filename, layer or progress.
type Poller struct {
	source   StatusSource
	interval time.Duration
	log      *zap.Logger
	metrics  *metrics.Metrics

	mu   sync.Mutex
	subs map[int]Subscriber
	next int
	last *models.PrinterState
}

func NewPoller(source StatusSource, interval time.Duration, log *zap.Logger, m *metrics.Metrics) *Poller {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Poller{
		source:   source,
		interval: interval,
		log:      log.Named("poller"),
		metrics:  m,
		subs:     make(map[int]Subscriber),
	}
}

// Subscribe registers a subscriber and returns its unsubscribe function.
func (p *Poller) Subscribe(s Subscriber) func() {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := p.next
	p.next++
	p.subs[id] = s
	return func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		delete(p.subs, id)
	}
}

// Run blocks until ctx is cancelled.
func (p *Poller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.log.Info("printer poller started", zap.Duration("interval", p.interval))
	p.pollOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			p.log.Info("printer poller stopping")
			return
		case <-ticker.C:
			p.pollOnce(ctx)
		}
	}
}

func (p *Poller) pollOnce(ctx context.Context) {
	state, err := p.source.Status(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		p.metrics.PrinterPollErrors.Inc()
		p.log.Warn("printer poll failed", zap.Error(err))
		// An unreachable printer surfaces as an unknown state with no
		// filename so the offline-grace timers downstream keep running.
		state = models.PrinterState{Status: models.StatusUnknown}
	}

	p.emit(ctx, state, time.Now())
}

func (p *Poller) emit(ctx context.Context, state models.PrinterState, at time.Time) {
	p.mu.Lock()
	if p.last != nil && p.last.Equivalent(state) {
		p.mu.Unlock()
		return
	}
	snapshot := state
	p.last = &snapshot
	subs := make([]Subscriber, 0, len(p.subs))
	for _, s := range p.subs {
		subs = append(subs, s)
	}
	p.mu.Unlock()

	p.log.Debug("printer state changed",
		zap.String("state", string(state.Status)),
		zap.String("filename", state.Filename),
		zap.Int("layer", state.CurrentLayer),
		zap.Float64("progress", state.ProgressPercent))

	for _, s := range subs {
		s.HandlePrinterState(ctx, state, at)
	}
}
