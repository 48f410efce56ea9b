package orchestrator

import (
	"context"
	"time"

	"go.uber.org/zap"
)

const mixWatchPeriod = 2 * time.Second

// MixWatcher polls the mix feature flag. On a true→false transition it
// terminates the encoder process tree and stops any active broadcast.
type MixWatcher struct {
	read   func() bool
	stream *StreamOrchestrator
	enc    EncoderControl
	log    *zap.Logger

	initialized bool
	last        bool
}

func NewMixWatcher(read func() bool, stream *StreamOrchestrator, enc EncoderControl, log *zap.Logger) *MixWatcher {
	return &MixWatcher{
		read:   read,
		stream: stream,
		enc:    enc,
		log:    log.Named("mixwatch"),
	}
}

// Run blocks until ctx is cancelled, sampling the flag every two seconds.
func (w *MixWatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(mixWatchPeriod)
	defer ticker.Stop()

	w.Check(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.Check(ctx)
		}
	}
}

// Check samples the flag once and reacts to a disable transition.
func (w *MixWatcher) Check(ctx context.Context) {
	v := w.read()
	defer func() {
		w.stream.SetMixEnabled(v)
		w.last = v
		w.initialized = true
	}()

	if !w.initialized || v || !w.last {
		return
	}

	w.log.Info("mix disabled, terminating encoder")
	w.enc.Stop()
	if w.stream.Broadcasting() {
		if ok, msg := w.stream.StopBroadcast(ctx); !ok {
			w.log.Warn("failed to stop broadcast on mix disable", zap.String("message", msg))
		}
	}
}
