package encoder

import (
	"fmt"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"printcast/internal/metrics"
	"printcast/pkg/models"
)

const defaultStopGrace = 5 * time.Second

// ExitHandler is invoked from the watch goroutine whenever an encoder child
// exits, expectedly or not. The handler decides whether it was a crash.
type ExitHandler func(instanceID string, err error)

// Instance is one owned encoder child process.
type Instance struct {
	ID   string
	Spec models.EncoderSpec

	cmd     *exec.Cmd
	exited  chan struct{}
	exitErr error
}

// Exited is closed once the child process has been reaped.
func (i *Instance) Exited() <-chan struct{} { return i.exited }

// ExitErr is valid after Exited is closed.
func (i *Instance) ExitErr() error { return i.exitErr }

// PID returns the child process id.
func (i *Instance) PID() int { return i.cmd.Process.Pid }

// Supervisor owns the single active encoder process: start, stop,
// exit-watch. Replacing the instance always completes the stop of the old
// one before the new child is launched.
type Supervisor struct {
	binPath   string
	stopGrace time.Duration
	log       *zap.Logger
	metrics   *metrics.Metrics

	handlerMu sync.Mutex
	onExit    ExitHandler

	// startMu serializes whole launch sequences so two concurrent Start
	// calls cannot each spawn a process and leak one.
	startMu sync.Mutex

	mu      sync.Mutex
	current *Instance
}

// NewSupervisor locates the encoder binary on PATH unless binPath overrides
// it.
func NewSupervisor(binPath string, log *zap.Logger, m *metrics.Metrics) (*Supervisor, error) {
	if binPath == "" {
		path, err := exec.LookPath("ffmpeg")
		if err != nil {
			return nil, fmt.Errorf("ffmpeg binary not found: %w", err)
		}
		binPath = path
	}

	return &Supervisor{
		binPath:   binPath,
		stopGrace: defaultStopGrace,
		log:       log.Named("encoder"),
		metrics:   m,
	}, nil
}

// SetExitHandler installs the exit notification callback.
func (s *Supervisor) SetExitHandler(h ExitHandler) {
	s.handlerMu.Lock()
	s.onExit = h
	s.handlerMu.Unlock()
}

// Start atomically swaps in a new encoder instance. The slot is read and
// cleared under the mutex; the old instance's shutdown runs without holding
// it, so Stop called from an exit handler cannot deadlock against Start.
func (s *Supervisor) Start(spec models.EncoderSpec) error {
	s.startMu.Lock()
	defer s.startMu.Unlock()

	s.mu.Lock()
	old := s.current
	s.current = nil
	s.mu.Unlock()

	if old != nil {
		s.shutdown(old)
	}

	args := BuildArgs(spec)
	cmd := exec.Command(s.binPath, args...)
	// Own process group so a stop can take the whole tree down.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		s.metrics.EncoderRunning.Set(0)
		return fmt.Errorf("failed to start encoder: %w", err)
	}

	inst := &Instance{
		ID:     uuid.NewString(),
		Spec:   spec,
		cmd:    cmd,
		exited: make(chan struct{}),
	}

	s.log.Info("encoder started",
		zap.String("instance", inst.ID),
		zap.Int("pid", cmd.Process.Pid),
		zap.String("destination", spec.Destination))

	go s.watch(inst)

	s.mu.Lock()
	s.current = inst
	s.mu.Unlock()
	s.metrics.EncoderRunning.Set(1)

	return nil
}

// Stop tears down the current instance, if any: graceful signal, bounded
// wait, then a kill of the entire process group.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	inst := s.current
	s.current = nil
	s.mu.Unlock()

	if inst != nil {
		s.shutdown(inst)
	}
	s.metrics.EncoderRunning.Set(0)
}

// IsRunning reports whether an instance exists whose child has not exited.
func (s *Supervisor) IsRunning() bool {
	s.mu.Lock()
	inst := s.current
	s.mu.Unlock()

	if inst == nil {
		return false
	}
	select {
	case <-inst.exited:
		return false
	default:
		return true
	}
}

func (s *Supervisor) watch(inst *Instance) {
	err := inst.cmd.Wait()
	inst.exitErr = err
	close(inst.exited)

	s.mu.Lock()
	wasCurrent := s.current == inst
	s.mu.Unlock()

	if wasCurrent {
		s.metrics.EncoderRunning.Set(0)
		s.log.Warn("encoder exited", zap.String("instance", inst.ID), zap.Error(err))
	} else {
		s.log.Debug("encoder exited after replacement", zap.String("instance", inst.ID))
	}

	s.handlerMu.Lock()
	h := s.onExit
	s.handlerMu.Unlock()
	if h != nil {
		h(inst.ID, err)
	}
}

func (s *Supervisor) shutdown(inst *Instance) {
	pid := inst.cmd.Process.Pid
	s.log.Info("stopping encoder", zap.String("instance", inst.ID), zap.Int("pid", pid))

	// Negative pid targets the whole process group.
	_ = syscall.Kill(-pid, syscall.SIGTERM)

	select {
	case <-inst.exited:
	case <-time.After(s.stopGrace):
		s.log.Warn("encoder did not exit in time, killing process tree",
			zap.String("instance", inst.ID))
		_ = syscall.Kill(-pid, syscall.SIGKILL)
		<-inst.exited
	}
}
