package queue

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// PauseController holds the periodic drainer while paused. Manual drains ignore it.
type PauseController struct {
	mu     sync.Mutex
	cond   *sync.Cond
	paused bool
	logger *zap.Logger
}

// NewPauseController creates a running (unpaused) controller.
func NewPauseController(logger *zap.Logger) *PauseController {
	p := &PauseController{logger: logger}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// Pause stops the periodic drainer before its next pass.
func (p *PauseController) Pause() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.paused {
		p.paused = true
		p.logger.Info("queue paused")
	}
}

// Resume lets the periodic drainer continue.
func (p *PauseController) Resume() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.paused {
		p.paused = false
		p.logger.Info("queue resumed")
		p.cond.Broadcast()
	}
}

// Paused reports whether the drainer is paused.
func (p *PauseController) Paused() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.paused
}

// WaitIfPaused blocks until resumed or ctx is done.
func (p *PauseController) WaitIfPaused(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.paused {
		return nil
	}

	// One watcher wakes the waiter on cancellation.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			p.mu.Lock()
			p.cond.Broadcast()
			p.mu.Unlock()
		case <-done:
		}
	}()

	for p.paused {
		p.cond.Wait()
		if err := ctx.Err(); err != nil {
			return err
		}
	}
	return nil
}
