package queue

import (
	"context"
	"sync"

	"github.com/ehrlich-b/go-ioa/internal/logging"
)

// Servicer handles one interrupt. It must not block on anything but its
// own lock.
type Servicer interface {
	ServiceInterrupt()
}

// Runner delivers interrupts from the transport's interrupt line to the
// engine on a dedicated goroutine
type Runner struct {
	irq    <-chan struct{}
	svc    Servicer
	logger *logging.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	serviced uint64
}

// Config configures a Runner
type Config struct {
	Interrupts <-chan struct{}
	Servicer   Servicer
	Logger     *logging.Logger
}

// NewRunner creates an interrupt runner
func NewRunner(ctx context.Context, config Config) *Runner {
	ctx, cancel := context.WithCancel(ctx)
	logger := config.Logger
	if logger == nil {
		logger = logging.Default()
	}
	return &Runner{
		irq:    config.Interrupts,
		svc:    config.Servicer,
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start begins servicing interrupts
func (r *Runner) Start() {
	r.wg.Add(1)
	go r.loop()
}

// Stop ends the loop and waits for an in-progress service to return
func (r *Runner) Stop() {
	r.cancel()
	r.wg.Wait()
}

// Serviced returns how many interrupts have been handled
func (r *Runner) Serviced() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.serviced
}

func (r *Runner) loop() {
	defer r.wg.Done()
	r.logger.Debug("interrupt loop starting")
	for {
		select {
		case <-r.ctx.Done():
			r.logger.Debug("interrupt loop stopping")
			return
		case _, ok := <-r.irq:
			if !ok {
				r.logger.Debug("interrupt line closed")
				return
			}
			r.svc.ServiceInterrupt()
			r.mu.Lock()
			r.serviced++
			r.mu.Unlock()
		}
	}
}
