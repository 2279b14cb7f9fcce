package engine

import (
	"github.com/ehrlich-b/go-ioa/internal/interfaces"
)

// ServiceInterrupt drains the response queue and then acts on the
// interrupt cause register. It is called by the runner for every
// interrupt token.
func (a *Adapter) ServiceInterrupt() {
	a.mu.Lock()
	defer a.unlock()

	if !a.interruptsAllowed {
		return
	}

	n, err := a.ring.Drain(a.transport, a.arena.Len(), a.completeIndex)
	if n > 0 {
		a.transport.QueueUpdated()
		a.obs.ObserveDrain(n)
	}
	if err != nil {
		a.logger.WithError(err).Error("bad response queue entry", "cursor", a.ring.Cursor())
		a.initiateReset(ShutdownNone, "invalid response handle")
		return
	}

	// A completion above may have started a reset
	if !a.interruptsAllowed {
		return
	}
	cause := a.transport.InterruptCause()
	if cause == 0 {
		return
	}
	a.transport.ClearInterrupts(cause)
	a.handleCause(cause)
}

func (a *Adapter) handleCause(cause uint32) {
	switch {
	case cause&interfaces.CauseUnitCheck != 0:
		a.logger.Error("adapter unit check")
		a.unitCheck = true
		a.initiateReset(ShutdownNone, "unit check")
	case cause&interfaces.CauseFatal != 0:
		a.logger.Error("fatal adapter error", "cause", cause)
		a.initiateReset(ShutdownNone, "fatal adapter error")
	case cause&interfaces.CauseTransOper != 0:
		a.onTransOper()
	}
}
