package engine

import (
	"context"

	"github.com/ehrlich-b/go-ioa/internal/interfaces"
	"github.com/ehrlich-b/go-ioa/internal/restable"
)

// kickWorker wakes the presence worker without blocking
func (a *Adapter) kickWorker() {
	select {
	case a.wake <- struct{}{}:
	default:
	}
}

// worker hands pending resource entries to the presence collaborator
// outside the adapter lock
func (a *Adapter) worker(ctx context.Context) {
	defer a.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-a.wake:
			a.handOff()
		}
	}
}

type handOffResult struct {
	h   restable.Handoff
	dev interfaces.LogicalDevice
	ok  bool
}

func (a *Adapter) handOff() {
	a.mu.Lock()
	if a.state == StateDetached {
		a.unlock()
		return
	}
	work := a.table.Pending()
	a.unlock()
	if len(work) == 0 {
		return
	}

	results := make([]handOffResult, 0, len(work))
	failed := false
	for _, h := range work {
		log := a.logger.WithResource(h.Cfg.Addr.String())
		switch h.Op {
		case restable.OpAnnounce:
			dev, err := a.presence.Announce(h.Cfg)
			ok := err == nil && dev != nil
			if !ok {
				log.WithError(err).Warn("announce failed")
				failed = true
			} else {
				log.Info("device announced", "vendor", h.Cfg.Vendor, "product", h.Cfg.Product)
			}
			results = append(results, handOffResult{h: h, dev: dev, ok: ok})
		case restable.OpWithdraw:
			if h.Dev != nil {
				a.presence.Withdraw(h.Dev)
			}
			log.Info("device withdrawn")
			results = append(results, handOffResult{h: h, ok: true})
		}
	}

	a.mu.Lock()
	for _, r := range results {
		a.table.Commit(r.h, r.dev, r.ok)
	}
	// Entries that changed during the hand-off need another pass. Failed
	// announces wait for the next reset or configuration change.
	if !failed && a.table.HasPending() {
		a.kickWorker()
	}
	a.unlock()
}
