package engine

import (
	"errors"
	"time"

	"github.com/ehrlich-b/go-ioa/internal/arena"
)

// Every timer carries the arm sequence it was created with. A timer that
// fires after its context was completed, rearmed or reused sees a newer
// sequence and does nothing.

// arm starts the deadline of an outstanding context. d <= 0 means none.
func (a *Adapter) arm(c *arena.Cmd, d time.Duration) {
	st := &a.states[c.Index]
	a.disarm(st)
	if d <= 0 {
		return
	}
	index, seq := c.Index, st.armSeq
	st.timer = time.AfterFunc(d, func() { a.onTimeout(index, seq) })
}

// disarm cancels a context's deadline
func (a *Adapter) disarm(st *cmdState) {
	if st.timer != nil {
		st.timer.Stop()
		st.timer = nil
	}
	st.armSeq++
}

func (a *Adapter) onTimeout(index int, seq uint64) {
	a.mu.Lock()
	defer a.unlock()

	st := &a.states[index]
	if st.armSeq != seq {
		return
	}
	st.timer = nil
	c, err := a.arena.Lookup(index)
	if err != nil || c.List() != arena.ListPending {
		return
	}

	switch st.kind {
	case kindIO:
		a.ioTimeout(c, st)
	case kindERP:
		a.erpTimeout(c, st)
	case kindJob:
		a.jobCmdTimeout(c, st)
	case kindTM:
		a.tmTimeout(c, st)
	}
}

// ioTimeout starts the abort escalation for a caller command. The command
// stays pending; it finishes through the adapter's answer to the abort or
// device reset, or through the adapter reset that follows.
func (a *Adapter) ioTimeout(c *arena.Cmd, st *cmdState) {
	st.timedOut = true
	a.logger.WithResource(st.addr.String()).CommandTimeout(c.Index, opName(st.op), "io")
	if !a.commandsAllowed {
		return
	}
	a.escalate(Tag{Index: c.Index, Seq: c.Seq}, false)
}

// escalate aborts a hung context off the lock. When the abort path cannot
// run and the context is still outstanding afterwards, the adapter is
// reset so the context is not stranded. orphans allows the victim to be a
// context whose caller was already answered.
func (a *Adapter) escalate(tag Tag, orphans bool) {
	go func() {
		err := a.abort(tag, orphans)
		if err == nil || errors.Is(err, ErrDead) || errors.Is(err, ErrDetached) {
			return
		}
		a.mu.Lock()
		defer a.unlock()
		c, lerr := a.arena.Lookup(tag.Index)
		if lerr != nil || c.Seq != tag.Seq || c.List() != arena.ListPending || a.job.active {
			return
		}
		a.logger.WithCommand(tag.Index, opName(a.states[tag.Index].op)).WithError(err).
			Error("timeout escalation failed, resetting adapter")
		a.initiateReset(ShutdownNone, "timeout escalation failed")
	}()
}
