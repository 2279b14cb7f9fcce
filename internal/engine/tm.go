package engine

import (
	"errors"
	"fmt"
	"time"

	"github.com/ehrlich-b/go-ioa/internal/arena"
	"github.com/ehrlich-b/go-ioa/internal/ctrl"
	"github.com/ehrlich-b/go-ioa/internal/interfaces"
	"github.com/ehrlich-b/go-ioa/internal/wire"
)

// tmOutcome is what a task management command reports to its waiter
type tmOutcome struct {
	status   wire.Status
	timedOut bool
}

// tmAllowed reports whether task management may run. Must hold a.mu.
func (a *Adapter) tmAllowed() error {
	switch a.state {
	case StateDead:
		return ErrDead
	case StateDetached:
		return ErrDetached
	case StateInit:
		return ErrBusy
	}
	return nil
}

// issueTM sends a task management command on dedicated context slot.
// Must hold a.mu.
func (a *Adapter) issueTM(slot int, build func(*wire.Request), timeout time.Duration) (<-chan tmOutcome, error) {
	c := a.arena.Dedicated(slot)
	if err := a.arena.Claim(c); err != nil {
		return nil, ErrBusy
	}
	ch := make(chan tmOutcome, 1)
	st := &a.states[c.Index]
	st.kind = kindTM
	st.tm = ch
	build(&c.Req)
	st.op = c.Req.Opcode()
	if err := a.submit(c); err != nil {
		a.release(c)
		return nil, fmt.Errorf("%w: %v", ErrFailed, err)
	}
	a.arm(c, timeout)
	return ch, nil
}

func (a *Adapter) completeTM(c *arena.Cmd, st *cmdState) {
	ch := st.tm
	out := tmOutcome{status: c.Status}
	a.release(c)
	if ch != nil {
		ch <- out
	}
}

// tmTimeout wakes the waiter. The context stays pending until the adapter
// answers or the escalation's reset reclaims it.
func (a *Adapter) tmTimeout(c *arena.Cmd, st *cmdState) {
	a.logger.CommandTimeout(c.Index, opName(st.op), "tm")
	ch := st.tm
	st.tm = nil
	st.kind = kindOrphan
	if ch != nil {
		ch <- tmOutcome{timedOut: true}
	}
}

// Abort asks the adapter to terminate one outstanding command. The command
// itself finishes through its callback. If the abort gets no answer in
// time the device is reset; if that also hangs the adapter is reset.
// Aborting a command that already finished is not an error.
func (a *Adapter) Abort(tag Tag) error {
	return a.abort(tag, false)
}

// abort does the work of Abort. orphans also accepts a context whose
// caller was already answered but which the adapter still holds.
func (a *Adapter) abort(tag Tag, orphans bool) error {
	a.tmMu.Lock()
	defer a.tmMu.Unlock()

	a.mu.Lock()
	if err := a.tmAllowed(); err != nil {
		a.unlock()
		return err
	}
	c, err := a.arena.Lookup(tag.Index)
	if err != nil {
		a.unlock()
		return fmt.Errorf("abort: %w", err)
	}
	st := &a.states[c.Index]
	victimKind := st.kind == kindIO || st.kind == kindERP || (orphans && st.kind == kindOrphan)
	if c.Seq != tag.Seq || c.List() != arena.ListPending || !victimKind {
		a.unlock()
		return nil
	}
	if a.job.active {
		// The reset retires it
		a.unlock()
		return nil
	}
	resHandle, addr := st.resHandle, st.addr
	victim := uint32(c.Index)
	log := a.cmdLog(c, st)
	log.Info("aborting command")
	ch, err := a.issueTM(tmAbort, func(req *wire.Request) {
		ctrl.AbortTask(req, resHandle, victim)
	}, a.params.Timeouts.Abort)
	a.unlock()
	if errors.Is(err, ErrBusy) {
		// An earlier abort that timed out still holds the slot. Its
		// device reset gives the slot back.
		log.Warn("abort slot held, resetting device")
		return a.resetDevice(addr)
	}
	if err != nil {
		return err
	}

	out := <-ch
	if out.timedOut {
		a.obs.ObserveAbort(false)
		log.Warn("abort timed out, resetting device")
		return a.resetDevice(addr)
	}
	switch {
	case out.status.OK(), out.status.IOASC == wire.IOASCIOAWasReset:
		a.obs.ObserveAbort(true)
		return nil
	case out.status.IOASC == wire.IOASCIOANoConnection:
		a.obs.ObserveAbort(false)
		return ErrDead
	default:
		a.obs.ObserveAbort(false)
		return fmt.Errorf("%w: abort ioasc=%#08x", ErrFailed, out.status.IOASC)
	}
}

// ResetDevice resets one device. New commands for it are refused with
// QueueBusy until the reset finishes. If the device reset hangs the whole
// adapter is reset.
func (a *Adapter) ResetDevice(dev interfaces.LogicalDevice) error {
	a.tmMu.Lock()
	defer a.tmMu.Unlock()

	a.mu.Lock()
	e := a.table.LookupDevice(dev)
	if e == nil {
		a.unlock()
		return ErrNoDevice
	}
	addr := e.Addr()
	a.unlock()
	return a.resetDevice(addr)
}

// resetDevice does the work of ResetDevice. Must hold a.tmMu.
func (a *Adapter) resetDevice(addr wire.ResAddr) error {
	log := a.logger.WithResource(addr.String())

	a.mu.Lock()
	if err := a.tmAllowed(); err != nil {
		a.unlock()
		return err
	}
	if a.job.active {
		a.unlock()
		return ErrBusy
	}
	e := a.table.Lookup(addr)
	if e == nil {
		a.unlock()
		return ErrNoDevice
	}
	resHandle := e.Cfg.ResHandle
	a.table.SetResetting(e, true)
	log.Info("resetting device")
	ch, err := a.issueTM(tmReset, func(req *wire.Request) {
		ctrl.ResetDevice(req, resHandle)
	}, a.params.Timeouts.DeviceReset)
	if err != nil {
		a.table.SetResetting(e, false)
		a.unlock()
		return err
	}
	a.unlock()

	out := <-ch

	a.mu.Lock()
	if e := a.table.Lookup(addr); e != nil {
		a.table.SetResetting(e, false)
	}
	if out.timedOut {
		log.Error("device reset timed out, resetting adapter")
		a.initiateReset(ShutdownNone, "device reset timed out")
		a.unlock()
		a.obs.ObserveDeviceReset(false)
		return ErrTimeout
	}
	a.unlock()

	switch {
	case out.status.OK(), out.status.IOASC == wire.IOASCIOAWasReset:
		a.obs.ObserveDeviceReset(true)
		return nil
	case out.status.IOASC == wire.IOASCIOANoConnection:
		a.obs.ObserveDeviceReset(false)
		return ErrDead
	default:
		a.obs.ObserveDeviceReset(false)
		return fmt.Errorf("%w: device reset ioasc=%#08x", ErrFailed, out.status.IOASC)
	}
}
