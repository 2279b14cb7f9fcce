package engine

import (
	"fmt"
	"time"

	"github.com/ehrlich-b/go-ioa/internal/arena"
	"github.com/ehrlich-b/go-ioa/internal/logging"
	"github.com/ehrlich-b/go-ioa/internal/scsi"
	"github.com/ehrlich-b/go-ioa/internal/trace"
	"github.com/ehrlich-b/go-ioa/internal/wire"
)

// completeIndex is called for each handle drained from the response queue
func (a *Adapter) completeIndex(index int) {
	c, err := a.arena.Lookup(index)
	if err != nil {
		return
	}
	if c.List() != arena.ListPending {
		a.logger.WithCommand(index, opName(a.states[index].op)).Warn("completion for idle context", "list", c.List().String())
		return
	}
	if err := wire.UnmarshalStatus(c.StatusBuf[:], &c.Status); err != nil {
		a.cmdLog(c, &a.states[index]).WithError(err).Error("unreadable status block")
		return
	}
	a.complete(c)
}

// complete dispatches a finished context, real or synthetic, to its owner
func (a *Adapter) complete(c *arena.Cmd) {
	st := &a.states[c.Index]
	a.disarm(st)
	switch st.kind {
	case kindIO:
		a.completeIO(c, st)
	case kindERP:
		a.erpComplete(c, st)
	case kindJob:
		a.completeJobCmd(c, st)
	case kindHCAM:
		a.completeHCAM(c, st)
	case kindTM:
		a.completeTM(c, st)
	default:
		a.release(c)
	}
}

// failAll retires every pending context with a synthetic status. Caller
// commands see it through their normal callback.
func (a *Adapter) failAll(ioasc uint32) {
	pending := a.arena.Pending()
	if len(pending) > 0 {
		a.logger.Info("failing outstanding commands", "count", len(pending), "ioasc", ioasc)
	}
	for _, c := range pending {
		st := &a.states[c.Index]
		if st.kind == kindJob {
			a.release(c)
			continue
		}
		c.Status = wire.Status{IOASC: ioasc}
		a.complete(c)
	}
}

func (a *Adapter) completeIO(c *arena.Cmd, st *cmdState) {
	s := c.Status
	if s.SCSIStatus == scsi.SamStatCheckCondition && !adapterLost(s.IOASC) {
		a.startERP(c, st)
		return
	}
	code := a.classify(st, &s)
	if code == ResultBusReset && wire.IsBusReset(s.IOASC) {
		a.busReset(c, st.addr.Bus)
	}
	a.retire(c, st, Result{
		Code:       code,
		IOASC:      s.IOASC,
		SCSIStatus: s.SCSIStatus,
		Residual:   s.Residual,
	})
}

// adapterLost reports statuses generated because the adapter went away
func adapterLost(ioasc uint32) bool {
	return ioasc == wire.IOASCIOAWasReset || ioasc == wire.IOASCIOANoConnection
}

// classify maps a final status to the caller-visible result
func (a *Adapter) classify(st *cmdState, s *wire.Status) ResultCode {
	switch {
	case s.OK():
		return ResultOK
	case s.IOASC == wire.IOASCIOAWasReset:
		return ResultWasReset
	case s.IOASC == wire.IOASCIOANoConnection:
		return ResultNoConnection
	case wire.IsBusReset(s.IOASC):
		return ResultBusReset
	case wire.IsAborted(s.IOASC):
		return ResultAborted
	case st.disrupted:
		return ResultBusReset
	default:
		return ResultError
	}
}

// busReset warns every other command on the bus and the presence
// collaborator that the bus was reset
func (a *Adapter) busReset(from *arena.Cmd, bus uint8) {
	a.obs.ObserveBusReset()
	a.cmdLog(from, &a.states[from.Index]).Warn("bus was reset", "bus", bus)
	for _, c := range a.arena.Pending() {
		st := &a.states[c.Index]
		if c != from && (st.kind == kindIO || st.kind == kindERP) && st.addr.Bus == bus {
			st.disrupted = true
		}
	}
	p := a.presence
	a.later(func() { p.BusReset(bus) })
}

// finish releases the caller's resources and schedules its callback
func (a *Adapter) finish(c *arena.Cmd, st *cmdState, res Result) {
	if st.mapping != nil {
		a.builder.Unmap(st.mapping)
		st.mapping = nil
	}
	a.trace.Add(trace.Entry{
		Kind:   trace.KindFinish,
		Index:  c.Index,
		Op:     st.op,
		Addr:   st.addr,
		Result: res.IOASC,
	})
	a.obs.ObserveCommand(st.op, st.bytes, time.Since(st.start), res.Code)
	done := st.done
	st.done = nil
	if done != nil {
		a.later(func() { done(res) })
	}
}

// retire delivers res and returns the context to the free list
func (a *Adapter) retire(c *arena.Cmd, st *cmdState, res Result) {
	a.finish(c, st, res)
	a.release(c)
}

// orphan delivers res but leaves the context pending until the adapter
// answers it or the next reset reclaims it
func (a *Adapter) orphan(c *arena.Cmd, st *cmdState, res Result) {
	a.finish(c, st, res)
	st.kind = kindOrphan
}

// cmdLog returns a logger scoped to one context and its target
func (a *Adapter) cmdLog(c *arena.Cmd, st *cmdState) *logging.Logger {
	return a.logger.WithResource(st.addr.String()).WithCommand(c.Index, opName(st.op))
}

// opName names SCSI opcodes and falls back to hex for adapter commands
func opName(op uint8) string {
	if name := scsi.OpName(op); name != "OTHER" {
		return name
	}
	return fmt.Sprintf("%#02x", op)
}
