package engine

import (
	"fmt"

	"github.com/ehrlich-b/go-ioa/internal/arena"
	"github.com/ehrlich-b/go-ioa/internal/constants"
	"github.com/ehrlich-b/go-ioa/internal/ctrl"
	"github.com/ehrlich-b/go-ioa/internal/scsi"
	"github.com/ehrlich-b/go-ioa/internal/trace"
)

// Error recovery reuses the failing command's own context:
//
//	CANCEL-ALL (tagged queueing devices only) -> REQUEST-SENSE -> delivered
//
// A stage that fails still moves forward, so the chain always ends after
// at most two sub-commands.

func (a *Adapter) startERP(c *arena.Cmd, st *cmdState) {
	a.obs.ObserveERP()
	st.kind = kindERP
	st.orig = c.Status
	a.trace.Add(trace.Entry{Kind: trace.KindERP, Index: c.Index, Op: st.op, Addr: st.addr, Result: c.Status.IOASC})
	a.cmdLog(c, st).Debug("check condition, starting recovery", "tcq", st.tcq)
	if st.tcq {
		a.erpCancelAll(c, st)
		return
	}
	a.erpRequestSense(c, st)
}

func (a *Adapter) erpCancelAll(c *arena.Cmd, st *cmdState) {
	st.erp = erpCancelAll
	c.Reuse()
	ctrl.CancelAll(&c.Req, st.resHandle)
	if err := a.submit(c); err != nil {
		a.cmdLog(c, st).WithError(err).Warn("cancel all not issued")
		a.erpRequestSense(c, st)
		return
	}
	a.arm(c, a.params.Timeouts.CancelAll)
}

func (a *Adapter) erpRequestSense(c *arena.Cmd, st *cmdState) {
	st.erp = erpRequestSense
	c.Reuse()
	buf := a.sense[c.Index]
	clear(buf)
	ctrl.RequestSense(&c.Req, st.resHandle, a.senseAddr[c.Index], len(buf))
	if err := a.submit(c); err != nil {
		a.cmdLog(c, st).WithError(err).Warn("request sense not issued")
		a.retire(c, st, a.erpResult(st, nil))
		return
	}
	a.arm(c, a.params.Timeouts.RequestSense)
}

func (a *Adapter) erpComplete(c *arena.Cmd, st *cmdState) {
	s := c.Status
	if adapterLost(s.IOASC) {
		a.retire(c, st, Result{Code: a.classify(st, &s), IOASC: s.IOASC})
		return
	}
	if st.erp == erpCancelAll {
		if !s.OK() {
			a.cmdLog(c, st).Warn("cancel all failed", "ioasc", fmt.Sprintf("%#08x", s.IOASC))
		}
		a.erpRequestSense(c, st)
		return
	}

	var sense []byte
	if s.OK() {
		// The residual is what the device did not transfer
		if n := constants.SenseBufferSize - int(s.Residual); n > 0 {
			sense = make([]byte, n)
			copy(sense, a.sense[c.Index][:n])
		}
	} else {
		a.cmdLog(c, st).Warn("request sense failed", "ioasc", fmt.Sprintf("%#08x", s.IOASC))
	}
	a.retire(c, st, a.erpResult(st, sense))
}

// erpTimeout ends the chain: the caller gets the original check condition
// and the stage's context is orphaned. The hung stage is then aborted like
// a timed out caller command so the context comes back.
func (a *Adapter) erpTimeout(c *arena.Cmd, st *cmdState) {
	stage := "request-sense"
	if st.erp == erpCancelAll {
		stage = "cancel-all"
	}
	a.logger.WithResource(st.addr.String()).CommandTimeout(c.Index, stage, "erp")
	a.orphan(c, st, a.erpResult(st, nil))
	if a.commandsAllowed {
		a.escalate(Tag{Index: c.Index, Seq: c.Seq}, true)
	}
}

func (a *Adapter) erpResult(st *cmdState, sense []byte) Result {
	res := Result{
		Code:       ResultCheckCondition,
		IOASC:      st.orig.IOASC,
		SCSIStatus: st.orig.SCSIStatus,
		Residual:   st.orig.Residual,
	}
	if len(sense) == 0 {
		return res
	}
	res.Sense = sense
	if d, err := scsi.Decode(sense); err == nil {
		res.SenseKey = d.Key
		res.ASC = d.ASC
		res.ASCQ = d.ASCQ
	}
	return res
}
