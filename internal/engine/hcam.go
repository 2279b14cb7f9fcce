package engine

import (
	"fmt"

	"github.com/ehrlich-b/go-ioa/internal/arena"
	"github.com/ehrlich-b/go-ioa/internal/ctrl"
	"github.com/ehrlich-b/go-ioa/internal/wire"
)

// listener is one host-controlled async message kept outstanding at the
// adapter. The adapter completes it when it has something to report.
type listener struct {
	class  uint8
	cmd    *arena.Cmd
	buf    []byte
	addr   uint64
	parked bool
	events uint64
}

// armListener claims the listener's dedicated context and sends it
func (a *Adapter) armListener(l *listener) {
	if l.cmd.List() != arena.ListPending {
		if err := a.arena.Claim(l.cmd); err != nil {
			a.logger.WithCommand(l.cmd.Index, "hcam").WithError(err).Error("cannot claim notification context")
			return
		}
	}
	st := &a.states[l.cmd.Index]
	st.kind = kindHCAM
	st.hcam = l
	l.parked = false
	a.issueListener(l)
}

func (a *Adapter) issueListener(l *listener) {
	c := l.cmd
	clear(l.buf)
	ctrl.HCAM(&c.Req, l.class, l.addr, len(l.buf))
	a.states[c.Index].op = c.Req.Opcode()
	if err := a.submit(c); err != nil {
		a.logger.WithError(err).Warn("notification not issued", "class", l.class)
		a.park(l)
	}
}

// park returns the listener's context to the reserved list. Parked
// listeners are re-armed when the next reset completes.
func (a *Adapter) park(l *listener) {
	l.parked = true
	if l.cmd.List() == arena.ListPending {
		a.release(l.cmd)
	}
}

func (a *Adapter) completeHCAM(c *arena.Cmd, st *cmdState) {
	l := st.hcam
	s := c.Status
	if a.job.active || a.state != StateOperational {
		a.park(l)
		return
	}
	if !s.OK() {
		a.park(l)
		if adapterLost(s.IOASC) {
			return
		}
		a.logger.Error("notification failed", "class", l.class, "ioasc", fmt.Sprintf("%#08x", s.IOASC))
		a.initiateReset(ShutdownNone, "notification failed")
		return
	}

	var rec wire.HCAMRecord
	if err := wire.UnmarshalHCAM(l.buf, &rec); err != nil {
		a.logger.WithError(err).Warn("unreadable notification", "class", l.class)
	} else {
		l.events++
		a.obs.ObserveHCAM(rec.NotifyType)
		switch rec.NotifyType {
		case wire.NotifyConfigChange:
			a.configChanged(&rec)
		case wire.NotifyErrorLog:
			a.errorLogged(&rec)
		default:
			a.logger.Warn("unknown notification type", "type", rec.NotifyType)
		}
		if rec.NotificationsLost() {
			a.logger.Warn("adapter dropped notifications", "class", l.class, "seq", rec.Sequence)
			a.park(l)
			a.initiateReset(ShutdownNone, "notifications lost")
			return
		}
	}

	c.Reuse()
	a.issueListener(l)
}

// configChanged applies a single-device inventory delta
func (a *Adapter) configChanged(rec *wire.HCAMRecord) {
	var cc wire.ConfigChange
	if err := wire.UnmarshalConfigChange(rec.Data, &cc); err != nil {
		a.logger.WithError(err).Warn("unreadable configuration change")
		return
	}
	removed := cc.Kind == wire.ChangeRemoved
	res, err := a.table.Apply(cc.Entry, removed)
	if err != nil {
		a.logger.WithResource(cc.Entry.Addr.String()).WithError(err).Warn("configuration change dropped")
		return
	}
	a.logger.WithResource(cc.Entry.Addr.String()).Info("configuration changed",
		"removed", removed, "added", res.Added, "freed", res.Freed)
	a.kickWorker()
}

// errorLogged forwards an adapter error-log entry to the sink
func (a *Adapter) errorLogged(rec *wire.HCAMRecord) {
	var e wire.ErrorLogEntry
	if err := wire.UnmarshalErrorLog(rec.Data, &e); err != nil {
		a.logger.WithError(err).Warn("unreadable error log entry")
		return
	}
	a.logger.WithResource(e.Addr.String()).Warn("adapter error log",
		"ioasc", fmt.Sprintf("%#08x", e.IOASC), "seq", e.Sequence, "detail", e.Detail)
	if sink := a.sink; sink != nil {
		a.later(func() { sink.LogError(e) })
	}
}
