package engine

import (
	"errors"
	"time"

	"github.com/ehrlich-b/go-ioa/internal/ctrl"
	"github.com/ehrlich-b/go-ioa/internal/dma"
	"github.com/ehrlich-b/go-ioa/internal/interfaces"
	"github.com/ehrlich-b/go-ioa/internal/restable"
	"github.com/ehrlich-b/go-ioa/internal/trace"
)

// Queue submits a SCSI command to dev. On QueueAccepted, done is called
// exactly once, never with the adapter lock held. Any other status means
// the command never reached the adapter and done will not be called.
func (a *Adapter) Queue(dev interfaces.LogicalDevice, cdb []byte, dir dma.Direction, regions [][]byte, done DoneFunc) (Tag, QueueStatus) {
	if len(cdb) == 0 || len(cdb) > 16 || done == nil {
		return Tag{}, QueueInvalid
	}

	a.mu.Lock()
	defer a.unlock()

	switch a.state {
	case StateDead, StateDetached:
		return Tag{}, QueueNoDevice
	}
	e := a.table.LookupDevice(dev)
	if e == nil || e.Has(restable.RemovePending) {
		return Tag{}, QueueNoDevice
	}
	if !a.commandsAllowed || e.Has(restable.Resetting) {
		return Tag{}, QueueBusy
	}

	total := 0
	if dir != dma.DirNone {
		for _, r := range regions {
			total += len(r)
		}
	}

	c, err := a.arena.Alloc()
	if err != nil {
		return Tag{}, QueueBusy
	}
	m, err := a.builder.Build(dir, total, regions)
	if err != nil {
		a.release(c)
		if errors.Is(err, dma.ErrMapFailed) {
			a.logger.WithError(err).Debug("data mapping refused")
			return Tag{}, QueueBusy
		}
		return Tag{}, QueueInvalid
	}
	if err := ctrl.Device(&c.Req, e.Cfg.ResHandle, cdb, m.Desc); err != nil {
		a.builder.Unmap(m)
		a.release(c)
		return Tag{}, QueueInvalid
	}

	st := &a.states[c.Index]
	st.kind = kindIO
	st.done = done
	st.mapping = m
	st.res = e
	st.resHandle = e.Cfg.ResHandle
	st.addr = e.Addr()
	st.tcq = e.Cfg.TCQ()
	st.op = cdb[0]
	st.bytes = uint64(total)
	st.start = time.Now()

	if err := a.submit(c); err != nil {
		a.logger.WithError(err).Debug("submit refused")
		st.mapping = nil
		a.builder.Unmap(m)
		a.release(c)
		return Tag{}, QueueBusy
	}
	a.arm(c, a.params.Timeouts.IO)
	a.trace.Add(trace.Entry{Kind: trace.KindStart, Index: c.Index, Op: st.op, Addr: st.addr})
	return Tag{Index: c.Index, Seq: c.Seq}, QueueAccepted
}
