package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/ehrlich-b/go-ioa/internal/arena"
	"github.com/ehrlich-b/go-ioa/internal/constants"
	"github.com/ehrlich-b/go-ioa/internal/ctrl"
	"github.com/ehrlich-b/go-ioa/internal/interfaces"
	"github.com/ehrlich-b/go-ioa/internal/restable"
	"github.com/ehrlich-b/go-ioa/internal/trace"
	"github.com/ehrlich-b/go-ioa/internal/wire"
)

// step is one stage of the reset job. Steps named *Done run when the
// sub-command issued by the preceding step completes.
type step uint8

const (
	stepNone step = iota
	stepShutdown
	stepShutdownDone
	stepAlert
	stepWaitPermission
	stepSelfTest
	stepRestore
	stepFailAll
	stepDump
	stepEnable
	stepEnableWait
	stepIdentify
	stepIdentifyDone
	stepInventory
	stepInventoryDone
	stepSync
	stepModeSense
	stepModeSenseDone
	stepModeSelect
	stepModeSelectDone
	stepAdvertise
	stepAdvertiseDone
	stepComplete
)

var stepNames = [...]string{
	stepNone:           "none",
	stepShutdown:       "shutdown",
	stepShutdownDone:   "shutdown-done",
	stepAlert:          "alert",
	stepWaitPermission: "wait-for-permission",
	stepSelfTest:       "self-test",
	stepRestore:        "restore-config",
	stepFailAll:        "fail-all",
	stepDump:           "dump",
	stepEnable:         "enable",
	stepEnableWait:     "enable-wait",
	stepIdentify:       "identify",
	stepIdentifyDone:   "identify-done",
	stepInventory:      "inventory",
	stepInventoryDone:  "inventory-done",
	stepSync:           "synchronize-resources",
	stepModeSense:      "mode-sense",
	stepModeSenseDone:  "mode-sense-done",
	stepModeSelect:     "mode-select",
	stepModeSelectDone: "mode-select-done",
	stepAdvertise:      "advertise",
	stepAdvertiseDone:  "advertise-done",
	stepComplete:       "complete",
}

func (s step) String() string {
	if int(s) < len(stepNames) {
		return stepNames[s]
	}
	return fmt.Sprintf("step(%d)", uint8(s))
}

// job is the single reset job of an adapter
type job struct {
	active   bool
	gen      uint64
	step     step
	shutdown ShutdownType
	retries  int
	cmd      *arena.Cmd // dedicated context of this generation
	status   wire.Status

	deadline  time.Time // end of wait-for-permission
	timer     *time.Timer
	timerSeq  uint64
	cfgAddr   uint64 // config table mapping while inventory is in flight
	selectLen int
	selected  []wire.BusAttr
	advertise []wire.SupportedDevice // left to push in the advertise step
}

// ResetAdapter requests a reset and blocks until it completes or the
// adapter is declared dead. A reset already in progress is joined.
func (a *Adapter) ResetAdapter(ctx context.Context, shutdown ShutdownType) error {
	a.mu.Lock()
	switch a.state {
	case StateDead:
		a.unlock()
		return ErrDead
	case StateDetached:
		a.unlock()
		return ErrDetached
	}
	a.initiateReset(shutdown, "requested")
	idle := a.idle
	a.unlock()

	select {
	case <-idle:
	case <-ctx.Done():
		return ctx.Err()
	}
	switch a.State() {
	case StateDead:
		return ErrDead
	case StateDetached:
		return ErrDetached
	}
	return nil
}

// initiateReset starts the reset job unless one is already running, in
// which case the caller simply joins it. Must hold a.mu.
func (a *Adapter) initiateReset(shutdown ShutdownType, reason string) {
	if a.state == StateDead || a.state == StateDetached {
		return
	}
	if a.job.active {
		a.logger.Debug("reset already active", "reason", reason, "step", a.job.step.String())
		return
	}

	wasOperational := a.state == StateOperational
	a.logger.Info("adapter reset", "reason", reason, "shutdown", shutdown.String())
	a.resets++
	a.obs.ObserveAdapterReset()
	a.trace.Add(trace.Entry{Kind: trace.KindReset, Index: -1})

	a.state = StateResetting
	a.commandsAllowed = false
	a.job.active = true
	a.job.retries = 0
	a.job.shutdown = shutdown
	if !a.idleOpen {
		a.idle = make(chan struct{})
		a.idleOpen = true
	}
	a.newGeneration()

	if shutdown != ShutdownNone && wasOperational {
		a.job.step = stepShutdown
	} else {
		a.job.step = stepAlert
	}
	a.runJob()
}

// newGeneration moves the job to the other dedicated context so a late
// completion of the previous generation is recognisably stale
func (a *Adapter) newGeneration() {
	a.stopJobTimer()
	a.job.gen++
	a.job.cmd = a.arena.Dedicated(resetBase + int(a.job.gen%constants.ResetContexts))
	if a.job.cmd.List() == arena.ListPending {
		// Only possible if two generations ago never reached fail-all
		a.release(a.job.cmd)
	}
	a.job.status = wire.Status{}
	a.job.selected = nil
	a.job.advertise = nil
}

// restartJob sends the job back to ALERT, or declares the adapter dead once
// the retry bound is exceeded. Must hold a.mu.
func (a *Adapter) restartJob(reason string) {
	a.job.retries++
	a.obs.ObserveResetRetry()
	if a.job.retries > a.params.MaxResetRetries {
		a.logger.Error("reset retries exhausted", "reason", reason, "retries", a.job.retries-1)
		a.markDead()
		return
	}
	a.logger.Warn("restarting reset job", "reason", reason, "retry", a.job.retries)
	a.newGeneration()
	a.job.step = stepAlert
	a.runJob()
}

// markDead fails everything with "no connection" and refuses all further
// work. Must hold a.mu.
func (a *Adapter) markDead() {
	a.state = StateDead
	a.commandsAllowed = false
	a.interruptsAllowed = false
	a.stopJobTimer()
	a.job.active = false
	a.job.step = stepNone
	a.transport.MaskInterrupts()
	a.failAll(wire.IOASCIOANoConnection)
	a.obs.ObserveDead()
	a.finishJob()
}

// finishJob wakes everyone waiting for the job
func (a *Adapter) finishJob() {
	if a.idleOpen {
		close(a.idle)
		a.idleOpen = false
	}
}

// runJob executes steps until one blocks on a sub-command or timer
func (a *Adapter) runJob() {
	for a.job.active {
		a.logger.ResetStep(a.job.step.String(), a.job.gen)
		if a.jobStep() {
			return
		}
	}
}

// jobStep runs the current step and reports whether the job is now blocked
func (a *Adapter) jobStep() bool {
	j := &a.job
	switch j.step {
	case stepShutdown:
		typ := j.shutdown
		j.step = stepShutdownDone
		return a.jobSubmit(func(req *wire.Request) {
			ctrl.Shutdown(req, typ.wire())
		}, a.params.shutdownTimeout(typ), stepAlert)

	case stepShutdownDone:
		if !j.status.OK() {
			a.logger.Warn("shutdown failed", "ioasc", fmt.Sprintf("%#08x", j.status.IOASC))
		}
		j.step = stepAlert

	case stepAlert:
		a.interruptsAllowed = false
		a.transport.MaskInterrupts()
		a.transport.Alert()
		j.deadline = time.Now().Add(a.params.Timeouts.ResetAlert)
		j.step = stepWaitPermission
		a.armJobTimer(a.params.Timeouts.Poll)
		return true

	case stepWaitPermission:
		// Entered from the poll timer
		if !a.transport.ResetAllowed() && time.Now().Before(j.deadline) {
			a.armJobTimer(a.params.Timeouts.Poll)
			return true
		}
		j.step = stepSelfTest

	case stepSelfTest:
		a.transport.StartBIST()
		j.step = stepRestore
		a.armJobTimer(a.params.Timeouts.BIST)
		return true

	case stepRestore:
		if err := a.transport.RestoreConfig(); err != nil {
			a.logger.WithError(err).Error("restore config failed")
			a.markDead()
			return true
		}
		j.step = stepFailAll

	case stepFailAll:
		a.failAll(wire.IOASCIOAWasReset)
		j.step = stepDump

	case stepDump:
		if a.unitCheck {
			data, err := a.transport.ReadDump()
			if err != nil {
				a.logger.WithError(err).Warn("dump extraction failed")
			} else {
				a.lastDump = data
				a.logger.Info("adapter dump captured", "bytes", len(data))
			}
			a.unitCheck = false
		}
		j.step = stepEnable

	case stepEnable:
		a.ring.Reset()
		a.transport.ClearInterrupts(interfaces.CauseHRRQUpdated | interfaces.CauseTransOper |
			interfaces.CauseUnitCheck | interfaces.CauseFatal)
		a.interruptsAllowed = true
		j.step = stepEnableWait
		a.armJobTimer(a.params.Timeouts.Operational)
		a.transport.UnmaskInterrupts()
		return true

	case stepEnableWait:
		// Operational timeout
		a.restartJob("timed out waiting for operational")
		return true

	case stepIdentify:
		entries := a.ring.Size()
		j.step = stepIdentifyDone
		return a.jobSubmit(func(req *wire.Request) {
			ctrl.Identify(req, entries)
		}, a.params.Timeouts.Internal, stepNone)

	case stepIdentifyDone:
		if !j.status.OK() {
			a.restartJob(fmt.Sprintf("identify failed ioasc=%#08x", j.status.IOASC))
			return true
		}
		j.step = stepInventory

	case stepInventory:
		addr, err := a.transport.MapDMA(a.cfgBuf)
		if err != nil {
			a.restartJob(fmt.Sprintf("map configuration table: %v", err))
			return true
		}
		j.cfgAddr = addr
		n := len(a.cfgBuf)
		j.step = stepInventoryDone
		return a.jobSubmit(func(req *wire.Request) {
			ctrl.QueryConfig(req, addr, n)
		}, a.params.Timeouts.Internal, stepNone)

	case stepInventoryDone:
		a.unmapConfig()
		if !j.status.OK() {
			a.restartJob(fmt.Sprintf("inventory failed ioasc=%#08x", j.status.IOASC))
			return true
		}
		j.step = stepSync

	case stepSync:
		entries, err := ctrl.ParseConfigTable(a.cfgBuf)
		if err != nil {
			a.restartJob(err.Error())
			return true
		}
		res, err := a.table.Sync(entries)
		if err != nil {
			a.logger.Warn("resource table full", "skipped", res.Skipped)
		}
		a.logger.Info("resources synchronized", "devices", len(entries), "added", res.Added,
			"removed", res.Removed, "freed", res.Freed)
		j.advertise = j.advertise[:0]
		for _, e := range a.table.Used() {
			if ctrl.Advertised(&e.Cfg) && !e.Has(restable.RemovePending) {
				j.advertise = append(j.advertise, ctrl.SupportedFor(&e.Cfg))
			}
		}
		a.kickWorker()
		j.step = stepModeSense

	case stepModeSense:
		addr, n := a.modeAddr, len(a.modeBuf)
		j.step = stepModeSenseDone
		return a.jobSubmit(func(req *wire.Request) {
			ctrl.ModeSense(req, wire.ModePageBusAttrs, addr, n)
		}, a.params.Timeouts.Internal, stepAdvertise)

	case stepModeSenseDone:
		j.step = stepAdvertise
		if !j.status.OK() {
			a.logger.Warn("mode sense failed, keeping bus settings", "ioasc", fmt.Sprintf("%#08x", j.status.IOASC))
			break
		}
		reported, err := wire.UnmarshalBusAttrs(a.modeBuf)
		if err != nil {
			a.logger.WithError(err).Warn("bad bus attribute page")
			break
		}
		j.selected = ctrl.MergeBusAttrs(reported, a.savedBus, a.params.Bus)
		n, err := wire.MarshalBusAttrs(j.selected, a.modeBuf)
		if err != nil {
			a.logger.Warn("bus attribute page too large", "buses", len(j.selected))
			break
		}
		j.selectLen = n
		j.step = stepModeSelect

	case stepModeSelect:
		addr, n := a.modeAddr, j.selectLen
		j.step = stepModeSelectDone
		return a.jobSubmit(func(req *wire.Request) {
			ctrl.ModeSelect(req, addr, n)
		}, a.params.Timeouts.Internal, stepAdvertise)

	case stepModeSelectDone:
		if j.status.OK() {
			for _, attr := range j.selected {
				a.savedBus[attr.Bus] = attr
			}
		} else {
			a.logger.Warn("mode select failed", "ioasc", fmt.Sprintf("%#08x", j.status.IOASC))
		}
		j.step = stepAdvertise

	case stepAdvertise:
		if len(j.advertise) == 0 {
			j.step = stepComplete
			break
		}
		sd := j.advertise[0]
		j.advertise = j.advertise[1:]
		copy(a.supBuf, wire.MarshalSupportedDevice(&sd))
		addr := a.supAddr
		j.step = stepAdvertiseDone
		return a.jobSubmit(func(req *wire.Request) {
			ctrl.SetSupported(req, addr)
		}, a.params.Timeouts.Internal, stepAdvertise)

	case stepAdvertiseDone:
		if !j.status.OK() {
			a.logger.Warn("set supported devices failed", "ioasc", fmt.Sprintf("%#08x", j.status.IOASC))
		}
		j.step = stepAdvertise

	case stepComplete:
		a.completeJob()
		return true

	default:
		a.logger.Error("reset job in unknown step", "step", j.step.String())
		a.restartJob("unknown step")
		return true
	}
	return false
}

// jobSubmit issues a reset job sub-command on the generation's context.
// onFail is the step to continue with if the command cannot be issued;
// stepNone restarts the job instead. Returns true (blocked) unless the
// failure path continued synchronously.
func (a *Adapter) jobSubmit(build func(*wire.Request), timeout time.Duration, onFail step) bool {
	c := a.job.cmd
	if err := a.arena.Claim(c); err != nil {
		a.restartJob(err.Error())
		return true
	}
	st := &a.states[c.Index]
	st.kind = kindJob
	st.gen = a.job.gen
	build(&c.Req)
	st.op = c.Req.Opcode()
	if err := a.submit(c); err != nil {
		a.release(c)
		if onFail == stepNone {
			a.restartJob(err.Error())
			return true
		}
		a.logger.WithError(err).Warn("reset sub-command not issued", "step", a.job.step.String())
		a.job.step = onFail
		return false
	}
	a.arm(c, timeout)
	return true
}

// completeJobCmd handles the completion of a reset job sub-command
func (a *Adapter) completeJobCmd(c *arena.Cmd, st *cmdState) {
	gen := st.gen
	status := c.Status
	a.release(c)
	if !a.job.active || gen != a.job.gen {
		a.logger.WithCommand(c.Index, "reset").Debug("discarding stale reset completion", "gen", gen)
		return
	}
	a.job.status = status
	a.runJob()
}

// jobCmdTimeout handles an expired reset job sub-command. The context is
// left pending until fail-all reclaims it. A shutdown that never finishes
// is ignored; any other unresponsive step restarts the job.
func (a *Adapter) jobCmdTimeout(c *arena.Cmd, st *cmdState) {
	if !a.job.active || st.gen != a.job.gen {
		return
	}
	st.kind = kindOrphan
	a.logger.CommandTimeout(c.Index, opName(st.op), "reset")
	switch a.job.step {
	case stepShutdownDone:
		a.job.step = stepAlert
		a.runJob()
	case stepInventoryDone:
		a.unmapConfig()
		a.restartJob("inventory timed out")
	default:
		a.restartJob(a.job.step.String() + " timed out")
	}
}

func (a *Adapter) unmapConfig() {
	if a.job.cfgAddr != 0 {
		a.transport.UnmapDMA(a.job.cfgAddr)
		a.job.cfgAddr = 0
	}
}

// completeJob returns the adapter to service
func (a *Adapter) completeJob() {
	a.job.active = false
	a.job.step = stepNone
	a.state = StateOperational
	a.commandsAllowed = true
	a.logger.Info("adapter operational", "gen", a.job.gen, "retries", a.job.retries, "devices", a.table.UsedCount())
	for _, l := range a.listeners {
		if l.parked {
			a.armListener(l)
		}
	}
	a.finishJob()
}

// onTransOper advances a job waiting in ENABLE
func (a *Adapter) onTransOper() {
	if !a.job.active || a.job.step != stepEnableWait {
		a.logger.Debug("ignoring transition to operational", "step", a.job.step.String())
		return
	}
	a.stopJobTimer()
	a.job.step = stepIdentify
	a.runJob()
}

// armJobTimer schedules the job to run again after d
func (a *Adapter) armJobTimer(d time.Duration) {
	a.stopJobTimer()
	a.job.timerSeq++
	gen, seq := a.job.gen, a.job.timerSeq
	a.job.timer = time.AfterFunc(d, func() { a.onJobTimer(gen, seq) })
}

func (a *Adapter) stopJobTimer() {
	if a.job.timer != nil {
		a.job.timer.Stop()
		a.job.timer = nil
	}
	a.job.timerSeq++
}

func (a *Adapter) onJobTimer(gen, seq uint64) {
	a.mu.Lock()
	defer a.unlock()
	if !a.job.active || a.job.gen != gen || a.job.timerSeq != seq {
		return
	}
	a.job.timer = nil
	a.runJob()
}
