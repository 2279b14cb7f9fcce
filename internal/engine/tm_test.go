package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehrlich-b/go-ioa/internal/dma"
	"github.com/ehrlich-b/go-ioa/internal/scsi"
	"github.com/ehrlich-b/go-ioa/internal/wire"
)

func TestTimeoutAbortsCommand(t *testing.T) {
	p := testParams()
	p.Timeouts.IO = 30 * time.Millisecond
	h := newHarness(t, p, 1)
	h.sim.HangDevice(scsi.Read10, 1)

	res := h.run(h.dev(0), scsi.Read10CDB(0, 1), dma.DirFromDevice, make([]byte, 512))
	assert.Equal(t, ResultAborted, res.Code)
	assert.Equal(t, wire.IOASCAbortedByHost, res.IOASC)
	assert.Equal(t, uint64(1), h.sim.Stats().Aborted)
	assert.Equal(t, StateOperational, h.a.State())
}

func TestAbortEscalatesToDeviceReset(t *testing.T) {
	p := testParams()
	p.Timeouts.IO = 30 * time.Millisecond
	p.Timeouts.Abort = 30 * time.Millisecond
	h := newHarness(t, p, 1)
	h.sim.HangDevice(scsi.Read10, 1)
	h.sim.HangAdapter(wire.OpAbortTask, 1)

	res := h.run(h.dev(0), scsi.Read10CDB(0, 1), dma.DirFromDevice, make([]byte, 512))
	assert.Equal(t, ResultAborted, res.Code)
	assert.Equal(t, wire.IOASCAbortedByDeviceReset, res.IOASC)
	assert.Equal(t, uint64(1), h.sim.Stats().DevResets)
	assert.Equal(t, uint64(1), h.a.Info().Resets, "no adapter reset needed")
}

// settled reports that no device is resetting and only the idle set of
// contexts is outstanding
func (h *harness) settled(pending int) bool {
	for _, d := range h.a.Devices() {
		if d.Resetting {
			return false
		}
	}
	info := h.a.Info()
	return info.Free == 8 && info.Pending == pending
}

func TestRepeatedAbortEscalation(t *testing.T) {
	p := testParams()
	p.Timeouts.IO = 30 * time.Millisecond
	p.Timeouts.Abort = 30 * time.Millisecond
	h := newHarness(t, p, 1)
	idle := h.a.Info().Pending

	for round := 1; round <= 2; round++ {
		h.sim.HangDevice(scsi.Read10, 1)
		h.sim.HangAdapter(wire.OpAbortTask, 1)

		res := h.run(h.dev(0), scsi.Read10CDB(0, 1), dma.DirFromDevice, make([]byte, 512))
		assert.Equal(t, ResultAborted, res.Code, "round %d", round)
		assert.Equal(t, wire.IOASCAbortedByDeviceReset, res.IOASC, "round %d", round)
		require.Eventually(t, func() bool { return h.settled(idle) }, waitFor, time.Millisecond,
			"round %d left contexts outstanding", round)
		assert.Equal(t, uint64(round), h.sim.Stats().DevResets)
	}
	assert.Zero(t, h.sim.Hung())
	assert.Equal(t, uint64(1), h.a.Info().Resets, "no adapter reset needed")

	// The abort slot is usable again
	h.sim.HangDevice(scsi.Read10, 1)
	res := h.run(h.dev(0), scsi.Read10CDB(0, 1), dma.DirFromDevice, make([]byte, 512))
	assert.Equal(t, wire.IOASCAbortedByHost, res.IOASC)
	assert.Equal(t, uint64(2), h.sim.Stats().DevResets)
}

func TestAbortSlotHeldFallsBackToDeviceReset(t *testing.T) {
	p := testParams()
	p.Timeouts.IO = 30 * time.Millisecond
	h := newHarness(t, p, 1)

	// Stand in for an abort that timed out and was never answered
	h.a.mu.Lock()
	held := h.a.arena.Dedicated(tmAbort)
	require.NoError(t, h.a.arena.Claim(held))
	h.a.states[held.Index].kind = kindOrphan
	h.a.unlock()
	t.Cleanup(func() {
		h.a.mu.Lock()
		h.a.release(held)
		h.a.unlock()
	})

	h.sim.HangDevice(scsi.Read10, 1)
	res := h.run(h.dev(0), scsi.Read10CDB(0, 1), dma.DirFromDevice, make([]byte, 512))
	assert.Equal(t, ResultAborted, res.Code)
	assert.Equal(t, wire.IOASCAbortedByDeviceReset, res.IOASC)
	assert.Equal(t, uint64(1), h.sim.Stats().DevResets)
	assert.Equal(t, uint64(1), h.a.Info().Resets)
}

func TestAbortRetiredCommandIsNoop(t *testing.T) {
	h := newHarness(t, testParams(), 1)
	tag, qs := h.a.Queue(h.dev(0), []byte{scsi.TestUnitReady, 0, 0, 0, 0, 0}, dma.DirNone, nil, func(Result) {})
	require.Equal(t, QueueAccepted, qs)
	require.Eventually(t, func() bool { return h.a.Info().Free == 8 }, waitFor, time.Millisecond)

	assert.NoError(t, h.a.Abort(tag))
	assert.NoError(t, h.a.Abort(Tag{Index: 3, Seq: 12345}))
	assert.Error(t, h.a.Abort(Tag{Index: 1000}))
	assert.Zero(t, h.sim.Stats().Aborted)
}

func TestDeviceResetBlocksQueue(t *testing.T) {
	h := newHarness(t, testParams(), 2)
	dev := h.dev(0)
	h.sim.HangAdapter(wire.OpResetDevice, 1)

	done := make(chan error, 1)
	go func() { done <- h.a.ResetDevice(dev) }()
	require.Eventually(t, func() bool {
		for _, d := range h.a.Devices() {
			if d.Config.Addr.Target == 0 && d.Resetting {
				return true
			}
		}
		return false
	}, waitFor, time.Millisecond)

	_, qs := h.a.Queue(dev, []byte{scsi.TestUnitReady, 0, 0, 0, 0, 0}, dma.DirNone, nil, func(Result) {})
	assert.Equal(t, QueueBusy, qs)
	res := h.run(h.dev(1), []byte{scsi.TestUnitReady, 0, 0, 0, 0, 0}, dma.DirNone)
	assert.Equal(t, ResultOK, res.Code, "other devices keep running")

	assert.Equal(t, 1, h.sim.ReleaseHung())
	assert.NoError(t, <-done)
	res = h.run(dev, []byte{scsi.TestUnitReady, 0, 0, 0, 0, 0}, dma.DirNone)
	assert.Equal(t, ResultOK, res.Code)
}

func TestDeviceResetTimeoutResetsAdapter(t *testing.T) {
	p := testParams()
	p.Timeouts.DeviceReset = 30 * time.Millisecond
	h := newHarness(t, p, 1)
	h.sim.HangAdapter(wire.OpResetDevice, 1)

	assert.ErrorIs(t, h.a.ResetDevice(h.dev(0)), ErrTimeout)
	require.Eventually(t, func() bool {
		return h.operational() && h.a.Info().Resets == 2
	}, waitFor, time.Millisecond)
	assert.Equal(t, 8, h.a.Info().Free)

	// The task management context was reclaimed by the reset
	assert.NoError(t, h.a.ResetDevice(h.dev(0)))
}

func TestResetUnknownDevice(t *testing.T) {
	h := newHarness(t, testParams(), 1)
	assert.ErrorIs(t, h.a.ResetDevice(&fakeDev{addr: wire.ResAddr{Target: 7}}), ErrNoDevice)
}
