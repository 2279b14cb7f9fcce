package engine

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehrlich-b/go-ioa/internal/constants"
	"github.com/ehrlich-b/go-ioa/internal/dma"
	"github.com/ehrlich-b/go-ioa/internal/scsi"
	"github.com/ehrlich-b/go-ioa/internal/trace"
	"github.com/ehrlich-b/go-ioa/internal/wire"
)

func TestStartBringsAdapterUp(t *testing.T) {
	h := newHarness(t, testParams(), 3)

	info := h.a.Info()
	assert.Equal(t, StateOperational, info.State)
	assert.Equal(t, uint64(1), info.Resets)
	assert.Equal(t, 8, info.Free)
	assert.Equal(t, 3, info.Devices)
	assert.Zero(t, info.ParkedHCAMs)

	assert.Len(t, h.sim.Supported(), 3)
	assert.Equal(t, 1, h.sim.OutstandingHCAMs(wire.HCAMClassErrorLog))
	assert.Equal(t, 1, h.sim.OutstandingHCAMs(wire.HCAMClassConfigChange))

	sel := h.sim.Selected()
	require.Len(t, sel, 2)
	assert.Equal(t, uint32(320), sel[0].MaxXferRate)
	assert.Equal(t, uint8(16), sel[0].BusWidth)

	devs := h.a.Devices()
	require.Len(t, devs, 3)
	for _, d := range devs {
		assert.False(t, d.AddPending)
		assert.NotNil(t, d.Device)
	}
}

func TestReadWrite(t *testing.T) {
	h := newHarness(t, testParams(), 1)
	dev := h.dev(0)
	mapped := h.sim.Mappings()

	// Two regions force a scatter/gather list
	a := bytes.Repeat([]byte{0xA5}, 1024)
	b := bytes.Repeat([]byte{0x5A}, 1024)
	res := h.run(dev, scsi.Write10CDB(4, 4), dma.DirToDevice, a, b)
	require.Equal(t, ResultOK, res.Code)

	out := make([]byte, 2048)
	res = h.run(dev, scsi.Read10CDB(4, 4), dma.DirFromDevice, out)
	require.Equal(t, ResultOK, res.Code)
	assert.Equal(t, a, out[:1024])
	assert.Equal(t, b, out[1024:])

	res = h.run(dev, []byte{scsi.TestUnitReady, 0, 0, 0, 0, 0}, dma.DirNone)
	assert.Equal(t, ResultOK, res.Code)

	assert.Equal(t, mapped, h.sim.Mappings(), "data mappings are released")
	assert.Equal(t, 8, h.a.Info().Free)

	var starts, finishes int
	for _, e := range h.a.Trace() {
		switch e.Kind {
		case trace.KindStart:
			starts++
		case trace.KindFinish:
			finishes++
		}
	}
	assert.Equal(t, 3, starts)
	assert.Equal(t, 3, finishes)
}

func TestQueueRejections(t *testing.T) {
	h := newHarness(t, testParams(), 1)
	noop := func(Result) {}

	_, qs := h.a.Queue(h.dev(0), nil, dma.DirNone, nil, noop)
	assert.Equal(t, QueueInvalid, qs)
	_, qs = h.a.Queue(h.dev(0), make([]byte, 17), dma.DirNone, nil, noop)
	assert.Equal(t, QueueInvalid, qs)

	_, qs = h.a.Queue(&fakeDev{addr: wire.ResAddr{Target: 9}}, []byte{0, 0, 0, 0, 0, 0}, dma.DirNone, nil, noop)
	assert.Equal(t, QueueNoDevice, qs)

	h.sim.FailMaps(1)
	_, qs = h.a.Queue(h.dev(0), scsi.Read10CDB(0, 1), dma.DirFromDevice, [][]byte{make([]byte, 512)}, noop)
	assert.Equal(t, QueueBusy, qs)
	assert.Eventually(t, func() bool { return h.a.Info().Free == 8 }, waitFor, time.Millisecond)
}

func TestArenaExhaustion(t *testing.T) {
	p := testParams()
	p.ArenaSize = 2
	h := newHarness(t, p, 1)
	h.sim.HangDevice(scsi.Read10, 2)

	c1 := h.submit(h.dev(0), scsi.Read10CDB(0, 1), dma.DirFromDevice, make([]byte, 512))
	c2 := h.submit(h.dev(0), scsi.Read10CDB(1, 1), dma.DirFromDevice, make([]byte, 512))
	_, qs := h.a.Queue(h.dev(0), scsi.Read10CDB(2, 1), dma.DirFromDevice, [][]byte{make([]byte, 512)}, func(Result) {})
	assert.Equal(t, QueueBusy, qs)

	assert.Equal(t, 2, h.sim.ReleaseHung())
	assert.Equal(t, ResultOK, h.wait(c1).Code)
	assert.Equal(t, ResultOK, h.wait(c2).Code)
}

func TestCheckConditionRecovery(t *testing.T) {
	h := newHarness(t, testParams(), 2)
	tur := []byte{scsi.TestUnitReady, 0, 0, 0, 0, 0}

	// Target 0 queues tagged commands: CANCEL ALL then REQUEST SENSE
	require.NoError(t, h.sim.CheckCondition(wire.ResAddr{Target: 0}, scsi.SenseUnitAttention, scsi.AscPowerOnResetOrBusReset, 1))
	res := h.run(h.dev(0), tur, dma.DirNone)
	assert.Equal(t, ResultCheckCondition, res.Code)
	assert.Equal(t, uint8(scsi.SamStatCheckCondition), res.SCSIStatus)
	assert.Equal(t, uint8(scsi.SenseUnitAttention), res.SenseKey)
	assert.Equal(t, uint8(0x29), res.ASC)
	assert.Equal(t, uint8(0), res.ASCQ)
	assert.NotEmpty(t, res.Sense)
	assert.Equal(t, uint64(1), h.sim.Stats().CancelAlls)

	// Target 1 does not: REQUEST SENSE only
	require.NoError(t, h.sim.CheckCondition(wire.ResAddr{Target: 1}, scsi.SenseMediumError, scsi.AscReadError, 1))
	res = h.run(h.dev(1), scsi.Read10CDB(0, 1), dma.DirFromDevice, make([]byte, 512))
	assert.Equal(t, ResultCheckCondition, res.Code)
	assert.Equal(t, uint8(scsi.SenseMediumError), res.SenseKey)
	assert.Equal(t, uint8(0x11), res.ASC)
	assert.Equal(t, uint64(1), h.sim.Stats().CancelAlls)

	assert.Equal(t, int64(2), h.obs.erps.Load())
	assert.Equal(t, 8, h.a.Info().Free)
}

func TestRecoveryTimeoutDeliversOnce(t *testing.T) {
	p := testParams()
	p.Timeouts.RequestSense = 50 * time.Millisecond
	h := newHarness(t, p, 2)

	require.NoError(t, h.sim.CheckCondition(wire.ResAddr{Target: 1}, scsi.SenseNotReady, scsi.AscLogicalUnitNotReady, 1))
	h.sim.HangDevice(scsi.RequestSense, 1)

	ch := h.submit(h.dev(1), []byte{scsi.TestUnitReady, 0, 0, 0, 0, 0}, dma.DirNone)
	res := h.wait(ch)
	assert.Equal(t, ResultCheckCondition, res.Code)
	assert.Empty(t, res.Sense, "no sense when recovery gave up")

	// The hung REQUEST SENSE is aborted and its context comes back
	assert.Eventually(t, func() bool { return h.a.Info().Free == 8 }, waitFor, time.Millisecond)
	assert.Zero(t, h.sim.Hung())
	assert.Equal(t, uint64(1), h.sim.Stats().Aborted)
	assert.Equal(t, uint64(1), h.a.Info().Resets)

	select {
	case r := <-ch:
		t.Fatalf("second completion delivered: %+v", r)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestRecoveryTimeoutEscalatesToDeviceReset(t *testing.T) {
	p := testParams()
	p.Timeouts.RequestSense = 30 * time.Millisecond
	p.Timeouts.Abort = 30 * time.Millisecond
	h := newHarness(t, p, 2)

	require.NoError(t, h.sim.CheckCondition(wire.ResAddr{Target: 1}, scsi.SenseNotReady, scsi.AscLogicalUnitNotReady, 1))
	h.sim.HangDevice(scsi.RequestSense, 1)
	h.sim.HangAdapter(wire.OpAbortTask, 1)

	res := h.run(h.dev(1), []byte{scsi.TestUnitReady, 0, 0, 0, 0, 0}, dma.DirNone)
	assert.Equal(t, ResultCheckCondition, res.Code)

	assert.Eventually(t, func() bool {
		return h.sim.Stats().DevResets == 1 && h.a.Info().Free == 8
	}, waitFor, time.Millisecond)
	assert.Zero(t, h.sim.Hung())
	assert.Equal(t, uint64(1), h.a.Info().Resets)
}

func TestSenseResidualCoversBuffer(t *testing.T) {
	h := newHarness(t, testParams(), 1)
	var got Result

	// A REQUEST SENSE that reports more residual than the sense area
	h.a.mu.Lock()
	c := h.a.arena.Dedicated(tmAbort)
	require.NoError(t, h.a.arena.Claim(c))
	st := &h.a.states[c.Index]
	st.kind = kindERP
	st.erp = erpRequestSense
	st.orig = wire.Status{SCSIStatus: scsi.SamStatCheckCondition}
	st.done = func(r Result) { got = r }
	c.Status = wire.Status{IOASC: wire.IOASCSuccess, Residual: constants.SenseBufferSize + 4}
	h.a.erpComplete(c, st)
	h.a.unlock()

	assert.Equal(t, ResultCheckCondition, got.Code)
	assert.Nil(t, got.Sense, "nothing was transferred")
	assert.Zero(t, got.SenseKey)
}

func TestBusResetNotifiesPresence(t *testing.T) {
	h := newHarness(t, testParams(), 1)
	require.NoError(t, h.sim.BusReset(wire.ResAddr{Target: 0}))

	res := h.run(h.dev(0), scsi.Read10CDB(0, 1), dma.DirFromDevice, make([]byte, 512))
	assert.Equal(t, ResultBusReset, res.Code)
	assert.True(t, res.Code.Retryable())

	h.pres.mu.Lock()
	defer h.pres.mu.Unlock()
	assert.Equal(t, []uint8{0}, h.pres.busResets)
}

func TestUnsupportedOpcode(t *testing.T) {
	h := newHarness(t, testParams(), 1)
	res := h.run(h.dev(0), []byte{0xEE, 0, 0, 0, 0, 0}, dma.DirNone)
	assert.Equal(t, ResultCheckCondition, res.Code)
	assert.Equal(t, uint8(scsi.SenseIllegalRequest), res.SenseKey)
}
