package ioa

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehrlich-b/go-ioa/backend"
	"github.com/ehrlich-b/go-ioa/internal/logging"
	"github.com/ehrlich-b/go-ioa/internal/scsi"
	"github.com/ehrlich-b/go-ioa/internal/wire"
	"github.com/ehrlich-b/go-ioa/sim"
)

const waitFor = 5 * time.Second

func fastParams() Params {
	p := DefaultParams()
	p.ArenaSize = 8
	p.ErrorLogListeners = 1
	p.ConfigChangeListeners = 1
	p.Timeouts = Timeouts{
		IO:             waitFor,
		Internal:       time.Second,
		ResetAlert:     100 * time.Millisecond,
		Poll:           time.Millisecond,
		BIST:           time.Millisecond,
		Operational:    time.Second,
		CancelAll:      time.Second,
		RequestSense:   time.Second,
		Abort:          time.Second,
		DeviceReset:    time.Second,
		Shutdown:       time.Second,
		AbbrevShutdown: time.Second,
	}
	return p
}

func testCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	t.Cleanup(cancel)
	return ctx
}

func newSim(disks int) *sim.Sim {
	s := sim.New(sim.Options{OperationalDelay: time.Millisecond})
	for i := 0; i < disks; i++ {
		s.Insert(ConfigEntry{Addr: ResAddr{Target: uint8(i)}, Product: "SIMDISK"}, backend.NewMemory(1<<20))
	}
	return s
}

func attach(t *testing.T, s *sim.Sim, opts *Options) *Adapter {
	t.Helper()
	if opts.Logger == nil {
		opts.Logger = logging.Nop()
	}
	a, err := Attach(testCtx(t), s, fastParams(), opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Detach(context.Background()) })
	return a
}

func TestAttachAndDo(t *testing.T) {
	s := newSim(2)
	pres := NewMockPresence()
	a := attach(t, s, &Options{ID: "ioa0", Presence: pres})

	assert.Equal(t, "ioa0", a.ID())
	assert.Equal(t, StateOperational, a.State())
	require.Eventually(t, func() bool { return pres.Count() == 2 }, waitFor, time.Millisecond)
	assert.Len(t, a.Devices(), 2)

	dev := pres.Device(ResAddr{Target: 1})
	require.NotNil(t, dev)

	data := bytes.Repeat([]byte{0xC3}, 1024)
	res, err := a.Do(testCtx(t), dev, scsi.Write10CDB(8, 2), DirToDevice, data)
	require.NoError(t, err)
	assert.Equal(t, ResultOK, res.Code)

	out := make([]byte, 1024)
	res, err = a.Do(testCtx(t), dev, scsi.Read10CDB(8, 2), DirFromDevice, out)
	require.NoError(t, err)
	assert.Equal(t, ResultOK, res.Code)
	assert.Equal(t, data, out)

	snap := a.MetricsSnapshot()
	assert.Equal(t, uint64(1), snap.ReadOps)
	assert.Equal(t, uint64(1), snap.WriteOps)
	assert.Equal(t, uint64(1024), snap.ReadBytes)
	assert.Equal(t, uint64(1), snap.AdapterResets, "the attach reset")
	assert.NotZero(t, snap.MaxDrain)
	assert.NotEmpty(t, a.Trace())
}

func TestDoRejections(t *testing.T) {
	s := newSim(1)
	pres := NewMockPresence()
	a := attach(t, s, &Options{Presence: pres})

	_, err := a.Do(testCtx(t), &MockDevice{Config: ConfigEntry{Addr: ResAddr{Target: 5}}}, scsi.Read10CDB(0, 1), DirFromDevice, make([]byte, 512))
	assert.ErrorIs(t, err, ErrNoDevice)

	_, err = a.Do(testCtx(t), pres.Device(ResAddr{}), nil, DirNone)
	assert.True(t, IsCode(err, ErrCodeInvalidParameters))
}

func TestDoCancelledAbortsCommand(t *testing.T) {
	s := newSim(1)
	pres := NewMockPresence()
	a := attach(t, s, &Options{Presence: pres})
	s.HangDevice(scsi.Read10, 1)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := a.Do(ctx, pres.Device(ResAddr{}), scsi.Read10CDB(0, 1), DirFromDevice, make([]byte, 512))
	assert.ErrorIs(t, err, ErrTimeout)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, uint64(1), s.Stats().Aborted)
	assert.Eventually(t, func() bool { return a.Info().Free == 8 }, waitFor, time.Millisecond)
}

func TestObserverAndSink(t *testing.T) {
	s := newSim(1)
	extra := NewMetrics()
	sink := NewMockLogSink()
	a := attach(t, s, &Options{Presence: NewMockPresence(), LogSink: sink, Observer: NewMetricsObserver(extra)})

	s.LogError(ErrorLogEntry{IOASC: wire.IOASCHWFailure, Detail: "fan"})
	require.Eventually(t, func() bool { return sink.Len() == 1 }, waitFor, time.Millisecond)
	assert.Equal(t, "fan", sink.Entries()[0].Detail)

	assert.Equal(t, uint64(1), a.MetricsSnapshot().ErrorLogEvents)
	assert.Equal(t, uint64(1), extra.Snapshot().ErrorLogEvents, "caller observer sees the same events")
}

func TestAttachFailures(t *testing.T) {
	_, err := Attach(testCtx(t), newSim(0), fastParams(), &Options{Logger: logging.Nop()})
	assert.ErrorIs(t, err, ErrInvalidParameters)

	p := fastParams()
	p.ArenaSize = 0
	_, err = Attach(testCtx(t), newSim(0), p, &Options{Presence: NewMockPresence(), Logger: logging.Nop()})
	assert.ErrorIs(t, err, ErrInvalidParameters)

	s := newSim(1)
	s.FailRestore(1)
	_, err = Attach(testCtx(t), s, fastParams(), &Options{Presence: NewMockPresence(), Logger: logging.Nop()})
	assert.ErrorIs(t, err, ErrAdapterDead)
	var ie *Error
	require.True(t, errors.As(err, &ie))
	assert.NotEmpty(t, ie.Adapter)
	assert.Zero(t, s.Mappings(), "failed attach releases its mappings")
}

func TestResetAndDetach(t *testing.T) {
	s := newSim(1)
	pres := NewMockPresence()
	a, err := Attach(testCtx(t), s, fastParams(), &Options{Presence: pres, Logger: logging.Nop()})
	require.NoError(t, err)

	require.NoError(t, a.ResetAdapter(testCtx(t), ShutdownNormal))
	assert.Equal(t, uint64(2), a.Info().Resets)
	assert.Equal(t, uint64(1), s.Stats().Shutdowns)

	_, err = a.CaptureDump()
	assert.ErrorIs(t, err, ErrInvalidState)
	assert.Nil(t, a.LastDump())

	require.NoError(t, a.ResetDevice(pres.Device(ResAddr{})))
	assert.ErrorIs(t, a.ResetDevice(&MockDevice{Config: ConfigEntry{Addr: ResAddr{Target: 9}}}), ErrNoDevice)
	assert.NoError(t, a.Abort(Tag{Index: 0, Seq: 99}))

	require.NoError(t, a.Detach(testCtx(t)))
	assert.Equal(t, StateDetached, a.State())
	assert.NotZero(t, a.Metrics().StopTime.Load())
	assert.ErrorIs(t, a.ResetAdapter(testCtx(t), ShutdownNone), ErrInvalidState)

	// Second detach is a no-op
	assert.NoError(t, a.Detach(testCtx(t)))
}

func TestWaitState(t *testing.T) {
	a := attach(t, newSim(1), &Options{Presence: NewMockPresence()})
	require.NoError(t, a.WaitState(testCtx(t), StateOperational))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, a.WaitState(ctx, StateDead), ErrTimeout)
}

func TestLoadParams(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ioa.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
arena:
  size: 12
log:
  level: debug
  format: json
`), 0o644))

	p, lc, err := LoadParams(path)
	require.NoError(t, err)
	assert.Equal(t, 12, p.ArenaSize)
	assert.Equal(t, DefaultErrorLogListeners, p.ErrorLogListeners)
	assert.Equal(t, "json", lc.Format)
	assert.NotNil(t, NewLogger(lc))

	_, _, err = LoadParams(filepath.Join(dir, "missing.yaml"))
	assert.ErrorIs(t, err, ErrInvalidParameters)
}

func TestMockPresence(t *testing.T) {
	p := NewMockPresence()
	p.FailAnnounce(1)
	_, err := p.Announce(ConfigEntry{Addr: ResAddr{Target: 1}})
	assert.Error(t, err)

	d, err := p.Announce(ConfigEntry{Addr: ResAddr{Target: 1}})
	require.NoError(t, err)
	assert.Equal(t, ResAddr{Target: 1}, d.Addr())
	assert.Equal(t, 1, p.Count())
	assert.Equal(t, 2, p.AnnounceCalls())

	p.BusReset(0)
	p.Withdraw(d)
	assert.Zero(t, p.Count())
	assert.Nil(t, p.Device(ResAddr{Target: 1}))
	assert.Equal(t, []ResAddr{{Target: 1}}, p.Withdrawn())
	assert.Equal(t, []uint8{0}, p.BusResets())
}
