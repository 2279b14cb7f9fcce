package engine

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ehrlich-b/go-ioa/backend"
	"github.com/ehrlich-b/go-ioa/internal/dma"
	"github.com/ehrlich-b/go-ioa/internal/interfaces"
	"github.com/ehrlich-b/go-ioa/internal/logging"
	"github.com/ehrlich-b/go-ioa/internal/wire"
	"github.com/ehrlich-b/go-ioa/sim"
)

const waitFor = 5 * time.Second

type fakeDev struct{ addr wire.ResAddr }

func (d *fakeDev) Addr() wire.ResAddr { return d.addr }

type fakePresence struct {
	mu        sync.Mutex
	devs      map[wire.ResAddr]*fakeDev
	withdrawn []wire.ResAddr
	busResets []uint8
}

func newFakePresence() *fakePresence {
	return &fakePresence{devs: make(map[wire.ResAddr]*fakeDev)}
}

func (p *fakePresence) Announce(cfg wire.ConfigEntry) (interfaces.LogicalDevice, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	d := &fakeDev{addr: cfg.Addr}
	p.devs[cfg.Addr] = d
	return d, nil
}

func (p *fakePresence) Withdraw(dev interfaces.LogicalDevice) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.devs, dev.Addr())
	p.withdrawn = append(p.withdrawn, dev.Addr())
}

func (p *fakePresence) BusReset(bus uint8) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.busResets = append(p.busResets, bus)
}

func (p *fakePresence) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.devs)
}

func (p *fakePresence) dev(target uint8) interfaces.LogicalDevice {
	p.mu.Lock()
	defer p.mu.Unlock()
	d := p.devs[wire.ResAddr{Target: target}]
	if d == nil {
		return nil
	}
	return d
}

type fakeSink struct {
	mu      sync.Mutex
	entries []wire.ErrorLogEntry
}

func (s *fakeSink) LogError(e wire.ErrorLogEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, e)
}

func (s *fakeSink) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

type countObserver struct {
	nopObserver
	erps    atomic.Int64
	retries atomic.Int64
	resets  atomic.Int64
	dead    atomic.Int64
}

func (o *countObserver) ObserveERP()          { o.erps.Add(1) }
func (o *countObserver) ObserveResetRetry()   { o.retries.Add(1) }
func (o *countObserver) ObserveAdapterReset() { o.resets.Add(1) }
func (o *countObserver) ObserveDead()         { o.dead.Add(1) }

func testParams() Params {
	p := DefaultParams()
	p.ArenaSize = 8
	p.ErrorLogListeners = 1
	p.ConfigChangeListeners = 1
	p.MaxResources = 16
	p.TraceEntries = 64
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

type harness struct {
	t    *testing.T
	a    *Adapter
	sim  *sim.Sim
	pres *fakePresence
	sink *fakeSink
	obs  *countObserver
}

// diskCfg describes disk target on bus 0. Even targets run tagged queueing.
func diskCfg(target uint8) wire.ConfigEntry {
	cfg := wire.ConfigEntry{
		Addr:    wire.ResAddr{Target: target},
		Vendor:  "IBM",
		Product: "SIMDISK",
		Serial:  "S000",
	}
	if target%2 == 0 {
		cfg.Flags |= wire.ResFlagTCQ
	}
	return cfg
}

func newHarness(t *testing.T, p Params, disks int) *harness {
	t.Helper()
	s := sim.New(sim.Options{OperationalDelay: time.Millisecond})
	for i := 0; i < disks; i++ {
		s.Insert(diskCfg(uint8(i)), backend.NewMemory(1<<20))
	}
	h := &harness{t: t, sim: s, pres: newFakePresence(), sink: &fakeSink{}, obs: &countObserver{}}
	a, err := New(s, p, Options{
		Presence: h.pres,
		LogSink:  h.sink,
		Observer: h.obs,
		Logger:   logging.Nop(),
	})
	require.NoError(t, err)
	h.a = a
	t.Cleanup(a.Detach)

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, a.Start(ctx))
	require.Eventually(t, func() bool { return h.pres.count() == disks }, waitFor, time.Millisecond)
	return h
}

func (h *harness) dev(target uint8) interfaces.LogicalDevice {
	h.t.Helper()
	d := h.pres.dev(target)
	require.NotNil(h.t, d, "device %d not announced", target)
	return d
}

// submit queues a command and returns a channel carrying its result
func (h *harness) submit(dev interfaces.LogicalDevice, cdb []byte, dir dma.Direction, regions ...[]byte) <-chan Result {
	h.t.Helper()
	ch := make(chan Result, 2)
	_, qs := h.a.Queue(dev, cdb, dir, regions, func(r Result) { ch <- r })
	require.Equal(h.t, QueueAccepted, qs)
	return ch
}

func (h *harness) wait(ch <-chan Result) Result {
	h.t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(waitFor):
		h.t.Fatal("command never completed")
		return Result{}
	}
}

func (h *harness) run(dev interfaces.LogicalDevice, cdb []byte, dir dma.Direction, regions ...[]byte) Result {
	h.t.Helper()
	return h.wait(h.submit(dev, cdb, dir, regions...))
}

func (h *harness) operational() bool {
	return h.a.State() == StateOperational
}
