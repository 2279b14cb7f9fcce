package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ehrlich-b/go-ioa/internal/arena"
	"github.com/ehrlich-b/go-ioa/internal/constants"
	"github.com/ehrlich-b/go-ioa/internal/dma"
	"github.com/ehrlich-b/go-ioa/internal/interfaces"
	"github.com/ehrlich-b/go-ioa/internal/logging"
	"github.com/ehrlich-b/go-ioa/internal/queue"
	"github.com/ehrlich-b/go-ioa/internal/restable"
	"github.com/ehrlich-b/go-ioa/internal/trace"
	"github.com/ehrlich-b/go-ioa/internal/wire"
)

var (
	ErrDead          = errors.New("engine: adapter is dead")
	ErrDetached      = errors.New("engine: adapter detached")
	ErrBusy          = errors.New("engine: adapter busy")
	ErrNoDevice      = errors.New("engine: no such device")
	ErrTimeout       = errors.New("engine: command timed out")
	ErrFailed        = errors.New("engine: command failed")
	ErrNoDump        = errors.New("engine: no dump available")
	ErrNotDumpWindow = errors.New("engine: dump only allowed while the reset job waits")
)

// Layout of the dedicated contexts that follow the pooled ones
const (
	resetBase = 0
	tmBase    = resetBase + constants.ResetContexts
	tmAbort   = tmBase
	tmReset   = tmBase + 1
	hcamBase  = tmBase + constants.TaskMgmtContexts
)

type kind uint8

const (
	kindIdle kind = iota
	kindIO
	kindERP
	kindJob
	kindHCAM
	kindTM
	kindOrphan // timed out; reclaimed on completion or by the next reset
)

func (k kind) String() string {
	switch k {
	case kindIO:
		return "io"
	case kindERP:
		return "erp"
	case kindJob:
		return "job"
	case kindHCAM:
		return "hcam"
	case kindTM:
		return "tm"
	case kindOrphan:
		return "orphan"
	default:
		return "idle"
	}
}

type erpStage uint8

const (
	erpNone erpStage = iota
	erpCancelAll
	erpRequestSense
)

// cmdState is the engine's view of one arena context, indexed like the arena
type cmdState struct {
	kind      kind
	done      DoneFunc
	mapping   *dma.Mapping
	res       *restable.Entry
	resHandle uint32
	addr      wire.ResAddr
	tcq       bool
	op        uint8
	bytes     uint64
	start     time.Time

	timer     *time.Timer
	armSeq    uint64 // survives reuse so a stale timer can be recognised
	timedOut  bool
	disrupted bool

	erp  erpStage
	orig wire.Status

	gen  uint64 // reset job generation for kindJob
	hcam *listener
	tm   chan tmOutcome
}

// clear forgets everything about the previous user of the context
func (s *cmdState) clear() {
	*s = cmdState{armSeq: s.armSeq + 1}
}

// Options carry the collaborators of an adapter
type Options struct {
	ID       string
	Presence interfaces.Presence
	LogSink  interfaces.LogSink
	Observer Observer
	Logger   *logging.Logger
}

// Adapter is the state of one attached adapter
type Adapter struct {
	id        string
	params    Params
	transport interfaces.Transport
	presence  interfaces.Presence
	sink      interfaces.LogSink
	obs       Observer
	logger    *logging.Logger

	mu       sync.Mutex
	deferred []func()

	state             State
	commandsAllowed   bool
	interruptsAllowed bool
	unitCheck         bool

	arena     *arena.Arena
	states    []cmdState
	sense     [][]byte
	senseAddr []uint64
	builder   *dma.Builder
	ring      *queue.Ring
	table     *restable.Table
	trace     *trace.Ring
	listeners []*listener

	job      job
	idle     chan struct{}
	idleOpen bool
	resets   uint64

	cfgBuf   []byte
	modeBuf  []byte
	modeAddr uint64
	supBuf   []byte
	supAddr  uint64
	savedBus map[uint8]wire.BusAttr
	lastDump []byte

	tmMu sync.Mutex

	wake   chan struct{}
	runner *queue.Runner
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds an adapter around transport. Nothing is sent to the adapter
// until Start.
func New(transport interfaces.Transport, params Params, opts Options) (*Adapter, error) {
	if transport == nil {
		return nil, errors.New("engine: nil transport")
	}
	if opts.Presence == nil {
		return nil, errors.New("engine: nil presence collaborator")
	}
	if err := params.validate(); err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}
	if opts.ID == "" {
		opts.ID = uuid.NewString()
	}
	if opts.Observer == nil {
		opts.Observer = nopObserver{}
	}
	if opts.Logger == nil {
		opts.Logger = logging.Default()
	}

	nListeners := params.ErrorLogListeners + params.ConfigChangeListeners
	ar := arena.New(params.ArenaSize, hcamBase+nListeners)

	a := &Adapter{
		id:        opts.ID,
		params:    params,
		transport: transport,
		presence:  opts.Presence,
		sink:      opts.LogSink,
		obs:       opts.Observer,
		logger:    opts.Logger.WithAdapter(opts.ID),
		arena:     ar,
		states:    make([]cmdState, ar.Len()),
		sense:     make([][]byte, params.ArenaSize),
		senseAddr: make([]uint64, params.ArenaSize),
		builder:   dma.NewBuilder(transport, params.MaxSGEntries, params.PagesPerSegment),
		ring:      queue.NewRing(ar.Len()),
		table:     restable.New(params.MaxResources),
		trace:     trace.New(params.TraceEntries),
		idle:      make(chan struct{}),
		savedBus:  make(map[uint8]wire.BusAttr),
		wake:      make(chan struct{}, 1),
	}
	close(a.idle)

	if err := a.mapBuffers(); err != nil {
		a.unmapBuffers()
		return nil, fmt.Errorf("engine: %w", err)
	}
	return a, nil
}

// mapBuffers makes every status block and internal buffer visible to the
// adapter. The configuration table is mapped per inventory instead.
func (a *Adapter) mapBuffers() error {
	for i := 0; i < a.arena.Len(); i++ {
		c, _ := a.arena.Lookup(i)
		addr, err := a.transport.MapDMA(c.StatusBuf[:])
		if err != nil {
			return fmt.Errorf("map status block %d: %w", i, err)
		}
		a.arena.SetStatusAddr(c, addr)
	}
	for i := range a.sense {
		a.sense[i] = dma.GetBuffer(constants.SenseBufferSize)
		addr, err := a.transport.MapDMA(a.sense[i])
		if err != nil {
			return fmt.Errorf("map sense buffer %d: %w", i, err)
		}
		a.senseAddr[i] = addr
	}

	var err error
	a.modeBuf = dma.GetBuffer(constants.ModePageBufferSize)
	if a.modeAddr, err = a.transport.MapDMA(a.modeBuf); err != nil {
		return fmt.Errorf("map mode page buffer: %w", err)
	}
	a.supBuf = dma.GetBuffer(wire.SupportedDeviceSize)
	if a.supAddr, err = a.transport.MapDMA(a.supBuf); err != nil {
		return fmt.Errorf("map supported device buffer: %w", err)
	}
	a.cfgBuf = dma.GetBuffer(constants.ConfigTableBufferSize)

	n := a.params.ErrorLogListeners + a.params.ConfigChangeListeners
	a.listeners = make([]*listener, 0, n)
	for i := 0; i < n; i++ {
		l := &listener{
			class:  wire.HCAMClassErrorLog,
			cmd:    a.arena.Dedicated(hcamBase + i),
			parked: true,
		}
		if i >= a.params.ErrorLogListeners {
			l.class = wire.HCAMClassConfigChange
		}
		l.buf = dma.GetBuffer(constants.HCAMBufferSize)
		if l.addr, err = a.transport.MapDMA(l.buf); err != nil {
			return fmt.Errorf("map notification buffer %d: %w", i, err)
		}
		a.listeners = append(a.listeners, l)
	}
	return nil
}

func (a *Adapter) unmapBuffers() {
	for i := 0; i < a.arena.Len(); i++ {
		c, _ := a.arena.Lookup(i)
		if c.StatusAddr != 0 {
			a.transport.UnmapDMA(c.StatusAddr)
			a.arena.SetStatusAddr(c, 0)
		}
	}
	for i, buf := range a.sense {
		if buf == nil {
			continue
		}
		if a.senseAddr[i] != 0 {
			a.transport.UnmapDMA(a.senseAddr[i])
		}
		dma.PutBuffer(buf)
		a.sense[i], a.senseAddr[i] = nil, 0
	}
	if a.modeBuf != nil {
		if a.modeAddr != 0 {
			a.transport.UnmapDMA(a.modeAddr)
		}
		dma.PutBuffer(a.modeBuf)
		a.modeBuf, a.modeAddr = nil, 0
	}
	if a.supBuf != nil {
		if a.supAddr != 0 {
			a.transport.UnmapDMA(a.supAddr)
		}
		dma.PutBuffer(a.supBuf)
		a.supBuf, a.supAddr = nil, 0
	}
	if a.cfgBuf != nil {
		dma.PutBuffer(a.cfgBuf)
		a.cfgBuf = nil
	}
	for _, l := range a.listeners {
		if l.addr != 0 {
			a.transport.UnmapDMA(l.addr)
		}
		if l.buf != nil {
			dma.PutBuffer(l.buf)
		}
		l.buf, l.addr = nil, 0
	}
}

// Start launches the interrupt runner and presence worker, then runs the
// initial reset job and waits for it to finish
func (a *Adapter) Start(ctx context.Context) error {
	wctx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel
	a.runner = queue.NewRunner(wctx, queue.Config{
		Interrupts: a.transport.Interrupts(),
		Servicer:   a,
		Logger:     a.logger,
	})
	a.runner.Start()
	a.wg.Add(1)
	go a.worker(wctx)

	a.mu.Lock()
	a.logger.Info("attaching adapter", "arena", a.arena.Size(), "contexts", a.arena.Len())
	a.initiateReset(ShutdownNone, "attach")
	idle := a.idle
	a.unlock()

	if err := a.wait(ctx, idle); err != nil {
		return err
	}
	if a.State() == StateDead {
		return ErrDead
	}
	return nil
}

func (a *Adapter) wait(ctx context.Context, idle <-chan struct{}) error {
	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Detach fails every outstanding command with "no connection", stops the
// runner and worker and releases all mappings
func (a *Adapter) Detach() {
	a.mu.Lock()
	if a.state == StateDetached {
		a.unlock()
		return
	}
	a.logger.Info("detaching adapter")
	a.state = StateDetached
	a.commandsAllowed = false
	a.interruptsAllowed = false
	a.stopJobTimer()
	a.job.active = false
	a.transport.MaskInterrupts()
	a.failAll(wire.IOASCIOANoConnection)
	a.unmapConfig()
	a.finishJob()
	a.unlock()

	if a.runner != nil {
		a.runner.Stop()
	}
	if a.cancel != nil {
		a.cancel()
	}
	a.wg.Wait()

	a.mu.Lock()
	a.unmapBuffers()
	a.unlock()
}

// unlock releases the adapter lock and then runs callbacks queued while it
// was held
func (a *Adapter) unlock() {
	work := a.deferred
	a.deferred = nil
	a.mu.Unlock()
	for _, fn := range work {
		fn()
	}
}

// later queues fn to run once the lock is released
func (a *Adapter) later(fn func()) {
	a.deferred = append(a.deferred, fn)
}

// release returns a context to its list and forgets its state
func (a *Adapter) release(c *arena.Cmd) {
	st := &a.states[c.Index]
	op := st.op
	a.disarm(st)
	st.clear()
	if err := a.arena.Release(c); err != nil {
		a.logger.WithCommand(c.Index, opName(op)).WithError(err).Error("release failed")
	}
}

// submit hands c to the transport. The caller owns cleanup on error.
func (a *Adapter) submit(c *arena.Cmd) error {
	if err := a.transport.Submit(&c.Req); err != nil {
		return fmt.Errorf("submit cmd %d: %w", c.Index, err)
	}
	return nil
}

// ID returns the adapter instance identifier
func (a *Adapter) ID() string { return a.id }

// State returns the lifecycle state
func (a *Adapter) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Info is a point-in-time summary of the adapter
type Info struct {
	ID           string
	State        State
	Resets       uint64
	ResetRetries int
	ResetStep    string
	ArenaSize    int
	Contexts     int
	Free         int
	Pending      int
	Reserved     int
	Devices      int
	FreeEntries  int
	RingCursor   int
	RingToggle   uint32
	RingWraps    uint64
	ParkedHCAMs  int
}

// Info returns a snapshot of the adapter state
func (a *Adapter) Info() Info {
	a.mu.Lock()
	defer a.mu.Unlock()
	parked := 0
	for _, l := range a.listeners {
		if l.parked {
			parked++
		}
	}
	return Info{
		ID:           a.id,
		State:        a.state,
		Resets:       a.resets,
		ResetRetries: a.job.retries,
		ResetStep:    a.job.step.String(),
		ArenaSize:    a.arena.Size(),
		Contexts:     a.arena.Len(),
		Free:         a.arena.FreeCount(),
		Pending:      a.arena.PendingCount(),
		Reserved:     a.arena.ReservedCount(),
		Devices:      a.table.UsedCount(),
		FreeEntries:  a.table.FreeCount(),
		RingCursor:   a.ring.Cursor(),
		RingToggle:   a.ring.Toggle(),
		RingWraps:    a.ring.Wraps(),
		ParkedHCAMs:  parked,
	}
}

// Device describes one resource table entry
type Device struct {
	Config        wire.ConfigEntry
	Device        interfaces.LogicalDevice
	AddPending    bool
	RemovePending bool
	Resetting     bool
}

// Devices returns the used resource entries in discovery order
func (a *Adapter) Devices() []Device {
	a.mu.Lock()
	defer a.mu.Unlock()
	used := a.table.Used()
	out := make([]Device, 0, len(used))
	for _, e := range used {
		out = append(out, Device{
			Config:        e.Cfg,
			Device:        e.Dev,
			AddPending:    e.Has(restable.AddPending),
			RemovePending: e.Has(restable.RemovePending),
			Resetting:     e.Has(restable.Resetting),
		})
	}
	return out
}

// Trace returns the recent command events oldest first
func (a *Adapter) Trace() []trace.Entry {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.trace.Snapshot()
}

// LastDump returns the most recent adapter snapshot, if any
func (a *Adapter) LastDump() []byte {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastDump
}

// CaptureDump reads an adapter snapshot on demand. It is only allowed while
// the reset job waits for permission to reset or is in its dump step.
func (a *Adapter) CaptureDump() ([]byte, error) {
	a.mu.Lock()
	defer a.unlock()
	if !a.job.active || (a.job.step != stepWaitPermission && a.job.step != stepDump) {
		return nil, ErrNotDumpWindow
	}
	data, err := a.transport.ReadDump()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoDump, err)
	}
	a.lastDump = data
	return data, nil
}
