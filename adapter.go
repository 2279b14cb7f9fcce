// Package ioa drives a SCSI RAID I/O adapter: it submits caller commands,
// recovers sense data after check conditions, keeps host notifications
// outstanding, synchronizes the device inventory and resets the adapter
// when it stops making progress.
//
// The hardware is reached through a Transport. The sim package provides a
// software adapter implementing it.
package ioa

import (
	"context"
	"time"

	"github.com/ehrlich-b/go-ioa/internal/config"
	"github.com/ehrlich-b/go-ioa/internal/dma"
	"github.com/ehrlich-b/go-ioa/internal/engine"
	"github.com/ehrlich-b/go-ioa/internal/interfaces"
	"github.com/ehrlich-b/go-ioa/internal/logging"
	"github.com/ehrlich-b/go-ioa/internal/trace"
	"github.com/ehrlich-b/go-ioa/internal/wire"
)

// Collaborator contracts
type (
	Transport     = interfaces.Transport
	Presence      = interfaces.Presence
	LogSink       = interfaces.LogSink
	LogicalDevice = interfaces.LogicalDevice
	Backend       = interfaces.Backend
)

// Wire-level descriptors handed to collaborators
type (
	ConfigEntry   = wire.ConfigEntry
	ResAddr       = wire.ResAddr
	ErrorLogEntry = wire.ErrorLogEntry
)

// Engine types
type (
	Params       = engine.Params
	Timeouts     = engine.Timeouts
	Tag          = engine.Tag
	Result       = engine.Result
	ResultCode   = engine.ResultCode
	QueueStatus  = engine.QueueStatus
	ShutdownType = engine.ShutdownType
	State        = engine.State
	Info         = engine.Info
	DeviceInfo   = engine.Device
	Direction    = dma.Direction
	TraceEntry   = trace.Entry
	Logger       = logging.Logger
	LogConfig    = logging.Config
)

const (
	ResultOK             = engine.ResultOK
	ResultCheckCondition = engine.ResultCheckCondition
	ResultWasReset       = engine.ResultWasReset
	ResultBusReset       = engine.ResultBusReset
	ResultAborted        = engine.ResultAborted
	ResultError          = engine.ResultError
	ResultNoConnection   = engine.ResultNoConnection
)

const (
	QueueAccepted = engine.QueueAccepted
	QueueBusy     = engine.QueueBusy
	QueueNoDevice = engine.QueueNoDevice
	QueueInvalid  = engine.QueueInvalid
)

const (
	ShutdownNone    = engine.ShutdownNone
	ShutdownNormal  = engine.ShutdownNormal
	ShutdownPrepare = engine.ShutdownPrepare
	ShutdownAbbrev  = engine.ShutdownAbbrev
)

const (
	StateInit        = engine.StateInit
	StateOperational = engine.StateOperational
	StateResetting   = engine.StateResetting
	StateDead        = engine.StateDead
	StateDetached    = engine.StateDetached
)

const (
	DirNone       = dma.DirNone
	DirToDevice   = dma.DirToDevice
	DirFromDevice = dma.DirFromDevice
)

// DefaultParams returns the built-in adapter parameters
func DefaultParams() Params {
	return engine.DefaultParams()
}

// LoadParams reads parameters from a configuration file, IOA_* environment
// variables and built-in defaults, in that order of precedence. An empty
// path searches the standard locations.
func LoadParams(path string) (Params, *LogConfig, error) {
	c, err := config.Load(config.New(), path)
	if err != nil {
		e := WrapError("LOAD_CONFIG", err)
		e.Code = ErrCodeInvalidParameters
		return Params{}, nil, e
	}
	lc := logging.DefaultConfig()
	lc.Level = logging.ParseLevel(c.Log.Level)
	if c.Log.Format != "" {
		lc.Format = c.Log.Format
	}
	return engine.ParamsFromConfig(c), lc, nil
}

// DefaultLogConfig returns text logging at info level to stderr
func DefaultLogConfig() *LogConfig {
	return logging.DefaultConfig()
}

// NewLogger creates a structured logger
func NewLogger(c *LogConfig) *Logger {
	return logging.NewLogger(c)
}

// Options contains the collaborators of an adapter
type Options struct {
	// ID names the adapter in logs and Info (if empty, a UUID is assigned)
	ID string

	// Presence announces and withdraws logical devices (required)
	Presence Presence

	// LogSink receives adapter error-log entries (if nil, they are dropped)
	LogSink LogSink

	// Observer receives engine events in addition to the built-in Metrics
	Observer Observer

	// Logger for engine messages (if nil, the process default is used)
	Logger *Logger
}

// Adapter is an attached adapter
type Adapter struct {
	eng     *engine.Adapter
	metrics *Metrics
}

// Attach builds an adapter around transport, runs the initial reset and
// waits until the adapter is operational or declared dead.
//
// Example:
//
//	s := sim.New(sim.Options{})
//	s.Insert(ioa.ConfigEntry{Addr: ioa.ResAddr{Target: 0}}, backend.NewMemory(64<<20))
//	a, err := ioa.Attach(ctx, s, ioa.DefaultParams(), &ioa.Options{Presence: ioa.NewMockPresence()})
func Attach(ctx context.Context, transport Transport, params Params, opts *Options) (*Adapter, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if opts == nil {
		opts = &Options{}
	}

	metrics := NewMetrics()
	var observer Observer = NewMetricsObserver(metrics)
	if opts.Observer != nil {
		observer = multiObserver{observer, opts.Observer}
	}

	eng, err := engine.New(transport, params, engine.Options{
		ID:       opts.ID,
		Presence: opts.Presence,
		LogSink:  opts.LogSink,
		Observer: observer,
		Logger:   opts.Logger,
	})
	if err != nil {
		e := WrapError("ATTACH", err)
		if e.Code == ErrCodeIOError {
			e.Code = ErrCodeInvalidParameters
		}
		return nil, e
	}

	if err := eng.Start(ctx); err != nil {
		eng.Detach()
		metrics.Stop()
		e := WrapError("ATTACH", err)
		e.Adapter = eng.ID()
		return nil, e
	}

	return &Adapter{eng: eng, metrics: metrics}, nil
}

// wrap converts an engine error without producing a typed nil
func (a *Adapter) wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	e := WrapError(op, err)
	e.Adapter = a.eng.ID()
	return e
}

// ID returns the adapter instance identifier
func (a *Adapter) ID() string {
	return a.eng.ID()
}

// Queue submits cdb to dev. regions hold the data; for DirToDevice they
// are read, for DirFromDevice they are filled. done is called exactly once
// when the answer is QueueAccepted and never otherwise.
func (a *Adapter) Queue(dev LogicalDevice, cdb []byte, dir Direction, regions [][]byte, done func(Result)) (Tag, QueueStatus) {
	return a.eng.Queue(dev, cdb, dir, regions, done)
}

// Do queues a command and waits for its result
func (a *Adapter) Do(ctx context.Context, dev LogicalDevice, cdb []byte, dir Direction, regions ...[]byte) (Result, error) {
	ch := make(chan Result, 1)
	tag, qs := a.eng.Queue(dev, cdb, dir, regions, func(r Result) { ch <- r })
	switch qs {
	case QueueAccepted:
	case QueueBusy:
		return Result{}, a.wrap("QUEUE", engine.ErrBusy)
	case QueueNoDevice:
		return Result{}, a.wrap("QUEUE", engine.ErrNoDevice)
	default:
		return Result{}, NewError("QUEUE", ErrCodeInvalidParameters, "command rejected")
	}
	select {
	case r := <-ch:
		return r, nil
	case <-ctx.Done():
		// The command stays owned by the engine; abort it so its context is
		// reclaimed.
		_ = a.eng.Abort(tag)
		return Result{}, a.wrap("QUEUE", ctx.Err())
	}
}

// Abort terminates a queued command. A command that already finished is
// not an error.
func (a *Adapter) Abort(tag Tag) error {
	return a.wrap("ABORT", a.eng.Abort(tag))
}

// ResetDevice resets one device. Commands to it are refused meanwhile.
func (a *Adapter) ResetDevice(dev LogicalDevice) error {
	return a.wrap("RESET_DEVICE", a.eng.ResetDevice(dev))
}

// ResetAdapter resets and reloads the adapter and waits for the result.
// Outstanding commands finish with ResultWasReset.
func (a *Adapter) ResetAdapter(ctx context.Context, shutdown ShutdownType) error {
	return a.wrap("RESET_ADAPTER", a.eng.ResetAdapter(ctx, shutdown))
}

// State returns the lifecycle state
func (a *Adapter) State() State {
	return a.eng.State()
}

// Info returns a snapshot of the adapter
func (a *Adapter) Info() Info {
	return a.eng.Info()
}

// Devices returns the resource table entries in discovery order
func (a *Adapter) Devices() []DeviceInfo {
	return a.eng.Devices()
}

// Trace returns recent command events oldest first
func (a *Adapter) Trace() []TraceEntry {
	return a.eng.Trace()
}

// CaptureDump reads an adapter snapshot while a reset waits for permission
func (a *Adapter) CaptureDump() ([]byte, error) {
	data, err := a.eng.CaptureDump()
	return data, a.wrap("CAPTURE_DUMP", err)
}

// LastDump returns the snapshot captured after the last unit check
func (a *Adapter) LastDump() []byte {
	return a.eng.LastDump()
}

// Metrics returns the live counters of the adapter
func (a *Adapter) Metrics() *Metrics {
	return a.metrics
}

// MetricsSnapshot returns a point-in-time copy of the counters
func (a *Adapter) MetricsSnapshot() MetricsSnapshot {
	return a.metrics.Snapshot()
}

// Detach fails outstanding commands with ResultNoConnection and releases
// every adapter mapping. It returns early if ctx ends first; the detach
// still completes in the background.
func (a *Adapter) Detach(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	done := make(chan struct{})
	go func() {
		a.eng.Detach()
		a.metrics.Stop()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return a.wrap("DETACH", ctx.Err())
	}
}

// WaitState polls until the adapter reaches want or ctx ends
func (a *Adapter) WaitState(ctx context.Context, want State) error {
	t := time.NewTicker(time.Millisecond)
	defer t.Stop()
	for {
		if a.eng.State() == want {
			return nil
		}
		select {
		case <-ctx.Done():
			return a.wrap("WAIT_STATE", ctx.Err())
		case <-t.C:
		}
	}
}
