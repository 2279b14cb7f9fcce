// Package engine drives one adapter: command submission and completion,
// error recovery, host notifications, task management and the reset job.
//
// All adapter state is guarded by a single mutex. The interrupt path runs
// on the queue runner goroutine and takes the same mutex; caller callbacks
// always run after the mutex is released.
package engine

import (
	"fmt"
	"time"

	"github.com/ehrlich-b/go-ioa/internal/config"
	"github.com/ehrlich-b/go-ioa/internal/constants"
	"github.com/ehrlich-b/go-ioa/internal/ctrl"
	"github.com/ehrlich-b/go-ioa/internal/wire"
)

// State is the adapter lifecycle state
type State uint8

const (
	StateInit State = iota
	StateOperational
	StateResetting
	StateDead
	StateDetached
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateOperational:
		return "operational"
	case StateResetting:
		return "resetting"
	case StateDead:
		return "dead"
	case StateDetached:
		return "detached"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// ResultCode classifies how a caller command finished
type ResultCode uint8

const (
	ResultOK ResultCode = iota
	ResultCheckCondition
	ResultWasReset
	ResultBusReset
	ResultAborted
	ResultError
	ResultNoConnection
)

func (r ResultCode) String() string {
	switch r {
	case ResultOK:
		return "ok"
	case ResultCheckCondition:
		return "check condition"
	case ResultWasReset:
		return "was reset"
	case ResultBusReset:
		return "bus reset"
	case ResultAborted:
		return "aborted"
	case ResultError:
		return "error"
	case ResultNoConnection:
		return "no connection"
	default:
		return fmt.Sprintf("result(%d)", uint8(r))
	}
}

// Retryable reports whether the caller should resubmit the command
func (r ResultCode) Retryable() bool {
	return r == ResultWasReset || r == ResultBusReset
}

// Result is delivered to the caller's completion callback exactly once
type Result struct {
	Code       ResultCode
	IOASC      uint32
	SCSIStatus uint8
	Residual   uint32

	// Sense data retrieved by error recovery, decoded below when valid
	Sense    []byte
	SenseKey uint8
	ASC      uint8
	ASCQ     uint8
}

// DoneFunc receives the result of a queued command
type DoneFunc func(Result)

// QueueStatus is the synchronous answer to Queue
type QueueStatus uint8

const (
	QueueAccepted QueueStatus = iota
	QueueBusy
	QueueNoDevice
	QueueInvalid
)

func (q QueueStatus) String() string {
	switch q {
	case QueueAccepted:
		return "accepted"
	case QueueBusy:
		return "busy"
	case QueueNoDevice:
		return "no device"
	case QueueInvalid:
		return "invalid"
	default:
		return fmt.Sprintf("queue(%d)", uint8(q))
	}
}

// ShutdownType selects the shutdown issued before a reset
type ShutdownType uint8

const (
	ShutdownNone ShutdownType = iota
	ShutdownNormal
	ShutdownPrepare
	ShutdownAbbrev
)

func (s ShutdownType) String() string {
	switch s {
	case ShutdownNone:
		return "none"
	case ShutdownNormal:
		return "normal"
	case ShutdownPrepare:
		return "prepare"
	case ShutdownAbbrev:
		return "abbreviated"
	default:
		return fmt.Sprintf("shutdown(%d)", uint8(s))
	}
}

func (s ShutdownType) wire() uint8 {
	switch s {
	case ShutdownPrepare:
		return wire.ShutdownPrepare
	case ShutdownAbbrev:
		return wire.ShutdownAbbrev
	default:
		return wire.ShutdownNormal
	}
}

// Tag identifies one submission of a command context
type Tag struct {
	Index int
	Seq   uint64
}

// Timeouts are the deadlines and waits used by the engine
type Timeouts struct {
	IO             time.Duration
	Internal       time.Duration
	ResetAlert     time.Duration
	Poll           time.Duration
	BIST           time.Duration
	Operational    time.Duration
	CancelAll      time.Duration
	RequestSense   time.Duration
	Abort          time.Duration
	DeviceReset    time.Duration
	Shutdown       time.Duration
	AbbrevShutdown time.Duration
}

// Params size and tune one adapter
type Params struct {
	ArenaSize             int
	ErrorLogListeners     int
	ConfigChangeListeners int
	MaxResetRetries       int
	MaxResources          int
	TraceEntries          int
	MaxSGEntries          int
	PagesPerSegment       int
	Timeouts              Timeouts
	Bus                   ctrl.BusDefaults
}

// DefaultParams returns the built-in defaults
func DefaultParams() Params {
	return Params{
		ArenaSize:             constants.DefaultArenaSize,
		ErrorLogListeners:     constants.DefaultErrorLogListeners,
		ConfigChangeListeners: constants.DefaultConfigChangeListeners,
		MaxResetRetries:       constants.DefaultMaxResetRetries,
		MaxResources:          constants.DefaultMaxResources,
		TraceEntries:          constants.DefaultTraceEntries,
		MaxSGEntries:          constants.DefaultMaxSGEntries,
		PagesPerSegment:       constants.DefaultPagesPerSegment,
		Timeouts: Timeouts{
			IO:             constants.DefaultIOTimeout,
			Internal:       constants.DefaultInternalTimeout,
			ResetAlert:     constants.DefaultResetAlertTimeout,
			Poll:           constants.DefaultPollInterval,
			BIST:           constants.DefaultBISTDelay,
			Operational:    constants.DefaultOperationalTimeout,
			CancelAll:      constants.DefaultCancelAllTimeout,
			RequestSense:   constants.DefaultRequestSenseTimeout,
			Abort:          constants.DefaultAbortTimeout,
			DeviceReset:    constants.DefaultDeviceResetTimeout,
			Shutdown:       constants.DefaultShutdownTimeout,
			AbbrevShutdown: constants.DefaultAbbrevShutdownTimeout,
		},
		Bus: ctrl.BusDefaults{
			MaxXferRate: constants.DefaultMaxBusSpeedMBs,
			BusWidth:    constants.DefaultBusWidth,
			Termination: wire.TermLVD,
		},
	}
}

// ParamsFromConfig converts a loaded configuration
func ParamsFromConfig(c *config.Config) Params {
	t := c.Timeouts
	return Params{
		ArenaSize:             c.Arena.Size,
		ErrorLogListeners:     c.HCAM.ErrorLog,
		ConfigChangeListeners: c.HCAM.ConfigChange,
		MaxResetRetries:       c.Reset.MaxRetries,
		MaxResources:          c.Arena.Resources,
		TraceEntries:          c.Arena.TraceEntries,
		MaxSGEntries:          c.Arena.MaxSGEntries,
		PagesPerSegment:       c.Arena.PagesPerSegment,
		Timeouts: Timeouts{
			IO:             t.IO,
			Internal:       t.Internal,
			ResetAlert:     t.ResetAlert,
			Poll:           t.Poll,
			BIST:           t.BIST,
			Operational:    t.Operational,
			CancelAll:      t.CancelAll,
			RequestSense:   t.RequestSense,
			Abort:          t.Abort,
			DeviceReset:    t.DeviceReset,
			Shutdown:       t.Shutdown,
			AbbrevShutdown: t.AbbrevShutdown,
		},
		Bus: ctrl.BusDefaults{
			MaxXferRate: c.Bus.MaxRate,
			BusWidth:    c.Bus.Width,
			Termination: c.Termination(),
		},
	}
}

func (p *Params) validate() error {
	if p.ArenaSize <= 0 {
		return fmt.Errorf("arena size must be positive, got %d", p.ArenaSize)
	}
	if p.ErrorLogListeners < 0 || p.ConfigChangeListeners < 0 {
		return fmt.Errorf("listener quotas cannot be negative")
	}
	if p.MaxResetRetries < 0 {
		return fmt.Errorf("max reset retries cannot be negative")
	}
	if p.MaxResources <= 0 {
		return fmt.Errorf("resource table must have entries")
	}
	if p.Timeouts.Poll <= 0 {
		return fmt.Errorf("poll interval must be positive")
	}
	return nil
}

func (p *Params) shutdownTimeout(s ShutdownType) time.Duration {
	if s == ShutdownAbbrev {
		return p.Timeouts.AbbrevShutdown
	}
	return p.Timeouts.Shutdown
}

// Observer receives engine events for metrics
type Observer interface {
	ObserveCommand(op uint8, bytes uint64, latency time.Duration, code ResultCode)
	ObserveERP()
	ObserveBusReset()
	ObserveAbort(ok bool)
	ObserveDeviceReset(ok bool)
	ObserveAdapterReset()
	ObserveResetRetry()
	ObserveHCAM(notifyType uint8)
	ObserveDrain(n int)
	ObserveDead()
}

type nopObserver struct{}

func (nopObserver) ObserveCommand(uint8, uint64, time.Duration, ResultCode) {}
func (nopObserver) ObserveERP()                                               {}
func (nopObserver) ObserveBusReset()                                          {}
func (nopObserver) ObserveAbort(bool)                                         {}
func (nopObserver) ObserveDeviceReset(bool)                                   {}
func (nopObserver) ObserveAdapterReset()                                      {}
func (nopObserver) ObserveResetRetry()                                        {}
func (nopObserver) ObserveHCAM(uint8)                                         {}
func (nopObserver) ObserveDrain(int)                                          {}
func (nopObserver) ObserveDead()                                              {}
