package interfaces

import "github.com/ehrlich-b/go-ioa/internal/wire"

// Interrupt cause bits returned by Transport.InterruptCause
const (
	CauseHRRQUpdated uint32 = 1 << 0 // new entries in the host response queue
	CauseTransOper   uint32 = 1 << 1 // adapter transitioned to operational
	CauseUnitCheck   uint32 = 1 << 2 // adapter latched a unit check
	CauseFatal       uint32 = 1 << 3 // unrecoverable adapter error
)

// Transport is the interrupt-capable request ring and register window of
// one adapter. Calls never block on adapter work.
type Transport interface {
	// Submit hands a request block to the adapter (the doorbell write).
	Submit(req *wire.Request) error

	// ReadCompletion returns the host response queue word at slot.
	ReadCompletion(slot int) uint32

	// QueueUpdated acknowledges that the response queue was consumed.
	QueueUpdated()

	// Interrupts delivers one token per raised, unmasked interrupt.
	Interrupts() <-chan struct{}

	// InterruptCause reads the interrupt cause register.
	InterruptCause() uint32

	// ClearInterrupts clears cause bits.
	ClearInterrupts(bits uint32)

	// MaskInterrupts stops interrupt delivery.
	MaskInterrupts()

	// UnmaskInterrupts resumes interrupt delivery. After a self test this
	// starts the transition to operational.
	UnmaskInterrupts()

	// Alert signals a pending reset to the adapter.
	Alert()

	// ResetAllowed reports whether the adapter has quiesced after Alert.
	ResetAllowed() bool

	// StartBIST triggers the built-in self test, wiping adapter state.
	StartBIST()

	// RestoreConfig reapplies the saved bus configuration after self test.
	RestoreConfig() error

	// ReadDump extracts a diagnostic snapshot while a unit check is latched.
	ReadDump() ([]byte, error)

	// MapDMA makes buf visible to the adapter and returns its bus address.
	MapDMA(buf []byte) (uint64, error)

	// UnmapDMA releases a mapping returned by MapDMA.
	UnmapDMA(addr uint64)
}

// LogicalDevice is the externally owned object that represents an
// announced device
type LogicalDevice interface {
	Addr() wire.ResAddr
}

// Presence is the device-presence collaborator
type Presence interface {
	// Announce creates the logical device for a newly discovered resource.
	Announce(cfg wire.ConfigEntry) (LogicalDevice, error)

	// Withdraw removes a logical device whose resource disappeared.
	Withdraw(dev LogicalDevice)

	// BusReset tells the collaborator a bus was reset so devices on it
	// should expect disruption.
	BusReset(bus uint8)
}

// LogSink receives decoded adapter error-log entries
type LogSink interface {
	LogError(entry wire.ErrorLogEntry)
}
