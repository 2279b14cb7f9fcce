package constants

import "time"

// Default sizing constants
const (
	// DefaultArenaSize is the number of pooled command contexts available
	// to callers
	DefaultArenaSize = 100

	// DefaultErrorLogListeners is the number of error-log HCAMs kept outstanding
	DefaultErrorLogListeners = 2

	// DefaultConfigChangeListeners is the number of config-change HCAMs kept
	// outstanding
	DefaultConfigChangeListeners = 2

	// ResetContexts is the number of dedicated reset job contexts. Two are
	// alternated so a superseded job's command stays distinguishable.
	ResetContexts = 2

	// TaskMgmtContexts is the number of dedicated task management contexts:
	// one for ABORT TASK and one for the RESET DEVICE it may escalate to
	TaskMgmtContexts = 2

	// DefaultMaxResetRetries is how many times the reset job may restart
	// before the adapter is declared dead
	DefaultMaxResetRetries = 3

	// DefaultTraceEntries is the size of the command trace ring
	DefaultTraceEntries = 256

	// DefaultMaxSGEntries bounds the scatter/gather list of one command
	DefaultMaxSGEntries = 64

	// DefaultPagesPerSegment caps the length of one SG entry in pages
	DefaultPagesPerSegment = 16

	// DefaultMaxResources bounds the resource table
	DefaultMaxResources = 64

	// SenseBufferSize is the size of the sense area fetched by REQUEST SENSE
	SenseBufferSize = 96

	// HCAMBufferSize is the size of one host notification buffer
	HCAMBufferSize = 4096

	// ConfigTableBufferSize is the size of the inventory buffer
	ConfigTableBufferSize = 16 * 1024

	// ModePageBufferSize is the size of the mode sense/select buffer
	ModePageBufferSize = 4096
)

// Timing constants for commands and the reset job
const (
	// DefaultIOTimeout is the deadline for caller-submitted commands
	DefaultIOTimeout = 30 * time.Second

	// DefaultInternalTimeout is the deadline for reset-job sub-commands
	DefaultInternalTimeout = 30 * time.Second

	// DefaultResetAlertTimeout bounds WAIT-FOR-PERMISSION
	DefaultResetAlertTimeout = 10 * time.Second

	// DefaultPollInterval is the WAIT-FOR-PERMISSION polling period
	DefaultPollInterval = 100 * time.Millisecond

	// DefaultBISTDelay is the fixed wait after triggering self test
	DefaultBISTDelay = 2 * time.Second

	// DefaultOperationalTimeout bounds the wait for transition to operational
	DefaultOperationalTimeout = 120 * time.Second

	// DefaultCancelAllTimeout is the ERP cancel-all stage deadline
	DefaultCancelAllTimeout = 30 * time.Second

	// DefaultRequestSenseTimeout is the ERP request-sense stage deadline
	DefaultRequestSenseTimeout = 30 * time.Second

	// DefaultAbortTimeout bounds an abort task request
	DefaultAbortTimeout = 60 * time.Second

	// DefaultDeviceResetTimeout bounds a device reset request
	DefaultDeviceResetTimeout = 60 * time.Second

	// DefaultShutdownTimeout is used for a normal adapter shutdown
	DefaultShutdownTimeout = 10 * time.Minute

	// DefaultAbbrevShutdownTimeout is used for an abbreviated shutdown
	DefaultAbbrevShutdownTimeout = 4 * time.Minute
)

// Bus negotiation defaults
const (
	// DefaultMaxBusSpeedMBs is the bus transfer rate limit in MB/s
	DefaultMaxBusSpeedMBs = 320

	// DefaultBusWidth is the bus width in bits
	DefaultBusWidth = 16
)
