package wire

// Request types
type ReqType uint8

const (
	ReqDevice ReqType = 1 // SCSI command addressed to a device resource
	ReqIOA    ReqType = 2 // adapter-internal command
)

// IOAResHandle addresses the adapter itself rather than a device resource
const IOAResHandle uint32 = 0xFFFFFFFF

// Request flags
const (
	FlagWrite   uint8 = 1 << 0 // data moves host to device
	FlagSyncCmd uint8 = 1 << 1 // adapter must not reorder around this command
)

// Scatter/gather entry flags
const (
	SGRead  uint32 = 1 << 0 // device to host
	SGWrite uint32 = 1 << 1 // host to device
	SGLast  uint32 = 1 << 31
)

// Adapter-internal opcodes carried in CDB[0] of ReqIOA requests
const (
	OpResetDevice         uint8 = 0xC3
	OpIdentifyHRRQ        uint8 = 0xC4
	OpQueryConfig         uint8 = 0xC5
	OpAbortTask           uint8 = 0xC6
	OpCancelAll           uint8 = 0xCE
	OpHCAM                uint8 = 0xCF
	OpShutdown            uint8 = 0xF7
	OpSetSupportedDevices uint8 = 0xFB
	OpModeSelect10        uint8 = 0x55
	OpModeSense10         uint8 = 0x5A
)

// Shutdown types carried in CDB[1] of OpShutdown
const (
	ShutdownNormal  uint8 = 0x00
	ShutdownPrepare uint8 = 0x40
	ShutdownAbbrev  uint8 = 0x80
)

// HCAM notification classes carried in CDB[1] of OpHCAM
const (
	HCAMClassConfigChange uint8 = 0x01
	HCAMClassErrorLog     uint8 = 0x02
)

// HCAM record notify types
const (
	NotifyConfigChange uint8 = 0x01
	NotifyErrorLog     uint8 = 0x02
)

// HCAM record flags
const (
	HCAMNotificationsLost uint8 = 1 << 0
)

// Config change kinds carried in a config-change HCAM payload
const (
	ChangeAdded   uint8 = 0x01
	ChangeRemoved uint8 = 0x02
)

// Resource subtypes
const (
	SubtypeDevice      uint8 = 0x00
	SubtypeArrayMember uint8 = 0x01
	SubtypeHotSpare    uint8 = 0x02
	SubtypeVolumeSet   uint8 = 0x03
)

// Resource flags
const (
	ResFlagTCQ    uint8 = 1 << 0 // device runs tagged command queueing
	ResFlagHidden uint8 = 1 << 1 // not exposed to the host
)

// Mode page carrying bus attributes
const ModePageBusAttrs uint8 = 0x28

// Bus termination settings
const (
	TermNone uint8 = 0x00
	TermSE   uint8 = 0x01
	TermLVD  uint8 = 0x02
)

// IOASC values. The top byte is the SCSI sense key of the condition.
const (
	IOASCSuccess              uint32 = 0x00000000
	IOASCNRInitCmdRequired    uint32 = 0x02040200
	IOASCHWFailure            uint32 = 0x04448500
	IOASCInvalidRequest       uint32 = 0x05240000
	IOASCResourceNotFound     uint32 = 0x05250000
	IOASCBusWasReset          uint32 = 0x06290000
	IOASCBusWasResetByOther   uint32 = 0x06298000
	IOASCAbortedByHost        uint32 = 0x0B5A0000
	IOASCAbortedByDeviceReset uint32 = 0x0B5A0100
	IOASCIOAWasReset          uint32 = 0x10000001
	IOASCIOANoConnection      uint32 = 0x10000002
)

// IOASCSenseKey returns the sense key encoded in an IOASC
func IOASCSenseKey(ioasc uint32) uint8 {
	return uint8(ioasc >> 24)
}

// IsBusReset reports whether the IOASC describes a bus reset by anyone
func IsBusReset(ioasc uint32) bool {
	return ioasc == IOASCBusWasReset || ioasc == IOASCBusWasResetByOther
}

// IsAborted reports whether the command was terminated by a host request
func IsAborted(ioasc uint32) bool {
	return ioasc&0xFFFF0000 == 0x0B5A0000
}

// Sizes of fixed wire structures
const (
	RequestHeaderSize   = 48
	SGEntrySize         = 16
	StatusSize          = 16
	ConfigHeaderSize    = 8
	ConfigEntrySize     = 64
	HCAMHeaderSize      = 16
	ModePageHeaderSize  = 4
	BusAttrSize         = 8
	ErrorLogHeaderSize  = 14
	MaxErrorLogDetail   = 64
	SupportedDeviceSize = 16
)

// HRRQ entry layout
const (
	HRRQToggleBit  uint32 = 1 << 0
	HRRQIndexShift        = 2
)
