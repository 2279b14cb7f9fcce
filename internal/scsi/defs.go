package scsi

/*
 * SCSI Opcodes used by the engine and the simulated devices
 */
const (
	TestUnitReady    = 0x00
	RequestSense     = 0x03
	Read6            = 0x08
	Write6           = 0x0a
	Inquiry          = 0x12
	ModeSelect       = 0x15
	ModeSense        = 0x1a
	StartStop        = 0x1b
	ReadCapacity     = 0x25
	Read10           = 0x28
	Write10          = 0x2a
	Verify           = 0x2f
	SynchronizeCache = 0x35
	WriteBuffer      = 0x3b
	ReadBuffer       = 0x3c
	ModeSelect10     = 0x55
	ModeSense10      = 0x5a
	ReportLuns       = 0xa0
	Read16           = 0x88
	Write16          = 0x8a
)

/*
 * SAM status codes
 */
const (
	SamStatGood                = 0x00
	SamStatCheckCondition      = 0x02
	SamStatConditionMet        = 0x04
	SamStatBusy                = 0x08
	SamStatReservationConflict = 0x18
	SamStatTaskSetFull         = 0x28
	SamStatAcaActive           = 0x30
	SamStatTaskAborted         = 0x40
)

/*
 * Additional sense codes (ASC << 8 | ASCQ)
 */
const (
	AscNoAdditionalSense                 = 0x0000
	AscLogicalUnitNotReady               = 0x0400
	AscReadError                         = 0x1100
	AscParameterListLengthError          = 0x1a00
	AscInvalidCommandOperationCode       = 0x2000
	AscLbaOutOfRange                     = 0x2100
	AscInvalidFieldInCdb                 = 0x2400
	AscInvalidFieldInParameterList       = 0x2600
	AscPowerOnResetOrBusReset            = 0x2900
	AscModeParametersChanged             = 0x2a01
	AscInternalTargetFailure             = 0x4400
	AscCommandsClearedByAnotherInitiator = 0x2f00
)

/*
 * Sense Keys
 */
const (
	SenseNoSense        = 0x00
	SenseRecoveredError = 0x01
	SenseNotReady       = 0x02
	SenseMediumError    = 0x03
	SenseHardwareError  = 0x04
	SenseIllegalRequest = 0x05
	SenseUnitAttention  = 0x06
	SenseDataProtect    = 0x07
	SenseBlankCheck     = 0x08
	SenseCopyAborted    = 0x0a
	SenseAbortedCommand = 0x0b
	SenseVolumeOverflow = 0x0d
	SenseMiscompare     = 0x0e
)

// SenseKeyName returns a readable name for a sense key
func SenseKeyName(key uint8) string {
	switch key {
	case SenseNoSense:
		return "NO SENSE"
	case SenseRecoveredError:
		return "RECOVERED ERROR"
	case SenseNotReady:
		return "NOT READY"
	case SenseMediumError:
		return "MEDIUM ERROR"
	case SenseHardwareError:
		return "HARDWARE ERROR"
	case SenseIllegalRequest:
		return "ILLEGAL REQUEST"
	case SenseUnitAttention:
		return "UNIT ATTENTION"
	case SenseDataProtect:
		return "DATA PROTECT"
	case SenseBlankCheck:
		return "BLANK CHECK"
	case SenseCopyAborted:
		return "COPY ABORTED"
	case SenseAbortedCommand:
		return "ABORTED COMMAND"
	case SenseVolumeOverflow:
		return "VOLUME OVERFLOW"
	case SenseMiscompare:
		return "MISCOMPARE"
	default:
		return "UNKNOWN"
	}
}

// OpName returns a readable name for the opcodes this package knows
func OpName(op uint8) string {
	switch op {
	case TestUnitReady:
		return "TEST_UNIT_READY"
	case RequestSense:
		return "REQUEST_SENSE"
	case Inquiry:
		return "INQUIRY"
	case Read10:
		return "READ_10"
	case Write10:
		return "WRITE_10"
	case Read16:
		return "READ_16"
	case Write16:
		return "WRITE_16"
	case ReadCapacity:
		return "READ_CAPACITY"
	case SynchronizeCache:
		return "SYNCHRONIZE_CACHE"
	case ModeSense10:
		return "MODE_SENSE_10"
	case ModeSelect10:
		return "MODE_SELECT_10"
	default:
		return "OTHER"
	}
}
