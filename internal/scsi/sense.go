package scsi

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// FixedSenseSize is the size of fixed-format sense data built by Fixed
const FixedSenseSize = 18

// ErrBadSense is returned for sense data that cannot be decoded
var ErrBadSense = errors.New("scsi: malformed sense data")

// Sense is decoded sense data
type Sense struct {
	Key  uint8
	ASC  uint8
	ASCQ uint8
}

// Code returns ASC << 8 | ASCQ
func (s Sense) Code() uint16 {
	return uint16(s.ASC)<<8 | uint16(s.ASCQ)
}

func (s Sense) String() string {
	return fmt.Sprintf("%s asc=%02x ascq=%02x", SenseKeyName(s.Key), s.ASC, s.ASCQ)
}

// Fixed builds fixed-format current sense data for key and asc (ASC << 8 | ASCQ)
func Fixed(key byte, asc uint16) []byte {
	buf := make([]byte, FixedSenseSize)
	buf[0] = 0x70 /* fixed, current */
	buf[2] = key
	buf[7] = 0xa
	buf[12] = byte(uint8((asc >> 8) & 0xff))
	buf[13] = byte(uint8(asc & 0xff))
	return buf
}

// Decode parses fixed (0x70/0x71) or descriptor (0x72/0x73) sense data
func Decode(buf []byte) (Sense, error) {
	if len(buf) < 4 {
		return Sense{}, ErrBadSense
	}
	switch buf[0] & 0x7f {
	case 0x70, 0x71:
		if len(buf) < 14 {
			return Sense{}, ErrBadSense
		}
		return Sense{Key: buf[2] & 0x0f, ASC: buf[12], ASCQ: buf[13]}, nil
	case 0x72, 0x73:
		return Sense{Key: buf[1] & 0x0f, ASC: buf[2], ASCQ: buf[3]}, nil
	default:
		return Sense{}, ErrBadSense
	}
}

// CdbLen returns the length of a CDB given its opcode group
func CdbLen(op uint8) int {
	switch op >> 5 {
	case 0:
		return 6
	case 1, 2:
		return 10
	case 4:
		return 16
	case 5:
		return 12
	default:
		return 16
	}
}

// LBA returns the logical block address of a READ/WRITE CDB
func LBA(cdb []byte) uint64 {
	order := binary.BigEndian
	switch CdbLen(cdb[0]) {
	case 6:
		return uint64(cdb[1]&0x1f)<<16 | uint64(order.Uint16(cdb[2:4]))
	case 10, 12:
		return uint64(order.Uint32(cdb[2:6]))
	default:
		return order.Uint64(cdb[2:10])
	}
}

// XferLen returns the transfer length in blocks of a READ/WRITE CDB
func XferLen(cdb []byte) uint32 {
	order := binary.BigEndian
	switch CdbLen(cdb[0]) {
	case 6:
		if cdb[4] == 0 {
			return 256
		}
		return uint32(cdb[4])
	case 10:
		return uint32(order.Uint16(cdb[7:9]))
	case 12:
		return uint32(order.Uint32(cdb[6:10]))
	default:
		return order.Uint32(cdb[10:14])
	}
}

// Read10CDB builds a READ(10) CDB
func Read10CDB(lba uint32, blocks uint16) []byte {
	cdb := make([]byte, 10)
	cdb[0] = Read10
	binary.BigEndian.PutUint32(cdb[2:6], lba)
	binary.BigEndian.PutUint16(cdb[7:9], blocks)
	return cdb
}

// Write10CDB builds a WRITE(10) CDB
func Write10CDB(lba uint32, blocks uint16) []byte {
	cdb := make([]byte, 10)
	cdb[0] = Write10
	binary.BigEndian.PutUint32(cdb[2:6], lba)
	binary.BigEndian.PutUint16(cdb[7:9], blocks)
	return cdb
}

// InquiryCDB builds a standard INQUIRY CDB
func InquiryCDB(alloc uint16) []byte {
	cdb := make([]byte, 6)
	cdb[0] = Inquiry
	binary.BigEndian.PutUint16(cdb[3:5], alloc)
	return cdb
}

// RequestSenseCDB builds a REQUEST SENSE CDB
func RequestSenseCDB(alloc uint8) []byte {
	cdb := make([]byte, 6)
	cdb[0] = RequestSense
	cdb[4] = alloc
	return cdb
}
