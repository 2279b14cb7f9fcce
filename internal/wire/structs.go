// Package wire defines the data formats exchanged with the adapter: request
// blocks, scatter/gather lists, status blocks, completion queue words, the
// configuration table, host notification records and mode pages.
package wire

import (
	"fmt"
	"strings"
)

// SGEntry is one scatter/gather descriptor
type SGEntry struct {
	Addr  uint64
	Len   uint32
	Flags uint32
}

// DataDesc describes the data phase of a request. A single contiguous
// transfer uses Addr/Len directly; anything else carries an SG list.
type DataDesc struct {
	Addr  uint64
	Len   uint32
	SG    []SGEntry
	Write bool
}

// Direct reports whether the descriptor uses the single-address path
func (d *DataDesc) Direct() bool {
	return len(d.SG) == 0 && d.Len > 0
}

// Total returns the number of bytes described
func (d *DataDesc) Total() uint32 {
	if len(d.SG) == 0 {
		return d.Len
	}
	var n uint32
	for _, e := range d.SG {
		n += e.Len
	}
	return n
}

// Request is the request control block handed to the adapter
type Request struct {
	Handle     uint32 // echoed in the completion queue
	ResHandle  uint32
	Type       ReqType
	Flags      uint8
	CDB        [16]byte
	Data       DataDesc
	StatusAddr uint64 // where the adapter writes the Status block
}

// Opcode returns CDB[0]
func (r *Request) Opcode() uint8 {
	return r.CDB[0]
}

// Status is the status block the adapter writes when a request finishes
type Status struct {
	IOASC      uint32
	Residual   uint32
	SCSIStatus uint8
	Flags      uint8
}

// OK reports whether the request finished without any error
func (s *Status) OK() bool {
	return s.IOASC == IOASCSuccess && s.SCSIStatus == 0
}

// ResAddr identifies a device by bus/target/lun
type ResAddr struct {
	Bus    uint8
	Target uint8
	Lun    uint8
}

func (a ResAddr) String() string {
	return fmt.Sprintf("%d:%d:%d", a.Bus, a.Target, a.Lun)
}

// ConfigEntry is one device descriptor from the configuration table
type ConfigEntry struct {
	Subtype    uint8
	Flags      uint8
	Addr       ResAddr
	ResHandle  uint32
	Vendor     string
	Product    string
	Serial     string
	BlockCount uint64
	BlockSize  uint32
}

// TCQ reports whether the device runs tagged command queueing
func (e *ConfigEntry) TCQ() bool {
	return e.Flags&ResFlagTCQ != 0
}

// ConfigTable is the adapter's device inventory
type ConfigTable struct {
	Flags   uint8
	Entries []ConfigEntry
}

// HCAMRecord is the payload returned by a completed host notification
type HCAMRecord struct {
	NotifyType uint8
	Flags      uint8
	Sequence   uint32
	Data       []byte
}

// NotificationsLost reports whether the adapter dropped events before this one
func (h *HCAMRecord) NotificationsLost() bool {
	return h.Flags&HCAMNotificationsLost != 0
}

// ConfigChange is the payload of a configuration-change notification
type ConfigChange struct {
	Kind  uint8
	Entry ConfigEntry
}

// ErrorLogEntry is the payload of an error-log notification
type ErrorLogEntry struct {
	IOASC    uint32
	Addr     ResAddr
	Sequence uint32
	Detail   string
}

// BusAttr holds the negotiated settings of one bus (mode page 0x28)
type BusAttr struct {
	Bus         uint8
	Flags       uint8
	Termination uint8
	BusWidth    uint8
	MaxXferRate uint32 // MB/s
}

// SupportedDevice is pushed to the adapter for each qualifying resource
type SupportedDevice struct {
	Addr      ResAddr
	ResHandle uint32
	Flags     uint8
}

// EncodeHRRQ builds a completion queue word
func EncodeHRRQ(index int, toggle uint32) uint32 {
	return uint32(index)<<HRRQIndexShift | toggle&HRRQToggleBit
}

// DecodeHRRQ splits a completion queue word into handle and toggle bit
func DecodeHRRQ(word uint32) (int, uint32) {
	return int(word >> HRRQIndexShift), word & HRRQToggleBit
}

// trimField converts a fixed-width, space or NUL padded field to a string
func trimField(b []byte) string {
	return strings.TrimRight(string(b), " \x00")
}

// putField writes s into b padded with spaces
func putField(b []byte, s string) {
	n := copy(b, s)
	for i := n; i < len(b); i++ {
		b[i] = ' '
	}
}
