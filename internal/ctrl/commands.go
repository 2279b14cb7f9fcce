// Package ctrl builds the adapter-internal commands used by the reset job,
// error recovery, task management and host notifications, and parses what
// those commands return.
package ctrl

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/ehrlich-b/go-ioa/internal/scsi"
	"github.com/ehrlich-b/go-ioa/internal/wire"
)

// ErrBadConfigTable is returned when the inventory buffer cannot be decoded
var ErrBadConfigTable = errors.New("ctrl: malformed configuration table")

// Builders expect a request freshly reset by the arena: Handle and
// StatusAddr are already set and everything else is zero.

func ioa(req *wire.Request, op uint8) {
	req.Type = wire.ReqIOA
	req.ResHandle = wire.IOAResHandle
	req.CDB[0] = op
}

func data(req *wire.Request, addr uint64, n int, write bool) {
	req.Data = wire.DataDesc{Addr: addr, Len: uint32(n), Write: write}
	if write {
		req.Flags |= wire.FlagWrite
	}
}

// Identify registers a host response queue of entries slots
func Identify(req *wire.Request, entries int) {
	ioa(req, wire.OpIdentifyHRRQ)
	binary.BigEndian.PutUint32(req.CDB[2:6], uint32(entries))
}

// IdentifyEntries returns the queue size carried by an Identify request
func IdentifyEntries(req *wire.Request) int {
	return int(binary.BigEndian.Uint32(req.CDB[2:6]))
}

// QueryConfig fetches the configuration table into the n-byte buffer at addr
func QueryConfig(req *wire.Request, addr uint64, n int) {
	ioa(req, wire.OpQueryConfig)
	binary.BigEndian.PutUint32(req.CDB[6:10], uint32(n))
	data(req, addr, n, false)
}

// ModeSense fetches a mode page
func ModeSense(req *wire.Request, page uint8, addr uint64, n int) {
	ioa(req, wire.OpModeSense10)
	req.CDB[2] = page
	binary.BigEndian.PutUint16(req.CDB[7:9], uint16(n))
	data(req, addr, n, false)
}

// ModeSelect applies the mode page in the n-byte buffer at addr
func ModeSelect(req *wire.Request, addr uint64, n int) {
	ioa(req, wire.OpModeSelect10)
	req.CDB[1] = 0x10 // page format
	binary.BigEndian.PutUint16(req.CDB[7:9], uint16(n))
	data(req, addr, n, true)
}

// ModePage returns the page code of a ModeSense request
func ModePage(req *wire.Request) uint8 {
	return req.CDB[2] & 0x3F
}

// SetSupported pushes one supported-device descriptor
func SetSupported(req *wire.Request, addr uint64) {
	ioa(req, wire.OpSetSupportedDevices)
	binary.BigEndian.PutUint16(req.CDB[7:9], wire.SupportedDeviceSize)
	data(req, addr, wire.SupportedDeviceSize, true)
}

// Shutdown asks the adapter to flush and quiesce
func Shutdown(req *wire.Request, typ uint8) {
	ioa(req, wire.OpShutdown)
	req.CDB[1] = typ
}

// ShutdownType returns the type carried by a Shutdown request
func ShutdownType(req *wire.Request) uint8 {
	return req.CDB[1]
}

// CancelAll terminates every command queued to a device resource
func CancelAll(req *wire.Request, resHandle uint32) {
	ioa(req, wire.OpCancelAll)
	req.ResHandle = resHandle
	req.Flags |= wire.FlagSyncCmd
}

// AbortTask terminates the single command identified by victim
func AbortTask(req *wire.Request, resHandle, victim uint32) {
	ioa(req, wire.OpAbortTask)
	req.ResHandle = resHandle
	req.Flags |= wire.FlagSyncCmd
	binary.BigEndian.PutUint32(req.CDB[2:6], victim)
}

// AbortVictim returns the handle an AbortTask request targets
func AbortVictim(req *wire.Request) uint32 {
	return binary.BigEndian.Uint32(req.CDB[2:6])
}

// ResetDevice resets one device resource
func ResetDevice(req *wire.Request, resHandle uint32) {
	ioa(req, wire.OpResetDevice)
	req.ResHandle = resHandle
	req.Flags |= wire.FlagSyncCmd
}

// HCAM arms a host notification listener of class into the buffer at addr
func HCAM(req *wire.Request, class uint8, addr uint64, n int) {
	ioa(req, wire.OpHCAM)
	req.CDB[1] = class
	binary.BigEndian.PutUint16(req.CDB[7:9], uint16(n))
	data(req, addr, n, false)
}

// HCAMClass returns the notification class of an HCAM request
func HCAMClass(req *wire.Request) uint8 {
	return req.CDB[1]
}

// RequestSense fetches sense data from a device resource
func RequestSense(req *wire.Request, resHandle uint32, addr uint64, n int) {
	req.Type = wire.ReqDevice
	req.ResHandle = resHandle
	copy(req.CDB[:], scsi.RequestSenseCDB(uint8(n)))
	data(req, addr, n, false)
}

// Device fills a caller command for a device resource
func Device(req *wire.Request, resHandle uint32, cdb []byte, desc wire.DataDesc) error {
	if len(cdb) == 0 || len(cdb) > len(req.CDB) {
		return fmt.Errorf("ctrl: cdb length %d", len(cdb))
	}
	req.Type = wire.ReqDevice
	req.ResHandle = resHandle
	copy(req.CDB[:], cdb)
	req.Data = desc
	if desc.Write {
		req.Flags |= wire.FlagWrite
	}
	return nil
}

// ParseConfigTable decodes the inventory returned by QueryConfig
func ParseConfigTable(buf []byte) ([]wire.ConfigEntry, error) {
	var t wire.ConfigTable
	if err := wire.UnmarshalConfigTable(buf, &t); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadConfigTable, err)
	}
	return t.Entries, nil
}

// Advertised reports whether a resource gets a supported-device descriptor.
// Only plain devices visible to the host qualify.
func Advertised(e *wire.ConfigEntry) bool {
	return e.Subtype == wire.SubtypeDevice && e.Flags&wire.ResFlagHidden == 0
}

// SupportedFor builds the supported-device descriptor for a resource
func SupportedFor(e *wire.ConfigEntry) wire.SupportedDevice {
	return wire.SupportedDevice{Addr: e.Addr, ResHandle: e.ResHandle, Flags: e.Flags}
}
