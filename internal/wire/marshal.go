package wire

import (
	"encoding/binary"
	"errors"
)

// ErrShortBuffer is returned when a buffer is too small for the structure
var ErrShortBuffer = errors.New("wire: short buffer")

// MarshalRequest encodes a request block followed by its SG list
func MarshalRequest(r *Request) []byte {
	buf := make([]byte, RequestHeaderSize+len(r.Data.SG)*SGEntrySize)

	binary.BigEndian.PutUint32(buf[0:4], r.Handle)
	binary.BigEndian.PutUint32(buf[4:8], r.ResHandle)
	buf[8] = uint8(r.Type)
	buf[9] = r.Flags
	binary.BigEndian.PutUint16(buf[10:12], uint16(len(r.Data.SG)))
	copy(buf[12:28], r.CDB[:])
	binary.BigEndian.PutUint64(buf[28:36], r.StatusAddr)
	binary.BigEndian.PutUint64(buf[36:44], r.Data.Addr)
	binary.BigEndian.PutUint32(buf[44:48], r.Data.Len)
	if r.Data.Write {
		buf[9] |= FlagWrite
	}

	off := RequestHeaderSize
	for _, e := range r.Data.SG {
		binary.BigEndian.PutUint64(buf[off:off+8], e.Addr)
		binary.BigEndian.PutUint32(buf[off+8:off+12], e.Len)
		binary.BigEndian.PutUint32(buf[off+12:off+16], e.Flags)
		off += SGEntrySize
	}
	return buf
}

// UnmarshalRequest decodes a request block written by MarshalRequest
func UnmarshalRequest(data []byte, r *Request) error {
	if len(data) < RequestHeaderSize {
		return ErrShortBuffer
	}
	n := int(binary.BigEndian.Uint16(data[10:12]))
	if len(data) < RequestHeaderSize+n*SGEntrySize {
		return ErrShortBuffer
	}

	r.Handle = binary.BigEndian.Uint32(data[0:4])
	r.ResHandle = binary.BigEndian.Uint32(data[4:8])
	r.Type = ReqType(data[8])
	r.Flags = data[9]
	copy(r.CDB[:], data[12:28])
	r.StatusAddr = binary.BigEndian.Uint64(data[28:36])
	r.Data = DataDesc{
		Addr:  binary.BigEndian.Uint64(data[36:44]),
		Len:   binary.BigEndian.Uint32(data[44:48]),
		Write: r.Flags&FlagWrite != 0,
	}
	if n > 0 {
		r.Data.SG = make([]SGEntry, n)
		off := RequestHeaderSize
		for i := range r.Data.SG {
			r.Data.SG[i] = SGEntry{
				Addr:  binary.BigEndian.Uint64(data[off : off+8]),
				Len:   binary.BigEndian.Uint32(data[off+8 : off+12]),
				Flags: binary.BigEndian.Uint32(data[off+12 : off+16]),
			}
			off += SGEntrySize
		}
	}
	return nil
}

// MarshalStatus encodes a status block into buf
func MarshalStatus(s *Status, buf []byte) error {
	if len(buf) < StatusSize {
		return ErrShortBuffer
	}
	binary.BigEndian.PutUint32(buf[0:4], s.IOASC)
	binary.BigEndian.PutUint32(buf[4:8], s.Residual)
	buf[8] = s.SCSIStatus
	buf[9] = s.Flags
	for i := 10; i < StatusSize; i++ {
		buf[i] = 0
	}
	return nil
}

// UnmarshalStatus decodes a status block
func UnmarshalStatus(data []byte, s *Status) error {
	if len(data) < StatusSize {
		return ErrShortBuffer
	}
	s.IOASC = binary.BigEndian.Uint32(data[0:4])
	s.Residual = binary.BigEndian.Uint32(data[4:8])
	s.SCSIStatus = data[8]
	s.Flags = data[9]
	return nil
}

func marshalConfigEntry(e *ConfigEntry, buf []byte) {
	buf[0] = e.Subtype
	buf[1] = e.Flags
	buf[2] = e.Addr.Bus
	buf[3] = e.Addr.Target
	buf[4] = e.Addr.Lun
	binary.BigEndian.PutUint32(buf[8:12], e.ResHandle)
	putField(buf[12:20], e.Vendor)
	putField(buf[20:36], e.Product)
	putField(buf[36:52], e.Serial)
	binary.BigEndian.PutUint64(buf[52:60], e.BlockCount)
	binary.BigEndian.PutUint32(buf[60:64], e.BlockSize)
}

func unmarshalConfigEntry(data []byte, e *ConfigEntry) {
	e.Subtype = data[0]
	e.Flags = data[1]
	e.Addr = ResAddr{Bus: data[2], Target: data[3], Lun: data[4]}
	e.ResHandle = binary.BigEndian.Uint32(data[8:12])
	e.Vendor = trimField(data[12:20])
	e.Product = trimField(data[20:36])
	e.Serial = trimField(data[36:52])
	e.BlockCount = binary.BigEndian.Uint64(data[52:60])
	e.BlockSize = binary.BigEndian.Uint32(data[60:64])
}

// MarshalConfigEntry encodes a single device descriptor
func MarshalConfigEntry(e *ConfigEntry) []byte {
	buf := make([]byte, ConfigEntrySize)
	marshalConfigEntry(e, buf)
	return buf
}

// UnmarshalConfigEntry decodes a single device descriptor
func UnmarshalConfigEntry(data []byte, e *ConfigEntry) error {
	if len(data) < ConfigEntrySize {
		return ErrShortBuffer
	}
	unmarshalConfigEntry(data, e)
	return nil
}

// ConfigTableSize returns the encoded size of a table with n entries
func ConfigTableSize(n int) int {
	return ConfigHeaderSize + n*ConfigEntrySize
}

// MarshalConfigTable encodes the inventory into buf and returns the bytes used
func MarshalConfigTable(t *ConfigTable, buf []byte) (int, error) {
	size := ConfigTableSize(len(t.Entries))
	if len(buf) < size {
		return 0, ErrShortBuffer
	}
	binary.BigEndian.PutUint16(buf[0:2], uint16(len(t.Entries)))
	buf[2] = t.Flags
	off := ConfigHeaderSize
	for i := range t.Entries {
		marshalConfigEntry(&t.Entries[i], buf[off:off+ConfigEntrySize])
		off += ConfigEntrySize
	}
	return size, nil
}

// UnmarshalConfigTable decodes an inventory
func UnmarshalConfigTable(data []byte, t *ConfigTable) error {
	if len(data) < ConfigHeaderSize {
		return ErrShortBuffer
	}
	n := int(binary.BigEndian.Uint16(data[0:2]))
	if len(data) < ConfigTableSize(n) {
		return ErrShortBuffer
	}
	t.Flags = data[2]
	t.Entries = make([]ConfigEntry, n)
	off := ConfigHeaderSize
	for i := range t.Entries {
		unmarshalConfigEntry(data[off:off+ConfigEntrySize], &t.Entries[i])
		off += ConfigEntrySize
	}
	return nil
}

// MarshalHCAM encodes a notification record into buf
func MarshalHCAM(h *HCAMRecord, buf []byte) (int, error) {
	size := HCAMHeaderSize + len(h.Data)
	if len(buf) < size {
		return 0, ErrShortBuffer
	}
	buf[0] = h.NotifyType
	buf[1] = h.Flags
	buf[2], buf[3] = 0, 0
	binary.BigEndian.PutUint32(buf[4:8], uint32(len(h.Data)))
	binary.BigEndian.PutUint32(buf[8:12], h.Sequence)
	binary.BigEndian.PutUint32(buf[12:16], 0)
	copy(buf[HCAMHeaderSize:], h.Data)
	return size, nil
}

// UnmarshalHCAM decodes a notification record. Data aliases the input.
func UnmarshalHCAM(data []byte, h *HCAMRecord) error {
	if len(data) < HCAMHeaderSize {
		return ErrShortBuffer
	}
	n := int(binary.BigEndian.Uint32(data[4:8]))
	if len(data) < HCAMHeaderSize+n {
		return ErrShortBuffer
	}
	h.NotifyType = data[0]
	h.Flags = data[1]
	h.Sequence = binary.BigEndian.Uint32(data[8:12])
	h.Data = data[HCAMHeaderSize : HCAMHeaderSize+n]
	return nil
}

// MarshalConfigChange encodes a config-change payload
func MarshalConfigChange(c *ConfigChange) []byte {
	buf := make([]byte, 8+ConfigEntrySize)
	buf[0] = c.Kind
	marshalConfigEntry(&c.Entry, buf[8:])
	return buf
}

// UnmarshalConfigChange decodes a config-change payload
func UnmarshalConfigChange(data []byte, c *ConfigChange) error {
	if len(data) < 8+ConfigEntrySize {
		return ErrShortBuffer
	}
	c.Kind = data[0]
	unmarshalConfigEntry(data[8:], &c.Entry)
	return nil
}

// MarshalErrorLog encodes an error-log payload. Detail is truncated to
// MaxErrorLogDetail bytes.
func MarshalErrorLog(e *ErrorLogEntry) []byte {
	detail := e.Detail
	if len(detail) > MaxErrorLogDetail {
		detail = detail[:MaxErrorLogDetail]
	}
	buf := make([]byte, ErrorLogHeaderSize+len(detail))
	binary.BigEndian.PutUint32(buf[0:4], e.IOASC)
	buf[4] = e.Addr.Bus
	buf[5] = e.Addr.Target
	buf[6] = e.Addr.Lun
	binary.BigEndian.PutUint32(buf[8:12], e.Sequence)
	binary.BigEndian.PutUint16(buf[12:14], uint16(len(detail)))
	copy(buf[ErrorLogHeaderSize:], detail)
	return buf
}

// UnmarshalErrorLog decodes an error-log payload
func UnmarshalErrorLog(data []byte, e *ErrorLogEntry) error {
	if len(data) < ErrorLogHeaderSize {
		return ErrShortBuffer
	}
	n := int(binary.BigEndian.Uint16(data[12:14]))
	if len(data) < ErrorLogHeaderSize+n {
		return ErrShortBuffer
	}
	e.IOASC = binary.BigEndian.Uint32(data[0:4])
	e.Addr = ResAddr{Bus: data[4], Target: data[5], Lun: data[6]}
	e.Sequence = binary.BigEndian.Uint32(data[8:12])
	e.Detail = string(data[ErrorLogHeaderSize : ErrorLogHeaderSize+n])
	return nil
}

// ModePageSize returns the encoded size of a bus attribute page
func ModePageSize(buses int) int {
	return ModePageHeaderSize + buses*BusAttrSize
}

// MarshalBusAttrs encodes the bus attribute mode page into buf
func MarshalBusAttrs(attrs []BusAttr, buf []byte) (int, error) {
	size := ModePageSize(len(attrs))
	if len(buf) < size {
		return 0, ErrShortBuffer
	}
	buf[0] = ModePageBusAttrs
	buf[1] = uint8(len(attrs))
	buf[2], buf[3] = 0, 0
	off := ModePageHeaderSize
	for _, a := range attrs {
		buf[off] = a.Bus
		buf[off+1] = a.Flags
		buf[off+2] = a.Termination
		buf[off+3] = a.BusWidth
		binary.BigEndian.PutUint32(buf[off+4:off+8], a.MaxXferRate)
		off += BusAttrSize
	}
	return size, nil
}

// UnmarshalBusAttrs decodes the bus attribute mode page
func UnmarshalBusAttrs(data []byte) ([]BusAttr, error) {
	if len(data) < ModePageHeaderSize {
		return nil, ErrShortBuffer
	}
	if data[0] != ModePageBusAttrs {
		return nil, errors.New("wire: unexpected mode page")
	}
	n := int(data[1])
	if len(data) < ModePageSize(n) {
		return nil, ErrShortBuffer
	}
	attrs := make([]BusAttr, n)
	off := ModePageHeaderSize
	for i := range attrs {
		attrs[i] = BusAttr{
			Bus:         data[off],
			Flags:       data[off+1],
			Termination: data[off+2],
			BusWidth:    data[off+3],
			MaxXferRate: binary.BigEndian.Uint32(data[off+4 : off+8]),
		}
		off += BusAttrSize
	}
	return attrs, nil
}

// MarshalSupportedDevice encodes a supported-device record
func MarshalSupportedDevice(d *SupportedDevice) []byte {
	buf := make([]byte, SupportedDeviceSize)
	buf[0] = d.Addr.Bus
	buf[1] = d.Addr.Target
	buf[2] = d.Addr.Lun
	buf[3] = d.Flags
	binary.BigEndian.PutUint32(buf[4:8], d.ResHandle)
	return buf
}

// UnmarshalSupportedDevice decodes a supported-device record
func UnmarshalSupportedDevice(data []byte, d *SupportedDevice) error {
	if len(data) < SupportedDeviceSize {
		return ErrShortBuffer
	}
	d.Addr = ResAddr{Bus: data[0], Target: data[1], Lun: data[2]}
	d.Flags = data[3]
	d.ResHandle = binary.BigEndian.Uint32(data[4:8])
	return nil
}
