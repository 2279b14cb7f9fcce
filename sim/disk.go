package sim

import (
	"encoding/binary"

	"github.com/ehrlich-b/go-ioa/internal/interfaces"
	"github.com/ehrlich-b/go-ioa/internal/scsi"
	"github.com/ehrlich-b/go-ioa/internal/wire"
)

// Disk is one simulated device resource
type Disk struct {
	Cfg   wire.ConfigEntry
	Media interfaces.Backend

	sense    []byte   // latched by the last check condition
	checks   [][]byte // queued check conditions, one per command
	busReset bool
}

func (d *Disk) reset() {
	d.sense = nil
}

// checkIOASC builds the IOASC reported alongside a check condition
func checkIOASC(sense []byte) uint32 {
	sk, err := scsi.Decode(sense)
	if err != nil {
		return 0x04000080
	}
	return uint32(sk.Key)<<24 | uint32(sk.ASC)<<16 | uint32(sk.ASCQ)<<8 | 0x80
}

func (d *Disk) check(key byte, asc uint16) wire.Status {
	d.sense = scsi.Fixed(key, asc)
	return wire.Status{IOASC: checkIOASC(d.sense), SCSIStatus: scsi.SamStatCheckCondition}
}

// execute runs a device command. Must hold s.mu.
func (d *Disk) execute(s *Sim, r *wire.Request) wire.Status {
	op := r.Opcode()
	if op != scsi.RequestSense {
		if d.busReset {
			d.busReset = false
			return wire.Status{IOASC: wire.IOASCBusWasReset}
		}
		if len(d.checks) > 0 {
			d.sense = d.checks[0]
			d.checks = d.checks[1:]
			return wire.Status{IOASC: checkIOASC(d.sense), SCSIStatus: scsi.SamStatCheckCondition}
		}
	}

	segs, err := s.segments(&r.Data)
	if err != nil {
		return wire.Status{IOASC: wire.IOASCInvalidRequest}
	}
	want := total(segs)

	switch op {
	case scsi.TestUnitReady:
		return ok()

	case scsi.RequestSense:
		sense := d.sense
		if sense == nil {
			sense = scsi.Fixed(scsi.SenseNoSense, scsi.AscNoAdditionalSense)
		}
		d.sense = nil
		n := scatter(segs, sense)
		return wire.Status{Residual: uint32(want - n)}

	case scsi.Inquiry:
		n := scatter(segs, d.inquiry())
		return wire.Status{Residual: uint32(want - n)}

	case scsi.ReadCapacity:
		buf := make([]byte, 8)
		last := d.Cfg.BlockCount
		if last > 0 {
			last--
		}
		binary.BigEndian.PutUint32(buf[0:4], uint32(last))
		binary.BigEndian.PutUint32(buf[4:8], d.Cfg.BlockSize)
		n := scatter(segs, buf)
		return wire.Status{Residual: uint32(want - n)}

	case scsi.Read10, scsi.Write10:
		return d.transfer(r, segs)

	case scsi.SynchronizeCache:
		if err := d.Media.Flush(); err != nil {
			return d.check(scsi.SenseMediumError, scsi.AscInternalTargetFailure)
		}
		return ok()

	default:
		return d.check(scsi.SenseIllegalRequest, scsi.AscInvalidCommandOperationCode)
	}
}

func (d *Disk) transfer(r *wire.Request, segs [][]byte) wire.Status {
	cdb := r.CDB[:10]
	lba := scsi.LBA(cdb)
	blocks := uint64(scsi.XferLen(cdb))
	if lba+blocks > d.Cfg.BlockCount {
		return d.check(scsi.SenseIllegalRequest, scsi.AscLbaOutOfRange)
	}
	n := int(blocks) * int(d.Cfg.BlockSize)
	if total(segs) < n {
		return d.check(scsi.SenseIllegalRequest, scsi.AscInvalidFieldInCdb)
	}
	buf := make([]byte, n)
	off := int64(lba) * int64(d.Cfg.BlockSize)
	if r.Opcode() == scsi.Write10 {
		gather(buf, segs)
		if _, err := d.Media.WriteAt(buf, off); err != nil {
			return d.check(scsi.SenseMediumError, scsi.AscInternalTargetFailure)
		}
		return ok()
	}
	if _, err := d.Media.ReadAt(buf, off); err != nil {
		return d.check(scsi.SenseMediumError, scsi.AscReadError)
	}
	scatter(segs, buf)
	return ok()
}

// inquiry returns standard INQUIRY data for a direct-access device
func (d *Disk) inquiry() []byte {
	buf := make([]byte, 36)
	buf[2] = 0x05 // SPC-3
	buf[3] = 0x02
	buf[4] = 31
	if d.Cfg.TCQ() {
		buf[7] = 0x02
	}
	pad(buf[8:16], d.Cfg.Vendor)
	pad(buf[16:32], d.Cfg.Product)
	pad(buf[32:36], "0001")
	return buf
}

func pad(b []byte, s string) {
	n := copy(b, s)
	for i := n; i < len(b); i++ {
		b[i] = ' '
	}
}
