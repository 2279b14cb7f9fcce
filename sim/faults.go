package sim

import (
	"fmt"

	"github.com/ehrlich-b/go-ioa/internal/interfaces"
	"github.com/ehrlich-b/go-ioa/internal/scsi"
	"github.com/ehrlich-b/go-ioa/internal/wire"
)

type event struct {
	class uint8
	rec   wire.HCAMRecord
}

// Insert adds a disk without raising a notification, as if it was present
// at power on. A zero ResHandle or block size is filled in.
func (s *Sim) Insert(cfg wire.ConfigEntry, media interfaces.Backend) *Disk {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.insert(cfg, media)
}

func (s *Sim) insert(cfg wire.ConfigEntry, media interfaces.Backend) *Disk {
	if cfg.ResHandle == 0 {
		cfg.ResHandle = s.nextHandle
		s.nextHandle++
	}
	if cfg.BlockSize == 0 {
		cfg.BlockSize = 512
	}
	if cfg.BlockCount == 0 && media != nil {
		cfg.BlockCount = uint64(media.Size()) / uint64(cfg.BlockSize)
	}
	if old := s.disks[cfg.Addr]; old != nil {
		delete(s.handles, old.Cfg.ResHandle)
	}
	d := &Disk{Cfg: cfg, Media: media}
	s.disks[cfg.Addr] = d
	s.handles[cfg.ResHandle] = d
	return d
}

// HotAdd inserts a disk and reports it through a configuration-change
// notification
func (s *Sim) HotAdd(cfg wire.ConfigEntry, media interfaces.Backend) *Disk {
	s.mu.Lock()
	defer s.mu.Unlock()
	d := s.insert(cfg, media)
	s.queueConfigChange(wire.ChangeAdded, d.Cfg)
	return d
}

// HotRemove removes the disk at addr and reports it
func (s *Sim) HotRemove(addr wire.ResAddr) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d := s.disks[addr]
	if d == nil {
		return fmt.Errorf("sim: no disk at %s", addr)
	}
	delete(s.disks, addr)
	delete(s.handles, d.Cfg.ResHandle)
	s.queueConfigChange(wire.ChangeRemoved, d.Cfg)
	return nil
}

// Remove drops the disk at addr silently; the next inventory misses it
func (s *Sim) Remove(addr wire.ResAddr) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d := s.disks[addr]; d != nil {
		delete(s.disks, addr)
		delete(s.handles, d.Cfg.ResHandle)
	}
}

// LogError reports an error-log entry through a notification
func (s *Sim) LogError(e wire.ErrorLogEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queue(wire.HCAMClassErrorLog, wire.NotifyErrorLog, wire.MarshalErrorLog(&e))
}

// LoseNotifications flags the next delivered notification as following
// dropped ones
func (s *Sim) LoseNotifications() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lost = true
}

func (s *Sim) queueConfigChange(kind uint8, cfg wire.ConfigEntry) {
	cc := wire.ConfigChange{Kind: kind, Entry: cfg}
	s.queue(wire.HCAMClassConfigChange, wire.NotifyConfigChange, wire.MarshalConfigChange(&cc))
}

func (s *Sim) queue(class, typ uint8, data []byte) {
	s.events = append(s.events, event{class: class, rec: wire.HCAMRecord{NotifyType: typ, Data: data}})
	s.deliver()
}

// deliver completes outstanding notification requests with queued events.
// Must hold s.mu.
func (s *Sim) deliver() {
	rest := s.events[:0]
	for _, ev := range s.events {
		waiting := s.hcams[ev.class]
		if len(waiting) == 0 || !s.operational {
			rest = append(rest, ev)
			continue
		}
		r := waiting[0]
		s.hcams[ev.class] = waiting[1:]

		s.seq++
		rec := ev.rec
		rec.Sequence = s.seq
		if s.lost {
			rec.Flags |= wire.HCAMNotificationsLost
			s.lost = false
		}
		buf, err := s.dataBuffer(r)
		if err == nil {
			clear(buf)
			_, err = wire.MarshalHCAM(&rec, buf)
		}
		if err != nil {
			s.post(r, fail(wire.IOASCInvalidRequest))
			rest = append(rest, ev)
			continue
		}
		s.post(r, ok())
	}
	s.events = rest
}

// CheckCondition makes the next count commands to addr fail with a check
// condition carrying the given sense
func (s *Sim) CheckCondition(addr wire.ResAddr, key byte, asc uint16, count int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d := s.disks[addr]
	if d == nil {
		return fmt.Errorf("sim: no disk at %s", addr)
	}
	for i := 0; i < count; i++ {
		d.checks = append(d.checks, scsi.Fixed(key, asc))
	}
	return nil
}

// BusReset makes the next command to addr report a bus reset
func (s *Sim) BusReset(addr wire.ResAddr) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d := s.disks[addr]
	if d == nil {
		return fmt.Errorf("sim: no disk at %s", addr)
	}
	d.busReset = true
	return nil
}

// HangDevice holds the next n device commands with opcode op
func (s *Sim) HangDevice(op uint8, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hang[hangKey{typ: wire.ReqDevice, op: op}] += n
}

// HangAdapter holds the next n adapter commands with opcode op
func (s *Sim) HangAdapter(op uint8, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hang[hangKey{typ: wire.ReqIOA, op: op}] += n
}

// ReleaseHung completes every held command successfully
func (s *Sim) ReleaseHung() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.hung)
	for h, r := range s.hung {
		delete(s.hung, h)
		s.post(r, ok())
	}
	return n
}

// FailRestore makes the next n configuration restores fail
func (s *Sim) FailRestore(n int) {
	s.mu.Lock()
	s.restoreFailures += n
	s.mu.Unlock()
}

// FailMaps makes the next n DMA mappings fail
func (s *Sim) FailMaps(n int) {
	s.mu.Lock()
	s.mapFailures += n
	s.mu.Unlock()
}

// FailEnable keeps the adapter from becoming operational after the next n
// self tests
func (s *Sim) FailEnable(n int) {
	s.mu.Lock()
	s.enableFailures += n
	s.mu.Unlock()
}

// PostInvalidHandle appends a completion whose handle matches no context
func (s *Sim) PostInvalidHandle() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.postHandle(0xFFFF)
}

// UnitCheck latches a dump and raises a unit check
func (s *Sim) UnitCheck(dump []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dump = append([]byte(nil), dump...)
	s.raise(interfaces.CauseUnitCheck)
}

// Fatal raises an unrecoverable error
func (s *Sim) Fatal() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.raise(interfaces.CauseFatal)
}
