// Package sim is an in-memory adapter that implements the transport
// contract. It executes requests synchronously against RAM-backed disks and
// lets tests inject faults: hung commands, check conditions, bus resets,
// unit checks, bad response handles and hot-plug events.
package sim

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ehrlich-b/go-ioa/internal/ctrl"
	"github.com/ehrlich-b/go-ioa/internal/interfaces"
	"github.com/ehrlich-b/go-ioa/internal/wire"
)

var (
	ErrNotReady   = errors.New("sim: adapter not accepting requests")
	ErrBadAddr    = errors.New("sim: address not mapped")
	ErrMapRefused = errors.New("sim: mapping refused")
	ErrNoDump     = errors.New("sim: no dump latched")
)

// Options configure a simulated adapter
type Options struct {
	// OperationalDelay is how long the adapter takes to become operational
	// after interrupts are unmasked following a self test
	OperationalDelay time.Duration
	// Buses is the number of buses reported by MODE SENSE
	Buses int
}

// Stats count what the adapter saw
type Stats struct {
	Submitted  uint64
	Completed  uint64
	Rejected   uint64
	Aborted    uint64
	SelfTests  uint64
	Alerts     uint64
	Identifies uint64
	Queries    uint64
	Shutdowns  uint64
	CancelAlls uint64
	DevResets  uint64
	Drains     uint64
	BadUnmaps  uint64
}

type hangKey struct {
	typ wire.ReqType
	op  uint8
}

// Sim is one simulated adapter
type Sim struct {
	mu   sync.Mutex
	opts Options
	irq  chan struct{}

	masked       bool
	cause        uint32
	alerted      bool
	operational  bool
	awaitingOper bool
	bistGen      uint64
	operTimer    *time.Timer

	ring   []uint32
	pos    int
	toggle uint32

	maps     map[uint64][]byte
	nextAddr uint64

	disks      map[wire.ResAddr]*Disk
	handles    map[uint32]*Disk
	nextHandle uint32

	hcams  map[uint8][]*wire.Request
	events []event
	seq    uint32
	lost   bool

	hung map[uint32]*wire.Request

	reported  []wire.BusAttr
	selected  []wire.BusAttr
	supported map[wire.ResAddr]wire.SupportedDevice

	dump []byte

	hang            map[hangKey]int
	restoreFailures int
	mapFailures     int
	enableFailures  int

	stats Stats
}

var _ interfaces.Transport = (*Sim)(nil)

// New creates a powered-on, operational adapter with no disks
func New(opts Options) *Sim {
	if opts.Buses <= 0 {
		opts.Buses = 2
	}
	s := &Sim{
		opts:        opts,
		irq:         make(chan struct{}, 1),
		masked:      true,
		operational: true,
		maps:        make(map[uint64][]byte),
		nextAddr:    0x1000,
		disks:       make(map[wire.ResAddr]*Disk),
		handles:     make(map[uint32]*Disk),
		nextHandle:  1,
		hcams:       make(map[uint8][]*wire.Request),
		hung:        make(map[uint32]*wire.Request),
		supported:   make(map[wire.ResAddr]wire.SupportedDevice),
		hang:        make(map[hangKey]int),
	}
	for b := 0; b < opts.Buses; b++ {
		s.reported = append(s.reported, wire.BusAttr{
			Bus:         uint8(b),
			Termination: wire.TermLVD,
			BusWidth:    16,
			MaxXferRate: 320,
		})
	}
	return s
}

// raise latches cause bits and signals the interrupt line. Must hold s.mu.
func (s *Sim) raise(bits uint32) {
	s.cause |= bits
	s.signal()
}

func (s *Sim) signal() {
	if s.masked || s.cause == 0 {
		return
	}
	select {
	case s.irq <- struct{}{}:
	default:
	}
}

// post writes the status block and appends a completion. Must hold s.mu.
func (s *Sim) post(req *wire.Request, st wire.Status) {
	if buf, err := s.resolve(req.StatusAddr, wire.StatusSize); err == nil {
		_ = wire.MarshalStatus(&st, buf)
	}
	s.stats.Completed++
	s.postHandle(req.Handle)
}

func (s *Sim) postHandle(handle uint32) {
	if len(s.ring) == 0 {
		return
	}
	s.ring[s.pos] = wire.EncodeHRRQ(int(handle), s.toggle)
	s.pos++
	if s.pos == len(s.ring) {
		s.pos = 0
		s.toggle ^= wire.HRRQToggleBit
	}
	s.raise(interfaces.CauseHRRQUpdated)
}

func ok() wire.Status { return wire.Status{IOASC: wire.IOASCSuccess} }

func fail(ioasc uint32) wire.Status { return wire.Status{IOASC: ioasc} }

// Submit executes req. Commands selected by a hang fault are held until
// aborted, reset or released.
func (s *Sim) Submit(req *wire.Request) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.operational || s.alerted {
		s.stats.Rejected++
		return ErrNotReady
	}
	s.stats.Submitted++
	r := *req

	key := hangKey{typ: r.Type, op: r.Opcode()}
	if s.hang[key] > 0 {
		s.hang[key]--
		s.hung[r.Handle] = &r
		return nil
	}

	if r.Type == wire.ReqIOA {
		s.adapterCommand(&r)
		return nil
	}
	d := s.handles[r.ResHandle]
	if d == nil {
		s.post(&r, fail(wire.IOASCResourceNotFound))
		return nil
	}
	s.post(&r, d.execute(s, &r))
	return nil
}

func (s *Sim) adapterCommand(r *wire.Request) {
	switch r.Opcode() {
	case wire.OpIdentifyHRRQ:
		s.stats.Identifies++
		s.ring = make([]uint32, ctrl.IdentifyEntries(r))
		s.pos = 0
		s.toggle = wire.HRRQToggleBit
		s.post(r, ok())

	case wire.OpQueryConfig:
		s.stats.Queries++
		buf, err := s.dataBuffer(r)
		if err != nil {
			s.post(r, fail(wire.IOASCInvalidRequest))
			return
		}
		t := wire.ConfigTable{Entries: s.inventory()}
		if _, err := wire.MarshalConfigTable(&t, buf); err != nil {
			s.post(r, fail(wire.IOASCInvalidRequest))
			return
		}
		s.post(r, ok())

	case wire.OpModeSense10:
		buf, err := s.dataBuffer(r)
		if err == nil {
			_, err = wire.MarshalBusAttrs(s.reported, buf)
		}
		if err != nil {
			s.post(r, fail(wire.IOASCInvalidRequest))
			return
		}
		s.post(r, ok())

	case wire.OpModeSelect10:
		buf, err := s.dataBuffer(r)
		var attrs []wire.BusAttr
		if err == nil {
			attrs, err = wire.UnmarshalBusAttrs(buf)
		}
		if err != nil {
			s.post(r, fail(wire.IOASCInvalidRequest))
			return
		}
		s.selected = attrs
		s.post(r, ok())

	case wire.OpSetSupportedDevices:
		buf, err := s.dataBuffer(r)
		var sd wire.SupportedDevice
		if err == nil {
			err = wire.UnmarshalSupportedDevice(buf, &sd)
		}
		if err != nil {
			s.post(r, fail(wire.IOASCInvalidRequest))
			return
		}
		s.supported[sd.Addr] = sd
		s.post(r, ok())

	case wire.OpShutdown:
		s.stats.Shutdowns++
		s.post(r, ok())

	case wire.OpCancelAll:
		s.stats.CancelAlls++
		s.flushHung(r.ResHandle, wire.IOASCAbortedByHost, false)
		s.post(r, ok())

	case wire.OpAbortTask:
		victim := ctrl.AbortVictim(r)
		if v, found := s.hung[victim]; found {
			delete(s.hung, victim)
			s.stats.Aborted++
			s.post(v, fail(wire.IOASCAbortedByHost))
		}
		s.post(r, ok())

	case wire.OpResetDevice:
		s.stats.DevResets++
		s.flushHung(r.ResHandle, wire.IOASCAbortedByDeviceReset, true)
		if d := s.handles[r.ResHandle]; d != nil {
			d.reset()
		}
		s.post(r, ok())

	case wire.OpHCAM:
		class := ctrl.HCAMClass(r)
		s.hcams[class] = append(s.hcams[class], r)
		s.deliver()

	default:
		s.post(r, fail(wire.IOASCInvalidRequest))
	}
}

// flushHung completes every held device command for resHandle. With tm
// set, held abort tasks aimed at the device are completed too.
func (s *Sim) flushHung(resHandle uint32, ioasc uint32, tm bool) {
	handles := make([]uint32, 0, len(s.hung))
	for h, r := range s.hung {
		if r.ResHandle != resHandle {
			continue
		}
		if r.Type == wire.ReqDevice || (tm && r.Type == wire.ReqIOA && r.Opcode() == wire.OpAbortTask) {
			handles = append(handles, h)
		}
	}
	sort.Slice(handles, func(i, j int) bool { return handles[i] < handles[j] })
	for _, h := range handles {
		r := s.hung[h]
		delete(s.hung, h)
		if r.Type == wire.ReqDevice {
			s.stats.Aborted++
		}
		s.post(r, fail(ioasc))
	}
}

func (s *Sim) inventory() []wire.ConfigEntry {
	out := make([]wire.ConfigEntry, 0, len(s.disks))
	for _, d := range s.disks {
		out = append(out, d.Cfg)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].Addr, out[j].Addr
		if a.Bus != b.Bus {
			return a.Bus < b.Bus
		}
		if a.Target != b.Target {
			return a.Target < b.Target
		}
		return a.Lun < b.Lun
	})
	return out
}

// ReadCompletion returns the response queue word at slot
func (s *Sim) ReadCompletion(slot int) uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if slot < 0 || slot >= len(s.ring) {
		return 0
	}
	return s.ring[slot]
}

// QueueUpdated counts drains
func (s *Sim) QueueUpdated() {
	s.mu.Lock()
	s.stats.Drains++
	s.mu.Unlock()
}

// Interrupts is the interrupt line
func (s *Sim) Interrupts() <-chan struct{} {
	return s.irq
}

// InterruptCause reads the latched cause bits
func (s *Sim) InterruptCause() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cause
}

// ClearInterrupts clears cause bits
func (s *Sim) ClearInterrupts(bits uint32) {
	s.mu.Lock()
	s.cause &^= bits
	s.mu.Unlock()
}

// MaskInterrupts stops interrupt delivery
func (s *Sim) MaskInterrupts() {
	s.mu.Lock()
	s.masked = true
	s.mu.Unlock()
}

// UnmaskInterrupts resumes delivery. After a self test this starts the
// transition to operational.
func (s *Sim) UnmaskInterrupts() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.masked = false
	s.signal()
	if !s.awaitingOper || s.operTimer != nil {
		return
	}
	if s.enableFailures > 0 {
		s.enableFailures--
		return
	}
	gen := s.bistGen
	s.operTimer = time.AfterFunc(s.opts.OperationalDelay, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.bistGen != gen || !s.awaitingOper {
			return
		}
		s.operTimer = nil
		s.awaitingOper = false
		s.operational = true
		s.raise(interfaces.CauseTransOper)
	})
}

// Alert latches the reset request; the adapter stops taking commands
func (s *Sim) Alert() {
	s.mu.Lock()
	s.alerted = true
	s.stats.Alerts++
	s.mu.Unlock()
}

// ResetAllowed reports whether Alert was seen
func (s *Sim) ResetAllowed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.alerted
}

// StartBIST wipes all adapter-side state. Held commands, outstanding
// notifications and the response queue are lost; a latched dump survives.
func (s *Sim) StartBIST() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats.SelfTests++
	s.bistGen++
	if s.operTimer != nil {
		s.operTimer.Stop()
		s.operTimer = nil
	}
	s.alerted = false
	s.operational = false
	s.awaitingOper = true
	s.masked = true
	s.cause = 0
	s.ring = nil
	s.pos = 0
	s.hung = make(map[uint32]*wire.Request)
	s.hcams = make(map[uint8][]*wire.Request)
	s.supported = make(map[wire.ResAddr]wire.SupportedDevice)
	for _, d := range s.disks {
		d.reset()
	}
}

// RestoreConfig fails while a restore fault is armed
func (s *Sim) RestoreConfig() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.restoreFailures > 0 {
		s.restoreFailures--
		return fmt.Errorf("sim: configuration restore failed")
	}
	return nil
}

// ReadDump returns the latched dump
func (s *Sim) ReadDump() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dump == nil {
		return nil, ErrNoDump
	}
	out := make([]byte, len(s.dump))
	copy(out, s.dump)
	return out, nil
}

// Stats returns a copy of the counters
func (s *Sim) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// Operational reports whether the adapter is taking commands
func (s *Sim) Operational() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.operational && !s.alerted
}

// Selected returns the bus settings last written by MODE SELECT
func (s *Sim) Selected() []wire.BusAttr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]wire.BusAttr(nil), s.selected...)
}

// Supported returns the devices advertised since the last self test
func (s *Sim) Supported() []wire.SupportedDevice {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]wire.SupportedDevice, 0, len(s.supported))
	for _, sd := range s.supported {
		out = append(out, sd)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ResHandle < out[j].ResHandle })
	return out
}

// OutstandingHCAMs counts notification requests waiting at the adapter
func (s *Sim) OutstandingHCAMs(class uint8) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.hcams[class])
}

// Hung counts held commands
func (s *Sim) Hung() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.hung)
}
