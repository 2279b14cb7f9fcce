package sim

import (
	"fmt"

	"github.com/ehrlich-b/go-ioa/internal/wire"
)

// MapDMA assigns buf a bus address. Addresses are never reused.
func (s *Sim) MapDMA(buf []byte) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mapFailures > 0 {
		s.mapFailures--
		return 0, ErrMapRefused
	}
	if len(buf) == 0 {
		return 0, fmt.Errorf("sim: empty mapping")
	}
	addr := s.nextAddr
	s.maps[addr] = buf
	// keep a gap so an overrun never lands in the next mapping
	s.nextAddr += (uint64(len(buf)) + 0x1FF) &^ 0xFF
	return addr, nil
}

// UnmapDMA releases a mapping
func (s *Sim) UnmapDMA(addr uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, found := s.maps[addr]; !found {
		s.stats.BadUnmaps++
		return
	}
	delete(s.maps, addr)
}

// Mappings counts live mappings
func (s *Sim) Mappings() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.maps)
}

// resolve returns n bytes at bus address addr. Must hold s.mu.
func (s *Sim) resolve(addr uint64, n int) ([]byte, error) {
	for base, buf := range s.maps {
		if addr < base || addr >= base+uint64(len(buf)) {
			continue
		}
		off := int(addr - base)
		if off+n > len(buf) {
			return nil, fmt.Errorf("%#x+%d overruns mapping at %#x: %w", addr, n, base, ErrBadAddr)
		}
		return buf[off : off+n], nil
	}
	return nil, fmt.Errorf("%#x: %w", addr, ErrBadAddr)
}

// segments resolves the data phase of r into host buffers. Must hold s.mu.
func (s *Sim) segments(d *wire.DataDesc) ([][]byte, error) {
	if len(d.SG) == 0 {
		if d.Len == 0 {
			return nil, nil
		}
		b, err := s.resolve(d.Addr, int(d.Len))
		if err != nil {
			return nil, err
		}
		return [][]byte{b}, nil
	}
	out := make([][]byte, 0, len(d.SG))
	for i, e := range d.SG {
		b, err := s.resolve(e.Addr, int(e.Len))
		if err != nil {
			return nil, fmt.Errorf("sg entry %d: %w", i, err)
		}
		out = append(out, b)
		if e.Flags&wire.SGLast != 0 {
			break
		}
	}
	return out, nil
}

// dataBuffer resolves a single-buffer data phase. Must hold s.mu.
func (s *Sim) dataBuffer(r *wire.Request) ([]byte, error) {
	if !r.Data.Direct() {
		return nil, fmt.Errorf("sim: adapter command needs a direct buffer")
	}
	return s.resolve(r.Data.Addr, int(r.Data.Len))
}

// scatter copies src into segs and returns the number of bytes copied
func scatter(segs [][]byte, src []byte) int {
	n := 0
	for _, seg := range segs {
		if n == len(src) {
			break
		}
		n += copy(seg, src[n:])
	}
	return n
}

// gather copies segs into dst and returns the number of bytes copied
func gather(dst []byte, segs [][]byte) int {
	n := 0
	for _, seg := range segs {
		if n == len(dst) {
			break
		}
		n += copy(dst[n:], seg)
	}
	return n
}

func total(segs [][]byte) int {
	n := 0
	for _, seg := range segs {
		n += len(seg)
	}
	return n
}
