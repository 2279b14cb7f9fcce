// Package dma turns host memory regions into adapter data descriptors and
// pools the buffers used by adapter-internal commands.
package dma

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/ehrlich-b/go-ioa/internal/wire"
)

var (
	// ErrMapFailed means the transport refused an address translation. It is
	// a retryable resource-exhaustion condition.
	ErrMapFailed = errors.New("dma: mapping refused")
	// ErrTooManySegments means the request needs more SG entries than allowed
	ErrTooManySegments = errors.New("dma: too many segments")
	// ErrShortRegions means the regions hold fewer bytes than the transfer
	ErrShortRegions = errors.New("dma: regions shorter than transfer length")
)

// Direction of the data phase
type Direction uint8

const (
	DirNone Direction = iota
	DirToDevice
	DirFromDevice
)

func (d Direction) String() string {
	switch d {
	case DirToDevice:
		return "to-device"
	case DirFromDevice:
		return "from-device"
	default:
		return "none"
	}
}

// Mapper translates host buffers into adapter-visible addresses
type Mapper interface {
	MapDMA(buf []byte) (uint64, error)
	UnmapDMA(addr uint64)
}

// Mapping is a built descriptor plus the translations backing it
type Mapping struct {
	Desc  wire.DataDesc
	bases []uint64
}

// Builder builds data descriptors
type Builder struct {
	Mapper       Mapper
	MaxEntries   int
	SegmentLimit int // bytes per SG entry
}

// NewBuilder creates a builder whose segment limit is pagesPerSegment pages
func NewBuilder(m Mapper, maxEntries, pagesPerSegment int) *Builder {
	if pagesPerSegment <= 0 {
		pagesPerSegment = 1
	}
	return &Builder{
		Mapper:       m,
		MaxEntries:   maxEntries,
		SegmentLimit: unix.Getpagesize() * pagesPerSegment,
	}
}

// Build maps the first total bytes of regions. A transfer that fits in a
// single region uses the direct-address path; otherwise an SG list is built
// with the last entry flagged.
func (b *Builder) Build(dir Direction, total int, regions [][]byte) (*Mapping, error) {
	m := &Mapping{}
	if dir == DirNone || total == 0 {
		return m, nil
	}
	m.Desc.Write = dir == DirToDevice

	// Trim regions to the transfer length
	var parts [][]byte
	remain := total
	for _, r := range regions {
		if remain == 0 {
			break
		}
		if len(r) == 0 {
			continue
		}
		if len(r) > remain {
			r = r[:remain]
		}
		parts = append(parts, r)
		remain -= len(r)
	}
	if remain > 0 {
		return nil, fmt.Errorf("need %d more bytes: %w", remain, ErrShortRegions)
	}

	flag := wire.SGRead
	if m.Desc.Write {
		flag = wire.SGWrite
	}

	if len(parts) == 1 {
		addr, err := b.Mapper.MapDMA(parts[0])
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMapFailed, err)
		}
		m.bases = append(m.bases, addr)
		m.Desc.Addr = addr
		m.Desc.Len = uint32(len(parts[0]))
		return m, nil
	}

	limit := b.SegmentLimit
	if limit <= 0 {
		limit = unix.Getpagesize()
	}
	for _, p := range parts {
		addr, err := b.Mapper.MapDMA(p)
		if err != nil {
			b.Unmap(m)
			return nil, fmt.Errorf("%w: %v", ErrMapFailed, err)
		}
		m.bases = append(m.bases, addr)
		for off := 0; off < len(p); off += limit {
			n := len(p) - off
			if n > limit {
				n = limit
			}
			if b.MaxEntries > 0 && len(m.Desc.SG) == b.MaxEntries {
				b.Unmap(m)
				return nil, fmt.Errorf("limit %d: %w", b.MaxEntries, ErrTooManySegments)
			}
			m.Desc.SG = append(m.Desc.SG, wire.SGEntry{
				Addr:  addr + uint64(off),
				Len:   uint32(n),
				Flags: flag,
			})
		}
	}
	m.Desc.SG[len(m.Desc.SG)-1].Flags |= wire.SGLast
	return m, nil
}

// Unmap releases every translation held by m
func (b *Builder) Unmap(m *Mapping) {
	if m == nil {
		return
	}
	for _, addr := range m.bases {
		b.Mapper.UnmapDMA(addr)
	}
	m.bases = nil
	m.Desc = wire.DataDesc{}
}
