package queue

import (
	"errors"
	"fmt"

	"github.com/ehrlich-b/go-ioa/internal/wire"
)

// ErrInvalidHandle is returned when the adapter posts a handle outside the arena
var ErrInvalidHandle = errors.New("queue: invalid response handle")

// SlotReader reads one word of the host response queue
type SlotReader interface {
	ReadCompletion(slot int) uint32
}

// Ring tracks the consumer side of the host response queue. An entry is
// ready when its toggle bit matches the expected toggle; the expectation
// flips each time the cursor wraps.
type Ring struct {
	size   int
	cursor int
	toggle uint32
	wraps  uint64
}

// NewRing creates a ring of size slots, already Reset
func NewRing(size int) *Ring {
	r := &Ring{size: size}
	r.Reset()
	return r
}

// Reset rewinds to slot 0 expecting toggle 1, matching a freshly identified queue
func (r *Ring) Reset() {
	r.cursor = 0
	r.toggle = wire.HRRQToggleBit
}

// Size is the number of slots
func (r *Ring) Size() int { return r.size }

// Cursor is the next slot to examine
func (r *Ring) Cursor() int { return r.cursor }

// Toggle is the toggle bit currently expected
func (r *Ring) Toggle() uint32 { return r.toggle }

// Wraps counts how many times the cursor has wrapped since creation
func (r *Ring) Wraps() uint64 { return r.wraps }

// Ready reports whether the head slot holds a new completion
func (r *Ring) Ready(rd SlotReader) bool {
	_, t := wire.DecodeHRRQ(rd.ReadCompletion(r.cursor))
	return t == r.toggle
}

func (r *Ring) advance() {
	r.cursor++
	if r.cursor == r.size {
		r.cursor = 0
		r.toggle ^= wire.HRRQToggleBit
		r.wraps++
	}
}

// Drain consumes every ready entry, calling fn for each handle after the
// cursor has moved past it. Handles >= limit stop the drain with
// ErrInvalidHandle and leave the cursor on the offending slot.
func (r *Ring) Drain(rd SlotReader, limit int, fn func(index int)) (int, error) {
	n := 0
	for {
		index, t := wire.DecodeHRRQ(rd.ReadCompletion(r.cursor))
		if t != r.toggle {
			return n, nil
		}
		if index < 0 || index >= limit {
			return n, fmt.Errorf("slot %d handle %d: %w", r.cursor, index, ErrInvalidHandle)
		}
		r.advance()
		n++
		fn(index)
	}
}
