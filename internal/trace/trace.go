// Package trace keeps a fixed-size ring of recent command events
package trace

import (
	"fmt"
	"time"

	"github.com/ehrlich-b/go-ioa/internal/wire"
)

// Kind of trace event
type Kind uint8

const (
	KindStart Kind = iota
	KindFinish
	KindERP
	KindReset
)

func (k Kind) String() string {
	switch k {
	case KindStart:
		return "start"
	case KindFinish:
		return "finish"
	case KindERP:
		return "erp"
	case KindReset:
		return "reset"
	default:
		return "unknown"
	}
}

// Entry is one trace record
type Entry struct {
	Time   time.Time
	Kind   Kind
	Index  int
	Op     uint8
	Addr   wire.ResAddr
	Result uint32 // IOASC for finish events
}

func (e Entry) String() string {
	return fmt.Sprintf("%s %-6s cmd=%d op=%#02x res=%s ioasc=%#08x",
		e.Time.Format("15:04:05.000000"), e.Kind, e.Index, e.Op, e.Addr, e.Result)
}

// Ring is a fixed-size trace buffer. It is not safe for concurrent use.
type Ring struct {
	entries []Entry
	next    int
	full    bool
	now     func() time.Time
}

// New creates a ring holding size entries
func New(size int) *Ring {
	if size <= 0 {
		size = 1
	}
	return &Ring{entries: make([]Entry, size), now: time.Now}
}

// Add records an event, stamping it if Time is zero
func (r *Ring) Add(e Entry) {
	if e.Time.IsZero() {
		e.Time = r.now()
	}
	r.entries[r.next] = e
	r.next++
	if r.next == len(r.entries) {
		r.next = 0
		r.full = true
	}
}

// Len returns the number of stored entries
func (r *Ring) Len() int {
	if r.full {
		return len(r.entries)
	}
	return r.next
}

// Snapshot returns the stored entries oldest first
func (r *Ring) Snapshot() []Entry {
	if !r.full {
		out := make([]Entry, r.next)
		copy(out, r.entries[:r.next])
		return out
	}
	out := make([]Entry, 0, len(r.entries))
	out = append(out, r.entries[r.next:]...)
	out = append(out, r.entries[:r.next]...)
	return out
}
