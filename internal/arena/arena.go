// Package arena holds the fixed pool of command contexts. Contexts are
// created once and move between index-linked lists; they are never freed.
package arena

import (
	"errors"
	"fmt"

	"github.com/ehrlich-b/go-ioa/internal/wire"
)

var (
	// ErrEmpty is returned by Alloc when no pooled context is free
	ErrEmpty = errors.New("arena: no free command context")
	// ErrNotPending is returned when releasing a context that is not in use
	ErrNotPending = errors.New("arena: context not pending")
	// ErrNotReserved is returned when claiming a dedicated context that is busy
	ErrNotReserved = errors.New("arena: context not reserved")
	// ErrBadIndex is returned by Lookup for an out-of-range index
	ErrBadIndex = errors.New("arena: index out of range")
)

// ListID names the list a context currently sits on
type ListID uint8

const (
	ListFree ListID = iota
	ListPending
	ListReserved
)

func (l ListID) String() string {
	switch l {
	case ListFree:
		return "free"
	case ListPending:
		return "pending"
	case ListReserved:
		return "reserved"
	default:
		return "unknown"
	}
}

const none = -1

// Cmd is one command context
type Cmd struct {
	Index     int
	Seq       uint64 // changes on every Alloc/Claim
	Dedicated bool

	Req    wire.Request
	Status wire.Status

	// StatusBuf is the DMA-visible status block; StatusAddr is its mapping
	StatusBuf  [wire.StatusSize]byte
	StatusAddr uint64

	list       ListID
	prev, next int
}

// List reports which list the context is on
func (c *Cmd) List() ListID {
	return c.list
}

// reset zeroes the request and status fields while preserving identity and
// the status block mapping
func (c *Cmd) reset() {
	c.Req = wire.Request{}
	c.Status = wire.Status{}
	c.StatusBuf = [wire.StatusSize]byte{}
	c.Req.Handle = uint32(c.Index)
	c.Req.StatusAddr = c.StatusAddr
}

// Reuse re-initialises a pending context for another submission without
// returning it to a list
func (c *Cmd) Reuse() {
	c.reset()
}

type list struct {
	head, tail, n int
}

// Arena is not safe for concurrent use; the owner serialises access
type Arena struct {
	cmds     []Cmd
	size     int
	free     list
	pending  list
	reserved list
	seq      uint64
}

// New creates an arena with pooled caller contexts followed by reserved
// dedicated contexts
func New(pooled, reserved int) *Arena {
	if pooled < 0 {
		pooled = 0
	}
	if reserved < 0 {
		reserved = 0
	}
	a := &Arena{
		cmds:     make([]Cmd, pooled+reserved),
		size:     pooled,
		free:     list{head: none, tail: none},
		pending:  list{head: none, tail: none},
		reserved: list{head: none, tail: none},
	}
	for i := range a.cmds {
		c := &a.cmds[i]
		c.Index = i
		c.prev, c.next = none, none
		c.Dedicated = i >= pooled
		c.reset()
		if c.Dedicated {
			a.push(&a.reserved, ListReserved, c)
		} else {
			a.push(&a.free, ListFree, c)
		}
	}
	return a
}

func (a *Arena) listFor(id ListID) *list {
	switch id {
	case ListFree:
		return &a.free
	case ListPending:
		return &a.pending
	default:
		return &a.reserved
	}
}

func (a *Arena) push(l *list, id ListID, c *Cmd) {
	c.list = id
	c.next = none
	c.prev = l.tail
	if l.tail != none {
		a.cmds[l.tail].next = c.Index
	} else {
		l.head = c.Index
	}
	l.tail = c.Index
	l.n++
}

func (a *Arena) unlink(c *Cmd) {
	l := a.listFor(c.list)
	if c.prev != none {
		a.cmds[c.prev].next = c.next
	} else {
		l.head = c.next
	}
	if c.next != none {
		a.cmds[c.next].prev = c.prev
	} else {
		l.tail = c.prev
	}
	c.prev, c.next = none, none
	l.n--
}

func (a *Arena) activate(c *Cmd) {
	a.unlink(c)
	a.seq++
	c.Seq = a.seq
	c.reset()
	a.push(&a.pending, ListPending, c)
}

// Alloc moves the head of the free list to pending
func (a *Arena) Alloc() (*Cmd, error) {
	if a.free.head == none {
		return nil, ErrEmpty
	}
	c := &a.cmds[a.free.head]
	a.activate(c)
	return c, nil
}

// Claim moves an idle dedicated context to pending
func (a *Arena) Claim(c *Cmd) error {
	if c.list != ListReserved {
		return fmt.Errorf("claim %d (%s): %w", c.Index, c.list, ErrNotReserved)
	}
	a.activate(c)
	return nil
}

// Release returns a pending context to free, or to reserved if dedicated
func (a *Arena) Release(c *Cmd) error {
	if c.list != ListPending {
		return fmt.Errorf("release %d (%s): %w", c.Index, c.list, ErrNotPending)
	}
	a.unlink(c)
	c.reset()
	if c.Dedicated {
		a.push(&a.reserved, ListReserved, c)
	} else {
		a.push(&a.free, ListFree, c)
	}
	return nil
}

// Lookup validates a completion handle and returns its context
func (a *Arena) Lookup(index int) (*Cmd, error) {
	if index < 0 || index >= len(a.cmds) {
		return nil, fmt.Errorf("handle %d: %w", index, ErrBadIndex)
	}
	return &a.cmds[index], nil
}

// Dedicated returns the k-th dedicated context
func (a *Arena) Dedicated(k int) *Cmd {
	return &a.cmds[a.size+k]
}

// Pending returns the pending contexts in list order
func (a *Arena) Pending() []*Cmd {
	out := make([]*Cmd, 0, a.pending.n)
	for i := a.pending.head; i != none; i = a.cmds[i].next {
		out = append(out, &a.cmds[i])
	}
	return out
}

// Len is the total number of contexts
func (a *Arena) Len() int { return len(a.cmds) }

// Size is the number of pooled caller contexts
func (a *Arena) Size() int { return a.size }

// FreeCount is the number of idle pooled contexts
func (a *Arena) FreeCount() int { return a.free.n }

// PendingCount is the number of contexts in use
func (a *Arena) PendingCount() int { return a.pending.n }

// ReservedCount is the number of idle dedicated contexts
func (a *Arena) ReservedCount() int { return a.reserved.n }

// SetStatusAddr records the mapping of a context's status block
func (a *Arena) SetStatusAddr(c *Cmd, addr uint64) {
	c.StatusAddr = addr
	c.Req.StatusAddr = addr
}
