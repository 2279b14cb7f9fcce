// Package restable keeps the driver-side resource entries for discovered
// devices and reconciles them against the adapter's inventory.
package restable

import (
	"errors"

	"github.com/ehrlich-b/go-ioa/internal/interfaces"
	"github.com/ehrlich-b/go-ioa/internal/wire"
)

// ErrTableFull is reported when the inventory holds more devices than entries
var ErrTableFull = errors.New("restable: no free resource entry")

// Flags are the transient states of an entry
type Flags uint8

const (
	AddPending Flags = 1 << iota
	RemovePending
	Resetting
)

// Entry represents one discovered device
type Entry struct {
	Cfg   wire.ConfigEntry
	Dev   interfaces.LogicalDevice
	Flags Flags

	handoff Op // presence call outstanding for this entry, if any
	seen    bool
	used    bool
}

// Addr is the entry's bus/target/lun
func (e *Entry) Addr() wire.ResAddr { return e.Cfg.Addr }

// Has reports whether all of f are set
func (e *Entry) Has(f Flags) bool { return e.Flags&f == f }

// Op is the presence action for a pending entry
type Op uint8

const (
	OpAnnounce Op = iota + 1
	OpWithdraw
)

func (o Op) String() string {
	if o == OpAnnounce {
		return "announce"
	}
	return "withdraw"
}

// Handoff is one unit of work for the presence collaborator
type Handoff struct {
	Entry *Entry
	Op    Op
	Cfg   wire.ConfigEntry
	Dev   interfaces.LogicalDevice
}

// Result summarises one Sync pass. Added and Removed count flags newly set
// by this pass.
type Result struct {
	Added     int
	Removed   int
	Refreshed int
	Freed     int
	Skipped   int
}

// Table holds a fixed set of entries split between a used list and a free
// list. It is not safe for concurrent use.
type Table struct {
	entries []Entry
	used    []*Entry
	free    []*Entry
}

// New creates a table with capacity entries, all free
func New(capacity int) *Table {
	t := &Table{entries: make([]Entry, capacity)}
	t.free = make([]*Entry, 0, capacity)
	for i := range t.entries {
		t.free = append(t.free, &t.entries[i])
	}
	return t
}

// Cap is the number of entries
func (t *Table) Cap() int { return len(t.entries) }

// UsedCount is the length of the used list
func (t *Table) UsedCount() int { return len(t.used) }

// FreeCount is the length of the free list
func (t *Table) FreeCount() int { return len(t.free) }

// Used returns the used list in discovery order
func (t *Table) Used() []*Entry {
	out := make([]*Entry, len(t.used))
	copy(out, t.used)
	return out
}

// Lookup finds a used entry by address
func (t *Table) Lookup(addr wire.ResAddr) *Entry {
	for _, e := range t.used {
		if e.Cfg.Addr == addr {
			return e
		}
	}
	return nil
}

// LookupDevice finds the used entry bound to dev
func (t *Table) LookupDevice(dev interfaces.LogicalDevice) *Entry {
	if dev == nil {
		return nil
	}
	for _, e := range t.used {
		if e.Dev == dev {
			return e
		}
	}
	return nil
}

func (t *Table) take(cfg wire.ConfigEntry) (*Entry, error) {
	if len(t.free) == 0 {
		return nil, ErrTableFull
	}
	e := t.free[len(t.free)-1]
	t.free = t.free[:len(t.free)-1]
	*e = Entry{Cfg: cfg, Flags: AddPending, used: true}
	t.used = append(t.used, e)
	return e, nil
}

func (t *Table) release(e *Entry) {
	for i, u := range t.used {
		if u == e {
			t.used = append(t.used[:i], t.used[i+1:]...)
			break
		}
	}
	*e = Entry{}
	t.free = append(t.free, e)
}

// drop handles an entry that is no longer reported by the adapter
func (t *Table) drop(e *Entry, res *Result) {
	if e.Dev != nil || e.handoff != 0 {
		if !e.Has(RemovePending) {
			e.Flags |= RemovePending
			res.Removed++
		}
		return
	}
	t.release(e)
	res.Freed++
}

// Sync reconciles the used list against a fresh inventory
func (t *Table) Sync(inventory []wire.ConfigEntry) (Result, error) {
	var res Result
	var err error
	for _, e := range t.used {
		e.seen = false
	}

	for _, cfg := range inventory {
		if e := t.Lookup(cfg.Addr); e != nil {
			e.Cfg = cfg
			e.seen = true
			if e.Has(RemovePending) && e.handoff != OpWithdraw {
				e.Flags &^= RemovePending
			}
			res.Refreshed++
			continue
		}
		e, terr := t.take(cfg)
		if terr != nil {
			res.Skipped++
			err = terr
			continue
		}
		e.seen = true
		res.Added++
	}

	for _, e := range t.Used() {
		if !e.seen {
			t.drop(e, &res)
		}
	}
	return res, err
}

// Apply handles a single-device inventory delta
func (t *Table) Apply(cfg wire.ConfigEntry, removed bool) (Result, error) {
	var res Result
	e := t.Lookup(cfg.Addr)
	if removed {
		if e != nil {
			t.drop(e, &res)
		}
		return res, nil
	}
	if e != nil {
		e.Cfg = cfg
		res.Refreshed++
		return res, nil
	}
	if _, err := t.take(cfg); err != nil {
		res.Skipped++
		return res, err
	}
	res.Added++
	return res, nil
}

// Pending collects entries that need a presence call and marks them in
// hand-off. Each entry is returned at most once until Commit.
func (t *Table) Pending() []Handoff {
	var out []Handoff
	for _, e := range t.used {
		if e.handoff != 0 {
			continue
		}
		switch {
		case e.Has(AddPending):
			e.handoff = OpAnnounce
			out = append(out, Handoff{Entry: e, Op: OpAnnounce, Cfg: e.Cfg})
		case e.Has(RemovePending):
			e.handoff = OpWithdraw
			out = append(out, Handoff{Entry: e, Op: OpWithdraw, Cfg: e.Cfg, Dev: e.Dev})
		}
	}
	return out
}

// Commit records the outcome of a presence call. On failure the flag stays
// set and the entry is offered again by the next Pending.
func (t *Table) Commit(h Handoff, dev interfaces.LogicalDevice, ok bool) {
	e := h.Entry
	if !e.used {
		return
	}
	e.handoff = 0
	if !ok {
		if h.Op == OpAnnounce && e.Has(RemovePending) {
			// Gone before it was ever announced
			t.release(e)
		}
		return
	}
	switch h.Op {
	case OpAnnounce:
		e.Dev = dev
		e.Flags &^= AddPending
	case OpWithdraw:
		t.release(e)
	}
}

// SetResetting toggles the Resetting flag of e
func (t *Table) SetResetting(e *Entry, on bool) {
	if on {
		e.Flags |= Resetting
	} else {
		e.Flags &^= Resetting
	}
}

// HasPending reports whether some entry needs a presence call and is not
// already in hand-off
func (t *Table) HasPending() bool {
	for _, e := range t.used {
		if e.handoff == 0 && e.Flags&(AddPending|RemovePending) != 0 {
			return true
		}
	}
	return false
}
