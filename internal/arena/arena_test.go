package arena

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehrlich-b/go-ioa/internal/wire"
)

func conserved(t *testing.T, a *Arena) {
	t.Helper()
	require.Equal(t, a.Len(), a.FreeCount()+a.PendingCount()+a.ReservedCount())
}

func TestAllocReleaseConservation(t *testing.T) {
	a := New(4, 2)
	assert.Equal(t, 6, a.Len())
	assert.Equal(t, 4, a.Size())
	assert.Equal(t, 4, a.FreeCount())
	assert.Equal(t, 2, a.ReservedCount())

	var held []*Cmd
	for i := 0; i < 4; i++ {
		c, err := a.Alloc()
		require.NoError(t, err)
		assert.False(t, c.Dedicated)
		assert.Equal(t, ListPending, c.List())
		held = append(held, c)
		conserved(t, a)
	}

	_, err := a.Alloc()
	assert.ErrorIs(t, err, ErrEmpty)

	for _, c := range held {
		require.NoError(t, a.Release(c))
		conserved(t, a)
	}
	assert.Equal(t, 4, a.FreeCount())
	assert.Equal(t, 0, a.PendingCount())
}

func TestRandomisedConservation(t *testing.T) {
	a := New(16, 3)
	rng := rand.New(rand.NewSource(1))
	var held []*Cmd
	for step := 0; step < 2000; step++ {
		if rng.Intn(2) == 0 {
			if c, err := a.Alloc(); err == nil {
				held = append(held, c)
			}
		} else if len(held) > 0 {
			i := rng.Intn(len(held))
			require.NoError(t, a.Release(held[i]))
			held = append(held[:i], held[i+1:]...)
		}
		conserved(t, a)
		require.Equal(t, a.Size(), a.FreeCount()+a.PendingCount())
	}
}

func TestAllocReinitialises(t *testing.T) {
	a := New(1, 0)
	c, err := a.Alloc()
	require.NoError(t, err)
	a.SetStatusAddr(c, 0x4000)
	c.Req.CDB[0] = 0x28
	c.Req.Data.SG = append(c.Req.Data.SG, wire.SGEntry{Addr: 1, Len: 2, Flags: 3})
	c.Status.IOASC = 0xdead
	seq := c.Seq
	require.NoError(t, a.Release(c))

	c2, err := a.Alloc()
	require.NoError(t, err)
	assert.Same(t, c, c2)
	assert.NotEqual(t, seq, c2.Seq)
	assert.Zero(t, c2.Req.CDB[0])
	assert.Empty(t, c2.Req.Data.SG)
	assert.Zero(t, c2.Status.IOASC)
	assert.Equal(t, uint32(c2.Index), c2.Req.Handle)
	assert.Equal(t, uint64(0x4000), c2.Req.StatusAddr)
}

func TestDedicatedContexts(t *testing.T) {
	a := New(2, 2)
	d := a.Dedicated(1)
	assert.True(t, d.Dedicated)
	assert.Equal(t, 3, d.Index)

	require.NoError(t, a.Claim(d))
	assert.ErrorIs(t, a.Claim(d), ErrNotReserved)
	assert.Equal(t, 1, a.PendingCount())
	assert.Equal(t, 2, a.FreeCount(), "claiming a dedicated context leaves the pool intact")

	require.NoError(t, a.Release(d))
	assert.Equal(t, ListReserved, d.List())
	assert.ErrorIs(t, a.Release(d), ErrNotPending)
	conserved(t, a)
}

func TestPendingOrderAndLookup(t *testing.T) {
	a := New(3, 0)
	c0, _ := a.Alloc()
	c1, _ := a.Alloc()
	c2, _ := a.Alloc()
	require.NoError(t, a.Release(c1))

	p := a.Pending()
	require.Len(t, p, 2)
	assert.Same(t, c0, p[0])
	assert.Same(t, c2, p[1])

	got, err := a.Lookup(2)
	require.NoError(t, err)
	assert.Same(t, c2, got)

	_, err = a.Lookup(3)
	assert.ErrorIs(t, err, ErrBadIndex)
	_, err = a.Lookup(-1)
	assert.ErrorIs(t, err, ErrBadIndex)
}
