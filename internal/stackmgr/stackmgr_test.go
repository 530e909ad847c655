package stackmgr

import (
	"testing"

	"github.com/shoenig/test/must"
)

func TestCluster_AcquireReleaseRoundTrip(t *testing.T) {
	c := New(4*DefaultStackSize, DefaultStackSize, 2)
	must.Eq(t, uint32(4), c.NumSlots())

	var got []StackID
	for i := 0; i < 4; i++ {
		id, err := c.Acquire(0)
		must.NoError(t, err)
		got = append(got, id)
	}

	_, err := c.Acquire(0)
	must.ErrorIs(t, ErrClusterExhausted, err)

	c.Release(0, got[0])
	id, err := c.Acquire(1)
	must.NoError(t, err)
	must.Eq(t, got[0], id)
}

func TestCluster_InCluster(t *testing.T) {
	c := New(2*DefaultStackSize, DefaultStackSize, 1)
	must.True(t, c.InCluster(0))
	must.True(t, c.InCluster(1))
	must.False(t, c.InCluster(2))
}
