package ctrl

import (
	"testing"

	"github.com/shoenig/test/must"
)

func newTestController() *Controller {
	return New(nil, 0x80000000, 0x400000000000)
}

func TestController_RegisterNodeAssignsFreshLPIDOnZero(t *testing.T) {
	c := newTestController()
	md5 := [16]byte{1, 2, 3}

	lpid, seg, err := c.RegisterNode("10.0.0.1", 0, md5)
	must.NoError(t, err)
	must.NotEq(t, LPID(0), lpid)
	must.True(t, seg.Len() > 0)
}

func TestController_RegisterNodeRejectsMD5Mismatch(t *testing.T) {
	c := newTestController()
	md5a := [16]byte{1}
	md5b := [16]byte{2}

	lpid, _, err := c.RegisterNode("10.0.0.1", 0, md5a)
	must.NoError(t, err)

	_, _, err = c.RegisterNode("10.0.0.2", lpid, md5b)
	must.ErrorIs(t, ErrMD5Mismatch, err)
}

func TestController_AllocateProcletPicksNodeWithCapacity(t *testing.T) {
	c := newTestController()
	md5 := [16]byte{9}
	lpid, _, err := c.RegisterNode("10.0.0.1", 0, md5)
	must.NoError(t, err)

	c.ReportFreeResource(lpid, "10.0.0.1", Resource{Cores: 4, MemMBs: 4096})

	id, ip, err := c.AllocateProclet(1<<20, lpid, "")
	must.NoError(t, err)
	must.Eq(t, "10.0.0.1", ip)
	must.NotEq(t, ProcletID(0), id)

	gotIP, err := c.ResolveProclet(id)
	must.NoError(t, err)
	must.Eq(t, "10.0.0.1", gotIP)
}

func TestController_AllocateProcletFailsWithoutCapacity(t *testing.T) {
	c := newTestController()
	lpid, _, err := c.RegisterNode("10.0.0.1", 0, [16]byte{})
	must.NoError(t, err)

	_, _, err = c.AllocateProclet(1<<20, lpid, "")
	must.ErrorIs(t, ErrNoCapacity, err)
}

func TestController_DestroyProcletRecyclesSegmentAndForgetsDirectory(t *testing.T) {
	c := newTestController()
	lpid, _, _ := c.RegisterNode("10.0.0.1", 0, [16]byte{})
	c.ReportFreeResource(lpid, "10.0.0.1", Resource{Cores: 4, MemMBs: 4096})

	id, _, err := c.AllocateProclet(1<<20, lpid, "")
	must.NoError(t, err)

	rng := VAddrRange{Start: uint64(id), End: uint64(id) + (1 << 20)}
	c.DestroyProclet(rng)

	_, err = c.ResolveProclet(id)
	must.ErrorIs(t, ErrUnknownProclet, err)

	id2, _, err := c.AllocateProclet(1<<20, lpid, "")
	must.NoError(t, err)
	must.Eq(t, id, id2)
}

func TestController_AcquireMigrationDestSkipsRequestorAndUnavailable(t *testing.T) {
	c := newTestController()
	lpid, _, _ := c.RegisterNode("10.0.0.1", 0, [16]byte{})
	_, _, _ = c.RegisterNode("10.0.0.2", lpid, [16]byte{})
	c.ReportFreeResource(lpid, "10.0.0.1", Resource{Cores: 4, MemMBs: 4096})
	c.ReportFreeResource(lpid, "10.0.0.2", Resource{Cores: 4, MemMBs: 4096})

	ip, err := c.AcquireMigrationDest(lpid, "10.0.0.1", Resource{Cores: 1, MemMBs: 1})
	must.NoError(t, err)
	must.Eq(t, "10.0.0.2", ip)

	// destination is marked acquired; a second request for the same lpid
	// (excluding the same requestor) should skip it and fail since no
	// other candidate remains.
	_, err = c.AcquireMigrationDest(lpid, "10.0.0.1", Resource{Cores: 1, MemMBs: 1})
	must.ErrorIs(t, ErrNoCapacity, err)

	c.ReleaseMigrationDest(lpid, ip)
	ip2, err := c.AcquireMigrationDest(lpid, "10.0.0.1", Resource{Cores: 1, MemMBs: 1})
	must.NoError(t, err)
	must.Eq(t, "10.0.0.2", ip2)
}

func TestController_UpdateLocationOverridesDirectory(t *testing.T) {
	c := newTestController()
	lpid, _, _ := c.RegisterNode("10.0.0.1", 0, [16]byte{})
	c.ReportFreeResource(lpid, "10.0.0.1", Resource{Cores: 4, MemMBs: 4096})

	id, _, err := c.AllocateProclet(1<<20, lpid, "")
	must.NoError(t, err)

	c.UpdateLocation(id, "10.0.0.9")
	ip, err := c.ResolveProclet(id)
	must.NoError(t, err)
	must.Eq(t, "10.0.0.9", ip)
}
