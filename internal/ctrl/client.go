package ctrl

import (
	"crypto/md5"
	"errors"

	"github.com/hashicorp/go-hclog"

	"github.com/proclet/nu/internal/nuid"
	"github.com/proclet/nu/internal/rpc"
)

// BuildVersion is the running binary's self-reported version, sent with
// every RegisterNode call alongside the md5 checksum gate (// "binary-compatibility reporting alongside the md5 checksum gate"). It
// is a plain var, not a const, so cmd/proclet can stamp it at link time
// via -ldflags.
var BuildVersion = "0.0.0-dev"

// Client is the node-side handle to the controller, mirroring
// ctrl_client.hpp's ControllerClient: every node-local component (proclet,
// migrate, pressure) that needs to talk to the controller
// goes through one shared Client.
type Client struct {
	lpid     LPID
	rpcConn  *rpc.Client
	log      hclog.Logger
}

// Dial connects to the controller at addr. The new Client's lpid is 0, so
// its first RegisterNode asks the controller for a fresh one; subsequent
// nodes of the same logical process call JoinLP with the lpid the first
// node was handed before registering.
func Dial(addr string, log hclog.Logger) (*Client, error) {
	c, err := rpc.Dial(addr, 1, rpc.DefaultCreditWindow, log)
	if err != nil {
		return nil, err
	}
	return &Client{rpcConn: c, log: log}, nil
}

// RegisterNode registers ip under this client's lpid (or requests a new
// lpid, if this is the first node of the process), checked against
// binaryMD5.
func (c *Client) RegisterNode(ip string, binaryMD5 [16]byte) (VAddrRange, error) {
	nonce := nuid.NewNonce()
	rc, out, err := c.call(rpc.TypeRegisterNode, RegisterNodeReq{IP: ip, LPID: c.lpid, MD5: binaryMD5, Nonce: nonce, Version: BuildVersion})
	if err != nil {
		return VAddrRange{}, err
	}
	if rc != rpc.Ok {
		return VAddrRange{}, errReturnCode(rc)
	}
	var resp RegisterNodeResp
	if err := decode(out, &resp); err != nil {
		return VAddrRange{}, err
	}
	if resp.Empty {
		return VAddrRange{}, ErrMD5Mismatch
	}
	c.lpid = resp.LPID
	return resp.Stack, nil
}

// VerifyMD5 checks the running binary's checksum against what the
// controller recorded for this lpid (spec: gates a node from joining a
// logical process running different code).
func (c *Client) VerifyMD5(binaryMD5 [16]byte) (bool, error) {
	rc, out, err := c.call(rpc.TypeVerifyMD5, VerifyMD5Req{LPID: c.lpid, MD5: binaryMD5})
	if err != nil {
		return false, err
	}
	if rc != rpc.Ok {
		return false, errReturnCode(rc)
	}
	var resp VerifyMD5Resp
	if err := decode(out, &resp); err != nil {
		return false, err
	}
	return resp.Passed, nil
}

// AllocateProclet requests a new proclet able to hold capacity bytes,
// hinting ipHint as a preferred host (empty for "no preference").
func (c *Client) AllocateProclet(capacity uint64, ipHint string) (ProcletID, string, error) {
	rc, out, err := c.call(rpc.TypeAllocateProclet, AllocateProcletReq{Capacity: capacity, LPID: c.lpid, IPHint: ipHint})
	if err != nil {
		return 0, "", err
	}
	if rc != rpc.Ok {
		return 0, "", errReturnCode(rc)
	}
	var resp AllocateProcletResp
	if err := decode(out, &resp); err != nil {
		return 0, "", err
	}
	if resp.Empty {
		return 0, "", ErrNoCapacity
	}
	return resp.ID, resp.ServerIP, nil
}

// DestroyProclet returns a proclet's heap segment to the controller's
// free list.
func (c *Client) DestroyProclet(seg VAddrRange) error {
	rc, _, err := c.call(rpc.TypeDestroyProclet, DestroyProcletReq{Segment: seg})
	if err != nil {
		return err
	}
	return errReturnCode(rc)
}

// ResolveProclet looks up id's current host, used to recover from a
// WrongClient response .
func (c *Client) ResolveProclet(id ProcletID) (string, error) {
	rc, out, err := c.call(rpc.TypeResolveProclet, ResolveProcletReq{ID: id})
	if err != nil {
		return "", err
	}
	if rc != rpc.Ok {
		return "", errReturnCode(rc)
	}
	var resp ResolveProcletResp
	if err := decode(out, &resp); err != nil {
		return "", err
	}
	return resp.IP, nil
}

// MigrationDest is a held migration-destination reservation; Release
// must be called exactly once, whether the migration succeeds or aborts
// (mirrors ctrl_client.hpp's RAII MigrationDest).
type MigrationDest struct {
	client *Client
	ip     string
	released bool
}

// IP reports the reserved destination's address.
func (d *MigrationDest) IP() string { return d.ip }

// Release notifies the controller this destination reservation is done.
func (d *MigrationDest) Release() {
	if d.released {
		return
	}
	d.released = true
	d.client.releaseMigrationDest(d.ip)
}

// AcquireMigrationDest asks the controller for a migration target with
// enough resource, other than the requesting node itself.
func (c *Client) AcquireMigrationDest(selfIP string, resource Resource) (*MigrationDest, error) {
	rc, out, err := c.call(rpc.TypeAcquireMigrationDest, AcquireMigrationDestReq{LPID: c.lpid, RequestIP: selfIP, Resource: resource})
	if err != nil {
		return nil, err
	}
	if rc != rpc.Ok {
		return nil, errReturnCode(rc)
	}
	var resp AcquireMigrationDestResp
	if err := decode(out, &resp); err != nil {
		return nil, err
	}
	if !resp.OK {
		return nil, ErrNoCapacity
	}
	return &MigrationDest{client: c, ip: resp.IP}, nil
}

func (c *Client) releaseMigrationDest(ip string) {
	_, _, _ = c.call(rpc.TypeReleaseMigrationDest, ReleaseMigrationDestReq{LPID: c.lpid, IP: ip})
}

// UpdateLocation tells the controller id now lives at ip.
func (c *Client) UpdateLocation(id ProcletID, ip string) error {
	rc, _, err := c.call(rpc.TypeUpdateLocation, UpdateLocationReq{ID: id, IP: ip})
	if err != nil {
		return err
	}
	return errReturnCode(rc)
}

// ReportFreeResource pushes this node's currently free resource, folded
// into the controller's EWMA estimate.
func (c *Client) ReportFreeResource(selfIP string, free Resource) error {
	rc, _, err := c.call(rpc.TypeReportFreeResource, ReportFreeResourceReq{LPID: c.lpid, IP: selfIP, Resource: free})
	if err != nil {
		return err
	}
	return errReturnCode(rc)
}

// LPID reports the logical process id this client has joined.
func (c *Client) LPID() LPID { return c.lpid }

// JoinLP sets the logical process id this client registers under. The
// first node of a logical process leaves its lpid at zero and lets
// RegisterNode obtain a fresh one from the controller; every other node
// of that same process learns the id out-of-band (its own config, or the
// first node's address) and calls JoinLP before RegisterNode so all
// nodes land under one lpInfo ("LP registration").
func (c *Client) JoinLP(lpid LPID) { c.lpid = lpid }

// Close tears down the connection to the controller.
func (c *Client) Close() error { return c.rpcConn.Close() }

func (c *Client) call(typ rpc.Type, req any) (rpc.ReturnCode, []byte, error) {
	return c.rpcConn.Call(0, typ, encode(req))
}

func errReturnCode(rc rpc.ReturnCode) error {
	switch rc {
	case rpc.Ok, rpc.Forwarded:
		return nil
	case rpc.WrongClient:
		return rpc.ErrWrongClient
	case rpc.Timeout:
		return rpc.ErrTimeout
	default:
		return errors.New("ctrl: unexpected return code")
	}
}

// BinaryChecksum computes the md5 checksum the controller uses to gate
// LP membership, over the running binary's bytes (kEnableBinaryVerification
// in ctrl.hpp). Standard-library crypto/md5 is used directly: no example
// in the corpus wraps checksum hashing in a third-party library, and the
// algorithm is mandated by the original's wire format, not a free choice.
func BinaryChecksum(binary []byte) [16]byte {
	return md5.Sum(binary)
}
