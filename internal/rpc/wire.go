// Package rpc implements the credit-based, multi-flow, per-core-affinitized
// TCP transport: each Flow owns one TCP connection and runs a
// Sender/Receiver worker pair; requests are tagged at enqueue time so
// responses can be matched back to their caller regardless of arrival
// order.
package rpc

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Type tags the kind of RPC payload carried by a frame, mirroring
// RPCReqEnum in the original rpc_server.hpp: migration tags first,
// controller tags next, then the proclet call-path tags.
type Type uint8

const (
	TypeReserveConns Type = iota
	TypeForward
	TypeMigrateThreadAndRetVal

	TypeRegisterNode
	TypeAllocateProclet
	TypeDestroyProclet
	TypeResolveProclet
	TypeAcquireMigrationDest
	TypeReleaseMigrationDest
	TypeUpdateLocation
	TypeReportFreeResource
	TypeVerifyMD5

	TypeProcletCall
	TypeGCStack
)

func (t Type) String() string {
	switch t {
	case TypeReserveConns:
		return "ReserveConns"
	case TypeForward:
		return "Forward"
	case TypeMigrateThreadAndRetVal:
		return "MigrateThreadAndRetVal"
	case TypeRegisterNode:
		return "RegisterNode"
	case TypeAllocateProclet:
		return "AllocateProclet"
	case TypeDestroyProclet:
		return "DestroyProclet"
	case TypeResolveProclet:
		return "ResolveProclet"
	case TypeAcquireMigrationDest:
		return "AcquireMigrationDest"
	case TypeReleaseMigrationDest:
		return "ReleaseMigrationDest"
	case TypeUpdateLocation:
		return "UpdateLocation"
	case TypeReportFreeResource:
		return "ReportFreeResource"
	case TypeVerifyMD5:
		return "VerifyMD5"
	case TypeProcletCall:
		return "ProcletCall"
	case TypeGCStack:
		return "GCStack"
	default:
		return fmt.Sprintf("Type(%d)", uint8(t))
	}
}

// ReturnCode is the RPC layer's outcome enum ("Enum {Ok,
// WrongClient, Forwarded, Timeout}").
type ReturnCode int8

const (
	Ok ReturnCode = iota
	WrongClient
	Forwarded
	Timeout
)

func (rc ReturnCode) String() string {
	switch rc {
	case Ok:
		return "Ok"
	case WrongClient:
		return "WrongClient"
	case Forwarded:
		return "Forwarded"
	case Timeout:
		return "Timeout"
	default:
		return fmt.Sprintf("ReturnCode(%d)", int8(rc))
	}
}

// ErrTimeout and ErrWrongClient let callers use errors.Is against a Call
// failure without inspecting the return code directly.
var (
	ErrTimeout     = errors.New("rpc: call timed out")
	ErrWrongClient = errors.New("rpc: wrong client, callee migrated")
	ErrClosed      = errors.New("rpc: flow closed")
)

// frameHeaderSize is the byte length of a wire frame's fixed header:
// [u32 length][u32 tag][u8 rpc-type]. The tag round-trips a request's
// enqueue-time index so replies can be matched regardless of arrival
// order ("Each request is tagged with an index assigned at
// enqueue time; responses carry the same tag").
const frameHeaderSize = 4 + 4 + 1

// writeFrame writes one length-prefixed frame: length counts only the
// trailing payload bytes (tag + rpc-type + body), matching the original's
// "[u32 length][u8 rpc-type][payload...]" framing extended with a tag.
func writeFrame(w io.Writer, tag uint32, typ Type, payload []byte) error {
	buf := make([]byte, frameHeaderSize+len(payload))
	binary.BigEndian.PutUint32(buf[0:4], uint32(5+len(payload)))
	binary.BigEndian.PutUint32(buf[4:8], tag)
	buf[8] = byte(typ)
	copy(buf[9:], payload)
	_, err := w.Write(buf)
	return err
}

// readFrame reads one length-prefixed frame and returns its tag, type and
// payload.
func readFrame(r io.Reader) (tag uint32, typ Type, payload []byte, err error) {
	var lenBuf [4]byte
	if _, err = io.ReadFull(r, lenBuf[:]); err != nil {
		return 0, 0, nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n < 5 {
		return 0, 0, nil, fmt.Errorf("rpc: malformed frame length %d", n)
	}
	body := make([]byte, n)
	if _, err = io.ReadFull(r, body); err != nil {
		return 0, 0, nil, err
	}
	tag = binary.BigEndian.Uint32(body[0:4])
	typ = Type(body[4])
	payload = body[5:]
	return tag, typ, payload, nil
}

// replyHeaderSize is the fixed size of a reply's return-code prefix.
const replyHeaderSize = 1

func writeReply(w io.Writer, tag uint32, rc ReturnCode, payload []byte) error {
	body := make([]byte, replyHeaderSize+len(payload))
	body[0] = byte(rc)
	copy(body[1:], payload)
	return writeFrame(w, tag, TypeProcletCall, body)
}

func splitReply(payload []byte) (ReturnCode, []byte, error) {
	if len(payload) < replyHeaderSize {
		return 0, nil, fmt.Errorf("rpc: short reply payload")
	}
	return ReturnCode(int8(payload[0])), payload[1:], nil
}
