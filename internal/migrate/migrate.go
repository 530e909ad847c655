// Package migrate implements the migration engine: moving a
// present proclet from its current node to one the controller selected,
// without dropping in-flight calls.
//
// This port has no raw virtual-memory region to mmap across nodes (the
// original's "heap_mmap_populate_ranges" / "heap bytes" transfer), so the
// migratable unit is the constructed Go value itself,
// shipped through the same constructor/handler registries invocation
// uses (package proclet) rather than a byte-for-byte memory copy.
// Likewise "thread state" never crosses the wire: remove_for_migration
// plus writer_sync (package procletable) already block until no call is
// executing inside the proclet before heap transfer begins, so there is
// no running thread to capture. A user type that parks goroutines on its
// own condition variables across an await boundary is not migration-safe
// in this port; Header.Migratable is the escape hatch for such types.
package migrate

import (
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/go-hclog"
	msgpack "github.com/hashicorp/go-msgpack/v2/codec"
	"github.com/hashicorp/go-multierror"

	"github.com/proclet/nu/internal/ctrl"
	"github.com/proclet/nu/internal/proclet"
	"github.com/proclet/nu/internal/procletable"
	gort "github.com/proclet/nu/internal/runtime"
	"github.com/proclet/nu/internal/rpc"
)

// writerSyncSpinWindow is the fast-path spin window writer_sync uses
// before falling back to sleeping, matching the reader-wait constant
// package syncx uses for the same RCU discipline .
const writerSyncSpinWindow = 20 * time.Microsecond

var (
	// ErrProcletBusy is returned when another migration or destruction
	// already owns this proclet's transition out of Present: at most one
	// migration of a given proclet may be in progress.
	ErrProcletBusy = errors.New("migrate: proclet is not in a migratable state")
	// ErrNotFound is returned when the proclet named isn't present on
	// this node at all.
	ErrNotFound = errors.New("migrate: proclet not present on this node")
)

// Engine drives the source side of a migration and serves the
// destination-side RPC handler, reusing a node's already-wired Runtime
// (table, controller client, RPC connection cache) rather than
// duplicating that plumbing.
type Engine struct {
	RT  *proclet.Runtime
	log hclog.Logger
}

// New builds a migration engine for a node's runtime.
func New(rt *proclet.Runtime, log hclog.Logger) *Engine {
	if log == nil {
		log = hclog.NewNullLogger()
	}
	return &Engine{RT: rt, log: log.Named("migrate")}
}

// HandleRPC is the Engine's rpc.Handler: it intercepts the migration
// transfer RPC and delegates everything else (proclet calls, forwards)
// to the underlying Runtime, so a node wires exactly one Handler to its
// rpc.Server (one listener per node).
func (e *Engine) HandleRPC(core int, typ rpc.Type, payload []byte) (rpc.ReturnCode, []byte) {
	if typ == rpc.TypeMigrateThreadAndRetVal {
		return e.handleIncomingTransfer(payload)
	}
	return e.RT.HandleRPC(core, typ, payload)
}

// transferEnvelope carries everything the destination needs to
// reconstruct a proclet .
type transferEnvelope struct {
	ID         gort.ProcletID
	TypeName   string
	Migratable bool
	RefCnt     int
	ObjBytes   []byte
	Capacity   uint64
}

// MigrateOut runs the full source-side migration protocol for a
// single proclet: acquire a destination from the controller, quiesce the
// proclet, transfer its state, install a forwarding hint, and update the
// directory.
func (e *Engine) MigrateOut(id gort.ProcletID, need ctrl.Resource) error {
	hdr, ok := e.RT.Table.Header(id)
	if !ok {
		return ErrNotFound
	}

	dest, err := e.RT.Ctrl.AcquireMigrationDest(e.RT.SelfIP, need)
	if err != nil {
		return err
	}
	released := false
	release := func() {
		if !released {
			dest.Release()
			released = true
		}
	}
	defer release()

	// "Reserve connections": warm the flow pool to dest before the
	// quiesce window opens, so the transfer itself pays no dial latency.
	// rpc.ClientManager.Get performs the credit handshake
	// (TypeReserveConns) as part of dialing.
	conn, err := e.RT.Conns.Get(dest.IP())
	if err != nil {
		return err
	}

	if !e.RT.Table.RemoveForMigration(id) {
		return ErrProcletBusy
	}

	procletable.WriterSync(hdr, writerSyncSpinWindow)

	objBytes, err := proclet.EncodeUserObj(hdr.UserObj)
	if err != nil {
		return e.abort(hdr, id, err)
	}

	hdr.Lock()
	var capacity uint64
	if hdr.Slab != nil {
		capacity = hdr.Slab.Capacity()
	}
	env := transferEnvelope{ID: id, TypeName: hdr.TypeName, Migratable: hdr.Migratable, RefCnt: hdr.RefCnt, ObjBytes: objBytes, Capacity: capacity}
	hdr.Unlock()

	body, err := mustEncode(env)
	if err != nil {
		return e.abort(hdr, id, err)
	}

	rc, _, err := conn.Call(0, rpc.TypeMigrateThreadAndRetVal, body)
	if err != nil || rc != rpc.Ok {
		if err == nil {
			err = errFromReturnCode(rc)
		}
		return e.abort(hdr, id, err)
	}

	// The proclet now lives on dest; install the forwarding hint before
	// tearing down local state so any call still in flight toward this
	// node gets relayed rather than bounced .
	e.RT.Table.SetForwardHint(id, dest.IP())
	e.RT.Table.Cleanup(id)

	if err := e.RT.Ctrl.UpdateLocation(id, dest.IP()); err != nil {
		e.log.Warn("directory update failed after migration", "id", id, "error", err)
	}

	release()
	return nil
}

// abort unwinds a migration that failed after remove_for_migration/
// writer_sync already ran, reinstating Present so callers stop seeing
// WrongClient ("proceeds to completion or aborts the entire
// proclet migration, reinstating Present"). If the table's CAS back to
// Present itself fails — another racing operation already moved the slot
// on — that failure is folded into the returned error rather than
// silently dropped, since the caller still needs to know the original
// transfer failed.
func (e *Engine) abort(hdr *procletable.Header, id gort.ProcletID, cause error) error {
	procletable.EndWriterSync(hdr)
	result := &multierror.Error{}
	result = multierror.Append(result, cause)
	if !e.RT.Table.AbortMigration(id) {
		result = multierror.Append(result, fmt.Errorf("migrate: could not reinstate proclet %v as present after aborted migration", id))
	}
	return result.ErrorOrNil()
}

func (e *Engine) handleIncomingTransfer(payload []byte) (rpc.ReturnCode, []byte) {
	var env transferEnvelope
	if err := decodeEnvelope(payload, &env); err != nil {
		return rpc.Timeout, nil
	}

	obj, err := proclet.DecodeUserObj(env.TypeName, env.ObjBytes)
	if err != nil {
		e.log.Warn("migration decode failed", "id", env.ID, "type", env.TypeName, "error", err)
		return rpc.Timeout, nil
	}

	hdr := e.RT.Table.Setup(env.ID, env.Migratable, true)
	hdr.TypeName = env.TypeName
	if env.Capacity > 0 {
		if err := e.RT.AttachSlab(hdr, env.Capacity); err != nil {
			e.log.Warn("migration slab reservation failed", "id", env.ID, "error", err)
		}
	}
	hdr.Lock()
	hdr.UserObj = obj
	hdr.RefCnt = env.RefCnt
	hdr.Unlock()

	if err := e.RT.Table.Insert(env.ID); err != nil {
		return rpc.Timeout, nil
	}
	return rpc.Ok, nil
}

func mustEncode(v any) ([]byte, error) {
	var buf []byte
	enc := msgpack.NewEncoderBytes(&buf, &msgpack.MsgpackHandle{})
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf, nil
}

func decodeEnvelope(b []byte, v any) error {
	dec := msgpack.NewDecoderBytes(b, &msgpack.MsgpackHandle{})
	return dec.Decode(v)
}

func errFromReturnCode(rc rpc.ReturnCode) error {
	switch rc {
	case rpc.Ok, rpc.Forwarded:
		return nil
	case rpc.WrongClient:
		return rpc.ErrWrongClient
	default:
		return rpc.ErrTimeout
	}
}
