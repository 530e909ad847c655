// Package proclet implements a typed Proclet[T] handle with
// local-fast-path/remote-path dispatch, reference counting, and
// move-if-safe argument passing.
//
// The original dispatches by sending a raw function pointer over the
// wire, valid only because the controller's md5 binary-checksum gate
// guarantees every node in a logical process runs an
// identical binary layout. Go gives no equivalent of a portable function
// pointer, so the same guarantee is expressed here as a registry of named
// handlers: every node registers the same handlers, under the same
// names, before joining a logical process, and a call names its handler
// instead of carrying a pointer.
package proclet

import (
	"fmt"
	"sync"

	msgpack "github.com/hashicorp/go-msgpack/v2/codec"
)

type rawHandler func(obj any, argBytes []byte) ([]byte, error)

// registry holds every handler registered process-wide, keyed by name.
// It is intentionally a package-level singleton: handlers are registered
// once at program init (mirroring the original's link-time-fixed set of
// instantiated run() templates), not per Runtime instance.
var (
	registryMu sync.RWMutex
	registry   = make(map[string]rawHandler)
)

// Register installs a handler under name, usable from the remote
// dispatch path. A is the argument type and R the result type; both must
// be msgpack-encodable. Calling Register twice for the same name panics,
// matching the original's compile-time duplicate-instantiation error
// (here necessarily deferred to registration time).
func Register[T any, A any, R any](name string, fn func(obj *T, args A) R) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, exists := registry[name]; exists {
		panic(fmt.Sprintf("proclet: handler %q already registered", name))
	}
	registry[name] = func(obj any, argBytes []byte) ([]byte, error) {
		typed, ok := obj.(*T)
		if !ok {
			return nil, fmt.Errorf("proclet: handler %q called against wrong object type", name)
		}
		var args A
		if len(argBytes) > 0 {
			if err := decode(argBytes, &args); err != nil {
				return nil, err
			}
		}
		result := fn(typed, args)
		return encode(result)
	}
}

func lookup(name string) (rawHandler, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	h, ok := registry[name]
	return h, ok
}

func encode(v any) ([]byte, error) {
	var buf []byte
	enc := msgpack.NewEncoderBytes(&buf, &msgpack.MsgpackHandle{})
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf, nil
}

func decode(b []byte, v any) error {
	dec := msgpack.NewDecoderBytes(b, &msgpack.MsgpackHandle{})
	return dec.Decode(v)
}
