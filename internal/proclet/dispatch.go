package proclet

import (
	"github.com/proclet/nu/internal/procletable"
	"github.com/proclet/nu/internal/rpc"
)

// Run dispatches fn(obj, args) against p. name must match a prior
// Register(name, fn) call made identically on every
// node of this logical process — the controller's md5 gate
// is what makes that identical-registration assumption safe.
//
// Local fast path: if p's header is present on this node and a
// non-blocking migration-disabled guard succeeds, fn runs directly
// against the in-process object, typed, with no serialization.
//
// Remote path: arguments are marshalled and sent to p's last-known host;
// a WrongClient reply triggers a bounded directory refresh and retry.
func Run[T any, A any, R any](p *Proclet[T], name string, fn func(obj *T, args A) R, args A) (R, error) {
	var zero R

	argsCopy, err := deepCopyArgs(args)
	if err != nil {
		return zero, err
	}

	if hdr, ok := p.rt.Table.Header(p.id); ok {
		if guard, ok := procletable.TryDisableMigration(hdr); ok {
			defer guard.Release()
			hdr.Lock()
			obj, objOK := hdr.UserObj.(*T)
			hdr.Unlock()
			if objOK {
				return fn(obj, argsCopy), nil
			}
		}
	}

	argBytes, err := encode(argsCopy)
	if err != nil {
		return zero, err
	}

	host := p.knownHost()
	for attempt := 0; attempt < maxWrongClientRetries; attempt++ {
		if host == "" {
			host = p.rt.SelfIP
		}
		conn, err := p.rt.Conns.Get(host)
		if err != nil {
			return zero, err
		}

		rc, out, err := conn.Call(0, rpc.TypeProcletCall, mustEncode(callEnvelope{ID: p.id, Handler: name, Args: argBytes}))
		if err != nil {
			return zero, err
		}

		switch rc {
		case rpc.Ok, rpc.Forwarded:
			var reply replyEnvelope
			if err := decode(out, &reply); err != nil {
				return zero, err
			}
			var result R
			if len(reply.Result) > 0 {
				if err := decode(reply.Result, &result); err != nil {
					return zero, err
				}
			}
			p.setKnownHost(host)
			return result, nil

		case rpc.WrongClient:
			staleHost := host
			hint := string(out)
			refreshed, rerr := p.rt.Ctrl.ResolveProclet(p.id)
			if rerr == nil && refreshed != "" {
				host = refreshed
			} else if hint != "" {
				host = hint
			} else {
				return zero, rpc.ErrWrongClient
			}
			p.rt.Conns.Invalidate(staleHost)
			dirCacheEvict(p.id)
			continue

		default:
			return zero, rpc.ErrTimeout
		}
	}
	return zero, ErrRetriesExhausted
}
