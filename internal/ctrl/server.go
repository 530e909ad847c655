package ctrl

import (
	"github.com/hashicorp/go-hclog"
	msgpack "github.com/hashicorp/go-msgpack/v2/codec"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/proclet/nu/internal/nuid"
	"github.com/proclet/nu/internal/rpc"
)

// DefaultPort is the controller's well-known listening port (ctrl_server.hpp:
// kPort = 2828).
const DefaultPort = 2828

// Server adapts a Controller to the rpc package's transport, decoding
// each request type and dispatching to the matching Controller method.
// Unlike the original's per-RPC-method atomic counters printed by a
// logging thread, request counts are exported as Prometheus counters
// (see metrics.go) so an operator can scrape them instead of grepping
// logs.
type Server struct {
	ctrl    *Controller
	rpcSrv  *rpc.Server
	log     hclog.Logger
	metrics *serverMetrics
}

// Listen starts a controller server bound to addr (commonly
// ":2828").
func Listen(addr string, c *Controller, log hclog.Logger) (*Server, error) {
	if log == nil {
		log = hclog.NewNullLogger()
	}
	s := &Server{ctrl: c, log: log.Named("ctrl.server"), metrics: newServerMetrics()}
	rpcSrv, err := rpc.Listen(addr, s.handle, log)
	if err != nil {
		return nil, err
	}
	s.rpcSrv = rpcSrv
	return s, nil
}

// Addr reports the server's bound address.
func (s *Server) Addr() string { return s.rpcSrv.Addr().String() }

// Registry exposes the server's private Prometheus registry so a caller
// can serve it over HTTP (e.g. promhttp.HandlerFor).
func (s *Server) Registry() *prometheus.Registry { return s.metrics.registry }

// Serve runs the accept loop; typically invoked in its own goroutine.
func (s *Server) Serve() error { return s.rpcSrv.Serve() }

// Close stops the server.
func (s *Server) Close() error { return s.rpcSrv.Close() }

func (s *Server) handle(core int, typ rpc.Type, payload []byte) (rpc.ReturnCode, []byte) {
	s.metrics.observe(typ)
	switch typ {
	case rpc.TypeRegisterNode:
		var req RegisterNodeReq
		if err := decode(payload, &req); err != nil {
			return rpc.Timeout, nil
		}
		lpid, seg, err := s.ctrl.RegisterNode(req.IP, req.LPID, req.MD5)
		if err != nil {
			return rpc.Ok, encode(RegisterNodeResp{Empty: true})
		}
		if v, ok := nuid.ParseVersion(req.Version); ok {
			s.log.Debug("node registered", "ip", req.IP, "lpid", lpid, "nonce", req.Nonce, "version", v.String())
		} else {
			s.log.Debug("node registered with unparsed version", "ip", req.IP, "lpid", lpid, "nonce", req.Nonce, "version", req.Version)
		}
		return rpc.Ok, encode(RegisterNodeResp{LPID: lpid, Stack: seg})

	case rpc.TypeVerifyMD5:
		var req VerifyMD5Req
		if err := decode(payload, &req); err != nil {
			return rpc.Timeout, nil
		}
		return rpc.Ok, encode(VerifyMD5Resp{Passed: s.ctrl.VerifyMD5(req.LPID, req.MD5)})

	case rpc.TypeAllocateProclet:
		var req AllocateProcletReq
		if err := decode(payload, &req); err != nil {
			return rpc.Timeout, nil
		}
		id, ip, err := s.ctrl.AllocateProclet(req.Capacity, req.LPID, req.IPHint)
		if err != nil {
			return rpc.Ok, encode(AllocateProcletResp{Empty: true})
		}
		return rpc.Ok, encode(AllocateProcletResp{ID: id, ServerIP: ip})

	case rpc.TypeDestroyProclet:
		var req DestroyProcletReq
		if err := decode(payload, &req); err != nil {
			return rpc.Timeout, nil
		}
		s.ctrl.DestroyProclet(req.Segment)
		return rpc.Ok, nil

	case rpc.TypeResolveProclet:
		var req ResolveProcletReq
		if err := decode(payload, &req); err != nil {
			return rpc.Timeout, nil
		}
		ip, err := s.ctrl.ResolveProclet(req.ID)
		if err != nil {
			return rpc.Ok, encode(ResolveProcletResp{IP: ""})
		}
		return rpc.Ok, encode(ResolveProcletResp{IP: ip})

	case rpc.TypeAcquireMigrationDest:
		var req AcquireMigrationDestReq
		if err := decode(payload, &req); err != nil {
			return rpc.Timeout, nil
		}
		ip, err := s.ctrl.AcquireMigrationDest(req.LPID, req.RequestIP, req.Resource)
		if err != nil {
			return rpc.Ok, encode(AcquireMigrationDestResp{OK: false})
		}
		return rpc.Ok, encode(AcquireMigrationDestResp{IP: ip, OK: true})

	case rpc.TypeReleaseMigrationDest:
		var req ReleaseMigrationDestReq
		if err := decode(payload, &req); err != nil {
			return rpc.Timeout, nil
		}
		s.ctrl.ReleaseMigrationDest(req.LPID, req.IP)
		return rpc.Ok, nil

	case rpc.TypeUpdateLocation:
		var req UpdateLocationReq
		if err := decode(payload, &req); err != nil {
			return rpc.Timeout, nil
		}
		s.ctrl.UpdateLocation(req.ID, req.IP)
		return rpc.Ok, nil

	case rpc.TypeReportFreeResource:
		var req ReportFreeResourceReq
		if err := decode(payload, &req); err != nil {
			return rpc.Timeout, nil
		}
		s.ctrl.ReportFreeResource(req.LPID, req.IP, req.Resource)
		return rpc.Ok, nil

	default:
		return rpc.Timeout, nil
	}
}

func encode(v any) []byte {
	var buf []byte
	enc := msgpack.NewEncoderBytes(&buf, &msgpack.MsgpackHandle{})
	_ = enc.Encode(v)
	return buf
}

func decode(b []byte, v any) error {
	dec := msgpack.NewDecoderBytes(b, &msgpack.MsgpackHandle{})
	return dec.Decode(v)
}
