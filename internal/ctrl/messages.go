package ctrl

// Request/response payloads exchanged over the rpc package's framing,
// marshalled with go-msgpack/v2 (grounded on rpc_client_mgr.hpp /
// ctrl_server.hpp's RPCReq*/RPCResp* structs, translated from C's packed
// structs into tagged Go structs since Go has no wire-compatible struct
// packing attribute).

type RegisterNodeReq struct {
	IP   string
	LPID LPID
	MD5  [16]byte
	// Nonce and Version ride alongside the md5 checksum gate as
	// diagnostics: Nonce correlates this registration across controller
	// logs and restarts, Version is the node's self-reported build
	// version for compatibility reporting. Neither gates admission — md5
	// alone does.
	Nonce   string
	Version string
}

type RegisterNodeResp struct {
	Empty bool
	LPID  LPID
	Stack VAddrRange
}

type VerifyMD5Req struct {
	LPID LPID
	MD5  [16]byte
}

type VerifyMD5Resp struct {
	Passed bool
}

type AllocateProcletReq struct {
	Capacity uint64
	LPID     LPID
	IPHint   string
}

type AllocateProcletResp struct {
	Empty    bool
	ID       ProcletID
	ServerIP string
}

type DestroyProcletReq struct {
	Segment VAddrRange
}

type ResolveProcletReq struct {
	ID ProcletID
}

type ResolveProcletResp struct {
	IP string
}

type AcquireMigrationDestReq struct {
	LPID       LPID
	RequestIP  string
	Resource   Resource
}

type AcquireMigrationDestResp struct {
	IP string
	OK bool
}

type ReleaseMigrationDestReq struct {
	LPID LPID
	IP   string
}

type UpdateLocationReq struct {
	ID ProcletID
	IP string
}

type ReportFreeResourceReq struct {
	LPID     LPID
	IP       string
	Resource Resource
}
