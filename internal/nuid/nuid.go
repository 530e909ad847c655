// Package nuid centralizes the small identity/version helpers several
// packages need (a nonce for log correlation across a request/response
// pair, a self-reported build version to log alongside the md5
// compatibility gate) behind one place, rather than each caller reaching
// for github.com/hashicorp/go-uuid and github.com/hashicorp/go-version
// directly.
package nuid

import (
	uuid "github.com/hashicorp/go-uuid"
	version "github.com/hashicorp/go-version"
)

// NewNonce returns a fresh random identifier suitable for correlating one
// call's log lines across two processes (e.g. a node-registration
// request and the controller's acknowledgement of it). Falls back to the
// empty string if the system's random source is unavailable, since a
// nonce is diagnostic only and must never gate an operation.
func NewNonce() string {
	id, err := uuid.GenerateUUID()
	if err != nil {
		return ""
	}
	return id
}

// ParseVersion parses raw as a version.Version, returning a nil version
// and ok=false if raw doesn't parse — a self-reported build
// version is logged best-effort, never used to reject a node.
func ParseVersion(raw string) (v *version.Version, ok bool) {
	parsed, err := version.NewVersion(raw)
	if err != nil {
		return nil, false
	}
	return parsed, true
}

// CompareVersions reports whether a is older than, equal to, or newer
// than b (-1, 0, 1), or 0 if either fails to parse — used by logging and
// diagnostics only, never by admission control (the md5 checksum is the
// only gate; see package ctrl).
func CompareVersions(a, b string) int {
	va, aok := ParseVersion(a)
	vb, bok := ParseVersion(b)
	if !aok || !bok {
		return 0
	}
	return va.Compare(vb)
}
