package replicaset

import (
	skiff "github.com/skiffdb/go-skiff"
)

// node is the per-member bookkeeping of a Monitor: the member address,
// the probe connection and a liveness flag.
//
// The probe connection is owned exclusively by the Monitor's refresh
// path; user traffic never flows through it. conn may be nil when the
// member is known but could not be dialed yet, so a later discovery
// pass can retry.
type node struct {
	addr skiff.HostAddress
	conn skiff.Connector
	ok   bool
}
