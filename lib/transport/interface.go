package transport

import (
	"github.com/ValentinKolb/dRaft/lib/common"
)

// --------------------------------------------------------------------------
// Interface Definition
// --------------------------------------------------------------------------

// IQuorumTransport is the interface of the quorum network client. The
// replica manager constructs it and hands it to the consensus engine; the
// engine uses Send for its outbound protocol messages.
type IQuorumTransport interface {
	// UpdateEndpoint sets or replaces the address of a voter in the endpoint
	// table. It may be called before or after Start. If the voter is
	// currently connected to a different address, the connection is dropped
	// and re-established lazily on the next request.
	UpdateEndpoint(nodeID uint64, spec AddressSpec)

	// Start activates the connection machinery. Requests sent before Start
	// fail immediately.
	Start() error

	// Send asynchronously sends a request to the given voter and returns a
	// future that resolves with the peer's response body or a failure.
	// The call never blocks on network I/O.
	Send(nodeID uint64, req []byte) *common.ResponseFuture

	// Close tears down all connections and stops the per-voter workers.
	// Close is idempotent.
	Close() error
}
