// Package transport implements the request/response network client used by
// the consensus engine to reach the other voters of the quorum.
//
// The client maintains one connection per voter with strictly one in-flight
// request per connection. This is a correctness requirement of the consensus
// protocol: it depends on per-connection request/response ordering and must
// not be relaxed for throughput.
//
// Features and Guarantees:
//
//   - Endpoint table: UpdateEndpoint(nodeID, spec) may be called before or
//     after Start(); a changed endpoint drops the existing connection so the
//     next request reconnects to the new address
//   - Reconnects with a short fixed backoff (50 ms base, 500 ms max)
//   - Automatic peer protocol-version discovery on every fresh connection
//   - Idle connections are closed after a fixed idle timeout and reopened
//     transparently on the next request
//   - Unlimited receive frame size: response frames are read without an
//     upper bound on the payload length
//   - Close() is idempotent
//
// The security protocol of the controller listener is resolved at
// construction time from the listener security map, falling back to a
// protocol inferred from the listener name itself. Missing or unsupported
// protocols are a fatal construction error.
package transport
