package transport

import (
	"crypto/tls"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/dRaft/lib/common"
	"github.com/VictoriaMetrics/metrics"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/puzpuzpuz/xsync/v3"
)

var log = logger.GetLogger("transport")

const (
	// Reconnect backoff is fixed and short: the quorum is small and a voter
	// coming back should be re-reached quickly
	reconnectBackoff    = 50 * time.Millisecond
	reconnectBackoffMax = 500 * time.Millisecond

	// defaultIdleTimeout closes connections that carried no request for a
	// while; they are reopened transparently on the next request
	defaultIdleTimeout = 9 * time.Minute

	dialTimeout      = 5 * time.Second
	handshakeTimeout = 5 * time.Second

	// handshakeCorrelationID is reserved for the version discovery exchange
	handshakeCorrelationID = 0

	// maxSupportedVersion is the highest protocol version this client speaks
	maxSupportedVersion byte = 1

	// sendQueueSize bounds the number of requests queued per voter. The
	// connection itself carries at most one in-flight request; the queue
	// only absorbs bursts.
	sendQueueSize = 128
)

var (
	mRequests   = metrics.GetOrCreateCounter(`draft_transport_requests_total`)
	mSendErrors = metrics.GetOrCreateCounter(`draft_transport_send_errors_total`)
	mReconnects = metrics.GetOrCreateCounter(`draft_transport_reconnects_total`)
)

// --------------------------------------------------------------------------
// Security protocol resolution
// --------------------------------------------------------------------------

// ResolveSecurityProtocol resolves the effective security protocol for the
// given controller listener name. An explicit mapping wins; without one the
// listener name itself is interpreted as a protocol (e.g. a listener named
// "PLAINTEXT"). No resolution is a fatal configuration error.
func ResolveSecurityProtocol(listener string, securityMap map[string]string) (string, error) {
	if protocol, ok := securityMap[listener]; ok {
		if !common.KnownSecurityProtocol(protocol) {
			return "", fmt.Errorf("unknown security protocol %q mapped to listener %q", protocol, listener)
		}
		return protocol, nil
	}

	// Fall back to a protocol inferred from the listener name itself
	if inferred := strings.ToUpper(listener); common.KnownSecurityProtocol(inferred) {
		return inferred, nil
	}

	return "", fmt.Errorf("no security protocol mapping for listener %q", listener)
}

// --------------------------------------------------------------------------
// Helper Types
// --------------------------------------------------------------------------

// pendingRequest is a queued request waiting for its turn on the connection
type pendingRequest struct {
	correlationID uint64
	req           []byte
	fut           *common.ResponseFuture
}

// voterConn owns the single connection to one voter. A dedicated worker
// goroutine processes queued requests one at a time: write the request
// frame, then read exactly one response frame. This enforces the at most
// one in-flight request per connection rule.
type voterConn struct {
	nodeID uint64
	parent *quorumClient

	sendCh chan *pendingRequest
	stopCh chan struct{}

	connMu      sync.Mutex
	conn        net.Conn
	peerVersion byte

	backoff     time.Duration
	lastAttempt time.Time

	startOnce sync.Once
}

// quorumClient implements IQuorumTransport
type quorumClient struct {
	clientID       string
	security       string
	requestTimeout time.Duration
	idleTimeout    time.Duration

	endpoints *xsync.MapOf[uint64, AddressSpec]
	conns     *xsync.MapOf[uint64, *voterConn]

	nextCorrelation atomic.Uint64
	started         atomic.Bool
	closed          atomic.Bool
	wg              sync.WaitGroup
}

// --------------------------------------------------------------------------
// Transport Factory Method
// --------------------------------------------------------------------------

// NewQuorumClient creates the quorum network client for the given replica
// configuration. The security protocol for the controller listener is
// resolved here; a missing mapping fails construction.
func NewQuorumClient(cfg common.ReplicaConfig) (IQuorumTransport, error) {
	security, err := ResolveSecurityProtocol(cfg.ControllerListener, cfg.ListenerSecurityMap)
	if err != nil {
		return nil, err
	}

	if security == common.SecuritySASLPlaintext || security == common.SecuritySASLSSL {
		return nil, fmt.Errorf("security protocol %s is not supported by the quorum client", security)
	}

	requestTimeout := time.Duration(cfg.RequestTimeoutMs) * time.Millisecond
	if requestTimeout <= 0 {
		requestTimeout = 2 * time.Second
	}

	return &quorumClient{
		clientID:       fmt.Sprintf("quorum-client-%d", cfg.NodeID),
		security:       security,
		requestTimeout: requestTimeout,
		idleTimeout:    defaultIdleTimeout,
		endpoints:      xsync.NewMapOf[uint64, AddressSpec](),
		conns:          xsync.NewMapOf[uint64, *voterConn](),
	}, nil
}

// --------------------------------------------------------------------------
// Interface Methods (docu see IQuorumTransport)
// --------------------------------------------------------------------------

func (c *quorumClient) UpdateEndpoint(nodeID uint64, spec AddressSpec) {
	prev, hadPrev := c.endpoints.Load(nodeID)
	c.endpoints.Store(nodeID, spec)
	log.Infof("%s: endpoint for voter %d set to %s", c.clientID, nodeID, spec)

	// Drop an existing connection to a stale address; the worker reconnects
	// to the new endpoint on the next request
	if hadPrev && prev != spec {
		if vc, ok := c.conns.Load(nodeID); ok {
			vc.closeConn()
		}
	}
}

func (c *quorumClient) Start() error {
	if c.closed.Load() {
		return fmt.Errorf("quorum client is closed")
	}
	c.started.Store(true)
	log.Infof("%s: started (security protocol %s)", c.clientID, c.security)
	return nil
}

func (c *quorumClient) Send(nodeID uint64, req []byte) *common.ResponseFuture {
	correlationID := c.nextCorrelation.Add(1)
	fut := common.NewResponseFuture(correlationID)

	if c.closed.Load() {
		fut.Fail(fmt.Errorf("quorum client is closed"))
		return fut
	}
	if !c.started.Load() {
		fut.Fail(fmt.Errorf("quorum client is not started"))
		return fut
	}

	vc := c.voter(nodeID)

	select {
	case vc.sendCh <- &pendingRequest{correlationID: correlationID, req: req, fut: fut}:
		mRequests.Inc()
	default:
		// The per-voter queue is full; fail fast instead of blocking the caller
		mSendErrors.Inc()
		fut.Fail(fmt.Errorf("send queue for voter %d is full", nodeID))
	}

	return fut
}

func (c *quorumClient) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}

	c.conns.Range(func(_ uint64, vc *voterConn) bool {
		close(vc.stopCh)
		return true
	})
	c.wg.Wait()

	// Catch anything enqueued between the closed flag and the worker exits
	c.conns.Range(func(_ uint64, vc *voterConn) bool {
		vc.failQueued()
		return true
	})

	log.Infof("%s: closed", c.clientID)
	return nil
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

// voter returns the connection owner for the given voter, creating it and
// starting its worker on first use
func (c *quorumClient) voter(nodeID uint64) *voterConn {
	vc, _ := c.conns.LoadOrCompute(nodeID, func() *voterConn {
		return &voterConn{
			nodeID:  nodeID,
			parent:  c,
			sendCh:  make(chan *pendingRequest, sendQueueSize),
			stopCh:  make(chan struct{}),
			backoff: reconnectBackoff,
		}
	})

	vc.startOnce.Do(func() {
		c.wg.Add(1)
		go vc.run()
	})

	return vc
}

// dial establishes a raw connection to the given endpoint, applying the
// resolved security protocol
func (c *quorumClient) dial(spec AddressSpec) (net.Conn, error) {
	conn, err := net.DialTimeout("tcp", spec.String(), dialTimeout)
	if err != nil {
		return nil, err
	}

	if c.security == common.SecuritySSL {
		tlsConn := tls.Client(conn, &tls.Config{ServerName: spec.Host})
		if err := tlsConn.Handshake(); err != nil {
			conn.Close()
			return nil, fmt.Errorf("tls handshake with %s failed: %w", spec, err)
		}
		return tlsConn, nil
	}

	return conn, nil
}

// --------------------------------------------------------------------------
// Per-voter worker
// --------------------------------------------------------------------------

// run is the worker loop of a single voter connection
func (vc *voterConn) run() {
	defer vc.parent.wg.Done()
	defer vc.failQueued()
	defer vc.closeConn()

	idle := time.NewTimer(vc.parent.idleTimeout)
	defer idle.Stop()

	for {
		if !idle.Stop() {
			select {
			case <-idle.C:
			default:
			}
		}
		idle.Reset(vc.parent.idleTimeout)

		select {
		case <-vc.stopCh:
			return
		case p := <-vc.sendCh:
			vc.process(p)
		case <-idle.C:
			// No request for a while, drop the idle connection
			vc.closeConn()
		}
	}
}

// process sends one request and waits for its response. Exactly one request
// is in flight at any time; the next queued request starts only after this
// one resolved.
func (vc *voterConn) process(p *pendingRequest) {
	conn, err := vc.ensureConnected()
	if err != nil {
		mSendErrors.Inc()
		p.fut.Fail(err)
		return
	}

	timeout := vc.parent.requestTimeout

	conn.SetWriteDeadline(time.Now().Add(timeout))
	if err := writeFrame(conn, p.correlationID, p.req); err != nil {
		mSendErrors.Inc()
		p.fut.Fail(fmt.Errorf("failed to send request to voter %d: %w", vc.nodeID, err))
		vc.closeConn()
		return
	}

	conn.SetReadDeadline(time.Now().Add(timeout))
	correlationID, data, err := readFrame(conn, nil)
	if err != nil {
		mSendErrors.Inc()
		p.fut.Fail(fmt.Errorf("failed to read response from voter %d: %w", vc.nodeID, err))
		vc.closeConn()
		return
	}

	// With one in-flight request the next frame must answer it
	if correlationID != p.correlationID {
		mSendErrors.Inc()
		p.fut.Fail(fmt.Errorf("voter %d answered correlation %d, expected %d",
			vc.nodeID, correlationID, p.correlationID))
		vc.closeConn()
		return
	}

	p.fut.Complete(data)
}

// ensureConnected returns the live connection or establishes a new one,
// applying the reconnect backoff between failed attempts
func (vc *voterConn) ensureConnected() (net.Conn, error) {
	vc.connMu.Lock()
	if vc.conn != nil {
		conn := vc.conn
		vc.connMu.Unlock()
		return conn, nil
	}
	vc.connMu.Unlock()

	spec, ok := vc.parent.endpoints.Load(vc.nodeID)
	if !ok || !spec.Routable() {
		return nil, fmt.Errorf("no routable endpoint for voter %d", vc.nodeID)
	}

	// Respect the backoff since the last failed attempt
	if wait := vc.backoff - time.Since(vc.lastAttempt); wait > 0 {
		time.Sleep(wait)
	}
	vc.lastAttempt = time.Now()

	conn, err := vc.parent.dial(spec)
	if err != nil {
		vc.backoff *= 2
		if vc.backoff > reconnectBackoffMax {
			vc.backoff = reconnectBackoffMax
		}
		return nil, fmt.Errorf("failed to connect to voter %d at %s: %w", vc.nodeID, spec, err)
	}
	vc.backoff = reconnectBackoff

	// Discover the peer's protocol version before any request
	if err := vc.handshake(conn); err != nil {
		conn.Close()
		return nil, err
	}

	vc.connMu.Lock()
	vc.conn = conn
	vc.connMu.Unlock()

	mReconnects.Inc()
	log.Infof("%s: connected to voter %d at %s (protocol version %d)",
		vc.parent.clientID, vc.nodeID, spec, vc.peerVersion)

	return conn, nil
}

// handshake performs the automatic protocol-version discovery: the client
// announces its highest supported version and the peer answers with its own;
// both sides use the minimum
func (vc *voterConn) handshake(conn net.Conn) error {
	conn.SetWriteDeadline(time.Now().Add(handshakeTimeout))
	if err := writeFrame(conn, handshakeCorrelationID, []byte{maxSupportedVersion}); err != nil {
		return fmt.Errorf("version handshake with voter %d failed: %w", vc.nodeID, err)
	}

	conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	correlationID, data, err := readFrame(conn, nil)
	if err != nil {
		return fmt.Errorf("version handshake with voter %d failed: %w", vc.nodeID, err)
	}
	if correlationID != handshakeCorrelationID || len(data) < 1 {
		return fmt.Errorf("voter %d sent an invalid version handshake", vc.nodeID)
	}

	vc.peerVersion = data[0]
	if vc.peerVersion > maxSupportedVersion {
		vc.peerVersion = maxSupportedVersion
	}
	return nil
}

// failQueued fails every request still queued behind the in-flight one.
// Called once the worker stops; futures must never be left unresolved.
func (vc *voterConn) failQueued() {
	for {
		select {
		case p := <-vc.sendCh:
			mSendErrors.Inc()
			p.fut.Fail(fmt.Errorf("quorum client is closed, request to voter %d dropped", vc.nodeID))
		default:
			return
		}
	}
}

// closeConn drops the current connection (if any). The worker reconnects
// lazily on the next request.
func (vc *voterConn) closeConn() {
	vc.connMu.Lock()
	defer vc.connMu.Unlock()

	if vc.conn != nil {
		vc.conn.Close()
		vc.conn = nil
	}
}
