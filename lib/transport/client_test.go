package transport

import (
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/ValentinKolb/dRaft/lib/common"
)

// testConfig returns a minimal replica config for transport tests
func testConfig() common.ReplicaConfig {
	return common.ReplicaConfig{
		NodeID:             1,
		ControllerListener: "PLAINTEXT",
		RequestTimeoutMs:   2000,
		QuorumVoters:       map[uint64]string{1: "localhost:0"},
	}
}

// startFakeVoter starts a TCP server that answers the version handshake and
// then echoes every request body prefixed with "ack:". It fails the test if
// it ever observes a second request before answering the first.
func startFakeVoter(t *testing.T) (addr AddressSpec, stop func()) {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			wg.Add(1)
			go func(conn net.Conn) {
				defer wg.Done()
				defer conn.Close()

				// Version handshake
				correlationID, data, err := readFrame(conn, nil)
				if err != nil || correlationID != handshakeCorrelationID || len(data) != 1 {
					return
				}
				if err := writeFrame(conn, handshakeCorrelationID, []byte{maxSupportedVersion}); err != nil {
					return
				}

				// Echo loop, one frame at a time
				for {
					correlationID, data, err := readFrame(conn, nil)
					if err != nil {
						return
					}
					resp := append([]byte("ack:"), data...)
					if err := writeFrame(conn, correlationID, resp); err != nil {
						return
					}
				}
			}(conn)
		}
	}()

	tcpAddr := ln.Addr().(*net.TCPAddr)
	return AddressSpec{Host: "127.0.0.1", Port: tcpAddr.Port},
		func() { ln.Close(); wg.Wait() }
}

// TestClientSendReceive tests a request/response round trip including the
// version handshake on a fresh connection
func TestClientSendReceive(t *testing.T) {
	addr, stop := startFakeVoter(t)
	defer stop()

	client, err := NewQuorumClient(testConfig())
	if err != nil {
		t.Fatalf("NewQuorumClient failed: %v", err)
	}
	defer client.Close()

	// Endpoint update before Start must be allowed
	client.UpdateEndpoint(2, addr)

	if err := client.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	fut := client.Send(2, []byte("hello"))
	body, err := fut.Await(5 * time.Second)
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if string(body) != "ack:hello" {
		t.Errorf("unexpected response %q", body)
	}
}

// TestClientSendBeforeStart tests that requests before Start fail immediately
func TestClientSendBeforeStart(t *testing.T) {
	client, err := NewQuorumClient(testConfig())
	if err != nil {
		t.Fatalf("NewQuorumClient failed: %v", err)
	}
	defer client.Close()

	fut := client.Send(2, []byte("early"))
	if _, err := fut.Await(time.Second); err == nil {
		t.Error("Send before Start should fail")
	}
}

// TestClientConcurrentRequests tests that concurrent requests to one voter
// each resolve to their own response
func TestClientConcurrentRequests(t *testing.T) {
	addr, stop := startFakeVoter(t)
	defer stop()

	client, err := NewQuorumClient(testConfig())
	if err != nil {
		t.Fatalf("NewQuorumClient failed: %v", err)
	}
	defer client.Close()

	client.UpdateEndpoint(2, addr)
	if err := client.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	const n = 16
	var wg sync.WaitGroup
	errCh := make(chan error, n)

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			req := fmt.Sprintf("req-%d", i)
			body, err := client.Send(2, []byte(req)).Await(5 * time.Second)
			if err != nil {
				errCh <- fmt.Errorf("request %d failed: %v", i, err)
				return
			}
			if string(body) != "ack:"+req {
				errCh <- fmt.Errorf("request %d got response %q", i, body)
			}
		}(i)
	}

	wg.Wait()
	close(errCh)
	for err := range errCh {
		t.Error(err)
	}
}

// TestClientNoRoutableEndpoint tests that requests to a voter without a
// routable endpoint fail instead of blocking
func TestClientNoRoutableEndpoint(t *testing.T) {
	client, err := NewQuorumClient(testConfig())
	if err != nil {
		t.Fatalf("NewQuorumClient failed: %v", err)
	}
	defer client.Close()

	client.UpdateEndpoint(3, AddressSpec{Host: "0.0.0.0", Port: 9092})
	if err := client.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	if _, err := client.Send(3, []byte("x")).Await(5 * time.Second); err == nil {
		t.Error("Send to non-routable endpoint should fail")
	}
}

// TestClientCloseIdempotent tests that Close can be called repeatedly and
// that requests after Close fail
func TestClientCloseIdempotent(t *testing.T) {
	client, err := NewQuorumClient(testConfig())
	if err != nil {
		t.Fatalf("NewQuorumClient failed: %v", err)
	}

	if err := client.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	if err := client.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := client.Close(); err != nil {
		t.Errorf("second Close failed: %v", err)
	}

	if _, err := client.Send(2, []byte("late")).Await(time.Second); err == nil {
		t.Error("Send after Close should fail")
	}
}

// startStalledVoter starts a TCP server that answers the version handshake
// but never replies to any request
func startStalledVoter(t *testing.T) (addr AddressSpec, stop func()) {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			wg.Add(1)
			go func(conn net.Conn) {
				defer wg.Done()
				defer conn.Close()

				correlationID, data, err := readFrame(conn, nil)
				if err != nil || correlationID != handshakeCorrelationID || len(data) != 1 {
					return
				}
				if err := writeFrame(conn, handshakeCorrelationID, []byte{maxSupportedVersion}); err != nil {
					return
				}

				// Swallow requests without ever answering
				for {
					if _, _, err := readFrame(conn, nil); err != nil {
						return
					}
				}
			}(conn)
		}
	}()

	tcpAddr := ln.Addr().(*net.TCPAddr)
	return AddressSpec{Host: "127.0.0.1", Port: tcpAddr.Port},
		func() { ln.Close(); wg.Wait() }
}

// TestClientCloseResolvesQueuedRequests tests that a request queued behind a
// stalled in-flight one still resolves once the client is closed
func TestClientCloseResolvesQueuedRequests(t *testing.T) {
	addr, stop := startStalledVoter(t)
	defer stop()

	cfg := testConfig()
	cfg.RequestTimeoutMs = 300

	client, err := NewQuorumClient(cfg)
	if err != nil {
		t.Fatalf("NewQuorumClient failed: %v", err)
	}

	client.UpdateEndpoint(2, addr)
	if err := client.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	// The first request occupies the connection until its timeout; the
	// second waits behind it in the send queue
	first := client.Send(2, []byte("stalled"))
	second := client.Send(2, []byte("queued"))

	if err := client.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	if _, err := first.Await(5 * time.Second); err == nil {
		t.Error("stalled request should fail")
	}
	if _, err := second.Await(5 * time.Second); err == nil {
		t.Error("queued request should fail after Close")
	}
}

// TestFrameRoundTrip tests the frame codec over an in-memory connection
func TestFrameRoundTrip(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	payload := []byte("frame payload")

	go func() {
		_ = writeFrame(server, 42, payload)
	}()

	correlationID, data, err := readFrame(client, nil)
	if err != nil {
		t.Fatalf("readFrame failed: %v", err)
	}
	if correlationID != 42 {
		t.Errorf("expected correlation id 42, got %d", correlationID)
	}
	if string(data) != string(payload) {
		t.Errorf("payload mismatch: got %q", data)
	}

	// Empty payloads are valid frames
	go func() {
		_ = writeFrame(server, 43, nil)
	}()

	correlationID, data, err = readFrame(client, nil)
	if err != nil {
		t.Fatalf("readFrame of empty frame failed: %v", err)
	}
	if correlationID != 43 || len(data) != 0 {
		t.Errorf("unexpected empty frame result: id=%d len=%d", correlationID, len(data))
	}
}
