package transport

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/quic-go/quic-go"

	"stoq/adaptive"
	"stoq/extension"
	"stoq/handshake"
	"stoq/pqauth"
	"stoq/stoqerr"
)

// TestBindRejectsIPv4 covers P8: binding an IPv4 address must fail
// deterministically and never open a socket.
func TestBindRejectsIPv4(t *testing.T) {
	e := NewEndpoint(Config{})
	err := e.Bind("127.0.0.1:0")
	if err == nil {
		t.Fatalf("expected an error binding an IPv4 address")
	}
	if !stoqerr.Is(err, stoqerr.Protocol) {
		t.Fatalf("expected a Protocol error, got %v", err)
	}
	if e.listener != nil {
		t.Fatalf("expected no listener to have been opened")
	}
}

// TestConnectRejectsIPv4Literal covers P8 on the dial side.
func TestConnectRejectsIPv4Literal(t *testing.T) {
	e := NewEndpoint(Config{})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := e.Connect(ctx, "127.0.0.1:9292")
	if err == nil {
		t.Fatalf("expected an error connecting to an IPv4 literal")
	}
	if !stoqerr.Is(err, stoqerr.Protocol) {
		t.Fatalf("expected a Protocol error, got %v", err)
	}
}

func endpointPair(t *testing.T) (server *Endpoint, client *Endpoint, addr string) {
	t.Helper()
	return endpointPairWithLevels(t, handshake.Preferred, handshake.Preferred)
}

// endpointPairWithLevels builds a server/client endpoint pair whose FALCON
// enforcement levels can differ, so handshake degradation paths (one side
// off, the other preferred/required) are reachable from a test.
func endpointPairWithLevels(t *testing.T, serverLevel, clientLevel handshake.RequireLevel) (server *Endpoint, client *Endpoint, addr string) {
	t.Helper()

	serverSigner, err := pqauth.GenerateKeypair()
	if err != nil {
		t.Fatalf("generate server keypair: %v", err)
	}
	clientSigner, err := pqauth.GenerateKeypair()
	if err != nil {
		t.Fatalf("generate client keypair: %v", err)
	}

	serverTLS, err := SelfSignedTLSConfig(false)
	if err != nil {
		t.Fatalf("server tls config: %v", err)
	}
	clientTLS, err := SelfSignedTLSConfig(true)
	if err != nil {
		t.Fatalf("client tls config: %v", err)
	}

	quicConf := &quic.Config{
		MaxIdleTimeout:  5 * time.Second,
		EnableDatagrams: true,
	}

	policy := extension.DefaultPolicy()

	server = NewEndpoint(Config{
		TLSConfig:  serverTLS,
		QUICConfig: quicConf,
		Handshake: handshake.Config{
			Level:  serverLevel,
			Signer: serverSigner,
		},
		Policy:          policy,
		LocalEndpointID: []byte("server"),
		Adaptive:        adaptive.Config{},
	})
	if err := server.Bind("[::1]:0"); err != nil {
		t.Fatalf("bind: %v", err)
	}

	client = NewEndpoint(Config{
		TLSConfig:  clientTLS,
		QUICConfig: quicConf,
		Handshake: handshake.Config{
			Level:  clientLevel,
			Signer: clientSigner,
		},
		Policy:          policy,
		LocalEndpointID: []byte("client"),
		Adaptive:        adaptive.Config{},
	})

	addr = server.listener.Addr().String()
	return server, client, addr
}

// TestEchoSingleDatagram mirrors spec §8 scenario 1: a small payload round
// trips over a single datagram with no sharding.
func TestEchoSingleDatagram(t *testing.T) {
	server, client, addr := endpointPair(t)

	serverConnCh := make(chan *Conn, 1)
	serverErrCh := make(chan error, 1)
	go func() {
		conn, err := server.Accept(context.Background())
		if err != nil {
			serverErrCh <- err
			return
		}
		serverConnCh <- conn
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	clientConn, err := client.Connect(ctx, addr)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer clientConn.Close()

	var serverConn *Conn
	select {
	case serverConn = <-serverConnCh:
	case err := <-serverErrCh:
		t.Fatalf("accept: %v", err)
	case <-time.After(10 * time.Second):
		t.Fatalf("timed out waiting for accept")
	}
	defer serverConn.Close()

	payload := []byte("hi")
	if err := clientConn.Send(ctx, payload); err != nil {
		t.Fatalf("send: %v", err)
	}

	delivery, err := serverConn.Recv(ctx)
	if err != nil {
		t.Fatalf("server recv: %v", err)
	}
	if !bytes.Equal(delivery.Payload, payload) {
		t.Fatalf("expected payload %q, got %q", payload, delivery.Payload)
	}

	if err := serverConn.Send(ctx, delivery.Payload); err != nil {
		t.Fatalf("echo send: %v", err)
	}
	echoed, err := clientConn.Recv(ctx)
	if err != nil {
		t.Fatalf("client recv: %v", err)
	}
	if !bytes.Equal(echoed.Payload, payload) {
		t.Fatalf("expected echoed payload %q, got %q", payload, echoed.Payload)
	}
}

// TestShardedTransferReassembles mirrors spec §8 scenario 2: a payload
// larger than max-shard-size arrives as a ShardFrame sequence and
// reassembles whole, with its token verified.
func TestShardedTransferReassembles(t *testing.T) {
	server, client, addr := endpointPair(t)

	serverConnCh := make(chan *Conn, 1)
	go func() {
		conn, err := server.Accept(context.Background())
		if err == nil {
			serverConnCh <- conn
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	clientConn, err := client.Connect(ctx, addr)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer clientConn.Close()

	var serverConn *Conn
	select {
	case serverConn = <-serverConnCh:
	case <-time.After(10 * time.Second):
		t.Fatalf("timed out waiting for accept")
	}
	defer serverConn.Close()

	payload := bytes.Repeat([]byte("x"), 4100)
	if err := clientConn.Send(ctx, payload); err != nil {
		t.Fatalf("send: %v", err)
	}

	delivery, err := serverConn.Recv(ctx)
	if err != nil {
		t.Fatalf("recv: %v", err)
	}
	if !bytes.Equal(delivery.Payload, payload) {
		t.Fatalf("expected reassembled payload of %d bytes, got %d", len(payload), len(delivery.Payload))
	}
	if !delivery.TokenVerified {
		t.Fatalf("expected the sharded transfer's token to verify")
	}
}

// TestAcceptDegradesPromptlyWhenPeerFalconOff guards against a deadlock: a
// peer with falcon.level=off never writes a FalconSignatureFrame to the
// control stream, so the other side — even though it offers FALCON itself
// — must not block forever reading one that's never coming (spec §4.3:
// "the handshake proceeds classical-only" must complete promptly).
func TestAcceptDegradesPromptlyWhenPeerFalconOff(t *testing.T) {
	server, client, addr := endpointPairWithLevels(t, handshake.Preferred, handshake.Off)

	serverConnCh := make(chan *Conn, 1)
	serverErrCh := make(chan error, 1)
	go func() {
		conn, err := server.Accept(context.Background())
		if err != nil {
			serverErrCh <- err
			return
		}
		serverConnCh <- conn
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	clientConn, err := client.Connect(ctx, addr)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer clientConn.Close()

	select {
	case serverConn := <-serverConnCh:
		defer serverConn.Close()
		if !serverConn.Degraded() {
			t.Fatalf("expected the server connection to be flagged non-PQ since the peer is falcon.level=off")
		}
	case err := <-serverErrCh:
		t.Fatalf("accept: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatalf("accept hung waiting for a FalconSignatureFrame the off peer never sends")
	}
}

// TestConcurrentSendsDoNotCrossAttributeTokens guards against a
// connection-wide token/signature queue: two payloads sent concurrently,
// each on its own stream, must each verify against their own token even
// though the streams' frames interleave arbitrarily on the wire.
func TestConcurrentSendsDoNotCrossAttributeTokens(t *testing.T) {
	server, client, addr := endpointPair(t)

	serverConnCh := make(chan *Conn, 1)
	go func() {
		conn, err := server.Accept(context.Background())
		if err == nil {
			serverConnCh <- conn
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	clientConn, err := client.Connect(ctx, addr)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer clientConn.Close()

	var serverConn *Conn
	select {
	case serverConn = <-serverConnCh:
	case <-time.After(10 * time.Second):
		t.Fatalf("timed out waiting for accept")
	}
	defer serverConn.Close()

	// Both payloads exceed the default max-shard-size, so each Send opens
	// its own dedicated stream and the two streams' frames race on the
	// wire concurrently.
	payloadA := bytes.Repeat([]byte("A"), 3000)
	payloadB := bytes.Repeat([]byte("B"), 3000)

	sendErr := make(chan error, 2)
	go func() { sendErr <- clientConn.Send(ctx, payloadA) }()
	go func() { sendErr <- clientConn.Send(ctx, payloadB) }()
	for i := 0; i < 2; i++ {
		if err := <-sendErr; err != nil {
			t.Fatalf("send: %v", err)
		}
	}

	delivered := map[string]bool{}
	for i := 0; i < 2; i++ {
		delivery, err := serverConn.Recv(ctx)
		if err != nil {
			t.Fatalf("recv: %v", err)
		}
		if !delivery.TokenVerified {
			t.Fatalf("expected token to verify for a %d-byte delivery", len(delivery.Payload))
		}
		delivered[string(delivery.Payload)] = true
	}
	if !delivered[string(payloadA)] || !delivered[string(payloadB)] {
		t.Fatalf("expected both payloads to be delivered intact with their own verified token")
	}
}
