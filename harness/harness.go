// Package harness implements the reference CLI surface spec §6.3
// describes: bind, connect, send, recv, close, update-policy, and
// force-adapt, wired directly onto the transport facade (C7). It is not
// part of the STOQ core — applications are expected to embed package
// transport directly — but it gives operators and test scripts a way to
// drive a real connection end to end.
package harness

import (
	"bufio"
	"context"
	"crypto/rand"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/quic-go/quic-go"
	"go.uber.org/zap"

	"stoq/adaptive"
	"stoq/config"
	"stoq/extension"
	"stoq/handshake"
	"stoq/pqauth"
	"stoq/stoqerr"
	"stoq/transport"
	"stoq/utils"
)

// Exit codes per spec §6.3.
const (
	ExitOK            = 0
	ExitProtocolError = 1
	ExitIOError       = 2
	ExitConfigError   = 3
)

// Run dispatches a harness invocation and returns the process exit code.
// args is the command line excluding the program name, e.g.
// ["connect", "[::1]:9292"].
func Run(args []string) int {
	if len(args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: stoq <bind|connect> <ipv6-addr>:<port>")
		return ExitConfigError
	}

	endpoint, err := buildEndpoint()
	if err != nil {
		fmt.Fprintf(os.Stderr, "stoq: configuration error: %v\n", err)
		return ExitConfigError
	}

	switch args[0] {
	case "bind":
		return runBind(endpoint, args[1])
	case "connect":
		return runConnect(endpoint, args[1])
	default:
		fmt.Fprintf(os.Stderr, "stoq: unknown command %q\n", args[0])
		return ExitConfigError
	}
}

func buildEndpoint() (*transport.Endpoint, error) {
	var signer *pqauth.KeyPair
	if path := config.FalconKeyCachePath(); path != "" {
		key, err := sealingKey(path + ".key")
		if err != nil {
			return nil, err
		}
		store := pqauth.NewStore(path, key)
		kp, err := store.LoadOrCreate()
		if err != nil {
			return nil, err
		}
		signer = kp
	} else {
		kp, err := pqauth.GenerateKeypair()
		if err != nil {
			return nil, err
		}
		signer = kp
	}

	level := handshake.Preferred
	switch config.FalconLevelName() {
	case "required":
		level = handshake.Required
	case "off":
		level = handshake.Off
	}

	tokenEnabled, maxShardSize, reassemblyTimeoutMs, maxReassemblyBytes, isForwarder, falconSigningEnabled := config.Policy()
	policy := extension.Policy{
		TokenEnabled:         tokenEnabled,
		MaxShardSize:         maxShardSize,
		ReassemblyTimeout:    time.Duration(reassemblyTimeoutMs) * time.Millisecond,
		MaxReassemblyBytes:   maxReassemblyBytes,
		IsForwarder:          isForwarder,
		FalconSigningEnabled: falconSigningEnabled,
	}

	_, crossing, minChangeMs, cooldownMs, stalenessMs, _ := config.Adaptive()
	adaptiveCfg := adaptive.Config{
		CrossingThreshold:     crossing,
		MinTimeBetweenChanges: time.Duration(minChangeMs) * time.Millisecond,
		Cooldown:              time.Duration(cooldownMs) * time.Millisecond,
		StalenessBound:        time.Duration(stalenessMs) * time.Millisecond,
	}

	localID := make([]byte, 16)
	_, _ = rand.Read(localID)

	// A single shared TLS config serves both roles this harness plays:
	// it carries a self-signed certificate for when this endpoint accepts,
	// and skips verification for when it dials a peer presenting the same
	// kind of ephemeral certificate (spec §2: certificate issuance is an
	// external collaborator's concern; this is local-test-only).
	tlsConfig, err := transport.SelfSignedTLSConfig(true)
	if err != nil {
		return nil, err
	}

	quicConfig := &quic.Config{
		MaxIdleTimeout:  30 * time.Second,
		EnableDatagrams: true,
	}

	return transport.NewEndpoint(transport.Config{
		TLSConfig:  tlsConfig,
		QUICConfig: quicConfig,
		Handshake: handshake.Config{
			Level:  level,
			Signer: signer,
		},
		Policy:          policy,
		LocalEndpointID: localID,
		Adaptive:        adaptiveCfg,
		Logger:          utils.Logger,
	}), nil
}

// sealingKey loads the local key used to encrypt the FALCON key cache at
// rest, generating and persisting one on first use. Without a stable key the
// cache could never be decrypted on the next run, defeating the point of
// caching the keypair across process restarts.
func sealingKey(path string) ([32]byte, error) {
	var key [32]byte
	if existing, err := os.ReadFile(path); err == nil && len(existing) == len(key) {
		copy(key[:], existing)
		return key, nil
	}
	if _, err := rand.Read(key[:]); err != nil {
		return key, err
	}
	if err := os.WriteFile(path, key[:], 0o600); err != nil {
		return key, err
	}
	return key, nil
}

func exitFor(err error) int {
	switch {
	case stoqerr.Is(err, stoqerr.Protocol), stoqerr.Is(err, stoqerr.PostQuantumAuthFailed), stoqerr.Is(err, stoqerr.PostQuantumUnavailable), stoqerr.Is(err, stoqerr.Handshake):
		return ExitProtocolError
	case stoqerr.Is(err, stoqerr.Io):
		return ExitIOError
	default:
		return ExitIOError
	}
}

func runBind(e *transport.Endpoint, addr string) int {
	if err := e.Bind(addr); err != nil {
		fmt.Fprintf(os.Stderr, "stoq: bind failed: %v\n", err)
		return exitFor(err)
	}
	ctx := context.Background()
	for {
		conn, err := e.Accept(ctx)
		if err != nil {
			utils.Logger.Warn("accept failed", zap.Error(err))
			if stoqerr.Recoverable(err) {
				continue
			}
			return exitFor(err)
		}
		go serveEcho(conn)
	}
}

// serveEcho implements the spec §8 scenario 1 echo behavior: every
// delivered payload is sent back verbatim.
func serveEcho(conn *transport.Conn) {
	defer conn.Close()
	ctx := context.Background()
	for {
		delivery, err := conn.Recv(ctx)
		if err != nil {
			if stoqerr.Recoverable(err) || stoqerr.Is(err, stoqerr.PostQuantumAuthFailed) {
				continue
			}
			return
		}
		if delivery == nil {
			continue
		}
		if err := conn.Send(ctx, delivery.Payload); err != nil {
			utils.Logger.Warn("echo send failed", zap.Error(err))
			return
		}
	}
}

func runConnect(e *transport.Endpoint, addr string) int {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	conn, err := e.Connect(ctx, addr)
	cancel()
	if err != nil {
		fmt.Fprintf(os.Stderr, "stoq: connect failed: %v\n", err)
		return exitFor(err)
	}
	defer conn.Close()

	fmt.Printf("connected to %s (falcon degraded: %v)\n", addr, conn.Degraded())
	return repl(conn)
}

// repl drives the interactive send/recv/close/update-policy/force-adapt
// surface spec §6.3 names, one line of stdin per operation.
func repl(conn *transport.Conn) int {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		fields := strings.SplitN(line, " ", 2)
		cmd := fields[0]
		var rest string
		if len(fields) > 1 {
			rest = fields[1]
		}

		switch cmd {
		case "send":
			if err := conn.Send(context.Background(), []byte(rest)); err != nil {
				fmt.Fprintf(os.Stderr, "send error: %v\n", err)
				if !stoqerr.Recoverable(err) {
					return exitFor(err)
				}
			}
		case "recv":
			delivery, err := conn.Recv(context.Background())
			if err != nil {
				fmt.Fprintf(os.Stderr, "recv error: %v\n", err)
				if !stoqerr.Recoverable(err) && !stoqerr.Is(err, stoqerr.PostQuantumAuthFailed) {
					return exitFor(err)
				}
				continue
			}
			fmt.Printf("recv: %s\n", delivery.Payload)
		case "update-policy":
			bps, err := strconv.ParseUint(rest, 10, 64)
			if err != nil {
				fmt.Fprintf(os.Stderr, "update-policy: invalid bandwidth %q\n", rest)
				continue
			}
			params, changed := conn.UpdateLiveConfig(bps, time.Now())
			fmt.Printf("update-policy: changed=%v params=%+v\n", changed, params)
		case "force-adapt":
			bps, err := strconv.ParseUint(rest, 10, 64)
			if err != nil {
				fmt.Fprintf(os.Stderr, "force-adapt: invalid bandwidth %q\n", rest)
				continue
			}
			params := conn.ForceAdapt(bps)
			fmt.Printf("force-adapt: params=%+v\n", params)
		case "close":
			_ = conn.Close()
			return ExitOK
		default:
			fmt.Fprintf(os.Stderr, "stoq: unknown command %q\n", cmd)
		}
	}
	return ExitOK
}
