// Package transport implements C7, the STOQ transport facade (spec §4.6):
// bind/connect/accept/send/recv/close plus the live-update operations,
// wiring C4's extension handler and C6's adaptive controller into the
// send/recv path of an underlying QUIC connection.
package transport

import (
	"context"
	"crypto/tls"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/quic-go/quic-go"
	"go.uber.org/zap"

	"stoq/adaptive"
	"stoq/extension"
	"stoq/handshake"
	"stoq/metrics"
	"stoq/stoqerr"
	"stoq/tparams"
	"stoq/utils"
	"stoq/wire"
)

// Endpoint wraps a QUIC listener (for bind/accept) and dial policy (for
// connect), enforcing IPv6-only addressing throughout (spec P8).
type Endpoint struct {
	tlsConfig  *tls.Config
	quicConfig *quic.Config
	handshake  handshake.Config
	policy     extension.Policy
	localID    []byte
	adaptive   adaptive.Config
	logger     *zap.Logger
	sink       metrics.Sink

	listener *quic.Listener

	// admission throttles new connection attempts per remote address,
	// adapted from the teacher's per-IP WAF cache.
	admission *cache.Cache
}

// Config carries everything an Endpoint needs to bind or connect.
type Config struct {
	TLSConfig     *tls.Config
	QUICConfig    *quic.Config
	Handshake     handshake.Config
	Policy        extension.Policy
	LocalEndpointID []byte
	Adaptive      adaptive.Config
	Logger        *zap.Logger
	Sink          metrics.Sink
	// AdmissionWindow is the per-remote-IP counting window of the
	// connection-admission throttle (default 30s). AdmissionLimit is not
	// consulted: admit allows a fixed 200 new connections per remote IP
	// within that window.
	AdmissionLimit  int
	AdmissionWindow time.Duration
}

func NewEndpoint(cfg Config) *Endpoint {
	logger := cfg.Logger
	if logger == nil {
		logger = utils.Logger
	}
	sink := cfg.Sink
	if sink == nil {
		sink = metrics.Default
	}
	window := cfg.AdmissionWindow
	if window <= 0 {
		window = 30 * time.Second
	}
	return &Endpoint{
		tlsConfig:  cfg.TLSConfig,
		quicConfig: cfg.QUICConfig,
		handshake:  cfg.Handshake,
		policy:     cfg.Policy,
		localID:    cfg.LocalEndpointID,
		adaptive:   cfg.Adaptive,
		logger:     logger,
		sink:       sink,
		admission:  cache.New(window, window*2),
	}
}

// mustBeIPv6 enforces spec P8: IPv4 addresses are rejected deterministically,
// before any socket is opened.
func mustBeIPv6(addr string) error {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}
	ip, err := netip.ParseAddr(host)
	if err != nil {
		return stoqerr.New(stoqerr.Protocol, "transport.mustBeIPv6", "address is not a valid IP literal")
	}
	if ip.Is4() || ip.Is4In6() {
		return stoqerr.New(stoqerr.Protocol, "transport.mustBeIPv6", "STOQ requires IPv6; refusing IPv4 address")
	}
	return nil
}

// Bind opens a QUIC listener on addr, which must be an IPv6 literal (spec
// P8, §4.6's bind operation).
func (e *Endpoint) Bind(addr string) error {
	if err := mustBeIPv6(addr); err != nil {
		return err
	}
	udpAddr, err := net.ResolveUDPAddr("udp6", addr)
	if err != nil {
		return stoqerr.Wrap(stoqerr.Io, "transport.Bind", "failed to resolve UDP6 address", err)
	}
	udpConn, err := net.ListenUDP("udp6", udpAddr)
	if err != nil {
		return stoqerr.Wrap(stoqerr.Io, "transport.Bind", "failed to open UDP6 socket", err)
	}
	listener, err := quic.Listen(udpConn, e.tlsConfig, e.quicConfig)
	if err != nil {
		_ = udpConn.Close()
		return stoqerr.Wrap(stoqerr.Handshake, "transport.Bind", "failed to start QUIC listener", err)
	}
	e.listener = listener
	e.logger.Info("stoq endpoint bound", zap.String("addr", addr))
	return nil
}

// Accept waits for the next inbound connection and completes the STOQ
// handshake extension over it (spec §4.6).
func (e *Endpoint) Accept(ctx context.Context) (*Conn, error) {
	if e.listener == nil {
		return nil, stoqerr.New(stoqerr.Io, "transport.Accept", "endpoint is not bound")
	}
	qc, err := e.listener.Accept(ctx)
	if err != nil {
		return nil, stoqerr.Wrap(stoqerr.Io, "transport.Accept", "accept failed", err)
	}
	if !e.admit(qc.RemoteAddr()) {
		qc.CloseWithError(quic.ApplicationErrorCode(0), "admission throttled")
		return nil, stoqerr.New(stoqerr.BackpressureDrop, "transport.Accept", "remote address exceeded connection-admission budget")
	}
	return e.complete(qc, false)
}

// Connect dials addr (which must be an IPv6 literal or resolve to one) and
// completes the STOQ handshake extension (spec §4.6, P8).
func (e *Endpoint) Connect(ctx context.Context, addr string) (*Conn, error) {
	qc, err := DialIPv6Race(ctx, addr, e.tlsConfig, e.quicConfig)
	if err != nil {
		return nil, err
	}
	return e.complete(qc, true)
}

// admit applies the per-remote-address admission throttle (spec §5). It
// reuses the teacher's WAF cache pattern: a count per remote host, reset
// after the cache window.
func (e *Endpoint) admit(remote net.Addr) bool {
	host, _, err := net.SplitHostPort(remote.String())
	if err != nil {
		host = remote.String()
	}
	limit := 200
	if count, found := e.admission.Get(host); found {
		if count.(int) >= limit {
			e.sink.IncCounter("admission_throttled", 1, map[string]string{"remote": host})
			return false
		}
		_ = e.admission.Increment(host, 1)
		return true
	}
	e.admission.SetDefault(host, 1)
	return true
}

// complete runs the FALCON handshake extension and negotiates transport
// parameters over a dedicated control stream (spec §4.2, §9's open
// question: quic-go has no public transport-parameter injection hook, so
// STOQ exchanges them as the first message on stream 0 immediately after
// the QUIC/TLS handshake completes).
func (e *Endpoint) complete(qc quic.Connection, isClient bool) (*Conn, error) {
	local := handshake.Propose(e.handshake)
	local = local.WithMaxShardSize(e.policy.MaxShardSize)

	ctrlStream, peerParams, err := negotiateParams(qc, isClient, local)
	if err != nil {
		qc.CloseWithError(quic.ApplicationErrorCode(1), "parameter negotiation failed")
		return nil, err
	}

	tlsState := qc.ConnectionState().TLS
	var peerSig *wire.FalconSignatureFrame
	if e.handshake.Level != handshake.Off && e.handshake.Signer != nil {
		sig, err := handshake.SignBinding(e.handshake, &tlsState, e.localID)
		if err == nil {
			if werr := writeFrame(ctrlStream, sig); werr != nil {
				e.logger.Warn("failed to send falcon signature", zap.Error(werr))
			}
		}
	}
	// Only read a signature off the wire if the peer's negotiated
	// transport parameters say it's sending one; a peer with
	// falcon.level=off never writes to this stream, and blocking on
	// io.ReadFull for a frame that's never coming would hang Accept/Connect
	// forever (spec §4.3: "the handshake proceeds classical-only" must
	// complete promptly). The read deadline is a second line of defense
	// against a peer that offers FALCON but doesn't follow through.
	peerOffersFalcon := peerParams.FalconEnabled != nil && *peerParams.FalconEnabled && len(peerParams.FalconPublicKey) > 0
	if peerOffersFalcon {
		if derr := ctrlStream.SetReadDeadline(time.Now().Add(negotiationTimeout)); derr != nil {
			e.logger.Warn("failed to set control-stream read deadline", zap.Error(derr))
		}
		peerSigFrame, err := readFalconSigFrame(ctrlStream)
		if err != nil {
			e.logger.Debug("no peer falcon signature received", zap.Error(err))
		} else {
			peerSig = peerSigFrame
		}
		if derr := ctrlStream.SetReadDeadline(time.Time{}); derr != nil {
			e.logger.Warn("failed to clear control-stream read deadline", zap.Error(derr))
		}
	}

	result, err := handshake.Complete(e.handshake, &tlsState, e.localID, peerParams, peerSig)
	if err != nil {
		qc.CloseWithError(quic.ApplicationErrorCode(2), "falcon authentication failed")
		return nil, err
	}

	policy := e.policy
	if peerParams.MaxShardSize != nil {
		policy.MaxShardSize = *peerParams.MaxShardSize
	}
	h := extension.NewHandler(policy, e.handshake.Signer, result.PeerFalconPublicKey)

	// Initial state on connection creation is Stable with current_tier =
	// Standard, a neutral default independent of any measurement (spec
	// §4.5).
	ctrl := adaptive.NewController(adaptive.Standard, e.adaptive)

	conn := &Conn{
		qc:         qc,
		handler:    h,
		controller: ctrl,
		ctrlStream: ctrlStream,
		logger:     e.logger,
		sink:       e.sink,
		paramsMu:   sync.RWMutex{},
		params:     ctrl.Current(),
		degraded:   result.Degraded,
		inbox:      make(chan inboxItem, 64),
		closeCh:    make(chan struct{}),
	}
	conn.startLoops()
	e.logger.Info("stoq connection established",
		zap.String("remote", qc.RemoteAddr().String()),
		zap.Bool("falcon_degraded", result.Degraded))
	return conn, nil
}
