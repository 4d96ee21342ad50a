package transport

import (
	"bytes"
	"context"
	"io"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/quic-go/quic-go"
	"go.uber.org/zap"

	"stoq/adaptive"
	"stoq/extension"
	"stoq/metrics"
	"stoq/stoqerr"
	"stoq/wire"
)

// envelope kinds distinguish a framed wire.Frame from a raw application
// payload on a STOQ data stream — a facade-level concern the frame codec
// itself doesn't need to know about.
const (
	kindFrame   byte = 0
	kindPayload byte = 1
)

// Conn is one established STOQ connection: a QUIC connection plus the C4
// extension handler and C6 adaptive controller bound to it (spec §4.6).
type Conn struct {
	qc         quic.Connection
	handler    *extension.Handler
	controller *adaptive.Controller
	ctrlStream quic.Stream
	logger     *zap.Logger
	sink       metrics.Sink

	paramsMu sync.RWMutex
	params   adaptive.ConnectionParameters
	degraded bool

	outstanding int64 // atomic: bytes currently in flight, for the flow-control clamp

	// inbox merges deliveries surfaced from the stream-accept loop and the
	// datagram-receive loop into the single ordering-agnostic queue Recv
	// drains (spec §4.6's recv operation doesn't distinguish the two
	// transports on the way out).
	inbox     chan inboxItem
	closeOnce sync.Once
	closeCh   chan struct{}
}

type inboxItem struct {
	delivery *extension.Delivery
	err      error
}

// startLoops launches the background stream-accept and datagram-receive
// loops that feed Recv. Called once, right after a Conn is constructed.
func (c *Conn) startLoops() {
	go c.streamLoop()
	go c.datagramLoop()
}

// maxSendDatagramSize returns the largest encoded envelope this connection
// will still hand to the QUIC datagram path: the MaxDatagramSize of the
// connection's current adaptive parameters (9000 bytes at the initial
// Standard tier). It is not the peer's negotiated QUIC datagram limit; an
// envelope under this cap that QUIC still refuses falls back to a stream
// in trySendDatagram.
func (c *Conn) maxSendDatagramSize() int {
	return int(c.Params().MaxDatagramSize)
}

// Send transmits one application payload: tokenize/sign/shard it via C4,
// then writes the resulting frames and/or raw payload either as a single
// QUIC datagram (when everything fits within maxSendDatagramSize and QUIC
// accepts the datagram) or, for anything oversized or already split into
// multiple shards,
// over a dedicated stream (spec §4.6's send operation, §4.4's outbound
// contract, §6.1's datagram-vs-stream fallback).
func (c *Conn) Send(ctx context.Context, payload []byte) error {
	atomic.AddInt64(&c.outstanding, int64(len(payload)))
	defer atomic.AddInt64(&c.outstanding, -int64(len(payload)))

	out := c.handler.PrepareOutbound(payload)

	if len(out.Shards) == 0 {
		if ok, err := c.trySendDatagram(out); ok {
			return err
		}
	}

	stream, err := c.qc.OpenStreamSync(ctx)
	if err != nil {
		return stoqerr.Wrap(stoqerr.Io, "transport.Conn.Send", "failed to open stream", err)
	}
	defer stream.Close()

	if out.Token != nil {
		if err := writeEnvelope(stream, kindFrame, wire.Encode(out.Token)); err != nil {
			return err
		}
	}
	if out.Signature != nil {
		if err := writeEnvelope(stream, kindFrame, wire.Encode(out.Signature)); err != nil {
			return err
		}
	}
	if len(out.Shards) > 0 {
		for _, s := range out.Shards {
			if err := writeEnvelope(stream, kindFrame, wire.Encode(s)); err != nil {
				return err
			}
		}
		return nil
	}
	return writeEnvelope(stream, kindPayload, out.Payload)
}

// trySendDatagram attempts the single-datagram fast path for an outbound
// payload that produced no shards. Token and signature frames, when
// present, are packed into the same datagram ahead of the payload using
// the same kind-tagged envelope framing a stream uses — a datagram is a
// single unreliable unit, so splitting the token/signature/payload trio
// across several would let one arrive without the others. Returns
// ok=false when the combined envelope exceeds maxSendDatagramSize or QUIC
// refuses the datagram, meaning the caller should fall back to the stream
// path.
func (c *Conn) trySendDatagram(out extension.Outbound) (ok bool, err error) {
	limit := c.maxSendDatagramSize()
	if limit <= 0 {
		return false, nil
	}

	var buf bytes.Buffer
	if out.Token != nil {
		if err := writeEnvelope(&buf, kindFrame, wire.Encode(out.Token)); err != nil {
			return false, nil
		}
	}
	if out.Signature != nil {
		if err := writeEnvelope(&buf, kindFrame, wire.Encode(out.Signature)); err != nil {
			return false, nil
		}
	}
	if err := writeEnvelope(&buf, kindPayload, out.Payload); err != nil {
		return false, nil
	}

	if buf.Len() > limit {
		return false, nil
	}

	if err := c.qc.SendDatagram(buf.Bytes()); err != nil {
		return false, nil // datagrams unsupported or transiently unsendable; retry on a stream
	}
	return true, nil
}

// Recv returns the next application payload to arrive on either the
// stream-accept loop or the datagram-receive loop, whichever resolves
// first (spec §4.6's recv operation doesn't distinguish the two transports
// a peer's Send may have used). A recoverable error (token mismatch, a
// poisoned/evicted shard set) is returned to the caller rather than
// closing the connection (spec §7); the caller should simply call Recv
// again.
func (c *Conn) Recv(ctx context.Context) (*extension.Delivery, error) {
	select {
	case item := <-c.inbox:
		return item.delivery, item.err
	case <-ctx.Done():
		return nil, stoqerr.Wrap(stoqerr.Io, "transport.Conn.Recv", "context done while waiting for a delivery", ctx.Err())
	}
}

// streamLoop accepts inbound streams for the lifetime of the connection,
// handling each concurrently so a large sharded transfer on one stream
// never blocks a small payload arriving on another.
func (c *Conn) streamLoop() {
	for {
		stream, err := c.qc.AcceptStream(context.Background())
		if err != nil {
			c.pushInbox(nil, stoqerr.Wrap(stoqerr.Io, "transport.Conn.streamLoop", "failed to accept stream", err))
			return
		}
		go c.handleStream(stream)
	}
}

func (c *Conn) handleStream(stream quic.Stream) {
	defer stream.Close()
	delivery, err := c.consumeFrames(stream, true)
	c.pushInbox(delivery, err)
}

// datagramLoop receives inbound QUIC datagrams for the lifetime of the
// connection — the counterpart to trySendDatagram's fast path (spec
// §4.6, §6.1).
func (c *Conn) datagramLoop() {
	for {
		data, err := c.qc.ReceiveDatagram(context.Background())
		if err != nil {
			c.pushInbox(nil, stoqerr.Wrap(stoqerr.Io, "transport.Conn.datagramLoop", "failed to receive datagram", err))
			return
		}
		delivery, ferr := c.consumeFrames(bytes.NewReader(data), false)
		c.pushInbox(delivery, ferr)
	}
}

func (c *Conn) pushInbox(delivery *extension.Delivery, err error) {
	if delivery == nil && err == nil {
		return
	}
	select {
	case c.inbox <- inboxItem{delivery, err}:
	case <-c.closeCh:
	}
}

// consumeFrames reads kind-tagged envelopes from r until a complete
// application payload is delivered or r is exhausted. When
// errOnEmptyEOF is set (the stream case), exhausting r without ever
// seeing a payload is itself an error — a STOQ data stream always
// terminates in one; a datagram may legitimately carry only a
// standalone control frame (e.g. a HopFrame) and nothing else.
//
// tok and sig track the TokenFrame/FalconSignatureFrame seen so far on
// this one reader. A stream or datagram carries exactly one packet's
// token/signature/payload (or shard set) together, so correlating them
// here — local to this call — is correct without consulting the frame's
// packet_id/key_id explicitly; passing them straight into OnPayload
// avoids matching them against a payload that completed concurrently on
// a different stream or datagram (spec §4.4).
func (c *Conn) consumeFrames(r io.Reader, errOnEmptyEOF bool) (*extension.Delivery, error) {
	var tok *wire.TokenFrame
	var sig *wire.FalconSignatureFrame
	for {
		kind, payload, err := readEnvelope(r)
		if err == io.EOF {
			if errOnEmptyEOF {
				return nil, stoqerr.New(stoqerr.Io, "transport.Conn.consumeFrames", "stream closed before a payload arrived")
			}
			return nil, nil
		}
		if err != nil {
			return nil, err
		}

		if kind == kindPayload {
			return c.handler.OnPayload(payload, tok, sig)
		}

		frame, _, err := wire.Decode(payload)
		if err != nil {
			return nil, err
		}

		switch f := frame.(type) {
		case *wire.TokenFrame:
			tok = f
		case *wire.FalconSignatureFrame:
			sig = f
		case *wire.ShardFrame:
			for _, id := range c.handler.SweepExpired(nil) {
				c.logger.Warn("shard reassembly timed out", zap.Uint64("shard_id", id))
			}
			res := c.handler.OnShardFrame(f)
			if res.Dropped {
				c.sink.IncCounter("shard_set_dropped", 1, nil)
			}
			if res.Complete {
				return c.handler.OnPayload(res.Payload, tok, sig)
			}
		case *wire.HopFrame:
			outcome := c.handler.OnHopFrame(f, c.localAddr)
			if outcome.Dropped {
				c.sink.IncCounter("hop_frame_ttl_expired", 1, nil)
			}
			if outcome.Forward != nil {
				c.logger.Debug("forwarding hop frame", zap.Int("hops", len(outcome.Forward.Hops)), zap.Uint32("ttl", outcome.Forward.TTL))
			}
		case *wire.SeedFrame:
			info := c.handler.OnSeedFrame(f)
			c.logger.Debug("seed frame received", zap.Uint64("seed_id", info.SeedID), zap.Uint8("replication_factor", info.ReplicationFactor))
		case *wire.UnknownFrame:
			// Tolerated per spec invariant 6: skip and keep reading.
		}
	}
}

func (c *Conn) localAddr() (netip.Addr, bool) {
	addrPort, err := netip.ParseAddrPort(c.qc.LocalAddr().String())
	if err != nil {
		return netip.Addr{}, false
	}
	return addrPort.Addr(), true
}

// Close tears down the connection (spec §4.6's close operation).
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		close(c.closeCh)
		c.qc.CloseWithError(quic.ApplicationErrorCode(0), "")
	})
	return nil
}

// Params returns the currently active connection parameters.
func (c *Conn) Params() adaptive.ConnectionParameters {
	c.paramsMu.RLock()
	defer c.paramsMu.RUnlock()
	return c.params
}

// Degraded reports whether this connection fell back to TLS-only
// authentication: local policy is Off, or the peer did not offer FALCON or
// did not send a handshake signature (spec §4.3).
func (c *Conn) Degraded() bool {
	return c.degraded
}

// UpdateLiveConfig feeds one bandwidth measurement into C6 and, if it
// triggers an adaptation, applies and records the new parameters (spec
// §4.6's update_live_config operation).
func (c *Conn) UpdateLiveConfig(bps uint64, measuredAt time.Time) (adaptive.ConnectionParameters, bool) {
	outstanding := uint64(atomic.LoadInt64(&c.outstanding))
	params, changed := c.controller.Sample(bps, measuredAt, outstanding)
	if !changed {
		return c.Params(), false
	}
	c.applyParams(*params)
	return *params, true
}

// ForceAdapt immediately retunes to bandwidth's tier, bypassing hysteresis
// (spec §4.6's force_adapt operation).
func (c *Conn) ForceAdapt(bps uint64) adaptive.ConnectionParameters {
	outstanding := uint64(atomic.LoadInt64(&c.outstanding))
	params := c.controller.ForceAdapt(bps, outstanding)
	c.applyParams(params)
	return params
}

func (c *Conn) applyParams(params adaptive.ConnectionParameters) {
	c.paramsMu.Lock()
	c.params = params
	c.paramsMu.Unlock()
	c.logger.Info("adaptive parameters updated",
		zap.Uint64("flow_control_window", params.FlowControlWindow),
		zap.Uint64("max_streams", params.MaxStreams),
		zap.Uint32("max_datagram_size", params.MaxDatagramSize))
}

// writeEnvelope/readEnvelope implement the stream-level framing a STOQ
// data stream uses to interleave wire.Frame values with the raw
// application payload they accompany: a 1-byte kind tag followed by a
// length-prefixed blob.
func writeEnvelope(w io.Writer, kind byte, payload []byte) error {
	if _, err := w.Write([]byte{kind}); err != nil {
		return stoqerr.Wrap(stoqerr.Io, "transport.writeEnvelope", "failed to write kind tag", err)
	}
	return writeFramed(w, payload)
}

func readEnvelope(r io.Reader) (byte, []byte, error) {
	var kindBuf [1]byte
	if _, err := io.ReadFull(r, kindBuf[:]); err != nil {
		if err == io.EOF {
			return 0, nil, io.EOF
		}
		return 0, nil, stoqerr.Wrap(stoqerr.Io, "transport.readEnvelope", "failed to read kind tag", err)
	}
	payload, err := readFramed(r)
	if err != nil {
		return 0, nil, err
	}
	return kindBuf[0], payload, nil
}
