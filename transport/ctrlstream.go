package transport

import (
	"context"
	"encoding/binary"
	"io"
	"time"

	"github.com/quic-go/quic-go"

	"stoq/stoqerr"
	"stoq/tparams"
	"stoq/wire"
)

// negotiationTimeout bounds each wait in the post-handshake control
// exchange. Opening/accepting the control stream or reading the peer's
// transport parameters past it fails the handshake; a peer
// FalconSignatureFrame that does not arrive within it is treated as absent.
const negotiationTimeout = 10 * time.Second

// negotiateParams opens (client) or accepts (server) the dedicated control
// stream STOQ uses to exchange transport parameters, since quic-go exposes
// no hook to piggyback arbitrary bytes onto the TLS transport-parameter
// extension itself (spec §9 open question). The client writes first to
// fix ordering and avoid both sides blocking on a read.
func negotiateParams(qc quic.Connection, isClient bool, local tparams.Set) (quic.Stream, tparams.Set, error) {
	ctx, cancel := context.WithTimeout(context.Background(), negotiationTimeout)
	defer cancel()

	var stream quic.Stream
	var err error
	if isClient {
		stream, err = qc.OpenStreamSync(ctx)
	} else {
		stream, err = qc.AcceptStream(ctx)
	}
	if err != nil {
		return nil, tparams.Set{}, stoqerr.Wrap(stoqerr.Handshake, "transport.negotiateParams", "failed to establish control stream", err)
	}

	encoded := tparams.Encode(local)
	if err := tparams.ValidateBudget(encoded, 4096); err != nil {
		return nil, tparams.Set{}, err
	}

	if isClient {
		if err := writeFramed(stream, encoded); err != nil {
			return nil, tparams.Set{}, err
		}
	}

	if err := stream.SetReadDeadline(time.Now().Add(negotiationTimeout)); err != nil {
		return nil, tparams.Set{}, stoqerr.Wrap(stoqerr.Handshake, "transport.negotiateParams", "failed to set control-stream read deadline", err)
	}
	peerBytes, err := readFramed(stream)
	if err != nil {
		return nil, tparams.Set{}, err
	}
	if err := stream.SetReadDeadline(time.Time{}); err != nil {
		return nil, tparams.Set{}, stoqerr.Wrap(stoqerr.Handshake, "transport.negotiateParams", "failed to clear control-stream read deadline", err)
	}
	peer, err := tparams.Decode(peerBytes)
	if err != nil {
		return nil, tparams.Set{}, err
	}

	if !isClient {
		if err := writeFramed(stream, encoded); err != nil {
			return nil, tparams.Set{}, err
		}
	}

	return stream, peer, nil
}

// writeFramed and readFramed implement a trivial length-prefixed framing
// for the control stream: a 4-byte big-endian length followed by that many
// bytes of payload.
func writeFramed(w io.Writer, payload []byte) error {
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(payload)))
	if _, err := w.Write(hdr[:]); err != nil {
		return stoqerr.Wrap(stoqerr.Io, "transport.writeFramed", "failed to write length header", err)
	}
	if _, err := w.Write(payload); err != nil {
		return stoqerr.Wrap(stoqerr.Io, "transport.writeFramed", "failed to write payload", err)
	}
	return nil
}

func readFramed(r io.Reader) ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, stoqerr.Wrap(stoqerr.Io, "transport.readFramed", "failed to read length header", err)
	}
	n := binary.BigEndian.Uint32(hdr[:])
	const maxFramed = 1 << 20
	if n > maxFramed {
		return nil, stoqerr.New(stoqerr.Protocol, "transport.readFramed", "framed control message exceeds sane bound")
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, stoqerr.Wrap(stoqerr.Io, "transport.readFramed", "failed to read payload", err)
	}
	return buf, nil
}

// writeFrame sends one wire.Frame over the control stream, framed the same
// way as transport parameters.
func writeFrame(w io.Writer, f wire.Frame) error {
	return writeFramed(w, wire.Encode(f))
}

// readFalconSigFrame reads one framed FalconSignatureFrame from the
// control stream, if the peer sent one.
func readFalconSigFrame(r io.Reader) (*wire.FalconSignatureFrame, error) {
	buf, err := readFramed(r)
	if err != nil {
		return nil, err
	}
	frame, _, err := wire.Decode(buf)
	if err != nil {
		return nil, err
	}
	sig, ok := frame.(*wire.FalconSignatureFrame)
	if !ok {
		return nil, stoqerr.New(stoqerr.Protocol, "transport.readFalconSigFrame", "expected a FalconSignatureFrame on control stream")
	}
	return sig, nil
}
