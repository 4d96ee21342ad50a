// Package wire implements the STOQ frame wire format: a varint frame-type
// tag followed by a type-specific payload. It wraps quic-go's own
// quicvarint codec so STOQ's variable-length integers are byte-for-byte
// the same encoding QUIC itself uses on the wire.
package wire

import (
	"bytes"
	"fmt"
	"net/netip"
)

// FrameType is a STOQ frame type code, drawn from the QUIC private-use
// range.
type FrameType uint64

const (
	TokenFrameType    FrameType = 0xfe000001
	ShardFrameType    FrameType = 0xfe000002
	HopFrameType      FrameType = 0xfe000003
	SeedFrameType     FrameType = 0xfe000004
	FalconSigFrameType FrameType = 0xfe000005
	// FalconKeyFrameType is reserved in the type-code table for a future
	// key-rotation frame that nothing currently constructs. If a peer
	// sends it, it decodes as Unknown like any other unrecognized type.
	FalconKeyFrameType FrameType = 0xfe000006
)

func (t FrameType) String() string {
	switch t {
	case TokenFrameType:
		return "TOKEN"
	case ShardFrameType:
		return "SHARD"
	case HopFrameType:
		return "HOP"
	case SeedFrameType:
		return "SEED"
	case FalconSigFrameType:
		return "FALCON_SIG"
	case FalconKeyFrameType:
		return "FALCON_KEY"
	default:
		return fmt.Sprintf("0x%x", uint64(t))
	}
}

// Frame is the closed tagged union of STOQ frame variants. Adding a
// variant requires a code change here.
type Frame interface {
	Type() FrameType
	encode(*bytes.Buffer)
}

// TokenFrame asserts authenticity/integrity of an accompanying payload by
// content-hash binding.
type TokenFrame struct {
	PacketID  uint64
	Token     [32]byte
	Timestamp uint64 // millis
}

func (f *TokenFrame) Type() FrameType { return TokenFrameType }

func (f *TokenFrame) encode(b *bytes.Buffer) {
	buf := appendVarint(nil, f.PacketID)
	buf = append(buf, f.Token[:]...)
	buf = appendVarint(buf, f.Timestamp)
	b.Write(buf)
}

// ShardFrame is one piece of a fragmented payload.
type ShardFrame struct {
	ShardID     uint64
	TotalShards uint32
	ShardIndex  uint32
	Data        []byte
}

func (f *ShardFrame) Type() FrameType { return ShardFrameType }

func (f *ShardFrame) encode(b *bytes.Buffer) {
	buf := appendVarint(nil, f.ShardID)
	buf = appendVarint(buf, uint64(f.TotalShards))
	buf = appendVarint(buf, uint64(f.ShardIndex))
	buf = appendVarint(buf, uint64(len(f.Data)))
	buf = append(buf, f.Data...)
	b.Write(buf)
}

// HopFrame records a routing trail with a decrement-on-forward TTL.
type HopFrame struct {
	Hops []netip.Addr // each must be a 16-byte IPv6 address
	TTL  uint32
}

func (f *HopFrame) Type() FrameType { return HopFrameType }

func (f *HopFrame) encode(b *bytes.Buffer) {
	buf := []byte{byte(len(f.Hops))}
	for _, h := range f.Hops {
		a16 := h.As16()
		buf = append(buf, a16[:]...)
	}
	buf = appendVarint(buf, uint64(f.TTL))
	b.Write(buf)
}

// SeedFrame identifies a content seed for distribution; opaque above the
// transport layer.
type SeedFrame struct {
	SeedID            uint64
	SeedHash          [32]byte
	ReplicationFactor uint8
}

func (f *SeedFrame) Type() FrameType { return SeedFrameType }

func (f *SeedFrame) encode(b *bytes.Buffer) {
	buf := appendVarint(nil, f.SeedID)
	buf = append(buf, f.SeedHash[:]...)
	buf = append(buf, f.ReplicationFactor)
	b.Write(buf)
}

// FalconSignatureFrame is a detached FALCON signature over a referenced
// payload.
type FalconSignatureFrame struct {
	KeyID     uint64
	Signature []byte
	SignedAt  uint64 // millis
}

func (f *FalconSignatureFrame) Type() FrameType { return FalconSigFrameType }

func (f *FalconSignatureFrame) encode(b *bytes.Buffer) {
	buf := appendVarint(nil, f.KeyID)
	buf = appendVarint(buf, uint64(len(f.Signature)))
	buf = append(buf, f.Signature...)
	buf = appendVarint(buf, f.SignedAt)
	b.Write(buf)
}

// UnknownFrame carries a frame whose type code is outside the STOQ set.
// These must be ignored without closing the connection; callers see
// Unknown(type, raw) and skip it.
type UnknownFrame struct {
	FrameType FrameType
	Raw       []byte
}

func (f *UnknownFrame) Type() FrameType { return f.FrameType }

func (f *UnknownFrame) encode(b *bytes.Buffer) {
	b.Write(f.Raw)
}

// Encode serializes f as frame_type(varint) || payload.
func Encode(f Frame) []byte {
	var b bytes.Buffer
	b.Write(appendVarint(nil, uint64(f.Type())))
	f.encode(&b)
	return b.Bytes()
}

// Decode parses exactly one frame from the front of data, returning the
// frame and the remaining, unconsumed bytes. Decode never fails on an
// unrecognized frame type — it returns an *UnknownFrame instead — but it
// does fail (a Protocol error) when a recognized frame type's fixed
// fields are truncated.
func Decode(data []byte) (Frame, []byte, error) {
	r := bytes.NewReader(data)
	typ, err := readVarint(r)
	if err != nil {
		return nil, nil, err
	}

	switch FrameType(typ) {
	case TokenFrameType:
		f, err := decodeToken(r)
		return f, remainder(r), err
	case ShardFrameType:
		f, err := decodeShard(r)
		return f, remainder(r), err
	case HopFrameType:
		f, err := decodeHop(r)
		return f, remainder(r), err
	case SeedFrameType:
		f, err := decodeSeed(r)
		return f, remainder(r), err
	case FalconSigFrameType:
		f, err := decodeFalconSig(r)
		return f, remainder(r), err
	default:
		// Unknown frame types are skipped wholesale: the rest of the buffer
		// is treated as this frame's opaque payload, so higher layers don't
		// need to know its shape to move past it. Since we can't know the
		// true payload length of an unknown type, an unknown frame must be
		// the last frame in its datagram/stream chunk.
		raw := make([]byte, r.Len())
		_, _ = r.Read(raw)
		return &UnknownFrame{FrameType: FrameType(typ), Raw: raw}, nil, nil
	}
}

func remainder(r *bytes.Reader) []byte {
	if r.Len() == 0 {
		return nil
	}
	buf := make([]byte, r.Len())
	_, _ = r.Read(buf)
	return buf
}

func decodeToken(r *bytes.Reader) (*TokenFrame, error) {
	packetID, err := readVarint(r)
	if err != nil {
		return nil, err
	}
	tok, err := readExact(r, 32)
	if err != nil {
		return nil, err
	}
	ts, err := readVarint(r)
	if err != nil {
		return nil, err
	}
	f := &TokenFrame{PacketID: packetID, Timestamp: ts}
	copy(f.Token[:], tok)
	return f, nil
}

func decodeShard(r *bytes.Reader) (*ShardFrame, error) {
	shardID, err := readVarint(r)
	if err != nil {
		return nil, err
	}
	total, err := readVarint(r)
	if err != nil {
		return nil, err
	}
	index, err := readVarint(r)
	if err != nil {
		return nil, err
	}
	dataLen, err := readVarint(r)
	if err != nil {
		return nil, err
	}
	data, err := readExact(r, int(dataLen))
	if err != nil {
		return nil, err
	}
	return &ShardFrame{
		ShardID:     shardID,
		TotalShards: uint32(total),
		ShardIndex:  uint32(index),
		Data:        data,
	}, nil
}

func decodeHop(r *bytes.Reader) (*HopFrame, error) {
	countByte, err := readExact(r, 1)
	if err != nil {
		return nil, err
	}
	count := int(countByte[0])
	hops := make([]netip.Addr, 0, count)
	for i := 0; i < count; i++ {
		raw, err := readExact(r, 16)
		if err != nil {
			return nil, err
		}
		var a16 [16]byte
		copy(a16[:], raw)
		hops = append(hops, netip.AddrFrom16(a16))
	}
	ttl, err := readVarint(r)
	if err != nil {
		return nil, err
	}
	return &HopFrame{Hops: hops, TTL: uint32(ttl)}, nil
}

func decodeSeed(r *bytes.Reader) (*SeedFrame, error) {
	seedID, err := readVarint(r)
	if err != nil {
		return nil, err
	}
	hash, err := readExact(r, 32)
	if err != nil {
		return nil, err
	}
	repl, err := readExact(r, 1)
	if err != nil {
		return nil, err
	}
	f := &SeedFrame{SeedID: seedID, ReplicationFactor: repl[0]}
	copy(f.SeedHash[:], hash)
	return f, nil
}

func decodeFalconSig(r *bytes.Reader) (*FalconSignatureFrame, error) {
	keyID, err := readVarint(r)
	if err != nil {
		return nil, err
	}
	sigLen, err := readVarint(r)
	if err != nil {
		return nil, err
	}
	sig, err := readExact(r, int(sigLen))
	if err != nil {
		return nil, err
	}
	signedAt, err := readVarint(r)
	if err != nil {
		return nil, err
	}
	return &FalconSignatureFrame{KeyID: keyID, Signature: sig, SignedAt: signedAt}, nil
}

// FitsInDatagram reports whether the encoded form of f fits within
// maxDatagramSize. Frames that fit in a single QUIC datagram are sent as
// datagrams; oversized frames fall back to a dedicated stream.
func FitsInDatagram(f Frame, maxDatagramSize int) bool {
	return len(Encode(f)) <= maxDatagramSize
}
