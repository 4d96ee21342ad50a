// Package tparams implements the STOQ transport-parameter codec: a list
// of (id, length, value) TLVs piggybacked on the QUIC handshake.
// Recognized ids get typed accessors; unrecognized ids are preserved
// opaquely for forward compatibility but never interpreted.
package tparams

import (
	"bytes"

	"github.com/quic-go/quic-go/quicvarint"
	"stoq/stoqerr"
)

// ID is a STOQ transport-parameter id.
type ID uint64

const (
	ExtensionsEnabledID ID = 0xfe00
	FalconEnabledID     ID = 0xfe01
	FalconPublicKeyID   ID = 0xfe02
	MaxShardSizeID      ID = 0xfe03
	TokenAlgorithmID    ID = 0xfe04
)

// TokenAlgorithm identifies the function TokenFrame.Token binds to.
type TokenAlgorithm uint64

// TokenAlgorithmSHA256 is the only defined token algorithm.
const TokenAlgorithmSHA256 TokenAlgorithm = 1

// RawParam is an opaque, unrecognized transport parameter preserved verbatim.
type RawParam struct {
	ID    uint64
	Value []byte
}

// Set is the decoded/encodable collection of STOQ transport parameters for
// one handshake direction. Pointer/slice-nil fields mean "absent".
type Set struct {
	ExtensionsEnabled *bool
	FalconEnabled     *bool
	FalconPublicKey   []byte
	MaxShardSize      *uint64
	TokenAlgorithm    *TokenAlgorithm

	// Unknown holds ids this build doesn't recognize, in the order they
	// were received, so they can be round-tripped (e.g. forwarded) without
	// this implementation ever interpreting them.
	Unknown []RawParam
}

func boolPtr(b bool) *bool           { return &b }
func u64Ptr(v uint64) *uint64        { return &v }
func algoPtr(a TokenAlgorithm) *TokenAlgorithm { return &a }

// WithExtensionsEnabled returns a copy of s with the flag set.
func (s Set) WithExtensionsEnabled(v bool) Set { s.ExtensionsEnabled = boolPtr(v); return s }

// WithFalconEnabled returns a copy of s with the flag set.
func (s Set) WithFalconEnabled(v bool) Set { s.FalconEnabled = boolPtr(v); return s }

// WithFalconPublicKey returns a copy of s with the key set.
func (s Set) WithFalconPublicKey(pub []byte) Set { s.FalconPublicKey = pub; return s }

// WithMaxShardSize returns a copy of s with max-shard-size set.
func (s Set) WithMaxShardSize(n uint64) Set { s.MaxShardSize = u64Ptr(n); return s }

// WithTokenAlgorithm returns a copy of s with token-algorithm set.
func (s Set) WithTokenAlgorithm(a TokenAlgorithm) Set { s.TokenAlgorithm = algoPtr(a); return s }

// Encode serializes s as a sequence of (id, length, value) varint TLVs,
// known parameters first in ascending id order, followed by any preserved
// unknown parameters.
func Encode(s Set) []byte {
	var b bytes.Buffer
	if s.ExtensionsEnabled != nil {
		writeBoolParam(&b, ExtensionsEnabledID, *s.ExtensionsEnabled)
	}
	if s.FalconEnabled != nil {
		writeBoolParam(&b, FalconEnabledID, *s.FalconEnabled)
	}
	if s.FalconPublicKey != nil {
		writeBytesParam(&b, FalconPublicKeyID, s.FalconPublicKey)
	}
	if s.MaxShardSize != nil {
		writeVarintParam(&b, MaxShardSizeID, *s.MaxShardSize)
	}
	if s.TokenAlgorithm != nil {
		writeVarintParam(&b, TokenAlgorithmID, uint64(*s.TokenAlgorithm))
	}
	for _, u := range s.Unknown {
		writeBytesParam(&b, u.ID, u.Value)
	}
	return b.Bytes()
}

func writeBoolParam(b *bytes.Buffer, id ID, v bool) {
	val := byte(0)
	if v {
		val = 1
	}
	writeBytesParam(b, id, []byte{val})
}

func writeVarintParam(b *bytes.Buffer, id ID, v uint64) {
	writeBytesParam(b, id, quicvarint.Append(nil, v))
}

func writeBytesParam(b *bytes.Buffer, id ID, value []byte) {
	b.Write(quicvarint.Append(nil, uint64(id)))
	b.Write(quicvarint.Append(nil, uint64(len(value))))
	b.Write(value)
}

// Decode parses a transport-parameter TLV list. Duplicate ids — known or
// unknown — fail the handshake with a decode error.
func Decode(data []byte) (Set, error) {
	r := bytes.NewReader(data)
	var s Set
	seen := make(map[uint64]bool)

	for r.Len() > 0 {
		idVal, err := quicvarint.Read(r)
		if err != nil {
			return Set{}, stoqerr.Wrap(stoqerr.Protocol, "tparams.Decode", "truncated parameter id", err)
		}
		if seen[idVal] {
			return Set{}, stoqerr.New(stoqerr.Protocol, "tparams.Decode", "duplicate transport parameter id")
		}
		seen[idVal] = true

		length, err := quicvarint.Read(r)
		if err != nil {
			return Set{}, stoqerr.Wrap(stoqerr.Protocol, "tparams.Decode", "truncated parameter length", err)
		}
		value := make([]byte, length)
		if n, err := r.Read(value); err != nil || uint64(n) != length {
			return Set{}, stoqerr.New(stoqerr.Protocol, "tparams.Decode", "truncated parameter value")
		}

		switch ID(idVal) {
		case ExtensionsEnabledID:
			b, err := decodeBool(value)
			if err != nil {
				return Set{}, err
			}
			s.ExtensionsEnabled = &b
		case FalconEnabledID:
			b, err := decodeBool(value)
			if err != nil {
				return Set{}, err
			}
			s.FalconEnabled = &b
		case FalconPublicKeyID:
			s.FalconPublicKey = append([]byte(nil), value...)
		case MaxShardSizeID:
			v, err := decodeVarintValue(value)
			if err != nil {
				return Set{}, err
			}
			s.MaxShardSize = &v
		case TokenAlgorithmID:
			v, err := decodeVarintValue(value)
			if err != nil {
				return Set{}, err
			}
			a := TokenAlgorithm(v)
			s.TokenAlgorithm = &a
		default:
			// Unknown ids are ignored (not interpreted) but preserved
			// opaquely for forward compatibility.
			s.Unknown = append(s.Unknown, RawParam{ID: idVal, Value: append([]byte(nil), value...)})
		}
	}
	return s, nil
}

func decodeBool(value []byte) (bool, error) {
	if len(value) != 1 {
		return false, stoqerr.New(stoqerr.Protocol, "tparams.decodeBool", "bool parameter must be 1 byte")
	}
	return value[0] != 0, nil
}

func decodeVarintValue(value []byte) (uint64, error) {
	r := bytes.NewReader(value)
	v, err := quicvarint.Read(r)
	if err != nil {
		return 0, stoqerr.Wrap(stoqerr.Protocol, "tparams.decodeVarintValue", "malformed varint parameter", err)
	}
	if r.Len() != 0 {
		return 0, stoqerr.New(stoqerr.Protocol, "tparams.decodeVarintValue", "trailing bytes in varint parameter")
	}
	return v, nil
}

// ValidateBudget reports whether encoded fits within the underlying QUIC
// handshake's transport-parameter budget.
func ValidateBudget(encoded []byte, maxBytes int) error {
	if len(encoded) > maxBytes {
		return stoqerr.New(stoqerr.Protocol, "tparams.ValidateBudget", "transport parameters exceed handshake budget")
	}
	return nil
}
