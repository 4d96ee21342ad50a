package tparams

import (
	"bytes"
	"testing"
)

func TestRoundTrip(t *testing.T) {
	s := Set{}.
		WithExtensionsEnabled(true).
		WithFalconEnabled(true).
		WithFalconPublicKey(bytes.Repeat([]byte{0x11}, 897)).
		WithMaxShardSize(1200).
		WithTokenAlgorithm(TokenAlgorithmSHA256)

	encoded := Encode(s)
	decoded, err := Decode(encoded)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if decoded.ExtensionsEnabled == nil || !*decoded.ExtensionsEnabled {
		t.Fatalf("extensions-enabled not round-tripped")
	}
	if decoded.FalconEnabled == nil || !*decoded.FalconEnabled {
		t.Fatalf("falcon-enabled not round-tripped")
	}
	if !bytes.Equal(decoded.FalconPublicKey, s.FalconPublicKey) {
		t.Fatalf("falcon-public-key not round-tripped")
	}
	if decoded.MaxShardSize == nil || *decoded.MaxShardSize != 1200 {
		t.Fatalf("max-shard-size not round-tripped")
	}
	if decoded.TokenAlgorithm == nil || *decoded.TokenAlgorithm != TokenAlgorithmSHA256 {
		t.Fatalf("token-algorithm not round-tripped")
	}
}

func TestUnknownIdsPreservedButNotInterpreted(t *testing.T) {
	s := Set{Unknown: []RawParam{{ID: 0xfe99, Value: []byte("future-extension")}}}
	encoded := Encode(s)
	decoded, err := Decode(encoded)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(decoded.Unknown) != 1 || decoded.Unknown[0].ID != 0xfe99 {
		t.Fatalf("unknown parameter not preserved: %+v", decoded.Unknown)
	}
	if string(decoded.Unknown[0].Value) != "future-extension" {
		t.Fatalf("unknown parameter value corrupted")
	}
}

func TestDuplicateIdsRejected(t *testing.T) {
	encoded := Encode(Set{}.WithExtensionsEnabled(true))
	// Manually duplicate the single parameter's bytes to simulate a peer
	// sending the same id twice.
	dup := append(append([]byte{}, encoded...), encoded...)
	if _, err := Decode(dup); err == nil {
		t.Fatalf("expected duplicate transport parameter id to be rejected")
	}
}

func TestDecodeTruncated(t *testing.T) {
	encoded := Encode(Set{}.WithMaxShardSize(4096))
	if _, err := Decode(encoded[:len(encoded)-2]); err == nil {
		t.Fatalf("expected truncated parameter list to fail")
	}
}
