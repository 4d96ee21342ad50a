package handshake

import (
	"testing"

	"stoq/pqauth"
	"stoq/tparams"
)

// A tls.ConnectionState with usable key material cannot be constructed
// directly in a unit test (crypto/tls gives no public constructor for
// one), so these tests exercise the parts of C5 that don't require a
// live TLS transcript: proposal shape and the Required/Preferred/Off
// degrade-vs-reject decision tree.

func TestProposeFalconDisabledWhenOff(t *testing.T) {
	kp, err := pqauth.GenerateKeypair()
	if err != nil {
		t.Fatalf("generate keypair: %v", err)
	}
	s := Propose(Config{Level: Off, Signer: kp})
	if s.FalconEnabled == nil || *s.FalconEnabled {
		t.Fatalf("expected falcon-enabled=false when policy is Off")
	}
}

func TestProposeFalconEnabledWithSigner(t *testing.T) {
	kp, err := pqauth.GenerateKeypair()
	if err != nil {
		t.Fatalf("generate keypair: %v", err)
	}
	s := Propose(Config{Level: Required, Signer: kp})
	if s.FalconEnabled == nil || !*s.FalconEnabled {
		t.Fatalf("expected falcon-enabled=true")
	}
	if string(s.FalconPublicKey) != string(kp.PublicKey()) {
		t.Fatalf("expected proposed public key to match signer")
	}
}

func TestProposeFalconDisabledWithoutSigner(t *testing.T) {
	s := Propose(Config{Level: Required, Signer: nil})
	if s.FalconEnabled == nil || *s.FalconEnabled {
		t.Fatalf("expected falcon-enabled=false without a signer")
	}
}

func TestBindingMessageDeterministic(t *testing.T) {
	m1 := bindingMessage([]byte("pub"), []byte("peer"), []byte("nonce"))
	m2 := bindingMessage([]byte("pub"), []byte("peer"), []byte("nonce"))
	if string(m1) != string(m2) {
		t.Fatalf("expected identical binding messages for identical inputs")
	}
	m3 := bindingMessage([]byte("pub"), []byte("other"), []byte("nonce"))
	if string(m1) == string(m3) {
		t.Fatalf("expected different peer id to change the binding message")
	}
}

func TestCompleteOffDegradesWithoutVerification(t *testing.T) {
	r, err := Complete(Config{Level: Off}, nil, nil, tparams.Set{}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !r.Degraded {
		t.Fatalf("expected degraded result when policy is Off")
	}
}

func TestCompleteRequiredRejectsMissingPeerOffer(t *testing.T) {
	_, err := Complete(Config{Level: Required}, nil, []byte("local"), tparams.Set{}, nil)
	if err == nil {
		t.Fatalf("expected an error when policy is Required and peer offers nothing")
	}
}

func TestCompletePreferredDegradesOnMissingPeerOffer(t *testing.T) {
	r, err := Complete(Config{Level: Preferred}, nil, []byte("local"), tparams.Set{}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !r.Degraded {
		t.Fatalf("expected degraded result under Preferred policy")
	}
}
