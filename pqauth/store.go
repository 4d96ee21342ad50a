package pqauth

import (
	"crypto/rand"
	"os"

	"golang.org/x/crypto/nacl/secretbox"

	"stoq/stoqerr"
)

// Store persists a FALCON keypair's seed across runs in a
// confidentiality-protected file (spec §6.4: "FALCON keypairs MAY be
// cached across runs in an implementation-defined, confidentiality-
// protected store; no format is prescribed by this spec"). The seed, not
// the derived keys, is what's cached: falcongo's keypair derivation is
// deterministic, so re-deriving from a cached seed reproduces the same
// keypair without ever writing the raw private key material to disk in
// its signing-ready form.
type Store struct {
	path string
	key  [32]byte
}

// NewStore builds a Store that seals/opens its cache file with key. The
// key is implementation-defined key material supplied by the embedder
// (e.g. derived from a local secret); this package does not prescribe how
// it is obtained.
func NewStore(path string, key [32]byte) *Store {
	return &Store{path: path, key: key}
}

// LoadOrCreate returns the cached keypair if present and valid, or
// generates, seals, and caches a fresh one otherwise.
func (s *Store) LoadOrCreate() (*KeyPair, error) {
	if kp, err := s.load(); err == nil {
		return kp, nil
	}
	kp, err := GenerateKeypair()
	if err != nil {
		return nil, err
	}
	if err := s.save(kp.Seed()); err != nil {
		return nil, err
	}
	return kp, nil
}

func (s *Store) load() (*KeyPair, error) {
	sealed, err := os.ReadFile(s.path)
	if err != nil {
		return nil, stoqerr.Wrap(stoqerr.Io, "pqauth.Store.load", "cache file unavailable", err)
	}
	if len(sealed) < 24 {
		return nil, stoqerr.New(stoqerr.Protocol, "pqauth.Store.load", "cache file too short")
	}
	var nonce [24]byte
	copy(nonce[:], sealed[:24])
	seed, ok := secretbox.Open(nil, sealed[24:], &nonce, &s.key)
	if !ok {
		return nil, stoqerr.New(stoqerr.Protocol, "pqauth.Store.load", "cache file failed authentication")
	}
	return fromSeed(seed)
}

func (s *Store) save(seed []byte) error {
	var nonce [24]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return stoqerr.Wrap(stoqerr.Io, "pqauth.Store.save", "failed to generate nonce", err)
	}
	sealed := secretbox.Seal(nonce[:], seed, &nonce, &s.key)
	if err := os.WriteFile(s.path, sealed, 0o600); err != nil {
		return stoqerr.Wrap(stoqerr.Io, "pqauth.Store.save", "failed to write cache file", err)
	}
	return nil
}
