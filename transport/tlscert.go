package transport

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"net"
	"time"

	"stoq/stoqerr"
)

// stoqALPN is the ALPN identifier STOQ negotiates over TLS 1.3, so a plain
// QUIC/HTTP3 peer never accidentally completes a handshake with a STOQ
// endpoint expecting its extensions.
const stoqALPN = "stoq/1"

// SelfSignedTLSConfig builds an ephemeral, self-signed TLS 1.3 config for
// local testing and the reference harness (spec §2's "TLS certificate
// generation" is explicitly out of the core's scope — a real deployment
// supplies its own issued certificate). The private key never leaves this
// process.
func SelfSignedTLSConfig(forClient bool) (*tls.Config, error) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, stoqerr.Wrap(stoqerr.Io, "transport.SelfSignedTLSConfig", "failed to generate key", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, stoqerr.Wrap(stoqerr.Io, "transport.SelfSignedTLSConfig", "failed to generate serial", err)
	}

	template := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: "stoq-endpoint"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		IsCA:         true,
		IPAddresses:  []net.IP{net.IPv6loopback},
		DNSNames:     []string{"localhost"},
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &priv.PublicKey, priv)
	if err != nil {
		return nil, stoqerr.Wrap(stoqerr.Io, "transport.SelfSignedTLSConfig", "failed to create certificate", err)
	}

	cert := tls.Certificate{Certificate: [][]byte{der}, PrivateKey: priv}
	cfg := &tls.Config{
		NextProtos:   []string{stoqALPN},
		MinVersion:   tls.VersionTLS13,
		Certificates: []tls.Certificate{cert},
	}
	if forClient {
		cfg.InsecureSkipVerify = true // local test harness only; production deployments supply a real CA
	}
	return cfg, nil
}
