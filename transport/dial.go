package transport

import (
	"context"
	"crypto/tls"
	"net"
	"time"

	"github.com/quic-go/quic-go"

	"stoq/stoqerr"
)

// dialRaceTimeout and dialRaceStagger mirror the teacher's DialFast
// constants, adapted from a parallel-IP TCP race to a parallel-IP QUIC
// race (spec P8: IPv6-only, but a hostname may still resolve to several
// IPv6 addresses worth racing).
const (
	dialRaceTimeout = 5 * time.Second
	dialRaceStagger = 50 * time.Millisecond
)

// DialIPv6Race resolves addr to its IPv6 addresses and races a QUIC dial
// against each, returning the first to complete successfully — the same
// fastest-wins strategy as the teacher's DialFast, generalized from TCP
// dials to QUIC handshakes and restricted to IPv6 (spec P8).
func DialIPv6Race(ctx context.Context, addr string, tlsConf *tls.Config, quicConf *quic.Config) (quic.Connection, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, stoqerr.Wrap(stoqerr.Io, "transport.DialIPv6Race", "address missing port", err)
	}

	raceCtx, cancel := context.WithTimeout(ctx, dialRaceTimeout)
	defer cancel()

	ips, err := resolveIPv6(raceCtx, host)
	if err != nil {
		return nil, err
	}

	type result struct {
		conn quic.Connection
		err  error
	}
	resCh := make(chan result, len(ips))

	for i, ip := range ips {
		go func(delay int, ip net.IP) {
			if delay > 0 {
				select {
				case <-time.After(time.Duration(delay) * dialRaceStagger):
				case <-raceCtx.Done():
					return
				}
			}
			target := net.JoinHostPort(ip.String(), port)
			conn, dialErr := quic.DialAddr(raceCtx, target, tlsConf, quicConf)
			select {
			case resCh <- result{conn: conn, err: dialErr}:
			case <-raceCtx.Done():
				if conn != nil {
					conn.CloseWithError(quic.ApplicationErrorCode(0), "superseded by a faster dial")
				}
			}
		}(i, ip)
	}

	var lastErr error
	for range ips {
		select {
		case r := <-resCh:
			if r.err == nil {
				cancel()
				return r.conn, nil
			}
			lastErr = r.err
		case <-raceCtx.Done():
			return nil, stoqerr.Wrap(stoqerr.Io, "transport.DialIPv6Race", "dial race timed out", raceCtx.Err())
		}
	}
	return nil, stoqerr.Wrap(stoqerr.Io, "transport.DialIPv6Race", "all dial attempts failed", lastErr)
}

// resolveIPv6 looks up addr's IPv6 addresses, or accepts it directly if
// it's already an IPv6 literal. Any IPv4-only result is rejected per P8.
func resolveIPv6(ctx context.Context, host string) ([]net.IP, error) {
	if ip := net.ParseIP(host); ip != nil {
		if ip.To4() != nil {
			return nil, stoqerr.New(stoqerr.Protocol, "transport.resolveIPv6", "STOQ requires IPv6; refusing IPv4 literal")
		}
		return []net.IP{ip}, nil
	}

	addrs, err := net.DefaultResolver.LookupIP(ctx, "ip6", host)
	if err != nil || len(addrs) == 0 {
		return nil, stoqerr.Wrap(stoqerr.Io, "transport.resolveIPv6", "no AAAA records found for host", err)
	}
	return addrs, nil
}
