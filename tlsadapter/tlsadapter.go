/*Package tlsadapter configures and wraps the TLS contexts used by the
server and client CLI modes (§4.I).  No third-party TLS library
appears anywhere in the retrieved corpus - every example that touches
TLS does so directly against crypto/tls and crypto/x509 - so this
package follows that same direct stdlib usage rather than reaching for
a wrapper that nothing in the corpus uses.
*/
package tlsadapter

import (
	"crypto/tls"
	"errors"
	"io"
	"net"

	"github.com/nasa-jpl/xoe/xoeerr"
)

// Version selects the pinned TLS protocol version (§4.I, §6
// encryption_mode).  Both the minimum and maximum negotiated version
// are pinned to the same value: this adapter never negotiates a range.
type Version int

const (
	TLS12 Version = iota
	TLS13
)

func (v Version) protocolVersion() uint16 {
	if v == TLS13 {
		return tls.VersionTLS13
	}
	return tls.VersionTLS12
}

// tls12CipherSuites is the forward-secret ECDHE list installed for
// TLS1.2 (§4.I).  TLS1.3 cipher suites are not configurable in
// crypto/tls: the runtime always offers
// TLS_AES_256_GCM_SHA384/TLS_AES_128_GCM_SHA256/TLS_CHACHA20_POLY1305_SHA256
// for 1.3 connections, matching §4.I's requirement without needing to
// be named explicitly.
var tls12CipherSuites = []uint16{
	tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
	tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
	tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305,
	tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
	tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
	tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305,
}

// sessionCacheSize bounds the LRU session cache installed as
// ClientSessionCache on every config; crypto/tls consults it only when
// this side dials.  No expiry is configured: entries leave the cache
// only when it is full.  Server-side resumption is crypto/tls's default
// session tickets; no server-side session cache is set up.
const sessionCacheSize = 64

func baseConfig(v Version) *tls.Config {
	cfg := &tls.Config{
		MinVersion:         v.protocolVersion(),
		MaxVersion:         v.protocolVersion(),
		Renegotiation:      tls.RenegotiateNever,
		ClientSessionCache: tls.NewLRUClientSessionCache(sessionCacheSize),
	}
	if v == TLS12 {
		cfg.CipherSuites = tls12CipherSuites
	}
	return cfg
}

// ServerConfig builds a *tls.Config for accepting connections with
// certFile/keyFile, pinned to version, with compression (crypto/tls
// never supports TLS-level compression) and renegotiation disabled
// (§4.I).
func ServerConfig(certFile, keyFile string, version Version) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, xoeerr.New(xoeerr.InvalidArgument, "tlsadapter.ServerConfig", err)
	}
	cfg := baseConfig(version)
	cfg.Certificates = []tls.Certificate{cert}
	return cfg, nil
}

// ClientConfig builds a *tls.Config for dialing hostname, pinned to
// version.  An empty hostname turns off certificate verification
// entirely (InsecureSkipVerify): neither the chain nor the hostname is
// checked.
func ClientConfig(hostname string, version Version) *tls.Config {
	cfg := baseConfig(version)
	cfg.ServerName = hostname
	cfg.InsecureSkipVerify = hostname == ""
	return cfg
}

// Accept performs the server-side TLS handshake over conn, blocking
// until it completes or fails.
func Accept(conn net.Conn, cfg *tls.Config) (*tls.Conn, error) {
	tc := tls.Server(conn, cfg)
	if err := tc.Handshake(); err != nil {
		return nil, xoeerr.New(xoeerr.NetworkError, "tlsadapter.Accept", err)
	}
	return tc, nil
}

// Connect performs the client-side TLS handshake over conn, verifying
// the server's certificate against cfg.ServerName when one was set.
func Connect(conn net.Conn, cfg *tls.Config) (*tls.Conn, error) {
	tc := tls.Client(conn, cfg)
	if err := tc.Handshake(); err != nil {
		return nil, xoeerr.New(xoeerr.NetworkError, "tlsadapter.Connect", err)
	}
	return tc, nil
}

// Read wraps tc.Read with the XOE error taxonomy; a clean peer
// shutdown is reported as (0, nil) rather than an error, matching
// socket-like semantics (§4.I).
func Read(tc *tls.Conn, buf []byte) (int, error) {
	n, err := tc.Read(buf)
	if err != nil {
		if isCleanShutdown(err) {
			return 0, nil
		}
		return n, xoeerr.New(xoeerr.NetworkError, "tlsadapter.Read", err)
	}
	return n, nil
}

// Write wraps tc.Write with the XOE error taxonomy.
func Write(tc *tls.Conn, buf []byte) (int, error) {
	n, err := tc.Write(buf)
	if err != nil {
		return n, xoeerr.New(xoeerr.NetworkError, "tlsadapter.Write", err)
	}
	return n, nil
}

func isCleanShutdown(err error) bool {
	return errors.Is(err, io.EOF)
}

// Shutdown performs a best-effort graceful close: it sends close-notify
// and tolerates the peer not completing its half of the bidirectional
// close, since many NBD/USB clients simply drop the TCP connection
// instead of responding in kind (§4.I).
func Shutdown(tc *tls.Conn) error {
	err := tc.Close()
	if err != nil && !isCleanShutdown(err) {
		return xoeerr.New(xoeerr.NetworkError, "tlsadapter.Shutdown", err)
	}
	return nil
}
