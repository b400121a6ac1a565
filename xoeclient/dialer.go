/*Package xoeclient implements the client side of the relay: dialing
the server with reconnection backoff, and the three client modes the
CLI selects between - a raw stdin/stdout pump, the serial bridge, and
the USB peer.

All connects go through a ConnMaker closure so the modes themselves
never care whether the transport is plain TCP or TLS.
*/
package xoeclient

import (
	"crypto/tls"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/cenkalti/backoff"

	"github.com/nasa-jpl/xoe/tlsadapter"
	"github.com/nasa-jpl/xoe/xoeconfig"
	"github.com/nasa-jpl/xoe/xoeerr"
)

// ConnMaker is a function which returns a new connection to the
// server.  A closure should be used to encapsulate the address and
// transport parameters.
type ConnMaker func() (net.Conn, error)

// DefaultDialTimeout bounds a single connect attempt.
const DefaultDialTimeout = 3 * time.Second

// TCPConnMaker builds the closure for a plain TCP connection.
func TCPConnMaker(address string, timeout time.Duration) ConnMaker {
	return func() (net.Conn, error) {
		return net.DialTimeout("tcp4", address, timeout)
	}
}

// BackingOffTCPConnMaker is a TCPConnMaker with exponential backoff.
// A refused connection aborts the retry loop immediately: the server
// is reachable and saying no, so hammering it helps nobody.  Other
// dial failures (no route yet, timeout) retry until MaxElapsedTime.
func BackingOffTCPConnMaker(address string, timeout time.Duration) ConnMaker {
	return func() (net.Conn, error) {
		var (
			conn net.Conn
			err  error
		)
		op := func() error {
			conn, err = net.DialTimeout("tcp4", address, timeout)
			if err != nil && strings.Contains(strings.ToLower(err.Error()), "refused") {
				return backoff.Permanent(err)
			}
			return err
		}
		err = backoff.Retry(op, &backoff.ExponentialBackOff{
			InitialInterval:     100 * time.Millisecond,
			RandomizationFactor: 0,
			Multiplier:          2,
			MaxInterval:         20 * time.Second,
			MaxElapsedTime:      30 * time.Second,
			Clock:               backoff.SystemClock})
		return conn, err
	}
}

// TLSConnMaker wraps another maker with a client-side TLS handshake.
func TLSConnMaker(inner ConnMaker, cfg *tls.Config) ConnMaker {
	return func() (net.Conn, error) {
		conn, err := inner()
		if err != nil {
			return nil, err
		}
		tc, err := tlsadapter.Connect(conn, cfg)
		if err != nil {
			conn.Close()
			return nil, err
		}
		return tc, nil
	}
}

// MakerFromConfig resolves a validated client configuration into the
// ConnMaker the selected mode should dial with.
func MakerFromConfig(cfg xoeconfig.Config) (ConnMaker, error) {
	addr := fmt.Sprintf("%s:%d", cfg.ServerIP, cfg.ServerPort)
	maker := BackingOffTCPConnMaker(addr, DefaultDialTimeout)
	switch cfg.Encryption {
	case xoeconfig.EncryptionNone:
		return maker, nil
	case xoeconfig.EncryptionTLS12:
		return TLSConnMaker(maker, tlsadapter.ClientConfig(cfg.ServerIP, tlsadapter.TLS12)), nil
	case xoeconfig.EncryptionTLS13:
		return TLSConnMaker(maker, tlsadapter.ClientConfig(cfg.ServerIP, tlsadapter.TLS13)), nil
	default:
		return nil, xoeerr.New(xoeerr.InvalidArgument, "xoeclient.MakerFromConfig", nil)
	}
}
