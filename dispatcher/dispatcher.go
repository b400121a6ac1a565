/*Package dispatcher implements the per-connection protocol dispatcher
(§4.K): optional TLS accept, then a loop reading framed envelopes and
branching on protocol_id, until the stream ends or a fatal error
forces the connection closed.
*/
package dispatcher

import (
	"crypto/tls"
	"log"
	"net"

	"github.com/nasa-jpl/xoe/clientpool"
	"github.com/nasa-jpl/xoe/envelope"
	"github.com/nasa-jpl/xoe/tlsadapter"
	"github.com/nasa-jpl/xoe/usbrouter"
	"github.com/nasa-jpl/xoe/xoeerr"
)

// Dispatcher wires together the shared server state a dispatched
// connection needs; it is handed down from the top-level server
// object rather than read from process globals.
type Dispatcher struct {
	Pool      *clientpool.Pool
	USBRouter *usbrouter.Router
	TLSConfig *tls.Config // nil disables TLS
}

// Serve drives one accepted connection through its full lifecycle:
// pool acquisition, optional TLS handshake, the envelope dispatch
// loop, and teardown.  It never returns an error to the caller - every
// failure is logged and handled by closing the connection - matching
// the detached, fire-and-forget thread-per-connection model (§4.K).
func (d *Dispatcher) Serve(conn net.Conn) {
	slot := d.Pool.Acquire(conn)
	if slot == nil {
		log.Printf("dispatcher: pool full, rejecting %s", conn.RemoteAddr())
		conn.Close()
		return
	}
	defer d.Pool.Release(slot)

	var stream net.Conn = conn
	var tc *tls.Conn
	if d.TLSConfig != nil {
		accepted, err := tlsadapter.Accept(conn, d.TLSConfig)
		if err != nil {
			log.Printf("dispatcher: TLS handshake with %s failed: %v", conn.RemoteAddr(), err)
			conn.Close()
			return
		}
		tc = accepted
		stream = accepted
	}

	d.loop(stream)

	if tc != nil {
		tlsadapter.Shutdown(tc)
	}
	d.USBRouter.Unregister(stream)
	conn.Close()
}

// loop reads packets from stream until EOF or a stream-level error,
// routing or echoing each one (§4.K step 2-3).  stream is also the
// connection's identity with the USB routing server: when TLS is
// active, the router must hold the TLS wrapper, not the raw socket,
// so that its replies and forwarded URBs are encrypted like everything
// else on the connection.
func (d *Dispatcher) loop(stream net.Conn) {
	for {
		pkt, err := envelope.RecvPacket(stream)
		if err != nil {
			if xoeerr.Is(err, xoeerr.ChecksumMismatch) || xoeerr.Is(err, xoeerr.ProtocolError) {
				log.Printf("dispatcher: recoverable frame error from %s: %v", stream.RemoteAddr(), err)
				continue
			}
			return
		}

		switch pkt.ProtocolID {
		case envelope.USB:
			if err := d.USBRouter.HandleURB(pkt, stream); err != nil {
				log.Printf("dispatcher: USB routing error from %s: %v", stream.RemoteAddr(), err)
			}

		case envelope.Serial, envelope.NBD, envelope.Raw:
			// Legacy behaviour: protocols the dispatcher does not itself
			// terminate are echoed back as-is (§4.K step 3).
			if err := envelope.SendPacket(stream, pkt); err != nil {
				return
			}

		default:
			log.Printf("dispatcher: unknown protocol_id %d from %s", pkt.ProtocolID, stream.RemoteAddr())
		}
	}
}
